package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/platform/config"
	pfirestore "github.com/koppeltag/api/internal/platform/firestore"
	"github.com/koppeltag/api/internal/platform/observability"
	firestoreRepo "github.com/koppeltag/api/internal/repositories/firestore"
)

var (
	envFile string
	replace bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "seed",
		Short: "Load tractor, implement and combination fixtures",
		Long:  `Seed reads a YAML fixture file and writes its machines, combinations and mappings to Firestore, usually the local emulator.`,
	}
	rootCmd.PersistentFlags().StringVarP(&envFile, "env-file", "e", ".env", "Path to the .env file used for configuration")

	rootCmd.AddCommand(
		newValidateCommand(),
		newApplyCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <fixture.yaml>",
		Short: "Check a fixture file without writing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fixture ok: %d tractors, %d implements, %d combinations\n",
				len(plan.Tractors), len(plan.Implements), len(plan.Combinations))
			return nil
		},
	}
}

func newApplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <fixture.yaml>",
		Short: "Write a fixture file to Firestore",
		Args:  cobra.ExactArgs(1),
		RunE:  runApply,
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "Overwrite records that already exist")
	return cmd
}

func runApply(cmd *cobra.Command, args []string) error {
	logger, err := observability.NewLogger()
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	logger = logger.Named("seed")

	plan, err := loadPlan(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	cfg, err := config.Load(ctx, config.WithEnvFile(envFile))
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	provider := pfirestore.NewProvider(cfg.Firestore)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := provider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	tractors, err := firestoreRepo.NewMachineRepository(provider, domain.MachineKindTractor)
	if err != nil {
		return err
	}
	implements, err := firestoreRepo.NewMachineRepository(provider, domain.MachineKindImplement)
	if err != nil {
		return err
	}
	combinations, err := firestoreRepo.NewCombinationRepository(provider)
	if err != nil {
		return err
	}

	writer := Writer{
		Tractors:     tractors,
		Implements:   implements,
		Combinations: combinations,
		Replace:      replace,
	}
	summary, err := writer.Apply(ctx, plan)
	logger.Info("fixture applied",
		zap.String("project", provider.ProjectID()),
		zap.Int("tractors", summary.Tractors),
		zap.Int("implements", summary.Implements),
		zap.Int("combinations", summary.Combinations),
		zap.Bool("complete", err == nil),
	)
	return err
}

func loadPlan(path string) (Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return Plan{}, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()

	fixture, err := ParseFixture(f)
	if err != nil {
		return Plan{}, err
	}
	return BuildPlan(fixture, time.Now().UTC())
}
