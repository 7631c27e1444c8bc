package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/handlers"
	"github.com/koppeltag/api/internal/platform/auth"
	"github.com/koppeltag/api/internal/platform/config"
	pfirestore "github.com/koppeltag/api/internal/platform/firestore"
	"github.com/koppeltag/api/internal/platform/jobs"
	"github.com/koppeltag/api/internal/platform/observability"
	"github.com/koppeltag/api/internal/platform/requestctx"
	"github.com/koppeltag/api/internal/platform/scanrelay"
	"github.com/koppeltag/api/internal/platform/secrets"
	platformstorage "github.com/koppeltag/api/internal/platform/storage"
	"github.com/koppeltag/api/internal/platform/textutil"
	"github.com/koppeltag/api/internal/repositories"
	firestoreRepo "github.com/koppeltag/api/internal/repositories/firestore"
	"github.com/koppeltag/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Error(missing))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	credentials := clientOptions(cfg)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithClientOptions(credentials...))
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	tractorRepo, err := firestoreRepo.NewMachineRepository(firestoreProvider, domain.MachineKindTractor)
	if err != nil {
		logger.Fatal("failed to initialise tractor repository", zap.Error(err))
	}
	implementRepo, err := firestoreRepo.NewMachineRepository(firestoreProvider, domain.MachineKindImplement)
	if err != nil {
		logger.Fatal("failed to initialise implement repository", zap.Error(err))
	}
	combinationRepo, err := firestoreRepo.NewCombinationRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise combination repository", zap.Error(err))
	}

	probes := []repositories.Probe{{
		Name:  "firestore",
		Check: firestoreProvider.Ping,
	}}

	var publisher services.MappingEventPublisher
	if topicName := strings.TrimSpace(cfg.PubSub.MappingTopic); topicName != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, credentials...)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		topic := pubsubClient.Topic(topicName)
		topic.EnableMessageOrdering = true
		defer topic.Stop()

		mappingPublisher, err := jobs.NewPubSubMappingPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise mapping publisher", zap.Error(err))
		}
		publisher = mappingPublisher
		probes = append(probes, repositories.Probe{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", topicName)
				}
				return nil
			},
		})
	} else {
		logger.Info("mapping events disabled; no pubsub topic configured")
	}

	instructionStorage := services.InstructionStorage{
		Bucket:         cfg.Storage.InstructionsBucket,
		UploadTTL:      cfg.Storage.UploadURLTTL,
		DownloadTTL:    cfg.Storage.DownloadURLTTL,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
	}
	if bucket := strings.TrimSpace(cfg.Storage.InstructionsBucket); bucket != "" {
		signer, err := newStorageSigner(cfg.Storage)
		if err != nil {
			logger.Fatal("failed to parse storage signer key", zap.Error(err))
		}
		signedURLClient, err := platformstorage.NewClient(signer)
		if err != nil {
			logger.Fatal("failed to initialise signed url client", zap.Error(err))
		}
		instructionStorage.Signer = signedURLClient

		storageClient, err := cloudstorage.NewClient(ctx, credentials...)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		probes = append(probes, repositories.Probe{
			Name: "storage",
			Check: func(ctx context.Context) error {
				_, err := storageClient.Bucket(bucket).Attrs(ctx)
				return err
			},
		})
	} else {
		logger.Warn("instruction images disabled; no storage bucket configured")
	}

	relay := scanrelay.New(scanrelay.WithLogger(logger.Named("scanrelay")))
	notices := services.NewLogNoticeSink(logger.Named("notices"))
	eventLogger := observability.EventLogger(logger.Named("events"))

	tractorService, err := services.NewMachineService(services.MachineServiceDeps{
		Repository:   tractorRepo,
		Combinations: combinationRepo,
		Scanner:      relay,
		Notices:      notices,
		Logger:       eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise tractor service", zap.Error(err))
	}
	implementService, err := services.NewMachineService(services.MachineServiceDeps{
		Repository:   implementRepo,
		Combinations: combinationRepo,
		Scanner:      relay,
		Notices:      notices,
		Logger:       eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise implement service", zap.Error(err))
	}
	combinationService, err := services.NewCombinationService(services.CombinationServiceDeps{
		Combinations: combinationRepo,
		Tractors:     tractorRepo,
		Implements:   implementRepo,
		Storage:      instructionStorage,
		Renderer:     textutil.NewRenderer(),
		Events:       publisher,
		Logger:       eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise combination service", zap.Error(err))
	}
	sessionService, err := services.NewMappingSessionService(services.MappingSessionServiceDeps{
		Combinations:  combinationRepo,
		Tractors:      tractorRepo,
		Implements:    implementRepo,
		Scanner:       relay,
		Events:        publisher,
		Notices:       notices,
		Meter:         otel.Meter("github.com/koppeltag/api/mapping"),
		IdleTTL:       cfg.Sessions.IdleTTL,
		SweepInterval: cfg.Sessions.SweepInterval,
		Logger:        eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise mapping session service", zap.Error(err))
	}

	healthRepo, err := repositories.NewProbeHealthRepository(probes)
	if err != nil {
		logger.Fatal("failed to initialise health probes", zap.Error(err))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	scanWait := handlers.WithScanWait(cfg.Sessions.ScanWait)
	tractorHandlers := handlers.NewMachineHandlers(authenticator, tractorService, scanWait)
	implementHandlers := handlers.NewMachineHandlers(authenticator, implementService, scanWait)
	combinationHandlers := handlers.NewCombinationHandlers(authenticator, combinationService)
	sessionHandlers := handlers.NewMappingSessionHandlers(authenticator, sessionService, scanWait)
	scannerHandlers := handlers.NewScannerHandlers(authenticator, relay)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(traceProjectID(cfg)),
			observability.RecoveryMiddleware(logger),
			observability.RequestLoggerMiddleware(),
			handlers.DeviceIDMiddleware,
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthReporter(healthRepo),
			handlers.WithHealthBuildInfo(buildInfo),
		)),
		handlers.WithTractorRoutes(tractorHandlers.Routes),
		handlers.WithImplementRoutes(implementHandlers.Routes),
		handlers.WithCombinationRoutes(combinationHandlers.Routes),
		handlers.WithMappingSessionRoutes(sessionHandlers.Routes),
		handlers.WithScannerRoutes(scannerHandlers.Routes),
	)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sessionService.Run(sweepCtx)
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("koppeltag api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopSweep()
	<-sweepDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func clientOptions(cfg config.Config) []option.ClientOption {
	if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
		return []option.ClientOption{option.WithCredentialsFile(file)}
	}
	return nil
}

func newStorageSigner(cfg config.StorageConfig) (*platformstorage.KeySigner, error) {
	if key := strings.TrimSpace(cfg.SignerKey); key != "" {
		return platformstorage.NewKeySignerFromJSON([]byte(key))
	}
	if path := strings.TrimSpace(cfg.SignerKeyFile); path != "" {
		return platformstorage.NewKeySignerFromFile(path)
	}
	return nil, errors.New("storage signer key is required when an instructions bucket is configured")
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(otel.Meter("github.com/koppeltag/api/secrets")),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists secrets that must resolve for the configured features.
func requiredSecretNames(env map[string]string) []string {
	if env == nil {
		return nil
	}
	if strings.TrimSpace(env["API_STORAGE_INSTRUCTIONS_BUCKET"]) != "" && strings.TrimSpace(env["API_STORAGE_SIGNER_KEY_FILE"]) == "" {
		return []string{"Storage.SignerKey"}
	}
	return nil
}
