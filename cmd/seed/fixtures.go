package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/repositories"
)

// Fixture is the YAML document accepted by the seed command.
type Fixture struct {
	Tractors     []MachineFixture     `yaml:"tractors"`
	Implements   []MachineFixture     `yaml:"implements"`
	Combinations []CombinationFixture `yaml:"combinations"`
}

// MachineFixture describes one tractor or implement and its recorded tags keyed by connector index.
type MachineFixture struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Brand      string         `yaml:"brand"`
	Model      string         `yaml:"model"`
	Connectors int            `yaml:"connectors"`
	ImageRef   string         `yaml:"image_ref"`
	Tags       map[int]string `yaml:"tags"`
}

// CombinationFixture describes a combination and the stored mapping of each implement.
type CombinationFixture struct {
	ID         string                      `yaml:"id"`
	Name       string                      `yaml:"name"`
	Tractor    string                      `yaml:"tractor"`
	Implements []CombinationImplementEntry `yaml:"implements"`
}

// CombinationImplementEntry is one implement of a combination. Instructions are keyed by pair
// ordinal.
type CombinationImplementEntry struct {
	ID           string                     `yaml:"id"`
	Pairs        []PairFixture              `yaml:"pairs"`
	Instructions map[int]InstructionFixture `yaml:"instructions"`
}

// PairFixture links a tractor connector to an implement connector.
type PairFixture struct {
	Tractor   int `yaml:"tractor"`
	Implement int `yaml:"implement"`
}

// InstructionFixture is the playback content of one pair.
type InstructionFixture struct {
	Text     string `yaml:"text"`
	ImageRef string `yaml:"image_ref"`
}

// Plan is a validated fixture converted to domain records.
type Plan struct {
	Tractors     []domain.Machine
	Implements   []domain.Machine
	Combinations []domain.Combination
}

// ParseFixture decodes a fixture document, rejecting unknown fields.
func ParseFixture(r io.Reader) (Fixture, error) {
	var fixture Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fixture); err != nil {
		if errors.Is(err, io.EOF) {
			return Fixture{}, errors.New("fixture: document is empty")
		}
		return Fixture{}, fmt.Errorf("fixture: decode: %w", err)
	}
	return fixture, nil
}

// BuildPlan validates fixture and converts it to domain records stamped with now.
func BuildPlan(fixture Fixture, now time.Time) (Plan, error) {
	var (
		plan Plan
		errs []error
	)
	seen := make(map[string]struct{})

	buildMachines := func(kind domain.MachineKind, entries []MachineFixture) (map[string]domain.Machine, []domain.Machine) {
		byID := make(map[string]domain.Machine, len(entries))
		list := make([]domain.Machine, 0, len(entries))
		for i, entry := range entries {
			machine, err := buildMachine(kind, entry, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s[%d]: %w", kind, i, err))
				continue
			}
			if _, dup := seen[machine.ID]; dup {
				errs = append(errs, fmt.Errorf("%s[%d]: duplicate id %q", kind, i, machine.ID))
				continue
			}
			seen[machine.ID] = struct{}{}
			byID[machine.ID] = machine
			list = append(list, machine)
		}
		return byID, list
	}

	tractors, tractorList := buildMachines(domain.MachineKindTractor, fixture.Tractors)
	implements, implementList := buildMachines(domain.MachineKindImplement, fixture.Implements)
	plan.Tractors = tractorList
	plan.Implements = implementList

	for i, entry := range fixture.Combinations {
		combination, err := buildCombination(entry, tractors, implements, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("combination[%d]: %w", i, err))
			continue
		}
		if _, dup := seen[combination.ID]; dup {
			errs = append(errs, fmt.Errorf("combination[%d]: duplicate id %q", i, combination.ID))
			continue
		}
		seen[combination.ID] = struct{}{}
		plan.Combinations = append(plan.Combinations, combination)
	}

	if len(errs) > 0 {
		return Plan{}, errors.Join(errs...)
	}
	return plan, nil
}

func buildMachine(kind domain.MachineKind, entry MachineFixture, now time.Time) (domain.Machine, error) {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return domain.Machine{}, errors.New("id is required")
	}
	name := strings.TrimSpace(entry.Name)
	if name == "" {
		return domain.Machine{}, fmt.Errorf("%s: name is required", id)
	}
	if entry.Connectors <= 0 {
		return domain.Machine{}, fmt.Errorf("%s: connectors must be positive", id)
	}
	connectors := domain.NewConnectorSet(entry.Connectors)
	indices := make([]int, 0, len(entry.Tags))
	for index := range entry.Tags {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	for _, index := range indices {
		if err := connectors.RecordTag(index, entry.Tags[index]); err != nil {
			return domain.Machine{}, fmt.Errorf("%s: connector %d: %w", id, index, err)
		}
	}
	if dups := connectors.DuplicateTags(); len(dups) > 0 {
		return domain.Machine{}, fmt.Errorf("%s: tags registered on several connectors: %v", id, dups)
	}
	return domain.Machine{
		ID:         id,
		Kind:       kind,
		Name:       name,
		Brand:      strings.TrimSpace(entry.Brand),
		Model:      strings.TrimSpace(entry.Model),
		Connectors: connectors,
		ImageRef:   strings.TrimSpace(entry.ImageRef),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func buildCombination(entry CombinationFixture, tractors, implements map[string]domain.Machine, now time.Time) (domain.Combination, error) {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return domain.Combination{}, errors.New("id is required")
	}
	tractor, ok := tractors[strings.TrimSpace(entry.Tractor)]
	if !ok {
		return domain.Combination{}, fmt.Errorf("%s: unknown tractor %q", id, entry.Tractor)
	}
	combination := domain.Combination{
		ID:           id,
		Name:         strings.TrimSpace(entry.Name),
		TractorID:    tractor.ID,
		Mappings:     make(map[string][]domain.MappingPair),
		Instructions: make(map[string]map[int]domain.Instruction),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if combination.Name == "" {
		combination.Name = tractor.Name
	}
	for _, item := range entry.Implements {
		implementID := strings.TrimSpace(item.ID)
		implement, ok := implements[implementID]
		if !ok {
			return domain.Combination{}, fmt.Errorf("%s: unknown implement %q", id, item.ID)
		}
		if combination.HasImplement(implementID) {
			return domain.Combination{}, fmt.Errorf("%s: implement %q listed twice", id, implementID)
		}
		combination.ImplementIDs = append(combination.ImplementIDs, implementID)
		if len(item.Pairs) == 0 {
			if len(item.Instructions) > 0 {
				return domain.Combination{}, fmt.Errorf("%s/%s: instructions without pairs", id, implementID)
			}
			continue
		}
		pairs := make([]domain.MappingPair, 0, len(item.Pairs))
		for _, p := range item.Pairs {
			pairs = append(pairs, domain.MappingPair{TractorIndex: p.Tractor, ImplementIndex: p.Implement})
		}
		if err := domain.ValidateMapping(tractor.Connectors.Capacity(), implement.Connectors.Capacity(), pairs); err != nil {
			return domain.Combination{}, fmt.Errorf("%s/%s: %w", id, implementID, err)
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].ImplementIndex < pairs[j].ImplementIndex })
		combination.Mappings[implementID] = pairs
		for ordinal, instruction := range item.Instructions {
			if ordinal < 1 || ordinal > len(pairs) {
				return domain.Combination{}, fmt.Errorf("%s/%s: instruction ordinal %d outside [1, %d]", id, implementID, ordinal, len(pairs))
			}
			if combination.Instructions[implementID] == nil {
				combination.Instructions[implementID] = make(map[int]domain.Instruction)
			}
			combination.Instructions[implementID][ordinal] = domain.Instruction{
				Text:     strings.TrimSpace(instruction.Text),
				ImageRef: strings.TrimSpace(instruction.ImageRef),
			}
		}
	}
	return combination, nil
}

// Writer stores a plan through the repositories.
type Writer struct {
	Tractors     repositories.MachineRepository
	Implements   repositories.MachineRepository
	Combinations repositories.CombinationRepository
	// Replace overwrites records that already exist instead of failing.
	Replace bool
}

// Summary counts what a Writer stored.
type Summary struct {
	Tractors     int
	Implements   int
	Combinations int
}

// Apply writes machines first so combinations reference stored records.
func (w Writer) Apply(ctx context.Context, plan Plan) (Summary, error) {
	var summary Summary
	for _, m := range plan.Tractors {
		if err := w.putMachine(ctx, w.Tractors, m); err != nil {
			return summary, err
		}
		summary.Tractors++
	}
	for _, m := range plan.Implements {
		if err := w.putMachine(ctx, w.Implements, m); err != nil {
			return summary, err
		}
		summary.Implements++
	}
	for _, c := range plan.Combinations {
		if err := w.putCombination(ctx, c); err != nil {
			return summary, err
		}
		summary.Combinations++
	}
	return summary, nil
}

func (w Writer) putMachine(ctx context.Context, repo repositories.MachineRepository, m domain.Machine) error {
	err := repo.Insert(ctx, m)
	if err != nil && w.Replace && isConflict(err) {
		err = repo.Update(ctx, m)
	}
	if err != nil {
		return fmt.Errorf("store %s %s: %w", m.Kind, m.ID, err)
	}
	return nil
}

func (w Writer) putCombination(ctx context.Context, c domain.Combination) error {
	insert := c
	insert.Mappings = nil
	insert.Instructions = nil
	err := w.Combinations.Insert(ctx, insert)
	if err != nil && w.Replace && isConflict(err) {
		if err = w.Combinations.Delete(ctx, c.ID); err == nil {
			err = w.Combinations.Insert(ctx, insert)
		}
	}
	if err != nil {
		return fmt.Errorf("store combination %s: %w", c.ID, err)
	}
	for _, implementID := range c.ImplementIDs {
		pairs, ok := c.Mappings[implementID]
		if !ok {
			continue
		}
		if err := w.Combinations.PersistMapping(ctx, c.ID, implementID, pairs); err != nil {
			return fmt.Errorf("store mapping %s/%s: %w", c.ID, implementID, err)
		}
		ordinals := make([]int, 0, len(c.Instructions[implementID]))
		for ordinal := range c.Instructions[implementID] {
			ordinals = append(ordinals, ordinal)
		}
		sort.Ints(ordinals)
		for _, ordinal := range ordinals {
			if err := w.Combinations.PutInstruction(ctx, c.ID, implementID, ordinal, c.Instructions[implementID][ordinal]); err != nil {
				return fmt.Errorf("store instruction %s/%s/%d: %w", c.ID, implementID, ordinal, err)
			}
		}
	}
	return nil
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
