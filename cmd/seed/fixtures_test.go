package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/repositories"
)

var seedNow = time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)

func TestParseFixtureSample(t *testing.T) {
	f, err := os.Open("testdata/farm.yaml")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	fixture, err := ParseFixture(f)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	plan, err := BuildPlan(fixture, seedNow)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if len(plan.Tractors) != 1 || len(plan.Implements) != 2 || len(plan.Combinations) != 1 {
		t.Fatalf("unexpected plan sizes %d/%d/%d", len(plan.Tractors), len(plan.Implements), len(plan.Combinations))
	}

	tractor := plan.Tractors[0]
	if tractor.Connectors.Capacity() != 6 || tractor.Connectors.TaggedCount() != 4 {
		t.Fatalf("unexpected tractor connectors %+v", tractor.Connectors.Tags())
	}
	if index, ok := tractor.Connectors.ResolveIndex("04a1b2c3d6"); !ok || index != 3 {
		t.Fatalf("expected tag on connector 3, got %d %v", index, ok)
	}

	combination := plan.Combinations[0]
	pairs := combination.Mappings["eq_kverneland_plough"]
	if len(pairs) != 2 || pairs[0].ImplementIndex != 1 || pairs[0].TractorIndex != 1 || pairs[1].TractorIndex != 3 {
		t.Fatalf("expected pairs ordered by implement index, got %+v", pairs)
	}
	if _, ok := combination.Mappings["eq_amazone_seeder"]; ok {
		t.Fatal("implement without pairs should have no stored mapping")
	}
	if len(combination.ImplementIDs) != 2 {
		t.Fatalf("expected both implements attached, got %v", combination.ImplementIDs)
	}
	if got := combination.Instructions["eq_kverneland_plough"][2].ImageRef; !strings.HasSuffix(got, "lever.jpg") {
		t.Fatalf("unexpected instruction image %q", got)
	}
}

func TestParseFixtureRejectsUnknownFields(t *testing.T) {
	_, err := ParseFixture(strings.NewReader("tractors:\n  - id: trc_1\n    wheels: 4\n"))
	if err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := ParseFixture(strings.NewReader("")); err == nil {
		t.Fatal("expected empty document error")
	}
}

func TestBuildPlanValidation(t *testing.T) {
	base := func() Fixture {
		return Fixture{
			Tractors:   []MachineFixture{{ID: "trc_1", Name: "T", Connectors: 2}},
			Implements: []MachineFixture{{ID: "eq_1", Name: "I", Connectors: 1}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Fixture)
		want   string
	}{
		{
			name:   "tag out of range",
			mutate: func(f *Fixture) { f.Tractors[0].Tags = map[int]string{3: "A"} },
			want:   "out of range",
		},
		{
			name:   "duplicate tag",
			mutate: func(f *Fixture) { f.Tractors[0].Tags = map[int]string{1: "A", 2: "a"} },
			want:   "several connectors",
		},
		{
			name:   "duplicate id",
			mutate: func(f *Fixture) { f.Implements[0].ID = "trc_1" },
			want:   "duplicate id",
		},
		{
			name: "unknown tractor",
			mutate: func(f *Fixture) {
				f.Combinations = []CombinationFixture{{ID: "cmb_1", Tractor: "trc_9"}}
			},
			want: "unknown tractor",
		},
		{
			name: "pairs reuse connector",
			mutate: func(f *Fixture) {
				f.Implements[0].Connectors = 2
				f.Combinations = []CombinationFixture{{ID: "cmb_1", Tractor: "trc_1", Implements: []CombinationImplementEntry{{
					ID:    "eq_1",
					Pairs: []PairFixture{{Tractor: 1, Implement: 1}, {Tractor: 1, Implement: 2}},
				}}}}
			},
			want: "used twice",
		},
		{
			name: "instruction ordinal outside mapping",
			mutate: func(f *Fixture) {
				f.Combinations = []CombinationFixture{{ID: "cmb_1", Tractor: "trc_1", Implements: []CombinationImplementEntry{{
					ID:           "eq_1",
					Pairs:        []PairFixture{{Tractor: 2, Implement: 1}},
					Instructions: map[int]InstructionFixture{2: {Text: "x"}},
				}}}}
			},
			want: "ordinal 2",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fixture := base()
			tc.mutate(&fixture)
			_, err := BuildPlan(fixture, seedNow)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestWriterApply(t *testing.T) {
	f, err := os.Open("testdata/farm.yaml")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	fixture, err := ParseFixture(f)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	plan, err := BuildPlan(fixture, seedNow)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}

	tractors := &seedMachineRepo{kind: domain.MachineKindTractor, stored: map[string]domain.Machine{}}
	implements := &seedMachineRepo{kind: domain.MachineKindImplement, stored: map[string]domain.Machine{}}
	combinations := &seedCombinationRepo{stored: map[string]domain.Combination{}}
	writer := Writer{Tractors: tractors, Implements: implements, Combinations: combinations}

	summary, err := writer.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if summary != (Summary{Tractors: 1, Implements: 2, Combinations: 1}) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := combinations.mappings["cmb_spring/eq_kverneland_plough"]; len(got) != 2 {
		t.Fatalf("expected mapping persisted, got %+v", got)
	}
	if combinations.instructions != 2 {
		t.Fatalf("expected 2 instructions stored, got %d", combinations.instructions)
	}

	if _, err := writer.Apply(context.Background(), plan); err == nil {
		t.Fatal("expected conflict on second apply without replace")
	}

	writer.Replace = true
	if _, err := writer.Apply(context.Background(), plan); err != nil {
		t.Fatalf("apply with replace: %v", err)
	}
	if tractors.updates != 1 || implements.updates != 2 {
		t.Fatalf("expected existing machines updated, got %d/%d", tractors.updates, implements.updates)
	}
}

type seedConflict struct{}

func (seedConflict) Error() string       { return "already exists" }
func (seedConflict) IsNotFound() bool    { return false }
func (seedConflict) IsConflict() bool    { return true }
func (seedConflict) IsUnavailable() bool { return false }

type seedMachineRepo struct {
	kind    domain.MachineKind
	stored  map[string]domain.Machine
	updates int
}

func (r *seedMachineRepo) Kind() domain.MachineKind { return r.kind }

func (r *seedMachineRepo) Insert(_ context.Context, m domain.Machine) error {
	if _, ok := r.stored[m.ID]; ok {
		return seedConflict{}
	}
	r.stored[m.ID] = m
	return nil
}

func (r *seedMachineRepo) Update(_ context.Context, m domain.Machine) error {
	r.stored[m.ID] = m
	r.updates++
	return nil
}

func (r *seedMachineRepo) FindByID(_ context.Context, id string) (domain.Machine, error) {
	m, ok := r.stored[id]
	if !ok {
		return domain.Machine{}, errors.New("not found")
	}
	return m, nil
}

func (r *seedMachineRepo) List(context.Context, repositories.MachineOrder) ([]domain.Machine, error) {
	return nil, nil
}

func (r *seedMachineRepo) Delete(_ context.Context, id string) error {
	delete(r.stored, id)
	return nil
}

func (r *seedMachineRepo) MutateConnectors(context.Context, string, repositories.ConnectorMutation) (domain.Machine, error) {
	return domain.Machine{}, errors.New("not supported")
}

type seedCombinationRepo struct {
	stored       map[string]domain.Combination
	mappings     map[string][]domain.MappingPair
	instructions int
}

func (r *seedCombinationRepo) Insert(_ context.Context, c domain.Combination) error {
	if _, ok := r.stored[c.ID]; ok {
		return seedConflict{}
	}
	r.stored[c.ID] = c
	return nil
}

func (r *seedCombinationRepo) FindByID(_ context.Context, id string) (domain.Combination, error) {
	return r.stored[id], nil
}

func (r *seedCombinationRepo) List(context.Context) ([]domain.Combination, error) { return nil, nil }

func (r *seedCombinationRepo) Delete(_ context.Context, id string) error {
	delete(r.stored, id)
	return nil
}

func (r *seedCombinationRepo) AddImplement(context.Context, string, string) error { return nil }

func (r *seedCombinationRepo) PersistMapping(_ context.Context, combinationID, implementID string, pairs []domain.MappingPair) error {
	if r.mappings == nil {
		r.mappings = make(map[string][]domain.MappingPair)
	}
	r.mappings[combinationID+"/"+implementID] = pairs
	return nil
}

func (r *seedCombinationRepo) RemoveImplement(context.Context, string, string) error { return nil }

func (r *seedCombinationRepo) PutInstruction(context.Context, string, string, int, domain.Instruction) error {
	r.instructions++
	return nil
}
