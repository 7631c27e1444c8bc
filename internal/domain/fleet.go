package domain

import (
	"errors"
	"fmt"
	"time"
)

// MachineKind distinguishes tractors from implements (werktuigen).
type MachineKind string

const (
	// MachineKindTractor identifies a tractor record.
	MachineKindTractor MachineKind = "tractor"
	// MachineKindImplement identifies an implement record.
	MachineKindImplement MachineKind = "implement"
)

// Valid reports whether the kind is one of the known machine kinds.
func (k MachineKind) Valid() bool {
	return k == MachineKindTractor || k == MachineKindImplement
}

// Machine is a tractor or implement together with its physical connector set.
type Machine struct {
	ID         string
	Kind       MachineKind
	Name       string
	Brand      string
	Model      string
	Connectors ConnectorSet
	ImageRef   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MappingPair links one tractor connector to one implement connector.
type MappingPair struct {
	TractorIndex   int
	ImplementIndex int
}

// Instruction is the per-pair playback content shown to field workers.
type Instruction struct {
	ImageRef string
	Text     string
}

// Combination associates a tractor with implements and their finalized connector mappings.
type Combination struct {
	ID           string
	Name         string
	TractorID    string
	ImplementIDs []string
	// Mappings holds the finalized pairs keyed by implement id.
	Mappings map[string][]MappingPair
	// Instructions holds per-pair content keyed by implement id, then 1-based pair ordinal.
	Instructions map[string]map[int]Instruction
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasImplement reports whether implementID is part of the combination.
func (c Combination) HasImplement(implementID string) bool {
	for _, id := range c.ImplementIDs {
		if id == implementID {
			return true
		}
	}
	return false
}

// ErrInvalidMapping is wrapped by ValidateMapping failures.
var ErrInvalidMapping = errors.New("mapping: invalid pairs")

// ValidateMapping checks that pairs form a partial bijection within the given capacities.
func ValidateMapping(tractorCapacity, implementCapacity int, pairs []MappingPair) error {
	tractorSeen := make(map[int]struct{}, len(pairs))
	implementSeen := make(map[int]struct{}, len(pairs))
	for i, pair := range pairs {
		if pair.TractorIndex < 1 || pair.TractorIndex > tractorCapacity {
			return fmt.Errorf("%w: pair %d: %w", ErrInvalidMapping, i+1, &OutOfRangeError{Index: pair.TractorIndex, Capacity: tractorCapacity})
		}
		if pair.ImplementIndex < 1 || pair.ImplementIndex > implementCapacity {
			return fmt.Errorf("%w: pair %d: %w", ErrInvalidMapping, i+1, &OutOfRangeError{Index: pair.ImplementIndex, Capacity: implementCapacity})
		}
		if _, dup := tractorSeen[pair.TractorIndex]; dup {
			return fmt.Errorf("%w: tractor connector %d used twice", ErrInvalidMapping, pair.TractorIndex)
		}
		if _, dup := implementSeen[pair.ImplementIndex]; dup {
			return fmt.Errorf("%w: implement connector %d used twice", ErrInvalidMapping, pair.ImplementIndex)
		}
		tractorSeen[pair.TractorIndex] = struct{}{}
		implementSeen[pair.ImplementIndex] = struct{}{}
	}
	return nil
}
