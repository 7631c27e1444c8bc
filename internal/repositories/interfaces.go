package repositories

import (
	"context"

	"github.com/koppeltag/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// MachineOrder selects the sort field for machine listings.
type MachineOrder string

const (
	MachineOrderName      MachineOrder = "name"
	MachineOrderCreatedAt MachineOrder = "createdAt"
	MachineOrderUpdatedAt MachineOrder = "updatedAt"
)

// ConnectorMutation edits a machine's connector set inside a read-modify-write cycle.
type ConnectorMutation func(connectors *domain.ConnectorSet) error

// MachineRepository persists tractors or implements. One instance serves a single kind.
type MachineRepository interface {
	Kind() domain.MachineKind
	Insert(ctx context.Context, machine domain.Machine) error
	Update(ctx context.Context, machine domain.Machine) error
	FindByID(ctx context.Context, id string) (domain.Machine, error)
	List(ctx context.Context, order MachineOrder) ([]domain.Machine, error)
	Delete(ctx context.Context, id string) error
	// MutateConnectors applies fn to the stored connector set atomically and returns the result.
	MutateConnectors(ctx context.Context, id string, fn ConnectorMutation) (domain.Machine, error)
}

// CombinationRepository persists combinations and acts as the mapping persistence adapter.
type CombinationRepository interface {
	Insert(ctx context.Context, combination domain.Combination) error
	FindByID(ctx context.Context, id string) (domain.Combination, error)
	List(ctx context.Context) ([]domain.Combination, error)
	Delete(ctx context.Context, id string) error

	// AddImplement adds implementID to the combination with set semantics.
	AddImplement(ctx context.Context, combinationID, implementID string) error
	// PersistMapping overwrites the stored mapping of implementID and registers the implement.
	PersistMapping(ctx context.Context, combinationID, implementID string, pairs []domain.MappingPair) error
	// RemoveImplement drops the implement together with its mapping and instructions. Removing an
	// absent implement, or from an absent combination, succeeds.
	RemoveImplement(ctx context.Context, combinationID, implementID string) error
	// PutInstruction stores the instruction of one mapping pair.
	PutInstruction(ctx context.Context, combinationID, implementID string, ordinal int, instruction domain.Instruction) error
}

// HealthRepository probes the service dependencies for readiness reporting.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
