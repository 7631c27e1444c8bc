package firestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/koppeltag/api/internal/domain"
	pfirestore "github.com/koppeltag/api/internal/platform/firestore"
	"github.com/koppeltag/api/internal/repositories"
)

const (
	tractorCollection   = "tractors"
	implementCollection = "equipment"
)

type machineDocument struct {
	Name      string            `firestore:"naam"`
	Brand     string            `firestore:"merk"`
	Model     string            `firestore:"type"`
	Capacity  int               `firestore:"aantalKoppelingen"`
	Tags      map[string]string `firestore:"tags"`
	ImageRef  string            `firestore:"imageRef,omitempty"`
	CreatedAt time.Time         `firestore:"createdAt"`
	UpdatedAt time.Time         `firestore:"updatedAt"`
}

// MachineRepository stores tractors or implements, one collection per kind.
type MachineRepository struct {
	kind domain.MachineKind
	docs *pfirestore.Collection[domain.Machine]
	now  func() time.Time
}

var _ repositories.MachineRepository = (*MachineRepository)(nil)

// MachineRepositoryOption customises a MachineRepository.
type MachineRepositoryOption func(*MachineRepository)

// WithMachineClock overrides the clock used for connector mutation timestamps.
func WithMachineClock(now func() time.Time) MachineRepositoryOption {
	return func(r *MachineRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewMachineRepository constructs a repository for kind.
func NewMachineRepository(provider *pfirestore.Provider, kind domain.MachineKind, opts ...MachineRepositoryOption) (*MachineRepository, error) {
	if provider == nil {
		return nil, errors.New("machine repository requires firestore provider")
	}
	name, err := machineCollection(kind)
	if err != nil {
		return nil, err
	}
	repo := &MachineRepository{
		kind: kind,
		now:  time.Now,
	}
	repo.docs = pfirestore.NewCollection(provider, name, encodeMachine, func(snap *firestore.DocumentSnapshot) (domain.Machine, error) {
		return decodeMachine(kind, snap)
	})
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func machineCollection(kind domain.MachineKind) (string, error) {
	switch kind {
	case domain.MachineKindTractor:
		return tractorCollection, nil
	case domain.MachineKindImplement:
		return implementCollection, nil
	default:
		return "", fmt.Errorf("machine repository: unsupported kind %q", kind)
	}
}

// Kind reports which machine kind the repository stores.
func (r *MachineRepository) Kind() domain.MachineKind {
	return r.kind
}

// Insert creates the machine document and fails when the id is taken.
func (r *MachineRepository) Insert(ctx context.Context, machine domain.Machine) error {
	return r.docs.Create(ctx, machine.ID, machine)
}

// Update replaces the stored fields of an existing machine.
func (r *MachineRepository) Update(ctx context.Context, machine domain.Machine) error {
	return r.docs.Patch(ctx, machine.ID, []firestore.Update{
		{Path: "naam", Value: machine.Name},
		{Path: "merk", Value: machine.Brand},
		{Path: "type", Value: machine.Model},
		{Path: "aantalKoppelingen", Value: machine.Connectors.Capacity()},
		{Path: "tags", Value: encodeTags(machine.Connectors)},
		{Path: "imageRef", Value: machine.ImageRef},
		{Path: "updatedAt", Value: machine.UpdatedAt.UTC()},
	})
}

// FindByID loads one machine.
func (r *MachineRepository) FindByID(ctx context.Context, id string) (domain.Machine, error) {
	doc, err := r.docs.Get(ctx, id)
	if err != nil {
		return domain.Machine{}, err
	}
	return doc.Data, nil
}

// List returns all machines of the repository kind.
func (r *MachineRepository) List(ctx context.Context, order repositories.MachineOrder) ([]domain.Machine, error) {
	field := "naam"
	switch order {
	case repositories.MachineOrderCreatedAt:
		field = "createdAt"
	case repositories.MachineOrderUpdatedAt:
		field = "updatedAt"
	}
	docs, err := r.docs.List(ctx, field)
	if err != nil {
		return nil, err
	}
	machines := make([]domain.Machine, 0, len(docs))
	for _, doc := range docs {
		machines = append(machines, doc.Data)
	}
	return machines, nil
}

// Delete removes the machine. Deleting a missing machine succeeds.
func (r *MachineRepository) Delete(ctx context.Context, id string) error {
	return r.docs.Delete(ctx, id)
}

// MutateConnectors reads the machine, applies fn and writes capacity and tags back in one
// transaction.
func (r *MachineRepository) MutateConnectors(ctx context.Context, id string, fn repositories.ConnectorMutation) (domain.Machine, error) {
	if fn == nil {
		return domain.Machine{}, errors.New("machine repository: mutation is required")
	}
	doc, err := r.docs.Modify(ctx, id, func(doc *pfirestore.Document[domain.Machine]) ([]firestore.Update, error) {
		if err := fn(&doc.Data.Connectors); err != nil {
			return nil, err
		}
		doc.Data.UpdatedAt = r.now().UTC()
		return []firestore.Update{
			{Path: "aantalKoppelingen", Value: doc.Data.Connectors.Capacity()},
			{Path: "tags", Value: encodeTags(doc.Data.Connectors)},
			{Path: "updatedAt", Value: doc.Data.UpdatedAt},
		}, nil
	})
	if err != nil {
		return domain.Machine{}, err
	}
	return doc.Data, nil
}

func encodeMachine(machine domain.Machine) (any, error) {
	if strings.TrimSpace(machine.Name) == "" {
		return nil, errors.New("machine name is required")
	}
	return machineDocument{
		Name:      machine.Name,
		Brand:     machine.Brand,
		Model:     machine.Model,
		Capacity:  machine.Connectors.Capacity(),
		Tags:      encodeTags(machine.Connectors),
		ImageRef:  machine.ImageRef,
		CreatedAt: machine.CreatedAt.UTC(),
		UpdatedAt: machine.UpdatedAt.UTC(),
	}, nil
}

func decodeMachine(kind domain.MachineKind, snap *firestore.DocumentSnapshot) (domain.Machine, error) {
	var doc machineDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Machine{}, err
	}
	return domain.Machine{
		ID:         snap.Ref.ID,
		Kind:       kind,
		Name:       doc.Name,
		Brand:      doc.Brand,
		Model:      doc.Model,
		Connectors: domain.ConnectorSetFromTags(doc.Capacity, decodeTags(doc.Tags)),
		ImageRef:   doc.ImageRef,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}, nil
}

func encodeTags(set domain.ConnectorSet) map[string]string {
	tags := set.Tags()
	out := make(map[string]string, len(tags))
	for index, tag := range tags {
		out[strconv.Itoa(index)] = tag
	}
	return out
}

func decodeTags(raw map[string]string) map[int]string {
	out := make(map[int]string, len(raw))
	for key, tag := range raw {
		index, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			continue
		}
		out[index] = tag
	}
	return out
}
