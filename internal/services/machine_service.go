package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/repositories"
)

var (
	// ErrMachineInvalidInput indicates the caller supplied invalid machine data.
	ErrMachineInvalidInput = errors.New("machine: invalid input")
	// ErrMachineNotFound indicates the machine does not exist.
	ErrMachineNotFound = errors.New("machine: not found")
	// ErrMachineConflict indicates the write conflicts with stored state.
	ErrMachineConflict = errors.New("machine: conflict")
	// ErrMachineUnavailable indicates the store could not serve the request.
	ErrMachineUnavailable = errors.New("machine: unavailable")
	// ErrDuplicateTag indicates the tag is already registered on another connector of the machine.
	ErrDuplicateTag = errors.New("machine: tag already registered on another connector")
	// ErrScannerUnavailable indicates no scan side-channel is configured.
	ErrScannerUnavailable = errors.New("machine: scanner unavailable")
	// ErrConnectorInUse indicates a capacity change would drop a connector used by a stored mapping.
	ErrConnectorInUse = errors.New("machine: connector used by a stored mapping")

	errMachineRepositoryRequired = errors.New("machine: repository is required")
)

const (
	maxConnectorCapacity = 64
	maxMachineNameLength = 120
)

var machineIDPrefixes = map[domain.MachineKind]string{
	domain.MachineKindTractor:   "trc_",
	domain.MachineKindImplement: "eq_",
}

// MachineServiceDeps wires a machine service for one machine kind.
type MachineServiceDeps struct {
	Repository   repositories.MachineRepository
	// Combinations, when set, guards capacity reductions against stored mappings.
	Combinations repositories.CombinationRepository
	Scanner      ScanSideChannel
	Notices      NoticeSink
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       Logger
}

type machineService struct {
	repo         repositories.MachineRepository
	kind         domain.MachineKind
	combinations repositories.CombinationRepository
	scanner      ScanSideChannel
	notices      NoticeSink
	now          func() time.Time
	newID        func() string
	logger       Logger
}

var _ MachineService = (*machineService)(nil)

// NewMachineService constructs a MachineService bound to the repository's kind.
func NewMachineService(deps MachineServiceDeps) (MachineService, error) {
	if deps.Repository == nil {
		return nil, errMachineRepositoryRequired
	}
	kind := deps.Repository.Kind()
	prefix, ok := machineIDPrefixes[kind]
	if !ok {
		return nil, fmt.Errorf("machine: unsupported kind %q", kind)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	notices := deps.Notices
	if notices == nil {
		notices = NoticeSinkFunc(nil)
	}
	return &machineService{
		repo:         deps.Repository,
		kind:         kind,
		combinations: deps.Combinations,
		scanner:      deps.Scanner,
		notices:      notices,
		now:          func() time.Time { return clock().UTC() },
		newID:        func() string { return prefix + strings.ToLower(idGen()) },
		logger:       logger,
	}, nil
}

func (s *machineService) Kind() MachineKind {
	return s.kind
}

func (s *machineService) Create(ctx context.Context, cmd CreateMachineCommand) (Machine, error) {
	name, err := validateMachineFields(cmd.Name, cmd.Capacity)
	if err != nil {
		return Machine{}, err
	}
	now := s.now()
	machine := domain.Machine{
		ID:         s.newID(),
		Kind:       s.kind,
		Name:       name,
		Brand:      strings.TrimSpace(cmd.Brand),
		Model:      strings.TrimSpace(cmd.Model),
		Connectors: domain.NewConnectorSet(cmd.Capacity),
		ImageRef:   strings.TrimSpace(cmd.ImageRef),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Insert(ctx, machine); err != nil {
		return Machine{}, s.translateRepoError(err)
	}
	s.logger(ctx, "machine.created", map[string]any{
		"kind":     string(s.kind),
		"id":       machine.ID,
		"capacity": cmd.Capacity,
	})
	return machine, nil
}

func (s *machineService) Update(ctx context.Context, cmd UpdateMachineCommand) (Machine, error) {
	name, err := validateMachineFields(cmd.Name, cmd.Capacity)
	if err != nil {
		return Machine{}, err
	}
	machine, err := s.Get(ctx, cmd.ID)
	if err != nil {
		return Machine{}, err
	}
	previous := machine.Connectors.Capacity()
	if cmd.Capacity < previous {
		if err := s.ensureCapacityFits(ctx, machine.ID, cmd.Capacity); err != nil {
			return Machine{}, err
		}
	}
	machine.Name = name
	machine.Brand = strings.TrimSpace(cmd.Brand)
	machine.Model = strings.TrimSpace(cmd.Model)
	machine.ImageRef = strings.TrimSpace(cmd.ImageRef)
	machine.Connectors.Resize(cmd.Capacity)
	machine.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, machine); err != nil {
		return Machine{}, s.translateRepoError(err)
	}
	if previous != cmd.Capacity {
		s.logger(ctx, "machine.resized", map[string]any{
			"kind": string(s.kind),
			"id":   machine.ID,
			"from": previous,
			"to":   cmd.Capacity,
		})
	}
	return machine, nil
}

func (s *machineService) Get(ctx context.Context, id string) (Machine, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Machine{}, fmt.Errorf("%w: id is required", ErrMachineInvalidInput)
	}
	machine, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return Machine{}, s.translateRepoError(err)
	}
	return machine, nil
}

func (s *machineService) List(ctx context.Context, order repositories.MachineOrder) ([]Machine, error) {
	switch order {
	case "", repositories.MachineOrderName, repositories.MachineOrderCreatedAt, repositories.MachineOrderUpdatedAt:
	default:
		return nil, fmt.Errorf("%w: unsupported order %q", ErrMachineInvalidInput, order)
	}
	machines, err := s.repo.List(ctx, order)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	return machines, nil
}

func (s *machineService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, strings.TrimSpace(id)); err != nil {
		return s.translateRepoError(err)
	}
	s.logger(ctx, "machine.deleted", map[string]any{"kind": string(s.kind), "id": id})
	return nil
}

func (s *machineService) RecordTag(ctx context.Context, cmd RecordTagCommand) (Machine, error) {
	id := strings.TrimSpace(cmd.MachineID)
	if id == "" {
		return Machine{}, fmt.Errorf("%w: id is required", ErrMachineInvalidInput)
	}
	machine, err := s.repo.MutateConnectors(ctx, id, func(set *domain.ConnectorSet) error {
		if existing, ok := set.ResolveIndex(cmd.TagID); ok && existing != cmd.Index {
			return fmt.Errorf("%w: connector %d", ErrDuplicateTag, existing)
		}
		return set.RecordTag(cmd.Index, cmd.TagID)
	})
	err = s.translateMutationError(err)
	s.notices.Notify(ctx, NoticeFor(err, fmt.Sprintf("Tag registered on connector %d", cmd.Index)))
	if err != nil {
		return Machine{}, err
	}
	s.logger(ctx, "machine.tag_recorded", map[string]any{
		"kind":  string(s.kind),
		"id":    id,
		"index": cmd.Index,
	})
	return machine, nil
}

func (s *machineService) ClearTag(ctx context.Context, id string, index int) (Machine, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Machine{}, fmt.Errorf("%w: id is required", ErrMachineInvalidInput)
	}
	machine, err := s.repo.MutateConnectors(ctx, id, func(set *domain.ConnectorSet) error {
		return set.ClearTag(index)
	})
	if err != nil {
		return Machine{}, s.translateMutationError(err)
	}
	return machine, nil
}

func (s *machineService) ScanTag(ctx context.Context, cmd ScanTagCommand) (Machine, error) {
	if s.scanner == nil {
		return Machine{}, ErrScannerUnavailable
	}
	deviceID := strings.TrimSpace(cmd.DeviceID)
	if deviceID == "" {
		return Machine{}, fmt.Errorf("%w: device id is required", ErrMachineInvalidInput)
	}
	machine, err := s.Get(ctx, cmd.MachineID)
	if err != nil {
		return Machine{}, err
	}
	if !machine.Connectors.Contains(cmd.Index) {
		err := &domain.OutOfRangeError{Index: cmd.Index, Capacity: machine.Connectors.Capacity()}
		s.notices.Notify(ctx, NoticeFor(err, ""))
		return Machine{}, err
	}
	tagID, err := s.scanner.RequestScan(ctx, deviceID)
	if err != nil {
		s.notices.Notify(ctx, NoticeFor(err, ""))
		return Machine{}, err
	}
	return s.RecordTag(ctx, RecordTagCommand{MachineID: machine.ID, Index: cmd.Index, TagID: tagID})
}

func validateMachineFields(name string, capacity int) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: name is required", ErrMachineInvalidInput)
	case len([]rune(name)) > maxMachineNameLength:
		return "", fmt.Errorf("%w: name exceeds %d characters", ErrMachineInvalidInput, maxMachineNameLength)
	case capacity < 1 || capacity > maxConnectorCapacity:
		return "", fmt.Errorf("%w: connector count must be between 1 and %d", ErrMachineInvalidInput, maxConnectorCapacity)
	}
	return name, nil
}

// translateMutationError keeps connector validation errors intact and classifies store failures.
func (s *machineService) translateMutationError(err error) error {
	if err == nil {
		return nil
	}
	var rangeErr *domain.OutOfRangeError
	if errors.As(err, &rangeErr) || errors.Is(err, ErrDuplicateTag) {
		return err
	}
	if errors.Is(err, domain.ErrEmptyTag) {
		return fmt.Errorf("%w: %w", ErrMachineInvalidInput, err)
	}
	return s.translateRepoError(err)
}

func (s *machineService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %s", ErrMachineNotFound, s.kind)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrMachineConflict, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrMachineUnavailable, err)
}

// ensureCapacityFits rejects a capacity below any connector index that a stored mapping of the
// machine still references.
func (s *machineService) ensureCapacityFits(ctx context.Context, id string, capacity int) error {
	if s.combinations == nil {
		return nil
	}
	combinations, err := s.combinations.List(ctx)
	if err != nil {
		return s.translateRepoError(err)
	}
	for _, combination := range combinations {
		for implementID, pairs := range combination.Mappings {
			for _, pair := range pairs {
				var index int
				switch {
				case s.kind == domain.MachineKindTractor && combination.TractorID == id:
					index = pair.TractorIndex
				case s.kind == domain.MachineKindImplement && implementID == id:
					index = pair.ImplementIndex
				}
				if index > capacity {
					return fmt.Errorf("%w: connector %d is mapped in combination %s", ErrConnectorInUse, index, combination.ID)
				}
			}
		}
	}
	return nil
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}
