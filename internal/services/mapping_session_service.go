package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/mapping"
	"github.com/koppeltag/api/internal/repositories"
)

var (
	// ErrSessionNotFound indicates the session does not exist or has expired.
	ErrSessionNotFound = errors.New("mapping_session: not found")
	// ErrSessionForbidden indicates the session belongs to another operator.
	ErrSessionForbidden = errors.New("mapping_session: forbidden")
	// ErrSessionInvalidInput indicates invalid request data.
	ErrSessionInvalidInput = errors.New("mapping_session: invalid input")
	// ErrSessionUnavailable indicates the session's records could not be loaded.
	ErrSessionUnavailable = errors.New("mapping_session: unavailable")
	// ErrSessionStoreFailed indicates the finalized mapping could not be persisted. The session is
	// left as it was before the save so it can be retried.
	ErrSessionStoreFailed = errors.New("mapping_session: store failed")

	errSessionRepositoriesRequired = errors.New("mapping_session: repositories are required")
)

const (
	sessionIDPrefix             = "msn_"
	defaultSessionIdleTTL       = 30 * time.Minute
	defaultSessionSweepInterval = time.Minute
	sessionMeterName            = "github.com/koppeltag/api/internal/services"
)

// MappingSessionServiceDeps wires the mapping session service.
type MappingSessionServiceDeps struct {
	Combinations  repositories.CombinationRepository
	Tractors      repositories.MachineRepository
	Implements    repositories.MachineRepository
	Scanner       ScanSideChannel
	Events        MappingEventPublisher
	Notices       NoticeSink
	Meter         metric.Meter
	IdleTTL       time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        Logger
}

type sessionEntry struct {
	mu sync.Mutex

	id            string
	combinationID string
	tractorID     string
	implementID   string
	operatorID    string
	deviceID      string

	session   *mapping.Session
	saved     bool
	scanning  string
	updatedAt time.Time
}

type mappingSessionService struct {
	combinations repositories.CombinationRepository
	tractors     repositories.MachineRepository
	implements   repositories.MachineRepository
	scanner      ScanSideChannel
	events       MappingEventPublisher
	notices      NoticeSink
	idleTTL      time.Duration
	sweepEvery   time.Duration
	now          func() time.Time
	newID        func() string
	logger       Logger

	scans metric.Int64Counter
	saves metric.Int64Counter

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

var _ MappingSessionService = (*mappingSessionService)(nil)

// NewMappingSessionService constructs the session registry.
func NewMappingSessionService(deps MappingSessionServiceDeps) (MappingSessionService, error) {
	if deps.Combinations == nil || deps.Tractors == nil || deps.Implements == nil {
		return nil, errSessionRepositoriesRequired
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
	idleTTL := deps.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultSessionIdleTTL
	}
	sweepEvery := deps.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = defaultSessionSweepInterval
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(sessionMeterName)
	}
	scans, err := meter.Int64Counter("mapping.scans",
		metric.WithDescription("Scan submissions by side and outcome"))
	if err != nil {
		return nil, fmt.Errorf("mapping_session: scan counter: %w", err)
	}
	saves, err := meter.Int64Counter("mapping.saves",
		metric.WithDescription("Mapping save attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("mapping_session: save counter: %w", err)
	}

	return &mappingSessionService{
		combinations: deps.Combinations,
		tractors:     deps.Tractors,
		implements:   deps.Implements,
		scanner:      deps.Scanner,
		events:       deps.Events,
		notices:      notices,
		idleTTL:      idleTTL,
		sweepEvery:   sweepEvery,
		now:          func() time.Time { return clock().UTC() },
		newID:        func() string { return strings.ToLower(idGen()) },
		logger:       logger,
		scans:        scans,
		saves:        saves,
		sessions:     make(map[string]*sessionEntry),
	}, nil
}

func (s *mappingSessionService) Open(ctx context.Context, cmd OpenMappingSessionCommand) (SessionView, error) {
	combinationID := strings.TrimSpace(cmd.CombinationID)
	implementID := strings.TrimSpace(cmd.ImplementID)
	operatorID := strings.TrimSpace(cmd.OperatorID)
	if combinationID == "" || implementID == "" || operatorID == "" {
		return SessionView{}, fmt.Errorf("%w: combination, implement and operator are required", ErrSessionInvalidInput)
	}

	combination, err := s.combinations.FindByID(ctx, combinationID)
	if err != nil {
		return SessionView{}, s.translateLoadError(err, ErrCombinationNotFound)
	}
	tractor, err := s.tractors.FindByID(ctx, combination.TractorID)
	if err != nil {
		return SessionView{}, s.translateLoadError(err, ErrMachineNotFound)
	}
	implement, err := s.implements.FindByID(ctx, implementID)
	if err != nil {
		return SessionView{}, s.translateLoadError(err, ErrMachineNotFound)
	}

	session, err := mapping.NewSession(tractor.Connectors, implement.Connectors)
	if err != nil {
		s.notices.Notify(ctx, NoticeFor(err, ""))
		return SessionView{}, err
	}
	// Start from the stored mapping so an existing implement can be re-mapped.
	for _, pair := range combination.Mappings[implementID] {
		if _, err := session.Assign(pair.TractorIndex, pair.ImplementIndex); err != nil {
			s.logger(ctx, "mapping_session.stored_pair_skipped", map[string]any{
				"combinationId":  combinationID,
				"implementId":    implementID,
				"tractorIndex":   pair.TractorIndex,
				"implementIndex": pair.ImplementIndex,
			})
		}
	}

	entry := &sessionEntry{
		id:            sessionIDPrefix + s.newID(),
		combinationID: combination.ID,
		tractorID:     tractor.ID,
		implementID:   implement.ID,
		operatorID:    operatorID,
		deviceID:      strings.TrimSpace(cmd.DeviceID),
		session:       session,
		updatedAt:     s.now(),
	}
	s.mu.Lock()
	s.sessions[entry.id] = entry
	s.mu.Unlock()

	s.logger(ctx, "mapping_session.opened", map[string]any{
		"sessionId":     entry.id,
		"combinationId": entry.combinationID,
		"implementId":   entry.implementID,
		"operatorId":    operatorID,
	})
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return s.view(entry, nil, "Session opened"), nil
}

func (s *mappingSessionService) Get(ctx context.Context, ref SessionRef) (SessionView, error) {
	return s.with(ctx, ref, func(entry *sessionEntry) (string, error) {
		return "", nil
	})
}

func (s *mappingSessionService) BeginScan(ctx context.Context, ref SessionRef) (SessionView, error) {
	return s.with(ctx, ref, func(entry *sessionEntry) (string, error) {
		return "Scan the tractor connector", entry.session.BeginScan()
	})
}

func (s *mappingSessionService) SubmitScan(ctx context.Context, ref SessionRef, tagID string) (SessionView, error) {
	return s.with(ctx, ref, func(entry *sessionEntry) (string, error) {
		return s.submit(ctx, entry, entry.session.ExpectedSide(), tagID)
	})
}

func (s *mappingSessionService) SubmitTractorScan(ctx context.Context, ref SessionRef, tagID string) (SessionView, error) {
	return s.with(ctx, ref, func(entry *sessionEntry) (string, error) {
		return s.submit(ctx, entry, mapping.SideTractor, tagID)
	})
}

func (s *mappingSessionService) SubmitImplementScan(ctx context.Context, ref SessionRef, tagID string) (SessionView, error) {
	return s.with(ctx, ref, func(entry *sessionEntry) (string, error) {
		return s.submit(ctx, entry, mapping.SideImplement, tagID)
	})
}

// ScanNext reads the expected side under the entry lock, waits for the device without holding
// it, then submits the tag if the session still expects that side.
func (s *mappingSessionService) ScanNext(ctx context.Context, ref SessionRef, deviceID string) (SessionView, error) {
	if s.scanner == nil {
		return SessionView{}, ErrScannerUnavailable
	}
	entry, err := s.lookup(ref)
	if err != nil {
		return SessionView{}, err
	}

	entry.mu.Lock()
	side := entry.session.ExpectedSide()
	if side == mapping.SideNone {
		err := fmt.Errorf("%w: begin a scan first", mapping.ErrInvalidState)
		if entry.session.Closed() {
			err = mapping.ErrSessionClosed
		}
		view, err := s.finish(ctx, entry, err, "")
		entry.mu.Unlock()
		return view, err
	}
	// One device request per session; the waiting call owns the side and the scanning flag.
	if entry.scanning != "" {
		err := fmt.Errorf("%w: a scan is already waiting on device %s", mapping.ErrInvalidState, entry.scanning)
		view, err := s.finish(ctx, entry, err, "")
		entry.mu.Unlock()
		return view, err
	}
	device := strings.TrimSpace(deviceID)
	if device == "" {
		device = entry.deviceID
	}
	if device == "" {
		entry.mu.Unlock()
		return SessionView{}, fmt.Errorf("%w: device id is required", ErrSessionInvalidInput)
	}
	entry.scanning = device
	entry.mu.Unlock()

	tagID, scanErr := s.scanner.RequestScan(ctx, device)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.scanning = ""
	entry.updatedAt = s.now()

	if scanErr != nil {
		if errors.Is(scanErr, context.Canceled) || errors.Is(scanErr, context.DeadlineExceeded) {
			scanErr = fmt.Errorf("%w: %v", ErrScanCancelled, scanErr)
		}
		if entry.session.ExpectedSide() == side {
			_ = entry.session.CancelPending()
		}
		s.countScan(ctx, side, scanErr)
		return s.finish(ctx, entry, scanErr, "")
	}
	if entry.session.Closed() || entry.session.ExpectedSide() != side {
		err := fmt.Errorf("%w: session changed while scanning", mapping.ErrInvalidState)
		return s.finish(ctx, entry, err, "")
	}
	msg, err := s.submit(ctx, entry, side, tagID)
	return s.finish(ctx, entry, err, msg)
}

func (s *mappingSessionService) CancelPending(ctx context.Context, ref SessionRef) (SessionView, error) {
	return s.with(ctx, ref, func(entry *sessionEntry) (string, error) {
		if entry.scanning != "" && s.scanner != nil {
			s.scanner.CancelPendingScan(entry.scanning)
		}
		return "Scan cancelled", entry.session.CancelPending()
	})
}

func (s *mappingSessionService) Assign(ctx context.Context, ref SessionRef, tractorIndex, implementIndex int) (SessionView, error) {
	return s.with(ctx, ref, func(entry *sessionEntry) (string, error) {
		pair, err := entry.session.Assign(tractorIndex, implementIndex)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Tractor connector %d paired with implement connector %d", pair.TractorIndex, pair.ImplementIndex), nil
	})
}

func (s *mappingSessionService) Unassign(ctx context.Context, ref SessionRef, tractorIndex int) (SessionView, error) {
	return s.with(ctx, ref, func(entry *sessionEntry) (string, error) {
		removed, err := entry.session.Unassign(tractorIndex)
		if err != nil {
			return "", err
		}
		if !removed {
			return fmt.Sprintf("Tractor connector %d was not paired", tractorIndex), nil
		}
		return fmt.Sprintf("Pair on tractor connector %d removed", tractorIndex), nil
	})
}

func (s *mappingSessionService) Undo(ctx context.Context, ref SessionRef) (SessionView, error) {
	return s.with(ctx, ref, func(entry *sessionEntry) (string, error) {
		pair, removed, err := entry.session.Undo()
		if err != nil {
			return "", err
		}
		if !removed {
			return "Nothing to undo", nil
		}
		return fmt.Sprintf("Pair %d to %d removed", pair.TractorIndex, pair.ImplementIndex), nil
	})
}

func (s *mappingSessionService) Save(ctx context.Context, ref SessionRef) (SessionView, error) {
	return s.with(ctx, ref, func(entry *sessionEntry) (string, error) {
		backup := entry.session.Clone()
		pairs, err := entry.session.Finalize()
		if err != nil {
			s.countSave(ctx, err)
			return "", err
		}
		snap := entry.session.Snapshot()
		if err := domain.ValidateMapping(snap.TractorCapacity, snap.ImplementCapacity, pairs); err != nil {
			entry.session = backup
			s.countSave(ctx, err)
			return "", err
		}
		if err := s.combinations.PersistMapping(ctx, entry.combinationID, entry.implementID, pairs); err != nil {
			entry.session = backup
			err = fmt.Errorf("%w: %w", ErrSessionStoreFailed, err)
			s.countSave(ctx, err)
			return "", err
		}
		entry.saved = true
		s.countSave(ctx, nil)

		eventPairs := make([]MappingEventPair, 0, len(pairs))
		for _, pair := range pairs {
			eventPairs = append(eventPairs, MappingEventPair{TractorIndex: pair.TractorIndex, ImplementIndex: pair.ImplementIndex})
		}
		publishMappingEvent(ctx, s.events, s.logger, MappingEvent{
			EventID:       "evt_" + s.newID(),
			Type:          MappingEventSaved,
			CombinationID: entry.combinationID,
			ImplementID:   entry.implementID,
			Pairs:         eventPairs,
			ActorID:       entry.operatorID,
			OccurredAt:    s.now(),
		})
		s.logger(ctx, "mapping_session.saved", map[string]any{
			"sessionId":     entry.id,
			"combinationId": entry.combinationID,
			"implementId":   entry.implementID,
			"pairs":         len(pairs),
		})
		return fmt.Sprintf("Mapping saved with %d pairs", len(pairs)), nil
	})
}

func (s *mappingSessionService) Discard(ctx context.Context, ref SessionRef) error {
	entry, err := s.lookup(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, entry.id)
	s.mu.Unlock()

	entry.mu.Lock()
	scanning := entry.scanning
	entry.mu.Unlock()
	if scanning != "" && s.scanner != nil {
		s.scanner.CancelPendingScan(scanning)
	}
	s.logger(ctx, "mapping_session.discarded", map[string]any{"sessionId": entry.id})
	return nil
}

// SweepExpired removes sessions idle for longer than the TTL and returns how many were removed.
// Sessions waiting on a device are kept.
func (s *mappingSessionService) SweepExpired(ctx context.Context) int {
	s.mu.Lock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, entry := range s.sessions {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	cutoff := s.now().Add(-s.idleTTL)
	var expired []string
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.scanning == "" && entry.updatedAt.Before(cutoff) {
			expired = append(expired, entry.id)
		}
		entry.mu.Unlock()
	}
	if len(expired) == 0 {
		return 0
	}

	s.mu.Lock()
	for _, id := range expired {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	s.logger(ctx, "mapping_session.swept", map[string]any{"expired": len(expired)})
	return len(expired)
}

// Run sweeps expired sessions until ctx ends.
func (s *mappingSessionService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepExpired(ctx)
		}
	}
}

// with runs op on the referenced session under its lock and reports the outcome.
func (s *mappingSessionService) with(ctx context.Context, ref SessionRef, op func(entry *sessionEntry) (string, error)) (SessionView, error) {
	entry, err := s.lookup(ref)
	if err != nil {
		return SessionView{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.updatedAt = s.now()
	msg, err := op(entry)
	return s.finish(ctx, entry, err, msg)
}

func (s *mappingSessionService) finish(ctx context.Context, entry *sessionEntry, err error, msg string) (SessionView, error) {
	view := s.view(entry, err, msg)
	if view.Notice.Message != "" {
		s.notices.Notify(ctx, view.Notice)
	}
	return view, err
}

func (s *mappingSessionService) submit(ctx context.Context, entry *sessionEntry, side mapping.Side, tagID string) (string, error) {
	switch side {
	case mapping.SideTractor:
		index, err := entry.session.SubmitTractorScan(tagID)
		s.countScan(ctx, side, err)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Tractor connector %d selected; scan the implement connector", index), nil
	case mapping.SideImplement:
		pair, err := entry.session.SubmitImplementScan(tagID)
		s.countScan(ctx, side, err)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Tractor connector %d paired with implement connector %d", pair.TractorIndex, pair.ImplementIndex), nil
	default:
		if entry.session.Closed() {
			return "", mapping.ErrSessionClosed
		}
		return "", fmt.Errorf("%w: no scan in progress", mapping.ErrInvalidState)
	}
}

func (s *mappingSessionService) lookup(ref SessionRef) (*sessionEntry, error) {
	id := strings.TrimSpace(ref.SessionID)
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrSessionInvalidInput)
	}
	s.mu.Lock()
	entry, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if entry.operatorID != strings.TrimSpace(ref.OperatorID) {
		return nil, ErrSessionForbidden
	}
	return entry, nil
}

func (s *mappingSessionService) view(entry *sessionEntry, err error, msg string) SessionView {
	notice := NoticeFor(err, msg)
	if err == nil && msg == "" {
		notice = Notice{}
	}
	return SessionView{
		ID:            entry.id,
		CombinationID: entry.combinationID,
		TractorID:     entry.tractorID,
		ImplementID:   entry.implementID,
		DeviceID:      entry.deviceID,
		Snapshot:      entry.session.Snapshot(),
		Saved:         entry.saved,
		Notice:        notice,
		UpdatedAt:     entry.updatedAt,
	}
}

func (s *mappingSessionService) countScan(ctx context.Context, side mapping.Side, err error) {
	s.scans.Add(ctx, 1, metric.WithAttributes(
		attribute.String("side", string(side)),
		attribute.String("result", NoticeFor(err, "").Code),
	))
}

func (s *mappingSessionService) countSave(ctx context.Context, err error) {
	s.saves.Add(ctx, 1, metric.WithAttributes(attribute.String("result", NoticeFor(err, "").Code)))
}

func (s *mappingSessionService) translateLoadError(err error, notFound error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isRepoNotFound(err) {
		return notFound
	}
	return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
}
