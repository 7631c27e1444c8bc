package mapping

import (
	"fmt"

	"github.com/koppeltag/api/internal/domain"
)

// State enumerates the phases of an interactive pairing workflow.
type State int

const (
	// StateIdle means no scan is in progress; pairs may be inspected, saved or discarded.
	StateIdle State = iota
	// StateAwaitingTractorScan waits for the tractor side of a pairing attempt.
	StateAwaitingTractorScan
	// StateAwaitingImplementScan holds a pending tractor index and waits for the implement side.
	StateAwaitingImplementScan
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingTractorScan:
		return "awaiting_tractor_scan"
	case StateAwaitingImplementScan:
		return "awaiting_implement_scan"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Side identifies which machine a scan is expected from.
type Side string

const (
	SideNone      Side = ""
	SideTractor   Side = "tractor"
	SideImplement Side = "implement"
)

// Session pairs tractor connectors with implement connectors one scan at a time while keeping
// the pair set a partial bijection. A Session is not safe for concurrent use.
type Session struct {
	tractor   domain.ConnectorSet
	implement domain.ConnectorSet

	state   State
	pending int
	pairs   []domain.MappingPair
	closed  bool
}

// Snapshot is a read-only projection of a session.
type Snapshot struct {
	State                     State
	PendingTractorIndex       int
	Pairs                     []domain.MappingPair
	RemainingTractorIndices   []int
	RemainingImplementIndices []int
	TractorCapacity           int
	ImplementCapacity         int
	Closed                    bool
}

// NewSession validates the capacity relation and returns an idle session with no pairs.
func NewSession(tractor, implement domain.ConnectorSet) (*Session, error) {
	if tractor.Capacity() <= 0 || implement.Capacity() <= 0 {
		return nil, fmt.Errorf("%w: tractor=%d implement=%d", ErrInvalidCapacityRelation, tractor.Capacity(), implement.Capacity())
	}
	if tractor.Capacity() < implement.Capacity() {
		return nil, fmt.Errorf("%w: tractor=%d implement=%d", ErrInvalidCapacityRelation, tractor.Capacity(), implement.Capacity())
	}
	return &Session{
		tractor:   tractor.Clone(),
		implement: implement.Clone(),
		state:     StateIdle,
	}, nil
}

// State returns the current workflow state.
func (s *Session) State() State {
	return s.state
}

// ExpectedSide reports which scan the session is waiting for.
func (s *Session) ExpectedSide() Side {
	switch s.state {
	case StateAwaitingTractorScan:
		return SideTractor
	case StateAwaitingImplementScan:
		return SideImplement
	default:
		return SideNone
	}
}

// BeginScan starts a pairing attempt.
func (s *Session) BeginScan() error {
	if err := s.require(StateIdle); err != nil {
		return err
	}
	s.state = StateAwaitingTractorScan
	return nil
}

// SubmitTractorScan resolves the tractor side of the current attempt. Any failure returns the
// session to idle.
func (s *Session) SubmitTractorScan(tagID string) (int, error) {
	if err := s.require(StateAwaitingTractorScan); err != nil {
		return 0, err
	}
	index, ok := Resolve(s.tractor, tagID)
	if !ok {
		s.reset()
		return 0, fmt.Errorf("%w: tractor tag %q", ErrUnknownTag, tagID)
	}
	if s.tractorPaired(index) {
		s.reset()
		return index, fmt.Errorf("%w: tractor connector %d", ErrAlreadyMapped, index)
	}
	s.state = StateAwaitingImplementScan
	s.pending = index
	return index, nil
}

// SubmitImplementScan resolves the implement side and completes the pair.
func (s *Session) SubmitImplementScan(tagID string) (domain.MappingPair, error) {
	if err := s.require(StateAwaitingImplementScan); err != nil {
		return domain.MappingPair{}, err
	}
	index, ok := Resolve(s.implement, tagID)
	if !ok {
		s.reset()
		return domain.MappingPair{}, fmt.Errorf("%w: implement tag %q", ErrUnknownTag, tagID)
	}
	if s.implementPaired(index) {
		s.reset()
		return domain.MappingPair{}, fmt.Errorf("%w: implement connector %d", ErrAlreadyMapped, index)
	}
	pair := domain.MappingPair{TractorIndex: s.pending, ImplementIndex: index}
	s.pairs = append(s.pairs, pair)
	s.reset()
	return pair, nil
}

// CancelPending aborts the current attempt without touching the pairs.
func (s *Session) CancelPending() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != StateAwaitingTractorScan && s.state != StateAwaitingImplementScan {
		return fmt.Errorf("%w: cancel in %s", ErrInvalidState, s.state)
	}
	s.reset()
	return nil
}

// Assign pairs two connectors directly. Existing pairs using either index are removed first.
func (s *Session) Assign(tractorIndex, implementIndex int) (domain.MappingPair, error) {
	if err := s.require(StateIdle); err != nil {
		return domain.MappingPair{}, err
	}
	if !s.tractor.Contains(tractorIndex) {
		return domain.MappingPair{}, &domain.OutOfRangeError{Index: tractorIndex, Capacity: s.tractor.Capacity()}
	}
	if !s.implement.Contains(implementIndex) {
		return domain.MappingPair{}, &domain.OutOfRangeError{Index: implementIndex, Capacity: s.implement.Capacity()}
	}
	kept := s.pairs[:0:0]
	for _, pair := range s.pairs {
		if pair.TractorIndex == tractorIndex || pair.ImplementIndex == implementIndex {
			continue
		}
		kept = append(kept, pair)
	}
	pair := domain.MappingPair{TractorIndex: tractorIndex, ImplementIndex: implementIndex}
	s.pairs = append(kept, pair)
	return pair, nil
}

// Unassign removes the pair using tractorIndex and reports whether one existed.
func (s *Session) Unassign(tractorIndex int) (bool, error) {
	if err := s.require(StateIdle); err != nil {
		return false, err
	}
	if !s.tractor.Contains(tractorIndex) {
		return false, &domain.OutOfRangeError{Index: tractorIndex, Capacity: s.tractor.Capacity()}
	}
	for i, pair := range s.pairs {
		if pair.TractorIndex == tractorIndex {
			s.pairs = append(s.pairs[:i:i], s.pairs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Undo removes the most recently added pair.
func (s *Session) Undo() (domain.MappingPair, bool, error) {
	if err := s.require(StateIdle); err != nil {
		return domain.MappingPair{}, false, err
	}
	if len(s.pairs) == 0 {
		return domain.MappingPair{}, false, nil
	}
	last := s.pairs[len(s.pairs)-1]
	s.pairs = s.pairs[:len(s.pairs)-1]
	return last, true, nil
}

// Finalize closes the session and returns its pairs when every implement connector is paired.
// Surplus tractor connectors may stay unpaired.
func (s *Session) Finalize() ([]domain.MappingPair, error) {
	if err := s.require(StateIdle); err != nil {
		return nil, err
	}
	if remaining := s.remainingImplement(); len(remaining) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteMapping, remaining)
	}
	s.closed = true
	return s.Pairs(), nil
}

// Pairs returns a copy of the pairs in insertion order.
func (s *Session) Pairs() []domain.MappingPair {
	return append([]domain.MappingPair(nil), s.pairs...)
}

// Closed reports whether the session was finalized.
func (s *Session) Closed() bool {
	return s.closed
}

// Clone returns an independent copy, used to roll back a finalisation whose persistence failed.
func (s *Session) Clone() *Session {
	return &Session{
		tractor:   s.tractor.Clone(),
		implement: s.implement.Clone(),
		state:     s.state,
		pending:   s.pending,
		pairs:     s.Pairs(),
		closed:    s.closed,
	}
}

// Snapshot captures the session for display.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		State:                     s.state,
		PendingTractorIndex:       s.pending,
		Pairs:                     s.Pairs(),
		RemainingTractorIndices:   s.remainingTractor(),
		RemainingImplementIndices: s.remainingImplement(),
		TractorCapacity:           s.tractor.Capacity(),
		ImplementCapacity:         s.implement.Capacity(),
		Closed:                    s.closed,
	}
}

// require reports ErrSessionClosed or ErrInvalidState for a call made in the wrong state. It never
// changes the state, so a rejected call leaves the session exactly as it was.
func (s *Session) require(state State) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != state {
		return fmt.Errorf("%w: want %s, have %s", ErrInvalidState, state, s.state)
	}
	return nil
}

func (s *Session) reset() {
	s.state = StateIdle
	s.pending = 0
}

func (s *Session) tractorPaired(index int) bool {
	for _, pair := range s.pairs {
		if pair.TractorIndex == index {
			return true
		}
	}
	return false
}

func (s *Session) implementPaired(index int) bool {
	for _, pair := range s.pairs {
		if pair.ImplementIndex == index {
			return true
		}
	}
	return false
}

func (s *Session) remainingTractor() []int {
	out := make([]int, 0, s.tractor.Capacity())
	for _, idx := range s.tractor.Indices() {
		if !s.tractorPaired(idx) {
			out = append(out, idx)
		}
	}
	return out
}

func (s *Session) remainingImplement() []int {
	out := make([]int, 0, s.implement.Capacity())
	for _, idx := range s.implement.Indices() {
		if !s.implementPaired(idx) {
			out = append(out, idx)
		}
	}
	return out
}
