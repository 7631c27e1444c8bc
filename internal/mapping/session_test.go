package mapping

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koppeltag/api/internal/domain"
)

func tractorSet(t *testing.T) domain.ConnectorSet {
	t.Helper()
	return domain.ConnectorSetFromTags(3, map[int]string{1: "T1", 2: "T2", 3: "T3"})
}

func implementSet(t *testing.T) domain.ConnectorSet {
	t.Helper()
	return domain.ConnectorSetFromTags(2, map[int]string{1: "I1", 2: "I2"})
}

func scanPair(t *testing.T, s *Session, tractorTag, implementTag string) (domain.MappingPair, error) {
	t.Helper()
	require.NoError(t, s.BeginScan())
	if _, err := s.SubmitTractorScan(tractorTag); err != nil {
		return domain.MappingPair{}, err
	}
	return s.SubmitImplementScan(implementTag)
}

func TestSessionScanWorkflowFinalizes(t *testing.T) {
	s, err := NewSession(tractorSet(t), implementSet(t))
	require.NoError(t, err)
	require.Equal(t, StateIdle, s.State())

	pair, err := scanPair(t, s, "T2", "I1")
	require.NoError(t, err)
	require.Equal(t, domain.MappingPair{TractorIndex: 2, ImplementIndex: 1}, pair)
	require.Equal(t, []int{2}, s.Snapshot().RemainingImplementIndices)

	require.NoError(t, s.BeginScan())
	_, err = s.SubmitTractorScan("T2")
	require.ErrorIs(t, err, ErrAlreadyMapped)
	require.Equal(t, StateIdle, s.State())

	_, err = scanPair(t, s, "T1", "I2")
	require.NoError(t, err)
	snap := s.Snapshot()
	require.Empty(t, snap.RemainingImplementIndices)
	require.Equal(t, []int{3}, snap.RemainingTractorIndices)

	pairs, err := s.Finalize()
	require.NoError(t, err)
	require.Equal(t, []domain.MappingPair{{TractorIndex: 2, ImplementIndex: 1}, {TractorIndex: 1, ImplementIndex: 2}}, pairs)
	require.True(t, s.Closed())

	require.ErrorIs(t, s.BeginScan(), ErrSessionClosed)
	_, err = s.Finalize()
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestNewSessionRejectsCapacityRelation(t *testing.T) {
	cases := []struct {
		name      string
		tractor   int
		implement int
	}{
		{name: "implement larger", tractor: 2, implement: 3},
		{name: "empty tractor", tractor: 0, implement: 0},
		{name: "empty implement", tractor: 2, implement: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := NewSession(domain.NewConnectorSet(tc.tractor), domain.NewConnectorSet(tc.implement))
			require.ErrorIs(t, err, ErrInvalidCapacityRelation)
			require.Nil(t, s)
		})
	}
}

func TestSessionUnknownTagLeavesPairsUntouched(t *testing.T) {
	s, err := NewSession(tractorSet(t), implementSet(t))
	require.NoError(t, err)
	_, err = scanPair(t, s, "T3", "I2")
	require.NoError(t, err)
	before := s.Pairs()

	require.NoError(t, s.BeginScan())
	_, err = s.SubmitTractorScan("X9")
	require.ErrorIs(t, err, ErrUnknownTag)
	require.Equal(t, StateIdle, s.State())
	require.Equal(t, before, s.Pairs())

	require.NoError(t, s.BeginScan())
	_, err = s.SubmitTractorScan("T1")
	require.NoError(t, err)
	_, err = s.SubmitImplementScan("X9")
	require.ErrorIs(t, err, ErrUnknownTag)
	require.Equal(t, StateIdle, s.State())
	require.Zero(t, s.Snapshot().PendingTractorIndex)
	require.Equal(t, before, s.Pairs())
}

func TestSessionImplementAlreadyMapped(t *testing.T) {
	s, err := NewSession(tractorSet(t), implementSet(t))
	require.NoError(t, err)
	_, err = scanPair(t, s, "T1", "I1")
	require.NoError(t, err)

	_, err = scanPair(t, s, "T2", "i1 ")
	require.ErrorIs(t, err, ErrAlreadyMapped)
	require.Equal(t, StateIdle, s.State())
	require.Len(t, s.Pairs(), 1)
}

func TestSessionRejectsOutOfOrderCalls(t *testing.T) {
	s, err := NewSession(tractorSet(t), implementSet(t))
	require.NoError(t, err)

	_, err = s.SubmitTractorScan("T1")
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, s.CancelPending(), ErrInvalidState)
	require.Equal(t, StateIdle, s.State())

	require.NoError(t, s.BeginScan())
	_, err = s.SubmitImplementScan("I1")
	require.ErrorIs(t, err, ErrInvalidState)
	require.Equal(t, StateAwaitingTractorScan, s.State())
	require.Empty(t, s.Pairs())

	require.ErrorIs(t, s.BeginScan(), ErrInvalidState)
	_, err = s.Finalize()
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = s.Assign(1, 1)
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.CancelPending())
	require.Equal(t, StateIdle, s.State())
}

func TestSessionCancelPendingKeepsPairs(t *testing.T) {
	s, err := NewSession(tractorSet(t), implementSet(t))
	require.NoError(t, err)
	_, err = scanPair(t, s, "T1", "I1")
	require.NoError(t, err)

	require.NoError(t, s.BeginScan())
	_, err = s.SubmitTractorScan("T2")
	require.NoError(t, err)
	require.Equal(t, SideImplement, s.ExpectedSide())
	require.NoError(t, s.CancelPending())
	require.Equal(t, SideNone, s.ExpectedSide())
	require.Len(t, s.Pairs(), 1)
}

func TestSessionFinalizeIncomplete(t *testing.T) {
	s, err := NewSession(tractorSet(t), implementSet(t))
	require.NoError(t, err)
	_, err = scanPair(t, s, "T1", "I1")
	require.NoError(t, err)

	_, err = s.Finalize()
	require.ErrorIs(t, err, ErrIncompleteMapping)
	require.False(t, s.Closed())
	require.NoError(t, s.BeginScan())
}

func TestSessionAssignLastWriteWins(t *testing.T) {
	s, err := NewSession(tractorSet(t), implementSet(t))
	require.NoError(t, err)

	_, err = s.Assign(1, 1)
	require.NoError(t, err)
	_, err = s.Assign(2, 2)
	require.NoError(t, err)

	// Reassign tractor 1 to implement 2: both old pairs conflict and are dropped.
	_, err = s.Assign(1, 2)
	require.NoError(t, err)
	require.Equal(t, []domain.MappingPair{{TractorIndex: 1, ImplementIndex: 2}}, s.Pairs())

	_, err = s.Assign(4, 1)
	var rangeErr *domain.OutOfRangeError
	require.True(t, errors.As(err, &rangeErr))
	require.Equal(t, 3, rangeErr.Capacity)

	_, err = s.Assign(1, 3)
	require.True(t, errors.As(err, &rangeErr))
	require.Equal(t, 2, rangeErr.Capacity)
}

func TestSessionUnassignAndUndo(t *testing.T) {
	s, err := NewSession(tractorSet(t), implementSet(t))
	require.NoError(t, err)
	_, err = s.Assign(3, 1)
	require.NoError(t, err)
	_, err = s.Assign(1, 2)
	require.NoError(t, err)

	removed, err := s.Unassign(3)
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = s.Unassign(3)
	require.NoError(t, err)
	require.False(t, removed)

	last, ok, err := s.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.MappingPair{TractorIndex: 1, ImplementIndex: 2}, last)

	_, ok, err = s.Undo()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSessionCompletesAfterImplementCapacityPairings(t *testing.T) {
	for tractorCap := 1; tractorCap <= 5; tractorCap++ {
		for implementCap := 1; implementCap <= tractorCap; implementCap++ {
			tractor := domain.NewConnectorSet(tractorCap)
			for i := 1; i <= tractorCap; i++ {
				require.NoError(t, tractor.RecordTag(i, "t"+string(rune('a'+i))))
			}
			implement := domain.NewConnectorSet(implementCap)
			for i := 1; i <= implementCap; i++ {
				require.NoError(t, implement.RecordTag(i, "i"+string(rune('a'+i))))
			}

			s, err := NewSession(tractor, implement)
			require.NoError(t, err)
			for i := implementCap; i >= 1; i-- {
				// Pair in reverse so tractor and implement indices differ.
				tTag, _ := tractor.Tag(tractorCap - implementCap + i)
				iTag, _ := implement.Tag(i)
				_, err := scanPair(t, s, tTag, iTag)
				require.NoError(t, err)
			}

			pairs, err := s.Finalize()
			require.NoError(t, err)
			require.Len(t, pairs, implementCap)
			require.NoError(t, domain.ValidateMapping(tractorCap, implementCap, pairs))
		}
	}
}

func TestSessionCloneIsIndependent(t *testing.T) {
	s, err := NewSession(tractorSet(t), implementSet(t))
	require.NoError(t, err)
	_, err = s.Assign(1, 1)
	require.NoError(t, err)
	_, err = s.Assign(2, 2)
	require.NoError(t, err)

	backup := s.Clone()
	_, err = s.Finalize()
	require.NoError(t, err)
	require.True(t, s.Closed())
	require.False(t, backup.Closed())
	require.Len(t, backup.Pairs(), 2)
}

func TestResolveNormalizes(t *testing.T) {
	set := domain.ConnectorSetFromTags(2, map[int]string{2: "ab12"})
	a, okA := Resolve(set, " ab12 ")
	b, okB := Resolve(set, "AB12")
	require.True(t, okA)
	require.True(t, okB)
	require.Equal(t, 2, a)
	require.Equal(t, a, b)

	_, ok := Resolve(set, "")
	require.False(t, ok)
	_, ok = Resolve(set, " cd34 ")
	require.False(t, ok)
}
