package domain

import (
	"errors"
	"reflect"
	"testing"
)

func TestConnectorSetRecordAndResolve(t *testing.T) {
	set := NewConnectorSet(3)
	if err := set.RecordTag(1, " ab12 "); err != nil {
		t.Fatalf("record tag: %v", err)
	}
	if err := set.RecordTag(3, "CD34"); err != nil {
		t.Fatalf("record tag: %v", err)
	}

	if tag, ok := set.Tag(1); !ok || tag != "ab12" {
		t.Fatalf("expected trimmed tag ab12, got %q (%v)", tag, ok)
	}
	if _, ok := set.Tag(2); ok {
		t.Fatalf("expected slot 2 to be absent")
	}

	for _, query := range []string{"AB12", " ab12 ", "Ab12\t", "ＡＢ１２"} {
		idx, ok := set.ResolveIndex(query)
		if !ok || idx != 1 {
			t.Fatalf("resolve %q: expected index 1, got %d (%v)", query, idx, ok)
		}
	}
	if _, ok := set.ResolveIndex("zz99"); ok {
		t.Fatalf("expected unknown tag to be unresolved")
	}
	if _, ok := set.ResolveIndex("   "); ok {
		t.Fatalf("expected blank tag to be unresolved")
	}
}

func TestConnectorSetRecordTagOutOfRange(t *testing.T) {
	set := NewConnectorSet(2)
	for _, index := range []int{0, 3, -1} {
		err := set.RecordTag(index, "T1")
		var rangeErr *OutOfRangeError
		if !errors.As(err, &rangeErr) {
			t.Fatalf("index %d: expected OutOfRangeError, got %v", index, err)
		}
		if rangeErr.Capacity != 2 || rangeErr.Index != index {
			t.Fatalf("unexpected error payload %+v", rangeErr)
		}
	}
	if err := set.RecordTag(1, "  "); !errors.Is(err, ErrEmptyTag) {
		t.Fatalf("expected ErrEmptyTag, got %v", err)
	}
	if err := set.ClearTag(5); err == nil {
		t.Fatalf("expected clear out of range to fail")
	}
}

func TestConnectorSetResolveLowestDuplicate(t *testing.T) {
	set := ConnectorSetFromTags(4, map[int]string{2: "dup", 4: "DUP"})
	idx, ok := set.ResolveIndex("dup")
	if !ok || idx != 2 {
		t.Fatalf("expected lowest index 2, got %d", idx)
	}
	dupes := set.DuplicateTags()
	if !reflect.DeepEqual(dupes, map[string][]int{"DUP": {2, 4}}) {
		t.Fatalf("unexpected duplicates %v", dupes)
	}
}

func TestConnectorSetResize(t *testing.T) {
	set := ConnectorSetFromTags(4, map[int]string{1: "A", 3: "C", 4: "D"})

	set.Resize(2)
	if set.Capacity() != 2 {
		t.Fatalf("expected capacity 2, got %d", set.Capacity())
	}
	if !reflect.DeepEqual(set.Tags(), map[int]string{1: "A"}) {
		t.Fatalf("expected truncated tags, got %v", set.Tags())
	}

	set.Resize(2)
	if set.Capacity() != 2 || !reflect.DeepEqual(set.Tags(), map[int]string{1: "A"}) {
		t.Fatalf("repeated resize should be a no-op, got %v", set.Tags())
	}

	set.Resize(5)
	if set.Capacity() != 5 {
		t.Fatalf("expected capacity 5, got %d", set.Capacity())
	}
	if _, ok := set.Tag(4); ok {
		t.Fatalf("expected grown slot to start absent")
	}
	if !reflect.DeepEqual(set.Indices(), []int{1, 2, 3, 4, 5}) {
		t.Fatalf("unexpected indices %v", set.Indices())
	}

	set.Resize(-3)
	if set.Capacity() != 0 {
		t.Fatalf("expected negative resize to clamp to zero")
	}
}

func TestConnectorSetFromTagsDropsInvalidEntries(t *testing.T) {
	set := ConnectorSetFromTags(2, map[int]string{0: "zero", 1: "one", 2: " ", 7: "seven"})
	if !reflect.DeepEqual(set.Tags(), map[int]string{1: "one"}) {
		t.Fatalf("unexpected tags %v", set.Tags())
	}
	if set.TaggedCount() != 1 {
		t.Fatalf("expected one tagged connector, got %d", set.TaggedCount())
	}
}

func TestConnectorSetCloneIsIndependent(t *testing.T) {
	original := ConnectorSetFromTags(2, map[int]string{1: "A"})
	clone := original.Clone()
	if err := clone.RecordTag(2, "B"); err != nil {
		t.Fatalf("record tag: %v", err)
	}
	if _, ok := original.Tag(2); ok {
		t.Fatalf("expected original to be unaffected by clone mutation")
	}
}

func TestValidateMapping(t *testing.T) {
	cases := []struct {
		name    string
		pairs   []MappingPair
		wantErr bool
	}{
		{name: "valid partial", pairs: []MappingPair{{2, 1}, {1, 2}}},
		{name: "empty", pairs: nil},
		{name: "tractor out of range", pairs: []MappingPair{{4, 1}}, wantErr: true},
		{name: "implement out of range", pairs: []MappingPair{{1, 3}}, wantErr: true},
		{name: "tractor reused", pairs: []MappingPair{{1, 1}, {1, 2}}, wantErr: true},
		{name: "implement reused", pairs: []MappingPair{{1, 1}, {2, 1}}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMapping(3, 2, tc.pairs)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidMapping) {
					t.Fatalf("expected ErrInvalidMapping, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
