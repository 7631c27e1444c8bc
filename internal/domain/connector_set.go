package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/width"
)

// ErrEmptyTag indicates a blank tag identifier was supplied where one is required.
var ErrEmptyTag = errors.New("connector: tag id is required")

// OutOfRangeError reports a connector index outside [1, capacity].
type OutOfRangeError struct {
	Index    int
	Capacity int
}

// Error implements the error interface.
func (e *OutOfRangeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("connector: index %d out of range [1, %d]", e.Index, e.Capacity)
}

// ConnectorSet is the fixed-capacity, 1-indexed tag table of a tractor or implement.
// Slot i-1 holds the tag for connector i; the empty string marks an absent tag.
type ConnectorSet struct {
	slots []string
}

// NewConnectorSet returns a set with the given capacity and no tags.
func NewConnectorSet(capacity int) ConnectorSet {
	if capacity < 0 {
		capacity = 0
	}
	return ConnectorSet{slots: make([]string, capacity)}
}

// ConnectorSetFromTags hydrates a set from its sparse stored form. Entries outside the
// capacity and blank tags are dropped.
func ConnectorSetFromTags(capacity int, tags map[int]string) ConnectorSet {
	set := NewConnectorSet(capacity)
	for index, tag := range tags {
		if index < 1 || index > len(set.slots) {
			continue
		}
		set.slots[index-1] = strings.TrimSpace(tag)
	}
	return set
}

// Capacity returns the number of physical connectors.
func (c ConnectorSet) Capacity() int {
	return len(c.slots)
}

// Resize truncates or extends the set. Entries above the new capacity are discarded and new
// slots start absent.
func (c *ConnectorSet) Resize(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	current := len(c.slots)
	switch {
	case capacity == current:
		return
	case capacity < current:
		c.slots = append([]string(nil), c.slots[:capacity]...)
	default:
		grown := make([]string, capacity)
		copy(grown, c.slots)
		c.slots = grown
	}
}

// RecordTag stores tagID for the connector at index, replacing any previous tag.
func (c *ConnectorSet) RecordTag(index int, tagID string) error {
	if err := c.checkIndex(index); err != nil {
		return err
	}
	trimmed := strings.TrimSpace(tagID)
	if trimmed == "" {
		return ErrEmptyTag
	}
	c.slots[index-1] = trimmed
	return nil
}

// ClearTag marks the connector at index as not yet scanned.
func (c *ConnectorSet) ClearTag(index int) error {
	if err := c.checkIndex(index); err != nil {
		return err
	}
	c.slots[index-1] = ""
	return nil
}

// Tag returns the tag stored for index.
func (c ConnectorSet) Tag(index int) (string, bool) {
	if index < 1 || index > len(c.slots) {
		return "", false
	}
	tag := c.slots[index-1]
	return tag, tag != ""
}

// ResolveIndex returns the lowest index whose tag matches tagID after normalisation.
func (c ConnectorSet) ResolveIndex(tagID string) (int, bool) {
	needle := NormalizeTag(tagID)
	if needle == "" {
		return 0, false
	}
	for i, tag := range c.slots {
		if tag == "" {
			continue
		}
		if NormalizeTag(tag) == needle {
			return i + 1, true
		}
	}
	return 0, false
}

// Contains reports whether index is a valid connector index for this set.
func (c ConnectorSet) Contains(index int) bool {
	return index >= 1 && index <= len(c.slots)
}

// Indices lists every connector index in ascending order.
func (c ConnectorSet) Indices() []int {
	out := make([]int, len(c.slots))
	for i := range c.slots {
		out[i] = i + 1
	}
	return out
}

// Tags returns the sparse index to tag form used for persistence.
func (c ConnectorSet) Tags() map[int]string {
	out := make(map[int]string)
	for i, tag := range c.slots {
		if tag != "" {
			out[i+1] = tag
		}
	}
	return out
}

// TaggedCount returns the number of connectors with a recorded tag.
func (c ConnectorSet) TaggedCount() int {
	count := 0
	for _, tag := range c.slots {
		if tag != "" {
			count++
		}
	}
	return count
}

// DuplicateTags lists normalised tags that are assigned to more than one index, with the
// indices holding them. A well-formed set returns an empty map.
func (c ConnectorSet) DuplicateTags() map[string][]int {
	seen := make(map[string][]int)
	for i, tag := range c.slots {
		if tag == "" {
			continue
		}
		key := NormalizeTag(tag)
		seen[key] = append(seen[key], i+1)
	}
	dupes := make(map[string][]int)
	for key, indices := range seen {
		if len(indices) > 1 {
			sort.Ints(indices)
			dupes[key] = indices
		}
	}
	return dupes
}

// Clone returns an independent copy of the set.
func (c ConnectorSet) Clone() ConnectorSet {
	return ConnectorSet{slots: append([]string(nil), c.slots...)}
}

func (c ConnectorSet) checkIndex(index int) error {
	if index < 1 || index > len(c.slots) {
		return &OutOfRangeError{Index: index, Capacity: len(c.slots)}
	}
	return nil
}

// NormalizeTag folds full-width characters, trims whitespace and upper-cases a tag id so that
// scanner output compares equal regardless of keyboard layout or case.
func NormalizeTag(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(width.Fold.String(trimmed)))
}
