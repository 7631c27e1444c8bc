package mapping

import "github.com/koppeltag/api/internal/domain"

// Resolve maps a raw tag id from the scan side-channel to a connector index of set. Blank or
// unmatched input reports not found.
func Resolve(set domain.ConnectorSet, rawTagID string) (int, bool) {
	normalized := domain.NormalizeTag(rawTagID)
	if normalized == "" {
		return 0, false
	}
	return set.ResolveIndex(normalized)
}
