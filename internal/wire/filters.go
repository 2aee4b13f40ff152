package wire

import (
	"github.com/nbd-wtf/go-nostr"
)

// IsEmptyFilter reports whether f constrains nothing at all.
func IsEmptyFilter(f nostr.Filter) bool {
	return len(f.IDs) == 0 &&
		len(f.Kinds) == 0 &&
		len(f.Authors) == 0 &&
		len(f.Tags) == 0 &&
		f.Since == nil &&
		f.Until == nil &&
		f.Limit == 0 &&
		!f.LimitZero &&
		f.Search == ""
}

// PruneEmpty returns filters without the empty records. The input is not modified.
func PruneEmpty(filters nostr.Filters) nostr.Filters {
	out := make(nostr.Filters, 0, len(filters))
	for _, f := range filters {
		if IsEmptyFilter(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// FilterJSON is the exact serialization used inside REQ envelopes.
func FilterJSON(f nostr.Filter) ([]byte, error) {
	return f.MarshalJSON()
}

// FilterJSONSize returns len(FilterJSON(f)), or 0 when f cannot be encoded.
func FilterJSONSize(f nostr.Filter) int {
	b, err := FilterJSON(f)
	if err != nil {
		return 0
	}
	return len(b)
}

// WithSince returns a copy of f whose since is set to ts.
func WithSince(f nostr.Filter, ts nostr.Timestamp) nostr.Filter {
	f.Since = &ts
	return f
}

// CloneFilters copies the slice and the since/until pointers so callers can
// rewrite timestamps without touching the caller's records.
func CloneFilters(filters nostr.Filters) nostr.Filters {
	if filters == nil {
		return nil
	}
	out := make(nostr.Filters, len(filters))
	for i, f := range filters {
		if f.Since != nil {
			s := *f.Since
			f.Since = &s
		}
		if f.Until != nil {
			u := *f.Until
			f.Until = &u
		}
		out[i] = f
	}
	return out
}
