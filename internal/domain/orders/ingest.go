package orders

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxValueLength bounds a single entered value.
const MaxValueLength = 500

func normalizeValue(v string) string {
	return strings.TrimSpace(v)
}

// prepareBatch validates a bulk result batch against the order's frozen
// analysis/component set and normalizes it.
//
// Every entry is checked, blanks included, and all problems are reported
// together; one bad reference rejects the whole batch. Surviving entries
// have trimmed values, blanks are dropped (a blank never clears a stored
// value) and a key repeated within the batch keeps its last value, in the
// position it was first seen.
func prepareBatch(snap *Snapshot, entries []ResultEntry) ([]ResultEntry, error) {
	var issues []string
	for i, e := range entries {
		a := snap.Analysis(e.OrderAnalysisID)
		switch {
		case a == nil:
			issues = append(issues, fmt.Sprintf("entry %d: order analysis %d does not belong to order %d",
				i, e.OrderAnalysisID, snap.Order.ID))
		case !a.HasComponent(e.ComponentID):
			issues = append(issues, fmt.Sprintf("entry %d: component %d is not part of order analysis %d",
				i, e.ComponentID, e.OrderAnalysisID))
		case utf8.RuneCountInString(normalizeValue(e.Value)) > MaxValueLength:
			issues = append(issues, fmt.Sprintf("entry %d: value exceeds %d characters", i, MaxValueLength))
		}
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	index := make(map[resultKey]int, len(entries))
	out := make([]ResultEntry, 0, len(entries))
	for _, e := range entries {
		v := normalizeValue(e.Value)
		if v == "" {
			continue
		}
		k := resultKey{e.OrderAnalysisID, e.ComponentID}
		if i, seen := index[k]; seen {
			out[i].Value = v
			continue
		}
		index[k] = len(out)
		out = append(out, ResultEntry{OrderAnalysisID: e.OrderAnalysisID, ComponentID: e.ComponentID, Value: v})
	}
	return out, nil
}

// ingestable reports whether results may still change in state s.
// Once approved, results are locked.
func ingestable(s State) bool {
	return s == StateRegistered || s == StateHasResults
}
