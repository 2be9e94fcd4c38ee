package stream

import (
	"sort"
	"sync"

	"github.com/thesyncim/abrstream/pkg/manifest"
)

type statusKey struct {
	period string
	typ    manifest.BufferType
}

// StatusTracker keeps the last StreamStatus of each Period and type. A new
// status replaces the previous one. It is safe for concurrent use.
type StatusTracker struct {
	mu       sync.Mutex
	statuses map[statusKey]StreamStatus
}

// NewStatusTracker creates an empty StatusTracker.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{statuses: make(map[statusKey]StreamStatus)}
}

// Update stores s and reports whether its imminent discontinuity differs
// from the one of the status it replaces.
func (t *StatusTracker) Update(s StreamStatus) (discontinuityChanged bool) {
	key := statusKey{period: s.PeriodID, typ: s.Type}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.statuses[key]
	t.statuses[key] = s
	if !ok {
		return s.ImminentDiscontinuity != nil
	}
	return !equalDiscontinuity(prev.ImminentDiscontinuity, s.ImminentDiscontinuity)
}

// Get returns the status of a Period and type.
func (t *StatusTracker) Get(periodID string, typ manifest.BufferType) (StreamStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[statusKey{period: periodID, typ: typ}]
	return s, ok
}

// Snapshot returns every status, ordered by Period id then type.
func (t *StatusTracker) Snapshot() []StreamStatus {
	t.mu.Lock()
	out := make([]StreamStatus, 0, len(t.statuses))
	for _, s := range t.statuses {
		out = append(out, s)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodID != out[j].PeriodID {
			return out[i].PeriodID < out[j].PeriodID
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Len returns the number of statuses held.
func (t *StatusTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.statuses)
}

// ClearPeriod drops the statuses of a Period.
func (t *StatusTracker) ClearPeriod(periodID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.statuses {
		if k.period == periodID {
			delete(t.statuses, k)
		}
	}
}

// ClearType drops the statuses of a type, in every Period.
func (t *StatusTracker) ClearType(typ manifest.BufferType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.statuses {
		if k.typ == typ {
			delete(t.statuses, k)
		}
	}
}

func equalDiscontinuity(a, b *Discontinuity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return equalBound(a.Start, b.Start) && equalBound(a.End, b.End)
}

func equalBound(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
