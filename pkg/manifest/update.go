package manifest

import (
	"sync"

	"github.com/thesyncim/abrstream/pkg/cancellation"
)

// RepresentationRef locates a Representation inside a Manifest.
type RepresentationRef struct {
	PeriodID         string `json:"periodId"`
	AdaptationID     string `json:"adaptationId"`
	RepresentationID string `json:"representationId"`
}

// Update describes what changed in a Manifest refresh.
type Update struct {
	UpdatedPeriods         []string            `json:"updatedPeriods,omitempty"`
	AddedPeriods           []string            `json:"addedPeriods,omitempty"`
	RemovedPeriods         []string            `json:"removedPeriods,omitempty"`
	AddedRepresentations   []RepresentationRef `json:"addedRepresentations,omitempty"`
	RemovedRepresentations []RepresentationRef `json:"removedRepresentations,omitempty"`
}

// AffectsPeriod reports whether p was updated or removed.
func (u Update) AffectsPeriod(periodID string) bool {
	for _, id := range u.UpdatedPeriods {
		if id == periodID {
			return true
		}
	}
	for _, id := range u.RemovedPeriods {
		if id == periodID {
			return true
		}
	}
	return false
}

// RemovesRepresentation reports whether the given Representation is gone
// after the update, either on its own or with its Period.
func (u Update) RemovesRepresentation(periodID, adaptationID, representationID string) bool {
	for _, id := range u.RemovedPeriods {
		if id == periodID {
			return true
		}
	}
	for _, r := range u.RemovedRepresentations {
		if r.PeriodID == periodID && r.AdaptationID == adaptationID && r.RepresentationID == representationID {
			return true
		}
	}
	return false
}

type emitter struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]func(Update)
	order     []uint64
}

// OnUpdate registers fn to be called after each Replace, until sig is
// cancelled. It returns a function removing the listener.
func (m *Manifest) OnUpdate(fn func(Update), sig *cancellation.Signal) (stop func()) {
	e := &m.events
	e.mu.Lock()
	if e.listeners == nil {
		e.listeners = make(map[uint64]func(Update))
	}
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	e.order = append(e.order, id)
	e.mu.Unlock()

	stop = func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
		for i, cur := range e.order {
			if cur == id {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
	if sig != nil {
		sig.Register(stop)
	}
	return stop
}

func (e *emitter) emit(u Update) {
	e.mu.Lock()
	var fns []func(Update)
	for _, id := range e.order {
		fns = append(fns, e.listeners[id])
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

// Replace merges a refreshed version of the manifest into m, keeping the
// identity of Periods, Adaptations and Representations that still exist so
// running streams see the new segment indexes. It emits and returns the
// resulting Update. Callers serialize Replace with the streaming loop.
func (m *Manifest) Replace(next *Manifest) Update {
	var u Update

	m.mu.Lock()
	byID := make(map[string]*Period, len(m.periods))
	for _, p := range m.periods {
		byID[p.ID] = p
	}
	seen := make(map[string]bool, len(next.periods))
	var merged []*Period
	for _, np := range next.periods {
		seen[np.ID] = true
		old, ok := byID[np.ID]
		if !ok {
			u.AddedPeriods = append(u.AddedPeriods, np.ID)
			merged = append(merged, np)
			continue
		}
		mergePeriod(old, np, &u)
		u.UpdatedPeriods = append(u.UpdatedPeriods, np.ID)
		merged = append(merged, old)
	}
	for _, p := range m.periods {
		if !seen[p.ID] {
			u.RemovedPeriods = append(u.RemovedPeriods, p.ID)
		}
	}
	m.periods = merged
	m.IsDynamic = next.IsDynamic
	m.mu.Unlock()

	m.events.emit(u)
	return u
}

func mergePeriod(old, next *Period, u *Update) {
	old.Start = next.Start
	old.End = next.End

	nextAdaptations := make(map[string]*Adaptation, len(next.Adaptations))
	for _, a := range next.Adaptations {
		nextAdaptations[a.ID] = a
	}
	var kept []*Adaptation
	for _, oa := range old.Adaptations {
		na, ok := nextAdaptations[oa.ID]
		if !ok {
			for _, r := range oa.Representations {
				u.RemovedRepresentations = append(u.RemovedRepresentations, RepresentationRef{old.ID, oa.ID, r.ID})
			}
			continue
		}
		delete(nextAdaptations, oa.ID)
		mergeAdaptation(old.ID, oa, na, u)
		kept = append(kept, oa)
	}
	for _, na := range next.Adaptations {
		if _, added := nextAdaptations[na.ID]; !added {
			continue
		}
		for _, r := range na.Representations {
			u.AddedRepresentations = append(u.AddedRepresentations, RepresentationRef{old.ID, na.ID, r.ID})
		}
		kept = append(kept, na)
	}
	old.Adaptations = kept
}

func mergeAdaptation(periodID string, old, next *Adaptation, u *Update) {
	var kept []*Representation
	for _, or := range old.Representations {
		nr := next.RepresentationByID(or.ID)
		if nr == nil {
			u.RemovedRepresentations = append(u.RemovedRepresentations, RepresentationRef{periodID, old.ID, or.ID})
			continue
		}
		or.setIndex(nr.Index())
		kept = append(kept, or)
	}
	for _, nr := range next.Representations {
		if old.RepresentationByID(nr.ID) == nil {
			u.AddedRepresentations = append(u.AddedRepresentations, RepresentationRef{periodID, old.ID, nr.ID})
			kept = append(kept, nr)
		}
	}
	old.Representations = kept
}
