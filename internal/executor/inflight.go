package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// InFlightArb is a point-in-time view of one live machine, exposed on
// the status endpoint.
type InFlightArb struct {
	ArbID     string
	SignalID  string
	State     domain.LegState
	Markets   []domain.MarketKey
	StartedAt time.Time
}

// Registry tracks which markets have a live arb machine and satisfies
// the risk engine's LegTracker. A market is claimed from approval
// until the machine reaches a terminal state, which is what makes the
// one-arb-per-market rule hold across the approve/submit gap.
type Registry struct {
	mu      sync.Mutex
	byKey   map[domain.MarketKey]string // market -> arb ID
	byArbID map[string]*registryEntry
}

type registryEntry struct {
	info InFlightArb
	keys []domain.MarketKey
}

// NewRegistry creates an empty in-flight registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:   make(map[domain.MarketKey]string),
		byArbID: make(map[string]*registryEntry),
	}
}

// Busy reports whether any of the given markets has a live machine.
func (r *Registry) Busy(keys []domain.MarketKey) (domain.MarketKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		if _, ok := r.byKey[k]; ok {
			return k, true
		}
	}
	return domain.MarketKey{}, false
}

// Count returns the number of live machines.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byArbID)
}

// Claim atomically marks all of an arb's markets as busy. It fails
// without side effects if any market is already claimed.
func (r *Registry) Claim(arbID, signalID string, keys []domain.MarketKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		if holder, ok := r.byKey[k]; ok {
			return fmt.Errorf("executor: %s already claimed by arb %s", k, holder)
		}
	}
	for _, k := range keys {
		r.byKey[k] = arbID
	}
	r.byArbID[arbID] = &registryEntry{
		info: InFlightArb{
			ArbID:     arbID,
			SignalID:  signalID,
			State:     domain.LegStateIdle,
			Markets:   keys,
			StartedAt: time.Now().UTC(),
		},
		keys: keys,
	}
	return nil
}

// SetState updates the published state for an arb's status view.
func (r *Registry) SetState(arbID string, state domain.LegState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byArbID[arbID]; ok {
		e.info.State = state
	}
}

// Release frees an arb's markets once its machine is terminal.
func (r *Registry) Release(arbID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byArbID[arbID]
	if !ok {
		return
	}
	for _, k := range e.keys {
		delete(r.byKey, k)
	}
	delete(r.byArbID, arbID)
}

// Snapshot lists all live machines.
func (r *Registry) Snapshot() []InFlightArb {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InFlightArb, 0, len(r.byArbID))
	for _, e := range r.byArbID {
		info := e.info
		info.Markets = append([]domain.MarketKey(nil), e.keys...)
		out = append(out, info)
	}
	return out
}
