// internal/traffic/policy.go
package traffic

import (
	"time"

	"github.com/google/uuid"
)

// Policy is one immutable routing decision: the share of traffic each
// region should receive. Weights sum to 1 whenever any region is serving;
// retired and failed regions appear explicitly at 0 so the traffic manager
// drains them instead of keeping stale entries.
type Policy struct {
	ID          uuid.UUID          `json:"id"`
	Version     uint64             `json:"version"`
	Weights     map[string]float64 `json:"weights"`
	EffectiveAt time.Time          `json:"effective_at"`
}

// Clone returns a deep copy so callers can hold a policy across engine
// cycles without aliasing the recalculator's state.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Weights = make(map[string]float64, len(p.Weights))
	for id, w := range p.Weights {
		cp.Weights[id] = w
	}
	return &cp
}
