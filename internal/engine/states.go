// internal/engine/states.go
package engine

import "fmt"

// State is a region's position in the failover lifecycle.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateUnhealthy
	StateFailed
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	case StateFailed:
		return "failed"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// ParseState maps the wire form back to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "healthy":
		return StateHealthy, nil
	case "degraded":
		return StateDegraded, nil
	case "unhealthy":
		return StateUnhealthy, nil
	case "failed":
		return StateFailed, nil
	case "recovering":
		return StateRecovering, nil
	default:
		return StateHealthy, fmt.Errorf("engine: unknown state %q", s)
	}
}

// legalEdges enumerates every transition the machine may take on its own.
// Unhealthy and Failed can only be left through Recovering; there is no
// shortcut back to Healthy.
var legalEdges = map[State][]State{
	StateHealthy:    {StateDegraded, StateFailed},
	StateDegraded:   {StateHealthy, StateUnhealthy, StateFailed},
	StateUnhealthy:  {StateRecovering, StateFailed},
	StateFailed:     {StateRecovering},
	StateRecovering: {StateHealthy, StateUnhealthy, StateFailed},
}

// LegalEdge reports whether the machine may move from one state to another
// without operator intervention.
func LegalEdge(from, to State) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WeightFactor is the serving-capacity multiplier applied to a region's
// base weight in each state. Recovering contributes nothing: traffic only
// returns through the failback ramp once the region re-enters Healthy.
func (s State) WeightFactor() float64 {
	switch s {
	case StateHealthy:
		return 1.0
	case StateDegraded:
		return 0.5
	default:
		return 0
	}
}
