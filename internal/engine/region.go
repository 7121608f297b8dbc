// internal/engine/region.go
package engine

import (
	"time"

	"github.com/google/uuid"
)

// maxStreakIDs bounds how many snapshot ids are kept as transition evidence.
const maxStreakIDs = 8

// Region is the engine's runtime record for one serving region. All fields
// are owned by the engine goroutine; readers get copies via RegionView.
type Region struct {
	ID          string
	DisplayName string
	BaseWeight  float64

	State             State
	LastStateChangeAt time.Time
	CurrentWeight     float64
	Ramping           bool
	Retired           bool
	QuarantineUntil   time.Time

	// Local probe stream bookkeeping. Score streaks only advance on
	// successful probes; unanswered probes feed ProbeFailures instead.
	ConsecutiveBad    int // scored at or above the degraded threshold
	ConsecutiveSevere int // scored at or above the unhealthy threshold
	ConsecutiveGood   int // scored below the healthy threshold
	ConfirmStreak     int // clean cycles while recovering
	ProbeFailures     int // consecutive unanswered local probes

	LastScore    float64
	LastScoredAt time.Time

	LagMs  float64
	LagErr bool
	LagAt  time.Time

	ExternalConfigured bool
	ExternalBad        bool
	ExternalAt         time.Time

	recentSnapshots []uuid.UUID
}

func (r *Region) noteSnapshot(id uuid.UUID) {
	r.recentSnapshots = append(r.recentSnapshots, id)
	if len(r.recentSnapshots) > maxStreakIDs {
		r.recentSnapshots = r.recentSnapshots[len(r.recentSnapshots)-maxStreakIDs:]
	}
}

// evidence returns the ids of the snapshots that backed a decision, newest
// last, at most n entries.
func (r *Region) evidence(n int) []uuid.UUID {
	if n > len(r.recentSnapshots) {
		n = len(r.recentSnapshots)
	}
	if n <= 0 {
		return nil
	}
	out := make([]uuid.UUID, n)
	copy(out, r.recentSnapshots[len(r.recentSnapshots)-n:])
	return out
}

// RegionView is an immutable copy of a region's externally relevant state.
type RegionView struct {
	ID                string    `json:"id"`
	DisplayName       string    `json:"display_name,omitempty"`
	State             State     `json:"-"`
	StateName         string    `json:"state"`
	BaseWeight        float64   `json:"base_weight"`
	CurrentWeight     float64   `json:"current_weight"`
	Ramping           bool      `json:"ramping"`
	Retired           bool      `json:"retired"`
	LastStateChangeAt time.Time `json:"last_state_change_at"`
	LastScore         float64   `json:"last_score"`
	LagMs             float64   `json:"lag_ms"`
	ConsecutiveBad    int       `json:"consecutive_bad"`
	ConsecutiveGood   int       `json:"consecutive_good"`
	ProbeFailures     int       `json:"probe_failures"`
	QuarantineUntil   time.Time `json:"quarantine_until,omitempty"`
}

func (r *Region) view() RegionView {
	return RegionView{
		ID:                r.ID,
		DisplayName:       r.DisplayName,
		State:             r.State,
		StateName:         r.State.String(),
		BaseWeight:        r.BaseWeight,
		CurrentWeight:     r.CurrentWeight,
		Ramping:           r.Ramping,
		Retired:           r.Retired,
		LastStateChangeAt: r.LastStateChangeAt,
		LastScore:         r.LastScore,
		LagMs:             r.LagMs,
		ConsecutiveBad:    r.ConsecutiveBad,
		ConsecutiveGood:   r.ConsecutiveGood,
		ProbeFailures:     r.ProbeFailures,
		QuarantineUntil:   r.QuarantineUntil,
	}
}
