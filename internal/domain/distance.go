package domain

import "time"

// DistanceAccumulator holds the latest distance estimate of a session in
// kilometers. The most recent call wins regardless of magnitude, so a manual
// correction may lower the distance. Callers serialize Set through the
// per-user transaction; call order is commit order.
type DistanceAccumulator struct {
	km float64
	at time.Time
}

// NewDistanceAccumulator seeds an accumulator with a known value.
func NewDistanceAccumulator(km float64, at time.Time) *DistanceAccumulator {
	return &DistanceAccumulator{km: km, at: at}
}

// Set records km as the current distance observed at at.
func (a *DistanceAccumulator) Set(km float64, at time.Time) {
	a.km = km
	if at.After(a.at) {
		a.at = at
	}
}

// Km returns the current distance.
func (a *DistanceAccumulator) Km() float64 {
	return a.km
}

// UpdatedAt returns the latest timestamp seen, which never moves backwards.
func (a *DistanceAccumulator) UpdatedAt() time.Time {
	return a.at
}
