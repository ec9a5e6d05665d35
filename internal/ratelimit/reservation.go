package ratelimit

// ReservationConfig tunes how much of a key's RPM window is held back
// for cache-affinity attempts.
type ReservationConfig struct {
	// ProbeThreshold is the window counter below which the policy stays
	// in the probe phase.
	ProbeThreshold int
	// ProbeRatio is the reservation used while probing.
	ProbeRatio float64
	// StableMin and StableMax bound the reservation in the stable
	// phase; the actual ratio scales with window load between them.
	StableMin float64
	StableMax float64
}

// DefaultReservationConfig returns the deployment defaults.
func DefaultReservationConfig() ReservationConfig {
	return ReservationConfig{
		ProbeThreshold: 20,
		ProbeRatio:     0.05,
		StableMin:      0.10,
		StableMax:      0.30,
	}
}

const (
	phaseProbe  = "probe"
	phaseStable = "stable"
)

// ReservationResult is one reservation decision.
type ReservationResult struct {
	Ratio float64
	Phase string
}

// Reservation computes the dynamic-reservation ratio from recent
// request volume. Low traffic keeps the reservation small so capacity
// is not wasted; under sustained load a larger share is protected for
// cache-affinity hits, which are the cheapest requests to serve.
type Reservation struct {
	cfg ReservationConfig
}

// NewReservation builds a Reservation policy. Zero-valued bounds are
// taken literally, so a fully zeroed config disables reservation.
func NewReservation(cfg ReservationConfig) *Reservation {
	if cfg.StableMax < cfg.StableMin {
		cfg.StableMax = cfg.StableMin
	}
	return &Reservation{cfg: cfg}
}

// Calculate returns the ratio for the current window counter and limit.
func (r *Reservation) Calculate(count, limit int) ReservationResult {
	if limit <= 0 {
		return ReservationResult{Ratio: 0, Phase: phaseProbe}
	}
	if count < r.cfg.ProbeThreshold {
		return ReservationResult{Ratio: r.cfg.ProbeRatio, Phase: phaseProbe}
	}
	load := float64(count) / float64(limit)
	if load > 1 {
		load = 1
	}
	ratio := r.cfg.StableMin + (r.cfg.StableMax-r.cfg.StableMin)*load
	return ReservationResult{Ratio: ratio, Phase: phaseStable}
}
