package store

import (
	"github.com/rs/zerolog/log"
)

// HealthMonitor probes the store and fires the down/restored callbacks
// exactly once per transition. The supervisor schedules Run on a cron.
type HealthMonitor struct {
	store      *Store
	onDown     func()
	onRestored func()
	wasUp      bool
}

// NewHealthMonitor wires the probe. Either callback may be nil.
func NewHealthMonitor(s *Store, onDown, onRestored func()) *HealthMonitor {
	return &HealthMonitor{
		store:      s,
		onDown:     onDown,
		onRestored: onRestored,
		wasUp:      s.Available(),
	}
}

// Name implements the scheduler job interface.
func (h *HealthMonitor) Name() string { return "store-health-probe" }

// Run performs one probe and handles up/down transitions.
func (h *HealthMonitor) Run() error {
	err := h.store.Probe()
	up := err == nil

	switch {
	case h.wasUp && !up:
		log.Error().Err(err).Msg("💥 Database connection lost")
		if h.onDown != nil {
			h.onDown()
		}
	case !h.wasUp && up:
		log.Info().Msg("✅ Database connection restored")
		if h.onRestored != nil {
			h.onRestored()
		}
	}
	h.wasUp = up
	return err
}
