package relay

import (
	"context"
	"time"
)

// Sweeper periodically removes silent sessions from the relay.
type Sweeper struct {
	relay    *Relay
	interval time.Duration
}

func NewSweeper(r *Relay, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		relay:    r,
		interval: interval,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.relay.Sweep(s.relay.Now()); n > 0 {
				logger.Info().Int("evicted", n).Msg("swept silent sessions")
			}
		}
	}
}
