package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// decaySweeper periodically forgives rate-limit violations of authenticated
// clients that have behaved since their last violation.
type decaySweeper struct {
	hub      *Hub
	interval time.Duration
	now      func() time.Time
	log      logrus.FieldLogger
}

func newDecaySweeper(hub *Hub, interval time.Duration) *decaySweeper {
	return &decaySweeper{
		hub:      hub,
		interval: interval,
		now:      time.Now,
		log:      hub.log.WithField("component", "sweeper"),
	}
}

func (s *decaySweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweep(s.now()); n > 0 {
				s.log.WithField("clients", n).Debug("Reset rate-limit violations")
			}
		}
	}
}

// sweep returns the number of clients whose violation count was reset.
func (s *decaySweeper) sweep(now time.Time) int {
	reset := 0
	for _, c := range s.hub.Clients() {
		if !c.Authenticated() {
			continue
		}
		if c.limiter.Decay(now) {
			reset++
			s.hub.metrics.ViolationResets.Inc()
		}
	}
	return reset
}
