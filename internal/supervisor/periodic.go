package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// eonSweepInterval is how often SweepEON is ticked to close synthesized
// eon_traffic events that have gone quiet (spec.md §4.6, 120s timeout).
const eonSweepInterval = 30 * time.Second

// RunPeriodic ticks the EON sweep and publishes rds/system/status at
// cfg.StatusPublishInterval until ctx is cancelled. Runs alongside Run in
// its own goroutine for the life of the process (independent of capture
// pipeline restarts).
func (s *Supervisor) RunPeriodic(ctx context.Context) {
	eonTicker := time.NewTicker(eonSweepInterval)
	defer eonTicker.Stop()

	statusInterval := s.cfg.StatusPublishInterval
	if statusInterval <= 0 {
		statusInterval = 30 * time.Second
	}
	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-eonTicker.C:
			s.engine.SweepEON(ctx)
		case <-statusTicker.C:
			s.publishSystemStatus()
		}
	}
}

func (s *Supervisor) publishSystemStatus() {
	if s.mqtt == nil {
		return
	}
	payload, err := json.Marshal(s.Status())
	if err != nil {
		return
	}
	prefix := s.cfg.MQTTTopicPrefix
	if prefix == "" {
		prefix = "rds"
	}
	_ = s.mqtt.Publish(fmt.Sprintf("%s/system/status", prefix), payload, false)
}
