// Package supervisor owns the capture pipeline's process lifecycle:
// spawning rtl_sdr/rtl_fm and redsea, wiring their stdio through the
// channelizer/tee/recorder/rules chain, and restarting the whole pipeline
// (never individual children) with capped exponential backoff when a
// child dies (spec.md §4.5).
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rds-monitor/internal/config"
	"github.com/snarg/rds-monitor/internal/metrics"
	"github.com/snarg/rds-monitor/internal/rules"
	"github.com/snarg/rds-monitor/internal/transcribe"
)

// backoffSchedule is spec.md §4.5's capped exponential restart backoff:
// 1s, 2s, 4s, 8s, then 30s for every attempt after.
var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 30 * time.Second}

// maxConsecutiveFailures bounds restart attempts that never reach a
// stable run (spec.md §6 exit code 2, "unrecoverable pipeline failure
// after max restart attempts"). Not named as a tunable in the
// configuration env var list, so it is a fixed constant rather than
// something operators are expected to adjust.
const maxConsecutiveFailures = 10

// stableRunThreshold is how long a pipeline run must survive before a
// subsequent failure resets the backoff schedule back to its start,
// distinguishing a flaky restart loop from an isolated crash.
const stableRunThreshold = 60 * time.Second

// systemPublisher is the MQTT surface for periodic system topics
// (rds/system/status, rds/system/raw). internal/mqttclient.Client
// implements this.
type systemPublisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// Options configures a Supervisor.
type Options struct {
	Config     *config.Config
	Engine     *rules.Engine
	Store      audioStore
	Transcribe *transcribe.WorkerPool
	Alert      audioAvailableNotifier
	MQTT       systemPublisher // optional
	Log        zerolog.Logger
}

// Supervisor owns the per-process-lifetime capture pipeline.
type Supervisor struct {
	cfg        *config.Config
	engine     *rules.Engine
	handoff    *pipelineHandoff
	transcribe *transcribe.WorkerPool
	mqtt       systemPublisher
	log        zerolog.Logger

	mu           sync.Mutex
	state        PipelineState
	lastErr      string
	restartCount int

	bridgesMu sync.Mutex
	bridges   []*pcmBridge
}

// New builds a Supervisor. It does not start the pipeline.
func New(opts Options) *Supervisor {
	return &Supervisor{
		cfg:        opts.Config,
		engine:     opts.Engine,
		handoff:    newPipelineHandoff(opts.Store, opts.Transcribe, opts.Alert, opts.Log),
		transcribe: opts.Transcribe,
		mqtt:       opts.MQTT,
		log:        opts.Log.With().Str("component", "supervisor").Logger(),
		state:      StateNotStarted,
	}
}

// Run drives the pipeline until ctx is cancelled, restarting on child
// process failure with capped exponential backoff, per spec.md §4.5's
// restart policy ("restarts the whole pipeline, not individual
// children"). Returns a non-nil error only when maxConsecutiveFailures is
// exceeded without a stable run in between — the caller should treat that
// as fatal (exit code 2).
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	for {
		s.setState(StateStarting, "")
		started := time.Now()
		err := s.runOnce(ctx)

		if ctx.Err() != nil {
			s.setState(StateStopped, "")
			return nil
		}

		if err == nil {
			// Clean exit without ctx cancellation means the IQ source
			// closed on its own (e.g. device unplugged); treat the same
			// as a failure for restart purposes.
			err = fmt.Errorf("capture pipeline exited unexpectedly")
		}

		if time.Since(started) >= stableRunThreshold {
			attempt = 0
		}
		attempt++
		metrics.PipelineRestartsTotal.Inc()

		s.mu.Lock()
		s.restartCount++
		s.mu.Unlock()
		s.setState(StateError, err.Error())

		if attempt > maxConsecutiveFailures {
			return fmt.Errorf("supervisor: %d consecutive pipeline failures, giving up: %w", attempt, err)
		}

		backoff := backoffSchedule[len(backoffSchedule)-1]
		if attempt-1 < len(backoffSchedule) {
			backoff = backoffSchedule[attempt-1]
		}
		s.log.Error().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("capture pipeline failed, restarting after backoff")

		select {
		case <-ctx.Done():
			s.setState(StateStopped, "")
			return nil
		case <-time.After(backoff):
		}
	}
}

func (s *Supervisor) setState(state PipelineState, lastErr string) {
	s.mu.Lock()
	s.state = state
	s.lastErr = lastErr
	s.mu.Unlock()
}

// Status builds the current /api/status response.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	state, lastErr, restarts := s.state, s.lastErr, s.restartCount
	s.mu.Unlock()

	snaps := s.engine.Snapshots()
	stations := make([]StationStatus, len(snaps))
	for i, snap := range snaps {
		stations[i] = StationStatus{
			FrequencyHz:  snap.FreqHz,
			PI:           snap.PI,
			PS:           snap.PS,
			ProgType:     snap.ProgType,
			TA:           snap.TA,
			TP:           snap.TP,
			RadioText:    snap.RadioText,
			GroupsPerSec: snap.GroupsPerSec,
			GroupsTotal:  snap.GroupsTotal,
			UptimeSec:    snap.UptimeSec,
		}
	}

	status := Status{
		Pipeline: PipelineStatus{
			State:        state,
			LastError:    lastErr,
			RestartCount: restarts,
		},
	}
	drops := s.dropsByStation()
	if len(drops) > 0 {
		status.Pipeline.Drops = drops
	}
	if len(stations) == 1 && !s.cfg.Multi() {
		status.Frequency = stations[0].FrequencyHz
		status.Stations = stations
	} else {
		status.Stations = stations
	}
	return status
}

func (s *Supervisor) dropsByStation() map[string]int64 {
	s.bridgesMu.Lock()
	defer s.bridgesMu.Unlock()
	if len(s.bridges) == 0 {
		return nil
	}
	out := make(map[string]int64, len(s.bridges))
	for i, b := range s.bridges {
		out[fmt.Sprintf("station_%d", i)] = int64(b.Drops())
	}
	return out
}

// GroupsTotal implements metrics.PipelineStats.
func (s *Supervisor) GroupsTotal() int64 {
	var total int64
	for _, snap := range s.engine.Snapshots() {
		total += int64(snap.GroupsTotal)
	}
	return total
}

// ChannelizerDrops implements metrics.PipelineStats.
func (s *Supervisor) ChannelizerDrops() int64 {
	s.bridgesMu.Lock()
	defer s.bridgesMu.Unlock()
	var total int64
	for _, b := range s.bridges {
		total += int64(b.Drops())
	}
	return total
}

// TranscribeQueueDepth implements metrics.PipelineStats.
func (s *Supervisor) TranscribeQueueDepth() int { return s.transcribe.Stats().Pending }

// TranscribeCompletedTotal implements metrics.PipelineStats.
func (s *Supervisor) TranscribeCompletedTotal() int64 { return s.transcribe.Stats().Completed }

// TranscribeFailedTotal implements metrics.PipelineStats.
func (s *Supervisor) TranscribeFailedTotal() int64 { return s.transcribe.Stats().Failed }

// TranscribeDroppedTotal implements metrics.PipelineStats.
func (s *Supervisor) TranscribeDroppedTotal() int64 { return s.transcribe.Stats().Dropped }

var _ metrics.PipelineStats = (*Supervisor)(nil)

// runOnce spawns one generation of the capture pipeline and blocks until
// it exits (child death, read error, or ctx cancellation), tearing down
// cleanly on every exit path.
func (s *Supervisor) runOnce(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	var procs []*childProcess
	var bridges []*pcmBridge

	shutdown := func() {
		cancel()
		for _, p := range procs {
			p.stopGracefully(s.cfg.ShutdownGrace)
		}
		for _, b := range bridges {
			b.Close()
		}
		wg.Wait()
	}

	if s.cfg.Multi() {
		if err := s.startMultiStation(runCtx, &wg, errCh, &procs, &bridges); err != nil {
			shutdown()
			return err
		}
	} else {
		if err := s.startSingleStation(runCtx, &wg, errCh, &procs); err != nil {
			shutdown()
			return err
		}
	}

	s.bridgesMu.Lock()
	s.bridges = bridges
	s.bridgesMu.Unlock()

	s.setState(StateRunning, "")
	s.log.Info().Int("stations", len(s.cfg.Frequencies)).Msg("capture pipeline running")

	select {
	case <-runCtx.Done():
		shutdown()
		return nil
	case err := <-errCh:
		shutdown()
		return err
	}
}
