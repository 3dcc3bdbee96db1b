// Package recorder implements the per-station ring-buffer recorder:
// Idle -> Recording -> Finalizing -> Idle, resample to 16kHz, WAV+OGG
// encode, and handoff to the transcriber (spec.md §4.3).
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rds-monitor/internal/perrors"
)

// State is the recorder's lifecycle state.
type State int

const (
	Idle State = iota
	Recording
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Finalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Config carries the recorder's tunables, sourced from internal/config.
type Config struct {
	AudioDir        string
	FFmpegPath      string
	InputSampleRate int // 171000, the decoder's required PCM rate
	OutputSampleRate int // 16000, the rate handed to the transcriber
	MaxRecordingSec int
	MinDurationSec  float64
}

// Handoff receives the outcome of a finalized recording. wavPath is the
// intermediate 16kHz file the transcriber reads; oggPath is the
// Opus-encoded artifact the store/API serve. The supervisor wires this to
// the event store (update_audio/transcription_status) and the
// transcriber's enqueue, per spec.md §4.3 step 4-6.
type Handoff interface {
	AudioFinalized(eventID int64, wavPath, oggPath string, durationSec float64)
	AudioFailed(eventID int64, err error)
}

// CappedHandler is notified when a recording is stopped because it hit
// MAX_RECORDING_SEC, rather than by an explicit Stop() call — the
// supervisor wires this to rules.Engine.ForceEndActive so the event
// lifecycle ends in step with the recorder (spec.md §4.6).
type CappedHandler func(eventID int64)

// Recorder owns one station's ring buffer. At most one Recording is ever
// in flight per Recorder (one per Station, per spec.md's data model).
type Recorder struct {
	mu        sync.Mutex
	state     State
	eventID   int64
	startedAt time.Time
	buf       []byte

	station string
	cfg     Config
	handoff Handoff
	onCapped CappedHandler
	log     zerolog.Logger
}

// New builds a Recorder for one station. onCapped may be nil if the
// caller doesn't need forced-end notification (e.g. in tests).
func New(station string, cfg Config, handoff Handoff, onCapped CappedHandler, log zerolog.Logger) *Recorder {
	return &Recorder{
		station:  station,
		cfg:      cfg,
		handoff:  handoff,
		onCapped: onCapped,
		log:      log.With().Str("component", "recorder").Str("station", station).Logger(),
	}
}

// IsRecording reports whether a recording is currently accumulating PCM —
// the signal the Audio Tee polls before handing it a chunk.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == Recording
}

// State returns the current lifecycle state for status reporting.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start begins recording for eventID. Returns *perrors.RecorderBusy if a
// recording is already in progress — per spec.md §7 this should never
// happen given the rules engine's one-active-event invariant; callers log
// it at error and skip the start rather than propagating further. A
// previous recording that is still finalizing does not block a new Start.
func (r *Recorder) Start(eventID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Recording {
		return &perrors.RecorderBusy{StationPI: r.station}
	}
	r.state = Recording
	r.eventID = eventID
	r.startedAt = time.Now()
	r.buf = r.buf[:0]
	return nil
}

// Feed appends chunk to the in-progress recording. If the cap is
// exceeded, it stops the recording itself with an implicit "cap" reason
// (the finalize pipeline runs exactly as on any other Stop).
func (r *Recorder) Feed(chunk []byte) {
	r.mu.Lock()
	if r.state != Recording {
		r.mu.Unlock()
		return
	}
	r.buf = append(r.buf, chunk...)
	elapsed := time.Since(r.startedAt)
	capped := r.cfg.MaxRecordingSec > 0 && elapsed >= time.Duration(r.cfg.MaxRecordingSec)*time.Second
	eventID := r.eventID
	r.mu.Unlock()

	if capped {
		r.log.Warn().Int("max_recording_sec", r.cfg.MaxRecordingSec).Msg("recording hit cap, stopping")
		if r.onCapped != nil {
			r.onCapped(eventID)
		}
		r.Stop()
	}
}

// Stop ends the current recording. If its duration is below
// MinDurationSec or the buffer is empty, it is discarded with no audio
// produced. Otherwise the raw buffer is handed to a finalize task that
// runs off the caller's goroutine.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.state != Recording {
		r.mu.Unlock()
		return
	}
	r.state = Finalizing
	eventID := r.eventID
	started := r.startedAt
	buf := r.buf
	r.buf = nil
	r.mu.Unlock()

	elapsed := time.Since(started).Seconds()
	if elapsed < r.cfg.MinDurationSec || len(buf) == 0 {
		r.log.Debug().Float64("duration_sec", elapsed).Msg("recording below minimum duration, discarding")
		r.backToIdle()
		return
	}

	if r.cfg.MaxRecordingSec > 0 && elapsed > float64(r.cfg.MaxRecordingSec) {
		truncSamples := r.cfg.MaxRecordingSec * r.cfg.InputSampleRate * 2
		if truncSamples < len(buf) {
			buf = buf[:truncSamples]
			elapsed = float64(r.cfg.MaxRecordingSec)
		}
	}

	go r.finalize(eventID, buf, elapsed)
}

func (r *Recorder) backToIdle() {
	r.mu.Lock()
	if r.state == Finalizing {
		r.state = Idle
	}
	r.mu.Unlock()
}

func (r *Recorder) finalize(eventID int64, pcm []byte, durationSec float64) {
	defer r.backToIdle()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	paths, err := runFinalizePipeline(ctx, r.cfg, eventID, pcm)
	if err != nil {
		r.log.Error().Err(err).Int64("event_id", eventID).Msg("finalize pipeline failed")
		if r.handoff != nil {
			r.handoff.AudioFailed(eventID, err)
		}
		return
	}
	r.log.Info().Int64("event_id", eventID).Str("ogg", paths.OGGPath).Float64("duration_sec", durationSec).Msg("recording finalized")
	if r.handoff != nil {
		r.handoff.AudioFinalized(eventID, paths.WAVPath, paths.OGGPath, durationSec)
	}
}
