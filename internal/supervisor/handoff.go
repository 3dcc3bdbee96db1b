package supervisor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/snarg/rds-monitor/internal/recorder"
	"github.com/snarg/rds-monitor/internal/transcribe"
)

// audioStore is the event-store surface the handoff needs once a
// recording is finalized. internal/store.Store implements this.
type audioStore interface {
	UpdateAudio(ctx context.Context, eventID int64, path string, durationSec float64) error
	UpdateTranscriptionStatus(ctx context.Context, eventID int64, status string)
}

// audioAvailableNotifier lets the alert publisher know a finished
// recording's OGG file exists, in case the alert already fired before
// encoding finished. internal/alert.Publisher implements this.
type audioAvailableNotifier interface {
	MarkAudioAvailable(eventID int64)
}

// pipelineHandoff implements recorder.Handoff, fanning a finalized
// recording out to the event store (the OGG path for serving, plus the
// saving/transcribing status transition), the transcription queue (the
// WAV path), and the alert publisher's audio-available flag. Grounded on
// the teacher's ingest pipeline's multi-sink handoff after a call
// finalizes.
type pipelineHandoff struct {
	store audioStore
	queue *transcribe.WorkerPool
	alert audioAvailableNotifier
	log   zerolog.Logger
}

func newPipelineHandoff(store audioStore, queue *transcribe.WorkerPool, alert audioAvailableNotifier, log zerolog.Logger) *pipelineHandoff {
	return &pipelineHandoff{store: store, queue: queue, alert: alert, log: log.With().Str("component", "handoff").Logger()}
}

// AudioFinalized implements recorder.Handoff. It walks transcription_status
// through "saving" (the WAV/OGG paths are being written to the event row)
// and "transcribing" (the job is now queued) so a client polling
// /api/events never observes the pre-recording placeholder value for the
// entire life of a finished recording (spec.md §4.3 step 4).
func (h *pipelineHandoff) AudioFinalized(eventID int64, wavPath, oggPath string, durationSec float64) {
	ctx := context.Background()
	h.store.UpdateTranscriptionStatus(ctx, eventID, "saving")
	if err := h.store.UpdateAudio(ctx, eventID, oggPath, durationSec); err != nil {
		h.log.Error().Err(err).Int64("event_id", eventID).Msg("update_audio failed")
	}
	if h.alert != nil {
		h.alert.MarkAudioAvailable(eventID)
	}
	h.store.UpdateTranscriptionStatus(ctx, eventID, "transcribing")
	h.queue.Enqueue(transcribe.Job{EventID: eventID, WAVPath: wavPath})
}

// AudioFailed implements recorder.Handoff: the event's
// transcription_status becomes "error" since no audio was produced.
func (h *pipelineHandoff) AudioFailed(eventID int64, err error) {
	h.log.Error().Err(err).Int64("event_id", eventID).Msg("recording finalize failed, no audio produced")
	h.store.UpdateTranscriptionStatus(context.Background(), eventID, "error")
}

var _ recorder.Handoff = (*pipelineHandoff)(nil)
