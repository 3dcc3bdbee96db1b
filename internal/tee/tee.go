// Package tee splits one station's demodulated PCM stream between the RDS
// decoder subprocess (mandatory, blocking) and the audio recorder
// (best-effort, droppable) — spec.md §4.2.
package tee

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// ChunkBytes is the recommended tee chunk size: ~8KiB, ~24ms at 171kHz
// mono 16-bit PCM, per spec.md §4.2.
const ChunkBytes = 8192

// RecorderSink is the best-effort half of the tee. Feed must never block;
// a recorder that cannot accept a chunk (not recording, or internally
// backed up) should return quickly without enqueuing it.
type RecorderSink interface {
	IsRecording() bool
	Feed(chunk []byte)
	Stop()
}

// Tee reads PCM bytes from a source, writes every chunk to the decoder's
// stdin (blocking — correctness-critical per spec.md §9), and best-effort
// hands the same chunk to a Recorder when it reports it is recording.
type Tee struct {
	station  string
	decoder  io.WriteCloser
	recorder RecorderSink
	log      zerolog.Logger
}

// New builds a Tee for one station. decoder is typically the redsea
// subprocess's stdin pipe.
func New(station string, decoder io.WriteCloser, recorder RecorderSink, log zerolog.Logger) *Tee {
	return &Tee{
		station:  station,
		decoder:  decoder,
		recorder: recorder,
		log:      log.With().Str("component", "tee").Str("station", station).Logger(),
	}
}

// Run copies chunks from src to the decoder and recorder until src returns
// EOF, ctx is cancelled, or a write to the decoder fails. On any exit path
// the decoder sink is closed and, if a recording is in progress, the
// recorder is stopped — cascading shutdown from the IQ source down to the
// recorder, per spec.md §4.2's termination contract.
func (t *Tee) Run(ctx context.Context, src io.Reader) error {
	defer t.decoder.Close()
	defer t.stopRecorderIfRecording()

	buf := make([]byte, ChunkBytes)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if werr := t.writeFullBlocking(chunk); werr != nil {
				return fmt.Errorf("tee: write to decoder: %w", werr)
			}
			if t.recorder != nil && t.recorder.IsRecording() {
				fed := make([]byte, n)
				copy(fed, chunk)
				t.recorder.Feed(fed)
			}
		}
		if err != nil {
			if err == io.EOF {
				t.log.Debug().Msg("iq source EOF, closing decoder sink")
				return nil
			}
			return fmt.Errorf("tee: read source: %w", err)
		}
	}
}

// stopRecorderIfRecording implements the termination contract's second half
// (spec.md §4.2): whatever ends Run — EOF, ctx cancellation, or a decoder
// write error — a recording in progress is stopped so its buffer is
// finalized rather than abandoned mid-capture.
func (t *Tee) stopRecorderIfRecording() {
	if t.recorder != nil && t.recorder.IsRecording() {
		t.recorder.Stop()
	}
}

func (t *Tee) writeFullBlocking(chunk []byte) error {
	for len(chunk) > 0 {
		n, err := t.decoder.Write(chunk)
		if err != nil {
			return err
		}
		chunk = chunk[n:]
	}
	return nil
}
