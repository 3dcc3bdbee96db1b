// Package transcribe implements the pluggable speech-to-text backend and
// the bounded FIFO worker pool that drains recorded clips into the event
// store (spec.md §4.4).
package transcribe

import "context"

// Provider is the capability every STT backend implements: one method,
// transcribe a WAV file, return the recognized text. Local, remote, and
// none are three implementations of the same interface (spec.md §9).
type Provider interface {
	Transcribe(ctx context.Context, wavPath string) (Response, error)
	Name() string
}

// Response is the common transcription result from any provider.
type Response struct {
	Text     string
	Language string
}
