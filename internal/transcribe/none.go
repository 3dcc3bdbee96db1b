package transcribe

import "context"

// NoneProvider drains the queue without doing any work; every job
// transitions its event to transcription_status=none (spec.md §4.4).
type NoneProvider struct{}

func (NoneProvider) Name() string { return "none" }

func (NoneProvider) Transcribe(ctx context.Context, wavPath string) (Response, error) {
	return Response{}, nil
}
