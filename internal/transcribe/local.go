package transcribe

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// LocalModel is the minimal surface a bundled speech model needs to
// expose; a concrete model backend (e.g. a cgo whisper.cpp binding)
// implements this without the rest of the package knowing about it.
type LocalModel interface {
	Load() error
	Transcribe(ctx context.Context, wavPath string) (string, error)
}

// LocalProvider lazy-loads a bundled speech model on its first job and
// serializes all subsequent calls through it — the model is not
// reentrant, so the worker pool configured with a LocalProvider must run
// exactly one worker (spec.md §4.4).
type LocalProvider struct {
	mu       sync.Mutex
	model    LocalModel
	loaded   bool
	loadErr  error
	log      zerolog.Logger
}

// NewLocalProvider wraps model with the lazy-load-once behavior.
func NewLocalProvider(model LocalModel, log zerolog.Logger) *LocalProvider {
	return &LocalProvider{
		model: model,
		log:   log.With().Str("component", "transcribe.local").Logger(),
	}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Transcribe(ctx context.Context, wavPath string) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		p.log.Info().Msg("loading local speech model (first job, observed 10-30s)")
		p.loadErr = p.model.Load()
		p.loaded = true
	}
	if p.loadErr != nil {
		return Response{}, p.loadErr
	}

	text, err := p.model.Transcribe(ctx, wavPath)
	if err != nil {
		return Response{}, err
	}
	return Response{Text: text}, nil
}
