package transcribe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeStore struct {
	mu       sync.Mutex
	statuses map[int64]string
	texts    map[int64]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: map[int64]string{}, texts: map[int64]string{}}
}

func (s *fakeStore) UpdateTranscription(ctx context.Context, eventID int64, text, status string, durationSec float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts[eventID] = text
	s.statuses[eventID] = status
}

func (s *fakeStore) UpdateTranscriptionStatus(ctx context.Context, eventID int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[eventID] = status
}

func (s *fakeStore) statusOf(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

type fakeProvider struct {
	text string
	err  error
	name string
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Transcribe(ctx context.Context, wavPath string) (Response, error) {
	if p.err != nil {
		return Response{}, p.err
	}
	return Response{Text: p.text}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestWorkerPoolTranscribesJob(t *testing.T) {
	store := newFakeStore()
	wp := NewWorkerPool(WorkerPoolOptions{
		Store:     store,
		Provider:  &fakeProvider{text: "test av vmasystem", name: "remote"},
		Timeout:   time.Second,
		QueueSize: 4,
		Log:       zerolog.Nop(),
	})
	wp.Start()
	defer wp.Stop()

	wp.Enqueue(Job{EventID: 1, WAVPath: "/tmp/1.wav", EnqueuedAt: time.Now()})
	waitFor(t, func() bool { return store.statusOf(1) == "done" })

	if store.texts[1] != "test av vmasystem" {
		t.Errorf("texts[1] = %q, want verbatim provider text", store.texts[1])
	}
}

func TestWorkerPoolDropsOldestOnOverflow(t *testing.T) {
	store := newFakeStore()
	blocking := make(chan struct{})
	wp := NewWorkerPool(WorkerPoolOptions{
		Store: store,
		Provider: &blockingProvider{gate: blocking},
		Timeout:   5 * time.Second,
		QueueSize: 1,
		Log:       zerolog.Nop(),
	})
	wp.Start()
	defer func() {
		close(blocking)
		wp.Stop()
	}()

	wp.Enqueue(Job{EventID: 1, WAVPath: "/tmp/1.wav"})
	// Give the worker a moment to pop job 1 into processing, then fill and
	// overflow the queue with jobs 2 and 3.
	time.Sleep(20 * time.Millisecond)
	wp.Enqueue(Job{EventID: 2, WAVPath: "/tmp/2.wav"})
	wp.Enqueue(Job{EventID: 3, WAVPath: "/tmp/3.wav"})

	waitFor(t, func() bool { return store.statusOf(2) == "error" })
	if wp.Stats().Dropped == 0 {
		t.Error("expected Dropped > 0 after overflow")
	}
}

type blockingProvider struct {
	gate chan struct{}
}

func (p *blockingProvider) Name() string { return "remote" }
func (p *blockingProvider) Transcribe(ctx context.Context, wavPath string) (Response, error) {
	select {
	case <-p.gate:
	case <-ctx.Done():
	}
	return Response{Text: "done"}, nil
}

func TestWorkerPoolFailureSetsErrorStatus(t *testing.T) {
	store := newFakeStore()
	wp := NewWorkerPool(WorkerPoolOptions{
		Store:     store,
		Provider:  &fakeProvider{err: errTranscribe, name: "remote"},
		Timeout:   time.Second,
		QueueSize: 4,
		Log:       zerolog.Nop(),
	})
	wp.Start()
	defer wp.Stop()

	wp.Enqueue(Job{EventID: 5, WAVPath: "/tmp/5.wav"})
	waitFor(t, func() bool { return store.statusOf(5) == "error" })
}

func TestWorkerPoolInvokesOnResult(t *testing.T) {
	store := newFakeStore()
	var mu sync.Mutex
	var gotStatus, gotText string
	wp := NewWorkerPool(WorkerPoolOptions{
		Store:    store,
		Provider: &fakeProvider{text: "hello", name: "remote"},
		Timeout:  time.Second,
		QueueSize: 4,
		OnResult: func(eventID int64, status, text, language string, durationSec float64) {
			mu.Lock()
			defer mu.Unlock()
			gotStatus, gotText = status, text
		},
		Log: zerolog.Nop(),
	})
	wp.Start()
	defer wp.Stop()

	wp.Enqueue(Job{EventID: 9, WAVPath: "/tmp/9.wav"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotStatus == "done"
	})
	mu.Lock()
	defer mu.Unlock()
	if gotText != "hello" {
		t.Errorf("onResult text = %q, want %q", gotText, "hello")
	}
}

var errTranscribe = &fakeErr{"transcription backend unavailable"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }
