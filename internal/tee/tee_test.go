package tee

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
)

type fakeDecoderSink struct {
	bytes.Buffer
	closed bool
}

func (f *fakeDecoderSink) Close() error {
	f.closed = true
	return nil
}

type fakeRecorder struct {
	recording bool
	fed       [][]byte
	stopped   bool
}

func (f *fakeRecorder) IsRecording() bool { return f.recording }
func (f *fakeRecorder) Feed(chunk []byte) { f.fed = append(f.fed, chunk) }
func (f *fakeRecorder) Stop()             { f.stopped = true; f.recording = false }

func TestTeeAlwaysFeedsDecoder(t *testing.T) {
	decoder := &fakeDecoderSink{}
	rec := &fakeRecorder{recording: false}
	tee := New("C201", decoder, rec, zerolog.Nop())

	src := bytes.NewReader(bytes.Repeat([]byte{0x01, 0x02}, ChunkBytes))
	if err := tee.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if decoder.Len() != ChunkBytes*2 {
		t.Errorf("decoder received %d bytes, want %d", decoder.Len(), ChunkBytes*2)
	}
	if !decoder.closed {
		t.Error("decoder sink not closed on EOF")
	}
	if len(rec.fed) != 0 {
		t.Errorf("recorder fed %d chunks while not recording, want 0", len(rec.fed))
	}
}

func TestTeeFeedsRecorderWhenRecording(t *testing.T) {
	decoder := &fakeDecoderSink{}
	rec := &fakeRecorder{recording: true}
	tee := New("C201", decoder, rec, zerolog.Nop())

	src := bytes.NewReader(bytes.Repeat([]byte{0xAA}, ChunkBytes*3))
	if err := tee.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.fed) == 0 {
		t.Error("expected recorder to receive chunks while recording")
	}
	total := 0
	for _, c := range rec.fed {
		total += len(c)
	}
	if total != ChunkBytes*3 {
		t.Errorf("recorder received %d bytes total, want %d", total, ChunkBytes*3)
	}
}

func TestTeePreservesOrder(t *testing.T) {
	decoder := &fakeDecoderSink{}
	rec := &fakeRecorder{}
	tee := New("C201", decoder, rec, zerolog.Nop())

	var want bytes.Buffer
	for i := 0; i < 5; i++ {
		want.Write(bytes.Repeat([]byte{byte(i)}, 100))
	}
	src := bytes.NewReader(want.Bytes())
	if err := tee.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(decoder.Bytes(), want.Bytes()) {
		t.Error("decoder did not receive chunks in source order")
	}
}

func TestTeeStopsOnContextCancel(t *testing.T) {
	decoder := &fakeDecoderSink{}
	tee := New("C201", decoder, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tee.Run(ctx, io.NopCloser(bytes.NewReader(make([]byte, ChunkBytes))))
	if err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
}

func TestTeeStopsRecorderOnEOF(t *testing.T) {
	decoder := &fakeDecoderSink{}
	rec := &fakeRecorder{recording: true}
	tee := New("C201", decoder, rec, zerolog.Nop())

	src := bytes.NewReader(bytes.Repeat([]byte{0x01}, ChunkBytes))
	if err := tee.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rec.stopped {
		t.Error("expected recorder to be stopped on source EOF")
	}
}

func TestTeeStopsRecorderOnContextCancel(t *testing.T) {
	decoder := &fakeDecoderSink{}
	rec := &fakeRecorder{recording: true}
	tee := New("C201", decoder, rec, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tee.Run(ctx, io.NopCloser(bytes.NewReader(make([]byte, ChunkBytes)))); err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
	if !rec.stopped {
		t.Error("expected recorder to be stopped on ctx cancellation")
	}
}

func TestTeeDoesNotStopRecorderWhenIdle(t *testing.T) {
	decoder := &fakeDecoderSink{}
	rec := &fakeRecorder{recording: false}
	tee := New("C201", decoder, rec, zerolog.Nop())

	src := bytes.NewReader(bytes.Repeat([]byte{0x01}, ChunkBytes))
	if err := tee.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.stopped {
		t.Error("expected Stop not to be called when no recording was in progress")
	}
}
