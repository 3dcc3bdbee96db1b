package recorder

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeHandoff struct {
	mu       sync.Mutex
	finalOK  []int64
	finalErr []int64
}

func (f *fakeHandoff) AudioFinalized(eventID int64, wavPath, oggPath string, durationSec float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalOK = append(f.finalOK, eventID)
}

func (f *fakeHandoff) AudioFailed(eventID int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalErr = append(f.finalErr, eventID)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		AudioDir:         t.TempDir(),
		FFmpegPath:       "ffmpeg-does-not-exist-in-test-env",
		InputSampleRate:  171000,
		OutputSampleRate: 16000,
		MaxRecordingSec:  600,
		MinDurationSec:   2,
	}
}

func TestRecorderBusyOnDoubleStart(t *testing.T) {
	r := New("C201", testConfig(t), &fakeHandoff{}, nil, zerolog.Nop())
	if err := r.Start(1); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := r.Start(2); err == nil {
		t.Fatal("expected RecorderBusy on second Start")
	}
}

func TestRecorderDiscardsBelowMinDuration(t *testing.T) {
	h := &fakeHandoff{}
	r := New("C201", testConfig(t), h, nil, zerolog.Nop())
	if err := r.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Feed(make([]byte, 171000*2/10)) // ~0.1s of PCM, well under 2s min
	r.Stop()

	deadline := time.After(500 * time.Millisecond)
	for r.State() != Idle {
		select {
		case <-deadline:
			t.Fatal("recorder never returned to Idle")
		case <-time.After(5 * time.Millisecond):
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.finalOK) != 0 || len(h.finalErr) != 0 {
		t.Errorf("expected no handoff callbacks for a discarded recording, got ok=%v err=%v", h.finalOK, h.finalErr)
	}
}

func TestRecorderFeedAfterStopIsNoop(t *testing.T) {
	r := New("C201", testConfig(t), &fakeHandoff{}, nil, zerolog.Nop())
	if r.IsRecording() {
		t.Fatal("IsRecording true before Start")
	}
	r.Feed([]byte{1, 2, 3, 4}) // must not panic or accumulate with no active recording
	if r.IsRecording() {
		t.Fatal("IsRecording true after feeding an idle recorder")
	}
}

func TestRecorderCappedInvokesOnCapped(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRecordingSec = 1

	var cappedID int64 = -1
	var mu sync.Mutex
	onCapped := func(eventID int64) {
		mu.Lock()
		defer mu.Unlock()
		cappedID = eventID
	}

	r := New("C201", cfg, &fakeHandoff{}, onCapped, zerolog.Nop())
	if err := r.Start(42); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Backdate startedAt so the very next Feed looks like it's already
	// past MaxRecordingSec, without sleeping in the test.
	r.mu.Lock()
	r.startedAt = time.Now().Add(-2 * time.Second)
	r.mu.Unlock()

	r.Feed(make([]byte, 171000*2*3)) // 3s of silence, well over MinDurationSec

	deadline := time.After(500 * time.Millisecond)
	for r.State() != Idle {
		select {
		case <-deadline:
			t.Fatal("recorder never returned to Idle after cap")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if cappedID != 42 {
		t.Errorf("expected onCapped(42), got %d", cappedID)
	}
}

func TestResampleLengthMatchesRatio(t *testing.T) {
	in := make([]int16, 171000) // 1 second at 171kHz
	for i := range in {
		in[i] = int16(i % 1000)
	}
	out := polyphaseResample(in, resampleUp, resampleDown)
	want := len(in) * resampleUp / resampleDown // ~16000
	if out == nil || abs(len(out)-want) > 2 {
		t.Errorf("len(resampled) = %d, want ~%d", len(out), want)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
