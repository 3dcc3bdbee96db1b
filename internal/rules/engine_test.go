package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rds-monitor/internal/rds"
)

type fakeEventStore struct {
	mu     sync.Mutex
	nextID int64
	opened []NewEvent
	ended  []int64
	texts  map[int64][]string
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{texts: map[int64][]string{}}
}

func (s *fakeEventStore) InsertEvent(ctx context.Context, ev NewEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.opened = append(s.opened, ev)
	return s.nextID, nil
}

func (s *fakeEventStore) AppendRadiotext(ctx context.Context, eventID int64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts[eventID] = append(s.texts[eventID], text)
}

func (s *fakeEventStore) EndEvent(ctx context.Context, eventID int64, endedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, eventID)
}

type fakeRecorder struct {
	mu      sync.Mutex
	started []int64
	stopped int
}

func (r *fakeRecorder) Start(eventID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, eventID)
	return nil
}

func (r *fakeRecorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
}

type fakeAlertGate struct {
	mu     sync.Mutex
	opened []int64
	ended  []int64
}

func (g *fakeAlertGate) EventOpened(eventID int64, ev NewEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opened = append(g.opened, eventID)
}

func (g *fakeAlertGate) EventEnded(eventID int64, ev NewEvent, endedAt time.Time, radiotexts []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ended = append(g.ended, eventID)
}

func boolPtr(b bool) *bool { return &b }

func newTestEngine(store EventStore, recorder RecorderControl, alert AlertGate) *Engine {
	e := New(Options{Store: store, Alert: alert, Log: zerolog.Nop()})
	e.Register(100_000_000, recorder)
	return e
}

func TestEngineTrafficOpenAndClose(t *testing.T) {
	store := newFakeEventStore()
	rec := &fakeRecorder{}
	alert := &fakeAlertGate{}
	e := newTestEngine(store, rec, alert)
	ctx := context.Background()

	base := rds.DecodedGroup{PI: "SE01", GroupType: "0A", Timestamp: time.Now(), HasPS: true, PS: "P4 STHLM"}

	open := base
	open.TA = boolPtr(true)
	e.Process(ctx, 100_000_000, open)

	if len(store.opened) != 1 {
		t.Fatalf("expected 1 event opened, got %d", len(store.opened))
	}
	if store.opened[0].Type != EventTraffic {
		t.Errorf("expected traffic event, got %s", store.opened[0].Type)
	}
	if len(rec.started) != 1 {
		t.Errorf("expected recorder started once, got %d", len(rec.started))
	}

	close := base
	close.TA = boolPtr(false)
	e.Process(ctx, 100_000_000, close)

	if len(store.ended) != 1 {
		t.Fatalf("expected 1 event ended, got %d", len(store.ended))
	}
	if rec.stopped != 1 {
		t.Errorf("expected recorder stopped once, got %d", rec.stopped)
	}
}

func TestEngineRegisterTwiceRebindsRecorderWithoutOrphaningActiveEvent(t *testing.T) {
	store := newFakeEventStore()
	rec1 := &fakeRecorder{}
	alert := &fakeAlertGate{}
	e := newTestEngine(store, rec1, alert)
	ctx := context.Background()

	base := rds.DecodedGroup{PI: "SE01", GroupType: "0A", Timestamp: time.Now(), HasPS: true, PS: "P4 STHLM"}

	open := base
	open.TA = boolPtr(true)
	e.Process(ctx, 100_000_000, open)
	if len(store.opened) != 1 {
		t.Fatalf("expected 1 event opened, got %d", len(store.opened))
	}
	if len(rec1.started) != 1 {
		t.Fatalf("expected rec1 started once, got %d", len(rec1.started))
	}

	// Supervisor restarts the pipeline (spec.md §4.5) and registers the
	// same frequency again with a fresh recorder for the new process
	// generation — this must rebind the Station in place, not replace it.
	rec2 := &fakeRecorder{}
	e.Register(100_000_000, rec2)

	if len(store.ended) != 0 {
		t.Fatalf("re-registering must not end the in-flight event, got %d ended", len(store.ended))
	}

	close := base
	close.TA = boolPtr(false)
	e.Process(ctx, 100_000_000, close)

	if len(store.ended) != 1 {
		t.Fatalf("expected the pre-existing event to close normally after rebind, got %d ended", len(store.ended))
	}
	if store.ended[0] != 1 {
		t.Errorf("expected the original event id 1 to close, got %d", store.ended[0])
	}
	if rec2.stopped != 1 {
		t.Errorf("expected the new recorder (rec2) to be stopped, got %d", rec2.stopped)
	}
	if rec1.stopped != 0 {
		t.Errorf("expected the old recorder (rec1) not to be touched after rebind, got %d stops", rec1.stopped)
	}
}

func TestEngineAlarmPreemptsTraffic(t *testing.T) {
	store := newFakeEventStore()
	rec := &fakeRecorder{}
	alert := &fakeAlertGate{}
	e := newTestEngine(store, rec, alert)
	ctx := context.Background()

	// Warm up PI stability so TA isn't blocked by the glitch debounce.
	for i := 0; i < piStableThreshold; i++ {
		e.Process(ctx, 100_000_000, rds.DecodedGroup{PI: "SE01", GroupType: "0A", Timestamp: time.Now()})
	}

	trafficOpen := rds.DecodedGroup{PI: "SE01", GroupType: "0A", Timestamp: time.Now(), TA: boolPtr(true)}
	e.Process(ctx, 100_000_000, trafficOpen)
	if len(store.opened) != 1 || store.opened[0].Type != EventTraffic {
		t.Fatalf("expected traffic event opened first")
	}

	alarm := rds.DecodedGroup{PI: "SE01", GroupType: "0A", Timestamp: time.Now(), HasProgType: true, ProgType: "Alarm"}
	e.Process(ctx, 100_000_000, alarm)

	if len(store.opened) != 2 {
		t.Fatalf("expected emergency event opened as second event, got %d opened", len(store.opened))
	}
	if store.opened[1].Type != EventEmergency {
		t.Errorf("expected second event to be emergency, got %s", store.opened[1].Type)
	}
	if len(store.ended) != 1 {
		t.Fatalf("expected the preempted traffic event to be ended, got %d ended", len(store.ended))
	}
	// The preempted traffic event's recording is stopped so it can be
	// finalized, then the recorder is started again for the emergency event.
	if len(rec.started) != 2 {
		t.Errorf("expected recorder started twice (traffic then emergency), got %d", len(rec.started))
	}
	if rec.stopped != 1 {
		t.Errorf("expected recorder stopped once for the preempted traffic event, got %d stops", rec.stopped)
	}
}

func TestEnginePIGlitchDoesNotOpenEvent(t *testing.T) {
	store := newFakeEventStore()
	rec := &fakeRecorder{}
	alert := &fakeAlertGate{}
	e := newTestEngine(store, rec, alert)
	ctx := context.Background()

	for i := 0; i < piStableThreshold; i++ {
		e.Process(ctx, 100_000_000, rds.DecodedGroup{PI: "SE01", GroupType: "0A", Timestamp: time.Now()})
	}

	// A single glitched-PI group with TA set should not open an event —
	// the PI hasn't been stable long enough under the new value.
	glitch := rds.DecodedGroup{PI: "FFFF", GroupType: "0A", Timestamp: time.Now(), TA: boolPtr(true)}
	e.Process(ctx, 100_000_000, glitch)

	if len(store.opened) != 0 {
		t.Errorf("expected no event opened on PI glitch, got %d", len(store.opened))
	}
}

func TestEngineRadiotextDedupAndCap(t *testing.T) {
	store := newFakeEventStore()
	rec := &fakeRecorder{}
	alert := &fakeAlertGate{}
	e := newTestEngine(store, rec, alert)
	ctx := context.Background()

	open := rds.DecodedGroup{PI: "SE01", GroupType: "0A", Timestamp: time.Now(), TA: boolPtr(true)}
	e.Process(ctx, 100_000_000, open)
	id := store.opened[0]
	_ = id

	for i := 0; i < maxRadiotextSnaps+4; i++ {
		g := rds.DecodedGroup{PI: "SE01", GroupType: "2A", Timestamp: time.Now(), HasRadioText: true, RadioText: "same text"}
		e.Process(ctx, 100_000_000, g)
	}
	// Identical text should only ever be recorded once.
	var eventID int64 = 1
	if got := len(store.texts[eventID]); got != 1 {
		t.Errorf("expected 1 deduped radiotext entry, got %d", got)
	}

	for i := 0; i < maxRadiotextSnaps+4; i++ {
		g := rds.DecodedGroup{PI: "SE01", GroupType: "2A", Timestamp: time.Now(), HasRadioText: true,
			RadioText: string(rune('A' + i))}
		e.Process(ctx, 100_000_000, g)
	}
	if got := len(store.texts[eventID]); got != maxRadiotextSnaps {
		t.Errorf("expected radiotext snapshots capped at %d, got %d", maxRadiotextSnaps, got)
	}
}

func TestEngineEONOpenAndTimeoutClose(t *testing.T) {
	store := newFakeEventStore()
	rec := &fakeRecorder{}
	alert := &fakeAlertGate{}
	e := newTestEngine(store, rec, alert)
	ctx := context.Background()

	g := rds.DecodedGroup{
		PI: "SE01", GroupType: "14A", Timestamp: time.Now(),
		OtherNetwork: &rds.OtherNetwork{PI: "SE02", PS: "P3", TA: boolPtr(true)},
	}
	e.Process(ctx, 100_000_000, g)

	if len(store.opened) != 1 || store.opened[0].Type != EventEON {
		t.Fatalf("expected eon_traffic event opened, got %+v", store.opened)
	}

	// Force the sweep to see a stale lastSeen by backdating it directly.
	e.mu.Lock()
	st := e.stations[100_000_000]
	e.mu.Unlock()
	st.mu.Lock()
	for _, ev := range st.eon {
		ev.lastSeen = time.Now().Add(-eonTimeout - time.Second)
	}
	st.mu.Unlock()

	e.SweepEON(ctx)

	if len(store.ended) != 1 {
		t.Errorf("expected eon_traffic event closed by sweep, got %d ended", len(store.ended))
	}
}

func TestEngineUnregisteredFrequencyIgnored(t *testing.T) {
	store := newFakeEventStore()
	e := newTestEngine(store, &fakeRecorder{}, &fakeAlertGate{})
	ctx := context.Background()

	// Should not panic and should not touch the store.
	e.Process(ctx, 999_999_999, rds.DecodedGroup{PI: "SE01", GroupType: "0A", Timestamp: time.Now()})
	if len(store.opened) != 0 {
		t.Errorf("expected no events for unregistered frequency, got %d", len(store.opened))
	}
}
