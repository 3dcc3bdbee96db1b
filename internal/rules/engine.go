package rules

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rds-monitor/internal/metrics"
	"github.com/snarg/rds-monitor/internal/rds"
)

// EventType classifies a lifecycle event (spec.md §3).
type EventType string

const (
	EventTraffic   EventType = "traffic"
	EventEmergency EventType = "emergency"
	EventEON       EventType = "eon_traffic"
)

// Severity classifies how an event should be surfaced (spec.md §3).
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// eonTimeout is how long an EON-linked TA flag may go unseen before the
// synthesized eon_traffic event is closed (spec.md §4.6).
const eonTimeout = 120 * time.Second

// NewEvent is the data needed to open a lifecycle event. Defined here
// (rather than imported from internal/store) so internal/rules has no
// dependency on the storage layer — internal/store implements EventStore
// against this shape instead.
type NewEvent struct {
	Type        EventType
	Severity    Severity
	StationPI   string
	StationPS   string
	FrequencyHz int64
	StartedAt   time.Time
	PTY         string
	OtherPI     string // set for eon_traffic events
}

// EventStore is the event-store surface the engine needs to drive the
// lifecycle. internal/store.Store implements this.
type EventStore interface {
	InsertEvent(ctx context.Context, ev NewEvent) (int64, error)
	AppendRadiotext(ctx context.Context, eventID int64, text string)
	EndEvent(ctx context.Context, eventID int64, endedAt time.Time)
}

// RecorderControl is the per-station audio recorder surface the engine
// drives as events open and close. internal/recorder.Recorder implements
// this.
type RecorderControl interface {
	Start(eventID int64) error
	Stop()
}

// AlertGate receives lifecycle notifications for outbound alerting
// (internal/alert implements this against the hold-then-release gate).
type AlertGate interface {
	EventOpened(eventID int64, ev NewEvent)
	EventEnded(eventID int64, ev NewEvent, endedAt time.Time, radiotexts []string)
}

// Broadcaster receives continuous per-field station updates for the live
// console / MQTT topic tree (spec.md §6).
type Broadcaster interface {
	StationUpdated(snap Snapshot)
}

// Engine drives the per-station RDS group -> event lifecycle state
// machine. One Engine instance owns every monitored frequency.
type Engine struct {
	mu       sync.Mutex
	stations map[int64]*Station

	store   EventStore
	alert   AlertGate
	bcast   Broadcaster
	log     zerolog.Logger
}

// Options configures a new Engine.
type Options struct {
	Store       EventStore
	Alert       AlertGate
	Broadcaster Broadcaster
	Log         zerolog.Logger
}

// New creates an Engine with no stations registered. Call Register for
// each monitored frequency before feeding groups.
func New(opts Options) *Engine {
	return &Engine{
		stations: make(map[int64]*Station),
		store:    opts.Store,
		alert:    opts.Alert,
		bcast:    opts.Broadcaster,
		log:      opts.Log.With().Str("component", "rules").Logger(),
	}
}

// Register adds a monitored frequency, wiring it to the recorder that
// will be started/stopped for events on that frequency. Calling Register
// again for a frequency already tracked (the supervisor does this on every
// pipeline restart, spec.md §4.5) rebinds the existing Station to the new
// recorder instance instead of replacing the Station outright — a Station
// exists for the process lifetime (spec.md §3), so any active event's
// bookkeeping (activeTraffic/activeEmergency/eon, PI stability counters)
// must survive a restart of the underlying capture pipeline.
func (e *Engine) Register(freqHz int64, recorder RecorderControl) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.stations[freqHz]; ok {
		st.mu.Lock()
		st.recorder = recorder
		st.mu.Unlock()
		return
	}
	e.stations[freqHz] = newStation(freqHz, recorder)
}

// Snapshot returns the current read-only view of one monitored frequency.
func (e *Engine) Snapshot(freqHz int64) (Snapshot, bool) {
	e.mu.Lock()
	st, ok := e.stations[freqHz]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return st.Snapshot(), true
}

// Snapshots returns the current read-only view of every monitored
// frequency, for /api/status.
func (e *Engine) Snapshots() []Snapshot {
	e.mu.Lock()
	stations := make([]*Station, 0, len(e.stations))
	for _, st := range e.stations {
		stations = append(stations, st)
	}
	e.mu.Unlock()
	out := make([]Snapshot, len(stations))
	for i, st := range stations {
		out[i] = st.Snapshot()
	}
	return out
}

// Process applies one decoded RDS group to the frequency it arrived on,
// driving event-lifecycle transitions per spec.md §4.6. Safe for
// concurrent calls across distinct frequencies; serialized per frequency.
func (e *Engine) Process(ctx context.Context, freqHz int64, g rds.DecodedGroup) {
	e.mu.Lock()
	st, ok := e.stations[freqHz]
	e.mu.Unlock()
	if !ok {
		e.log.Warn().Int64("freq_hz", freqHz).Msg("decoded group for unregistered frequency, dropping")
		return
	}

	st.mu.Lock()
	now := g.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	piGlitch := st.recordGroup(now, g.PI)
	if g.HasPS {
		st.ps = g.PS
	}
	if g.HasProgType {
		st.progType = g.ProgType
	}
	if g.TP != nil {
		st.tp = *g.TP
	}
	if g.RTPlus != nil {
		st.nowArtist, st.nowTitle = g.RTPlus.Artist, g.RTPlus.Title
	} else if artist, title, ok := bestEffortRTPlus(g.RadioText); ok {
		st.nowArtist, st.nowTitle = artist, title
	}

	// Edge policy (spec.md §4.6): a PI change mid-event ends the active
	// event immediately at the last known timestamp; no new event opens
	// until the new PI has been stable for piStableThreshold groups.
	if piGlitch {
		if st.activeTraffic != nil {
			e.endActiveLocked(ctx, st, &st.activeTraffic, EventTraffic, now)
		}
		if st.activeEmergency != nil {
			e.endActiveLocked(ctx, st, &st.activeEmergency, EventEmergency, now)
		}
	}

	var taTransition, alarmTransition bool
	var taOpened, taClosed bool
	if g.TA != nil && *g.TA != st.ta {
		st.ta = *g.TA
		taTransition = true
		taOpened = st.ta
		taClosed = !st.ta
	}

	wasAlarm := st.activeEmergency != nil
	isAlarm := g.IsAlarm()
	alarmTransition = isAlarm != wasAlarm
	_ = alarmTransition

	var radiotextUpdated bool
	if g.HasRadioText && g.RadioText != st.radiotext {
		st.radiotext = g.RadioText
		radiotextUpdated = true
	}

	// --- PTY=Alarm takes priority: opens an emergency event, preempting
	// any in-flight traffic event on the same station (spec.md §4.6). ---
	if isAlarm && st.activeEmergency == nil && !piGlitch {
		if st.activeTraffic != nil {
			e.endActiveLocked(ctx, st, &st.activeTraffic, EventTraffic, now)
		}
		e.openActiveLocked(ctx, st, &st.activeEmergency, EventEmergency, SeverityCritical, now, st.progType)
	} else if !isAlarm && st.activeEmergency != nil {
		e.endActiveLocked(ctx, st, &st.activeEmergency, EventEmergency, now)
	}

	// --- TA open/close drives a traffic event, unless an emergency event
	// already owns this station's recorder (spec.md §4.6 priority order). ---
	if taTransition && taOpened && st.activeTraffic == nil && st.activeEmergency == nil && !piGlitch {
		e.openActiveLocked(ctx, st, &st.activeTraffic, EventTraffic, SeverityWarning, now, st.progType)
	} else if taTransition && taClosed && st.activeTraffic != nil {
		e.endActiveLocked(ctx, st, &st.activeTraffic, EventTraffic, now)
	}

	if radiotextUpdated {
		e.appendRadiotextLocked(ctx, st.activeTraffic, g.RadioText)
		e.appendRadiotextLocked(ctx, st.activeEmergency, g.RadioText)
	}

	// --- 14A EON: synthesize/refresh an eon_traffic event per linked PI
	// while its TA flag is set; close it after eonTimeout of silence. ---
	if g.OtherNetwork != nil && g.OtherNetwork.PI != "" {
		e.processEONLocked(ctx, st, g.OtherNetwork, now)
	}

	st.mu.Unlock()
	// Snapshot takes its own read lock, so it runs after st.mu is released.
	snap := st.Snapshot()

	if e.bcast != nil {
		e.bcast.StationUpdated(snap)
	}
}

// openActiveLocked opens a new lifecycle event and starts the station's
// recorder. Caller holds st.mu.
func (e *Engine) openActiveLocked(ctx context.Context, st *Station, slot **activeEvent, typ EventType, sev Severity, now time.Time, pty string) {
	ev := NewEvent{
		Type:        typ,
		Severity:    sev,
		StationPI:   st.pi,
		StationPS:   st.ps,
		FrequencyHz: st.freqHz,
		StartedAt:   now,
		PTY:         pty,
	}
	var id int64
	if e.store != nil {
		var err error
		id, err = e.store.InsertEvent(ctx, ev)
		if err != nil {
			e.log.Error().Err(err).Str("type", string(typ)).Msg("failed to insert event, lifecycle tracked locally only")
		}
	}
	*slot = &activeEvent{eventID: id, startedAt: now}
	if st.recorder != nil {
		if err := st.recorder.Start(id); err != nil {
			e.log.Warn().Err(err).Int64("event_id", id).Msg("failed to start recorder for new event")
		}
	}
	if e.alert != nil {
		e.alert.EventOpened(id, ev)
	}
	metrics.EventsOpenedTotal.WithLabelValues(string(typ)).Inc()
	e.log.Info().Str("type", string(typ)).Int64("event_id", id).Str("pi", st.pi).Msg("event opened")
}

// endActiveLocked ends the in-flight event in *slot and stops the
// recorder if no other active event still needs it. Caller holds st.mu.
func (e *Engine) endActiveLocked(ctx context.Context, st *Station, slot **activeEvent, typ EventType, now time.Time) {
	ev := *slot
	if ev == nil {
		return
	}
	*slot = nil
	if e.store != nil {
		e.store.EndEvent(ctx, ev.eventID, now)
	}
	if st.activeTraffic == nil && st.activeEmergency == nil && st.recorder != nil {
		st.recorder.Stop()
	}
	if e.alert != nil {
		e.alert.EventEnded(ev.eventID, NewEvent{
			Type:        typ,
			StationPI:   st.pi,
			StationPS:   st.ps,
			FrequencyHz: st.freqHz,
			StartedAt:   ev.startedAt,
		}, now, ev.radiotexts)
	}
	metrics.EventsEndedTotal.WithLabelValues(string(typ)).Inc()
	e.log.Info().Str("type", string(typ)).Int64("event_id", ev.eventID).Str("pi", st.pi).Msg("event ended")
}

// appendRadiotextLocked records a new radiotext snapshot against an
// in-flight event, deduped and capped at maxRadiotextSnaps (spec.md §3).
func (e *Engine) appendRadiotextLocked(ctx context.Context, ev *activeEvent, text string) {
	if ev == nil {
		return
	}
	if ev.appendRadiotextSnapshot(text) && e.store != nil {
		e.store.AppendRadiotext(ctx, ev.eventID, text)
	}
}

// processEONLocked opens, refreshes, or closes a synthesized eon_traffic
// event for one linked network's PI. Caller holds st.mu.
func (e *Engine) processEONLocked(ctx context.Context, st *Station, on *rds.OtherNetwork, now time.Time) {
	active := on.TA != nil && *on.TA
	existing, tracked := st.eon[on.PI]

	if active {
		if !tracked {
			var id int64
			ev := NewEvent{
				Type:        EventEON,
				Severity:    SeverityInfo,
				StationPI:   st.pi,
				StationPS:   st.ps,
				FrequencyHz: st.freqHz,
				StartedAt:   now,
				OtherPI:     on.PI,
			}
			if e.store != nil {
				var err error
				id, err = e.store.InsertEvent(ctx, ev)
				if err != nil {
					e.log.Error().Err(err).Str("other_pi", on.PI).Msg("failed to insert eon_traffic event")
				}
			}
			st.eon[on.PI] = &eonState{eventID: id, startedAt: now, lastSeen: now}
			if e.alert != nil {
				e.alert.EventOpened(id, ev)
			}
			metrics.EventsOpenedTotal.WithLabelValues(string(EventEON)).Inc()
			e.log.Info().Int64("event_id", id).Str("other_pi", on.PI).Msg("eon_traffic event opened")
			return
		}
		existing.lastSeen = now
		return
	}

	if tracked {
		e.closeEONLocked(ctx, st, on.PI, now)
	}
}

func (e *Engine) closeEONLocked(ctx context.Context, st *Station, otherPI string, now time.Time) {
	ev, ok := st.eon[otherPI]
	if !ok {
		return
	}
	delete(st.eon, otherPI)
	if e.store != nil {
		e.store.EndEvent(ctx, ev.eventID, now)
	}
	if e.alert != nil {
		e.alert.EventEnded(ev.eventID, NewEvent{
			Type:        EventEON,
			StationPI:   st.pi,
			StationPS:   st.ps,
			FrequencyHz: st.freqHz,
			StartedAt:   ev.startedAt,
			OtherPI:     otherPI,
		}, now, nil)
	}
	metrics.EventsEndedTotal.WithLabelValues(string(EventEON)).Inc()
	e.log.Info().Int64("event_id", ev.eventID).Str("other_pi", otherPI).Msg("eon_traffic event ended (timeout or TA cleared)")
}

// ForceEndActive ends the active traffic/emergency event identified by
// eventID at freqHz without waiting for the RDS field transition that
// would normally trigger it. The recorder calls this (via the
// supervisor's wiring) when it auto-stops a recording after hitting
// MAX_RECORDING_SEC (spec.md §4.6 "...OR recorder hits MAX_RECORDING_SEC").
func (e *Engine) ForceEndActive(ctx context.Context, freqHz int64, eventID int64) {
	e.mu.Lock()
	st, ok := e.stations[freqHz]
	e.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now().UTC()
	if st.activeTraffic != nil && st.activeTraffic.eventID == eventID {
		e.endActiveLocked(ctx, st, &st.activeTraffic, EventTraffic, now)
	} else if st.activeEmergency != nil && st.activeEmergency.eventID == eventID {
		e.endActiveLocked(ctx, st, &st.activeEmergency, EventEmergency, now)
	}
}

// SweepEON closes any eon_traffic events whose linked station has gone
// eonTimeout without a refreshing 14A group. Intended to be called
// periodically (e.g. every 30s) by the supervisor for every registered
// frequency.
func (e *Engine) SweepEON(ctx context.Context) {
	e.mu.Lock()
	stations := make([]*Station, 0, len(e.stations))
	for _, st := range e.stations {
		stations = append(stations, st)
	}
	e.mu.Unlock()

	now := time.Now().UTC()
	for _, st := range stations {
		st.mu.Lock()
		stale := make([]string, 0)
		for pi, ev := range st.eon {
			if now.Sub(ev.lastSeen) > eonTimeout {
				stale = append(stale, pi)
			}
		}
		for _, pi := range stale {
			e.closeEONLocked(ctx, st, pi, now)
		}
		st.mu.Unlock()
	}
}
