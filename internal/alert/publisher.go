// Package alert implements the transcription-gated MQTT/console alert
// publisher (spec.md §4.8): a single-stage hold-and-release per event,
// continuous per-field RDS topics, and the retained transcription topic.
// Grounded on the teacher's one-off-goroutine-per-job shape
// (internal/transcribe/worker.go's finalize task) generalized to a
// per-event wait-with-timeout instead of a queue.
package alert

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rds-monitor/internal/rules"
)

// MQTTPublisher is the outbound MQTT surface the publisher needs.
// internal/mqttclient.Client implements this.
type MQTTPublisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// ConsolePublisher forwards the same messages to the live WS console
// (spec.md §6 "WS /ws/console ... topics include alert, transcription").
type ConsolePublisher interface {
	Publish(topic string, payload any)
}

// Options configures a Publisher.
type Options struct {
	MQTT        MQTTPublisher
	Console     ConsolePublisher // optional
	TopicPrefix string           // default "rds"
	HoldTimeout time.Duration    // default 120s, spec.md §4.8
	Log         zerolog.Logger
}

type pendingAlert struct {
	mu         sync.Mutex
	ev         rules.NewEvent
	endedAt    time.Time
	radiotexts []string

	audioAvailable bool
	status         string // "", then done/error once known
	text           string
	language       string

	release  chan struct{}
	released bool
}

func (p *pendingAlert) releaseOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.released {
		p.released = true
		close(p.release)
	}
}

// Publisher drives the alert hold-and-release gate and the continuous
// per-field topics. It implements rules.AlertGate and rules.Broadcaster;
// its ReceiveTranscriptionResult method is wired as a transcribe.ResultHook.
type Publisher struct {
	mqtt    MQTTPublisher
	console ConsolePublisher
	prefix  string
	hold    time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[int64]*pendingAlert

	lastMu   sync.Mutex
	lastSeen map[string]rules.Snapshot // keyed by PI
}

// New creates a Publisher.
func New(opts Options) *Publisher {
	prefix := opts.TopicPrefix
	if prefix == "" {
		prefix = "rds"
	}
	hold := opts.HoldTimeout
	if hold <= 0 {
		hold = 120 * time.Second
	}
	return &Publisher{
		mqtt:     opts.MQTT,
		console:  opts.Console,
		prefix:   prefix,
		hold:     hold,
		log:      opts.Log.With().Str("component", "alert").Logger(),
		pending:  make(map[int64]*pendingAlert),
		lastSeen: make(map[string]rules.Snapshot),
	}
}

// EventOpened implements rules.AlertGate. Only eon_traffic events publish
// anything on open — traffic/emergency opens have nothing in the topic
// tree until they end.
func (p *Publisher) EventOpened(eventID int64, ev rules.NewEvent) {
	if ev.Type != rules.EventEON {
		return
	}
	p.publishEON(ev, true)
}

// EventEnded implements rules.AlertGate. traffic/emergency events enter
// the transcription hold-and-release gate; eon_traffic events publish
// immediately with no recording/transcription to wait for.
func (p *Publisher) EventEnded(eventID int64, ev rules.NewEvent, endedAt time.Time, radiotexts []string) {
	if ev.Type == rules.EventEON {
		p.publishEON(ev, false)
		p.publishAlert(ev, endedAt, radiotexts, false, "none", "")
		return
	}

	pending := &pendingAlert{
		ev:         ev,
		endedAt:    endedAt,
		radiotexts: radiotexts,
		release:    make(chan struct{}),
	}
	p.mu.Lock()
	p.pending[eventID] = pending
	p.mu.Unlock()

	go p.runHold(eventID, pending)
}

func (p *Publisher) runHold(eventID int64, pending *pendingAlert) {
	timer := time.NewTimer(p.hold)
	defer timer.Stop()
	select {
	case <-pending.release:
	case <-timer.C:
	}

	p.mu.Lock()
	delete(p.pending, eventID)
	p.mu.Unlock()

	pending.mu.Lock()
	status := pending.status
	text := pending.text
	available := pending.audioAvailable
	pending.mu.Unlock()

	if status == "" {
		status = "timeout"
		text = ""
	}

	p.publishAlert(pending.ev, pending.endedAt, pending.radiotexts, available, status, text)
}

// ReceiveTranscriptionResult is wired as a transcribe.ResultHook: it
// releases a pending hold as soon as the transcription for its event
// reaches a terminal state, instead of always waiting the full
// alert_hold_timeout (spec.md §4.8 step 2).
func (p *Publisher) ReceiveTranscriptionResult(eventID int64, status, text, language string, durationSec float64) {
	p.mu.Lock()
	pending, ok := p.pending[eventID]
	p.mu.Unlock()

	if ok {
		pending.mu.Lock()
		pending.status = status
		pending.text = text
		pending.language = language
		pending.mu.Unlock()
		pending.releaseOnce()
	}

	if status == "done" && text != "" {
		p.publishTranscriptionTopic(eventID, pendingEventOrZero(pending), text, language, durationSec)
	}
}

func pendingEventOrZero(p *pendingAlert) rules.NewEvent {
	if p == nil {
		return rules.NewEvent{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ev
}

// MarkAudioAvailable records that the recorder finalized audio for
// eventID before the alert hold released, so the eventual payload's
// audio_available field reflects it. The supervisor's recorder.Handoff
// wrapper calls this from AudioFinalized.
func (p *Publisher) MarkAudioAvailable(eventID int64) {
	p.mu.Lock()
	pending, ok := p.pending[eventID]
	p.mu.Unlock()
	if !ok {
		return
	}
	pending.mu.Lock()
	pending.audioAvailable = true
	pending.mu.Unlock()
}

// StationUpdated implements rules.Broadcaster: publishes the continuous
// per-field retained topics (spec.md §6) only for fields that actually
// changed since the last snapshot of this station.
func (p *Publisher) StationUpdated(snap rules.Snapshot) {
	if snap.PI == "" {
		return
	}
	p.lastMu.Lock()
	prev, seen := p.lastSeen[snap.PI]
	p.lastSeen[snap.PI] = snap
	p.lastMu.Unlock()

	now := time.Now().UTC()
	if !seen || prev.TA != snap.TA {
		p.publishJSON(fmt.Sprintf("%s/%s/traffic/ta", p.prefix, snap.PI), map[string]any{
			"active": snap.TA, "timestamp": now,
		}, true)
	}
	if !seen || prev.TP != snap.TP {
		p.publishJSON(fmt.Sprintf("%s/%s/traffic/tp", p.prefix, snap.PI), snap.TP, true)
	}
	if !seen || prev.RadioText != snap.RadioText {
		p.publishJSON(fmt.Sprintf("%s/%s/programme/rt", p.prefix, snap.PI), map[string]any{
			"radiotext": snap.RadioText,
		}, true)
	}
	if !seen || prev.ProgType != snap.ProgType {
		p.publishJSON(fmt.Sprintf("%s/%s/station/pty", p.prefix, snap.PI), snap.ProgType, true)
	}
}

func (p *Publisher) publishEON(ev rules.NewEvent, active bool) {
	topic := fmt.Sprintf("%s/%s/eon/%s/ta", p.prefix, ev.StationPI, ev.OtherPI)
	p.publishJSON(topic, active, false)
}

func (p *Publisher) publishTranscriptionTopic(eventID int64, ev rules.NewEvent, text, language string, durationSec float64) {
	topic := fmt.Sprintf("%s/%s/%s/transcription", p.prefix, ev.StationPI, string(ev.Type))
	p.publishJSON(topic, map[string]any{
		"event_id":     eventID,
		"transcription": text,
		"language":     language,
		"duration_sec": durationSec,
	}, true)
}

func eventTypeLabel(t rules.EventType) string {
	switch t {
	case rules.EventTraffic:
		return "traffic_announcement"
	case rules.EventEmergency:
		return "emergency_broadcast"
	case rules.EventEON:
		return "eon_traffic"
	default:
		return string(t)
	}
}

func (p *Publisher) publishAlert(ev rules.NewEvent, endedAt time.Time, radiotexts []string, audioAvailable bool, status, text string) {
	var transcribedText any
	if text != "" {
		transcribedText = text
	}
	payload := map[string]any{
		"event_type":           eventTypeLabel(ev.Type),
		"state":                "end",
		"transcribed_text":     transcribedText,
		"transcription_status": status,
		"station": map[string]any{
			"pi": ev.StationPI, "ps": ev.StationPS, "frequency": ev.FrequencyHz,
		},
		"duration_sec":   endedAt.Sub(ev.StartedAt).Seconds(),
		"radiotext":      radiotexts,
		"audio_available": audioAvailable,
		"timestamp":      endedAt.Format(time.RFC3339),
	}
	p.publishJSON(p.prefix+"/alert", payload, false)
	if p.console != nil {
		p.console.Publish("alert", payload)
	}
}

func (p *Publisher) publishJSON(topic string, v any, retained bool) {
	body, err := json.Marshal(v)
	if err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("failed to marshal mqtt payload")
		return
	}
	if p.mqtt == nil {
		return
	}
	if err := p.mqtt.Publish(topic, body, retained); err != nil {
		p.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
	}
}

// Close releases every in-flight alert hold at once, for shutdown
// (spec.md §5 cooperative shutdown cascade): each released hold publishes
// its alert immediately with the transcription outcome known so far
// ("timeout" when none has arrived).
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pending := range p.pending {
		pending.releaseOnce()
	}
}
