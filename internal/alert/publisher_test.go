package alert

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rds-monitor/internal/rules"
)

type publishedMsg struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeMQTT struct {
	mu   sync.Mutex
	msgs []publishedMsg
}

func (f *fakeMQTT) Publish(topic string, payload []byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, publishedMsg{topic, payload, retained})
	return nil
}

func (f *fakeMQTT) find(topic string) (publishedMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].topic == topic {
			return f.msgs[i], true
		}
	}
	return publishedMsg{}, false
}

func waitForMsg(t *testing.T, mqtt *fakeMQTT, topic string) publishedMsg {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m, ok := mqtt.find(topic); ok {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no message published on topic %q", topic)
	return publishedMsg{}
}

func TestPublisherStationUpdatedOnlyOnChange(t *testing.T) {
	mqtt := &fakeMQTT{}
	p := New(Options{MQTT: mqtt, Log: zerolog.Nop()})

	snap := rules.Snapshot{PI: "SE01", TA: false, TP: true, RadioText: "hello", ProgType: "Pop"}
	p.StationUpdated(snap)
	firstCount := len(mqtt.msgs)
	if firstCount == 0 {
		t.Fatal("expected initial snapshot to publish all four fields")
	}

	p.StationUpdated(snap) // identical snapshot, nothing should change
	if len(mqtt.msgs) != firstCount {
		t.Errorf("expected no additional publishes for unchanged snapshot, got %d new", len(mqtt.msgs)-firstCount)
	}

	snap.TA = true
	p.StationUpdated(snap)
	msg := waitForMsg(t, mqtt, "rds/SE01/traffic/ta")
	if !msg.retained {
		t.Error("expected traffic/ta to be retained")
	}
	var body map[string]any
	if err := json.Unmarshal(msg.payload, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["active"] != true {
		t.Errorf("expected active=true, got %v", body["active"])
	}
}

func TestPublisherAlertHoldReleasesOnTranscription(t *testing.T) {
	mqtt := &fakeMQTT{}
	p := New(Options{MQTT: mqtt, HoldTimeout: 5 * time.Second, Log: zerolog.Nop()})

	started := time.Now().Add(-10 * time.Second)
	ev := rules.NewEvent{Type: rules.EventTraffic, Severity: rules.SeverityWarning, StationPI: "SE01", StationPS: "P4", FrequencyHz: 103_300_000, StartedAt: started}
	p.EventEnded(1, ev, time.Now(), []string{"trafikolycka"})

	// Resolve the transcription quickly instead of waiting the 5s hold.
	p.ReceiveTranscriptionResult(1, "done", "trafikolycka pa E4", "sv", 1.2)

	msg := waitForMsg(t, mqtt, "rds/alert")
	var body map[string]any
	if err := json.Unmarshal(msg.payload, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["transcription_status"] != "done" {
		t.Errorf("expected transcription_status=done, got %v", body["transcription_status"])
	}
	if body["transcribed_text"] != "trafikolycka pa E4" {
		t.Errorf("expected transcribed_text populated, got %v", body["transcribed_text"])
	}
	if body["event_type"] != "traffic_announcement" {
		t.Errorf("expected event_type=traffic_announcement, got %v", body["event_type"])
	}

	transcriptionMsg := waitForMsg(t, mqtt, "rds/SE01/traffic/transcription")
	if !transcriptionMsg.retained {
		t.Error("expected transcription topic to be retained")
	}
}

func TestPublisherAlertHoldTimesOut(t *testing.T) {
	mqtt := &fakeMQTT{}
	p := New(Options{MQTT: mqtt, HoldTimeout: 30 * time.Millisecond, Log: zerolog.Nop()})

	ev := rules.NewEvent{Type: rules.EventEmergency, Severity: rules.SeverityCritical, StationPI: "SE02", StartedAt: time.Now()}
	p.EventEnded(2, ev, time.Now(), nil)

	msg := waitForMsg(t, mqtt, "rds/alert")
	var body map[string]any
	if err := json.Unmarshal(msg.payload, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["transcription_status"] != "timeout" {
		t.Errorf("expected transcription_status=timeout, got %v", body["transcription_status"])
	}
	if body["transcribed_text"] != nil {
		t.Errorf("expected transcribed_text=null on timeout, got %v", body["transcribed_text"])
	}
}

func TestPublisherEONPublishesImmediatelyNoHold(t *testing.T) {
	mqtt := &fakeMQTT{}
	p := New(Options{MQTT: mqtt, HoldTimeout: time.Minute, Log: zerolog.Nop()})

	ev := rules.NewEvent{Type: rules.EventEON, Severity: rules.SeverityInfo, StationPI: "SE01", OtherPI: "SE09", StartedAt: time.Now()}
	p.EventOpened(3, ev)
	openMsg := waitForMsg(t, mqtt, "rds/SE01/eon/SE09/ta")
	var openVal bool
	if err := json.Unmarshal(openMsg.payload, &openVal); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !openVal {
		t.Error("expected eon ta=true on open")
	}

	p.EventEnded(3, ev, time.Now(), nil)
	// Should publish the alert right away, not wait out the 1-minute hold.
	msg := waitForMsg(t, mqtt, "rds/alert")
	var body map[string]any
	if err := json.Unmarshal(msg.payload, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["event_type"] != "eon_traffic" {
		t.Errorf("expected event_type=eon_traffic, got %v", body["event_type"])
	}
}
