package rds

import (
	"testing"
)

func TestParseLineBasicFields(t *testing.T) {
	line := []byte(`{"pi":"C201","group":"0A","ps":"P4 Stockh","ps_segment":1,"ta":false,"tp":true,"prog_type":"Varied"}`)
	g, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if g.PI != "C201" {
		t.Errorf("PI = %q, want C201", g.PI)
	}
	if !g.HasPS || g.PS != "P4 Stockh" {
		t.Errorf("PS = %q (has=%v), want P4 Stockh", g.PS, g.HasPS)
	}
	if g.TA == nil || *g.TA != false {
		t.Errorf("TA = %v, want false", g.TA)
	}
	if g.TP == nil || *g.TP != true {
		t.Errorf("TP = %v, want true", g.TP)
	}
	if !g.HasProgType || g.ProgType != "Varied" {
		t.Errorf("ProgType = %q, want Varied", g.ProgType)
	}
	if g.IsAlarm() {
		t.Error("IsAlarm() = true, want false")
	}
}

func TestParseLineAlarm(t *testing.T) {
	line := []byte(`{"pi":"C201","group":"0A","prog_type":"Alarm"}`)
	g, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if !g.IsAlarm() {
		t.Error("IsAlarm() = false, want true")
	}
}

func TestParseLineRadioText(t *testing.T) {
	line := []byte(`{"pi":"C201","group":"2A","radiotext":"Traffic delays on E4 northbound"}`)
	g, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if !g.HasRadioText || g.RadioText != "Traffic delays on E4 northbound" {
		t.Errorf("RadioText = %q, want the full text", g.RadioText)
	}
}

func TestParseLineEON(t *testing.T) {
	line := []byte(`{"pi":"C201","group":"14A","other_network":{"pi":"C202","ps":"P3 Sveri","ta":true}}`)
	g, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if g.OtherNetwork == nil {
		t.Fatal("OtherNetwork = nil, want non-nil")
	}
	if g.OtherNetwork.PI != "C202" {
		t.Errorf("OtherNetwork.PI = %q, want C202", g.OtherNetwork.PI)
	}
	if g.OtherNetwork.TA == nil || !*g.OtherNetwork.TA {
		t.Error("OtherNetwork.TA = false/nil, want true")
	}
}

func TestParseLineRTPlus(t *testing.T) {
	line := []byte(`{"pi":"C201","group":"11A","radiotext_plus":{"artist":"ABBA","title":"Dancing Queen"}}`)
	g, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if g.RTPlus == nil || g.RTPlus.Artist != "ABBA" || g.RTPlus.Title != "Dancing Queen" {
		t.Errorf("RTPlus = %+v, want ABBA/Dancing Queen", g.RTPlus)
	}
}

func TestParseLineRawFallthrough(t *testing.T) {
	line := []byte(`{"pi":"C201","group":"13A","some_unhandled_field":42}`)
	g, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if v, ok := g.Raw["some_unhandled_field"]; !ok || v.(float64) != 42 {
		t.Errorf("Raw[some_unhandled_field] = %v, want 42", v)
	}
}

func TestParseLineRejectsMissingFields(t *testing.T) {
	cases := []string{
		`{"group":"0A"}`,
		`{"pi":"C201"}`,
		`not json at all`,
		``,
	}
	for _, line := range cases {
		if _, err := ParseLine([]byte(line)); err == nil {
			t.Errorf("ParseLine(%q) = nil error, want error", line)
		}
	}
}

func TestParseLineClockTime(t *testing.T) {
	line := []byte(`{"pi":"C201","group":"4A","clock_time":"2026-07-30T14:05:00+02:00"}`)
	g, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if g.ClockTime == nil {
		t.Fatal("ClockTime = nil, want non-nil")
	}
	if g.ClockTime.Hour() != 14 {
		t.Errorf("ClockTime.Hour() = %d, want 14", g.ClockTime.Hour())
	}
}
