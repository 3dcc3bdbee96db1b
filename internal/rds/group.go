// Package rds models the line-delimited JSON emitted by the external RDS
// decoder subprocess (redsea) as a tagged union keyed on the "group" field,
// with an Unknown fallthrough variant carrying the untyped payload. This
// keeps the rules engine exhaustive over known group types without
// resorting to reflection over field names (spec §9).
package rds

import (
	"encoding/json"
	"fmt"
	"time"
)

// OtherNetwork carries the EON (14A) linked-station fields.
type OtherNetwork struct {
	PI string `json:"pi"`
	PS string `json:"ps"`
	TA *bool  `json:"ta"`
}

// rawLine is the wire shape emitted by redsea, one object per line.
type rawLine struct {
	PI              string        `json:"pi"`
	Group           string        `json:"group"`
	PS              *string       `json:"ps"`
	PSSegment       *int          `json:"ps_segment"`
	TA              *bool         `json:"ta"`
	TP              *bool         `json:"tp"`
	ProgType        *string       `json:"prog_type"`
	RadioText       *string       `json:"radiotext"`
	PartialRT       *string       `json:"partial_radiotext"`
	OtherNetwork    *OtherNetwork `json:"other_network"`
	ClockTime       *string       `json:"clock_time"`
	PTYN            *string       `json:"ptyn"`
	PIN             *string       `json:"pin"`
	ECC             *string       `json:"ecc"`
	RadioTextPlus   *RTPlusTags   `json:"radiotext_plus"`
}

// RTPlusTags carries a best-effort RadioText-Plus parse (artist/title) of an
// 11A group. See spec §9 Open Question (b) — this implements the
// fixed-AID, best-effort option rather than strict ODA-conditioned parsing.
type RTPlusTags struct {
	Artist string `json:"artist"`
	Title  string `json:"title"`
}

// DecodedGroup is a single parsed RDS group: the teacher's "one JSON object,
// one struct" style (internal/ingest/messages.go) generalized into a tagged
// union over group type, with Raw always available for group types this
// system doesn't special-case.
type DecodedGroup struct {
	PI        string
	GroupType string
	Timestamp time.Time
	Raw       map[string]any

	PS            string
	PSSegment     int
	HasPS         bool
	TA            *bool
	TP            *bool
	ProgType      string
	HasProgType   bool
	RadioText     string
	HasRadioText  bool
	PartialRT     string
	OtherNetwork  *OtherNetwork
	ClockTime     *time.Time
	PTYN          string
	RTPlus        *RTPlusTags
}

// ParseLine decodes one line of redsea's line-delimited JSON output.
// Malformed lines return a non-nil error; the caller (the decoder-stdout
// reader task) counts and discards these per spec §4.5 step 2.
func ParseLine(line []byte) (DecodedGroup, error) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return DecodedGroup{}, fmt.Errorf("parse rds line: %w", err)
	}
	if raw.PI == "" || raw.Group == "" {
		return DecodedGroup{}, fmt.Errorf("parse rds line: missing pi or group field")
	}

	var rawMap map[string]any
	_ = json.Unmarshal(line, &rawMap)

	dg := DecodedGroup{
		PI:        raw.PI,
		GroupType: raw.Group,
		Timestamp: time.Now().UTC(),
		Raw:       rawMap,
		TA:        raw.TA,
		TP:        raw.TP,
		PartialRT: derefStr(raw.PartialRT),
		OtherNetwork: raw.OtherNetwork,
		RTPlus:       raw.RadioTextPlus,
	}
	if raw.PS != nil {
		dg.PS = *raw.PS
		dg.HasPS = true
	}
	if raw.PSSegment != nil {
		dg.PSSegment = *raw.PSSegment
	}
	if raw.ProgType != nil {
		dg.ProgType = *raw.ProgType
		dg.HasProgType = true
	}
	if raw.RadioText != nil {
		dg.RadioText = *raw.RadioText
		dg.HasRadioText = true
	}
	if raw.PTYN != nil {
		dg.PTYN = *raw.PTYN
	}
	if raw.ClockTime != nil {
		if t, err := time.Parse(time.RFC3339, *raw.ClockTime); err == nil {
			dg.ClockTime = &t
		}
	}
	return dg, nil
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// IsAlarm reports whether the decoded programme type is the emergency
// broadcast code (PTY=31, "Alarm" in redsea's string table).
func (g DecodedGroup) IsAlarm() bool {
	return g.HasProgType && g.ProgType == "Alarm"
}
