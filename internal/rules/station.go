// Package rules implements the RDS group -> event lifecycle state machine
// (spec.md §4.6): Station holds one monitored frequency's live state, and
// Engine drives lifecycle transitions as DecodedGroups arrive.
package rules

import (
	"sync"
	"time"
)

const (
	piStableThreshold = 5  // groups a new PI must be seen for before a new event may open
	maxRadiotextSnaps  = 8  // spec.md §3 Event.radiotext cap
	groupRateWindow    = 10 * time.Second
)

// Snapshot is a read-only, fully-copied view of a Station's fields —
// the only way the Web/WS facade is allowed to observe station state,
// matching the teacher's read-lock-then-copy accessor idiom
// (internal/ingest/identity.go's Resolve/cache pattern) instead of handing
// out a live reference (spec.md §9).
type Snapshot struct {
	FreqHz       int64
	PI           string
	PS           string
	LongPS       string
	ProgType     string
	TP           bool
	TA           bool
	RadioText    string
	NowArtist    string
	NowTitle     string
	GroupsPerSec float64
	GroupsTotal  uint64
	UptimeSec    float64
}

// activeEvent tracks the in-flight lifecycle event for one (station, type)
// pair. At most one exists per type per station at any instant
// (spec.md §3 invariant 1).
type activeEvent struct {
	eventID    int64
	startedAt  time.Time
	radiotexts []string
}

// eonState tracks a synthesized eon_traffic event keyed by the other
// network's PI.
type eonState struct {
	eventID   int64
	startedAt time.Time
	lastSeen  time.Time
}

// Station holds one monitored frequency's mutable RDS state. Uniquely
// owned by the Engine; all external reads go through Snapshot.
type Station struct {
	mu sync.RWMutex

	freqHz    int64
	pi        string
	ps        string
	longPS    string
	progType  string
	tp        bool
	ta        bool
	radiotext string
	nowArtist string
	nowTitle  string

	groupsTotal uint64
	groupTimes  []time.Time // trimmed sliding window for groups/sec
	startedAt   time.Time

	piCandidate   string
	piStableCount int

	activeTraffic   *activeEvent
	activeEmergency *activeEvent
	eon             map[string]*eonState

	recorder RecorderControl
}

func newStation(freqHz int64, recorder RecorderControl) *Station {
	return &Station{
		freqHz:    freqHz,
		startedAt: time.Now(),
		eon:       make(map[string]*eonState),
		recorder:  recorder,
	}
}

// Snapshot copies the station's scalar fields under a read lock.
func (s *Station) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		FreqHz:       s.freqHz,
		PI:           s.pi,
		PS:           s.ps,
		LongPS:       s.longPS,
		ProgType:     s.progType,
		TP:           s.tp,
		TA:           s.ta,
		RadioText:    s.radiotext,
		NowArtist:    s.nowArtist,
		NowTitle:     s.nowTitle,
		GroupsPerSec: s.groupsPerSecLocked(time.Now()),
		GroupsTotal:  s.groupsTotal,
		UptimeSec:    time.Since(s.startedAt).Seconds(),
	}
}

func (s *Station) groupsPerSecLocked(now time.Time) float64 {
	count := 0
	cutoff := now.Add(-groupRateWindow)
	for _, t := range s.groupTimes {
		if t.After(cutoff) {
			count++
		}
	}
	return float64(count) / groupRateWindow.Seconds()
}

// recordGroup updates the rate counters and PI-stability debounce. Returns
// true if the PI changed from a previously-known, different PI (a
// hardware-glitch candidate per spec.md §4.6 edge policy).
func (s *Station) recordGroup(now time.Time, pi string) (piChanged bool) {
	s.groupsTotal++
	s.groupTimes = append(s.groupTimes, now)
	cutoff := now.Add(-groupRateWindow)
	trimmed := s.groupTimes[:0]
	for _, t := range s.groupTimes {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	s.groupTimes = trimmed

	if pi == "" {
		return false
	}
	if s.pi == "" {
		s.pi = pi
		s.piCandidate = pi
		s.piStableCount = 1
		return false
	}
	if pi == s.pi {
		s.piCandidate = pi
		s.piStableCount = piStableThreshold // already stable at current PI
		return false
	}
	// pi differs from the station's established PI.
	if pi == s.piCandidate {
		s.piStableCount++
	} else {
		s.piCandidate = pi
		s.piStableCount = 1
	}
	if s.piStableCount >= piStableThreshold {
		s.pi = pi
		return false
	}
	return true
}

// appendRadiotextSnapshot appends text to ev's snapshot list if it is not
// already present and fewer than maxRadiotextSnaps have been recorded.
// Returns true if it was appended (the caller emits an "update").
func (ev *activeEvent) appendRadiotextSnapshot(text string) bool {
	if text == "" {
		return false
	}
	if len(ev.radiotexts) >= maxRadiotextSnaps {
		return false
	}
	for _, t := range ev.radiotexts {
		if t == text {
			return false
		}
	}
	ev.radiotexts = append(ev.radiotexts, text)
	return true
}
