package supervisor

// PipelineState mirrors spec.md §4.5's visible pipeline.state values.
type PipelineState string

const (
	StateNotStarted PipelineState = "not_started"
	StateStarting   PipelineState = "starting"
	StateRunning    PipelineState = "running"
	StateError      PipelineState = "error"
	StateStopped    PipelineState = "stopped"
)

// Status is the /api/status response body.
type Status struct {
	Pipeline PipelineStatus  `json:"pipeline"`
	Stations []StationStatus `json:"stations,omitempty"`
	// Frequency is also set, alongside Stations, in single-station mode.
	Frequency int64 `json:"frequency,omitempty"`
}

// PipelineStatus reports the supervisor's own lifecycle state.
type PipelineStatus struct {
	State        PipelineState    `json:"state"`
	LastError    string           `json:"last_error,omitempty"`
	RestartCount int              `json:"restart_count"`
	Drops        map[string]int64 `json:"drops,omitempty"`
}

// StationStatus is one monitored frequency's live view, per spec.md §4.5.
type StationStatus struct {
	FrequencyHz  int64   `json:"frequency_hz"`
	PI           string  `json:"pi"`
	PS           string  `json:"ps"`
	ProgType     string  `json:"prog_type"`
	TA           bool    `json:"ta"`
	TP           bool    `json:"tp"`
	RadioText    string  `json:"radiotext"`
	GroupsPerSec float64 `json:"groups_per_sec"`
	GroupsTotal  uint64  `json:"groups_total"`
	UptimeSec    float64 `json:"uptime_sec"`
}
