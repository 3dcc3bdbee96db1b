package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/snarg/rds-monitor/internal/supervisor"
)

// healthChecker is the DB ping surface /api/status folds into "checks".
// internal/store.Store implements this.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// mqttStatus reports the MQTT client's connection state.
type mqttStatus interface {
	IsConnected() bool
}

type statusResponse struct {
	supervisor.Status
	Checks        map[string]string `json:"checks"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
}

// StatusHandler serves GET /api/status (spec.md §6), folding the pipeline
// supervisor's status with a database/MQTT health check the way the
// teacher's HealthHandler folds DB/MQTT/watcher checks into one response.
type StatusHandler struct {
	sup       *supervisor.Supervisor
	store     healthChecker
	mqtt      mqttStatus // optional
	version   string
	startTime time.Time
}

func NewStatusHandler(sup *supervisor.Supervisor, store healthChecker, mqtt mqttStatus, version string, startTime time.Time) *StatusHandler {
	return &StatusHandler{sup: sup, store: store, mqtt: mqtt, version: version, startTime: startTime}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	httpStatus := http.StatusOK

	if err := h.store.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := statusResponse{
		Status:        h.sup.Status(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
