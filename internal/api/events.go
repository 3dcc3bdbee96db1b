package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/rds-monitor/internal/store"
)

// eventStore is the read/delete surface EventsHandler needs.
// internal/store.Store implements this.
type eventStore interface {
	Events(ctx context.Context, filter store.Filter) ([]store.Event, error)
	ActiveEvents(ctx context.Context) ([]store.Event, error)
	Count(ctx context.Context, filter store.Filter) (int64, error)
	DeleteAll(ctx context.Context) error
}

type eventsListResponse struct {
	Total  int64         `json:"total"`
	Events []store.Event `json:"events"`
}

// EventsHandler serves spec.md §6's /api/events routes.
type EventsHandler struct {
	store    eventStore
	audioDir string
	log      zerolog.Logger
}

func NewEventsHandler(store eventStore, audioDir string, log zerolog.Logger) *EventsHandler {
	return &EventsHandler{store: store, audioDir: audioDir, log: log.With().Str("component", "events-handler").Logger()}
}

func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events", h.List)
	r.Get("/events/active", h.Active)
	r.Delete("/events", h.DeleteAll)
}

// List handles GET /api/events?type=&since=&limit=&offset=.
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{
		Type:  q.Get("type"),
		Limit: atoiDefault(q.Get("limit"), 100),
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = &t
		} else {
			WriteError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
	}

	events, err := h.store.Events(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("list events failed")
		WriteError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	total, err := h.store.Count(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("count events failed")
		WriteError(w, http.StatusInternalServerError, "failed to count events")
		return
	}

	writeJSON(w, http.StatusOK, eventsListResponse{Total: total, Events: events})
}

// Active handles GET /api/events/active.
func (h *EventsHandler) Active(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.ActiveEvents(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list active events failed")
		WriteError(w, http.StatusInternalServerError, "failed to list active events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// DeleteAll handles DELETE /api/events: clears every event row and every
// file under the audio directory (spec.md §6).
func (h *EventsHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteAll(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("delete all events failed")
		WriteError(w, http.StatusInternalServerError, "failed to delete events")
		return
	}

	entries, err := os.ReadDir(h.audioDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if rmErr := os.Remove(filepath.Join(h.audioDir, e.Name())); rmErr != nil {
				h.log.Warn().Err(rmErr).Str("file", e.Name()).Msg("failed to remove audio file during clear")
			}
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
