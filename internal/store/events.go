package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/snarg/rds-monitor/internal/rules"
)

// Event is the persisted, fully-populated row shape returned by Events
// and ActiveEvents (spec.md §3).
type Event struct {
	ID                   int64      `json:"id"`
	Type                 string     `json:"type"`
	Severity             string     `json:"severity"`
	StationPI            string     `json:"station_pi"`
	StationPS            string     `json:"station_ps"`
	FrequencyHz          int64      `json:"frequency_hz"`
	PTY                  string     `json:"pty,omitempty"`
	OtherPI              string     `json:"other_pi,omitempty"`
	StartedAt            time.Time  `json:"started_at"`
	EndedAt              *time.Time `json:"ended_at,omitempty"`
	State                string     `json:"state"`
	Radiotext            []string   `json:"radiotext"`
	AudioPath            string     `json:"audio_path,omitempty"`
	AudioDurationSec     *float64   `json:"audio_duration_sec,omitempty"`
	TranscriptionText    string     `json:"transcription_text,omitempty"`
	TranscriptionStatus  string     `json:"transcription_status"`
	TranscriptionDurSec  *float64   `json:"transcription_duration_sec,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Filter specifies filters for listing historical events (spec.md §6
// REST /api/events query params).
type Filter struct {
	Type      string
	StationPI string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// queryBuilder accumulates parameterized WHERE clauses, same shape the
// teacher's internal/database/queries_calls.go uses for dynamic filters.
type queryBuilder struct {
	where  []string
	args   []any
	argIdx int
}

func newQueryBuilder() *queryBuilder {
	return &queryBuilder{argIdx: 1}
}

func (qb *queryBuilder) Add(clause string, val any) {
	parameterized := strings.Replace(clause, "%s", fmt.Sprintf("$%d", qb.argIdx), 1)
	qb.where = append(qb.where, parameterized)
	qb.args = append(qb.args, val)
	qb.argIdx++
}

func (qb *queryBuilder) whereClause() string {
	if len(qb.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(qb.where, " AND ")
}

const eventColumns = `id, type, severity, station_pi, station_ps, frequency_hz, pty, other_pi,
	started_at, ended_at, state, radiotext, COALESCE(audio_path, ''), audio_duration_sec,
	COALESCE(transcription_text, ''), transcription_status, transcription_duration_sec, created_at`

// InsertEvent creates a new event row and returns its id. Implements
// rules.EventStore.
func (s *Store) InsertEvent(ctx context.Context, ev rules.NewEvent) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO events (type, severity, station_pi, station_ps, frequency_hz, pty, other_pi, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		string(ev.Type), string(ev.Severity), ev.StationPI, ev.StationPS, ev.FrequencyHz, ev.PTY, ev.OtherPI, ev.StartedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

// AppendRadiotext appends text to the event's radiotext array unless it's
// already present — idempotent at the store layer too, as a defense in
// depth alongside the engine's own in-memory dedup (spec.md §3).
// Implements rules.EventStore.
func (s *Store) AppendRadiotext(ctx context.Context, eventID int64, text string) {
	_, err := s.pool.Exec(ctx, `
		UPDATE events SET radiotext = array_append(radiotext, $2)
		WHERE id = $1 AND NOT (radiotext @> ARRAY[$2::text])`,
		eventID, text,
	)
	if err != nil {
		s.log.Error().Err(err).Int64("event_id", eventID).Msg("failed to append radiotext")
	}
}

// EndEvent marks an event ended, moving state out of start (spec.md §3
// invariant 2/3: state=start <=> ended_at=null, and once state leaves
// start only the transcription fields may still change it further).
// Implements rules.EventStore.
func (s *Store) EndEvent(ctx context.Context, eventID int64, endedAt time.Time) {
	_, err := s.pool.Exec(ctx, `UPDATE events SET ended_at = $2, state = 'end' WHERE id = $1 AND ended_at IS NULL`, eventID, endedAt)
	if err != nil {
		s.log.Error().Err(err).Int64("event_id", eventID).Msg("failed to end event")
	}
}

// UpdateAudio records the finalized recording path/duration for an event.
func (s *Store) UpdateAudio(ctx context.Context, eventID int64, path string, durationSec float64) error {
	_, err := s.pool.Exec(ctx, `UPDATE events SET audio_path = $2, audio_duration_sec = $3 WHERE id = $1`,
		eventID, path, durationSec)
	return err
}

// terminalState maps a finished transcription_status to the Event.state
// it drives the row into (spec.md §3: state's last two values are reached
// only once transcription resolves — done/none reaching the event a
// transcript, error/timeout failing to produce one).
func terminalState(status string) string {
	switch status {
	case "error", "timeout":
		return "transcription_failed"
	default:
		return "transcribed"
	}
}

// UpdateTranscription records a completed (or explicitly skipped)
// transcription and advances state to its terminal value. Implements
// transcribe.Store.
func (s *Store) UpdateTranscription(ctx context.Context, eventID int64, text, status string, durationSec float64) {
	_, err := s.pool.Exec(ctx, `
		UPDATE events SET transcription_text = $2, transcription_status = $3, transcription_duration_sec = $4, state = $5
		WHERE id = $1`,
		eventID, text, status, durationSec, terminalState(status),
	)
	if err != nil {
		s.log.Error().Err(err).Int64("event_id", eventID).Msg("failed to update transcription")
	}
}

// UpdateTranscriptionStatus records an in-flight transition ("saving",
// "transcribing") or a failure/drop without a text payload ("error"). Only
// the terminal statuses advance Event.state; the in-flight ones leave it
// at "end" per spec.md §3 invariant 3. Implements transcribe.Store.
func (s *Store) UpdateTranscriptionStatus(ctx context.Context, eventID int64, status string) {
	var err error
	switch status {
	case "error", "timeout", "done", "none":
		_, err = s.pool.Exec(ctx, `UPDATE events SET transcription_status = $2, state = $3 WHERE id = $1`,
			eventID, status, terminalState(status))
	default:
		_, err = s.pool.Exec(ctx, `UPDATE events SET transcription_status = $2 WHERE id = $1`, eventID, status)
	}
	if err != nil {
		s.log.Error().Err(err).Int64("event_id", eventID).Msg("failed to update transcription status")
	}
}

// ActiveEvents returns every event with no ended_at, for
// GET /api/events/active and the orphan audio sweep.
func (s *Store) ActiveEvents(ctx context.Context) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM events WHERE ended_at IS NULL ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Events returns historical events matching filter, newest first.
func (s *Store) Events(ctx context.Context, filter Filter) ([]Event, error) {
	qb := newQueryBuilder()
	if filter.Type != "" {
		qb.Add("type = %s", filter.Type)
	}
	if filter.StationPI != "" {
		qb.Add("station_pi = %s", filter.StationPI)
	}
	if filter.Since != nil {
		qb.Add("started_at >= %s", *filter.Since)
	}
	if filter.Until != nil {
		qb.Add("started_at <= %s", *filter.Until)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM events` + qb.whereClause() +
		fmt.Sprintf(" ORDER BY started_at DESC LIMIT %d OFFSET %d", limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, qb.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Count returns the number of events matching filter, for GET /api/events's
// total field (the handler pages with Limit/Offset but reports the
// unpaginated count).
func (s *Store) Count(ctx context.Context, filter Filter) (int64, error) {
	qb := newQueryBuilder()
	if filter.Type != "" {
		qb.Add("type = %s", filter.Type)
	}
	if filter.StationPI != "" {
		qb.Add("station_pi = %s", filter.StationPI)
	}
	if filter.Since != nil {
		qb.Add("started_at >= %s", *filter.Since)
	}
	if filter.Until != nil {
		qb.Add("started_at <= %s", *filter.Until)
	}
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM events`+qb.whereClause(), qb.args...).Scan(&n)
	return n, err
}

// EventsOlderThan returns every event started before cutoff, so the
// retention sweep can remove their audio files before the rows are purged.
func (s *Store) EventsOlderThan(ctx context.Context, cutoff time.Time) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM events WHERE started_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeleteAll removes every event row (spec.md §6 DELETE /api/events). Audio
// files are the caller's responsibility — internal/api clears the audio
// directory after this succeeds.
func (s *Store) DeleteAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM events`)
	return err
}

func scanEvents(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID, &e.Type, &e.Severity, &e.StationPI, &e.StationPS, &e.FrequencyHz, &e.PTY, &e.OtherPI,
			&e.StartedAt, &e.EndedAt, &e.State, &e.Radiotext, &e.AudioPath, &e.AudioDurationSec,
			&e.TranscriptionText, &e.TranscriptionStatus, &e.TranscriptionDurSec, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
