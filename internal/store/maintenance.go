package store

import (
	"context"
	"time"
)

// CloseStaleActiveOnStartup ends every event still showing ended_at IS
// NULL, unconditionally, every time the process starts (spec.md §3
// invariant 6): a crash or kill -9 mid-event would otherwise leave it open
// forever, since nothing else will ever deliver the TA/PTY-clear group
// that would have closed it normally. Returns the number of events closed.
func (s *Store) CloseStaleActiveOnStartup(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events SET ended_at = now(), state = 'end', transcription_status = 'none'
		WHERE ended_at IS NULL`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PurgeOlderThan deletes every event whose started_at is older than
// retentionDays (spec.md §4.7 retention sweep). The caller (supervisor)
// is expected to delete the corresponding audio files first/alongside —
// the store only owns the row.
func (s *Store) PurgeOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Duration(retentionDays) * 24 * time.Hour
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE started_at < now() - $1::interval`, cutoff.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
