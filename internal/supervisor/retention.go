package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rds-monitor/internal/store"
)

// retentionInterval is how often the DB-row retention sweep and the
// orphan audio sweep each run, distinct tasks per spec.md §4.7/§8
// invariant 4.
const retentionInterval = 1 * time.Hour

// retentionStore is the surface RetentionSweeper needs from the event
// store. internal/store.Store implements this.
type retentionStore interface {
	EventsOlderThan(ctx context.Context, cutoff time.Time) ([]store.Event, error)
	PurgeOlderThan(ctx context.Context, retentionDays int) (int64, error)
	ActiveEvents(ctx context.Context) ([]store.Event, error)
	Events(ctx context.Context, filter store.Filter) ([]store.Event, error)
}

// RetentionSweeper runs two independent scheduled tasks, grounded on the
// teacher's CachePruner ticker loop: a DB-row retention sweep (delete
// event rows and their audio files past RETENTION_DAYS) and an orphan
// audio sweep (delete files under AUDIO_DIR with no matching event row,
// left behind by a crash between recorder finalize and store.UpdateAudio).
type RetentionSweeper struct {
	store         retentionStore
	audioDir      string
	retentionDays int
	log           zerolog.Logger
	stop          chan struct{}
	stopOnce      sync.Once
}

func NewRetentionSweeper(store retentionStore, audioDir string, retentionDays int, log zerolog.Logger) *RetentionSweeper {
	return &RetentionSweeper{
		store:         store,
		audioDir:      audioDir,
		retentionDays: retentionDays,
		log:           log.With().Str("component", "retention-sweeper").Logger(),
		stop:          make(chan struct{}),
	}
}

func (r *RetentionSweeper) Start() { go r.loop() }
func (r *RetentionSweeper) Stop()  { r.stopOnce.Do(func() { close(r.stop) }) }

func (r *RetentionSweeper) loop() {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	r.sweepExpired()
	r.sweepOrphans()

	for {
		select {
		case <-ticker.C:
			r.sweepExpired()
			r.sweepOrphans()
		case <-r.stop:
			return
		}
	}
}

// sweepExpired removes audio files for events older than retentionDays
// before purging their rows, so a crash mid-sweep never leaves a DB row
// pointing at a deleted file.
func (r *RetentionSweeper) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -r.retentionDays)
	expired, err := r.store.EventsOlderThan(ctx, cutoff)
	if err != nil {
		r.log.Error().Err(err).Msg("retention sweep: failed to list expired events")
		return
	}

	removed := 0
	for _, ev := range expired {
		if ev.AudioPath == "" {
			continue
		}
		if err := os.Remove(filepath.Join(r.audioDir, filepath.Base(ev.AudioPath))); err == nil {
			removed++
		} else if !os.IsNotExist(err) {
			r.log.Warn().Err(err).Str("file", ev.AudioPath).Msg("retention sweep: failed to remove audio file")
		}
	}

	purged, err := r.store.PurgeOlderThan(ctx, r.retentionDays)
	if err != nil {
		r.log.Error().Err(err).Msg("retention sweep: failed to purge expired rows")
		return
	}
	if purged > 0 {
		r.log.Info().Int64("events_purged", purged).Int("audio_files_removed", removed).Msg("retention sweep complete")
	}
}

// sweepOrphans removes audio files under AUDIO_DIR that reference no
// event row, active or historical. Every row is read without a page
// limit — an orphan is only ever a file whose event_id prefix (the name
// before its first '.') matches nothing in the store at all.
func (r *RetentionSweeper) sweepOrphans() {
	entries, err := os.ReadDir(r.audioDir)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	known := make(map[int64]struct{})
	active, err := r.store.ActiveEvents(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("orphan sweep: failed to list active events")
		return
	}
	for _, ev := range active {
		known[ev.ID] = struct{}{}
	}
	all, err := r.store.EventsOlderThan(ctx, time.Now())
	if err != nil {
		r.log.Error().Err(err).Msg("orphan sweep: failed to list events")
		return
	}
	for _, ev := range all {
		known[ev.ID] = struct{}{}
	}

	removed := 0
	cutoff := time.Now().Add(-10 * time.Minute) // grace window for in-flight finalize
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".audio-") && strings.HasSuffix(name, ".tmp") {
			continue
		}
		idPart, _, _ := strings.Cut(name, ".")
		if id, err := strconv.ParseInt(idPart, 10, 64); err == nil {
			if _, ok := known[id]; ok {
				continue
			}
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(r.audioDir, name)); err == nil {
			removed++
		}
	}
	if removed > 0 {
		r.log.Info().Int("orphans_removed", removed).Msg("orphan audio sweep complete")
	}
}
