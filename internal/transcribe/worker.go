package transcribe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Job is one recorded clip waiting to be transcribed (spec.md §3
// TranscriptionJob). Ephemeral: created by the recorder's finalize
// handoff, consumed by exactly one worker.
type Job struct {
	EventID    int64
	WAVPath    string
	EnqueuedAt time.Time
	Attempt    int
}

// QueueStats reports the current state of the transcription queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Store is the event-store surface the worker pool needs: record the
// outcome of a completed or failed transcription.
type Store interface {
	UpdateTranscription(ctx context.Context, eventID int64, text string, status string, durationSec float64)
	UpdateTranscriptionStatus(ctx context.Context, eventID int64, status string)
}

// ResultHook is called after a job reaches a terminal state (done, error,
// or none), in addition to the Store update — internal/alert registers
// this to release a pending alert hold as soon as transcription finishes,
// rather than always waiting out alert_hold_timeout (spec.md §4.8).
type ResultHook func(eventID int64, status string, text string, language string, durationSec float64)

// WorkerPoolOptions configures the transcription worker pool.
type WorkerPoolOptions struct {
	Store     Store
	Provider  Provider
	Timeout   time.Duration // per-job hard timeout (remote_timeout)
	QueueSize int
	OnResult  ResultHook
	Log       zerolog.Logger
}

// WorkerPool manages the transcription worker. Per spec.md §4.4, a Local
// provider is not reentrant and must run a single worker; Remote and None
// are safe with one worker too since this system never needs parallel
// transcription throughput beyond one RTL-SDR box's event rate.
type WorkerPool struct {
	mu       sync.Mutex
	jobs     []Job // FIFO, drop-oldest-on-full (spec.md §4.4)
	capacity int

	notify chan struct{}

	store    Store
	provider Provider
	timeout  time.Duration
	onResult ResultHook
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewWorkerPool creates a transcription worker pool.
func NewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		capacity: opts.QueueSize,
		notify:   make(chan struct{}, 1),
		store:    opts.Store,
		provider: opts.Provider,
		timeout:  opts.Timeout,
		onResult: opts.OnResult,
		log:      opts.Log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the single worker goroutine.
func (wp *WorkerPool) Start() {
	wp.wg.Add(1)
	go wp.worker()
	wp.log.Info().Int("queue_size", wp.capacity).Str("provider", wp.provider.Name()).Msg("transcription worker pool started")
}

// Stop signals the worker to drain and waits for it to exit.
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.wg.Wait()
	wp.log.Info().
		Int64("completed", wp.completed.Load()).
		Int64("failed", wp.failed.Load()).
		Int64("dropped", wp.dropped.Load()).
		Msg("transcription worker pool stopped")
}

// Enqueue adds a job to the queue. On overflow, the oldest pending job is
// dropped (its event marked transcription_status=error) rather than
// rejecting the new job — spec.md §4.4's overflow policy.
func (wp *WorkerPool) Enqueue(job Job) {
	wp.mu.Lock()
	var dropped *Job
	if len(wp.jobs) >= wp.capacity && wp.capacity > 0 {
		d := wp.jobs[0]
		wp.jobs = wp.jobs[1:]
		dropped = &d
	}
	wp.jobs = append(wp.jobs, job)
	wp.mu.Unlock()

	select {
	case wp.notify <- struct{}{}:
	default:
	}

	if dropped != nil {
		wp.dropped.Add(1)
		wp.log.Warn().Int64("event_id", dropped.EventID).Msg("transcription queue full, dropping oldest pending job")
		if wp.store != nil {
			wp.store.UpdateTranscriptionStatus(context.Background(), dropped.EventID, "error")
		}
		if wp.onResult != nil {
			wp.onResult(dropped.EventID, "error", "", "", 0)
		}
	}
}

// Stats returns current queue statistics.
func (wp *WorkerPool) Stats() QueueStats {
	wp.mu.Lock()
	pending := len(wp.jobs)
	wp.mu.Unlock()
	return QueueStats{
		Pending:   pending,
		Completed: wp.completed.Load(),
		Failed:    wp.failed.Load(),
		Dropped:   wp.dropped.Load(),
	}
}

func (wp *WorkerPool) popJob() (Job, bool) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if len(wp.jobs) == 0 {
		return Job{}, false
	}
	job := wp.jobs[0]
	wp.jobs = wp.jobs[1:]
	return job, true
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		job, ok := wp.popJob()
		if !ok {
			select {
			case <-wp.ctx.Done():
				return
			case <-wp.notify:
				continue
			case <-time.After(time.Second):
				continue
			}
		}
		wp.processJob(job)
	}
}

func (wp *WorkerPool) processJob(job Job) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), wp.timeout)
	defer cancel()

	resp, err := wp.provider.Transcribe(ctx, job.WAVPath)
	durationSec := time.Since(start).Seconds()

	if err != nil {
		wp.failed.Add(1)
		wp.log.Warn().Err(err).Int64("event_id", job.EventID).Msg("transcription failed")
		if wp.store != nil {
			wp.store.UpdateTranscriptionStatus(context.Background(), job.EventID, "error")
		}
		if wp.onResult != nil {
			wp.onResult(job.EventID, "error", "", "", durationSec)
		}
		return
	}

	wp.completed.Add(1)
	status := "done"
	if wp.provider.Name() == "none" {
		status = "none"
	}
	if wp.store != nil {
		wp.store.UpdateTranscription(context.Background(), job.EventID, resp.Text, status, durationSec)
	}
	if wp.onResult != nil {
		wp.onResult(job.EventID, status, resp.Text, resp.Language, durationSec)
	}
	wp.log.Debug().Int64("event_id", job.EventID).Str("status", status).Float64("duration_sec", durationSec).Msg("transcription complete")
}
