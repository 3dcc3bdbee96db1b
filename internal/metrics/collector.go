package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineStats exposes the live supervisor/rules-engine state the
// collector reads at scrape time. internal/supervisor.Supervisor
// implements this.
type PipelineStats interface {
	GroupsTotal() int64
	ChannelizerDrops() int64
	TranscribeQueueDepth() int
	TranscribeCompletedTotal() int64
	TranscribeFailedTotal() int64
	TranscribeDroppedTotal() int64
}

// ConsoleStats exposes the /ws/console subscriber count.
// internal/api's console hub implements this.
type ConsoleStats interface {
	ConsoleSubscriberCount() int
}

// Collector implements prometheus.Collector to read live gauges at scrape
// time, the same deferred-read shape as the teacher's ingest collector.
type Collector struct {
	pool    *pgxpool.Pool
	stats   PipelineStats
	console ConsoleStats

	groupsTotal         *prometheus.Desc
	channelizerDrops    *prometheus.Desc
	transcribeQueue     *prometheus.Desc
	transcribeCompleted *prometheus.Desc
	transcribeFailed    *prometheus.Desc
	transcribeDropped   *prometheus.Desc
	consoleSubscribers  *prometheus.Desc
	dbTotalConns        *prometheus.Desc
	dbAcquiredConns     *prometheus.Desc
	dbIdleConns         *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil (db metrics report 0). stats and console may be nil
// before the supervisor/API server have started.
func NewCollector(pool *pgxpool.Pool, stats PipelineStats, console ConsoleStats) *Collector {
	return &Collector{
		pool:    pool,
		stats:   stats,
		console: console,
		groupsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "groups_decoded_total"),
			"Total RDS groups decoded across all stations.",
			nil, nil,
		),
		channelizerDrops: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "channelizer", "drops_total"),
			"PCM blocks dropped by a station sink because the tee was backed up.",
			nil, nil,
		),
		transcribeQueue: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transcribe", "queue_depth"),
			"Pending transcription jobs.",
			nil, nil,
		),
		transcribeCompleted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transcribe", "completed_total"),
			"Transcription jobs completed successfully.",
			nil, nil,
		),
		transcribeFailed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transcribe", "failed_total"),
			"Transcription jobs that errored.",
			nil, nil,
		),
		transcribeDropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "transcribe", "dropped_total"),
			"Transcription jobs dropped on queue overflow.",
			nil, nil,
		),
		consoleSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "console_subscribers_active"),
			"Current number of /ws/console subscribers.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.groupsTotal
	ch <- c.channelizerDrops
	ch <- c.transcribeQueue
	ch <- c.transcribeCompleted
	ch <- c.transcribeFailed
	ch <- c.transcribeDropped
	ch <- c.consoleSubscribers
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		ch <- prometheus.MustNewConstMetric(c.groupsTotal, prometheus.CounterValue, float64(c.stats.GroupsTotal()))
		ch <- prometheus.MustNewConstMetric(c.channelizerDrops, prometheus.CounterValue, float64(c.stats.ChannelizerDrops()))
		ch <- prometheus.MustNewConstMetric(c.transcribeQueue, prometheus.GaugeValue, float64(c.stats.TranscribeQueueDepth()))
		ch <- prometheus.MustNewConstMetric(c.transcribeCompleted, prometheus.CounterValue, float64(c.stats.TranscribeCompletedTotal()))
		ch <- prometheus.MustNewConstMetric(c.transcribeFailed, prometheus.CounterValue, float64(c.stats.TranscribeFailedTotal()))
		ch <- prometheus.MustNewConstMetric(c.transcribeDropped, prometheus.CounterValue, float64(c.stats.TranscribeDroppedTotal()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.groupsTotal, prometheus.CounterValue, 0)
		ch <- prometheus.MustNewConstMetric(c.channelizerDrops, prometheus.CounterValue, 0)
		ch <- prometheus.MustNewConstMetric(c.transcribeQueue, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.transcribeCompleted, prometheus.CounterValue, 0)
		ch <- prometheus.MustNewConstMetric(c.transcribeFailed, prometheus.CounterValue, 0)
		ch <- prometheus.MustNewConstMetric(c.transcribeDropped, prometheus.CounterValue, 0)
	}

	if c.console != nil {
		ch <- prometheus.MustNewConstMetric(c.consoleSubscribers, prometheus.GaugeValue, float64(c.console.ConsoleSubscriberCount()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.consoleSubscribers, prometheus.GaugeValue, 0)
	}

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
