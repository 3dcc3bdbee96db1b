package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/rds-monitor/internal/config"
	"github.com/snarg/rds-monitor/internal/metrics"
	"github.com/snarg/rds-monitor/internal/supervisor"
)

// indexHTML is the entire web surface spec.md §6's "GET / -> static HTML"
// asks for. The spec is explicit that UI rendering is out of scope, so
// this is a status page, not a dashboard.
const indexHTML = `<!DOCTYPE html>
<html><head><title>rds-monitor</title></head>
<body>
<h1>rds-monitor</h1>
<p>FM/RDS traffic and emergency announcement monitor.</p>
<ul>
<li><a href="/api/status">/api/status</a></li>
<li><a href="/api/events/active">/api/events/active</a></li>
<li><a href="/metrics">/metrics</a></li>
</ul>
<p>Live feed: <code>WS /ws/console</code></p>
</body></html>`

// Server wraps an http.Server exposing spec.md §6's HTTP surface.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions bundles every dependency NewServer wires into chi routes.
type ServerOptions struct {
	Config     *config.Config
	Store      eventStore
	Health     healthChecker
	MQTT       mqttStatus // optional
	Supervisor *supervisor.Supervisor
	Console    *ConsoleHub
	AudioDir   string
	Version    string
	StartTime  time.Time
	Log        zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.Config.CORSOrigins != "" {
		for _, o := range strings.Split(opts.Config.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}

	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(indexHTML))
	})

	collector := metrics.NewCollector(nil, opts.Supervisor, opts.Console)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)
	r.Get("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP)

	statusHandler := NewStatusHandler(opts.Supervisor, opts.Health, opts.MQTT, opts.Version, opts.StartTime)
	eventsHandler := NewEventsHandler(opts.Store, opts.AudioDir, opts.Log)
	audioHandler := NewAudioHandler(opts.AudioDir, opts.Log)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(opts.Config.AuthToken))
		r.Use(MaxBodySize(1 << 20))
		r.Use(ResponseTimeout(opts.Config.WriteTimeout))

		r.Route("/api", func(r chi.Router) {
			r.Get("/status", statusHandler.ServeHTTP)
			eventsHandler.Routes(r)
			audioHandler.Routes(r)
		})

		r.Get("/ws/console", opts.Console.ServeHTTP)
	})

	srv := &http.Server{
		Addr:         opts.Config.HTTPAddr,
		Handler:      r,
		ReadTimeout:  opts.Config.ReadTimeout,
		IdleTimeout:  opts.Config.IdleTimeout,
		WriteTimeout: 0, // the WS console is long-lived; handlers enforce their own deadlines
	}

	return &Server{http: srv, log: opts.Log.With().Str("component", "api-server").Logger()}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
