package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rds-monitor/internal/alert"
	"github.com/snarg/rds-monitor/internal/api"
	"github.com/snarg/rds-monitor/internal/config"
	"github.com/snarg/rds-monitor/internal/mqttclient"
	"github.com/snarg/rds-monitor/internal/rules"
	"github.com/snarg/rds-monitor/internal/store"
	"github.com/snarg/rds-monitor/internal/supervisor"
	"github.com/snarg/rds-monitor/internal/transcribe"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-url", "", "MQTT broker URL (overrides MQTT_BROKER_URL)")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "Audio file directory (overrides AUDIO_DIR)")
	flag.StringVar(&overrides.FMFrequencies, "frequencies", "", "FM frequencies, comma separated (overrides FM_FREQUENCIES)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", buildTime).
		Int("stations", cfg.Stations()).
		Bool("multi_station", cfg.Multi()).
		Msg("rds-monitor starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event store
	storeLog := log.With().Str("component", "store").Logger()
	db, err := store.Connect(ctx, cfg.DatabaseURL, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to event store")
	}
	defer db.Close()

	// MQTT: either an external broker, an embedded one, or none.
	var mqttClient *mqttclient.Client
	var embeddedBroker *mqttclient.Broker
	brokerURL := cfg.MQTTBrokerURL
	if brokerURL == "" && cfg.MQTTEmbeddedBroker {
		embeddedBroker, brokerURL, err = mqttclient.StartBroker(log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start embedded mqtt broker")
		}
		defer embeddedBroker.Stop()
	}
	if brokerURL != "" {
		mqttClient, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL: brokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Log:       log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqttClient.Close()
		log.Info().Str("broker", brokerURL).Msg("mqtt connected")
	} else {
		log.Info().Msg("mqtt not configured — alerts publish to console only")
	}

	// Console hub (WS /ws/console), wired as both alert.ConsolePublisher and
	// metrics.ConsoleStats.
	consoleHub := api.NewConsoleHub(log)
	go consoleHub.Run(ctx)

	// Alert publisher: hold-and-release gate + continuous per-field topics.
	var mqttPublisher alert.MQTTPublisher
	if mqttClient != nil {
		mqttPublisher = mqttClient
	}
	alertPublisher := alert.New(alert.Options{
		MQTT:        mqttPublisher,
		Console:     consoleHub,
		TopicPrefix: cfg.MQTTTopicPrefix,
		HoldTimeout: cfg.AlertHoldTimeout,
		Log:         log,
	})
	defer alertPublisher.Close()

	// Transcription provider, selected by STT_PROVIDER.
	var provider transcribe.Provider
	switch cfg.STTProvider {
	case "local":
		model := transcribe.NewExecModel(cfg.LocalASRBinary, cfg.LocalModelPath)
		if err := model.Load(); err != nil {
			log.Fatal().Err(err).Msg("local asr model failed to load")
		}
		provider = transcribe.NewLocalProvider(model, log)
	case "remote":
		provider = transcribe.NewRemoteProvider(cfg.RemoteASRURL, cfg.RemoteASRLanguage, cfg.RemoteTimeout)
	default:
		provider = transcribe.NoneProvider{}
	}

	transcribeWorkers := 1 // local model is not reentrant; remote/none have no reason to run more on one RTL-SDR box
	transcribePool := transcribe.NewWorkerPool(transcribe.WorkerPoolOptions{
		Store:     db,
		Provider:  provider,
		Timeout:   cfg.RemoteTimeout,
		QueueSize: cfg.TranscribeQueueSize,
		OnResult:  alertPublisher.ReceiveTranscriptionResult,
		Log:       log,
	})
	transcribePool.Start()
	defer transcribePool.Stop()
	log.Info().Str("provider", provider.Name()).Int("workers", transcribeWorkers).Msg("transcription enabled")

	// Rules engine: drives the per-station event lifecycle.
	engine := rules.New(rules.Options{
		Store:       db,
		Alert:       alertPublisher,
		Broadcaster: alertPublisher,
		Log:         log,
	})

	if closed, err := db.CloseStaleActiveOnStartup(ctx); err != nil {
		log.Error().Err(err).Msg("failed to close stale active events on startup")
	} else if closed > 0 {
		log.Warn().Int64("events_closed", closed).Msg("closed stale active events left open by a previous crash")
	}

	// Retention sweep: expired event rows + their audio files, and an
	// orphan audio sweep, both run from one shared hourly ticker.
	retention := supervisor.NewRetentionSweeper(db, cfg.AudioDir, cfg.RetentionDays, log)
	retention.Start()
	defer retention.Stop()

	// Pipeline supervisor: owns rtl_sdr/rtl_fm/redsea subprocess lifecycle.
	// mqttPublisher is already a properly-nil interface (see above) rather
	// than mqttClient's possibly-nil concrete pointer boxed into an
	// interface, which would make s.mqtt != nil checks downstream true
	// even with no broker configured.
	sup := supervisor.New(supervisor.Options{
		Config:     cfg,
		Engine:     engine,
		Store:      db,
		Transcribe: transcribePool,
		Alert:      alertPublisher,
		MQTT:       mqttPublisher,
		Log:        log,
	})

	go sup.RunPeriodic(ctx)

	pipelineErrCh := make(chan error, 1)
	go func() {
		pipelineErrCh <- sup.Run(ctx)
	}()

	// HTTP server: REST + /ws/console + /metrics.
	httpLog := log.With().Str("component", "http").Logger()
	var mqttStatusSource interface {
		IsConnected() bool
	}
	if mqttClient != nil {
		mqttStatusSource = mqttClient
	}
	srv := api.NewServer(api.ServerOptions{
		Config:     cfg,
		Store:      db,
		Health:     db,
		MQTT:       mqttStatusSource,
		Supervisor: sup,
		Console:    consoleHub,
		AudioDir:   cfg.AudioDir,
		Version:    fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime),
		StartTime:  startTime,
		Log:        httpLog,
	})

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- srv.Start()
	}()

	log.Info().
		Str("listen", cfg.HTTPAddr).
		Str("version", version).
		Dur("startup_ms", time.Since(startTime)).
		Msg("rds-monitor ready")

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	case err := <-pipelineErrCh:
		// sup.Run only returns once maxConsecutiveFailures is exceeded
		// without a stable run in between (spec.md §6 exit code 2).
		log.Error().Err(err).Msg("pipeline unrecoverable, shutting down")
		exitCode = 2
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("rds-monitor stopped")
	os.Exit(exitCode)
}
