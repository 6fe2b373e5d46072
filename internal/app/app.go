package app

import (
	"context"
	"fmt"
	"os"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus" // Use logrus

	"cncworker/internal/config"
	"cncworker/internal/fileingest"
	"cncworker/internal/grbl"
	"cncworker/internal/metrics"
	"cncworker/internal/progress"
	"cncworker/internal/store"
	"cncworker/internal/store/local"
	"cncworker/internal/store/primary"
	"cncworker/internal/worker"
)

type App struct {
	Config *config.Config

	JobStore  store.JobStore
	JobClient store.JobClient
	Files     *fileingest.Resolver

	Registry *prometheus.Registry
	Metrics  *metrics.Collector

	// Progress is the AMQP fanout when progress.amqp_url is set, nil otherwise.
	Progress progress.Sink

	closers []func() error
}

// ConfigureLogging applies log.level and log.format to the standard logrus logger.
func ConfigureLogging(cfg *config.Config) error {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	if cfg.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func NewApp(cfg *config.Config) (*App, error) {
	ctx := context.Background()
	app := &App{Config: cfg, Files: fileingest.NewResolver(nil)}

	if err := app.initJobStore(ctx); err != nil {
		return nil, err
	}
	app.initJobClient()
	app.initMetrics()
	if err := app.initProgress(); err != nil {
		app.Close()
		return nil, err
	}

	log.Debug("Application initialization complete.")
	return app, nil
}

// --- Private Helper Methods ---

func (a *App) initJobStore(ctx context.Context) error {
	switch a.Config.Database.Driver {
	case "postgres":
		ps, err := primary.NewPrimaryStore(ctx, a.Config.Database.DSN, primary.PoolSettings{
			MaxConns:        a.Config.Database.MaxConns,
			MinConns:        a.Config.Database.MinConns,
			MaxConnIdleTime: a.Config.Database.MaxConnIdleTime,
		})
		if err != nil {
			return fmt.Errorf("init primary store: %w", err)
		}
		a.JobStore = ps
	case "sqlite3":
		ls, err := local.Open(ctx, a.Config.Database.DSN)
		if err != nil {
			return fmt.Errorf("init local store: %w", err)
		}
		a.JobStore = ls
	default:
		return fmt.Errorf("unsupported database driver %q", a.Config.Database.Driver)
	}
	a.closers = append(a.closers, func() error { a.JobStore.Close(); return nil })
	return nil
}

// RedisOpt is the asynq connection shared by the client, inspector and server.
func (a *App) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.Config.Redis.Address,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	}
}

func (a *App) initJobClient() {
	jc := store.NewAsynqJobClient(a.RedisOpt())
	a.JobClient = jc
	a.closers = append(a.closers, jc.Close)
}

func (a *App) initMetrics() {
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)
}

func (a *App) initProgress() error {
	if a.Config.Progress.AMQPURL == "" {
		return nil
	}
	pub, err := progress.NewAMQPPublisher(a.Config.Progress.AMQPURL, a.Config.Progress.Exchange)
	if err != nil {
		return fmt.Errorf("init progress publisher: %w", err)
	}
	a.Progress = pub
	a.closers = append(a.closers, pub.Close)
	log.WithField("exchange", a.Config.Progress.Exchange).Info("Publishing progress over AMQP")
	return nil
}

// NewController builds a controller session from the machine settings.
func (a *App) NewController() worker.Controller {
	return grbl.NewController(grbl.Options{
		HandshakeTimeout: a.Config.Machine.HandshakeTimeout,
		QueryTimeout:     a.Config.Machine.QueryTimeout,
	})
}

// ExecuteParams are the machine defaults for a run requested by adminID.
func (a *App) ExecuteParams(runID string, adminID int64) worker.ExecuteParams {
	return worker.ExecuteParams{
		RunID:      runID,
		AdminID:    adminID,
		BasePath:   a.Config.Files.BasePath,
		SerialPort: a.Config.Machine.SerialPort,
		Baudrate:   a.Config.Machine.Baudrate,
	}
}

func (a *App) ExecutorOptions() worker.Options {
	return worker.Options{
		PollInterval:      a.Config.Machine.PollInterval,
		MaxPollInterval:   a.Config.Machine.MaxPollInterval,
		MarkFailedOnAbort: a.Config.Worker.MarkFailedOnAbort,
		Metrics:           a.Metrics,
	}
}

// ExecuteDeps wires the execution task handler.
func (a *App) ExecuteDeps() worker.ExecuteDeps {
	return worker.ExecuteDeps{
		Repo:          a.JobStore,
		Files:         a.Files,
		NewController: a.NewController,
		Sink:          a.Progress,
		Defaults:      a.ExecuteParams("", 0),
		Options:       a.ExecutorOptions(),
	}
}

// Close releases every resource opened by NewApp, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Warn("Error during shutdown")
		}
	}
	a.closers = nil
}
