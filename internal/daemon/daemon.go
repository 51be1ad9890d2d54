// Package daemon runs the scheduled jobs and the metrics endpoint until the
// process is told to stop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog"

	"github.com/yairfalse/tarkka/orchestrator"
)

// DefaultStopTimeout bounds how long Run waits for running jobs on shutdown.
const DefaultStopTimeout = 30 * time.Second

// Config holds daemon settings.
type Config struct {
	MetricsAddr string
	// MetricsHandler is served at /metrics. Nil disables the endpoint.
	MetricsHandler http.Handler
	StopTimeout    time.Duration
}

// Daemon schedules jobs and serves health and metrics.
type Daemon struct {
	cfg          Config
	components   *Components
	orchestrator *orchestrator.Orchestrator
	logger       zerolog.Logger
	metrics      *daemonMetrics
	startTime    time.Time
	listener     net.Listener
}

// NewDaemon registers every configured job with a new orchestrator.
func NewDaemon(ctx context.Context, cfg Config, c *Components) (*Daemon, error) {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	orch, err := orchestrator.New(c.Locker,
		orchestrator.WithLogger(c.Logger),
		orchestrator.WithMeterProvider(c.Meter),
	)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	jobs, err := c.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if err := orch.Add(job); err != nil {
			return nil, err
		}
	}

	metrics, err := newDaemonMetrics(c.Meter, orch)
	if err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:          cfg,
		components:   c,
		orchestrator: orch,
		logger:       c.Logger.With().Str("component", "daemon").Logger(),
		metrics:      metrics,
		startTime:    time.Now(),
	}, nil
}

// Orchestrator returns the scheduler the jobs are registered with.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	return d.orchestrator
}

// Run blocks until ctx is canceled, a signal arrives or an actor fails.
// Running jobs get StopTimeout to finish.
func (d *Daemon) Run(ctx context.Context) error {
	var g run.Group

	// scheduler
	{
		stop := make(chan struct{})
		g.Add(func() error {
			d.orchestrator.Start()
			d.logger.Info().Int("jobs", len(d.orchestrator.Jobs())).Msg("scheduler started")
			<-stop
			return nil
		}, func(error) {
			stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.StopTimeout)
			defer cancel()
			if err := d.orchestrator.Stop(stopCtx); err != nil {
				d.logger.Warn().Err(err).Msg("jobs still running at shutdown")
			}
			close(stop)
		})
	}

	// metrics and health endpoint
	if d.cfg.MetricsAddr != "" {
		ln := d.listener
		if ln == nil {
			var err error
			ln, err = net.Listen("tcp", d.cfg.MetricsAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", d.cfg.MetricsAddr, err)
			}
		}
		srv := &http.Server{
			Handler:           d.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       30 * time.Second,
		}
		g.Add(func() error {
			d.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics endpoint listening")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	// signals and parent cancellation
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err := g.Run()

	var sig run.SignalError
	if errors.As(err, &sig) || errors.Is(err, context.Canceled) {
		d.logger.Info().Msg("daemon stopped")
		return nil
	}
	return err
}

// Handler serves /metrics, /health and /jobs.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	if d.cfg.MetricsHandler != nil {
		mux.Handle("/metrics", d.cfg.MetricsHandler)
	}
	mux.HandleFunc("/health", d.serveHealth)
	mux.HandleFunc("/jobs", d.serveJobs)
	return mux
}
