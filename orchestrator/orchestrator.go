// Package orchestrator runs recurring jobs on cron schedules, one lease-guarded
// execution per job key across every replica.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tarkka/lease"
)

var tracer = otel.Tracer("github.com/yairfalse/tarkka/orchestrator")

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule checks a cron expression with 5 or 6 fields.
func ValidateSchedule(expr string) error {
	if expr == "" {
		return fmt.Errorf("empty schedule")
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("schedule %q: %w", expr, err)
	}
	return nil
}

// Orchestrator schedules jobs and guards each run with a lease.
type Orchestrator struct {
	locker  lease.Locker
	cron    *cron.Cron
	logger  zerolog.Logger
	metrics *jobMetrics
	now     func() time.Time

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*entry
}

type entry struct {
	job     Job
	cronID  cron.EntryID
	active  int
	running int
	skipped bool
	last    Outcome
}

func (e *entry) state() JobState {
	switch {
	case e.running > 0:
		return StateRunning
	case e.active > 0:
		return StateLocked
	case e.skipped:
		return StateSkipped
	default:
		return StateIdle
	}
}

type options struct {
	logger   zerolog.Logger
	provider metric.MeterProvider
	location *time.Location
}

// Option configures an Orchestrator.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeterProvider sets where job metrics are recorded.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) { o.provider = provider }
}

// WithLocation sets the time zone schedules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

// New creates an orchestrator that takes leases from locker.
func New(locker lease.Locker, opts ...Option) (*Orchestrator, error) {
	cfg := options{
		logger:   log.Logger,
		provider: otel.GetMeterProvider(),
		location: time.Local,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	metrics, err := newJobMetrics(cfg.provider)
	if err != nil {
		return nil, fmt.Errorf("job metrics: %w", err)
	}

	logger := cfg.logger.With().Str("component", "orchestrator").Logger()
	root, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		locker: locker,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(cfg.location),
			cron.WithLogger(cronLogger{logger: logger}),
		),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		root:    root,
		cancel:  cancel,
		jobs:    make(map[string]*entry),
	}, nil
}

// Add registers a job. It can be called before or after Start.
func (o *Orchestrator) Add(job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	job = job.withDefaults()

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	e := &entry{job: job}
	id, err := o.cron.AddFunc(job.Schedule, func() {
		o.execute(o.root, e)
	})
	if err != nil {
		return fmt.Errorf("%w: job %s: %v", ErrInvalidJob, job.ID, err)
	}
	e.cronID = id
	o.jobs[job.ID] = e

	o.logger.Info().
		Str("job", job.ID).
		Str("schedule", job.Schedule).
		Str("lock_key", job.LockKey).
		Msg("job registered")
	return nil
}

// Remove unregisters a job. A run already in flight finishes normally.
func (o *Orchestrator) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	o.cron.Remove(e.cronID)
	delete(o.jobs, id)

	o.logger.Info().Str("job", id).Msg("job removed")
	return nil
}

// Jobs lists registered jobs sorted by id.
func (o *Orchestrator) Jobs() []JobInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	infos := make([]JobInfo, 0, len(o.jobs))
	for _, e := range o.jobs {
		infos = append(infos, JobInfo{
			ID:       e.job.ID,
			Schedule: e.job.Schedule,
			LockKey:  e.job.LockKey,
			State:    e.state(),
			Next:     o.cron.Entry(e.cronID).Next,
			Last:     e.last,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// State returns the current state of a job.
func (o *Orchestrator) State(id string) (JobState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.jobs[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return e.state(), nil
}

// Start begins firing schedules.
func (o *Orchestrator) Start() {
	o.cron.Start()
	o.logger.Info().Int("jobs", len(o.Jobs())).Msg("orchestrator started")
}

// Stop stops scheduling and waits for running jobs. When ctx ends first the
// in-flight runs are canceled and ctx's error is returned.
func (o *Orchestrator) Stop(ctx context.Context) error {
	scheduled := o.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-scheduled.Done()
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		o.logger.Info().Msg("orchestrator stopped")
		return nil
	case <-ctx.Done():
		o.cancel()
		o.logger.Warn().Msg("orchestrator stop timed out, canceled running jobs")
		return ctx.Err()
	}
}

// Trigger runs a job now, through the same lease and state machine as a
// scheduled tick, and returns its outcome.
func (o *Orchestrator) Trigger(ctx context.Context, id string) (Outcome, error) {
	o.mu.Lock()
	e, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return o.execute(ctx, e), nil
}

func (o *Orchestrator) execute(ctx context.Context, e *entry) Outcome {
	o.wg.Add(1)
	defer o.wg.Done()

	job := e.job
	out := Outcome{JobID: job.ID, StartedAt: o.now()}
	logger := o.logger.With().Str("job", job.ID).Logger()

	if !o.reserve(e) {
		out.Status, out.Reason = RunSkipped, "instance limit reached"
		return o.finish(ctx, e, out, logger)
	}
	defer o.unreserve(e)

	acquired, err := o.locker.TryAcquire(ctx, job.LockKey, job.LockTTL)
	if err != nil {
		out.Status, out.Err = RunFailed, fmt.Errorf("acquire lease %s: %w", job.LockKey, err)
		return o.finish(ctx, e, out, logger)
	}
	if !acquired {
		out.Status, out.Reason = RunSkipped, "lease held elsewhere"
		return o.finish(ctx, e, out, logger)
	}
	defer o.release(ctx, job.LockKey, logger)

	o.setRunning(e, 1)
	err = o.run(ctx, job)
	o.setRunning(e, -1)

	if err != nil {
		out.Status, out.Err = RunFailed, err
	} else {
		out.Status = RunSucceeded
	}
	return o.finish(ctx, e, out, logger)
}

func (o *Orchestrator) run(ctx context.Context, job Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttributes(attribute.String("job", job.ID))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
			o.logger.Error().
				Str("job", job.ID).
				Str("stack", string(debug.Stack())).
				Msgf("recovered panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return job.Run(ctx)
}

func (o *Orchestrator) release(ctx context.Context, key string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := o.locker.Release(ctx, key); err != nil {
		logger.Warn().Err(err).Str("lock_key", key).Msg("lease release failed, it will expire")
	}
}

func (o *Orchestrator) reserve(e *entry) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e.active >= e.job.MaxInstances {
		return false
	}
	e.active++
	return true
}

func (o *Orchestrator) unreserve(e *entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e.active--
}

func (o *Orchestrator) setRunning(e *entry, delta int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e.running += delta
}

func (o *Orchestrator) finish(ctx context.Context, e *entry, out Outcome, logger zerolog.Logger) Outcome {
	out.Duration = o.now().Sub(out.StartedAt)

	o.mu.Lock()
	e.skipped = out.Status == RunSkipped
	e.last = out
	o.mu.Unlock()

	o.metrics.recordRun(ctx, out)

	switch out.Status {
	case RunSkipped:
		logger.Info().Str("reason", out.Reason).Msg("job skipped")
	case RunFailed:
		logger.Error().Err(out.Err).Dur("duration", out.Duration).Msg("job failed")
	default:
		logger.Info().Dur("duration", out.Duration).Msg("job completed")
	}
	return out
}

// cronLogger routes cron's internal logging through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
