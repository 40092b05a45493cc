package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokenwatch/price-oracle/internal/config"
	"github.com/tokenwatch/price-oracle/internal/models"
	"github.com/tokenwatch/price-oracle/internal/store"
)

// JobFunc is one scheduled job body. It must respect ctx cancellation; the
// scheduler never kills a running job.
type JobFunc func(ctx context.Context) error

type job struct {
	cfg      config.JobConfig
	handler  JobFunc
	inFlight atomic.Bool
}

// Scheduler runs registered jobs on interval or calendar triggers. Each job
// belongs to one lane; a lane is a fixed-size worker pool, so a slow heavy
// job can exhaust its own lane but never starve price collection. A trigger
// firing while the previous run is still going is dropped, not queued.
type Scheduler struct {
	store *store.Store
	log   *logrus.Entry

	tracer trace.Tracer
	cron   *cron.Cron
	lanes  map[string]chan struct{}
	jobs   map[string]*job

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg config.SchedulerConfig, st *store.Store, tracer trace.Tracer, log *logrus.Entry) *Scheduler {
	lanes := make(map[string]chan struct{}, len(cfg.Lanes))
	for name, size := range cfg.Lanes {
		if size < 1 {
			size = 1
		}
		lanes[name] = make(chan struct{}, size)
	}

	jobs := make(map[string]*job, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		jobs[jc.Name] = &job{cfg: jc}
	}

	return &Scheduler{
		store:  st,
		log:    log,
		tracer: tracer,
		cron:   cron.New(),
		lanes:  lanes,
		jobs:   jobs,
	}
}

// Register binds a handler to a configured job name. Registering a name the
// configuration does not declare is a programming error.
func (s *Scheduler) Register(name string, handler JobFunc) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %s not declared in scheduler config", name)
	}
	j.handler = handler
	return nil
}

// Start launches every enabled job with a handler. Jobs that are configured
// but unregistered are logged and skipped so a partial deployment degrades
// instead of crashing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, j := range s.jobs {
		if !j.cfg.Enabled {
			s.log.WithField("job", j.cfg.Name).Info("Job disabled")
			continue
		}
		if j.handler == nil {
			s.log.WithField("job", j.cfg.Name).Warn("Job has no handler, skipping")
			continue
		}

		if j.cfg.Cron != "" {
			j := j
			if _, err := s.cron.AddFunc(j.cfg.Cron, func() { s.dispatch(runCtx, j) }); err != nil {
				cancel()
				return fmt.Errorf("invalid cron expression for job %s: %w", j.cfg.Name, err)
			}
			continue
		}

		s.wg.Add(1)
		go s.runInterval(runCtx, j)
	}

	s.cron.Start()
	s.started = true
	s.log.WithField("jobs", len(s.jobs)).Info("Scheduler started")
	return nil
}

// LaneStats reports per-lane pool occupancy for the health endpoint.
func (s *Scheduler) LaneStats() map[string]models.LaneStat {
	stats := make(map[string]models.LaneStat, len(s.lanes))
	for name, lane := range s.lanes {
		stats[name] = models.LaneStat{Capacity: cap(lane), InFlight: len(lane)}
	}
	return stats
}

// Stop cancels all triggers and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}

	cronCtx := s.cron.Stop()
	s.cancel()
	<-cronCtx.Done()
	s.wg.Wait()
	s.started = false
	s.log.Info("Scheduler stopped")
}

func (s *Scheduler) runInterval(ctx context.Context, j *job) {
	defer s.wg.Done()

	interval := time.Duration(j.cfg.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx, j)
		}
	}
}

// dispatch runs one trigger firing. The in-flight flag is taken before the
// lane slot: a job blocked on a full lane still counts as in flight, so the
// next firing drops instead of piling up behind it.
func (s *Scheduler) dispatch(ctx context.Context, j *job) {
	if !j.inFlight.CompareAndSwap(false, true) {
		s.log.WithField("job", j.cfg.Name).Debug("Previous run still in flight, skipping trigger")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.inFlight.Store(false)

		lane := s.lanes[j.cfg.Lane]
		select {
		case <-ctx.Done():
			return
		case lane <- struct{}{}:
		}
		defer func() { <-lane }()

		s.run(ctx, j)
	}()
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	runID := uuid.New().String()
	startedAt := time.Now().UTC()
	log := s.log.WithFields(logrus.Fields{
		"job":    j.cfg.Name,
		"lane":   j.cfg.Lane,
		"run_id": runID,
	})

	ctx, span := s.tracer.Start(ctx, "job."+j.cfg.Name,
		trace.WithAttributes(
			attribute.String("job.lane", j.cfg.Lane),
			attribute.String("job.run_id", runID),
		))
	defer span.End()

	outcome := models.JobOutcomeCompleted
	if err := j.handler(ctx); err != nil {
		outcome = models.JobOutcomeFailed
		span.RecordError(err)
		log.WithError(err).Error("Job failed")
	} else {
		log.WithField("duration", time.Since(startedAt).Round(time.Millisecond)).Debug("Job completed")
	}

	// The persisted timestamp is the run start, even on failure, so the
	// monitor measures trigger cadence rather than job luck.
	run := models.JobRun{
		Name:      j.cfg.Name,
		Lane:      j.cfg.Lane,
		Enabled:   j.cfg.Enabled,
		LastRunAt: &startedAt,
		Outcome:   outcome,
	}
	if err := s.store.RecordJobRun(ctx, run); err != nil {
		log.WithError(err).Error("Failed to persist job run")
	}
}
