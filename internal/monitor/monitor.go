package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tokenwatch/price-oracle/internal/models"
	"github.com/tokenwatch/price-oracle/internal/store"
)

// Per-job staleness thresholds in seconds. Thresholds are several multiples
// of the trigger cadence so one skipped firing never pages anyone.
var jobThresholds = map[string]int64{
	"collect_prices":           300,
	"persist_prices":           300,
	"process_pending_batch":    300,
	"sync_aggregator_data":     900,
	"hourly_candle_update":     7200,
	"daily_candle_backfill":    172800,
	"daily_full_resync":        172800,
	"daily_holdings_update":    172800,
	"daily_unlocks_update":     172800,
	"daily_allocations_update": 172800,
}

type categoryCheck struct {
	name      string
	threshold int64
	latest    func(ctx context.Context) (time.Time, error)
}

// Pinger reports reachability of one external dependency.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Monitor evaluates pipeline health from persisted job metadata and data
// freshness. It holds no state between evaluations.
type Monitor struct {
	store *store.Store
	deps  map[string]Pinger
	log   *logrus.Entry
}

func New(st *store.Store, log *logrus.Entry) *Monitor {
	return &Monitor{store: st, deps: make(map[string]Pinger), log: log}
}

// RegisterDependency adds an external dependency whose reachability is
// reported in every snapshot. Call during wiring, before evaluations start.
func (m *Monitor) RegisterDependency(name string, p Pinger) {
	m.deps[name] = p
}

// Evaluate builds a point-in-time health snapshot. It never returns an
// error: any internal failure, panic included, becomes a snapshot with
// status "error" so the health endpoint always has something to serve.
func (m *Monitor) Evaluate(ctx context.Context) (snapshot models.HealthSnapshot) {
	now := time.Now().UTC()
	snapshot = models.HealthSnapshot{
		Status:       models.HealthStatusHealthy,
		Timestamp:    now,
		CriticalJobs: make(map[string]models.JobHealth, len(jobThresholds)),
		Categories:   make(map[string]models.CategoryHealth),
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("Health evaluation panicked")
			snapshot = errorSnapshot(now, fmt.Sprintf("health evaluation panicked: %v", r))
		}
	}()

	warnings := 0

	snapshot.Dependencies = make(map[string]string, len(m.deps))
	for name, dep := range m.deps {
		status := "up"
		if err := dep.HealthCheck(ctx); err != nil {
			m.log.WithError(err).WithField("dependency", name).Warn("Dependency check failed")
			status = "down"
			warnings++
		}
		snapshot.Dependencies[name] = status
	}

	runs, err := m.store.ListJobRuns(ctx)
	if err != nil {
		m.log.WithError(err).Error("Health evaluation failed to list job runs")
		return errorSnapshot(now, err.Error())
	}
	byName := make(map[string]models.JobRun, len(runs))
	for _, run := range runs {
		byName[run.Name] = run
	}

	for name, threshold := range jobThresholds {
		health := models.JobHealth{Status: models.JobStatusNotFound, ThresholdSeconds: threshold}
		if run, ok := byName[name]; ok {
			switch {
			case run.LastRunAt == nil:
				health.Status = models.JobStatusNeverRun
			default:
				health.LastRun = run.LastRunAt
				health.SecondsAgo = int64(now.Sub(*run.LastRunAt).Seconds())
				if health.SecondsAgo > threshold {
					health.Status = models.JobStatusWarning
				} else {
					health.Status = models.JobStatusOK
				}
			}
		}
		if health.Status != models.JobStatusOK {
			warnings++
		}
		snapshot.CriticalJobs[name] = health
	}

	for _, check := range []categoryCheck{
		{"latest_price", 300, m.store.LatestObservationTime},
		{"market_snapshot", 900, m.store.LatestSnapshotTime},
		{"hourly_candle", 7200, m.store.LatestCandleTime},
	} {
		health := models.CategoryHealth{
			Status:           models.CategoryStatusStale,
			ThresholdSeconds: check.threshold,
		}

		latest, err := check.latest(ctx)
		switch {
		case errors.Is(err, store.ErrNotFound) || (err == nil && latest.IsZero()):
			// No data at all counts as stale, not as an error.
		case err != nil:
			m.log.WithError(err).WithField("category", check.name).Error("Health evaluation query failed")
			return errorSnapshot(now, err.Error())
		default:
			health.LatestRecord = &latest
			health.SecondsAgo = int64(now.Sub(latest).Seconds())
			if health.SecondsAgo <= check.threshold {
				health.Status = models.CategoryStatusFresh
			}
		}

		if health.Status != models.CategoryStatusFresh {
			warnings++
		}
		snapshot.Categories[check.name] = health
	}

	switch {
	case warnings == 0:
		snapshot.Status = models.HealthStatusHealthy
	case warnings == 1:
		snapshot.Status = models.HealthStatusWarning
	default:
		snapshot.Status = models.HealthStatusUnhealthy
	}
	return snapshot
}

func errorSnapshot(now time.Time, msg string) models.HealthSnapshot {
	return models.HealthSnapshot{
		Status:    models.HealthStatusError,
		Timestamp: now,
		Error:     msg,
	}
}
