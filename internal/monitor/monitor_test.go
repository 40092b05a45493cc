package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenwatch/price-oracle/internal/models"
	"github.com/tokenwatch/price-oracle/internal/store"
)

func newTestMonitor(t *testing.T) (*Monitor, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(store.New(mock), logger.WithField("component", "test")), mock
}

// jobRunRows builds a full scheduled_jobs result where every job last ran
// at the given offset before now, except the named overrides.
func jobRunRows(offset time.Duration, overrides map[string]time.Duration) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{"name", "lane", "enabled", "last_run_at", "outcome"})
	for name := range jobThresholds {
		ago := offset
		if v, ok := overrides[name]; ok {
			ago = v
		}
		ts := time.Now().UTC().Add(-ago)
		rows.AddRow(name, "price", true, &ts, models.JobOutcomeCompleted)
	}
	return rows
}

func expectFreshCategories(mock pgxmock.PgxPoolIface) {
	now := time.Now().UTC()
	mock.ExpectQuery("FROM price_observations").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(&now))
	mock.ExpectQuery("FROM market_snapshots").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(&now))
	mock.ExpectQuery("FROM candles").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(&now))
}

func TestEvaluateAllFreshIsHealthy(t *testing.T) {
	mon, mock := newTestMonitor(t)

	mock.ExpectQuery("FROM scheduled_jobs").
		WillReturnRows(jobRunRows(10*time.Second, nil))
	expectFreshCategories(mock)

	snapshot := mon.Evaluate(context.Background())
	assert.Equal(t, models.HealthStatusHealthy, snapshot.Status)
	assert.Len(t, snapshot.CriticalJobs, len(jobThresholds))
	assert.Len(t, snapshot.Categories, 3)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateSingleWarning(t *testing.T) {
	mon, mock := newTestMonitor(t)

	mock.ExpectQuery("FROM scheduled_jobs").
		WillReturnRows(jobRunRows(10*time.Second, map[string]time.Duration{
			"collect_prices": time.Hour,
		}))
	expectFreshCategories(mock)

	snapshot := mon.Evaluate(context.Background())
	assert.Equal(t, models.HealthStatusWarning, snapshot.Status)
	assert.Equal(t, models.JobStatusWarning, snapshot.CriticalJobs["collect_prices"].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateBatchProcessingSharesCollectionThreshold(t *testing.T) {
	mon, mock := newTestMonitor(t)

	// 400s would be fine on the aggregator-sync threshold but the batch
	// processor belongs with collection and persistence at 300s.
	mock.ExpectQuery("FROM scheduled_jobs").
		WillReturnRows(jobRunRows(10*time.Second, map[string]time.Duration{
			"process_pending_batch": 400 * time.Second,
		}))
	expectFreshCategories(mock)

	snapshot := mon.Evaluate(context.Background())
	assert.Equal(t, models.HealthStatusWarning, snapshot.Status)
	health := snapshot.CriticalJobs["process_pending_batch"]
	assert.Equal(t, models.JobStatusWarning, health.Status)
	assert.EqualValues(t, 300, health.ThresholdSeconds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateTwoWarningsIsUnhealthy(t *testing.T) {
	mon, mock := newTestMonitor(t)

	mock.ExpectQuery("FROM scheduled_jobs").
		WillReturnRows(jobRunRows(10*time.Second, map[string]time.Duration{
			"collect_prices": time.Hour,
			"persist_prices": time.Hour,
		}))
	expectFreshCategories(mock)

	snapshot := mon.Evaluate(context.Background())
	assert.Equal(t, models.HealthStatusUnhealthy, snapshot.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateMissingJobsWarn(t *testing.T) {
	mon, mock := newTestMonitor(t)

	// Empty job table: every critical job reports not_found.
	mock.ExpectQuery("FROM scheduled_jobs").
		WillReturnRows(pgxmock.NewRows([]string{"name", "lane", "enabled", "last_run_at", "outcome"}))
	expectFreshCategories(mock)

	snapshot := mon.Evaluate(context.Background())
	assert.Equal(t, models.HealthStatusUnhealthy, snapshot.Status)
	for name, health := range snapshot.CriticalJobs {
		assert.Equal(t, models.JobStatusNotFound, health.Status, name)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

type staticPinger struct{ err error }

func (p staticPinger) HealthCheck(context.Context) error { return p.err }

func TestEvaluateReportsDependencyStatus(t *testing.T) {
	mon, mock := newTestMonitor(t)
	mon.RegisterDependency("database", staticPinger{})
	mon.RegisterDependency("cache", staticPinger{err: assert.AnError})

	mock.ExpectQuery("FROM scheduled_jobs").
		WillReturnRows(jobRunRows(10*time.Second, nil))
	expectFreshCategories(mock)

	snapshot := mon.Evaluate(context.Background())
	assert.Equal(t, models.HealthStatusWarning, snapshot.Status)
	assert.Equal(t, "up", snapshot.Dependencies["database"])
	assert.Equal(t, "down", snapshot.Dependencies["cache"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateStaleCategoryWarns(t *testing.T) {
	mon, mock := newTestMonitor(t)

	mock.ExpectQuery("FROM scheduled_jobs").
		WillReturnRows(jobRunRows(10*time.Second, nil))

	now := time.Now().UTC()
	stale := now.Add(-time.Hour)
	mock.ExpectQuery("FROM price_observations").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(&stale))
	mock.ExpectQuery("FROM market_snapshots").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(&now))
	mock.ExpectQuery("FROM candles").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(&now))

	snapshot := mon.Evaluate(context.Background())
	assert.Equal(t, models.HealthStatusWarning, snapshot.Status)
	assert.Equal(t, models.CategoryStatusStale, snapshot.Categories["latest_price"].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateEmptyTablesAreStaleNotError(t *testing.T) {
	mon, mock := newTestMonitor(t)

	mock.ExpectQuery("FROM scheduled_jobs").
		WillReturnRows(jobRunRows(10*time.Second, nil))

	// Fresh deployment: MAX over each empty table yields one NULL row.
	mock.ExpectQuery("FROM price_observations").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery("FROM market_snapshots").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery("FROM candles").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(nil))

	snapshot := mon.Evaluate(context.Background())
	assert.Equal(t, models.HealthStatusUnhealthy, snapshot.Status)
	for name, health := range snapshot.Categories {
		assert.Equal(t, models.CategoryStatusStale, health.Status, name)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateStoreFailureIsErrorSnapshot(t *testing.T) {
	mon, mock := newTestMonitor(t)

	mock.ExpectQuery("FROM scheduled_jobs").WillReturnError(assert.AnError)

	snapshot := mon.Evaluate(context.Background())
	assert.Equal(t, models.HealthStatusError, snapshot.Status)
	assert.NotEmpty(t, snapshot.Error)
	require.NoError(t, mock.ExpectationsWereMet())
}
