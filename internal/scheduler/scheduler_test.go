package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tokenwatch/price-oracle/internal/config"
	"github.com/tokenwatch/price-oracle/internal/models"
	"github.com/tokenwatch/price-oracle/internal/store"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Lanes: map[string]int{"price": 2, "heavy": 1},
		Jobs: []config.JobConfig{
			{Name: "collect_prices", IntervalSeconds: 1, Lane: "price", Enabled: true},
			{Name: "persist_prices", IntervalSeconds: 1, Lane: "price", Enabled: true},
			{Name: "daily_full_resync", Cron: "0 3 * * *", Lane: "heavy", Enabled: true},
			{Name: "daily_holdings_update", Cron: "0 4 * * *", Lane: "heavy", Enabled: true},
		},
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s := New(testSchedulerConfig(), store.New(mock),
		noop.NewTracerProvider().Tracer("test"),
		logger.WithField("component", "test"))
	return s, mock
}

func expectJobRun(mock pgxmock.PgxPoolIface, name, lane string, outcome models.JobOutcome) {
	mock.ExpectExec("INSERT INTO scheduled_jobs").
		WithArgs(name, lane, true, pgxmock.AnyArg(), outcome).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func TestRegisterUnknownJob(t *testing.T) {
	s, _ := newTestScheduler(t)
	err := s.Register("no_such_job", func(ctx context.Context) error { return nil })
	require.Error(t, err)
}

func TestAtMostOneInFlight(t *testing.T) {
	s, mock := newTestScheduler(t)
	expectJobRun(mock, "collect_prices", "price", models.JobOutcomeCompleted)

	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Register("collect_prices", func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}))

	ctx := context.Background()
	j := s.jobs["collect_prices"]

	s.dispatch(ctx, j)
	<-started

	// Triggers firing while the first run is still going must be dropped.
	s.dispatch(ctx, j)
	s.dispatch(ctx, j)

	close(release)
	s.wg.Wait()

	assert.EqualValues(t, 1, runs.Load())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRunsAgainAfterCompletion(t *testing.T) {
	s, mock := newTestScheduler(t)
	expectJobRun(mock, "collect_prices", "price", models.JobOutcomeCompleted)
	expectJobRun(mock, "collect_prices", "price", models.JobOutcomeCompleted)

	var runs atomic.Int32
	require.NoError(t, s.Register("collect_prices", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx := context.Background()
	j := s.jobs["collect_prices"]

	s.dispatch(ctx, j)
	s.wg.Wait()
	s.dispatch(ctx, j)
	s.wg.Wait()

	assert.EqualValues(t, 2, runs.Load())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailedRunStillAdvancesTimestamp(t *testing.T) {
	s, mock := newTestScheduler(t)
	expectJobRun(mock, "collect_prices", "price", models.JobOutcomeFailed)

	require.NoError(t, s.Register("collect_prices", func(ctx context.Context) error {
		return errors.New("upstream down")
	}))

	ctx := context.Background()
	s.dispatch(ctx, s.jobs["collect_prices"])
	s.wg.Wait()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLaneLimitsConcurrency(t *testing.T) {
	s, mock := newTestScheduler(t)
	mock.MatchExpectationsInOrder(false)
	expectJobRun(mock, "daily_full_resync", "heavy", models.JobOutcomeCompleted)
	expectJobRun(mock, "daily_holdings_update", "heavy", models.JobOutcomeCompleted)

	firstStarted := make(chan struct{})
	release := make(chan struct{})
	var concurrent, peak atomic.Int32

	body := func(started chan struct{}) JobFunc {
		return func(ctx context.Context) error {
			n := concurrent.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			if started != nil {
				close(started)
			}
			<-release
			concurrent.Add(-1)
			return nil
		}
	}
	require.NoError(t, s.Register("daily_full_resync", body(firstStarted)))
	require.NoError(t, s.Register("daily_holdings_update", body(nil)))

	ctx := context.Background()
	s.dispatch(ctx, s.jobs["daily_full_resync"])
	<-firstStarted
	// The heavy lane has one slot; the second job must wait for it.
	s.dispatch(ctx, s.jobs["daily_holdings_update"])

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, concurrent.Load())

	close(release)
	s.wg.Wait()

	assert.EqualValues(t, 1, peak.Load())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStartRejectsInvalidCron(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := config.SchedulerConfig{
		Lanes: map[string]int{"heavy": 1},
		Jobs:  []config.JobConfig{{Name: "bad", Cron: "not a cron", Lane: "heavy", Enabled: true}},
	}
	s := New(cfg, store.New(mock),
		noop.NewTracerProvider().Tracer("test"),
		logger.WithField("component", "test"))
	require.NoError(t, s.Register("bad", func(ctx context.Context) error { return nil }))

	err = s.Start(context.Background())
	require.Error(t, err)
}
