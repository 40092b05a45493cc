package models

import (
	"time"
)

// JobOutcome records how the most recent run of a scheduled job ended.
type JobOutcome string

const (
	JobOutcomeCompleted JobOutcome = "completed"
	JobOutcomeFailed    JobOutcome = "failed"
)

// JobRun is the persisted per-job metadata the freshness monitor reads.
// LastRunAt is the time the run started, not finished, so a long-running job
// cannot trigger a catch-up burst.
type JobRun struct {
	Name      string     `json:"name" db:"name"`
	Lane      string     `json:"lane" db:"lane"`
	Enabled   bool       `json:"enabled" db:"enabled"`
	LastRunAt *time.Time `json:"last_run_at" db:"last_run_at"`
	Outcome   JobOutcome `json:"outcome" db:"outcome"`
}

// Health statuses used across the monitor and handlers.
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusWarning   = "warning"
	HealthStatusUnhealthy = "unhealthy"
	HealthStatusError     = "error"

	JobStatusOK       = "ok"
	JobStatusWarning  = "warning"
	JobStatusNeverRun = "never_run"
	JobStatusNotFound = "not_found"

	CategoryStatusFresh = "fresh"
	CategoryStatusStale = "stale"
)

// LaneStat reports one scheduler lane's pool occupancy.
type LaneStat struct {
	Capacity int `json:"capacity"`
	InFlight int `json:"in_flight"`
}

// JobHealth is one critical job's status against its threshold.
type JobHealth struct {
	LastRun          *time.Time `json:"last_run"`
	SecondsAgo       int64      `json:"seconds_ago,omitempty"`
	Status           string     `json:"status"`
	ThresholdSeconds int64      `json:"threshold_seconds,omitempty"`
}

// CategoryHealth is one data category's freshness against its threshold.
type CategoryHealth struct {
	LatestRecord     *time.Time `json:"latest_record"`
	SecondsAgo       int64      `json:"seconds_ago,omitempty"`
	Status           string     `json:"status"`
	ThresholdSeconds int64      `json:"threshold_seconds"`
}

// HealthSnapshot is the point-in-time report produced by the freshness
// monitor. It is built fresh on every evaluation and never persisted.
type HealthSnapshot struct {
	Status       string                    `json:"status"`
	Timestamp    time.Time                 `json:"timestamp"`
	Dependencies map[string]string         `json:"dependencies,omitempty"`
	CriticalJobs map[string]JobHealth      `json:"critical_jobs"`
	Categories   map[string]CategoryHealth `json:"categories"`
	Error        string                    `json:"error,omitempty"`
}
