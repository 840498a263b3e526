package domain

import (
	"time"
)

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"

	AdvisoryModeEnabled  = "enabled"
	AdvisoryModeDisabled = "disabled"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status       string
	Checks       map[string]SystemHealthCheck
	Version      string
	CommitSHA    string
	Environment  string
	RulesVersion string
	AdvisoryMode string
	Uptime       time.Duration
	GeneratedAt  time.Time
}
