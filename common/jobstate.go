// Package common provides core data structures and types shared across the
// pipeline: job/chunk status enumerations, an append-only status-change audit
// trail, and the completion notification payload published to RabbitMQ.
package common

import (
	"time"
)

// JobStatus represents the lifecycle of a ProcessingJob (§3/§7).
//
// Transition rules:
//
//	pending         -> running
//	running         -> completed | partial_success | failed
//	completed, partial_success, failed -> (terminal, no further transitions)
type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobRunning        JobStatus = "running"
	JobCompleted      JobStatus = "completed"
	JobPartialSuccess JobStatus = "partial_success"
	JobFailed         JobStatus = "failed"
)

// IsTerminal reports whether a JobStatus admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobPartialSuccess, JobFailed:
		return true
	default:
		return false
	}
}

// ChunkStatus represents the lifecycle of a ChunkProgress row (§3, state
// machine summary in §4.5).
//
//	pending -> in_progress -> completed | failed | timed_out
//	timed_out -> in_progress (on resumption)
//	failed is terminal for the run that produced it
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkInProgress ChunkStatus = "in_progress"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
	ChunkTimedOut   ChunkStatus = "timed_out"
)

// IsTerminal reports whether a chunk in this status requires no further
// processing this pipeline run. timed_out is NOT terminal: the table
// processor schedules a continuation that re-enters in_progress.
func (s ChunkStatus) IsTerminal() bool {
	return s == ChunkCompleted || s == ChunkFailed
}

// PipelineMode selects single-tenant vs. multi-tenant scope for a run (§4.1).
type PipelineMode string

const (
	ModeSingleTenant PipelineMode = "single-tenant"
	ModeMultiTenant  PipelineMode = "multi-tenant"
)

// StatusChange is a single, immutable audit-trail entry appended to a job's
// or chunk's history. Never mutated once appended; consumers scan the slice
// in chronological order to reconstruct how a run arrived at its current
// state.
type StatusChange struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// TenantOutcome is the per-tenant result folded into a job's rollup (§4.1,
// §7 "user-visible failure behavior").
type TenantOutcome struct {
	TenantID         string `json:"tenant_id"`
	Status           string `json:"status"`
	TablesSucceeded  int    `json:"tables_succeeded"`
	TablesFailed     int    `json:"tables_failed"`
	RecordsProcessed int64  `json:"records_processed"`
	LastErrorKind    string `json:"last_error_kind,omitempty"`
}

// Rollup is the aggregated result of a completed (or partially completed)
// pipeline job, carried by the completion notification.
type Rollup struct {
	JobID            string          `json:"job_id"`
	Status           JobStatus       `json:"status"`
	TenantsTotal     int             `json:"tenants_total"`
	TenantsSucceeded int             `json:"tenants_succeeded"`
	TenantsFailed    int             `json:"tenants_failed"`
	RecordsProcessed int64           `json:"records_processed"`
	Tenants          []TenantOutcome `json:"tenants,omitempty"`
}

// NotificationPayload is the message published to the completion-notification
// sink (queue, webhook, or log line — §4.1) once a pipeline job settles.
type NotificationPayload struct {
	JobID     string                 `json:"job_id"`
	Status    JobStatus              `json:"status"`
	Rollup    Rollup                 `json:"rollup"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
