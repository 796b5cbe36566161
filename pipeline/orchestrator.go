package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pipelinecore.evalgo.org/common"
	"pipelinecore.evalgo.org/config"
	"pipelinecore.evalgo.org/db"
	"pipelinecore.evalgo.org/queue"
)

// TenantRunner is the narrow seam the Pipeline Orchestrator needs onto the
// tenant processing level. *TenantProcessor satisfies this directly.
type TenantRunner interface {
	ProcessTenant(ctx context.Context, in TenantInput) (common.TenantOutcome, error)
}

// StartRequest is one StartPipeline invocation (§4.1 "Invocation surface").
// A non-empty TenantID selects single-tenant mode; its zero value selects
// multi-tenant mode, discovering every tenant with at least one enabled
// service (§4.1 "Discovery").
type StartRequest struct {
	TenantID      string
	ForceFullSync bool
	BackfillStart *time.Time
	BackfillEnd   *time.Time
	ChunkBudget   time.Duration
}

// Orchestrator implements the top of the orchestration hierarchy (§4.1): job
// journaling, single-tenant vs. multi-tenant discovery, bounded tenant
// fan-out, rollup computation, and the completion notification.
type Orchestrator struct {
	journal  Journal
	tenants  TenantRunner
	notifier queue.MessagePublisher
	cfg      config.PipelineConfig
	now      func() time.Time
	newJobID func() string
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(journal Journal, tenants TenantRunner, notifier queue.MessagePublisher, cfg config.PipelineConfig) *Orchestrator {
	return &Orchestrator{
		journal:  journal,
		tenants:  tenants,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		newJobID: func() string { return uuid.NewString() },
	}
}

// StartPipeline journals a new job, runs every selected tenant with bounded
// concurrency, computes the final rollup, and publishes a completion
// notification (§4.1). It blocks for the run's full duration; a caller that
// wants async dispatch runs this in its own goroutine (the HTTP layer does
// exactly that).
func (o *Orchestrator) StartPipeline(ctx context.Context, req StartRequest) (common.Rollup, error) {
	mode := common.ModeMultiTenant
	var tenantIDs []string
	if req.TenantID != "" {
		mode = common.ModeSingleTenant
		tenantIDs = []string{req.TenantID}
	} else {
		var err error
		tenantIDs, err = o.journal.EnabledTenants(ctx)
		if err != nil {
			return common.Rollup{}, fmt.Errorf("discover enabled tenants: %w", err)
		}
	}

	job := &db.ProcessingJob{
		JobID:         o.newJobID(),
		Mode:          mode,
		ForceFullSync: req.ForceFullSync,
		BackfillStart: req.BackfillStart,
		BackfillEnd:   req.BackfillEnd,
		TenantsTotal:  len(tenantIDs),
	}
	if err := o.journal.CreateJob(ctx, job); err != nil {
		return common.Rollup{}, fmt.Errorf("create job: %w", err)
	}

	logger := common.JobLogger(job.JobID, mode)
	logger.WithField("tenants_total", len(tenantIDs)).Info("job created")

	if _, err := o.journal.TryAdvanceJobStatus(ctx, job.JobID, common.JobPending, common.JobRunning, "dispatching tenants"); err != nil {
		return common.Rollup{}, fmt.Errorf("advance job %s to running: %w", job.JobID, err)
	}
	logger.Info("job running, dispatching tenants")

	var (
		mu       sync.Mutex
		outcomes []common.TenantOutcome
	)

	RunBounded(ctx, o.cfg.TenantFanout, tenantIDs, func(ctx context.Context, tenantID string) error {
		outcome, err := o.tenants.ProcessTenant(ctx, TenantInput{
			JobID:         job.JobID,
			TenantID:      tenantID,
			ForceFullSync: req.ForceFullSync,
			BackfillStart: req.BackfillStart,
			BackfillEnd:   req.BackfillEnd,
			ChunkBudget:   req.ChunkBudget,
		})
		if err != nil {
			// A tenant-level infrastructure failure (e.g. the journal call
			// itself failed) still must not take down sibling tenants (§5
			// "peer isolation") — fold it into a failed outcome.
			outcome = common.TenantOutcome{TenantID: tenantID, Status: "failed", LastErrorKind: string(common.KindOf(err))}
		}
		mu.Lock()
		outcomes = append(outcomes, outcome)
		mu.Unlock()
		return nil
	})

	rollup := computeRollup(job.JobID, outcomes)

	if err := o.journal.CompleteJobRollup(ctx, job.JobID, rollup.Status, rollup.TenantsSucceeded, rollup.TenantsFailed, rollup.RecordsProcessed); err != nil {
		return common.Rollup{}, fmt.Errorf("complete job rollup %s: %w", job.JobID, err)
	}
	logger.WithFields(map[string]interface{}{
		"status":            string(rollup.Status),
		"tenants_succeeded": rollup.TenantsSucceeded,
		"tenants_failed":    rollup.TenantsFailed,
		"records_processed": rollup.RecordsProcessed,
	}).Info("job completed")

	if o.notifier != nil {
		payload := common.NotificationPayload{
			JobID:     job.JobID,
			Status:    rollup.Status,
			Rollup:    rollup,
			Timestamp: o.now().UTC(),
		}
		if err := o.notifier.PublishMessage(payload); err != nil {
			return rollup, fmt.Errorf("publish completion notification %s: %w", job.JobID, err)
		}
	}

	return rollup, nil
}

// GetJob retrieves a previously started job's current state (§4.1 "poll a
// job's status").
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*db.ProcessingJob, error) {
	return o.journal.GetJob(ctx, jobID)
}

// computeRollup folds per-tenant outcomes into the job-level rollup (§4.1,
// §7 "user-visible failure behavior"): completed if no tenant failed, failed
// if every tenant failed, partial_success otherwise.
func computeRollup(jobID string, outcomes []common.TenantOutcome) common.Rollup {
	var succeeded, failed int
	var records int64
	for _, o := range outcomes {
		records += o.RecordsProcessed
		if o.Status == "failed" {
			failed++
		} else {
			succeeded++
		}
	}

	status := common.JobPartialSuccess
	switch {
	case failed == 0:
		status = common.JobCompleted
	case failed == len(outcomes):
		status = common.JobFailed
	}

	return common.Rollup{
		JobID:            jobID,
		Status:           status,
		TenantsTotal:     len(outcomes),
		TenantsSucceeded: succeeded,
		TenantsFailed:    failed,
		RecordsProcessed: records,
		Tenants:          outcomes,
	}
}
