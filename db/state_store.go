// Package db provides the journal: the durable, conditionally-updated
// PostgreSQL record of tenant-service configuration, watermarks, processing
// jobs, and chunk progress that makes the orchestration hierarchy
// suspendable (SPEC_FULL §6, §7).
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pipelinecore.evalgo.org/common"
)

// ProcessingJob mirrors the journal row for one pipeline invocation (§3).
type ProcessingJob struct {
	JobID              string
	Mode               common.PipelineMode
	Status             common.JobStatus
	ForceFullSync      bool
	BackfillStart      *time.Time
	BackfillEnd        *time.Time
	BackfillChunkDays  int
	TenantsTotal       int
	TenantsSucceeded   int
	TenantsFailed      int
	RecordsProcessed   int64
	StatusHistory      []common.StatusChange
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ChunkBounds captures whichever of the three bound shapes of §3 applies to
// a chunk: incremental watermark range, backfill date range, or unbounded
// master-data page range. Exactly one pair is meaningful per chunk; the
// unused pairs are zero values.
type ChunkBounds struct {
	StartWatermark *time.Time
	EndWatermark   *time.Time
	StartDate      *time.Time
	EndDate        *time.Time
	PageStart      int
	PageEnd        int // 0 = unbounded
}

// ChunkProgress mirrors the journal row for one (job_id, chunk_id) (§3).
type ChunkProgress struct {
	JobID           string
	ChunkID         string
	TenantID        string
	Service         string
	TableName       string
	Bounds          ChunkBounds
	Status          common.ChunkStatus
	RecordsProcessed int
	PagesFetched    int
	LastPage        int
	LastOffset      int
	S3FilesWritten  []string
	// MaxWatermark is the highest incremental_field value observed among the
	// records this chunk has persisted so far (§3 "LastUpdated ... value of
	// incremental_field at the high end of the most recent completed
	// chunk"). Nil for master-data chunks, which have no incremental_field.
	MaxWatermark    *time.Time
	Attempt         int
	LastErrorKind   string
	StatusHistory   []common.StatusChange
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsTerminal reports whether this chunk needs no further work this run.
func (c *ChunkProgress) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// TenantServiceRow mirrors one `TenantServices` entry (§6).
type TenantServiceRow struct {
	TenantID             string
	Service              string
	Enabled              bool
	CredentialsSecretRef string
	PageSizeOverride     int
	RateLimitOverride    int
	UpdatedAt            time.Time
}

// StateStore provides persistent, conditionally-updated journal access.
// Every mutating method follows the same RowsAffected()==0-means-conflict
// idiom throughout: optimistic concurrency, not locks (§6 "All writes
// support conditional updates").
type StateStore struct {
	pool    *pgxpool.Pool
	channel string // NOTIFY channel name
}

// NewStateStore creates a new state store.
func NewStateStore(pool *pgxpool.Pool, notifyChannel string) *StateStore {
	return &StateStore{
		pool:    pool,
		channel: notifyChannel,
	}
}

// --- ProcessingJobs -------------------------------------------------------

// CreateJob journals a new ProcessingJob with status pending (§4.1).
func (s *StateStore) CreateJob(ctx context.Context, job *ProcessingJob) error {
	query := `
		INSERT INTO processing_jobs (
			job_id, mode, status, force_full_sync, backfill_start, backfill_end,
			backfill_chunk_days, tenants_total, records_processed, status_history
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)
		RETURNING created_at, updated_at`

	history := []common.StatusChange{{Status: string(common.JobPending), At: time.Now().UTC()}}
	err := s.pool.QueryRow(ctx, query,
		job.JobID, job.Mode, common.JobPending, job.ForceFullSync,
		job.BackfillStart, job.BackfillEnd, job.BackfillChunkDays, job.TenantsTotal, history,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.JobID, err)
	}
	job.Status = common.JobPending
	job.StatusHistory = history
	return nil
}

// GetJob retrieves a ProcessingJob by id.
func (s *StateStore) GetJob(ctx context.Context, jobID string) (*ProcessingJob, error) {
	query := `
		SELECT job_id, mode, status, force_full_sync, backfill_start, backfill_end,
		       backfill_chunk_days, tenants_total, tenants_succeeded, tenants_failed,
		       records_processed, status_history, created_at, updated_at
		FROM processing_jobs WHERE job_id = $1`

	job := &ProcessingJob{}
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.JobID, &job.Mode, &job.Status, &job.ForceFullSync, &job.BackfillStart, &job.BackfillEnd,
		&job.BackfillChunkDays, &job.TenantsTotal, &job.TenantsSucceeded, &job.TenantsFailed,
		&job.RecordsProcessed, &job.StatusHistory, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// TryAdvanceJobStatus conditionally transitions a job from one status to
// another, appending a StatusChange entry. Returns false (no error) if the
// job was not in the expected `from` status — the caller lost a race or is
// re-driving a stale view.
func (s *StateStore) TryAdvanceJobStatus(ctx context.Context, jobID string, from, to common.JobStatus, detail string) (bool, error) {
	query := `
		UPDATE processing_jobs
		SET status = $1, updated_at = NOW(),
		    status_history = status_history || jsonb_build_object('status', $1::text, 'at', NOW(), 'detail', $4::text)
		WHERE job_id = $2 AND status = $3`

	result, err := s.pool.Exec(ctx, query, to, jobID, from, detail)
	if err != nil {
		return false, fmt.Errorf("advance job %s %s->%s: %w", jobID, from, to, err)
	}
	return result.RowsAffected() != 0, nil
}

// CompleteJobRollup writes the final rollup counters computed by the
// orchestrator once every tenant run has settled (§4.1). status must already
// be one of the three terminal JobStatus values.
func (s *StateStore) CompleteJobRollup(ctx context.Context, jobID string, status common.JobStatus, succeeded, failed int, records int64) error {
	query := `
		UPDATE processing_jobs
		SET status = $1, tenants_succeeded = $2, tenants_failed = $3, records_processed = $4,
		    updated_at = NOW(),
		    status_history = status_history || jsonb_build_object('status', $1::text, 'at', NOW())
		WHERE job_id = $5`

	result, err := s.pool.Exec(ctx, query, status, succeeded, failed, records, jobID)
	if err != nil {
		return fmt.Errorf("complete job rollup %s: %w", jobID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return nil
}

// StaleJobs returns jobs still non-terminal whose updated_at has not moved
// in longer than the staleness timeout (§4.1 "supervisor MAY mark the job
// failed"). The caller (a supervisor, not this core) decides what to do
// with them.
func (s *StateStore) StaleJobs(ctx context.Context, staleness time.Duration) ([]*ProcessingJob, error) {
	query := `
		SELECT job_id, mode, status, force_full_sync, backfill_start, backfill_end,
		       backfill_chunk_days, tenants_total, tenants_succeeded, tenants_failed,
		       records_processed, status_history, created_at, updated_at
		FROM processing_jobs
		WHERE status NOT IN ($1, $2, $3) AND updated_at < NOW() - make_interval(secs => $4)`

	rows, err := s.pool.Query(ctx, query, common.JobCompleted, common.JobPartialSuccess, common.JobFailed, staleness.Seconds())
	if err != nil {
		return nil, fmt.Errorf("stale jobs query: %w", err)
	}
	defer rows.Close()

	var jobs []*ProcessingJob
	for rows.Next() {
		job := &ProcessingJob{}
		if err := rows.Scan(
			&job.JobID, &job.Mode, &job.Status, &job.ForceFullSync, &job.BackfillStart, &job.BackfillEnd,
			&job.BackfillChunkDays, &job.TenantsTotal, &job.TenantsSucceeded, &job.TenantsFailed,
			&job.RecordsProcessed, &job.StatusHistory, &job.CreatedAt, &job.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// --- TenantServices --------------------------------------------------------

// GetTenantServices returns every (service) row configured for a tenant.
func (s *StateStore) GetTenantServices(ctx context.Context, tenantID string) ([]TenantServiceRow, error) {
	query := `
		SELECT tenant_id, service, enabled, credentials_secret_ref,
		       COALESCE(page_size_override, 0), COALESCE(rate_limit_override, 0), updated_at
		FROM tenant_services WHERE tenant_id = $1`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get tenant services %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []TenantServiceRow
	for rows.Next() {
		var row TenantServiceRow
		if err := rows.Scan(&row.TenantID, &row.Service, &row.Enabled, &row.CredentialsSecretRef,
			&row.PageSizeOverride, &row.RateLimitOverride, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant service: %w", err)
		}
		out = append(out, row)
	}
	return out, nil
}

// EnabledTenants returns every tenant_id with at least one enabled service
// (§4.1 multi-tenant mode discovery).
func (s *StateStore) EnabledTenants(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT tenant_id FROM tenant_services WHERE enabled = true ORDER BY tenant_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("enabled tenants query: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, nil
}

// UpsertTenantService writes or updates one TenantServices row. Tenant
// configuration is read-only from the pipeline's perspective in steady
// state (§3); this exists for the onboarding collaborator named in §1.
func (s *StateStore) UpsertTenantService(ctx context.Context, row TenantServiceRow) error {
	query := `
		INSERT INTO tenant_services (tenant_id, service, enabled, credentials_secret_ref, page_size_override, rate_limit_override, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, 0), NULLIF($6, 0), NOW())
		ON CONFLICT (tenant_id, service) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			credentials_secret_ref = EXCLUDED.credentials_secret_ref,
			page_size_override = EXCLUDED.page_size_override,
			rate_limit_override = EXCLUDED.rate_limit_override,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query, row.TenantID, row.Service, row.Enabled, row.CredentialsSecretRef,
		row.PageSizeOverride, row.RateLimitOverride)
	if err != nil {
		return fmt.Errorf("upsert tenant service %s/%s: %w", row.TenantID, row.Service, err)
	}
	return nil
}

// --- LastUpdated (watermarks) ----------------------------------------------

func serviceTableKey(service, tableName string) string {
	return service + "#" + tableName
}

// GetLastUpdated returns the watermark for (tenant, service, table), or
// ok=false if no sync has ever completed (§3 "Tenant-service state").
func (s *StateStore) GetLastUpdated(ctx context.Context, tenantID, service, tableName string) (watermark time.Time, ok bool, err error) {
	query := `SELECT last_updated FROM last_updated WHERE tenant_id = $1 AND service_table = $2`

	err = s.pool.QueryRow(ctx, query, tenantID, serviceTableKey(service, tableName)).Scan(&watermark)
	if err != nil {
		if isNoRows(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("get last updated %s/%s/%s: %w", tenantID, service, tableName, err)
	}
	return watermark, true, nil
}

// TryAdvanceWatermark advances LastUpdated to newWatermark only if it is
// strictly greater than the current value (or no row exists yet). This is
// the only writer path for watermarks, and it is only ever called once
// every chunk of a table has reached `completed` (§4.3, §8 invariant 1).
func (s *StateStore) TryAdvanceWatermark(ctx context.Context, tenantID, service, tableName string, newWatermark time.Time) (bool, error) {
	query := `
		INSERT INTO last_updated (tenant_id, service_table, last_updated, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, service_table) DO UPDATE SET
			last_updated = EXCLUDED.last_updated, updated_at = NOW()
		WHERE last_updated.last_updated < EXCLUDED.last_updated`

	result, err := s.pool.Exec(ctx, query, tenantID, serviceTableKey(service, tableName), newWatermark)
	if err != nil {
		return false, fmt.Errorf("advance watermark %s/%s/%s: %w", tenantID, service, tableName, err)
	}
	if result.RowsAffected() != 0 {
		return true, nil
	}
	// RowsAffected()==0 on an INSERT...ON CONFLICT means the WHERE guard
	// rejected the update (existing watermark already >= newWatermark) —
	// that's a no-op, not an error, when the row already existed.
	_, ok, getErr := s.GetLastUpdated(ctx, tenantID, service, tableName)
	if getErr != nil {
		return false, getErr
	}
	return !ok, nil
}

// --- ChunkProgress ----------------------------------------------------------

// CreateChunkProgress journals a new chunk with status pending (§4.3
// "Progress journaling").
func (s *StateStore) CreateChunkProgress(ctx context.Context, c *ChunkProgress) error {
	query := `
		INSERT INTO chunk_progress (
			job_id, chunk_id, tenant_id, service, table_name, bounds, status,
			records_processed, pages_fetched, last_page, last_offset, s3_files_written,
			max_watermark, attempt, status_history
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, 0, 0, ARRAY[]::text[], NULL, 0, $8)
		RETURNING created_at, updated_at`

	history := []common.StatusChange{{Status: string(common.ChunkPending), At: time.Now().UTC()}}
	err := s.pool.QueryRow(ctx, query,
		c.JobID, c.ChunkID, c.TenantID, c.Service, c.TableName, chunkBoundsParam(c.Bounds), common.ChunkPending, history,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create chunk %s/%s: %w", c.JobID, c.ChunkID, err)
	}
	c.Status = common.ChunkPending
	c.StatusHistory = history
	return nil
}

// GetChunkProgress retrieves a single chunk by (job_id, chunk_id).
func (s *StateStore) GetChunkProgress(ctx context.Context, jobID, chunkID string) (*ChunkProgress, error) {
	query := `
		SELECT job_id, chunk_id, tenant_id, service, table_name, bounds, status,
		       records_processed, pages_fetched, last_page, last_offset, s3_files_written,
		       max_watermark, attempt, COALESCE(last_error_kind, ''), status_history, created_at, updated_at
		FROM chunk_progress WHERE job_id = $1 AND chunk_id = $2`

	c := &ChunkProgress{}
	var bounds chunkBoundsJSON
	err := s.pool.QueryRow(ctx, query, jobID, chunkID).Scan(
		&c.JobID, &c.ChunkID, &c.TenantID, &c.Service, &c.TableName, &bounds, &c.Status,
		&c.RecordsProcessed, &c.PagesFetched, &c.LastPage, &c.LastOffset, &c.S3FilesWritten,
		&c.MaxWatermark, &c.Attempt, &c.LastErrorKind, &c.StatusHistory, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get chunk %s/%s: %w", jobID, chunkID, err)
	}
	c.Bounds = bounds.toBounds()
	return c, nil
}

// ListChunksByTable returns every chunk journaled for (job_id, tenant,
// service, table) regardless of status — used by the table processor to
// decide whether all chunks have reached a terminal state.
func (s *StateStore) ListChunksByTable(ctx context.Context, jobID, tenantID, service, tableName string) ([]*ChunkProgress, error) {
	query := `
		SELECT job_id, chunk_id, tenant_id, service, table_name, bounds, status,
		       records_processed, pages_fetched, last_page, last_offset, s3_files_written,
		       max_watermark, attempt, COALESCE(last_error_kind, ''), status_history, created_at, updated_at
		FROM chunk_progress
		WHERE job_id = $1 AND tenant_id = $2 AND service = $3 AND table_name = $4`

	rows, err := s.pool.Query(ctx, query, jobID, tenantID, service, tableName)
	if err != nil {
		return nil, fmt.Errorf("list chunks %s/%s/%s/%s: %w", jobID, tenantID, service, tableName, err)
	}
	defer rows.Close()

	var out []*ChunkProgress
	for rows.Next() {
		c := &ChunkProgress{}
		var bounds chunkBoundsJSON
		if err := rows.Scan(
			&c.JobID, &c.ChunkID, &c.TenantID, &c.Service, &c.TableName, &bounds, &c.Status,
			&c.RecordsProcessed, &c.PagesFetched, &c.LastPage, &c.LastOffset, &c.S3FilesWritten,
			&c.MaxWatermark, &c.Attempt, &c.LastErrorKind, &c.StatusHistory, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Bounds = bounds.toBounds()
		out = append(out, c)
	}
	return out, nil
}

// TryStartChunk conditionally transitions a chunk from pending (or
// timed_out, for resumption) to in_progress.
func (s *StateStore) TryStartChunk(ctx context.Context, jobID, chunkID string) (bool, error) {
	query := `
		UPDATE chunk_progress
		SET status = $1, updated_at = NOW(), attempt = attempt + 1,
		    status_history = status_history || jsonb_build_object('status', $1::text, 'at', NOW())
		WHERE job_id = $2 AND chunk_id = $3 AND status IN ($4, $5)`

	result, err := s.pool.Exec(ctx, query, common.ChunkInProgress, jobID, chunkID, common.ChunkPending, common.ChunkTimedOut)
	if err != nil {
		return false, fmt.Errorf("start chunk %s/%s: %w", jobID, chunkID, err)
	}
	return result.RowsAffected() != 0, nil
}

// AppendChunkProgress atomically advances a chunk's in-flight counters and
// appends newFiles to the append-only s3_files_written list (§3 invariant:
// "the list s3_files_written is append-only for its chunk"). maxWatermark,
// if non-nil, is folded into the persisted high-water mark with GREATEST so
// that a chunk resumed across several invocations keeps the highest
// incremental_field value it has ever observed (§3 "LastUpdated"). Must only
// be called while the chunk is in_progress.
func (s *StateStore) AppendChunkProgress(ctx context.Context, jobID, chunkID string, recordsDelta, pagesDelta, lastPage, lastOffset int, newFiles []string, maxWatermark *time.Time) error {
	query := `
		UPDATE chunk_progress
		SET records_processed = records_processed + $1,
		    pages_fetched = pages_fetched + $2,
		    last_page = $3,
		    last_offset = $4,
		    s3_files_written = s3_files_written || $5::text[],
		    max_watermark = GREATEST(max_watermark, $6::timestamptz),
		    updated_at = NOW()
		WHERE job_id = $7 AND chunk_id = $8 AND status = $9`

	result, err := s.pool.Exec(ctx, query, recordsDelta, pagesDelta, lastPage, lastOffset, newFiles, maxWatermark, jobID, chunkID, common.ChunkInProgress)
	if err != nil {
		return fmt.Errorf("append chunk progress %s/%s: %w", jobID, chunkID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("chunk not in_progress or not found: %s/%s", jobID, chunkID)
	}
	return nil
}

// TryCompleteChunk transitions a chunk from in_progress to completed (§4.4
// step 3, the "final flush" path). No chunk writes after this succeeds
// (§8 invariant 6).
func (s *StateStore) TryCompleteChunk(ctx context.Context, jobID, chunkID string) (bool, error) {
	query := `
		UPDATE chunk_progress
		SET status = $1, updated_at = NOW(),
		    status_history = status_history || jsonb_build_object('status', $1::text, 'at', NOW())
		WHERE job_id = $2 AND chunk_id = $3 AND status = $4`

	result, err := s.pool.Exec(ctx, query, common.ChunkCompleted, jobID, chunkID, common.ChunkInProgress)
	if err != nil {
		return false, fmt.Errorf("complete chunk %s/%s: %w", jobID, chunkID, err)
	}
	return result.RowsAffected() != 0, nil
}

// TryFailChunk transitions a chunk to failed with an error kind (§7
// "permanent failures"). Terminal for this pipeline run; no retry.
func (s *StateStore) TryFailChunk(ctx context.Context, jobID, chunkID string, errorKind common.ErrorKind, detail string) (bool, error) {
	query := `
		UPDATE chunk_progress
		SET status = $1, last_error_kind = $2, updated_at = NOW(),
		    status_history = status_history || jsonb_build_object('status', $1::text, 'at', NOW(), 'detail', $5::text)
		WHERE job_id = $3 AND chunk_id = $4 AND status IN ($6, $7)`

	result, err := s.pool.Exec(ctx, query, common.ChunkFailed, string(errorKind), jobID, chunkID, detail, common.ChunkInProgress, common.ChunkPending)
	if err != nil {
		return false, fmt.Errorf("fail chunk %s/%s: %w", jobID, chunkID, err)
	}
	return result.RowsAffected() != 0, nil
}

// TryRetryChunk transitions a chunk from in_progress back to pending after
// a transient failure exhausted its local (within-call) retries, recording
// the error kind for visibility without making the chunk terminal. The
// table processor's cross-invocation retry loop (§4.3 "Retry policy") calls
// this before re-invoking ProcessChunk, so the next TryStartChunk call
// finds the chunk in a startable status again. Attempt count is preserved;
// TryStartChunk increments it on the next start.
func (s *StateStore) TryRetryChunk(ctx context.Context, jobID, chunkID string, errorKind common.ErrorKind, detail string) (bool, error) {
	query := `
		UPDATE chunk_progress
		SET status = $1, last_error_kind = $2, updated_at = NOW(),
		    status_history = status_history || jsonb_build_object('status', $1::text, 'at', NOW(), 'detail', $5::text)
		WHERE job_id = $3 AND chunk_id = $4 AND status = $6`

	result, err := s.pool.Exec(ctx, query, common.ChunkPending, string(errorKind), jobID, chunkID, detail, common.ChunkInProgress)
	if err != nil {
		return false, fmt.Errorf("retry chunk %s/%s: %w", jobID, chunkID, err)
	}
	return result.RowsAffected() != 0, nil
}

// TryTimeoutChunk persists a resumption cursor and marks the chunk
// timed_out (§4.4 step 2.f). The table processor schedules a continuation
// that re-invokes with resume=true, re-entering via TryStartChunk.
func (s *StateStore) TryTimeoutChunk(ctx context.Context, jobID, chunkID string, lastPage, lastOffset int) (bool, error) {
	query := `
		UPDATE chunk_progress
		SET status = $1, last_page = $2, last_offset = $3, updated_at = NOW(),
		    status_history = status_history || jsonb_build_object('status', $1::text, 'at', NOW())
		WHERE job_id = $4 AND chunk_id = $5 AND status = $6`

	result, err := s.pool.Exec(ctx, query, common.ChunkTimedOut, lastPage, lastOffset, jobID, chunkID, common.ChunkInProgress)
	if err != nil {
		return false, fmt.Errorf("timeout chunk %s/%s: %w", jobID, chunkID, err)
	}
	return result.RowsAffected() != 0, nil
}

func isNoRows(err error) bool {
	return err != nil && err.Error() == "no rows in result set"
}

// chunkBoundsJSON is the wire shape for ChunkBounds stored in the bounds
// jsonb column. Only the fields relevant to a chunk's bound type are
// non-nil/non-zero; the three shapes of §3 share one column rather than
// three nullable column groups.
type chunkBoundsJSON struct {
	StartWatermark *time.Time `json:"start_watermark,omitempty"`
	EndWatermark   *time.Time `json:"end_watermark,omitempty"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	PageStart      int        `json:"page_start,omitempty"`
	PageEnd        int        `json:"page_end,omitempty"`
}

// chunkBoundsParam converts ChunkBounds into the wire struct pgx marshals
// into the bounds jsonb column via its default json/jsonb codec.
func chunkBoundsParam(b ChunkBounds) chunkBoundsJSON {
	return chunkBoundsJSON{
		StartWatermark: b.StartWatermark,
		EndWatermark:   b.EndWatermark,
		StartDate:      b.StartDate,
		EndDate:        b.EndDate,
		PageStart:      b.PageStart,
		PageEnd:        b.PageEnd,
	}
}

func (w chunkBoundsJSON) toBounds() ChunkBounds {
	return ChunkBounds{
		StartWatermark: w.StartWatermark,
		EndWatermark:   w.EndWatermark,
		StartDate:      w.StartDate,
		EndDate:        w.EndDate,
		PageStart:      w.PageStart,
		PageEnd:        w.PageEnd,
	}
}
