package pipeline

import (
	"context"
	"time"

	"pipelinecore.evalgo.org/common"
	"pipelinecore.evalgo.org/db"
)

// Journal is the narrow seam onto the state store every level of the
// orchestration hierarchy needs. *db.StateStore satisfies this directly;
// tests inject a hand-written fake, the same DI-via-interface idiom as
// storage.S3Client and scd.Store.
type Journal interface {
	// ProcessingJobs
	CreateJob(ctx context.Context, job *db.ProcessingJob) error
	GetJob(ctx context.Context, jobID string) (*db.ProcessingJob, error)
	TryAdvanceJobStatus(ctx context.Context, jobID string, from, to common.JobStatus, detail string) (bool, error)
	CompleteJobRollup(ctx context.Context, jobID string, status common.JobStatus, succeeded, failed int, records int64) error

	// TenantServices
	GetTenantServices(ctx context.Context, tenantID string) ([]db.TenantServiceRow, error)
	EnabledTenants(ctx context.Context) ([]string, error)

	// LastUpdated
	GetLastUpdated(ctx context.Context, tenantID, service, tableName string) (time.Time, bool, error)
	TryAdvanceWatermark(ctx context.Context, tenantID, service, tableName string, newWatermark time.Time) (bool, error)

	// ChunkProgress
	CreateChunkProgress(ctx context.Context, c *db.ChunkProgress) error
	GetChunkProgress(ctx context.Context, jobID, chunkID string) (*db.ChunkProgress, error)
	ListChunksByTable(ctx context.Context, jobID, tenantID, service, tableName string) ([]*db.ChunkProgress, error)
	TryStartChunk(ctx context.Context, jobID, chunkID string) (bool, error)
	AppendChunkProgress(ctx context.Context, jobID, chunkID string, recordsDelta, pagesDelta, lastPage, lastOffset int, newFiles []string, maxWatermark *time.Time) error
	TryCompleteChunk(ctx context.Context, jobID, chunkID string) (bool, error)
	TryFailChunk(ctx context.Context, jobID, chunkID string, errorKind common.ErrorKind, detail string) (bool, error)
	TryRetryChunk(ctx context.Context, jobID, chunkID string, errorKind common.ErrorKind, detail string) (bool, error)
	TryTimeoutChunk(ctx context.Context, jobID, chunkID string, lastPage, lastOffset int) (bool, error)
}
