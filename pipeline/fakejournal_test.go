package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pipelinecore.evalgo.org/common"
	"pipelinecore.evalgo.org/db"
	"pipelinecore.evalgo.org/storage"
)

// fakeJournal is a hand-written in-memory Journal, following the same
// DI-via-interface mocking idiom as scd.fakeStore and storage.MockS3Client.
// It implements just enough of the real state machine's conditional-update
// semantics (RowsAffected()==0-means-conflict) for the orchestration tests
// to exercise retry/resume/peer-isolation behavior without a live Postgres.
type fakeJournal struct {
	mu sync.Mutex

	jobs   map[string]*db.ProcessingJob
	chunks map[string]map[string]*db.ChunkProgress // jobID -> chunkID -> chunk

	tenantServices map[string][]db.TenantServiceRow
	enabledTenants []string
	watermarks     map[string]time.Time
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{
		jobs:           map[string]*db.ProcessingJob{},
		chunks:         map[string]map[string]*db.ChunkProgress{},
		tenantServices: map[string][]db.TenantServiceRow{},
		watermarks:     map[string]time.Time{},
	}
}

func (f *fakeJournal) CreateJob(_ context.Context, job *db.ProcessingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.Status = common.JobPending
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	cp := *job
	f.jobs[job.JobID] = &cp
	return nil
}

func (f *fakeJournal) GetJob(_ context.Context, jobID string) (*db.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJournal) TryAdvanceJobStatus(_ context.Context, jobID string, from, to common.JobStatus, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok || job.Status != from {
		return false, nil
	}
	job.Status = to
	job.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeJournal) CompleteJobRollup(_ context.Context, jobID string, status common.JobStatus, succeeded, failed int, records int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	job.Status = status
	job.TenantsSucceeded = succeeded
	job.TenantsFailed = failed
	job.RecordsProcessed = records
	job.UpdatedAt = time.Now()
	return nil
}

func (f *fakeJournal) GetTenantServices(_ context.Context, tenantID string) ([]db.TenantServiceRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.TenantServiceRow(nil), f.tenantServices[tenantID]...), nil
}

func (f *fakeJournal) EnabledTenants(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.enabledTenants...), nil
}

func (f *fakeJournal) GetLastUpdated(_ context.Context, tenantID, service, tableName string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wm, ok := f.watermarks[tenantID+"/"+service+"/"+tableName]
	return wm, ok, nil
}

func (f *fakeJournal) TryAdvanceWatermark(_ context.Context, tenantID, service, tableName string, newWatermark time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenantID + "/" + service + "/" + tableName
	if cur, ok := f.watermarks[key]; ok && !cur.Before(newWatermark) {
		return false, nil
	}
	f.watermarks[key] = newWatermark
	return true, nil
}

func (f *fakeJournal) CreateChunkProgress(_ context.Context, c *db.ChunkProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.Status = common.ChunkPending
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	if f.chunks[c.JobID] == nil {
		f.chunks[c.JobID] = map[string]*db.ChunkProgress{}
	}
	cp := *c
	f.chunks[c.JobID][c.ChunkID] = &cp
	return nil
}

func (f *fakeJournal) GetChunkProgress(_ context.Context, jobID, chunkID string) (*db.ChunkProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chunks[jobID][chunkID]
	if !ok {
		return nil, fmt.Errorf("chunk not found: %s/%s", jobID, chunkID)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeJournal) ListChunksByTable(_ context.Context, jobID, tenantID, service, tableName string) ([]*db.ChunkProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.ChunkProgress
	for _, c := range f.chunks[jobID] {
		if c.TenantID == tenantID && c.Service == service && c.TableName == tableName {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeJournal) TryStartChunk(_ context.Context, jobID, chunkID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chunks[jobID][chunkID]
	if !ok || (c.Status != common.ChunkPending && c.Status != common.ChunkTimedOut) {
		return false, nil
	}
	c.Status = common.ChunkInProgress
	c.Attempt++
	c.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeJournal) AppendChunkProgress(_ context.Context, jobID, chunkID string, recordsDelta, pagesDelta, lastPage, lastOffset int, newFiles []string, maxWatermark *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chunks[jobID][chunkID]
	if !ok || c.Status != common.ChunkInProgress {
		return fmt.Errorf("chunk not in_progress or not found: %s/%s", jobID, chunkID)
	}
	c.RecordsProcessed += recordsDelta
	c.PagesFetched += pagesDelta
	c.LastPage = lastPage
	c.LastOffset = lastOffset
	c.S3FilesWritten = append(c.S3FilesWritten, newFiles...)
	if maxWatermark != nil && (c.MaxWatermark == nil || maxWatermark.After(*c.MaxWatermark)) {
		wm := *maxWatermark
		c.MaxWatermark = &wm
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (f *fakeJournal) TryCompleteChunk(_ context.Context, jobID, chunkID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chunks[jobID][chunkID]
	if !ok || c.Status != common.ChunkInProgress {
		return false, nil
	}
	c.Status = common.ChunkCompleted
	c.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeJournal) TryFailChunk(_ context.Context, jobID, chunkID string, errorKind common.ErrorKind, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chunks[jobID][chunkID]
	if !ok || (c.Status != common.ChunkInProgress && c.Status != common.ChunkPending) {
		return false, nil
	}
	c.Status = common.ChunkFailed
	c.LastErrorKind = string(errorKind)
	c.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeJournal) TryRetryChunk(_ context.Context, jobID, chunkID string, errorKind common.ErrorKind, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chunks[jobID][chunkID]
	if !ok || c.Status != common.ChunkInProgress {
		return false, nil
	}
	c.Status = common.ChunkPending
	c.LastErrorKind = string(errorKind)
	c.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeJournal) TryTimeoutChunk(_ context.Context, jobID, chunkID string, lastPage, lastOffset int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chunks[jobID][chunkID]
	if !ok || c.Status != common.ChunkInProgress {
		return false, nil
	}
	c.Status = common.ChunkTimedOut
	c.LastPage = lastPage
	c.LastOffset = lastOffset
	c.UpdatedAt = time.Now()
	return true, nil
}

// fakeRawWriter is a hand-written in-memory RawWriter.
type fakeRawWriter struct {
	mu      sync.Mutex
	batches []rawBatch
	failAt  int // if > 0, the failAt-th Write call (1-indexed) fails
	calls   int
}

type rawBatch struct {
	TenantID, Service, TableName string
	Seq                          int
	Rows                         []storage.RawRow
}

func (w *fakeRawWriter) Write(_ context.Context, tenantID, service, tableName string, seq int, rows []storage.RawRow) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failAt > 0 && w.calls == w.failAt {
		return "", fmt.Errorf("simulated write failure")
	}
	w.batches = append(w.batches, rawBatch{TenantID: tenantID, Service: service, TableName: tableName, Seq: seq, Rows: rows})
	key := fmt.Sprintf("%s/raw/%s/%s/seq-%d.parquet", tenantID, service, tableName, seq)
	return key, nil
}
