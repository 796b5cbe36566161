package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pipelinecore.evalgo.org/common"
	"pipelinecore.evalgo.org/config"
	"pipelinecore.evalgo.org/db"
	"pipelinecore.evalgo.org/sourceapi"
)

// TableInput is one table's worth of work for one tenant/service (§4.3
// "Invocation surface").
type TableInput struct {
	JobID     string
	TenantID  string
	Service   string
	TableName string

	Endpoint             config.EndpointConfig
	CredentialsSecretRef string

	ForceFullSync bool
	BackfillStart *time.Time
	BackfillEnd   *time.Time

	// ChunkBudget bounds how long a single ProcessChunk call may run before
	// it must persist a cursor and suspend (§4.4). Each dispatched/retried
	// chunk invocation gets its own deadline of now()+ChunkBudget.
	ChunkBudget time.Duration

	PageSizeOverride  int
	RateLimitOverride int
}

// TableOutput is ProcessTable's result (§4.3 "Invocation surface").
type TableOutput struct {
	AllChunksCompleted bool
	// AlreadyComplete reports whether every chunk was already completed
	// before this call ran (a no-op re-invocation). The tenant processor
	// uses this to guarantee TransformAndLoad fires exactly once per table
	// (§4.2, Scenario F "duplicate-trigger prevention") rather than once
	// per re-invocation of an already-settled table.
	AlreadyComplete  bool
	RecordsProcessed int
	S3FilesWritten   []string
}

// ChunkRunner is the narrow seam a TableProcessor needs onto the chunk
// processing level. *ChunkProcessor satisfies this directly; tests inject a
// hand-written fake, the same DI-via-interface idiom used throughout this
// module.
type ChunkRunner interface {
	ProcessChunk(ctx context.Context, in ChunkInput) (ChunkOutput, error)
}

// TableProcessor implements §4.3: watermark-based chunk planning, bounded
// concurrent chunk dispatch, and the cross-invocation retry policy that
// owns a chunk's transient-failure backoff (the chunk processor itself only
// handles within-call transient retries at the page level).
type TableProcessor struct {
	journal Journal
	chunk   ChunkRunner
	cfg     config.PipelineConfig
	now     func() time.Time
}

// NewTableProcessor constructs a TableProcessor.
func NewTableProcessor(journal Journal, chunk ChunkRunner, cfg config.PipelineConfig) *TableProcessor {
	return &TableProcessor{journal: journal, chunk: chunk, cfg: cfg, now: time.Now}
}

// ProcessTable plans a table's chunks (idempotently — a re-invocation for
// the same job/tenant/service/table reuses chunks already journaled rather
// than re-planning), runs them with bounded concurrency, and advances the
// watermark only once every planned chunk has reached `completed` (§8
// invariant 1).
func (p *TableProcessor) ProcessTable(ctx context.Context, in TableInput) (TableOutput, error) {
	existing, err := p.journal.ListChunksByTable(ctx, in.JobID, in.TenantID, in.Service, in.TableName)
	if err != nil {
		return TableOutput{}, fmt.Errorf("list chunks %s/%s/%s: %w", in.TenantID, in.Service, in.TableName, err)
	}

	syncBoundary := p.now().UTC()
	var plan []db.ChunkBounds
	if len(existing) == 0 {
		plan, err = p.planChunks(ctx, in, syncBoundary)
		if err != nil {
			return TableOutput{}, err
		}
		existing, err = p.journalPlan(ctx, in, plan)
		if err != nil {
			return TableOutput{}, err
		}
	}

	wasAlreadyComplete := len(existing) > 0
	for _, c := range existing {
		if c.Status != common.ChunkCompleted {
			wasAlreadyComplete = false
			break
		}
	}

	errs := RunBounded(ctx, p.cfg.ChunkFanout, existing, func(ctx context.Context, c *db.ChunkProgress) error {
		return p.runChunkWithRetry(ctx, in, c)
	})

	var recordsProcessed int
	var files []string
	allCompleted := true
	var firstErr error
	var maxWatermark *time.Time
	for i, c := range existing {
		if errs[i] != nil && firstErr == nil {
			firstErr = errs[i]
		}
		final, getErr := p.journal.GetChunkProgress(ctx, in.JobID, c.ChunkID)
		if getErr != nil {
			return TableOutput{}, fmt.Errorf("get final chunk state %s: %w", c.ChunkID, getErr)
		}
		recordsProcessed += final.RecordsProcessed
		files = append(files, final.S3FilesWritten...)
		if final.Status != common.ChunkCompleted {
			allCompleted = false
		}
		if final.MaxWatermark != nil && (maxWatermark == nil || final.MaxWatermark.After(*maxWatermark)) {
			wm := *final.MaxWatermark
			maxWatermark = &wm
		}
	}

	if allCompleted && !wasAlreadyComplete {
		// §3 "LastUpdated ... value of incremental_field at the high end of
		// the most recent completed chunk" — advance to the max watermark
		// actually observed among synced records, not the processing
		// timestamp. Master-data tables observe no incremental_field at all,
		// so they fall back to syncBoundary to keep their bookkeeping moving.
		newWatermark := syncBoundary
		if maxWatermark != nil {
			newWatermark = *maxWatermark
		}
		if _, err := p.journal.TryAdvanceWatermark(ctx, in.TenantID, in.Service, in.TableName, newWatermark); err != nil {
			return TableOutput{}, fmt.Errorf("advance watermark %s/%s/%s: %w", in.TenantID, in.Service, in.TableName, err)
		}
	}

	out := TableOutput{AllChunksCompleted: allCompleted, AlreadyComplete: wasAlreadyComplete, RecordsProcessed: recordsProcessed, S3FilesWritten: files}
	if firstErr != nil {
		return out, firstErr
	}
	return out, nil
}

// planChunks computes the chunk-bounds plan for a table (§4.3 "Chunk
// planning"): a single unbounded chunk for master data, date-range-sliced
// chunks for backfill, or a single open incremental chunk otherwise.
func (p *TableProcessor) planChunks(ctx context.Context, in TableInput, syncBoundary time.Time) ([]db.ChunkBounds, error) {
	if in.Endpoint.IsMasterData() {
		return []db.ChunkBounds{{PageStart: 0, PageEnd: 0}}, nil
	}

	if in.ForceFullSync || in.BackfillStart != nil {
		start := time.Time{}
		if in.BackfillStart != nil {
			start = *in.BackfillStart
		} else {
			start = syncBoundary.AddDate(0, 0, -p.cfg.InitialLookbackDays)
		}
		end := syncBoundary
		if in.BackfillEnd != nil {
			end = *in.BackfillEnd
		}
		width := in.Endpoint.BackfillDays
		if width <= 0 {
			width = p.cfg.ChunkBackfillDays
		}
		return dateRangeChunks(start, end, width), nil
	}

	watermark, ok, err := p.journal.GetLastUpdated(ctx, in.TenantID, in.Service, in.TableName)
	if err != nil {
		return nil, fmt.Errorf("get watermark %s/%s/%s: %w", in.TenantID, in.Service, in.TableName, err)
	}
	start := watermark
	if !ok {
		start = syncBoundary.AddDate(0, 0, -p.cfg.InitialLookbackDays)
	}
	return []db.ChunkBounds{{StartWatermark: &start, EndWatermark: &syncBoundary}}, nil
}

// dateRangeChunks slices [start, end) into consecutive chunks of at most
// widthDays each (§4.3 "Backfill chunking").
func dateRangeChunks(start, end time.Time, widthDays int) []db.ChunkBounds {
	if widthDays <= 0 {
		widthDays = 30
	}
	var chunks []db.ChunkBounds
	for cursor := start; cursor.Before(end); cursor = cursor.AddDate(0, 0, widthDays) {
		chunkEnd := cursor.AddDate(0, 0, widthDays)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		s, e := cursor, chunkEnd
		chunks = append(chunks, db.ChunkBounds{StartDate: &s, EndDate: &e})
	}
	return chunks
}

// journalPlan writes one ChunkProgress row per planned bound (§4.3
// "Progress journaling: before dispatch, write each chunk's initial
// ChunkProgress with status pending").
func (p *TableProcessor) journalPlan(ctx context.Context, in TableInput, plan []db.ChunkBounds) ([]*db.ChunkProgress, error) {
	out := make([]*db.ChunkProgress, 0, len(plan))
	for i, bounds := range plan {
		c := &db.ChunkProgress{
			JobID:     in.JobID,
			ChunkID:   fmt.Sprintf("%s-%s-%s-%d", in.TenantID, in.Service, in.TableName, i),
			TenantID:  in.TenantID,
			Service:   in.Service,
			TableName: in.TableName,
			Bounds:    bounds,
		}
		if err := p.journal.CreateChunkProgress(ctx, c); err != nil {
			return nil, fmt.Errorf("create chunk progress %s: %w", c.ChunkID, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// runChunkWithRetry drives one chunk through the cross-invocation retry
// policy of §4.3/§6: up to RetryMaxAttempts attempts, exponential backoff
// with full jitter between them. A timed_out outcome ends this run's work
// on the chunk without retrying — continuation happens on the next pipeline
// invocation. A permanent failure (chunk processor already marked it
// failed) ends the loop immediately.
func (p *TableProcessor) runChunkWithRetry(ctx context.Context, in TableInput, c *db.ChunkProgress) error {
	if c.Status == common.ChunkCompleted {
		// A prior invocation already finished this chunk; re-invoking the
		// table must be a no-op for it (§8 invariant 1).
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryBackoffBase
	bo.Multiplier = p.cfg.RetryBackoffFactor
	bo.RandomizationFactor = 1.0 // full jitter (§4.4/§6)

	resume := c.Status == common.ChunkTimedOut
	cursor := chunkCursor(c)

	for attempt := 1; attempt <= p.cfg.RetryMaxAttempts; attempt++ {
		out, err := p.chunk.ProcessChunk(ctx, ChunkInput{
			JobID:                in.JobID,
			TenantID:             in.TenantID,
			Service:              in.Service,
			TableName:            in.TableName,
			ChunkID:              c.ChunkID,
			Endpoint:             in.Endpoint,
			CredentialsSecretRef: in.CredentialsSecretRef,
			Bounds:               c.Bounds,
			Deadline:             p.now().Add(in.ChunkBudget),
			Resume:               resume,
			ResumeCursor:         cursor,
			PageSizeOverride:     in.PageSizeOverride,
			RateLimitOverride:    in.RateLimitOverride,
			Attempt:              attempt,
		})
		if err == nil {
			if out.Completed {
				return nil
			}
			// timed_out: not a failure, but this run makes no further
			// attempts on this chunk (§4.4 step 2.f).
			return nil
		}

		if !common.IsRetryable(err) {
			// Permanent failure; the chunk processor already marked it
			// failed.
			return err
		}
		if attempt == p.cfg.RetryMaxAttempts {
			_, _ = p.journal.TryFailChunk(ctx, in.JobID, c.ChunkID, common.KindOf(err), "retries exhausted")
			return err
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			_, _ = p.journal.TryFailChunk(ctx, in.JobID, c.ChunkID, common.KindOf(err), "retries exhausted")
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		// The chunk processor left the chunk `pending` via TryRetryChunk;
		// refresh our view so the next attempt resumes from its persisted
		// cursor if one exists.
		refreshed, getErr := p.journal.GetChunkProgress(ctx, in.JobID, c.ChunkID)
		if getErr != nil {
			return fmt.Errorf("get chunk %s: %w", c.ChunkID, getErr)
		}
		resume = refreshed.LastPage != 0 || refreshed.LastOffset != 0
		cursor = chunkCursor(refreshed)
	}
	return nil
}

func chunkCursor(c *db.ChunkProgress) sourceapi.PageCursor {
	return sourceapi.PageCursor{Page: c.LastPage, Offset: c.LastOffset}
}
