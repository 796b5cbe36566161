package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"pipelinecore.evalgo.org/common"
	"pipelinecore.evalgo.org/config"
	"pipelinecore.evalgo.org/db"
	"pipelinecore.evalgo.org/secrets"
	"pipelinecore.evalgo.org/sourceapi"
	"pipelinecore.evalgo.org/storage"
)

// PageSource abstracts one chunk's bound source-API connection (§4.4).
// *sourceapi.BoundClient satisfies this directly; tests inject a
// hand-written fake that replays a scripted page sequence.
type PageSource interface {
	FetchPage(ctx context.Context, cursor sourceapi.PageCursor, pageSize int, params sourceapi.FetchPageParams) (sourceapi.FetchResult, sourceapi.PageCursor, error)
}

// RawWriter abstracts the raw Parquet object writer. *storage.RawObjectWriter
// satisfies this directly.
type RawWriter interface {
	Write(ctx context.Context, tenantID, service, tableName string, seq int, rows []storage.RawRow) (string, error)
}

// ClientFactory builds the PageSource for one chunk invocation, given the
// credentials resolved for this chunk's lifetime (§9 "per-tenant
// credentials cache ... never process-global"). Production wiring
// constructs a sourceapi.Client plus the endpoint's PageFetcher and binds
// them with sourceapi.NewBoundClient; tests substitute a fake.
type ClientFactory func(ctx context.Context, in ChunkInput, creds secrets.Credentials) (PageSource, error)

// ChunkInput is everything one ProcessChunk call needs (§4.4 "Invocation
// surface").
type ChunkInput struct {
	JobID     string
	TenantID  string
	Service   string
	TableName string
	ChunkID   string

	Endpoint             config.EndpointConfig
	CredentialsSecretRef string

	Bounds   db.ChunkBounds
	Deadline time.Time

	// Resume and ResumeCursor carry a chunk forward from a prior timed_out
	// invocation (§4.4 step 2.f / §4.3 "schedules a continuation").
	Resume       bool
	ResumeCursor sourceapi.PageCursor

	PageSizeOverride  int
	RateLimitOverride int

	// Attempt is this call's ordinal within the table processor's retry
	// loop (§4.3 "Retry policy"), used only to keep raw object key suffixes
	// unique across re-invocations of the same chunk.
	Attempt int
}

// ChunkOutput is ProcessChunk's result (§4.4 "Invocation surface").
type ChunkOutput struct {
	Completed        bool
	RecordsProcessed int
	S3FilesWritten   []string
	FinalPage        int
	FinalOffset      int
	// MaxWatermark is the highest incremental_field value observed among the
	// records this invocation persisted (§3 "LastUpdated"), nil for
	// master-data chunks. Also journaled on ChunkProgress so it survives a
	// suspend/resume cycle; the table processor reads it back from there.
	MaxWatermark *time.Time
}

// ChunkProcessor implements the lowest level of the orchestration hierarchy
// (§4.4): pagination, per-chunk credential scoping, rate-limit discipline,
// batch-flush-to-Parquet, and deadline-margin suspension. It deliberately
// never triggers the canonical transform — that invariant belongs to the
// table processor, which only fires TransformAndLoad once every chunk of a
// table has completed (§8 invariant 2).
type ChunkProcessor struct {
	journal       Journal
	rawWriter     RawWriter
	resolver      secrets.Resolver
	clientFactory ClientFactory
	cfg           config.PipelineConfig
}

// NewChunkProcessor constructs a ChunkProcessor.
func NewChunkProcessor(journal Journal, rawWriter RawWriter, resolver secrets.Resolver, clientFactory ClientFactory, cfg config.PipelineConfig) *ChunkProcessor {
	return &ChunkProcessor{journal: journal, rawWriter: rawWriter, resolver: resolver, clientFactory: clientFactory, cfg: cfg}
}

// ProcessChunk runs one chunk to completion, to its deadline margin, or to a
// permanent failure (§4.4). Ownership of terminal ChunkProgress transitions:
// ProcessChunk itself marks completed, timed_out, and permanent
// (configuration/data-format) failures; it hands transient failures back to
// the caller via TryRetryChunk so the table processor's cross-invocation
// retry loop can re-invoke it.
func (p *ChunkProcessor) ProcessChunk(ctx context.Context, in ChunkInput) (ChunkOutput, error) {
	logger := common.ChunkLogger(in.JobID, in.TenantID, in.Service, in.TableName, in.ChunkID)

	started, err := p.journal.TryStartChunk(ctx, in.JobID, in.ChunkID)
	if err != nil {
		return ChunkOutput{}, fmt.Errorf("start chunk %s: %w", in.ChunkID, err)
	}
	if !started {
		return ChunkOutput{}, common.NewPipelineError(common.ErrUnexpected, "chunk not in a startable state", nil).
			WithContext("chunk_id", in.ChunkID)
	}

	cache := secrets.NewCache(p.resolver, in.CredentialsSecretRef)
	defer cache.Release()

	creds, err := cache.Acquire(ctx)
	if err != nil {
		perr := common.NewPipelineError(common.ErrConfigurationError, "resolve credentials", err).WithContext("chunk_id", in.ChunkID)
		p.failPermanently(ctx, in, perr)
		return ChunkOutput{}, perr
	}

	source, err := p.clientFactory(ctx, in, creds)
	if err != nil {
		perr := common.NewPipelineError(common.ErrConfigurationError, "build source client", err).WithContext("chunk_id", in.ChunkID)
		p.failPermanently(ctx, in, perr)
		return ChunkOutput{}, perr
	}

	logger.Info("chunk started")
	return p.run(ctx, in, source, logger)
}

func (p *ChunkProcessor) run(ctx context.Context, in ChunkInput, source PageSource, logger *common.ContextLogger) (ChunkOutput, error) {
	margin := time.Duration(p.cfg.ChunkDeadlineMarginSec) * time.Second
	pageSize := in.Endpoint.Pagination.PageSizeDefault
	if in.PageSizeOverride > 0 {
		pageSize = in.PageSizeOverride
	}
	if in.Endpoint.Pagination.PageSizeMax > 0 && pageSize > in.Endpoint.Pagination.PageSizeMax {
		pageSize = in.Endpoint.Pagination.PageSizeMax
	}

	cursor := in.ResumeCursor
	if !in.Resume {
		cursor = sourceapi.PageCursor{Page: 1, Offset: in.Bounds.PageStart}
	}

	params := sourceapi.FetchPageParams{
		Path:             in.Endpoint.Path,
		OrderingField:    in.Endpoint.OrderingField,
		IncrementalField: in.Endpoint.IncrementalField,
		RangeStart:       rangeStart(in.Bounds),
		RangeEnd:         rangeEnd(in.Bounds),
	}

	var batch []storage.RawRow
	var writtenFiles []string
	var totalRecords int
	var totalBytes int64
	var pagesSinceAppend int
	var localSeq int
	var pagesAttempted, pagesSkipped int
	var maxWatermark *time.Time

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		batchBytes := approxBytes(batch)
		key, err := p.rawWriter.Write(ctx, in.TenantID, in.Service, in.TableName, in.Attempt*100000+localSeq, batch)
		if err != nil {
			return fmt.Errorf("write raw batch: %w", err)
		}
		localSeq++
		n := len(batch)
		if err := p.journal.AppendChunkProgress(ctx, in.JobID, in.ChunkID, n, pagesSinceAppend, cursor.Page, cursor.Offset, []string{key}, maxWatermark); err != nil {
			return fmt.Errorf("append chunk progress: %w", err)
		}
		totalRecords += n
		totalBytes += batchBytes
		writtenFiles = append(writtenFiles, key)
		batch = batch[:0]
		pagesSinceAppend = 0

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		logger.WithFields(map[string]interface{}{
			"batch_records":       n,
			"bytes_written":       batchBytes,
			"cumulative_records":  totalRecords,
			"cumulative_bytes":    totalBytes,
			"pages_fetched":       cursor.Page,
			"s3_key":              key,
			"memory_alloc_bytes":  mem.Alloc,
			"memory_sys_bytes":    mem.Sys,
		}).Info("chunk batch flushed")
		return nil
	}

	for {
		if time.Until(in.Deadline) <= margin {
			if err := flush(); err != nil {
				perr := common.NewPipelineError(common.ErrTransientExternal, "flush before deadline suspension", err)
				return ChunkOutput{}, p.retryOrWrap(ctx, in, perr)
			}
			if _, err := p.journal.TryTimeoutChunk(ctx, in.JobID, in.ChunkID, cursor.Page, cursor.Offset); err != nil {
				return ChunkOutput{}, fmt.Errorf("timeout chunk %s: %w", in.ChunkID, err)
			}
			logger.WithField("records_processed", totalRecords).Info("chunk suspended at deadline margin")
			return ChunkOutput{
				Completed:        false,
				RecordsProcessed: totalRecords,
				S3FilesWritten:   writtenFiles,
				FinalPage:        cursor.Page,
				FinalOffset:      cursor.Offset,
				MaxWatermark:     maxWatermark,
			}, nil
		}

		result, next, err := source.FetchPage(ctx, cursor, pageSize, params)
		if err != nil {
			kind := common.KindOf(err)
			if kind == common.ErrDataFormatError {
				pagesAttempted++
				pagesSkipped++
				if pagesAttempted > 0 && float64(pagesSkipped)/float64(pagesAttempted) > p.cfg.DataFormatSkipThreshold {
					perr := common.NewPipelineError(common.ErrDataFormatError, "page skip ratio exceeds threshold", err).WithContext("chunk_id", in.ChunkID)
					p.failPermanently(ctx, in, perr)
					return ChunkOutput{}, perr
				}
				cursor = sourceapi.PageCursor{Page: cursor.Page + 1, Offset: cursor.Offset + pageSize}
				continue
			}
			if kind == common.ErrConfigurationError {
				perr, ok := err.(*common.PipelineError)
				if !ok {
					perr = common.NewPipelineError(common.ErrConfigurationError, "fetch page", err)
				}
				p.failPermanently(ctx, in, perr.WithContext("chunk_id", in.ChunkID))
				return ChunkOutput{}, perr
			}
			return ChunkOutput{}, p.retryOrWrap(ctx, in, err)
		}

		pagesAttempted++
		pagesSinceAppend++
		batch = append(batch, result.Records...)
		maxWatermark = extractWatermark(in.Endpoint.IncrementalField, result.Records, maxWatermark)

		logger.WithFields(map[string]interface{}{
			"page":              cursor.Page,
			"records_fetched":   len(result.Records),
			"response_time_ms":  result.ResponseTime.Milliseconds(),
			"response_bytes":    result.ResponseBytes,
			"cumulative_records": totalRecords + len(batch),
			"pages_fetched":     pagesAttempted,
		}).Info("page fetched")

		flushDue := len(batch) >= p.cfg.BatchFlushRecords || approxBytes(batch) >= p.cfg.BatchFlushBytes
		if flushDue {
			if err := flush(); err != nil {
				return ChunkOutput{}, p.retryOrWrap(ctx, in, common.NewPipelineError(common.ErrTransientExternal, "flush batch", err))
			}
		}

		cursor = next
		if result.Empty {
			if err := flush(); err != nil {
				return ChunkOutput{}, p.retryOrWrap(ctx, in, common.NewPipelineError(common.ErrTransientExternal, "final flush", err))
			}
			if _, err := p.journal.TryCompleteChunk(ctx, in.JobID, in.ChunkID); err != nil {
				return ChunkOutput{}, fmt.Errorf("complete chunk %s: %w", in.ChunkID, err)
			}
			logger.WithField("records_processed", totalRecords).Info("chunk completed")
			return ChunkOutput{
				Completed:        true,
				RecordsProcessed: totalRecords,
				S3FilesWritten:   writtenFiles,
				FinalPage:        cursor.Page,
				FinalOffset:      cursor.Offset,
				MaxWatermark:     maxWatermark,
			}, nil
		}
	}
}

// extractWatermark folds each fetched row's incremental_field value into the
// running high-water mark (§3 "LastUpdated ... value of incremental_field at
// the high end of the most recent completed chunk"). Master-data endpoints
// carry no incremental field, so current is returned unchanged.
func extractWatermark(field string, rows []storage.RawRow, current *time.Time) *time.Time {
	if field == "" {
		return current
	}
	for _, row := range rows {
		raw, ok := row[field]
		if !ok {
			continue
		}
		t, ok := parseWatermarkValue(raw)
		if !ok {
			continue
		}
		if current == nil || t.After(*current) {
			tc := t
			current = &tc
		}
	}
	return current
}

// parseWatermarkValue accepts the shapes an incremental_field value can take
// once decoded off the wire: an RFC3339 string (the common JSON case) or an
// already-parsed time.Time. Unparseable values are skipped rather than
// failing the chunk.
func parseWatermarkValue(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// retryOrWrap marks a transient failure's chunk back to pending so the table
// processor's retry loop can re-invoke it, and wraps non-pipeline errors as
// TransientExternal.
func (p *ChunkProcessor) retryOrWrap(ctx context.Context, in ChunkInput, err error) error {
	kind := common.KindOf(err)
	if kind != common.ErrTransientExternal && kind != common.ErrSinkConflict {
		err = common.NewPipelineError(common.ErrTransientExternal, "chunk fetch failed", err)
	}
	if _, retryErr := p.journal.TryRetryChunk(ctx, in.JobID, in.ChunkID, common.KindOf(err), err.Error()); retryErr != nil {
		return fmt.Errorf("retry chunk %s: %w", in.ChunkID, retryErr)
	}
	return err
}

func (p *ChunkProcessor) failPermanently(ctx context.Context, in ChunkInput, err *common.PipelineError) {
	_, _ = p.journal.TryFailChunk(ctx, in.JobID, in.ChunkID, err.Kind, err.Detail)
}

func rangeStart(b db.ChunkBounds) *time.Time {
	if b.StartWatermark != nil {
		return b.StartWatermark
	}
	return b.StartDate
}

func rangeEnd(b db.ChunkBounds) *time.Time {
	if b.EndWatermark != nil {
		return b.EndWatermark
	}
	return b.EndDate
}

// approxBytes estimates a raw batch's uncompressed size by summing each
// cell's rendered-string length, cheap enough to call on every page without
// a full JSON marshal (§6 "BatchFlushBytes").
func approxBytes(rows []storage.RawRow) int64 {
	var total int64
	for _, row := range rows {
		for k, v := range row {
			total += int64(len(k))
			switch val := v.(type) {
			case string:
				total += int64(len(val))
			default:
				total += 16
			}
		}
	}
	return total
}
