package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelinecore.evalgo.org/common"
	"pipelinecore.evalgo.org/config"
	"pipelinecore.evalgo.org/db"
	"pipelinecore.evalgo.org/secrets"
	"pipelinecore.evalgo.org/sourceapi"
	"pipelinecore.evalgo.org/storage"
)

// scriptedPageSource replays a fixed sequence of pages, the last one always
// empty (the authoritative end-of-stream signal).
type scriptedPageSource struct {
	pages []sourceapi.FetchResult
	idx   int
	err   error
	errAt int
}

func (s *scriptedPageSource) FetchPage(_ context.Context, cursor sourceapi.PageCursor, _ int, _ sourceapi.FetchPageParams) (sourceapi.FetchResult, sourceapi.PageCursor, error) {
	if s.err != nil && s.idx == s.errAt {
		return sourceapi.FetchResult{}, cursor, s.err
	}
	if s.idx >= len(s.pages) {
		return sourceapi.FetchResult{Empty: true}, sourceapi.PageCursor{Page: cursor.Page + 1}, nil
	}
	page := s.pages[s.idx]
	s.idx++
	next := sourceapi.PageCursor{Page: cursor.Page + 1}
	return page, next, nil
}

func staticResolver(creds secrets.Credentials) secrets.Resolver {
	return resolverFunc(func(context.Context, string) (map[string]string, error) {
		return creds, nil
	})
}

type resolverFunc func(ctx context.Context, secretRef string) (map[string]string, error)

func (f resolverFunc) Resolve(ctx context.Context, secretRef string) (map[string]string, error) {
	return f(ctx, secretRef)
}

func testChunkInput(chunkID string) ChunkInput {
	return ChunkInput{
		JobID:                "job-1",
		TenantID:             "acme",
		Service:              "connectwise",
		TableName:            "tickets",
		ChunkID:              chunkID,
		Endpoint:             config.EndpointConfig{Path: "tickets", Pagination: config.PaginationConfig{Strategy: config.PaginationPage, PageSizeDefault: 100, PageSizeMax: 100}},
		CredentialsSecretRef: "/acme/connectwise",
		Deadline:             time.Now().Add(time.Hour),
	}
}

func seedChunk(t *testing.T, j *fakeJournal, in ChunkInput) {
	t.Helper()
	err := j.CreateChunkProgress(context.Background(), &db.ChunkProgress{
		JobID: in.JobID, ChunkID: in.ChunkID, TenantID: in.TenantID, Service: in.Service, TableName: in.TableName,
	})
	require.NoError(t, err)
}

func TestChunkProcessor_CompletesOnEmptyPage(t *testing.T) {
	journal := newFakeJournal()
	writer := &fakeRawWriter{}
	in := testChunkInput("chunk-1")
	seedChunk(t, journal, in)

	source := &scriptedPageSource{pages: []sourceapi.FetchResult{
		{Records: []storage.RawRow{{"id": "1"}, {"id": "2"}}},
	}}
	factory := func(context.Context, ChunkInput, secrets.Credentials) (PageSource, error) { return source, nil }

	cfg := config.PipelineConfig{BatchFlushRecords: 5000, BatchFlushBytes: 50 * 1024 * 1024, ChunkDeadlineMarginSec: 60, DataFormatSkipThreshold: 0.05}
	proc := NewChunkProcessor(journal, writer, staticResolver(secrets.Credentials{"token": "abc"}), factory, cfg)

	out, err := proc.ProcessChunk(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, out.Completed)
	assert.Equal(t, 2, out.RecordsProcessed)
	require.Len(t, writer.batches, 1)

	chunk, err := journal.GetChunkProgress(context.Background(), in.JobID, in.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkCompleted, chunk.Status)
}

func TestChunkProcessor_FlushesOnRecordThreshold(t *testing.T) {
	journal := newFakeJournal()
	writer := &fakeRawWriter{}
	in := testChunkInput("chunk-2")
	seedChunk(t, journal, in)

	source := &scriptedPageSource{pages: []sourceapi.FetchResult{
		{Records: []storage.RawRow{{"id": "1"}, {"id": "2"}}},
		{Records: []storage.RawRow{{"id": "3"}}},
	}}
	factory := func(context.Context, ChunkInput, secrets.Credentials) (PageSource, error) { return source, nil }

	cfg := config.PipelineConfig{BatchFlushRecords: 2, BatchFlushBytes: 50 * 1024 * 1024, ChunkDeadlineMarginSec: 60, DataFormatSkipThreshold: 0.05}
	proc := NewChunkProcessor(journal, writer, staticResolver(secrets.Credentials{}), factory, cfg)

	out, err := proc.ProcessChunk(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, out.Completed)
	assert.Equal(t, 3, out.RecordsProcessed)
	assert.Len(t, writer.batches, 2) // one flush at threshold, one final flush
}

func TestChunkProcessor_DeadlineMarginSuspends(t *testing.T) {
	journal := newFakeJournal()
	writer := &fakeRawWriter{}
	in := testChunkInput("chunk-3")
	in.Deadline = time.Now().Add(30 * time.Second)
	seedChunk(t, journal, in)

	source := &scriptedPageSource{pages: []sourceapi.FetchResult{
		{Records: []storage.RawRow{{"id": "1"}}},
	}}
	factory := func(context.Context, ChunkInput, secrets.Credentials) (PageSource, error) { return source, nil }

	cfg := config.PipelineConfig{BatchFlushRecords: 5000, BatchFlushBytes: 50 * 1024 * 1024, ChunkDeadlineMarginSec: 60, DataFormatSkipThreshold: 0.05}
	proc := NewChunkProcessor(journal, writer, staticResolver(secrets.Credentials{}), factory, cfg)

	out, err := proc.ProcessChunk(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, out.Completed)

	chunk, err := journal.GetChunkProgress(context.Background(), in.JobID, in.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkTimedOut, chunk.Status)
}

func TestChunkProcessor_TransientFailureGoesBackToPending(t *testing.T) {
	journal := newFakeJournal()
	writer := &fakeRawWriter{}
	in := testChunkInput("chunk-4")
	seedChunk(t, journal, in)

	source := &scriptedPageSource{err: common.NewPipelineError(common.ErrTransientExternal, "boom", nil), errAt: 0}
	factory := func(context.Context, ChunkInput, secrets.Credentials) (PageSource, error) { return source, nil }

	cfg := config.PipelineConfig{BatchFlushRecords: 5000, BatchFlushBytes: 50 * 1024 * 1024, ChunkDeadlineMarginSec: 60, DataFormatSkipThreshold: 0.05}
	proc := NewChunkProcessor(journal, writer, staticResolver(secrets.Credentials{}), factory, cfg)

	_, err := proc.ProcessChunk(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, common.ErrTransientExternal, common.KindOf(err))

	chunk, err := journal.GetChunkProgress(context.Background(), in.JobID, in.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkPending, chunk.Status)
}

func TestChunkProcessor_ConfigurationErrorFailsPermanently(t *testing.T) {
	journal := newFakeJournal()
	writer := &fakeRawWriter{}
	in := testChunkInput("chunk-5")
	seedChunk(t, journal, in)

	source := &scriptedPageSource{err: common.NewPipelineError(common.ErrConfigurationError, "bad request", nil), errAt: 0}
	factory := func(context.Context, ChunkInput, secrets.Credentials) (PageSource, error) { return source, nil }

	cfg := config.PipelineConfig{BatchFlushRecords: 5000, BatchFlushBytes: 50 * 1024 * 1024, ChunkDeadlineMarginSec: 60, DataFormatSkipThreshold: 0.05}
	proc := NewChunkProcessor(journal, writer, staticResolver(secrets.Credentials{}), factory, cfg)

	_, err := proc.ProcessChunk(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, common.ErrConfigurationError, common.KindOf(err))

	chunk, err := journal.GetChunkProgress(context.Background(), in.JobID, in.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkFailed, chunk.Status)
}

func TestChunkProcessor_ResumeStartsFromPersistedCursor(t *testing.T) {
	journal := newFakeJournal()
	writer := &fakeRawWriter{}
	in := testChunkInput("chunk-6")
	seedChunk(t, journal, in)

	// Simulate a prior timed-out run.
	_, err := journal.TryStartChunk(context.Background(), in.JobID, in.ChunkID)
	require.NoError(t, err)
	_, err = journal.TryTimeoutChunk(context.Background(), in.JobID, in.ChunkID, 4, 0)
	require.NoError(t, err)

	in.Resume = true
	in.ResumeCursor = sourceapi.PageCursor{Page: 4}

	var seenCursor sourceapi.PageCursor
	source := &capturingPageSource{result: sourceapi.FetchResult{Empty: true}}
	factory := func(context.Context, ChunkInput, secrets.Credentials) (PageSource, error) { return source, nil }

	cfg := config.PipelineConfig{BatchFlushRecords: 5000, BatchFlushBytes: 50 * 1024 * 1024, ChunkDeadlineMarginSec: 60, DataFormatSkipThreshold: 0.05}
	proc := NewChunkProcessor(journal, writer, staticResolver(secrets.Credentials{}), factory, cfg)

	_, err = proc.ProcessChunk(context.Background(), in)
	require.NoError(t, err)
	seenCursor = source.firstCursor
	assert.Equal(t, 4, seenCursor.Page)
}

type capturingPageSource struct {
	result      sourceapi.FetchResult
	firstCursor sourceapi.PageCursor
	called      bool
}

func (c *capturingPageSource) FetchPage(_ context.Context, cursor sourceapi.PageCursor, _ int, _ sourceapi.FetchPageParams) (sourceapi.FetchResult, sourceapi.PageCursor, error) {
	if !c.called {
		c.firstCursor = cursor
		c.called = true
	}
	return c.result, cursor, nil
}
