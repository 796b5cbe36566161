package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelinecore.evalgo.org/common"
	"pipelinecore.evalgo.org/config"
)

// scriptedChunkRunner returns the next scripted (ChunkOutput, error) for a
// chunk id's call sequence, or a terminal success if the script is
// exhausted. It also marks the chunk terminal/retryable in the journal the
// way the real ChunkProcessor would, so TableProcessor's post-run status
// read reflects the scripted outcome.
type scriptedChunkRunner struct {
	mu      sync.Mutex
	journal *fakeJournal
	scripts map[string][]scriptedCall
	calls   map[string]int
}

type scriptedCall struct {
	out ChunkOutput
	err error
}

func newScriptedChunkRunner(j *fakeJournal) *scriptedChunkRunner {
	return &scriptedChunkRunner{journal: j, scripts: map[string][]scriptedCall{}, calls: map[string]int{}}
}

func (r *scriptedChunkRunner) ProcessChunk(ctx context.Context, in ChunkInput) (ChunkOutput, error) {
	r.mu.Lock()
	idx := r.calls[in.ChunkID]
	r.calls[in.ChunkID]++
	script := r.scripts[in.ChunkID]
	r.mu.Unlock()

	_, _ = r.journal.TryStartChunk(ctx, in.JobID, in.ChunkID)

	if idx >= len(script) {
		_, _ = r.journal.TryCompleteChunk(ctx, in.JobID, in.ChunkID)
		return ChunkOutput{Completed: true}, nil
	}
	call := script[idx]
	if call.err != nil {
		if common.IsRetryable(call.err) {
			_, _ = r.journal.TryRetryChunk(ctx, in.JobID, in.ChunkID, common.KindOf(call.err), "scripted")
		} else {
			_, _ = r.journal.TryFailChunk(ctx, in.JobID, in.ChunkID, common.KindOf(call.err), "scripted")
		}
		return ChunkOutput{}, call.err
	}
	if call.out.Completed {
		_, _ = r.journal.TryCompleteChunk(ctx, in.JobID, in.ChunkID)
	} else {
		_, _ = r.journal.TryTimeoutChunk(ctx, in.JobID, in.ChunkID, 1, 0)
	}
	return call.out, nil
}

func testTablePipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		ChunkFanout:         3,
		RetryMaxAttempts:    3,
		RetryBackoffBase:    time.Millisecond,
		RetryBackoffFactor:  2.0,
		ChunkBackfillDays:   30,
		InitialLookbackDays: 7,
	}
}

func TestTableProcessor_MasterDataSingleChunk(t *testing.T) {
	journal := newFakeJournal()
	runner := newScriptedChunkRunner(journal)
	proc := NewTableProcessor(journal, runner, testTablePipelineConfig())

	in := TableInput{
		JobID: "job-1", TenantID: "acme", Service: "connectwise", TableName: "boards",
		Endpoint:    config.EndpointConfig{TableName: "boards"}, // no IncrementalField -> master data
		ChunkBudget: time.Minute,
	}
	out, err := proc.ProcessTable(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, out.AllChunksCompleted)

	chunks, err := journal.ListChunksByTable(context.Background(), in.JobID, in.TenantID, in.Service, in.TableName)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}

func TestTableProcessor_IncrementalSingleChunkUsesWatermark(t *testing.T) {
	journal := newFakeJournal()
	wm := time.Now().Add(-24 * time.Hour)
	journal.watermarks["acme/connectwise/tickets"] = wm
	runner := newScriptedChunkRunner(journal)
	proc := NewTableProcessor(journal, runner, testTablePipelineConfig())

	in := TableInput{
		JobID: "job-1", TenantID: "acme", Service: "connectwise", TableName: "tickets",
		Endpoint:    config.EndpointConfig{TableName: "tickets", IncrementalField: "lastUpdated"},
		ChunkBudget: time.Minute,
	}
	out, err := proc.ProcessTable(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, out.AllChunksCompleted)

	chunks, err := journal.ListChunksByTable(context.Background(), in.JobID, in.TenantID, in.Service, in.TableName)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Bounds.StartWatermark)
	assert.WithinDuration(t, wm, *chunks[0].Bounds.StartWatermark, time.Second)

	newWM, ok, err := journal.GetLastUpdated(context.Background(), "acme", "connectwise", "tickets")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, newWM.After(wm))
}

func TestTableProcessor_BackfillSlicesDateRange(t *testing.T) {
	journal := newFakeJournal()
	runner := newScriptedChunkRunner(journal)
	proc := NewTableProcessor(journal, runner, testTablePipelineConfig())

	start := time.Now().AddDate(0, 0, -95)
	end := time.Now()
	in := TableInput{
		JobID: "job-1", TenantID: "acme", Service: "connectwise", TableName: "tickets",
		Endpoint:      config.EndpointConfig{TableName: "tickets", IncrementalField: "lastUpdated"},
		BackfillStart: &start,
		BackfillEnd:   &end,
		ChunkBudget:   time.Minute,
	}
	out, err := proc.ProcessTable(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, out.AllChunksCompleted)

	chunks, err := journal.ListChunksByTable(context.Background(), in.JobID, in.TenantID, in.Service, in.TableName)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(chunks), 3) // ~95 days / 30-day width
}

func TestTableProcessor_RetriesTransientFailureThenSucceeds(t *testing.T) {
	journal := newFakeJournal()
	runner := newScriptedChunkRunner(journal)
	proc := NewTableProcessor(journal, runner, testTablePipelineConfig())

	in := TableInput{
		JobID: "job-1", TenantID: "acme", Service: "connectwise", TableName: "boards",
		Endpoint:    config.EndpointConfig{TableName: "boards"},
		ChunkBudget: time.Minute,
	}
	// Pre-seed the script for the chunk id the planner will generate.
	chunkID := "acme-connectwise-boards-0"
	runner.scripts[chunkID] = []scriptedCall{
		{err: common.NewPipelineError(common.ErrTransientExternal, "flaky", nil)},
	}

	out, err := proc.ProcessTable(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, out.AllChunksCompleted)
	assert.Equal(t, 2, runner.calls[chunkID]) // one failure, one success
}

func TestTableProcessor_ExhaustsRetriesAndFails(t *testing.T) {
	journal := newFakeJournal()
	runner := newScriptedChunkRunner(journal)
	cfg := testTablePipelineConfig()
	cfg.RetryMaxAttempts = 2
	proc := NewTableProcessor(journal, runner, cfg)

	in := TableInput{
		JobID: "job-1", TenantID: "acme", Service: "connectwise", TableName: "boards",
		Endpoint:    config.EndpointConfig{TableName: "boards"},
		ChunkBudget: time.Minute,
	}
	chunkID := "acme-connectwise-boards-0"
	flaky := common.NewPipelineError(common.ErrTransientExternal, "flaky", nil)
	runner.scripts[chunkID] = []scriptedCall{{err: flaky}, {err: flaky}}

	out, err := proc.ProcessTable(context.Background(), in)
	require.Error(t, err)
	assert.False(t, out.AllChunksCompleted)

	chunk, err := journal.GetChunkProgress(context.Background(), in.JobID, chunkID)
	require.NoError(t, err)
	assert.Equal(t, common.ChunkFailed, chunk.Status)
}

func TestTableProcessor_TimeoutDoesNotAdvanceWatermark(t *testing.T) {
	journal := newFakeJournal()
	runner := newScriptedChunkRunner(journal)
	proc := NewTableProcessor(journal, runner, testTablePipelineConfig())

	in := TableInput{
		JobID: "job-1", TenantID: "acme", Service: "connectwise", TableName: "boards",
		Endpoint:    config.EndpointConfig{TableName: "boards"},
		ChunkBudget: time.Minute,
	}
	chunkID := "acme-connectwise-boards-0"
	runner.scripts[chunkID] = []scriptedCall{{out: ChunkOutput{Completed: false}}}

	out, err := proc.ProcessTable(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, out.AllChunksCompleted)

	_, ok, err := journal.GetLastUpdated(context.Background(), "acme", "connectwise", "boards")
	require.NoError(t, err)
	assert.False(t, ok)
}
