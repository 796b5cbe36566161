package pipeline

import (
	"context"
	"fmt"
	"time"

	"pipelinecore.evalgo.org/common"
	"pipelinecore.evalgo.org/config"
)

// Resumer implements the `ResumeChunk(job_id, chunk_id)` invocation surface
// named in SPEC_FULL §6: "used by the continuation mechanism; idempotent."
// It reconstructs the TableInput a timed_out chunk needs from the journal
// and catalog alone, then re-enters the same cross-invocation retry loop
// TableProcessor uses for a chunk discovered during a fresh ProcessTable
// call, so a resumed chunk and a chunk retried within its own table run go
// through identical code.
type Resumer struct {
	journal  Journal
	table    *TableProcessor
	catalogs CatalogSource
	cfg      config.PipelineConfig
}

// NewResumer constructs a Resumer.
func NewResumer(journal Journal, table *TableProcessor, catalogs CatalogSource, cfg config.PipelineConfig) *Resumer {
	return &Resumer{journal: journal, table: table, catalogs: catalogs, cfg: cfg}
}

// ResumeChunk re-invokes one chunk from its persisted cursor. Idempotent: a
// chunk already `completed` or `failed` is a no-op (§3 state machine,
// "no chunk writes after reaching completed or failed state").
func (r *Resumer) ResumeChunk(ctx context.Context, jobID, chunkID string, chunkBudget time.Duration) error {
	c, err := r.journal.GetChunkProgress(ctx, jobID, chunkID)
	if err != nil {
		return common.NewPipelineError(common.ErrInvalidRequest, "chunk not found", err).
			WithContext("job_id", jobID).WithContext("chunk_id", chunkID)
	}
	if c.IsTerminal() {
		return nil
	}

	services, err := r.journal.GetTenantServices(ctx, c.TenantID)
	if err != nil {
		return fmt.Errorf("get tenant services %s: %w", c.TenantID, err)
	}
	var secretRef string
	var pageSizeOverride, rateLimitOverride int
	found := false
	for _, s := range services {
		if s.Service == c.Service {
			secretRef = s.CredentialsSecretRef
			pageSizeOverride = s.PageSizeOverride
			rateLimitOverride = s.RateLimitOverride
			found = true
			break
		}
	}
	if !found {
		return common.NewPipelineError(common.ErrConfigurationError, "tenant service not enabled", nil).
			WithContext("tenant_id", c.TenantID).WithContext("service", c.Service)
	}

	catalog, err := r.catalogs.CatalogFor(ctx, c.Service)
	if err != nil {
		return common.NewPipelineError(common.ErrConfigurationError, "load service catalog", err).
			WithContext("service", c.Service)
	}
	endpoint, ok := catalog.EndpointByTable(c.TableName)
	if !ok {
		return common.NewPipelineError(common.ErrConfigurationError, "endpoint not found for table", nil).
			WithContext("table_name", c.TableName)
	}

	in := TableInput{
		JobID:                jobID,
		TenantID:             c.TenantID,
		Service:              c.Service,
		TableName:            c.TableName,
		Endpoint:             endpoint,
		CredentialsSecretRef: secretRef,
		ChunkBudget:          chunkBudget,
		PageSizeOverride:     pageSizeOverride,
		RateLimitOverride:    rateLimitOverride,
	}

	return r.table.runChunkWithRetry(ctx, in, c)
}
