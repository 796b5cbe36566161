package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pipelinecore.evalgo.org/common"
	"pipelinecore.evalgo.org/config"
)

// CatalogSource resolves the declarative endpoint catalog for a service
// (§3 "Service", §4.2 "Discovery"). Production wiring backs this with the
// object-store-loaded catalog documents; tests substitute a static map.
type CatalogSource interface {
	CatalogFor(ctx context.Context, service string) (config.ServiceCatalog, error)
}

// TableRunner is the narrow seam a TenantProcessor needs onto the table
// processing level. *TableProcessor satisfies this directly.
type TableRunner interface {
	ProcessTable(ctx context.Context, in TableInput) (TableOutput, error)
}

// TransformRunner is the narrow seam a TenantProcessor needs onto the
// canonical transform stage. *Transformer satisfies this directly.
type TransformRunner interface {
	TransformAndLoad(ctx context.Context, in TransformInput) (TransformOutput, error)
}

// TenantInput is one tenant's worth of work for one pipeline job (§4.2
// "Invocation surface").
type TenantInput struct {
	JobID    string
	TenantID string

	ForceFullSync bool
	BackfillStart *time.Time
	BackfillEnd   *time.Time

	ChunkBudget time.Duration
}

// TenantProcessor implements §4.2: endpoint discovery across every enabled
// service for a tenant, bounded concurrent table dispatch, and the
// exactly-once canonical-transform trigger (§8 invariant 2) keyed off
// TableOutput.AlreadyComplete.
type TenantProcessor struct {
	journal     Journal
	tables      TableRunner
	transformer TransformRunner
	catalogs    CatalogSource
	cfg         config.PipelineConfig
}

// NewTenantProcessor constructs a TenantProcessor.
func NewTenantProcessor(journal Journal, tables TableRunner, transformer TransformRunner, catalogs CatalogSource, cfg config.PipelineConfig) *TenantProcessor {
	return &TenantProcessor{journal: journal, tables: tables, transformer: transformer, catalogs: catalogs, cfg: cfg}
}

// tableDispatch is one (service, endpoint) unit of work discovered for a
// tenant, carrying the per-tenant-service overrides alongside it.
type tableDispatch struct {
	service              string
	endpoint             config.EndpointConfig
	credentialsSecretRef string
	pageSizeOverride     int
	rateLimitOverride    int
}

// ProcessTenant runs every enabled (service, table) pair for one tenant with
// bounded concurrency (§4.2 "tables dispatched concurrently within a
// bound"). A failing table is folded into the returned TenantOutcome rather
// than cancelling its siblings (§5 "peer isolation").
func (p *TenantProcessor) ProcessTenant(ctx context.Context, in TenantInput) (common.TenantOutcome, error) {
	services, err := p.journal.GetTenantServices(ctx, in.TenantID)
	if err != nil {
		return common.TenantOutcome{}, fmt.Errorf("get tenant services %s: %w", in.TenantID, err)
	}

	var dispatches []tableDispatch
	for _, svc := range services {
		if !svc.Enabled {
			continue
		}
		catalog, err := p.catalogs.CatalogFor(ctx, svc.Service)
		if err != nil {
			// A missing catalog is a configuration problem scoped to this
			// service, not the whole tenant (§5 "peer isolation").
			continue
		}
		for _, ep := range catalog.EnabledEndpoints() {
			dispatches = append(dispatches, tableDispatch{
				service:              svc.Service,
				endpoint:             ep,
				credentialsSecretRef: svc.CredentialsSecretRef,
				pageSizeOverride:     svc.PageSizeOverride,
				rateLimitOverride:    svc.RateLimitOverride,
			})
		}
	}

	var (
		mu               sync.Mutex
		tablesSucceeded  int
		tablesFailed     int
		recordsProcessed int64
		lastErrorKind    string
	)

	RunBounded(ctx, p.cfg.TableFanout, dispatches, func(ctx context.Context, d tableDispatch) error {
		out, err := p.tables.ProcessTable(ctx, TableInput{
			JobID:                in.JobID,
			TenantID:             in.TenantID,
			Service:              d.service,
			TableName:            d.endpoint.TableName,
			Endpoint:             d.endpoint,
			CredentialsSecretRef: d.credentialsSecretRef,
			ForceFullSync:        in.ForceFullSync,
			BackfillStart:        in.BackfillStart,
			BackfillEnd:          in.BackfillEnd,
			ChunkBudget:          in.ChunkBudget,
			PageSizeOverride:     d.pageSizeOverride,
			RateLimitOverride:    d.rateLimitOverride,
		})
		if err != nil {
			mu.Lock()
			tablesFailed++
			lastErrorKind = string(common.KindOf(err))
			mu.Unlock()
			return err
		}

		mu.Lock()
		recordsProcessed += int64(out.RecordsProcessed)
		mu.Unlock()

		// Exactly-once trigger (§4.2 Scenario F, §8 invariant 2): fire the
		// canonical transform only on the invocation that actually finished
		// every chunk, never on a no-op re-invocation of an
		// already-settled table.
		if out.AllChunksCompleted && !out.AlreadyComplete {
			if _, transformErr := p.transformer.TransformAndLoad(ctx, TransformInput{
				TenantID:   in.TenantID,
				Service:    d.service,
				TableName:  d.endpoint.TableName,
				SourceKeys: out.S3FilesWritten,
			}); transformErr != nil {
				mu.Lock()
				tablesFailed++
				lastErrorKind = string(common.KindOf(transformErr))
				mu.Unlock()
				return transformErr
			}
		}

		mu.Lock()
		if out.AllChunksCompleted {
			tablesSucceeded++
		}
		mu.Unlock()
		return nil
	})

	status := "completed"
	if tablesFailed > 0 {
		if tablesSucceeded > 0 {
			status = "partial_success"
		} else {
			status = "failed"
		}
	}

	return common.TenantOutcome{
		TenantID:         in.TenantID,
		Status:           status,
		TablesSucceeded:  tablesSucceeded,
		TablesFailed:     tablesFailed,
		RecordsProcessed: recordsProcessed,
		LastErrorKind:    lastErrorKind,
	}, nil
}
