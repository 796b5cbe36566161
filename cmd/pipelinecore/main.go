// Package main is the pipelinecore entry point: a cobra CLI that wires every
// concrete component (journal, analytics store, object store, secrets
// resolver, rate limiter, source-API clients, canonical mappings, SCD sink)
// into the orchestration hierarchy and exposes it as either a one-shot CLI
// invocation or a long-running HTTP server, following the teacher's
// cli/root.go convention of a thin cobra root wrapping library calls
// directly rather than a generated service container.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pipelinecore.evalgo.org/api"
	"pipelinecore.evalgo.org/canonical"
	"pipelinecore.evalgo.org/common"
	"pipelinecore.evalgo.org/config"
	"pipelinecore.evalgo.org/db"
	"pipelinecore.evalgo.org/pipeline"
	"pipelinecore.evalgo.org/queue"
	"pipelinecore.evalgo.org/ratelimit"
	"pipelinecore.evalgo.org/secrets"
	"pipelinecore.evalgo.org/sourceapi"
	"pipelinecore.evalgo.org/storage"
	"pipelinecore.evalgo.org/version"
)

// components bundles every constructed dependency needed by either the CLI
// one-shot commands or the server command, so each cobra RunE only needs to
// pick which of these it drives.
type components struct {
	orch        *pipeline.Orchestrator
	resumer     *pipeline.Resumer
	transformer *pipeline.Transformer
	cfg         config.PipelineConfig

	rabbit *queue.RabbitMQService
}

// buildComponents wires the full dependency graph from environment
// configuration. It is the one place StartPipeline, ResumeChunk,
// TransformAndLoad, and the HTTP server all originate from.
func buildComponents(ctx context.Context) (*components, error) {
	pipelineCfg := config.LoadPipelineConfig("PIPELINECORE")
	journalCfg := config.LoadJournalConfig("PIPELINECORE_JOURNAL")
	analyticsCfg := config.LoadAnalyticsConfig("PIPELINECORE_ANALYTICS")
	objectStoreCfg := config.LoadObjectStoreConfig("PIPELINECORE_OBJECTSTORE")
	secretsCfg := config.LoadSecretsConfig("PIPELINECORE_SECRETS")

	env := config.NewEnvConfig("PIPELINECORE")

	pgDB, err := db.NewPostgresDB(journalCfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect journal: %w", err)
	}
	journal := db.NewStateStore(pgDB.Pool(), journalCfg.NotifyChannel)

	analyticsStore, err := db.NewAnalyticsStore(ctx, analyticsCfg)
	if err != nil {
		return nil, fmt.Errorf("connect analytics store: %w", err)
	}

	s3Client, err := storage.NewS3Client(ctx, objectStoreCfg,
		env.GetString("OBJECTSTORE_ACCESS_KEY", ""), env.GetString("OBJECTSTORE_SECRET_KEY", ""))
	if err != nil {
		return nil, fmt.Errorf("build object store client: %w", err)
	}
	rawWriter := storage.NewRawObjectWriter(s3Client, objectStoreCfg.Bucket)
	canonicalWriter := storage.NewCanonicalObjectWriter(s3Client, objectStoreCfg.Bucket)
	rawReader := &pipeline.S3RawObjectReader{Client: s3Client, Bucket: objectStoreCfg.Bucket}

	resolver, err := secrets.NewInfisicalResolver(ctx, secretsCfg)
	if err != nil {
		return nil, fmt.Errorf("build secrets resolver: %w", err)
	}

	catalogPrefix := env.GetString("CATALOG_PREFIX", "catalogs")
	mappingPrefix := env.GetString("MAPPING_PREFIX", "mappings")
	catalogs := pipeline.NewObjectStoreCatalogSource(s3Client, objectStoreCfg.Bucket, catalogPrefix)
	mappings := canonical.NewObjectStoreMappingLoader(s3Client, objectStoreCfg.Bucket, mappingPrefix)

	rateRegistry := ratelimit.NewRegistry()
	clientFactory := sourceClientFactory(rateRegistry, pipelineCfg)

	chunkProcessor := pipeline.NewChunkProcessor(journal, rawWriter, resolver, clientFactory, pipelineCfg)
	tableProcessor := pipeline.NewTableProcessor(journal, chunkProcessor, pipelineCfg)
	transformer := pipeline.NewTransformer(mappings, rawReader, analyticsStore, canonicalWriter)
	tenantProcessor := pipeline.NewTenantProcessor(journal, tableProcessor, transformer, catalogs, pipelineCfg)

	var notifier queue.MessagePublisher
	rabbitURL := env.GetString("RABBITMQ_URL", "")
	var rabbit *queue.RabbitMQService
	if rabbitURL != "" {
		rabbit, err = queue.NewRabbitMQService(queue.RabbitConfig{
			RabbitMQURL: rabbitURL,
			QueueName:   env.GetString("RABBITMQ_QUEUE_NAME", "pipeline_completions"),
		})
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		notifier = rabbit
	}

	orch := pipeline.NewOrchestrator(journal, tenantProcessor, notifier, pipelineCfg)
	resumer := pipeline.NewResumer(journal, tableProcessor, catalogs, pipelineCfg)

	return &components{
		orch:        orch,
		resumer:     resumer,
		transformer: transformer,
		cfg:         pipelineCfg,
		rabbit:      rabbit,
	}, nil
}

// sourceClientFactory builds the pipeline.ClientFactory closure every chunk
// invocation uses to reach its source service: a fresh sourceapi.Client
// bound to the service's shared rate-limit bucket and resolved credentials,
// paired with the endpoint's declarative pagination strategy (§4.4, §5
// "one token bucket per service, shared across every chunk fetching from
// it").
func sourceClientFactory(registry *ratelimit.Registry, cfg config.PipelineConfig) pipeline.ClientFactory {
	return func(ctx context.Context, in pipeline.ChunkInput, creds secrets.Credentials) (pipeline.PageSource, error) {
		svcCfg := config.LoadSourceServiceConfig("PIPELINECORE_SOURCE_" + strings.ToUpper(in.Service))

		ratePerMinute := in.Endpoint.RateLimit
		if in.RateLimitOverride > 0 {
			ratePerMinute = in.RateLimitOverride
		}
		bucket := registry.Get(in.Service, int(float64(ratePerMinute)*svcCfg.RateLimitShare))

		client := sourceapi.NewClient(svcCfg.BaseURL, svcCfg.RequestTimeout, bucket,
			map[string]string(creds), cfg.RetryMaxAttempts, cfg.RetryBackoffBase, cfg.RetryBackoffFactor)

		fetcher, err := sourceapi.NewPageFetcher(in.Endpoint.Pagination.Strategy)
		if err != nil {
			return nil, err
		}
		return sourceapi.NewBoundClient(client, fetcher), nil
	}
}

func main() {
	root := &cobra.Command{
		Use:   "pipelinecore",
		Short: "Multi-tenant ingestion and canonicalization pipeline",
	}

	root.AddCommand(serveCmd(), pipelineCmd(), transformCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP invocation surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			comp, err := buildComponents(ctx)
			if err != nil {
				return err
			}
			if comp.rabbit != nil {
				defer comp.rabbit.Close()
			}

			logger := common.ServiceLogger("pipelinecore", version.GetModuleVersion())

			server := api.NewServer(comp.orch, comp.resumer, comp.transformer, 10*time.Minute)
			e := server.Echo()

			go func() {
				logger.Infof("listening on :%d", port)
				if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Fatal("server failed")
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			<-quit

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP listen port")
	return cmd
}

func pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run or inspect pipeline jobs",
	}
	cmd.AddCommand(pipelineStartCmd(), pipelineGetCmd(), pipelineResumeCmd())
	return cmd
}

func pipelineStartCmd() *cobra.Command {
	var tenantID string
	var forceFullSync bool
	var chunkBudgetSec int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a pipeline run and block until it completes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			comp, err := buildComponents(ctx)
			if err != nil {
				return err
			}
			if comp.rabbit != nil {
				defer comp.rabbit.Close()
			}

			rollup, err := comp.orch.StartPipeline(ctx, pipeline.StartRequest{
				TenantID:      tenantID,
				ForceFullSync: forceFullSync,
				ChunkBudget:   time.Duration(chunkBudgetSec) * time.Second,
			})
			if err != nil {
				return err
			}
			fmt.Printf("job %s: %s (%d/%d tenants succeeded, %d records)\n",
				rollup.JobID, rollup.Status, rollup.TenantsSucceeded, rollup.TenantsTotal, rollup.RecordsProcessed)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "single tenant to run; empty runs every enabled tenant")
	cmd.Flags().BoolVar(&forceFullSync, "force-full-sync", false, "ignore watermarks and backfill from the beginning")
	cmd.Flags().IntVar(&chunkBudgetSec, "chunk-budget-sec", 600, "per-chunk wall-clock budget before suspension")
	return cmd
}

func pipelineGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [job_id]",
		Short: "Print a previously started job's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			comp, err := buildComponents(ctx)
			if err != nil {
				return err
			}
			if comp.rabbit != nil {
				defer comp.rabbit.Close()
			}

			job, err := comp.orch.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", job)
			return nil
		},
	}
	return cmd
}

func pipelineResumeCmd() *cobra.Command {
	var chunkBudgetSec int
	cmd := &cobra.Command{
		Use:   "resume [job_id] [chunk_id]",
		Short: "Resume one timed-out chunk from its persisted cursor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			comp, err := buildComponents(ctx)
			if err != nil {
				return err
			}
			if comp.rabbit != nil {
				defer comp.rabbit.Close()
			}

			return comp.resumer.ResumeChunk(ctx, args[0], args[1], time.Duration(chunkBudgetSec)*time.Second)
		},
	}
	cmd.Flags().IntVar(&chunkBudgetSec, "chunk-budget-sec", 600, "wall-clock budget for the resumed chunk")
	return cmd
}

func transformCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "transform", Short: "Canonical transform operations"}
	cmd.AddCommand(transformRunCmd())
	return cmd
}

func transformRunCmd() *cobra.Command {
	var tenantID, service, tableName string
	var sourceKeys []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the canonical transform and SCD sink for an explicit set of raw objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			comp, err := buildComponents(ctx)
			if err != nil {
				return err
			}
			if comp.rabbit != nil {
				defer comp.rabbit.Close()
			}

			out, err := comp.transformer.TransformAndLoad(ctx, pipeline.TransformInput{
				TenantID:   tenantID,
				Service:    service,
				TableName:  tableName,
				SourceKeys: sourceKeys,
			})
			if err != nil {
				return err
			}
			fmt.Printf("transformed %d records (%d skipped) -> %s\n", out.RecordsTransformed, out.RecordsSkipped, out.CanonicalObjectKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "tenant id")
	cmd.Flags().StringVar(&service, "service", "", "source service name")
	cmd.Flags().StringVar(&tableName, "table-name", "", "canonical table name")
	cmd.Flags().StringSliceVar(&sourceKeys, "source-keys", nil, "raw object keys to read")
	cmd.MarkFlagRequired("tenant-id")
	cmd.MarkFlagRequired("table-name")
	return cmd
}
