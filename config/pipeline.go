package config

import (
	"time"
)

// PipelineConfig holds the tunables enumerated in SPEC_FULL §6: fan-out
// widths at each level of the hierarchy, batch-flush thresholds, retry
// policy, and job-staleness detection. Every field has the spec's default.
// LoadPipelineConfig reads every field from the environment except
// RetryBackoffFactor and DataFormatSkipThreshold, which it fixes at 2.0 and
// 0.05. A StartPipeline request carries no per-run override of these fields.
type PipelineConfig struct {
	TenantFanout int // tenants processed concurrently
	TableFanout  int // tables per tenant concurrently
	ChunkFanout  int // chunks per table concurrently

	BatchFlushRecords int   // force flush of raw batch on record count
	BatchFlushBytes   int64 // force flush of raw batch on uncompressed size

	ChunkDeadlineMarginSec int // time reserved for cursor persistence before deadline
	ChunkBackfillDays      int // default date-range chunk width
	InitialLookbackDays    int // default lower bound when no watermark/backfill exists

	RetryMaxAttempts    int           // transient-failure retries per chunk
	RetryBackoffBase    time.Duration // base backoff
	RetryBackoffFactor  float64       // exponential multiplier
	JobStalenessTimeout time.Duration // mark job failed if updated_at hasn't moved

	DataFormatSkipThreshold float64 // fraction of records skippable before a chunk fails
}

// LoadPipelineConfig loads PipelineConfig from environment variables under
// the given prefix, following the same Load*Config(prefix) pattern as the
// rest of this package.
func LoadPipelineConfig(prefix string) PipelineConfig {
	env := NewEnvConfig(prefix)
	return PipelineConfig{
		TenantFanout:            env.GetInt("TENANT_FANOUT", 10),
		TableFanout:             env.GetInt("TABLE_FANOUT", 4),
		ChunkFanout:             env.GetInt("CHUNK_FANOUT", 3),
		BatchFlushRecords:       env.GetInt("BATCH_FLUSH_RECORDS", 5000),
		BatchFlushBytes:         int64(env.GetInt("BATCH_FLUSH_BYTES", 50*1024*1024)),
		ChunkDeadlineMarginSec:  env.GetInt("CHUNK_DEADLINE_MARGIN_SEC", 60),
		ChunkBackfillDays:       env.GetInt("CHUNK_BACKFILL_DAYS", 30),
		InitialLookbackDays:     env.GetInt("INITIAL_LOOKBACK_DAYS", 730),
		RetryMaxAttempts:        env.GetInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBackoffBase:        env.GetDuration("RETRY_BACKOFF_BASE", 15*time.Second),
		RetryBackoffFactor:      2.0,
		JobStalenessTimeout:     env.GetDuration("JOB_STALENESS_TIMEOUT", 6*time.Hour),
		DataFormatSkipThreshold: 0.05,
	}
}

// ObjectStoreConfig configures the raw/canonical object store (§6).
type ObjectStoreConfig struct {
	Bucket          string
	Region          string
	Endpoint        string // non-empty for S3-compatible stores
	ForcePathStyle  bool
	UploadPartBytes int64
}

// LoadObjectStoreConfig loads ObjectStoreConfig from environment.
func LoadObjectStoreConfig(prefix string) ObjectStoreConfig {
	env := NewEnvConfig(prefix)
	return ObjectStoreConfig{
		Bucket:          env.MustGetString("BUCKET"),
		Region:          env.GetString("REGION", "us-east-1"),
		Endpoint:        env.GetString("ENDPOINT", ""),
		ForcePathStyle:  env.GetBool("FORCE_PATH_STYLE", false),
		UploadPartBytes: int64(env.GetInt("UPLOAD_PART_BYTES", 8*1024*1024)),
	}
}

// JournalConfig configures the PostgreSQL-backed journal (§6 "key-value
// store"): TenantServices, LastUpdated, ProcessingJobs, ChunkProgress.
type JournalConfig struct {
	DSN             string
	NotifyChannel   string
	MaxConnections  int32
	ConnectTimeout  time.Duration
	StatementTimout time.Duration
}

// LoadJournalConfig loads JournalConfig from environment.
func LoadJournalConfig(prefix string) JournalConfig {
	env := NewEnvConfig(prefix)
	return JournalConfig{
		DSN:             env.MustGetString("DSN"),
		NotifyChannel:   env.GetString("NOTIFY_CHANNEL", "pipeline_state_changes"),
		MaxConnections:  int32(env.GetInt("MAX_CONNECTIONS", 20)),
		ConnectTimeout:  env.GetDuration("CONNECT_TIMEOUT", 10*time.Second),
		StatementTimout: env.GetDuration("STATEMENT_TIMEOUT", 30*time.Second),
	}
}

// AnalyticsConfig configures the ClickHouse-backed analytics store (§6).
type AnalyticsConfig struct {
	Addr            string
	Database        string
	Username        string
	Password        string
	AlterUpdateType1 bool // issue ALTER TABLE ... UPDATE for type-1 sinks (§9 Q5)
	DialTimeout      time.Duration
}

// LoadAnalyticsConfig loads AnalyticsConfig from environment.
func LoadAnalyticsConfig(prefix string) AnalyticsConfig {
	env := NewEnvConfig(prefix)
	return AnalyticsConfig{
		Addr:             env.MustGetString("ADDR"),
		Database:         env.GetString("DATABASE", "analytics"),
		Username:         env.GetString("USERNAME", "default"),
		Password:         env.GetString("PASSWORD", ""),
		AlterUpdateType1: env.GetBool("ALTER_UPDATE_TYPE1", true),
		DialTimeout:      env.GetDuration("DIAL_TIMEOUT", 10*time.Second),
	}
}

// SecretsConfig configures the secrets-store resolver (§6 "get-by-reference
// only").
type SecretsConfig struct {
	SiteURL      string
	ClientID     string
	ClientSecret string
	ProjectID    string
	Environment  string
}

// LoadSecretsConfig loads SecretsConfig from environment.
func LoadSecretsConfig(prefix string) SecretsConfig {
	env := NewEnvConfig(prefix)
	return SecretsConfig{
		SiteURL:      env.GetString("SITE_URL", "https://app.infisical.com"),
		ClientID:     env.GetString("CLIENT_ID", ""),
		ClientSecret: env.GetString("CLIENT_SECRET", ""),
		ProjectID:    env.MustGetString("PROJECT_ID"),
		Environment:  env.GetString("ENVIRONMENT", "prod"),
	}
}

// SourceServiceConfig is the runtime (non-declarative) configuration for
// reaching one external source-API service: base URL and the fractional
// share of its process-local rate-limit bucket this worker should honor
// when multiple workers share one rate_limit ceiling (§5 "shared-resource
// policy").
type SourceServiceConfig struct {
	BaseURL        string
	RateLimitShare float64
	RequestTimeout time.Duration
}

// LoadSourceServiceConfig loads SourceServiceConfig from environment.
func LoadSourceServiceConfig(prefix string) SourceServiceConfig {
	env := NewEnvConfig(prefix)
	return SourceServiceConfig{
		BaseURL:        env.MustGetString("BASE_URL"),
		RateLimitShare: 1.0,
		RequestTimeout: env.GetDuration("REQUEST_TIMEOUT", 30*time.Second),
	}
}
