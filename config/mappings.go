package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PaginationStrategy names the pagination style an endpoint uses (§3/§9
// "pagination strategy polymorphism" — this is just the declarative tag;
// the interface abstraction over it lives in package sourceapi).
type PaginationStrategy string

const (
	PaginationPage   PaginationStrategy = "page"
	PaginationOffset PaginationStrategy = "offset"
)

// PaginationConfig is the declarative pagination shape of one endpoint (§3).
type PaginationConfig struct {
	Strategy       PaginationStrategy `yaml:"strategy"`
	PageSizeDefault int               `yaml:"page_size_default"`
	PageSizeMax     int               `yaml:"page_size_max"`
}

// EndpointConfig is the declarative record per (service, endpoint path) of
// §3. table_name/canonical_table are always explicit — never derived from
// the endpoint path (§9 decision 4, the `entries` vs `time_entries`
// inconsistency this spec closes off).
type EndpointConfig struct {
	Path             string           `yaml:"path"`
	Enabled          bool             `yaml:"enabled"`
	TableName        string           `yaml:"table_name"`
	CanonicalTable   string           `yaml:"canonical_table"`
	Pagination       PaginationConfig `yaml:"pagination"`
	RateLimit        int              `yaml:"rate_limit"` // requests per minute
	IncrementalField string           `yaml:"incremental_field,omitempty"`
	OrderingField    string           `yaml:"ordering_field"`
	BackfillDays     int              `yaml:"backfill_days,omitempty"` // 0 = use PipelineConfig.ChunkBackfillDays
}

// IsMasterData reports whether this endpoint has no incremental_field, and
// is therefore always synced in full (§3, §4.3, GLOSSARY).
func (e EndpointConfig) IsMasterData() bool {
	return e.IncrementalField == ""
}

// ServiceCatalog is the declarative catalog of endpoints for one service
// (§3 "Service"); endpoints are looked up by table_name (EndpointByTable).
type ServiceCatalog struct {
	Service   string           `yaml:"service"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// EndpointByTable returns the endpoint configured with the given table_name,
// or false if none matches. table_name is the join key between a
// ServiceCatalog endpoint and its CanonicalMapping — never the endpoint path.
func (c ServiceCatalog) EndpointByTable(tableName string) (EndpointConfig, bool) {
	for _, ep := range c.Endpoints {
		if ep.TableName == tableName {
			return ep, true
		}
	}
	return EndpointConfig{}, false
}

// EnabledEndpoints returns every endpoint with enabled=true and a non-empty
// table_name (§4.2 "Discovery").
func (c ServiceCatalog) EnabledEndpoints() []EndpointConfig {
	out := make([]EndpointConfig, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.Enabled && ep.TableName != "" {
			out = append(out, ep)
		}
	}
	return out
}

// SCDType selects the sink strategy for a canonical table (§4.5, §9 "model
// as a tagged variant").
type SCDType string

const (
	SCDType1 SCDType = "type_1"
	SCDType2 SCDType = "type_2"
)

// FieldRule is one declarative source_field -> canonical_field mapping rule,
// with an optional coercion and optional constant value (§3 "Canonical
// mapping").
type FieldRule struct {
	SourceField string `yaml:"source_field,omitempty"`
	Canonical   string `yaml:"canonical_field"`
	Coercion    string `yaml:"coercion,omitempty"` // "", "string", "int", "float", "bool", "timestamp"
	Constant    string `yaml:"constant,omitempty"` // set instead of source_field for a fixed value
}

// SourceFieldRules is the ordered list of field rules for one source system
// feeding a canonical table.
type SourceFieldRules struct {
	SourceSystem string      `yaml:"source_system"`
	Rules        []FieldRule `yaml:"rules"`
	PrimaryKey   string      `yaml:"primary_key"`
}

// CanonicalMapping is the declarative document per canonical table of §3.
// Kept as data loaded from the object store or a local document, never
// code-generated per table (§9).
type CanonicalMapping struct {
	CanonicalTable string             `yaml:"canonical_table"`
	SCDType        SCDType            `yaml:"scd_type"`
	Sources        []SourceFieldRules `yaml:"sources"`
}

// RulesFor returns the field rules declared for sourceSystem, or false if
// this mapping has no rules for that source.
func (m CanonicalMapping) RulesFor(sourceSystem string) (SourceFieldRules, bool) {
	for _, s := range m.Sources {
		if s.SourceSystem == sourceSystem {
			return s, true
		}
	}
	return SourceFieldRules{}, false
}

// MappingLoader loads declarative ServiceCatalog and CanonicalMapping
// documents. Mappings are read-only from the pipeline's perspective (§3
// "Ownership & lifecycle") — the loader never writes them back.
type MappingLoader struct{}

// NewMappingLoader constructs a MappingLoader.
func NewMappingLoader() *MappingLoader {
	return &MappingLoader{}
}

// LoadServiceCatalog parses a ServiceCatalog document from raw YAML bytes.
func (l *MappingLoader) LoadServiceCatalog(data []byte) (ServiceCatalog, error) {
	var catalog ServiceCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return ServiceCatalog{}, fmt.Errorf("decode service catalog: %w", err)
	}
	return catalog, nil
}

// LoadServiceCatalogFile reads and parses a ServiceCatalog document from a
// local path (used by tests and single-node deployments; production
// deployments back this with the object-store-backed
// ObjectStoreCatalogSource in pipeline/catalog.go).
func (l *MappingLoader) LoadServiceCatalogFile(path string) (ServiceCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServiceCatalog{}, fmt.Errorf("read service catalog %s: %w", path, err)
	}
	return l.LoadServiceCatalog(data)
}

// LoadCanonicalMapping parses a CanonicalMapping document from raw YAML
// bytes.
func (l *MappingLoader) LoadCanonicalMapping(data []byte) (CanonicalMapping, error) {
	var mapping CanonicalMapping
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return CanonicalMapping{}, fmt.Errorf("decode canonical mapping: %w", err)
	}
	if mapping.SCDType != SCDType1 && mapping.SCDType != SCDType2 {
		return CanonicalMapping{}, fmt.Errorf("canonical mapping %s: invalid scd_type %q", mapping.CanonicalTable, mapping.SCDType)
	}
	return mapping, nil
}

// LoadCanonicalMappingFile reads and parses a CanonicalMapping document from
// a local path.
func (l *MappingLoader) LoadCanonicalMappingFile(path string) (CanonicalMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CanonicalMapping{}, fmt.Errorf("read canonical mapping %s: %w", path, err)
	}
	return l.LoadCanonicalMapping(data)
}

// TenantConfig is the read-only-from-the-pipeline tenant record of §3:
// which services are enabled and which secret reference authenticates each.
type TenantConfig struct {
	TenantID string                   `yaml:"tenant_id"`
	Services map[string]TenantService `yaml:"services"`
}

// TenantService is one (tenant, service) entry: enabled flag, credentials
// reference, and optional per-tenant overrides for pagination/rate limit
// (§6 "TenantServices").
type TenantService struct {
	Enabled             bool    `yaml:"enabled"`
	CredentialsSecretRef string `yaml:"credentials_secret_ref"`
	PageSizeOverride    int     `yaml:"page_size_override,omitempty"`
	RateLimitOverride   int     `yaml:"rate_limit_override,omitempty"`
}

// EnabledServices returns the service tags enabled for this tenant (§3
// "Tenant").
func (t TenantConfig) EnabledServices() []string {
	out := make([]string, 0, len(t.Services))
	for svc, cfg := range t.Services {
		if cfg.Enabled {
			out = append(out, svc)
		}
	}
	return out
}

// HasAnyEnabledService reports whether the tenant has at least one enabled
// service, the gate used by the orchestrator's multi-tenant discovery
// (§4.1 "every tenant whose configuration has at least one enabled
// service").
func (t TenantConfig) HasAnyEnabledService() bool {
	for _, cfg := range t.Services {
		if cfg.Enabled {
			return true
		}
	}
	return false
}

// LoadTenantConfig parses a TenantConfig document from raw YAML bytes.
func (l *MappingLoader) LoadTenantConfig(data []byte) (TenantConfig, error) {
	var tenant TenantConfig
	if err := yaml.Unmarshal(data, &tenant); err != nil {
		return TenantConfig{}, fmt.Errorf("decode tenant config: %w", err)
	}
	return tenant, nil
}

// LoadTenantConfigFile reads and parses a TenantConfig document from a local
// path.
func (l *MappingLoader) LoadTenantConfigFile(path string) (TenantConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TenantConfig{}, fmt.Errorf("read tenant config %s: %w", path, err)
	}
	return l.LoadTenantConfig(data)
}
