package pipeline

import (
	"context"
	"fmt"
	"sync"

	"pipelinecore.evalgo.org/config"
	"pipelinecore.evalgo.org/storage"
)

// ObjectStoreCatalogSource reads one YAML ServiceCatalog document per
// service from a fixed object-store prefix, the same "declarative documents
// loaded from the object store" pattern canonical.ObjectStoreMappingLoader
// uses for canonical mappings (§9 "Heterogeneous tenant/service
// configuration"). Results are cached for the process's lifetime — the
// catalog is read-only from the pipeline's perspective (§3 "Tenant
// configuration is read-only from the pipeline's perspective") and does not
// change within a single invocation.
type ObjectStoreCatalogSource struct {
	client storage.S3Client
	bucket string
	prefix string
	loader *config.MappingLoader

	mu    sync.Mutex
	cache map[string]config.ServiceCatalog
}

// NewObjectStoreCatalogSource constructs a CatalogSource backed by
// object-store documents under {prefix}/{service}.yaml.
func NewObjectStoreCatalogSource(client storage.S3Client, bucket, prefix string) *ObjectStoreCatalogSource {
	return &ObjectStoreCatalogSource{
		client: client,
		bucket: bucket,
		prefix: prefix,
		loader: config.NewMappingLoader(),
		cache:  make(map[string]config.ServiceCatalog),
	}
}

// CatalogFor fetches and parses the catalog document for service, caching
// the result so repeated lookups within one pipeline run don't re-fetch.
func (c *ObjectStoreCatalogSource) CatalogFor(ctx context.Context, service string) (config.ServiceCatalog, error) {
	c.mu.Lock()
	if cached, ok := c.cache[service]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	key := fmt.Sprintf("%s/%s.yaml", c.prefix, service)
	data, err := storage.ReadObject(ctx, c.client, c.bucket, key)
	if err != nil {
		return config.ServiceCatalog{}, fmt.Errorf("service catalog not found for %s: %w", service, err)
	}
	catalog, err := c.loader.LoadServiceCatalog(data)
	if err != nil {
		return config.ServiceCatalog{}, fmt.Errorf("parse service catalog %s: %w", service, err)
	}

	c.mu.Lock()
	c.cache[service] = catalog
	c.mu.Unlock()
	return catalog, nil
}

// StaticCatalogSource is an in-memory CatalogSource, used by tests and by
// single-node deployments that load every catalog document once at
// startup.
type StaticCatalogSource struct {
	catalogs map[string]config.ServiceCatalog
}

// NewStaticCatalogSource constructs a StaticCatalogSource from a pre-loaded
// service -> catalog map.
func NewStaticCatalogSource(catalogs map[string]config.ServiceCatalog) *StaticCatalogSource {
	return &StaticCatalogSource{catalogs: catalogs}
}

// CatalogFor looks up service in the in-memory map.
func (s *StaticCatalogSource) CatalogFor(_ context.Context, service string) (config.ServiceCatalog, error) {
	c, ok := s.catalogs[service]
	if !ok {
		return config.ServiceCatalog{}, fmt.Errorf("service catalog not found for %s", service)
	}
	return c, nil
}
