// Package canonical implements the transform stage of SPEC_FULL §4.5: it
// turns raw object records into canonical records by applying a declarative
// mapping document, never a per-table generated transformer (§9 "Canonical
// mappings as data").
package canonical

import (
	"context"
	"fmt"

	"pipelinecore.evalgo.org/config"
	"pipelinecore.evalgo.org/storage"
)

// MappingStore resolves a canonical mapping document by table name. The
// concrete implementation reads from the object store per §9 ("keep
// mappings as declarative documents loaded from the object store"); tests
// and single-node deployments can back it with config.MappingLoader's
// local-file variant instead.
type MappingStore interface {
	MappingFor(ctx context.Context, tableName string) (config.CanonicalMapping, error)
}

// ObjectStoreMappingLoader reads one YAML mapping document per canonical
// table from a fixed object-store prefix.
type ObjectStoreMappingLoader struct {
	client storage.S3Client
	bucket string
	prefix string
	loader *config.MappingLoader
}

// NewObjectStoreMappingLoader constructs a MappingStore backed by
// object-store documents under {prefix}/{table_name}.yaml.
func NewObjectStoreMappingLoader(client storage.S3Client, bucket, prefix string) *ObjectStoreMappingLoader {
	return &ObjectStoreMappingLoader{client: client, bucket: bucket, prefix: prefix, loader: config.NewMappingLoader()}
}

// MappingFor fetches and parses the mapping document for tableName.
// Missing mapping surfaces as ConfigurationError (§4.5 "Missing mapping ->
// ConfigurationError, invocation fails").
func (l *ObjectStoreMappingLoader) MappingFor(ctx context.Context, tableName string) (config.CanonicalMapping, error) {
	key := fmt.Sprintf("%s/%s.yaml", l.prefix, tableName)
	data, err := storage.ReadObject(ctx, l.client, l.bucket, key)
	if err != nil {
		return config.CanonicalMapping{}, fmt.Errorf("canonical mapping not found for %s: %w", tableName, err)
	}
	mapping, err := l.loader.LoadCanonicalMapping(data)
	if err != nil {
		return config.CanonicalMapping{}, fmt.Errorf("parse canonical mapping %s: %w", tableName, err)
	}
	return mapping, nil
}

// StaticMappingStore is an in-memory MappingStore, used by tests and by
// deployments that load all mapping documents once at startup.
type StaticMappingStore struct {
	mappings map[string]config.CanonicalMapping
}

// NewStaticMappingStore constructs a StaticMappingStore from a pre-loaded
// table-name -> mapping map.
func NewStaticMappingStore(mappings map[string]config.CanonicalMapping) *StaticMappingStore {
	return &StaticMappingStore{mappings: mappings}
}

// MappingFor looks up tableName in the in-memory map.
func (s *StaticMappingStore) MappingFor(_ context.Context, tableName string) (config.CanonicalMapping, error) {
	m, ok := s.mappings[tableName]
	if !ok {
		return config.CanonicalMapping{}, fmt.Errorf("canonical mapping not found for %s", tableName)
	}
	return m, nil
}
