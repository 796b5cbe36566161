package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelinecore.evalgo.org/config"
	"pipelinecore.evalgo.org/storage"
)

func TestStaticCatalogSource_CatalogFor(t *testing.T) {
	catalog := config.ServiceCatalog{Service: "harvest", Endpoints: []config.EndpointConfig{
		{Path: "time_entries", Enabled: true, TableName: "time_entries"},
	}}
	src := NewStaticCatalogSource(map[string]config.ServiceCatalog{"harvest": catalog})

	got, err := src.CatalogFor(context.Background(), "harvest")
	require.NoError(t, err)
	assert.Equal(t, catalog, got)

	_, err = src.CatalogFor(context.Background(), "unknown")
	assert.Error(t, err)
}

func TestObjectStoreCatalogSource_CatalogFor(t *testing.T) {
	client := storage.NewMockS3Client()
	doc := "service: harvest\nendpoints:\n  - path: time_entries\n    enabled: true\n    table_name: time_entries\n"
	client.Objects["catalogs/harvest.yaml"] = &storage.MockS3Object{Key: "catalogs/harvest.yaml", Content: doc, Size: int64(len(doc))}

	src := NewObjectStoreCatalogSource(client, "bucket", "catalogs")
	catalog, err := src.CatalogFor(context.Background(), "harvest")
	require.NoError(t, err)
	assert.Equal(t, "harvest", catalog.Service)
	require.Len(t, catalog.Endpoints, 1)
	assert.Equal(t, "time_entries", catalog.Endpoints[0].TableName)

	// A second lookup must hit the cache rather than the fake client, so
	// deleting the backing object is only safe to observe if caching works.
	delete(client.Objects, "catalogs/harvest.yaml")
	cached, err := src.CatalogFor(context.Background(), "harvest")
	require.NoError(t, err)
	assert.Equal(t, catalog, cached)
}

func TestObjectStoreCatalogSource_MissingDocument(t *testing.T) {
	client := storage.NewMockS3Client()
	src := NewObjectStoreCatalogSource(client, "bucket", "catalogs")

	_, err := src.CatalogFor(context.Background(), "missing")
	assert.Error(t, err)
}
