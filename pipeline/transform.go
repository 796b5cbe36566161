package pipeline

import (
	"context"

	"pipelinecore.evalgo.org/canonical"
	"pipelinecore.evalgo.org/common"
	"pipelinecore.evalgo.org/scd"
	"pipelinecore.evalgo.org/storage"
)

// TransformAndLoad lives in this package rather than canonical or scd: scd
// already imports canonical, so a function tying mapping lookup, transform,
// and sink application together would otherwise need to sit above both —
// this is that seam, and the one the tenant processor calls once a table's
// chunks have all completed (§4.5, §8 invariant 2).

// RawObjectReader abstracts fetching one raw object's bytes by key.
// storage.ReadObject against an S3Client satisfies this through
// S3RawObjectReader; tests inject an in-memory fake.
type RawObjectReader interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

// S3RawObjectReader adapts storage.ReadObject to RawObjectReader.
type S3RawObjectReader struct {
	Client storage.S3Client
	Bucket string
}

// Read fetches the raw object at key from the bound bucket.
func (r *S3RawObjectReader) Read(ctx context.Context, key string) ([]byte, error) {
	return storage.ReadObject(ctx, r.Client, r.Bucket, key)
}

// CanonicalWriter abstracts writing one table's canonical Parquet object.
// *storage.CanonicalObjectWriter satisfies this directly.
type CanonicalWriter interface {
	Write(ctx context.Context, tenantID, tableName string, businessFields []string, rows []storage.CanonicalRow) (string, error)
}

// Transformer implements §4.5: read every raw object a table's completed
// chunks wrote, decode by content (Parquet or JSON), apply the table's
// declarative canonical mapping, apply the SCD-aware sink, and write the
// resulting canonical object.
type Transformer struct {
	mappings canonical.MappingStore
	reader   RawObjectReader
	store    scd.Store
	writer   CanonicalWriter
}

// NewTransformer constructs a Transformer.
func NewTransformer(mappings canonical.MappingStore, reader RawObjectReader, store scd.Store, writer CanonicalWriter) *Transformer {
	return &Transformer{mappings: mappings, reader: reader, store: store, writer: writer}
}

// TransformInput is one table's canonical-transform invocation (§4.5
// "Invocation surface"). SourceKeys are the raw object keys the table's
// chunks wrote (TableOutput.S3FilesWritten) — the transform never
// discovers raw objects by listing, only by the keys its caller hands it.
type TransformInput struct {
	TenantID   string
	Service    string
	TableName  string
	SourceKeys []string
}

// TransformOutput is TransformAndLoad's result (§4.5 "Invocation surface").
type TransformOutput struct {
	RecordsTransformed int
	RecordsSkipped     int
	Stats              scd.Stats
	CanonicalObjectKey string
}

// TransformAndLoad runs one table's full transform pipeline. A missing
// canonical mapping is a ConfigurationError (§4.5 "Missing mapping ->
// ConfigurationError, invocation fails"). An empty resulting record set
// writes nothing (§4.5 "do not write an empty object") and returns a
// zero-value CanonicalObjectKey, which is not an error.
func (t *Transformer) TransformAndLoad(ctx context.Context, in TransformInput) (TransformOutput, error) {
	mapping, err := t.mappings.MappingFor(ctx, in.TableName)
	if err != nil {
		return TransformOutput{}, common.NewPipelineError(common.ErrConfigurationError, "load canonical mapping", err).
			WithContext("table_name", in.TableName)
	}

	var rows []storage.RawRow
	for _, key := range in.SourceKeys {
		data, err := t.reader.Read(ctx, key)
		if err != nil {
			return TransformOutput{}, common.NewPipelineError(common.ErrTransientExternal, "read raw object", err).
				WithContext("key", key)
		}

		var decoded []storage.RawRow
		if storage.IsParquet(data) {
			decoded, err = storage.ReadRawParquet(data)
		} else {
			decoded, err = storage.ReadRawJSON(data)
		}
		if err != nil {
			return TransformOutput{}, common.NewPipelineError(common.ErrDataFormatError, "decode raw object", err).
				WithContext("key", key)
		}
		rows = append(rows, decoded...)
	}

	records, skipped, err := canonical.Transform(rows, mapping, in.Service, in.TableName)
	if err != nil {
		return TransformOutput{}, common.NewPipelineError(common.ErrConfigurationError, "apply canonical mapping", err).
			WithContext("table_name", in.TableName)
	}
	if len(records) == 0 {
		return TransformOutput{RecordsSkipped: skipped}, nil
	}

	sink, err := scd.NewSink(mapping.SCDType)
	if err != nil {
		return TransformOutput{}, common.NewPipelineError(common.ErrConfigurationError, "select scd sink", err).
			WithContext("table_name", in.TableName)
	}

	stats, err := sink.Apply(ctx, in.TenantID, mapping.CanonicalTable, records, t.store)
	if err != nil {
		return TransformOutput{}, common.NewPipelineError(common.ErrSinkConflict, "apply scd sink", err).
			WithContext("table_name", in.TableName)
	}

	businessFields := canonical.BusinessFieldNames(mapping, in.Service)
	storageRows := make([]storage.CanonicalRow, len(records))
	for i, rec := range records {
		storageRows[i] = canonical.ToStorageRow(rec)
	}

	key, err := t.writer.Write(ctx, in.TenantID, mapping.CanonicalTable, businessFields, storageRows)
	if err != nil {
		return TransformOutput{}, common.NewPipelineError(common.ErrTransientExternal, "write canonical object", err).
			WithContext("table_name", in.TableName)
	}

	return TransformOutput{
		RecordsTransformed: len(records),
		RecordsSkipped:     skipped,
		Stats:              stats,
		CanonicalObjectKey: key,
	}, nil
}
