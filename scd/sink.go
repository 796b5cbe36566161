// Package scd implements the SCD-aware sink of SPEC_FULL §4.5: type-1
// overwrite semantics and type-2 versioning semantics against the
// analytics store, modeled as a tagged variant behind a common Apply
// operation rather than per-record reflection on scd_type (§9).
package scd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"pipelinecore.evalgo.org/canonical"
	"pipelinecore.evalgo.org/config"
	"pipelinecore.evalgo.org/db"
)

// Stats is the counter set returned by one sink Apply call (§4.5).
type Stats struct {
	Inserted  int
	Updated   int // type-1 only
	Versioned int // type-2 only
	Skipped   int
}

// Store is the narrow seam onto the analytics store each SCD strategy
// needs (§4.5). *db.AnalyticsStore satisfies this directly; tests inject a
// hand-written fake, following the same DI-via-interface idiom as
// storage.S3Client/queue.AMQPDialer.
type Store interface {
	LookupVersions(ctx context.Context, tableName, tenantID string, ids []string, versionColumn string) (map[string]time.Time, error)
	LookupCurrent(ctx context.Context, tableName, tenantID, id string) (db.CurrentRow, bool, error)
	InsertBatch(ctx context.Context, tableName string, rows []db.AnalyticsRow) error
	ExpireCurrent(ctx context.Context, tableName, tenantID, id string) error
	UpdateMutableColumns(ctx context.Context, tableName, tenantID, id string, assignments map[string]interface{}) error
}

// Sink is the tagged-variant interface both SCD strategies implement (§9
// "Model as a tagged variant ... with a common Apply(batch, store) ->
// SinkStats operation, not as per-record reflection").
type Sink interface {
	Apply(ctx context.Context, tenantID, tableName string, batch []canonical.Record, store Store) (Stats, error)
}

// NewSink selects the sink strategy for scdType (§3 "scd_type").
func NewSink(scdType config.SCDType) (Sink, error) {
	switch scdType {
	case config.SCDType1:
		return Type1Sink{}, nil
	case config.SCDType2:
		return Type2Sink{}, nil
	default:
		return nil, fmt.Errorf("unknown scd_type %q", scdType)
	}
}

// businessRow builds the column/value pair for one record's business
// fields plus (tenant_id, id), in a deterministic column order so every
// row in a batch insert shares the identical Columns slice db.InsertBatch
// requires.
func businessRow(tenantID string, rec canonical.Record, fieldOrder []string, extraColumns []string, extraValues []interface{}) db.AnalyticsRow {
	columns := make([]string, 0, 2+len(fieldOrder)+len(extraColumns))
	values := make([]interface{}, 0, 2+len(fieldOrder)+len(extraColumns))

	columns = append(columns, "tenant_id", "id")
	values = append(values, tenantID, rec.ID)

	for _, name := range fieldOrder {
		columns = append(columns, name)
		values = append(values, rec.Fields[name])
	}

	columns = append(columns, extraColumns...)
	values = append(values, extraValues...)
	return db.AnalyticsRow{Columns: columns, Values: values}
}

// sortedFieldNames returns a stable column ordering for a batch, the union
// of every record's field names so a batch with heterogeneous optional
// fields still produces one consistent schema.
func sortedFieldNames(batch []canonical.Record) []string {
	seen := make(map[string]struct{})
	for _, rec := range batch {
		for name := range rec.Fields {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func batchIDs(batch []canonical.Record) []string {
	ids := make([]string, len(batch))
	for i, rec := range batch {
		ids[i] = rec.ID
	}
	return ids
}
