package scd

import (
	"context"
	"time"

	"pipelinecore.evalgo.org/canonical"
	"pipelinecore.evalgo.org/db"
)

// versionColumn is the canonical business field used as the version column
// for type-1 comparisons (§4.5 "last_updated (or equivalent version
// column)"). Declarative mappings are expected to include this field under
// this exact canonical name; tables that use a different source field for
// their update timestamp map it to "last_updated" in their mapping
// document.
const versionColumn = "last_updated"

// Type1Sink implements overwrite-in-place semantics: NEW rows insert,
// strictly-newer rows update, equal-or-older rows skip (§4.5 "SCD type 1").
type Type1Sink struct{}

// Apply classifies every record in batch as NEW/UPDATE/SKIP against a
// single batch lookup of existing version-column values, then issues
// batched inserts and one UpdateMutableColumns call per updated record (the
// store decides whether that issues an ALTER TABLE UPDATE).
func (Type1Sink) Apply(ctx context.Context, tenantID, tableName string, batch []canonical.Record, store Store) (Stats, error) {
	if len(batch) == 0 {
		return Stats{}, nil
	}

	existing, err := store.LookupVersions(ctx, tableName, tenantID, batchIDs(batch), versionColumn)
	if err != nil {
		return Stats{}, err
	}

	fieldOrder := sortedFieldNames(batch)
	var stats Stats
	var toInsert []db.AnalyticsRow

	for _, rec := range batch {
		priorVersion, hasExisting := existing[rec.ID]
		if !hasExisting {
			toInsert = append(toInsert, businessRow(tenantID, rec, fieldOrder, nil, nil))
			stats.Inserted++
			continue
		}

		inputVersion, ok := parseVersion(rec.Fields[versionColumn])
		if !ok || !priorVersion.Before(inputVersion) {
			stats.Skipped++
			continue
		}

		assignments := make(map[string]interface{}, len(rec.Fields))
		for name, val := range rec.Fields {
			assignments[name] = val
		}
		if err := store.UpdateMutableColumns(ctx, tableName, tenantID, rec.ID, assignments); err != nil {
			return stats, err
		}
		stats.Updated++
	}

	if len(toInsert) > 0 {
		if err := store.InsertBatch(ctx, tableName, toInsert); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// parseVersion parses a canonical "last_updated" business-field value
// (RFC3339, the timestamp coercion's wire format) back into a time.Time for
// version comparison.
func parseVersion(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
