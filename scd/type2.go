package scd

import (
	"context"

	"pipelinecore.evalgo.org/canonical"
	"pipelinecore.evalgo.org/db"
)

// Type2Sink implements versioned-history semantics: a changed record
// expires its current row and inserts a new one with an incremented
// version (§4.5 "SCD type 2").
type Type2Sink struct{}

// Apply reads the current-version row per record id, compares business
// fields (via RecordHash, which is computed over business fields only),
// and for each genuine change expires the old row and inserts the new one
// in the same logical step (best-effort, not transactional — §4.5
// "Transactionality": a crash between the two leaves a transient
// inconsistency the engine-level merge corrects, readers filter with
// is_current = true AND expiration_date IS NULL).
func (Type2Sink) Apply(ctx context.Context, tenantID, tableName string, batch []canonical.Record, store Store) (Stats, error) {
	if len(batch) == 0 {
		return Stats{}, nil
	}

	fieldOrder := sortedFieldNames(batch)
	var stats Stats

	for _, rec := range batch {
		current, found, err := store.LookupCurrent(ctx, tableName, tenantID, rec.ID)
		if err != nil {
			return stats, err
		}

		if found && current.RecordHash == rec.RecordHash {
			stats.Skipped++
			continue
		}

		version := int64(1)
		if found {
			if err := store.ExpireCurrent(ctx, tableName, tenantID, rec.ID); err != nil {
				return stats, err
			}
			version = current.RecordVersion + 1
		}

		row := businessRow(tenantID, rec, fieldOrder,
			[]string{"source_system", "source_table", "ingestion_timestamp", "effective_start_date", "expiration_date", "is_current", "record_hash", "record_version"},
			[]interface{}{rec.SourceSystem, rec.SourceTable, rec.IngestionTimestamp, rec.IngestionTimestamp, nil, true, rec.RecordHash, version},
		)
		if err := store.InsertBatch(ctx, tableName, []db.AnalyticsRow{row}); err != nil {
			return stats, err
		}

		if found {
			stats.Versioned++
		} else {
			stats.Inserted++
		}
	}

	return stats, nil
}
