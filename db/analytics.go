package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"pipelinecore.evalgo.org/config"
)

// AnalyticsRow is one record bound for the analytics store: an explicit
// column/value pairing rather than a map, so insert order always matches
// the INSERT statement's column list (§6 "Insert path").
type AnalyticsRow struct {
	Columns []string
	Values  []interface{}
}

// ExistingVersion is what the type-1 sink reads back per batch-lookup id
// (§4.5 "Batch-lookup existing rows").
type ExistingVersion struct {
	ID      string
	Version time.Time
}

// CurrentRow is what the type-2 sink reads back for `is_current = true`
// (§4.5 "read the current version row").
type CurrentRow struct {
	ID             string
	RecordVersion  int64
	RecordHash     string
	EffectiveStart time.Time
}

// AnalyticsStore wraps a ClickHouse connection with the narrow set of
// operations the SCD sink needs: batch lookups, batch inserts, and the
// type-1 ALTER UPDATE path (§4.5, §6).
type AnalyticsStore struct {
	conn             clickhouse.Conn
	alterUpdateType1 bool
}

// NewAnalyticsStore opens a ClickHouse connection pool per cfg.
func NewAnalyticsStore(ctx context.Context, cfg config.AnalyticsConfig) (*AnalyticsStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &AnalyticsStore{conn: conn, alterUpdateType1: cfg.AlterUpdateType1}, nil
}

// Close releases the underlying connection pool.
func (s *AnalyticsStore) Close() error {
	return s.conn.Close()
}

// LookupVersions batch-fetches the version column (e.g. `last_updated`) for
// every id in ids, scoped to one tenant, for the type-1 sink's
// NEW/UPDATE/SKIP classification (§4.5).
func (s *AnalyticsStore) LookupVersions(ctx context.Context, tableName, tenantID string, ids []string, versionColumn string) (map[string]time.Time, error) {
	if len(ids) == 0 {
		return map[string]time.Time{}, nil
	}
	query := fmt.Sprintf(
		"SELECT id, %s FROM %s WHERE tenant_id = ? AND id IN (?)",
		versionColumn, tableName,
	)
	rows, err := s.conn.Query(ctx, query, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup versions %s: %w", tableName, err)
	}
	defer rows.Close()

	out := make(map[string]time.Time, len(ids))
	for rows.Next() {
		var id string
		var version time.Time
		if err := rows.Scan(&id, &version); err != nil {
			return nil, fmt.Errorf("scan version row %s: %w", tableName, err)
		}
		out[id] = version
	}
	return out, rows.Err()
}

// LookupCurrent fetches the `is_current = true` row for one id, for the
// type-2 sink's business-field comparison (§4.5).
func (s *AnalyticsStore) LookupCurrent(ctx context.Context, tableName, tenantID, id string) (CurrentRow, bool, error) {
	query := fmt.Sprintf(
		"SELECT id, record_version, record_hash, effective_start_date FROM %s "+
			"WHERE tenant_id = ? AND id = ? AND is_current = true AND expiration_date IS NULL LIMIT 1",
		tableName,
	)
	row := s.conn.QueryRow(ctx, query, tenantID, id)
	var cur CurrentRow
	if err := row.Scan(&cur.ID, &cur.RecordVersion, &cur.RecordHash, &cur.EffectiveStart); err != nil {
		if isClickhouseNoRows(err) {
			return CurrentRow{}, false, nil
		}
		return CurrentRow{}, false, fmt.Errorf("lookup current %s/%s: %w", tableName, id, err)
	}
	return cur, true, nil
}

// InsertBatch inserts rows into tableName. Every row must share the same
// Columns slice (the sink builds batches per canonical table, so this
// always holds in practice).
func (s *AnalyticsStore) InsertBatch(ctx context.Context, tableName string, rows []AnalyticsRow) error {
	if len(rows) == 0 {
		return nil
	}
	columns := rows[0].Columns
	query := fmt.Sprintf("INSERT INTO %s (%s)", tableName, strings.Join(columns, ", "))

	batch, err := s.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare batch %s: %w", tableName, err)
	}
	for _, row := range rows {
		if err := batch.Append(row.Values...); err != nil {
			return fmt.Errorf("append row %s: %w", tableName, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch %s: %w", tableName, err)
	}
	return nil
}

// ExpireCurrent flips `is_current = false, expiration_date = now()` for one
// id's current row (§4.5 type-2 "Expire the current row"). Best-effort:
// paired with the subsequent insert in the same sink call, not a
// transaction — see SPEC_FULL §4.5 "Transactionality".
func (s *AnalyticsStore) ExpireCurrent(ctx context.Context, tableName, tenantID, id string) error {
	query := fmt.Sprintf(
		"ALTER TABLE %s UPDATE is_current = false, expiration_date = now() "+
			"WHERE tenant_id = ? AND id = ? AND is_current = true",
		tableName,
	)
	if err := s.conn.Exec(ctx, query, tenantID, id); err != nil {
		return fmt.Errorf("expire current row %s/%s: %w", tableName, id, err)
	}
	return nil
}

// UpdateMutableColumns issues the type-1 ALTER TABLE UPDATE for changed
// rows (§4.5, §9 decision 5), gated by AlterUpdateType1Enabled.
func (s *AnalyticsStore) UpdateMutableColumns(ctx context.Context, tableName, tenantID, id string, assignments map[string]interface{}) error {
	if !s.alterUpdateType1 || len(assignments) == 0 {
		return nil
	}
	setClauses := make([]string, 0, len(assignments))
	args := make([]interface{}, 0, len(assignments)+2)
	for col, val := range assignments {
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", col))
		args = append(args, val)
	}
	args = append(args, tenantID, id)

	query := fmt.Sprintf(
		"ALTER TABLE %s UPDATE %s WHERE tenant_id = ? AND id = ?",
		tableName, strings.Join(setClauses, ", "),
	)
	if err := s.conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update mutable columns %s/%s: %w", tableName, id, err)
	}
	return nil
}

// AlterUpdateType1Enabled reports whether this store issues ALTER TABLE
// UPDATE for type-1 changes, or relies entirely on engine-level merge
// collapsing (§9 decision 5).
func (s *AnalyticsStore) AlterUpdateType1Enabled() bool {
	return s.alterUpdateType1
}

func isClickhouseNoRows(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no rows")
}
