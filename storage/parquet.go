package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// RawRow is one observed source record, keyed by the field names the
// source API returned for that page. Columns vary page to page.
type RawRow map[string]interface{}

// RawSchema derives an Arrow schema from the union of keys observed across
// a batch of raw source records (§6 "derived from the source response
// keys"). Every column is a nullable UTF8 string: raw objects preserve the
// source's values rather than guessing a narrower type a later page could
// violate; non-string values are JSON-encoded.
func RawSchema(rows []RawRow) *arrow.Schema {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	fields := make([]arrow.Field, len(columns))
	for i, c := range columns {
		fields[i] = arrow.Field{Name: c, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func rawCellString(v interface{}) (string, bool) {
	if v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v), true
	}
	return string(b), true
}

// WriteRawParquet encodes rows against schema and writes a
// snappy-compressed Parquet file to w (§6 "Parquet compression: snappy").
func WriteRawParquet(w io.Writer, schema *arrow.Schema, rows []RawRow) error {
	rb := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer rb.Release()

	for i, field := range schema.Fields() {
		builder := rb.Field(i).(*array.StringBuilder)
		for _, row := range rows {
			if s, ok := rawCellString(row[field.Name]); ok {
				builder.Append(s)
			} else {
				builder.AppendNull()
			}
		}
	}

	record := rb.NewRecord()
	defer record.Release()
	return writeParquetRecord(w, schema, record)
}

// ReadRawParquet is the inverse of WriteRawParquet, used by the canonical
// transform stage to read back a raw object named in a chunk's
// S3FilesWritten (§4.5 "read the raw object").
func ReadRawParquet(data []byte) ([]RawRow, error) {
	pf, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open parquet reader: %w", err)
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("create arrow reader: %w", err)
	}
	tbl, err := fr.ReadTable(nil)
	if err != nil {
		return nil, fmt.Errorf("read parquet table: %w", err)
	}
	defer tbl.Release()

	rows := make([]RawRow, tbl.NumRows())
	for i := range rows {
		rows[i] = RawRow{}
	}
	for colIdx := 0; colIdx < int(tbl.NumCols()); colIdx++ {
		name := tbl.Schema().Field(colIdx).Name
		rowOffset := 0
		for _, chunk := range tbl.Column(colIdx).Data().Chunks() {
			sa, ok := chunk.(*array.String)
			if !ok {
				rowOffset += chunk.Len()
				continue
			}
			for i := 0; i < sa.Len(); i++ {
				if !sa.IsNull(i) {
					rows[rowOffset+i][name] = sa.Value(i)
				}
			}
			rowOffset += chunk.Len()
		}
	}
	return rows, nil
}

// ReadRawJSON parses a raw object stored in the JSON fallback format (§4.5
// "Parquet or JSON, detected by content").
func ReadRawJSON(data []byte) ([]RawRow, error) {
	var rows []RawRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode raw json: %w", err)
	}
	return rows, nil
}

// IsParquet reports whether data begins with the Parquet magic bytes,
// the content-based format detection §4.5 calls for.
func IsParquet(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == "PAR1"
}

// CanonicalRow is one canonical record ready for Parquet encoding: business
// fields from the declarative mapping plus the fixed metadata columns of
// §3 ("Canonical object").
type CanonicalRow struct {
	Fields             map[string]string
	SourceSystem       string
	SourceTable        string
	IngestionTimestamp time.Time
	EffectiveStartDate time.Time
	EffectiveEndDate   *time.Time
	IsCurrent          bool
	RecordHash         string
	RecordVersion      int64
}

var canonicalMetadataFields = []arrow.Field{
	{Name: "source_system", Type: arrow.BinaryTypes.String},
	{Name: "source_table", Type: arrow.BinaryTypes.String},
	{Name: "ingestion_timestamp", Type: arrow.FixedWidthTypes.Timestamp_us},
	{Name: "effective_start_date", Type: arrow.FixedWidthTypes.Timestamp_us},
	{Name: "effective_end_date", Type: arrow.FixedWidthTypes.Timestamp_us, Nullable: true},
	{Name: "is_current", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "record_hash", Type: arrow.BinaryTypes.String},
	{Name: "record_version", Type: arrow.PrimitiveTypes.Int64},
}

// CanonicalSchema derives an Arrow schema from the canonical mapping's
// declared business fields plus the fixed metadata columns (§3/§6).
func CanonicalSchema(businessFields []string) *arrow.Schema {
	sorted := append([]string(nil), businessFields...)
	sort.Strings(sorted)

	fields := make([]arrow.Field, 0, len(sorted)+len(canonicalMetadataFields))
	for _, c := range sorted {
		fields = append(fields, arrow.Field{Name: c, Type: arrow.BinaryTypes.String, Nullable: true})
	}
	fields = append(fields, canonicalMetadataFields...)
	return arrow.NewSchema(fields, nil)
}

// WriteCanonicalParquet encodes rows against schema and writes a
// snappy-compressed Parquet file to w.
func WriteCanonicalParquet(w io.Writer, schema *arrow.Schema, rows []CanonicalRow) error {
	rb := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer rb.Release()

	fieldIndex := make(map[string]int, len(schema.Fields()))
	for i, f := range schema.Fields() {
		fieldIndex[f.Name] = i
	}

	for _, row := range rows {
		for name, idx := range fieldIndex {
			switch name {
			case "source_system":
				rb.Field(idx).(*array.StringBuilder).Append(row.SourceSystem)
			case "source_table":
				rb.Field(idx).(*array.StringBuilder).Append(row.SourceTable)
			case "ingestion_timestamp":
				rb.Field(idx).(*array.TimestampBuilder).Append(arrow.Timestamp(row.IngestionTimestamp.UnixMicro()))
			case "effective_start_date":
				rb.Field(idx).(*array.TimestampBuilder).Append(arrow.Timestamp(row.EffectiveStartDate.UnixMicro()))
			case "effective_end_date":
				b := rb.Field(idx).(*array.TimestampBuilder)
				if row.EffectiveEndDate != nil {
					b.Append(arrow.Timestamp(row.EffectiveEndDate.UnixMicro()))
				} else {
					b.AppendNull()
				}
			case "is_current":
				rb.Field(idx).(*array.BooleanBuilder).Append(row.IsCurrent)
			case "record_hash":
				rb.Field(idx).(*array.StringBuilder).Append(row.RecordHash)
			case "record_version":
				rb.Field(idx).(*array.Int64Builder).Append(row.RecordVersion)
			default:
				builder := rb.Field(idx).(*array.StringBuilder)
				if v, ok := row.Fields[name]; ok {
					builder.Append(v)
				} else {
					builder.AppendNull()
				}
			}
		}
	}

	record := rb.NewRecord()
	defer record.Release()
	return writeParquetRecord(w, schema, record)
}

func writeParquetRecord(w io.Writer, schema *arrow.Schema, record arrow.Record) error {
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	fw, err := pqarrow.NewFileWriter(schema, w, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}
	if err := fw.WriteBuffered(record); err != nil {
		fw.Close()
		return fmt.Errorf("write parquet record: %w", err)
	}
	return fw.Close()
}
