package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"pipelinecore.evalgo.org/config"
	"pipelinecore.evalgo.org/storage"
)

// Record is one canonical record produced by Transform, ready for the SCD
// sink and for Parquet encoding (§4.5).
type Record struct {
	// Fields holds the mapped business fields only (canonical_field ->
	// string value, after coercion). Metadata columns are tracked
	// separately so RecordHash can be computed "over business fields only
	// (excluding metadata)" (§4.5).
	Fields             map[string]string
	ID                 string
	SourceSystem       string
	SourceTable        string
	IngestionTimestamp time.Time
	EffectiveStartDate time.Time
	EffectiveEndDate   *time.Time
	IsCurrent          bool
	RecordHash         string
	RecordVersion      int64
}

// nowFunc is overridable in tests; production code always uses time.Now.
var nowFunc = time.Now

// Transform applies mapping's field rules for sourceSystem to every raw
// row, producing canonical records with metadata attached (§4.5 "Transform
// stage"). primaryKey names the source field (after mapping, the canonical
// field) that becomes Record.ID.
//
// Unmapped rows are never silently dropped: a row missing its primary key
// after mapping is itself a DataFormatError-worthy condition, surfaced to
// the caller to fold into the chunk's 5% skip-rate check (§7).
func Transform(rows []storage.RawRow, mapping config.CanonicalMapping, sourceSystem, sourceTable string) ([]Record, int, error) {
	rules, ok := mapping.RulesFor(sourceSystem)
	if !ok {
		return nil, 0, fmt.Errorf("no field rules for source system %q in mapping %s", sourceSystem, mapping.CanonicalTable)
	}

	now := nowFunc().UTC()
	records := make([]Record, 0, len(rows))
	skipped := 0

	for _, row := range rows {
		fields, err := applyRules(row, rules.Rules)
		if err != nil {
			skipped++
			continue
		}
		id, ok := fields[rules.PrimaryKey]
		if !ok || id == "" {
			skipped++
			continue
		}

		rec := Record{
			Fields:             fields,
			ID:                 id,
			SourceSystem:       sourceSystem,
			SourceTable:        sourceTable,
			IngestionTimestamp: now,
			RecordHash:         HashFields(fields),
		}
		if mapping.SCDType == config.SCDType2 {
			rec.EffectiveStartDate = now
			rec.EffectiveEndDate = nil
			rec.IsCurrent = true
			rec.RecordVersion = 1
		}
		records = append(records, rec)
	}

	return records, skipped, nil
}

// applyRules renders one raw row into canonical business fields by walking
// the ordered FieldRule list, applying renames, coercions, and constants
// (§3 "Canonical mapping").
func applyRules(row storage.RawRow, rules []config.FieldRule) (map[string]string, error) {
	out := make(map[string]string, len(rules))
	for _, rule := range rules {
		if rule.Constant != "" {
			out[rule.Canonical] = rule.Constant
			continue
		}
		raw, present := row[rule.SourceField]
		if !present || raw == nil {
			continue
		}
		coerced, err := coerce(raw, rule.Coercion)
		if err != nil {
			return nil, fmt.Errorf("coerce field %s: %w", rule.SourceField, err)
		}
		out[rule.Canonical] = coerced
	}
	return out, nil
}

// coerce converts a raw JSON-decoded value to the string representation
// business fields are stored as, applying the declared coercion kind.
func coerce(v interface{}, kind string) (string, error) {
	switch kind {
	case "", "string":
		return fmt.Sprintf("%v", v), nil
	case "int":
		switch n := v.(type) {
		case float64:
			return strconv.FormatInt(int64(n), 10), nil
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return "", err
			}
			return strconv.FormatInt(i, 10), nil
		default:
			return "", fmt.Errorf("cannot coerce %T to int", v)
		}
	case "float":
		switch n := v.(type) {
		case float64:
			return strconv.FormatFloat(n, 'f', -1, 64), nil
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return "", err
			}
			return strconv.FormatFloat(f, 'f', -1, 64), nil
		default:
			return "", fmt.Errorf("cannot coerce %T to float", v)
		}
	case "bool":
		switch b := v.(type) {
		case bool:
			return strconv.FormatBool(b), nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return "", err
			}
			return strconv.FormatBool(parsed), nil
		default:
			return "", fmt.Errorf("cannot coerce %T to bool", v)
		}
	case "timestamp":
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("cannot coerce %T to timestamp", v)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return "", fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		return t.UTC().Format(time.RFC3339), nil
	default:
		return "", fmt.Errorf("unknown coercion kind %q", kind)
	}
}

// HashFields computes the record_hash over business fields only, excluding
// metadata (§4.5 "Compute record_hash over business fields only"). Keys are
// sorted so the hash is independent of map iteration order. sha256/stdlib
// is the right choice here: this is a plain content fingerprint, not a
// security boundary, and no ecosystem hashing library is warranted.
func HashFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(fields[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BusinessFieldNames returns the canonical field names this mapping's rules
// for sourceSystem produce, used to derive the Arrow schema for canonical
// Parquet objects (storage.CanonicalSchema).
func BusinessFieldNames(mapping config.CanonicalMapping, sourceSystem string) []string {
	rules, ok := mapping.RulesFor(sourceSystem)
	if !ok {
		return nil
	}
	names := make([]string, len(rules.Rules))
	for i, r := range rules.Rules {
		names[i] = r.Canonical
	}
	return names
}

// ToStorageRow converts a Record into storage.CanonicalRow for Parquet
// encoding.
func ToStorageRow(r Record) storage.CanonicalRow {
	return storage.CanonicalRow{
		Fields:             r.Fields,
		SourceSystem:       r.SourceSystem,
		SourceTable:        r.SourceTable,
		IngestionTimestamp: r.IngestionTimestamp,
		EffectiveStartDate: r.EffectiveStartDate,
		EffectiveEndDate:   r.EffectiveEndDate,
		IsCurrent:          r.IsCurrent,
		RecordHash:         r.RecordHash,
		RecordVersion:      r.RecordVersion,
	}
}
