package storage

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawSchema_UnionsKeysAcrossRows(t *testing.T) {
	rows := []RawRow{
		{"id": "1", "name": "Acme"},
		{"id": "2", "domain": "acme.test"},
	}
	schema := RawSchema(rows)

	var names []string
	for _, f := range schema.Fields() {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"id", "name", "domain"}, names)
}

func TestWriteAndReadRawParquet_RoundTrip(t *testing.T) {
	rows := []RawRow{
		{"id": "1", "name": "Acme", "active": true},
		{"id": "2", "name": "Globex", "active": false},
	}
	schema := RawSchema(rows)

	var buf bytes.Buffer
	require.NoError(t, WriteRawParquet(&buf, schema, rows))
	assert.True(t, IsParquet(buf.Bytes()))

	out, err := ReadRawParquet(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "1", out[0]["id"])
	assert.Equal(t, "Acme", out[0]["name"])
	assert.Equal(t, "true", out[0]["active"])
	assert.Equal(t, "2", out[1]["id"])
}

func TestReadRawJSON(t *testing.T) {
	data := []byte(`[{"id":"1","name":"Acme"},{"id":"2","name":"Globex"}]`)
	rows, err := ReadRawJSON(data)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0]["id"])
}

func TestReadRawJSON_InvalidPayload(t *testing.T) {
	_, err := ReadRawJSON([]byte("not json"))
	assert.Error(t, err)
}

func TestIsParquet(t *testing.T) {
	assert.True(t, IsParquet([]byte("PAR1rest-of-file")))
	assert.False(t, IsParquet([]byte(`[{"id":"1"}]`)))
	assert.False(t, IsParquet([]byte("PA")))
}

func TestCanonicalSchema_IncludesMetadataColumns(t *testing.T) {
	schema := CanonicalSchema([]string{"company_name", "domain"})

	var names []string
	for _, f := range schema.Fields() {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "company_name")
	assert.Contains(t, names, "domain")
	assert.Contains(t, names, "source_system")
	assert.Contains(t, names, "record_hash")
	assert.Contains(t, names, "record_version")
	assert.Contains(t, names, "is_current")
}

func TestWriteCanonicalParquet(t *testing.T) {
	schema := CanonicalSchema([]string{"company_name"})
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	rows := []CanonicalRow{
		{
			Fields:             map[string]string{"company_name": "Acme"},
			SourceSystem:       "crm",
			SourceTable:        "companies",
			IngestionTimestamp: now,
			EffectiveStartDate: now,
			IsCurrent:          true,
			RecordHash:         "abc123",
			RecordVersion:      1,
		},
		{
			Fields:             map[string]string{"company_name": "Globex"},
			SourceSystem:       "crm",
			SourceTable:        "companies",
			IngestionTimestamp: now,
			EffectiveStartDate: now,
			EffectiveEndDate:   &now,
			IsCurrent:          false,
			RecordHash:         "def456",
			RecordVersion:      2,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCanonicalParquet(&buf, schema, rows))
	assert.True(t, IsParquet(buf.Bytes()))
}

func TestWriteCanonicalParquet_EmptyRows(t *testing.T) {
	schema := CanonicalSchema([]string{"company_name"})
	var buf bytes.Buffer
	require.NoError(t, WriteCanonicalParquet(&buf, schema, nil))
	assert.True(t, IsParquet(buf.Bytes()))
}
