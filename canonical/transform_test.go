package canonical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelinecore.evalgo.org/config"
	"pipelinecore.evalgo.org/storage"
)

func ticketMapping(scdType config.SCDType) config.CanonicalMapping {
	return config.CanonicalMapping{
		CanonicalTable: "tickets",
		SCDType:        scdType,
		Sources: []config.SourceFieldRules{
			{
				SourceSystem: "psa",
				PrimaryKey:   "id",
				Rules: []config.FieldRule{
					{SourceField: "ticketId", Canonical: "id"},
					{SourceField: "status", Canonical: "status"},
					{SourceField: "lastUpdated", Canonical: "last_updated", Coercion: "timestamp"},
					{Canonical: "source_system_tag", Constant: "psa"},
				},
			},
		},
	}
}

func TestTransform_MapsFieldsAndAttachesMetadata(t *testing.T) {
	restore := fixNow(t, time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC))
	defer restore()

	mapping := ticketMapping(config.SCDType2)
	rows := []storage.RawRow{
		{"ticketId": "t1", "status": "Open", "lastUpdated": "2025-01-02T00:00:00Z"},
		{"ticketId": "t2", "status": "Closed", "lastUpdated": "2025-01-03T00:00:00Z"},
	}

	records, skipped, err := Transform(rows, mapping, "psa", "tickets")
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	require.Len(t, records, 2)

	assert.Equal(t, "t1", records[0].ID)
	assert.Equal(t, "Open", records[0].Fields["status"])
	assert.Equal(t, "psa", records[0].Fields["source_system_tag"])
	assert.True(t, records[0].IsCurrent)
	assert.Equal(t, int64(1), records[0].RecordVersion)
	assert.Nil(t, records[0].EffectiveEndDate)
	assert.NotEmpty(t, records[0].RecordHash)
}

func TestTransform_Type1SkipsVersionFields(t *testing.T) {
	mapping := ticketMapping(config.SCDType1)
	rows := []storage.RawRow{{"ticketId": "c1", "status": "Active", "lastUpdated": "2025-01-02T00:00:00Z"}}

	records, skipped, err := Transform(rows, mapping, "psa", "companies")
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	require.Len(t, records, 1)
	assert.False(t, records[0].IsCurrent)
	assert.Equal(t, int64(0), records[0].RecordVersion)
}

func TestTransform_SkipsRowsMissingPrimaryKey(t *testing.T) {
	mapping := ticketMapping(config.SCDType1)
	rows := []storage.RawRow{
		{"status": "Open"}, // no ticketId
		{"ticketId": "t1", "status": "Open"},
	}

	records, skipped, err := Transform(rows, mapping, "psa", "tickets")
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, records, 1)
	assert.Equal(t, "t1", records[0].ID)
}

func TestTransform_UnknownSourceSystemErrors(t *testing.T) {
	mapping := ticketMapping(config.SCDType1)
	_, _, err := Transform(nil, mapping, "other-psa", "tickets")
	assert.Error(t, err)
}

func TestHashFields_StableAcrossKeyOrder(t *testing.T) {
	a := map[string]string{"a": "1", "b": "2"}
	b := map[string]string{"b": "2", "a": "1"}
	assert.Equal(t, HashFields(a), HashFields(b))
}

func TestHashFields_ChangesWithValue(t *testing.T) {
	a := map[string]string{"status": "Open"}
	b := map[string]string{"status": "Closed"}
	assert.NotEqual(t, HashFields(a), HashFields(b))
}

func TestBusinessFieldNames(t *testing.T) {
	mapping := ticketMapping(config.SCDType1)
	names := BusinessFieldNames(mapping, "psa")
	assert.ElementsMatch(t, []string{"id", "status", "last_updated", "source_system_tag"}, names)
}

func fixNow(t *testing.T, ts time.Time) func() {
	t.Helper()
	original := nowFunc
	nowFunc = func() time.Time { return ts }
	return func() { nowFunc = original }
}
