package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"go-ingest-pipeline/internal/model"
)

func raw(offset int64, value string) model.RawRecord {
	return model.RawRecord{Partition: 0, Offset: offset, Value: []byte(value)}
}

func newTestConverter(t *testing.T, cfg ConverterConfig) *FieldConverter {
	t.Helper()
	if cfg.RecordKeyField == "" {
		cfg.RecordKeyField = "id"
	}
	if cfg.PartitionPathField == "" {
		cfg.PartitionPathField = "region"
	}
	c, err := NewFieldConverter(cfg)
	require.NoError(t, err)
	return c
}

func TestNewFieldConverterValidation(t *testing.T) {
	_, err := NewFieldConverter(ConverterConfig{Format: "xml", PartitionBuckets: -1, Transforms: []string{"shout"}})
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	// format, record key, partition path, buckets, transforms
	require.Equal(t, 5, cfgErr.Len())

	_, err = NewFieldConverter(ConverterConfig{Format: FormatJSONGrouped, RecordKeyField: "id", PartitionPathField: "p"})
	require.ErrorContains(t, err, "groupKeyField")
}

func TestFieldConverterConvert(t *testing.T) {
	conv := newTestConverter(t, ConverterConfig{})

	for _, tc := range []struct {
		name      string
		value     string
		key       string
		partition string
		cause     model.ErrorCause
	}{
		{name: "string key", value: `{"id":"a1","region":"eu"}`, key: "a1", partition: "eu"},
		{name: "numeric key keeps its text", value: `{"id":12345678901234567890,"region":"us"}`, key: "12345678901234567890", partition: "us"},
		{name: "missing key", value: `{"region":"eu"}`, cause: model.CauseMissingField},
		{name: "null key", value: `{"id":null,"region":"eu"}`, cause: model.CauseMissingField},
		{name: "empty key", value: `{"id":"  ","region":"eu"}`, cause: model.CauseMalformedValue},
		{name: "object key", value: `{"id":{"a":1},"region":"eu"}`, cause: model.CauseMalformedValue},
		{name: "missing partition", value: `{"id":"a"}`, cause: model.CauseMissingField},
		{name: "not json", value: `{"id":`, cause: model.CauseMalformedValue},
		{name: "not an object", value: `[1,2]`, cause: model.CauseMalformedValue},
		{name: "trailing data", value: `{"id":"a","region":"eu"} {}`, cause: model.CauseMalformedValue},
	} {
		t.Run(tc.name, func(t *testing.T) {
			results := conv.Convert(raw(7, tc.value))
			require.Len(t, results, 1)
			r := results[0]
			if tc.cause != "" {
				require.Nil(t, r.Record)
				require.NotNil(t, r.Err)
				require.Equal(t, tc.cause, r.Err.Cause)
				require.Equal(t, int64(7), r.Err.SourceOffset)
				return
			}
			require.Nil(t, r.Err)
			require.Equal(t, tc.key, r.Record.RecordKey)
			require.Equal(t, tc.partition, r.Record.PartitionPath)
			require.Equal(t, int64(7), r.Record.SourceOffset)
		})
	}
}

func TestFieldConverterNestedPaths(t *testing.T) {
	conv := newTestConverter(t, ConverterConfig{RecordKeyField: "meta.id", PartitionPathField: "meta.date"})
	r := conv.Convert(raw(0, `{"meta":{"id":"x","date":"2024-01-02"}}`))[0]
	require.Nil(t, r.Err)
	require.Equal(t, "x", r.Record.RecordKey)
	require.Equal(t, "2024-01-02", r.Record.PartitionPath)
}

func TestFieldConverterBucketsAreDeterministic(t *testing.T) {
	conv := newTestConverter(t, ConverterConfig{PartitionBuckets: 8})
	a := conv.Convert(raw(0, `{"id":"1","region":"eu-west"}`))[0]
	b := conv.Convert(raw(1, `{"id":"2","region":"eu-west"}`))[0]
	require.Nil(t, a.Err)
	require.Regexp(t, `^bucket=000[0-7]$`, a.Record.PartitionPath)
	require.Equal(t, a.Record.PartitionPath, b.Record.PartitionPath)
}

func TestFieldConverterTransformsBeforeKeys(t *testing.T) {
	conv := newTestConverter(t, ConverterConfig{Transforms: []string{"trimStrings", "convertToLowercase", "removeNulls"}})
	r := conv.Convert(raw(0, `{"id":"  ABC ","region":" EU","gone":null}`))[0]
	require.Nil(t, r.Err)
	require.Equal(t, "abc", r.Record.RecordKey)
	require.Equal(t, "eu", r.Record.PartitionPath)
	require.NotContains(t, r.Record.Payload, "gone")
}

func TestFieldConverterValidation(t *testing.T) {
	conv := newTestConverter(t, ConverterConfig{Validation: &ValidationRules{
		RequiredFields: []string{"amount"},
		NumericFields:  []string{"amount"},
		MinValues:      map[string]float64{"amount": 0},
		MaxValues:      map[string]float64{"amount": 100},
	}})

	for value, cause := range map[string]model.ErrorCause{
		`{"id":"a","region":"eu","amount":5}`:    "",
		`{"id":"a","region":"eu"}`:               model.CauseMissingField,
		`{"id":"a","region":"eu","amount":"x"}`:  model.CauseMalformedValue,
		`{"id":"a","region":"eu","amount":-1}`:   model.CauseMalformedValue,
		`{"id":"a","region":"eu","amount":100.5}`: model.CauseMalformedValue,
	} {
		r := conv.Convert(raw(0, value))[0]
		if cause == "" {
			require.Nil(t, r.Err, value)
			require.Equal(t, json.Number("5"), r.Record.Payload["amount"])
			continue
		}
		require.NotNil(t, r.Err, value)
		require.Equal(t, cause, r.Err.Cause, value)
		require.Equal(t, "a", r.Err.RecordKey)
	}
}

func TestFieldConverterGrouped(t *testing.T) {
	conv := newTestConverter(t, ConverterConfig{
		Format:         FormatJSONGrouped,
		GroupKeyField:  "sensor",
		RecordKeyField: "sensor",
	})

	results := conv.Convert(raw(3, `{"s2":{"region":"b"},"s1":{"region":"a"},"bad":5}`))
	require.Len(t, results, 3)

	require.NotNil(t, results[0].Err, "bad sorts first")
	require.Equal(t, model.CauseMalformedValue, results[0].Err.Cause)
	require.Equal(t, "s1", results[1].Record.RecordKey)
	require.Equal(t, "a", results[1].Record.PartitionPath)
	require.Equal(t, "s2", results[2].Record.RecordKey)

	results = conv.Convert(raw(4, `"scalar"`))
	require.Len(t, results, 1)
	require.Equal(t, model.CauseMalformedValue, results[0].Err.Cause)
}

func TestConvertAllKeepsOrderAndAccounts(t *testing.T) {
	conv := newTestConverter(t, ConverterConfig{})
	raws := make([]model.RawRecord, 500)
	for i := range raws {
		if i%50 == 0 {
			raws[i] = raw(int64(i), `{"region":"eu"}`)
			continue
		}
		raws[i] = raw(int64(i), fmt.Sprintf(`{"id":"k%d","region":"eu"}`, i))
	}

	for _, workers := range []int{1, 4} {
		collector := model.NewErrorCollector(100)
		records, err := convertAll(context.Background(), conv, raws, workers, collector)
		require.NoError(t, err)
		require.Len(t, records, 490)
		require.Equal(t, int64(500), collector.TotalRecords())
		require.Equal(t, int64(10), collector.TotalErrorRecords())
		for i := 1; i < len(records); i++ {
			require.Less(t, records[i-1].SourceOffset, records[i].SourceOffset)
		}
	}
}

func TestConvertAllHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := convertAll(ctx, newTestConverter(t, ConverterConfig{}), []model.RawRecord{raw(0, `{}`)}, 1, model.NewErrorCollector(0))
	require.ErrorIs(t, err, context.Canceled)
}

func TestTransforms(t *testing.T) {
	rec := model.GenericRecord{"first_name": "jOHN o'neil", "city": "new-york", "count": json.Number("3")}
	fns, err := lookupTransforms([]string{"normalizeNames"})
	require.NoError(t, err)

	out := applyTransformations(rec, fns)
	require.Equal(t, "John O'neil", out["first_name"])
	require.Equal(t, "New-York", out["city"])
	require.Equal(t, json.Number("3"), out["count"])
	require.Equal(t, "jOHN o'neil", rec["first_name"], "input is not modified")

	up, err := lookupTransforms([]string{"convertToUppercase"})
	require.NoError(t, err)
	require.Equal(t, "NEW-YORK", applyTransformations(rec, up)["city"])

	_, err = lookupTransforms([]string{"nope"})
	require.Error(t, err)
}
