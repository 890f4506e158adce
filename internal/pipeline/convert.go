package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"go-ingest-pipeline/internal/model"
)

// Converter maps one raw record into zero or more sink records. Failures are
// returned per derived record and never abort the batch.
type Converter interface {
	Convert(raw model.RawRecord) []ConversionResult
}

// ConversionResult holds exactly one of Record or Err.
type ConversionResult struct {
	Record *model.ConvertedRecord
	Err    *model.RecordError
}

// Converter formats.
const (
	FormatJSON        = "json"
	FormatJSONGrouped = "json-grouped"
)

// ConverterConfig configures a FieldConverter. Field names are gjson paths
// evaluated against the transformed record.
type ConverterConfig struct {
	Format             string           `json:"format" yaml:"format"`
	RecordKeyField     string           `json:"record_key_field" yaml:"recordKeyField"`
	PartitionPathField string           `json:"partition_path_field" yaml:"partitionPathField"`
	GroupKeyField      string           `json:"group_key_field,omitempty" yaml:"groupKeyField"`
	PartitionBuckets   int              `json:"partition_buckets,omitempty" yaml:"partitionBuckets"`
	Transforms         []string         `json:"transforms,omitempty" yaml:"transforms"`
	Validation         *ValidationRules `json:"validation,omitempty" yaml:"validation"`
}

// FieldConverter decodes JSON values and derives the record key and
// partition path from configured fields.
type FieldConverter struct {
	cfg        ConverterConfig
	transforms []transformFunc
}

// NewFieldConverter validates cfg and builds a converter.
func NewFieldConverter(cfg ConverterConfig) (*FieldConverter, error) {
	problems := &ConfigurationError{}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	switch cfg.Format {
	case FormatJSON:
	case FormatJSONGrouped:
		if cfg.GroupKeyField == "" {
			problems.Addf("converter: groupKeyField is required for format %s", FormatJSONGrouped)
		}
	default:
		problems.Addf("converter: unknown format %q", cfg.Format)
	}
	if cfg.RecordKeyField == "" {
		problems.Addf("converter: recordKeyField is required")
	}
	if cfg.PartitionPathField == "" {
		problems.Addf("converter: partitionPathField is required")
	}
	if cfg.PartitionBuckets < 0 {
		problems.Addf("converter: partitionBuckets must not be negative")
	}
	fns, err := lookupTransforms(cfg.Transforms)
	if err != nil {
		problems.Add(fmt.Errorf("converter: %w", err))
	}
	if err := problems.OrNil(); err != nil {
		return nil, err
	}
	return &FieldConverter{cfg: cfg, transforms: fns}, nil
}

// Convert implements Converter.
func (c *FieldConverter) Convert(raw model.RawRecord) []ConversionResult {
	if c.cfg.Format == FormatJSONGrouped {
		return c.convertGrouped(raw)
	}
	rec, err := decodeObject(raw.Value)
	if err != nil {
		return []ConversionResult{failure(model.NewConversionError(raw, model.CauseMalformedValue, "%v", err))}
	}
	return []ConversionResult{c.convertOne(raw, rec)}
}

// convertGrouped expands a value of the form {"<group>": {...}, ...} into one
// record per member, in sorted group order.
func (c *FieldConverter) convertGrouped(raw model.RawRecord) []ConversionResult {
	if !gjson.ValidBytes(raw.Value) {
		return []ConversionResult{failure(model.NewConversionError(raw, model.CauseMalformedValue, "value is not valid JSON"))}
	}
	doc := gjson.ParseBytes(raw.Value)
	if !doc.IsObject() {
		return []ConversionResult{failure(model.NewConversionError(raw, model.CauseMalformedValue, "grouped value is not a JSON object"))}
	}

	members := make(map[string]gjson.Result)
	doc.ForEach(func(key, value gjson.Result) bool {
		members[key.String()] = value
		return true
	})
	groups := make([]string, 0, len(members))
	for g := range members {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	out := make([]ConversionResult, 0, len(groups))
	for _, group := range groups {
		member := members[group]
		if !member.IsObject() {
			out = append(out, failure(model.NewConversionError(raw, model.CauseMalformedValue, "group %q is not a JSON object", group)))
			continue
		}
		rec, err := decodeObject([]byte(member.Raw))
		if err != nil {
			out = append(out, failure(model.NewConversionError(raw, model.CauseMalformedValue, "group %q: %v", group, err)))
			continue
		}
		rec[c.cfg.GroupKeyField] = group
		out = append(out, c.convertOne(raw, rec))
	}
	return out
}

func (c *FieldConverter) convertOne(raw model.RawRecord, rec model.GenericRecord) ConversionResult {
	rec = applyTransformations(rec, c.transforms)

	doc, err := json.Marshal(rec)
	if err != nil {
		return failure(model.NewConversionError(raw, model.CauseMalformedValue, "encode record: %v", err))
	}

	key, cause, err := scalarField(doc, c.cfg.RecordKeyField)
	if err != nil {
		return failure(model.NewConversionError(raw, cause, "record key: %v", err))
	}
	partition, cause, err := scalarField(doc, c.cfg.PartitionPathField)
	if err != nil {
		e := model.NewConversionError(raw, cause, "partition path: %v", err)
		e.RecordKey = key
		return failure(e)
	}
	if c.cfg.PartitionBuckets > 0 {
		partition = fmt.Sprintf("bucket=%04d", xxhash.Sum64String(partition)%uint64(c.cfg.PartitionBuckets))
	}

	if cause, err := validateRecord(rec, c.cfg.Validation); err != nil {
		e := model.NewConversionError(raw, cause, "%v", err)
		e.RecordKey = key
		e.PartitionPath = partition
		return failure(e)
	}

	return ConversionResult{Record: &model.ConvertedRecord{
		RecordKey:       key,
		PartitionPath:   partition,
		Payload:         rec,
		SourcePartition: raw.Partition,
		SourceOffset:    raw.Offset,
	}}
}

// scalarField reads a non-empty scalar at path. Missing and null values are
// missing_field; empty strings, objects and arrays are malformed_value.
func scalarField(doc []byte, path string) (string, model.ErrorCause, error) {
	v := gjson.GetBytes(doc, path)
	switch {
	case !v.Exists():
		return "", model.CauseMissingField, fmt.Errorf("field %s is missing", path)
	case v.Type == gjson.Null:
		return "", model.CauseMissingField, fmt.Errorf("field %s is null", path)
	case v.IsObject(), v.IsArray():
		return "", model.CauseMalformedValue, fmt.Errorf("field %s is not a scalar", path)
	}
	s := v.String()
	if v.Type == gjson.Number {
		s = v.Raw
	}
	if strings.TrimSpace(s) == "" {
		return "", model.CauseMalformedValue, fmt.Errorf("field %s is empty", path)
	}
	return s, "", nil
}

func decodeObject(value []byte) (model.GenericRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var rec model.GenericRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("value is not a JSON object")
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	return rec, nil
}

func failure(e model.RecordError) ConversionResult {
	return ConversionResult{Err: &e}
}

// convertAll converts raws on up to workers goroutines, accounting every
// derived record in collector. Output keeps the input order.
func convertAll(ctx context.Context, conv Converter, raws []model.RawRecord, workers int, collector *model.ErrorCollector) ([]model.ConvertedRecord, error) {
	results := make([][]ConversionResult, len(raws))

	if workers <= 1 || len(raws) < 2*workers {
		for i, raw := range raws {
			if i%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			results[i] = conv.Convert(raw)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		chunk := (len(raws) + workers - 1) / workers
		for lo := 0; lo < len(raws); lo += chunk {
			hi := min(lo+chunk, len(raws))
			g.Go(func() error {
				for i := lo; i < hi; i++ {
					if (i-lo)%1024 == 0 {
						if err := gctx.Err(); err != nil {
							return err
						}
					}
					results[i] = conv.Convert(raws[i])
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	records := make([]model.ConvertedRecord, 0, len(raws))
	var ok int64
	for _, rs := range results {
		for _, r := range rs {
			switch {
			case r.Err != nil:
				collector.MarkFailure(*r.Err)
			case r.Record != nil:
				records = append(records, *r.Record)
				ok++
			}
		}
	}
	collector.MarkSuccesses(ok)
	return records, nil
}
