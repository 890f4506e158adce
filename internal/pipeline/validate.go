package pipeline

import (
	"encoding/json"
	"fmt"

	"go-ingest-pipeline/internal/model"
	"go-ingest-pipeline/pkg/utils"
)

// ValidationRules are per-feed checks applied to every converted record.
type ValidationRules struct {
	RequiredFields []string           `json:"required_fields" yaml:"requiredFields"`
	NumericFields  []string           `json:"numeric_fields" yaml:"numericFields"`
	MinValues      map[string]float64 `json:"min_values" yaml:"minValues"`
	MaxValues      map[string]float64 `json:"max_values" yaml:"maxValues"`
}

// validateRecord applies rules to a record and returns the cause of the first
// violation, or an empty cause when the record passes.
func validateRecord(rec model.GenericRecord, rules *ValidationRules) (model.ErrorCause, error) {
	if rules == nil {
		return "", nil
	}

	for _, field := range rules.RequiredFields {
		if val, ok := rec[field]; !ok || val == nil {
			return model.CauseMissingField, fmt.Errorf("missing required field: %s", field)
		}
	}

	for _, field := range rules.NumericFields {
		val, ok := rec[field]
		if !ok {
			continue
		}
		if !isNumeric(val) {
			return model.CauseMalformedValue, fmt.Errorf("field %s must be numeric, got %T", field, val)
		}
	}

	// Sorted so the reported violation is stable.
	for _, field := range utils.SortedKeys(rules.MinValues) {
		min := rules.MinValues[field]
		if val, ok := rec[field]; ok {
			if !isNumeric(val) {
				return model.CauseMalformedValue, fmt.Errorf("field %s must be numeric, got %T", field, val)
			}
			if utils.Numeric(val) < min {
				return model.CauseMalformedValue, fmt.Errorf("field %s below minimum: got %v, want ≥ %v", field, val, min)
			}
		}
	}

	for _, field := range utils.SortedKeys(rules.MaxValues) {
		max := rules.MaxValues[field]
		if val, ok := rec[field]; ok {
			if !isNumeric(val) {
				return model.CauseMalformedValue, fmt.Errorf("field %s must be numeric, got %T", field, val)
			}
			if utils.Numeric(val) > max {
				return model.CauseMalformedValue, fmt.Errorf("field %s above maximum: got %v, want ≤ %v", field, val, max)
			}
		}
	}

	return "", nil
}

func isNumeric(v interface{}) bool {
	switch n := v.(type) {
	case float64, float32, int, int64, int32:
		return true
	case json.Number:
		_, err := n.Float64()
		return err == nil
	}
	return false
}
