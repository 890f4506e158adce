package pipeline

import (
	"fmt"
	"strings"
	"unicode"

	"go-ingest-pipeline/internal/model"
)

type transformFunc func(model.GenericRecord) model.GenericRecord

// transforms are the named record transformations a converter may apply
// before keys are derived. Each one is pure.
var transforms = map[string]transformFunc{
	"normalizeNames":     normalizeNames,
	"convertToLowercase": convertToLowercase,
	"convertToUppercase": convertToUppercase,
	"trimStrings":        trimStrings,
	"removeNulls":        removeNulls,
}

// lookupTransforms resolves transformation names in order.
func lookupTransforms(names []string) ([]transformFunc, error) {
	out := make([]transformFunc, 0, len(names))
	for _, name := range names {
		fn, ok := transforms[name]
		if !ok {
			return nil, fmt.Errorf("unknown transformation: %s", name)
		}
		out = append(out, fn)
	}
	return out, nil
}

// applyTransformations applies fns to a copy of rec.
func applyTransformations(rec model.GenericRecord, fns []transformFunc) model.GenericRecord {
	if len(fns) == 0 {
		return rec
	}
	result := make(model.GenericRecord, len(rec))
	for k, v := range rec {
		result[k] = v
	}
	for _, fn := range fns {
		result = fn(result)
	}
	return result
}

// normalizeNames title-cases the values of name-like fields
func normalizeNames(rec model.GenericRecord) model.GenericRecord {
	for key, val := range rec {
		if str, ok := val.(string); ok && isNameLikeField(strings.ToLower(key)) {
			rec[key] = titleCase(str)
		}
	}
	return rec
}

// isNameLikeField checks if a field name suggests it contains name-like data
func isNameLikeField(fieldName string) bool {
	namePatterns := []string{
		"name", "title", "label",
		"country", "location", "city", "state", "region",
		"firstname", "lastname", "fullname", "username",
		"company", "organization", "department", "team",
	}
	for _, pattern := range namePatterns {
		if strings.Contains(fieldName, pattern) {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	prev := ' '
	return strings.Map(func(r rune) rune {
		out := unicode.ToLower(r)
		if unicode.IsSpace(prev) || prev == '-' {
			out = unicode.ToTitle(r)
		}
		prev = r
		return out
	}, s)
}

// convertToLowercase converts string fields to lowercase
func convertToLowercase(rec model.GenericRecord) model.GenericRecord {
	for key, val := range rec {
		if str, ok := val.(string); ok {
			rec[key] = strings.ToLower(str)
		}
	}
	return rec
}

// trimStrings trims whitespace from all string fields
func trimStrings(rec model.GenericRecord) model.GenericRecord {
	for key, val := range rec {
		if str, ok := val.(string); ok {
			rec[key] = strings.TrimSpace(str)
		}
	}
	return rec
}

// convertToUppercase converts all string fields to uppercase
func convertToUppercase(rec model.GenericRecord) model.GenericRecord {
	for key, val := range rec {
		if str, ok := val.(string); ok {
			rec[key] = strings.ToUpper(str)
		}
	}
	return rec
}

// removeNulls removes null values from the record
func removeNulls(rec model.GenericRecord) model.GenericRecord {
	for key, val := range rec {
		if val == nil {
			delete(rec, key)
		}
	}
	return rec
}
