package records

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidFields indicates that a field payload is not a JSON object.
var ErrInvalidFields = errors.New("records: fields payload must be a JSON object")

// NormalizeFields canonicalizes a module field payload before persistence.
// Empty-string values become explicit JSON nulls, and the result is encoded
// with deterministic key order, so save, reload and re-save without edits
// reproduce byte-identical stored state. The operation is idempotent:
// normalizing already-normalized output returns the same bytes.
func NormalizeFields(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "{}", nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFields, err)
	}
	if fields == nil {
		return "{}", nil
	}

	normalized, err := json.Marshal(normalizeValue(fields))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFields, err)
	}
	return string(normalized), nil
}

// normalizeValue maps empty strings to nil, recursing through nested objects
// and arrays. encoding/json emits map keys in sorted order, which gives the
// canonical byte layout.
func normalizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case string:
		if typed == "" {
			return nil
		}
		return typed
	case map[string]interface{}:
		for key, nested := range typed {
			typed[key] = normalizeValue(nested)
		}
		return typed
	case []interface{}:
		for index, nested := range typed {
			typed[index] = normalizeValue(nested)
		}
		return typed
	default:
		return value
	}
}
