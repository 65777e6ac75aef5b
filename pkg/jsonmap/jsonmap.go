package jsonmap

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// FromStringMap converts a string map into a GORM JSON map value.
func FromStringMap(values map[string]string) datatypes.JSONMap {
	if len(values) == 0 {
		return datatypes.JSONMap{}
	}

	out := datatypes.JSONMap{}
	for key, value := range values {
		out[key] = value
	}
	return out
}

// ToStringMap converts a JSON map into a string map.
func ToStringMap(values datatypes.JSONMap) map[string]string {
	if len(values) == 0 {
		return map[string]string{}
	}

	out := make(map[string]string, len(values))
	for key, value := range values {
		if str, ok := value.(string); ok {
			out[key] = str
			continue
		}
		out[key] = fmt.Sprint(value)
	}
	return out
}

// FromStringSlice converts a string slice into a GORM JSON value.
func FromStringSlice(values []string) datatypes.JSON {
	if values == nil {
		values = []string{}
	}
	raw, _ := json.Marshal(values)
	return datatypes.JSON(raw)
}

// ToStringSlice converts a GORM JSON value holding a list
// into a string slice. Malformed or empty values decode to nil.
func ToStringSlice(value datatypes.JSON) []string {
	if len(value) == 0 {
		return nil
	}

	var out []string
	if err := json.Unmarshal(value, &out); err != nil {
		return nil
	}
	return out
}

// ToStringSet converts a GORM JSON list value into a membership set.
func ToStringSet(value datatypes.JSON) map[string]struct{} {
	values := ToStringSlice(value)
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
