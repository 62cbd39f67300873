package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a map column stored as JSONB.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for database serialization
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database deserialization
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into JSONMap", value)
	}

	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Copy returns a deep copy via a JSON round trip.
func (m JSONMap) Copy() JSONMap {
	if m == nil {
		return JSONMap{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return JSONMap{}
	}
	out := JSONMap{}
	_ = json.Unmarshal(data, &out)
	return out
}

// JSONValue is a column holding an arbitrary JSON value (scalar, list or
// object); task and action results are not always objects.
type JSONValue struct {
	V interface{}
}

// Value implements driver.Valuer for database serialization
func (v JSONValue) Value() (driver.Value, error) {
	return json.Marshal(v.V)
}

// Scan implements sql.Scanner for database deserialization
func (v *JSONValue) Scan(value interface{}) error {
	if value == nil {
		v.V = nil
		return nil
	}

	var data []byte
	switch raw := value.(type) {
	case []byte:
		data = raw
	case string:
		data = []byte(raw)
	default:
		return fmt.Errorf("cannot scan type %T into JSONValue", value)
	}

	if len(data) == 0 {
		v.V = nil
		return nil
	}
	return json.Unmarshal(data, &v.V)
}

// MarshalJSON implements json.Marshaler
func (v JSONValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.V)
}

// UnmarshalJSON implements json.Unmarshaler
func (v *JSONValue) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &v.V)
}
