package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONBMap carries a report payload in and out of a PostgreSQL JSONB column.
// A nil map stores SQL NULL; scanning NULL yields an empty, usable map.
type JSONBMap map[string]interface{}

// Value implements driver.Valuer
func (j JSONBMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner. lib/pq hands JSONB back as []byte; string is
// accepted as well for fixtures and older drivers.
func (j *JSONBMap) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*j = JSONBMap{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONBMap", src)
	}

	if len(raw) == 0 {
		*j = JSONBMap{}
		return nil
	}
	decoded := JSONBMap{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("invalid JSONB payload: %w", err)
	}
	*j = decoded
	return nil
}
