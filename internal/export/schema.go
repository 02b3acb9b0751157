package export

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// ── Schema ─────────────────────────────────────────────────
// A schema is the ordered list of fields extracted from each
// document. It is a projection: document fields not named here
// are ignored. Loaded once from a JSON artifact at startup.

// FieldType is the closed set of declared field kinds.
type FieldType string

const (
	TypeBoolean   FieldType = "boolean"
	TypeNumber    FieldType = "number"
	TypeString    FieldType = "string"
	TypeJSON      FieldType = "json"
	TypeGeoPoint  FieldType = "geopoint"
	TypeTimestamp FieldType = "timestamp"
	TypeReference FieldType = "reference"
	TypeMap       FieldType = "map"
)

// Valid reports whether t is one of the recognized kinds.
func (t FieldType) Valid() bool {
	switch t {
	case TypeBoolean, TypeNumber, TypeString, TypeJSON,
		TypeGeoPoint, TypeTimestamp, TypeReference, TypeMap:
		return true
	}
	return false
}

// Field describes a single extracted field.
// Fields is present only for "map" — the nested sub-schema.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Repeated bool      `json:"repeated,omitempty"`
	Fields   []Field   `json:"fields,omitempty"`
}

// Schema describes the shape of the sanitized output records.
type Schema struct {
	Fields []Field `json:"fields"`
}

// FieldNames returns an ordered list of top-level field names.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// LoadSchemaFile reads and parses the schema artifact at path.
func LoadSchemaFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return ParseSchema(data)
}

// ParseSchema decodes and validates a schema JSON document.
// A malformed schema is a configuration error, rejected up front
// rather than surfacing per-record at extraction time.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if len(s.Fields) == 0 {
		return nil, fmt.Errorf("schema has no fields")
	}
	if err := validateFields(s.Fields, ""); err != nil {
		return nil, err
	}
	return &s, nil
}

func validateFields(fields []Field, parent string) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		path := f.Name
		if parent != "" {
			path = parent + "." + f.Name
		}
		if f.Name == "" {
			return fmt.Errorf("schema field with empty name under %q", parent)
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate schema field %q", path)
		}
		seen[f.Name] = true
		if !f.Type.Valid() {
			return &SchemaError{Field: f}
		}
		if f.Type != TypeMap && len(f.Fields) > 0 {
			return fmt.Errorf("schema field %q: nested fields are only valid for type \"map\", got %q", path, f.Type)
		}
		if len(f.Fields) > 0 {
			if err := validateFields(f.Fields, path); err != nil {
				return err
			}
		}
	}
	return nil
}
