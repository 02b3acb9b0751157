package export_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Miodec/extensions/internal/export"
)

func TestParseSchema_Valid(t *testing.T) {
	data := []byte(`{
		"fields": [
			{"name": "active", "type": "boolean"},
			{"name": "tags", "type": "string", "repeated": true},
			{"name": "address", "type": "map", "fields": [
				{"name": "city", "type": "string"},
				{"name": "loc", "type": "geopoint"}
			]}
		]
	}`)

	s, err := export.ParseSchema(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"active", "tags", "address"}
	got := s.FieldNames()
	if len(got) != len(want) {
		t.Fatalf("expected %d fields, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("field %d: got %q, want %q", i, got[i], want[i])
		}
	}
	if !s.Fields[1].Repeated {
		t.Error("tags should be repeated")
	}
	if len(s.Fields[2].Fields) != 2 {
		t.Errorf("address should have 2 nested fields, got %d", len(s.Fields[2].Fields))
	}
}

func TestParseSchema_UnknownType(t *testing.T) {
	data := []byte(`{"fields": [{"name": "price", "type": "currency"}]}`)

	_, err := export.ParseSchema(data)
	var schemaErr *export.SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected *SchemaError, got %v", err)
	}
	if schemaErr.Field.Name != "price" {
		t.Errorf("error should name the field, got %q", schemaErr.Field.Name)
	}
}

func TestParseSchema_DuplicateSibling(t *testing.T) {
	data := []byte(`{"fields": [
		{"name": "a", "type": "string"},
		{"name": "a", "type": "number"}
	]}`)
	if _, err := export.ParseSchema(data); err == nil {
		t.Fatal("expected duplicate-name error")
	}
}

func TestParseSchema_DuplicateAllowedAcrossLevels(t *testing.T) {
	// Names only need to be unique among siblings.
	data := []byte(`{"fields": [
		{"name": "a", "type": "map", "fields": [{"name": "a", "type": "string"}]}
	]}`)
	if _, err := export.ParseSchema(data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseSchema_FieldsOnNonMap(t *testing.T) {
	data := []byte(`{"fields": [
		{"name": "a", "type": "string", "fields": [{"name": "b", "type": "string"}]}
	]}`)
	_, err := export.ParseSchema(data)
	if err == nil || !strings.Contains(err.Error(), "map") {
		t.Fatalf("expected nested-fields error, got %v", err)
	}
}

func TestParseSchema_Empty(t *testing.T) {
	if _, err := export.ParseSchema([]byte(`{"fields": []}`)); err == nil {
		t.Fatal("expected error for empty schema")
	}
}

func TestLoadSchemaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	content := `{"fields": [{"name": "n", "type": "number"}]}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := export.LoadSchemaFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Fields) != 1 || s.Fields[0].Name != "n" {
		t.Errorf("unexpected schema: %+v", s)
	}

	if _, err := export.LoadSchemaFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
