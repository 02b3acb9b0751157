package export

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/Miodec/extensions/internal/document"
)

// ── Extraction engine ──────────────────────────────────────
// Walks a field schema over a normalized document and produces a
// sanitized record for the tabular sink. Bad data never aborts a
// record: a failed scalar is dropped with a warning, a failed array
// element becomes a Hole. Only a malformed schema (unrecognized
// field type) is fatal to the call.

// SchemaError reports a field descriptor whose declared type is not
// one of the recognized kinds. It indicates misconfiguration, not
// bad data, so it aborts record processing.
type SchemaError struct {
	Field Field
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("unrecognized type %q for schema field %q", e.Field.Type, e.Field.Name)
}

// holeValue is the sentinel occupying array positions whose source
// element failed validation, so element order and count survive.
type holeValue struct{}

// Hole marks an array element that was present but unextractable.
// It serializes as JSON null.
var Hole holeValue

func (holeValue) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

func (holeValue) String() string { return "<invalid>" }

// Extractor applies schemas to documents. It is stateless apart from
// its logger and safe for concurrent use.
type Extractor struct {
	log *zap.SugaredLogger
}

// NewExtractor creates an Extractor that reports data warnings on log.
func NewExtractor(log *zap.SugaredLogger) *Extractor {
	return &Extractor{log: log}
}

// ExtractRecord walks fields in schema order over doc and returns the
// sanitized record. Missing and explicit-null values are omitted.
// Returns a *SchemaError (and no partial output) when a descriptor's
// type is outside the recognized set.
func (e *Extractor) ExtractRecord(doc map[string]any, fields []Field) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		v, ok := doc[f.Name]
		if !ok || v == nil {
			continue
		}
		if !f.Type.Valid() {
			return nil, &SchemaError{Field: f}
		}
		if f.Repeated {
			if _, ok := v.([]any); !ok {
				e.log.Warnw("array field does not contain an array",
					"field", f.Name, "got", document.KindOf(v))
				continue
			}
		}
		conv, ok, err := e.ExtractField(f, v)
		if err != nil {
			return nil, err
		}
		if ok {
			out[f.Name] = conv
		}
	}
	return out, nil
}

// ExtractField validates and converts a single looked-up value for one
// descriptor. For repeated fields v must already be an array (the
// record path checks shape first); elements that fail validation
// become Hole. ok is false when the field should be omitted.
func (e *Extractor) ExtractField(f Field, v any) (any, bool, error) {
	if f.Repeated {
		arr, ok := v.([]any)
		if !ok {
			return nil, false, nil
		}
		conv, err := e.extractArray(f, arr)
		if err != nil {
			return nil, false, err
		}
		return conv, true, nil
	}
	return e.extractValue(f, v)
}

// extractArray converts each element independently, preserving order.
// Invalid elements become Hole so positions stay aligned with the source.
func (e *Extractor) extractArray(f Field, arr []any) ([]any, error) {
	out := make([]any, len(arr))
	for i, v := range arr {
		conv, ok, err := e.extractValue(f, v)
		if err != nil {
			return nil, err
		}
		if !ok {
			e.log.Warnw("invalid array element",
				"field", f.Name, "type", f.Type, "index", i, "got", document.KindOf(v))
			out[i] = Hole
			continue
		}
		out[i] = conv
	}
	return out, nil
}

// extractValue validates one value against the declared type and
// converts it. ok is false when the value fails validation; the
// error return is reserved for schema errors inside nested fields.
func (e *Extractor) extractValue(f Field, v any) (any, bool, error) {
	switch f.Type {
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, true, nil
		}
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return v, true, nil
		}
	case TypeString:
		if s, ok := v.(string); ok {
			return s, true, nil
		}
	case TypeJSON:
		if m, ok := v.(map[string]any); ok {
			raw, err := json.Marshal(m)
			if err != nil {
				return nil, false, fmt.Errorf("serialize json field %q: %w", f.Name, err)
			}
			return string(raw), true, nil
		}
	case TypeGeoPoint:
		if gp, ok := v.(document.GeoPoint); ok {
			return map[string]any{
				"latitude":  gp.Latitude,
				"longitude": gp.Longitude,
			}, true, nil
		}
	case TypeTimestamp:
		switch t := v.(type) {
		case bson.DateTime:
			// Whole seconds; sub-second precision is dropped.
			return int64(t) / 1000, true, nil
		case time.Time:
			return t.Unix(), true, nil
		}
	case TypeReference:
		if ref, ok := v.(document.Ref); ok {
			return ref.Path, true, nil
		}
	case TypeMap:
		if m, ok := v.(map[string]any); ok {
			nested, err := e.ExtractRecord(m, f.Fields)
			if err != nil {
				return nil, false, err
			}
			return nested, true, nil
		}
	}
	if !f.Repeated {
		// Array elements are reported by the caller with their index.
		e.log.Warnw("invalid field value",
			"field", f.Name, "type", f.Type, "got", document.KindOf(v))
	}
	return nil, false, nil
}
