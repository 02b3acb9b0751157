package document

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ── Document values ────────────────────────────────────────
// The export engine validates over a small dynamic value domain:
// primitives, arrays, plain objects, and the store-native wrapper
// types below. Normalize converts a decoded BSON document into
// that domain so the engine never sees driver-specific containers.

// GeoPoint is a geographic coordinate pair.
// Stored in the collection as a GeoJSON Point document.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Ref is a pointer to another document, decoded from the DBRef
// convention ({$ref, $id, $db}). Path is the hierarchical form
// "collection/id" (or "db/collection/id" when $db is present).
type Ref struct {
	Path string `json:"path"`
}

// Kind names the observed shape of a dynamic value.
// Used in diagnostics when a value fails validation.
type Kind string

const (
	KindBoolean   Kind = "boolean"
	KindNumber    Kind = "number"
	KindString    Kind = "string"
	KindArray     Kind = "array"
	KindObject    Kind = "object"
	KindGeoPoint  Kind = "geopoint"
	KindTimestamp Kind = "timestamp"
	KindReference Kind = "reference"
	KindNull      Kind = "null"
	KindUnknown   Kind = "unknown"
)

// KindOf reports the observed kind of a normalized value.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBoolean
	case float64, float32, int, int32, int64:
		return KindNumber
	case string:
		return KindString
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	case GeoPoint:
		return KindGeoPoint
	case bson.DateTime, time.Time:
		return KindTimestamp
	case Ref:
		return KindReference
	default:
		return KindUnknown
	}
}

// Normalize converts a decoded BSON document into the dynamic value
// domain: bson.D/bson.M become map[string]any, bson.A becomes []any,
// ObjectIDs become hex strings, and the DBRef / GeoJSON Point
// conventions are folded into Ref / GeoPoint wrappers.
func Normalize(doc bson.D) map[string]any {
	out := make(map[string]any, len(doc))
	for _, elem := range doc {
		out[elem.Key] = NormalizeValue(elem.Value)
	}
	return out
}

// NormalizeValue normalizes a single BSON value (see Normalize).
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case bson.D:
		return normalizeObject(normalizeD(t))
	case bson.M:
		m := make(map[string]any, len(t))
		for k, mv := range t {
			m[k] = NormalizeValue(mv)
		}
		return normalizeObject(m)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, mv := range t {
			m[k] = NormalizeValue(mv)
		}
		return normalizeObject(m)
	case bson.A:
		arr := make([]any, len(t))
		for i, av := range t {
			arr[i] = NormalizeValue(av)
		}
		return arr
	case []any:
		arr := make([]any, len(t))
		for i, av := range t {
			arr[i] = NormalizeValue(av)
		}
		return arr
	case bson.ObjectID:
		return t.Hex()
	case bson.Decimal128:
		return t.String()
	default:
		return v
	}
}

func normalizeD(d bson.D) map[string]any {
	m := make(map[string]any, len(d))
	for _, elem := range d {
		m[elem.Key] = NormalizeValue(elem.Value)
	}
	return m
}

// normalizeObject folds well-known object conventions into wrapper values.
func normalizeObject(m map[string]any) any {
	if gp, ok := asGeoPoint(m); ok {
		return gp
	}
	if ref, ok := asRef(m); ok {
		return ref
	}
	return m
}

// asGeoPoint matches a GeoJSON Point: {"type": "Point", "coordinates": [lng, lat]}.
func asGeoPoint(m map[string]any) (GeoPoint, bool) {
	if len(m) != 2 {
		return GeoPoint{}, false
	}
	typ, _ := m["type"].(string)
	if typ != "Point" {
		return GeoPoint{}, false
	}
	coords, ok := m["coordinates"].([]any)
	if !ok || len(coords) != 2 {
		return GeoPoint{}, false
	}
	lng, okLng := toFloat(coords[0])
	lat, okLat := toFloat(coords[1])
	if !okLng || !okLat {
		return GeoPoint{}, false
	}
	return GeoPoint{Latitude: lat, Longitude: lng}, true
}

// asRef matches the DBRef convention: {"$ref": collection, "$id": id, "$db": db?}.
func asRef(m map[string]any) (Ref, bool) {
	coll, ok := m["$ref"].(string)
	if !ok || coll == "" {
		return Ref{}, false
	}
	id, ok := m["$id"]
	if !ok {
		return Ref{}, false
	}
	path := coll + "/" + fmt.Sprint(id)
	if db, ok := m["$db"].(string); ok && db != "" {
		path = db + "/" + path
	}
	return Ref{Path: path}, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
