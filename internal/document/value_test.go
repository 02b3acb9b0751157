package document_test

import (
	"reflect"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Miodec/extensions/internal/document"
)

func TestNormalize_NestedStructures(t *testing.T) {
	oid := bson.NewObjectID()
	doc := bson.D{
		{Key: "_id", Value: oid},
		{Key: "name", Value: "ada"},
		{Key: "scores", Value: bson.A{int32(1), int32(2)}},
		{Key: "meta", Value: bson.D{{Key: "level", Value: int64(3)}}},
	}

	out := document.Normalize(doc)

	if out["_id"] != oid.Hex() {
		t.Errorf("ObjectID should normalize to hex string, got %v", out["_id"])
	}
	if out["name"] != "ada" {
		t.Errorf("string should pass through, got %v", out["name"])
	}
	if !reflect.DeepEqual(out["scores"], []any{int32(1), int32(2)}) {
		t.Errorf("bson.A should become []any, got %#v", out["scores"])
	}
	if !reflect.DeepEqual(out["meta"], map[string]any{"level": int64(3)}) {
		t.Errorf("bson.D should become map, got %#v", out["meta"])
	}
}

func TestNormalize_GeoJSONPoint(t *testing.T) {
	doc := bson.D{{Key: "loc", Value: bson.D{
		{Key: "type", Value: "Point"},
		{Key: "coordinates", Value: bson.A{float64(2), float64(1)}},
	}}}

	out := document.Normalize(doc)
	gp, ok := out["loc"].(document.GeoPoint)
	if !ok {
		t.Fatalf("expected GeoPoint, got %T", out["loc"])
	}
	// GeoJSON coordinates are [longitude, latitude].
	if gp.Latitude != 1 || gp.Longitude != 2 {
		t.Errorf("got %+v, want lat=1 lng=2", gp)
	}
}

func TestNormalize_NonPointObjectStaysObject(t *testing.T) {
	doc := bson.D{{Key: "shape", Value: bson.D{
		{Key: "type", Value: "Polygon"},
		{Key: "coordinates", Value: bson.A{}},
	}}}

	out := document.Normalize(doc)
	if _, ok := out["shape"].(map[string]any); !ok {
		t.Errorf("non-Point geometry must stay an object, got %T", out["shape"])
	}
}

func TestNormalize_DBRef(t *testing.T) {
	tests := []struct {
		name string
		doc  bson.D
		want string
	}{
		{
			"plain",
			bson.D{{Key: "$ref", Value: "users"}, {Key: "$id", Value: "abc"}},
			"users/abc",
		},
		{
			"with db",
			bson.D{{Key: "$ref", Value: "users"}, {Key: "$id", Value: "abc"}, {Key: "$db", Value: "main"}},
			"main/users/abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := document.Normalize(bson.D{{Key: "owner", Value: tt.doc}})
			ref, ok := out["owner"].(document.Ref)
			if !ok {
				t.Fatalf("expected Ref, got %T", out["owner"])
			}
			if ref.Path != tt.want {
				t.Errorf("got %q, want %q", ref.Path, tt.want)
			}
		})
	}
}

func TestNormalize_DBRefObjectID(t *testing.T) {
	oid := bson.NewObjectID()
	out := document.Normalize(bson.D{{Key: "owner", Value: bson.D{
		{Key: "$ref", Value: "users"},
		{Key: "$id", Value: oid},
	}}})

	ref, ok := out["owner"].(document.Ref)
	if !ok {
		t.Fatalf("expected Ref, got %T", out["owner"])
	}
	if ref.Path != "users/"+oid.Hex() {
		t.Errorf("got %q, want %q", ref.Path, "users/"+oid.Hex())
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		value any
		want  document.Kind
	}{
		{nil, document.KindNull},
		{true, document.KindBoolean},
		{1.5, document.KindNumber},
		{int32(1), document.KindNumber},
		{int64(1), document.KindNumber},
		{"s", document.KindString},
		{[]any{}, document.KindArray},
		{map[string]any{}, document.KindObject},
		{document.GeoPoint{}, document.KindGeoPoint},
		{bson.DateTime(0), document.KindTimestamp},
		{time.Now(), document.KindTimestamp},
		{document.Ref{}, document.KindReference},
		{struct{}{}, document.KindUnknown},
	}

	for _, tt := range tests {
		if got := document.KindOf(tt.value); got != tt.want {
			t.Errorf("KindOf(%#v) = %q, want %q", tt.value, got, tt.want)
		}
	}
}
