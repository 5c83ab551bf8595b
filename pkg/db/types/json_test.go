package dbtypes

import (
	"encoding/json"
	"testing"
)

func TestJSONScanAndValue(t *testing.T) {
	var doc JSON
	if err := doc.Scan(`{"a":1}`); err != nil {
		t.Fatalf("scan string: %v", err)
	}
	value, err := doc.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value != `{"a":1}` {
		t.Fatalf("unexpected value %v", value)
	}

	if err := doc.Scan([]byte(`{"b":2}`)); err != nil {
		t.Fatalf("scan bytes: %v", err)
	}
	var out map[string]int
	if err := doc.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["b"] != 2 {
		t.Fatalf("unexpected decoded payload %v", out)
	}

	if err := doc.Scan(42); err == nil {
		t.Fatal("expected unsupported scan type error")
	}
}

func TestJSONNilAndInvalid(t *testing.T) {
	var empty JSON
	if v, err := empty.Value(); err != nil || v != nil {
		t.Fatalf("expected nil value for empty doc, got %v %v", v, err)
	}
	if _, err := JSON(`{broken`).Value(); err == nil {
		t.Fatal("expected invalid document error")
	}
}

func TestJSONEmbedsInStruct(t *testing.T) {
	doc, err := MarshalJSONValue(map[string]string{"email": "a@example.com"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	wrapper := struct {
		Payload JSON `json:"payload"`
	}{Payload: doc}
	raw, err := json.Marshal(wrapper)
	if err != nil {
		t.Fatalf("marshal wrapper: %v", err)
	}
	if string(raw) != `{"payload":{"email":"a@example.com"}}` {
		t.Fatalf("unexpected encoding %s", raw)
	}
}
