package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestRequestIDUnmarshalNumber(t *testing.T) {
	var id RequestID
	if err := json.Unmarshal([]byte(`42`), &id); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if id.IsNil() || id.String() != "42" {
		t.Fatalf("id = %q, IsNil = %v", id.String(), id.IsNil())
	}
}

func TestRequestIDUnmarshalString(t *testing.T) {
	var id RequestID
	if err := json.Unmarshal([]byte(`"req-7"`), &id); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if id.IsNil() || id.String() != "req-7" {
		t.Fatalf("id = %q, IsNil = %v", id.String(), id.IsNil())
	}
}

func TestRequestIDUnmarshalNullIsIDLess(t *testing.T) {
	var id RequestID
	if err := json.Unmarshal([]byte(`null`), &id); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !id.IsNil() {
		t.Fatalf("null id decoded to %q, want id-less", id.String())
	}
}

func TestRequestIDUnmarshalRejectsOtherTypes(t *testing.T) {
	var id RequestID
	if err := json.Unmarshal([]byte(`{"a":1}`), &id); err == nil {
		t.Fatal("expected error for object id")
	}
	if err := json.Unmarshal([]byte(`true`), &id); err == nil {
		t.Fatal("expected error for boolean id")
	}
}

func TestRequestIDMarshalNil(t *testing.T) {
	b, err := json.Marshal(&RequestID{})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != "null" {
		t.Fatalf("nil id marshals to %s, want null", b)
	}
}

func TestNullIDMessageIsNotification(t *testing.T) {
	var msg AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":null,"method":"ping"}`), &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got := msg.Type(); got != "notification" {
		t.Fatalf("Type() = %q, want notification", got)
	}
}
