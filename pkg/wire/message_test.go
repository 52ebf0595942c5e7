package wire

import (
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func TestParseClassifiesRequest(t *testing.T) {
	m, err := Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"x"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.IsRequest() || m.IsNotification() || m.IsResponse() {
		t.Fatalf("expected request classification, got kind=%v", m.Kind)
	}
	if m.Method != "tools/call" {
		t.Errorf("Method = %q", m.Method)
	}
}

func TestParseClassifiesNotification(t *testing.T) {
	m, err := Parse([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.IsNotification() {
		t.Fatalf("expected notification classification, got kind=%v", m.Kind)
	}
}

func TestParseClassifiesNullIDAsNotification(t *testing.T) {
	m, err := Parse([]byte(`{"jsonrpc":"2.0","id":null,"method":"notifications/initialized"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.IsNotification() {
		t.Fatalf("expected null id + method to classify as notification, got kind=%v", m.Kind)
	}
}

func TestParseClassifiesResponse(t *testing.T) {
	m, err := Parse([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.IsResponse() {
		t.Fatalf("expected response classification, got kind=%v", m.Kind)
	}
}

func TestParseClassifiesErrorResponse(t *testing.T) {
	m, err := Parse([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.IsResponse() {
		t.Fatalf("expected response classification, got kind=%v", m.Kind)
	}
	if m.Error == nil || m.Error.Code != -32601 {
		t.Fatalf("expected error body preserved, got %+v", m.Error)
	}
}

func TestParseRejectsNonObject(t *testing.T) {
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEncodeResultPreservesStringID(t *testing.T) {
	raw, err := EncodeResult(json.RawMessage(`"alpha:1"`), json.RawMessage(`{"roots":[]}`))
	if err != nil {
		t.Fatalf("EncodeResult: %v", err)
	}
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if string(m.ID) != `"alpha:1"` {
		t.Fatalf("ID not preserved verbatim: %s", m.ID)
	}
}

func TestEncodeErrorIncludesData(t *testing.T) {
	raw, err := EncodeError(json.RawMessage(`7`), -32602, "Invalid params", json.RawMessage(`{"field":"name"}`))
	if err != nil {
		t.Fatalf("EncodeError: %v", err)
	}
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Error == nil || m.Error.Code != -32602 || m.Error.Message != "Invalid params" {
		t.Fatalf("unexpected error body: %+v", m.Error)
	}
	if string(m.Error.Data) != `{"field":"name"}` {
		t.Fatalf("data not preserved: %s", m.Error.Data)
	}
}

func TestEncodeRequestUsesTypedID(t *testing.T) {
	id, err := jsonrpc.MakeID(float64(5))
	if err != nil {
		t.Fatalf("MakeID: %v", err)
	}
	raw, err := EncodeRequest(id, "ping", nil)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Method != "ping" || !m.IsRequest() {
		t.Fatalf("unexpected parse of encoded request: %+v", m)
	}
}

func TestEncodeNotificationHasNoID(t *testing.T) {
	raw, err := EncodeNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatalf("EncodeNotification: %v", err)
	}
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.IsNotification() {
		t.Fatalf("expected notification, got kind=%v", m.Kind)
	}
}
