package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Kind classifies a decoded JSON-RPC frame by the fields it carries.
type Kind int

const (
	// KindRequest is a message with both "id" and "method".
	KindRequest Kind = iota
	// KindResponse is a message with "id" and one of "result"/"error".
	KindResponse
	// KindNotification is a message with "method" and no "id".
	KindNotification
)

// Direction names which way a frame travels relative to the proxy.
// Message does not carry a Direction; dispatch and client-response
// routing go by Kind.
type Direction int

const (
	// DirectionInbound means the frame arrived from a peer (client or upstream).
	DirectionInbound Direction = iota
	// DirectionOutbound means the frame is about to be written to a peer.
	DirectionOutbound
)

// Message is the proxy's in-memory representation of one JSON-RPC
// frame, decoded just enough to dispatch on without losing the
// client's original "id" representation. The jsonrpc package's typed
// ID does not round-trip cleanly through interface{} boxing, so the
// id is kept as raw JSON here and only converted to a jsonrpc.ID when
// a component (the upstream session) needs to send a message it
// originates itself.
type Message struct {
	Raw       []byte
	Kind      Kind
	ID        json.RawMessage
	Method    string
	Params    json.RawMessage
	Result    json.RawMessage
	Error     *errorBody
	Timestamp time.Time

	// Server is the alias of the upstream this message was read from
	// or is destined for; empty for client-facing messages.
	Server string
}

type rawFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *errorBody      `json:"error,omitempty"`
}

// hasID reports whether raw carries a present, non-null "id" field.
func hasID(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	return string(raw) != "null"
}

// Parse decodes a single frame payload (as returned by Codec.Read) into
// a Message, classifying it by the fields present. Parse never fails on
// a structurally valid JSON-RPC 2.0 object; a payload that is not a
// JSON object at all is rejected.
func Parse(raw []byte) (*Message, error) {
	var f rawFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}

	m := &Message{
		Raw:       raw,
		ID:        f.ID,
		Method:    f.Method,
		Params:    f.Params,
		Result:    f.Result,
		Error:     f.Error,
		Timestamp: time.Now(),
	}

	switch {
	case f.Method != "" && hasID(f.ID):
		m.Kind = KindRequest
	case f.Method != "" && !hasID(f.ID):
		m.Kind = KindNotification
	default:
		m.Kind = KindResponse
	}
	return m, nil
}

// IsRequest reports whether m is a client/upstream originated request
// awaiting a reply.
func (m *Message) IsRequest() bool { return m.Kind == KindRequest }

// IsNotification reports whether m carries no id.
func (m *Message) IsNotification() bool { return m.Kind == KindNotification }

// IsResponse reports whether m is a reply to a previously sent request.
func (m *Message) IsResponse() bool { return m.Kind == KindResponse }

// EncodeRequest builds the raw bytes for a JSON-RPC request with the
// given id, method and params.
func EncodeRequest(id jsonrpc.ID, method string, params json.RawMessage) ([]byte, error) {
	req := &jsonrpc.Request{ID: id, Method: method, Params: params}
	raw, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return nil, fmt.Errorf("wire: encode request %q: %w", method, err)
	}
	return raw, nil
}

// EncodeNotification builds the raw bytes for a JSON-RPC notification
// (a request with no id) with the given method and params.
func EncodeNotification(method string, params json.RawMessage) ([]byte, error) {
	req := &jsonrpc.Request{Method: method, Params: params}
	raw, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return nil, fmt.Errorf("wire: encode notification %q: %w", method, err)
	}
	return raw, nil
}

// EncodeResult builds the raw bytes for a successful JSON-RPC response
// whose id is passed through verbatim as received from the client,
// bypassing jsonrpc.ID (which cannot represent an arbitrary client id
// losslessly through this package's generic envelope).
func EncodeResult(id json.RawMessage, result json.RawMessage) ([]byte, error) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	env := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{JSONRPC: "2.0", ID: id, Result: result}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode result: %w", err)
	}
	return raw, nil
}

// errorBody is a local mirror of the JSON-RPC error object, used instead
// of jsonrpc.Error so an optional "data" member round-trips without
// depending on a field the SDK type may not expose.
type errorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// EncodeError builds the raw bytes for an error JSON-RPC response whose
// id is passed through verbatim, per EncodeResult's rationale.
func EncodeError(id json.RawMessage, code int, message string, data json.RawMessage) ([]byte, error) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	env := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   errorBody       `json:"error"`
	}{JSONRPC: "2.0", ID: id, Error: errorBody{Code: code, Message: message, Data: data}}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode error: %w", err)
	}
	return raw, nil
}
