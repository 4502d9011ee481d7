package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only accepted protocol version literal.
const Version = "2.0"

// Dialect names the envelope key that carries the version literal.
type Dialect struct {
	VersionField string
}

var (
	// Default is the envelope used by both engines unless configured otherwise.
	Default = Dialect{VersionField: "protocolVersion"}
	// Standard is the stock JSON-RPC 2.0 envelope spoken by Dart VM services and most peers.
	Standard = Dialect{VersionField: "jsonrpc"}
)

// DialectFor maps a configured field name to a Dialect; empty means Default.
func DialectFor(field string) Dialect {
	if field == "" {
		return Default
	}
	return Dialect{VersionField: field}
}

func (d Dialect) field() string {
	if d.VersionField == "" {
		return Default.VersionField
	}
	return d.VersionField
}

// Message is one of *Request, *Notification or *Response.
type Message interface {
	isMessage()
}

// Request expects exactly one Response carrying the same ID.
type Request struct {
	Method string
	Params json.RawMessage
	ID     ID
}

// Notification is a request without an id. No reply is ever sent.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response carries exactly one of Result and Error.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  *Error
}

func (*Request) isMessage()      {}
func (*Notification) isMessage() {}
func (*Response) isMessage()     {}

// NewRequest builds a request, marshalling params. A nil params leaves the field out.
func NewRequest(id ID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{Method: method, Params: raw, ID: id}, nil
}

// NewNotification builds a notification, marshalling params.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewResult builds a success response. A nil result is encoded as JSON null.
func NewResult(id ID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id ID, e *Error) *Response {
	return &Response{ID: id, Error: e}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}

// Parse decodes one frame using the Default dialect.
func Parse(data []byte) (Message, error) { return Default.Parse(data) }

// Marshal encodes one message using the Default dialect.
func Marshal(m Message) ([]byte, error) { return Default.Marshal(m) }

// Parse decodes one frame. Malformed JSON fails with CodeParseError; JSON that
// violates the envelope fails with CodeInvalidRequest. The returned error is
// always an *Error.
func (d Dialect) Parse(data []byte) (Message, error) {
	if !json.Valid(data) {
		return nil, NewError(CodeParseError, "", "frame is not valid JSON")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, invalidRequest("message must be a JSON object")
	}

	version, ok := fields[d.field()]
	if !ok {
		return nil, invalidRequest("missing %q field", d.field())
	}
	var v string
	if err := json.Unmarshal(version, &v); err != nil || v != Version {
		return nil, invalidRequest("%q must be %q", d.field(), Version)
	}

	var id ID
	rawID, hasID := fields["id"]
	if hasID {
		if err := id.UnmarshalJSON(rawID); err != nil {
			return nil, invalidRequest("%v", err)
		}
	}

	rawMethod, hasMethod := fields["method"]
	rawResult, hasResult := fields["result"]
	rawError, hasError := fields["error"]

	if hasMethod {
		if hasResult || hasError {
			return nil, invalidRequest("message cannot carry both method and result/error")
		}
		var method string
		if err := json.Unmarshal(rawMethod, &method); err != nil || !isJSONString(rawMethod) {
			return nil, invalidRequest("method must be a string")
		}
		params, hasParams := fields["params"]
		if hasParams && !isStructured(params) {
			return nil, invalidRequest("params must be an object or an array")
		}
		if id.IsNotification() {
			return &Notification{Method: method, Params: params}, nil
		}
		return &Request{Method: method, Params: params, ID: id}, nil
	}

	switch {
	case hasResult && hasError:
		return nil, invalidRequest("response cannot carry both result and error")
	case !hasResult && !hasError:
		return nil, invalidRequest("message must have method or result/error")
	case !hasID:
		return nil, invalidRequest("response must carry an id")
	}

	if hasResult {
		return &Response{ID: id, Result: rawResult}, nil
	}

	e, err := parseErrorObject(rawError)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Error: e}, nil
}

func parseErrorObject(raw json.RawMessage) (*Error, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, invalidRequest("error must be an object")
	}
	var e Error
	code, ok := fields["code"]
	if !ok || json.Unmarshal(code, &e.Code) != nil {
		return nil, invalidRequest("error.code must be an integer")
	}
	msg, ok := fields["message"]
	if !ok || !isJSONString(msg) || json.Unmarshal(msg, &e.Message) != nil {
		return nil, invalidRequest("error.message must be a string")
	}
	if data, ok := fields["data"]; ok {
		e.Data = data
	}
	return &e, nil
}

// Marshal encodes a message with keys in a fixed order: version, method, params,
// result, error, id.
func (d Dialect) Marshal(m Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeKey(&buf, d.field(), true)
	buf.WriteString(`"` + Version + `"`)

	switch msg := m.(type) {
	case *Request:
		if err := writeCall(&buf, msg.Method, msg.Params); err != nil {
			return nil, err
		}
		if msg.ID.IsNotification() {
			return nil, invalidRequest("request id must be a string or an integer")
		}
		writeKey(&buf, "id", false)
		if err := writeValue(&buf, msg.ID); err != nil {
			return nil, err
		}
	case *Notification:
		if err := writeCall(&buf, msg.Method, msg.Params); err != nil {
			return nil, err
		}
	case *Response:
		hasResult := msg.Result != nil
		hasError := msg.Error != nil
		if hasResult == hasError {
			return nil, invalidRequest("response must carry exactly one of result and error")
		}
		if hasResult {
			writeKey(&buf, "result", false)
			if err := writeRaw(&buf, msg.Result); err != nil {
				return nil, err
			}
		} else {
			writeKey(&buf, "error", false)
			if err := writeValue(&buf, msg.Error); err != nil {
				return nil, err
			}
		}
		writeKey(&buf, "id", false)
		if err := writeValue(&buf, msg.ID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported message type %T", m)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeCall(buf *bytes.Buffer, method string, params json.RawMessage) error {
	writeKey(buf, "method", false)
	if err := writeValue(buf, method); err != nil {
		return err
	}
	if params != nil {
		if !isStructured(params) {
			return invalidRequest("params must be an object or an array")
		}
		writeKey(buf, "params", false)
		return writeRaw(buf, params)
	}
	return nil
}

func writeKey(buf *bytes.Buffer, key string, first bool) {
	if !first {
		buf.WriteByte(',')
	}
	k, _ := json.Marshal(key)
	buf.Write(k)
	buf.WriteByte(':')
}

func writeValue(buf *bytes.Buffer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	buf.Write(b)
	return nil
}

func writeRaw(buf *bytes.Buffer, raw json.RawMessage) error {
	if err := json.Compact(buf, raw); err != nil {
		return fmt.Errorf("failed to compact raw value: %w", err)
	}
	return nil
}

func isStructured(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && (t[0] == '{' || t[0] == '[')
}

func isJSONString(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '"'
}
