package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes plus the engine specific ones.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeNotInitialized   = -32000
	CodeTimeout          = -32001
	CodeConnectionClosed = -32002
)

var defaultMessages = map[int]string{
	CodeParseError:       "Parse error",
	CodeInvalidRequest:   "Invalid request",
	CodeMethodNotFound:   "Method not found",
	CodeInvalidParams:    "Invalid params",
	CodeInternalError:    "Internal error",
	CodeNotInitialized:   "Server not initialized",
	CodeTimeout:          "Request timed out",
	CodeConnectionClosed: "Connection closed",
}

var (
	// ErrTimeout matches any call that exceeded its deadline.
	ErrTimeout = &Error{Code: CodeTimeout, Message: defaultMessages[CodeTimeout]}
	// ErrConnectionClosed matches any pending call invalidated by a disconnect.
	ErrConnectionClosed = &Error{Code: CodeConnectionClosed, Message: defaultMessages[CodeConnectionClosed]}
	// ErrNotInitialized matches handshake gate rejections.
	ErrNotInitialized = &Error{Code: CodeNotInitialized, Message: defaultMessages[CodeNotInitialized]}
)

// Error is the JSON-RPC error object. It doubles as a Go error so typed failures
// travel unchanged from the wire to the caller.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewError builds an Error. An empty message is replaced by the default text for
// the code. data is marshalled; a nil data leaves the field out.
func NewError(code int, message string, data any) *Error {
	if message == "" {
		message = DefaultMessage(code)
	}
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// DefaultMessage returns the canonical message for a code.
func DefaultMessage(code int) string {
	if msg, ok := defaultMessages[code]; ok {
		return msg
	}
	return "Server error"
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("%s (code: %d, data: %s)", e.Message, e.Code, string(e.Data))
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

// Is reports whether target is an *Error with the same code, so the sentinels
// above work with errors.Is regardless of message or data.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// DataString decodes Data as a JSON string. It returns the raw text when the data
// is not a string.
func (e *Error) DataString() string {
	if len(e.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

func invalidRequest(format string, args ...any) *Error {
	return NewError(CodeInvalidRequest, "", fmt.Sprintf(format, args...))
}
