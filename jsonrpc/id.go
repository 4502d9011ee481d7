package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type idKind uint8

const (
	idAbsent idKind = iota
	idNull
	idString
	idInt
)

// ID is a request identifier: a string, a 64-bit integer, null, or absent.
// Absent and null both mark a notification. The zero value is absent.
// IDs are comparable with ==.
type ID struct {
	kind idKind
	str  string
	num  int64
}

// StringID returns a string identifier.
func StringID(s string) ID { return ID{kind: idString, str: s} }

// IntID returns an integer identifier.
func IntID(n int64) ID { return ID{kind: idInt, num: n} }

// NullID returns the explicit null identifier.
func NullID() ID { return ID{kind: idNull} }

// IsNotification reports whether the id is absent or null.
func (id ID) IsNotification() bool { return id.kind == idAbsent || id.kind == idNull }

// IsAbsent reports whether the id field was missing altogether.
func (id ID) IsAbsent() bool { return id.kind == idAbsent }

// Int returns the integer value and whether the id is an integer.
func (id ID) Int() (int64, bool) { return id.num, id.kind == idInt }

// Str returns the string value and whether the id is a string.
func (id ID) Str() (string, bool) { return id.str, id.kind == idString }

// String renders the id for logs.
func (id ID) String() string {
	switch id.kind {
	case idString:
		return id.str
	case idInt:
		return strconv.FormatInt(id.num, 10)
	default:
		return "null"
	}
}

// MarshalJSON writes the string, the integer, or null.
func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idString:
		return json.Marshal(id.str)
	case idInt:
		return []byte(strconv.FormatInt(id.num, 10)), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a string, an integer that fits in int64, or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0:
		return fmt.Errorf("empty id")
	case bytes.Equal(data, []byte("null")):
		*id = NullID()
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
		*id = StringID(s)
		return nil
	default:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("id must be a string, an integer or null, got %s", string(data))
		}
		*id = IntID(n)
		return nil
	}
}
