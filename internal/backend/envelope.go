package backend

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

var (
	// ErrEnvelope means the outer "<Method>Result" wrapper is missing or not JSON.
	ErrEnvelope = errors.New("backend: bad response envelope")
	// ErrPayload means the wrapped result has no usable "payload".
	ErrPayload = errors.New("backend: bad response payload")
	// ErrStatus means the endpoint answered with a non-2xx status.
	ErrStatus = errors.New("backend: unexpected status")
)

// unwrap peels the service's double-encoded response: the body is an object
// whose resultField holds a JSON string, which decodes to an object whose
// "payload" field is again a JSON string. It returns the payload bytes.
func unwrap(body []byte, resultField string) ([]byte, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	raw, ok := root[resultField]
	if !ok {
		return nil, fmt.Errorf("%w: no %s", ErrEnvelope, resultField)
	}
	inner, err := stringOrRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEnvelope, resultField, err)
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(inner, &result); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEnvelope, resultField, err)
	}
	p, ok := result["payload"]
	if !ok {
		return nil, fmt.Errorf("%w: missing", ErrPayload)
	}
	payload, err := stringOrRaw(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrPayload)
	}
	return payload, nil
}

// stringOrRaw returns the contents of a JSON string value. Objects and arrays
// sent unencoded are passed through as-is.
func stringOrRaw(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("null value")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	case '{', '[':
		return raw, nil
	default:
		return nil, fmt.Errorf("unexpected value %s", raw)
	}
}

// numString is a number the service sends as a decimal string. Bare JSON
// numbers are accepted too.
type numString string

func (n *numString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = numString(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	*n = numString(b)
	return nil
}

func (n numString) Float() (float64, error) {
	return strconv.ParseFloat(string(n), 64)
}

func (n numString) Int() (int, error) {
	return strconv.Atoi(string(n))
}
