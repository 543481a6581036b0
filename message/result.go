package message

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Result is the raw "result" value of a response. Its shape depends on the API
// that was invoked, so interpretation is left to the caller.
type Result json.RawMessage

func (r Result) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *Result) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}

// IsNull reports whether the result is absent or JSON null.
func (r Result) IsNull() bool {
	t := bytes.TrimSpace(r)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Decode unmarshals the result into v.
func (r Result) Decode(v any) error {
	if r.IsNull() {
		return fmt.Errorf("message: result is null")
	}
	return json.Unmarshal(r, v)
}

// String returns the result as a string. Non-string results are returned as
// their JSON text.
func (r Result) String() string {
	var s string
	if err := json.Unmarshal(r, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(r))
}

// Handle interprets the result as a remote object handle.
func (r Result) Handle() (Handle, error) {
	var s string
	if err := json.Unmarshal(r, &s); err != nil {
		return NoHandle, fmt.Errorf("message: result %s is not a handle", r)
	}
	return Handle(s), nil
}

// Bool interprets the result as a boolean. The agent answers some calls with
// the strings "true"/"false".
func (r Result) Bool() (bool, error) {
	var b bool
	if err := json.Unmarshal(r, &b); err == nil {
		return b, nil
	}
	switch r.String() {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("message: result %s is not a boolean", r)
}
