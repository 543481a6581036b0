// Package message defines the call and response envelopes exchanged with the agent.
//
// A Call is serialized by the codec layer and wrapped in a protocol frame:
//
//	{"module":"com.ohos.devicetest.hypiumApiHelper","method":"callHypiumApi",
//	 "params":{"api":"Driver.create","this":null,"args":[],"message_type":"hypium"},
//	 "request_id":"20240815161352267072"}
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	Module            = "com.ohos.devicetest.hypiumApiHelper"
	MethodHypium      = "callHypiumApi"
	MethodCaptures    = "Captures"
	MessageTypeHypium = "hypium"

	// DefaultRoot is the handle the agent returns for the first Driver.create.
	DefaultRoot Handle = "Driver#0"
	// NoHandle is sent as a JSON null "this".
	NoHandle Handle = ""
)

// Handle is an opaque reference to an object living inside the agent, such as
// "Driver#0" or "Component#3". The agent owns its lifetime.
type Handle string

func (h Handle) MarshalJSON() ([]byte, error) {
	if h == NoHandle {
		return []byte("null"), nil
	}
	return json.Marshal(string(h))
}

func (h *Handle) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*h = NoHandle
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*h = Handle(s)
	return nil
}

// Params carries the remote API name and its arguments.
//
// Capture calls leave This and MessageType unset; both are then omitted.
type Params struct {
	API         string  `json:"api"`
	This        *Handle `json:"this,omitempty"`
	Args        []any   `json:"args"`
	MessageType string  `json:"message_type,omitempty"`
}

// Call is the request envelope.
type Call struct {
	Module    string `json:"module"`
	Method    string `json:"method"`
	Params    Params `json:"params"`
	RequestID string `json:"request_id"`
}

// NewHypiumCall builds a standard API invocation. this is always serialized,
// as null when it is NoHandle.
func NewHypiumCall(api string, this Handle, args []any) *Call {
	return &Call{
		Module: Module,
		Method: MethodHypium,
		Params: Params{
			API:         api,
			This:        &this,
			Args:        normalizeArgs(args),
			MessageType: MessageTypeHypium,
		},
		RequestID: NewRequestID(time.Now()),
	}
}

// NewCapturesCall builds a capture-subsystem invocation.
func NewCapturesCall(api string, args []any) *Call {
	return &Call{
		Module: Module,
		Method: MethodCaptures,
		Params: Params{
			API:  api,
			Args: normalizeArgs(args),
		},
		RequestID: NewRequestID(time.Now()),
	}
}

// IsCaptures reports whether c targets the capture subsystem.
func (c *Call) IsCaptures() bool {
	return c.Method == MethodCaptures
}

func normalizeArgs(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

// NewRequestID formats t as YYYYMMDDhhmmss followed by six digits of
// microseconds, 20 digits in total.
func NewRequestID(t time.Time) string {
	return fmt.Sprintf("%s%06d", t.Format("20060102150405"), t.Nanosecond()/int(time.Microsecond))
}

// Response is the reply envelope.
type Response struct {
	Result    Result     `json:"result"`
	Exception *Exception `json:"exception,omitempty"`
}

// Failed reports whether the agent signalled an exception. A decoded
// exception counts when its JSON value is truthy: anything but null, false,
// 0, "", {} and [].
func (r *Response) Failed() bool {
	if r.Exception == nil {
		return false
	}
	if r.Exception.decoded {
		return r.Exception.truthy
	}
	return !r.Exception.empty()
}

// Exception is the agent-side error description. Agents normally send
// {"code":401,"message":"..."}; other shapes are accepted and their JSON text
// becomes the message.
type Exception struct {
	Code    int    `json:"code"`
	Message string `json:"message"`

	decoded bool
	truthy  bool
}

func (e *Exception) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*e = Exception{decoded: true, truthy: truthy(trimmed)}
	if !e.truthy {
		return nil
	}

	switch trimmed[0] {
	case '"':
		return json.Unmarshal(trimmed, &e.Message)
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return err
		}
		e.Code = lenientCode(fields["code"])
		if msg, ok := fields["message"]; ok {
			var text string
			if json.Unmarshal(msg, &text) == nil {
				e.Message = text
			} else {
				e.Message = string(bytes.TrimSpace(msg))
			}
		}
		if e.Message == "" && e.Code == 0 {
			e.Message = string(trimmed)
		}
		return nil
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("message: invalid exception %q", trimmed)
	}
	e.Message = string(trimmed)
	return nil
}

// truthy follows the agent's own check on the exception field.
func truthy(raw []byte) bool {
	switch string(raw) {
	case "", "null", "false", `""`, "{}", "[]":
		return false
	}
	if raw[0] == '{' || raw[0] == '[' {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			switch v := v.(type) {
			case map[string]any:
				return len(v) > 0
			case []any:
				return len(v) > 0
			}
		}
		return true
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f != 0
	}
	return true
}

// lenientCode reads a numeric code sent as a number or a numeric string.
func lenientCode(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0
		}
		n = json.Number(strings.TrimSpace(s))
	}
	if i, err := n.Int64(); err == nil {
		return int(i)
	}
	if f, err := n.Float64(); err == nil {
		return int(f)
	}
	return 0
}

func (e *Exception) empty() bool {
	return e.Code == 0 && e.Message == ""
}

func (e *Exception) String() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	return e.Message
}
