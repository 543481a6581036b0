package message

import (
	"errors"
	"fmt"
)

// Kind names the subsystem a call went to.
type Kind string

const (
	KindInvoke   Kind = "invoke"
	KindCaptures Kind = "captures"
)

var (
	// ErrTransport matches every TransportError.
	ErrTransport = errors.New("rpc: transport error")
	// ErrRemote matches every RemoteError.
	ErrRemote = errors.New("rpc: remote invocation error")
	// ErrCaptures matches transport and remote errors raised by capture calls.
	ErrCaptures = errors.New("rpc: captures error")
)

// TransportError is returned when no usable response arrived: a timeout, a
// closed connection, an invalid frame or an undecodable payload. Cause keeps
// the underlying condition.
type TransportError struct {
	Kind  Kind
	API   string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: no response received: %v", e.Kind, e.API, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport || (target == ErrCaptures && e.Kind == KindCaptures)
}

// RemoteError carries an exception reported by the agent, such as a missing
// component or bad arguments. The connection stays usable.
type RemoteError struct {
	Kind    Kind
	API     string
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s: remote error %d: %s", e.Kind, e.API, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: remote error: %s", e.Kind, e.API, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote || (target == ErrCaptures && e.Kind == KindCaptures)
}

// NewRemoteError converts an exception into a RemoteError.
func NewRemoteError(kind Kind, api string, exc *Exception) *RemoteError {
	return &RemoteError{Kind: kind, API: api, Code: exc.Code, Message: exc.Message}
}

// KindOf returns the kind for call.
func KindOf(call *Call) Kind {
	if call.IsCaptures() {
		return KindCaptures
	}
	return KindInvoke
}
