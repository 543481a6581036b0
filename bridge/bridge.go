// Package bridge drives devices through the hdc command-line tool: port
// forwarding, file transfer and device shell commands.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

var (
	// ErrDeviceUnavailable is returned when the serial is not listed by hdc.
	ErrDeviceUnavailable = errors.New("bridge: device unavailable")
	// ErrBridge matches every failed hdc command.
	ErrBridge = errors.New("bridge: command failed")
)

// Bridge is what the connection lifecycle needs from a device link.
type Bridge interface {
	Serial() string
	// ForwardPort forwards a free local TCP port to remotePort on the device
	// and returns the local port.
	ForwardPort(ctx context.Context, remotePort int) (int, error)
	RemoveForward(ctx context.Context, localPort, remotePort int) error
	Shell(ctx context.Context, cmd string) (CommandResult, error)
	SendFile(ctx context.Context, localPath, remotePath string) error
	RecvFile(ctx context.Context, remotePath, localPath string) error
}

// Ops carries the device helpers (keys, input, apps, screenshots) that only
// need shell access and file transfer, so they work over any Bridge.
type Ops struct {
	Bridge
}

func On(b Bridge) Ops {
	return Ops{Bridge: b}
}

// ShellArgs quotes args for the device shell and runs them.
func (o Ops) ShellArgs(ctx context.Context, args ...string) (CommandResult, error) {
	return o.Shell(ctx, shellquote.Join(args...))
}

// CommandResult is the captured outcome of one hdc invocation.
type CommandResult struct {
	Output   string
	Error    string
	ExitCode int
}

// Failed reports a non-zero exit code. hdc exits 0 on many failures, so
// results whose output mentions "error:" or "[fail]" are normalized to -1
// before they reach callers.
func (r CommandResult) Failed() bool {
	return r.ExitCode != 0
}

// FirstLine returns the first output line, trimmed.
func (r CommandResult) FirstLine() string {
	line, _, _ := strings.Cut(r.Output, "\n")
	return strings.TrimSpace(line)
}

// CommandError describes a failed hdc command.
type CommandError struct {
	Op     string
	Args   []string
	Result CommandResult
}

func (e *CommandError) Error() string {
	detail := strings.TrimSpace(e.Result.Error)
	if detail == "" {
		detail = strings.TrimSpace(e.Result.Output)
	}
	return fmt.Sprintf("bridge: %s failed (exit %d): %s", e.Op, e.Result.ExitCode, detail)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrBridge
}
