// Package fakebridge emulates the parts of a device that provisioning and
// port forwarding touch.
package fakebridge

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"hmdriver/bridge"
)

type Forward struct {
	Local, Remote int
}

// Bridge implements bridge.Bridge against an in-memory device.
type Bridge struct {
	mu sync.Mutex

	SerialID string
	ABI      string
	// LocalPort is returned by ForwardPort, usually the port of a test agent.
	LocalPort  int
	ForwardErr error
	// Files is the device filesystem.
	Files map[string][]byte
	// Daemons are pids of running "uitest start-daemon singleness".
	Daemons []string
	// ShellFunc answers commands the emulator does not know.
	ShellFunc func(cmd string) (bridge.CommandResult, error)

	Shells   []string
	Sent     []string // remote paths
	Received []string // remote paths
	Forwards []Forward
	Removed  []Forward
}

func New(serial string) *Bridge {
	return &Bridge{
		SerialID: serial,
		ABI:      "arm64-v8a",
		Files:    make(map[string][]byte),
	}
}

var _ bridge.Bridge = (*Bridge)(nil)

func (b *Bridge) Serial() string {
	return b.SerialID
}

func (b *Bridge) ForwardPort(ctx context.Context, remotePort int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ForwardErr != nil {
		return 0, b.ForwardErr
	}
	b.Forwards = append(b.Forwards, Forward{Local: b.LocalPort, Remote: remotePort})
	return b.LocalPort, nil
}

func (b *Bridge) RemoveForward(ctx context.Context, localPort, remotePort int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Removed = append(b.Removed, Forward{Local: localPort, Remote: remotePort})
	return nil
}

func (b *Bridge) SendFile(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Files[remotePath] = data
	b.Sent = append(b.Sent, remotePath)
	return nil
}

func (b *Bridge) RecvFile(ctx context.Context, remotePath, localPath string) error {
	b.mu.Lock()
	data, ok := b.Files[remotePath]
	b.Received = append(b.Received, remotePath)
	b.mu.Unlock()
	if !ok {
		return &bridge.CommandError{Op: "file recv", Result: bridge.CommandResult{Error: "no such file", ExitCode: -1}}
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (b *Bridge) Shell(ctx context.Context, cmd string) (bridge.CommandResult, error) {
	b.mu.Lock()
	b.Shells = append(b.Shells, cmd)
	shellFunc := b.ShellFunc
	result, handled := b.emulate(cmd)
	b.mu.Unlock()

	if handled {
		return result, nil
	}
	if shellFunc != nil {
		return shellFunc(cmd)
	}
	return bridge.CommandResult{}, nil
}

// ShellCount returns how many shell commands start with prefix.
func (b *Bridge) ShellCount(prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.Shells {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

// Counts returns the number of forwards, removals and uploads so far.
func (b *Bridge) Counts() (forwards, removed, sent int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Forwards), len(b.Removed), len(b.Sent)
}

// emulate must be called with mu held.
func (b *Bridge) emulate(cmd string) (bridge.CommandResult, bool) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return bridge.CommandResult{}, false
	}
	switch {
	case cmd == "param get const.product.cpu.abilist":
		return bridge.CommandResult{Output: b.ABI + "\n"}, true
	case cmd == "ps -ef":
		var sb strings.Builder
		sb.WriteString("UID PID PPID C STIME TTY TIME CMD\n")
		for _, pid := range b.Daemons {
			fmt.Fprintf(&sb, "shell %s 1 25 11:03:37 ? 00:00:16 uitest start-daemon singleness\n", pid)
		}
		sb.WriteString("shell 44416 1 2 11:03:42 ? 00:00:01 uitest start-daemon com.hmtest.uitest@4x9@1\n")
		return bridge.CommandResult{Output: sb.String()}, true
	case fields[0] == "kill" && len(fields) == 3:
		kept := b.Daemons[:0]
		for _, pid := range b.Daemons {
			if pid != fields[2] {
				kept = append(kept, pid)
			}
		}
		b.Daemons = kept
		return bridge.CommandResult{}, true
	case cmd == "uitest start-daemon singleness":
		b.Daemons = append(b.Daemons, fmt.Sprint(50000+len(b.Shells)))
		return bridge.CommandResult{}, true
	case fields[0] == "[" && len(fields) > 2 && fields[1] == "-f":
		if _, ok := b.Files[fields[2]]; ok {
			return bridge.CommandResult{Output: "exists\n"}, true
		}
		return bridge.CommandResult{Output: "not exists\n"}, true
	case fields[0] == "md5sum" && len(fields) == 2:
		data, ok := b.Files[fields[1]]
		if !ok {
			return bridge.CommandResult{Output: "md5sum: " + fields[1] + ": No such file or directory\n"}, true
		}
		sum := md5.Sum(data)
		return bridge.CommandResult{Output: hex.EncodeToString(sum[:]) + "  " + fields[1] + "\n"}, true
	case fields[0] == "rm":
		delete(b.Files, fields[len(fields)-1])
		return bridge.CommandResult{}, true
	case fields[0] == "chmod":
		return bridge.CommandResult{}, true
	}
	return bridge.CommandResult{}, false
}
