package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBinary = "hdc"
	EnvServerHost = "HDC_SERVER_HOST"
	EnvServerPort = "HDC_SERVER_PORT"
)

// Options configures how hdc is invoked.
type Options struct {
	// Binary may carry extra arguments, e.g. "hdc -l5".
	Binary     string
	ServerHost string
	ServerPort string
	Runner     CommandRunner
	Ports      *PortAllocator
}

// OptionsFromEnv reads HDC_SERVER_HOST and HDC_SERVER_PORT.
func OptionsFromEnv() Options {
	return Options{
		ServerHost: os.Getenv(EnvServerHost),
		ServerPort: os.Getenv(EnvServerPort),
	}
}

// HDC talks to the hdc server. Device-specific commands live on Target.
type HDC struct {
	runner CommandRunner
	prefix []string
	ports  *PortAllocator
}

func New(opts Options) (*HDC, error) {
	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	prefix, err := shellquote.Split(binary)
	if err != nil {
		return nil, fmt.Errorf("bridge: parse hdc binary %q: %w", binary, err)
	}
	if len(prefix) == 0 {
		return nil, fmt.Errorf("bridge: empty hdc binary")
	}
	if opts.ServerHost != "" && opts.ServerPort != "" {
		log.Debug().Str("host", opts.ServerHost).Str("port", opts.ServerPort).Msg("bridge: using remote hdc server")
		prefix = append(prefix, "-s", opts.ServerHost+":"+opts.ServerPort)
	}
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	ports := opts.Ports
	if ports == nil {
		ports = NewPortAllocator(PortRangeStart, PortRangeEnd)
	}
	return &HDC{runner: runner, prefix: prefix, ports: ports}, nil
}

// run executes one hdc command. Output mentioning "error:" or "[fail]" is
// treated as failure even when hdc exits 0.
func (h *HDC) run(ctx context.Context, args ...string) CommandResult {
	name := h.prefix[0]
	full := append(append([]string{}, h.prefix[1:]...), args...)
	log.Debug().Str("cmd", shellquote.Join(append([]string{name}, full...)...)).Msg("bridge: exec")

	stdout, stderr, code, err := h.runner.Run(ctx, name, full...)
	result := CommandResult{Output: string(stdout), Error: string(stderr), ExitCode: int(code)}
	if err != nil && result.ExitCode == 0 {
		result.ExitCode = -1
	}
	if err != nil && result.Error == "" {
		result.Error = err.Error()
	}

	lower := strings.ToLower(result.Output)
	if strings.Contains(lower, "error:") || strings.Contains(lower, "[fail]") {
		return CommandResult{Output: "", Error: result.Output, ExitCode: -1}
	}
	return result
}

func (h *HDC) check(ctx context.Context, op string, args ...string) (CommandResult, error) {
	result := h.run(ctx, args...)
	if result.Failed() {
		return result, &CommandError{Op: op, Args: args, Result: result}
	}
	return result, nil
}

// ListTargets returns the serials of attached devices.
func (h *HDC) ListTargets(ctx context.Context) ([]string, error) {
	result, err := h.check(ctx, "list targets", "list", "targets")
	if err != nil {
		return nil, err
	}
	var serials []string
	for _, line := range strings.Split(strings.TrimSpace(result.Output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "Empty") {
			continue
		}
		serials = append(serials, line)
	}
	return serials, nil
}

// IsOnline reports whether serial is listed.
func (h *HDC) IsOnline(ctx context.Context, serial string) (bool, error) {
	serials, err := h.ListTargets(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range serials {
		if s == serial {
			return true, nil
		}
	}
	return false, nil
}

// Target returns a handle on an attached device.
func (h *HDC) Target(ctx context.Context, serial string) (*Target, error) {
	online, err := h.IsOnline(ctx, serial)
	if err != nil {
		return nil, err
	}
	if !online {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, serial)
	}
	t := &Target{hdc: h, serial: serial}
	t.Ops = On(t)
	return t, nil
}

// Open is Target returning the Bridge interface.
func (h *HDC) Open(ctx context.Context, serial string) (Bridge, error) {
	t, err := h.Target(ctx, serial)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Target runs commands against one device. It implements Bridge; the
// device helpers come from the embedded Ops.
type Target struct {
	Ops
	hdc    *HDC
	serial string
}

var _ Bridge = (*Target)(nil)

func (t *Target) Serial() string {
	return t.serial
}

func (t *Target) check(ctx context.Context, op string, args ...string) (CommandResult, error) {
	return t.hdc.check(ctx, op, append([]string{"-t", t.serial}, args...)...)
}

func (t *Target) ForwardPort(ctx context.Context, remotePort int) (int, error) {
	localPort, err := t.hdc.ports.Get()
	if err != nil {
		return 0, err
	}
	if _, err := t.check(ctx, "fport", "fport", tcpSpec(localPort), tcpSpec(remotePort)); err != nil {
		return 0, err
	}
	log.Debug().Str("serial", t.serial).Int("local_port", localPort).Int("remote_port", remotePort).Msg("bridge: forward")
	return localPort, nil
}

func (t *Target) RemoveForward(ctx context.Context, localPort, remotePort int) error {
	_, err := t.check(ctx, "fport rm", "fport", "rm", tcpSpec(localPort), tcpSpec(remotePort))
	return err
}

// ListForwards returns entries such as "tcp:10001 tcp:8012".
func (t *Target) ListForwards(ctx context.Context) ([]string, error) {
	result, err := t.check(ctx, "fport ls", "fport", "ls")
	if err != nil {
		return nil, err
	}
	return forwardPattern.FindAllString(result.Output, -1), nil
}

// Shell runs cmd through the device shell.
func (t *Target) Shell(ctx context.Context, cmd string) (CommandResult, error) {
	return t.check(ctx, "shell", "shell", cmd)
}

func (t *Target) SendFile(ctx context.Context, localPath, remotePath string) error {
	_, err := t.check(ctx, "file send", "file", "send", localPath, remotePath)
	return err
}

func (t *Target) RecvFile(ctx context.Context, remotePath, localPath string) error {
	_, err := t.check(ctx, "file recv", "file", "recv", remotePath, localPath)
	return err
}

func (t *Target) Install(ctx context.Context, hapPath string) error {
	_, err := t.check(ctx, "install", "install", hapPath)
	return err
}

func (t *Target) Uninstall(ctx context.Context, bundle string) error {
	_, err := t.check(ctx, "uninstall", "uninstall", bundle)
	return err
}

func tcpSpec(port int) string {
	return "tcp:" + strconv.Itoa(port)
}

// IsCommandError reports whether err came from a failed hdc command.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}
