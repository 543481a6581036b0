// Package agent installs and starts the UI-test agent on a device.
//
// Provision sequence:
//
//	kill stale "uitest start-daemon singleness" → ensure agent.so (md5) →
//	start daemon → settle
package agent

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog/log"

	"hmdriver/bridge"
)

const (
	DefaultRemotePath = "/data/local/tmp/agent.so"
	DefaultSettle     = 500 * time.Millisecond

	daemonCommand = "uitest start-daemon singleness"
)

// ErrProvisioning matches every provisioning failure.
var ErrProvisioning = errors.New("agent: provisioning failed")

type provisionError struct {
	step  string
	cause error
}

func (e *provisionError) Error() string {
	return fmt.Sprintf("agent: provisioning failed at %s: %v", e.step, e.cause)
}

func (e *provisionError) Unwrap() error { return e.cause }

func (e *provisionError) Is(target error) bool { return target == ErrProvisioning }

func fail(step string, err error) error {
	return &provisionError{step: step, cause: err}
}

// Provisioner prepares a device so that the agent listens on its port.
type Provisioner struct {
	Bridge bridge.Bridge
	// AssetDir holds so/<cpu_abi>/agent.so. Ignored when LocalPath is set.
	AssetDir string
	// LocalPath pins the agent binary regardless of the device ABI.
	LocalPath  string
	RemotePath string
	Settle     time.Duration
	Clock      clock.Clock
}

func (p *Provisioner) remotePath() string {
	if p.RemotePath == "" {
		return DefaultRemotePath
	}
	return p.RemotePath
}

func (p *Provisioner) clock() clock.Clock {
	if p.Clock == nil {
		return clock.WallClock
	}
	return p.Clock
}

// Provision restarts the agent daemon with an up-to-date agent binary.
func (p *Provisioner) Provision(ctx context.Context) error {
	serial := p.Bridge.Serial()
	log.Debug().Str("serial", serial).Msg("agent: provisioning")

	local, err := p.LocalAgent(ctx)
	if err != nil {
		return fail("locate agent", err)
	}
	if err := p.KillDaemons(ctx); err != nil {
		return fail("stop daemon", err)
	}
	if _, err := p.EnsureAgent(ctx, local); err != nil {
		return fail("install agent", err)
	}
	if _, err := p.Bridge.Shell(ctx, daemonCommand); err != nil {
		return fail("start daemon", err)
	}
	log.Debug().Str("serial", serial).Msg("agent: daemon started")

	if p.Settle > 0 {
		select {
		case <-p.clock().After(p.Settle):
		case <-ctx.Done():
			return fail("settle", ctx.Err())
		}
	}
	return nil
}

// LocalAgent resolves the agent binary for the device's CPU ABI.
func (p *Provisioner) LocalAgent(ctx context.Context) (string, error) {
	if p.LocalPath != "" {
		return p.LocalPath, nil
	}
	result, err := p.Bridge.Shell(ctx, "param get const.product.cpu.abilist")
	if err != nil {
		return "", err
	}
	abi := result.FirstLine()
	if abi == "" {
		return "", fmt.Errorf("device reported no cpu abi")
	}
	path := filepath.Join(p.AssetDir, "so", abi, "agent.so")
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// DaemonPIDs lists pids of running "uitest start-daemon singleness" processes.
func (p *Provisioner) DaemonPIDs(ctx context.Context) ([]string, error) {
	result, err := p.Bridge.Shell(ctx, "ps -ef")
	if err != nil {
		return nil, err
	}
	var pids []string
	for _, line := range strings.Split(strings.TrimSpace(result.Output), "\n") {
		if !strings.Contains(line, daemonCommand) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) > 1 {
			pids = append(pids, fields[1])
		}
	}
	return pids, nil
}

func (p *Provisioner) KillDaemons(ctx context.Context) error {
	pids, err := p.DaemonPIDs(ctx)
	if err != nil {
		return err
	}
	for _, pid := range pids {
		if _, err := p.Bridge.Shell(ctx, "kill -9 "+pid); err != nil {
			return err
		}
		log.Debug().Str("pid", pid).Msg("agent: killed stale daemon")
	}
	return nil
}

// EnsureAgent uploads localPath unless the remote copy has the same md5. It
// reports whether an upload happened. The remote file is made executable
// either way.
func (p *Provisioner) EnsureAgent(ctx context.Context, localPath string) (bool, error) {
	remote := p.remotePath()

	exists, err := p.remoteExists(ctx, remote)
	if err != nil {
		return false, err
	}
	if exists {
		localSum, err := fileMD5(localPath)
		if err != nil {
			return false, err
		}
		remoteSum, err := p.remoteMD5(ctx, remote)
		if err != nil {
			return false, err
		}
		if localSum == remoteSum {
			log.Debug().Str("path", remote).Msg("agent: remote agent up to date")
			_, err := p.Bridge.Shell(ctx, "chmod +x "+remote)
			return false, err
		}
		if _, err := p.Bridge.Shell(ctx, "rm "+remote); err != nil {
			return false, err
		}
	}

	if err := p.Bridge.SendFile(ctx, localPath, remote); err != nil {
		return false, err
	}
	if _, err := p.Bridge.Shell(ctx, "chmod +x "+remote); err != nil {
		return true, err
	}
	log.Info().Str("serial", p.Bridge.Serial()).Str("path", remote).Msg("agent: uploaded agent")
	return true, nil
}

func (p *Provisioner) remoteExists(ctx context.Context, path string) (bool, error) {
	result, err := p.Bridge.Shell(ctx, fmt.Sprintf("[ -f %s ] && echo 'exists' || echo 'not exists'", path))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(result.Output) == "exists", nil
}

func (p *Provisioner) remoteMD5(ctx context.Context, path string) (string, error) {
	result, err := p.Bridge.Shell(ctx, "md5sum "+path)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(result.Output)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
