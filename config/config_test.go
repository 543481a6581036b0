package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hmdriver/bridge"
	"hmdriver/loadbalance"
	"hmdriver/message"
	"hmdriver/middleware"
	"hmdriver/session"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hmdriver.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Setenv(bridge.EnvServerHost, "")
	t.Setenv(bridge.EnvServerPort, "")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HDC.Binary != "hdc" {
		t.Fatalf("unexpected binary %q", cfg.HDC.Binary)
	}
	if cfg.RPC.RemotePort != session.DefaultRemotePort {
		t.Fatalf("unexpected remote port %d", cfg.RPC.RemotePort)
	}
	if cfg.Device.ActionDelay != 600*time.Millisecond {
		t.Fatalf("unexpected action delay %s", cfg.Device.ActionDelay)
	}
	if !cfg.Agent.Provision {
		t.Fatal("expect provisioning on by default")
	}
	if mws := cfg.Middleware(nil); len(mws) != 1 {
		t.Fatalf("expect only logging middleware, got %d", len(mws))
	}
}

func TestLoadOverlay(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
serial = "FMR0223C13000649"

[hdc]
binary = "hdc -l5"

[agent]
provision = false

[rpc]
remote_port = 8013
read_timeout = "3s"
max_payload = 1048576

[retry]
attempts = 3
delay = "100ms"

[rate_limit]
per_second = 20.0
burst = 5

[device]
action_delay = "0s"
find_attempts = 4
balancer = "weighted_random"
weights = { A = 3, B = 1 }

[registry]
endpoints = [" 127.0.0.1:2379 ", ""]
ttl = "15s"
owner = "ci-runner"

[log]
level = "debug"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Serial != "FMR0223C13000649" || cfg.HDC.Binary != "hdc -l5" {
		t.Fatalf("unexpected top level %+v", cfg)
	}
	if cfg.Agent.Provision {
		t.Fatal("expect provisioning off")
	}
	if cfg.RPC.RemotePort != 8013 || cfg.RPC.ReadTimeout != 3*time.Second || cfg.RPC.MaxPayload != 1<<20 {
		t.Fatalf("unexpected rpc %+v", cfg.RPC)
	}
	// keys not in the file keep their defaults
	if cfg.RPC.WriteTimeout != 20*time.Second || cfg.Retry.MaxDelay != 4*time.Second {
		t.Fatalf("defaults lost: %+v %+v", cfg.RPC, cfg.Retry)
	}
	if cfg.Device.ActionDelay != 0 || cfg.Device.FindAttempts != 4 || cfg.Device.Weights["A"] != 3 {
		t.Fatalf("unexpected device %+v", cfg.Device)
	}
	if len(cfg.Registry.Endpoints) != 1 || cfg.Registry.Endpoints[0] != "127.0.0.1:2379" {
		t.Fatalf("unexpected endpoints %q", cfg.Registry.Endpoints)
	}
	if cfg.Registry.TTL != 15*time.Second || cfg.Registry.Owner != "ci-runner" {
		t.Fatalf("unexpected registry %+v", cfg.Registry)
	}

	mws := cfg.Middleware(nil)
	if len(mws) != 3 {
		t.Fatalf("expect logging, retry and rate limit, got %d", len(mws))
	}
	tc := cfg.TransportConfig()
	if tc.Limits.MaxPayload != 1<<20 || tc.ReadTimeout != 3*time.Second {
		t.Fatalf("unexpected transport config %+v", tc)
	}
	so := cfg.SessionOptions(nil, mws)
	if so.Provisioner != nil || so.RemotePort != 8013 || len(so.Middleware) != 3 {
		t.Fatalf("unexpected session options %+v", so)
	}
	po, err := cfg.PoolOptions(mws, nil)
	if err != nil {
		t.Fatal(err)
	}
	if po.Balancer.Name() != (&loadbalance.WeightedRandomBalancer{}).Name() {
		t.Fatalf("unexpected balancer %s", po.Balancer.Name())
	}
	if po.Owner != "ci-runner" || po.Weights["B"] != 1 || po.Driver.FindAttempts != 4 {
		t.Fatalf("unexpected pool options %+v", po)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv(bridge.EnvServerHost, "10.0.0.2")
	t.Setenv(bridge.EnvServerPort, "8710")
	path := writeConfig(t, `
[hdc]
server_host = "127.0.0.1"
server_port = "8710"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HDC.ServerHost != "10.0.0.2" {
		t.Fatalf("expect env host, got %q", cfg.HDC.ServerHost)
	}
	if o := cfg.HDCOptions(); o.ServerHost != "10.0.0.2" || o.ServerPort != "8710" {
		t.Fatalf("unexpected hdc options %+v", o)
	}
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	cases := map[string]struct {
		body string
		want string
	}{
		"bad duration":   {"[rpc]\nread_timeout = \"soon\"\n", "parse rpc.read_timeout"},
		"unknown key":    {"[rpc]\nremote_prot = 1\n", "unknown keys"},
		"port range":     {"[rpc]\nremote_port = 70000\n", "remote_port"},
		"zero attempts":  {"[retry]\nattempts = 0\n", "retry.attempts"},
		"balancer":       {"[device]\nbalancer = \"fastest\"\n", "unknown strategy"},
		"log level":      {"[log]\nlevel = \"loud\"\n", "log.level"},
		"half server":    {"[hdc]\nserver_host = \"127.0.0.1\"\n", "set together"},
		"payload range":  {"[rpc]\nmax_payload = 0\n", "max_payload"},
		"burst":          {"[rate_limit]\nper_second = 5.0\nburst = 0\n", "burst"},
		"registry ttl":   {"[registry]\nendpoints = [\"a:2379\"]\nttl = \"10ms\"\n", "registry.ttl"},
		"not toml":       {"serial = ", "load config"},
		"find attempts":  {"[device]\nfind_attempts = 0\n", "find_attempts"},
		"negative delay": {"[device]\naction_delay = \"-1s\"\n", "action_delay"},
		"call timeout":   {"[rpc]\ncall_timeout = \"-5s\"\n", "rpc.call_timeout"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expect error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expect error for a missing file")
	}
}

func TestCallTimeoutBoundsChain(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, `
[rpc]
call_timeout = "50ms"

[retry]
attempts = 3
delay = "10ms"
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RPC.CallTimeout != 50*time.Millisecond {
		t.Fatalf("unexpected call timeout %s", cfg.RPC.CallTimeout)
	}
	mws := cfg.Middleware(nil)
	if len(mws) != 3 {
		t.Fatalf("expect logging, timeout and retry, got %d", len(mws))
	}

	calls := 0
	stuck := func(ctx context.Context, call *message.Call) (*message.Response, error) {
		calls++
		if _, ok := ctx.Deadline(); !ok {
			t.Error("handler ran without a deadline")
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	start := time.Now()
	_, err = middleware.Chain(mws...)(stuck)(context.Background(), message.NewHypiumCall("Driver.click", message.DefaultRoot, nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("call not bounded, took %s", elapsed)
	}
	if calls != 1 {
		t.Fatalf("a timed out call must not be retried, got %d attempts", calls)
	}
}
