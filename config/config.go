// Package config loads hmdriver settings from a TOML file on top of defaults.
//
//	serial = "FMR0223C13000649"
//
//	[hdc]
//	binary = "hdc"
//
//	[rpc]
//	read_timeout = "20s"
//
//	[device]
//	action_delay = "600ms"
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"hmdriver/agent"
	"hmdriver/bridge"
	"hmdriver/device"
	"hmdriver/loadbalance"
	"hmdriver/logging"
	"hmdriver/middleware"
	"hmdriver/protocol"
	"hmdriver/registry"
	"hmdriver/session"
	"hmdriver/transport"
)

type HDC struct {
	Binary     string
	ServerHost string
	ServerPort string
}

type Agent struct {
	// AssetDir holds so/<abi>/agent.so.
	AssetDir   string
	RemotePath string
	Provision  bool
}

type RPC struct {
	RemotePort     int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// CallTimeout bounds one call including its retries; 0 leaves it unbounded.
	CallTimeout    time.Duration
	MaxPayload     uint32
}

type Retry struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// RateLimit paces invoke calls; PerSecond 0 disables it.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

type Device struct {
	ActionDelay  time.Duration
	FindAttempts int
	FindDelay    time.Duration
	Balancer     string
	BalanceKey   string
	Weights      map[string]int
}

// Registry is used only when Endpoints is not empty.
type Registry struct {
	Endpoints   []string
	TTL         time.Duration
	DialTimeout time.Duration
	Owner       string
}

type Log struct {
	Level string
}

type Config struct {
	Serial    string
	HDC       HDC
	Agent     Agent
	RPC       RPC
	Retry     Retry
	RateLimit RateLimit
	Device    Device
	Registry  Registry
	Log       Log
}

func Default() Config {
	return Config{
		HDC: HDC{Binary: bridge.DefaultBinary},
		Agent: Agent{
			AssetDir:   "assets",
			RemotePath: agent.DefaultRemotePath,
			Provision:  true,
		},
		RPC: RPC{
			RemotePort:     session.DefaultRemotePort,
			ConnectTimeout: transport.DefaultConnectTimeout,
			ReadTimeout:    transport.DefaultReadTimeout,
			WriteTimeout:   transport.DefaultWriteTimeout,
			MaxPayload:     protocol.DefaultMaxPayload,
		},
		Retry: Retry{
			Attempts: 1,
			Delay:    500 * time.Millisecond,
			MaxDelay: 4 * time.Second,
		},
		RateLimit: RateLimit{Burst: 1},
		Device: Device{
			ActionDelay:  device.DefaultActionDelay,
			FindAttempts: 2,
			FindDelay:    time.Second,
			Balancer:     "first",
		},
		Registry: Registry{
			TTL:         device.DefaultClaimTTL,
			DialTimeout: 5 * time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// file mirrors the TOML layout. Durations are strings such as "500ms".
type file struct {
	Serial string `toml:"serial"`
	HDC    struct {
		Binary     string `toml:"binary"`
		ServerHost string `toml:"server_host"`
		ServerPort string `toml:"server_port"`
	} `toml:"hdc"`
	Agent struct {
		AssetDir   string `toml:"asset_dir"`
		RemotePath string `toml:"remote_path"`
		Provision  bool   `toml:"provision"`
	} `toml:"agent"`
	RPC struct {
		RemotePort     int    `toml:"remote_port"`
		ConnectTimeout string `toml:"connect_timeout"`
		ReadTimeout    string `toml:"read_timeout"`
		WriteTimeout   string `toml:"write_timeout"`
		CallTimeout    string `toml:"call_timeout"`
		MaxPayload     int64  `toml:"max_payload"`
	} `toml:"rpc"`
	Retry struct {
		Attempts int    `toml:"attempts"`
		Delay    string `toml:"delay"`
		MaxDelay string `toml:"max_delay"`
	} `toml:"retry"`
	RateLimit struct {
		PerSecond float64 `toml:"per_second"`
		Burst     int     `toml:"burst"`
	} `toml:"rate_limit"`
	Device struct {
		ActionDelay  string         `toml:"action_delay"`
		FindAttempts int            `toml:"find_attempts"`
		FindDelay    string         `toml:"find_delay"`
		Balancer     string         `toml:"balancer"`
		BalanceKey   string         `toml:"balance_key"`
		Weights      map[string]int `toml:"weights"`
	} `toml:"device"`
	Registry struct {
		Endpoints   []string `toml:"endpoints"`
		TTL         string   `toml:"ttl"`
		DialTimeout string   `toml:"dial_timeout"`
		Owner       string   `toml:"owner"`
	} `toml:"registry"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

// Load reads path over Default, applies environment overrides and validates
// the result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var raw file
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if err := cfg.overlay(raw, meta); err != nil {
			return Config{}, err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("load config: unknown keys %v", undecoded)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlay(raw file, meta toml.MetaData) error {
	str := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(dst *time.Duration, v string, key ...string) error {
		if !meta.IsDefined(key...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		}
		*dst = d
		return nil
	}

	str(&c.Serial, raw.Serial, "serial")
	str(&c.HDC.Binary, raw.HDC.Binary, "hdc", "binary")
	str(&c.HDC.ServerHost, raw.HDC.ServerHost, "hdc", "server_host")
	str(&c.HDC.ServerPort, raw.HDC.ServerPort, "hdc", "server_port")

	str(&c.Agent.AssetDir, raw.Agent.AssetDir, "agent", "asset_dir")
	str(&c.Agent.RemotePath, raw.Agent.RemotePath, "agent", "remote_path")
	if meta.IsDefined("agent", "provision") {
		c.Agent.Provision = raw.Agent.Provision
	}

	if meta.IsDefined("rpc", "remote_port") {
		c.RPC.RemotePort = raw.RPC.RemotePort
	}
	if meta.IsDefined("rpc", "max_payload") {
		if raw.RPC.MaxPayload <= 0 || raw.RPC.MaxPayload > int64(^uint32(0)) {
			return fmt.Errorf("parse rpc.max_payload: %d out of range", raw.RPC.MaxPayload)
		}
		c.RPC.MaxPayload = uint32(raw.RPC.MaxPayload)
	}
	for _, d := range []struct {
		dst *time.Duration
		v   string
		key []string
	}{
		{&c.RPC.ConnectTimeout, raw.RPC.ConnectTimeout, []string{"rpc", "connect_timeout"}},
		{&c.RPC.ReadTimeout, raw.RPC.ReadTimeout, []string{"rpc", "read_timeout"}},
		{&c.RPC.WriteTimeout, raw.RPC.WriteTimeout, []string{"rpc", "write_timeout"}},
		{&c.RPC.CallTimeout, raw.RPC.CallTimeout, []string{"rpc", "call_timeout"}},
		{&c.Retry.Delay, raw.Retry.Delay, []string{"retry", "delay"}},
		{&c.Retry.MaxDelay, raw.Retry.MaxDelay, []string{"retry", "max_delay"}},
		{&c.Device.ActionDelay, raw.Device.ActionDelay, []string{"device", "action_delay"}},
		{&c.Device.FindDelay, raw.Device.FindDelay, []string{"device", "find_delay"}},
		{&c.Registry.TTL, raw.Registry.TTL, []string{"registry", "ttl"}},
		{&c.Registry.DialTimeout, raw.Registry.DialTimeout, []string{"registry", "dial_timeout"}},
	} {
		if err := dur(d.dst, d.v, d.key...); err != nil {
			return err
		}
	}

	if meta.IsDefined("retry", "attempts") {
		c.Retry.Attempts = raw.Retry.Attempts
	}
	if meta.IsDefined("rate_limit", "per_second") {
		c.RateLimit.PerSecond = raw.RateLimit.PerSecond
	}
	if meta.IsDefined("rate_limit", "burst") {
		c.RateLimit.Burst = raw.RateLimit.Burst
	}

	if meta.IsDefined("device", "find_attempts") {
		c.Device.FindAttempts = raw.Device.FindAttempts
	}
	str(&c.Device.Balancer, raw.Device.Balancer, "device", "balancer")
	str(&c.Device.BalanceKey, raw.Device.BalanceKey, "device", "balance_key")
	if meta.IsDefined("device", "weights") {
		c.Device.Weights = raw.Device.Weights
	}

	if meta.IsDefined("registry", "endpoints") {
		c.Registry.Endpoints = normalizeList(raw.Registry.Endpoints)
	}
	str(&c.Registry.Owner, raw.Registry.Owner, "registry", "owner")
	str(&c.Log.Level, raw.Log.Level, "log", "level")
	return nil
}

// ApplyEnv lets HDC_SERVER_HOST and HDC_SERVER_PORT override the file.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(bridge.EnvServerHost)); v != "" {
		c.HDC.ServerHost = v
	}
	if v := strings.TrimSpace(os.Getenv(bridge.EnvServerPort)); v != "" {
		c.HDC.ServerPort = v
	}
}

func (c Config) Validate() error {
	switch {
	case c.HDC.Binary == "":
		return fmt.Errorf("config: hdc.binary is empty")
	case (c.HDC.ServerHost == "") != (c.HDC.ServerPort == ""):
		return fmt.Errorf("config: hdc.server_host and hdc.server_port must be set together")
	case c.RPC.RemotePort <= 0 || c.RPC.RemotePort > 65535:
		return fmt.Errorf("config: rpc.remote_port %d out of range", c.RPC.RemotePort)
	case c.RPC.ConnectTimeout <= 0 || c.RPC.ReadTimeout <= 0 || c.RPC.WriteTimeout <= 0:
		return fmt.Errorf("config: rpc timeouts must be positive")
	case c.RPC.CallTimeout < 0:
		return fmt.Errorf("config: rpc.call_timeout is negative")
	case c.Retry.Attempts < 1:
		return fmt.Errorf("config: retry.attempts must be at least 1")
	case c.Retry.Delay <= 0:
		return fmt.Errorf("config: retry.delay must be positive")
	case c.RateLimit.PerSecond < 0:
		return fmt.Errorf("config: rate_limit.per_second is negative")
	case c.RateLimit.PerSecond > 0 && c.RateLimit.Burst < 1:
		return fmt.Errorf("config: rate_limit.burst must be at least 1")
	case c.Device.ActionDelay < 0:
		return fmt.Errorf("config: device.action_delay is negative")
	case c.Device.FindAttempts < 1:
		return fmt.Errorf("config: device.find_attempts must be at least 1")
	case len(c.Registry.Endpoints) > 0 && c.Registry.TTL < time.Second:
		return fmt.Errorf("config: registry.ttl must be at least 1s")
	}
	if _, err := loadbalance.New(c.Device.Balancer, c.Device.BalanceKey); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("config: unknown log.level %q", c.Log.Level)
	}
	return nil
}

func (c Config) HDCOptions() bridge.Options {
	return bridge.Options{
		Binary:     c.HDC.Binary,
		ServerHost: c.HDC.ServerHost,
		ServerPort: c.HDC.ServerPort,
	}
}

func (c Config) TransportConfig() transport.Config {
	return transport.Config{
		ConnectTimeout: c.RPC.ConnectTimeout,
		ReadTimeout:    c.RPC.ReadTimeout,
		WriteTimeout:   c.RPC.WriteTimeout,
		Limits:         protocol.Limits{MaxPayload: c.RPC.MaxPayload},
	}
}

func (c Config) RetryPolicy() middleware.RetryPolicy {
	return middleware.RetryPolicy{
		Attempts: c.Retry.Attempts,
		Delay:    c.Retry.Delay,
		MaxDelay: c.Retry.MaxDelay,
	}
}

// Middleware returns the client chain the settings ask for, outermost first.
// Metrics, when not nil, wraps everything so retries count once.
func (c Config) Middleware(metrics *middleware.Metrics) []middleware.Middleware {
	var mws []middleware.Middleware
	if metrics != nil {
		mws = append(mws, metrics.Middleware())
	}
	mws = append(mws, middleware.LoggingMiddleware())
	if c.RPC.CallTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(c.RPC.CallTimeout))
	}
	if c.Retry.Attempts > 1 {
		mws = append(mws, middleware.RetryMiddleware(c.RetryPolicy()))
	}
	if c.RateLimit.PerSecond > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(c.RateLimit.PerSecond, c.RateLimit.Burst))
	}
	return mws
}

// SessionOptions builds the connection settings for a device. Provisioning
// is attached when agent.provision is set.
func (c Config) SessionOptions(b bridge.Bridge, mws []middleware.Middleware) session.Options {
	opts := session.DefaultOptions()
	opts.RemotePort = c.RPC.RemotePort
	opts.Transport = c.TransportConfig()
	opts.Middleware = mws
	if c.Agent.Provision {
		opts.Provisioner = &agent.Provisioner{
			Bridge:     b,
			AssetDir:   c.Agent.AssetDir,
			RemotePath: c.Agent.RemotePath,
		}
	}
	return opts
}

func (c Config) DriverOptions() device.Options {
	return device.Options{
		ActionDelay:  c.Device.ActionDelay,
		FindAttempts: c.Device.FindAttempts,
		FindDelay:    c.Device.FindDelay,
	}
}

// PoolOptions wires the device pool. reg may be nil when no registry is used.
func (c Config) PoolOptions(mws []middleware.Middleware, reg registry.Registry) (device.PoolOptions, error) {
	bal, err := loadbalance.New(c.Device.Balancer, c.Device.BalanceKey)
	if err != nil {
		return device.PoolOptions{}, err
	}
	return device.PoolOptions{
		Session:  func(b bridge.Bridge) session.Options { return c.SessionOptions(b, mws) },
		Driver:   c.DriverOptions(),
		Balancer: bal,
		Registry: reg,
		Owner:    c.Registry.Owner,
		ClaimTTL: c.Registry.TTL,
		Weights:  c.Device.Weights,
	}, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
