// Package session owns one agent connection from provisioning to release.
//
//	Unstarted ──Start──► Provisioning ──► Connected ──Release──► Released
//	                          │                                     ▲
//	                          └──────────── failure ────────────────┘
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"hmdriver/agent"
	"hmdriver/bridge"
	"hmdriver/client"
	"hmdriver/message"
	"hmdriver/middleware"
	"hmdriver/transport"
)

const (
	DefaultRemotePort = 8012
	DefaultHost       = "127.0.0.1"

	// bootstrapAPI creates the root driver object.
	bootstrapAPI = "Driver.create"
)

var (
	ErrNotStarted = errors.New("session: not started")
	ErrReleased   = errors.New("session: released")
)

type State int

const (
	StateUnstarted State = iota
	StateProvisioning
	StateConnected
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateProvisioning:
		return "provisioning"
	case StateConnected:
		return "connected"
	case StateReleased:
		return "released"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Options configure a session.
type Options struct {
	RemotePort int
	Host       string
	Transport  transport.Config
	// Provisioner, when set, runs before the port is forwarded.
	Provisioner *agent.Provisioner
	// Bootstrap creates the root driver after connecting.
	Bootstrap  bool
	Middleware []middleware.Middleware
}

// DefaultOptions returns the options of a UI driving session.
func DefaultOptions() Options {
	return Options{
		RemotePort: DefaultRemotePort,
		Host:       DefaultHost,
		Transport:  transport.DefaultConfig(),
		Bootstrap:  true,
	}
}

// CaptureOptions derives options for a screen capture session: same device
// port, no provisioning, no bootstrap.
func CaptureOptions(base Options) Options {
	base.Provisioner = nil
	base.Bootstrap = false
	return base
}

// Session is safe for concurrent use; calls through Client are serialized by
// the transport.
type Session struct {
	bridge bridge.Bridge
	opts   Options

	mu        sync.Mutex
	state     State
	localPort int
	forwarded bool
	transport *transport.ClientTransport
	client    *client.Client
}

func New(b bridge.Bridge, opts Options) *Session {
	if opts.RemotePort == 0 {
		opts.RemotePort = DefaultRemotePort
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	opts.Transport = opts.Transport.WithDefaults()
	return &Session{bridge: b, opts: opts}
}

// Start provisions, forwards, connects and bootstraps. On any failure the
// resources acquired so far are released and the session ends Released.
func (s *Session) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	switch s.state {
	case StateReleased:
		s.mu.Unlock()
		return ErrReleased
	case StateUnstarted:
	default:
		s.mu.Unlock()
		return fmt.Errorf("session: start in state %s", s.state)
	}
	s.state = StateProvisioning
	s.mu.Unlock()

	logger := log.With().Str("serial", s.bridge.Serial()).Logger()
	defer func() {
		if err != nil {
			logger.Warn().Err(err).Msg("session: start failed")
			s.Release()
		}
	}()

	if p := s.opts.Provisioner; p != nil {
		if err := p.Provision(ctx); err != nil {
			return err
		}
	}

	localPort, err := s.bridge.ForwardPort(ctx, s.opts.RemotePort)
	if err != nil {
		return fmt.Errorf("session: forward port %d: %w", s.opts.RemotePort, err)
	}
	s.mu.Lock()
	s.localPort, s.forwarded = localPort, true
	s.mu.Unlock()

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(localPort))
	ct, err := transport.Dial(ctx, addr, s.opts.Transport)
	if err != nil {
		return err
	}
	c := client.New(ct, client.WithMiddleware(s.opts.Middleware...))

	s.mu.Lock()
	s.transport, s.client = ct, c
	s.mu.Unlock()

	if s.opts.Bootstrap {
		res, err := c.InvokeOn(ctx, message.NoHandle, bootstrapAPI)
		if err != nil {
			return fmt.Errorf("session: bootstrap: %w", err)
		}
		root, err := res.Handle()
		if err != nil {
			return fmt.Errorf("session: bootstrap: %w", err)
		}
		c.SetRoot(root)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReleased {
		// released concurrently
		return ErrReleased
	}
	s.state = StateConnected
	logger.Info().Int("local_port", localPort).Str("root", string(c.Root())).Msg("session: connected")
	return nil
}

// Release closes the socket and removes the port forward, each at most once.
// Errors are logged; calling Release again does nothing.
func (s *Session) Release() {
	s.mu.Lock()
	if s.state == StateReleased && s.transport == nil && !s.forwarded {
		s.mu.Unlock()
		return
	}
	s.state = StateReleased
	ct := s.transport
	s.transport = nil
	forwarded, localPort := s.forwarded, s.localPort
	s.forwarded = false
	s.mu.Unlock()

	if ct != nil {
		if err := ct.Close(); err != nil {
			log.Warn().Err(err).Str("serial", s.bridge.Serial()).Msg("session: close socket")
		}
	}
	if forwarded {
		// the caller's context may already be cancelled during teardown
		if err := s.bridge.RemoveForward(context.Background(), localPort, s.opts.RemotePort); err != nil {
			log.Warn().Err(err).Str("serial", s.bridge.Serial()).Int("local_port", localPort).Msg("session: remove forward")
		}
	}
	log.Debug().Str("serial", s.bridge.Serial()).Msg("session: released")
}

// Client returns the RPC client of a connected session.
func (s *Session) Client() (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnected:
		return s.client, nil
	case StateReleased:
		return nil, ErrReleased
	}
	return nil, ErrNotStarted
}

// Transport returns the connection of a connected session.
func (s *Session) Transport() (*transport.ClientTransport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnected:
		return s.transport, nil
	case StateReleased:
		return nil, ErrReleased
	}
	return nil, ErrNotStarted
}

// Root returns the bootstrapped root handle, or NoHandle.
func (s *Session) Root() message.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || !s.opts.Bootstrap {
		return message.NoHandle
	}
	return s.client.Root()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LocalPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPort
}

func (s *Session) Serial() string {
	return s.bridge.Serial()
}

// Bridge returns the device link the session was created with.
func (s *Session) Bridge() bridge.Bridge {
	return s.bridge
}
