// Package recorder captures the device screen as a stream of JPEG images.
//
// Recording uses its own agent connection. After startCaptureScreen the agent
// pushes frames on that connection without further requests:
//
//	producer: ReadFrame ──► reassemble JPEG (FFD8..FFD9) ──► frames chan
//	consumer: frames chan ──► Sink.WriteFrame
package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"hmdriver/bridge"
	"hmdriver/protocol"
	"hmdriver/session"
	"hmdriver/transport"
)

const (
	DefaultBuffer      = 64
	DefaultStopTimeout = 3 * time.Second
)

var (
	// ErrStartFailed is returned when the agent does not confirm the capture.
	ErrStartFailed = errors.New("recorder: start capture failed")
	ErrNotRunning  = errors.New("recorder: not running")
)

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

type Options struct {
	// Session is the base connection config; provisioning and bootstrap are
	// always disabled for the capture connection.
	Session     session.Options
	Buffer      int
	StopTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Session:     session.DefaultOptions(),
		Buffer:      DefaultBuffer,
		StopTimeout: DefaultStopTimeout,
	}
}

// Recorder runs one capture. It cannot be restarted after Stop.
type Recorder struct {
	bridge bridge.Bridge
	sink   Sink
	opts   Options

	mu      sync.Mutex
	session *session.Session
	ct      *transport.ClientTransport
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
	done    bool

	frames atomic.Int64
}

func New(b bridge.Bridge, sink Sink, opts Options) *Recorder {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &Recorder{bridge: b, sink: sink, opts: opts}
}

// Start connects, asks the agent to stream the screen and begins writing
// frames to the sink. ctx only bounds the start itself.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.done {
		return fmt.Errorf("recorder: already started")
	}

	s := session.New(r.bridge, session.CaptureOptions(r.opts.Session))
	if err := s.Start(ctx); err != nil {
		return err
	}
	c, err := s.Client()
	if err != nil {
		s.Release()
		return err
	}
	ct, err := s.Transport()
	if err != nil {
		s.Release()
		return err
	}

	res, err := c.InvokeCaptures(ctx, "startCaptureScreen")
	if err != nil {
		s.Release()
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	if !bytes.Contains(res, []byte("true")) {
		s.Release()
		return fmt.Errorf("%w: agent replied %s", ErrStartFailed, res)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	frames := make(chan []byte, r.opts.Buffer)
	g.Go(func() error { return r.produce(gctx, ct, frames) })
	g.Go(func() error { return r.consume(frames) })

	r.session, r.ct, r.cancel, r.group = s, ct, cancel, g
	r.running = true
	log.Info().Str("serial", r.bridge.Serial()).Str("location", r.sink.Location()).Msg("recorder: started")
	return nil
}

// produce reads raw frames and cuts complete JPEG images out of them. It
// closes out when it returns.
func (r *Recorder) produce(ctx context.Context, ct *transport.ClientTransport, out chan<- []byte) error {
	defer close(out)
	var buf []byte
	for {
		frame, err := ct.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, protocol.ErrTimeout) {
				// the screen did not change
				continue
			}
			return fmt.Errorf("recorder: read frame: %w", err)
		}
		var images [][]byte
		buf = append(buf, frame.Payload...)
		images, buf = extractJPEGs(buf)
		for _, img := range images {
			select {
			case out <- img:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (r *Recorder) consume(in <-chan []byte) error {
	for img := range in {
		seq := int(r.frames.Add(1))
		if err := r.sink.WriteFrame(seq, img); err != nil {
			return fmt.Errorf("recorder: write frame %d: %w", seq, err)
		}
	}
	return nil
}

// extractJPEGs returns every complete image in buf and the bytes to keep for
// the next read. Bytes before a start marker are dropped.
func extractJPEGs(buf []byte) (images [][]byte, rest []byte) {
	for {
		start := bytes.Index(buf, jpegStart)
		if start < 0 {
			if n := len(buf); n > 0 && buf[n-1] == 0xFF {
				return images, buf[n-1:]
			}
			return images, buf[:0]
		}
		end := bytes.Index(buf[start+len(jpegStart):], jpegEnd)
		if end < 0 {
			return images, buf[start:]
		}
		end += start + len(jpegStart) + len(jpegEnd)
		images = append(images, bytes.Clone(buf[start:end]))
		buf = buf[end:]
	}
}

// Frames returns how many images were handed to the sink.
func (r *Recorder) Frames() int {
	return int(r.frames.Load())
}

// Stop ends the capture and returns the sink location. Stopping the agent
// side is best effort; the connection is released either way.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return r.sink.Location(), ErrNotRunning
	}
	r.running, r.done = false, true

	r.cancel()
	r.ct.Interrupt()
	runErr := r.group.Wait()

	if c, err := r.session.Client(); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.StopTimeout)
		if _, err := c.InvokeCaptures(ctx, "stopCaptureScreen"); err != nil {
			log.Debug().Err(err).Str("serial", r.bridge.Serial()).Msg("recorder: stop capture")
		}
		cancel()
	}
	r.session.Release()

	sinkErr := r.sink.Close()
	log.Info().Str("serial", r.bridge.Serial()).Int("frames", r.Frames()).Msg("recorder: stopped")
	return r.sink.Location(), errors.Join(runErr, sinkErr)
}
