// Package device drives the UI of one device through a connected agent
// session, falling back to the device shell for keys, apps and screenshots.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog/log"

	"hmdriver/bridge"
	"hmdriver/client"
	"hmdriver/message"
	"hmdriver/session"
)

const (
	DefaultActionDelay = 600 * time.Millisecond

	MinSwipeSpeed     = 200
	MaxSwipeSpeed     = 40000
	DefaultSwipeSpeed = 2000
	unlockSwipeSpeed  = 6000
)

var ErrInvalidPoint = errors.New("device: invalid coordinates")

// Point is an absolute screen position.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Rotation is the display orientation as reported by the agent.
type Rotation int

const (
	RotationNatural Rotation = iota
	Rotation90
	Rotation180
	Rotation270
)

// CacheKey names a value the driver keeps until invalidated.
type CacheKey string

const (
	CacheDisplaySize     CacheKey = "display_size"
	CacheDisplayRotation CacheKey = "display_rotation"
)

type Options struct {
	// ActionDelay is waited after each UI action so the screen settles.
	ActionDelay time.Duration
	// FindAttempts and FindDelay bound how long a component lookup retries.
	FindAttempts int
	FindDelay    time.Duration
	Clock        clock.Clock
}

func DefaultOptions() Options {
	return Options{
		ActionDelay:  DefaultActionDelay,
		FindAttempts: 2,
		FindDelay:    time.Second,
	}
}

// Driver issues UI calls on a connected session. Calls are not meant to be
// issued concurrently.
type Driver struct {
	session *session.Session
	client  *client.Client
	ops     bridge.Ops
	opts    Options

	mu    sync.Mutex
	cache map[CacheKey]any
}

// New wraps a started session.
func New(s *session.Session, opts Options) (*Driver, error) {
	c, err := s.Client()
	if err != nil {
		return nil, err
	}
	if opts.FindAttempts < 1 {
		opts.FindAttempts = 1
	}
	if opts.FindDelay <= 0 {
		opts.FindDelay = DefaultOptions().FindDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Driver{
		session: s,
		client:  c,
		ops:     bridge.On(s.Bridge()),
		opts:    opts,
		cache:   make(map[CacheKey]any),
	}, nil
}

func (d *Driver) Serial() string {
	return d.session.Serial()
}

func (d *Driver) Session() *session.Session {
	return d.session
}

// Client exposes the RPC client for APIs the driver does not wrap.
func (d *Driver) Client() *client.Client {
	return d.client
}

// Bridge exposes the shell helpers of the device.
func (d *Driver) Bridge() bridge.Ops {
	return d.ops
}

// Invalidate drops cached values; with no keys, all of them.
func (d *Driver) Invalidate(keys ...CacheKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(keys) == 0 {
		clear(d.cache)
		return
	}
	for _, k := range keys {
		delete(d.cache, k)
	}
}

func (d *Driver) cached(key CacheKey) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.cache[key]
	return v, ok
}

func (d *Driver) store(key CacheKey, v any) {
	d.mu.Lock()
	d.cache[key] = v
	d.mu.Unlock()
}

// settle waits ActionDelay after a UI action.
func (d *Driver) settle(ctx context.Context) error {
	if d.opts.ActionDelay <= 0 {
		return nil
	}
	select {
	case <-d.opts.Clock.After(d.opts.ActionDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) invoke(ctx context.Context, api string, args ...any) (message.Result, error) {
	return d.client.Invoke(ctx, api, args...)
}

// action invokes api and waits for the screen to settle.
func (d *Driver) action(ctx context.Context, api string, args ...any) error {
	if _, err := d.invoke(ctx, api, args...); err != nil {
		return err
	}
	return d.settle(ctx)
}

// DisplaySize returns the display width and height in pixels. The value is
// cached until Invalidate or SetDisplayRotation.
func (d *Driver) DisplaySize(ctx context.Context) (Point, error) {
	if v, ok := d.cached(CacheDisplaySize); ok {
		return v.(Point), nil
	}
	res, err := d.invoke(ctx, "Driver.getDisplaySize")
	if err != nil {
		return Point{}, err
	}
	var size Point
	if err := res.Decode(&size); err != nil {
		return Point{}, fmt.Errorf("device: display size: %w", err)
	}
	d.store(CacheDisplaySize, size)
	return size, nil
}

// DisplayRotation returns the cached display orientation.
func (d *Driver) DisplayRotation(ctx context.Context) (Rotation, error) {
	if v, ok := d.cached(CacheDisplayRotation); ok {
		return v.(Rotation), nil
	}
	res, err := d.invoke(ctx, "Driver.getDisplayRotation")
	if err != nil {
		return 0, err
	}
	var r Rotation
	if err := res.Decode(&r); err != nil {
		return 0, fmt.Errorf("device: display rotation: %w", err)
	}
	d.store(CacheDisplayRotation, r)
	return r, nil
}

// SetDisplayRotation rotates the display. Size and rotation are re-read on
// next use.
func (d *Driver) SetDisplayRotation(ctx context.Context, r Rotation) error {
	defer d.Invalidate(CacheDisplaySize, CacheDisplayRotation)
	_, err := d.invoke(ctx, "Driver.setDisplayRotation", int(r))
	return err
}

// ToAbs converts a position to pixels. Values below 1 are fractions of the
// display size; negative values are rejected.
func (d *Driver) ToAbs(ctx context.Context, x, y float64) (Point, error) {
	if x < 0 || y < 0 {
		return Point{}, fmt.Errorf("%w: (%v, %v)", ErrInvalidPoint, x, y)
	}
	if x < 1 || y < 1 {
		size, err := d.DisplaySize(ctx)
		if err != nil {
			return Point{}, err
		}
		if x < 1 {
			x = float64(size.X) * x
		}
		if y < 1 {
			y = float64(size.Y) * y
		}
	}
	return Point{X: int(x), Y: int(y)}, nil
}

func (d *Driver) Click(ctx context.Context, x, y float64) error {
	return d.pointAction(ctx, "Driver.click", x, y)
}

func (d *Driver) DoubleClick(ctx context.Context, x, y float64) error {
	return d.pointAction(ctx, "Driver.doubleClick", x, y)
}

func (d *Driver) LongClick(ctx context.Context, x, y float64) error {
	return d.pointAction(ctx, "Driver.longClick", x, y)
}

func (d *Driver) pointAction(ctx context.Context, api string, x, y float64) error {
	p, err := d.ToAbs(ctx, x, y)
	if err != nil {
		return err
	}
	return d.action(ctx, api, p.X, p.Y)
}

// Swipe moves from (x1, y1) to (x2, y2) at speed pixels per second. Speeds
// outside [MinSwipeSpeed, MaxSwipeSpeed] fall back to DefaultSwipeSpeed.
func (d *Driver) Swipe(ctx context.Context, x1, y1, x2, y2 float64, speed int) error {
	from, err := d.ToAbs(ctx, x1, y1)
	if err != nil {
		return err
	}
	to, err := d.ToAbs(ctx, x2, y2)
	if err != nil {
		return err
	}
	if speed < MinSwipeSpeed || speed > MaxSwipeSpeed {
		speed = DefaultSwipeSpeed
	}
	return d.action(ctx, "Driver.swipe", from.X, from.Y, to.X, to.Y, speed)
}

// InputText types into the focused field.
func (d *Driver) InputText(ctx context.Context, text string) error {
	return d.action(ctx, "Driver.inputText", Point{X: 1, Y: 1}, text)
}

// PressKey sends a single key event through the device shell.
func (d *Driver) PressKey(ctx context.Context, code bridge.KeyCode) error {
	if err := d.ops.SendKey(ctx, code); err != nil {
		return err
	}
	return d.settle(ctx)
}

// PressKeys presses two keys together.
func (d *Driver) PressKeys(ctx context.Context, first, second bridge.KeyCode) error {
	return d.action(ctx, "Driver.triggerCombineKeys", int(first), int(second))
}

func (d *Driver) GoBack(ctx context.Context) error {
	return d.PressKey(ctx, bridge.KeyBack)
}

func (d *Driver) GoHome(ctx context.Context) error {
	return d.PressKey(ctx, bridge.KeyHome)
}

// GoRecent opens the recent tasks view.
func (d *Driver) GoRecent(ctx context.Context) error {
	return d.PressKeys(ctx, bridge.KeyMetaLeft, bridge.KeyTab)
}

func (d *Driver) ScreenOn(ctx context.Context) error {
	return d.ops.WakeUp(ctx)
}

func (d *Driver) ScreenOff(ctx context.Context) error {
	if err := d.ops.WakeUp(ctx); err != nil {
		return err
	}
	return d.PressKey(ctx, bridge.KeyPower)
}

// Unlock wakes the screen and swipes up from the lower part of the display.
func (d *Driver) Unlock(ctx context.Context) error {
	if err := d.ScreenOn(ctx); err != nil {
		return err
	}
	size, err := d.DisplaySize(ctx)
	if err != nil {
		return err
	}
	w, h := float64(size.X), float64(size.Y)
	return d.Swipe(ctx, 0.5*w, 0.8*h, 0.5*w, 0.2*h, unlockSwipeSpeed)
}

// DumpHierarchy returns the UI layout as JSON text.
func (d *Driver) DumpHierarchy(ctx context.Context) (string, error) {
	res, err := d.client.InvokeCaptures(ctx, "captureLayout")
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// ToastWatcher returns a watcher for the next toast.
func (d *Driver) ToastWatcher() *ToastWatcher {
	return &ToastWatcher{d: d}
}

// ToastWatcher reads toast messages. Start must be called before the action
// that shows the toast.
type ToastWatcher struct {
	d *Driver
}

func (w *ToastWatcher) Start(ctx context.Context) (bool, error) {
	res, err := w.d.invoke(ctx, "Driver.uiEventObserverOnce", "toastShow")
	if err != nil {
		return false, err
	}
	return res.Bool()
}

// Get returns the text of the most recent toast, waiting up to timeout on
// the device. It returns "" when no toast appeared.
func (w *ToastWatcher) Get(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := w.d.invoke(ctx, "Driver.getRecentUiEvent", int(timeout/time.Second))
	if err != nil {
		return "", err
	}
	if res.IsNull() {
		return "", nil
	}
	var event struct {
		Text string `json:"text"`
	}
	if err := res.Decode(&event); err != nil {
		return "", fmt.Errorf("device: toast event: %w", err)
	}
	return event.Text, nil
}

func (d *Driver) Shell(ctx context.Context, cmd string) (bridge.CommandResult, error) {
	return d.ops.Shell(ctx, cmd)
}

// Screenshot saves the display to localPath and returns it.
func (d *Driver) Screenshot(ctx context.Context, localPath string) (string, error) {
	if err := d.ops.Screenshot(ctx, localPath); err != nil {
		return "", err
	}
	return localPath, nil
}

func (d *Driver) StartApp(ctx context.Context, bundle, ability string) error {
	if err := d.ops.StartApp(ctx, bundle, ability); err != nil {
		return err
	}
	return d.settle(ctx)
}

func (d *Driver) StopApp(ctx context.Context, bundle string) error {
	return d.ops.StopApp(ctx, bundle)
}

// ForceStartApp goes home, stops the app and starts it again.
func (d *Driver) ForceStartApp(ctx context.Context, bundle, ability string) error {
	if err := d.GoHome(ctx); err != nil {
		return err
	}
	if err := d.StopApp(ctx, bundle); err != nil {
		return err
	}
	return d.StartApp(ctx, bundle, ability)
}

func (d *Driver) ClearApp(ctx context.Context, bundle string) error {
	return d.ops.ClearApp(ctx, bundle)
}

func (d *Driver) CurrentApp(ctx context.Context) (bundle, ability string, err error) {
	return d.ops.CurrentApp(ctx)
}

// Installer is implemented by bridges that can install packages.
type Installer interface {
	Install(ctx context.Context, hapPath string) error
	Uninstall(ctx context.Context, bundle string) error
}

var errNoInstaller = errors.New("device: bridge cannot install packages")

func (d *Driver) InstallApp(ctx context.Context, hapPath string) error {
	in, ok := d.session.Bridge().(Installer)
	if !ok {
		return errNoInstaller
	}
	log.Info().Str("serial", d.Serial()).Str("hap", hapPath).Msg("device: install")
	return in.Install(ctx, hapPath)
}

func (d *Driver) UninstallApp(ctx context.Context, bundle string) error {
	in, ok := d.session.Bridge().(Installer)
	if !ok {
		return errNoInstaller
	}
	return in.Uninstall(ctx, bundle)
}

// OpenURL opens url, in the system browser unless systemBrowser is false.
func (d *Driver) OpenURL(ctx context.Context, url string, systemBrowser bool) error {
	args := []string{"aa", "start", "-U", url}
	if systemBrowser {
		args = []string{"aa", "start", "-A", "ohos.want.action.viewData", "-e", "entity.system.browsable", "-U", url}
	}
	if _, err := d.ops.ShellArgs(ctx, args...); err != nil {
		return err
	}
	return d.settle(ctx)
}

func (d *Driver) PushFile(ctx context.Context, localPath, remotePath string) error {
	return d.ops.SendFile(ctx, localPath, remotePath)
}

func (d *Driver) PullFile(ctx context.Context, remotePath, localPath string) error {
	return d.ops.RecvFile(ctx, remotePath, localPath)
}

// Info returns device properties.
func (d *Driver) Info(ctx context.Context) (bridge.Info, error) {
	return d.ops.Info(ctx)
}

// Close releases the underlying session.
func (d *Driver) Close() {
	d.session.Release()
}
