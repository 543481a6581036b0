package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/juju/retry"
	"github.com/rs/zerolog/log"

	"hmdriver/message"
)

// ErrNotFound is returned when no component matches a selector.
var ErrNotFound = errors.New("device: component not found")

// seedHandle is the empty matcher every selector starts from.
const seedHandle message.Handle = "On#seed"

// Attribute names a matcher the agent understands, sent as On.<attribute>.
type Attribute string

const (
	ByID            Attribute = "id"
	ByKey           Attribute = "key"
	ByText          Attribute = "text"
	ByType          Attribute = "type"
	ByDescription   Attribute = "description"
	ByClickable     Attribute = "clickable"
	ByLongClickable Attribute = "longClickable"
	ByScrollable    Attribute = "scrollable"
	ByEnabled       Attribute = "enabled"
	ByFocused       Attribute = "focused"
	BySelected      Attribute = "selected"
	ByChecked       Attribute = "checked"
	ByCheckable     Attribute = "checkable"
)

type condition struct {
	attr  Attribute
	value any
}

// Selector describes a component by attributes. Conditions are applied in
// the order they were added.
type Selector struct {
	conds []condition
}

// By starts a selector.
func By(attr Attribute, value any) Selector {
	return Selector{}.And(attr, value)
}

func (s Selector) And(attr Attribute, value any) Selector {
	conds := make([]condition, len(s.conds), len(s.conds)+1)
	copy(conds, s.conds)
	s.conds = append(conds, condition{attr: attr, value: value})
	return s
}

func (s Selector) String() string {
	parts := make([]string, 0, len(s.conds))
	for _, c := range s.conds {
		parts = append(parts, fmt.Sprintf("%s=%v", c.attr, c.value))
	}
	return strings.Join(parts, ",")
}

// build turns the selector into an agent-side matcher by chaining On.* calls
// starting from the seed.
func (d *Driver) build(ctx context.Context, s Selector) (message.Handle, error) {
	if len(s.conds) == 0 {
		return message.NoHandle, fmt.Errorf("device: empty selector")
	}
	this := seedHandle
	for _, c := range s.conds {
		res, err := d.client.InvokeOn(ctx, this, "On."+string(c.attr), c.value)
		if err != nil {
			return message.NoHandle, err
		}
		if this, err = res.Handle(); err != nil {
			return message.NoHandle, err
		}
	}
	return this, nil
}

// FindComponent returns the first component matching s, retrying up to
// FindAttempts times while nothing matches.
func (d *Driver) FindComponent(ctx context.Context, s Selector) (*Component, error) {
	var found *Component
	err := d.retryFind(ctx, s, func() error {
		by, err := d.build(ctx, s)
		if err != nil {
			return err
		}
		res, err := d.invoke(ctx, "Driver.findComponent", by)
		if err != nil {
			return err
		}
		if res.IsNull() {
			return fmt.Errorf("%w: %s", ErrNotFound, s)
		}
		h, err := res.Handle()
		if err != nil {
			return err
		}
		found = &Component{d: d, handle: h, selector: s}
		return nil
	})
	return found, err
}

// FindComponents returns every component matching s. An empty result is not
// an error.
func (d *Driver) FindComponents(ctx context.Context, s Selector) ([]*Component, error) {
	by, err := d.build(ctx, s)
	if err != nil {
		return nil, err
	}
	res, err := d.invoke(ctx, "Driver.findComponents", by)
	if err != nil {
		return nil, err
	}
	if res.IsNull() {
		return nil, nil
	}
	var handles []message.Handle
	if err := res.Decode(&handles); err != nil {
		return nil, fmt.Errorf("device: find components: %w", err)
	}
	out := make([]*Component, 0, len(handles))
	for _, h := range handles {
		out = append(out, &Component{d: d, handle: h, selector: s})
	}
	return out, nil
}

// Exists reports whether some component matches s.
func (d *Driver) Exists(ctx context.Context, s Selector) (bool, error) {
	_, err := d.FindComponent(ctx, s)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (d *Driver) retryFind(ctx context.Context, s Selector, fn func() error) error {
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return !errors.Is(err, ErrNotFound)
		},
		NotifyFunc: func(err error, attempt int) {
			log.Debug().Str("serial", d.Serial()).Str("selector", s.String()).Int("attempt", attempt).Msg("device: component not found yet")
		},
		Attempts: d.opts.FindAttempts,
		Delay:    d.opts.FindDelay,
		Clock:    d.opts.Clock,
		Stop:     ctx.Done(),
	})
	return retry.LastError(err)
}

// Bounds is a component rectangle in pixels.
type Bounds struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Component is a handle on a UI element found by the agent. The handle stays
// valid until the screen changes.
type Component struct {
	d        *Driver
	handle   message.Handle
	selector Selector
}

func (c *Component) Handle() message.Handle {
	return c.handle
}

func (c *Component) call(ctx context.Context, api string, args ...any) (message.Result, error) {
	return c.d.client.InvokeOn(ctx, c.handle, api, args...)
}

func (c *Component) str(ctx context.Context, api string) (string, error) {
	res, err := c.call(ctx, api)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

func (c *Component) flag(ctx context.Context, api string) (bool, error) {
	res, err := c.call(ctx, api)
	if err != nil {
		return false, err
	}
	return res.Bool()
}

func (c *Component) action(ctx context.Context, api string, args ...any) error {
	if _, err := c.call(ctx, api, args...); err != nil {
		return err
	}
	return c.d.settle(ctx)
}

func (c *Component) ID(ctx context.Context) (string, error) {
	return c.str(ctx, "Component.getId")
}

func (c *Component) Type(ctx context.Context) (string, error) {
	return c.str(ctx, "Component.getType")
}

func (c *Component) Text(ctx context.Context) (string, error) {
	return c.str(ctx, "Component.getText")
}

func (c *Component) Description(ctx context.Context) (string, error) {
	return c.str(ctx, "Component.getDescription")
}

func (c *Component) IsSelected(ctx context.Context) (bool, error) {
	return c.flag(ctx, "Component.isSelected")
}

func (c *Component) IsChecked(ctx context.Context) (bool, error) {
	return c.flag(ctx, "Component.isChecked")
}

func (c *Component) IsEnabled(ctx context.Context) (bool, error) {
	return c.flag(ctx, "Component.isEnabled")
}

func (c *Component) IsFocused(ctx context.Context) (bool, error) {
	return c.flag(ctx, "Component.isFocused")
}

func (c *Component) IsCheckable(ctx context.Context) (bool, error) {
	return c.flag(ctx, "Component.isCheckable")
}

func (c *Component) IsClickable(ctx context.Context) (bool, error) {
	return c.flag(ctx, "Component.isClickable")
}

func (c *Component) IsLongClickable(ctx context.Context) (bool, error) {
	return c.flag(ctx, "Component.isLongClickable")
}

func (c *Component) IsScrollable(ctx context.Context) (bool, error) {
	return c.flag(ctx, "Component.isScrollable")
}

func (c *Component) Bounds(ctx context.Context) (Bounds, error) {
	var b Bounds
	res, err := c.call(ctx, "Component.getBounds")
	if err != nil {
		return b, err
	}
	err = res.Decode(&b)
	return b, err
}

func (c *Component) Center(ctx context.Context) (Point, error) {
	var p Point
	res, err := c.call(ctx, "Component.getBoundsCenter")
	if err != nil {
		return p, err
	}
	err = res.Decode(&p)
	return p, err
}

func (c *Component) Click(ctx context.Context) error {
	return c.action(ctx, "Component.click")
}

func (c *Component) DoubleClick(ctx context.Context) error {
	return c.action(ctx, "Component.doubleClick")
}

func (c *Component) LongClick(ctx context.Context) error {
	return c.action(ctx, "Component.longClick")
}

func (c *Component) DragTo(ctx context.Context, target *Component) error {
	return c.action(ctx, "Component.dragTo", target.handle)
}

func (c *Component) InputText(ctx context.Context, text string) error {
	return c.action(ctx, "Component.inputText", text)
}

func (c *Component) ClearText(ctx context.Context) error {
	return c.action(ctx, "Component.clearText")
}

// PinchIn zooms out on the component; scale is below 1.
func (c *Component) PinchIn(ctx context.Context, scale float64) error {
	return c.action(ctx, "Component.pinchIn", scale)
}

// PinchOut zooms in on the component; scale is above 1.
func (c *Component) PinchOut(ctx context.Context, scale float64) error {
	return c.action(ctx, "Component.pinchOut", scale)
}
