package device

import (
	"context"
	"errors"
	"testing"

	"hmdriver/message"
	"hmdriver/testutil/testlog"
)

func TestFindComponent(t *testing.T) {
	testlog.Start(t)
	f := startAgent(t)
	d, _ := newDriver(t, f)
	ctx := context.Background()

	c, err := d.FindComponent(ctx, By(ByType, "Button").And(ByText, "OK"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Handle() != "Component#1" {
		t.Fatalf("unexpected handle %q", c.Handle())
	}
	on := f.recorded("On.")
	if len(on) != 2 || on[0] != "On.type [Button]" || on[1] != "On.text [OK]" {
		t.Fatalf("unexpected matcher calls %v", on)
	}

	if text, err := c.Text(ctx); err != nil || text != "OK" {
		t.Fatalf("unexpected text %q, %v", text, err)
	}
	if ok, err := c.IsEnabled(ctx); err != nil || !ok {
		t.Fatalf("unexpected enabled %v, %v", ok, err)
	}
	b, err := c.Bounds(ctx)
	if err != nil || b != (Bounds{Left: 10, Top: 20, Right: 110, Bottom: 70}) {
		t.Fatalf("unexpected bounds %+v, %v", b, err)
	}
	p, err := c.Center(ctx)
	if err != nil || p != (Point{X: 60, Y: 45}) {
		t.Fatalf("unexpected center %+v, %v", p, err)
	}
}

func TestFindComponentRetriesThenNotFound(t *testing.T) {
	testlog.Start(t)
	f := startAgent(t)
	d, _ := newDriver(t, f)

	_, err := d.FindComponent(context.Background(), By(ByText, "Cancel"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expect ErrNotFound, got %v", err)
	}
	if n := len(f.recorded("Driver.findComponent ")); n != 3 {
		t.Fatalf("expect 3 attempts, got %d", n)
	}

	ok, err := d.Exists(context.Background(), By(ByText, "Cancel"))
	if err != nil || ok {
		t.Fatalf("expect not exists, got %v, %v", ok, err)
	}
	ok, err = d.Exists(context.Background(), By(ByText, "OK"))
	if err != nil || !ok {
		t.Fatalf("expect exists, got %v, %v", ok, err)
	}
}

func TestFindComponentRemoteErrorNotRetried(t *testing.T) {
	testlog.Start(t)
	f := startAgent(t)
	d, _ := newDriver(t, f)

	// no handler for On.description
	_, err := d.FindComponent(context.Background(), By(ByDescription, "x"))
	if !errors.Is(err, message.ErrRemote) {
		t.Fatalf("expect remote error, got %v", err)
	}
	if n := len(f.recorded("On.description")); n != 1 {
		t.Fatalf("expect no retry on remote error, got %d calls", n)
	}
}

func TestFindComponents(t *testing.T) {
	testlog.Start(t)
	f := startAgent(t)
	d, _ := newDriver(t, f)
	ctx := context.Background()

	buttons, err := d.FindComponents(ctx, By(ByType, "Button"))
	if err != nil {
		t.Fatal(err)
	}
	if len(buttons) != 2 || buttons[1].Handle() != "Component#2" {
		t.Fatalf("unexpected components %v", buttons)
	}
	texts, err := d.FindComponents(ctx, By(ByType, "Text"))
	if err != nil || len(texts) != 0 {
		t.Fatalf("expect no components, got %v, %v", texts, err)
	}

	if err := buttons[0].DragTo(ctx, buttons[1]); err != nil {
		t.Fatal(err)
	}
	if err := buttons[0].InputText(ctx, "abc"); err != nil {
		t.Fatal(err)
	}
	if got := f.recorded("Component.dragTo"); len(got) != 1 || got[0] != "Component.dragTo [Component#2]" {
		t.Fatalf("unexpected drag %v", got)
	}
	if got := f.recorded("Component.inputText"); len(got) != 1 || got[0] != "Component.inputText [abc]" {
		t.Fatalf("unexpected input %v", got)
	}
}

func TestSelector(t *testing.T) {
	s := By(ByText, "OK")
	a := s.And(ByType, "Button")
	b := s.And(ByID, "submit")
	if a.String() != "text=OK,type=Button" || b.String() != "text=OK,id=submit" {
		t.Fatalf("selectors share state: %s / %s", a, b)
	}

	d := &Driver{}
	if _, err := d.build(context.Background(), Selector{}); err == nil {
		t.Fatal("expect error for empty selector")
	}
}
