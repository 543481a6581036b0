package device

import (
	"context"
	"errors"
	"strings"
	"testing"

	"hmdriver/server"
	"hmdriver/testutil/testlog"
)

func serveLayout(f *agentFixture, tree map[string]any) {
	f.svr.HandleCaptures("captureLayout", func(req *server.Request) (any, error) {
		return tree, nil
	})
}

func settingsLayout() map[string]any {
	return map[string]any{
		"attributes": map[string]any{"type": "root"},
		"children": []any{
			map[string]any{
				"attributes": map[string]any{"type": "Column", "bounds": "[0,0][1260,2720]"},
				"children": []any{
					map[string]any{"attributes": map[string]any{
						"type": "Button", "text": "OK", "id": "confirm", "clickable": true,
						"bounds": "[480,1300][780,1420]",
					}},
					map[string]any{"attributes": map[string]any{
						"text": "untitled", "bounds": "[0,0][100,40]",
					}},
					map[string]any{"attributes": map[string]any{"type": "Text", "text": "no bounds"}},
				},
			},
		},
	}
}

func TestXPathClick(t *testing.T) {
	testlog.Start(t)
	f := startAgent(t)
	serveLayout(f, settingsLayout())
	d, _ := newDriver(t, f)
	ctx := context.Background()

	el, err := d.XPath(ctx, "//Button[@text='OK']")
	if err != nil {
		t.Fatal(err)
	}
	if !el.Exists() {
		t.Fatal("expect the button to match")
	}
	c, err := el.Center()
	if err != nil {
		t.Fatal(err)
	}
	if c != (Point{X: 630, Y: 1360}) {
		t.Fatalf("unexpected center %+v", c)
	}
	if el.Text() != "OK" || el.Attrs()["id"] != "confirm" || el.Attrs()["clickable"] != "true" {
		t.Fatalf("unexpected attributes %v", el.Attrs())
	}
	if err := el.Click(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.recorded("Driver.click"); len(got) != 1 || got[0] != "Driver.click [630 1360]" {
		t.Fatalf("unexpected clicks %q", got)
	}
	if err := el.InputText(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if got := f.recorded("Driver.inputText"); len(got) != 1 || got[0] != "Driver.inputText [map[x:1 y:1] hello]" {
		t.Fatalf("unexpected input %q", got)
	}
}

func TestXPathUntypedNode(t *testing.T) {
	testlog.Start(t)
	f := startAgent(t)
	serveLayout(f, settingsLayout())
	d, _ := newDriver(t, f)

	el, err := d.XPath(context.Background(), "//orgRoot[@text='untitled']")
	if err != nil {
		t.Fatal(err)
	}
	b, err := el.Bounds()
	if err != nil {
		t.Fatal(err)
	}
	if b != (Bounds{Left: 0, Top: 0, Right: 100, Bottom: 40}) {
		t.Fatalf("unexpected bounds %+v", b)
	}
}

func TestXPathMiss(t *testing.T) {
	testlog.Start(t)
	f := startAgent(t)
	serveLayout(f, settingsLayout())
	d, _ := newDriver(t, f)
	ctx := context.Background()

	for _, expr := range []string{"//Button[@text='Cancel']", "//Text"} {
		el, err := d.XPath(ctx, expr)
		if err != nil {
			t.Fatalf("%s: %v", expr, err)
		}
		if el.Exists() {
			t.Fatalf("%s: expect no usable match", expr)
		}
		if err := el.Click(ctx); !errors.Is(err, ErrXPathNotFound) {
			t.Fatalf("%s: expect ErrXPathNotFound, got %v", expr, err)
		}
		if err := el.ClickIfExists(ctx); err != nil {
			t.Fatalf("%s: %v", expr, err)
		}
	}
	if n := len(f.recorded("Driver.click")); n != 0 {
		t.Fatalf("nothing should be clicked, got %d clicks", n)
	}
}

func TestXPathErrors(t *testing.T) {
	testlog.Start(t)
	f := startAgent(t)
	d, _ := newDriver(t, f)
	ctx := context.Background()

	if _, err := d.XPath(ctx, "//*["); err == nil {
		t.Fatal("expect an error for a malformed expression")
	}
	serveLayout(f, map[string]any{})
	if _, err := d.XPath(ctx, "//*"); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expect empty hierarchy error, got %v", err)
	}
}

func TestParseBounds(t *testing.T) {
	cases := map[string]*Bounds{
		"[832,1282][1125,1412]": {Left: 832, Top: 1282, Right: 1125, Bottom: 1412},
		"[0,0][1260,2720] tail": {Left: 0, Top: 0, Right: 1260, Bottom: 2720},
		"":                      nil,
		"[1,2][3]":              nil,
		"[-1,0][2,2]":           nil,
	}
	for in, want := range cases {
		got := parseBounds(in)
		if (got == nil) != (want == nil) || got != nil && *got != *want {
			t.Fatalf("parseBounds(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLayoutToXML(t *testing.T) {
	out, err := layoutToXML(layoutNode{
		Attributes: map[string]any{"text": `a<b & "c"`, "1st": 1.5},
		Children:   []layoutNode{{Attributes: map[string]any{"type": "List Item"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	if !strings.HasPrefix(s, "<orgRoot ") {
		t.Fatalf("untyped node should use the root tag: %s", s)
	}
	if !strings.Contains(s, `_st="1.5"`) || !strings.Contains(s, "<List_Item ") {
		t.Fatalf("names not sanitized: %s", s)
	}
	if strings.Contains(s, `a<b`) {
		t.Fatalf("attribute value not escaped: %s", s)
	}
}
