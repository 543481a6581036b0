package device

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/antchfx/xmlquery"
	"github.com/rs/zerolog/log"
)

// ErrXPathNotFound is returned when acting on an element no node matched.
var ErrXPathNotFound = errors.New("device: xpath not found")

// rootTag names nodes whose layout carries no type.
const rootTag = "orgRoot"

var boundsPattern = regexp.MustCompile(`^\[(\d+),(\d+)\]\[(\d+),(\d+)\]`)

// layoutNode is one node of the captureLayout tree.
type layoutNode struct {
	Attributes map[string]any `json:"attributes"`
	Children   []layoutNode   `json:"children"`
}

// Element is the first node matched by an XPath query. It acts through screen
// coordinates, so it stays usable after the layout it came from is gone.
type Element struct {
	d      *Driver
	expr   string
	bounds *Bounds
	attrs  map[string]string
}

// XPath dumps the layout and returns the first node matching expr. A query
// that matches nothing is not an error; check Exists.
//
//	d.XPath(ctx, "//*[@text='Settings']")
func (d *Driver) XPath(ctx context.Context, expr string) (*Element, error) {
	doc, err := d.layoutXML(ctx)
	if err != nil {
		return nil, err
	}
	node, err := xmlquery.Query(doc, expr)
	if err != nil {
		return nil, fmt.Errorf("device: xpath %q: %w", expr, err)
	}
	el := &Element{d: d, expr: expr}
	if node == nil {
		return el, nil
	}
	el.attrs = make(map[string]string, len(node.Attr))
	for _, a := range node.Attr {
		el.attrs[a.Name.Local] = a.Value
	}
	el.bounds = parseBounds(el.attrs["bounds"])
	log.Debug().Str("serial", d.Serial()).Str("xpath", expr).Interface("bounds", el.bounds).Msg("device: xpath matched")
	return el, nil
}

func (d *Driver) layoutXML(ctx context.Context) (*xmlquery.Node, error) {
	raw, err := d.DumpHierarchy(ctx)
	if err != nil {
		return nil, err
	}
	var root layoutNode
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		return nil, fmt.Errorf("device: decode layout: %w", err)
	}
	if len(root.Attributes) == 0 && len(root.Children) == 0 {
		return nil, errors.New("device: hierarchy is empty")
	}
	text, err := layoutToXML(root)
	if err != nil {
		return nil, err
	}
	return xmlquery.Parse(bytes.NewReader(text))
}

// layoutToXML renders the tree with each node's type as its tag and its
// attributes as XML attributes.
func layoutToXML(root layoutNode) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := encodeNode(enc, root); err != nil {
		return nil, fmt.Errorf("device: encode layout: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeNode(enc *xml.Encoder, n layoutNode) error {
	tag := rootTag
	if t, ok := n.Attributes["type"].(string); ok && t != "" {
		tag = xmlName(t)
	}
	keys := make([]string, 0, len(n.Attributes))
	for k := range n.Attributes {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := xml.StartElement{Name: xml.Name{Local: tag}}
	for _, k := range keys {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: xmlName(k)}, Value: attrValue(n.Attributes[k])})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := encodeNode(enc, c); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// xmlName replaces characters that cannot appear in an XML name.
func xmlName(s string) string {
	out := []rune(s)
	for i, r := range out {
		ok := r == '_' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r > 0x7F
		if i > 0 {
			ok = ok || r == '-' || r == '.' || r >= '0' && r <= '9'
		}
		if !ok {
			out[i] = '_'
		}
	}
	return string(out)
}

func attrValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// parseBounds reads "[832,1282][1125,1412]". It returns nil when s does not
// have that form.
func parseBounds(s string) *Bounds {
	m := boundsPattern.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	var v [4]int
	for i := range v {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return nil
		}
		v[i] = n
	}
	return &Bounds{Left: v[0], Top: v[1], Right: v[2], Bottom: v[3]}
}

// Exists reports whether a node with parsable bounds matched.
func (e *Element) Exists() bool {
	return e.bounds != nil
}

func (e *Element) Bounds() (Bounds, error) {
	if e.bounds == nil {
		return Bounds{}, fmt.Errorf("%w: %s", ErrXPathNotFound, e.expr)
	}
	return *e.bounds, nil
}

func (e *Element) Center() (Point, error) {
	b, err := e.Bounds()
	if err != nil {
		return Point{}, err
	}
	return Point{X: (b.Left + b.Right) / 2, Y: (b.Top + b.Bottom) / 2}, nil
}

// Attrs returns the matched node's layout attributes.
func (e *Element) Attrs() map[string]string {
	out := make(map[string]string, len(e.attrs))
	for k, v := range e.attrs {
		out[k] = v
	}
	return out
}

func (e *Element) Text() string {
	return e.attrs["text"]
}

func (e *Element) Click(ctx context.Context) error {
	return e.at(ctx, e.d.Click)
}

// ClickIfExists clicks when the query matched and does nothing otherwise.
func (e *Element) ClickIfExists(ctx context.Context) error {
	if !e.Exists() {
		log.Debug().Str("xpath", e.expr).Msg("device: click skipped, xpath not found")
		return nil
	}
	return e.Click(ctx)
}

func (e *Element) DoubleClick(ctx context.Context) error {
	return e.at(ctx, e.d.DoubleClick)
}

func (e *Element) LongClick(ctx context.Context) error {
	return e.at(ctx, e.d.LongClick)
}

// InputText focuses the element with a click, then types text.
func (e *Element) InputText(ctx context.Context, text string) error {
	if err := e.Click(ctx); err != nil {
		return err
	}
	return e.d.InputText(ctx, text)
}

func (e *Element) at(ctx context.Context, fn func(ctx context.Context, x, y float64) error) error {
	c, err := e.Center()
	if err != nil {
		return err
	}
	return fn(ctx, float64(c.X), float64(c.Y))
}
