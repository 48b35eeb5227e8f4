package device

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Rect is a screen rectangle in pixels.
type Rect struct {
	Left, Top, Right, Bottom int
}

// Center returns the midpoint of r.
func (r Rect) Center() (x, y int) {
	return (r.Left + r.Right) / 2, (r.Top + r.Bottom) / 2
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool {
	return r.Right <= r.Left || r.Bottom <= r.Top
}

// parseBounds parses uiautomator's "[l,t][r,b]" notation.
func parseBounds(s string) (Rect, error) {
	var r Rect
	if _, err := fmt.Sscanf(s, "[%d,%d][%d,%d]", &r.Left, &r.Top, &r.Right, &r.Bottom); err != nil {
		return Rect{}, fmt.Errorf("parse bounds %q: %w", s, err)
	}
	return r, nil
}

// Element is one actionable or informative node on screen. IDs are
// assigned in document order starting at 1 and are only meaningful for
// the snapshot that produced them.
type Element struct {
	ID          int
	Class       string
	Text        string
	ContentDesc string
	ResourceID  string
	Clickable   bool
	Scrollable  bool
	Editable    bool
	Focused     bool
	Bounds      Rect
}

// Label returns the most descriptive text for e.
func (e Element) Label() string {
	switch {
	case e.Text != "":
		return e.Text
	case e.ContentDesc != "":
		return e.ContentDesc
	case e.ResourceID != "":
		if i := strings.LastIndex(e.ResourceID, "/"); i >= 0 {
			return e.ResourceID[i+1:]
		}
		return e.ResourceID
	}
	return ""
}

// Screen is a parsed UI snapshot.
type Screen struct {
	Package  string
	Elements []Element
}

// Element returns the element with the given ID.
func (s *Screen) Element(id int) (Element, bool) {
	if s == nil || id < 1 || id > len(s.Elements) {
		return Element{}, false
	}
	return s.Elements[id-1], true
}

// Render returns the compact one-line-per-element listing sent to the
// model, e.g.
//
//	[3] Button "Settings" clickable @540,1200
func (s *Screen) Render() string {
	if s == nil || len(s.Elements) == 0 {
		return ""
	}
	var b strings.Builder
	if s.Package != "" {
		fmt.Fprintf(&b, "app: %s\n", s.Package)
	}
	for _, e := range s.Elements {
		fmt.Fprintf(&b, "[%d] %s", e.ID, shortClass(e.Class))
		if label := e.Label(); label != "" {
			fmt.Fprintf(&b, " %s", strconv.Quote(label))
		}
		var flags []string
		if e.Clickable {
			flags = append(flags, "clickable")
		}
		if e.Editable {
			flags = append(flags, "editable")
		}
		if e.Scrollable {
			flags = append(flags, "scrollable")
		}
		if e.Focused {
			flags = append(flags, "focused")
		}
		if len(flags) > 0 {
			b.WriteString(" " + strings.Join(flags, ","))
		}
		x, y := e.Bounds.Center()
		fmt.Fprintf(&b, " @%d,%d\n", x, y)
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortClass(class string) string {
	if i := strings.LastIndex(class, "."); i >= 0 {
		return class[i+1:]
	}
	if class == "" {
		return "View"
	}
	return class
}

type xmlNode struct {
	Text        string    `xml:"text,attr"`
	ResourceID  string    `xml:"resource-id,attr"`
	Class       string    `xml:"class,attr"`
	Package     string    `xml:"package,attr"`
	ContentDesc string    `xml:"content-desc,attr"`
	Clickable   string    `xml:"clickable,attr"`
	Scrollable  string    `xml:"scrollable,attr"`
	Focused     string    `xml:"focused,attr"`
	Enabled     string    `xml:"enabled,attr"`
	Bounds      string    `xml:"bounds,attr"`
	Children    []xmlNode `xml:"node"`
}

type xmlHierarchy struct {
	XMLName xml.Name  `xml:"hierarchy"`
	Nodes   []xmlNode `xml:"node"`
}

// ParseHierarchy parses a uiautomator XML dump. Output noise before the
// XML declaration or after the closing tag is ignored. Nodes without
// text, description, or interactivity are folded away, as are nodes
// with empty bounds.
func ParseHierarchy(raw []byte) (*Screen, error) {
	start := bytes.Index(raw, []byte("<hierarchy"))
	end := bytes.LastIndex(raw, []byte("</hierarchy>"))
	if start < 0 || end < start {
		return nil, fmt.Errorf("ui dump contains no hierarchy")
	}
	raw = raw[start : end+len("</hierarchy>")]

	var h xmlHierarchy
	if err := xml.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode ui hierarchy: %w", err)
	}

	s := &Screen{}
	var walk func(n xmlNode)
	walk = func(n xmlNode) {
		if s.Package == "" && n.Package != "" {
			s.Package = n.Package
		}
		if e, ok := elementFrom(n); ok {
			e.ID = len(s.Elements) + 1
			s.Elements = append(s.Elements, e)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, n := range h.Nodes {
		walk(n)
	}
	return s, nil
}

func elementFrom(n xmlNode) (Element, bool) {
	if n.Enabled == "false" {
		return Element{}, false
	}
	bounds, err := parseBounds(n.Bounds)
	if err != nil || bounds.Empty() {
		return Element{}, false
	}
	e := Element{
		Class:       n.Class,
		Text:        strings.TrimSpace(n.Text),
		ContentDesc: strings.TrimSpace(n.ContentDesc),
		ResourceID:  n.ResourceID,
		Clickable:   n.Clickable == "true",
		Scrollable:  n.Scrollable == "true",
		Editable:    strings.HasSuffix(n.Class, "EditText"),
		Focused:     n.Focused == "true",
		Bounds:      bounds,
	}
	if e.Text == "" && e.ContentDesc == "" && !e.Clickable && !e.Scrollable && !e.Editable {
		return Element{}, false
	}
	return e, true
}
