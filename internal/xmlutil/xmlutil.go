// Package xmlutil implements a small element tree for update metadata XML.
//
// The canonical metadata documents use a handful of namespaces. Instead of
// carrying namespace context around, the parser rewrites names on the way
// in: URIs in the provided map gain their short prefix ("b.", "m.", "d."),
// everything else collapses to the bare local name. Namespace declaration
// attributes are dropped entirely, so serialized output never contains an
// xmlns attribute.
package xmlutil

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Attr is a named attribute with its rewritten name.
type Attr struct {
	Name  string
	Value string
}

// Node is one element of a parsed document.
//
// Elements in the handled documents carry either child elements or character
// data, never interleaved runs of both; Text holds the concatenated
// character data.
type Node struct {
	Name     string
	Attrs    []Attr
	Children []*Node
	Text     string
}

// Parse reads a document and returns its root element with all names
// rewritten through ns (namespace URI → short prefix).
func Parse(r io.Reader, ns map[string]string) (*Node, error) {
	dec := xml.NewDecoder(r)
	var root *Node
	var stack []*Node
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xmlutil: parse: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: rewrite(t.Name, ns)}
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
					continue
				}
				n.Attrs = append(n.Attrs, Attr{Name: rewrite(a.Name, ns), Value: a.Value})
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("xmlutil: multiple document elements")
				}
				root = n
			} else {
				p := stack[len(stack)-1]
				p.Children = append(p.Children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("xmlutil: unbalanced document")
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) != 0 {
				if s := string(t); strings.TrimSpace(s) != "" {
					stack[len(stack)-1].Text += s
				}
			}
		}
		// Comments, directives, and processing instructions are dropped.
	}
	if root == nil {
		return nil, fmt.Errorf("xmlutil: empty document")
	}
	return root, nil
}

// ParseString is Parse on a string.
func ParseString(s string, ns map[string]string) (*Node, error) {
	return Parse(strings.NewReader(s), ns)
}

func rewrite(n xml.Name, ns map[string]string) string {
	if p, ok := ns[n.Space]; ok && p != "" {
		return p + "." + n.Local
	}
	return n.Local
}

// Attr returns the named attribute's value.
func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// FilterAttrs drops every attribute the keep function rejects, preserving
// the order of the survivors.
func (n *Node) FilterAttrs(keep func(name string) bool) {
	out := n.Attrs[:0]
	for _, a := range n.Attrs {
		if keep(a.Name) {
			out = append(out, a)
		}
	}
	n.Attrs = out
}

// Child returns the first direct child with the given name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns all direct children with the given name.
func (n *Node) ChildrenNamed(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Find walks a path of child names and returns the element at the end of
// it, or nil.
func (n *Node) Find(path ...string) *Node {
	cur := n
	for _, p := range path {
		if cur = cur.Child(p); cur == nil {
			return nil
		}
	}
	return cur
}

// Walk visits the node and every descendant in document order.
func (n *Node) Walk(visit func(*Node)) {
	// Iterative; the documents are shallow but the protocol doesn't promise
	// anything about depth.
	stack := []*Node{n}
	for len(stack) != 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(cur)
		for i := len(cur.Children) - 1; i >= 0; i-- {
			stack = append(stack, cur.Children[i])
		}
	}
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	out := &Node{Name: n.Name, Text: n.Text}
	out.Attrs = append([]Attr(nil), n.Attrs...)
	for _, c := range n.Children {
		out.Children = append(out.Children, c.Clone())
	}
	return out
}

// WriteTo serializes the element with no added whitespace, so equal trees
// produce byte-identical output.
func (n *Node) WriteTo(w io.Writer) error {
	sw := &stickyWriter{w: w}
	n.write(sw)
	return sw.err
}

// String returns the serialized element.
func (n *Node) String() string {
	var b strings.Builder
	n.WriteTo(&b)
	return b.String()
}

type stickyWriter struct {
	w   io.Writer
	err error
}

func (s *stickyWriter) WriteString(str string) {
	if s.err != nil {
		return
	}
	_, s.err = io.WriteString(s.w, str)
}

func (s *stickyWriter) Escape(str string) {
	if s.err != nil {
		return
	}
	s.err = xml.EscapeText(writerFunc(func(p []byte) (int, error) {
		return s.w.Write(p)
	}), []byte(str))
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (n *Node) write(w *stickyWriter) {
	w.WriteString("<")
	w.WriteString(n.Name)
	for _, a := range n.Attrs {
		w.WriteString(" ")
		w.WriteString(a.Name)
		w.WriteString(`="`)
		w.Escape(a.Value)
		w.WriteString(`"`)
	}
	if len(n.Children) == 0 && n.Text == "" {
		w.WriteString("/>")
		return
	}
	w.WriteString(">")
	w.Escape(n.Text)
	for _, c := range n.Children {
		c.write(w)
	}
	w.WriteString("</")
	w.WriteString(n.Name)
	w.WriteString(">")
}
