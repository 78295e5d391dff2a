package feed

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/net/html/charset"
)

// node is a permissive XML element. Attributes are merged into the element
// as child nodes flagged attr, mirroring how loosely structured feeds are
// usually consumed.
type node struct {
	name     string
	text     string
	attr     bool
	children []*node
}

func (n *node) child(name string) *node {
	if n == nil {
		return nil
	}
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *node) all(name string) []*node {
	if n == nil {
		return nil
	}
	var out []*node
	for _, c := range n.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func (n *node) path(names ...string) *node {
	cur := n
	for _, name := range names {
		cur = cur.child(name)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func (n *node) attrs() []*node {
	if n == nil {
		return nil
	}
	var out []*node
	for _, c := range n.children {
		if c.attr {
			out = append(out, c)
		}
	}
	return out
}

func (n *node) root() *node {
	if n == nil {
		return nil
	}
	for _, c := range n.children {
		if !c.attr {
			return c
		}
	}
	return nil
}

// parseTree decodes data into a document node whose single element child is
// the feed root. Unknown tags are kept, namespace prefixes stay part of the
// name (dc:creator) and text is whitespace-normalized.
func parseTree(data []byte) (*node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = charset.NewReaderLabel

	doc := &node{name: "#document"}
	stack := []*node{doc}
	text := []*strings.Builder{{}}

	for {
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "decode xml")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &node{name: qualified(t.Name)}
			for _, a := range t.Attr {
				el.children = append(el.children, &node{name: qualified(a.Name), text: a.Value, attr: true})
			}
			top := stack[len(stack)-1]
			top.children = append(top.children, el)
			stack = append(stack, el)
			text = append(text, &strings.Builder{})
		case xml.EndElement:
			name := qualified(t.Name)
			// Close up to the matching element; stray end tags are ignored.
			for i := len(stack) - 1; i > 0; i-- {
				if stack[i].name != name {
					continue
				}
				for j := len(stack) - 1; j >= i; j-- {
					closeText(stack, text, j)
				}
				stack = stack[:i]
				text = text[:i]
				break
			}
		case xml.CharData:
			text[len(text)-1].Write(t)
		}
	}
	for j := len(stack) - 1; j > 0; j-- {
		closeText(stack, text, j)
	}

	if doc.root() == nil {
		return nil, errors.New("document has no root element")
	}
	return doc, nil
}

// closeText sets the text of stack[j] and folds it into its parent, so inline
// markup such as <title>Senior <b>Go</b> Engineer</title> keeps every word.
func closeText(stack []*node, text []*strings.Builder, j int) {
	raw := text[j].String()
	stack[j].text = collapseSpace(raw)
	if j > 1 && raw != "" {
		parent := text[j-1]
		parent.WriteByte(' ')
		parent.WriteString(raw)
		parent.WriteByte(' ')
	}
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}
