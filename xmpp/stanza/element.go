// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stanza holds the in-memory XML element tree exchanged over an XMPP
// stream, plus the helpers needed to read, copy and serialize it.
package stanza

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/absmach/fluxxmpp/internal/bufpool"
)

// Namespaces used across the server.
const (
	NSClient  = "jabber:client"
	NSStream  = "http://etherx.jabber.org/streams"
	NSStreams = "urn:ietf:params:xml:ns:xmpp-streams"
	NSStanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSSASL    = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSBind    = "urn:ietf:params:xml:ns:xmpp-bind"
	NSSession = "urn:ietf:params:xml:ns:xmpp-session"
	NSDelay   = "urn:xmpp:delay"
	NSPing    = "urn:xmpp:ping"
	NSFraming = "urn:ietf:params:xml:ns:xmpp-framing"

	nsXML = "http://www.w3.org/XML/1998/namespace"
)

// ErrUnexpectedEOF is returned when the input ends inside an element.
var ErrUnexpectedEOF = errors.New("unexpected end of xml input")

// Element is a namespaced XML element with attributes, character data and
// child elements. Mixed content is flattened: all character data of an
// element is kept in Text.
type Element struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Text     string
	Children []*Element
}

// New creates an empty element.
func New(space, local string) *Element {
	return &Element{Name: xml.Name{Space: space, Local: local}}
}

// Is reports whether the element has the given namespace and local name.
func (e *Element) Is(space, local string) bool {
	return e != nil && e.Name.Space == space && e.Name.Local == local
}

// Attr returns the value of the unqualified attribute name.
func (e *Element) Attr(name string) string {
	for _, a := range e.Attrs {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// HasAttr reports whether the unqualified attribute is present.
func (e *Element) HasAttr(name string) bool {
	for _, a := range e.Attrs {
		if a.Name.Space == "" && a.Name.Local == name {
			return true
		}
	}
	return false
}

// SetAttr sets or replaces an unqualified attribute and returns e.
func (e *Element) SetAttr(name, value string) *Element {
	for i, a := range e.Attrs {
		if a.Name.Space == "" && a.Name.Local == name {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
	return e
}

// RemoveAttr deletes an unqualified attribute.
func (e *Element) RemoveAttr(name string) {
	attrs := e.Attrs[:0]
	for _, a := range e.Attrs {
		if a.Name.Space == "" && a.Name.Local == name {
			continue
		}
		attrs = append(attrs, a)
	}
	e.Attrs = attrs
}

// AddChild appends c and returns e.
func (e *Element) AddChild(c *Element) *Element {
	e.Children = append(e.Children, c)
	return e
}

// SetText sets the character data and returns e.
func (e *Element) SetText(text string) *Element {
	e.Text = text
	return e
}

// Child returns the first child with the given name, or nil.
func (e *Element) Child(space, local string) *Element {
	for _, c := range e.Children {
		if c.Is(space, local) {
			return c
		}
	}
	return nil
}

// HasChild reports whether a child with the given name exists.
func (e *Element) HasChild(space, local string) bool {
	return e.Child(space, local) != nil
}

// Copy returns a deep copy of the element.
func (e *Element) Copy() *Element {
	if e == nil {
		return nil
	}
	c := &Element{Name: e.Name, Text: e.Text}
	if len(e.Attrs) > 0 {
		c.Attrs = make([]xml.Attr, len(e.Attrs))
		copy(c.Attrs, e.Attrs)
	}
	if len(e.Children) > 0 {
		c.Children = make([]*Element, len(e.Children))
		for i, ch := range e.Children {
			c.Children[i] = ch.Copy()
		}
	}
	return c
}

// String serializes the element. A namespace declaration is written on the
// root and wherever a child changes namespace.
func (e *Element) String() string {
	b := bufpool.Get()
	defer bufpool.Put(b)
	e.write(b, "")
	return b.String()
}

func (e *Element) write(b *bytes.Buffer, parentSpace string) {
	b.WriteByte('<')
	b.WriteString(e.Name.Local)
	if e.Name.Space != parentSpace {
		writeAttr(b, "xmlns", e.Name.Space)
	}
	for _, a := range e.Attrs {
		switch a.Name.Space {
		case "":
			writeAttr(b, a.Name.Local, a.Value)
		case nsXML:
			writeAttr(b, "xml:"+a.Name.Local, a.Value)
		}
	}
	if e.Text == "" && len(e.Children) == 0 {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	if e.Text != "" {
		escape(b, e.Text)
	}
	for _, c := range e.Children {
		c.write(b, e.Name.Space)
	}
	b.WriteString("</")
	b.WriteString(e.Name.Local)
	b.WriteByte('>')
}

func writeAttr(b *bytes.Buffer, name, value string) {
	b.WriteByte(' ')
	b.WriteString(name)
	b.WriteString("='")
	escape(b, value)
	b.WriteByte('\'')
}

func escape(w io.Writer, s string) {
	// EscapeText only fails when the writer does.
	_ = xml.EscapeText(w, []byte(s))
}

// Read consumes tokens from d until the end of the element opened by start
// and returns the resulting tree.
func Read(d *xml.Decoder, start xml.StartElement) (*Element, error) {
	el := FromStart(start)
	var text strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrUnexpectedEOF
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := Read(d, t)
			if err != nil {
				return nil, err
			}
			el.Children = append(el.Children, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			el.Text = text.String()
			if len(el.Children) > 0 && strings.TrimSpace(el.Text) == "" {
				el.Text = ""
			}
			return el, nil
		}
	}
}

// FromStart converts a start tag into a childless element, dropping
// namespace declarations which are carried by Name.Space instead.
func FromStart(start xml.StartElement) *Element {
	el := &Element{Name: start.Name}
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		el.Attrs = append(el.Attrs, a)
	}
	return el
}

// Parse parses a single element from s.
func Parse(s string) (*Element, error) {
	d := xml.NewDecoder(strings.NewReader(s))
	for {
		tok, err := d.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrUnexpectedEOF
			}
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return Read(d, start)
		}
	}
}
