// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/absmach/fluxxmpp/xmpp/stanza"
)

// ErrStreamClosed is returned by ReadElement when the peer closes its
// stream with a closing tag.
var ErrStreamClosed = errors.New("stream closed by peer")

// Conn is a physical connection carrying one XMPP stream at a time.
type Conn interface {
	// ReadElement reads the next top-level element. A stream header is
	// returned as a childless element named stream in NSStream.
	ReadElement() (*stanza.Element, error)

	// OpenStream writes the server's stream header.
	OpenStream(from, id string) error

	// Restart discards parser state after SASL success; the peer opens a
	// fresh stream on the same connection.
	Restart()

	// WriteRaw writes serialized XML. It is safe for concurrent use.
	WriteRaw(text string) error

	// CloseStream writes the server's closing stream tag.
	CloseStream() error

	Close() error
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error

	// SupportsDetach reports whether a session on this transport may
	// outlive the connection and be resumed.
	SupportsDetach() bool
}

var _ Conn = (*streamConn)(nil)

// streamConn frames XMPP over a raw TCP or TLS connection.
type streamConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	decoder      *xml.Decoder
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConnection wraps a network connection. A non-zero writeTimeout bounds
// every write so a stuck peer cannot block deliveries forever.
func NewConnection(conn net.Conn, writeTimeout time.Duration) Conn {
	c := &streamConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writeTimeout: writeTimeout,
	}
	c.decoder = newDecoder(c.reader)
	return c
}

func newDecoder(r io.Reader) *xml.Decoder {
	d := xml.NewDecoder(r)
	d.Strict = true
	return d
}

func (c *streamConn) ReadElement() (*stanza.Element, error) {
	for {
		tok, err := c.decoder.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == stanza.NSStream && t.Name.Local == "stream" {
				return stanza.FromStart(t), nil
			}
			return stanza.Read(c.decoder, t)
		case xml.EndElement:
			if t.Name.Space == stanza.NSStream && t.Name.Local == "stream" {
				return nil, ErrStreamClosed
			}
			return nil, fmt.Errorf("unexpected closing tag %s", t.Name.Local)
		}
	}
}

func (c *streamConn) OpenStream(from, id string) error {
	return c.WriteRaw(streamHeader(from, id))
}

func (c *streamConn) Restart() {
	c.decoder = newDecoder(c.reader)
}

func (c *streamConn) WriteRaw(text string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(c.conn, text)
	return err
}

func (c *streamConn) CloseStream() error {
	return c.WriteRaw("</stream:stream>")
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *streamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *streamConn) SupportsDetach() bool {
	return true
}

func streamHeader(from, id string) string {
	var attrs string
	if from != "" {
		attrs += " from='" + escapeAttr(from) + "'"
	}
	if id != "" {
		attrs += " id='" + escapeAttr(id) + "'"
	}
	return "<?xml version='1.0'?><stream:stream xmlns='" + stanza.NSClient +
		"' xmlns:stream='" + stanza.NSStream + "'" + attrs + " version='1.0' xml:lang='en'>"
}

func escapeAttr(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			b = append(b, "&apos;"...)
		case '&':
			b = append(b, "&amp;"...)
		case '<':
			b = append(b, "&lt;"...)
		default:
			b = append(b, s[i])
		}
	}
	return string(b)
}
