// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/absmach/fluxxmpp/xmpp/stanza"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clientHeader = "<?xml version='1.0'?><stream:stream to='example.com' " +
	"xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>"

func TestStreamConnReadsElements(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	conn := NewConnection(server, time.Second)
	defer conn.Close()

	go func() {
		io.WriteString(client, clientHeader)
		io.WriteString(client, "<message to='bob@example.com'><body>hi</body></message>")
		io.WriteString(client, "<r xmlns='urn:xmpp:sm:3'/>")
		io.WriteString(client, "</stream:stream>")
	}()

	header, err := conn.ReadElement()
	require.NoError(t, err)
	assert.True(t, header.Is(stanza.NSStream, "stream"))
	assert.Equal(t, "example.com", header.Attr("to"))

	msg, err := conn.ReadElement()
	require.NoError(t, err)
	assert.True(t, msg.Is(stanza.NSClient, "message"))
	assert.Equal(t, "hi", msg.Child(stanza.NSClient, "body").Text)

	r, err := conn.ReadElement()
	require.NoError(t, err)
	assert.True(t, r.Is("urn:xmpp:sm:3", "r"))

	_, err = conn.ReadElement()
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStreamConnRestart(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	conn := NewConnection(server, time.Second)
	defer conn.Close()

	go func() {
		io.WriteString(client, clientHeader)
		io.WriteString(client, "<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='ANONYMOUS'/>")
		io.WriteString(client, clientHeader)
	}()

	_, err := conn.ReadElement()
	require.NoError(t, err)
	el, err := conn.ReadElement()
	require.NoError(t, err)
	assert.True(t, el.Is(stanza.NSSASL, "auth"))

	conn.Restart()
	header, err := conn.ReadElement()
	require.NoError(t, err)
	assert.True(t, header.Is(stanza.NSStream, "stream"))
}

func TestStreamConnWritesHeader(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	conn := NewConnection(server, time.Second)
	defer conn.Close()

	done := make(chan error, 1)
	go func() { done <- conn.OpenStream("example.com", "abc") }()

	buf := make([]byte, 512)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.NoError(t, <-done)

	got := string(buf[:n])
	assert.Contains(t, got, "from='example.com'")
	assert.Contains(t, got, "id='abc'")
	assert.Contains(t, got, "xmlns:stream='http://etherx.jabber.org/streams'")
	assert.True(t, conn.SupportsDetach())
}

func TestStreamConnCloseIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	conn := NewConnection(server, 0)

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
}
