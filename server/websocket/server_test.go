// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/fluxxmpp/broker"
	"github.com/absmach/fluxxmpp/storage/memory"
	"github.com/absmach/fluxxmpp/xmpp/auth"
	"github.com/absmach/fluxxmpp/xmpp/sm"
	"github.com/absmach/fluxxmpp/xmpp/stanza"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openFrame = "<open xmlns='urn:ietf:params:xml:ns:xmpp-framing' to='example.com' version='1.0'/>"

func newTestServer(t *testing.T) (*broker.Broker, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.New(broker.Config{
		Domain: "example.com",
		SM:     sm.DefaultConfig("example.com"),
		Logger: logger,
	}, auth.NewAuthenticator(map[string]string{"alice": "secret"}, false), memory.New(0), nil, nil, nil, nil)
	t.Cleanup(func() { b.Close() })

	srv := New(Config{Path: "/xmpp-websocket"}, b, logger)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	t.Cleanup(ts.Close)
	return b, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	ws, resp, err := d.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, Subprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(text)))
}

func recv(t *testing.T, ws *websocket.Conn) *stanza.Element {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)
	el, err := stanza.Parse(string(data))
	require.NoError(t, err)
	return el
}

func TestWebSocket_Login(t *testing.T) {
	b, url := newTestServer(t)
	ws := dial(t, url)

	send(t, ws, openFrame)
	open := recv(t, ws)
	require.True(t, open.Is(stanza.NSFraming, "open"))
	assert.Equal(t, "example.com", open.Attr("from"))
	assert.NotEmpty(t, open.Attr("id"))

	features := recv(t, ws)
	require.True(t, features.Is(stanza.NSStream, "features"))
	require.True(t, features.HasChild(stanza.NSSASL, "mechanisms"))

	payload := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00secret"))
	send(t, ws, "<auth xmlns='"+stanza.NSSASL+"' mechanism='PLAIN'>"+payload+"</auth>")
	require.True(t, recv(t, ws).Is(stanza.NSSASL, "success"))

	send(t, ws, openFrame)
	require.True(t, recv(t, ws).Is(stanza.NSFraming, "open"))
	features = recv(t, ws)
	assert.True(t, features.HasChild(stanza.NSBind, "bind"))

	send(t, ws, "<iq xmlns='jabber:client' type='set' id='b1'><bind xmlns='"+stanza.NSBind+"'><resource>web</resource></bind></iq>")
	iq := recv(t, ws)
	require.Equal(t, "result", iq.Attr("type"))
	assert.Equal(t, "alice@example.com/web", iq.Child(stanza.NSBind, "bind").Child(stanza.NSBind, "jid").Text)

	// Resumption is not offered over WebSocket.
	send(t, ws, "<enable xmlns='"+sm.NSv3+"' resume='true'/>")
	enabled := recv(t, ws)
	require.True(t, enabled.Is(sm.NSv3, "enabled"))
	assert.Empty(t, enabled.Attr("resume"))

	send(t, ws, "<close xmlns='urn:ietf:params:xml:ns:xmpp-framing'/>")
	assert.True(t, recv(t, ws).Is(stanza.NSFraming, "close"))
	require.Eventually(t, func() bool { return b.Table().Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.Table().DetachedCount())
}

func TestWebSocket_RejectsMissingSubprotocol(t *testing.T) {
	_, url := newTestServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError), "got %v", err)
}

func TestWebSocket_BinaryFrameEndsStream(t *testing.T) {
	b, url := newTestServer(t)
	ws := dial(t, url)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte(openFrame)))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, b.Table().Count())
}

func TestOriginChecker(t *testing.T) {
	cases := []struct {
		desc    string
		allowed []string
		origin  string
		want    bool
	}{
		{"any origin when unrestricted", nil, "https://evil.example", true},
		{"listed origin", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"unlisted origin", []string{"https://app.example.com"}, "https://evil.example", false},
		{"wildcard", []string{"*"}, "https://evil.example", true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/xmpp-websocket", nil)
			r.Header.Set("Origin", tc.origin)
			assert.Equal(t, tc.want, originChecker(tc.allowed)(r))
		})
	}
}

func TestNewDefaults(t *testing.T) {
	s := New(Config{}, nil, nil)
	assert.Equal(t, "/xmpp-websocket", s.config.Path)
	assert.Equal(t, "ws", s.config.Transport)
	assert.NotZero(t, s.config.ShutdownTimeout)
}
