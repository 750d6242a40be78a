// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/xml"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/absmach/fluxxmpp/session"
	"github.com/absmach/fluxxmpp/storage/memory"
	"github.com/absmach/fluxxmpp/xmpp/auth"
	"github.com/absmach/fluxxmpp/xmpp/sm"
	"github.com/absmach/fluxxmpp/xmpp/stanza"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDomain = "example.com"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBroker(t *testing.T, store *memory.Store) *Broker {
	t.Helper()
	smCfg := sm.DefaultConfig(testDomain)
	smCfg.RequestFrequency = 100
	smCfg.Location = "xmpp.example.com:5222"

	authn := auth.NewAuthenticator(map[string]string{
		"alice": "secret",
		"bob":   "hunter2",
	}, true)

	b := New(Config{
		Domain:            testDomain,
		SM:                smCfg,
		ReapInterval:      time.Hour,
		OfflineFlushLimit: 100,
		Logger:            testLogger(),
	}, authn, store, nil, nil, nil, nil)
	t.Cleanup(func() { b.Close() })
	return b
}

// testClient drives one c2s stream from the client side of a pipe.
type testClient struct {
	t     *testing.T
	conn  net.Conn
	elems chan *stanza.Element
	done  chan struct{}
}

func dial(t *testing.T, b *Broker) *testClient {
	t.Helper()
	server, client := net.Pipe()

	c := &testClient{
		t:     t,
		conn:  client,
		elems: make(chan *stanza.Element, 64),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		b.HandleConnection(context.Background(), session.NewConnection(server, time.Second), "tcp")
	}()
	go c.readLoop()
	t.Cleanup(func() { client.Close() })
	return c
}

func (c *testClient) readLoop() {
	defer close(c.elems)
	br := bufio.NewReader(c.conn)
	dec := xml.NewDecoder(br)
	for {
		tok, err := dec.Token()
		if err != nil {
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Space == stanza.NSStream && start.Name.Local == "stream" {
			c.elems <- stanza.FromStart(start)
			continue
		}
		el, err := stanza.Read(dec, start)
		if err != nil {
			return
		}
		c.elems <- el
		if el.Is(stanza.NSSASL, "success") {
			dec = xml.NewDecoder(br)
		}
	}
}

func (c *testClient) send(text string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := io.WriteString(c.conn, text)
	require.NoError(c.t, err)
}

func (c *testClient) next() *stanza.Element {
	c.t.Helper()
	select {
	case el, ok := <-c.elems:
		require.True(c.t, ok, "stream closed")
		return el
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for element")
		return nil
	}
}

func (c *testClient) expect(space, local string) *stanza.Element {
	c.t.Helper()
	el := c.next()
	require.True(c.t, el.Is(space, local), "want {%s}%s, got %s", space, local, el.String())
	return el
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	for {
		select {
		case _, ok := <-c.elems:
			if !ok {
				return
			}
		case <-time.After(2 * time.Second):
			c.t.Fatal("stream not closed")
		}
	}
}

func (c *testClient) openStream() *stanza.Element {
	c.t.Helper()
	c.send("<?xml version='1.0'?><stream:stream xmlns='jabber:client' " +
		"xmlns:stream='http://etherx.jabber.org/streams' to='" + testDomain + "' version='1.0'>")
	c.expect(stanza.NSStream, "stream")
	return c.expect(stanza.NSStream, "features")
}

// authenticate runs SASL PLAIN and returns the post-auth features.
func (c *testClient) authenticate(user, pass string) *stanza.Element {
	c.t.Helper()
	c.openStream()
	payload := base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + pass))
	c.send("<auth xmlns='" + stanza.NSSASL + "' mechanism='PLAIN'>" + payload + "</auth>")
	c.expect(stanza.NSSASL, "success")
	return c.openStream()
}

func (c *testClient) bind(resource string) string {
	c.t.Helper()
	c.send("<iq type='set' id='bind1'><bind xmlns='" + stanza.NSBind + "'><resource>" +
		resource + "</resource></bind></iq>")
	iq := c.expect(stanza.NSClient, "iq")
	require.Equal(c.t, "result", iq.Attr("type"))
	return iq.Child(stanza.NSBind, "bind").Child(stanza.NSBind, "jid").Text
}

func (c *testClient) login(user, pass, resource string) string {
	c.t.Helper()
	c.authenticate(user, pass)
	return c.bind(resource)
}

func (c *testClient) enable(resume bool) *stanza.Element {
	c.t.Helper()
	attr := ""
	if resume {
		attr = " resume='true'"
	}
	c.send("<enable xmlns='" + sm.NSv3 + "'" + attr + "/>")
	return c.expect(sm.NSv3, "enabled")
}

func chatTo(to, body string) string {
	return "<message to='" + to + "' type='chat'><body>" + body + "</body></message>"
}

func TestBroker_FeaturesAndLogin(t *testing.T) {
	b := newTestBroker(t, memory.New(0))
	c := dial(t, b)

	features := c.openStream()
	mechs := features.Child(stanza.NSSASL, "mechanisms")
	require.NotNil(t, mechs)
	require.Len(t, mechs.Children, 2)
	assert.Equal(t, auth.MechanismPlain, mechs.Children[0].Text)

	payload := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00secret"))
	c.send("<auth xmlns='" + stanza.NSSASL + "' mechanism='PLAIN'>" + payload + "</auth>")
	c.expect(stanza.NSSASL, "success")

	features = c.openStream()
	assert.True(t, features.HasChild(stanza.NSBind, "bind"))
	assert.True(t, features.HasChild(sm.NSv2, "sm"))
	assert.True(t, features.HasChild(sm.NSv3, "sm"))

	assert.Equal(t, "alice@example.com/phone", c.bind("phone"))
	require.Eventually(t, func() bool { return b.Table().Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), b.Stats().GetSessionsBound())
}

func TestBroker_AuthFailure(t *testing.T) {
	b := newTestBroker(t, memory.New(0))
	c := dial(t, b)

	c.openStream()
	payload := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00wrong"))
	c.send("<auth xmlns='" + stanza.NSSASL + "' mechanism='PLAIN'>" + payload + "</auth>")
	failure := c.expect(stanza.NSSASL, "failure")
	assert.True(t, failure.HasChild(stanza.NSSASL, "not-authorized"))

	c.send("<auth xmlns='" + stanza.NSSASL + "' mechanism='X-UNKNOWN'>=</auth>")
	failure = c.expect(stanza.NSSASL, "failure")
	assert.True(t, failure.HasChild(stanza.NSSASL, "invalid-mechanism"))
	assert.Equal(t, uint64(2), b.Stats().GetAuthErrors())
}

func TestBroker_StanzaBeforeBind(t *testing.T) {
	b := newTestBroker(t, memory.New(0))
	c := dial(t, b)

	c.authenticate("alice", "secret")
	c.send(chatTo("bob@example.com", "too early"))
	errEl := c.expect(stanza.NSStream, "error")
	assert.True(t, errEl.HasChild(stanza.NSStreams, "not-authorized"))
	c.expectClosed()
}

func TestBroker_DirectChat(t *testing.T) {
	b := newTestBroker(t, memory.New(0))
	alice := dial(t, b)
	bob := dial(t, b)

	aliceJID := alice.login("alice", "secret", "phone")
	bobJID := bob.login("bob", "hunter2", "laptop")

	alice.send(chatTo(bobJID, "hi bob"))
	msg := bob.expect(stanza.NSClient, "message")
	assert.Equal(t, aliceJID, msg.Attr("from"))
	assert.Equal(t, "hi bob", msg.Child(stanza.NSClient, "body").Text)
}

func TestBroker_PingAndUnknownIQ(t *testing.T) {
	b := newTestBroker(t, memory.New(0))
	c := dial(t, b)
	c.login("alice", "secret", "phone")

	c.send("<iq type='get' id='p1' to='example.com'><ping xmlns='urn:xmpp:ping'/></iq>")
	res := c.expect(stanza.NSClient, "iq")
	assert.Equal(t, "result", res.Attr("type"))
	assert.Equal(t, "p1", res.Attr("id"))

	c.send("<iq type='get' id='r1'><query xmlns='jabber:iq:roster'/></iq>")
	res = c.expect(stanza.NSClient, "iq")
	assert.Equal(t, "error", res.Attr("type"))
	assert.Equal(t, "r1", res.Attr("id"))
}

func TestBroker_AckRequestAnswered(t *testing.T) {
	b := newTestBroker(t, memory.New(0))
	c := dial(t, b)
	c.login("alice", "secret", "phone")
	c.enable(false)

	c.send("<iq type='get' id='p1' to='example.com'><ping xmlns='urn:xmpp:ping'/></iq>")
	c.expect(stanza.NSClient, "iq")

	c.send("<r xmlns='" + sm.NSv3 + "'/>")
	a := c.expect(sm.NSv3, "a")
	assert.Equal(t, "1", a.Attr("h"))
}

func TestBroker_InvalidAckClosesStream(t *testing.T) {
	b := newTestBroker(t, memory.New(0))
	c := dial(t, b)
	c.login("alice", "secret", "phone")
	c.enable(false)

	c.send("<a xmlns='" + sm.NSv3 + "' h='5'/>")
	errEl := c.expect(stanza.NSStream, "error")
	assert.True(t, errEl.HasChild(stanza.NSStreams, sm.CondUndefined))
	c.expectClosed()
	assert.Equal(t, uint64(1), b.Stats().GetProtocolErrors())
}

func TestBroker_DetachAndResume(t *testing.T) {
	store := memory.New(0)
	b := newTestBroker(t, store)

	alice := dial(t, b)
	bob := dial(t, b)
	alice.login("alice", "secret", "phone")
	bobJID := bob.login("bob", "hunter2", "laptop")

	enabled := alice.enable(true)
	require.Equal(t, "true", enabled.Attr("resume"))
	previd := enabled.Attr("id")
	require.NotEmpty(t, previd)
	assert.Equal(t, "xmpp.example.com:5222", enabled.Attr("location"))
	assert.Equal(t, "600", enabled.Attr("max"))

	bob.send(chatTo("alice@example.com/phone", "one"))
	bob.send(chatTo("alice@example.com/phone", "two"))
	alice.expect(stanza.NSClient, "message")
	alice.expect(stanza.NSClient, "message")

	// Drop the connection without closing the stream.
	alice.conn.Close()
	<-alice.done
	require.Eventually(t, func() bool { return b.Table().DetachedCount() == 1 }, time.Second, 5*time.Millisecond)

	bob.send(chatTo("alice@example.com/phone", "while away"))
	require.Eventually(t, func() bool {
		s := b.Table().Detached()
		return len(s) == 1 && s[0].StreamManager().Pending() == 3
	}, time.Second, 5*time.Millisecond)

	again := dial(t, b)
	again.authenticate("alice", "secret")
	again.send("<resume xmlns='" + sm.NSv3 + "' previd='" + previd + "' h='1'/>")

	resumed := again.expect(sm.NSv3, "resumed")
	assert.Equal(t, previd, resumed.Attr("previd"))
	assert.Equal(t, "0", resumed.Attr("h"))

	two := again.expect(stanza.NSClient, "message")
	assert.Equal(t, "two", two.Child(stanza.NSClient, "body").Text)
	assert.True(t, two.HasChild(stanza.NSDelay, "delay"))
	away := again.expect(stanza.NSClient, "message")
	assert.Equal(t, "while away", away.Child(stanza.NSClient, "body").Text)
	assert.Equal(t, bobJID, away.Attr("from"))
	again.expect(sm.NSv3, "r")

	assert.Equal(t, 0, b.Table().DetachedCount())
	assert.Equal(t, uint64(1), b.Stats().GetSessionsResumed())

	// The resumed stream keeps routing.
	bob.send(chatTo("alice@example.com/phone", "welcome back"))
	msg := again.expect(stanza.NSClient, "message")
	assert.Equal(t, "welcome back", msg.Child(stanza.NSClient, "body").Text)
}

func TestBroker_ResumeUnknownSession(t *testing.T) {
	b := newTestBroker(t, memory.New(0))
	c := dial(t, b)
	c.authenticate("alice", "secret")

	c.send("<resume xmlns='" + sm.NSv3 + "' previd='" + sm.EncodeToken("phone", "nope") + "' h='0'/>")
	failed := c.expect(sm.NSv3, "failed")
	assert.True(t, failed.HasChild(stanza.NSStanzas, sm.CondItemNotFound))
	assert.Equal(t, uint64(1), b.Stats().GetResumeFailures())

	// The stream can still bind normally.
	assert.Equal(t, "alice@example.com/phone", c.bind("phone"))
}

func TestBroker_GracefulCloseStoresOffline(t *testing.T) {
	store := memory.New(0)
	b := newTestBroker(t, store)

	alice := dial(t, b)
	bob := dial(t, b)
	alice.login("alice", "secret", "phone")
	bob.login("bob", "hunter2", "laptop")
	alice.enable(true)

	bob.send(chatTo("alice@example.com/phone", "unacked"))
	alice.expect(stanza.NSClient, "message")

	alice.send("</stream:stream>")
	alice.expectClosed()
	<-alice.done

	n, err := store.Count("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, b.Table().Count(), "only bob remains")

	back := dial(t, b)
	back.login("alice", "secret", "tablet")
	back.send("<presence/>")
	msg := back.expect(stanza.NSClient, "message")
	assert.Equal(t, "unacked", msg.Child(stanza.NSClient, "body").Text)
	assert.True(t, msg.HasChild(stanza.NSDelay, "delay"))
	assert.Equal(t, uint64(1), b.Stats().GetOfflineFlushed())
}

func TestBroker_ReapDetached(t *testing.T) {
	store := memory.New(0)
	b := newTestBroker(t, store)
	b.cfg.SM.DetachTimeout = time.Millisecond

	alice := dial(t, b)
	bob := dial(t, b)
	alice.login("alice", "secret", "phone")
	bob.login("bob", "hunter2", "laptop")
	alice.enable(true)

	bob.send(chatTo("alice@example.com/phone", "pending"))
	alice.expect(stanza.NSClient, "message")
	alice.conn.Close()
	<-alice.done
	require.Eventually(t, func() bool { return b.Table().DetachedCount() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, b.reapDetached())
	assert.Equal(t, 0, b.Table().DetachedCount())
	assert.Equal(t, uint64(1), b.Stats().GetSessionsTerminated())

	n, err := store.Count("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBroker_ResourceConflict(t *testing.T) {
	b := newTestBroker(t, memory.New(0))
	first := dial(t, b)
	second := dial(t, b)

	first.login("alice", "secret", "phone")
	second.login("alice", "secret", "phone")

	errEl := first.expect(stanza.NSStream, "error")
	assert.True(t, errEl.HasChild(stanza.NSStreams, "conflict"))
	first.expectClosed()

	require.Eventually(t, func() bool { return b.Table().Count() == 1 }, time.Second, 5*time.Millisecond)
	second.send("<iq type='get' id='p1' to='example.com'><ping xmlns='urn:xmpp:ping'/></iq>")
	second.expect(stanza.NSClient, "iq")
}

func TestBroker_CloseShutsDownStreams(t *testing.T) {
	b := newTestBroker(t, memory.New(0))
	c := dial(t, b)
	c.login("alice", "secret", "phone")

	require.NoError(t, b.Close())
	errEl := c.expect(stanza.NSStream, "error")
	assert.True(t, errEl.HasChild(stanza.NSStreams, "system-shutdown"))
	c.expectClosed()

	late := dial(t, b)
	errEl = late.expect(stanza.NSStream, "error")
	assert.True(t, errEl.HasChild(stanza.NSStreams, "system-shutdown"))
}
