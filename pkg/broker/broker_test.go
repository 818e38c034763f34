// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/turtacn/stomp-go/pkg/auth"
	"github.com/turtacn/stomp-go/pkg/connection"
	"github.com/turtacn/stomp-go/pkg/history"
	"github.com/turtacn/stomp-go/pkg/protocol/stomp"
)

func isBound(b *Broker, username string) bool {
	for _, s := range b.Sessions().List() {
		if s.Username == username {
			return true
		}
	}
	return false
}

// clientHandle records frames the broker sends to one connection.
type clientHandle struct {
	mu     sync.Mutex
	frames []*stomp.Frame
	closed bool
}

func (c *clientHandle) Send(f *stomp.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *clientHandle) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// take returns and clears the recorded frames.
func (c *clientHandle) take() []*stomp.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.frames
	c.frames = nil
	return out
}

type testClient struct {
	*Handler
	out *clientHandle
}

func newTestBroker(opts Options) *Broker {
	if opts.Hasher.Algorithm == "" {
		opts.Hasher = auth.Hasher{Algorithm: auth.HashPlain}
	}
	opts.Logger = zap.NewNop()
	return New(opts)
}

func dial(b *Broker) *testClient {
	out := &clientHandle{}
	id := b.NextConnectionID()
	return &testClient{Handler: b.Accept(id, out, "127.0.0.1:1000"), out: out}
}

func frameText(command string, kv ...string) string {
	return frameWithBody(command, "", kv...)
}

func frameWithBody(command, body string, kv ...string) string {
	var sb strings.Builder
	sb.WriteString(command + "\n")
	for i := 0; i+1 < len(kv); i += 2 {
		sb.WriteString(kv[i] + ":" + kv[i+1] + "\n")
	}
	sb.WriteString("\n" + body)
	return sb.String()
}

func connectText(login, passcode string, extra ...string) string {
	kv := append([]string{"accept-version", "1.2", "host", "localhost", "login", login, "passcode", passcode}, extra...)
	return frameText("CONNECT", kv...)
}

func (c *testClient) connect(t *testing.T, login, passcode string) {
	t.Helper()
	c.Process(connectText(login, passcode))
	frames := c.out.take()
	require.Len(t, frames, 1)
	require.Equal(t, stomp.CommandConnected, frames[0].Command, frames[0].String())
}

func (c *testClient) subscribe(t *testing.T, destination, id string) {
	t.Helper()
	c.Process(frameText("SUBSCRIBE", "destination", destination, "id", id))
	require.Empty(t, c.out.take())
	require.False(t, c.ShouldTerminate())
}

func requireError(t *testing.T, c *testClient, reason string) *stomp.Frame {
	t.Helper()
	frames := c.out.take()
	require.Len(t, frames, 1)
	f := frames[0]
	require.Equal(t, stomp.CommandError, f.Command)
	assert.Equal(t, reason, f.Header.Value(stomp.HeaderMessage))
	assert.True(t, c.ShouldTerminate())
	return f
}

func TestScenario_SubscribeSendDisconnect(t *testing.T) {
	b := newTestBroker(Options{})
	alice := dial(b)

	alice.Process(connectText("alice", "pw1"))
	frames := alice.out.take()
	require.Len(t, frames, 1)
	connected := frames[0]
	assert.Equal(t, stomp.CommandConnected, connected.Command)
	assert.Equal(t, "1.2", connected.Header.Value(stomp.HeaderVersion))
	assert.NotEmpty(t, connected.Header.Value(stomp.HeaderSession))
	assert.Equal(t, "stomp-go/"+Version, connected.Header.Value(stomp.HeaderServer))
	assert.True(t, alice.Authenticated())
	assert.Equal(t, "alice", alice.Username())

	alice.subscribe(t, "/topic/a", "s1")

	alice.Process(frameWithBody("SEND", "hi", "destination", "/topic/a", "receipt", "r1"))
	frames = alice.out.take()
	require.Len(t, frames, 2)
	msg := frames[0]
	assert.Equal(t, stomp.CommandMessage, msg.Command)
	assert.Equal(t, "s1", msg.Header.Value(stomp.HeaderSubscription))
	assert.Equal(t, "/topic/a", msg.Header.Value(stomp.HeaderDestination))
	assert.NotEmpty(t, msg.Header.Value(stomp.HeaderMessageID))
	assert.Equal(t, "hi", msg.Body)
	assert.Equal(t, stomp.CommandReceipt, frames[1].Command)
	assert.Equal(t, "r1", frames[1].Header.Value(stomp.HeaderReceiptID))

	alice.Process(frameText("DISCONNECT", "receipt", "r2"))
	frames = alice.out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, stomp.CommandReceipt, frames[0].Command)
	assert.Equal(t, "r2", frames[0].Header.Value(stomp.HeaderReceiptID))
	assert.True(t, alice.ShouldTerminate())
	assert.False(t, b.Connections().Registered(alice.ID()))
	assert.False(t, b.Topics().IsSubscribed(alice.ID(), "/topic/a"))
	assert.False(t, isBound(b, "alice"))

	// Transport close after DISCONNECT is harmless.
	alice.Close()
	alice.Close()
}

func TestScenario_SendWithoutSubscribe(t *testing.T) {
	b := newTestBroker(Options{})
	c := dial(b)
	c.connect(t, "bob", "pw")

	c.Process(frameWithBody("SEND", "x", "destination", "/topic/b"))
	requireError(t, c, ReasonNotSubscribed)
	assert.False(t, b.Connections().Registered(c.ID()))
	assert.False(t, isBound(b, "bob"))

	// Further frames are ignored.
	c.Process(frameText("SUBSCRIBE", "destination", "/topic/b", "id", "1"))
	assert.Empty(t, c.out.take())
}

func TestConnect_MissingHeaders(t *testing.T) {
	b := newTestBroker(Options{})
	c := dial(b)

	c.Process(frameText("CONNECT", "accept-version", "1.2", "login", "alice"))
	f := requireError(t, c, ReasonMalformed)
	assert.Contains(t, f.Body, "missing header(s): host, passcode")
	assert.Equal(t, 0, b.Sessions().Users())
}

func TestConnect_UnsupportedVersion(t *testing.T) {
	b := newTestBroker(Options{})
	c := dial(b)

	c.Process(frameText("CONNECT", "accept-version", "1.0,1.1", "host", "h", "login", "a", "passcode", "p"))
	requireError(t, c, ReasonUnsupportedVersion)
	assert.Equal(t, 0, b.Sessions().Users())

	ok := dial(b)
	ok.Process(frameText("CONNECT", "accept-version", "1.1, 1.2", "host", "h", "login", "a", "passcode", "p"))
	frames := ok.out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, stomp.CommandConnected, frames[0].Command)
}

func TestConnect_Receipt(t *testing.T) {
	b := newTestBroker(Options{})
	c := dial(b)

	c.Process(connectText("alice", "pw", "receipt", "c-1"))
	frames := c.out.take()
	require.Len(t, frames, 2)
	assert.Equal(t, stomp.CommandConnected, frames[0].Command)
	assert.Equal(t, stomp.CommandReceipt, frames[1].Command)
	assert.Equal(t, "c-1", frames[1].Header.Value(stomp.HeaderReceiptID))
}

func TestConnect_SecondConnectOnSameConnection(t *testing.T) {
	b := newTestBroker(Options{})
	c := dial(b)
	c.connect(t, "alice", "pw")

	c.Process(connectText("carol", "pw"))
	requireError(t, c, ReasonClientConnected)
	// The failed connection is torn down, which releases alice.
	assert.False(t, isBound(b, "alice"))
	assert.False(t, isBound(b, "carol"))
}

func TestConnect_AlreadyLoggedInElsewhere(t *testing.T) {
	b := newTestBroker(Options{})
	first := dial(b)
	first.connect(t, "alice", "pw")

	second := dial(b)
	second.Process(connectText("alice", "pw"))
	requireError(t, second, ReasonAlreadyLoggedIn)

	assert.True(t, isBound(b, "alice"))
	assert.False(t, first.ShouldTerminate())
}

func TestConnect_WrongPassword(t *testing.T) {
	b := newTestBroker(Options{})
	first := dial(b)
	first.connect(t, "alice", "pw")
	first.Close()

	second := dial(b)
	second.Process(connectText("alice", "nope", "receipt", "x"))
	f := requireError(t, second, ReasonWrongPassword)
	assert.Equal(t, "x", f.Header.Value(stomp.HeaderReceiptID))
	assert.Contains(t, f.Body, "passcode:********")
	assert.NotContains(t, f.Body, "nope")
	assert.False(t, isBound(b, "alice"))

	third := dial(b)
	third.connect(t, "alice", "pw")
}

func TestConnect_PreseededUser(t *testing.T) {
	b := newTestBroker(Options{})
	cred, err := auth.Hasher{Algorithm: auth.HashSHA256}.NewCredential("s3cret")
	require.NoError(t, err)
	require.NoError(t, b.Sessions().Preseed("admin", cred))

	bad := dial(b)
	bad.Process(connectText("admin", "guess"))
	requireError(t, bad, ReasonWrongPassword)

	good := dial(b)
	good.connect(t, "admin", "s3cret")
}

func TestUnauthorizedCommands(t *testing.T) {
	for _, text := range []string{
		frameWithBody("SEND", "x", "destination", "/t"),
		frameText("SUBSCRIBE", "destination", "/t", "id", "1"),
		frameText("UNSUBSCRIBE", "id", "1"),
		frameText("DISCONNECT", "receipt", "r"),
	} {
		b := newTestBroker(Options{})
		c := dial(b)
		c.Process(text)
		requireError(t, c, ReasonNotLoggedIn)
		assert.False(t, b.Connections().Registered(c.ID()))
	}
}

func TestUnknownCommand(t *testing.T) {
	b := newTestBroker(Options{})
	c := dial(b)
	c.Process(frameText("PUBLISH", "destination", "/t"))
	f := requireError(t, c, ReasonUnsupportedCommand)
	assert.Contains(t, f.Body, "PUBLISH")

	// Broker-only commands are not accepted from clients either.
	c2 := dial(b)
	c2.Process(frameText("MESSAGE"))
	requireError(t, c2, ReasonUnsupportedCommand)
}

func TestHeartbeatIgnored(t *testing.T) {
	b := newTestBroker(Options{})
	c := dial(b)
	c.Process("\n")
	c.Process("\r\n\r\n")
	assert.Empty(t, c.out.take())
	assert.False(t, c.ShouldTerminate())

	// EOLs before a frame are skipped.
	c.Process("\n\n" + connectText("alice", "pw"))
	frames := c.out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, stomp.CommandConnected, frames[0].Command)
}

func TestInvalidUTF8(t *testing.T) {
	b := newTestBroker(Options{})
	c := dial(b)
	c.Process("SEND\ndestination:/t\n\n\xff\xfe")
	f := requireError(t, c, ReasonMalformed)
	assert.Contains(t, f.Body, stomp.ErrInvalidUTF8.Error())
}

func TestReject(t *testing.T) {
	b := newTestBroker(Options{})
	c := dial(b)
	c.connect(t, "alice", "pw")
	c.subscribe(t, "/t", "1")

	c.Reject(stomp.ErrFrameTooLarge)
	requireError(t, c, ReasonFrameTooLarge)
	assert.False(t, b.Topics().IsSubscribed(c.ID(), "/t"))
	assert.False(t, isBound(b, "alice"))

	// A second reject is a no-op.
	c.Reject(stomp.ErrFrameTooLarge)
	assert.Empty(t, c.out.take())
}

func TestSubscribe_Errors(t *testing.T) {
	t.Run("missing headers", func(t *testing.T) {
		b := newTestBroker(Options{})
		c := dial(b)
		c.connect(t, "a", "p")
		c.Process(frameText("SUBSCRIBE", "destination", "/t"))
		f := requireError(t, c, ReasonMalformed)
		assert.Contains(t, f.Body, "missing header(s): id")
	})

	t.Run("duplicate id", func(t *testing.T) {
		b := newTestBroker(Options{})
		c := dial(b)
		c.connect(t, "a", "p")
		c.subscribe(t, "/t1", "s")
		c.Process(frameText("SUBSCRIBE", "destination", "/t2", "id", "s", "receipt", "r9"))
		f := requireError(t, c, ReasonDuplicateID)
		assert.Equal(t, "r9", f.Header.Value(stomp.HeaderReceiptID))
	})

	t.Run("same topic twice", func(t *testing.T) {
		b := newTestBroker(Options{})
		c := dial(b)
		c.connect(t, "a", "p")
		c.subscribe(t, "/t", "1")
		c.Process(frameText("SUBSCRIBE", "destination", "/t", "id", "2"))
		requireError(t, c, ReasonAlreadySubscribed)
	})
}

func TestSubscribe_Receipt(t *testing.T) {
	b := newTestBroker(Options{})
	c := dial(b)
	c.connect(t, "a", "p")
	c.Process(frameText("SUBSCRIBE", "destination", "/t", "id", "1", "receipt", "sub-r"))
	frames := c.out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, "sub-r", frames[0].Header.Value(stomp.HeaderReceiptID))
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBroker(Options{})
	alice, bob := dial(b), dial(b)
	alice.connect(t, "alice", "pw")
	bob.connect(t, "bob", "pw")
	alice.subscribe(t, "/news", "a1")
	bob.subscribe(t, "/news", "b1")

	bob.Process(frameText("UNSUBSCRIBE", "id", "b1", "receipt", "u1"))
	frames := bob.out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, "u1", frames[0].Header.Value(stomp.HeaderReceiptID))

	alice.Process(frameWithBody("SEND", "hello", "destination", "/news"))
	assert.Len(t, alice.out.take(), 1)
	assert.Empty(t, bob.out.take())

	bob.Process(frameText("UNSUBSCRIBE", "id", "b1"))
	requireError(t, bob, ReasonUnknownID)
}

func TestSend_FanOut(t *testing.T) {
	b := newTestBroker(Options{})
	const n = 5
	clients := make([]*testClient, n)
	for i := range clients {
		clients[i] = dial(b)
		clients[i].connect(t, "user"+string(rune('a'+i)), "pw")
		clients[i].subscribe(t, "/fan", "sub-"+string(rune('a'+i)))
	}
	outsider := dial(b)
	outsider.connect(t, "outsider", "pw")
	outsider.subscribe(t, "/other", "o")

	clients[0].Process(frameWithBody("SEND", "payload", "destination", "/fan"))

	messageIDs := make(map[string]struct{})
	for i, c := range clients {
		frames := c.out.take()
		require.Len(t, frames, 1)
		m := frames[0]
		assert.Equal(t, stomp.CommandMessage, m.Command)
		assert.Equal(t, "sub-"+string(rune('a'+i)), m.Header.Value(stomp.HeaderSubscription))
		assert.Equal(t, "payload", m.Body)
		messageIDs[m.Header.Value(stomp.HeaderMessageID)] = struct{}{}
	}
	assert.Len(t, messageIDs, n)
	assert.Empty(t, outsider.out.take())
}

func TestSend_SubscriberGoneIsDropped(t *testing.T) {
	b := newTestBroker(Options{})
	alice, bob := dial(b), dial(b)
	alice.connect(t, "alice", "pw")
	bob.connect(t, "bob", "pw")
	alice.subscribe(t, "/t", "a")
	bob.subscribe(t, "/t", "b")

	// Handle vanishes without the subscription being removed yet.
	b.Connections().Disconnect(bob.ID())

	alice.Process(frameWithBody("SEND", "x", "destination", "/t", "receipt", "r"))
	frames := alice.out.take()
	require.Len(t, frames, 2)
	assert.Equal(t, stomp.CommandMessage, frames[0].Command)
	assert.Equal(t, stomp.CommandReceipt, frames[1].Command)
	assert.False(t, alice.ShouldTerminate())
}

func TestAbruptClose(t *testing.T) {
	rec := &recordingHistory{}
	b := newTestBroker(Options{History: rec})
	c := dial(b)
	c.connect(t, "alice", "pw")
	c.subscribe(t, "/a", "1")
	c.subscribe(t, "/b", "2")

	c.Close()
	assert.False(t, b.Topics().IsSubscribed(c.ID(), "/a"))
	assert.False(t, b.Topics().IsSubscribed(c.ID(), "/b"))
	assert.Empty(t, b.Topics().GetSubscribers("/a"))
	assert.False(t, isBound(b, "alice"))
	assert.False(t, b.Connections().Registered(c.ID()))
	assert.Empty(t, c.out.take(), "abrupt close sends nothing")

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, history.EventLogin, events[0].Kind)
	assert.Equal(t, history.EventLogout, events[1].Kind)
	assert.True(t, events[1].Abrupt)
	assert.Equal(t, "alice", events[1].Username)
	assert.Equal(t, "127.0.0.1:1000", events[1].RemoteAddr)

	// Username is free again.
	again := dial(b)
	again.connect(t, "alice", "pw")
}

func TestDisconnect_RequiresReceipt(t *testing.T) {
	b := newTestBroker(Options{})
	c := dial(b)
	c.connect(t, "alice", "pw")
	c.Process(frameText("DISCONNECT"))
	f := requireError(t, c, ReasonMalformed)
	assert.Contains(t, f.Body, "receipt")
}

func TestDisconnect_RecordsLogout(t *testing.T) {
	rec := &recordingHistory{}
	b := newTestBroker(Options{History: rec})
	c := dial(b)
	c.connect(t, "alice", "pw")
	c.Process(frameText("DISCONNECT", "receipt", "bye"))
	c.Close()

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, history.EventLogout, events[1].Kind)
	assert.False(t, events[1].Abrupt)
}

func TestBridgeForwarding(t *testing.T) {
	fwd := &recordingForwarder{}
	b := newTestBroker(Options{Bridge: fwd})
	c := dial(b)
	c.connect(t, "alice", "pw")
	c.subscribe(t, "/t", "1")
	c.Process(frameWithBody("SEND", "body", "destination", "/t"))

	assert.Equal(t, []string{"/t=body"}, fwd.snapshot())
}

func TestShutdown(t *testing.T) {
	b := newTestBroker(Options{})
	in := dial(b)
	in.connect(t, "alice", "pw")
	pending := dial(b)

	assert.Equal(t, 1, b.Shutdown())
	frames := in.out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, stomp.CommandError, frames[0].Command)
	assert.Equal(t, ReasonShuttingDown, frames[0].Header.Value(stomp.HeaderMessage))
	assert.Empty(t, pending.out.take())
}

func TestStats(t *testing.T) {
	b := newTestBroker(Options{NodeID: "n1"})
	a, c := dial(b), dial(b)
	a.connect(t, "a", "p")
	c.connect(t, "c", "p")
	a.subscribe(t, "/x", "1")
	a.subscribe(t, "/y", "2")
	c.subscribe(t, "/x", "1")

	assert.Equal(t, Stats{NodeID: "n1", Connections: 2, Sessions: 2, Users: 2, Topics: 2, Subscriptions: 3}, b.Stats())

	a.Close()
	assert.Equal(t, Stats{NodeID: "n1", Connections: 1, Sessions: 1, Users: 2, Topics: 1, Subscriptions: 1}, b.Stats())
}

func TestNextConnectionID(t *testing.T) {
	b := newTestBroker(Options{})
	assert.Equal(t, connection.ID(1), b.NextConnectionID())
	assert.Equal(t, connection.ID(2), b.NextConnectionID())
}

func TestConcurrentConnectSameUser(t *testing.T) {
	b := newTestBroker(Options{})
	const n = 32
	clients := make([]*testClient, n)
	for i := range clients {
		clients[i] = dial(b)
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *testClient) {
			defer wg.Done()
			c.Process(connectText("shared", "pw"))
		}(c)
	}
	wg.Wait()

	connected := 0
	for _, c := range clients {
		frames := c.out.take()
		require.Len(t, frames, 1)
		switch frames[0].Command {
		case stomp.CommandConnected:
			connected++
		case stomp.CommandError:
			assert.Equal(t, ReasonAlreadyLoggedIn, frames[0].Header.Value(stomp.HeaderMessage))
		}
	}
	assert.Equal(t, 1, connected)
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "malformed_frame", KindMalformedFrame.String())
	assert.Equal(t, "unauthorized", KindUnauthorized.String())
	assert.Equal(t, "protocol_violation", KindProtocolViolation.String())
	assert.Equal(t, "domain_rejection", KindDomainRejection.String())
	assert.Equal(t, "unknown", ErrorKind(42).String())

	err := &ProtocolError{Kind: KindDomainRejection, Message: ReasonNotSubscribed, Detail: "d"}
	assert.Equal(t, "domain_rejection: not subscribed (d)", err.Error())
}

type recordingHistory struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recordingHistory) Record(e history.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return true
}

func (r *recordingHistory) snapshot() []history.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Event(nil), r.events...)
}

type recordingForwarder struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingForwarder) Offer(destination, body string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, destination+"="+body)
	return true
}

func (r *recordingForwarder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}
