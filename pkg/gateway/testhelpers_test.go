// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/irc.v4"
)

// postedMessage records one PostMessage call on the fake remote.
type postedMessage struct {
	Conv ConversationID
	Text string
	Opts PostOptions
}

// fakeRemote is an in-memory RemoteClient. Tests preload users and
// conversations, push events into Emit, and assert on the recorded calls.
type fakeRemote struct {
	me    *RemoteUser
	users []*RemoteUser
	convs []*RemoteConversation

	events   chan RemoteEvent
	stopOnce sync.Once

	mu         sync.Mutex
	posts      []postedMessage
	topics     map[ConversationID]string
	marked     []ConversationID
	joined     []ConversationID
	left       []ConversationID
	leftGroups []ConversationID
	awayCalls  []bool
	directs    map[UserID]ConversationID
	fetchable  map[ConversationID]*RemoteConversation
}

var _ RemoteClient = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		me:        &RemoteUser{ID: "self", Username: "myself", RealName: "My Self"},
		events:    make(chan RemoteEvent, 64),
		topics:    make(map[ConversationID]string),
		directs:   make(map[UserID]ConversationID),
		fetchable: make(map[ConversationID]*RemoteConversation),
	}
}

func (f *fakeRemote) Connect(ctx context.Context) error { return nil }
func (f *fakeRemote) Me() *RemoteUser                   { return f.me }
func (f *fakeRemote) ServerName() string                { return "testspace" }
func (f *fakeRemote) Events() <-chan RemoteEvent        { return f.events }

func (f *fakeRemote) Close() {
	f.stopOnce.Do(func() { close(f.events) })
}

func (f *fakeRemote) Emit(ev RemoteEvent) {
	f.events <- ev
}

func (f *fakeRemote) ListUsers(ctx context.Context) ([]*RemoteUser, error) {
	return f.users, nil
}

func (f *fakeRemote) ListConversations(ctx context.Context) ([]*RemoteConversation, error) {
	return f.convs, nil
}

func (f *fakeRemote) FetchConversation(ctx context.Context, conv ConversationID) (*RemoteConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.fetchable[conv]; ok {
		return c, nil
	}
	return nil, ErrNotFound
}

func (f *fakeRemote) PostMessage(ctx context.Context, conv ConversationID, text string, opts PostOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postedMessage{Conv: conv, Text: text, Opts: opts})
	return nil
}

func (f *fakeRemote) MarkRead(ctx context.Context, conv ConversationID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, conv)
	return nil
}

func (f *fakeRemote) SetTopic(ctx context.Context, conv ConversationID, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[conv] = topic
	return nil
}

func (f *fakeRemote) SetAway(ctx context.Context, away bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awayCalls = append(f.awayCalls, away)
	return nil
}

func (f *fakeRemote) JoinConversation(ctx context.Context, conv ConversationID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, conv)
	return nil
}

func (f *fakeRemote) LeaveConversation(ctx context.Context, conv ConversationID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, conv)
	return nil
}

func (f *fakeRemote) LeaveGroup(ctx context.Context, conv ConversationID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leftGroups = append(f.leftGroups, conv)
	return nil
}

func (f *fakeRemote) OpenDirect(ctx context.Context, user UserID) (ConversationID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.directs[user]; ok {
		return id, nil
	}
	id := ConversationID("dm-" + string(user))
	f.directs[user] = id
	return id, nil
}

func (f *fakeRemote) Posts() []postedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]postedMessage, len(f.posts))
	copy(cp, f.posts)
	return cp
}

func (f *fakeRemote) LeftGroups() []ConversationID {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]ConversationID, len(f.leftGroups))
	copy(cp, f.leftGroups)
	return cp
}

func (f *fakeRemote) Left() []ConversationID {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]ConversationID, len(f.left))
	copy(cp, f.left)
	return cp
}

func (f *fakeRemote) Joined() []ConversationID {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]ConversationID, len(f.joined))
	copy(cp, f.joined)
	return cp
}

func (f *fakeRemote) Marked() []ConversationID {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]ConversationID, len(f.marked))
	copy(cp, f.marked)
	return cp
}

func (f *fakeRemote) Topic(conv ConversationID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topics[conv]
}

func (f *fakeRemote) AwayCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]bool, len(f.awayCalls))
	copy(cp, f.awayCalls)
	return cp
}

// standardFixture preloads a fake remote with a small workspace: two
// users besides the identity, a public channel, a private group, and a
// direct conversation.
func standardFixture(f *fakeRemote) {
	f.users = []*RemoteUser{
		{ID: "u-alice", Username: "alice", RealName: "Alice Doe", Title: "Engineer"},
		{ID: "u-bob", Username: "bob", RealName: "Bob Roe", Away: true, StatusText: "on vacation"},
	}
	f.convs = []*RemoteConversation{
		{ID: "ch-general", Kind: KindChannel, Name: "general", Topic: "all hands",
			Members: []UserID{"self", "u-alice", "u-bob"}},
		{ID: "gr-secret", Kind: KindGroup, Name: "secret", Members: []UserID{"self", "u-alice"}},
		{ID: "dm-alice", Kind: KindDirect, DMPeer: "u-alice", Members: []UserID{"self", "u-alice"}},
	}
}

// testServer couples a running gateway with its loopback address.
type testServer struct {
	*Server
	addr string
}

// startTestServer runs a full gateway over a loopback listener.
func startTestServer(t *testing.T, remote RemoteClient, mutate func(cfg *Config)) *testServer {
	t.Helper()
	cfg := &Config{
		ServerName:    "ircd.test",
		ThreadMode:    ThreadModeInline,
		ShutdownGrace: time.Second,
		Mattermost:    MattermostConfig{ServerURL: "http://unused", Token: "unused"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(cfg, zerolog.Nop(), remote)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down in time")
		}
	})
	return &testServer{Server: srv, addr: ln.Addr().String()}
}

// panickingRemote panics on presence updates, standing in for any handler
// dependency blowing up mid-command.
type panickingRemote struct {
	*fakeRemote
}

func (p *panickingRemote) SetAway(ctx context.Context, away bool) error {
	panic("remote exploded")
}

// testClient is a raw protocol client talking to a test server.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *irc.Reader
	w    *irc.Writer
}

func dialTestClient(t *testing.T, srv *testServer) *testClient {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", srv.addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, r: irc.NewReader(conn), w: irc.NewWriter(conn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if err := c.w.WriteMessage(irc.MustParseMessage(line)); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

// next reads one message, failing the test on timeout.
func (c *testClient) next() *irc.Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := c.r.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return msg
}

// tryNext reads one message, returning the error instead of failing the
// test. Used when teardown races the read.
func (c *testClient) tryNext() (*irc.Message, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return c.r.ReadMessage()
}

// expect reads until a message with the given command arrives, skipping
// everything else.
func (c *testClient) expect(command string) *irc.Message {
	c.t.Helper()
	for i := 0; i < 100; i++ {
		msg := c.next()
		if strings.EqualFold(msg.Command, command) {
			return msg
		}
	}
	c.t.Fatalf("no %s reply within 100 messages", command)
	return nil
}

// register completes NICK/USER and consumes the welcome burst.
func (c *testClient) register(nick string) {
	c.t.Helper()
	c.send("NICK " + nick)
	c.send("USER " + nick + " 0 * :" + nick)
	c.expect(errNoMOTD)
}
