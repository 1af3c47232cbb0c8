// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetUser responses.
	Users map[string]*model.User
	// UserList is the ordered response for the paginated users listing.
	UserList []*model.User
	// Statuses is the response for the status-by-ids lookup.
	Statuses []*model.Status
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// ChannelMembers maps channel ID to member list.
	ChannelMembers map[string]model.ChannelMembers
	// ChannelsForUser maps user ID to channel list, DMs included.
	ChannelsForUser map[string][]*model.Channel
	// DirectChannel is the response for direct channel creation.
	DirectChannel *model.Channel
	// Files maps file ID to model.FileInfo.
	Files map[string]*model.FileInfo
	// FailEndpoints causes specific path substrings to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:           make(map[string]*model.User),
		Channels:        make(map[string]*model.Channel),
		ChannelMembers:  make(map[string]model.ChannelMembers),
		ChannelsForUser: make(map[string][]*model.Channel),
		Files:           make(map[string]*model.FileInfo),
		FailEndpoints:   make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CalledPath(path string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

// LastBody returns the body of the most recent call whose path contains the
// given substring.
func (f *fakeMM) LastBody(path string) string {
	calls := f.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if strings.Contains(calls[i].Path, path) {
			return calls[i].Body
		}
	}
	return ""
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}

	path := r.URL.Path

	switch {
	// GET /api/v4/users (paginated listing)
	case r.Method == "GET" && path == "/api/v4/users":
		page := r.URL.Query().Get("page")
		if page == "" || page == "0" {
			_ = json.NewEncoder(w).Encode(f.UserList)
			return
		}
		_ = json.NewEncoder(w).Encode([]*model.User{})

	// POST /api/v4/users/status/ids
	case r.Method == "POST" && path == "/api/v4/users/status/ids":
		_ = json.NewEncoder(w).Encode(f.Statuses)

	// PUT /api/v4/users/{user_id}/status
	case r.Method == "PUT" && strings.HasSuffix(path, "/status"):
		var status model.Status
		_ = json.Unmarshal(body, &status)
		_ = json.NewEncoder(w).Encode(&status)

	// GET /api/v4/users/{user_id}/channels
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && strings.HasSuffix(path, "/channels"):
		parts := strings.Split(path, "/")
		// /api/v4/users/{uid}/channels
		if len(parts) >= 6 {
			if chs, ok := f.ChannelsForUser[parts[4]]; ok {
				_ = json.NewEncoder(w).Encode(chs)
				return
			}
		}
		_ = json.NewEncoder(w).Encode([]*model.Channel{})

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && !strings.Contains(path[len("/api/v4/users/"):], "/"):
		uid := path[len("/api/v4/users/"):]
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "no such user"})

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		_ = json.NewEncoder(w).Encode(&post)

	// POST /api/v4/channels/members/{user_id}/view
	case r.Method == "POST" && strings.Contains(path, "/members/") && strings.HasSuffix(path, "/view"):
		_ = json.NewEncoder(w).Encode(&model.ChannelViewResponse{Status: "OK"})

	// POST /api/v4/channels/direct
	case r.Method == "POST" && path == "/api/v4/channels/direct":
		if f.DirectChannel != nil {
			_ = json.NewEncoder(w).Encode(f.DirectChannel)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "no direct channel configured"})

	// PUT /api/v4/channels/{channel_id}/patch
	case r.Method == "PUT" && strings.HasSuffix(path, "/patch"):
		parts := strings.Split(path, "/")
		if len(parts) >= 5 {
			if ch, ok := f.Channels[parts[4]]; ok {
				_ = json.NewEncoder(w).Encode(ch)
				return
			}
		}
		_ = json.NewEncoder(w).Encode(&model.Channel{})

	// DELETE /api/v4/channels/{channel_id}/members/{user_id}
	case r.Method == "DELETE" && strings.Contains(path, "/members/"):
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	// POST /api/v4/channels/{channel_id}/members
	case r.Method == "POST" && strings.HasSuffix(path, "/members"):
		var member model.ChannelMember
		_ = json.Unmarshal(body, &member)
		_ = json.NewEncoder(w).Encode(&member)

	// GET /api/v4/channels/{channel_id}/members
	case r.Method == "GET" && strings.HasSuffix(path, "/members"):
		parts := strings.Split(path, "/")
		if len(parts) >= 5 {
			if members, ok := f.ChannelMembers[parts[4]]; ok {
				_ = json.NewEncoder(w).Encode(members)
				return
			}
		}
		_ = json.NewEncoder(w).Encode(model.ChannelMembers{})

	// GET /api/v4/channels/{channel_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && !strings.Contains(path[len("/api/v4/channels/"):], "/"):
		chID := path[len("/api/v4/channels/"):]
		if ch, ok := f.Channels[chID]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "no such channel"})

	// GET /api/v4/files/{file_id}/info
	case r.Method == "GET" && strings.Contains(path, "/files/") && strings.HasSuffix(path, "/info"):
		parts := strings.Split(path, "/")
		if len(parts) >= 5 {
			if fi, ok := f.Files[parts[4]]; ok {
				_ = json.NewEncoder(w).Encode(fi)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "no such file"})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// newTestRemote returns a MattermostRemote wired to a fake API server, in
// the state Connect would have left it, minus the websocket.
func newTestRemote(serverURL string) *MattermostRemote {
	r := NewMattermostRemote(MattermostConfig{ServerURL: serverURL, Token: "test-token"}, zerolog.Nop())
	r.me = &RemoteUser{ID: "my-user-id", Username: "myself", RealName: "My Self"}
	r.teamID = "team-1"
	r.serverName = "Test Team"
	r.markKnown("my-user-id")
	return r
}

// nextEvent pops one event from the remote's feed, failing on timeout.
func nextEvent(t *testing.T, r *MattermostRemote) RemoteEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event within 5s")
		return nil
	}
}

// expectNoEvent asserts the feed is empty. Handlers emit synchronously, so
// no waiting is involved.
func expectNoEvent(t *testing.T, r *MattermostRemote) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event %T: %+v", ev, ev)
	default:
	}
}

// postedEvent builds a posted websocket event carrying the given post.
func postedEvent(t *testing.T, post *model.Post) *model.WebSocketEvent {
	t.Helper()
	buf, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	return newWebSocketEvent(model.WebsocketEventPosted, post.ChannelId, map[string]any{"post": string(buf)})
}
