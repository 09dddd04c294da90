// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-roombridge/pkg/connector/database"
	"github.com/aiku/mattermost-roombridge/pkg/connector/remotecall"
)

// ---------------------------------------------------------------------------
// fakeRemote is an in-memory RemoteService.
// ---------------------------------------------------------------------------

type remotePost struct {
	Room RemoteRoom
	Text string
	// As is the remote user ID the post was made as.
	As string
	ID string
}

type fakeRemote struct {
	mu sync.Mutex

	self    RemoteUser
	users   map[string]RemoteUser
	members map[string][]RemoteUser
	puppets map[string]RemoteUser
	joinErr map[string]error
	sendErr error
	joins   []string
	leaves  []string
	// ops records joins and completed leaves in order.
	ops      []string
	posts    []remotePost
	nextPost int
	sinks    map[string]func(RemoteEvent)
	// beforeSend, if set, runs inside Send before the post ID is returned.
	beforeSend func(postID string)
	// leaveGate, if set, blocks LeaveRoom until it is closed.
	leaveGate chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		self:    RemoteUser{ID: "relay-id", Username: "relay"},
		users:   make(map[string]RemoteUser),
		members: make(map[string][]RemoteUser),
		puppets: make(map[string]RemoteUser),
		joinErr: make(map[string]error),
		sinks:   make(map[string]func(RemoteEvent)),
	}
}

func (f *fakeRemote) Self(context.Context) (RemoteUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.self, nil
}

func (f *fakeRemote) post(as string, room RemoteRoom, text string) (string, error) {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return "", err
	}
	f.nextPost++
	postID := fmt.Sprintf("post-%d", f.nextPost)
	f.posts = append(f.posts, remotePost{Room: room, Text: text, As: as, ID: postID})
	hook := f.beforeSend
	f.mu.Unlock()
	if hook != nil {
		hook(postID)
	}
	return postID, nil
}

func (f *fakeRemote) Send(_ context.Context, room RemoteRoom, text string) (string, error) {
	return f.post(f.self.ID, room, text)
}

func (f *fakeRemote) JoinRoom(_ context.Context, name string) (RemoteRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, name)
	f.ops = append(f.ops, "join "+name)
	if err := f.joinErr[name]; err != nil {
		return RemoteRoom{}, err
	}
	return RemoteRoom{ID: "ch-" + name, Name: name}, nil
}

func (f *fakeRemote) LeaveRoom(ctx context.Context, room RemoteRoom) error {
	f.mu.Lock()
	gate := f.leaveGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, room.Name)
	f.ops = append(f.ops, "leave "+room.Name)
	return nil
}

func (f *fakeRemote) Subscribe(room RemoteRoom, sink func(RemoteEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[room.Name] = sink
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.sinks, room.Name)
	}
}

// emit feeds an event into the subscription of a remote room.
func (f *fakeRemote) emit(t *testing.T, roomName string, evt RemoteEvent) {
	t.Helper()
	f.mu.Lock()
	sink := f.sinks[roomName]
	f.mu.Unlock()
	if sink == nil {
		t.Fatalf("no subscription for %s", roomName)
	}
	sink(evt)
}

func (f *fakeRemote) subscribed(roomName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[roomName] != nil
}

type fakePuppetSender struct {
	remote *fakeRemote
	user   RemoteUser
}

func (p *fakePuppetSender) Send(_ context.Context, room RemoteRoom, text string) (string, error) {
	return p.remote.post(p.user.ID, room, text)
}

func (f *fakeRemote) Puppet(_ context.Context, credential string) (RemoteSender, RemoteUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.puppets[credential]
	if !ok {
		return nil, RemoteUser{}, remotecall.StatusError(401, "get me", errors.New("invalid token"))
	}
	return &fakePuppetSender{remote: f, user: user}, user, nil
}

func (f *fakeRemote) ListUsers(_ context.Context, room RemoteRoom, page, perPage int) ([]RemoteUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.members[room.Name]
	start := page * perPage
	if start >= len(all) {
		return nil, nil
	}
	return slices.Clone(all[start:min(start+perPage, len(all))]), nil
}

func (f *fakeRemote) GetUser(_ context.Context, userID string) (RemoteUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	return RemoteUser{}, remotecall.StatusError(404, "get user", errors.New("not found"))
}

func (f *fakeRemote) GetUserByName(_ context.Context, username string) (RemoteUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return RemoteUser{}, remotecall.StatusError(404, "get user by username", errors.New("not found"))
}

func (f *fakeRemote) FetchAvatar(context.Context, RemoteUser) ([]byte, string, error) {
	return []byte("\x89PNG"), "image/png", nil
}

func (f *fakeRemote) Posts() []remotePost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.posts)
}

func (f *fakeRemote) Leaves() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.leaves)
}

func (f *fakeRemote) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.ops)
}

// ---------------------------------------------------------------------------
// fakeLocal is an in-memory LocalNetwork.
// ---------------------------------------------------------------------------

type localSend struct {
	Sender  id.UserID
	RoomID  id.RoomID
	Content *event.MessageEventContent
}

type fakeLocal struct {
	mu sync.Mutex

	bot          id.UserID
	members      map[id.RoomID]map[id.UserID]struct{}
	sent         []localSend
	notices      []string
	left         []string
	displayNames map[id.UserID]string
	avatars      map[id.UserID]id.ContentURIString
	presence     map[id.UserID]bool
	created      []id.RoomID
	canLink      bool
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		bot:          "@mattermostbot:example.com",
		members:      make(map[id.RoomID]map[id.UserID]struct{}),
		displayNames: make(map[id.UserID]string),
		avatars:      make(map[id.UserID]id.ContentURIString),
		presence:     make(map[id.UserID]bool),
		canLink:      true,
	}
}

func (f *fakeLocal) who(user id.UserID) id.UserID {
	if user == "" {
		return f.bot
	}
	return user
}

func (f *fakeLocal) joinLocked(user id.UserID, roomID id.RoomID) {
	if f.members[roomID] == nil {
		f.members[roomID] = make(map[id.UserID]struct{})
	}
	f.members[roomID][f.who(user)] = struct{}{}
}

// addMember puts a user in a room without recording anything else.
func (f *fakeLocal) addMember(roomID id.RoomID, users ...id.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range users {
		f.joinLocked(u, roomID)
	}
}

func (f *fakeLocal) isMember(roomID id.RoomID, user id.UserID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.members[roomID][user]
	return ok
}

func (f *fakeLocal) BotUserID() id.UserID { return f.bot }
func (f *fakeLocal) ServerName() string   { return "example.com" }

func (f *fakeLocal) SendMessage(_ context.Context, sender id.UserID, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinLocked(sender, roomID)
	f.sent = append(f.sent, localSend{Sender: f.who(sender), RoomID: roomID, Content: content})
	return id.EventID(fmt.Sprintf("$evt-%d", len(f.sent))), nil
}

func (f *fakeLocal) SendNotice(_ context.Context, _ id.RoomID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
	return nil
}

func (f *fakeLocal) EnsureJoined(_ context.Context, user id.UserID, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinLocked(user, roomID)
	return nil
}

func (f *fakeLocal) LeaveRoom(_ context.Context, user id.UserID, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[roomID], f.who(user))
	f.left = append(f.left, string(f.who(user))+" "+string(roomID))
	return nil
}

func (f *fakeLocal) JoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]id.UserID, 0, len(f.members[roomID]))
	for u := range f.members[roomID] {
		out = append(out, u)
	}
	slices.Sort(out)
	return out, nil
}

func (f *fakeLocal) SetDisplayName(_ context.Context, user id.UserID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.displayNames[user] = name
	return nil
}

func (f *fakeLocal) SetAvatar(_ context.Context, user id.UserID, _ []byte, _ string) (id.ContentURIString, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mxc := id.ContentURIString("mxc://example.com/" + strings.TrimPrefix(string(user), "@"))
	f.avatars[user] = mxc
	return mxc, nil
}

func (f *fakeLocal) SetPresence(_ context.Context, user id.UserID, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence[user] = online
	return nil
}

func (f *fakeLocal) CreatePortalRoom(_ context.Context, aliasLocalpart, _ string) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roomID := id.RoomID(fmt.Sprintf("!portal%d:example.com", len(f.created)+1))
	f.created = append(f.created, roomID)
	f.joinLocked("", roomID)
	return roomID, nil
}

func (f *fakeLocal) CanLink(context.Context, id.RoomID, id.UserID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canLink, nil
}

func (f *fakeLocal) MediaURL(uri id.ContentURIString) (string, bool) {
	parsed, err := uri.Parse()
	if err != nil || parsed.IsEmpty() {
		return "", false
	}
	return "https://matrix.example.com/_matrix/media/v3/download/" + parsed.Homeserver + "/" + parsed.FileID, true
}

func (f *fakeLocal) Sent() []localSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

func (f *fakeLocal) SentTo(roomID id.RoomID) []localSend {
	var out []localSend
	for _, s := range f.Sent() {
		if s.RoomID == roomID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeLocal) Notices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.notices)
}

// ---------------------------------------------------------------------------
// Orchestrator fixtures
// ---------------------------------------------------------------------------

type testEnv struct {
	orch   *Orchestrator
	remote *fakeRemote
	local  *fakeLocal
	store  *database.MemoryStore
	cfg    *Config
}

func testConfig(t *testing.T) (*Config, *Compiled) {
	t.Helper()
	cfg := &Config{
		Homeserver: HomeserverConfig{Address: "https://matrix.example.com", Domain: "example.com"},
		Mattermost: MattermostConfig{ServerURL: "https://mm.example.com"},
	}
	compiled, err := cfg.PostProcess()
	if err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	cfg.Bridge.RateLimit = time.Nanosecond
	cfg.Bridge.SyncRateLimit = time.Nanosecond
	cfg.Bridge.StartupStagger = time.Millisecond
	return cfg, compiled
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg, compiled := testConfig(t)
	env := &testEnv{
		remote: newFakeRemote(),
		local:  newFakeLocal(),
		store:  database.NewMemoryStore(),
		cfg:    cfg,
	}
	env.orch = NewOrchestrator(Params{
		Config:   cfg,
		Compiled: compiled,
		Store:    env.store,
		Remote:   env.remote,
		Local:    env.local,
		Log:      zerolog.Nop(),
	})
	t.Cleanup(env.orch.Stop)
	return env
}

// linked returns the env with localRoomID linked to remoteName.
func (env *testEnv) link(t *testing.T, localRoomID id.RoomID, remoteName string) *RoomBridge {
	t.Helper()
	if err := env.orch.Link(context.Background(), localRoomID, remoteName); err != nil {
		t.Fatalf("Link(%s, %s): %v", localRoomID, remoteName, err)
	}
	b, ok := env.orch.Bridge(remoteName)
	if !ok {
		t.Fatalf("no bridge for %s after link", remoteName)
	}
	return b
}

// eventually polls cond until it holds or a few seconds have passed.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func textMessage(roomID id.RoomID, sender id.UserID, body string) LocalMessage {
	return LocalMessage{
		RoomID:  roomID,
		EventID: id.EventID("$" + body),
		Sender:  sender,
		Content: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
	}
}

// ---------------------------------------------------------------------------
// fakeMM is an httptest server speaking enough of the Mattermost API for
// MattermostClient.
// ---------------------------------------------------------------------------

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Channels maps "team/channel" to model.Channel.
	Channels map[string]*model.Channel
	// ChannelUsers maps channel ID to member list.
	ChannelUsers map[string][]*model.User
	// FailEndpoints makes paths containing a key answer with the status.
	FailEndpoints map[string]int
}

func newFakeMM(t *testing.T) *fakeMM {
	f := &fakeMM{
		Users:         make(map[string]*model.User),
		TokenToUser:   make(map[string]string),
		Channels:      make(map[string]*model.Channel),
		ChannelUsers:  make(map[string][]*model.User),
		FailEndpoints: make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeMM) CalledPath(method, path string) bool {
	for _, c := range f.Calls() {
		if c.Method == method && c.Path == path {
			return true
		}
	}
	return false
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if strings.EqualFold(auth, "Bearer "+tok) {
			return uid
		}
	}
	return ""
}

func writeMMError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": "fake.error", "message": msg, "status_code": status})
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := r.URL.Path
	f.record(r.Method, path, string(body))

	for prefix, status := range f.FailEndpoints {
		if strings.Contains(path, prefix) {
			writeMMError(w, status, "fake error")
			return
		}
	}
	uid := f.resolveToken(r)
	if uid == "" {
		writeMMError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	switch {
	// GET /api/v4/users/me
	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		_ = json.NewEncoder(w).Encode(f.Users[uid])

	// GET /api/v4/users?in_channel=...&page=...&per_page=...
	case r.Method == http.MethodGet && path == "/api/v4/users":
		users := f.ChannelUsers[r.URL.Query().Get("in_channel")]
		var page, perPage int
		_, _ = fmt.Sscan(r.URL.Query().Get("page"), &page)
		_, _ = fmt.Sscan(r.URL.Query().Get("per_page"), &perPage)
		start := page * perPage
		if start >= len(users) {
			_ = json.NewEncoder(w).Encode([]*model.User{})
			return
		}
		_ = json.NewEncoder(w).Encode(users[start:min(start+perPage, len(users))])

	// GET /api/v4/users/username/{username}
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/users/username/"):
		name := strings.TrimPrefix(path, "/api/v4/users/username/")
		for _, u := range f.Users {
			if u.Username == name {
				_ = json.NewEncoder(w).Encode(u)
				return
			}
		}
		writeMMError(w, http.StatusNotFound, "user not found")

	// GET /api/v4/users/{user_id}/image
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/users/") && strings.HasSuffix(path, "/image"):
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nfake"))

	// GET /api/v4/users/{user_id}
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/users/"):
		if u, ok := f.Users[strings.TrimPrefix(path, "/api/v4/users/")]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		writeMMError(w, http.StatusNotFound, "user not found")

	// GET /api/v4/teams/name/{team}/channels/name/{channel}
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/teams/name/"):
		rest := strings.TrimPrefix(path, "/api/v4/teams/name/")
		team, channel, _ := strings.Cut(rest, "/channels/name/")
		if ch, ok := f.Channels[team+"/"+channel]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		writeMMError(w, http.StatusNotFound, "channel not found")

	// POST /api/v4/channels/{channel_id}/members
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/api/v4/channels/") && strings.HasSuffix(path, "/members"):
		chID := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v4/channels/"), "/members")
		_ = json.NewEncoder(w).Encode(&model.ChannelMember{ChannelId: chID, UserId: uid})

	// DELETE /api/v4/channels/{channel_id}/members/{user_id}
	case r.Method == http.MethodDelete && strings.Contains(path, "/members/"):
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "OK"})

	// POST /api/v4/posts
	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		post.UserId = uid
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	default:
		writeMMError(w, http.StatusNotFound, "not found: "+path)
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// newTestClient creates a MattermostClient for serverURL, logged in as
// my-user-id.
func newTestClient(serverURL string) *MattermostClient {
	mc := NewMattermostClient(serverURL, "test-token", "", zerolog.Nop())
	mc.userID = "my-user-id"
	return mc
}

// postJSON marshals a post the way the websocket carries it.
func postJSON(t *testing.T, post *model.Post) string {
	t.Helper()
	data, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	return string(data)
}

func (f *fakeLocal) displayName(user id.UserID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.displayNames[user]
}
