// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
)

// subscribedClient returns a client logged in as my-user-id, subscribed to
// ch-town, and the slice its events are collected into.
func subscribedClient(t *testing.T) (*MattermostClient, *fakeMM, *[]RemoteEvent) {
	t.Helper()
	fake := newFakeMMWithRelay(t)
	fake.Users["alice-id"] = &model.User{Id: "alice-id", Username: "alice", Nickname: "Al"}
	mc := newTestClient(fake.Server.URL)
	var got []RemoteEvent
	mc.Subscribe(RemoteRoom{ID: "ch-town", Name: "team/town"}, func(evt RemoteEvent) {
		got = append(got, evt)
	})
	return mc, fake, &got
}

func postedEvent(t *testing.T, eventType model.WebsocketEventType, post *model.Post, senderName string) *model.WebSocketEvent {
	t.Helper()
	return newWebSocketEvent(eventType, post.ChannelId, map[string]any{
		"post":        postJSON(t, post),
		"sender_name": senderName,
	})
}

func TestHandleEvent_PostOps(t *testing.T) {
	t.Parallel()
	tests := []struct {
		eventType model.WebsocketEventType
		want      RemoteOp
	}{
		{model.WebsocketEventPosted, RemoteOpCreate},
		{model.WebsocketEventPostEdited, RemoteOpUpdate},
		{model.WebsocketEventPostDeleted, RemoteOpRemove},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			t.Parallel()
			mc, _, got := subscribedClient(t)
			post := &model.Post{Id: "p1", ChannelId: "ch-town", UserId: "alice-id", Message: "hello"}
			mc.handleEvent(postedEvent(t, tt.eventType, post, "@alice"))

			if len(*got) != 1 {
				t.Fatalf("events: got %d, want 1", len(*got))
			}
			evt := (*got)[0]
			if evt.Kind != RemoteEventMessage {
				t.Fatalf("kind: got %v, want message", evt.Kind)
			}
			msg := evt.Message
			if msg.ID != "p1" || msg.Op != tt.want || msg.Text != "hello" {
				t.Errorf("message: got %+v", msg)
			}
			if msg.Sender.Nickname != "Al" {
				t.Errorf("sender should carry the full profile, got %+v", msg.Sender)
			}
		})
	}
}

// TestHandlePosted_MeIsStatus verifies that "/me" posts are relayed and
// marked as status messages.
func TestHandlePosted_MeIsStatus(t *testing.T) {
	t.Parallel()
	mc, _, got := subscribedClient(t)
	post := &model.Post{Id: "p1", ChannelId: "ch-town", UserId: "alice-id", Message: "waves", Type: model.PostTypeMe}
	mc.handleEvent(postedEvent(t, model.WebsocketEventPosted, post, "@alice"))

	if len(*got) != 1 || !(*got)[0].Message.Status {
		t.Fatalf("expected one status message, got %+v", *got)
	}
}

// TestHandlePosted_Skipped verifies the layers that keep a post from being
// relayed.
func TestHandlePosted_Skipped(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		post       *model.Post
		senderName string
	}{
		{"own post", &model.Post{Id: "p1", ChannelId: "ch-town", UserId: "my-user-id", Message: "hi"}, "@relay"},
		{"system message", &model.Post{Id: "p2", ChannelId: "ch-town", UserId: "alice-id", Type: model.PostTypeJoinChannel}, "@alice"},
		{"bot prefix", &model.Post{Id: "p3", ChannelId: "ch-town", UserId: "bot-id", Message: "hi"}, "@bridge_matrix"},
		{"unsubscribed channel", &model.Post{Id: "p4", ChannelId: "ch-other", UserId: "alice-id", Message: "hi"}, "@alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mc, _, got := subscribedClient(t)
			mc.botPrefix = "bridge_"
			mc.handleEvent(postedEvent(t, model.WebsocketEventPosted, tt.post, tt.senderName))
			if len(*got) != 0 {
				t.Errorf("expected no events, got %+v", *got)
			}
		})
	}
}

func TestParsePostEvent_BadData(t *testing.T) {
	t.Parallel()
	mc := newTestClient("http://127.0.0.1:1")

	missing := newWebSocketEvent(model.WebsocketEventPosted, "ch-town", map[string]any{})
	if _, err := mc.parsePostEvent(missing); err == nil {
		t.Error("expected an error for an event without post data")
	}
	invalid := newWebSocketEvent(model.WebsocketEventPosted, "ch-town", map[string]any{"post": "{not json"})
	if _, err := mc.parsePostEvent(invalid); err == nil {
		t.Error("expected an error for invalid post JSON")
	}
}

// TestHandlePosted_LookupFailureFallsBack verifies that a sender whose
// profile cannot be fetched is still relayed under the event's sender name.
func TestHandlePosted_LookupFailureFallsBack(t *testing.T) {
	t.Parallel()
	mc, _, got := subscribedClient(t)
	post := &model.Post{Id: "p1", ChannelId: "ch-town", UserId: "ghost-id", Message: "boo"}
	mc.handleEvent(postedEvent(t, model.WebsocketEventPosted, post, "@casper"))

	if len(*got) != 1 {
		t.Fatalf("events: got %d, want 1", len(*got))
	}
	sender := (*got)[0].Message.Sender
	if sender.ID != "ghost-id" || sender.Username != "casper" {
		t.Errorf("fallback sender: got %+v", sender)
	}
}

func TestHandleStatusChange(t *testing.T) {
	t.Parallel()
	mc, _, got := subscribedClient(t)
	var other []RemoteEvent
	mc.Subscribe(RemoteRoom{ID: "ch-other"}, func(evt RemoteEvent) { other = append(other, evt) })

	mc.handleEvent(newWebSocketEvent(model.WebsocketEventStatusChange, "", map[string]any{
		"user_id": "alice-id",
		"status":  model.StatusAway,
	}))
	mc.handleEvent(newWebSocketEvent(model.WebsocketEventStatusChange, "", map[string]any{
		"user_id": "alice-id",
		"status":  model.StatusOffline,
	}))
	mc.handleEvent(newWebSocketEvent(model.WebsocketEventStatusChange, "", map[string]any{
		"user_id": "my-user-id",
		"status":  model.StatusOnline,
	}))

	if len(*got) != 2 || len(other) != 2 {
		t.Fatalf("status events: got %d and %d, want 2 each", len(*got), len(other))
	}
	if evt := (*got)[0]; evt.Kind != RemoteEventPresence || !evt.Present || evt.User.Username != "alice" {
		t.Errorf("away: got %+v", evt)
	}
	if evt := (*got)[1]; evt.Present {
		t.Errorf("offline: got %+v", evt)
	}
}

func TestHandleMembership(t *testing.T) {
	t.Parallel()
	mc, _, got := subscribedClient(t)

	mc.handleEvent(newWebSocketEvent(model.WebsocketEventUserAdded, "ch-town", map[string]any{"user_id": "alice-id"}))
	mc.handleEvent(newWebSocketEvent(model.WebsocketEventUserRemoved, "", map[string]any{
		"user_id":    "alice-id",
		"channel_id": "ch-town",
	}))
	mc.handleEvent(newWebSocketEvent(model.WebsocketEventUserAdded, "ch-other", map[string]any{"user_id": "alice-id"}))

	if len(*got) != 2 {
		t.Fatalf("membership events: got %d, want 2", len(*got))
	}
	if evt := (*got)[0]; evt.Kind != RemoteEventUserJoined || evt.User.ID != "alice-id" {
		t.Errorf("added: got %+v", evt)
	}
	if evt := (*got)[1]; evt.Kind != RemoteEventUserLeft || evt.User.ID != "alice-id" {
		t.Errorf("removed: got %+v", evt)
	}
}

// TestHandleUserUpdated_ForgetsCachedProfile verifies that a profile change
// makes the next lookup go back to the API.
func TestHandleUserUpdated_ForgetsCachedProfile(t *testing.T) {
	t.Parallel()
	mc, fake, _ := subscribedClient(t)
	ctx := context.Background()

	if _, err := mc.GetUser(ctx, "alice-id"); err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	fake.mu.Lock()
	fake.Users["alice-id"] = &model.User{Id: "alice-id", Username: "alice", Nickname: "Alice"}
	fake.mu.Unlock()

	mc.handleEvent(newWebSocketEvent(model.WebsocketEventUserUpdated, "", map[string]any{
		"user": map[string]any{"id": "alice-id"},
	}))
	u, err := mc.GetUser(ctx, "alice-id")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Nickname != "Alice" {
		t.Errorf("Nickname after update: got %q, want %q", u.Nickname, "Alice")
	}
}

func TestIsBridgeUsername(t *testing.T) {
	t.Parallel()
	tests := []struct {
		username string
		prefix   string
		want     bool
	}{
		{"bridge_alice", "bridge_", true},
		{"alice", "bridge_", false},
		{"alice", "", false},
		{"mattermost-bridge", "", false},
	}
	for _, tt := range tests {
		if got := isBridgeUsername(tt.username, tt.prefix); got != tt.want {
			t.Errorf("isBridgeUsername(%q, %q): got %v, want %v", tt.username, tt.prefix, got, tt.want)
		}
	}
}
