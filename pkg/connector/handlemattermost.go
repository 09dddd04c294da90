// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
)

const eventLookupTimeout = 30 * time.Second

// handleEvent dispatches a Mattermost WebSocket event to the appropriate handler.
func (m *MattermostClient) handleEvent(evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		m.handlePost(evt, RemoteOpCreate)
	case model.WebsocketEventPostEdited:
		m.handlePost(evt, RemoteOpUpdate)
	case model.WebsocketEventPostDeleted:
		m.handlePost(evt, RemoteOpRemove)
	case model.WebsocketEventStatusChange:
		m.handleStatusChange(evt)
	case model.WebsocketEventUserAdded:
		m.handleMembership(evt, true)
	case model.WebsocketEventUserRemoved:
		m.handleMembership(evt, false)
	case model.WebsocketEventUserUpdated:
		m.handleUserUpdated(evt)
	default:
		m.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// parsePostEvent extracts and validates a post from a WebSocket event,
// applying the adapter's echo prevention layers. Returns (nil, nil) to skip
// silently, (nil, err) to log an error, or (post, nil) to proceed.
func (m *MattermostClient) parsePostEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Echo prevention: skip own posts.
	if post.UserId == m.selfID() {
		return nil, nil
	}

	// Skip system messages. "/me" posts are kept.
	if post.Type != "" && post.Type != model.PostTypeDefault && post.Type != model.PostTypeMe {
		return nil, nil
	}

	// Echo prevention: skip posts from usernames matching the bot prefix.
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if senderName != "" && isBridgeUsername(senderName, m.botPrefix) {
		m.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Skipping bridge username post (echo prevention)")
		return nil, nil
	}

	return &post, nil
}

// isBridgeUsername returns true if the username belongs to a bot the bridge
// operator has marked as bridge-managed with the configured prefix.
func isBridgeUsername(username, botPrefix string) bool {
	return botPrefix != "" && strings.HasPrefix(username, botPrefix)
}

func (m *MattermostClient) handlePost(evt *model.WebSocketEvent, op RemoteOp) {
	post, err := m.parsePostEvent(evt)
	if err != nil {
		m.log.Warn().Err(err).Str("event_type", string(evt.EventType())).Msg("Failed to parse post event")
		return
	}
	if post == nil || !m.subscribed(post.ChannelId) {
		return
	}

	m.log.Debug().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("user_id", post.UserId).
		Str("op", string(op)).
		Msg("Received post event")

	senderName, _ := evt.GetData()["sender_name"].(string)
	sender := m.lookupUser(post.UserId, strings.TrimPrefix(senderName, "@"))
	m.dispatch(post.ChannelId, RemoteEvent{
		Kind: RemoteEventMessage,
		Message: RemoteMessage{
			ID:     post.Id,
			Op:     op,
			Sender: sender,
			Text:   post.Message,
			Status: post.Type == model.PostTypeMe,
		},
	})
}

// lookupUser returns the full profile of a user, or a minimal one built from
// the event when the lookup fails.
func (m *MattermostClient) lookupUser(userID, fallbackName string) RemoteUser {
	ctx, cancel := context.WithTimeout(context.Background(), eventLookupTimeout)
	defer cancel()
	user, err := m.GetUser(ctx, userID)
	if err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to get user info")
		return RemoteUser{ID: userID, Username: fallbackName}
	}
	return user
}

func (m *MattermostClient) handleStatusChange(evt *model.WebSocketEvent) {
	userID, _ := evt.GetData()["user_id"].(string)
	status, _ := evt.GetData()["status"].(string)
	if userID == "" || userID == m.selfID() {
		return
	}
	m.dispatch("", RemoteEvent{
		Kind:    RemoteEventPresence,
		User:    m.lookupUser(userID, ""),
		Present: status != model.StatusOffline,
	})
}

func (m *MattermostClient) handleMembership(evt *model.WebSocketEvent, added bool) {
	userID, _ := evt.GetData()["user_id"].(string)
	channelID := evt.GetBroadcast().ChannelId
	if channelID == "" {
		channelID, _ = evt.GetData()["channel_id"].(string)
	}
	if userID == "" || userID == m.selfID() || !m.subscribed(channelID) {
		return
	}
	user := m.lookupUser(userID, "")
	if added {
		m.dispatch(channelID, RemoteEvent{Kind: RemoteEventUserJoined, User: user})
		return
	}
	m.dispatch(channelID, RemoteEvent{Kind: RemoteEventUserLeft, User: user})
}

func (m *MattermostClient) handleUserUpdated(evt *model.WebSocketEvent) {
	user, _ := evt.GetData()["user"].(map[string]any)
	if userID, _ := user["id"].(string); userID != "" {
		m.forgetUser(userID)
	}
}
