// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixNetwork is the appservice side of the bridge. It implements
// LocalNetwork.
type MatrixNetwork struct {
	as            *appservice.AppService
	publicAddress string
	log           zerolog.Logger
}

var _ LocalNetwork = (*MatrixNetwork)(nil)

func NewMatrixNetwork(as *appservice.AppService, publicAddress string, log zerolog.Logger) *MatrixNetwork {
	return &MatrixNetwork{
		as:            as,
		publicAddress: strings.TrimSuffix(publicAddress, "/"),
		log:           log.With().Str("component", "matrix").Logger(),
	}
}

// intent returns the intent of user, or of the bot when user is empty.
func (n *MatrixNetwork) intent(user id.UserID) *appservice.IntentAPI {
	if user == "" {
		return n.as.BotIntent()
	}
	return n.as.Intent(user)
}

func (n *MatrixNetwork) BotUserID() id.UserID { return n.as.BotMXID() }

func (n *MatrixNetwork) ServerName() string { return n.as.HomeserverDomain }

func (n *MatrixNetwork) SendMessage(ctx context.Context, sender id.UserID, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	intent := n.intent(sender)
	if err := intent.EnsureJoined(ctx, roomID); err != nil {
		return "", fmt.Errorf("failed to join %s: %w", roomID, err)
	}
	resp, err := intent.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (n *MatrixNetwork) SendNotice(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := n.as.BotIntent().SendNotice(ctx, roomID, text)
	return err
}

func (n *MatrixNetwork) EnsureJoined(ctx context.Context, user id.UserID, roomID id.RoomID) error {
	return n.intent(user).EnsureJoined(ctx, roomID)
}

func (n *MatrixNetwork) LeaveRoom(ctx context.Context, user id.UserID, roomID id.RoomID) error {
	_, err := n.intent(user).LeaveRoom(ctx, roomID)
	return err
}

// JoinedMembers returns the joined members of a room, sorted.
func (n *MatrixNetwork) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := n.as.BotIntent().JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		out = append(out, userID)
	}
	slices.Sort(out)
	return out, nil
}

func (n *MatrixNetwork) SetDisplayName(ctx context.Context, user id.UserID, name string) error {
	intent := n.intent(user)
	if err := intent.EnsureRegistered(ctx); err != nil {
		return err
	}
	return intent.SetDisplayName(ctx, name)
}

func (n *MatrixNetwork) SetAvatar(ctx context.Context, user id.UserID, data []byte, contentType string) (id.ContentURIString, error) {
	intent := n.intent(user)
	if err := intent.EnsureRegistered(ctx); err != nil {
		return "", err
	}
	resp, err := intent.UploadBytes(ctx, data, contentType)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if err := intent.SetAvatarURL(ctx, resp.ContentURI); err != nil {
		return "", err
	}
	return resp.ContentURI.CUString(), nil
}

func (n *MatrixNetwork) SetPresence(ctx context.Context, user id.UserID, online bool) error {
	presence := event.PresenceOffline
	if online {
		presence = event.PresenceOnline
	}
	intent := n.intent(user)
	url := intent.BuildClientURL("v3", "presence", user, "status")
	_, err := intent.MakeRequest(ctx, "PUT", url, map[string]any{"presence": presence}, nil)
	return err
}

// CreatePortalRoom creates a public room published under aliasLocalpart.
func (n *MatrixNetwork) CreatePortalRoom(ctx context.Context, aliasLocalpart, name string) (id.RoomID, error) {
	resp, err := n.as.BotIntent().CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility:    "public",
		Preset:        "public_chat",
		RoomAliasName: aliasLocalpart,
		Name:          name,
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (n *MatrixNetwork) CanLink(ctx context.Context, roomID id.RoomID, user id.UserID) (bool, error) {
	pl, err := n.as.BotIntent().PowerLevels(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("failed to get power levels: %w", err)
	}
	return pl.GetUserLevel(user) >= pl.GetEventLevel(event.StatePowerLevels), nil
}

// MediaURL turns an mxc:// URI into a download URL on the public address.
func (n *MatrixNetwork) MediaURL(uri id.ContentURIString) (string, bool) {
	parsed, err := uri.Parse()
	if err != nil || parsed.IsEmpty() {
		return "", false
	}
	return fmt.Sprintf("%s/_matrix/media/v3/download/%s/%s", n.publicAddress, parsed.Homeserver, parsed.FileID), true
}
