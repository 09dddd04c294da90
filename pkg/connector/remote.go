// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RemoteOp is the operation carried by a streamed remote message event.
type RemoteOp string

const (
	RemoteOpCreate RemoteOp = "create"
	RemoteOpUpdate RemoteOp = "update"
	RemoteOpRemove RemoteOp = "remove"
)

// RemoteUser is a snapshot of a Mattermost user.
type RemoteUser struct {
	ID          string
	Username    string
	Nickname    string
	FirstName   string
	LastName    string
	AvatarRef   string
	IsBot       bool
	DisplayName string
}

// RemoteRoom is a joined Mattermost channel. Name is "team/channel".
type RemoteRoom struct {
	ID   string
	Name string
}

// RemoteMessage is a post event from a subscribed channel.
type RemoteMessage struct {
	ID     string
	Op     RemoteOp
	Sender RemoteUser
	Text   string
	// Status marks "/me" posts.
	Status bool
}

type RemoteEventKind int

const (
	RemoteEventMessage RemoteEventKind = iota
	// RemoteEventPresence is a server-wide status change. It is delivered to
	// every subscribed room, members or not.
	RemoteEventPresence
	RemoteEventUserLeft
	RemoteEventUserJoined
)

// RemoteEvent is one item of a channel's event stream.
type RemoteEvent struct {
	Kind    RemoteEventKind
	Message RemoteMessage
	User    RemoteUser
	Present bool
}

// RemoteSender posts text to a remote room and returns the new post ID.
type RemoteSender interface {
	Send(ctx context.Context, room RemoteRoom, text string) (string, error)
}

// RemoteService is the remote chat service as the bridge uses it. Failures
// are formatted "<status> <operation>: <cause>" so that remotecall.Classify
// can tell transient from fatal ones.
type RemoteService interface {
	RemoteSender

	Self(ctx context.Context) (RemoteUser, error)
	JoinRoom(ctx context.Context, name string) (RemoteRoom, error)
	LeaveRoom(ctx context.Context, room RemoteRoom) error
	// Subscribe delivers the room's events to sink in arrival order until
	// the returned function is called.
	Subscribe(room RemoteRoom, sink func(RemoteEvent)) (unsubscribe func())
	// Puppet returns a sender acting as the account the credential belongs to.
	Puppet(ctx context.Context, credential string) (RemoteSender, RemoteUser, error)
	ListUsers(ctx context.Context, room RemoteRoom, page, perPage int) ([]RemoteUser, error)
	GetUser(ctx context.Context, userID string) (RemoteUser, error)
	GetUserByName(ctx context.Context, username string) (RemoteUser, error)
	FetchAvatar(ctx context.Context, user RemoteUser) (data []byte, contentType string, err error)
}

// LocalNetwork is the Matrix side as the bridge uses it. An empty sender
// means the bridge bot.
type LocalNetwork interface {
	BotUserID() id.UserID
	ServerName() string
	SendMessage(ctx context.Context, sender id.UserID, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	SendNotice(ctx context.Context, roomID id.RoomID, text string) error
	EnsureJoined(ctx context.Context, user id.UserID, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, user id.UserID, roomID id.RoomID) error
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	SetDisplayName(ctx context.Context, user id.UserID, name string) error
	SetAvatar(ctx context.Context, user id.UserID, data []byte, contentType string) (id.ContentURIString, error)
	SetPresence(ctx context.Context, user id.UserID, online bool) error
	CreatePortalRoom(ctx context.Context, aliasLocalpart, name string) (id.RoomID, error)
	// CanLink reports whether user may change m.room.power_levels in roomID.
	CanLink(ctx context.Context, roomID id.RoomID, user id.UserID) (bool, error)
	// MediaURL turns an mxc:// URI into an HTTP URL the remote side can fetch.
	MediaURL(uri id.ContentURIString) (string, bool)
}

// LocalMessage is an m.room.message event received from Matrix.
type LocalMessage struct {
	RoomID  id.RoomID
	EventID id.EventID
	Sender  id.UserID
	Content *event.MessageEventContent
}
