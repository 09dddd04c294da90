// Copyright 2024-2026 Aiku AI

// Package database persists room links, remote identities and local
// accounts. Backends: in-memory, SQLite and PostgreSQL.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"
)

var (
	// ErrLinkExists means the local room already belongs to a link.
	ErrLinkExists = errors.New("local room is already linked")
	// ErrPortalExists means the remote room already has a portal.
	ErrPortalExists = errors.New("remote room already has a portal")
	ErrNotFound     = errors.New("not found")
)

// RoomLink binds a local room to a remote room. A local room appears in at
// most one link; a remote room has any number of plain links and at most
// one portal link.
type RoomLink struct {
	LocalRoomID    id.RoomID
	RemoteRoomName string
	IsPortal       bool
	CreatedAt      time.Time
}

// RemoteIdentity is a remote user and the ghost that represents it.
type RemoteIdentity struct {
	RemoteID     string
	Username     string
	GhostID      id.UserID
	DisplayName  string
	AvatarRef    string
	AvatarMXC    id.ContentURIString
	LastActivity time.Time
}

// LocalAccount is a Matrix user seen by the bridge. PuppetCredential, if
// set, is a Mattermost access token the user posts through.
type LocalAccount struct {
	UserID           id.UserID
	PuppetCredential string
	LastActivity     time.Time
}

// Store is implemented by every backend. Getters return (nil, nil) when
// nothing matches.
type Store interface {
	InsertLink(ctx context.Context, link *RoomLink) error
	DeleteLink(ctx context.Context, localRoomID id.RoomID) error
	GetLinkByLocalRoom(ctx context.Context, localRoomID id.RoomID) (*RoomLink, error)
	GetLinksByRemoteRoom(ctx context.Context, remoteRoomName string) ([]*RoomLink, error)
	GetAllLinks(ctx context.Context) ([]*RoomLink, error)

	GetRemoteIdentity(ctx context.Context, remoteID string) (*RemoteIdentity, error)
	GetRemoteIdentityByGhost(ctx context.Context, ghostID id.UserID) (*RemoteIdentity, error)
	PutRemoteIdentity(ctx context.Context, ident *RemoteIdentity) error

	GetLocalAccount(ctx context.Context, userID id.UserID) (*LocalAccount, error)
	PutLocalAccount(ctx context.Context, acct *LocalAccount) error
	GetPuppetAccounts(ctx context.Context) ([]*LocalAccount, error)

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

// New opens the backend named by cfg.Type.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite3", "sqlite3-fk-wal":
		return NewSQLiteStore(ctx, cfg.URI)
	case "postgres":
		return NewPostgresStore(ctx, cfg.URI)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
