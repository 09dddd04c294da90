// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"

	"maunium.net/go/mautrix/id"
)

// AlreadyLinkedError is returned when linking a local room that already
// belongs to a link.
type AlreadyLinkedError struct {
	RoomID id.RoomID
	Remote string
}

func (e *AlreadyLinkedError) Error() string {
	return fmt.Sprintf("%s is already linked to %s", e.RoomID, e.Remote)
}

// NotFoundError is returned when unlinking something that is not linked.
type NotFoundError struct {
	Target string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s is not linked", e.Target)
}

// ForbiddenTransitionError is returned when a room bridge is asked to move
// between states it does not allow, such as replacing its portal room.
type ForbiddenTransitionError struct {
	Remote string
	From   id.RoomID
	To     id.RoomID
}

func (e *ForbiddenTransitionError) Error() string {
	return fmt.Sprintf("%s already has portal %s, refusing to rebind to %s", e.Remote, e.From, e.To)
}

// ProfileSyncError wraps a failure to sync a ghost's profile. It is only
// ever logged.
type ProfileSyncError struct {
	Ghost id.UserID
	Field string
	Err   error
}

func (e *ProfileSyncError) Error() string {
	return fmt.Sprintf("sync %s of %s: %v", e.Field, e.Ghost, e.Err)
}

func (e *ProfileSyncError) Unwrap() error { return e.Err }
