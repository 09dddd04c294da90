// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-roombridge/pkg/connector/database"
	"github.com/aiku/mattermost-roombridge/pkg/connector/idtemplate"
)

// Sender is the resolved remote identity a Matrix user's messages are
// posted through.
type Sender struct {
	Remote   RemoteSender
	Label    string
	Puppeted bool
}

// IdentityDirectory maps Mattermost users to ghost users and Matrix users
// to the account their messages are posted as.
type IdentityDirectory struct {
	store    database.Store
	remote   RemoteService
	local    LocalNetwork
	compiled *Compiled
	clock    clockwork.Clock
	log      zerolog.Logger

	creating singleflight.Group

	mu         sync.RWMutex
	ghosts     map[string]*database.RemoteIdentity
	localSeen  map[id.UserID]time.Time
	puppets    map[id.UserID]*puppet
	puppetIDs  map[string]id.UserID
	puppetSlug map[id.UserID]string
}

func NewIdentityDirectory(store database.Store, remote RemoteService, local LocalNetwork, compiled *Compiled, clk clockwork.Clock, log zerolog.Logger) *IdentityDirectory {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &IdentityDirectory{
		store:      store,
		remote:     remote,
		local:      local,
		compiled:   compiled,
		clock:      clk,
		log:        log.With().Str("component", "identity").Logger(),
		ghosts:     make(map[string]*database.RemoteIdentity),
		localSeen:  make(map[id.UserID]time.Time),
		puppets:    make(map[id.UserID]*puppet),
		puppetIDs:  make(map[string]id.UserID),
		puppetSlug: make(map[id.UserID]string),
	}
}

// GhostIDForUsername maps a Mattermost username to its ghost user ID.
func (d *IdentityDirectory) GhostIDForUsername(username string) id.UserID {
	return id.UserID(d.compiled.Username.ExpandID(idtemplate.FoldUsername(username)))
}

// UsernameForGhostID is the reverse of GhostIDForUsername.
func (d *IdentityDirectory) UsernameForGhostID(userID id.UserID) (string, bool) {
	return d.compiled.Username.MatchID(string(userID))
}

// IsGhost reports whether userID lies in the ghost namespace.
func (d *IdentityDirectory) IsGhost(userID id.UserID) bool {
	_, ok := d.UsernameForGhostID(userID)
	return ok
}

// GetOrCreateGhost returns the ghost for a Mattermost user, creating and
// persisting it on first sight. Concurrent first sightings share one creation.
func (d *IdentityDirectory) GetOrCreateGhost(ctx context.Context, user RemoteUser) (database.RemoteIdentity, error) {
	if user.ID == "" {
		return database.RemoteIdentity{}, errors.New("remote user has no ID")
	}
	if ghost, ok := d.cachedGhost(user.ID); ok {
		return ghost, nil
	}
	v, err, _ := d.creating.Do(user.ID, func() (any, error) {
		if ghost, ok := d.cachedGhost(user.ID); ok {
			return ghost, nil
		}
		stored, err := d.store.GetRemoteIdentity(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load remote identity: %w", err)
		}
		if stored == nil {
			if user.Username == "" {
				return nil, fmt.Errorf("remote user %s has no username", user.ID)
			}
			stored = &database.RemoteIdentity{
				RemoteID: user.ID,
				Username: user.Username,
				GhostID:  d.GhostIDForUsername(user.Username),
			}
			if err := d.store.PutRemoteIdentity(ctx, stored); err != nil {
				return nil, fmt.Errorf("failed to save remote identity: %w", err)
			}
			d.log.Debug().
				Str("remote_id", user.ID).
				Str("ghost", string(stored.GhostID)).
				Msg("Created ghost")
		}
		d.mu.Lock()
		d.ghosts[user.ID] = stored
		d.mu.Unlock()
		return *stored, nil
	})
	if err != nil {
		return database.RemoteIdentity{}, err
	}
	return v.(database.RemoteIdentity), nil
}

func (d *IdentityDirectory) cachedGhost(remoteID string) (database.RemoteIdentity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ghost, ok := d.ghosts[remoteID]
	if !ok {
		return database.RemoteIdentity{}, false
	}
	return *ghost, true
}

// GhostForRemoteID returns the ghost user of an already known remote user.
func (d *IdentityDirectory) GhostForRemoteID(remoteID string) (id.UserID, bool) {
	ghost, ok := d.cachedGhost(remoteID)
	return ghost.GhostID, ok
}

func (d *IdentityDirectory) displayName(user RemoteUser) string {
	if user.DisplayName != "" {
		return user.DisplayName
	}
	return d.compiled.FormatDisplayname(DisplaynameParams{
		Username:  user.Username,
		Nickname:  user.Nickname,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	})
}

// Update brings a ghost's profile in line with a remote snapshot. Unchanged
// fields are not written. Failures are logged and never returned.
func (d *IdentityDirectory) Update(ctx context.Context, ghost database.RemoteIdentity, snap RemoteUser) database.RemoteIdentity {
	updated := ghost
	changed := false
	now := d.clock.Now()

	if name := d.displayName(snap); name != "" && name != ghost.DisplayName {
		if err := d.local.SetDisplayName(ctx, ghost.GhostID, name); err != nil {
			d.logSyncError(&ProfileSyncError{Ghost: ghost.GhostID, Field: "displayname", Err: err})
		} else {
			updated.DisplayName = name
			changed = true
		}
	}
	if snap.AvatarRef != "" && snap.AvatarRef != ghost.AvatarRef {
		if mxc, err := d.syncAvatar(ctx, ghost.GhostID, snap); err != nil {
			d.logSyncError(&ProfileSyncError{Ghost: ghost.GhostID, Field: "avatar", Err: err})
		} else {
			updated.AvatarRef = snap.AvatarRef
			updated.AvatarMXC = mxc
			changed = true
		}
	}
	if snap.Username != "" && snap.Username != ghost.Username {
		updated.Username = snap.Username
		changed = true
	}
	updated.LastActivity = now

	d.mu.Lock()
	d.ghosts[ghost.RemoteID] = &updated
	d.mu.Unlock()
	if changed {
		if err := d.store.PutRemoteIdentity(ctx, &updated); err != nil {
			d.logSyncError(&ProfileSyncError{Ghost: ghost.GhostID, Field: "record", Err: err})
		}
	}
	return updated
}

func (d *IdentityDirectory) syncAvatar(ctx context.Context, ghost id.UserID, snap RemoteUser) (id.ContentURIString, error) {
	data, contentType, err := d.remote.FetchAvatar(ctx, snap)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	mxc, err := d.local.SetAvatar(ctx, ghost, data, contentType)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return mxc, nil
}

func (d *IdentityDirectory) logSyncError(err *ProfileSyncError) {
	d.log.Warn().Err(err.Err).
		Str("ghost", string(err.Ghost)).
		Str("field", err.Field).
		Msg("Profile sync failed")
}

// ResolveSender picks the account a Matrix user's message is posted as: the
// user's puppet when one is configured, the relay account otherwise.
func (d *IdentityDirectory) ResolveSender(ctx context.Context, user id.UserID) (Sender, error) {
	label := string(user)
	if mangled, ok := d.compiled.Mangler.Mangle(string(user)); ok {
		label = mangled
	}
	d.touchLocal(ctx, user)

	if p := d.puppetFor(user); p != nil {
		d.log.Debug().
			Str("mxid", string(user)).
			Str("mm_username", p.remoteUser.Username).
			Msg("Using puppet client for message")
		return Sender{Remote: p.sender, Label: label, Puppeted: true}, nil
	}
	acct, err := d.store.GetLocalAccount(ctx, user)
	if err != nil {
		return Sender{}, fmt.Errorf("failed to load local account: %w", err)
	}
	if acct != nil && acct.PuppetCredential != "" {
		p, err := d.loadPuppet(ctx, user, acct.PuppetCredential)
		if err != nil {
			d.log.Warn().Err(err).Str("mxid", string(user)).Msg("Stored puppet credential rejected, using relay")
		} else {
			d.mu.Lock()
			d.puppets[user] = p
			d.puppetIDs[p.remoteUser.ID] = user
			d.mu.Unlock()
			return Sender{Remote: p.sender, Label: label, Puppeted: true}, nil
		}
	}
	return Sender{Remote: d.remote, Label: label}, nil
}

func (d *IdentityDirectory) touchLocal(ctx context.Context, user id.UserID) {
	now := d.clock.Now()
	d.mu.Lock()
	d.localSeen[user] = now
	d.mu.Unlock()
	acct, err := d.store.GetLocalAccount(ctx, user)
	if err != nil {
		d.log.Warn().Err(err).Str("mxid", string(user)).Msg("Failed to load local account")
		return
	}
	if acct == nil {
		acct = &database.LocalAccount{UserID: user}
	}
	acct.LastActivity = now
	if err := d.store.PutLocalAccount(ctx, acct); err != nil {
		d.log.Warn().Err(err).Str("mxid", string(user)).Msg("Failed to save local account")
	}
}

// ActivityAges returns, for remote and local users seen since startup, the
// time since they were last active.
func (d *IdentityDirectory) ActivityAges() (remote, local []time.Duration) {
	now := d.clock.Now()
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ghost := range d.ghosts {
		if !ghost.LastActivity.IsZero() {
			remote = append(remote, now.Sub(ghost.LastActivity))
		}
	}
	for _, seen := range d.localSeen {
		local = append(local, now.Sub(seen))
	}
	return remote, local
}
