// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-roombridge/pkg/connector/database"
)

// PuppetEntry describes a single puppet agent for config-driven loading
// via the hot-reload JSON API.
type PuppetEntry struct {
	Slug  string `json:"slug"`
	MXID  string `json:"mxid"`
	Token string `json:"token"`
}

// puppet is a Mattermost account a Matrix user posts through.
type puppet struct {
	mxid       id.UserID
	token      string
	sender     RemoteSender
	remoteUser RemoteUser
}

const puppetEnvPrefix = "MATTERMOST_PUPPET_"

func (d *IdentityDirectory) puppetFor(user id.UserID) *puppet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.puppets[user]
}

func (d *IdentityDirectory) loadPuppet(ctx context.Context, user id.UserID, token string) (*puppet, error) {
	sender, me, err := d.remote.Puppet(ctx, token)
	if err != nil {
		return nil, err
	}
	return &puppet{mxid: user, token: token, sender: sender, remoteUser: me}, nil
}

// IsPuppetRemoteID reports whether a Mattermost user ID belongs to a loaded
// puppet. Thread-safe.
func (d *IdentityDirectory) IsPuppetRemoteID(remoteID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.puppetIDs[remoteID]
	return ok
}

// PuppetCount returns the current number of loaded puppets. Thread-safe.
func (d *IdentityDirectory) PuppetCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.puppets)
}

// SetPuppetCredential stores a Mattermost access token for user, or clears
// it when token is empty. A non-empty token is verified first.
func (d *IdentityDirectory) SetPuppetCredential(ctx context.Context, user id.UserID, token string) error {
	var p *puppet
	if token != "" {
		var err error
		p, err = d.loadPuppet(ctx, user, token)
		if err != nil {
			return fmt.Errorf("failed to verify access token: %w", err)
		}
	}
	acct, err := d.store.GetLocalAccount(ctx, user)
	if err != nil {
		return fmt.Errorf("failed to load local account: %w", err)
	}
	if acct == nil {
		acct = &database.LocalAccount{UserID: user}
	}
	acct.PuppetCredential = token
	if err := d.store.PutLocalAccount(ctx, acct); err != nil {
		return fmt.Errorf("failed to save local account: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropPuppetLocked(user)
	if p != nil {
		d.puppets[user] = p
		d.puppetIDs[p.remoteUser.ID] = user
	}
	return nil
}

func (d *IdentityDirectory) dropPuppetLocked(user id.UserID) {
	if old, ok := d.puppets[user]; ok {
		delete(d.puppetIDs, old.remoteUser.ID)
		delete(d.puppets, user)
	}
	delete(d.puppetSlug, user)
}

// LoadStoredPuppets activates every puppet credential kept in the store.
func (d *IdentityDirectory) LoadStoredPuppets(ctx context.Context) error {
	accounts, err := d.store.GetPuppetAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load puppet accounts: %w", err)
	}
	for _, acct := range accounts {
		p, err := d.loadPuppet(ctx, acct.UserID, acct.PuppetCredential)
		if err != nil {
			d.log.Error().Err(err).Str("mxid", string(acct.UserID)).Msg("Failed to verify stored puppet token")
			continue
		}
		d.mu.Lock()
		d.puppets[acct.UserID] = p
		d.puppetIDs[p.remoteUser.ID] = acct.UserID
		d.mu.Unlock()
	}
	return nil
}

// ReloadPuppets re-reads puppet configuration from environment variables.
// Returns the number of added and removed puppets.
func (d *IdentityDirectory) ReloadPuppets(ctx context.Context) (added, removed int) {
	return d.ReloadPuppetsFromEntries(ctx, envPuppetEntries(os.Environ()))
}

// envPuppetEntries scans environment pairs for puppet config:
//
//	MATTERMOST_PUPPET_<NAME>_MXID  = @puppet-bot:example.com
//	MATTERMOST_PUPPET_<NAME>_TOKEN = <mattermost access token>
func envPuppetEntries(environ []string) []PuppetEntry {
	const mxidSuffix = "_MXID"
	const tokenSuffix = "_TOKEN"

	values := make(map[string]string, len(environ))
	var slugs []string
	for _, env := range environ {
		key, val, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		values[key] = val
		if rest, ok := strings.CutPrefix(key, puppetEnvPrefix); ok && strings.HasSuffix(rest, mxidSuffix) {
			slugs = append(slugs, strings.TrimSuffix(rest, mxidSuffix))
		}
	}
	sort.Strings(slugs)

	var entries []PuppetEntry
	for _, slug := range slugs {
		mxidVal := values[puppetEnvPrefix+slug+mxidSuffix]
		tokenVal := values[puppetEnvPrefix+slug+tokenSuffix]
		if mxidVal != "" && tokenVal != "" {
			entries = append(entries, PuppetEntry{Slug: slug, MXID: mxidVal, Token: tokenVal})
		}
	}
	return entries
}

// ReloadPuppetsFromEntries replaces the configured puppets with entries.
// Puppets whose token is unchanged are kept as-is; puppets set with the
// set_access_token command are not touched. Thread-safe.
func (d *IdentityDirectory) ReloadPuppetsFromEntries(ctx context.Context, entries []PuppetEntry) (added, removed int) {
	desired := make(map[id.UserID]PuppetEntry, len(entries))
	for _, e := range entries {
		desired[id.UserID(e.MXID)] = e
	}

	d.mu.Lock()
	for uid := range d.puppetSlug {
		if _, ok := desired[uid]; !ok {
			d.log.Info().Str("mxid", string(uid)).Msg("Removing puppet")
			d.dropPuppetLocked(uid)
			removed++
		}
	}
	var pending []PuppetEntry
	for uid, entry := range desired {
		if existing, ok := d.puppets[uid]; ok && existing.token == entry.Token {
			d.puppetSlug[uid] = entry.Slug
			continue
		}
		pending = append(pending, entry)
	}
	d.mu.Unlock()

	// Tokens are verified without holding the lock.
	for _, entry := range pending {
		uid := id.UserID(entry.MXID)
		p, err := d.loadPuppet(ctx, uid, entry.Token)
		if err != nil {
			d.log.Error().Err(err).
				Str("slug", entry.Slug).
				Str("mxid", entry.MXID).
				Msg("Failed to authenticate puppet during reload, skipping")
			continue
		}
		d.mu.Lock()
		d.dropPuppetLocked(uid)
		d.puppets[uid] = p
		d.puppetIDs[p.remoteUser.ID] = uid
		d.puppetSlug[uid] = entry.Slug
		d.mu.Unlock()
		added++

		d.log.Info().
			Str("slug", entry.Slug).
			Str("mxid", entry.MXID).
			Str("mm_user_id", p.remoteUser.ID).
			Str("mm_username", p.remoteUser.Username).
			Msg("Hot-loaded puppet")
	}

	d.log.Info().
		Int("added", added).
		Int("removed", removed).
		Int("total", d.PuppetCount()).
		Msg("Puppet reload complete")
	return added, removed
}
