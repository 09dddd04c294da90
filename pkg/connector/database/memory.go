// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"sort"
	"sync"

	"maunium.net/go/mautrix/id"
)

// MemoryStore keeps everything in maps. State is lost on restart.
type MemoryStore struct {
	mu         sync.RWMutex
	links      map[id.RoomID]RoomLink
	identities map[string]RemoteIdentity
	accounts   map[id.UserID]LocalAccount
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		links:      make(map[id.RoomID]RoomLink),
		identities: make(map[string]RemoteIdentity),
		accounts:   make(map[id.UserID]LocalAccount),
	}
}

func (s *MemoryStore) InsertLink(_ context.Context, link *RoomLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[link.LocalRoomID]; ok {
		return ErrLinkExists
	}
	if link.IsPortal {
		for _, l := range s.links {
			if l.IsPortal && l.RemoteRoomName == link.RemoteRoomName {
				return ErrPortalExists
			}
		}
	}
	s.links[link.LocalRoomID] = *link
	return nil
}

func (s *MemoryStore) DeleteLink(_ context.Context, localRoomID id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[localRoomID]; !ok {
		return ErrNotFound
	}
	delete(s.links, localRoomID)
	return nil
}

func (s *MemoryStore) GetLinkByLocalRoom(_ context.Context, localRoomID id.RoomID) (*RoomLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[localRoomID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *MemoryStore) GetLinksByRemoteRoom(_ context.Context, remoteRoomName string) ([]*RoomLink, error) {
	return s.filterLinks(func(l RoomLink) bool { return l.RemoteRoomName == remoteRoomName }), nil
}

func (s *MemoryStore) GetAllLinks(context.Context) ([]*RoomLink, error) {
	return s.filterLinks(func(RoomLink) bool { return true }), nil
}

func (s *MemoryStore) filterLinks(keep func(RoomLink) bool) []*RoomLink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RoomLink
	for _, l := range s.links {
		if keep(l) {
			l := l
			out = append(out, &l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RemoteRoomName != out[j].RemoteRoomName {
			return out[i].RemoteRoomName < out[j].RemoteRoomName
		}
		return out[i].LocalRoomID < out[j].LocalRoomID
	})
	return out
}

func (s *MemoryStore) GetRemoteIdentity(_ context.Context, remoteID string) (*RemoteIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[remoteID]
	if !ok {
		return nil, nil
	}
	return &ident, nil
}

func (s *MemoryStore) GetRemoteIdentityByGhost(_ context.Context, ghostID id.UserID) (*RemoteIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ident := range s.identities {
		if ident.GhostID == ghostID {
			return &ident, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) PutRemoteIdentity(_ context.Context, ident *RemoteIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[ident.RemoteID] = *ident
	return nil
}

func (s *MemoryStore) GetLocalAccount(_ context.Context, userID id.UserID) (*LocalAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return nil, nil
	}
	return &acct, nil
}

func (s *MemoryStore) PutLocalAccount(_ context.Context, acct *LocalAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.UserID] = *acct
	return nil
}

func (s *MemoryStore) GetPuppetAccounts(context.Context) ([]*LocalAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*LocalAccount
	for _, acct := range s.accounts {
		if acct.PuppetCredential != "" {
			acct := acct
			out = append(out, &acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
