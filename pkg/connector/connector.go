// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-roombridge/pkg/connector/database"
	"github.com/aiku/mattermost-roombridge/pkg/connector/idtemplate"
	"github.com/aiku/mattermost-roombridge/pkg/connector/presence"
	"github.com/aiku/mattermost-roombridge/pkg/connector/remotecall"
)

const metricsInterval = time.Minute

// Params are the dependencies of an Orchestrator.
type Params struct {
	Config   *Config
	Compiled *Compiled
	Store    database.Store
	Remote   RemoteService
	Local    LocalNetwork
	Clock    clockwork.Clock
	Metrics  *Metrics
	Log      zerolog.Logger
}

// PortalResult identifies a portal room.
type PortalResult struct {
	Alias  id.RoomAlias
	RoomID id.RoomID
}

// Orchestrator owns every RoomBridge and the persisted link records, and
// routes events between them.
type Orchestrator struct {
	cfg      *Config
	compiled *Compiled
	store    database.Store
	remote   RemoteService
	local    LocalNetwork
	clock    clockwork.Clock
	metrics  *Metrics
	log      zerolog.Logger

	identities *IdentityDirectory
	presence   *presence.Aggregator
	deps       bridgeDeps

	portals singleflight.Group

	selfMu sync.Mutex
	self   *RemoteUser

	mu       sync.Mutex
	byRemote map[string]*RoomBridge
	byLocal  map[id.RoomID]*RoomBridge

	stopOnce sync.Once
	stop     chan struct{}
}

func NewOrchestrator(p Params) *Orchestrator {
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	o := &Orchestrator{
		cfg:      p.Config,
		compiled: p.Compiled,
		store:    p.Store,
		remote:   p.Remote,
		local:    p.Local,
		clock:    p.Clock,
		metrics:  p.Metrics,
		log:      p.Log.With().Str("component", "orchestrator").Logger(),
		byRemote: make(map[string]*RoomBridge),
		byLocal:  make(map[id.RoomID]*RoomBridge),
		stop:     make(chan struct{}),
	}
	o.identities = NewIdentityDirectory(p.Store, p.Remote, p.Local, p.Compiled, p.Clock, p.Log)
	o.presence = presence.New(p.Clock, p.Config.Bridge.OfflineGrace, p.Config.Bridge.PresenceInterval, o.emitPresence)
	o.deps = bridgeDeps{
		remote:      p.Remote,
		local:       p.Local,
		identities:  o.identities,
		presence:    o.presence,
		limiter:     remotecall.NewLimiter(p.Config.Bridge.RateLimit, p.Clock),
		syncLimiter: remotecall.NewLimiter(p.Config.Bridge.SyncRateLimit, p.Clock),
		retry: remotecall.Policy{
			Clock: p.Clock,
			Log:   p.Log.With().Str("component", "remotecall").Logger(),
		},
		clock:            p.Clock,
		metrics:          p.Metrics,
		self:             o.Self,
		echoTTL:          p.Config.Bridge.EchoTTL,
		echoReapInterval: p.Config.Bridge.EchoReapInterval,
	}
	return o
}

func (o *Orchestrator) Identities() *IdentityDirectory { return o.identities }

// Self returns the relay account's remote user. A successful lookup is
// remembered for the lifetime of the Orchestrator.
func (o *Orchestrator) Self(ctx context.Context) (RemoteUser, error) {
	o.selfMu.Lock()
	defer o.selfMu.Unlock()
	if o.self != nil {
		return *o.self, nil
	}
	me, err := o.remote.Self(ctx)
	if err != nil {
		return RemoteUser{}, err
	}
	o.self = &me
	return me, nil
}

func (o *Orchestrator) emitPresence(identity string, online bool) {
	ghost, ok := o.identities.GhostForRemoteID(identity)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.local.SetPresence(ctx, ghost, online); err != nil {
		o.log.Warn().Err(err).Str("ghost", string(ghost)).Bool("online", online).Msg("Failed to set presence")
	}
}

// Start loads puppets, restores persisted links in the background and starts
// the metrics refresh loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.identities.LoadStoredPuppets(ctx); err != nil {
		o.log.Error().Err(err).Msg("Failed to load stored puppets")
	}
	o.identities.ReloadPuppets(ctx)

	links, err := o.store.GetAllLinks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load links: %w", err)
	}
	o.log.Info().Int("count", len(links)).Msg("Restoring room links")
	go o.restoreLinks(ctx, links)
	if o.metrics != nil {
		go o.refreshMetricsLoop()
	}
	return nil
}

func (o *Orchestrator) restoreLinks(ctx context.Context, links []*database.RoomLink) {
	for i, link := range links {
		if i > 0 {
			select {
			case <-o.clock.After(o.cfg.Bridge.StartupStagger):
			case <-ctx.Done():
				return
			case <-o.stop:
				return
			}
		}
		if err := o.bind(ctx, link.LocalRoomID, link.RemoteRoomName, link.IsPortal); err != nil {
			o.log.Error().Err(err).
				Str("room_id", string(link.LocalRoomID)).
				Str("remote_room", link.RemoteRoomName).
				Msg("Failed to restore room link, skipping")
		}
	}
	o.log.Info().Msg("Finished restoring room links")
}

// reserve claims localRoomID for the bridge of remoteName, creating the
// bridge if needed. The bridge is held until bind settles, so a concurrent
// unlink of its last room does not tear it down.
func (o *Orchestrator) reserve(localRoomID id.RoomID, remoteName string) (*RoomBridge, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.byLocal[localRoomID]; ok {
		return nil, &AlreadyLinkedError{RoomID: localRoomID, Remote: existing.Name()}
	}
	bridge, ok := o.byRemote[remoteName]
	if !ok {
		bridge = newRoomBridge(o.deps, remoteName, o.log)
		o.byRemote[remoteName] = bridge
	}
	o.byLocal[localRoomID] = bridge
	bridge.hold()
	return bridge, nil
}

// release undoes reserve. The bridge is forgotten once nothing is bound to it.
func (o *Orchestrator) release(localRoomID id.RoomID, bridge *RoomBridge) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.byLocal[localRoomID] == bridge {
		delete(o.byLocal, localRoomID)
	}
	if bridge.Empty() && o.byRemote[bridge.Name()] == bridge {
		delete(o.byRemote, bridge.Name())
	}
}

// bind attaches a local room to a bridge in memory.
func (o *Orchestrator) bind(ctx context.Context, localRoomID id.RoomID, remoteName string, isPortal bool) error {
	bridge, err := o.reserve(localRoomID, remoteName)
	if err != nil {
		return err
	}
	if isPortal {
		err = bridge.SetPortal(ctx, localRoomID)
	} else {
		err = bridge.LinkLocalRoom(ctx, localRoomID)
	}
	bridge.unhold()
	if err != nil {
		o.release(localRoomID, bridge)
		return err
	}
	return nil
}

// NormalizeRemoteName accepts "team/channel", optionally pasted as a full
// channel URL, and returns "team/channel".
func (o *Orchestrator) NormalizeRemoteName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		if u, err := url.Parse(name); err == nil {
			name = u.Path
		}
		if o.cfg != nil && o.cfg.Mattermost.ServerURL != "" {
			if base, err := url.Parse(o.cfg.Mattermost.ServerURL); err == nil {
				name = strings.TrimPrefix(name, strings.TrimSuffix(base.Path, "/"))
			}
		}
		name = strings.Replace(name, "/channels/", "/", 1)
	}
	name = strings.Trim(name, "/")
	team, channel, ok := strings.Cut(name, "/")
	if !ok || team == "" || channel == "" || strings.Contains(channel, "/") {
		return "", fmt.Errorf("invalid remote room name %q, expected team/channel", name)
	}
	return name, nil
}

// Link binds a local room to a remote room. The remote room is joined before
// the link is persisted; on failure nothing is left behind.
func (o *Orchestrator) Link(ctx context.Context, localRoomID id.RoomID, remoteName string) error {
	name, err := o.NormalizeRemoteName(remoteName)
	if err != nil {
		return err
	}
	if err := o.bind(ctx, localRoomID, name, false); err != nil {
		return err
	}
	err = o.store.InsertLink(ctx, &database.RoomLink{
		LocalRoomID:    localRoomID,
		RemoteRoomName: name,
		CreatedAt:      o.clock.Now(),
	})
	if err != nil {
		o.rollback(ctx, localRoomID)
		if errors.Is(err, database.ErrLinkExists) {
			return &AlreadyLinkedError{RoomID: localRoomID, Remote: name}
		}
		return fmt.Errorf("failed to save link: %w", err)
	}
	o.log.Info().Str("room_id", string(localRoomID)).Str("remote_room", name).Msg("Linked room")
	return nil
}

// rollback unbinds a room whose link could not be persisted.
func (o *Orchestrator) rollback(ctx context.Context, localRoomID id.RoomID) {
	o.mu.Lock()
	bridge := o.byLocal[localRoomID]
	o.mu.Unlock()
	if bridge == nil {
		return
	}
	if _, err := bridge.UnlinkLocalRoom(ctx, localRoomID); err != nil {
		o.log.Warn().Err(err).Str("room_id", string(localRoomID)).Msg("Error while rolling back link")
	}
	o.release(localRoomID, bridge)
}

// Unlink removes the link of a local room ID, or every non-portal link of a
// remote room name.
func (o *Orchestrator) Unlink(ctx context.Context, target string) error {
	if strings.HasPrefix(target, "!") {
		return o.unlinkLocal(ctx, id.RoomID(target))
	}
	name, err := o.NormalizeRemoteName(target)
	if err != nil {
		return &NotFoundError{Target: target}
	}
	o.mu.Lock()
	bridge := o.byRemote[name]
	o.mu.Unlock()
	var rooms []id.RoomID
	if bridge != nil {
		rooms = bridge.LinkedRooms()
	}
	if len(rooms) == 0 {
		return &NotFoundError{Target: name}
	}
	var errs []error
	for _, roomID := range rooms {
		if err := o.unlinkLocal(ctx, roomID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) unlinkLocal(ctx context.Context, roomID id.RoomID) error {
	o.mu.Lock()
	bridge := o.byLocal[roomID]
	o.mu.Unlock()
	if bridge == nil {
		return &NotFoundError{Target: string(roomID)}
	}
	if err := o.store.DeleteLink(ctx, roomID); err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	tornDown, err := bridge.UnlinkLocalRoom(ctx, roomID)
	o.release(roomID, bridge)
	log := o.log.With().Str("room_id", string(roomID)).Str("remote_room", bridge.Name()).Logger()
	if err != nil {
		log.Warn().Err(err).Bool("teardown", tornDown).Msg("Unlinked room with errors")
		return nil
	}
	log.Info().Bool("teardown", tornDown).Msg("Unlinked room")
	return nil
}

// PortalAlias returns the alias of the portal room of a remote room.
func (o *Orchestrator) PortalAlias(remoteName string) id.RoomAlias {
	return id.RoomAlias(o.compiled.Alias.ExpandID(idtemplate.EscapeRoomName(remoteName)))
}

// MakePortal returns the portal room of a remote room, creating it if there
// is none. Concurrent calls for one remote room share one creation.
func (o *Orchestrator) MakePortal(ctx context.Context, remoteName string) (PortalResult, error) {
	name, err := o.NormalizeRemoteName(remoteName)
	if err != nil {
		return PortalResult{}, err
	}
	v, err, _ := o.portals.Do(name, func() (any, error) {
		return o.makePortal(ctx, name)
	})
	if err != nil {
		return PortalResult{}, err
	}
	return v.(PortalResult), nil
}

func (o *Orchestrator) makePortal(ctx context.Context, name string) (PortalResult, error) {
	alias := o.PortalAlias(name)
	o.mu.Lock()
	existing := o.byRemote[name]
	o.mu.Unlock()
	if existing != nil {
		if portal := existing.Portal(); portal != "" {
			return PortalResult{Alias: alias, RoomID: portal}, nil
		}
	}

	localpart := o.compiled.Alias.ExpandLocalpart(idtemplate.EscapeRoomName(name))
	roomID, err := o.local.CreatePortalRoom(ctx, localpart, name)
	if err != nil {
		return PortalResult{}, fmt.Errorf("failed to create portal room: %w", err)
	}
	abandon := func() {
		if err := o.local.LeaveRoom(ctx, "", roomID); err != nil {
			o.log.Warn().Err(err).Str("room_id", string(roomID)).Msg("Failed to leave abandoned portal room")
		}
	}
	if err := o.bind(ctx, roomID, name, true); err != nil {
		abandon()
		return PortalResult{}, err
	}
	err = o.store.InsertLink(ctx, &database.RoomLink{
		LocalRoomID:    roomID,
		RemoteRoomName: name,
		IsPortal:       true,
		CreatedAt:      o.clock.Now(),
	})
	if err != nil {
		o.rollback(ctx, roomID)
		abandon()
		return PortalResult{}, fmt.Errorf("failed to save portal link: %w", err)
	}
	o.log.Info().Str("room_id", string(roomID)).Str("alias", string(alias)).Str("remote_room", name).Msg("Created portal room")
	return PortalResult{Alias: alias, RoomID: roomID}, nil
}

// List returns the status of every room bridge, sorted by remote room name.
func (o *Orchestrator) List() []RoomStatus {
	o.mu.Lock()
	bridges := make([]*RoomBridge, 0, len(o.byRemote))
	for _, b := range o.byRemote {
		bridges = append(bridges, b)
	}
	o.mu.Unlock()
	out := make([]RoomStatus, 0, len(bridges))
	for _, b := range bridges {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteRoomName < out[j].RemoteRoomName })
	return out
}

// LinkOf reports what a local room is bound to.
func (o *Orchestrator) LinkOf(roomID id.RoomID) (remoteName string, isPortal, ok bool) {
	o.mu.Lock()
	bridge := o.byLocal[roomID]
	o.mu.Unlock()
	if bridge == nil {
		return "", false, false
	}
	return bridge.Name(), bridge.Portal() == roomID, true
}

// Bridge returns the bridge of a remote room, if any.
func (o *Orchestrator) Bridge(remoteName string) (*RoomBridge, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.byRemote[remoteName]
	return b, ok
}

// LeaveStaleRoom removes the bridge's users from a local room that is not
// linked, such as one left over from a failed link.
func (o *Orchestrator) LeaveStaleRoom(ctx context.Context, roomID id.RoomID) error {
	if remote, _, ok := o.LinkOf(roomID); ok {
		return fmt.Errorf("%s is linked to %s, unlink it first", roomID, remote)
	}
	return drainLocalRoom(ctx, o.local, o.identities, roomID)
}

// QueryAlias creates the portal for an alias in the portal namespace. It
// reports whether the alias now exists.
func (o *Orchestrator) QueryAlias(ctx context.Context, alias id.RoomAlias) bool {
	escaped, ok := o.compiled.Alias.MatchID(string(alias))
	if !ok {
		return false
	}
	if _, err := o.MakePortal(ctx, idtemplate.UnescapeRoomName(escaped)); err != nil {
		o.log.Warn().Err(err).Str("alias", string(alias)).Msg("Failed to create portal for alias query")
		return false
	}
	return true
}

// QueryUser reports whether a user ID is a ghost of an existing remote user,
// creating the ghost if needed.
func (o *Orchestrator) QueryUser(ctx context.Context, userID id.UserID) bool {
	username, ok := o.identities.UsernameForGhostID(userID)
	if !ok {
		return false
	}
	user, err := o.remote.GetUserByName(ctx, username)
	if err != nil {
		o.log.Debug().Err(err).Str("user_id", string(userID)).Msg("User query for unknown remote user")
		return false
	}
	if _, err := o.identities.GetOrCreateGhost(ctx, user); err != nil {
		o.log.Warn().Err(err).Str("user_id", string(userID)).Msg("Failed to create ghost for user query")
		return false
	}
	return true
}

// HandleLocalMessage routes a Matrix message to the bridge of its room.
// Messages sent by the bridge's own users are dropped.
func (o *Orchestrator) HandleLocalMessage(msg LocalMessage) {
	if msg.Sender == o.local.BotUserID() || o.identities.IsGhost(msg.Sender) {
		return
	}
	o.mu.Lock()
	bridge := o.byLocal[msg.RoomID]
	o.mu.Unlock()
	if bridge == nil {
		return
	}
	bridge.EnqueueLocal(msg)
}

func (o *Orchestrator) refreshMetricsLoop() {
	ticker := o.clock.NewTicker(metricsInterval)
	defer ticker.Stop()
	o.RefreshMetrics()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.Chan():
			o.RefreshMetrics()
		}
	}
}

// RefreshMetrics updates the activity gauges.
func (o *Orchestrator) RefreshMetrics() {
	now := o.clock.Now()
	snap := activitySnapshot{
		states:  make(map[BridgeState]int),
		puppets: o.identities.PuppetCount(),
	}
	snap.remoteUsers, snap.localUsers = o.identities.ActivityAges()
	o.mu.Lock()
	bridges := make([]*RoomBridge, 0, len(o.byRemote))
	for _, b := range o.byRemote {
		bridges = append(bridges, b)
	}
	o.mu.Unlock()
	for _, b := range bridges {
		snap.states[b.State()]++
		remote, local := b.activityAges(now)
		snap.remoteRooms = append(snap.remoteRooms, remote...)
		snap.localRooms = append(snap.localRooms, local...)
	}
	o.metrics.Refresh(snap)
}

// Stop shuts down every bridge without leaving remote rooms.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stop)
		o.mu.Lock()
		bridges := make([]*RoomBridge, 0, len(o.byRemote))
		for _, b := range o.byRemote {
			bridges = append(bridges, b)
		}
		o.mu.Unlock()
		for _, b := range bridges {
			b.Close()
		}
		o.presence.Stop()
	})
}
