// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-roombridge/pkg/connector/matrixfmt"
	"github.com/aiku/mattermost-roombridge/pkg/connector/mattermostfmt"
	"github.com/aiku/mattermost-roombridge/pkg/connector/presence"
	"github.com/aiku/mattermost-roombridge/pkg/connector/remotecall"
)

// BridgeState is the lifecycle state of a RoomBridge.
type BridgeState int

const (
	StateIdle BridgeState = iota
	StateJoining
	StateStarted
	StateFailed
)

func (s BridgeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateStarted:
		return "started"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("BridgeState(%d)", int(s))
	}
}

const queueSize = 256

// bridgeDeps are the collaborators shared by every RoomBridge of an
// Orchestrator.
type bridgeDeps struct {
	remote     RemoteService
	local      LocalNetwork
	identities *IdentityDirectory
	presence   *presence.Aggregator
	limiter    *remotecall.Limiter
	// syncLimiter paces member listing during SyncUsers.
	syncLimiter *remotecall.Limiter
	retry       remotecall.Policy
	clock       clockwork.Clock
	metrics     *Metrics
	self        func(ctx context.Context) (RemoteUser, error)

	echoTTL          time.Duration
	echoReapInterval time.Duration
}

// RoomBridge relays one Mattermost channel to any number of linked Matrix
// rooms plus an optional portal room.
type RoomBridge struct {
	deps bridgeDeps
	name string
	log  zerolog.Logger

	echo     *echoTable
	inflight *inflight

	editMu sync.Mutex
	edits  map[string]string

	// op is held while joining the remote room or tearing the bridge down.
	op chan struct{}

	mu       sync.Mutex
	state    BridgeState
	pending  int
	joinDone chan struct{}
	joinErr  error
	room     RemoteRoom
	selfID   string
	linked   map[id.RoomID]struct{}
	portal   id.RoomID
	// members are the remote user IDs known to be in the remote room.
	members     map[string]struct{}
	remoteATime time.Time
	localATimes map[id.RoomID]time.Time
	unsubscribe func()
	reaper      clockwork.Ticker
	stop        chan struct{}
	remoteQ     chan RemoteEvent
	localQ      chan LocalMessage
	workers     sync.WaitGroup
}

func newRoomBridge(deps bridgeDeps, name string, log zerolog.Logger) *RoomBridge {
	return &RoomBridge{
		deps:        deps,
		name:        name,
		log:         log.With().Str("component", "room_bridge").Str("remote_room", name).Logger(),
		echo:        newEchoTable(deps.echoTTL),
		inflight:    newInflight(),
		edits:       make(map[string]string),
		op:          make(chan struct{}, 1),
		linked:      make(map[id.RoomID]struct{}),
		members:     make(map[string]struct{}),
		localATimes: make(map[id.RoomID]time.Time),
	}
}

// Name returns the remote room name, "team/channel".
func (b *RoomBridge) Name() string { return b.name }

func (b *RoomBridge) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Portal returns the portal room, or "" if there is none.
func (b *RoomBridge) Portal() id.RoomID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.portal
}

// LinkedRooms returns the linked (non-portal) rooms, sorted.
func (b *RoomBridge) LinkedRooms() []id.RoomID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.linkedLocked()
}

func (b *RoomBridge) linkedLocked() []id.RoomID {
	out := make([]id.RoomID, 0, len(b.linked))
	for roomID := range b.linked {
		out = append(out, roomID)
	}
	slices.Sort(out)
	return out
}

// targets returns every bound local room: linked rooms and the portal.
func (b *RoomBridge) targets() []id.RoomID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.linkedLocked()
	if b.portal != "" {
		out = append(out, b.portal)
	}
	return out
}

// Empty reports whether no local room is bound or being bound.
func (b *RoomBridge) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.emptyLocked()
}

func (b *RoomBridge) emptyLocked() bool {
	return len(b.linked) == 0 && b.portal == "" && b.pending == 0
}

// hold marks a binding in progress. The bridge is not torn down while any
// hold is outstanding.
func (b *RoomBridge) hold() {
	b.mu.Lock()
	b.pending++
	b.mu.Unlock()
}

func (b *RoomBridge) unhold() {
	b.mu.Lock()
	b.pending--
	b.mu.Unlock()
}

func (b *RoomBridge) lockOp(ctx context.Context) error {
	select {
	case b.op <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *RoomBridge) unlockOp() { <-b.op }

// LinkLocalRoom binds a local room, joining the remote room first if
// needed. On failure the room is not bound.
func (b *RoomBridge) LinkLocalRoom(ctx context.Context, roomID id.RoomID) error {
	b.mu.Lock()
	if _, ok := b.linked[roomID]; ok {
		b.mu.Unlock()
		return nil
	}
	if b.portal == roomID {
		b.mu.Unlock()
		return &AlreadyLinkedError{RoomID: roomID, Remote: b.name}
	}
	b.linked[roomID] = struct{}{}
	b.mu.Unlock()

	if err := b.ensureStarted(ctx); err != nil {
		b.mu.Lock()
		delete(b.linked, roomID)
		b.mu.Unlock()
		return err
	}
	b.log.Info().Str("room_id", string(roomID)).Msg("Linked local room")
	return nil
}

// SetPortal binds the portal slot. Replacing an existing portal with a
// different room is refused.
func (b *RoomBridge) SetPortal(ctx context.Context, roomID id.RoomID) error {
	b.mu.Lock()
	switch {
	case b.portal == roomID:
		b.mu.Unlock()
		return nil
	case b.portal != "":
		err := &ForbiddenTransitionError{Remote: b.name, From: b.portal, To: roomID}
		b.mu.Unlock()
		return err
	}
	if _, ok := b.linked[roomID]; ok {
		b.mu.Unlock()
		return &AlreadyLinkedError{RoomID: roomID, Remote: b.name}
	}
	b.portal = roomID
	b.mu.Unlock()

	if err := b.ensureStarted(ctx); err != nil {
		b.mu.Lock()
		if b.portal == roomID {
			b.portal = ""
		}
		b.mu.Unlock()
		return err
	}
	b.log.Info().Str("room_id", string(roomID)).Msg("Set portal room")
	return nil
}

// UnlinkLocalRoom unbinds a linked room or the portal and drains the
// bridge's users from it. When nothing stays bound, the bridge also stops
// and leaves the remote room; tornDown reports that case.
func (b *RoomBridge) UnlinkLocalRoom(ctx context.Context, roomID id.RoomID) (tornDown bool, err error) {
	b.mu.Lock()
	if _, ok := b.linked[roomID]; ok {
		delete(b.linked, roomID)
	} else if b.portal == roomID {
		b.portal = ""
	} else {
		b.mu.Unlock()
		return false, &NotFoundError{Target: string(roomID)}
	}
	delete(b.localATimes, roomID)
	empty := b.emptyLocked()
	b.mu.Unlock()

	b.log.Info().Str("room_id", string(roomID)).Bool("teardown", empty).Msg("Unlinking local room")
	if !empty {
		return false, drainLocalRoom(ctx, b.deps.local, b.deps.identities, roomID)
	}
	var g errgroup.Group
	g.Go(func() error { return drainLocalRoom(ctx, b.deps.local, b.deps.identities, roomID) })
	g.Go(func() (err error) {
		tornDown, err = b.teardown(ctx)
		return err
	})
	err = g.Wait()
	return tornDown, err
}

// teardown stops the bridge and leaves the remote room unless something was
// bound again in the meantime. It reports whether the bridge was stopped.
func (b *RoomBridge) teardown(ctx context.Context) (bool, error) {
	if err := b.lockOp(ctx); err != nil {
		return false, err
	}
	defer b.unlockOp()
	b.mu.Lock()
	if !b.emptyLocked() {
		b.mu.Unlock()
		b.log.Debug().Msg("Room was bound again, keeping bridge running")
		return false, nil
	}
	room, wasStarted := b.shutdownLocked()
	if !wasStarted {
		return true, nil
	}
	return true, b.leave(ctx, room)
}

// drainLocalRoom makes every ghost in roomID leave it, then the bot.
func drainLocalRoom(ctx context.Context, local LocalNetwork, identities *IdentityDirectory, roomID id.RoomID) error {
	members, err := local.JoinedMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to list members of %s: %w", roomID, err)
	}
	var errs []error
	for _, member := range members {
		if identities.IsGhost(member) {
			if err := local.LeaveRoom(ctx, member, roomID); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", member, err))
			}
		}
	}
	if err := local.LeaveRoom(ctx, "", roomID); err != nil {
		errs = append(errs, fmt.Errorf("bot: %w", err))
	}
	return errors.Join(errs...)
}

func (b *RoomBridge) ensureStarted(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateStarted:
		b.mu.Unlock()
		return nil
	case StateJoining:
		done := b.joinDone
		b.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.joinErr
	}
	b.state = StateJoining
	b.joinDone = make(chan struct{})
	b.mu.Unlock()

	// A teardown still leaving the remote room finishes before the join.
	err := b.lockOp(ctx)
	if err == nil {
		err = b.join(ctx)
		b.unlockOp()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.joinErr = err
	if err != nil {
		b.state = StateFailed
		b.log.Error().Err(err).Msg("Failed to join remote room")
	} else {
		b.state = StateStarted
	}
	close(b.joinDone)
	return err
}

func (b *RoomBridge) join(ctx context.Context) error {
	self, err := b.deps.self(ctx)
	if err != nil {
		return fmt.Errorf("failed to get own remote user: %w", err)
	}
	policy := b.deps.retry
	policy.Op = "join " + b.name
	room, err := remotecall.Do(ctx, policy, func(ctx context.Context) (RemoteRoom, error) {
		if err := b.deps.limiter.Next(ctx, 1); err != nil {
			return RemoteRoom{}, err
		}
		b.deps.metrics.RemoteCall("join")
		return b.deps.remote.JoinRoom(ctx, b.name)
	})
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", b.name, err)
	}

	b.mu.Lock()
	b.room = room
	b.selfID = self.ID
	b.stop = make(chan struct{})
	b.remoteQ = make(chan RemoteEvent, queueSize)
	b.localQ = make(chan LocalMessage, queueSize)
	b.reaper = b.deps.clock.NewTicker(b.deps.echoReapInterval)
	stop, remoteQ, localQ, reaper := b.stop, b.remoteQ, b.localQ, b.reaper
	b.mu.Unlock()

	b.workers.Add(3)
	go b.runRemote(stop, remoteQ)
	go b.runLocal(stop, localQ)
	go b.runReaper(stop, reaper)
	unsubscribe := b.deps.remote.Subscribe(room, b.enqueueRemote)

	b.mu.Lock()
	b.unsubscribe = unsubscribe
	b.mu.Unlock()
	b.log.Info().Str("channel_id", room.ID).Msg("Joined remote room")
	return nil
}

func (b *RoomBridge) enqueueRemote(evt RemoteEvent) {
	b.mu.Lock()
	stop, q := b.stop, b.remoteQ
	b.mu.Unlock()
	if q == nil {
		return
	}
	select {
	case q <- evt:
	case <-stop:
	}
}

// EnqueueLocal hands a Matrix message to the local pipeline.
func (b *RoomBridge) EnqueueLocal(msg LocalMessage) {
	b.mu.Lock()
	stop, q := b.stop, b.localQ
	b.mu.Unlock()
	if q == nil {
		b.deps.metrics.Dropped("matrix", "not_started")
		return
	}
	select {
	case q <- msg:
	case <-stop:
	}
}

func (b *RoomBridge) runRemote(stop <-chan struct{}, q <-chan RemoteEvent) {
	defer b.workers.Done()
	ctx := b.log.WithContext(context.Background())
	for {
		select {
		case <-stop:
			return
		case evt := <-q:
			switch evt.Kind {
			case RemoteEventMessage:
				b.HandleRemoteMessage(ctx, evt.Message)
			case RemoteEventPresence:
				b.HandleRemotePresence(ctx, evt.User, evt.Present)
			case RemoteEventUserLeft:
				b.HandleRemoteUserLeft(ctx, evt.User)
			case RemoteEventUserJoined:
				b.HandleRemoteUserJoined(ctx, evt.User)
			}
		}
	}
}

func (b *RoomBridge) runLocal(stop <-chan struct{}, q <-chan LocalMessage) {
	defer b.workers.Done()
	ctx := b.log.WithContext(context.Background())
	for {
		select {
		case <-stop:
			return
		case msg := <-q:
			b.HandleLocalMessage(ctx, msg)
		}
	}
}

func (b *RoomBridge) runReaper(stop <-chan struct{}, ticker clockwork.Ticker) {
	defer b.workers.Done()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.Chan():
			if n := b.echo.Reap(now); n > 0 {
				b.log.Debug().Int("count", n).Msg("Reaped echo records")
			}
		}
	}
}

// HandleRemoteMessage relays a Mattermost post to every bound local room.
func (b *RoomBridge) HandleRemoteMessage(ctx context.Context, msg RemoteMessage) {
	b.deps.metrics.Received("remote")
	if err := b.inflight.Wait(ctx); err != nil {
		return
	}
	b.mu.Lock()
	selfID := b.selfID
	b.mu.Unlock()
	if msg.Sender.ID == selfID {
		b.deps.metrics.Dropped("remote", "self")
		return
	}
	if b.echo.Seen(msg.ID) {
		b.log.Debug().Str("post_id", msg.ID).Msg("Dropping echo of own post")
		b.deps.metrics.Dropped("remote", "echo")
		return
	}
	if msg.Op != RemoteOpCreate && msg.Op != RemoteOpUpdate {
		b.deps.metrics.Dropped("remote", "operation")
		return
	}
	b.setMember(msg.Sender.ID, true)

	ghost, err := b.deps.identities.GetOrCreateGhost(ctx, msg.Sender)
	if err != nil {
		b.log.Error().Err(err).Str("post_id", msg.ID).Msg("Failed to resolve ghost")
		b.deps.metrics.Dropped("remote", "ghost")
		return
	}
	ghost = b.deps.identities.Update(ctx, ghost, msg.Sender)
	content := b.render(msg)

	now := b.deps.clock.Now()
	for _, roomID := range b.targets() {
		if _, err := b.deps.local.SendMessage(ctx, ghost.GhostID, roomID, content); err != nil {
			b.log.Warn().Err(err).
				Str("post_id", msg.ID).
				Str("room_id", string(roomID)).
				Msg("Failed to deliver message to local room")
			continue
		}
		b.deps.metrics.Sent("matrix")
		b.mu.Lock()
		b.localATimes[roomID] = now
		b.mu.Unlock()
	}
	b.mu.Lock()
	b.remoteATime = now
	b.mu.Unlock()
}

// render translates a post, diffing against the sender's previous message
// for updates.
func (b *RoomBridge) render(msg RemoteMessage) *event.MessageEventContent {
	post := mattermostfmt.Message{
		Text:     msg.Text,
		Status:   msg.Status,
		Username: msg.Sender.Username,
	}
	text := mattermostfmt.Text(post)

	b.editMu.Lock()
	prev, hadPrev := b.edits[msg.Sender.ID]
	b.edits[msg.Sender.ID] = text
	b.editMu.Unlock()

	if msg.Op == RemoteOpUpdate && hadPrev {
		return mattermostfmt.RenderEdit(prev, text)
	}
	return mattermostfmt.Render(post)
}

func (b *RoomBridge) setMember(remoteID string, member bool) {
	if remoteID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if member {
		b.members[remoteID] = struct{}{}
	} else {
		delete(b.members, remoteID)
	}
}

func (b *RoomBridge) isMember(remoteID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.members[remoteID]
	return ok
}

// HandleRemoteUserJoined records a new member of the remote room as present.
func (b *RoomBridge) HandleRemoteUserJoined(ctx context.Context, user RemoteUser) {
	b.setMember(user.ID, true)
	b.HandleRemotePresence(ctx, user, true)
}

// HandleRemotePresence records whether a remote user is present in this room.
// Status changes of users not known to be members of the room are ignored.
func (b *RoomBridge) HandleRemotePresence(ctx context.Context, user RemoteUser, present bool) {
	if user.ID == "" || !b.isMember(user.ID) {
		return
	}
	if present {
		if _, err := b.deps.identities.GetOrCreateGhost(ctx, user); err != nil {
			b.log.Warn().Err(err).Str("remote_id", user.ID).Msg("Failed to resolve ghost for presence")
			return
		}
	}
	b.deps.presence.SetPresent(user.ID, b.name, present)
}

// HandleRemoteUserLeft makes the user's ghost leave every bound local room.
func (b *RoomBridge) HandleRemoteUserLeft(ctx context.Context, user RemoteUser) {
	b.setMember(user.ID, false)
	b.deps.presence.SetPresent(user.ID, b.name, false)
	ghost, ok := b.deps.identities.GhostForRemoteID(user.ID)
	if !ok {
		if user.Username == "" {
			return
		}
		ghost = b.deps.identities.GhostIDForUsername(user.Username)
	}
	for _, roomID := range b.targets() {
		if err := b.deps.local.LeaveRoom(ctx, ghost, roomID); err != nil {
			b.log.Warn().Err(err).
				Str("ghost", string(ghost)).
				Str("room_id", string(roomID)).
				Msg("Failed to make ghost leave")
		}
	}
}

// HandleLocalMessage posts a Matrix message to the remote room and mirrors
// it into the other bound local rooms. Failures are logged, never returned.
func (b *RoomBridge) HandleLocalMessage(ctx context.Context, msg LocalMessage) {
	b.deps.metrics.Received("matrix")
	log := b.log.With().Str("event_id", string(msg.EventID)).Str("sender", string(msg.Sender)).Logger()

	sender, err := b.deps.identities.ResolveSender(ctx, msg.Sender)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve sender")
		b.deps.metrics.Dropped("matrix", "sender")
		return
	}
	if err := b.inflight.Wait(ctx); err != nil {
		return
	}
	text, ok := matrixfmt.Render(msg.Content, matrixfmt.Sender{Label: sender.Label, Puppeted: sender.Puppeted}, b.deps.local.MediaURL)
	if !ok {
		log.Debug().Str("msgtype", string(msg.Content.MsgType)).Msg("Dropping untranslatable message")
		b.deps.metrics.Dropped("matrix", "untranslatable")
		return
	}

	b.mu.Lock()
	room := b.room
	b.mu.Unlock()

	guard := b.inflight.Add()
	postID, err := b.send(ctx, sender.Remote, room, text)
	if err != nil {
		guard.Done()
		log.Warn().Err(err).Msg("Failed to send message to remote room")
		b.deps.metrics.Dropped("matrix", "send")
		return
	}
	now := b.deps.clock.Now()
	b.echo.Record(postID, now)
	guard.Done()
	b.deps.metrics.Sent("remote")

	b.mu.Lock()
	b.localATimes[msg.RoomID] = now
	b.mu.Unlock()

	b.reflect(ctx, msg, sender.Label)
}

func (b *RoomBridge) send(ctx context.Context, sender RemoteSender, room RemoteRoom, text string) (string, error) {
	if err := b.deps.limiter.Next(ctx, 1); err != nil {
		return "", err
	}
	b.deps.metrics.RemoteCall("send")
	return sender.Send(ctx, room, text)
}

// reflect copies a local message, attributed by the bot, into every other
// bound local room.
func (b *RoomBridge) reflect(ctx context.Context, msg LocalMessage, label string) {
	var content *event.MessageEventContent
	for _, roomID := range b.targets() {
		if roomID == msg.RoomID {
			continue
		}
		if content == nil {
			content = reflectedContent(msg.Content, label)
		}
		if _, err := b.deps.local.SendMessage(ctx, "", roomID, content); err != nil {
			b.log.Warn().Err(err).
				Str("event_id", string(msg.EventID)).
				Str("room_id", string(roomID)).
				Msg("Failed to reflect message into local room")
		}
	}
}

func reflectedContent(orig *event.MessageEventContent, label string) *event.MessageEventContent {
	switch orig.MsgType {
	case event.MsgEmote:
		return &event.MessageEventContent{MsgType: event.MsgEmote, Body: label + " " + orig.Body}
	case event.MsgImage:
		out := *orig
		out.Body = label + ": " + orig.Body
		out.Format = ""
		out.FormattedBody = ""
		return &out
	default:
		return &event.MessageEventContent{MsgType: event.MsgText, Body: label + ": " + orig.Body}
	}
}

// StopAndLeave stops the bridge and removes the bridge's account from the
// remote room. The leave is rate-limited but not retried. In-flight sends
// are not cancelled.
func (b *RoomBridge) StopAndLeave(ctx context.Context) error {
	if err := b.lockOp(ctx); err != nil {
		return err
	}
	defer b.unlockOp()
	room, wasStarted := b.shutdown()
	if !wasStarted {
		return nil
	}
	return b.leave(ctx, room)
}

func (b *RoomBridge) leave(ctx context.Context, room RemoteRoom) error {
	if err := b.deps.limiter.Next(ctx, 1); err != nil {
		return err
	}
	b.deps.metrics.RemoteCall("leave")
	if err := b.deps.remote.LeaveRoom(ctx, room); err != nil {
		return fmt.Errorf("failed to leave %s: %w", b.name, err)
	}
	b.log.Info().Msg("Left remote room")
	return nil
}

// Close stops the bridge without leaving the remote room.
func (b *RoomBridge) Close() {
	b.shutdown()
}

func (b *RoomBridge) shutdown() (RemoteRoom, bool) {
	b.mu.Lock()
	return b.shutdownLocked()
}

// shutdownLocked is called with b.mu held and releases it.
func (b *RoomBridge) shutdownLocked() (RemoteRoom, bool) {
	if b.state != StateStarted {
		b.state = StateIdle
		b.mu.Unlock()
		return RemoteRoom{}, false
	}
	b.state = StateIdle
	room := b.room
	unsubscribe, reaper, stop := b.unsubscribe, b.reaper, b.stop
	b.unsubscribe, b.reaper, b.stop = nil, nil, nil
	b.remoteQ, b.localQ = nil, nil
	b.members = make(map[string]struct{})
	b.mu.Unlock()

	if reaper != nil {
		reaper.Stop()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if stop != nil {
		close(stop)
	}
	b.deps.presence.ClearRoom(b.name)
	return room, true
}

const syncPageSize = 200

// SyncUsersOptions selects what SyncUsers does besides counting.
type SyncUsersOptions struct {
	// CountOnly counts the selected changes without making them.
	CountOnly bool
	// Join makes ghosts of remote members join the bound local rooms.
	Join bool
	// Leave makes ghosts of users no longer in the remote room leave.
	Leave bool
}

// SyncUsersResult reports what SyncUsers found and did.
type SyncUsersResult struct {
	RemoteMembers int
	ToJoin        int
	ToLeave       int
	Joined        int
	Left          int
}

// SyncUsers reconciles the ghosts in every bound local room with the
// remote room's member list.
func (b *RoomBridge) SyncUsers(ctx context.Context, opts SyncUsersOptions) (SyncUsersResult, error) {
	var res SyncUsersResult
	b.mu.Lock()
	if b.state != StateStarted {
		state := b.state
		b.mu.Unlock()
		return res, fmt.Errorf("%s is %s, not started", b.name, state)
	}
	room, selfID := b.room, b.selfID
	b.mu.Unlock()

	members, err := b.listMembers(ctx, room)
	if err != nil {
		return res, err
	}
	known := make(map[string]struct{}, len(members))
	for _, user := range members {
		known[user.ID] = struct{}{}
	}
	b.mu.Lock()
	b.members = known
	b.mu.Unlock()
	desired := make(map[id.UserID]struct{}, len(members))
	for _, user := range members {
		if user.ID == selfID || b.deps.identities.IsPuppetRemoteID(user.ID) {
			continue
		}
		ghost, err := b.deps.identities.GetOrCreateGhost(ctx, user)
		if err != nil {
			b.log.Warn().Err(err).Str("remote_id", user.ID).Msg("Failed to resolve ghost during sync")
			continue
		}
		desired[ghost.GhostID] = struct{}{}
	}
	res.RemoteMembers = len(desired)

	var errs []error
	for _, roomID := range b.targets() {
		joined, err := b.deps.local.JoinedMembers(ctx, roomID)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list members of %s: %w", roomID, err))
			continue
		}
		present := make(map[id.UserID]struct{}, len(joined))
		for _, member := range joined {
			if b.deps.identities.IsGhost(member) {
				present[member] = struct{}{}
			}
		}
		for ghost := range desired {
			if _, ok := present[ghost]; ok || !opts.Join {
				continue
			}
			res.ToJoin++
			if opts.CountOnly {
				continue
			}
			if err := b.deps.local.EnsureJoined(ctx, ghost, roomID); err != nil {
				errs = append(errs, fmt.Errorf("%s join %s: %w", ghost, roomID, err))
				continue
			}
			res.Joined++
		}
		for ghost := range present {
			if _, ok := desired[ghost]; ok || !opts.Leave {
				continue
			}
			res.ToLeave++
			if opts.CountOnly {
				continue
			}
			if err := b.deps.local.LeaveRoom(ctx, ghost, roomID); err != nil {
				errs = append(errs, fmt.Errorf("%s leave %s: %w", ghost, roomID, err))
				continue
			}
			res.Left++
		}
	}
	b.log.Info().
		Int("remote_members", res.RemoteMembers).
		Int("joined", res.Joined).
		Int("left", res.Left).
		Bool("count_only", opts.CountOnly).
		Msg("Synced users")
	return res, errors.Join(errs...)
}

// listMembers pages through the remote room's members. Membership may change
// between pages, so users are deduplicated by ID.
func (b *RoomBridge) listMembers(ctx context.Context, room RemoteRoom) ([]RemoteUser, error) {
	seen := make(map[string]struct{})
	var out []RemoteUser
	for page := 0; ; page++ {
		if err := b.deps.syncLimiter.Next(ctx, 1); err != nil {
			return nil, err
		}
		policy := b.deps.retry
		policy.Op = "list users of " + b.name
		users, err := remotecall.Do(ctx, policy, func(ctx context.Context) ([]RemoteUser, error) {
			b.deps.metrics.RemoteCall("list_users")
			return b.deps.remote.ListUsers(ctx, room, page, syncPageSize)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list users of %s: %w", b.name, err)
		}
		for _, user := range users {
			if _, ok := seen[user.ID]; ok {
				continue
			}
			seen[user.ID] = struct{}{}
			out = append(out, user)
		}
		if len(users) < syncPageSize {
			return out, nil
		}
	}
}

// RoomStatus is one entry of Orchestrator.List.
type RoomStatus struct {
	RemoteRoomName     string
	LinkedLocalRoomIDs []id.RoomID
	PortalLocalRoomID  id.RoomID
	Status             BridgeState
	RemoteLastActivity time.Time
}

func (b *RoomBridge) Status() RoomStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return RoomStatus{
		RemoteRoomName:     b.name,
		LinkedLocalRoomIDs: b.linkedLocked(),
		PortalLocalRoomID:  b.portal,
		Status:             b.state,
		RemoteLastActivity: b.remoteATime,
	}
}

// activityAges returns the time since the last message on the remote side
// and in each local room. Zero times are skipped.
func (b *RoomBridge) activityAges(now time.Time) (remote []time.Duration, local []time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.remoteATime.IsZero() {
		remote = append(remote, now.Sub(b.remoteATime))
	}
	for _, t := range b.localATimes {
		local = append(local, now.Sub(t))
	}
	return remote, local
}
