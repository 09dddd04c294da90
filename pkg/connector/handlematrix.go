// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const queryTimeout = time.Minute

// MatrixHandler routes events received by the appservice.
type MatrixHandler struct {
	orch      *Orchestrator
	local     LocalNetwork
	commands  *CommandProcessor
	adminRoom id.RoomID
	log       zerolog.Logger
}

func NewMatrixHandler(orch *Orchestrator, local LocalNetwork, commands *CommandProcessor, adminRoom id.RoomID, log zerolog.Logger) *MatrixHandler {
	return &MatrixHandler{
		orch:      orch,
		local:     local,
		commands:  commands,
		adminRoom: adminRoom,
		log:       log.With().Str("component", "matrix_handler").Logger(),
	}
}

// Register attaches the handler to an appservice event processor.
func (h *MatrixHandler) Register(ep *appservice.EventProcessor) {
	ep.On(event.EventMessage, h.HandleMessage)
	ep.On(event.StateMember, h.HandleMember)
}

// HandleMessage handles a message sent from Matrix: admin room messages are
// commands, messages in bound rooms go to their RoomBridge.
func (h *MatrixHandler) HandleMessage(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	if content == nil || evt.Sender == h.local.BotUserID() {
		return
	}
	if h.adminRoom != "" && evt.RoomID == h.adminRoom {
		if content.MsgType == event.MsgText {
			h.commands.Handle(ctx, evt.RoomID, evt.Sender, content.Body)
		}
		return
	}
	h.orch.HandleLocalMessage(LocalMessage{
		RoomID:  evt.RoomID,
		EventID: evt.ID,
		Sender:  evt.Sender,
		Content: content,
	})
}

// HandleMember accepts room invites sent to the bot.
func (h *MatrixHandler) HandleMember(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMember()
	if content == nil || evt.GetStateKey() != string(h.local.BotUserID()) {
		return
	}
	if content.Membership != event.MembershipInvite {
		return
	}
	h.log.Info().Str("room_id", string(evt.RoomID)).Str("inviter", string(evt.Sender)).Msg("Accepting invite")
	if err := h.local.EnsureJoined(ctx, "", evt.RoomID); err != nil {
		h.log.Warn().Err(err).Str("room_id", string(evt.RoomID)).Msg("Failed to accept invite")
	}
}

// QueryHandler answers the homeserver's alias and user queries.
type QueryHandler struct {
	orch *Orchestrator
}

var _ appservice.QueryHandler = (*QueryHandler)(nil)

func NewQueryHandler(orch *Orchestrator) *QueryHandler {
	return &QueryHandler{orch: orch}
}

func (q *QueryHandler) QueryAlias(alias string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	return q.orch.QueryAlias(ctx, id.RoomAlias(alias))
}

func (q *QueryHandler) QueryUser(userID id.UserID) bool {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	return q.orch.QueryUser(ctx, userID)
}
