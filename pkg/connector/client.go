// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-roombridge/pkg/connector/remotecall"
)

const wsReconnectDelay = 5 * time.Second

// MattermostClient is the relay account's connection to Mattermost. It
// implements RemoteService.
type MattermostClient struct {
	client    *model.Client4
	serverURL string
	botPrefix string
	log       zerolog.Logger

	wsMu     sync.Mutex
	wsClient *model.WebSocketClient
	stopOnce sync.Once
	stopChan chan struct{}

	subMu   sync.RWMutex
	subs    map[string]map[uint64]func(RemoteEvent)
	nextSub uint64

	userMu sync.RWMutex
	userID string
	users  map[string]RemoteUser
}

var _ RemoteService = (*MattermostClient)(nil)

func NewMattermostClient(serverURL, token, botPrefix string, log zerolog.Logger) *MattermostClient {
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)
	return &MattermostClient{
		client:    client,
		serverURL: serverURL,
		botPrefix: botPrefix,
		log:       log.With().Str("component", "mm_client").Logger(),
		stopChan:  make(chan struct{}),
		subs:      make(map[string]map[uint64]func(RemoteEvent)),
		users:     make(map[string]RemoteUser),
	}
}

// callError formats a failed API call as "<status> <op>: <cause>".
func callError(op string, resp *model.Response, err error) error {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	var appErr *model.AppError
	if status == 0 && errors.As(err, &appErr) {
		status = appErr.StatusCode
	}
	return remotecall.StatusError(status, op, err)
}

// Connect verifies the relay token and opens the WebSocket.
func (m *MattermostClient) Connect(ctx context.Context) error {
	m.log.Info().Str("server_url", m.serverURL).Msg("Connecting to Mattermost")
	me, err := m.Self(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	m.log.Info().Str("user_id", me.ID).Str("username", me.Username).Msg("Authenticated")
	if err := m.connectWebSocket(); err != nil {
		return err
	}
	return nil
}

func (m *MattermostClient) connectWebSocket() error {
	wsURL := httpToWS(m.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, m.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	m.wsMu.Lock()
	m.wsClient = ws
	m.wsMu.Unlock()

	go m.listenWebSocket(ws)

	m.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (m *MattermostClient) listenWebSocket(ws *model.WebSocketClient) {
	for {
		select {
		case <-m.stopChan:
			return
		case event, ok := <-ws.EventChannel:
			if !ok {
				m.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				m.handleWebSocketDisconnect()
				return
			}
			if event == nil {
				continue
			}
			m.handleEvent(event)
		}
	}
}

func (m *MattermostClient) handleWebSocketDisconnect() {
	for {
		select {
		case <-m.stopChan:
			return
		case <-time.After(wsReconnectDelay):
		}
		if err := m.connectWebSocket(); err != nil {
			m.log.Error().Err(err).Msg("Failed to reconnect WebSocket")
			continue
		}
		return
	}
}

// Close stops the WebSocket. Subscriptions receive nothing afterwards.
func (m *MattermostClient) Close() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wsMu.Lock()
	defer m.wsMu.Unlock()
	if m.wsClient != nil {
		m.wsClient.Close()
		m.wsClient = nil
	}
}

func (m *MattermostClient) Self(ctx context.Context) (RemoteUser, error) {
	me, resp, err := m.client.GetMe(ctx, "")
	if err != nil {
		return RemoteUser{}, callError("get me", resp, err)
	}
	m.userMu.Lock()
	m.userID = me.Id
	m.userMu.Unlock()
	return convertUser(me), nil
}

func (m *MattermostClient) selfID() string {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	return m.userID
}

func (m *MattermostClient) Send(ctx context.Context, room RemoteRoom, text string) (string, error) {
	return sendPost(ctx, m.client, room, text)
}

func sendPost(ctx context.Context, client *model.Client4, room RemoteRoom, text string) (string, error) {
	post, resp, err := client.CreatePost(ctx, &model.Post{ChannelId: room.ID, Message: text})
	if err != nil {
		return "", callError("create post", resp, err)
	}
	return post.Id, nil
}

// JoinRoom resolves "team/channel" and adds the relay account to it.
func (m *MattermostClient) JoinRoom(ctx context.Context, name string) (RemoteRoom, error) {
	teamName, channelName, ok := strings.Cut(name, "/")
	if !ok {
		return RemoteRoom{}, remotecall.StatusError(400, "join "+name, errors.New("expected team/channel"))
	}
	ch, resp, err := m.client.GetChannelByNameForTeamName(ctx, channelName, teamName, "")
	if err != nil {
		return RemoteRoom{}, callError("get channel "+name, resp, err)
	}
	if _, resp, err := m.client.AddChannelMember(ctx, ch.Id, m.selfID()); err != nil {
		return RemoteRoom{}, callError("add channel member", resp, err)
	}
	return RemoteRoom{ID: ch.Id, Name: name}, nil
}

func (m *MattermostClient) LeaveRoom(ctx context.Context, room RemoteRoom) error {
	if resp, err := m.client.RemoveUserFromChannel(ctx, room.ID, m.selfID()); err != nil {
		return callError("remove channel member", resp, err)
	}
	return nil
}

// Subscribe registers sink for the events of one channel.
func (m *MattermostClient) Subscribe(room RemoteRoom, sink func(RemoteEvent)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	key := m.nextSub
	m.nextSub++
	if m.subs[room.ID] == nil {
		m.subs[room.ID] = make(map[uint64]func(RemoteEvent))
	}
	m.subs[room.ID][key] = sink
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs[room.ID], key)
		if len(m.subs[room.ID]) == 0 {
			delete(m.subs, room.ID)
		}
	}
}

// dispatch delivers evt to the subscribers of a channel, or of every
// channel when channelID is empty.
func (m *MattermostClient) dispatch(channelID string, evt RemoteEvent) {
	m.subMu.RLock()
	var sinks []func(RemoteEvent)
	for ch, subs := range m.subs {
		if channelID != "" && ch != channelID {
			continue
		}
		for _, sink := range subs {
			sinks = append(sinks, sink)
		}
	}
	m.subMu.RUnlock()
	for _, sink := range sinks {
		sink(evt)
	}
}

func (m *MattermostClient) subscribed(channelID string) bool {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subs[channelID]) > 0
}

// puppetSender posts as the account of a puppet access token.
type puppetSender struct {
	client *model.Client4
}

func (p *puppetSender) Send(ctx context.Context, room RemoteRoom, text string) (string, error) {
	return sendPost(ctx, p.client, room, text)
}

func (m *MattermostClient) Puppet(ctx context.Context, credential string) (RemoteSender, RemoteUser, error) {
	client := model.NewAPIv4Client(m.serverURL)
	client.SetToken(credential)
	me, resp, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, RemoteUser{}, callError("get me", resp, err)
	}
	return &puppetSender{client: client}, convertUser(me), nil
}

func (m *MattermostClient) ListUsers(ctx context.Context, room RemoteRoom, page, perPage int) ([]RemoteUser, error) {
	users, resp, err := m.client.GetUsersInChannel(ctx, room.ID, page, perPage, "")
	if err != nil {
		return nil, callError("get users in channel", resp, err)
	}
	out := make([]RemoteUser, 0, len(users))
	for _, u := range users {
		out = append(out, convertUser(u))
	}
	return out, nil
}

// GetUser returns a user by ID, served from cache when possible.
func (m *MattermostClient) GetUser(ctx context.Context, userID string) (RemoteUser, error) {
	m.userMu.RLock()
	cached, ok := m.users[userID]
	m.userMu.RUnlock()
	if ok {
		return cached, nil
	}
	u, resp, err := m.client.GetUser(ctx, userID, "")
	if err != nil {
		return RemoteUser{}, callError("get user", resp, err)
	}
	user := convertUser(u)
	m.cacheUser(user)
	return user, nil
}

func (m *MattermostClient) GetUserByName(ctx context.Context, username string) (RemoteUser, error) {
	u, resp, err := m.client.GetUserByUsername(ctx, username, "")
	if err != nil {
		return RemoteUser{}, callError("get user by username", resp, err)
	}
	user := convertUser(u)
	m.cacheUser(user)
	return user, nil
}

func (m *MattermostClient) cacheUser(user RemoteUser) {
	m.userMu.Lock()
	m.users[user.ID] = user
	m.userMu.Unlock()
}

func (m *MattermostClient) forgetUser(userID string) {
	m.userMu.Lock()
	delete(m.users, userID)
	m.userMu.Unlock()
}

func (m *MattermostClient) FetchAvatar(ctx context.Context, user RemoteUser) ([]byte, string, error) {
	data, resp, err := m.client.GetProfileImage(ctx, user.ID, "")
	if err != nil {
		return nil, "", callError("get profile image", resp, err)
	}
	return data, http.DetectContentType(data), nil
}

func convertUser(u *model.User) RemoteUser {
	avatarRef := ""
	if u.LastPictureUpdate != 0 {
		avatarRef = strconv.FormatInt(u.LastPictureUpdate, 10)
	}
	return RemoteUser{
		ID:        u.Id,
		Username:  u.Username,
		Nickname:  u.Nickname,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		AvatarRef: avatarRef,
		IsBot:     u.IsBot,
	}
}
