// Copyright 2024-2026 Aiku AI

package connector

import (
	"net/http"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-roombridge/pkg/connector/idtemplate"
)

const thirdPartyProtocol = "mattermost"

// validName matches Mattermost team, channel and user names.
var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

type protocolInstance struct {
	Desc   string            `json:"desc"`
	Icon   string            `json:"icon,omitempty"`
	Fields map[string]string `json:"fields"`
}

type protocolResponse struct {
	UserFields     []string           `json:"user_fields"`
	LocationFields []string           `json:"location_fields"`
	Icon           string             `json:"icon,omitempty"`
	Instances      []protocolInstance `json:"instances"`
}

type locationResponse struct {
	Alias    id.RoomAlias      `json:"alias"`
	Protocol string            `json:"protocol"`
	Fields   map[string]string `json:"fields"`
}

type userResponse struct {
	UserID   id.UserID         `json:"userid"`
	Protocol string            `json:"protocol"`
	Fields   map[string]string `json:"fields"`
}

func (a *API) handleProtocol(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocolResponse{
		UserFields:     []string{"username"},
		LocationFields: []string{"room"},
		Icon:           a.cfg.IconURI,
		Instances: []protocolInstance{{
			Desc:   "Mattermost",
			Icon:   a.cfg.IconURI,
			Fields: map[string]string{},
		}},
	})
}

// handleLocation maps a "team/channel" room name to its portal alias.
func (a *API) handleLocation(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Require a 'room' parameter"})
		return
	}
	room = strings.ToLower(room)
	team, channel, ok := strings.Cut(room, "/")
	if !ok || !validName.MatchString(team) || !validName.MatchString(channel) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid room name"})
		return
	}
	writeJSON(w, http.StatusOK, []locationResponse{{
		Alias:    a.orch.PortalAlias(room),
		Protocol: thirdPartyProtocol,
		Fields:   map[string]string{"room": room},
	}})
}

// handleUser maps a Mattermost username to its ghost user ID.
func (a *API) handleUser(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Require a 'username' parameter"})
		return
	}
	username = idtemplate.FoldUsername(strings.TrimPrefix(username, "@"))
	if !validName.MatchString(username) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid username"})
		return
	}
	writeJSON(w, http.StatusOK, []userResponse{{
		UserID:   a.orch.Identities().GhostIDForUsername(username),
		Protocol: thirdPartyProtocol,
		Fields:   map[string]string{"username": username},
	}})
}

// handleReverseUser maps a ghost user ID back to its Mattermost username.
func (a *API) handleReverseUser(w http.ResponseWriter, r *http.Request) {
	userID := id.UserID(r.URL.Query().Get("userid"))
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Require a 'userid' parameter"})
		return
	}
	username, ok := a.orch.Identities().UsernameForGhostID(userID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not a Mattermost user"})
		return
	}
	writeJSON(w, http.StatusOK, []userResponse{{
		UserID:   userID,
		Protocol: thirdPartyProtocol,
		Fields:   map[string]string{"username": username},
	}})
}
