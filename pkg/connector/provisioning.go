// Copyright 2024-2026 Aiku AI

package connector

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"
)

// maxReloadBodySize limits the request body for the reload-puppets endpoint.
const maxReloadBodySize = 1 << 20 // 1 MB

// API serves provisioning, third party lookups, puppet reload and metrics.
type API struct {
	orch    *Orchestrator
	local   LocalNetwork
	metrics *Metrics
	cfg     ProvisioningConfig
	log     zerolog.Logger
}

func NewAPI(orch *Orchestrator, local LocalNetwork, metrics *Metrics, cfg ProvisioningConfig, log zerolog.Logger) *API {
	return &API{
		orch:    orch,
		local:   local,
		metrics: metrics,
		cfg:     cfg,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP routes.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(a.requestLogger)
	r.Use(chimw.Recoverer)

	if a.cfg.Metrics {
		r.Handle("/metrics", a.metrics.Handler())
	}
	r.Route("/_matrix/app/v1/thirdparty", func(r chi.Router) {
		r.Get("/protocol/"+thirdPartyProtocol, a.handleProtocol)
		r.Get("/location/"+thirdPartyProtocol, a.handleLocation)
		r.Get("/user/"+thirdPartyProtocol, a.handleUser)
		r.Get("/user", a.handleReverseUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(a.requireSecret)
		r.Post("/_matrix/provision/{verb}", a.handleProvision)
		r.Post("/api/reload-puppets", a.HandleReloadPuppets)
	})
	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// requireSecret checks the shared secret bearer token, if one is configured.
func (a *API) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.SharedSecret != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.SharedSecret)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid or missing shared secret"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// provisionVerb is one provisioning command. Params are the body fields it
// requires.
type provisionVerb struct {
	params  []string
	handler func(a *API, w http.ResponseWriter, r *http.Request, args map[string]string)
}

var provisionVerbs = map[string]provisionVerb{
	"getbotid": {handler: (*API).provisionGetBotID},
	"getlink":  {params: []string{"matrix_room_id"}, handler: (*API).provisionGetLink},
	"link":     {params: []string{"matrix_room_id", "remote_room_name", "user_id"}, handler: (*API).provisionLink},
	"unlink":   {params: []string{"matrix_room_id", "remote_room_name", "user_id"}, handler: (*API).provisionUnlink},
}

func (a *API) handleProvision(w http.ResponseWriter, r *http.Request) {
	verbName := chi.URLParam(r, "verb")
	a.log.Info().Str("verb", verbName).Msg("Received provisioning request")
	verb, ok := provisionVerbs[verbName]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Unrecognised provisioning command " + verbName})
		return
	}
	body := make(map[string]any)
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxReloadBodySize)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON body"})
			return
		}
	}
	args := make(map[string]string, len(verb.params))
	for _, param := range verb.params {
		val, ok := body[param].(string)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Required parameter " + param + " missing"})
			return
		}
		args[param] = val
	}
	verb.handler(a, w, r, args)
}

func (a *API) provisionGetBotID(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]string{"bot_user_id": string(a.local.BotUserID())})
}

type linkResponse struct {
	RemoteRoomName string             `json:"remote_room_name"`
	MatrixRoomID   id.RoomID          `json:"matrix_room_id"`
	IsPortal       bool               `json:"is_portal"`
	Status         string             `json:"status"`
	LastActivity   jsontime.UnixMilli `json:"last_activity"`
}

func (a *API) provisionGetLink(w http.ResponseWriter, _ *http.Request, args map[string]string) {
	roomID := id.RoomID(args["matrix_room_id"])
	remote, isPortal, ok := a.orch.LinkOf(roomID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Link not found"})
		return
	}
	resp := linkResponse{RemoteRoomName: remote, MatrixRoomID: roomID, IsPortal: isPortal}
	if bridge, ok := a.orch.Bridge(remote); ok {
		st := bridge.Status()
		resp.Status = st.Status.String()
		resp.LastActivity = jsontime.UM(st.RemoteLastActivity)
	}
	writeJSON(w, http.StatusOK, resp)
}

// checkLinkPermission writes an error response and returns false unless the
// user may change power levels in the room.
func (a *API) checkLinkPermission(w http.ResponseWriter, r *http.Request, roomID id.RoomID, userID id.UserID) bool {
	allowed, err := a.local.CanLink(r.Context(), roomID, userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return false
	}
	if !allowed {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: string(userID) + " is not allowed to provision links in " + string(roomID)})
		return false
	}
	return true
}

func (a *API) provisionLink(w http.ResponseWriter, r *http.Request, args map[string]string) {
	roomID := id.RoomID(args["matrix_room_id"])
	if !a.checkLinkPermission(w, r, roomID, id.UserID(args["user_id"])) {
		return
	}
	if err := a.orch.Link(r.Context(), roomID, args["remote_room_name"]); err != nil {
		status := http.StatusInternalServerError
		var linked *AlreadyLinkedError
		if errors.As(err, &linked) {
			status = http.StatusConflict
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (a *API) provisionUnlink(w http.ResponseWriter, r *http.Request, args map[string]string) {
	roomID := id.RoomID(args["matrix_room_id"])
	if !a.checkLinkPermission(w, r, roomID, id.UserID(args["user_id"])) {
		return
	}
	if remote, _, ok := a.orch.LinkOf(roomID); !ok || !strings.EqualFold(remote, strings.Trim(args["remote_room_name"], "/")) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Link not found"})
		return
	}
	if err := a.orch.Unlink(r.Context(), string(roomID)); err != nil {
		status := http.StatusInternalServerError
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// HandleReloadPuppets is an HTTP handler that reloads puppet config.
//
// POST /api/reload-puppets
//
// If the request body contains a JSON array of PuppetEntry objects, those
// entries are used directly. Otherwise, falls back to re-reading
// environment variables.
//
// Returns JSON: {"added": N, "removed": N, "total": N}
func (a *API) HandleReloadPuppets(w http.ResponseWriter, r *http.Request) {
	a.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("content_length", r.Header.Get("Content-Length")).
		Msg("Puppet reload requested")

	ctx := r.Context()
	identities := a.orch.Identities()
	var added, removed int

	var entries []PuppetEntry
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxReloadBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &entries); err != nil {
				http.Error(w, "invalid JSON", http.StatusBadRequest)
				return
			}
		}
	}

	source := "env"
	if len(entries) > 0 {
		source = "body"
	}
	a.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Int("entries", len(entries)).
		Str("source", source).
		Msg("Processing puppet reload")

	if len(entries) > 0 {
		added, removed = identities.ReloadPuppetsFromEntries(ctx, entries)
	} else {
		added, removed = identities.ReloadPuppets(ctx)
	}

	resp := map[string]int{
		"added":   added,
		"removed": removed,
		"total":   identities.PuppetCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write reload response")
	}
}
