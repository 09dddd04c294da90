// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// apiRequest sends one request through the API router and decodes the JSON
// response into out when out is non-nil.
func apiRequest(t *testing.T, api *API, method, path, secret, body string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func newTestAPI(t *testing.T, env *testEnv) *API {
	t.Helper()
	return NewAPI(env.orch, env.local, NewMetrics(), ProvisioningConfig{SharedSecret: "s3cret", Metrics: true}, zerolog.Nop())
}

func TestProvisionRequiresSecret(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	api := newTestAPI(t, env)

	for _, secret := range []string{"", "wrong"} {
		if code := apiRequest(t, api, http.MethodPost, "/_matrix/provision/getbotid", secret, "{}", nil); code != http.StatusUnauthorized {
			t.Errorf("secret %q: got %d, want 401", secret, code)
		}
	}
	if code := apiRequest(t, api, http.MethodPost, "/api/reload-puppets", "", "", nil); code != http.StatusUnauthorized {
		t.Errorf("reload without secret: got %d, want 401", code)
	}
}

func TestProvisionGetBotID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	var resp map[string]string
	code := apiRequest(t, newTestAPI(t, env), http.MethodPost, "/_matrix/provision/getbotid", "s3cret", "", &resp)
	if code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", code)
	}
	if resp["bot_user_id"] != string(env.local.bot) {
		t.Errorf("bot_user_id: got %q, want %q", resp["bot_user_id"], env.local.bot)
	}
}

func TestProvisionBadRequests(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	api := newTestAPI(t, env)

	tests := []struct {
		name string
		path string
		body string
		code int
		msg  string
	}{
		{"unknown verb", "/_matrix/provision/explode", "{}", http.StatusNotFound, "Unrecognised provisioning command explode"},
		{"invalid JSON", "/_matrix/provision/link", "{", http.StatusBadRequest, "Invalid JSON body"},
		{"missing param", "/_matrix/provision/link", `{"matrix_room_id":"!a:example.com","user_id":"@bob:example.com"}`, http.StatusBadRequest, "Required parameter remote_room_name missing"},
		{"non-string param", "/_matrix/provision/getlink", `{"matrix_room_id":5}`, http.StatusBadRequest, "Required parameter matrix_room_id missing"},
		{"unknown link", "/_matrix/provision/getlink", `{"matrix_room_id":"!a:example.com"}`, http.StatusNotFound, "Link not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var resp errorResponse
			code := apiRequest(t, api, http.MethodPost, tt.path, "s3cret", tt.body, &resp)
			if code != tt.code {
				t.Errorf("status: got %d, want %d", code, tt.code)
			}
			if resp.Error != tt.msg {
				t.Errorf("error: got %q, want %q", resp.Error, tt.msg)
			}
		})
	}
}

func TestProvisionLinkLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	api := newTestAPI(t, env)
	linkBody := `{"matrix_room_id":"!a:example.com","remote_room_name":"team/town","user_id":"@bob:example.com"}`

	if code := apiRequest(t, api, http.MethodPost, "/_matrix/provision/link", "s3cret", linkBody, nil); code != http.StatusOK {
		t.Fatalf("link: got %d, want 200", code)
	}
	if code := apiRequest(t, api, http.MethodPost, "/_matrix/provision/link", "s3cret", linkBody, nil); code != http.StatusConflict {
		t.Errorf("second link: got %d, want 409", code)
	}

	var link linkResponse
	code := apiRequest(t, api, http.MethodPost, "/_matrix/provision/getlink", "s3cret", `{"matrix_room_id":"!a:example.com"}`, &link)
	if code != http.StatusOK {
		t.Fatalf("getlink: got %d, want 200", code)
	}
	if link.RemoteRoomName != town || link.IsPortal || link.Status != "started" {
		t.Errorf("getlink: got %+v", link)
	}

	wrongRemote := `{"matrix_room_id":"!a:example.com","remote_room_name":"team/other","user_id":"@bob:example.com"}`
	if code := apiRequest(t, api, http.MethodPost, "/_matrix/provision/unlink", "s3cret", wrongRemote, nil); code != http.StatusNotFound {
		t.Errorf("unlink of another remote room: got %d, want 404", code)
	}
	if code := apiRequest(t, api, http.MethodPost, "/_matrix/provision/unlink", "s3cret", linkBody, nil); code != http.StatusOK {
		t.Errorf("unlink: got %d, want 200", code)
	}
	if got := env.orch.List(); len(got) != 0 {
		t.Errorf("List after unlink: got %+v", got)
	}
}

func TestProvisionLinkForbidden(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.local.canLink = false
	body := `{"matrix_room_id":"!a:example.com","remote_room_name":"team/town","user_id":"@bob:example.com"}`

	var resp errorResponse
	code := apiRequest(t, newTestAPI(t, env), http.MethodPost, "/_matrix/provision/link", "s3cret", body, &resp)
	if code != http.StatusForbidden {
		t.Errorf("status: got %d, want 403", code)
	}
	if !strings.Contains(resp.Error, "not allowed") {
		t.Errorf("error: got %q", resp.Error)
	}
	if got := env.orch.List(); len(got) != 0 {
		t.Errorf("forbidden link was created: %+v", got)
	}
}

func TestProvisionWithoutSecretConfigured(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	api := NewAPI(env.orch, env.local, nil, ProvisioningConfig{}, zerolog.Nop())
	if code := apiRequest(t, api, http.MethodPost, "/_matrix/provision/getbotid", "", "", nil); code != http.StatusOK {
		t.Errorf("getbotid: got %d, want 200", code)
	}
	if code := apiRequest(t, api, http.MethodGet, "/metrics", "", "", nil); code != http.StatusNotFound {
		t.Errorf("metrics when disabled: got %d, want 404", code)
	}
}

func TestReloadPuppetsFromBody(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.remote.puppets["tok-1"] = RemoteUser{ID: "mm-1", Username: "one"}
	env.remote.puppets["tok-2"] = RemoteUser{ID: "mm-2", Username: "two"}
	api := newTestAPI(t, env)

	var resp map[string]int
	body := `[{"slug":"ONE","mxid":"@one:example.com","token":"tok-1"},{"slug":"TWO","mxid":"@two:example.com","token":"tok-2"}]`
	if code := apiRequest(t, api, http.MethodPost, "/api/reload-puppets", "s3cret", body, &resp); code != http.StatusOK {
		t.Fatalf("reload: got %d, want 200", code)
	}
	if resp["added"] != 2 || resp["removed"] != 0 || resp["total"] != 2 {
		t.Errorf("first reload: got %v", resp)
	}

	body = `[{"slug":"ONE","mxid":"@one:example.com","token":"tok-1"}]`
	if code := apiRequest(t, api, http.MethodPost, "/api/reload-puppets", "s3cret", body, &resp); code != http.StatusOK {
		t.Fatalf("reload: got %d, want 200", code)
	}
	if resp["added"] != 0 || resp["removed"] != 1 || resp["total"] != 1 {
		t.Errorf("second reload: got %v", resp)
	}
}

func TestReloadPuppetsBadBody(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	api := newTestAPI(t, env)

	if code := apiRequest(t, api, http.MethodPost, "/api/reload-puppets", "s3cret", "not json", nil); code != http.StatusBadRequest {
		t.Errorf("invalid JSON: got %d, want 400", code)
	}
	huge := "[" + strings.Repeat(" ", maxReloadBodySize) + "]"
	if code := apiRequest(t, api, http.MethodPost, "/api/reload-puppets", "s3cret", huge, nil); code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: got %d, want 413", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	newTestAPI(t, env).Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "roombridge_puppets") {
		t.Errorf("metrics output missing roombridge_puppets")
	}
}
