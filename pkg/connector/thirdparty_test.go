// Copyright 2024-2026 Aiku AI

package connector

import (
	"net/http"
	"testing"

	"maunium.net/go/mautrix/id"
)

func TestThirdPartyProtocol(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	api := NewAPI(env.orch, env.local, nil, ProvisioningConfig{SharedSecret: "s3cret", IconURI: "mxc://example.com/icon"}, env.orch.log)

	var resp protocolResponse
	code := apiRequest(t, api, http.MethodGet, "/_matrix/app/v1/thirdparty/protocol/mattermost", "", "", &resp)
	if code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", code)
	}
	if len(resp.Instances) != 1 || resp.Icon != "mxc://example.com/icon" {
		t.Errorf("protocol: got %+v", resp)
	}
	if len(resp.LocationFields) != 1 || resp.LocationFields[0] != "room" {
		t.Errorf("location fields: got %v", resp.LocationFields)
	}
}

func TestThirdPartyLocation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	api := newTestAPI(t, env)

	var resp []locationResponse
	code := apiRequest(t, api, http.MethodGet, "/_matrix/app/v1/thirdparty/location/mattermost?room=Team/Town", "", "", &resp)
	if code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", code)
	}
	want := id.RoomAlias("#mattermost_team=2Ftown:example.com")
	if len(resp) != 1 || resp[0].Alias != want || resp[0].Fields["room"] != town {
		t.Errorf("location: got %+v, want alias %s", resp, want)
	}

	for _, bad := range []string{"", "?room=town", "?room=team/ch%20an"} {
		if code := apiRequest(t, api, http.MethodGet, "/_matrix/app/v1/thirdparty/location/mattermost"+bad, "", "", nil); code != http.StatusBadRequest {
			t.Errorf("location%s: got %d, want 400", bad, code)
		}
	}
}

func TestThirdPartyUser(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	api := newTestAPI(t, env)

	var resp []userResponse
	code := apiRequest(t, api, http.MethodGet, "/_matrix/app/v1/thirdparty/user/mattermost?username=@Alice", "", "", &resp)
	if code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", code)
	}
	if len(resp) != 1 || resp[0].UserID != aliceG || resp[0].Fields["username"] != "alice" {
		t.Errorf("user: got %+v", resp)
	}
	if code := apiRequest(t, api, http.MethodGet, "/_matrix/app/v1/thirdparty/user/mattermost", "", "", nil); code != http.StatusBadRequest {
		t.Errorf("missing username: got %d, want 400", code)
	}
}

func TestThirdPartyReverseUser(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	api := newTestAPI(t, env)

	var resp []userResponse
	code := apiRequest(t, api, http.MethodGet, "/_matrix/app/v1/thirdparty/user?userid="+string(aliceG), "", "", &resp)
	if code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", code)
	}
	if len(resp) != 1 || resp[0].Fields["username"] != "alice" {
		t.Errorf("reverse user: got %+v", resp)
	}
	if code := apiRequest(t, api, http.MethodGet, "/_matrix/app/v1/thirdparty/user?userid="+string(bob), "", "", nil); code != http.StatusNotFound {
		t.Errorf("non-ghost: got %d, want 404", code)
	}
}
