package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func doJSON(t *testing.T, method string, url string, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/up")
	if err != nil {
		t.Fatalf("get /up: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRestCreateAndGetRoom(t *testing.T) {
	_, srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/rooms", "", map[string]any{"name": "general"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var created roomResource
	decodeBody(t, resp, &created)
	if created.Name != "general" || created.ID == "" {
		t.Fatalf("unexpected room: %+v", created)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var fetched roomResource
	decodeBody(t, resp, &fetched)
	if fetched.ID != created.ID {
		t.Fatalf("expected room %q, got %q", created.ID, fetched.ID)
	}
}

func TestRestCreateRoomRejectsBlankName(t *testing.T) {
	_, srv := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/rooms", "", map[string]any{"name": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var apiErr apiErrorResponse
	decodeBody(t, resp, &apiErr)
	if apiErr.Error.Code != "INVALID_ARGUMENT" {
		t.Fatalf("error code = %q, want INVALID_ARGUMENT", apiErr.Error.Code)
	}
}

func TestRestGetUnknownRoom(t *testing.T) {
	_, srv := newTestServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/missing", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRestListRoomsPaginates(t *testing.T) {
	server, srv := newTestServer(t)
	for _, name := range []string{"alpha", "beta", "gamma"} {
		createTestRoom(t, server, name)
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/rooms?pageSize=2", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var first roomListResponse
	decodeBody(t, resp, &first)
	if len(first.Rooms) != 2 || first.NextPageToken == "" {
		t.Fatalf("unexpected first page: %+v", first)
	}
	if first.Rooms[0].Name != "alpha" || first.Rooms[1].Name != "beta" {
		t.Fatalf("expected creation order, got %+v", first.Rooms)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/rooms?pageSize=2&pageToken="+first.NextPageToken, "", nil)
	var second roomListResponse
	decodeBody(t, resp, &second)
	if len(second.Rooms) != 1 || second.Rooms[0].Name != "gamma" {
		t.Fatalf("unexpected second page: %+v", second)
	}
	if second.NextPageToken != "" {
		t.Fatalf("expected exhausted listing, got token %q", second.NextPageToken)
	}
}

func TestRestJoinRequiresAuthentication(t *testing.T) {
	server, srv := newTestServer(t)
	room := createTestRoom(t, server, "general")

	resp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/rooms/%s/join", srv.URL, room.ID), "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRestJoinAndLeave(t *testing.T) {
	server, srv := newTestServer(t)
	room := createTestRoom(t, server, "general")
	token := signTestToken(t, "user-1", "Ada")

	resp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/rooms/%s/join", srv.URL, room.ID), token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d, want 200", resp.StatusCode)
	}
	var membership membershipResource
	decodeBody(t, resp, &membership)
	if membership.IdentityID != "user-1" || membership.RoomID != room.ID {
		t.Fatalf("unexpected membership: %+v", membership)
	}

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/rooms/%s/leave", srv.URL, room.ID), token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("leave status = %d, want 204", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/rooms/%s/leave", srv.URL, room.ID), token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("double leave status = %d, want 404", resp.StatusCode)
	}
}

func TestRestJoinUnknownRoom(t *testing.T) {
	_, srv := newTestServer(t)
	token := signTestToken(t, "user-1", "Ada")
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/missing/join", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRestListMessagesWalksHistory(t *testing.T) {
	server, srv := newTestServer(t)
	room := createTestRoom(t, server, "general")

	conn := dialWS(t, srv, "")
	joinRoom(t, conn, room.ID)
	for i := 0; i < 5; i++ {
		writeFrame(t, conn, map[string]any{
			"type": "send_message",
			"payload": map[string]any{
				"roomId":      room.ID,
				"content":     fmt.Sprintf("message %d", i+1),
				"clientNonce": fmt.Sprintf("n%d", i+1),
			},
		})
		_ = readFrame(t, conn) // ack
		_ = readFrame(t, conn) // new_message
	}

	resp := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/rooms/%s/messages?pageSize=2", srv.URL, room.ID), "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var first messageListResponse
	decodeBody(t, resp, &first)
	if len(first.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(first.Messages))
	}
	if first.Messages[0].ID != 4 || first.Messages[1].ID != 5 {
		t.Fatalf("expected most recent page oldest-first, got %d..%d", first.Messages[0].ID, first.Messages[1].ID)
	}
	if first.NextPageToken == "" {
		t.Fatal("expected next page token")
	}

	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/rooms/%s/messages?pageSize=2&pageToken=%s", srv.URL, room.ID, first.NextPageToken), "", nil)
	var second messageListResponse
	decodeBody(t, resp, &second)
	if len(second.Messages) != 2 || second.Messages[0].ID != 2 || second.Messages[1].ID != 3 {
		t.Fatalf("unexpected second page: %+v", second.Messages)
	}
}

func TestRestListMessagesUnknownRoom(t *testing.T) {
	_, srv := newTestServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/missing/messages", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRestMethodNotAllowed(t *testing.T) {
	_, srv := newTestServer(t)
	resp := doJSON(t, http.MethodDelete, srv.URL+"/api/rooms", "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); !strings.Contains(allow, "GET") {
		t.Fatalf("expected Allow header, got %q", allow)
	}
}
