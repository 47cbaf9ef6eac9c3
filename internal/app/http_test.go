package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"huddle/api/internal/store"
)

func newTestServer(st *fakeStore) (*HTTPServer, *fakeStore) {
	if st == nil {
		st = &fakeStore{}
	}
	service := newTestService(st, nil, nil, nil, nil)
	return NewHTTPServer(service, "*"), st
}

func loginToken(t *testing.T, server *HTTPServer) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"name": "Avery", "email": "avery@huddle.local"})
	req := httptest.NewRequest(http.MethodPost, "/api/session/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
	var decoded struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return decoded.Token
}

func doJSON(server *HTTPServer, method, path, token string, payload any) *httptest.ResponseRecorder {
	var body *bytes.Reader
	if payload != nil {
		encoded, _ := json.Marshal(payload)
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(nil)
	rec := doJSON(server, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyEndpoint(t *testing.T) {
	server, _ := newTestServer(nil)
	rec := doJSON(server, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var decoded struct {
		OK     bool           `json:"ok"`
		Checks map[string]any `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.OK || decoded.Checks["database"] == nil || decoded.Checks["auditStore"] == nil {
		t.Errorf("unexpected readiness response: %+v", decoded)
	}
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	server, _ := newTestServer(nil)
	rec := doJSON(server, http.MethodPost, "/api/channels", "", map[string]string{"name": "general"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSessionRoundtrip(t *testing.T) {
	server, _ := newTestServer(nil)
	token := loginToken(t, server)

	rec := doJSON(server, http.MethodGet, "/api/session", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var decoded struct {
		Authenticated bool   `json:"authenticated"`
		UserName      string `json:"userName"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Authenticated || decoded.UserName != "Avery" {
		t.Errorf("unexpected session response: %+v", decoded)
	}
}

func TestTrashEndpointMapsConflict(t *testing.T) {
	msg := activeMessage()
	msg.IsTrashed = true
	msg.OriginalContent = "hello"
	st := &fakeStore{
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return msg, nil
		},
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: "usr_1", DisplayName: "Avery"}, nil
		},
	}
	server, _ := newTestServer(st)
	token := loginToken(t, server)

	rec := doJSON(server, http.MethodPost, "/api/messages/msg_1/trash", token, map[string]string{"reason": "spam"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var decoded struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Code != "CONFLICT" {
		t.Errorf("expected CONFLICT code, got %s", decoded.Code)
	}
}

func TestUnknownMessageMapsNotFound(t *testing.T) {
	server, _ := newTestServer(nil)
	token := loginToken(t, server)

	rec := doJSON(server, http.MethodPost, "/api/messages/msg_missing/hide", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuditLogsRejectBadTimestamps(t *testing.T) {
	server, _ := newTestServer(nil)
	token := loginToken(t, server)

	rec := doJSON(server, http.MethodGet, "/api/audit-logs?from=yesterday", token, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateMessageEndpoint(t *testing.T) {
	st := &fakeStore{}
	server, _ := newTestServer(st)
	token := loginToken(t, server)

	rec := doJSON(server, http.MethodPost, "/api/channels/ch_1/messages", token, map[string]any{
		"content": "hello there",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(st.insertedMessages) != 1 || st.insertedMessages[0].Content != "hello there" {
		t.Errorf("unexpected inserted messages: %+v", st.insertedMessages)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(nil)
	token := loginToken(t, server)

	rec := doJSON(server, http.MethodGet, "/api/nope", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
