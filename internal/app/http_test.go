package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/store"
)

func issueTestToken(t *testing.T, userID, userName string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  userID,
		Name: userName,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func parseBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if parseBody(t, rr)["ok"] != true {
		t.Fatalf("expected ok body, got %s", rr.Body.String())
	}
}

func TestReadyEndpointReportsDatabase(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseBody(t, rr)
	if payload["status"] != "ready" {
		t.Fatalf("expected ready status, got %v", payload)
	}
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	if parseBody(t, rr)["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected code UNAUTHORIZED, got %s", rr.Body.String())
	}
}

func TestProtectedRouteWithExpiredBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub: "usr-1",
		Exp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSessionLoginReturnsContract(t *testing.T) {
	var ensuredEmail string
	fs := &fakeStore{
		ensureUserFn: func(_ context.Context, user store.User) (store.User, error) {
			ensuredEmail = user.Email
			user.ID = "usr-1"
			return user, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")

	req := httptest.NewRequest(http.MethodPost, "/api/session/login", bytes.NewBufferString(`{"email":"  avery@example.com  ","displayName":"Avery"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseBody(t, rr)
	if payload["token"] == "" || payload["userId"] != "usr-1" || payload["userName"] != "Avery" {
		t.Fatalf("unexpected login payload: %v", payload)
	}
	if ensuredEmail != "avery@example.com" {
		t.Fatalf("expected trimmed email, got %q", ensuredEmail)
	}
}

func TestMissingTaskAndForbiddenTaskAreDistinctOverHTTP(t *testing.T) {
	fs := &fakeStore{getTaskFn: ownedTask("tsk-1", "usr-owner")}
	server := NewHTTPServer(newTestService(fs), "*")
	token := issueTestToken(t, "usr-stranger", "Sam")

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/tsk-missing", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing task: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tasks/tsk-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("existing task without grant: expected 403, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSharePermissionRoundtripOverHTTP(t *testing.T) {
	fs := &fakeStore{
		getTaskFn:        ownedTask("tsk-1", "usr-owner"),
		getUserByEmailFn: shareTarget("usr-b", "robin@example.com"),
	}
	server := NewHTTPServer(newTestService(fs), "*")
	token := issueTestToken(t, "usr-owner", "Avery")

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/tsk-1/permissions", bytes.NewBufferString(`{"email":"robin@example.com","role":"editor"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseBody(t, rr)
	if payload["role"] != "editor" || payload["userId"] != "usr-b" || payload["created"] != true {
		t.Fatalf("unexpected share payload: %v", payload)
	}
}

func TestPublicShareNeedsNoSession(t *testing.T) {
	fs := &fakeStore{
		getTaskFn: ownedTask("tsk-1", "usr-owner"),
		getShareLinkByTokenFn: func(_ context.Context, token string) (store.ShareLink, error) {
			if token != "tok-public" {
				return store.ShareLink{}, sql.ErrNoRows
			}
			return store.ShareLink{ID: "lnk-1", Token: token, TaskID: "tsk-1"}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")

	req := httptest.NewRequest(http.MethodGet, "/share/tok-public", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/share/tok-revoked", nil)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("revoked link: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestNotificationRoutes(t *testing.T) {
	fs := &fakeStore{
		listNotificationsFn: func(context.Context, string, int) ([]store.Notification, error) {
			return []store.Notification{{ID: "ntf-1", RecipientID: "usr-a", Kind: "share_task"}}, nil
		},
		getNotificationFn: func(context.Context, string) (store.Notification, error) {
			return store.Notification{ID: "ntf-1", RecipientID: "usr-a"}, nil
		},
		markAllNotificationsReadFn: func(context.Context, string) (int64, error) {
			return 3, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")
	token := issueTestToken(t, "usr-a", "Avery")

	req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/notifications/ntf-1/read", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("mark read: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/notifications/read-all", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("read-all: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if parseBody(t, rr)["updated"] != float64(3) {
		t.Fatalf("expected updated=3, got %s", rr.Body.String())
	}
}
