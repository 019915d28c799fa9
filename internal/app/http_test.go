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

	"golang.org/x/crypto/bcrypt"

	"github.com/iKunal-Singh/promptHub/internal/auth"
	"github.com/iKunal-Singh/promptHub/internal/identity"
	"github.com/iKunal-Singh/promptHub/internal/store"
)

func TestSessionLoginReturnsContract(t *testing.T) {
	var ensuredName string
	fs := &fakeStore{
		ensureUserByNameFn: func(_ context.Context, id, name string) (store.User, error) {
			ensuredName = name
			return store.User{ID: id, DisplayName: name, Role: "editor"}, nil
		},
	}
	svc := newTestService(fs, &fakeMirror{})
	server := NewHTTPServer(svc, nil, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/session/login", bytes.NewBufferString(`{"name":"  Ada  "}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("expected token")
	}
	if payload["userName"] != "Ada" {
		t.Fatalf("expected userName Ada, got %v", payload["userName"])
	}
	if ensuredName != "Ada" {
		t.Fatalf("expected trimmed name Ada, got %q", ensuredName)
	}
}

func TestSessionLoginRejectsInvalidBody(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}, &fakeMirror{}), nil, "*")
	req := httptest.NewRequest(http.MethodPost, "/api/session/login", bytes.NewBufferString(`{"name":`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "INVALID_BODY" {
		t.Fatalf("expected code INVALID_BODY, got %v", payload["code"])
	}
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}, &fakeMirror{}), nil, "*")
	req := httptest.NewRequest(http.MethodGet, "/api/prompts", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithExpiredBearerReturnsUnauthorized(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeMirror{})
	server := NewHTTPServer(svc, nil, "*")

	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  "user_1",
		Name: "Ada",
		Role: "editor",
		Exp:  time.Now().Add(-1 * time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/prompts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	assertUnauthorizedCode(t, rr)
}

func TestViewerCannotCreatePrompts(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Vin", Role: "viewer"}, nil
		},
	}
	svc := newTestService(fs, &fakeMirror{})
	server := NewHTTPServer(svc, nil, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/prompts", bytes.NewBufferString(`{"title":"T","body":"B"}`))
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "user_1", "Vin", "viewer"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestReviewerCannotMerge(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Rex", Role: "reviewer"}, nil
		},
	}
	svc := newTestService(fs, &fakeMirror{})
	server := NewHTTPServer(svc, nil, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/prompts/prm_1/merge", bytes.NewBufferString(`{"sourceBranch":"br_x","targetBranch":"main"}`))
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "user_2", "Rex", "reviewer"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCommitRoundTripThroughHandler(t *testing.T) {
	fs := &fakeStore{
		getLatestVersionFn: func(_ context.Context, _ string, _ *string) (store.Version, error) {
			return store.Version{ID: "ver_1", VersionNumber: 1, Snapshot: store.Snapshot{Body: "Hello"}, IsLatest: true}, nil
		},
	}
	svc := newTestService(fs, &fakeMirror{})
	server := NewHTTPServer(svc, nil, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/prompts/prm_1/versions", bytes.NewBufferString(`{"body":"Hello world"}`))
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "user_1", "Ada", "editor"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	version := payload["version"].(map[string]any)
	if version["changeLog"] != "Updated body. 1 additions, 0 deletions." {
		t.Fatalf("unexpected change log %v", version["changeLog"])
	}
	if version["versionNumber"] != float64(2) {
		t.Fatalf("expected version 2, got %v", version["versionNumber"])
	}
}

func TestUnknownVersionReturnsNotFound(t *testing.T) {
	fs := &fakeStore{
		getVersionFn: func(_ context.Context, _ string) (store.Version, error) {
			return store.Version{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs, &fakeMirror{})
	server := NewHTTPServer(svc, nil, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/versions/ver_missing", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "user_1", "Ada", "editor"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected code NOT_FOUND, got %v", payload["code"])
	}
}

type fakeKeyStore struct {
	keys  map[string]store.APIKey
	users map[string]store.User
}

func (f *fakeKeyStore) InsertAPIKey(_ context.Context, key store.APIKey) error {
	f.keys[key.ID] = key
	return nil
}
func (f *fakeKeyStore) GetAPIKey(_ context.Context, keyID string) (store.APIKey, error) {
	key, ok := f.keys[keyID]
	if !ok {
		return store.APIKey{}, sql.ErrNoRows
	}
	return key, nil
}
func (f *fakeKeyStore) RevokeAPIKey(_ context.Context, keyID string) error {
	key := f.keys[keyID]
	now := time.Now()
	key.RevokedAt = &now
	f.keys[keyID] = key
	return nil
}
func (f *fakeKeyStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func TestAPIKeyAuthenticatesRequests(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ks := &fakeKeyStore{
		keys: map[string]store.APIKey{
			"pk_1": {ID: "pk_1", UserID: "user_1", KeyHash: string(hash)},
		},
		users: map[string]store.User{
			"user_1": {ID: "user_1", DisplayName: "Bot", Role: "editor"},
		},
	}
	svc := newTestService(&fakeStore{}, &fakeMirror{})
	server := NewHTTPServer(svc, identity.NewService(ks), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/prompts", nil)
	req.Header.Set("X-API-Key", "pk_1.s3cret")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestBadAPIKeyIsUnauthorized(t *testing.T) {
	ks := &fakeKeyStore{keys: map[string]store.APIKey{}, users: map[string]store.User{}}
	svc := newTestService(&fakeStore{}, &fakeMirror{})
	server := NewHTTPServer(svc, identity.NewService(ks), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/prompts", nil)
	req.Header.Set("X-API-Key", "pk_missing.nope")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	assertUnauthorizedCode(t, rr)
}

func issueTestToken(t *testing.T, userID, name, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  userID,
		Name: name,
		Role: role,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func assertUnauthorizedCode(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected code UNAUTHORIZED, got %v", payload["code"])
	}
}
