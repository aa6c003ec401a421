package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"newsdesk/api/internal/auth"
	"newsdesk/api/internal/store"
)

func newTestServer(t *testing.T) (*HTTPServer, *memStore, *testClock) {
	t.Helper()
	svc, ms, clock, _ := newTestService(t)
	return NewHTTPServer(svc, "*"), ms, clock
}

func bearerFor(t *testing.T, server *HTTPServer, ms *memStore, userID, name string) string {
	t.Helper()
	ms.addUser(userID, name)
	expiresAt := server.service.now().Add(time.Hour)
	token, err := auth.IssueToken([]byte(server.service.cfg.JWTSecret), userID, name, expiresAt)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doRequest(server *HTTPServer, method, path, token string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodePayload(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)
	rr := doRequest(server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestSessionLoginReturnsToken(t *testing.T) {
	server, _, _ := newTestServer(t)
	rr := doRequest(server, http.MethodPost, "/api/session/login", "", `{"name":"ana"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodePayload(t, rr)
	if payload["token"] == "" || payload["token"] == nil {
		t.Fatal("expected token")
	}
	if payload["userName"] != "ana" {
		t.Fatalf("userName = %v", payload["userName"])
	}
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	server, _, _ := newTestServer(t)
	rr := doRequest(server, http.MethodGet, "/api/storyboards/sb_1", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if payload := decodePayload(t, rr); payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestLockEndpointLifecycle(t *testing.T) {
	server, ms, clock := newTestServer(t)
	seedStoryboard(ms, "sb_1", "usr_ana", []string{"usr_ben"})
	ana := bearerFor(t, server, ms, "usr_ana", "ana")
	ben := bearerFor(t, server, ms, "usr_ben", "ben")

	rr := doRequest(server, http.MethodPost, "/api/storyboards/sb_1/lock", ana, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("ana lock status = %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodePayload(t, rr)
	if payload["lockedBy"] != "usr_ana" {
		t.Fatalf("lockedBy = %v", payload["lockedBy"])
	}

	rr = doRequest(server, http.MethodPost, "/api/storyboards/sb_1/lock", ben, "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("ben lock status = %d, want 409", rr.Code)
	}
	if payload := decodePayload(t, rr); payload["code"] != "CONFLICT" {
		t.Fatalf("code = %v", payload["code"])
	}

	// Unlock is idempotent even for a non-holder.
	rr = doRequest(server, http.MethodPost, "/api/storyboards/sb_1/unlock", ben, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("ben unlock status = %d", rr.Code)
	}
	if sb := ms.getStoryboard("sb_1"); sb.LockHolder != "usr_ana" {
		t.Fatalf("non-holder unlock cleared the lease")
	}

	clock.Advance(6 * time.Minute)
	rr = doRequest(server, http.MethodPost, "/api/storyboards/sb_1/lock", ben, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("ben lock after expiry = %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(server, http.MethodPost, "/api/storyboards/sb_missing/lock", ana, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing storyboard lock = %d, want 404", rr.Code)
	}
}

func TestLockForbiddenForReadOnlyUser(t *testing.T) {
	server, ms, _ := newTestServer(t)
	ms.putStoryboard(store.Storyboard{ID: "sb_pub", OwnerID: "usr_ana", Public: true})
	zoe := bearerFor(t, server, ms, "usr_zoe", "zoe")

	rr := doRequest(server, http.MethodPost, "/api/storyboards/sb_pub/lock", zoe, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
	if payload := decodePayload(t, rr); payload["code"] != "WRITE_FORBIDDEN" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestUpdateStoryboardRejectsDanglingEdges(t *testing.T) {
	server, ms, _ := newTestServer(t)
	seedStoryboard(ms, "sb_1", "usr_ana", nil)
	ana := bearerFor(t, server, ms, "usr_ana", "ana")

	body := `{"nodes":[{"id":"a"}],"edges":[{"id":"e1","source":"a","target":"ghost"}]}`
	rr := doRequest(server, http.MethodPut, "/api/storyboards/sb_1", ana, body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodePayload(t, rr)
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("code = %v", payload["code"])
	}
	details, _ := payload["details"].(map[string]any)
	if details == nil || details["missingNodeIds"] == nil {
		t.Fatalf("expected missingNodeIds in details, got %v", payload["details"])
	}
}

func TestVersionsEndpointPaginates(t *testing.T) {
	server, ms, _ := newTestServer(t)
	seedStoryboard(ms, "sb_1", "usr_ana", nil)
	ana := bearerFor(t, server, ms, "usr_ana", "ana")
	for i := 1; i <= 7; i++ {
		ms.versions = append(ms.versions, store.Version{
			StoryboardID:  "sb_1",
			VersionNumber: i,
			ChangedBy:     "usr_ana",
		})
	}

	rr := doRequest(server, http.MethodGet, "/api/storyboards/sb_1/versions?page=2&limit=3", ana, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodePayload(t, rr)
	if payload["total"] != float64(7) {
		t.Fatalf("total = %v", payload["total"])
	}
	versions, _ := payload["versions"].([]any)
	if len(versions) != 3 {
		t.Fatalf("len = %d", len(versions))
	}
	first, _ := versions[0].(map[string]any)
	if first["version"] != float64(4) {
		t.Fatalf("first on page 2 = %v, want 4", first["version"])
	}
}

func TestCreateAndFetchStoryboardOverHTTP(t *testing.T) {
	server, ms, _ := newTestServer(t)
	ana := bearerFor(t, server, ms, "usr_ana", "ana")

	body := `{"title":"Dock logs","nodes":[{"id":"a","label":"Source"},{"id":"b"}],"edges":[{"id":"e1","source":"a","target":"b"}]}`
	rr := doRequest(server, http.MethodPost, "/api/storyboards", ana, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rr.Code, rr.Body.String())
	}
	created := decodePayload(t, rr)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("expected id")
	}
	if created["version"] != float64(1) {
		t.Fatalf("version = %v", created["version"])
	}

	rr = doRequest(server, http.MethodGet, "/api/storyboards/"+id, ana, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	fetched := decodePayload(t, rr)
	nodes, _ := fetched["nodes"].([]any)
	if len(nodes) != 2 {
		t.Fatalf("nodes = %v", fetched["nodes"])
	}
}

func TestMessagesEndpointRejectsBadSince(t *testing.T) {
	server, ms, _ := newTestServer(t)
	seedStoryboard(ms, "sb_1", "usr_ana", nil)
	ana := bearerFor(t, server, ms, "usr_ana", "ana")

	rr := doRequest(server, http.MethodGet, "/api/storyboards/sb_1/messages?since=yesterday", ana, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
}

func TestMessagesEndpointReturnsQueuedEvents(t *testing.T) {
	server, ms, _ := newTestServer(t)
	seedStoryboard(ms, "sb_1", "usr_ana", nil)
	ana := bearerFor(t, server, ms, "usr_ana", "ana")

	update := `{"nodes":[{"id":"n1"},{"id":"n2"}],"edges":[]}`
	if rr := doRequest(server, http.MethodPut, "/api/storyboards/sb_1", ana, update); rr.Code != http.StatusOK {
		t.Fatalf("update status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr := doRequest(server, http.MethodGet, "/api/storyboards/sb_1/messages", ana, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := decodePayload(t, rr)
	messages, _ := payload["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("messages = %v", payload["messages"])
	}
}

func TestArticleVerificationOverHTTP(t *testing.T) {
	server, ms, _ := newTestServer(t)
	ana := bearerFor(t, server, ms, "usr_ana", "ana")
	ms.articles["art_1"] = store.Article{ID: "art_1", Slug: "dock-fire", Title: "Dock fire", VerificationStatus: "pending"}

	rr := doRequest(server, http.MethodPut, "/api/articles/art_1/verification", ana, `{"status":"verified"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodePayload(t, rr); payload["verificationStatus"] != "verified" {
		t.Fatalf("verificationStatus = %v", payload["verificationStatus"])
	}

	rr = doRequest(server, http.MethodPut, "/api/articles/art_1/verification", ana, `{"status":"certified"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad status code = %d, want 400", rr.Code)
	}
}

func TestReviewEndpointValidatesRating(t *testing.T) {
	server, ms, _ := newTestServer(t)
	ana := bearerFor(t, server, ms, "usr_ana", "ana")
	ms.articles["art_1"] = store.Article{ID: "art_1", Slug: "dock-fire", Title: "Dock fire"}

	rr := doRequest(server, http.MethodPost, "/api/articles/art_1/reviews", ana, `{"rating":0}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}

	rr = doRequest(server, http.MethodPost, "/api/articles/art_1/reviews", ana, `{"rating":5,"body":"Thorough"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if item := ms.articles["art_1"]; item.RatingCount != 1 {
		t.Fatalf("rating count = %d", item.RatingCount)
	}
}

func TestDeleteStoryboardOwnerOnly(t *testing.T) {
	server, ms, _ := newTestServer(t)
	seedStoryboard(ms, "sb_1", "usr_ana", []string{"usr_ben"})
	ben := bearerFor(t, server, ms, "usr_ben", "ben")
	ana := bearerFor(t, server, ms, "usr_ana", "ana")

	rr := doRequest(server, http.MethodDelete, "/api/storyboards/sb_1", ben, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("collaborator delete = %d, want 403", rr.Code)
	}

	rr = doRequest(server, http.MethodDelete, "/api/storyboards/sb_1", ana, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("owner delete = %d body=%s", rr.Code, rr.Body.String())
	}
	if _, ok := ms.storyboards["sb_1"]; ok {
		t.Fatal("storyboard should be gone")
	}

	rr = doRequest(server, http.MethodGet, "/api/storyboards/sb_1", ana, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", rr.Code)
	}
}
