package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/farmeye/api/internal/domain"
	"github.com/farmeye/api/internal/repository"
	"github.com/farmeye/api/internal/service/auth"
	"github.com/farmeye/api/internal/service/diagnosis"
	"github.com/farmeye/api/internal/storage"
	"github.com/farmeye/api/pkg/config"
)

func TestProtectedRoutesRequireAuth(t *testing.T) {
	router, _, _ := setupRouter(t)

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/auth/me"},
		{http.MethodPut, "/auth/users/me"},
		{http.MethodPost, "/auth/change-password"},
		{http.MethodPost, "/api/scan"},
		{http.MethodPost, "/api/recommend"},
		{http.MethodGet, "/api/analyses"},
		{http.MethodGet, "/api/analyses/1"},
		{http.MethodGet, "/api/analyses/1/pdf"},
		{http.MethodGet, "/api/stats"},
		{http.MethodGet, "/ws/analyses"},
	}
	for _, tc := range cases {
		rr := serve(router, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", tc.method, tc.path, rr.Code)
		}
		if body := decodeBody(t, rr); body["error"] == "" {
			t.Fatalf("%s %s: expected error message", tc.method, tc.path)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	if rr := serve(router, req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rr.Code)
	}
}

func TestRegisterCreatesAccount(t *testing.T) {
	router, _, _ := setupRouter(t)

	rr := postJSON(router, "/auth/register", "", map[string]any{
		"username":  "amaka",
		"email":     "Amaka@Example.com",
		"password":  "correct-horse",
		"full_name": "Amaka Obi",
		"phone":     "0803",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["username"] != "amaka" || body["email"] != "amaka@example.com" {
		t.Fatalf("unexpected profile: %v", body)
	}
	if body["role"] != domain.RoleUser {
		t.Fatalf("expected role user, got %v", body["role"])
	}
	if body["token_type"] != "bearer" || body["access_token"] == "" || body["refresh_token"] == "" {
		t.Fatalf("expected tokens in response: %v", body)
	}
	if _, ok := body["password_hash"]; ok {
		t.Fatal("password hash must not be exposed")
	}

	dup := postJSON(router, "/auth/register", "", map[string]any{
		"username":  "amaka",
		"email":     "other@example.com",
		"password":  "correct-horse",
		"full_name": "Someone Else",
	})
	if dup.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate username, got %d", dup.Code)
	}
}

func TestRegisterValidatesPayload(t *testing.T) {
	router, _, _ := setupRouter(t)

	cases := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{"bad email", map[string]any{"username": "bola", "email": "nope", "password": "correct-horse", "full_name": "B"}, "email"},
		{"short password", map[string]any{"username": "bola", "email": "b@example.com", "password": "short", "full_name": "B"}, "password"},
		{"missing name", map[string]any{"username": "bola", "email": "b@example.com", "password": "correct-horse"}, "full_name"},
	}
	for _, tc := range cases {
		rr := postJSON(router, "/auth/register", "", tc.payload)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, rr.Code)
		}
		if msg := decodeBody(t, rr)["error"]; !strings.Contains(msg.(string), tc.want) {
			t.Fatalf("%s: unexpected error %q", tc.name, msg)
		}
	}
}

func TestLoginFormSetsCookie(t *testing.T) {
	router, _, _ := setupRouter(t)
	registerUser(t, router, "chidi")

	form := url.Values{"username": {"chidi"}, "password": {"correct-horse"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := serve(router, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	token, _ := body["access_token"].(string)
	if token == "" || body["token_type"] != "bearer" {
		t.Fatalf("unexpected login body: %v", body)
	}
	if expires, _ := body["expires_in"].(float64); expires != 1800 {
		t.Fatalf("expected expires_in 1800, got %v", body["expires_in"])
	}

	var cookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == accessCookieKey {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != token || !cookie.HttpOnly {
		t.Fatalf("expected http-only access cookie, got %+v", cookie)
	}

	me := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	me.AddCookie(&http.Cookie{Name: accessCookieKey, Value: token})
	rr = serve(router, me)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected cookie auth to succeed, got %d", rr.Code)
	}
	if decodeBody(t, rr)["username"] != "chidi" {
		t.Fatal("unexpected profile for cookie auth")
	}

	prefixed := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	prefixed.Header.Set("Cookie", accessCookieKey+`="Bearer `+token+`"`)
	if rr := serve(router, prefixed); rr.Code != http.StatusOK {
		t.Fatalf("expected prefixed cookie to succeed, got %d", rr.Code)
	}

	form.Set("password", "wrong-password")
	req = httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rr := serve(router, req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", rr.Code)
	}
}

func TestRefreshRotatesAndLogoutRevokes(t *testing.T) {
	router, _, _ := setupRouter(t)
	registerUser(t, router, "dayo")

	rr := postJSON(router, "/auth/login/json", "", map[string]string{"username": "dayo", "password": "correct-horse"})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rr.Code)
	}
	first := decodeBody(t, rr)["refresh_token"].(string)

	rr = postJSON(router, "/auth/refresh", "", map[string]string{"refresh_token": first})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rotated := decodeBody(t, rr)
	second, _ := rotated["refresh_token"].(string)
	if second == "" || second == first || rotated["access_token"] == "" {
		t.Fatalf("expected rotated tokens, got %v", rotated)
	}

	if rr := postJSON(router, "/auth/refresh", "", map[string]string{"refresh_token": first}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected reused refresh token to be rejected, got %d", rr.Code)
	}

	// reuse revoked the whole family
	if rr := postJSON(router, "/auth/refresh", "", map[string]string{"refresh_token": second}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected family revocation, got %d", rr.Code)
	}

	rr = postJSON(router, "/auth/login/json", "", map[string]string{"username": "dayo", "password": "correct-horse"})
	third := decodeBody(t, rr)["refresh_token"].(string)
	if rr := postJSON(router, "/auth/logout", "", map[string]string{"refresh_token": third}); rr.Code != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", rr.Code)
	}
	if rr := postJSON(router, "/auth/refresh", "", map[string]string{"refresh_token": third}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected logged out token to be rejected, got %d", rr.Code)
	}
}

func TestProfileUpdate(t *testing.T) {
	router, _, _ := setupRouter(t)
	token := registerUser(t, router, "efe")

	rr := doJSON(router, http.MethodPut, "/auth/users/me", token, map[string]string{
		"full_name": "Efe Okon",
		"phone":     "0812",
		"address":   "Plot 4, Ikeja",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["full_name"] != "Efe Okon" || body["phone"] != "0812" || body["address"] != "Plot 4, Ikeja" {
		t.Fatalf("unexpected profile: %v", body)
	}
	if body["email"] != "efe@example.com" {
		t.Fatalf("email should be unchanged, got %v", body["email"])
	}

	rr = doJSON(router, http.MethodPut, "/auth/users/me", token, map[string]string{"email": "broken"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid email, got %d", rr.Code)
	}

	registerUser(t, router, "femi")
	rr = doJSON(router, http.MethodPut, "/auth/users/me", token, map[string]string{"email": "femi@example.com"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for taken email, got %d", rr.Code)
	}
}

func TestChangePassword(t *testing.T) {
	router, _, _ := setupRouter(t)
	token := registerUser(t, router, "gozie")

	rr := postJSON(router, "/auth/change-password", token, map[string]string{
		"old_password": "not-the-password",
		"new_password": "battery-staple",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong current password, got %d", rr.Code)
	}

	rr = postJSON(router, "/auth/change-password", token, map[string]string{
		"old_password": "correct-horse",
		"new_password": "battery-staple",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if rr := postJSON(router, "/auth/login/json", "", map[string]string{"username": "gozie", "password": "correct-horse"}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("old password should no longer work, got %d", rr.Code)
	}
	if rr := postJSON(router, "/auth/login/json", "", map[string]string{"username": "gozie", "password": "battery-staple"}); rr.Code != http.StatusOK {
		t.Fatalf("new password should work, got %d", rr.Code)
	}
}

func TestScanStoresDiagnosis(t *testing.T) {
	router, store, _ := setupRouter(t)
	token := registerUser(t, router, "hadiza")

	req := scanRequest(t, token, "hen.png", pngBytes(t), map[string][]string{
		"symptoms": {`["Scabs on comb"]`},
		"sintomas": {"cough"},
	})
	rr := serve(router, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	for _, key := range []string{"id", "user_id", "result", "recommendation", "filename", "symptoms", "timestamp"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("missing %q in %v", key, body)
		}
	}
	if body["result"] != diagnosis.LabelFowlpoxSuspected {
		t.Fatalf("expected fowlpox rule to apply, got %v", body["result"])
	}
	if body["recommendation_source"] != domain.RecommendationSourceLocal {
		t.Fatalf("expected local recommendation, got %v", body["recommendation_source"])
	}
	symptoms, _ := body["symptoms"].([]any)
	if len(symptoms) != 2 {
		t.Fatalf("expected both symptom fields, got %v", body["symptoms"])
	}
	if n := store.diagnosisCount(); n != 1 {
		t.Fatalf("expected 1 stored diagnosis, got %d", n)
	}
}

func TestScanRejectsBadUploads(t *testing.T) {
	router, store, _ := setupRouter(t)
	token := registerUser(t, router, "ife")

	missing := scanRequest(t, token, "", nil, map[string][]string{"symptoms": {`["cough"]`}})
	if rr := serve(router, missing); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without file, got %d", rr.Code)
	}

	notImage := scanRequest(t, token, "notes.txt", []byte("definitely not pixels"), nil)
	if rr := serve(router, notImage); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-image, got %d", rr.Code)
	}

	badSymptoms := scanRequest(t, token, "hen.png", pngBytes(t), map[string][]string{"symptoms": {`["unterminated`}})
	if rr := serve(router, badSymptoms); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed symptoms, got %d", rr.Code)
	}
	if n := store.diagnosisCount(); n != 0 {
		t.Fatalf("expected nothing stored, got %d", n)
	}
}

func TestFormSymptoms(t *testing.T) {
	got, err := formSymptoms(map[string][]string{
		"symptoms": {`["nasal discharge", "swollen eyes"]`, "cough"},
		"sintomas": {"limp comb, scabs", " "},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"nasal discharge", "swollen eyes", "cough", "limp comb", " scabs"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected symptoms %q", got)
	}
}

func TestAnalysesPaginationAndFilters(t *testing.T) {
	router, _, _ := setupRouter(t)
	token := registerUser(t, router, "jide")

	for _, payload := range []map[string]any{
		{"diagnosis": "healthy"},
		{"diagnosis": "healthy", "symptoms": []string{"limp comb"}},
		{"diagnosis": "newcastle", "symptoms": []string{"twisted neck"}},
	} {
		if rr := postJSON(router, "/api/recommend", token, payload); rr.Code != http.StatusCreated {
			t.Fatalf("recommend: expected 201, got %d: %s", rr.Code, rr.Body.String())
		}
	}

	rr := get(router, "/api/analyses?page=1&limit=2", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["total"] != float64(3) || body["total_pages"] != float64(2) || body["limit"] != float64(2) {
		t.Fatalf("unexpected paging: %v", body)
	}
	items := body["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if first := items[0].(map[string]any); first["result"] != "newcastle" {
		t.Fatalf("expected newest first, got %v", first["result"])
	}

	rr = get(router, "/api/analyses?page=2&limit=2", token)
	if items := decodeBody(t, rr)["items"].([]any); len(items) != 1 {
		t.Fatalf("expected 1 item on page 2, got %d", len(items))
	}

	rr = get(router, "/api/analyses?result=DEHYDRATION-SUSPECTED", token)
	if body := decodeBody(t, rr); body["total"] != float64(1) {
		t.Fatalf("expected result filter to match once, got %v", body["total"])
	}
	rr = get(router, "/api/analyses?symptom=neck", token)
	if body := decodeBody(t, rr); body["total"] != float64(1) {
		t.Fatalf("expected symptom filter to match once, got %v", body["total"])
	}
	today := time.Now().UTC().Format(time.DateOnly)
	rr = get(router, "/api/analyses?from="+today+"&to="+today, token)
	if body := decodeBody(t, rr); body["total"] != float64(3) {
		t.Fatalf("expected date range to include today, got %v", body["total"])
	}

	for _, query := range []string{"page=0", "page=-3", "page=9223372036854775807", "page=100001", "limit=0", "limit=101", "page=x", "from=yesterday", "from=2025-02-01&to=2025-01-01"} {
		if rr := get(router, "/api/analyses?"+query, token); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, rr.Code)
		}
	}
}

func TestAnalysisOwnership(t *testing.T) {
	router, _, _ := setupRouter(t)
	owner := registerUser(t, router, "kemi")
	other := registerUser(t, router, "lanre")

	rr := postJSON(router, "/api/recommend", owner, map[string]any{"diagnosis": "coryza", "symptoms": []string{"nasal discharge", "swollen eyes"}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	id := strconv.Itoa(int(decodeBody(t, rr)["id"].(float64)))

	if rr := get(router, "/api/analyses/"+id, other); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's diagnosis, got %d", rr.Code)
	}
	if rr := doJSON(router, http.MethodDelete, "/api/analyses/"+id, other, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting another user's diagnosis, got %d", rr.Code)
	}
	if rr := get(router, "/api/analyses/abc", owner); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for malformed id, got %d", rr.Code)
	}

	rr = get(router, "/api/analyses/"+id, owner)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if result := decodeBody(t, rr)["result"]; result != diagnosis.LabelCoryzaSuspected {
		t.Fatalf("unexpected result %v", result)
	}

	if rr := doJSON(router, http.MethodDelete, "/api/analyses/"+id, owner, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr := get(router, "/api/analyses/"+id, owner); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestAnalysisPDF(t *testing.T) {
	router, _, _ := setupRouter(t)
	token := registerUser(t, router, "musa")

	req := scanRequest(t, token, "hen.png", pngBytes(t), map[string][]string{"symptoms": {"cough"}})
	rr := serve(router, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("scan: expected 201, got %d", rr.Code)
	}
	id := int64(decodeBody(t, rr)["id"].(float64))

	rr = get(router, "/api/analyses/"+strconv.FormatInt(id, 10)+"/pdf", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected content type %q", ct)
	}
	disposition := rr.Header().Get("Content-Disposition")
	if !strings.HasPrefix(disposition, "attachment") || !strings.Contains(disposition, "diagnosis-"+strconv.FormatInt(id, 10)+".pdf") {
		t.Fatalf("unexpected disposition %q", disposition)
	}
	if !bytes.HasPrefix(rr.Body.Bytes(), []byte("%PDF")) {
		t.Fatal("expected PDF body")
	}
}

func TestStats(t *testing.T) {
	router, _, _ := setupRouter(t)
	token := registerUser(t, router, "ngozi")

	for _, payload := range []map[string]any{
		{"diagnosis": "healthy"},
		{"diagnosis": "healthy", "symptoms": []string{"scabs"}},
	} {
		if rr := postJSON(router, "/api/recommend", token, payload); rr.Code != http.StatusCreated {
			t.Fatalf("recommend: expected 201, got %d", rr.Code)
		}
	}
	rr := get(router, "/api/stats", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["total"] != float64(2) || body["healthy"] != float64(1) || body["suspected"] != float64(1) {
		t.Fatalf("unexpected stats: %v", body)
	}
}

func TestRateLimitHeadersAndRejection(t *testing.T) {
	router, _, limiter := setupRouter(t)
	reset := time.Unix(1_950_000_000, 0)
	limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: reset}
	}

	rr := postJSON(router, "/auth/login/json", "", map[string]string{"username": "x", "password": "y"})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != strconv.Itoa(ruleLogin.limit) {
		t.Fatalf("unexpected limit header %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("unexpected remaining header %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1950000000" {
		t.Fatalf("unexpected reset header %q", got)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.calls) != 1 {
		t.Fatalf("expected limiter called once, got %d", len(limiter.calls))
	}
	call := limiter.calls[0]
	if call.key != "login|ip:192.0.2.1" || call.limit != ruleLogin.limit || call.window != ruleLogin.window {
		t.Fatalf("unexpected limiter call %+v", call)
	}
}

func TestRateLimitKeyedByUser(t *testing.T) {
	router, _, limiter := setupRouter(t)
	token := registerUser(t, router, "obi")

	limiter.mu.Lock()
	limiter.calls = nil
	limiter.mu.Unlock()

	if rr := get(router, "/api/stats", token); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.calls) != 1 || !strings.HasPrefix(limiter.calls[0].key, "stats|user:") {
		t.Fatalf("expected per-user stats key, got %+v", limiter.calls)
	}
}

func TestRateLimitBudgetsArePerRoute(t *testing.T) {
	router, _ := setupRouterWithLimiter(t, NewMemoryRateLimiter())
	token := registerUser(t, router, "ada")

	for i := 0; i < ruleHistory.limit; i++ {
		if rr := get(router, "/api/analyses", token); rr.Code != http.StatusOK {
			t.Fatalf("history request %d: expected 200, got %d", i+1, rr.Code)
		}
	}
	if rr := get(router, "/api/analyses", token); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected history budget exhausted, got %d", rr.Code)
	}

	if rr := get(router, "/api/stats", token); rr.Code != http.StatusOK {
		t.Fatalf("stats should keep its own budget, got %d", rr.Code)
	}
	if rr := serve(router, scanRequest(t, token, "hen.png", pngBytes(t), nil)); rr.Code != http.StatusCreated {
		t.Fatalf("scan should keep its own budget, got %d: %s", rr.Code, rr.Body.String())
	}
	rr := postJSON(router, "/auth/change-password", token, map[string]string{
		"old_password": "correct-horse",
		"new_password": "battery-staple",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("change-password should keep its own budget, got %d: %s", rr.Code, rr.Body.String())
	}

	other := registerUser(t, router, "bola")
	if rr := get(router, "/api/analyses", other); rr.Code != http.StatusOK {
		t.Fatalf("another user should not share the budget, got %d", rr.Code)
	}
}

func TestRateLimitIgnoresForwardedForByDefault(t *testing.T) {
	attempt := func(router *Router, i int) int {
		body, _ := json.Marshal(map[string]string{"username": "nobody", "password": "wrong-password"})
		req := httptest.NewRequest(http.MethodPost, "/auth/login/json", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i+1))
		return serve(router, req).Code
	}

	router, _ := setupRouterWithLimiter(t, NewMemoryRateLimiter())
	limited := 0
	for i := 0; i < ruleLogin.limit+5; i++ {
		if attempt(router, i) == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 5 {
		t.Fatalf("expected 5 rejected attempts from one peer, got %d", limited)
	}

	proxied, _ := setupRouterWithLimiter(t, NewMemoryRateLimiter())
	proxied.trustProxy = true
	for i := 0; i < ruleLogin.limit+5; i++ {
		if code := attempt(proxied, i); code == http.StatusTooManyRequests {
			t.Fatalf("attempt %d: distinct forwarded clients should not share a budget", i+1)
		}
	}
}

func TestHealthz(t *testing.T) {
	router, _, _ := setupRouter(t)

	rr := get(router, "/healthz", "")
	if rr.Code != http.StatusOK || decodeBody(t, rr)["status"] != "ok" {
		t.Fatalf("expected healthy response, got %d", rr.Code)
	}

	router.dbHealth = func(context.Context) error { return errors.New("connection refused") }
	rr = get(router, "/healthz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if decodeBody(t, rr)["status"] != "degraded" {
		t.Fatal("expected degraded status")
	}
}

func TestCORSPreflight(t *testing.T) {
	router, _, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/scan", nil)
	req.Header.Set("Origin", "http://localhost:5174")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := serve(router, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5174" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("expected credentials to be allowed")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = serve(router, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin for foreign site %q", got)
	}
}

// helpers

func setupRouter(t *testing.T) (*Router, *memoryStore, *rateLimiterStub) {
	t.Helper()
	limiter := newRateLimiterStub()
	router, store := setupRouterWithLimiter(t, limiter)
	return router, store, limiter
}

func setupRouterWithLimiter(t *testing.T, limiter RateLimiter) (*Router, *memoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemoryStore()

	cfg := config.APIConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  30 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}
	authSvc := auth.New(store, store, logger, cfg)

	files, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	diagnosisSvc := diagnosis.New(store, nil, nil, files, nil, logger)

	router := NewRouter(logger, authSvc, diagnosisSvc, nil, limiter, Options{
		AllowedOrigins: []string{"http://localhost:5174"},
		MaxUploadBytes: 1 << 20,
	}, nil)
	t.Cleanup(router.Close)
	return router, store
}

func registerUser(t *testing.T, router *Router, username string) string {
	t.Helper()
	rr := postJSON(router, "/auth/register", "", map[string]string{
		"username":  username,
		"email":     username + "@example.com",
		"password":  "correct-horse",
		"full_name": strings.ToUpper(username[:1]) + username[1:],
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register %s: expected 201, got %d: %s", username, rr.Code, rr.Body.String())
	}
	token, _ := decodeBody(t, rr)["access_token"].(string)
	if token == "" {
		t.Fatalf("register %s: missing access token", username)
	}
	return token
}

func serve(router *Router, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func get(router *Router, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return serve(router, req)
}

func postJSON(router *Router, path, token string, payload any) *httptest.ResponseRecorder {
	return doJSON(router, http.MethodPost, path, token, payload)
}

func doJSON(router *Router, method, path, token string, payload any) *httptest.ResponseRecorder {
	var body io.Reader
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return serve(router, req)
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func scanRequest(t *testing.T, token, filename string, data []byte, fields map[string][]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for key, values := range fields {
		for _, v := range values {
			if err := mw.WriteField(key, v); err != nil {
				t.Fatalf("write field: %v", err)
			}
		}
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/scan", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type rateLimitCall struct {
	key    string
	limit  int
	window time.Duration
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []rateLimitCall
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

func newRateLimiterStub() *rateLimiterStub {
	return &rateLimiterStub{}
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, rateLimitCall{key: key, limit: limit, window: window})
	fn := rl.allowFn
	rl.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (rl *rateLimiterStub) Close() {}

// memoryStore backs users, refresh tokens and diagnoses for router tests.
type memoryStore struct {
	mu        sync.Mutex
	users     map[string]*domain.User
	tokens    map[string]*domain.RefreshToken
	diagnoses []domain.Diagnosis
	nextID    int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:  make(map[string]*domain.User),
		tokens: make(map[string]*domain.RefreshToken),
	}
}

func (m *memoryStore) diagnosisCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.diagnoses)
}

func (m *memoryStore) CreateUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username || u.Email == user.Email {
			return repository.ErrConflict
		}
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *memoryStore) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memoryStore) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	return m.findUser(func(u *domain.User) bool { return u.Username == username })
}

func (m *memoryStore) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	return m.findUser(func(u *domain.User) bool { return u.Email == email })
}

func (m *memoryStore) findUser(match func(*domain.User) bool) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memoryStore) UpdateUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *memoryStore) UpdatePassword(_ context.Context, userID string, hash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *memoryStore) CreateRefreshToken(_ context.Context, token *domain.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.tokens[token.ID] = &cp
	return nil
}

func (m *memoryStore) GetRefreshTokenByHash(_ context.Context, hash string) (*domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range m.tokens {
		if tok.TokenHash == hash {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memoryStore) RotateRefreshToken(_ context.Context, oldID string, next *domain.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tokens[oldID]
	if !ok || old.Revoked {
		return repository.ErrNotFound
	}
	old.Revoked = true
	old.ReplacedBy = &next.ID
	cp := *next
	m.tokens[next.ID] = &cp
	return nil
}

func (m *memoryStore) RevokeRefreshToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.tokens[id]; ok {
		tok.Revoked = true
	}
	return nil
}

func (m *memoryStore) RevokeAllRefreshTokens(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range m.tokens {
		if tok.UserID == userID {
			tok.Revoked = true
		}
	}
	return nil
}

func (m *memoryStore) CreateDiagnosis(_ context.Context, d *domain.Diagnosis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	d.ID = m.nextID
	m.diagnoses = append(m.diagnoses, *d)
	return nil
}

func (m *memoryStore) GetDiagnosis(_ context.Context, userID string, id int64) (*domain.Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.diagnoses {
		if d.ID == id && d.UserID == userID {
			cp := d
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memoryStore) ListDiagnoses(_ context.Context, userID string, filter repository.DiagnosisFilter) ([]domain.Diagnosis, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []domain.Diagnosis
	for _, d := range m.diagnoses {
		if d.UserID != userID {
			continue
		}
		if filter.Result != "" && !strings.EqualFold(d.Result, filter.Result) {
			continue
		}
		if filter.Symptom != "" && !anyContains(d.Symptoms, filter.Symptom) {
			continue
		}
		if !filter.From.IsZero() && d.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !d.CreatedAt.Before(filter.To) {
			continue
		}
		matched = append(matched, d)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	total := len(matched)
	start := min(filter.Offset, total)
	end := min(start+filter.Limit, total)
	return matched[start:end], total, nil
}

func anyContains(symptoms []string, needle string) bool {
	for _, s := range symptoms {
		if strings.Contains(strings.ToLower(s), strings.ToLower(needle)) {
			return true
		}
	}
	return false
}

func (m *memoryStore) ListAllDiagnoses(_ context.Context, userID string) ([]domain.Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Diagnosis
	for _, d := range m.diagnoses {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memoryStore) DeleteDiagnosis(_ context.Context, userID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.diagnoses {
		if d.ID == id && d.UserID == userID {
			m.diagnoses = append(m.diagnoses[:i], m.diagnoses[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}
