package auth

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

type httpHarness struct {
	*harness
	srv http.Handler
}

func newHTTPHarness(t *testing.T) *httpHarness {
	t.Helper()
	h := newHarness(t)
	return &httpHarness{harness: h, srv: NewHandler(h.svc, nil).Routes()}
}

func (h *httpHarness) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env struct {
		Error errorBody `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return env.Error
}

func TestHandler_RegisterLoginMe(t *testing.T) {
	h := newHTTPHarness(t)

	rec := h.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "alice", "email": "alice@x.com", "password": "Secret123!",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d body=%s", rec.Code, rec.Body)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("password_hash")) {
		t.Fatalf("password hash leaked: %s", rec.Body)
	}

	rec = h.do(t, http.MethodPost, "/auth/login", "", map[string]string{"login": "alice", "password": "Secret123!"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d body=%s", rec.Code, rec.Body)
	}
	var res LoginResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if res.AccessToken == "" || res.RefreshToken == "" || res.TokenType != "Bearer" {
		t.Fatalf("unexpected token pair %+v", res.TokenPair)
	}

	rec = h.do(t, http.MethodGet, "/auth/me", res.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d body=%s", rec.Code, rec.Body)
	}

	rec = h.do(t, http.MethodPost, "/auth/logout", res.AccessToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d body=%s", rec.Code, rec.Body)
	}
	rec = h.do(t, http.MethodGet, "/auth/me", res.AccessToken, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout status = %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
}

func TestHandler_DuplicateIsConflict(t *testing.T) {
	h := newHTTPHarness(t)
	h.register(t, "alice", "alice@x.com", "Secret123!")

	rec := h.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "alice", "email": "other@x.com", "password": "Secret123!",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "CONFLICT" {
		t.Fatalf("code = %s", body.Code)
	}
}

func TestHandler_ValidationFields(t *testing.T) {
	h := newHTTPHarness(t)
	rec := h.do(t, http.MethodPost, "/auth/register", "", map[string]string{"username": "al", "email": "nope"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeError(t, rec)
	for _, f := range []string{"username", "email", "password"} {
		if body.Fields[f] == "" {
			t.Fatalf("missing field error for %s: %+v", f, body.Fields)
		}
	}
}

func TestHandler_MalformedPayload(t *testing.T) {
	h := newHTTPHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandler_LockedSetsRetryAfter(t *testing.T) {
	h := newHTTPHarness(t)
	h.register(t, "alice", "alice@x.com", "Secret123!")
	for i := 0; i < 5; i++ {
		rec := h.do(t, http.MethodPost, "/auth/login", "", map[string]string{"login": "alice", "password": "wrong-pass"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i+1, rec.Code)
		}
	}

	rec := h.do(t, http.MethodPost, "/auth/login", "", map[string]string{"login": "alice", "password": "Secret123!"})
	if rec.Code != http.StatusLocked {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	secs, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || secs != 1800 {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if body := decodeError(t, rec); body.Code != "ACCOUNT_LOCKED" || body.RetryAfterSeconds != 1800 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestHandler_ForgotPasswordIsSilent(t *testing.T) {
	h := newHTTPHarness(t)
	h.register(t, "alice", "alice@x.com", "Secret123!")

	known := h.do(t, http.MethodPost, "/auth/password/forgot", "", map[string]string{"email": "alice@x.com"})
	unknown := h.do(t, http.MethodPost, "/auth/password/forgot", "", map[string]string{"email": "ghost@x.com"})
	if known.Code != http.StatusAccepted || unknown.Code != http.StatusAccepted {
		t.Fatalf("status known=%d unknown=%d", known.Code, unknown.Code)
	}
	if known.Body.String() != unknown.Body.String() {
		t.Fatalf("responses differ: %q vs %q", known.Body, unknown.Body)
	}
}

func TestHandler_AdminRoutes(t *testing.T) {
	h := newHTTPHarness(t)
	admin := h.register(t, "root", "root@x.com", "Secret123!")
	h.makeAdmin(t, admin.ID)
	bob := h.register(t, "bob", "bob@x.com", "Secret123!")

	bobToken := h.login(t, "bob", "Secret123!").AccessToken
	path := "/admin/accounts/" + strconv.FormatInt(bob.ID, 10) + "/admin"
	rec := h.do(t, http.MethodPut, path, bobToken, map[string]bool{"is_admin": true})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin status = %d", rec.Code)
	}

	adminToken := h.login(t, "root", "Secret123!").AccessToken
	rec = h.do(t, http.MethodPut, path, adminToken, map[string]bool{"is_admin": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d body=%s", rec.Code, rec.Body)
	}
	if !h.store.snapshot(t, bob.ID).IsAdmin {
		t.Fatalf("bob should be admin")
	}

	rec = h.do(t, http.MethodPost, "/admin/accounts/999/unlock", adminToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown target status = %d", rec.Code)
	}
	rec = h.do(t, http.MethodPost, "/admin/accounts/abc/unlock", adminToken, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", rec.Code)
	}
	rec = h.do(t, http.MethodPut, path, adminToken, map[string]bool{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing flag status = %d", rec.Code)
	}
}

func TestHandler_MissingBearer(t *testing.T) {
	h := newHTTPHarness(t)
	rec := h.do(t, http.MethodGet, "/auth/me", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "TOKEN_INVALID" {
		t.Fatalf("code = %s", body.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:      http.StatusBadRequest,
		KindConflict:        http.StatusConflict,
		KindAuthentication:  http.StatusUnauthorized,
		KindAccountLocked:   http.StatusLocked,
		KindAccountInactive: http.StatusForbidden,
		KindTokenExpired:    http.StatusUnauthorized,
		KindAuthorization:   http.StatusForbidden,
		KindNotFound:        http.StatusNotFound,
		KindDependency:      http.StatusServiceUnavailable,
	}
	for k, want := range cases {
		if got := StatusFor(k); got != want {
			t.Fatalf("StatusFor(%s) = %d want %d", k, got, want)
		}
	}
}

// chunked builds a request whose length is unknown up front, as with
// Transfer-Encoding: chunked.
func chunked(t *testing.T, method, path, bearer, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, io.MultiReader(strings.NewReader(body)))
	if req.ContentLength != -1 {
		t.Fatalf("content length = %d, want unknown", req.ContentLength)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

func TestHTTP_LogoutChunkedBody(t *testing.T) {
	h := newHTTPHarness(t)
	h.register(t, "alice", "alice@x.com", "Secret123!")
	res := h.login(t, "alice", "Secret123!")

	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, chunked(t, http.MethodPost, "/auth/logout", "", `{"refresh_token":"`+res.RefreshToken+`"}`))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d body=%s", rec.Code, rec.Body)
	}

	rec = h.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": res.RefreshToken})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout status = %d", rec.Code)
	}
}

func TestHTTP_LogoutEmptyChunkedBody(t *testing.T) {
	h := newHTTPHarness(t)
	h.register(t, "alice", "alice@x.com", "Secret123!")
	res := h.login(t, "alice", "Secret123!")

	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, chunked(t, http.MethodPost, "/auth/logout", res.AccessToken, ""))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d body=%s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	h.srv.ServeHTTP(rec, chunked(t, http.MethodPost, "/auth/logout", res.AccessToken, `{"refresh_token":`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("truncated body status = %d", rec.Code)
	}
}
