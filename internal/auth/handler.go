package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type contextKey string

const principalKey contextKey = "principal"

// Handler exposes the auth and account administration endpoints.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes returns a router with every endpoint; mount it under the base path.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
		r.Post("/verify-email", h.VerifyEmail)
		r.Post("/verify-email/resend", h.ResendVerification)
		r.Post("/password/forgot", h.ForgotPassword)
		r.Post("/password/reset", h.ResetPassword)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Get("/me", h.Me)
			r.Post("/password/change", h.ChangePassword)
		})
	})
	r.Route("/admin/accounts/{id}", func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Post("/unlock", h.Unlock)
		r.Put("/admin", h.SetAdminFlag)
		r.Put("/active", h.SetActiveFlag)
	})
	return r
}

// RequireAuth resolves the bearer token into a Principal on the request context.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			h.writeError(w, newError(KindTokenInvalid, "missing bearer token"))
			return
		}
		p, err := h.svc.Authenticate(r.Context(), token)
		if err != nil {
			h.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res.Account)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Login(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pair)
}

// Logout revokes the bearer token and, when given, the refresh token in the body.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	tokens := make([]string, 0, 2)
	if t, ok := bearerToken(r); ok {
		tokens = append(tokens, t)
	}
	if req.RefreshToken != "" {
		tokens = append(tokens, req.RefreshToken)
	}
	if len(tokens) == 0 {
		h.writeError(w, newError(KindTokenInvalid, "missing token"))
		return
	}
	for _, t := range tokens {
		if err := h.svc.Logout(r.Context(), t); err != nil {
			h.writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	acct, err := h.svc.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ResendVerification(r.Context(), req.Email); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"message": "if the account exists and is unverified, an email has been sent"})
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"message": "if the account exists, a reset link has been sent"})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ResetPassword(r.Context(), req); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	h.writeJSON(w, http.StatusOK, p.Account)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req ChangePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ChangePassword(r.Context(), p.Account.ID, req); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, ok := h.targetID(w, r)
	if !ok {
		return
	}
	acct, err := h.svc.UnlockAccount(r.Context(), p.Account, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

type flagRequest struct {
	IsAdmin  *bool `json:"is_admin,omitempty"`
	IsActive *bool `json:"is_active,omitempty"`
}

func (h *Handler) SetAdminFlag(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, ok := h.targetID(w, r)
	if !ok {
		return
	}
	var req flagRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.IsAdmin == nil {
		h.writeError(w, validationError(map[string]string{"is_admin": "is_admin is a required field"}))
		return
	}
	acct, err := h.svc.SetAdmin(r.Context(), p.Account, id, *req.IsAdmin)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) SetActiveFlag(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, ok := h.targetID(w, r)
	if !ok {
		return
	}
	var req flagRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.IsActive == nil {
		h.writeError(w, validationError(map[string]string{"is_active": "is_active is a required field"}))
		return
	}
	acct, err := h.svc.SetActive(r.Context(), p.Account, id, *req.IsActive)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) targetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, validationError(map[string]string{"id": "id must be an integer"}))
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	return h.decodeBody(w, r, v, false)
}

// decodeOptional leaves v untouched when the body is empty, whether or not
// the client announced a length.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	return h.decodeBody(w, r, v, true)
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.writeError(w, newError(KindValidation, "invalid payload"))
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

type errorBody struct {
	Code              string            `json:"code"`
	Message           string            `json:"message"`
	Fields            map[string]string `json:"fields,omitempty"`
	RetryAfterSeconds int64             `json:"retry_after_seconds,omitempty"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindAuthentication, KindTokenExpired, KindTokenInvalid, KindTokenType:
		return http.StatusUnauthorized
	case KindAccountLocked:
		return http.StatusLocked
	case KindAccountInactive, KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		h.logger.Errorw("unhandled error", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]errorBody{
			"error": {Code: "INTERNAL_ERROR", Message: "internal server error"},
		})
		return
	}
	body := errorBody{Code: e.Kind.String(), Message: e.Error(), Fields: e.Fields}
	switch {
	case e.Kind == KindDependency:
		h.logger.Errorw("dependency failure", "err", e.Unwrap())
	case e.Kind == KindAccountLocked:
		secs := int64(e.RetryAfter.Seconds())
		body.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	case e.Kind.IsToken():
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	h.writeJSON(w, StatusFor(e.Kind), map[string]errorBody{"error": body})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
