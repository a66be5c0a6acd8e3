package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"

	"progress-serverless/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

const invalidLoginMessage = "invalid email or password"

type Handler struct {
	service      *Service
	tokens       *TokenService
	cookies      *CookieTransport
	validate     *validator.Validate
	exposeErrors bool
}

func NewHandler(service *Service, tokens *TokenService, cookies *CookieTransport) *Handler {
	return &Handler{
		service:  service,
		tokens:   tokens,
		cookies:  cookies,
		validate: validator.New(),
	}
}

// WithErrorDetail includes upstream error text in the "error" field of 500
// responses. Only meant for non-production environments.
func (h *Handler) WithErrorDetail(expose bool) *Handler {
	h.exposeErrors = expose
	return h
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=72"`
	IsAdmin  bool   `json:"is_admin"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=200"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !h.decode(w, r, &body) {
		return
	}

	input := RegisterInput{Email: body.Email, Password: body.Password, IsAdmin: body.IsAdmin}
	if tokenStr, ok := bearerToken(r); ok {
		if caller, err := h.tokens.VerifyAccessToken(tokenStr); err == nil {
			input.Caller = &caller
		}
	}

	session, err := h.service.Register(r.Context(), input)
	if err != nil {
		observability.RecordAuthEvent("register", false)
		switch {
		case errors.Is(err, ErrEmailTaken):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, ErrAdminRequired):
			writeError(w, http.StatusForbidden, "only admins can create admin accounts")
		case errors.Is(err, ErrInvalidCredentials):
			writeError(w, http.StatusBadRequest, "email and password are required")
		case errors.Is(err, ErrPasswordTooLong):
			writeError(w, http.StatusBadRequest, "password must be at most 72 bytes")
		default:
			h.writeUpstreamError(w, "failed to register", err)
		}
		return
	}

	observability.RecordAuthEvent("register", true)
	h.cookies.AttachRefreshCookie(w, session.RefreshToken)
	writeJSON(w, http.StatusCreated, tokenResponse{AccessToken: session.AccessToken})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}

	session, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		observability.RecordAuthEvent("login", false)
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, invalidLoginMessage)
			return
		}
		h.writeUpstreamError(w, "failed to login", err)
		return
	}

	observability.RecordAuthEvent("login", true)
	h.cookies.AttachRefreshCookie(w, session.RefreshToken)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: session.AccessToken})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken, ok := h.cookies.ReadRefreshCookie(r)
	if !ok {
		observability.RecordAuthEvent("refresh", false)
		writeError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}

	session, err := h.service.Refresh(r.Context(), refreshToken)
	if err != nil {
		observability.RecordAuthEvent("refresh", false)
		if errors.Is(err, ErrInvalidRefreshToken) {
			h.cookies.ClearRefreshCookie(w)
			writeError(w, http.StatusForbidden, "invalid or expired refresh token")
			return
		}
		h.writeUpstreamError(w, "failed to refresh token", err)
		return
	}

	observability.RecordAuthEvent("refresh", true)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: session.AccessToken})
}

// Logout only clears the cookie. Tokens already issued stay valid until they
// expire.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	observability.RecordAuthEvent("logout", true)
	h.cookies.ClearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid email or password format")
		return false
	}
	return true
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, message string, err error) {
	sentry.CaptureException(err)
	body := map[string]string{"message": message}
	if h.exposeErrors {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
