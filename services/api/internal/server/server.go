package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LittleThigas/fatalzera/internal/util"
	"github.com/LittleThigas/fatalzera/pkg/auth"
	"github.com/LittleThigas/fatalzera/pkg/domain"
	"github.com/LittleThigas/fatalzera/pkg/storage"
	"github.com/LittleThigas/fatalzera/pkg/store"
	"github.com/LittleThigas/fatalzera/services/api/internal/app"
)

// Error codes returned in errorResponse.Code.
const (
	codeValidation         = "VALIDATION_ERROR"
	codeEmailExists        = "AUTH_EMAIL_EXISTS"
	codeInvalidCredentials = "AUTH_INVALID_CREDENTIALS"
	codeInvalidToken       = "AUTH_INVALID_TOKEN"
	codeForbidden          = "AUTH_FORBIDDEN"
	codeNotFound           = "NOT_FOUND"
	codeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	codeUploadTooLarge     = "UPLOAD_TOO_LARGE"
	codePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	codeRateLimited        = "RATE_LIMITED"
	codeInternal           = "SYSTEM_INTERNAL_ERROR"
)

const (
	maxJSONBodyBytes   = 1 << 20
	multipartMemory    = 1 << 20
	multipartOverhead  = 1 << 20
	defaultLogsLimit   = 50
	maxLogsLimit       = 1000
	uploadCacheControl = "public, max-age=31536000, immutable"
	healthTimeout      = 2 * time.Second
)

// RateLimiter decides whether a key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                *app.App
	RegisterLimiter    RateLimiter
	LoginLimiter       RateLimiter
	TrustedProxies     *util.TrustedProxies
	CORSAllowedOrigins []string
}

// Server exposes the HTTP API.
type Server struct {
	app             *app.App
	router          chi.Router
	registerLimiter RateLimiter
	loginLimiter    RateLimiter
	trustedProxies  *util.TrustedProxies
	corsOrigins     []string
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	s := &Server{
		app:             cfg.App,
		router:          chi.NewRouter(),
		registerLimiter: cfg.RegisterLimiter,
		loginLimiter:    cfg.LoginLimiter,
		trustedProxies:  cfg.TrustedProxies,
		corsOrigins:     cfg.CORSAllowedOrigins,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("api", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.router))))
}

// Route is one registered method and pattern.
type Route struct {
	Method  string
	Pattern string
}

// Routes lists every method and pattern the server registers.
func Routes() ([]Route, error) {
	s := &Server{router: chi.NewRouter()}
	s.routes()
	var out []Route
	err := chi.Walk(s.router, func(method, pattern string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		out = append(out, Route{Method: method, Pattern: pattern})
		return nil
	})
	return out, err
}

func (s *Server) routes() {
	r := s.router
	r.Use(util.WithMetrics)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "Method Not Allowed")
	})

	r.Get("/", s.handleRoot)
	r.Get("/api/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/uploads/{filename}", s.handleUpload)

	// auth
	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)
	r.Method(http.MethodGet, "/api/auth/me", s.authenticated(s.handleMe))

	// public projects
	r.Get("/api/projects", s.handleListProjects)
	r.Get("/api/projects/{id}", s.handleGetProject)

	// admin
	r.Method(http.MethodGet, "/api/admin/projects", s.adminOnly(s.handleAdminListProjects))
	r.Method(http.MethodPost, "/api/admin/projects", s.adminOnly(s.handleCreateProject))
	r.Method(http.MethodGet, "/api/admin/projects/{id}", s.adminOnly(s.handleAdminGetProject))
	r.Method(http.MethodPut, "/api/admin/projects/{id}", s.adminOnly(s.handleUpdateProject))
	r.Method(http.MethodDelete, "/api/admin/projects/{id}", s.adminOnly(s.handleDeleteProject))
	r.Method(http.MethodPost, "/api/admin/upload-image", s.adminOnly(s.handleUploadImage))
	r.Method(http.MethodGet, "/api/admin/images", s.adminOnly(s.handleListImages))
	r.Method(http.MethodGet, "/api/admin/logs", s.adminOnly(s.handleListLogs))
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Fatalzera API is running!"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	status, code := "healthy", http.StatusOK
	if err := s.app.Ping(ctx); err != nil {
		util.LoggerFromContext(r.Context()).Warn("health_check_failed", "err", err)
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(w, r)
		if !ok {
			return
		}
		next(w, r, user)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(w, r)
		if !ok {
			return
		}
		if !user.IsAdmin() {
			s.securityEvent(r, "admin.authorize", "fail", "user_id", user.ID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, codeForbidden, "Not enough permissions")
			return
		}
		next(w, r, user)
	})
}

// authorize resolves the bearer identity and writes the failure response itself.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.securityEvent(r, "token.verify", "fail", "reason", "missing_token")
		writeUnauthorized(w, codeInvalidToken, "Not authenticated")
		return domain.User{}, false
	}
	user, err := s.app.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			s.securityEvent(r, "token.verify", "fail", "reason", "invalid_token")
			writeUnauthorized(w, codeInvalidToken, "Could not validate credentials")
			return domain.User{}, false
		}
		s.writeAppError(w, r, err)
		return domain.User{}, false
	}
	return user, true
}

// optionalUser returns the bearer identity when a valid token is present.
func (s *Server) optionalUser(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	user, err := s.app.Authenticate(r.Context(), token)
	if err != nil {
		return domain.User{}, false
	}
	return user, true
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.registerLimiter) {
		s.securityEvent(r, "register", "rate_limited")
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.app.Register(r.Context(), app.RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		s.securityEvent(r, "register", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.securityEvent(r, "register", "success", "user_id", user.ID, "role", string(user.Role))
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter) {
		s.securityEvent(r, "login", "rate_limited")
		return
	}
	req, ok := decodeLogin(w, r)
	if !ok {
		return
	}
	token, user, err := s.app.Login(r.Context(), req.identifier(), req.Password)
	if err != nil {
		s.securityEvent(r, "login", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.securityEvent(r, "login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        user,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, user domain.User) {
	writeJSON(w, http.StatusOK, user)
}

// project handlers
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	publishedOnly := true
	if raw := strings.TrimSpace(r.URL.Query().Get("published_only")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "published_only must be a boolean")
			return
		}
		publishedOnly = v
	}
	// Drafts are only listed for admins; everyone else silently gets the public view.
	if !publishedOnly {
		if user, ok := s.optionalUser(r); !ok || !user.IsAdmin() {
			publishedOnly = true
		}
	}
	projects, err := s.app.ListProjects(r.Context(), publishedOnly)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.app.GetProject(r.Context(), chi.URLParam(r, "id"), true)
	if err != nil {
		s.writeProjectError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAdminListProjects(w http.ResponseWriter, r *http.Request, _ domain.User) {
	projects, err := s.app.ListProjects(r.Context(), false)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleAdminGetProject(w http.ResponseWriter, r *http.Request, _ domain.User) {
	p, err := s.app.GetProject(r.Context(), chi.URLParam(r, "id"), false)
	if err != nil {
		s.writeProjectError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req projectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.app.CreateProject(r.Context(), user, req.input())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req projectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.app.UpdateProject(r.Context(), user, chi.URLParam(r, "id"), req.input())
	if err != nil {
		s.writeProjectError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.DeleteProject(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		s.writeProjectError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Project deleted successfully"})
}

// image handlers
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request, user domain.User) {
	r.Body = http.MaxBytesReader(w, r.Body, s.app.MaxUploadBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, codeUploadTooLarge, "File too large")
			return
		}
		writeError(w, http.StatusBadRequest, codeValidation, "invalid multipart form")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "file is required")
		return
	}
	defer file.Close()

	img, err := s.app.UploadImage(r.Context(), user, app.UploadInput{
		OriginalFilename: header.Filename,
		AltText:          r.FormValue("alt_text"),
		ContentType:      header.Header.Get("Content-Type"),
		Size:             header.Size,
		Body:             file,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, img)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request, _ domain.User) {
	images, err := s.app.ListImages(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	rc, info, err := s.app.OpenUpload(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrInvalidKey) {
			writeError(w, http.StatusNotFound, codeNotFound, "Not Found")
			return
		}
		s.writeAppError(w, r, err)
		return
	}
	defer rc.Close()
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	w.Header().Set("Cache-Control", uploadCacheControl)
	http.ServeContent(w, r, name, info.ModTime, rc)
}

// logs
func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request, _ domain.User) {
	limit := defaultLogsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLogsLimit {
			writeError(w, http.StatusBadRequest, codeValidation, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}
	logs, err := s.app.ListLogs(r.Context(), limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// identifier prefers email and falls back to the OAuth2 form's username.
func (req loginRequest) identifier() string {
	if strings.TrimSpace(req.Email) != "" {
		return req.Email
	}
	return req.Username
}

type loginResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	User        domain.User `json:"user"`
}

type projectRequest struct {
	Title        string   `json:"title"`
	Description  *string  `json:"description"`
	Tags         []string `json:"tags"`
	CoverImage   *string  `json:"cover_image"`
	ExternalLink *string  `json:"external_link"`
	Published    *bool    `json:"published"`
}

func (req projectRequest) input() app.ProjectInput {
	return app.ProjectInput{
		Title:        req.Title,
		Description:  req.Description,
		Tags:         req.Tags,
		CoverImage:   req.CoverImage,
		ExternalLink: req.ExternalLink,
		Published:    req.Published,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid JSON body")
		return false
	}
	return true
}

// decodeLogin accepts a JSON body or an OAuth2 password-grant form.
func decodeLogin(w http.ResponseWriter, r *http.Request) (loginRequest, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
		if err := r.ParseMultipartForm(maxJSONBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			writeError(w, http.StatusBadRequest, codeValidation, "invalid form body")
			return loginRequest{}, false
		}
		return loginRequest{
			Email:    r.PostFormValue("email"),
			Username: r.PostFormValue("username"),
			Password: r.PostFormValue("password"),
		}, true
	default:
		var req loginRequest
		if !decodeJSON(w, r, &req) {
			return loginRequest{}, false
		}
		return req, true
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter RateLimiter) bool {
	if limiter == nil {
		return true
	}
	key := util.RoutePattern(r) + "|" + util.ClientIP(r, s.trustedProxies)
	ok, retryAfter := limiter.Allow(r.Context(), key)
	if ok {
		return true
	}
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, http.StatusTooManyRequests, codeRateLimited, "Too many requests, try again later")
	return false
}

func (s *Server) securityEvent(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) writeProjectError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound, "Project not found")
		return
	}
	s.writeAppError(w, r, err)
}

// writeAppError maps domain errors to HTTP responses. Unknown errors are
// logged with the request logger and reported as a generic 500.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, store.ErrDuplicateEmail):
		writeError(w, http.StatusBadRequest, codeEmailExists, "Email already registered")
	case errors.Is(err, app.ErrInvalidCredentials):
		writeUnauthorized(w, codeInvalidCredentials, app.ErrInvalidCredentials.Error())
	case errors.Is(err, auth.ErrInvalidToken):
		writeUnauthorized(w, codeInvalidToken, "Could not validate credentials")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "Not Found")
	case errors.Is(err, app.ErrUploadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, codeUploadTooLarge, "File too large")
	default:
		util.LoggerFromContext(r.Context()).Error("request_failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeUnauthorized(w http.ResponseWriter, code, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, code, msg)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}
