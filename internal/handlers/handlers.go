// Package handlers provides HTTP request handlers for the browser pool API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/browserpoolgo/flaresolverr-go/internal/browser"
	"github.com/browserpoolgo/flaresolverr-go/internal/config"
	"github.com/browserpoolgo/flaresolverr-go/internal/metrics"
	"github.com/browserpoolgo/flaresolverr-go/internal/security"
	"github.com/browserpoolgo/flaresolverr-go/internal/session"
	"github.com/browserpoolgo/flaresolverr-go/internal/solver"
	"github.com/browserpoolgo/flaresolverr-go/internal/types"
	"github.com/browserpoolgo/flaresolverr-go/pkg/version"
)

// sensitiveParams contains query parameter names that may contain secrets
// and should be redacted in logs.
var sensitiveParams = []string{
	"key", "token", "api_key", "apikey", "password", "secret", "auth",
	"access_token", "refresh_token", "bearer", "credential", "private_key",
}

// sanitizeURLForLogging removes sensitive query parameters from URLs before logging.
func sanitizeURLForLogging(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if parsed.RawQuery == "" {
		return rawURL
	}

	query := parsed.Query()
	redacted := false
	for _, param := range sensitiveParams {
		for key := range query {
			if strings.EqualFold(key, param) {
				query.Set(key, "[REDACTED]")
				redacted = true
			}
		}
	}

	if !redacted {
		return rawURL
	}

	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// specialCharsForLogging contains characters that commonly cause issues in proxy credentials.
var specialCharsForLogging = []rune{'"', '\'', '\\', '@', ':', '%', '\n', '\r', '\t'}

// logProxyCredentialInfo logs debug information about proxy credentials without exposing
// the actual values. This helps troubleshoot issues with special characters in credentials.
func logProxyCredentialInfo(username, password string) {
	usernameHasSpecial := strings.ContainsAny(username, string(specialCharsForLogging))
	passwordHasSpecial := strings.ContainsAny(password, string(specialCharsForLogging))

	if usernameHasSpecial || passwordHasSpecial {
		log.Debug().
			Bool("username_has_special_chars", usernameHasSpecial).
			Bool("password_has_special_chars", passwordHasSpecial).
			Int("username_length", len(username)).
			Int("password_length", len(password)).
			Msg("proxy credentials contain special characters")
	}
}

// closeBody closes an io.ReadCloser and logs any error at debug level.
func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		log.Debug().Err(err).Msg("error closing request body")
	}
}

// Handler handles all browser pool API requests.
type Handler struct {
	pool      *browser.Pool
	sessions  *session.Manager
	solver    *solver.Solver
	config    *config.Config
	userAgent string
}

// New creates a new Handler, wiring a Solver around the browser pool.
func New(pool *browser.Pool, sessions *session.Manager, cfg *config.Config) *Handler {
	userAgent := getActualUserAgent(pool)
	log.Info().Str("user_agent", userAgent).Msg("using browser's actual user agent")

	return &Handler{
		pool:      pool,
		sessions:  sessions,
		solver:    solver.New(pool, userAgent),
		config:    cfg,
		userAgent: userAgent,
	}
}

// getActualUserAgent retrieves the real user agent from the browser via CDP.
// This ensures the advertised User-Agent matches the actual browser version.
func getActualUserAgent(pool *browser.Pool) string {
	fallbackUA := "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	page, err := pool.NewPage(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not acquire page to get user agent, using fallback")
		return fallbackUA
	}
	defer page.Close()

	result, err := proto.BrowserGetVersion{}.Call(page.Browser())
	if err != nil {
		log.Warn().Err(err).Msg("could not get browser version via CDP, using fallback")
		return fallbackUA
	}

	ua := strings.Replace(result.UserAgent, "HeadlessChrome", "Chrome", 1)
	log.Debug().Str("browser_ua", ua).Msg("using browser's actual user agent")
	return ua
}

// ServeHTTP handles incoming requests (implements http.Handler).
// CORS headers are handled by middleware.CORS(), not here.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.URL.Path == "/health" {
		h.handleHealth(w, startTime)
		return
	}

	if r.Method != http.MethodPost {
		h.writeError(w, "Method not allowed", startTime)
		return
	}

	h.handleAPIRequest(w, r, startTime)
}

// HandleHealth handles the /health endpoint.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.handleHealth(w, time.Now())
}

// HandleAPI handles the main API endpoint.
func (h *Handler) HandleAPI(w http.ResponseWriter, r *http.Request) {
	h.handleAPIRequest(w, r, time.Now())
}

// HandleMethodNotAllowed handles requests with unsupported HTTP methods.
func (h *Handler) HandleMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "Method not allowed", time.Now())
}

// HandleNotFound handles requests to unknown paths.
func (h *Handler) HandleNotFound(w http.ResponseWriter, _ *http.Request) {
	h.writeErrorWithStatus(w, http.StatusNotFound, "Not found", time.Now())
}

// handleAPIRequest reads, decodes and validates the request body, then
// routes the command.
func (h *Handler) handleAPIRequest(w http.ResponseWriter, r *http.Request, startTime time.Time) {
	const maxBodySize = 1 << 20 // 1MB
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer closeBody(r.Body)

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		log.Warn().Err(err).Msg("failed to read request body")
		h.writeError(w, "Failed to read request", startTime)
		return
	}

	var req types.SolveRequest
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		log.Warn().Err(err).Msg("failed to decode request")
		h.writeError(w, "Invalid JSON request", startTime)
		return
	}

	if !validCommands[req.Cmd] {
		h.writeError(w, fmt.Sprintf("Unknown command: %q", req.Cmd), startTime)
		return
	}

	log.Info().
		Str("cmd", req.Cmd).
		Str("url", sanitizeURLForLogging(req.URL)).
		Str("session", req.Session).
		Msg("request received")

	h.routeCommand(w, r, &req, startTime)
}

// PoolStats holds pool statistics for the health endpoint.
type PoolStats struct {
	Active       int   `json:"active"`
	Retired      int   `json:"retired"`
	PagesOpened  int64 `json:"pagesOpened"`
	Launched     int64 `json:"launched"`
	Killed       int64 `json:"killed"`
	LaunchErrors int64 `json:"launchErrors"`
}

// HealthResponse is the response format for the /health endpoint.
type HealthResponse struct {
	Status    string     `json:"status"`
	Message   string     `json:"message,omitempty"`
	StartTime int64      `json:"startTimestamp,omitempty"`
	EndTime   int64      `json:"endTimestamp,omitempty"`
	Version   string     `json:"version,omitempty"`
	Pool      *PoolStats `json:"pool,omitempty"`
}

// handleHealth returns service health information.
func (h *Handler) handleHealth(w http.ResponseWriter, startTime time.Time) {
	resp := HealthResponse{
		Status:    types.StatusOK,
		Message:   "browser pool is ready",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}

	if h.pool != nil {
		poolStats := h.pool.Stats()
		resp.Pool = &PoolStats{
			Active:       poolStats.Active,
			Retired:      poolStats.Retired,
			PagesOpened:  poolStats.PagesOpened,
			Launched:     poolStats.Launched,
			Killed:       poolStats.Killed,
			LaunchErrors: poolStats.LaunchErrors,
		}
		metrics.UpdatePoolMetrics(poolStats)
	}

	if h.sessions != nil {
		metrics.UpdateSessionMetrics(h.sessions.Count())
	}

	h.writeJSONResponse(w, http.StatusOK, resp)
}

// handleRequest handles both GET and POST requests, driving the solver.
func (h *Handler) handleRequest(w http.ResponseWriter, ctx context.Context, req *types.SolveRequest, isPost bool, startTime time.Time) {
	if req.URL == "" {
		h.writeError(w, "url is required", startTime)
		return
	}

	if err := security.ValidateURL(req.URL); err != nil {
		log.Warn().Err(err).Str("url", sanitizeURLForLogging(req.URL)).Msg("URL validation failed")
		h.writeError(w, fmt.Sprintf("Invalid URL: %v", err), startTime)
		return
	}

	var proxyURL string
	if req.Proxy != nil && req.Proxy.URL != "" {
		proxyURL = req.Proxy.URL
	} else if h.config.HasDefaultProxy() {
		proxyURL = h.config.ProxyURL
	}
	if proxyURL != "" {
		if err := security.ValidateProxyURL(proxyURL, h.config.AllowLocalProxies); err != nil {
			log.Warn().Err(err).Msg("proxy URL validation failed")
			h.writeError(w, fmt.Sprintf("Invalid proxy URL: %v", err), startTime)
			return
		}
	}

	const (
		maxProxyUsernameLength = 256
		maxProxyPasswordLength = 256
	)
	if req.Proxy != nil {
		if len(req.Proxy.Username) > maxProxyUsernameLength {
			h.writeError(w, "Proxy username exceeds maximum length of 256 characters", startTime)
			return
		}
		if len(req.Proxy.Password) > maxProxyPasswordLength {
			h.writeError(w, "Proxy password exceeds maximum length of 256 characters", startTime)
			return
		}
		if req.Proxy.Username != "" || req.Proxy.Password != "" {
			logProxyCredentialInfo(req.Proxy.Username, req.Proxy.Password)
		}
	}

	const (
		maxCookieCount        = 100
		maxCookieNameLength   = 256
		maxCookieValueLength  = 4096
		maxCookieDomainLength = 256
		maxCookiePathLength   = 2048
	)
	if len(req.Cookies) > maxCookieCount {
		h.writeError(w, "Too many cookies (maximum 100)", startTime)
		return
	}
	for _, cookie := range req.Cookies {
		if len(cookie.Name) == 0 {
			h.writeError(w, "Cookie name cannot be empty", startTime)
			return
		}
		if len(cookie.Name) > maxCookieNameLength {
			h.writeError(w, "Cookie name exceeds maximum length of 256 characters", startTime)
			return
		}
		if len(cookie.Value) > maxCookieValueLength {
			h.writeError(w, "Cookie value exceeds maximum length of 4096 characters", startTime)
			return
		}
		if len(cookie.Domain) > maxCookieDomainLength {
			h.writeError(w, "Cookie domain exceeds maximum length of 256 characters", startTime)
			return
		}
		if len(cookie.Path) > maxCookiePathLength {
			h.writeError(w, "Cookie path exceeds maximum length of 2048 characters", startTime)
			return
		}
		if strings.Contains(cookie.Path, "..") {
			h.writeError(w, "Cookie path cannot contain '..'", startTime)
			return
		}
	}

	if isPost && req.PostData == "" {
		h.writeError(w, "postData is required for POST requests", startTime)
		return
	}

	const maxPostDataSize = 256 * 1024 // 256KB
	if len(req.PostData) > maxPostDataSize {
		h.writeError(w, "postData exceeds maximum size of 256KB", startTime)
		return
	}

	if req.MaxTimeout < 0 {
		h.writeError(w, "maxTimeout cannot be negative", startTime)
		return
	}
	timeout := h.config.DefaultTimeout
	if req.MaxTimeout > 0 {
		const maxTimeoutMs = 10 * 60 * 1000 // 10 minutes
		maxTimeoutValue := req.MaxTimeout
		if maxTimeoutValue > maxTimeoutMs {
			maxTimeoutValue = maxTimeoutMs
		}
		timeout = time.Duration(maxTimeoutValue) * time.Millisecond
		if timeout > h.config.MaxTimeout {
			timeout = h.config.MaxTimeout
		}
	}

	opts := solver.SolveOptions{
		URL:        req.URL,
		Timeout:    timeout,
		Cookies:    req.Cookies,
		Proxy:      req.Proxy,
		PostData:   req.PostData,
		IsPost:     isPost,
		Screenshot: req.Screenshot,
	}

	var result *solver.Result
	var solveErr error

	if req.Session != "" {
		sess, sessErr := h.sessions.Get(req.Session)
		if sessErr != nil {
			log.Warn().Err(sessErr).Str("session", req.Session).Msg("session lookup failed")
			h.writeError(w, "Session not found or expired", startTime)
			return
		}

		sess.LockOperation()
		defer sess.UnlockOperation()

		page, releasePage := sess.AcquirePageWithRelease()
		if page == nil {
			log.Error().Str("session", req.Session).Msg("session page is nil or session is closing")
			h.writeError(w, "Session page is no longer available", startTime)
			return
		}
		defer releasePage()
		result, solveErr = h.solver.SolveWithPage(ctx, page, opts)
	} else {
		result, solveErr = h.solver.Solve(ctx, opts)
	}

	if solveErr != nil {
		log.Error().Err(solveErr).Str("url", sanitizeURLForLogging(req.URL)).Msg("solve failed")
		metrics.RecordRequest(req.Cmd, "error", time.Since(startTime))
		h.writeError(w, solveErr.Error(), startTime)
		return
	}

	metrics.RecordRequest(req.Cmd, "ok", time.Since(startTime))
	h.writeSuccess(w, result, req.ReturnOnlyCookies, startTime)
}

// handleSessionCreate creates a new session.
func (h *Handler) handleSessionCreate(w http.ResponseWriter, ctx context.Context, req *types.SolveRequest, startTime time.Time) {
	if req.SessionTTL != 0 {
		log.Warn().
			Int("session_ttl", req.SessionTTL).
			Msg("session_ttl_minutes field is not currently supported, using server default")
	}

	sessionID := req.Session
	if validationErr := security.ValidateSessionID(sessionID); validationErr != "" {
		h.writeError(w, validationErr, startTime)
		return
	}

	page, err := h.pool.NewPage(ctx)
	if err != nil {
		h.writeError(w, fmt.Sprintf("Failed to acquire page: %v", err), startTime)
		return
	}

	sess, err := h.sessions.Create(sessionID, page)
	if err != nil {
		h.writeError(w, fmt.Sprintf("Failed to create session: %v", err), startTime)
		return
	}

	log.Info().Str("session_id", sess.ID).Msg("session created")

	resp := types.Response{
		Status:    types.StatusOK,
		Message:   "Session created successfully",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Sessions:  []string{sessionID},
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// handleSessionList lists all active sessions.
func (h *Handler) handleSessionList(w http.ResponseWriter, startTime time.Time) {
	resp := types.Response{
		Status:    types.StatusOK,
		Message:   "Session list retrieved",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Sessions:  h.sessions.List(),
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// handleSessionDestroy destroys a session.
func (h *Handler) handleSessionDestroy(w http.ResponseWriter, req *types.SolveRequest, startTime time.Time) {
	if req.Session == "" {
		h.writeError(w, "session is required", startTime)
		return
	}

	if errMsg := security.ValidateSessionID(req.Session); errMsg != "" {
		h.writeError(w, errMsg, startTime)
		return
	}

	if err := h.sessions.Destroy(req.Session); err != nil {
		if errors.Is(err, types.ErrSessionInUse) {
			h.writeError(w, "Session is currently in use, try again later", startTime)
			return
		}
		h.writeError(w, "Session not found or already destroyed", startTime)
		return
	}

	resp := types.Response{
		Status:    types.StatusOK,
		Message:   "Session destroyed successfully",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// writeSuccess writes a successful response.
func (h *Handler) writeSuccess(w http.ResponseWriter, result *solver.Result, cookiesOnly bool, startTime time.Time) {
	cookies := make([]types.Cookie, 0, len(result.Cookies))
	cookies = append(cookies, result.Cookies...)

	response := ""
	if !cookiesOnly {
		response = result.HTML
	}

	solution := &types.Solution{
		URL:        result.URL,
		Status:     result.StatusCode,
		Response:   response,
		Cookies:    cookies,
		UserAgent:  result.UserAgent,
		Screenshot: result.Screenshot,
	}

	resp := types.Response{
		Status:    types.StatusOK,
		Message:   "Request solved successfully",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Solution:  solution,
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// sanitizeErrorMessage removes internal details from error messages
// to prevent information disclosure to clients.
func sanitizeErrorMessage(message string) string {
	sensitivePatterns := []string{
		"failed to acquire browser:",
		"failed to spawn browser:",
		"browser pool exhausted:",
		"context deadline exceeded",
		"context canceled",
		"i/o timeout",
		"connection refused",
		"no such host",
		"network is unreachable",
	}

	messageLower := strings.ToLower(message)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(messageLower, pattern) {
			if strings.Contains(messageLower, "browser") || strings.Contains(messageLower, "pool") {
				return "Service temporarily unavailable"
			}
			if strings.Contains(messageLower, "timeout") || strings.Contains(messageLower, "context") {
				return "Request timed out"
			}
			if strings.Contains(messageLower, "connection") || strings.Contains(messageLower, "network") || strings.Contains(messageLower, "host") {
				return "Unable to connect to target"
			}
		}
	}
	return message
}

// writeError writes an error response with HTTP 200, matching the upstream
// FlareSolverr API convention of returning errors in the JSON body.
// Use writeErrorWithStatus for cases where HTTP status codes are preferred.
func (h *Handler) writeError(w http.ResponseWriter, message string, startTime time.Time) {
	h.writeErrorWithStatus(w, http.StatusOK, sanitizeErrorMessage(message), startTime)
}

// writeErrorWithStatus writes an error response with a specific HTTP status code.
func (h *Handler) writeErrorWithStatus(w http.ResponseWriter, statusCode int, message string, startTime time.Time) {
	resp := types.Response{
		Status:    types.StatusError,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	h.writeJSONResponse(w, statusCode, resp)
}

// writeJSONResponse buffers JSON before writing to ensure encoding errors are caught
// before headers are sent, preventing partial responses on encoding failure.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		if _, err := w.Write([]byte(`{"status":"error","message":"internal encoding error"}`)); err != nil {
			log.Error().Err(err).Msg("failed to write fallback error response")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}
