// ABOUTME: HTTP API handlers for operator login, uploads, the WebSocket and channel control
// ABOUTME: Channel control endpoints require the admin role; health endpoints are open

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/auth"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/channel"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/hub"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/media"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/store"
)

// mediaPrefix is where uploaded files are served.
const mediaPrefix = "/media"

// multipartMemory is how much of an upload is buffered in memory.
const multipartMemory = 1 << 20

// LoginRequest is the JSON request body for POST /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for POST /api/login.
type LoginResponse struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	Operator  *auth.Operator `json:"operator"`
}

// UploadResponse is the JSON response for POST /api/media.
type UploadResponse struct {
	URL string `json:"url"`
}

// ChannelStatusResponse is the JSON response for the channel control endpoints.
type ChannelStatusResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Address   string `json:"address,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Paused    bool   `json:"paused"`
	QR        string `json:"qr,omitempty"`
	Attempts  int    `json:"attempts"`
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK only while the channel is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := g.connector.Status()
	if snap.Status != channel.StatusConnected {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "channel %s", snap.Status)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		g.sendJSONError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	op, err := g.directory.Authenticate(req.Username, req.Password)
	if err != nil {
		g.logger.Info("login rejected", "username", req.Username)
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ttl := g.config.Auth.TokenTTL
	token, err := g.verifier.Generate(op.ID, ttl)
	if err != nil {
		g.logger.Error("signing token", "operator_id", op.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.logger.Info("operator logged in", "operator_id", op.ID)
	g.audit(r, op.ID, store.AuditLogin, "operator", op.ID, nil)
	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(ttl).UTC(),
		Operator:  op,
	})
}

// handleWebSocket upgrades an authenticated request. Admins join as observers.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		g.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	identity := hub.Identity{
		OperatorID: authCtx.OperatorID,
		Name:       authCtx.Name,
		Sectors:    authCtx.Sectors,
		Observer:   authCtx.IsAdmin(),
	}
	if err := g.hub.ServeWebSocket(w, r, identity, g.originPatterns()); err != nil {
		g.logger.Debug("websocket closed", "operator_id", identity.OperatorID, "error", err)
	}
}

// originPatterns converts allowed origins into host patterns for the
// WebSocket origin check.
func (g *Gateway) originPatterns() []string {
	origins := g.allowedOrigins()
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

func (g *Gateway) handleMediaUpload(w http.ResponseWriter, r *http.Request) {
	limit := g.media.MaxBytes()
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, "expected multipart form with a file field")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	ref, err := g.media.Save(r.Context(), header.Filename, file)
	switch {
	case errors.Is(err, media.ErrTooLarge):
		g.sendJSONError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	case errors.Is(err, media.ErrEmpty):
		g.sendJSONError(w, http.StatusBadRequest, "file is empty")
		return
	case err != nil:
		g.logger.Error("storing upload", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, UploadResponse{URL: ref})
}

func (g *Gateway) channelStatus(includeQR bool) ChannelStatusResponse {
	snap := g.connector.Status()
	resp := ChannelStatusResponse{
		SessionID: snap.SessionID,
		Status:    string(snap.Status),
		Address:   snap.Address,
		Reason:    snap.Reason,
		Paused:    snap.Paused,
		Attempts:  g.connector.Attempts(),
	}
	if includeQR && snap.Status == channel.StatusQRPending {
		resp.QR = snap.LastQR
	}
	return resp
}

// handleChannelStatus reports the channel state. Only admins see the login payload.
func (g *Gateway) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, g.channelStatus(authCtx != nil && authCtx.IsAdmin()))
}

func (g *Gateway) handleChannelRestart(w http.ResponseWriter, r *http.Request) {
	if err := g.connector.Restart(r.Context()); err != nil {
		g.channelError(w, "restart", err)
		return
	}
	g.auditChannel(r, store.AuditChannelRestart)
	writeJSON(w, http.StatusAccepted, g.channelStatus(true))
}

func (g *Gateway) handleChannelPause(w http.ResponseWriter, r *http.Request) {
	g.connector.Pause()
	g.auditChannel(r, store.AuditChannelPause)
	writeJSON(w, http.StatusOK, g.channelStatus(true))
}

func (g *Gateway) handleChannelResume(w http.ResponseWriter, r *http.Request) {
	g.connector.Resume()
	g.auditChannel(r, store.AuditChannelResume)
	writeJSON(w, http.StatusOK, g.channelStatus(true))
}

func (g *Gateway) handleChannelLogout(w http.ResponseWriter, r *http.Request) {
	if err := g.connector.DisconnectAndPurge(r.Context()); err != nil {
		g.channelError(w, "logout", err)
		return
	}
	g.auditChannel(r, store.AuditChannelLogout)
	writeJSON(w, http.StatusOK, g.channelStatus(true))
}

// handleSSOCallback completes a pending SSO login with the homeserver's
// loginToken.
func (g *Gateway) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("loginToken"))
	if token == "" {
		g.sendJSONError(w, http.StatusBadRequest, "loginToken is required")
		return
	}
	if err := g.connector.CompleteLogin(r.Context(), token); err != nil {
		g.channelError(w, "complete login", err)
		return
	}
	g.auditChannel(r, store.AuditChannelSSO)
	if r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Login received. You can close this window."))
		return
	}
	writeJSON(w, http.StatusAccepted, g.channelStatus(true))
}

// auditChannel records a channel action by the authenticated admin. The
// unauthenticated SSO redirect is attributed to "homeserver".
func (g *Gateway) auditChannel(r *http.Request, action store.AuditAction) {
	actor := "homeserver"
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		actor = authCtx.OperatorID
	}
	g.audit(r, actor, action, "channel", g.config.Channel.SessionID,
		map[string]any{"status": string(g.connector.Status().Status)})
}

// audit failures are logged, never surfaced to the caller.
func (g *Gateway) audit(r *http.Request, actor string, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	entry := &store.AuditEntry{
		ActorID:    actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	}
	if err := g.store.AppendAuditLog(r.Context(), entry); err != nil {
		g.logger.Warn("recording audit entry", "action", action, "error", err)
	}
}

// handleAuditLog lists audit entries. Query: actor, action, since (RFC3339), limit.
func (g *Gateway) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		ActorID: q.Get("actor"),
		Action:  store.AuditAction(q.Get("action")),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	entries, err := g.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing audit log", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (g *Gateway) channelError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, channel.ErrNoLoginPending):
		g.sendJSONError(w, http.StatusConflict, "no login pending")
	case errors.Is(err, channel.ErrStopped):
		g.sendJSONError(w, http.StatusServiceUnavailable, "channel is shutting down")
	default:
		g.logger.Error("channel "+op+" failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, op+" failed")
	}
}
