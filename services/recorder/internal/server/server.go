package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"recapai/internal/servicetoken"
	"recapai/internal/usertoken"
	"recapai/internal/util"
	"recapai/pkg/audit"
	"recapai/pkg/domain"
	"recapai/pkg/notify"
	"recapai/services/recorder/internal/app"
)

const maxJSONBody = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App   *app.App
	Hub   *notify.Hub
	Users usertoken.Authenticator
	Audit audit.Sink

	// Internal verifies service tokens on /internal routes. When nil one is
	// built from the key settings below.
	Internal                    *servicetoken.Verifier
	InternalJWTKeyID            string
	InternalJWTPublicKeyPath    string
	InternalJWTVerifyPublicKeys map[string]string
	InternalAllowedIssuers      []string

	CORSAllowedOrigins []string
	TrustedProxies     *util.TrustedProxies
}

// Server exposes HTTP endpoints for the recorder service.
type Server struct {
	app            *app.App
	hub            *notify.Hub
	users          usertoken.Authenticator
	internalVerify *servicetoken.Verifier
	audit          audit.Sink
	corsOrigins    []string
	trusted        *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app required")
	}
	if cfg.Users == nil {
		return nil, errors.New("server: user authenticator required")
	}
	sink := cfg.Audit
	if sink == nil {
		sink = audit.LogSink{}
	}
	s := &Server{
		app:         cfg.App,
		hub:         cfg.Hub,
		users:       cfg.Users,
		audit:       sink,
		corsOrigins: cfg.CORSAllowedOrigins,
		trusted:     cfg.TrustedProxies,
		mux:         http.NewServeMux(),
	}
	verifier := cfg.Internal
	if verifier == nil {
		issuers := cfg.InternalAllowedIssuers
		if len(issuers) == 0 {
			issuers = []string{"processor", "recapctl"}
		}
		var err error
		verifier, err = servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
			PublicKeyPath:      strings.TrimSpace(cfg.InternalJWTPublicKeyPath),
			VerifyPublicKeyMap: cfg.InternalJWTVerifyPublicKeys,
			DefaultKeyID:       cfg.InternalJWTKeyID,
			Audience:           "recorder",
			AllowedIssuers:     issuers,
			Leeway:             servicetoken.DefaultLeeway,
			RejectReplay:       true,
		})
		if err != nil {
			return nil, err
		}
	}
	s.internalVerify = verifier
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("recorder", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/internal/processor/callback", s.withInternal(servicetoken.ScopeProcessorCallback, s.handleCallback))
	s.mux.Handle("/internal/settings", s.withInternal(servicetoken.ScopeSettingsAdmin, s.handleSystemSettings))
	s.mux.Handle("/internal/owners/", s.withInternal(servicetoken.ScopeSettingsAdmin, s.handleOwnerSettings))

	s.mux.Handle("/recordings", s.withUser(s.handleRecordings))
	s.mux.Handle("/recordings/", s.withUser(s.handleRecordingByID))
	s.mux.Handle("/tasks", s.withUser(s.handleTasks))
	s.mux.Handle("/tasks/", s.withUser(s.handleTaskByID))
	s.mux.Handle("/transcript-pairs", s.withUser(s.handlePairs))
	s.mux.Handle("/transcript-pairs/", s.withUser(s.handlePairByID))
	s.mux.Handle("/quota", s.withUser(s.handleQuota))
	s.mux.Handle("/notifications/ws", s.withUser(s.handleNotifications))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, usertoken.Identity)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.users.Authenticate(r)
		if err != nil || id.OwnerID == "" {
			s.denied(r, "", "user token rejected")
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		ctx := usertoken.WithIdentity(r.Context(), id)
		logger := util.LoggerFromContext(ctx).With("owner_id", id.OwnerID)
		next(w, r.WithContext(util.ContextWithLogger(ctx, logger)), id)
	})
}

func (s *Server) withInternal(scope string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.internalVerify.Authorize(r, scope)
		if err != nil {
			s.denied(r, claims.Subject, err.Error())
			if errors.Is(err, servicetoken.ErrScopeMissing) {
				writeError(w, http.StatusForbidden, "AUTH_FORBIDDEN", "forbidden")
				return
			}
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		next(w, r)
	})
}

func (s *Server) denied(r *http.Request, subject, reason string) {
	s.audit.Record(r.Context(), audit.Event{
		Action:    audit.ActionAccessDenied,
		Outcome:   audit.OutcomeDenied,
		RequestID: util.RequestIDFromContext(r.Context()),
		Detail: map[string]string{
			"path":      r.URL.Path,
			"client_ip": util.ClientIP(r, s.trusted),
			"subject":   subject,
			"reason":    reason,
		},
		At: time.Now().UTC(),
	})
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, id)
	case http.MethodGet:
		items, err := s.app.ListRecordings(r.Context(), id.OwnerID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, items)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" || params["boundary"] == "" {
		writeError(w, http.StatusBadRequest, app.CodeInvalidRequest, "multipart/form-data body required")
		return
	}
	rc := http.NewResponseController(w)
	res, err := s.app.Ingest(r.Context(), app.IngestRequest{
		OwnerID:         id.OwnerID,
		DeviceID:        id.DeviceID,
		IdempotencyKey:  strings.TrimSpace(r.Header.Get("Idempotency-Key")),
		Body:            r.Body,
		Boundary:        params["boundary"],
		SetReadDeadline: rc.SetReadDeadline,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// /recordings/{id} or /recordings/{id}/content
func (s *Server) handleRecordingByID(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	blobID, action, ok := splitID(r.URL.Path, "/recordings/")
	if !ok {
		notFound(w)
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		if err := s.app.DeleteRecording(r.Context(), id.OwnerID, blobID); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case "content":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleRecordingContent(w, r, id, blobID)
	default:
		notFound(w)
	}
}

func (s *Server) handleRecordingContent(w http.ResponseWriter, r *http.Request, id usertoken.Identity, blobID string) {
	blob, body, err := s.app.OpenRecording(r.Context(), id.OwnerID, blobID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer body.Close()
	h := w.Header()
	h.Set("Content-Type", blob.ContentType)
	h.Set("Content-Length", strconv.FormatInt(blob.SizeBytes, 10))
	if blob.Filename != "" {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": blob.Filename}))
	}
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	// The blob is verified before OpenRecording returns. Once the status
	// line is out, a mid-stream I/O error can only truncate the response.
	if _, err := io.Copy(w, body); err != nil {
		util.LoggerFromContext(r.Context()).Warn("recording stream aborted", "blob_id", blobID, "err", err)
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.app.Registry().List(r.Context(), id.OwnerID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, tasks)
	case http.MethodPost:
		var req app.TextRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		}
		res, err := s.app.SubmitText(r.Context(), id.OwnerID, id.DeviceID, req)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	default:
		methodNotAllowed(w)
	}
}

// /tasks/{id}, /tasks/{id}/provenance or /tasks/{id}/links
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	taskID, action, ok := splitID(r.URL.Path, "/tasks/")
	if !ok {
		notFound(w)
		return
	}
	ctx := r.Context()
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			view, err := s.app.Registry().Lookup(ctx, taskID, id.OwnerID)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		case http.MethodDelete:
			if err := s.app.Registry().Delete(ctx, taskID, id.OwnerID); err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			methodNotAllowed(w)
		}
	case "provenance":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		view, err := s.app.Provenance(ctx, id.OwnerID, taskID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case "links":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req app.LinkRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		task, err := s.app.LinkSource(ctx, id.OwnerID, taskID, req)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	default:
		notFound(w)
	}
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in app.PairInput
	if !decodeJSON(w, r, &in) {
		return
	}
	view, err := s.app.CreateTranscriptPair(r.Context(), id.OwnerID, id.DeviceID, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handlePairByID(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	pairID, action, ok := splitID(r.URL.Path, "/transcript-pairs/")
	if !ok || action != "" {
		notFound(w)
		return
	}
	switch r.Method {
	case http.MethodGet:
		view, err := s.app.GetTranscriptPair(r.Context(), id.OwnerID, pairID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		if err := s.app.DeleteTranscriptPair(r.Context(), id.OwnerID, pairID); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	usage, err := s.app.Usage(r.Context(), id.OwnerID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	// The processor may add fields over time; only user input is strict.
	var in app.CallbackInput
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, app.CodeInvalidRequest, "invalid JSON body")
		return
	}
	if err := s.app.HandleCallback(r.Context(), in); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleSystemSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.app.Settings()
	switch r.Method {
	case http.MethodGet:
		sys, err := settings.System(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sys)
	case http.MethodPut:
		var patch app.SystemSettingsPatch
		if !decodeJSON(w, r, &patch) {
			return
		}
		sys, err := settings.UpdateSystem(r.Context(), patch)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		s.settingsChanged(r, "system", "")
		writeJSON(w, http.StatusOK, sys)
	default:
		methodNotAllowed(w)
	}
}

// /internal/owners/{id}/settings
func (s *Server) handleOwnerSettings(w http.ResponseWriter, r *http.Request) {
	ownerID, action, ok := splitID(r.URL.Path, "/internal/owners/")
	if !ok || action != "settings" {
		notFound(w)
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var in domain.OwnerSettings
	if !decodeJSON(w, r, &in) {
		return
	}
	in.OwnerID = ownerID
	out, err := s.app.Settings().UpdateOwner(r.Context(), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.settingsChanged(r, "owner", ownerID)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) settingsChanged(r *http.Request, scope, ownerID string) {
	s.audit.Record(r.Context(), audit.Event{
		Action:     audit.ActionSettingsChanged,
		Outcome:    audit.OutcomeSuccess,
		OwnerID:    ownerID,
		ObjectType: "settings",
		ObjectID:   scope,
		RequestID:  util.RequestIDFromContext(r.Context()),
		At:         time.Now().UTC(),
	})
}

// splitID parses prefix{id} and prefix{id}/{action}.
func splitID(path, prefix string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		if parts[1] == "" || strings.Contains(parts[1], "/") {
			return "", "", false
		}
		return parts[0], parts[1], true
	}
	return parts[0], "", true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, app.CodeInvalidRequest, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED", "method not allowed")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	BlobID    string `json:"blobId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError is the single mapping from core failures to HTTP responses.
// Internal causes are logged, never returned.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	e := app.AsError(err)
	status := statusForKind(e.Kind)
	msg := e.Message
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "code", e.Code, "err", err)
		if e.Kind == app.KindInternal {
			msg = "internal error"
		}
	} else if e.Err != nil {
		util.LoggerFromContext(r.Context()).Debug("request rejected", "code", e.Code, "err", e.Err)
	}
	if e.Kind == app.KindRateLimited && e.RetryAfter > 0 {
		secs := int((e.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      e.Code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
		TaskID:    e.TaskID,
		BlobID:    e.BlobID,
	})
}

func statusForKind(k app.Kind) int {
	switch k {
	case app.KindInvalid, app.KindUnsupportedMedia, app.KindUpstreamRejected:
		return http.StatusBadRequest
	case app.KindPayloadTooLarge, app.KindQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case app.KindNotFound:
		return http.StatusNotFound
	case app.KindConflict, app.KindIntegrity:
		return http.StatusConflict
	case app.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case app.KindStalled:
		return http.StatusRequestTimeout
	case app.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
