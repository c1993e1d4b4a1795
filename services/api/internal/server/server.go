package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"videochat/internal/ratelimit"
	"videochat/internal/util"
	"videochat/pkg/analysis"
	"videochat/pkg/chatctx"
	"videochat/pkg/domain"
	"videochat/pkg/relay"
	"videochat/services/api/internal/app"
)

const serviceName = "api"

// IdentityVerifier maps a bearer token to the calling user.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, token string) (domain.User, error)
}

// Limiter decides whether a caller may start another chat turn.
type Limiter interface {
	Allow(ctx context.Context, key string) ratelimit.Decision
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  IdentityVerifier
	ChatLimiter    Limiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes the video, frame and chat HTTP API.
type Server struct {
	app            *app.App
	tokenVerifier  IdentityVerifier
	chatLimiter    Limiter
	trustedProxies *util.TrustedProxies
	router         chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		chatLimiter:    cfg.ChatLimiter,
		trustedProxies: cfg.TrustedProxies,
		router:         chi.NewRouter(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(serviceName, util.WithSecurityHeaders(s.trustedProxies, util.WithCORS(s.router))))
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.MethodNotAllowed(methodNotAllowed)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "not found")
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	// auth required
	r.Post("/video", s.withUser(s.handleCreateVideo))
	r.Get("/video", s.withUser(s.handleGetVideos))
	r.Patch("/video", s.withUser(s.handleUpdateVideo))
	r.Delete("/video", s.withUser(s.handleDeleteVideo))
	r.Get("/video/status", s.withUser(s.handleVideoStatus))
	r.Post("/frames", s.withUser(s.handleFrames))
	r.Post("/chat", s.withUser(s.handleChat))
	r.Get("/messages", s.withUser(s.handleMessages))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.app.Ready(ctx); err != nil {
		util.LoggerFromContext(r.Context()).Warn("readiness_check_failed", "err", err)
		writeError(w, r, http.StatusServiceUnavailable, "NOT_READY", "dependencies unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		if s.tokenVerifier == nil {
			writeError(w, r, http.StatusInternalServerError, "AUTH_NOT_CONFIGURED", "auth not configured")
			return
		}
		user, err := s.tokenVerifier.VerifyIdentity(r.Context(), token)
		if err != nil {
			s.audit(r, "token_verify", "failure", "err", err)
			writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		logger := util.LoggerFromContext(r.Context()).With("user_id", user.ID)
		ctx := util.ContextWithLogger(r.Context(), logger)
		next(w, r.WithContext(ctx), user)
	}
}

// videos

type createVideoRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	URL          string   `json:"url"`
	ThumbnailURL string   `json:"thumbnailUrl"`
	FrameURLs    []string `json:"frameUrls"`
	Duration     int      `json:"duration"`
}

type updateVideoRequest struct {
	Title              *string   `json:"title"`
	Description        *string   `json:"description"`
	ThumbnailURL       *string   `json:"thumbnailUrl"`
	FrameURLs          *[]string `json:"frameUrls"`
	IsProcessed        *bool     `json:"isProcessed"`
	ProcessingComplete *bool     `json:"processingComplete"`
}

type uploadResponse struct {
	VideoID string       `json:"videoId"`
	JobID   string       `json:"jobId"`
	Video   domain.Video `json:"video"`
}

func (s *Server) handleCreateVideo(w http.ResponseWriter, r *http.Request, user domain.User) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		s.handleUploadVideo(w, r, user)
		return
	}
	var req createVideoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	video, err := s.app.CreateVideo(r.Context(), user, app.CreateVideoInput{
		Title:        req.Title,
		Description:  req.Description,
		URL:          req.URL,
		ThumbnailURL: req.ThumbnailURL,
		FrameURLs:    req.FrameURLs,
		Duration:     req.Duration,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, video)
}

func (s *Server) handleUploadVideo(w http.ResponseWriter, r *http.Request, user domain.User) {
	maxBytes := s.app.MaxUploadBytes()
	// multipart framing adds a little on top of the file itself
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "file too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "INVALID_FORM", "invalid form data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "FILE_REQUIRED", "file is required (field: file)")
		return
	}
	defer file.Close()
	video, job, err := s.app.UploadVideo(r.Context(), user, app.UploadInput{
		Filename:    header.Filename,
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{VideoID: video.ID, JobID: job.ID, Video: video})
}

func (s *Server) handleGetVideos(w http.ResponseWriter, r *http.Request, user domain.User) {
	if id := r.URL.Query().Get("id"); id != "" {
		video, err := s.app.GetVideo(r.Context(), user, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, video)
		return
	}
	videos, err := s.app.ListVideos(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": videos,
		"count": len(videos),
	})
}

func (s *Server) handleUpdateVideo(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	var req updateVideoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	processed := req.IsProcessed
	if req.ProcessingComplete != nil {
		processed = req.ProcessingComplete
	}
	video, err := s.app.UpdateVideo(r.Context(), user, id, app.UpdateVideoInput{
		Title:        req.Title,
		Description:  req.Description,
		ThumbnailURL: req.ThumbnailURL,
		FrameURLs:    req.FrameURLs,
		IsProcessed:  processed,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}

func (s *Server) handleDeleteVideo(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	if err := s.app.DeleteVideo(r.Context(), user, id); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleVideoStatus(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	job, err := s.app.VideoStatus(r.Context(), user, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// frames

type frameRequest struct {
	VideoID  string `json:"videoId"`
	FrameURL string `json:"frameUrl"`
	Position *int   `json:"position"`
}

type frameResponse struct {
	Status   string               `json:"status"`
	Analysis domain.FrameAnalysis `json:"analysis"`
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req frameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.VideoID) == "" || strings.TrimSpace(req.FrameURL) == "" || req.Position == nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "videoId, frameUrl and position are required")
		return
	}
	res, err := s.app.AnalyzeFrame(r.Context(), user, app.FrameInput{
		VideoID:  req.VideoID,
		FrameURL: req.FrameURL,
		Position: *req.Position,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Status == analysis.StatusCreated || res.Status == analysis.StatusDegraded {
		status = http.StatusCreated
	}
	writeJSON(w, status, frameResponse{Status: string(res.Status), Analysis: res.Analysis})
}

// chat

type chatRequest struct {
	VideoID  string            `json:"videoId"`
	Message  string            `json:"message"`
	Messages []chatMessageJSON `json:"messages"`
}

type chatMessageJSON struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.allowRate(w, r, s.chatLimiter, "chat:"+user.ID, "too many chat requests") {
		return
	}
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.VideoID) == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "videoId is required")
		return
	}
	in := app.ChatInput{VideoID: req.VideoID, Message: req.Message}
	for _, m := range req.Messages {
		in.Messages = append(in.Messages, app.ChatMessage{Role: m.Role, Content: m.Content})
	}
	turn, err := s.app.StartChat(r.Context(), user, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	rl := relay.Relay{Model: turn.Model}
	reply, err := rl.Serve(r.Context(), w, turn.Stream, turn.Persist)
	logger := util.LoggerFromContext(r.Context()).With("conversation_id", turn.Conversation.ID)
	switch {
	case errors.Is(err, relay.ErrNoResponse):
		logger.Error("chat_no_response", "err", err)
		writeError(w, r, http.StatusBadGateway, "MODEL_UNAVAILABLE", "model unavailable")
	case err != nil:
		logger.Warn("chat_stream_interrupted", "err", err)
	default:
		logger.Info("chat_turn_done", "reply_bytes", len(reply))
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	videoID, ok := requireQuery(w, r, "videoId")
	if !ok {
		return
	}
	msgs, err := s.app.Messages(r.Context(), user, videoID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": msgs,
		"count": len(msgs),
	})
}

// helpers

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrVideoNotFound):
		writeError(w, r, http.StatusNotFound, "VIDEO_NOT_FOUND", "video not found")
	case errors.Is(err, app.ErrVideoForbidden):
		writeError(w, r, http.StatusForbidden, "VIDEO_FORBIDDEN", "video belongs to another user")
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, chatctx.ErrEmptyQuestion):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "message is required")
	case errors.Is(err, app.ErrUnsupportedType):
		writeError(w, r, http.StatusBadRequest, "UNSUPPORTED_FILE_TYPE", "unsupported file type")
	case errors.Is(err, app.ErrTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "file too large")
	case errors.Is(err, app.ErrJobNotFound):
		writeError(w, r, http.StatusNotFound, "JOB_NOT_FOUND", "no ingest job for this video")
	case errors.Is(err, chatctx.ErrNotReady):
		writeError(w, r, http.StatusConflict, "VIDEO_NOT_READY", "video frames are not analyzed yet")
	case errors.Is(err, app.ErrModelUnavailable):
		writeError(w, r, http.StatusBadGateway, "MODEL_UNAVAILABLE", "model unavailable")
	case errors.Is(err, app.ErrQueueUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "processing queue unavailable")
	case errors.Is(err, app.ErrStoragePermission):
		util.LoggerFromContext(r.Context()).Error("storage_permission_denied", "err", err)
		writeError(w, r, http.StatusBadGateway, "STORAGE_PERMISSION_DENIED", "storage rejected the upload: permission denied")
	default:
		util.LoggerFromContext(r.Context()).Error("request_failed", "err", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

func requireQuery(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", name+" query parameter is required")
		return "", false
	}
	return v, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		slog.Warn("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: util.RequestIDFromRequest(r),
	})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
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

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter Limiter, key, msg string) bool {
	if limiter == nil {
		return true
	}
	decision := limiter.Allow(r.Context(), key)
	if decision.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if decision.Allowed {
		return true
	}
	retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	s.audit(r, "rate_limit", "denied", "key", key)
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", msg)
	return false
}
