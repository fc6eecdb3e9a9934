package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/panels/internal/auth"
	"github.com/MarcoPoloResearchLab/panels/internal/comics"
	"github.com/MarcoPoloResearchLab/panels/internal/identity"
	"github.com/MarcoPoloResearchLab/panels/internal/ingest"
	"github.com/MarcoPoloResearchLab/panels/internal/reader"
	"github.com/MarcoPoloResearchLab/panels/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "panels_user_id"
	sessionContextKey = "panels_session"

	uploadFormField          = "files"
	defaultMaxUploadBytes    = 16 << 20
	wildcardOrigin           = "*"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingIdentityGateway = errors.New("identity gateway dependency required")
	errMissingTokenIssuer     = errors.New("token issuer dependency required")
	errMissingSessionCheck    = errors.New("session validator dependency required")
	errMissingSessionManager  = errors.New("session manager dependency required")
)

// SessionTokenIssuer issues session tokens after sign-in.
type SessionTokenIssuer interface {
	IssueSessionToken(ctx context.Context, profile auth.SessionProfile) (string, int64, error)
}

// RequestValidator authenticates requests carrying a session token.
type RequestValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	CookieName() string
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Identity          identity.Gateway
	Tokens            SessionTokenIssuer
	Sessions          RequestValidator
	Manager           *session.Manager
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	SecureCookies     bool
	HeartbeatInterval time.Duration
	// MaxUploadBytes caps each uploaded file; zero selects 16 MiB.
	MaxUploadBytes    int64
	Clock             func() time.Time
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Identity == nil {
		return nil, errMissingIdentityGateway
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionCheck
	}
	if deps.Manager == nil {
		return nil, errMissingSessionManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	maxUploadBytes := deps.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		identity:      deps.Identity,
		tokens:        deps.Tokens,
		sessions:      deps.Sessions,
		manager:       deps.Manager,
		realtime:      realtime,
		secureCookies: deps.SecureCookies,
		heartbeat:     heartbeat,
		maxUpload:     maxUploadBytes,
		clock:         clock,
		logger:        logger,
	}

	router.POST("/auth/google", handler.handleGoogleAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/auth/signout", handler.handleSignOut)
	protected.GET("/me", handler.handleMe)
	protected.GET("/status", handler.handleStatus)
	protected.GET("/events", handler.handleEvents)
	protected.GET("/stats", handler.handleStats)
	protected.POST("/uploads", handler.handleUpload)

	protected.GET("/series", handler.handleListSeries)
	protected.POST("/series/:slug/open", handler.handleOpenSeries)
	protected.GET("/series/:slug/chapters", handler.handleListChapters)
	protected.PATCH("/series/:slug", handler.handleUpdateSeries)
	protected.DELETE("/series/:slug", handler.handleDeleteSeries)
	protected.POST("/series/:slug/chapters/:chapterId/read", handler.handleMarkRead)
	protected.POST("/series/:slug/chapters/:chapterId/unread", handler.handleMarkUnread)

	protected.GET("/reader", handler.handleReaderState)
	protected.POST("/reader/open", handler.handleReaderOpen)
	protected.POST("/reader/next", handler.handleReaderNext)
	protected.POST("/reader/prev", handler.handleReaderPrev)
	protected.POST("/reader/tap", handler.handleReaderTap)
	protected.POST("/reader/key", handler.handleReaderKey)
	protected.POST("/reader/viewport", handler.handleReaderViewport)
	protected.POST("/reader/back", handler.handleReaderBack)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	allowAll := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == wildcardOrigin {
			allowAll = true
		}
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	if allowAll || len(origins) == 0 {
		// Credentialed requests cannot use "*"; the request origin is echoed instead.
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	identity      identity.Gateway
	tokens        SessionTokenIssuer
	sessions      RequestValidator
	manager       *session.Manager
	realtime      *RealtimeDispatcher
	secureCookies bool
	heartbeat     time.Duration
	maxUpload     int64
	clock         func() time.Time
	logger        *zap.Logger
}

type authRequestPayload struct {
	IDToken     string `json:"id_token"`
	ClientError string `json:"client_error"`
}

type authResponsePayload struct {
	AccessToken string           `json:"access_token"`
	ExpiresIn   int64            `json:"expires_in"`
	TokenType   string           `json:"token_type"`
	User        identity.Profile `json:"user"`
	Status      string           `json:"status,omitempty"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		(strings.TrimSpace(request.IDToken) == "" && strings.TrimSpace(request.ClientError) == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	profile, err := h.identity.SignIn(c.Request.Context(), identity.SignInRequest{
		IDToken:     request.IDToken,
		ClientError: request.ClientError,
	})
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "sign_in_failed", "message": identity.StatusMessage(err)})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), auth.SessionProfile{
		UserID:         profile.ID,
		Email:          profile.Email,
		DisplayName:    profile.DisplayName,
		AvatarURL:      profile.PhotoURL,
		SessionVersion: profile.SessionVersion,
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.String("user_id", profile.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	status := ""
	if userSession, err := h.manager.Ensure(c.Request.Context(), profile); err == nil {
		status = userSession.Status(h.clock())
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), token, int(expiresIn), "/", "", h.secureCookies, true)
	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User:        profile,
		Status:      status,
	})
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), "", -1, "/", "", h.secureCookies, true)
	if err := h.identity.SignOut(c.Request.Context(), c.GetString(userIDContextKey)); err != nil {
		h.logger.Error("sign-out failed", zap.String("user_id", c.GetString(userIDContextKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_out_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": session.SignedOutMessage, "view": session.LibraryView()})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user": sessionOf(c).Profile()})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	userSession := sessionOf(c)
	c.JSON(http.StatusOK, gin.H{"message": userSession.Status(h.clock()), "view": userSession.View()})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	stats, err := sessionOf(c).Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, "reading_stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type uploadResponsePayload struct {
	BatchID        string   `json:"batchId"`
	FilesProcessed int      `json:"filesProcessed"`
	FilesAccepted  int      `json:"filesAccepted"`
	SeriesTouched  []string `json:"seriesTouched"`
	Skipped        []string `json:"skipped"`
	Failed         []string `json:"failed"`
	Message        string   `json:"message"`
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_upload"})
		return
	}
	headers := form.File[uploadFormField]
	files := make([]ingest.File, 0, len(headers))
	for _, header := range headers {
		opened, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_upload"})
			return
		}
		data, err := io.ReadAll(io.LimitReader(opened, h.maxUpload+1))
		_ = opened.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_upload"})
			return
		}
		if int64(len(data)) > h.maxUpload {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":    "file_too_large",
				"file":     header.Filename,
				"maxBytes": h.maxUpload,
			})
			return
		}
		files = append(files, ingest.File{Name: header.Filename, Data: data})
	}

	report, err := sessionOf(c).Upload(c.Request.Context(), files)
	if err != nil {
		h.respondError(c, "upload", err)
		return
	}
	c.JSON(http.StatusOK, uploadResponsePayload{
		BatchID:        report.BatchID,
		FilesProcessed: report.FilesProcessed,
		FilesAccepted:  report.FilesAccepted,
		SeriesTouched:  nonNil(report.SeriesTouched),
		Skipped:        nonNil(report.Skipped),
		Failed:         nonNil(report.Failed),
		Message:        report.Message(),
	})
}

func (h *httpHandler) handleListSeries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"series": sessionOf(c).Library(c.Query("q"))})
}

func (h *httpHandler) handleOpenSeries(c *gin.Context) {
	userSession := sessionOf(c)
	chapters, err := userSession.OpenSeries(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.respondError(c, "open_series", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"view": userSession.View(), "chapters": chapters})
}

func (h *httpHandler) handleListChapters(c *gin.Context) {
	userSession := sessionOf(c)
	if !h.seriesIsOpen(c, userSession) {
		return
	}
	chapters, err := userSession.Chapters(c.Query("q"))
	if err != nil {
		h.respondError(c, "list_chapters", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"view": userSession.View(), "chapters": chapters})
}

func (h *httpHandler) handleUpdateSeries(c *gin.Context) {
	var update comics.SeriesUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userSession := sessionOf(c)
	if err := userSession.UpdateSeries(c.Request.Context(), c.Param("slug"), update); err != nil {
		h.respondError(c, "update_series", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"series": userSession.Library("")})
}

func (h *httpHandler) handleDeleteSeries(c *gin.Context) {
	userSession := sessionOf(c)
	if err := userSession.DeleteSeries(c.Request.Context(), c.Param("slug")); err != nil {
		h.respondError(c, "delete_series", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"view": userSession.View(), "series": userSession.Library("")})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	h.markChapter(c, true)
}

func (h *httpHandler) handleMarkUnread(c *gin.Context) {
	h.markChapter(c, false)
}

func (h *httpHandler) markChapter(c *gin.Context, read bool) {
	userSession := sessionOf(c)
	if !h.seriesIsOpen(c, userSession) {
		return
	}
	mark := userSession.MarkUnread
	operation := "mark_unread"
	if read {
		mark = userSession.MarkRead
		operation = "mark_read"
	}
	progress, err := mark(c.Request.Context(), c.Param("chapterId"))
	if err != nil {
		h.respondError(c, operation, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress": progress})
}

type readerOpenPayload struct {
	ChapterID string `json:"chapterId"`
}

type readerTapPayload struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type readerKeyPayload struct {
	Key string `json:"key"`
}

type readerResponsePayload struct {
	View   session.View `json:"view"`
	Reader reader.State `json:"reader"`
}

func (h *httpHandler) handleReaderState(c *gin.Context) {
	userSession := sessionOf(c)
	state, err := userSession.Reader()
	h.respondReader(c, userSession, "reader_state", state, err)
}

func (h *httpHandler) handleReaderOpen(c *gin.Context) {
	var request readerOpenPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ChapterID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userSession := sessionOf(c)
	state, err := userSession.OpenChapter(c.Request.Context(), request.ChapterID)
	h.respondReader(c, userSession, "open_chapter", state, err)
}

func (h *httpHandler) handleReaderNext(c *gin.Context) {
	userSession := sessionOf(c)
	state, err := userSession.Next(c.Request.Context())
	h.respondReader(c, userSession, "next_page", state, err)
}

func (h *httpHandler) handleReaderPrev(c *gin.Context) {
	userSession := sessionOf(c)
	state, err := userSession.Prev(c.Request.Context())
	h.respondReader(c, userSession, "prev_page", state, err)
}

func (h *httpHandler) handleReaderTap(c *gin.Context) {
	var request readerTapPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userSession := sessionOf(c)
	state, err := userSession.Tap(c.Request.Context(), request.X, request.Y, request.Width, request.Height)
	h.respondReader(c, userSession, "tap", state, err)
}

func (h *httpHandler) handleReaderKey(c *gin.Context) {
	var request readerKeyPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userSession := sessionOf(c)
	_, state, err := userSession.Key(c.Request.Context(), request.Key)
	h.respondReader(c, userSession, "key", state, err)
}

func (h *httpHandler) handleReaderViewport(c *gin.Context) {
	var viewport reader.Viewport
	if err := c.ShouldBindJSON(&viewport); err != nil || viewport.Width < 0 || viewport.Height < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userSession := sessionOf(c)
	state := userSession.SetViewport(viewport)
	h.respondReader(c, userSession, "viewport", state, nil)
}

func (h *httpHandler) handleReaderBack(c *gin.Context) {
	view, err := sessionOf(c).Back()
	if err != nil {
		h.respondError(c, "back", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"view": view})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, message.payload())
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp": h.clock().UnixMilli()})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	profile, err := h.identity.CurrentUser(c.Request.Context(), claims.UserID)
	switch {
	case errors.Is(err, identity.ErrNotSignedIn):
		h.logger.Info("session token for unknown user", zap.String("user_id", claims.UserID))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	case err != nil:
		h.logger.Error("identity lookup failed", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session_unavailable"})
		return
	case profile.SessionVersion != claims.SessionVersion:
		h.logger.Info("revoked session token",
			zap.String("user_id", claims.UserID),
			zap.Int64("token_version", claims.SessionVersion),
			zap.Int64("current_version", profile.SessionVersion))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userSession, err := h.manager.Ensure(c.Request.Context(), profile)
	if err != nil {
		h.logger.Error("session unavailable", zap.String("user_id", profile.ID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session_unavailable"})
		return
	}
	c.Set(userIDContextKey, profile.ID)
	c.Set(sessionContextKey, userSession)
	c.Next()
}

func (h *httpHandler) seriesIsOpen(c *gin.Context, userSession *session.Session) bool {
	view := userSession.View()
	if view.Kind == session.KindLibrary || view.SeriesSlug != c.Param("slug") {
		c.JSON(http.StatusConflict, gin.H{"error": "series_not_open", "view": view})
		return false
	}
	return true
}

func (h *httpHandler) respondReader(c *gin.Context, userSession *session.Session, operation string, state reader.State, err error) {
	if err != nil {
		h.respondError(c, operation, err)
		return
	}
	c.JSON(http.StatusOK, readerResponsePayload{View: userSession.View(), Reader: state})
}

// respondError maps session, reader and repository errors onto HTTP responses.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, session.ErrIllegalTransition),
		errors.Is(err, session.ErrNotReading),
		errors.Is(err, session.ErrNoSeriesOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "illegal_transition", "message": err.Error()})
		return
	case errors.Is(err, session.ErrUnknownSeries), errors.Is(err, reader.ErrUnknownChapter):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	code := comics.ErrorCode(err)
	status := http.StatusInternalServerError
	switch {
	case strings.HasSuffix(code, ".invalid_input"):
		status = http.StatusBadRequest
	case strings.HasSuffix(code, ".not_found"):
		status = http.StatusNotFound
	case strings.HasSuffix(code, ".not_authenticated"):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("code", code),
			zap.Error(err))
	}
	body := gin.H{"error": fmt.Sprintf("%s_failed", operation)}
	if code != "" {
		body["code"] = code
	}
	c.JSON(status, body)
}

func sessionOf(c *gin.Context) *session.Session {
	value, _ := c.Get(sessionContextKey)
	userSession, _ := value.(*session.Session)
	return userSession
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
