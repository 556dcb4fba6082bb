package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"roadwatch/api/internal/auth"
	"roadwatch/api/internal/rbac"
)

const (
	sessionKey   = "session"
	requestIDKey = "request_id"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
	engine     *gin.Engine
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
	s.engine = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

func (s *HTTPServer) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestContext())
	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	api := r.Group("/api")
	api.GET("/health", func(c *gin.Context) { writeJSON(c, http.StatusOK, gin.H{"ok": true}) })
	api.HEAD("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	api.GET("/ready", s.handleReady)

	api.POST("/auth/register", s.handleRegister)
	api.POST("/auth/login", s.handleLogin)

	authed := api.Group("", s.requireSession())
	authed.POST("/auth/logout", s.handleLogout)
	authed.GET("/auth/me", s.handleMe)

	authed.POST("/media", s.allow(rbac.ActionUploadMedia), s.handleUpload)

	authed.POST("/reports", s.handleSubmitReport)
	authed.GET("/reports", s.handleListReports)
	authed.GET("/reports/changes", s.handleReportChanges)
	authed.GET("/reports/:id", s.handleGetReport)
	authed.DELETE("/reports/:id", s.handleDeleteReport)
	authed.POST("/reports/:id/assign", s.handleAssign)
	authed.POST("/reports/:id/self-assign", s.handleSelfAssign)
	authed.POST("/reports/:id/proof", s.handleSubmitProof)
	authed.POST("/reports/:id/approve", s.handleApprove)
	authed.POST("/reports/:id/reject", s.handleReject)
	authed.POST("/reports/:id/complete", s.handleCompleteDirect)
	authed.POST("/reports/:id/rating", s.handleRate)
	authed.PATCH("/reports/:id/triage", s.handleTriage)
	authed.POST("/reports/:id/points/report", s.allow(rbac.ActionAwardPoints), s.handleAwardReportPoints)
	authed.POST("/reports/:id/points/repair", s.allow(rbac.ActionAwardPoints), s.handleAwardRepairPoints)

	authed.GET("/search", s.allow(rbac.ActionSearchReports), s.handleSearch)
	authed.GET("/contractors", s.allow(rbac.ActionListContractors), s.handleContractors)

	authed.GET("/users/pending-rsos", s.allow(rbac.ActionApproveRSO), s.handlePendingRSOs)
	authed.POST("/users/:id/approve", s.allow(rbac.ActionApproveRSO), s.handleApproveRSO)
	authed.POST("/users", s.allow(rbac.ActionProvisionStaff), s.handleProvision)

	authed.GET("/rhi", s.allow(rbac.ActionViewCityRHI), s.handleCityRHI)
	authed.GET("/rhi/:zone", s.allow(rbac.ActionViewZoneRHI), s.handleZoneRHI)

	authed.GET("/sync/pending", s.allow(rbac.ActionRunSync), s.handleSyncPending)
	authed.POST("/sync/drain", s.allow(rbac.ActionRunSync), s.handleSyncDrain)
	authed.DELETE("/sync/conflicts/:id", s.allow(rbac.ActionRunSync), s.handleDiscardConflict)
	return r
}

// requestContext tags the request with an id, sets CORS headers, answers
// preflight requests and logs one line per request.
func (s *HTTPServer) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		c.Set(requestIDKey, requestID)

		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", s.corsOrigin)
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		header.Set("Cache-Control", "no-store")
		header.Set("X-Request-ID", requestID)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		started := time.Now()
		c.Next()

		s.logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	}
}

func (s *HTTPServer) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			abortError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				abortError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			s.logger.Warn("session lookup failed", zap.String("request_id", c.GetString(requestIDKey)), zap.Error(err))
			status, code, message, details := mapError(err)
			abortError(c, status, code, message, details)
			return
		}
		c.Set(sessionKey, session)
		c.Next()
	}
}

// allow gates a route on a role capability.
func (s *HTTPServer) allow(action rbac.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := currentSession(c)
		if !rbac.Can(session.User.Role, action) {
			abortError(c, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		c.Next()
	}
}

func (s *HTTPServer) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]any{}
	for name := range s.service.deps.Checks {
		checks[name] = gin.H{"status": "ok"}
	}
	failed := s.service.Ready(ctx)
	for name, err := range failed {
		checks[name] = gin.H{"status": "error", "error": err.Error()}
	}

	status, code := "ready", http.StatusOK
	if len(failed) > 0 {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(c, code, gin.H{"ok": len(failed) == 0, "status": status, "checks": checks})
}

func currentSession(c *gin.Context) Session {
	value, _ := c.Get(sessionKey)
	session, _ := value.(Session)
	return session
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(c *gin.Context, status int, payload any) {
	c.JSON(status, payload)
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	response := gin.H{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(c, status, response)
}

func abortError(c *gin.Context, status int, code, message string, details any) {
	writeError(c, status, code, message, details)
	c.Abort()
}

// fail writes the mapped error and logs server-side failures.
func (s *HTTPServer) fail(c *gin.Context, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
	writeError(c, status, code, message, details)
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
