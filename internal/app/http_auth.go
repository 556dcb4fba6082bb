package app

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"roadwatch/api/internal/identity"
	"roadwatch/api/internal/store"
)

type registerRequest struct {
	Username string `json:"username" binding:"required,max=50"`
	Password string `json:"password" binding:"required,max=128"`
	Role     string `json:"role" binding:"omitempty,oneof=citizen contractor rso"`
	Zone     string `json:"zone" binding:"max=64"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type provisionRequest struct {
	Username        string `json:"username" binding:"required,max=50"`
	Password        string `json:"password" binding:"required,max=128"`
	Role            string `json:"role" binding:"required,oneof=citizen rso admin contractor compliance_officer"`
	Zone            string `json:"zone" binding:"max=64"`
	AdminPointsPool int    `json:"adminPointsPool" binding:"min=0"`
}

func (s *HTTPServer) handleRegister(c *gin.Context) {
	var req registerRequest
	if !s.bind(c, &req) {
		return
	}
	user, err := s.service.deps.Identity.Register(c.Request.Context(), identity.RegisterRequest{
		Username: req.Username,
		Password: req.Password,
		Role:     store.Role(req.Role),
		Zone:     req.Zone,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"user": user, "approvalRequired": !user.IsApproved})
}

func (s *HTTPServer) handleLogin(c *gin.Context) {
	var req loginRequest
	if !s.bind(c, &req) {
		return
	}
	token, session, err := s.service.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": session.ExpiresAt,
		"user":      session.User,
	})
}

func (s *HTTPServer) handleLogout(c *gin.Context) {
	if err := s.service.Logout(c.Request.Context(), currentSession(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *HTTPServer) handleMe(c *gin.Context) {
	session := currentSession(c)
	writeJSON(c, http.StatusOK, gin.H{"authenticated": true, "user": session.User})
}

func (s *HTTPServer) handlePendingRSOs(c *gin.Context) {
	users, err := s.service.deps.Identity.PendingRSOs(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(c, http.StatusOK, gin.H{"users": users})
}

func (s *HTTPServer) handleApproveRSO(c *gin.Context) {
	user, err := s.service.deps.Identity.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, user)
}

func (s *HTTPServer) handleProvision(c *gin.Context) {
	var req provisionRequest
	if !s.bind(c, &req) {
		return
	}
	user, err := s.service.deps.Identity.Provision(c.Request.Context(), identity.RegisterRequest{
		Username: req.Username,
		Password: req.Password,
		Role:     store.Role(req.Role),
		Zone:     req.Zone,
	}, req.AdminPointsPool)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, user)
}
