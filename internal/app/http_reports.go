package app

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"roadwatch/api/internal/lifecycle"
	"roadwatch/api/internal/reconcile"
	"roadwatch/api/internal/store"
)

// Action payloads only constrain shape. Required fields and ranges are
// checked by the lifecycle, after the caller's role and zone.

type submitReportRequest struct {
	ID            string             `json:"id" binding:"max=64"`
	ReportingMode string             `json:"reportingMode" binding:"max=32"`
	Location      store.Location     `json:"location"`
	PhotoURI      string             `json:"photoUri" binding:"max=2048"`
	VideoURI      string             `json:"videoUri" binding:"max=2048"`
	AIDetection   *store.AIDetection `json:"aiDetection"`
}

type assignRequest struct {
	ContractorID string `json:"contractorId" binding:"max=64"`
}

type proofRequest struct {
	RepairProofURI string   `json:"repairProofUri" binding:"max=2048"`
	MaterialsUsed  []string `json:"materialsUsed" binding:"max=50,dive,max=200"`
}

type rateRequest struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback" binding:"max=2000"`
}

type triageRequest struct {
	RootCause          string `json:"rootCause" binding:"max=200"`
	AssignedDepartment string `json:"assignedDepartment" binding:"max=200"`
	UtilityType        string `json:"utilityType" binding:"max=100"`
}

func (s *HTTPServer) handleSubmitReport(c *gin.Context) {
	var req submitReportRequest
	if !s.bind(c, &req) {
		return
	}
	report, err := s.service.SubmitReport(c.Request.Context(), currentSession(c), store.Report{
		ID:            req.ID,
		ReportingMode: req.ReportingMode,
		Location:      req.Location,
		PhotoURI:      req.PhotoURI,
		VideoURI:      req.VideoURI,
		AIDetection:   req.AIDetection,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, report)
}

func (s *HTTPServer) handleListReports(c *gin.Context) {
	reports, err := s.service.deps.Reports.List(c.Request.Context(), currentSession(c).Actor)
	if err != nil {
		s.fail(c, err)
		return
	}
	if reports == nil {
		reports = []store.Report{}
	}
	writeJSON(c, http.StatusOK, gin.H{"reports": reports})
}

func (s *HTTPServer) handleGetReport(c *gin.Context) {
	report, err := s.service.deps.Reports.Get(c.Request.Context(), currentSession(c).Actor, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, report)
}

func (s *HTTPServer) handleDeleteReport(c *gin.Context) {
	if err := s.service.deps.Reports.Delete(c.Request.Context(), currentSession(c).Actor, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *HTTPServer) handleAssign(c *gin.Context) {
	var req assignRequest
	if !s.bind(c, &req) {
		return
	}
	s.respond(c)(s.service.deps.Reports.Assign(c.Request.Context(), currentSession(c).Actor, c.Param("id"), req.ContractorID))
}

func (s *HTTPServer) handleSelfAssign(c *gin.Context) {
	s.respond(c)(s.service.deps.Reports.SelfAssign(c.Request.Context(), currentSession(c).Actor, c.Param("id")))
}

func (s *HTTPServer) handleSubmitProof(c *gin.Context) {
	var req proofRequest
	if !s.bind(c, &req) {
		return
	}
	s.respond(c)(s.service.deps.Reports.SubmitProof(c.Request.Context(), currentSession(c).Actor, c.Param("id"), req.RepairProofURI, req.MaterialsUsed))
}

func (s *HTTPServer) handleApprove(c *gin.Context) {
	s.respond(c)(s.service.deps.Reports.Approve(c.Request.Context(), currentSession(c).Actor, c.Param("id")))
}

func (s *HTTPServer) handleReject(c *gin.Context) {
	s.respond(c)(s.service.deps.Reports.Reject(c.Request.Context(), currentSession(c).Actor, c.Param("id")))
}

func (s *HTTPServer) handleCompleteDirect(c *gin.Context) {
	var req proofRequest
	if !s.bind(c, &req) {
		return
	}
	s.respond(c)(s.service.deps.Reports.CompleteDirect(c.Request.Context(), currentSession(c).Actor, c.Param("id"), req.RepairProofURI, req.MaterialsUsed))
}

func (s *HTTPServer) handleRate(c *gin.Context) {
	var req rateRequest
	if !s.bind(c, &req) {
		return
	}
	s.respond(c)(s.service.deps.Reports.Rate(c.Request.Context(), currentSession(c).Actor, c.Param("id"), req.Rating, req.Feedback))
}

func (s *HTTPServer) handleTriage(c *gin.Context) {
	var req triageRequest
	if !s.bind(c, &req) {
		return
	}
	s.respond(c)(s.service.deps.Reports.Triage(c.Request.Context(), currentSession(c).Actor, c.Param("id"), lifecycle.Triage{
		RootCause:          req.RootCause,
		AssignedDepartment: req.AssignedDepartment,
		UtilityType:        req.UtilityType,
	}))
}

func (s *HTTPServer) handleAwardReportPoints(c *gin.Context) {
	s.respond(c)(s.service.deps.Reports.AwardReportPoints(c.Request.Context(), currentSession(c).Actor, c.Param("id")))
}

func (s *HTTPServer) handleAwardRepairPoints(c *gin.Context) {
	s.respond(c)(s.service.deps.Reports.AwardRepairPoints(c.Request.Context(), currentSession(c).Actor, c.Param("id")))
}

// handleReportChanges streams changes to the caller's visible reports as
// server-sent events until the client goes away.
func (s *HTTPServer) handleReportChanges(c *gin.Context) {
	if s.service.deps.Changes == nil {
		s.fail(c, errUnavailable)
		return
	}
	session := currentSession(c)
	changes := make(chan reconcile.Change, 16)
	cancel := s.service.deps.Changes.OnReportChanged(lifecycle.Scope(session.Actor), func(ch reconcile.Change) {
		select {
		case changes <- ch:
		default:
			s.logger.Warn("change stream full, dropping event", zap.String("user_id", session.User.ID), zap.String("report_id", ch.Report.ID))
		}
	})
	defer cancel()

	keepAlive := time.NewTicker(25 * time.Second)
	defer keepAlive.Stop()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ch := <-changes:
			c.SSEvent("report", ch)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}

// respond writes the updated report or the mapped error.
func (s *HTTPServer) respond(c *gin.Context) func(store.Report, error) {
	return func(report store.Report, err error) {
		if err != nil {
			s.fail(c, err)
			return
		}
		writeJSON(c, http.StatusOK, report)
	}
}

// bind decodes an optional JSON body. An empty body binds the zero value.
func (s *HTTPServer) bind(c *gin.Context, target any) bool {
	err := c.ShouldBindJSON(target)
	if errors.Is(err, io.EOF) {
		err = binding.Validator.ValidateStruct(target)
	}
	if err == nil {
		return true
	}
	s.rejectBinding(c, err)
	return false
}

// rejectBinding answers 422 for failed validation rules and 400 for a body
// that could not be decoded at all.
func (s *HTTPServer) rejectBinding(c *gin.Context, err error) {
	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) {
		s.fail(c, err)
		return
	}
	writeError(c, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body", nil)
}
