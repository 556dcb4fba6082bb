package app

import (
	"io"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"roadwatch/api/internal/blob"
	"roadwatch/api/internal/lifecycle"
	"roadwatch/api/internal/search"
	"roadwatch/api/internal/store"
)

type uploadForm struct {
	Purpose string `form:"purpose" binding:"required,oneof=photos videos proofs"`
}

type searchParams struct {
	Text   string `form:"q" binding:"required,max=200"`
	Status string `form:"status" binding:"omitempty,oneof=pending in-progress verification-pending completed"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset int    `form:"offset" binding:"omitempty,min=0"`
}

func (s *HTTPServer) handleUpload(c *gin.Context) {
	var form uploadForm
	if err := c.ShouldBind(&form); err != nil {
		s.rejectBinding(c, err)
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "Missing file", map[string]any{"field": "file"})
		return
	}
	if header.Size > blob.MaxUploadBytes {
		s.fail(c, blob.ErrTooLarge)
		return
	}
	file, err := header.Open()
	if err != nil {
		s.fail(c, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, blob.MaxUploadBytes+1))
	if err != nil {
		s.fail(c, err)
		return
	}
	url, err := s.service.Upload(c.Request.Context(), data, "reports/"+form.Purpose, header.Filename)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"url": url})
}

func (s *HTTPServer) handleSearch(c *gin.Context) {
	var params searchParams
	if err := c.ShouldBindQuery(&params); err != nil {
		s.rejectBinding(c, err)
		return
	}
	resp := s.service.SearchReports(c.Request.Context(), currentSession(c), search.Query{
		Text:   params.Text,
		Status: params.Status,
		Limit:  params.Limit,
		Offset: params.Offset,
	})
	writeJSON(c, http.StatusOK, resp)
}

// handleContractors lists contractors by zone. Officers only see their own
// zone.
func (s *HTTPServer) handleContractors(c *gin.Context) {
	if s.service.deps.Contractors == nil {
		s.fail(c, errUnavailable)
		return
	}
	zone := c.Query("zone")
	if rso, ok := currentSession(c).Actor.(lifecycle.RSO); ok {
		zone = rso.Zone
	}
	contractors, err := s.service.deps.Contractors.ListContractors(c.Request.Context(), zone)
	if err != nil {
		s.fail(c, err)
		return
	}
	if contractors == nil {
		contractors = []store.Contractor{}
	}
	writeJSON(c, http.StatusOK, gin.H{"zone": zone, "contractors": contractors})
}

func (s *HTTPServer) handleZoneRHI(c *gin.Context) {
	zone := c.Param("zone")
	if !slices.Contains(s.service.deps.RHI.Zones(), zone) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Unknown zone", map[string]any{"zone": zone})
		return
	}
	report, err := s.service.deps.RHI.Zone(c.Request.Context(), zone)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, report)
}

// handleCityRHI reports fresh=false when the corpus was unreadable and the
// last snapshot was served.
func (s *HTTPServer) handleCityRHI(c *gin.Context) {
	city, fresh, err := s.service.deps.RHI.City(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"city": city, "fresh": fresh})
}

func (s *HTTPServer) handleSyncPending(c *gin.Context) {
	ids, err := s.service.deps.Sync.Pending(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	conflicts, err := s.service.deps.Sync.Conflicts(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	if conflicts == nil {
		conflicts = []string{}
	}
	writeJSON(c, http.StatusOK, gin.H{"pending": ids, "count": len(ids), "conflicts": conflicts})
}

// handleDiscardConflict drops a held offline edit and returns the remote
// copy for the caller to reload.
func (s *HTTPServer) handleDiscardConflict(c *gin.Context) {
	report, err := s.service.deps.Sync.Discard(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, report)
}

func (s *HTTPServer) handleSyncDrain(c *gin.Context) {
	result, err := s.service.deps.Sync.DrainQueue(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, result)
}
