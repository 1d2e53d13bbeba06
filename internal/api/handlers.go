package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"golmm/app"
	"golmm/domain/core"
	apperrors "golmm/internal/errors"
	"golmm/ports"
)

// RunHandler serves the analysis-run endpoints
type RunHandler struct {
	service *app.AnalysisService
	options app.AnalysisOptions
}

// NewRunHandler creates a run handler. The options carry the configured
// preparation and modeling defaults; a request may override the contrast.
func NewRunHandler(service *app.AnalysisService, options app.AnalysisOptions) *RunHandler {
	return &RunHandler{service: service, options: options}
}

// CreateRunRequest is the JSON body for launching an analysis run
type CreateRunRequest struct {
	DatasetPath string               `json:"dataset_path"`
	Mapping     *ports.ColumnMapping `json:"mapping,omitempty"`
	Contrast    json.RawMessage      `json:"contrast,omitempty"`
}

// RunResponse is the wire form of one run record
type RunResponse struct {
	ID          string     `json:"id"`
	Fingerprint string     `json:"fingerprint"`
	DatasetHash string     `json:"dataset_hash"`
	Formula     string     `json:"formula,omitempty"`
	Status      string     `json:"status"`
	State       string     `json:"state"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func runResponseFrom(record ports.RunRecord) RunResponse {
	resp := RunResponse{
		ID:          record.ID.String(),
		Fingerprint: record.Fingerprint.String(),
		DatasetHash: record.DatasetHash.String(),
		Formula:     record.Formula,
		Status:      string(record.Status),
		State:       string(record.State),
		Error:       record.Error,
		StartedAt:   record.StartedAt.Time(),
	}
	if record.CompletedAt != nil {
		t := record.CompletedAt.Time()
		resp.CompletedAt = &t
	}
	return resp
}

// CreateRun ingests and validates the dataset, then schedules the fit in the
// background. Bad input fails here; fit trouble surfaces through the run
// record and its events.
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.DatasetPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dataset_path is required"})
		return
	}

	opts := h.options
	if len(req.Contrast) > 0 {
		opts.ContrastJSON = string(req.Contrast)
	}

	analysisReq := app.AnalysisRequest{
		DatasetPath: req.DatasetPath,
		Options:     opts,
	}
	if req.Mapping != nil {
		analysisReq.Mapping = *req.Mapping
	}

	runID, err := h.service.Launch(c.Request.Context(), analysisReq)
	if err != nil {
		log.Printf("[API] launch rejected for %s: %v", req.DatasetPath, err)
		respondError(c, err)
		return
	}

	log.Printf("[API] run %s scheduled for %s", runID, req.DatasetPath)
	c.JSON(http.StatusAccepted, gin.H{
		"run_id": runID.String(),
		"status": "accepted",
	})
}

// ListRuns returns run records newest first
func (h *RunHandler) ListRuns(c *gin.Context) {
	filters := ports.RunFilters{
		Limit:  parsePositiveInt(c.DefaultQuery("limit", "50"), 50, 200),
		Offset: parsePositiveInt(c.DefaultQuery("offset", "0"), 0, 1<<30),
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := ports.RunStatus(statusStr)
		switch status {
		case ports.RunPending, ports.RunRunning, ports.RunCompleted, ports.RunFailed:
			filters.Status = &status
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(statusStr)})
			return
		}
	}

	records, err := h.service.ListRuns(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}

	runs := make([]RunResponse, 0, len(records))
	for _, record := range records {
		runs = append(runs, runResponseFrom(record))
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun returns one run record
func (h *RunHandler) GetRun(c *gin.Context) {
	record, err := h.service.GetRun(c.Request.Context(), core.RunID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, runResponseFrom(*record))
}

// GetReport returns the report attached to a run, as JSON or rendered
// markdown when ?format=markdown is given.
func (h *RunHandler) GetReport(c *gin.Context) {
	rep, err := h.service.GetReport(c.Request.Context(), core.RunID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}

	if c.Query("format") == "markdown" {
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(rep.Markdown()))
		return
	}
	c.JSON(http.StatusOK, rep)
}

// ListReports returns stored reports newest first
func (h *RunHandler) ListReports(c *gin.Context) {
	limit := parsePositiveInt(c.DefaultQuery("limit", "20"), 20, 100)
	offset := parsePositiveInt(c.DefaultQuery("offset", "0"), 0, 1<<30)

	reports, err := h.service.ListReports(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"count":   len(reports),
	})
}

// respondError maps service errors onto HTTP statuses
func respondError(c *gin.Context, err error) {
	status := statusForError(err)
	body := gin.H{"error": err.Error()}
	if code := apperrors.GetCode(err); code != "UNKNOWN" {
		body["code"] = code
	}
	if status >= http.StatusInternalServerError {
		log.Printf("[API] %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, body)
}

func statusForError(err error) int {
	if errors.Is(err, core.ErrRunNotFound) || errors.Is(err, core.ErrReportNotFound) {
		return http.StatusNotFound
	}
	switch apperrors.GetCode(err) {
	case apperrors.CodeInvalidInput, apperrors.CodeDataInvalid, apperrors.CodeConfigInvalid:
		return http.StatusBadRequest
	case apperrors.CodeValidationError:
		return http.StatusUnprocessableEntity
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// parsePositiveInt parses a query value, falling back on garbage and
// clamping to the given ceiling.
func parsePositiveInt(raw string, fallback, ceiling int) int {
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	if value > ceiling {
		return ceiling
	}
	return value
}
