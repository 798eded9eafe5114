package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/tg-media-indexer/internal/app"
	"github.com/yourusername/tg-media-indexer/internal/domain"
	"github.com/yourusername/tg-media-indexer/pkg/logger"
)

// RunService is the run control surface, implemented by app.RunManager
type RunService interface {
	Start(ctx context.Context, req app.StartRequest) (*domain.Run, error)
	Cancel(id string) error
	Get(id string) (*domain.Run, error)
	List(limit int) ([]*domain.Run, error)
	Progress(id string) (domain.ProgressSnapshot, error)
	Subscribe(id string) (<-chan domain.ProgressSnapshot, func(), error)
	ActiveCount() int
}

// RunHandler handles indexing run requests
type RunHandler struct {
	runs      RunService
	logReader *logger.LogReader
	logger    *zap.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(runs RunService, logsDir string, log *zap.Logger) *RunHandler {
	return &RunHandler{
		runs:      runs,
		logReader: logger.NewLogReader(logsDir),
		logger:    log,
	}
}

// StartRun handles POST /api/v1/runs
func (h *RunHandler) StartRun(c *gin.Context) {
	var req app.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Total < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "total must not be negative"})
		return
	}

	run, err := h.runs.Start(c.Request.Context(), req)
	if err != nil {
		h.logger.Warn("Run rejected",
			zap.String("reference", req.Reference),
			zap.String("skip", req.Skip),
			zap.Error(err))
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, run)
}

// ListRuns handles GET /api/v1/runs
func (h *RunHandler) ListRuns(c *gin.Context) {
	limit := queryLimit(c, 50, 500)

	runs, err := h.runs.List(limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":   runs,
		"count":  len(runs),
		"active": h.runs.ActiveCount(),
	})
}

// GetRun handles GET /api/v1/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.runs.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetProgress handles GET /api/v1/runs/:id/progress
func (h *RunHandler) GetProgress(c *gin.Context) {
	snap, err := h.runs.Progress(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// CancelRun handles POST /api/v1/runs/:id/cancel. Cancellation is
// cooperative, so the run may still emit before it stops.
func (h *RunHandler) CancelRun(c *gin.Context) {
	id := c.Param("id")
	if err := h.runs.Cancel(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "cancel requested"})
}

// StreamEvents handles GET /api/v1/runs/:id/events as server-sent events.
// A finished run yields its final snapshot and an end event. The end event
// reports the stored run state since a slow stream may miss snapshots.
func (h *RunHandler) StreamEvents(c *gin.Context) {
	id := c.Param("id")

	ch, unsubscribe, err := h.runs.Subscribe(id)
	if err != nil && !errors.Is(err, domain.ErrRunNotActive) {
		writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	if err != nil {
		snap, perr := h.runs.Progress(id)
		if perr != nil {
			writeError(c, perr)
			return
		}
		c.SSEvent("progress", snap)
		c.SSEvent("end", gin.H{"state": snap.State})
		return
	}
	defer unsubscribe()

	// the current state goes out first so late subscribers are not blind
	// until the next emission
	if snap, perr := h.runs.Progress(id); perr == nil {
		c.SSEvent("progress", snap)
		c.Writer.Flush()
	}

	var last domain.ProgressSnapshot
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				state := last.State
				if run, gerr := h.runs.Get(id); gerr == nil {
					state = run.Status
				}
				c.SSEvent("end", gin.H{"state": state})
				c.Writer.Flush()
				return
			}
			last = snap
			c.SSEvent("progress", snap)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

// GetRunLog handles GET /api/v1/runs/:id/log, the run's event history from
// the run category log
func (h *RunHandler) GetRunLog(c *gin.Context) {
	run, err := h.runs.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	date := run.CreatedAt
	if d := c.Query("date"); d != "" {
		if date, err = time.Parse("2006-01-02", d); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date format, use YYYY-MM-DD"})
			return
		}
	}

	entries, err := h.logReader.ReadRunEvents(run.ID, date, queryLimit(c, 200, 1000))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":      run.ID,
		"date":    date.Format("2006-01-02"),
		"count":   len(entries),
		"entries": entries,
	})
}

// queryLimit reads ?limit=, falling back to def and capping at max
func queryLimit(c *gin.Context, def, max int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}
