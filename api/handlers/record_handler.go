package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/tg-media-indexer/internal/domain"
)

// RecordHandler serves read-only queries over the record store
type RecordHandler struct {
	repo domain.RecordRepository
}

// NewRecordHandler creates a new record handler
func NewRecordHandler(repo domain.RecordRepository) *RecordHandler {
	return &RecordHandler{repo: repo}
}

// GetStats handles GET /api/v1/records/stats
func (h *RecordHandler) GetStats(c *gin.Context) {
	stats, err := h.repo.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Search handles GET /api/v1/records/search with ?track_id= for an exact
// track id or ?q= for a file name substring
func (h *RecordHandler) Search(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		records []*domain.IndexRecord
		err     error
	)
	if trackID := c.Query("track_id"); trackID != "" {
		records, err = h.repo.FindByTrackID(ctx, trackID)
	} else if q := c.Query("q"); q != "" {
		records, err = h.repo.FindByFileName(ctx, q, queryLimit(c, 50, 500))
	} else {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter 'q' or 'track_id' is required"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(records),
		"records": records,
	})
}

// GetRecord handles GET /api/v1/records/:identifier
func (h *RecordHandler) GetRecord(c *gin.Context) {
	record, err := h.repo.FindByFileIdentifier(c.Request.Context(), c.Param("identifier"))
	if err != nil {
		writeError(c, err)
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	c.JSON(http.StatusOK, record)
}
