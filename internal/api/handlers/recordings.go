package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type RecordingsHandler struct {
	catalog RecordingCatalog
}

func NewRecordingsHandler(catalog RecordingCatalog) *RecordingsHandler {
	return &RecordingsHandler{catalog: catalog}
}

func (h *RecordingsHandler) ListDays(c *gin.Context) {
	days, err := h.catalog.Days()
	if err != nil {
		respondError(c, err, "Failed to list recording days")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "days": days, "count": len(days)})
}

func (h *RecordingsHandler) ListDay(c *gin.Context) {
	date := c.Param("date")
	files, err := h.catalog.Recordings(date)
	if err != nil {
		respondError(c, err, "Failed to list recordings")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "date": date, "recordings": files, "count": len(files)})
}
