package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dvr-worker-go/internal/logging"
)

type StorageHandler struct {
	storage StorageController
}

func NewStorageHandler(storage StorageController) *StorageHandler {
	return &StorageHandler{storage: storage}
}

type ThresholdRequest struct {
	MinFreePercent *int `json:"min_free_percent" binding:"required"`
}

func (h *StorageHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "storage": h.storage.Status()})
}

// Check runs a space check now. Insufficient space still answers 200; the
// caller reads "sufficient".
func (h *StorageHandler) Check(c *gin.Context) {
	ok := h.storage.CheckSpace()
	c.JSON(http.StatusOK, gin.H{"success": true, "sufficient": ok, "storage": h.storage.Status()})
}

// Cleanup evicts the oldest dated directory.
func (h *StorageHandler) Cleanup(c *gin.Context) {
	ok := h.storage.CleanupOldestDay()
	if ok {
		logging.Info(c).Msg("Oldest recordings removed")
	} else {
		logging.Warn(c).Msg("Nothing was removed")
	}
	c.JSON(http.StatusOK, gin.H{"success": ok, "storage": h.storage.Status()})
}

// SetThreshold stores a new minimum free percentage, clamped to [0,100].
func (h *StorageHandler) SetThreshold(c *gin.Context) {
	var req ThresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logging.Warn(c).Err(err).Msg("Invalid threshold request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	h.storage.SetMinFreeSpacePercent(*req.MinFreePercent)
	applied := h.storage.MinFreeSpacePercent()
	logging.Info(c).Int("requested", *req.MinFreePercent).Int("applied", applied).Msg("Storage threshold updated")
	c.JSON(http.StatusOK, gin.H{"success": true, "min_free_percent": applied})
}
