package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dvr-worker-go/internal/logging"
	"dvr-worker-go/internal/services/publisher"
)

type CameraHandler struct {
	camera  CameraController
	preview SnapshotSource
}

func NewCameraHandler(cam CameraController, preview SnapshotSource) *CameraHandler {
	return &CameraHandler{camera: cam, preview: preview}
}

func (h *CameraHandler) Start(c *gin.Context) {
	if err := h.camera.StartCapture(); err != nil {
		respondError(c, err, "Failed to start capture")
		return
	}
	logging.Info(c).Msg("Capture started")
	c.JSON(http.StatusOK, gin.H{"success": true, "camera": h.camera.CameraStatus()})
}

// Stop also ends any recording in progress.
func (h *CameraHandler) Stop(c *gin.Context) {
	h.camera.StopCapture()
	logging.Info(c).Msg("Capture stopped")
	c.JSON(http.StatusOK, gin.H{"success": true, "camera": h.camera.CameraStatus()})
}

func (h *CameraHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"camera":    h.camera.CameraStatus(),
		"recording": h.camera.RecordingStatus(),
		"timestamp": time.Now().Unix(),
	})
}

// Snapshot returns the latest preview frame as JPEG. Before the first frame
// arrives a placeholder card is served instead.
func (h *CameraHandler) Snapshot(c *gin.Context) {
	data, err := h.preview.Snapshot()
	if errors.Is(err, publisher.ErrNoFrame) {
		data, err = h.preview.Placeholder("NO SIGNAL")
		c.Header("X-Placeholder", "true")
	}
	if err != nil {
		respondError(c, err, "Failed to encode snapshot")
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", data)
}
