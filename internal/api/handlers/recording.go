package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dvr-worker-go/internal/logging"
)

type RecordingHandler struct {
	camera CameraController
}

func NewRecordingHandler(cam CameraController) *RecordingHandler {
	return &RecordingHandler{camera: cam}
}

func (h *RecordingHandler) Start(c *gin.Context) {
	path, err := h.camera.StartRecording()
	if err != nil {
		respondError(c, err, "Failed to start recording")
		return
	}
	logging.Info(c).Str("path", path).Msg("Recording started")
	c.JSON(http.StatusOK, gin.H{"success": true, "path": path, "recording": h.camera.RecordingStatus()})
}

// Stop returns the final, renamed file path.
func (h *RecordingHandler) Stop(c *gin.Context) {
	path, err := h.camera.StopRecording()
	if err != nil {
		respondError(c, err, "Failed to stop recording")
		return
	}
	logging.Info(c).Str("path", path).Msg("Recording stopped")
	c.JSON(http.StatusOK, gin.H{"success": true, "path": path})
}

func (h *RecordingHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "recording": h.camera.RecordingStatus()})
}
