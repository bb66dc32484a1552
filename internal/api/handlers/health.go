package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dvr-worker-go/internal/models"
)

type HealthHandler struct {
	WorkerID  string
	Version   string
	camera    CameraController
	connected func() bool
}

// NewHealthHandler builds the liveness endpoint. connected reports the NATS
// link and may be nil when messaging is disabled.
func NewHealthHandler(workerID, version string, cam CameraController, connected func() bool) *HealthHandler {
	return &HealthHandler{WorkerID: workerID, Version: version, camera: cam, connected: connected}
}

type HealthResponse struct {
	Status    string               `json:"status" example:"healthy"`
	WorkerID  string               `json:"worker_id" example:"dvr-1"`
	Version   string               `json:"version" example:"1.0.0"`
	Capture   models.CaptureStatus `json:"capture"`
	Recording bool                 `json:"recording"`
	Messaging *bool                `json:"messaging_connected,omitempty"`
}

// HealthCheck answers 200 while the process serves requests. A failed
// capture device degrades the status but is not a liveness failure.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	cam := h.camera.CameraStatus()
	resp := HealthResponse{
		Status:    "healthy",
		WorkerID:  h.WorkerID,
		Version:   h.Version,
		Capture:   cam.Status,
		Recording: h.camera.RecordingStatus().Recording,
	}
	if cam.Status == models.CaptureStatusFailed {
		resp.Status = "degraded"
	}
	if h.connected != nil {
		ok := h.connected()
		resp.Messaging = &ok
	}
	c.JSON(http.StatusOK, resp)
}
