package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dvr-worker-go/internal/logging"
	"dvr-worker-go/internal/models"
	"dvr-worker-go/internal/services/camera"
	"dvr-worker-go/internal/services/capture"
	"dvr-worker-go/internal/services/catalog"
)

// CameraController is the part of camera.Manager the handlers drive.
type CameraController interface {
	StartCapture() error
	StopCapture()
	CameraStatus() models.CameraStatus
	StartRecording() (string, error)
	StopRecording() (string, error)
	RecordingStatus() models.RecordingStatus
}

type SnapshotSource interface {
	Snapshot() ([]byte, error)
	Placeholder(message string) ([]byte, error)
}

type StorageController interface {
	Status() models.StorageStatus
	CheckSpace() bool
	CleanupOldestDay() bool
	SetMinFreeSpacePercent(p int)
	MinFreeSpacePercent() int
}

type RecordingCatalog interface {
	Days() ([]models.DateDirectory, error)
	Recordings(date string) ([]models.RecordingFile, error)
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, camera.ErrAlreadyRecording),
		errors.Is(err, camera.ErrNotRecording),
		errors.Is(err, camera.ErrCaptureNotRunning),
		errors.Is(err, camera.ErrCaptureStopping):
		return http.StatusConflict
	case errors.Is(err, camera.ErrInsufficientStorage):
		return http.StatusInsufficientStorage
	case errors.Is(err, capture.ErrDeviceUnavailable),
		errors.Is(err, capture.ErrUnsupportedCapability),
		errors.Is(err, capture.ErrFormatRejected):
		return http.StatusServiceUnavailable
	case errors.Is(err, catalog.ErrInvalidDate):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error, msg string) {
	status := statusFor(err)
	ev := logging.Warn(c)
	if status >= http.StatusInternalServerError {
		ev = logging.Error(c)
	}
	ev.Err(err).Str("path", c.Request.URL.Path).Msg(msg)
	c.JSON(status, ErrorResponse{Error: err.Error()})
}
