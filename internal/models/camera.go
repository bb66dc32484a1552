package models

import "time"

// CaptureStatus is the operational status of the capture loop.
type CaptureStatus string

const (
	CaptureStatusStopped  CaptureStatus = "stopped"
	CaptureStatusRunning  CaptureStatus = "running"
	CaptureStatusStopping CaptureStatus = "stopping"
	CaptureStatusFailed   CaptureStatus = "failed"
)

func (cs CaptureStatus) String() string {
	return string(cs)
}

// CameraStatus is the capture-side view reported to the shell.
type CameraStatus struct {
	Device        string         `json:"device"`
	Backend       string         `json:"backend"`
	Status        CaptureStatus  `json:"status"`
	Format        *CaptureFormat `json:"format,omitempty"`
	FPS           float64        `json:"fps"`
	FrameCount    int64          `json:"frame_count"`
	ErrorCount    int64          `json:"error_count"`
	LastFrameTime time.Time      `json:"last_frame_time"`
	LastError     string         `json:"last_error,omitempty"`
}
