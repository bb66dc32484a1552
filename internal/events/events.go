package events

import "time"

// Kind identifies a notification.
type Kind string

const (
	KindLowStorage       Kind = "low-storage"
	KindCleanupCompleted Kind = "cleanup-completed"
	KindCleanupFailed    Kind = "cleanup-failed"
	KindRecordError      Kind = "record-error"
	KindRotationDue      Kind = "rotation-due"
	KindCaptureError     Kind = "capture-error"
	KindRecordingStarted Kind = "recording-started"
	KindRecordingStopped Kind = "recording-stopped"
	KindSegmentFinalized Kind = "segment-finalized"
)

// Event is a single notification. Payload holds one of the typed structs below.
type Event struct {
	Kind    Kind        `json:"kind"`
	Time    time.Time   `json:"time"`
	Source  string      `json:"source"`
	Payload interface{} `json:"payload"`
}

type LowStorage struct {
	AvailableBytes uint64  `json:"available_bytes"`
	TotalBytes     uint64  `json:"total_bytes"`
	Percent        float64 `json:"percent"`
}

type CleanupCompleted struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	FreedBytes int64  `json:"freed_bytes"`
}

type CleanupFailed struct {
	Reason string `json:"reason"`
}

type RecordError struct {
	Reason string `json:"reason"`
	Stage  string `json:"stage,omitempty"`
	Path   string `json:"path,omitempty"`
}

// RotationDue carries the path of the segment that should be closed.
type RotationDue struct {
	Path string `json:"path"`
}

type CaptureError struct {
	Device string `json:"device"`
	Reason string `json:"reason"`
	Fatal  bool   `json:"fatal"`
}

type RecordingStarted struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
}

type RecordingStopped struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Renamed   bool   `json:"renamed"`
}

type SegmentFinalized struct {
	SessionID      string  `json:"session_id"`
	Path           string  `json:"path"`
	EncodedFrames  int64   `json:"encoded_frames"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	AverageFPS     float64 `json:"average_fps"`
	Failed         bool    `json:"failed"`
}
