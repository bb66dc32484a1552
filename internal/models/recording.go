package models

import (
	"fmt"
	"time"
)

// RecordingSession describes the segment currently being written.
type RecordingSession struct {
	ID                  string    `json:"id"`
	StartedAt           time.Time `json:"started_at"`
	OutputDirectory     string    `json:"output_directory"`
	ActiveFilePath      string    `json:"active_file_path"`
	FrameCounter        int64     `json:"frame_counter"`
	TotalEncodedFrames  int64     `json:"total_encoded_frames"`
	TotalElapsedSeconds float64   `json:"total_elapsed_seconds"`
}

// SessionStats is reported once a segment has been finalized.
type SessionStats struct {
	SessionID      string        `json:"session_id"`
	Path           string        `json:"path"`
	EncodedFrames  int64         `json:"encoded_frames"`
	Packets        int64         `json:"packets"`
	Bytes          int64         `json:"bytes"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`
	AverageFPS     float64       `json:"average_fps"`
	Duration       time.Duration `json:"duration"`
	Failed         bool          `json:"failed"`
}

// RecordingStatus is what the control surface reports about recording.
type RecordingStatus struct {
	Recording  bool              `json:"recording"`
	Session    *RecordingSession `json:"session,omitempty"`
	Elapsed    string            `json:"elapsed"`
	LowStorage bool              `json:"low_storage"`
	LastFile   string            `json:"last_file,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
}

// FormatElapsed renders d as HH:MM:SS.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
