package models

import "time"

// StorageThreshold is read by every space check.
type StorageThreshold struct {
	MinFreePercent int    `json:"min_free_percent"`
	StoragePath    string `json:"storage_path"`
}

// SpaceReport is the outcome of one free-space query.
type SpaceReport struct {
	Path           string    `json:"path"`
	AvailableBytes uint64    `json:"available_bytes"`
	TotalBytes     uint64    `json:"total_bytes"`
	FreePercent    float64   `json:"free_percent"`
	Sufficient     bool      `json:"sufficient"`
	Queryable      bool      `json:"queryable"`
	CheckedAt      time.Time `json:"checked_at"`
}

// AvailableMB and TotalMB mirror what the appliance shows on its storage label.
func (r SpaceReport) AvailableMB() float64 { return float64(r.AvailableBytes) / (1024 * 1024) }
func (r SpaceReport) TotalMB() float64     { return float64(r.TotalBytes) / (1024 * 1024) }

// StorageStatus combines the threshold with the last report.
type StorageStatus struct {
	Threshold   StorageThreshold `json:"threshold"`
	LastReport  *SpaceReport     `json:"last_report,omitempty"`
	AvailableMB float64          `json:"available_mb"`
	TotalMB     float64          `json:"total_mb"`
	AutoCheck   bool             `json:"auto_check"`
	Evictions   int64            `json:"evictions"`
}

// DateDirectory is a yyyyMMdd directory holding one day of segments.
type DateDirectory struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// RecordingFile is one segment on disk.
type RecordingFile struct {
	Name      string        `json:"name"`
	Path      string        `json:"path"`
	Date      string        `json:"date"`
	SizeBytes int64         `json:"size_bytes"`
	ModTime   time.Time     `json:"mod_time"`
	Duration  time.Duration `json:"duration"`
	Samples   int           `json:"samples"`
	Complete  bool          `json:"complete"`
}
