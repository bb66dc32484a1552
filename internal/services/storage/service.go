package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"dvr-worker-go/internal/config"
	"dvr-worker-go/internal/events"
	"dvr-worker-go/internal/models"
)

const source = "storage"

// ErrNoDatedDirectory is returned when the storage root holds nothing to evict.
var ErrNoDatedDirectory = errors.New("no dated recording directory")

// UsageFunc reports available and total bytes of the filesystem holding path.
type UsageFunc func(path string) (available, total uint64, err error)

// DiskUsage queries the filesystem through gopsutil. Free is the space
// available to unprivileged writers.
func DiskUsage(path string) (uint64, uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, 0, err
	}
	return u.Free, u.Total, nil
}

type Option func(*Service)

func WithUsageFunc(fn UsageFunc) Option {
	return func(s *Service) { s.usage = fn }
}

// Service watches free space on the recording volume and evicts whole dated
// directories, oldest first, when it runs low.
type Service struct {
	usage   UsageFunc
	emitter events.Emitter
	logger  zerolog.Logger

	mu           sync.Mutex
	threshold    models.StorageThreshold
	maxEvictions int
	lastReport   *models.SpaceReport
	evictions    int64
	activeDir    func() string

	autoMu sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg *config.Config, emitter events.Emitter, logger zerolog.Logger, opts ...Option) *Service {
	if emitter == nil {
		emitter = &events.Recorder{}
	}
	s := &Service{
		usage:   DiskUsage,
		emitter: emitter,
		logger:  logger,
		threshold: models.StorageThreshold{
			MinFreePercent: config.ClampPercent(cfg.MinFreeSpacePercent),
			StoragePath:    cfg.StoragePath,
		},
		maxEvictions: cfg.StorageMaxEvictionsPerRun,
	}
	if s.maxEvictions < 1 {
		s.maxEvictions = 1
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProtectDirectory registers a func naming the directory currently being
// recorded into. CleanupOldestDay refuses to remove it.
func (s *Service) ProtectDirectory(fn func() string) {
	s.mu.Lock()
	s.activeDir = fn
	s.mu.Unlock()
}

func (s *Service) SetMinFreeSpacePercent(p int) {
	p = config.ClampPercent(p)
	s.mu.Lock()
	s.threshold.MinFreePercent = p
	s.mu.Unlock()
	s.logger.Info().Int("min_free_percent", p).Msg("Storage threshold updated")
}

func (s *Service) MinFreeSpacePercent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold.MinFreePercent
}

func (s *Service) StoragePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold.StoragePath
}

// CheckSpace queries the volume and reports whether it has at least the
// configured percentage free. A low-storage event is emitted when it does not,
// including when the volume cannot be queried at all.
func (s *Service) CheckSpace() bool {
	s.mu.Lock()
	threshold := s.threshold
	s.mu.Unlock()

	report := models.SpaceReport{Path: threshold.StoragePath, CheckedAt: time.Now()}
	available, total, err := s.usage(threshold.StoragePath)
	switch {
	case err != nil:
		s.logger.Error().Err(err).Str("path", threshold.StoragePath).Msg("Failed to query storage space")
	case total == 0:
		s.logger.Error().Str("path", threshold.StoragePath).Msg("Storage reports zero capacity")
	default:
		report.Queryable = true
		report.AvailableBytes = available
		report.TotalBytes = total
		report.FreePercent = float64(available) / float64(total) * 100
		report.Sufficient = report.FreePercent >= float64(threshold.MinFreePercent)
	}

	s.mu.Lock()
	s.lastReport = &report
	s.mu.Unlock()

	if !report.Queryable || !report.Sufficient {
		if report.Queryable {
			s.logger.Warn().
				Float64("free_percent", report.FreePercent).
				Int("min_free_percent", threshold.MinFreePercent).
				Float64("available_mb", report.AvailableMB()).
				Msg("Storage space low")
		}
		s.emitter.Emit(source, events.KindLowStorage, events.LowStorage{
			AvailableBytes: report.AvailableBytes,
			TotalBytes:     report.TotalBytes,
			Percent:        report.FreePercent,
		})
		return false
	}

	s.logger.Debug().
		Float64("free_percent", report.FreePercent).
		Float64("available_mb", report.AvailableMB()).
		Float64("total_mb", report.TotalMB()).
		Msg("Storage space sufficient")
	return true
}

// CleanupOldestDay removes the earliest dated directory under the storage root.
func (s *Service) CleanupOldestDay() bool {
	root := s.StoragePath()

	dirs, err := s.DateDirectories()
	if err != nil {
		return s.cleanupFailed(fmt.Errorf("list %s: %w", root, err))
	}
	if len(dirs) == 0 {
		return s.cleanupFailed(ErrNoDatedDirectory)
	}
	oldest := dirs[0]

	s.mu.Lock()
	activeDir := s.activeDir
	s.mu.Unlock()
	if activeDir != nil {
		if active := activeDir(); active != "" && filepath.Clean(active) == filepath.Clean(oldest.Path) {
			return s.cleanupFailed(fmt.Errorf("oldest directory %s is being recorded into", oldest.Name))
		}
	}

	size, err := DirSize(oldest.Path)
	if err != nil {
		return s.cleanupFailed(fmt.Errorf("measure %s: %w", oldest.Name, err))
	}
	if err := os.RemoveAll(oldest.Path); err != nil {
		return s.cleanupFailed(fmt.Errorf("remove %s: %w", oldest.Name, err))
	}

	s.mu.Lock()
	s.evictions++
	s.mu.Unlock()

	s.logger.Info().
		Str("directory", oldest.Name).
		Int64("freed_bytes", size).
		Msg("Removed oldest recording directory")
	s.emitter.Emit(source, events.KindCleanupCompleted, events.CleanupCompleted{
		Name:       oldest.Name,
		Path:       oldest.Path,
		FreedBytes: size,
	})
	return true
}

func (s *Service) cleanupFailed(err error) bool {
	s.logger.Warn().Err(err).Msg("Storage cleanup failed")
	s.emitter.Emit(source, events.KindCleanupFailed, events.CleanupFailed{Reason: err.Error()})
	return false
}

// DateDirectories lists the yyyyMMdd directories of the storage root, oldest first.
func (s *Service) DateDirectories() ([]models.DateDirectory, error) {
	root := s.StoragePath()
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var dirs []models.DateDirectory
	for _, entry := range entries {
		if !entry.IsDir() || !IsDateKey(entry.Name()) {
			continue
		}
		dirs = append(dirs, models.DateDirectory{
			Name: entry.Name(),
			Path: filepath.Join(root, entry.Name()),
		})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	return dirs, nil
}

// IsDateKey reports whether name is exactly eight decimal digits.
func IsDateKey(name string) bool {
	if len(name) != 8 {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < '0' || name[i] > '9' {
			return false
		}
	}
	return true
}

// DirSize sums the sizes of every regular file below path.
func DirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}

// StartAutoCheck checks space now and then every interval. A tick that finds
// space short evicts at most the configured number of directories, re-checking
// after each one.
func (s *Service) StartAutoCheck(interval time.Duration) {
	if interval <= 0 {
		s.logger.Warn().Dur("interval", interval).Msg("Invalid storage check interval, auto check not started")
		return
	}
	s.StopAutoCheck()

	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	stopCh := make(chan struct{})
	s.stopCh = stopCh

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Msg("Storage auto check panic recovered")
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.runCheck()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				s.runCheck()
			}
		}
	}()

	s.logger.Info().Dur("interval", interval).Msg("Storage auto check started")
}

func (s *Service) StopAutoCheck() {
	s.autoMu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.autoMu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("Storage auto check stopped")
}

func (s *Service) AutoCheckRunning() bool {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	return s.stopCh != nil
}

func (s *Service) runCheck() {
	if s.CheckSpace() {
		return
	}
	s.mu.Lock()
	budget := s.maxEvictions
	s.mu.Unlock()

	for i := 0; i < budget; i++ {
		if !s.CleanupOldestDay() {
			return
		}
		if s.CheckSpace() {
			return
		}
	}
}

// Status returns the threshold and the outcome of the last check.
func (s *Service) Status() models.StorageStatus {
	s.mu.Lock()
	status := models.StorageStatus{
		Threshold: s.threshold,
		Evictions: s.evictions,
	}
	if s.lastReport != nil {
		r := *s.lastReport
		status.LastReport = &r
		status.AvailableMB = r.AvailableMB()
		status.TotalMB = r.TotalMB()
	}
	s.mu.Unlock()

	status.AutoCheck = s.AutoCheckRunning()
	return status
}
