package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/rs/zerolog"

	"dvr-worker-go/internal/models"
	"dvr-worker-go/internal/services/storage"
)

var (
	ErrInvalidDate = errors.New("date must be yyyyMMdd")
	ErrNotFound    = errors.New("no recordings for date")
)

// DayLister lists the dated directories under the storage root.
type DayLister interface {
	StoragePath() string
	DateDirectories() ([]models.DateDirectory, error)
}

// Service describes the segments on disk for the shell's history view.
type Service struct {
	days   DayLister
	logger zerolog.Logger
}

func NewService(days DayLister, logger zerolog.Logger) *Service {
	return &Service{days: days, logger: logger}
}

// Days returns the dated directories, newest first.
func (s *Service) Days() ([]models.DateDirectory, error) {
	dirs, err := s.days.DateDirectories()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []models.DateDirectory{}, nil
		}
		return nil, err
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name > dirs[j].Name })
	return dirs, nil
}

// Recordings lists the segment files of one day ordered by name.
func (s *Service) Recordings(date string) ([]models.RecordingFile, error) {
	if !storage.IsDateKey(date) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}

	dir := filepath.Join(s.days.StoragePath(), date)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w %s", ErrNotFound, date)
		}
		return nil, err
	}

	files := make([]models.RecordingFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".mp4") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		rf := models.RecordingFile{
			Name:      entry.Name(),
			Path:      filepath.Join(dir, entry.Name()),
			Date:      date,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		}
		if d, n, err := Probe(rf.Path); err == nil {
			rf.Duration = d
			rf.Samples = n
			rf.Complete = true
		} else {
			s.logger.Debug().Err(err).Str("path", rf.Path).Msg("Segment not readable as a finished mp4")
		}
		files = append(files, rf)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Probe reads the movie header of a finished segment. Segments still being
// written have no moov box yet and fail here.
func Probe(path string) (time.Duration, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	mf, err := mp4.DecodeFile(f, mp4.WithDecodeMode(mp4.DecModeLazyMdat))
	if err != nil {
		return 0, 0, fmt.Errorf("decode: %w", err)
	}
	if mf.Moov == nil || mf.Moov.Mvhd == nil {
		return 0, 0, errors.New("no movie header")
	}

	var duration time.Duration
	if ts := mf.Moov.Mvhd.Timescale; ts > 0 {
		duration = time.Duration(float64(mf.Moov.Mvhd.Duration) / float64(ts) * float64(time.Second))
	}

	samples := 0
	for _, trak := range mf.Moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsz == nil {
			continue
		}
		samples += int(trak.Mdia.Minf.Stbl.Stsz.SampleNumber)
	}
	return duration, samples, nil
}
