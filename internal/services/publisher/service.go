package publisher

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"dvr-worker-go/internal/config"
	"dvr-worker-go/internal/helpers"
	"dvr-worker-go/internal/models"
)

var ErrNoFrame = errors.New("no frame captured yet")

// Service is the display consumer of the capture loop. It keeps the latest
// frame and encodes it to JPEG when someone asks for a snapshot.
type Service struct {
	device  string
	quality int
	logger  zerolog.Logger

	mu       sync.RWMutex
	latest   *models.Frame
	jpeg     []byte
	jpegSeq  int64
	frames   int64
	encodeFn func(rgb []byte, w, h, quality int) ([]byte, error)
}

func NewService(cfg *config.Config, logger zerolog.Logger) *Service {
	return &Service{
		device:   cfg.CameraDevice,
		quality:  cfg.PreviewJPEGQuality,
		logger:   logger,
		encodeFn: helpers.EncodeRGBToJPEG,
	}
}

// Publish stores a copy of frame. The capture loop reuses its buffer, so the
// frame must not be retained.
func (s *Service) Publish(frame *models.Frame) {
	if frame == nil || len(frame.Data) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++

	if s.latest != nil && len(s.latest.Data) == len(frame.Data) {
		data := s.latest.Data
		copy(data, frame.Data)
		*s.latest = *frame
		s.latest.Data = data
	} else {
		s.latest = frame.Clone()
	}
	s.latest.Sequence = s.frames
}

// Latest returns a copy of the most recent frame, or nil.
func (s *Service) Latest() *models.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest.Clone()
}

func (s *Service) FrameCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames
}

// Snapshot returns the latest frame as JPEG. Repeated calls between two
// frames reuse the same encoding.
func (s *Service) Snapshot() ([]byte, error) {
	s.mu.RLock()
	if s.latest == nil {
		s.mu.RUnlock()
		return nil, ErrNoFrame
	}
	if s.jpeg != nil && s.jpegSeq == s.latest.Sequence {
		out := s.jpeg
		s.mu.RUnlock()
		return out, nil
	}
	frame := s.latest.Clone()
	s.mu.RUnlock()

	out, err := s.encodeFn(frame.Data, frame.Width, frame.Height, s.quality)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	if s.latest != nil && s.latest.Sequence == frame.Sequence {
		s.jpeg = out
		s.jpegSeq = frame.Sequence
	}
	s.mu.Unlock()
	return out, nil
}

// Placeholder renders the no-signal card for this camera.
func (s *Service) Placeholder(message string) ([]byte, error) {
	return Placeholder(s.device, message)
}

// Reset forgets the last frame, e.g. when capture stops.
func (s *Service) Reset() {
	s.mu.Lock()
	s.latest = nil
	s.jpeg = nil
	s.jpegSeq = 0
	s.mu.Unlock()
	s.logger.Debug().Msg("Preview cleared")
}
