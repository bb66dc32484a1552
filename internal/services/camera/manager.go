package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"dvr-worker-go/internal/config"
	"dvr-worker-go/internal/events"
	"dvr-worker-go/internal/logging"
	"dvr-worker-go/internal/models"
	"dvr-worker-go/internal/services/capture"
	"dvr-worker-go/internal/services/recorder"
	"dvr-worker-go/internal/services/storage"
)

const source = "camera"

// maxNameSuffix bounds the record_HHmmss_N.mp4 search.
const maxNameSuffix = 99

var (
	ErrAlreadyRecording    = errors.New("already recording")
	ErrNotRecording        = errors.New("not recording")
	ErrCaptureNotRunning   = errors.New("capture is not running")
	ErrInsufficientStorage = errors.New("insufficient storage space")
	ErrRecordingFailed     = errors.New("recording could not be started")
	ErrCaptureStopping     = errors.New("capture is stopping")
)

// FrameSink receives every captured frame for display. It must copy what it keeps.
type FrameSink interface {
	Publish(frame *models.Frame)
}

// FrameMetrics is the part of the metrics collector the capture loop feeds.
type FrameMetrics interface {
	FrameCaptured(fps float64)
	CaptureError(fatal bool)
	FrameEnqueued(accepted bool, depth int)
}

type Deps struct {
	Config    *config.Config
	NewSource func() capture.Source
	Recorder  *recorder.Engine
	Storage   *storage.Service
	Sink      FrameSink
	Bus       *events.Bus
	Metrics   FrameMetrics
	Logger    zerolog.Logger
	// Clock names recordings; defaults to time.Now.
	Clock func() time.Time
}

// Manager owns the capture loop and drives the recorder and storage services:
// it names segment files, renames them when they close, reacts to rotation
// requests, and refuses to record onto a full volume.
type Manager struct {
	cfg       *config.Config
	newSource func() capture.Source
	recorder  *recorder.Engine
	storage   *storage.Service
	sink      FrameSink
	bus       *events.Bus
	metrics   FrameMetrics
	logger    zerolog.Logger
	now       func() time.Time
	unsub     []func()

	mu            sync.Mutex
	status        models.CaptureStatus
	format        *models.CaptureFormat
	cancel        context.CancelFunc
	loopDone      chan struct{}
	fps           float64
	frameCount    int64
	errorCount    int64
	lastFrameTime time.Time
	lastError     string

	// recMu serializes start, stop and rotation.
	recMu      sync.Mutex
	recPath    string
	recDir     string
	recStart   time.Time
	recSession string
	lastFile   string
	lowStorage bool
}

func NewManager(d Deps) *Manager {
	m := &Manager{
		cfg:       d.Config,
		newSource: d.NewSource,
		recorder:  d.Recorder,
		storage:   d.Storage,
		sink:      d.Sink,
		bus:       d.Bus,
		metrics:   d.Metrics,
		logger:    logging.WithDevice(d.Logger, d.Config.CameraDevice),
		now:       d.Clock,
		status:    models.CaptureStatusStopped,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.bus == nil {
		m.bus = events.NewBus()
	}

	m.storage.ProtectDirectory(m.activeDirectory)
	m.unsub = append(m.unsub,
		m.bus.Subscribe(m.handleRecorderEvent, events.KindRotationDue, events.KindRecordError),
		m.bus.Subscribe(m.handleStorageEvent, events.KindLowStorage, events.KindCleanupCompleted),
	)
	return m
}

// NewSourceFactory picks the capture backend named in the config.
func NewSourceFactory(cfg *config.Config, logger zerolog.Logger) func() capture.Source {
	opts := capture.Options{
		Width:         cfg.CaptureWidth,
		Height:        cfg.CaptureHeight,
		FrameRate:     cfg.CaptureFPS,
		PixelEncoding: models.PixelEncoding(cfg.CapturePixelFormat),
		BufferCount:   cfg.CaptureBufferCount,
		PollTimeout:   time.Second,
	}
	return func() capture.Source {
		if cfg.CaptureBackend == "opencv" {
			return capture.NewOpenCVSource(opts, logger)
		}
		return capture.NewDevice(opts, logger)
	}
}

// StartCapture opens the camera and starts the capture loop. Calling it while
// capture is running is a no-op.
func (m *Manager) StartCapture() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case models.CaptureStatusRunning:
		return nil
	case models.CaptureStatusStopping:
		return ErrCaptureStopping
	}

	src := m.newSource()
	format, err := src.Open(m.cfg.CameraDevice)
	if err != nil {
		src.Close()
		return m.captureFailedLocked(err)
	}
	if err := src.StartStreaming(); err != nil {
		src.Close()
		return m.captureFailedLocked(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.loopDone = make(chan struct{})
	m.format = &format
	m.status = models.CaptureStatusRunning
	m.fps = 0
	m.lastFrameTime = time.Time{}
	m.lastError = ""

	go m.captureLoop(ctx, src, format, m.loopDone)

	m.logger.Info().
		Int("width", format.Width).
		Int("height", format.Height).
		Str("pixel_encoding", format.PixelEncoding.String()).
		Int("buffers", format.Buffers).
		Msg("Capture started")
	return nil
}

func (m *Manager) captureFailedLocked(err error) error {
	m.status = models.CaptureStatusFailed
	m.lastError = err.Error()
	m.errorCount++
	m.logger.Error().Err(err).Msg("Failed to start capture")
	go m.bus.Emit(source, events.KindCaptureError, events.CaptureError{
		Device: m.cfg.CameraDevice,
		Reason: err.Error(),
		Fatal:  true,
	})
	return err
}

// StopCapture stops recording, ends the capture loop and releases the device.
func (m *Manager) StopCapture() {
	if _, err := m.StopRecording(); err != nil && !errors.Is(err, ErrNotRecording) {
		m.logger.Warn().Err(err).Msg("Stopping recording with capture")
	}

	m.mu.Lock()
	cancel, done := m.cancel, m.loopDone
	if cancel == nil {
		m.mu.Unlock()
		return
	}
	m.status = models.CaptureStatusStopping
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info().Msg("Capture stopped")
}

func (m *Manager) captureLoop(ctx context.Context, src capture.Source, format models.CaptureFormat, done chan struct{}) {
	failed := false
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("Capture loop panic recovered")
			failed = true
		}
		src.StopStreaming()
		src.Close()

		m.mu.Lock()
		if failed {
			m.status = models.CaptureStatusFailed
		} else {
			m.status = models.CaptureStatusStopped
		}
		m.cancel = nil
		m.mu.Unlock()
		close(done)
	}()

	fps := format.TargetFrameRate
	if fps <= 0 {
		fps = m.cfg.CaptureFPS
	}
	limiter := rate.NewLimiter(rate.Limit(fps), 1)
	buf := make([]byte, format.FrameSize())

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		w, h, err := src.CaptureFrame(buf)
		if err != nil {
			if !capture.IsFatal(err) {
				if m.metrics != nil {
					m.metrics.CaptureError(false)
				}
				continue
			}
			failed = true
			m.onFatalCapture(err)
			return
		}

		frame := &models.Frame{
			Data:       buf[:w*h*3],
			Width:      w,
			Height:     h,
			Stride:     w * 3,
			Encoding:   models.PixelRGB24,
			CapturedAt: time.Now(),
		}
		m.frameCaptured(frame.CapturedAt)

		if m.sink != nil {
			m.sink.Publish(frame)
		}
		if m.recorder.IsRecording() {
			accepted := m.recorder.EnqueueFrame(frame.Data, w, h)
			if m.metrics != nil {
				m.metrics.FrameEnqueued(accepted, m.recorder.QueueLen())
			}
		}
	}
}

// frameCaptured updates the smoothed frame rate: fps = 0.8*fps + 0.2*instant.
func (m *Manager) frameCaptured(at time.Time) {
	m.mu.Lock()
	if !m.lastFrameTime.IsZero() {
		if elapsed := at.Sub(m.lastFrameTime).Seconds(); elapsed > 0 {
			instant := 1 / elapsed
			if m.fps == 0 {
				m.fps = instant
			} else {
				m.fps = 0.8*m.fps + 0.2*instant
			}
		}
	}
	m.lastFrameTime = at
	m.frameCount++
	fps := m.fps
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.FrameCaptured(fps)
	}
}

func (m *Manager) onFatalCapture(err error) {
	m.mu.Lock()
	m.lastError = err.Error()
	m.errorCount++
	m.mu.Unlock()

	m.logger.Error().Err(err).Msg("Capture device failed, closing")
	m.bus.Emit(source, events.KindCaptureError, events.CaptureError{
		Device: m.cfg.CameraDevice,
		Reason: err.Error(),
		Fatal:  true,
	})

	go func() {
		if _, err := m.StopRecording(); err != nil && !errors.Is(err, ErrNotRecording) {
			m.logger.Warn().Err(err).Msg("Stopping recording after capture failure")
		}
	}()
}

// StartRecording opens a new segment under today's dated directory.
func (m *Manager) StartRecording() (string, error) {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	return m.startRecordingLocked()
}

func (m *Manager) startRecordingLocked() (string, error) {
	m.mu.Lock()
	running := m.status == models.CaptureStatusRunning
	var format models.CaptureFormat
	if m.format != nil {
		format = *m.format
	}
	m.mu.Unlock()

	if !running {
		return "", ErrCaptureNotRunning
	}
	if m.recorder.IsRecording() {
		return "", ErrAlreadyRecording
	}

	if !m.storage.CheckSpace() {
		m.logger.Warn().Msg("Storage low before recording, evicting oldest day")
		m.storage.CleanupOldestDay()
		if !m.storage.CheckSpace() {
			return "", ErrInsufficientStorage
		}
	}

	start := m.now()
	dir := filepath.Join(m.storage.StoragePath(), start.Format("20060102"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	path, err := provisionalPath(dir, start)
	if err != nil {
		return "", err
	}

	// The directory is protected from eviction before the file exists.
	m.mu.Lock()
	m.recDir = dir
	m.mu.Unlock()

	if !m.recorder.Start(path, format.Width, format.Height) {
		m.mu.Lock()
		m.recDir = ""
		m.mu.Unlock()
		reason := m.recorder.LastError()
		if reason == "" {
			return "", ErrRecordingFailed
		}
		return "", fmt.Errorf("%w: %s", ErrRecordingFailed, reason)
	}

	sessionID := ""
	if s := m.recorder.Session(); s != nil {
		sessionID = s.ID
	}
	m.mu.Lock()
	m.recPath = path
	m.recStart = start
	m.recSession = sessionID
	m.mu.Unlock()

	m.logger.Info().Str("path", path).Str("session_id", sessionID).Msg("Recording started")
	return path, nil
}

// StopRecording closes the active segment and renames it to its start-end
// span. It returns the final path.
func (m *Manager) StopRecording() (string, error) {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	return m.stopRecordingLocked()
}

func (m *Manager) stopRecordingLocked() (string, error) {
	m.mu.Lock()
	path, start, sessionID := m.recPath, m.recStart, m.recSession
	m.mu.Unlock()

	if path == "" {
		return "", ErrNotRecording
	}

	// The rename runs inside the recorder's stop so the segment is finalized,
	// and reported, under its final name.
	renamed := false
	final := m.recorder.StopAs(func(current string) string {
		var target string
		target, renamed = renameSegment(current, start, m.now(), m.logger)
		return target
	})
	if final == "" {
		// The recorder already ended the segment after an encoder failure;
		// it keeps its provisional name.
		final = path
	}

	m.mu.Lock()
	m.recPath = ""
	m.recDir = ""
	m.recSession = ""
	m.recStart = time.Time{}
	m.lastFile = final
	m.mu.Unlock()

	m.logger.Info().Str("path", final).Bool("renamed", renamed).Msg("Recording stopped")
	m.bus.Emit(source, events.KindRecordingStopped, events.RecordingStopped{
		SessionID: sessionID,
		Path:      final,
		Renamed:   renamed,
	})
	return final, nil
}

// provisionalPath names a new segment record_HHmmss.mp4. If that file is
// still on disk, for instance a segment started in the same second whose
// rename was skipped, a numeric suffix keeps the new one from truncating it.
func provisionalPath(dir string, start time.Time) (string, error) {
	base := "record_" + start.Format("150405")
	path := filepath.Join(dir, base+".mp4")
	for i := 1; ; i++ {
		_, err := os.Lstat(path)
		if errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("check %s: %w", path, err)
		}
		if i > maxNameSuffix {
			return "", fmt.Errorf("%w: no free name for %s", ErrRecordingFailed, base)
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.mp4", base, i))
	}
}

// SegmentName is the final name of a segment covering start to end.
func SegmentName(start, end time.Time) string {
	return start.Format("15:04") + "-" + end.Format("15:04") + ".mp4"
}

// renameSegment gives the provisional record_HHmmss.mp4 its final name. An
// existing file with that name is never overwritten.
func renameSegment(path string, start, end time.Time, logger zerolog.Logger) (string, bool) {
	target := filepath.Join(filepath.Dir(path), SegmentName(start, end))
	if target == path {
		return path, false
	}
	if _, err := os.Lstat(target); err == nil {
		logger.Warn().Str("path", path).Str("target", target).Msg("Segment name taken, keeping provisional name")
		return path, false
	}
	if err := os.Rename(path, target); err != nil {
		logger.Error().Err(err).Str("path", path).Str("target", target).Msg("Failed to rename segment")
		return path, false
	}
	return target, true
}

func (m *Manager) handleRecorderEvent(ev events.Event) {
	switch p := ev.Payload.(type) {
	case events.RotationDue:
		go m.rotate(p.Path)
	case events.RecordError:
		go m.onRecordError(p)
	}
}

// rotate closes the segment at path and immediately opens the next one. The
// restart is attempted even if closing went wrong.
func (m *Manager) rotate(path string) {
	m.recMu.Lock()
	defer m.recMu.Unlock()

	m.mu.Lock()
	current := m.recPath
	m.mu.Unlock()
	if current != path {
		return
	}

	if _, err := m.stopRecordingLocked(); err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("Rotation: stop reported a problem")
	}
	next, err := m.startRecordingLocked()
	if err != nil {
		m.logger.Error().Err(err).Msg("Rotation: failed to start next segment")
		return
	}
	m.logger.Info().Str("previous", path).Str("next", next).Msg("Segment rotated")
}

func (m *Manager) onRecordError(p events.RecordError) {
	m.recMu.Lock()
	defer m.recMu.Unlock()

	m.mu.Lock()
	current := m.recPath
	m.mu.Unlock()
	if current == "" || current != p.Path {
		return
	}
	if _, err := m.stopRecordingLocked(); err != nil {
		m.logger.Warn().Err(err).Msg("Stopping recording after encoder failure")
	}
}

func (m *Manager) handleStorageEvent(ev events.Event) {
	switch ev.Payload.(type) {
	case events.LowStorage:
		m.mu.Lock()
		m.lowStorage = true
		m.mu.Unlock()
	case events.CleanupCompleted:
		go func() {
			if m.storage.CheckSpace() {
				m.mu.Lock()
				m.lowStorage = false
				m.mu.Unlock()
			}
		}()
	}
}

func (m *Manager) activeDirectory() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recDir
}

func (m *Manager) CameraStatus() models.CameraStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := models.CameraStatus{
		Device:        m.cfg.CameraDevice,
		Backend:       m.cfg.CaptureBackend,
		Status:        m.status,
		FPS:           m.fps,
		FrameCount:    m.frameCount,
		ErrorCount:    m.errorCount,
		LastFrameTime: m.lastFrameTime,
		LastError:     m.lastError,
	}
	if m.format != nil {
		f := *m.format
		st.Format = &f
	}
	return st
}

func (m *Manager) RecordingStatus() models.RecordingStatus {
	session := m.recorder.Session()

	m.mu.Lock()
	defer m.mu.Unlock()

	st := models.RecordingStatus{
		Recording:  m.recPath != "" && session != nil,
		Session:    session,
		Elapsed:    models.FormatElapsed(0),
		LowStorage: m.lowStorage,
		LastFile:   m.lastFile,
		LastError:  m.recorder.LastError(),
	}
	if st.Recording {
		st.Elapsed = models.FormatElapsed(m.now().Sub(m.recStart))
	}
	return st
}

// Shutdown stops capture and recording and waits for the last segment to be
// finalized.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopCapture()
	for _, unsub := range m.unsub {
		unsub()
	}
	return m.recorder.WaitIdle(ctx)
}
