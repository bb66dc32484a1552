package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvr-worker-go/internal/config"
	"dvr-worker-go/internal/events"
	"dvr-worker-go/internal/models"
	"dvr-worker-go/internal/services/capture"
	"dvr-worker-go/internal/services/recorder"
	"dvr-worker-go/internal/services/storage"
)

const (
	testWidth  = 8
	testHeight = 6
)

type fakeSource struct {
	mu        sync.Mutex
	state     capture.State
	openErr   error
	failAfter int
	frames    int
	closed    int
}

func (s *fakeSource) Open(string) (models.CaptureFormat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return models.CaptureFormat{}, s.openErr
	}
	s.state = capture.StateOpened
	return s.formatLocked(), nil
}

func (s *fakeSource) formatLocked() models.CaptureFormat {
	return models.CaptureFormat{
		Width:           testWidth,
		Height:          testHeight,
		PixelEncoding:   models.PixelRGB565,
		Stride:          testWidth * 2,
		TargetFrameRate: 200,
		Buffers:         3,
	}
}

func (s *fakeSource) StartStreaming() error {
	s.mu.Lock()
	s.state = capture.StateStreaming
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) StopStreaming() {
	s.mu.Lock()
	if s.state == capture.StateStreaming {
		s.state = capture.StateOpened
	}
	s.mu.Unlock()
}

func (s *fakeSource) CaptureFrame(out []byte) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != capture.StateStreaming {
		return 0, 0, capture.ErrNotStreaming
	}
	if s.failAfter > 0 && s.frames >= s.failAfter {
		return 0, 0, capture.ErrDeviceError
	}
	s.frames++
	for i := range out[:testWidth*testHeight*3] {
		out[i] = byte(s.frames)
	}
	return testWidth, testHeight, nil
}

func (s *fakeSource) Close() {
	s.mu.Lock()
	s.state = capture.StateClosed
	s.closed++
	s.mu.Unlock()
}

func (s *fakeSource) State() capture.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSource) Format() models.CaptureFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formatLocked()
}

type countingPipeline struct {
	mu        sync.Mutex
	encoded   int
	encodeErr error
}

func (p *countingPipeline) Encode(*models.Frame, int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.encodeErr != nil {
		return p.encodeErr
	}
	p.encoded++
	return nil
}

func (p *countingPipeline) Finalize() error { return nil }

func (p *countingPipeline) Stats() recorder.PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return recorder.PipelineStats{Packets: int64(p.encoded)}
}

func (p *countingPipeline) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoded
}

// pipelines writes a placeholder file for every segment so renames are real.
type pipelines struct {
	mu        sync.Mutex
	byPath    map[string]*countingPipeline
	encodeErr error
}

func (ps *pipelines) open(path string, _ recorder.EncoderParams) (recorder.Pipeline, error) {
	if err := os.WriteFile(path, []byte("segment"), 0o644); err != nil {
		return nil, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := &countingPipeline{encodeErr: ps.encodeErr}
	ps.byPath[path] = p
	return p, nil
}

func (ps *pipelines) get(path string) *countingPipeline {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.byPath[path]
}

// stepClock returns start, start+step, start+2*step, ... on successive calls.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type usage struct {
	mu sync.Mutex
	fn func() (uint64, uint64, error)
}

func (u *usage) get(string) (uint64, uint64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fn()
}

func plenty() (uint64, uint64, error) { return 80, 100, nil }

type harness struct {
	m         *Manager
	bus       *events.Bus
	events    *events.Recorder
	source    *fakeSource
	pipelines *pipelines
	clock     *stepClock
	usage     *usage
	root      string
}

func newHarness(t *testing.T, segment time.Duration) *harness {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		CameraDevice:              "/dev/video9",
		CaptureBackend:            "v4l2",
		CaptureFPS:                200,
		StoragePath:               root,
		MinFreeSpacePercent:       10,
		StorageMaxEvictionsPerRun: 1,
	}

	h := &harness{
		bus:       events.NewBus(),
		events:    &events.Recorder{},
		source:    &fakeSource{},
		pipelines: &pipelines{byPath: make(map[string]*countingPipeline)},
		clock:     &stepClock{t: time.Date(2024, 3, 1, 14, 3, 0, 0, time.Local)},
		usage:     &usage{fn: plenty},
		root:      root,
	}
	h.bus.Subscribe(h.events.Handle)

	engine := recorder.NewEngine(recorder.Options{
		Params:          recorder.EncoderParams{TimeBase: 8, BitRate: 800000},
		SegmentDuration: segment,
	}, h.pipelines.open, h.bus, zerolog.Nop())
	st := storage.NewService(cfg, h.bus, zerolog.Nop(), storage.WithUsageFunc(h.usage.get))

	h.m = NewManager(Deps{
		Config:    cfg,
		NewSource: func() capture.Source { return h.source },
		Recorder:  engine,
		Storage:   st,
		Bus:       h.bus,
		Logger:    zerolog.Nop(),
		Clock:     h.clock.Now,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
		_ = engine.Shutdown(ctx)
	})
	return h
}

func (h *harness) waitFrames(t *testing.T, path string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		p := h.pipelines.get(path)
		return p != nil && p.count() >= n
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.m.recorder.WaitIdle(ctx))
}

func TestStartRecordingRequiresCapture(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.m.StartRecording()
	assert.ErrorIs(t, err, ErrCaptureNotRunning)

	_, err = h.m.StopRecording()
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestRecordingRenamedToSpan(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.m.StartCapture())

	path, err := h.m.StartRecording()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(h.root, "20240301", "record_140300.mp4"), path)
	assert.True(t, h.m.RecordingStatus().Recording)

	h.waitFrames(t, path, 10)

	h.clock.Set(time.Date(2024, 3, 1, 14, 5, 0, 0, time.Local))
	final, err := h.m.StopRecording()
	require.NoError(t, err)
	h.waitIdle(t)

	assert.Equal(t, filepath.Join(h.root, "20240301", "14:03-14:05.mp4"), final)
	assert.FileExists(t, final)
	assert.NoFileExists(t, path)

	stopped := h.events.Events(events.KindRecordingStopped)
	require.Len(t, stopped, 1)
	assert.True(t, stopped[0].Payload.(events.RecordingStopped).Renamed)

	finalized := h.events.Events(events.KindSegmentFinalized)
	require.Len(t, finalized, 1)
	payload := finalized[0].Payload.(events.SegmentFinalized)
	assert.GreaterOrEqual(t, payload.EncodedFrames, int64(10))
	assert.Equal(t, int64(h.pipelines.get(path).count()), payload.EncodedFrames)

	status := h.m.RecordingStatus()
	assert.False(t, status.Recording)
	assert.Equal(t, final, status.LastFile)
}

func TestRenameSkippedWhenTargetExists(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.m.StartCapture())

	taken := filepath.Join(h.root, "20240301", "14:03-14:05.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(taken), 0o755))
	require.NoError(t, os.WriteFile(taken, []byte("earlier"), 0o644))

	path, err := h.m.StartRecording()
	require.NoError(t, err)

	h.clock.Set(time.Date(2024, 3, 1, 14, 5, 0, 0, time.Local))
	final, err := h.m.StopRecording()
	require.NoError(t, err)

	assert.Equal(t, path, final)
	assert.FileExists(t, path)
	data, err := os.ReadFile(taken)
	require.NoError(t, err)
	assert.Equal(t, "earlier", string(data))
}

func TestSegmentFinalizedUnderFinalName(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.m.StartCapture())

	path, err := h.m.StartRecording()
	require.NoError(t, err)
	h.waitFrames(t, path, 3)

	h.clock.Set(time.Date(2024, 3, 1, 14, 5, 0, 0, time.Local))
	final, err := h.m.StopRecording()
	require.NoError(t, err)
	h.waitIdle(t)

	assert.Equal(t, filepath.Join(h.root, "20240301", "14:03-14:05.mp4"), final)
	assert.FileExists(t, final)
	assert.NoFileExists(t, path)

	finalized := h.events.Events(events.KindSegmentFinalized)
	require.Len(t, finalized, 1)
	seg := finalized[0].Payload.(events.SegmentFinalized)
	assert.Equal(t, final, seg.Path)
	assert.FileExists(t, seg.Path)

	stats := h.m.recorder.LastStats()
	require.NotNil(t, stats)
	assert.Equal(t, final, stats.Path)
}

func TestStartRecordingKeepsLeftoverProvisionalFile(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.m.StartCapture())

	dir := filepath.Join(h.root, "20240301")
	leftover := filepath.Join(dir, "record_140300.mp4")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(leftover, []byte("earlier"), 0o644))

	path, err := h.m.StartRecording()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "record_140300_1.mp4"), path)

	data, err := os.ReadFile(leftover)
	require.NoError(t, err)
	assert.Equal(t, "earlier", string(data))
}

func TestProvisionalPathSuffixes(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 3, 1, 9, 15, 42, 0, time.Local)

	path, err := provisionalPath(dir, start)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "record_091542.mp4"), path)

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "record_091542_1.mp4"), nil, 0o644))

	path, err = provisionalPath(dir, start)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "record_091542_2.mp4"), path)
}

func TestStartRecordingTwice(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.m.StartCapture())

	first, err := h.m.StartRecording()
	require.NoError(t, err)
	_, err = h.m.StartRecording()
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	s := h.m.recorder.Session()
	require.NotNil(t, s)
	assert.Equal(t, first, s.ActiveFilePath)
}

func TestInsufficientStorageRefusesRecording(t *testing.T) {
	h := newHarness(t, 0)
	h.usage.fn = func() (uint64, uint64, error) { return 5, 100, nil }
	require.NoError(t, h.m.StartCapture())

	_, err := h.m.StartRecording()
	assert.ErrorIs(t, err, ErrInsufficientStorage)
	assert.False(t, h.m.recorder.IsRecording())
	assert.True(t, h.m.RecordingStatus().LowStorage)
	assert.Len(t, h.events.Events(events.KindCleanupFailed), 1)
}

func TestLowStorageEvictsBeforeRecording(t *testing.T) {
	h := newHarness(t, 0)
	old := filepath.Join(h.root, "20230101")
	require.NoError(t, os.MkdirAll(old, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(old, "08:00-08:30.mp4"), make([]byte, 64), 0o644))

	h.usage.fn = func() (uint64, uint64, error) {
		if _, err := os.Stat(old); err == nil {
			return 5, 100, nil
		}
		return 50, 100, nil
	}
	require.NoError(t, h.m.StartCapture())

	_, err := h.m.StartRecording()
	require.NoError(t, err)
	assert.NoDirExists(t, old)

	done := h.events.Events(events.KindCleanupCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, "20230101", done[0].Payload.(events.CleanupCompleted).Name)

	require.Eventually(t, func() bool {
		return !h.m.RecordingStatus().LowStorage
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRotationStopsThenStarts(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	h.clock.step = time.Minute
	require.NoError(t, h.m.StartCapture())

	first, err := h.m.StartRecording()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(h.root, "20240301", "record_140300.mp4"), first)

	require.Eventually(t, func() bool {
		return len(h.events.Events(events.KindRecordingStarted)) >= 2
	}, 5*time.Second, 5*time.Millisecond)

	stopped := h.events.Events(events.KindRecordingStopped)
	require.NotEmpty(t, stopped)
	assert.Equal(t, filepath.Join(h.root, "20240301", "14:03-14:04.mp4"), stopped[0].Payload.(events.RecordingStopped).Path)

	started := h.events.Events(events.KindRecordingStarted)
	assert.Equal(t, filepath.Join(h.root, "20240301", "record_140500.mp4"), started[1].Payload.(events.RecordingStarted).Path)

	rotations := h.events.Events(events.KindRotationDue)
	require.NotEmpty(t, rotations)
	assert.Equal(t, first, rotations[0].Payload.(events.RotationDue).Path)
}

func TestEncoderFailureStopsRecording(t *testing.T) {
	h := newHarness(t, 0)
	h.pipelines.encodeErr = errors.New("disk full")
	require.NoError(t, h.m.StartCapture())

	_, err := h.m.StartRecording()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.events.Events(events.KindRecordingStopped)) == 1
	}, 5*time.Second, 5*time.Millisecond)

	status := h.m.RecordingStatus()
	assert.False(t, status.Recording)
	assert.Contains(t, status.LastError, "disk full")
	assert.Len(t, h.events.Events(events.KindRecordError), 1)
}

func TestCaptureOpenFailure(t *testing.T) {
	h := newHarness(t, 0)
	h.source.openErr = capture.ErrDeviceUnavailable

	err := h.m.StartCapture()
	assert.ErrorIs(t, err, capture.ErrDeviceUnavailable)

	st := h.m.CameraStatus()
	assert.Equal(t, models.CaptureStatusFailed, st.Status)
	assert.Equal(t, 1, h.source.closed)
	require.Eventually(t, func() bool {
		return len(h.events.Events(events.KindCaptureError)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFatalCaptureErrorClosesDevice(t *testing.T) {
	h := newHarness(t, 0)
	h.source.failAfter = 5
	require.NoError(t, h.m.StartCapture())

	require.Eventually(t, func() bool {
		return h.m.CameraStatus().Status == models.CaptureStatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, capture.StateClosed, h.source.State())
	assert.Equal(t, int64(5), h.m.CameraStatus().FrameCount)
	ev := h.events.Events(events.KindCaptureError)
	require.Len(t, ev, 1)
	assert.True(t, ev[0].Payload.(events.CaptureError).Fatal)
}

func TestStartStopCapture(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.m.StartCapture())
	require.NoError(t, h.m.StartCapture())

	require.Eventually(t, func() bool {
		return h.m.CameraStatus().FrameCount > 3
	}, 5*time.Second, 5*time.Millisecond)

	st := h.m.CameraStatus()
	require.NotNil(t, st.Format)
	assert.Equal(t, testWidth, st.Format.Width)

	h.m.StopCapture()
	assert.Equal(t, models.CaptureStatusStopped, h.m.CameraStatus().Status)
	assert.Equal(t, capture.StateClosed, h.source.State())
	h.m.StopCapture()
}

func TestFrameRateMovingAverage(t *testing.T) {
	h := newHarness(t, 0)
	t0 := time.Now()

	h.m.frameCaptured(t0)
	assert.Equal(t, 0.0, h.m.CameraStatus().FPS)

	h.m.frameCaptured(t0.Add(100 * time.Millisecond))
	assert.InDelta(t, 10.0, h.m.CameraStatus().FPS, 0.001)

	h.m.frameCaptured(t0.Add(150 * time.Millisecond))
	assert.InDelta(t, 12.0, h.m.CameraStatus().FPS, 0.001)
}

func TestRecordingElapsed(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.m.StartCapture())
	_, err := h.m.StartRecording()
	require.NoError(t, err)

	h.clock.Set(time.Date(2024, 3, 1, 15, 4, 5, 0, time.Local))
	assert.Equal(t, "01:01:05", h.m.RecordingStatus().Elapsed)
}

func TestSegmentName(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 7, 59, 0, time.Local)
	end := time.Date(2024, 3, 1, 9, 37, 1, 0, time.Local)
	assert.Equal(t, "09:07-09:37.mp4", SegmentName(start, end))
}
