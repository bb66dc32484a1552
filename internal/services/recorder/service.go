package recorder

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dvr-worker-go/internal/events"
	"dvr-worker-go/internal/logging"
	"dvr-worker-go/internal/models"
)

const source = "recorder"

type Options struct {
	Params          EncoderParams
	SegmentDuration time.Duration
	QueueSize       int
	QueuePolicy     OverflowPolicy
}

// segment is one recording session from Start to finalize. After Start hands
// it to the worker, only the worker touches its pipeline.
type segment struct {
	gen       uint64
	session   models.RecordingSession
	path      string // guarded by Engine.mu; differs from session.ActiveFilePath once renamed
	pipeline  Pipeline
	logger    zerolog.Logger
	accepted  atomic.Int64
	encoded   atomic.Int64
	failed    bool
	stoppedAt time.Time
}

// Engine encodes queued frames into MP4 segments on a single worker goroutine.
//
// Start opens the pipeline for a new segment and Stop seals it; the worker
// drains what was queued for that segment, finalizes the file, and only then
// moves on to the next segment. Rotation is requested through a
// rotation-due event and performed by the owner.
type Engine struct {
	opts    Options
	factory PipelineFactory
	emitter events.Emitter
	logger  zerolog.Logger
	queue   *FrameQueue

	mu        sync.Mutex
	cond      *sync.Cond
	backlog   []*segment
	current   *segment
	gen       uint64
	starting  bool
	pending   int
	idleCh    chan struct{}
	rotation  *time.Timer
	started   bool
	closed    bool
	done      chan struct{}
	lastStats *models.SessionStats
	lastErr   string
}

func NewEngine(opts Options, factory PipelineFactory, emitter events.Emitter, logger zerolog.Logger) *Engine {
	if emitter == nil {
		emitter = &events.Recorder{}
	}
	idle := make(chan struct{})
	close(idle)

	e := &Engine{
		opts:    opts,
		factory: factory,
		emitter: emitter,
		logger:  logger,
		queue:   NewFrameQueue(opts.QueueSize, opts.QueuePolicy),
		idleCh:  idle,
		done:    make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start opens a new segment at path. It returns false when a session is
// already active or when the encoder pipeline cannot be initialized; in the
// latter case a record-error event names the failing stage.
func (e *Engine) Start(path string, width, height int) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Warn().Str("path", path).Msg("Recorder is shut down, ignoring start")
		return false
	}
	if e.current != nil || e.starting {
		active := ""
		if e.current != nil {
			active = e.current.session.ActiveFilePath
		}
		e.mu.Unlock()
		e.logger.Warn().Str("path", path).Str("active_path", active).Msg("Already recording, ignoring start")
		return false
	}
	e.starting = true
	e.mu.Unlock()

	params := e.opts.Params
	params.Width = width
	params.Height = height

	pipeline, err := e.factory(path, params)
	if err != nil {
		e.mu.Lock()
		e.starting = false
		e.lastErr = err.Error()
		e.mu.Unlock()

		e.logger.Error().Err(err).Str("stage", string(StageOf(err))).Str("path", path).Msg("Failed to initialize encoder")
		e.emitter.Emit(source, events.KindRecordError, events.RecordError{
			Reason: err.Error(),
			Stage:  string(StageOf(err)),
			Path:   path,
		})
		return false
	}

	id := uuid.NewString()
	seg := &segment{
		session: models.RecordingSession{
			ID:              id,
			StartedAt:       time.Now(),
			OutputDirectory: filepath.Dir(path),
			ActiveFilePath:  path,
		},
		path:     path,
		pipeline: pipeline,
		logger:   logging.WithSession(e.logger, id, path),
	}

	e.mu.Lock()
	e.starting = false
	e.gen++
	seg.gen = e.gen
	e.current = seg
	e.backlog = append(e.backlog, seg)
	if e.pending == 0 {
		e.idleCh = make(chan struct{})
	}
	e.pending++
	if e.opts.SegmentDuration > 0 {
		gen := seg.gen
		e.rotation = time.AfterFunc(e.opts.SegmentDuration, func() { e.rotationDue(gen) })
	}
	if !e.started {
		e.started = true
		go e.run()
	}
	e.cond.Signal()
	e.mu.Unlock()

	seg.logger.Info().
		Int("width", width).
		Int("height", height).
		Int64("bitrate", params.BitRate).
		Dur("segment_duration", e.opts.SegmentDuration).
		Msg("Recording started")
	e.emitter.Emit(source, events.KindRecordingStarted, events.RecordingStarted{SessionID: id, Path: path})
	return true
}

// EnqueueFrame copies an rgb24 frame into the queue of the active session. It
// returns false when nothing is recording or the queue refused the frame.
func (e *Engine) EnqueueFrame(data []byte, width, height int) bool {
	e.mu.Lock()
	seg := e.current
	e.mu.Unlock()
	if seg == nil {
		return false
	}
	if !e.queue.Push(seg.gen, data, width, height) {
		return false
	}
	seg.accepted.Add(1)
	return true
}

// Stop ends the active session and returns without waiting. Frames already
// queued are still encoded before the worker finalizes the file.
func (e *Engine) Stop() {
	e.StopAs(nil)
}

// StopAs ends the active session like Stop. Before the worker can finalize
// the segment, rename is called with the file's current path and returns the
// path it now lives under. The segment-finalized event and LastStats carry
// that path. StopAs returns it, or "" when nothing was recording.
func (e *Engine) StopAs(rename func(path string) string) string {
	e.mu.Lock()
	seg := e.stopLocked()
	path := ""
	if seg != nil {
		path = seg.path
	}
	e.mu.Unlock()
	if seg == nil {
		return ""
	}

	if rename != nil {
		if final := rename(path); final != "" && final != path {
			e.mu.Lock()
			seg.path = final
			e.mu.Unlock()
			if mv, ok := seg.pipeline.(movable); ok {
				mv.Moved(final)
			}
			seg.logger.Info().Str("final_path", final).Msg("Segment renamed")
			path = final
		}
	}

	// Sealing lets the worker reach Finalize, so it comes after the rename.
	e.queue.Seal(seg.gen)
	seg.logger.Info().Int64("queued_frames", seg.accepted.Load()).Msg("Recording stop requested")
	return path
}

func (e *Engine) pathOf(seg *segment) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return seg.path
}

func (e *Engine) stopLocked() *segment {
	seg := e.current
	if seg == nil {
		return nil
	}
	e.current = nil
	seg.stoppedAt = time.Now()
	if e.rotation != nil {
		e.rotation.Stop()
		e.rotation = nil
	}
	return seg
}

func (e *Engine) IsRecording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// Session returns a snapshot of the active session, or nil.
func (e *Engine) Session() *models.RecordingSession {
	e.mu.Lock()
	seg := e.current
	e.mu.Unlock()
	if seg == nil {
		return nil
	}
	s := seg.session
	s.FrameCounter = seg.accepted.Load()
	s.TotalEncodedFrames = seg.encoded.Load()
	s.TotalElapsedSeconds = time.Since(s.StartedAt).Seconds()
	return &s
}

// LastStats returns the stats of the most recently finalized segment.
func (e *Engine) LastStats() *models.SessionStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastStats == nil {
		return nil
	}
	s := *e.lastStats
	return &s
}

func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

func (e *Engine) Dropped() uint64 {
	return e.queue.Dropped()
}

// WaitIdle blocks until every started segment has been finalized.
func (e *Engine) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	ch := e.idleCh
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops recording, waits for the worker to finalize, and ends it.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Stop()
	idleErr := e.WaitIdle(ctx)

	e.mu.Lock()
	e.closed = true
	started := e.started
	e.cond.Broadcast()
	e.mu.Unlock()
	e.queue.Close()

	if !started {
		return idleErr
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if idleErr != nil {
		return idleErr
	}
	e.logger.Info().Msg("Recorder shut down")
	return nil
}

func (e *Engine) rotationDue(gen uint64) {
	e.mu.Lock()
	seg := e.current
	path := ""
	if seg != nil {
		path = seg.path
	}
	e.mu.Unlock()
	if seg == nil || seg.gen != gen {
		return
	}
	seg.logger.Info().Msg("Segment duration reached, rotation due")
	e.emitter.Emit(source, events.KindRotationDue, events.RotationDue{Path: path})
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.backlog) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.backlog) == 0 {
			e.mu.Unlock()
			return
		}
		seg := e.backlog[0]
		e.backlog[0] = nil
		e.backlog = e.backlog[1:]
		e.mu.Unlock()

		e.process(seg)
	}
}

func (e *Engine) process(seg *segment) {
	defer e.finish(seg)
	defer func() {
		if r := recover(); r != nil {
			seg.logger.Error().Interface("panic", r).Msg("Encoder worker panic recovered")
			e.fail(seg, stageErr(StageEncode, fmt.Errorf("panic: %v", r)))
		}
	}()

	var pts int64
	for {
		frame, ok := e.queue.Pop(seg.gen)
		if !ok {
			return
		}
		if err := seg.pipeline.Encode(frame, pts); err != nil {
			e.fail(seg, err)
			return
		}
		pts++
		seg.encoded.Store(pts)
	}
}

// fail ends the session on a codec error. The segment is still finalized by
// the worker so its resources are released.
func (e *Engine) fail(seg *segment, err error) {
	if seg.failed {
		return
	}
	seg.failed = true

	e.mu.Lock()
	if e.current == seg {
		e.stopLocked()
	}
	e.lastErr = err.Error()
	e.mu.Unlock()

	e.queue.Seal(seg.gen)
	dropped := e.queue.Discard(seg.gen)

	seg.logger.Error().
		Err(err).
		Str("stage", string(StageOf(err))).
		Int("discarded_frames", dropped).
		Msg("Encoding failed, recording stopped")
	e.emitter.Emit(source, events.KindRecordError, events.RecordError{
		Reason: err.Error(),
		Stage:  string(StageOf(err)),
		Path:   e.pathOf(seg),
	})
}

func (e *Engine) finish(seg *segment) {
	if err := seg.pipeline.Finalize(); err != nil {
		e.fail(seg, err)
	}

	e.mu.Lock()
	end := seg.stoppedAt
	path := seg.path
	e.mu.Unlock()
	if end.IsZero() {
		end = time.Now()
	}
	elapsed := end.Sub(seg.session.StartedAt)
	pstats := seg.pipeline.Stats()
	stats := &models.SessionStats{
		SessionID:      seg.session.ID,
		Path:           path,
		EncodedFrames:  seg.encoded.Load(),
		Packets:        pstats.Packets,
		Bytes:          pstats.Bytes,
		ElapsedSeconds: elapsed.Seconds(),
		Duration:       elapsed,
		Failed:         seg.failed,
	}
	if stats.ElapsedSeconds > 0 {
		stats.AverageFPS = float64(stats.EncodedFrames) / stats.ElapsedSeconds
	}

	seg.logger.Info().
		Int64("encoded_frames", stats.EncodedFrames).
		Int64("packets", stats.Packets).
		Int64("bytes", stats.Bytes).
		Float64("elapsed_seconds", stats.ElapsedSeconds).
		Float64("average_fps", stats.AverageFPS).
		Bool("failed", stats.Failed).
		Msg("Segment finalized")

	e.mu.Lock()
	e.lastStats = stats
	e.mu.Unlock()

	e.emitter.Emit(source, events.KindSegmentFinalized, events.SegmentFinalized{
		SessionID:      stats.SessionID,
		Path:           stats.Path,
		EncodedFrames:  stats.EncodedFrames,
		ElapsedSeconds: stats.ElapsedSeconds,
		AverageFPS:     stats.AverageFPS,
		Failed:         stats.Failed,
	})

	e.mu.Lock()
	e.pending--
	if e.pending == 0 {
		close(e.idleCh)
	}
	e.mu.Unlock()
}
