package capture

import (
	"fmt"
	"image"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"dvr-worker-go/internal/helpers"
	"dvr-worker-go/internal/models"
)

// OpenCVSource captures through OpenCV's VideoCapture. It is used on hosts
// where the camera does not expose a memory-mapped V4L2 node.
type OpenCVSource struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	state  int32
	cap    *gocv.VideoCapture
	img    gocv.Mat
	format models.CaptureFormat

	consecutiveErrors int
}

const maxConsecutiveReadErrors = 10

func NewOpenCVSource(opts Options, logger zerolog.Logger) *OpenCVSource {
	return &OpenCVSource{opts: opts.withDefaults(), logger: logger}
}

func (s *OpenCVSource) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *OpenCVSource) Format() models.CaptureFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Open accepts a device path (/dev/video0), a numeric index or any URL OpenCV understands.
func (s *OpenCVSource) Open(path string) (models.CaptureFormat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateClosed {
		return s.format, fmt.Errorf("%w: source already open", ErrDeviceUnavailable)
	}

	var (
		vc  *gocv.VideoCapture
		err error
	)
	if id, ok := deviceIndex(path); ok {
		vc, err = gocv.OpenVideoCaptureWithAPI(id, gocv.VideoCaptureV4L2)
	} else {
		vc, err = gocv.OpenVideoCapture(path)
	}
	if err != nil {
		return models.CaptureFormat{}, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return models.CaptureFormat{}, fmt.Errorf("%w: %s is not opened", ErrDeviceUnavailable, path)
	}

	vc.Set(gocv.VideoCaptureBufferSize, 1)
	vc.Set(gocv.VideoCaptureFrameWidth, float64(s.opts.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(s.opts.Height))
	if s.opts.FrameRate > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(s.opts.FrameRate))
	}

	s.logger.Info().
		Str("device", path).
		Float64("actual_fps", vc.Get(gocv.VideoCaptureFPS)).
		Float64("actual_width", vc.Get(gocv.VideoCaptureFrameWidth)).
		Float64("actual_height", vc.Get(gocv.VideoCaptureFrameHeight)).
		Msg("VideoCapture opened")

	s.cap = vc
	s.img = gocv.NewMat()
	s.format = models.CaptureFormat{
		Width:           s.opts.Width,
		Height:          s.opts.Height,
		PixelEncoding:   models.PixelBGR24,
		Stride:          s.opts.Width * 3,
		TargetFrameRate: s.opts.FrameRate,
		Buffers:         1,
	}
	atomic.StoreInt32(&s.state, int32(StateOpened))
	return s.format, nil
}

// deviceIndex maps /dev/videoN or N to a camera index.
func deviceIndex(path string) (int, bool) {
	id, err := strconv.Atoi(strings.TrimPrefix(path, "/dev/video"))
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

func (s *OpenCVSource) StartStreaming() error {
	switch s.State() {
	case StateStreaming:
		return nil
	case StateClosed:
		return ErrNotOpen
	}
	atomic.StoreInt32(&s.state, int32(StateStreaming))
	return nil
}

func (s *OpenCVSource) StopStreaming() {
	atomic.CompareAndSwapInt32(&s.state, int32(StateStreaming), int32(StateOpened))
}

// CaptureFrame reads one frame, resizes it to the negotiated size if the camera
// ignored the request, and writes RGB24 into out.
func (s *OpenCVSource) CaptureFrame(out []byte) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStreaming {
		return 0, 0, ErrNotStreaming
	}
	if len(out) < s.format.FrameSize() {
		return 0, 0, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(out), s.format.FrameSize())
	}

	if ok := s.cap.Read(&s.img); !ok || s.img.Empty() {
		s.consecutiveErrors++
		if s.consecutiveErrors >= maxConsecutiveReadErrors {
			return 0, 0, fmt.Errorf("%w: %d consecutive empty reads", ErrDeviceError, s.consecutiveErrors)
		}
		return 0, 0, ErrNoFrameAvailable
	}
	s.consecutiveErrors = 0

	w, h := s.format.Width, s.format.Height
	frame := s.img
	if s.img.Cols() != w || s.img.Rows() != h {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(s.img, &resized, image.Pt(w, h), 0, 0, gocv.InterpolationLinear)
		frame = resized
	}

	n := copy(out, frame.ToBytes())
	helpers.SwapRB(out[:n])
	return w, h, nil
}

func (s *OpenCVSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cap == nil {
		atomic.StoreInt32(&s.state, int32(StateClosed))
		return
	}
	s.img.Close()
	if err := s.cap.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("VideoCapture close failed")
	}
	s.cap = nil
	s.format = models.CaptureFormat{}
	atomic.StoreInt32(&s.state, int32(StateClosed))
}
