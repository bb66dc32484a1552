package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"dvr-worker-go/internal/helpers"
	"dvr-worker-go/internal/models"
)

const (
	DefaultBufferCount = 3
	MinBufferCount     = 2
)

// State is the device lifecycle: Closed -> Opened -> Streaming -> Opened -> Closed.
type State int32

const (
	StateClosed State = iota
	StateOpened
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Source is a frame producer driven by the capture loop. CaptureFrame writes
// one RGB24 frame into out.
type Source interface {
	Open(path string) (models.CaptureFormat, error)
	StartStreaming() error
	StopStreaming()
	CaptureFrame(out []byte) (width, height int, err error)
	Close()
	State() State
	Format() models.CaptureFormat
}

type Options struct {
	Width         int
	Height        int
	FrameRate     int
	PixelEncoding models.PixelEncoding
	BufferCount   int
	// PollTimeout bounds the wait for a filled buffer. Zero waits forever.
	PollTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferCount <= 0 {
		o.BufferCount = DefaultBufferCount
	}
	if o.PixelEncoding == "" {
		o.PixelEncoding = models.PixelRGB565
	}
	return o
}

// Device is a V4L2 memory-mapped capture device.
type Device struct {
	opts   Options
	sys    sysCalls
	logger zerolog.Logger

	mu      sync.Mutex
	state   int32
	path    string
	fd      int
	buffers [][]byte
	format  models.CaptureFormat
}

func NewDevice(opts Options, logger zerolog.Logger) *Device {
	return newDevice(opts, unixSys{}, logger)
}

func newDevice(opts Options, sys sysCalls, logger zerolog.Logger) *Device {
	return &Device{
		opts:   opts.withDefaults(),
		sys:    sys,
		logger: logger,
		fd:     -1,
	}
}

func (d *Device) setState(s State) {
	atomic.StoreInt32(&d.state, int32(s))
}

func (d *Device) State() State {
	return State(atomic.LoadInt32(&d.state))
}

func (d *Device) Format() models.CaptureFormat {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

// Open opens the node, negotiates the format and maps the buffer pool.
func (d *Device) Open(path string) (models.CaptureFormat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() != StateClosed {
		return d.format, fmt.Errorf("%w: %s is already open", ErrDeviceUnavailable, d.path)
	}

	fd, err := d.sys.open(path)
	if err != nil {
		return models.CaptureFormat{}, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, path, err)
	}
	d.fd = fd
	d.path = path

	if err := d.negotiate(); err != nil {
		d.release()
		return models.CaptureFormat{}, err
	}

	d.setState(StateOpened)
	d.logger.Info().
		Str("device", path).
		Int("width", d.format.Width).
		Int("height", d.format.Height).
		Str("pixel_format", d.format.PixelEncoding.String()).
		Int("buffers", len(d.buffers)).
		Msg("Capture device opened")
	return d.format, nil
}

func (d *Device) negotiate() error {
	var caps v4l2Capability
	if err := d.sys.ioctl(d.fd, vidiocQueryCap, unsafe.Pointer(&caps)); err != nil {
		return fmt.Errorf("%w: %s is not a V4L2 device: %v", ErrDeviceUnavailable, d.path, err)
	}
	flags := caps.Capabilities
	if flags&capDeviceCaps != 0 {
		flags = caps.DeviceCaps
	}
	if flags&capVideoCapture == 0 {
		return fmt.Errorf("%w: %s does not support video capture", ErrUnsupportedCapability, d.path)
	}
	if flags&capStreaming == 0 {
		return fmt.Errorf("%w: %s does not support streaming I/O", ErrUnsupportedCapability, d.path)
	}
	d.logger.Debug().
		Str("driver", cString(caps.Driver[:])).
		Str("card", cString(caps.Card[:])).
		Msg("Device capabilities")

	if err := d.setFormat(); err != nil {
		return err
	}
	d.setFrameRate()
	return d.mapBuffers()
}

func (d *Device) setFormat() error {
	want, ok := fourccFor(d.opts.PixelEncoding)
	if !ok {
		return fmt.Errorf("%w: no converter for %s", ErrFormatRejected, d.opts.PixelEncoding)
	}

	var f v4l2Format
	f.Type = bufTypeVideoCapture
	pix := f.pix()
	pix.Width = uint32(d.opts.Width)
	pix.Height = uint32(d.opts.Height)
	pix.PixelFormat = want
	pix.Field = fieldNone

	if err := d.sys.ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return fmt.Errorf("%w: set format %s %dx%d: %v", ErrFormatRejected, fourccString(want), d.opts.Width, d.opts.Height, err)
	}
	if pix.PixelFormat != want {
		d.logger.Warn().
			Str("requested", fourccString(want)).
			Str("driver", fourccString(pix.PixelFormat)).
			Strs("available", d.enumFormats()).
			Msg("Driver substituted pixel format")
		return fmt.Errorf("%w: driver returned %s instead of %s", ErrFormatRejected, fourccString(pix.PixelFormat), fourccString(want))
	}
	if pix.Width == 0 || pix.Height == 0 {
		return fmt.Errorf("%w: driver returned empty frame size", ErrFormatRejected)
	}

	bpp := d.opts.PixelEncoding.BytesPerPixel()
	stride := int(pix.BytesPerLine)
	if stride < int(pix.Width)*bpp {
		stride = int(pix.Width) * bpp
	}

	d.format = models.CaptureFormat{
		Width:           int(pix.Width),
		Height:          int(pix.Height),
		PixelEncoding:   d.opts.PixelEncoding,
		Stride:          stride,
		TargetFrameRate: d.opts.FrameRate,
	}
	return nil
}

// setFrameRate is best effort; many sensors run at a fixed rate.
func (d *Device) setFrameRate() {
	if d.opts.FrameRate <= 0 {
		return
	}
	var p v4l2StreamParm
	p.Type = bufTypeVideoCapture
	c := p.capture()
	c.TimePerFrame = v4l2Fract{Numerator: 1, Denominator: uint32(d.opts.FrameRate)}
	if err := d.sys.ioctl(d.fd, vidiocSParm, unsafe.Pointer(&p)); err != nil {
		d.logger.Debug().Err(err).Int("fps", d.opts.FrameRate).Msg("Driver does not accept frame interval")
		return
	}
	if c.Capability&capTimePerFrame != 0 && c.TimePerFrame.Numerator > 0 {
		d.format.TargetFrameRate = int(c.TimePerFrame.Denominator / c.TimePerFrame.Numerator)
	}
}

func (d *Device) mapBuffers() error {
	req := v4l2RequestBuffers{
		Count:  uint32(d.opts.BufferCount),
		Type:   bufTypeVideoCapture,
		Memory: memoryMmap,
	}
	if err := d.sys.ioctl(d.fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("%w: request buffers: %v", ErrUnsupportedCapability, err)
	}
	if req.Count < MinBufferCount {
		return fmt.Errorf("%w: driver granted %d buffers, need at least %d", ErrUnsupportedCapability, req.Count, MinBufferCount)
	}
	if int(req.Count) < d.opts.BufferCount {
		d.logger.Warn().
			Uint32("granted", req.Count).
			Int("requested", d.opts.BufferCount).
			Msg("Driver granted fewer buffers, capture may drop frames")
	}

	d.buffers = make([][]byte, 0, req.Count)
	for i := uint32(0); i < req.Count; i++ {
		buf := v4l2Buffer{Index: i, Type: bufTypeVideoCapture, Memory: memoryMmap}
		if err := d.sys.ioctl(d.fd, vidiocQueryBuf, unsafe.Pointer(&buf)); err != nil {
			return fmt.Errorf("%w: query buffer %d: %v", ErrDeviceUnavailable, i, err)
		}
		mem, err := d.sys.mmap(d.fd, buf.offset(), int(buf.Length))
		if err != nil {
			return fmt.Errorf("%w: map buffer %d: %v", ErrDeviceUnavailable, i, err)
		}
		d.buffers = append(d.buffers, mem)
	}
	d.format.Buffers = len(d.buffers)
	return nil
}

func (d *Device) enumFormats() []string {
	var out []string
	for i := uint32(0); i < 64; i++ {
		desc := v4l2FmtDesc{Index: i, Type: bufTypeVideoCapture}
		if err := d.sys.ioctl(d.fd, vidiocEnumFmt, unsafe.Pointer(&desc)); err != nil {
			break
		}
		out = append(out, fourccString(desc.PixelFormat))
	}
	return out
}

// StartStreaming queues every buffer and turns the stream on. It is a no-op
// while already streaming.
func (d *Device) StartStreaming() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.State() {
	case StateStreaming:
		return nil
	case StateClosed:
		return ErrNotOpen
	}

	for i := range d.buffers {
		buf := v4l2Buffer{Index: uint32(i), Type: bufTypeVideoCapture, Memory: memoryMmap}
		if err := d.sys.ioctl(d.fd, vidiocQBuf, unsafe.Pointer(&buf)); err != nil {
			return fmt.Errorf("%w: queue buffer %d: %v", ErrDeviceError, i, err)
		}
	}
	bufType := int32(bufTypeVideoCapture)
	if err := d.sys.ioctl(d.fd, vidiocStreamOn, unsafe.Pointer(&bufType)); err != nil {
		return fmt.Errorf("%w: stream on: %v", ErrDeviceError, err)
	}

	d.setState(StateStreaming)
	d.logger.Debug().Str("device", d.path).Msg("Streaming started")
	return nil
}

// StopStreaming halts the stream. The driver drops every queued buffer.
func (d *Device) StopStreaming() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streamOff()
}

func (d *Device) streamOff() {
	if d.State() != StateStreaming {
		return
	}
	bufType := int32(bufTypeVideoCapture)
	if err := d.sys.ioctl(d.fd, vidiocStreamOff, unsafe.Pointer(&bufType)); err != nil {
		d.logger.Warn().Err(err).Str("device", d.path).Msg("Stream off failed")
	}
	d.setState(StateOpened)
	d.logger.Debug().Str("device", d.path).Msg("Streaming stopped")
}

// CaptureFrame dequeues one filled buffer, converts it into out as RGB24 and
// hands the buffer straight back to the driver.
func (d *Device) CaptureFrame(out []byte) (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() != StateStreaming {
		return 0, 0, ErrNotStreaming
	}
	if len(out) < d.format.FrameSize() {
		return 0, 0, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(out), d.format.FrameSize())
	}

	ready, err := d.sys.poll(d.fd, d.opts.PollTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: poll: %v", ErrDeviceError, err)
	}
	if !ready {
		return 0, 0, ErrNoFrameAvailable
	}

	buf := v4l2Buffer{Type: bufTypeVideoCapture, Memory: memoryMmap}
	if err := d.sys.ioctl(d.fd, vidiocDQBuf, unsafe.Pointer(&buf)); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, 0, ErrNoFrameAvailable
		}
		return 0, 0, fmt.Errorf("%w: dequeue: %v", ErrDeviceError, err)
	}
	if int(buf.Index) >= len(d.buffers) {
		return 0, 0, fmt.Errorf("%w: driver returned buffer index %d of %d", ErrDeviceError, buf.Index, len(d.buffers))
	}

	src := d.buffers[buf.Index]
	if buf.BytesUsed > 0 && int(buf.BytesUsed) <= len(src) {
		src = src[:buf.BytesUsed]
	}
	convErr := d.convert(out, src)

	if err := d.sys.ioctl(d.fd, vidiocQBuf, unsafe.Pointer(&buf)); err != nil {
		return 0, 0, fmt.Errorf("%w: requeue buffer %d: %v", ErrDeviceError, buf.Index, err)
	}
	if convErr != nil {
		return 0, 0, convErr
	}
	return d.format.Width, d.format.Height, nil
}

func (d *Device) convert(out, src []byte) error {
	f := d.format
	if len(src) < f.Stride*(f.Height-1)+f.Width*f.PixelEncoding.BytesPerPixel() {
		return fmt.Errorf("%w: short frame (%d bytes)", ErrNoFrameAvailable, len(src))
	}

	rowOut := f.Width * 3
	for y := 0; y < f.Height; y++ {
		row := src[y*f.Stride:]
		dst := out[y*rowOut : (y+1)*rowOut]
		switch f.PixelEncoding {
		case models.PixelRGB565:
			helpers.RGB565ToRGB24(dst, row, f.Width)
		case models.PixelRGB24:
			copy(dst, row[:rowOut])
		case models.PixelBGR24:
			copy(dst, row[:rowOut])
			helpers.SwapRB(dst)
		}
	}
	return nil
}

// Close unmaps the buffers and releases the handle. Safe to call repeatedly
// and without a successful Open.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == StateClosed && d.fd < 0 {
		return
	}
	d.streamOff()
	d.release()
	d.logger.Info().Str("device", d.path).Msg("Capture device closed")
}

func (d *Device) release() {
	for i, b := range d.buffers {
		if err := d.sys.munmap(b); err != nil {
			d.logger.Warn().Err(err).Int("buffer", i).Msg("Unmap failed")
		}
	}
	d.buffers = nil
	if d.fd >= 0 {
		if err := d.sys.close(d.fd); err != nil {
			d.logger.Warn().Err(err).Str("device", d.path).Msg("Close failed")
		}
	}
	d.fd = -1
	d.format = models.CaptureFormat{}
	d.setState(StateClosed)
}
