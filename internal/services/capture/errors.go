package capture

import "errors"

var (
	// ErrDeviceUnavailable means the node could not be opened or is not a capture device.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrUnsupportedCapability means the device lacks video capture, streaming I/O or enough buffers.
	ErrUnsupportedCapability = errors.New("unsupported device capability")
	// ErrFormatRejected means the driver substituted a pixel encoding we cannot convert.
	ErrFormatRejected = errors.New("pixel format rejected")
	// ErrNoFrameAvailable is transient; the caller retries.
	ErrNoFrameAvailable = errors.New("no frame available")
	// ErrDeviceError is fatal; the caller must close the device.
	ErrDeviceError = errors.New("capture device error")
	// ErrNotStreaming is returned for operations that need a different state.
	ErrNotStreaming = errors.New("capture device not streaming")
	ErrNotOpen      = errors.New("capture device not open")
	ErrShortBuffer  = errors.New("output buffer too small for frame")
)

// IsFatal reports whether err requires the device to be closed.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrNoFrameAvailable)
}
