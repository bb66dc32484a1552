package models

import "time"

// PixelEncoding names an uncompressed pixel layout.
type PixelEncoding string

const (
	PixelRGB565 PixelEncoding = "RGB565"
	PixelRGB24  PixelEncoding = "RGB24"
	PixelBGR24  PixelEncoding = "BGR24"
)

// BytesPerPixel returns the packed size of one pixel, or 0 when unknown.
func (p PixelEncoding) BytesPerPixel() int {
	switch p {
	case PixelRGB565:
		return 2
	case PixelRGB24, PixelBGR24:
		return 3
	default:
		return 0
	}
}

func (p PixelEncoding) String() string {
	return string(p)
}

// CaptureFormat is negotiated once when the device is opened and does not
// change for the rest of the capture session.
type CaptureFormat struct {
	Width           int           `json:"width"`
	Height          int           `json:"height"`
	PixelEncoding   PixelEncoding `json:"pixel_encoding"`
	Stride          int           `json:"stride"`
	TargetFrameRate int           `json:"target_frame_rate"`
	Buffers         int           `json:"buffers"`
}

// FrameSize is the number of bytes one frame occupies in the interchange format.
func (f CaptureFormat) FrameSize() int {
	return f.Width * f.Height * PixelRGB24.BytesPerPixel()
}

// Frame is an owned image buffer. Whoever holds it owns Data.
type Frame struct {
	Data       []byte        `json:"-"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Stride     int           `json:"stride"`
	Encoding   PixelEncoding `json:"encoding"`
	Sequence   int64         `json:"sequence"`
	CapturedAt time.Time     `json:"captured_at"`
}

// NewRGBFrame copies data into a new interchange frame.
func NewRGBFrame(data []byte, width, height int) *Frame {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Frame{
		Data:       buf,
		Width:      width,
		Height:     height,
		Stride:     width * 3,
		Encoding:   PixelRGB24,
		CapturedAt: time.Now(),
	}
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Data = make([]byte, len(f.Data))
	copy(c.Data, f.Data)
	return &c
}
