package recorder

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"dvr-worker-go/internal/models"
)

// Stage names the step of the encode/mux pipeline that failed.
type Stage string

const (
	StageContextAlloc    Stage = "context alloc"
	StageEncoderOpen     Stage = "encoder open"
	StageStreamCreation  Stage = "stream creation"
	StageHeaderWrite     Stage = "header write"
	StageFrameAlloc      Stage = "frame/packet alloc"
	StageColorConversion Stage = "color-conversion context"
	StageProcessStart    Stage = "process start"
	StageEncode          Stage = "encode"
	StageWrite           Stage = "write"
	StageFinalize        Stage = "finalize"
)

type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the failing stage carried by err, if any.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// EncoderParams configures one segment's encoder. TimeBase is the
// denominator N of the 1/N stream time base; each frame advances one tick.
type EncoderParams struct {
	Width    int
	Height   int
	TimeBase int
	BitRate  int64
	Preset   string
	Tune     string
	GOPSize  int
}

func (p EncoderParams) validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", p.Width, p.Height)
	}
	if p.Width%2 != 0 || p.Height%2 != 0 {
		return fmt.Errorf("frame size %dx%d must be even for yuv420p", p.Width, p.Height)
	}
	if p.TimeBase <= 0 {
		return fmt.Errorf("invalid time base 1/%d", p.TimeBase)
	}
	return nil
}

// PipelineStats counts what reached the container.
type PipelineStats struct {
	Packets int64
	Bytes   int64
}

// Pipeline is one open output segment: encoder, color converter and muxer.
// A pipeline is owned by a single goroutine at a time.
type Pipeline interface {
	// Encode converts frame, stamps it with pts and writes every packet the
	// encoder produces.
	Encode(frame *models.Frame, pts int64) error
	// Finalize flushes the encoder, writes the trailer and closes the file.
	Finalize() error
	Stats() PipelineStats
}

// movable is implemented by pipelines that need to know when their open
// output file is renamed.
type movable interface {
	Moved(path string)
}

// PipelineFactory opens a pipeline writing to path. On error nothing is left allocated.
type PipelineFactory func(path string, params EncoderParams) (Pipeline, error)

// NewPipelineFactory picks the encoder backend by name: "astiav" links the
// FFmpeg libraries, "ffmpeg" drives the ffmpeg binary.
func NewPipelineFactory(backend, ffmpegPath string, logger zerolog.Logger) PipelineFactory {
	switch backend {
	case "ffmpeg":
		return func(path string, params EncoderParams) (Pipeline, error) {
			return newFFmpegPipeline(ffmpegPath, path, params, logger)
		}
	default:
		return func(path string, params EncoderParams) (Pipeline, error) {
			return newAstiavPipeline(path, params, logger)
		}
	}
}
