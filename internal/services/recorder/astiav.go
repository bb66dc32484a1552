package recorder

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/asticode/go-astiav"
	"github.com/rs/zerolog"

	"dvr-worker-go/internal/models"
)

// astiavPipeline encodes H.264 into an MP4 container through libav*.
type astiavPipeline struct {
	path   string
	logger zerolog.Logger

	codecCtx  *astiav.CodecContext
	formatCtx *astiav.FormatContext
	ioCtx     *astiav.IOContext
	stream    *astiav.Stream
	srcFrame  *astiav.Frame
	dstFrame  *astiav.Frame
	packet    *astiav.Packet
	scaler    *astiav.SoftwareScaleContext

	width  int
	height int
	stats  PipelineStats
}

func newAstiavPipeline(path string, params EncoderParams, logger zerolog.Logger) (pipeline Pipeline, err error) {
	if err := params.validate(); err != nil {
		return nil, stageErr(StageContextAlloc, err)
	}

	p := &astiavPipeline{
		path:   path,
		logger: logger,
		width:  params.Width,
		height: params.Height,
	}
	defer func() {
		if err != nil {
			p.free()
		}
	}()

	codec := astiav.FindEncoderByName("libx264")
	if codec == nil {
		codec = astiav.FindEncoder(astiav.CodecIDH264)
	}
	if codec == nil {
		return nil, stageErr(StageContextAlloc, errors.New("no H.264 encoder available"))
	}

	if p.codecCtx = astiav.AllocCodecContext(codec); p.codecCtx == nil {
		return nil, stageErr(StageContextAlloc, errors.New("alloc codec context"))
	}
	p.codecCtx.SetWidth(params.Width)
	p.codecCtx.SetHeight(params.Height)
	p.codecCtx.SetPixelFormat(astiav.PixelFormatYuv420P)
	p.codecCtx.SetTimeBase(astiav.NewRational(1, params.TimeBase))
	p.codecCtx.SetFramerate(astiav.NewRational(params.TimeBase, 1))
	p.codecCtx.SetBitRate(params.BitRate)
	if params.GOPSize > 0 {
		p.codecCtx.SetGopSize(params.GOPSize)
	}

	if p.formatCtx, err = astiav.AllocOutputFormatContext(nil, "mp4", path); err != nil {
		return nil, stageErr(StageContextAlloc, fmt.Errorf("alloc output context: %w", err))
	}
	if p.formatCtx.OutputFormat().Flags().Has(astiav.IOFormatFlagGlobalheader) {
		p.codecCtx.SetFlags(p.codecCtx.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}

	opts := astiav.NewDictionary()
	defer opts.Free()
	if params.Preset != "" {
		_ = opts.Set("preset", params.Preset, astiav.NewDictionaryFlags())
	}
	if params.Tune != "" {
		_ = opts.Set("tune", params.Tune, astiav.NewDictionaryFlags())
	}
	_ = opts.Set("threads", strconv.Itoa(1), astiav.NewDictionaryFlags())

	if err = p.codecCtx.Open(codec, opts); err != nil {
		return nil, stageErr(StageEncoderOpen, err)
	}

	if p.stream = p.formatCtx.NewStream(nil); p.stream == nil {
		return nil, stageErr(StageStreamCreation, errors.New("new stream"))
	}
	if err = p.codecCtx.ToCodecParameters(p.stream.CodecParameters()); err != nil {
		return nil, stageErr(StageStreamCreation, fmt.Errorf("codec parameters: %w", err))
	}
	p.stream.SetTimeBase(p.codecCtx.TimeBase())

	if p.ioCtx, err = astiav.OpenIOContext(path, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil); err != nil {
		return nil, stageErr(StageHeaderWrite, fmt.Errorf("open %s: %w", path, err))
	}
	p.formatCtx.SetPb(p.ioCtx)

	if err = p.formatCtx.WriteHeader(nil); err != nil {
		return nil, stageErr(StageHeaderWrite, err)
	}

	if p.srcFrame, err = allocFrame(params.Width, params.Height, astiav.PixelFormatRgb24); err != nil {
		return nil, stageErr(StageFrameAlloc, err)
	}
	if p.dstFrame, err = allocFrame(params.Width, params.Height, astiav.PixelFormatYuv420P); err != nil {
		return nil, stageErr(StageFrameAlloc, err)
	}
	if p.packet = astiav.AllocPacket(); p.packet == nil {
		return nil, stageErr(StageFrameAlloc, errors.New("alloc packet"))
	}

	p.scaler, err = astiav.CreateSoftwareScaleContext(
		params.Width, params.Height, astiav.PixelFormatRgb24,
		params.Width, params.Height, astiav.PixelFormatYuv420P,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		return nil, stageErr(StageColorConversion, err)
	}

	logger.Debug().
		Str("path", path).
		Str("encoder", codec.Name()).
		Int64("bitrate", params.BitRate).
		Int("time_base", params.TimeBase).
		Msg("Encoder pipeline ready")
	return p, nil
}

func allocFrame(w, h int, pf astiav.PixelFormat) (*astiav.Frame, error) {
	f := astiav.AllocFrame()
	if f == nil {
		return nil, errors.New("alloc frame")
	}
	f.SetWidth(w)
	f.SetHeight(h)
	f.SetPixelFormat(pf)
	if err := f.AllocBuffer(0); err != nil {
		f.Free()
		return nil, fmt.Errorf("alloc frame buffer: %w", err)
	}
	return f, nil
}

func (p *astiavPipeline) Encode(frame *models.Frame, pts int64) error {
	if frame.Width != p.width || frame.Height != p.height {
		return stageErr(StageEncode, fmt.Errorf("frame %dx%d does not match segment %dx%d", frame.Width, frame.Height, p.width, p.height))
	}
	if err := p.srcFrame.Data().SetBytes(frame.Data, 1); err != nil {
		return stageErr(StageEncode, fmt.Errorf("load frame: %w", err))
	}
	if err := p.dstFrame.MakeWritable(); err != nil {
		return stageErr(StageEncode, fmt.Errorf("make writable: %w", err))
	}
	if err := p.scaler.ScaleFrame(p.srcFrame, p.dstFrame); err != nil {
		return stageErr(StageEncode, fmt.Errorf("scale: %w", err))
	}
	p.dstFrame.SetPts(pts)

	if err := p.codecCtx.SendFrame(p.dstFrame); err != nil && !errors.Is(err, astiav.ErrEagain) {
		return stageErr(StageEncode, err)
	}
	return p.drain()
}

// drain moves every packet the encoder has ready into the container.
func (p *astiavPipeline) drain() error {
	for {
		if err := p.codecCtx.ReceivePacket(p.packet); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return nil
			}
			return stageErr(StageEncode, err)
		}

		p.packet.SetStreamIndex(p.stream.Index())
		p.packet.RescaleTs(p.codecCtx.TimeBase(), p.stream.TimeBase())
		size := p.packet.Size()
		err := p.formatCtx.WriteInterleavedFrame(p.packet)
		p.packet.Unref()
		if err != nil {
			return stageErr(StageWrite, err)
		}
		p.stats.Packets++
		p.stats.Bytes += int64(size)
	}
}

func (p *astiavPipeline) Finalize() error {
	defer p.free()

	var errs []error
	if err := p.codecCtx.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		errs = append(errs, stageErr(StageFinalize, fmt.Errorf("flush: %w", err)))
	} else if err := p.drain(); err != nil {
		errs = append(errs, err)
	}
	if err := p.formatCtx.WriteTrailer(); err != nil {
		errs = append(errs, stageErr(StageFinalize, fmt.Errorf("write trailer: %w", err)))
	}
	return errors.Join(errs...)
}

func (p *astiavPipeline) Stats() PipelineStats {
	return p.stats
}

// free releases everything in reverse allocation order. It is safe on a
// partially built pipeline.
func (p *astiavPipeline) free() {
	if p.scaler != nil {
		p.scaler.Free()
		p.scaler = nil
	}
	if p.packet != nil {
		p.packet.Free()
		p.packet = nil
	}
	if p.dstFrame != nil {
		p.dstFrame.Free()
		p.dstFrame = nil
	}
	if p.srcFrame != nil {
		p.srcFrame.Free()
		p.srcFrame = nil
	}
	if p.ioCtx != nil {
		if err := p.ioCtx.Close(); err != nil {
			p.logger.Warn().Err(err).Str("path", p.path).Msg("Closing output failed")
		}
		p.ioCtx.Free()
		p.ioCtx = nil
	}
	if p.formatCtx != nil {
		p.formatCtx.Free()
		p.formatCtx = nil
	}
	if p.codecCtx != nil {
		p.codecCtx.Free()
		p.codecCtx = nil
	}
}
