package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dvr-worker-go/internal/models"
)

const ffmpegExitTimeout = 10 * time.Second

// ffmpegPipeline feeds raw rgb24 frames to an ffmpeg child process over stdin.
// The child owns the H.264 encoder and the mp4 muxer.
type ffmpegPipeline struct {
	mu        sync.Mutex
	path      string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderr    *lockedBuffer
	frameSize int
	logger    zerolog.Logger
	stats     PipelineStats
	finalized bool
}

func ffmpegArgs(path string, params EncoderParams) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", params.Width, params.Height),
		"-r", strconv.Itoa(params.TimeBase),
		"-i", "-",
		"-c:v", "libx264",
	}
	if params.Preset != "" {
		args = append(args, "-preset", params.Preset)
	}
	if params.Tune != "" {
		args = append(args, "-tune", params.Tune)
	}
	if params.BitRate > 0 {
		args = append(args, "-b:v", strconv.FormatInt(params.BitRate, 10))
	}
	if params.GOPSize > 0 {
		args = append(args, "-g", strconv.Itoa(params.GOPSize))
	}
	// Output keeps its name until the segment is finalized and renamed, so
	// no +faststart second pass here.
	return append(args,
		"-pix_fmt", "yuv420p",
		"-f", "mp4",
		"-y", path,
	)
}

func newFFmpegPipeline(ffmpegPath, path string, params EncoderParams, logger zerolog.Logger) (Pipeline, error) {
	if err := params.validate(); err != nil {
		return nil, stageErr(StageContextAlloc, err)
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	cmd := exec.Command(ffmpegPath, ffmpegArgs(path, params)...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, stageErr(StageProcessStart, fmt.Errorf("failed to create stdin pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return nil, stageErr(StageProcessStart, fmt.Errorf("failed to start %s: %w", ffmpegPath, err))
	}

	logger.Info().
		Str("path", path).
		Int("pid", cmd.Process.Pid).
		Str("frame_size", fmt.Sprintf("%dx%d", params.Width, params.Height)).
		Msg("FFmpeg process started for segment")

	return &ffmpegPipeline{
		path:      path,
		cmd:       cmd,
		stdin:     stdin,
		stderr:    stderr,
		frameSize: params.Width * params.Height * 3,
		logger:    logger,
	}, nil
}

func (p *ffmpegPipeline) Encode(frame *models.Frame, _ int64) error {
	if p.finalized {
		return stageErr(StageEncode, errors.New("pipeline already finalized"))
	}
	if len(frame.Data) != p.frameSize {
		return stageErr(StageEncode, fmt.Errorf("frame is %d bytes, expected %d", len(frame.Data), p.frameSize))
	}
	if _, err := p.stdin.Write(frame.Data); err != nil {
		return stageErr(StageWrite, fmt.Errorf("write to ffmpeg: %w%s", err, p.stderrTail()))
	}
	p.stats.Packets++
	return nil
}

func (p *ffmpegPipeline) Finalize() error {
	if p.finalized {
		return nil
	}
	p.finalized = true

	if err := p.stdin.Close(); err != nil {
		p.logger.Debug().Err(err).Str("path", p.outputPath()).Msg("Closing ffmpeg stdin")
	}

	done := make(chan error, 1)
	go func() {
		done <- p.cmd.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(ffmpegExitTimeout):
		_ = p.cmd.Process.Kill()
		<-done
		err = errors.New("ffmpeg did not exit in time, killed")
	}

	if info, statErr := os.Stat(p.outputPath()); statErr == nil {
		p.stats.Bytes = info.Size()
	}
	if err != nil {
		return stageErr(StageFinalize, fmt.Errorf("%w%s", err, p.stderrTail()))
	}
	return nil
}

// Moved records that the output file was renamed while ffmpeg holds it open.
func (p *ffmpegPipeline) Moved(path string) {
	p.mu.Lock()
	p.path = path
	p.mu.Unlock()
}

func (p *ffmpegPipeline) outputPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path
}

func (p *ffmpegPipeline) Stats() PipelineStats {
	return p.stats
}

func (p *ffmpegPipeline) stderrTail() string {
	s := strings.TrimSpace(p.stderr.String())
	if s == "" {
		return ""
	}
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return ": " + s
}

// lockedBuffer collects ffmpeg's stderr while the process is still writing it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
