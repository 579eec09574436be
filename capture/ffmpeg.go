package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go2tv.app/screenrecorder/internal/logging"
	"go2tv.app/screenrecorder/internal/processutil"
)

const (
	defaultFrameRate       = 30
	defaultStopTimeout     = 5 * time.Second
	defaultAudioSampleRate = 44100
	defaultAudioBitrate    = "128k"
	inputThreadQueueSize   = 512
)

// FFmpegOptions configures FFmpegService.
type FFmpegOptions struct {
	FFmpegPath string
	// Width and Height are the encoded size. Zero means the primary display
	// size, rounded down to even.
	Width     int
	Height    int
	FrameRate int
	AppAudio  bool
	MicAudio  bool
	// AppAudioDevice and MicAudioDevice override the platform default
	// source names given to ffmpeg.
	AppAudioDevice  string
	MicAudioDevice  string
	AudioSampleRate int
	// StopTimeout is how long StopCapture waits for ffmpeg to exit on its
	// own before killing it.
	StopTimeout time.Duration
	Logger      *zap.Logger
}

// FFmpegService captures the screen and audio through an ffmpeg child
// process that encodes H.264 and AAC into an MPEG-TS stream on stdout.
type FFmpegService struct {
	opts   FFmpegOptions
	logger *zap.Logger

	mu      sync.Mutex
	proc    *ffmpegProcess
	encoder *videoEncoderPlan
	encKey  string
}

type ffmpegProcess struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stderr   *lockedBuffer
	done     chan error
	stopping atomic.Bool
}

// NewFFmpegService validates options and returns an idle service.
func NewFFmpegService(options *FFmpegOptions) (*FFmpegService, error) {
	opts, err := normalizeFFmpegOptions(options)
	if err != nil {
		return nil, err
	}
	return &FFmpegService{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("ffmpeg"),
	}, nil
}

func normalizeFFmpegOptions(options *FFmpegOptions) (FFmpegOptions, error) {
	var opts FFmpegOptions
	if options != nil {
		opts = *options
	}
	if strings.TrimSpace(opts.FFmpegPath) == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Width < 0 || opts.Height < 0 {
		return opts, fmt.Errorf("%w: width and height must be >= 0", ErrInvalidOptions)
	}
	if opts.FrameRate == 0 {
		opts.FrameRate = defaultFrameRate
	} else if opts.FrameRate < 1 {
		opts.FrameRate = 1
	}
	if opts.FrameRate > 60 {
		opts.FrameRate = 60
	}
	if opts.AudioSampleRate <= 0 {
		opts.AudioSampleRate = defaultAudioSampleRate
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	return opts, nil
}

// SetOutputSize changes the encoded size for the next capture. Zero keeps
// the display size.
func (s *FFmpegService) SetOutputSize(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Width, s.opts.Height = EvenSize(width, height)
}

// Available reports whether ffmpeg can be found and a display can be grabbed.
func (s *FFmpegService) Available() bool {
	if _, err := exec.LookPath(s.opts.FFmpegPath); err != nil {
		s.logger.Debug("ffmpeg not found", zap.String("path", s.opts.FFmpegPath), zap.Error(err))
		return false
	}
	return displayAvailable()
}

// StartCapture launches ffmpeg and returns once the process is running.
// Samples and a terminal error, if any, are delivered to handler.
func (s *FFmpegService) StartCapture(ctx context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidOptions)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return ErrAlreadyCapturing
	}

	bounds, err := primaryDisplayBounds()
	if err != nil {
		return err
	}
	width, height := s.opts.Width, s.opts.Height
	if width == 0 || height == 0 {
		width, height = EvenSize(bounds.Dx(), bounds.Dy())
	}

	grab, err := platformGrab(s.opts, bounds)
	if err != nil {
		return err
	}

	baseFilter := fmt.Sprintf(
		"fps=%d,scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		s.opts.FrameRate, width, height, width, height,
	)
	if s.encoder == nil || s.encKey != baseFilter {
		plan := selectVideoEncoder(ctx, s.opts.FFmpegPath, baseFilter, s.opts.FrameRate*2, s.logger)
		s.encoder, s.encKey = &plan, baseFilter
	}

	args, tags := buildFFmpegArgs(s.opts, grab, *s.encoder, logging.DebugEnabled())
	s.logger.Debug("starting ffmpeg",
		zap.String("path", s.opts.FFmpegPath),
		zap.String("args", strings.Join(args, " ")),
		zap.Int("width", width),
		zap.Int("height", height),
	)

	cmd := exec.Command(s.opts.FFmpegPath, args...)
	processutil.HideConsoleWindow(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	if logging.DebugEnabled() {
		cmd.Stderr = io.MultiWriter(stderr, os.Stderr)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	p := &ffmpegProcess{
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		done:   make(chan error, 1),
	}
	s.proc = p

	go func() {
		demuxErr := newTSDemuxer(tags, s.logger).run(stdout, handler)
		waitErr := cmd.Wait()
		if !p.stopping.Load() {
			switch {
			case demuxErr != nil:
				handler(Sample{}, fmt.Errorf("capture stream: %w", demuxErr))
			case waitErr != nil:
				handler(Sample{}, fmt.Errorf("ffmpeg exited: %w: %s", waitErr, stderr.Tail(300)))
			default:
				handler(Sample{}, errors.New("ffmpeg exited unexpectedly"))
			}
		}
		p.done <- waitErr
		close(p.done)
	}()
	return nil
}

// StopCapture asks ffmpeg to finish its output, waits for it to exit, and
// kills it once the stop timeout or ctx runs out.
func (s *FFmpegService) StopCapture(ctx context.Context) error {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()
	if p == nil {
		return ErrNotCapturing
	}

	p.stopping.Store(true)
	_, _ = io.WriteString(p.stdin, "q")
	_ = p.stdin.Close()

	grace := time.NewTimer(s.opts.StopTimeout)
	defer grace.Stop()

	select {
	case err := <-p.done:
		if err != nil {
			return fmt.Errorf("ffmpeg exited: %w: %s", err, p.stderr.Tail(300))
		}
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("ffmpeg kill failed", zap.Error(err))
	}
	<-p.done
	return fmt.Errorf("ffmpeg did not exit within %s: %s", s.opts.StopTimeout, p.stderr.Tail(300))
}

// grabPlan holds per-OS ffmpeg input arguments. A nil audio entry means the
// source is unsupported on this platform.
type grabPlan struct {
	video    []string
	appAudio []string
	micAudio []string
}

func buildFFmpegArgs(opts FFmpegOptions, grab grabPlan, enc videoEncoderPlan, debug bool) ([]string, []SampleType) {
	logLevel := "error"
	if debug {
		logLevel = "info"
	}
	args := []string{"-hide_banner", "-nostats", "-loglevel", logLevel}
	args = append(args, enc.globalArgs...)

	inputs := [][]string{grab.video}
	tags := []SampleType{SampleVideo}
	if opts.AppAudio && grab.appAudio != nil {
		inputs = append(inputs, grab.appAudio)
		tags = append(tags, SampleAppAudio)
	}
	if opts.MicAudio && grab.micAudio != nil {
		inputs = append(inputs, grab.micAudio)
		tags = append(tags, SampleMicAudio)
	}

	for _, in := range inputs {
		args = append(args, "-thread_queue_size", strconv.Itoa(inputThreadQueueSize))
		args = append(args, in...)
	}
	for i, tag := range tags {
		stream := "a"
		if tag == SampleVideo {
			stream = "v"
		}
		args = append(args, "-map", fmt.Sprintf("%d:%s:0", i, stream))
	}

	if strings.TrimSpace(enc.videoFilter) != "" {
		args = append(args, "-vf", enc.videoFilter)
	}
	args = append(args, enc.codecArgs...)
	if len(tags) > 1 {
		args = append(args,
			"-c:a", "aac",
			"-b:a", defaultAudioBitrate,
			"-ar", strconv.Itoa(opts.AudioSampleRate),
			"-ac", "1",
		)
	}
	args = append(args,
		"-f", "mpegts",
		"-muxdelay", "0",
		"-muxpreload", "0",
		"pipe:1",
	)
	return args, tags
}

// EvenSize rounds both dimensions down to even values, which yuv420p
// encoders require.
func EvenSize(width, height int) (int, int) {
	return width &^ 1, height &^ 1
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Only the tail is ever read.
	if b.buf.Len() > 64<<10 {
		tail := append([]byte(nil), b.buf.Bytes()[b.buf.Len()-4096:]...)
		b.buf.Reset()
		b.buf.Write(tail)
	}
	return b.buf.Write(p)
}

func (b *lockedBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return "no ffmpeg stderr output"
	}
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func orDefault(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
