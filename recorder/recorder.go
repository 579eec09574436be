// Package recorder wires a capture session into an MP4 writer and, on stop,
// hands the finished file to the media library.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"go2tv.app/screenrecorder/capture"
	"go2tv.app/screenrecorder/internal/logging"
	"go2tv.app/screenrecorder/library"
	"go2tv.app/screenrecorder/mux"
)

const fileNameLayout = "record_20060102_150405"

// ErrBusy is returned when Start or Stop overlaps another call.
var ErrBusy = errors.New("recorder is busy")

// Artifact is a finished recording on disk.
type Artifact struct {
	Path      string
	CreatedAt time.Time
}

// Persister stores a finished recording somewhere durable.
type Persister interface {
	Persist(ctx context.Context, path string) (library.Asset, error)
}

// OutputSizer is implemented by services that scale to a requested size.
type OutputSizer interface {
	SetOutputSize(width, height int)
}

// Options configures a Recorder.
type Options struct {
	Service capture.Service
	Session *capture.SessionOptions
	Mux     *mux.Options

	// RecordingsDir receives recordings started without an OutputPath.
	RecordingsDir string
	// Persister runs after finalize when SaveToLibrary applies. Nil
	// disables the library step.
	Persister     Persister
	SaveToLibrary bool
	Audio         mux.AudioSettings

	// ScreenSize reports the default output size. Defaults to
	// capture.ScreenSize.
	ScreenSize func() (int, int, error)
	Logger     *zap.Logger
	Now        func() time.Time
}

// StartOptions are per-recording overrides. Zero values use defaults.
type StartOptions struct {
	Width         int
	Height        int
	OutputPath    string
	SaveToLibrary *bool
}

// Recorder runs one recording at a time.
type Recorder struct {
	opts    Options
	session *capture.Session
	logger  *zap.Logger

	mu      sync.Mutex
	active  *recording
	running atomic.Bool
}

type recording struct {
	writer *mux.Writer
	sink   *writerSink
	save   bool
}

// New returns an idle recorder.
func New(options Options) (*Recorder, error) {
	session, err := capture.NewSession(options.Service, options.Session)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(options.RecordingsDir) == "" {
		options.RecordingsDir = os.TempDir()
	}
	if options.Audio.Codec == "" {
		options.Audio = mux.DefaultAudioSettings()
	}
	if options.ScreenSize == nil {
		options.ScreenSize = capture.ScreenSize
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Recorder{
		opts:    options,
		session: session,
		logger:  logging.OrNop(options.Logger).Named("recorder"),
	}, nil
}

// Recording reports whether a recording is in progress.
func (r *Recorder) Recording() bool {
	return r.running.Load()
}

// Start opens the output container and begins capture into it. Any failure
// leaves the recorder idle with no partial file.
func (r *Recorder) Start(ctx context.Context, options StartOptions) error {
	if !r.mu.TryLock() {
		return ErrBusy
	}
	defer r.mu.Unlock()

	if r.active != nil {
		return capture.ErrAlreadyCapturing
	}
	if !r.opts.Service.Available() {
		return capture.ErrNotAvailable
	}

	width, height, err := r.outputSize(options)
	if err != nil {
		return err
	}
	if sizer, ok := r.opts.Service.(OutputSizer); ok {
		sizer.SetOutputSize(width, height)
	}

	path, err := r.outputPath(options.OutputPath)
	if err != nil {
		return err
	}

	rec, err := r.open(path, width, height)
	if err != nil {
		return err
	}
	rec.save = r.opts.SaveToLibrary
	if options.SaveToLibrary != nil {
		rec.save = *options.SaveToLibrary
	}

	if err := r.session.Start(ctx, rec.sink); err != nil {
		rec.writer.Abandon()
		return err
	}

	r.active = rec
	r.running.Store(true)
	r.logger.Info("recording started", zap.String("path", path), zap.Int("width", width), zap.Int("height", height))
	return nil
}

func (r *Recorder) outputSize(options StartOptions) (int, int, error) {
	width, height := options.Width, options.Height
	if width < 0 || height < 0 {
		return 0, 0, fmt.Errorf("%w: size %dx%d", capture.ErrInvalidOptions, width, height)
	}
	if width == 0 || height == 0 {
		sw, sh, err := r.opts.ScreenSize()
		if err != nil {
			return 0, 0, err
		}
		if width == 0 {
			width = sw
		}
		if height == 0 {
			height = sh
		}
	}
	width, height = capture.EvenSize(width, height)
	if width < 2 || height < 2 {
		return 0, 0, fmt.Errorf("%w: size %dx%d", capture.ErrInvalidOptions, width, height)
	}
	return width, height, nil
}

func (r *Recorder) outputPath(requested string) (string, error) {
	path := strings.TrimSpace(requested)
	if path == "" {
		path = filepath.Join(r.opts.RecordingsDir, r.opts.Now().Format(fileNameLayout)+".mp4")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &mux.IOError{Op: "open", Path: path, Err: err}
	}
	return path, nil
}

func (r *Recorder) open(path string, width, height int) (*recording, error) {
	muxOpts := mux.Options{}
	if r.opts.Mux != nil {
		muxOpts = *r.opts.Mux
	}
	if muxOpts.Logger == nil {
		muxOpts.Logger = r.opts.Logger
	}

	w, err := mux.Open(path, mux.VideoSettings{Codec: mux.CodecH264, Width: width, Height: height}, &muxOpts)
	if err != nil {
		return nil, err
	}

	sink := &writerSink{w: w}
	if sink.video, err = w.AddVideoInput(mux.VideoSettings{}); err == nil {
		if sink.app, err = w.AddAudioInput(r.opts.Audio); err == nil {
			sink.mic, err = w.AddAudioInput(r.opts.Audio)
		}
	}
	if err != nil {
		w.Abandon()
		return nil, &mux.IOError{Op: "open", Path: path, Err: err}
	}
	return &recording{writer: w, sink: sink}, nil
}

// Stop ends capture, finalizes the container and imports it into the
// library when enabled. The first failing step ends the sequence and its
// error is returned as is. The recorder is idle afterwards either way.
func (r *Recorder) Stop(ctx context.Context) (Artifact, error) {
	if !r.mu.TryLock() {
		return Artifact{}, ErrBusy
	}
	defer r.mu.Unlock()

	rec := r.active
	if rec == nil {
		return Artifact{}, capture.ErrNotCapturing
	}
	r.active = nil
	r.running.Store(false)

	for _, step := range []func(context.Context, *recording) error{
		r.stopCapture,
		r.finalize,
		r.persist,
	} {
		if err := step(ctx, rec); err != nil {
			return Artifact{}, err
		}
	}

	return Artifact{Path: rec.writer.Path(), CreatedAt: rec.writer.CreatedAt()}, nil
}

func (r *Recorder) stopCapture(ctx context.Context, rec *recording) error {
	if err := r.session.Stop(ctx); err != nil {
		rec.writer.Abandon()
		r.logger.Warn("capture stop failed, recording discarded", zap.String("path", rec.writer.Path()), zap.Error(err))
		return err
	}
	return nil
}

func (r *Recorder) finalize(ctx context.Context, rec *recording) error {
	if _, err := rec.writer.Finalize(ctx); err != nil {
		return err
	}
	r.logger.Info("recording finalized",
		zap.String("path", rec.writer.Path()),
		zap.Uint64("video_samples", rec.sink.video.Written()),
		zap.Uint64("app_audio_samples", rec.sink.app.Written()),
		zap.Uint64("mic_audio_samples", rec.sink.mic.Written()),
	)
	return nil
}

func (r *Recorder) persist(ctx context.Context, rec *recording) error {
	if !rec.save || r.opts.Persister == nil {
		return nil
	}
	_, err := r.opts.Persister.Persist(ctx, rec.writer.Path())
	return err
}

// Close stops a running recording and keeps whatever was written, without
// the library step. Errors from each step are combined.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.active
	if rec == nil {
		return nil
	}
	r.active = nil
	r.running.Store(false)

	var result *multierror.Error
	if err := r.session.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := rec.writer.Finalize(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
