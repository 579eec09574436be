package mux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abema/go-mp4"
	"go.uber.org/zap"

	"go2tv.app/screenrecorder/internal/logging"
)

// Options tunes a Writer.
type Options struct {
	VideoQueueSize int
	AudioQueueSize int
	Logger         *zap.Logger
}

// Writer multiplexes one video and up to two audio inputs into an MP4 file.
//
// The container is written progressively: sample payloads go straight into
// the mdat box as they are drained, and the moov index is written by
// Finalize.
type Writer struct {
	path   string
	video  VideoSettings
	opts   Options
	logger *zap.Logger

	state  atomic.Int32
	origin atomic.Int64

	// mu guards the file and every input's sample tables. Append never takes
	// it so the producer is not held up by disk writes.
	mu        sync.Mutex
	file      *os.File
	mw        *mp4.Writer
	pos       uint64
	inputs    []*Input
	videoIn   *Input
	audioIns  []*Input
	writeErr  error
	createdAt time.Time

	finalizeOnce sync.Once
	finalized    atomic.Bool
}

// Open removes any file already at path and creates a new container there.
func Open(path string, video VideoSettings, options *Options) (*Writer, error) {
	if err := video.validate(); err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	opts := normalizeOptions(options)

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	w := &Writer{
		path:      path,
		video:     video,
		opts:      opts,
		logger:    logging.OrNop(opts.Logger).Named("mux"),
		file:      f,
		mw:        mp4.NewWriter(f),
		createdAt: time.Now(),
	}

	if err := w.writeHeader(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	w.logger.Debug("container opened", zap.String("path", path), zap.Int("width", video.Width), zap.Int("height", video.Height))
	return w, nil
}

func normalizeOptions(options *Options) Options {
	var opts Options
	if options != nil {
		opts = *options
	}
	if opts.VideoQueueSize <= 0 {
		opts.VideoQueueSize = defaultVideoQueueSize
	}
	if opts.AudioQueueSize <= 0 {
		opts.AudioQueueSize = defaultAudioQueueSize
	}
	return opts
}

func (w *Writer) writeHeader() error {
	if err := writeFtyp(w.mw); err != nil {
		return err
	}
	// The large header leaves room for a payload past 4 GiB.
	bi, err := w.mw.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdat(), HeaderSize: mp4.LargeHeaderSize})
	if err != nil {
		return err
	}
	w.pos = bi.Offset + bi.HeaderSize
	return nil
}

// Path returns the container location.
func (w *Writer) Path() string {
	return w.path
}

// CreatedAt is when the container was opened.
func (w *Writer) CreatedAt() time.Time {
	return w.createdAt
}

// State reports the current lifecycle position.
func (w *Writer) State() State {
	return State(w.state.Load())
}

// Origin returns the capture timestamp of the first video sample.
func (w *Writer) Origin() time.Duration {
	return time.Duration(w.origin.Load())
}

// AddVideoInput adds the single video input. Zero width and height inherit
// the size given to Open; any other size is rejected.
func (w *Writer) AddVideoInput(settings VideoSettings) (*Input, error) {
	if settings.Codec == "" {
		settings.Codec = w.video.Codec
	}
	if settings.Width == 0 && settings.Height == 0 {
		settings.Width, settings.Height = w.video.Width, w.video.Height
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	if settings.Width != w.video.Width || settings.Height != w.video.Height {
		return nil, fmt.Errorf("%w: video size is fixed at %dx%d", ErrInvalidSettings, w.video.Width, w.video.Height)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkTopologyLocked(); err != nil {
		return nil, err
	}
	if w.videoIn != nil {
		return nil, fmt.Errorf("%w: video input already added", ErrTooManyInputs)
	}

	in := newInput(w, KindVideo, uint32(len(w.inputs)+1), videoTimescale, w.opts.VideoQueueSize)
	in.video = settings
	in.decoderConfig = append([]byte(nil), settings.DecoderConfig...)
	w.videoIn = in
	w.inputs = append(w.inputs, in)
	return in, nil
}

// AddAudioInput adds one of at most two audio inputs.
func (w *Writer) AddAudioInput(settings AudioSettings) (*Input, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkTopologyLocked(); err != nil {
		return nil, err
	}
	if len(w.audioIns) >= maxAudioInputs {
		return nil, fmt.Errorf("%w: at most %d audio inputs", ErrTooManyInputs, maxAudioInputs)
	}

	in := newInput(w, KindAudio, uint32(len(w.inputs)+1), uint32(settings.SampleRate), w.opts.AudioQueueSize)
	in.audio = settings
	in.decoderConfig = append([]byte(nil), settings.DecoderConfig...)
	w.audioIns = append(w.audioIns, in)
	w.inputs = append(w.inputs, in)
	return in, nil
}

func (w *Writer) checkTopologyLocked() error {
	switch w.State() {
	case StateUnopened:
		return nil
	case StateWriting:
		return ErrTopologyFrozen
	default:
		return ErrFinalized
	}
}

// Append queues s on in. It never blocks and never fails: samples are
// dropped when in is not ready, when the writer is not writing, or when s
// precedes the session origin. It reports whether s was queued.
func (w *Writer) Append(s Sample, in *Input) bool {
	if in == nil || in.w != w {
		return false
	}

	if w.State() == StateUnopened {
		if in.kind != KindVideo {
			in.drop("not_writing")
			return false
		}
		w.startSession(s.PTS)
	}
	if w.State() != StateWriting {
		in.drop("not_writing")
		return false
	}
	if !in.ReadyForMoreMediaData() {
		in.drop("not_ready")
		return false
	}

	origin := w.Origin()
	if s.PTS < origin {
		in.drop("before_origin")
		return false
	}
	s.PTS -= origin
	return in.enqueue(s)
}

func (w *Writer) startSession(pts time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.State() != StateUnopened || w.finalized.Load() {
		return
	}
	w.origin.Store(int64(pts))
	w.state.Store(int32(StateWriting))
	for _, in := range w.inputs {
		in.start()
	}
	w.logger.Debug("session started", zap.Duration("origin", pts))
}

func (w *Writer) writeSample(in *Input, s Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writeErr != nil {
		return w.writeErr
	}
	if w.State() != StateWriting {
		return ErrFinalized
	}

	n, err := w.mw.Write(s.Data)
	if err != nil {
		w.writeErr = err
		w.state.Store(int32(StateFailed))
		w.logger.Error("sample write failed", zap.String("path", w.path), zap.Error(err))
		return err
	}

	in.offsets = append(in.offsets, w.pos)
	in.sizes = append(in.sizes, uint32(n))
	in.times = append(in.times, s.PTS)
	if in.kind == KindVideo && s.Keyframe {
		in.syncSamples = append(in.syncSamples, uint32(len(in.sizes)))
	}
	w.pos += uint64(n)
	return nil
}

// Finalize marks every input finished, drains what is queued, writes the
// index and closes the file. It may only succeed once. A writer that never
// reached StateWriting fails with an IOError and leaves no file behind.
func (w *Writer) Finalize(ctx context.Context) (string, error) {
	err := ErrFinalized
	w.finalizeOnce.Do(func() {
		err = w.finalize(ctx)
	})
	if err != nil {
		var ioErr *IOError
		if errors.As(err, &ioErr) {
			return "", err
		}
		return "", &IOError{Op: "finalize", Path: w.path, Err: err}
	}
	return w.path, nil
}

func (w *Writer) finalize(ctx context.Context) error {
	w.finalized.Store(true)
	for _, in := range w.inputs {
		in.markAsFinished()
	}

	drained := make(chan struct{})
	go func() {
		for _, in := range w.inputs {
			in.wg.Wait()
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		w.abandon()
		return ctx.Err()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.writeErr != nil:
		w.closeAndRemoveLocked()
		return w.writeErr
	case w.State() != StateWriting:
		w.closeAndRemoveLocked()
		return ErrNeverStarted
	}

	// Sample data is on disk from here on. A failed index write keeps the
	// file so the media can still be recovered.
	if _, err := w.mw.EndBox(); err != nil {
		w.closeAndKeepLocked(err)
		return err
	}
	if err := writeMoov(w.mw, w.video, w.inputs); err != nil {
		w.closeAndKeepLocked(err)
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.closeAndKeepLocked(err)
		return err
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		w.closeAndKeepLocked(err)
		return err
	}

	w.state.Store(int32(StateFinished))
	w.logger.Debug("container finalized", zap.String("path", w.path))
	return nil
}

// Abandon stops every input and removes the partial file without writing
// the index. It is a no-op after Finalize.
func (w *Writer) Abandon() {
	w.finalizeOnce.Do(func() {
		w.finalized.Store(true)
		w.abandon()
	})
}

func (w *Writer) abandon() {
	for _, in := range w.inputs {
		in.markAsFinished()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeAndRemoveLocked()
	w.logger.Debug("container abandoned", zap.String("path", w.path))
}

func (w *Writer) closeAndKeepLocked(err error) {
	w.state.Store(int32(StateFailed))
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.logger.Warn("container index not written, partial file kept", zap.String("path", w.path), zap.Error(err))
}

func (w *Writer) closeAndRemoveLocked() {
	w.state.Store(int32(StateFailed))
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	_ = os.Remove(w.path)
}
