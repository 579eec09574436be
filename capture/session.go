package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go2tv.app/screenrecorder/internal/logging"
)

const defaultFirstSampleTimeout = 8 * time.Second

// State is the lifecycle position of a Session.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SessionOptions tunes a Session.
type SessionOptions struct {
	// FirstSampleTimeout bounds Start while waiting for the service to
	// deliver its first sample or error. Default is 8s.
	FirstSampleTimeout time.Duration
	Logger             *zap.Logger
}

// Session owns one capture service and routes its samples to a sink. At
// most one capture runs at a time.
type Session struct {
	service Service
	timeout time.Duration
	logger  *zap.Logger

	// op serializes Start and Stop. Overlapping calls are rejected.
	op    sync.Mutex
	state atomic.Int32
	run   *run
}

// NewSession returns an idle session over service.
func NewSession(service Service, options *SessionOptions) (*Session, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: nil service", ErrInvalidOptions)
	}
	var opts SessionOptions
	if options != nil {
		opts = *options
	}
	if opts.FirstSampleTimeout < 0 {
		return nil, fmt.Errorf("%w: FirstSampleTimeout must be >= 0", ErrInvalidOptions)
	}
	if opts.FirstSampleTimeout == 0 {
		opts.FirstSampleTimeout = defaultFirstSampleTimeout
	}
	return &Session{
		service: service,
		timeout: opts.FirstSampleTimeout,
		logger:  logging.OrNop(opts.Logger).Named("capture"),
	}, nil
}

// State reports the current lifecycle position.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Start begins capture into sink. It returns once the service delivered its
// first sample (nil) or its first error, whichever happens first.
func (s *Session) Start(ctx context.Context, sink Sink) error {
	if sink == nil {
		return fmt.Errorf("%w: nil sink", ErrInvalidOptions)
	}
	if !s.op.TryLock() {
		return ErrAlreadyCapturing
	}
	defer s.op.Unlock()

	switch s.State() {
	case StateIdle, StateStopped:
	default:
		return ErrAlreadyCapturing
	}
	if !s.service.Available() {
		return ErrNotAvailable
	}

	r := newRun(sink, s.logger)
	s.run = r
	s.state.Store(int32(StateCapturing))

	if err := s.service.StartCapture(ctx, r.handle); err != nil {
		s.reset()
		return fmt.Errorf("start capture: %w", err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-r.ready:
	case <-timer.C:
		err = ErrFirstSampleTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil {
		s.logger.Debug("capture started")
		return nil
	}

	r.detach()
	if stopErr := s.service.StopCapture(context.WithoutCancel(ctx)); stopErr != nil {
		s.logger.Warn("stop after failed start", zap.Error(stopErr))
	}
	s.reset()
	return fmt.Errorf("start capture: %w", err)
}

// Stop ends the capture. No sample reaches the sink after Stop returns, and
// the session is idle again whether or not the service stopped cleanly.
func (s *Session) Stop(ctx context.Context) error {
	if !s.op.TryLock() {
		return ErrBusy
	}
	defer s.op.Unlock()

	if s.State() != StateCapturing {
		return ErrNotCapturing
	}
	s.state.Store(int32(StateStopping))

	err := s.service.StopCapture(ctx)
	if s.run != nil {
		s.run.detach()
		s.logger.Debug("capture stopped",
			zap.Uint64("video", s.run.routed[SampleVideo].Load()),
			zap.Uint64("app_audio", s.run.routed[SampleAppAudio].Load()),
			zap.Uint64("mic_audio", s.run.routed[SampleMicAudio].Load()),
			zap.Uint64("unknown", s.run.routed[SampleUnknown].Load()),
		)
	}
	s.state.Store(int32(StateStopped))
	s.reset()

	if err != nil {
		return &StopFailedError{Err: err}
	}
	return nil
}

func (s *Session) reset() {
	s.run = nil
	s.state.Store(int32(StateIdle))
}

// run is the per-capture routing state handed to the service.
type run struct {
	sink   Sink
	logger *zap.Logger

	ready     chan error
	readyOnce sync.Once

	// mu is held for reading while a sample is routed; detach takes it for
	// writing so no routing is in flight once it returns.
	mu       sync.RWMutex
	detached bool

	routed [SampleMicAudio + 1]atomic.Uint64
}

func newRun(sink Sink, logger *zap.Logger) *run {
	return &run{
		sink:   sink,
		logger: logger,
		ready:  make(chan error, 1),
	}
}

func (r *run) resolve(err error) {
	r.readyOnce.Do(func() {
		r.ready <- err
	})
}

func (r *run) handle(sample Sample, err error) {
	if err != nil {
		r.resolve(err)
		r.logger.Debug("capture service error", zap.Error(err))
		return
	}
	r.route(sample)
	r.resolve(nil)
}

func (r *run) route(sample Sample) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.detached {
		return
	}

	switch sample.Type {
	case SampleVideo:
		r.sink.AppendVideo(sample)
	case SampleAppAudio:
		r.sink.AppendAppAudio(sample)
	case SampleMicAudio:
		r.sink.AppendMicAudio(sample)
	default:
		r.routed[SampleUnknown].Add(1)
		return
	}
	r.routed[sample.Type].Add(1)
}

func (r *run) detach() {
	r.mu.Lock()
	r.detached = true
	r.mu.Unlock()
}
