package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	available bool
	startErr  error
	stopErr   error
	// emit runs on its own goroutine after StartCapture returns.
	emit func(Handler)

	mu      sync.Mutex
	handler Handler
	starts  int
	stops   int
}

func (f *fakeService) Available() bool { return f.available }

func (f *fakeService) StartCapture(_ context.Context, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.handler = h
	if f.emit != nil {
		go f.emit(h)
	}
	return nil
}

func (f *fakeService) StopCapture(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeService) deliver(s Sample) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(s, nil)
}

type recordingSink struct {
	mu    sync.Mutex
	video []Sample
	app   []Sample
	mic   []Sample
}

func (r *recordingSink) AppendVideo(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.video = append(r.video, s)
}

func (r *recordingSink) AppendAppAudio(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.app = append(r.app, s)
}

func (r *recordingSink) AppendMicAudio(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mic = append(r.mic, s)
}

func (r *recordingSink) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.video), len(r.app), len(r.mic)
}

func emitVideo(h Handler) {
	h(Sample{Type: SampleVideo, PTS: time.Second, Data: []byte{1}}, nil)
}

func newTestSession(t *testing.T, svc Service, timeout time.Duration) *Session {
	t.Helper()
	s, err := NewSession(svc, &SessionOptions{FirstSampleTimeout: timeout})
	require.NoError(t, err)
	return s
}

func TestStartResolvesOnFirstSample(t *testing.T) {
	svc := &fakeService{available: true, emit: emitVideo}
	s := newTestSession(t, svc, time.Second)
	sink := &recordingSink{}

	require.NoError(t, s.Start(context.Background(), sink))
	assert.Equal(t, StateCapturing, s.State())
	v, _, _ := sink.counts()
	assert.Equal(t, 1, v)
}

func TestStartTwiceIsRejected(t *testing.T) {
	svc := &fakeService{available: true, emit: emitVideo}
	s := newTestSession(t, svc, time.Second)

	require.NoError(t, s.Start(context.Background(), &recordingSink{}))
	err := s.Start(context.Background(), &recordingSink{})
	assert.ErrorIs(t, err, ErrAlreadyCapturing)
	assert.Equal(t, StateCapturing, s.State())
	assert.Equal(t, 1, svc.starts)
}

func TestStartFailsOnFirstError(t *testing.T) {
	boom := errors.New("boom")
	svc := &fakeService{available: true, emit: func(h Handler) {
		h(Sample{}, boom)
		h(Sample{Type: SampleVideo, Data: []byte{1}}, nil)
	}}
	s := newTestSession(t, svc, time.Second)

	err := s.Start(context.Background(), &recordingSink{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 1, svc.stops)
}

func TestStartServiceError(t *testing.T) {
	boom := errors.New("no permission")
	s := newTestSession(t, &fakeService{available: true, startErr: boom}, time.Second)

	err := s.Start(context.Background(), &recordingSink{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateIdle, s.State())
}

func TestStartNotAvailable(t *testing.T) {
	svc := &fakeService{available: false}
	s := newTestSession(t, svc, time.Second)

	assert.ErrorIs(t, s.Start(context.Background(), &recordingSink{}), ErrNotAvailable)
	assert.Equal(t, 0, svc.starts)
}

func TestStartTimesOutWithoutSamples(t *testing.T) {
	svc := &fakeService{available: true}
	s := newTestSession(t, svc, 50*time.Millisecond)

	err := s.Start(context.Background(), &recordingSink{})
	assert.ErrorIs(t, err, ErrFirstSampleTimeout)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 1, svc.stops)
}

func TestStopFailureReturnsToIdle(t *testing.T) {
	svc := &fakeService{available: true, emit: emitVideo, stopErr: errors.New("stuck")}
	s := newTestSession(t, svc, time.Second)
	require.NoError(t, s.Start(context.Background(), &recordingSink{}))

	err := s.Stop(context.Background())
	var stopErr *StopFailedError
	require.True(t, errors.As(err, &stopErr))
	assert.Equal(t, StateIdle, s.State())

	svc.stopErr = nil
	require.NoError(t, s.Start(context.Background(), &recordingSink{}))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateIdle, s.State())
}

func TestNoSamplesReachSinkAfterStop(t *testing.T) {
	svc := &fakeService{available: true, emit: emitVideo}
	s := newTestSession(t, svc, time.Second)
	sink := &recordingSink{}
	require.NoError(t, s.Start(context.Background(), sink))

	svc.deliver(Sample{Type: SampleMicAudio, Data: []byte{2}})
	require.NoError(t, s.Stop(context.Background()))
	svc.deliver(Sample{Type: SampleVideo, Data: []byte{3}})
	svc.deliver(Sample{Type: SampleAppAudio, Data: []byte{4}})

	v, a, m := sink.counts()
	assert.Equal(t, 1, v)
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, m)
}

func TestSamplesRoutedByType(t *testing.T) {
	svc := &fakeService{available: true, emit: func(h Handler) {
		h(Sample{Type: SampleType(42), Data: []byte{9}}, nil)
	}}
	s := newTestSession(t, svc, time.Second)
	sink := &recordingSink{}
	require.NoError(t, s.Start(context.Background(), sink))

	svc.deliver(Sample{Type: SampleVideo, Data: []byte{1}})
	svc.deliver(Sample{Type: SampleAppAudio, Data: []byte{2}})
	svc.deliver(Sample{Type: SampleAppAudio, Data: []byte{3}})
	svc.deliver(Sample{Type: SampleMicAudio, Data: []byte{4}})

	v, a, m := sink.counts()
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, a)
	assert.Equal(t, 1, m)
	require.NoError(t, s.Stop(context.Background()))
}

func TestStopWhenIdle(t *testing.T) {
	s := newTestSession(t, &fakeService{available: true}, time.Second)
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotCapturing)
}

func TestNewSessionRejectsNilService(t *testing.T) {
	_, err := NewSession(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}
