// Package capture drives a platform screen capture service and routes the
// tagged sample buffers it produces to a sink.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotAvailable       = errors.New("screen capture is not available")
	ErrAlreadyCapturing   = errors.New("screen capture is already running")
	ErrNotCapturing       = errors.New("screen capture is not running")
	ErrBusy               = errors.New("screen capture is changing state")
	ErrFirstSampleTimeout = errors.New("screen capture timed out waiting for the first sample")
	ErrInvalidOptions     = errors.New("invalid screen capture options")
)

// StopFailedError reports that the capture service could not stop cleanly.
type StopFailedError struct {
	Err error
}

func (e *StopFailedError) Error() string {
	return fmt.Sprintf("stop capture: %v", e.Err)
}

func (e *StopFailedError) Unwrap() error {
	return e.Err
}

// SampleType tags the source of a sample buffer.
type SampleType int

const (
	SampleUnknown SampleType = iota
	SampleVideo
	SampleAppAudio
	SampleMicAudio
)

func (t SampleType) String() string {
	switch t {
	case SampleVideo:
		return "video"
	case SampleAppAudio:
		return "app_audio"
	case SampleMicAudio:
		return "mic_audio"
	default:
		return "unknown"
	}
}

// Sample is one encoded media buffer with its capture timestamp.
type Sample struct {
	Type     SampleType
	PTS      time.Duration
	Data     []byte
	Keyframe bool
	// Config is the decoder configuration record (avcC or esds payload),
	// set on the first sample of a stream that carries it in band.
	Config []byte
}

// Handler receives samples or errors on the service's producer goroutine.
// It must not block.
type Handler func(Sample, error)

// Service is a platform capture service.
type Service interface {
	Available() bool
	StartCapture(ctx context.Context, handler Handler) error
	StopCapture(ctx context.Context) error
}

// Sink consumes routed samples. Implementations must not block.
type Sink interface {
	AppendVideo(Sample)
	AppendAppAudio(Sample)
	AppendMicAudio(Sample)
}
