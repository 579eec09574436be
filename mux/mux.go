// Package mux writes captured media samples into an MP4 container.
//
// A Writer owns one output file, one video input and up to two audio inputs.
// Samples are accepted only while the writer is in StateWriting; the first
// video sample starts the session and becomes time zero for every track.
package mux

import (
	"errors"
	"fmt"
	"time"
)

const (
	// CodecH264 is the only accepted video codec.
	CodecH264 = "avc1"
	// CodecAAC is the only accepted audio codec.
	CodecAAC = "mp4a"

	DefaultAudioSampleRate = 44100
	DefaultAudioChannels   = 1

	movieTimescale = 1000
	videoTimescale = 90000

	defaultVideoQueueSize = 64
	defaultAudioQueueSize = 256
	maxAudioInputs        = 2
)

var (
	ErrInvalidSettings = errors.New("invalid mux settings")
	ErrTopologyFrozen  = errors.New("inputs cannot be added once writing has started")
	ErrTooManyInputs   = errors.New("writer input limit reached")
	ErrNeverStarted    = errors.New("no video sample was ever written")
	ErrFinalized       = errors.New("writer was already finalized")
)

// IOError reports a failure to create, write or finalize the container.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("mux %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// State is the lifecycle position of a Writer.
type State int32

const (
	StateUnopened State = iota
	StateWriting
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateWriting:
		return "writing"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Kind is the media type of an input or track.
type Kind int

const (
	KindVideo Kind = iota + 1
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Sample is one encoded access unit. PTS is in the capture clock; the writer
// rebases it to the session origin.
type Sample struct {
	PTS      time.Duration
	Data     []byte
	Keyframe bool
}

// VideoSettings are fixed when the writer is opened.
type VideoSettings struct {
	Codec  string
	Width  int
	Height int
	// DecoderConfig is an AVCDecoderConfigurationRecord (avcC payload).
	DecoderConfig []byte
}

// AudioSettings describe one audio track.
type AudioSettings struct {
	Codec      string
	SampleRate int
	Channels   int
	// Quality is an encoder hint recorded for the capture backend; the
	// container does not interpret it.
	Quality string
	// DecoderConfig is an esds payload carrying the AudioSpecificConfig.
	DecoderConfig []byte
}

// DefaultAudioSettings returns the mono AAC settings used for every audio track.
func DefaultAudioSettings() AudioSettings {
	return AudioSettings{
		Codec:      CodecAAC,
		SampleRate: DefaultAudioSampleRate,
		Channels:   DefaultAudioChannels,
		Quality:    "high",
	}
}

func (s VideoSettings) validate() error {
	if s.Codec != CodecH264 {
		return fmt.Errorf("%w: video codec %q", ErrInvalidSettings, s.Codec)
	}
	if s.Width <= 0 || s.Height <= 0 || s.Width > 0xFFFF || s.Height > 0xFFFF {
		return fmt.Errorf("%w: video size %dx%d", ErrInvalidSettings, s.Width, s.Height)
	}
	return nil
}

func (s AudioSettings) validate() error {
	if s.Codec != CodecAAC {
		return fmt.Errorf("%w: audio codec %q", ErrInvalidSettings, s.Codec)
	}
	if s.SampleRate <= 0 || s.SampleRate > 0xFFFF {
		return fmt.Errorf("%w: audio sample rate %d", ErrInvalidSettings, s.SampleRate)
	}
	if s.Channels <= 0 {
		return fmt.Errorf("%w: audio channels %d", ErrInvalidSettings, s.Channels)
	}
	return nil
}
