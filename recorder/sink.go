package recorder

import (
	"sync/atomic"

	"go2tv.app/screenrecorder/capture"
	"go2tv.app/screenrecorder/mux"
)

// writerSink routes capture samples to the matching writer input. The
// decoder configuration is taken from the first sample of each stream that
// carries one.
type writerSink struct {
	w               *mux.Writer
	video, app, mic *mux.Input

	videoConfigured atomic.Bool
	appConfigured   atomic.Bool
	micConfigured   atomic.Bool
}

func (s *writerSink) AppendVideo(sample capture.Sample) {
	s.append(sample, s.video, &s.videoConfigured)
}

func (s *writerSink) AppendAppAudio(sample capture.Sample) {
	s.append(sample, s.app, &s.appConfigured)
}

func (s *writerSink) AppendMicAudio(sample capture.Sample) {
	s.append(sample, s.mic, &s.micConfigured)
}

func (s *writerSink) append(sample capture.Sample, in *mux.Input, configured *atomic.Bool) {
	if len(sample.Config) > 0 && configured.CompareAndSwap(false, true) {
		in.SetDecoderConfig(sample.Config)
	}
	s.w.Append(mux.Sample{PTS: sample.PTS, Data: sample.Data, Keyframe: sample.Keyframe}, in)
}
