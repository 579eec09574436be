package mux

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go2tv.app/screenrecorder/internal/logging"
)

// Input is one track input of a Writer. Samples are queued without blocking
// and written to the container by a dedicated drain goroutine.
type Input struct {
	w         *Writer
	kind      Kind
	trackID   uint32
	timescale uint32
	video     VideoSettings
	audio     AudioSettings

	queue chan Sample
	done  chan struct{}

	startOnce  sync.Once
	finishOnce sync.Once
	wg         sync.WaitGroup

	// Sample tables, guarded by w.mu.
	decoderConfig []byte
	sizes         []uint32
	offsets       []uint64
	times         []time.Duration
	syncSamples   []uint32

	written     atomic.Uint64
	dropped     atomic.Uint64
	lastDropLog atomic.Int64
	lastSlowLog atomic.Int64
}

func newInput(w *Writer, kind Kind, trackID, timescale uint32, queueSize int) *Input {
	return &Input{
		w:         w,
		kind:      kind,
		trackID:   trackID,
		timescale: timescale,
		queue:     make(chan Sample, queueSize),
		done:      make(chan struct{}),
	}
}

// Kind reports whether this is a video or audio input.
func (in *Input) Kind() Kind {
	return in.kind
}

// ReadyForMoreMediaData reports whether the next Append can be queued.
func (in *Input) ReadyForMoreMediaData() bool {
	if in == nil {
		return false
	}
	select {
	case <-in.done:
		return false
	default:
	}
	return len(in.queue) < cap(in.queue)
}

// SetDecoderConfig records the codec configuration for the sample entry. It
// may be called at any point before Finalize.
func (in *Input) SetDecoderConfig(cfg []byte) {
	if in == nil || len(cfg) == 0 {
		return
	}
	in.w.mu.Lock()
	defer in.w.mu.Unlock()
	in.decoderConfig = append([]byte(nil), cfg...)
}

// Written returns the number of samples stored in the container.
func (in *Input) Written() uint64 {
	return in.written.Load()
}

// Dropped returns the number of samples rejected by backpressure or state.
func (in *Input) Dropped() uint64 {
	return in.dropped.Load()
}

func (in *Input) start() {
	in.startOnce.Do(func() {
		in.wg.Add(1)
		go in.loop()
	})
}

// enqueue never blocks: a full queue drops the incoming sample.
func (in *Input) enqueue(s Sample) bool {
	select {
	case <-in.done:
		in.drop("finished")
		return false
	default:
	}

	select {
	case in.queue <- s:
		return true
	default:
		in.drop("queue_full")
		return false
	}
}

func (in *Input) drop(reason string) {
	total := in.dropped.Add(1)
	if logging.Every(&in.lastDropLog, time.Second) {
		in.w.logger.Debug("dropped sample",
			zap.Stringer("kind", in.kind),
			zap.Uint32("track", in.trackID),
			zap.String("reason", reason),
			zap.Uint64("total", total),
			zap.Int("queue", len(in.queue)),
		)
	}
}

// markAsFinished stops accepting samples. Queued samples are still written.
func (in *Input) markAsFinished() {
	in.finishOnce.Do(func() {
		close(in.done)
	})
}

func (in *Input) loop() {
	defer in.wg.Done()

	for {
		select {
		case s := <-in.queue:
			in.write(s)
		case <-in.done:
			for {
				select {
				case s := <-in.queue:
					in.write(s)
				default:
					return
				}
			}
		}
	}
}

func (in *Input) write(s Sample) {
	if len(s.Data) == 0 {
		return
	}
	start := time.Now()
	if err := in.w.writeSample(in, s); err != nil {
		in.drop("write_failed")
		return
	}
	in.written.Add(1)
	if d := time.Since(start); d > 50*time.Millisecond && logging.Every(&in.lastSlowLog, time.Second) {
		in.w.logger.Debug("slow sample write",
			zap.Stringer("kind", in.kind),
			zap.Duration("duration", d),
			zap.Int("bytes", len(s.Data)),
			zap.Int("queue", len(in.queue)),
		)
	}
}
