package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"
	"go.uber.org/zap"
)

const (
	ptsClockRate    = 90000
	ptsWrap         = int64(1) << 33
	aacFrameSamples = 1024
)

// tsDemuxer splits ffmpeg's MPEG-TS output into tagged samples. Elementary
// streams are bound to tags in PMT order, which follows the -map order.
type tsDemuxer struct {
	tags    []SampleType
	logger  *zap.Logger
	streams map[uint16]elementaryStream
}

type elementaryStream interface {
	push(data []byte, pts time.Duration) ([]Sample, error)
}

func newTSDemuxer(tags []SampleType, logger *zap.Logger) *tsDemuxer {
	return &tsDemuxer{
		tags:    tags,
		logger:  logger,
		streams: make(map[uint16]elementaryStream),
	}
}

func (d *tsDemuxer) run(r io.Reader, handler Handler) error {
	dmx := astits.NewDemuxer(context.Background(), r)
	var clock ptsClock

	for {
		data, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}

		if data.PMT != nil {
			d.bind(data.PMT)
			continue
		}
		if data.PES == nil {
			continue
		}
		es, ok := d.streams[data.PID]
		if !ok {
			continue
		}
		oh := data.PES.Header.OptionalHeader
		if oh == nil || oh.PTS == nil {
			continue
		}

		samples, err := es.push(data.PES.Data, clock.unwrap(data.PID, oh.PTS.Base))
		if err != nil {
			d.logger.Debug("dropped malformed PES", zap.Uint16("pid", data.PID), zap.Error(err))
			continue
		}
		for _, s := range samples {
			handler(s, nil)
		}
	}
}

func (d *tsDemuxer) bind(pmt *astits.PMTData) {
	for i, es := range pmt.ElementaryStreams {
		if _, ok := d.streams[es.ElementaryPID]; ok || i >= len(d.tags) {
			continue
		}
		tag := d.tags[i]
		switch {
		case tag == SampleVideo && es.StreamType == astits.StreamTypeH264Video:
			d.streams[es.ElementaryPID] = &h264Stream{}
		case tag != SampleVideo && es.StreamType == astits.StreamTypeAACAudio:
			d.streams[es.ElementaryPID] = &aacStream{tag: tag}
		default:
			d.logger.Warn("unexpected elementary stream",
				zap.Uint16("pid", es.ElementaryPID),
				zap.Uint8("stream_type", uint8(es.StreamType)),
				zap.Stringer("tag", tag),
			)
			continue
		}
		d.logger.Debug("elementary stream bound", zap.Uint16("pid", es.ElementaryPID), zap.Stringer("tag", tag))
	}
}

// ptsClock extends 33-bit PES timestamps into a monotonic duration per PID.
type ptsClock struct {
	last  map[uint16]int64
	wraps map[uint16]int64
}

func (c *ptsClock) unwrap(pid uint16, base int64) time.Duration {
	if c.last == nil {
		c.last = make(map[uint16]int64)
		c.wraps = make(map[uint16]int64)
	}
	if prev, ok := c.last[pid]; ok && prev-base > ptsWrap/2 {
		c.wraps[pid]++
	}
	c.last[pid] = base
	ticks := base + c.wraps[pid]*ptsWrap
	return time.Duration(ticks/ptsClockRate)*time.Second +
		time.Duration(ticks%ptsClockRate)*time.Second/ptsClockRate
}

// h264Stream converts Annex-B access units into length-prefixed samples.
type h264Stream struct {
	sps, pps []byte
}

func (s *h264Stream) push(data []byte, pts time.Duration) ([]Sample, error) {
	au, err := h264.AnnexBUnmarshal(data)
	if err != nil {
		return nil, err
	}

	var config []byte
	keyframe := false
	nalus := au[:0]
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1f) {
		case h264.NALUTypeAccessUnitDelimiter:
			continue
		case h264.NALUTypeSPS:
			if !bytes.Equal(s.sps, nalu) {
				s.sps = append([]byte(nil), nalu...)
			}
		case h264.NALUTypePPS:
			if !bytes.Equal(s.pps, nalu) {
				s.pps = append([]byte(nil), nalu...)
			}
		case h264.NALUTypeIDR:
			keyframe = true
		}
		nalus = append(nalus, nalu)
	}
	if len(nalus) == 0 {
		return nil, nil
	}
	if keyframe && s.sps != nil && s.pps != nil {
		config = avcDecoderConfig(s.sps, s.pps)
	}

	payload, err := h264.AVCCMarshal(nalus)
	if err != nil {
		return nil, err
	}
	return []Sample{{
		Type:     SampleVideo,
		PTS:      pts,
		Data:     payload,
		Keyframe: keyframe,
		Config:   config,
	}}, nil
}

// avcDecoderConfig builds an AVCDecoderConfigurationRecord (ISO/IEC
// 14496-15) with 4-byte NALU lengths.
func avcDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 {
		return nil
	}
	b := make([]byte, 0, 11+len(sps)+len(pps))
	b = append(b, 1, sps[1], sps[2], sps[3], 0xfc|3, 0xe0|1)
	b = binary.BigEndian.AppendUint16(b, uint16(len(sps)))
	b = append(b, sps...)
	b = append(b, 1)
	b = binary.BigEndian.AppendUint16(b, uint16(len(pps)))
	b = append(b, pps...)
	return b
}

// aacStream strips ADTS headers. One PES may carry several frames.
type aacStream struct {
	tag        SampleType
	configSent bool
}

func (s *aacStream) push(data []byte, pts time.Duration) ([]Sample, error) {
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(data); err != nil {
		return nil, err
	}

	out := make([]Sample, 0, len(pkts))
	for i, pkt := range pkts {
		if pkt.SampleRate <= 0 {
			return nil, fmt.Errorf("invalid ADTS sample rate %d", pkt.SampleRate)
		}
		sample := Sample{
			Type: s.tag,
			PTS:  pts + time.Duration(int64(i)*aacFrameSamples*int64(time.Second)/int64(pkt.SampleRate)),
			Data: append([]byte(nil), pkt.AU...),
		}
		if !s.configSent {
			asc, err := (&mpeg4audio.Config{
				Type:         pkt.Type,
				SampleRate:   pkt.SampleRate,
				ChannelCount: pkt.ChannelCount,
			}).Marshal()
			if err != nil {
				return nil, err
			}
			sample.Config = esdsPayload(asc)
			s.configSent = true
		}
		out = append(out, sample)
	}
	return out, nil
}

// esdsPayload builds the body of an esds box: an ES_Descriptor holding the
// DecoderConfigDescriptor (MPEG-4 audio) with asc as its
// DecoderSpecificInfo, followed by the SLConfigDescriptor.
func esdsPayload(asc []byte) []byte {
	const (
		esDescrTag            = 0x03
		decoderConfigDescrTag = 0x04
		decSpecificInfoTag    = 0x05
		slConfigDescrTag      = 0x06
	)

	decSpecific := descriptor(decSpecificInfoTag, asc)
	// MPEG-4 audio object type and audio stream type, then bufferSizeDB,
	// maxBitrate and avgBitrate left at zero.
	decConfig := descriptor(decoderConfigDescrTag, append([]byte{
		0x40, 0x15,
		0, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
	}, decSpecific...))
	sl := descriptor(slConfigDescrTag, []byte{0x02})

	es := []byte{0, 0, 0} // ES_ID, flags
	es = append(es, decConfig...)
	es = append(es, sl...)

	return append([]byte{0, 0, 0, 0}, descriptor(esDescrTag, es)...)
}

func descriptor(tag byte, body []byte) []byte {
	b := make([]byte, 0, 2+len(body))
	b = append(b, tag, byte(len(body)))
	return append(b, body...)
}
