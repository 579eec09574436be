package mux

import (
	"math"
	"time"

	"github.com/abema/go-mp4"
)

const defaultVideoFrameTicks = videoTimescale / 30

var identityMatrix = [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

func writeBox(mw *mp4.Writer, boxType mp4.BoxType, box mp4.IImmutableBox) error {
	bi, err := mw.StartBox(&mp4.BoxInfo{Type: boxType})
	if err != nil {
		return err
	}
	if _, err := mp4.Marshal(mw, box, bi.Context); err != nil {
		return err
	}
	_, err = mw.EndBox()
	return err
}

func writeRawBox(mw *mp4.Writer, boxType mp4.BoxType, payload []byte) error {
	if _, err := mw.StartBox(&mp4.BoxInfo{Type: boxType}); err != nil {
		return err
	}
	if _, err := mw.Write(payload); err != nil {
		return err
	}
	_, err := mw.EndBox()
	return err
}

func withBox(mw *mp4.Writer, boxType mp4.BoxType, body func() error) error {
	if _, err := mw.StartBox(&mp4.BoxInfo{Type: boxType}); err != nil {
		return err
	}
	if err := body(); err != nil {
		return err
	}
	_, err := mw.EndBox()
	return err
}

func brand(s string) [4]byte {
	var b [4]byte
	copy(b[:], s)
	return b
}

func writeFtyp(mw *mp4.Writer) error {
	brands := []string{"isom", "iso2", "avc1", "mp41"}
	compatible := make([]mp4.CompatibleBrandElem, 0, len(brands))
	for _, b := range brands {
		compatible = append(compatible, mp4.CompatibleBrandElem{CompatibleBrand: brand(b)})
	}
	return writeBox(mw, mp4.BoxTypeFtyp(), &mp4.Ftyp{
		MajorBrand:       brand("isom"),
		MinorVersion:     0x200,
		CompatibleBrands: compatible,
	})
}

// trackPlan is the index of one non-empty input, in its own timescale.
type trackPlan struct {
	in          *Input
	deltas      []uint32
	mediaTicks  uint64
	startOffset time.Duration
}

func ticks(d time.Duration, timescale uint32) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(int64(d) * int64(timescale) / int64(time.Second))
}

func toMovie(trackTicks uint64, timescale uint32) uint64 {
	return trackTicks * movieTimescale / uint64(timescale)
}

// planTrack converts relative presentation times into decode deltas. The
// first sample's time becomes the track start offset; the last sample
// repeats the previous delta.
func planTrack(in *Input) trackPlan {
	p := trackPlan{in: in}
	n := len(in.times)
	if n == 0 {
		return p
	}

	p.startOffset = in.times[0]
	base := ticks(in.times[0], in.timescale)
	p.deltas = make([]uint32, n)
	for i := 0; i < n-1; i++ {
		cur := ticks(in.times[i], in.timescale)
		next := ticks(in.times[i+1], in.timescale)
		if next > cur {
			p.deltas[i] = uint32(next - cur)
		}
	}
	switch {
	case n > 1:
		p.deltas[n-1] = p.deltas[n-2]
	case in.kind == KindVideo:
		p.deltas[n-1] = defaultVideoFrameTicks
	default:
		p.deltas[n-1] = 1024
	}

	last := ticks(in.times[n-1], in.timescale)
	if last < base {
		last = base
	}
	p.mediaTicks = last - base + uint64(p.deltas[n-1])
	return p
}

func writeMoov(mw *mp4.Writer, video VideoSettings, inputs []*Input) error {
	plans := make([]trackPlan, 0, len(inputs))
	var movieDuration uint64
	var nextTrackID uint32 = 1
	for _, in := range inputs {
		if in.trackID >= nextTrackID {
			nextTrackID = in.trackID + 1
		}
		p := planTrack(in)
		if len(p.deltas) == 0 {
			continue
		}
		plans = append(plans, p)
		d := ticks(p.startOffset, movieTimescale) + toMovie(p.mediaTicks, in.timescale)
		if d > movieDuration {
			movieDuration = d
		}
	}

	return withBox(mw, mp4.BoxTypeMoov(), func() error {
		err := writeBox(mw, mp4.BoxTypeMvhd(), &mp4.Mvhd{
			Timescale:   movieTimescale,
			DurationV0:  uint32(movieDuration),
			Rate:        0x00010000,
			Volume:      0x0100,
			Matrix:      identityMatrix,
			NextTrackID: nextTrackID,
		})
		if err != nil {
			return err
		}
		for _, p := range plans {
			if err := writeTrak(mw, video, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeTrak(mw *mp4.Writer, video VideoSettings, p trackPlan) error {
	in := p.in
	offsetMovie := ticks(p.startOffset, movieTimescale)
	mediaMovie := toMovie(p.mediaTicks, in.timescale)

	return withBox(mw, mp4.BoxTypeTrak(), func() error {
		tkhd := &mp4.Tkhd{
			FullBox:    mp4.FullBox{Flags: [3]byte{0, 0, 3}},
			TrackID:    in.trackID,
			DurationV0: uint32(offsetMovie + mediaMovie),
			Matrix:     identityMatrix,
		}
		if in.kind == KindVideo {
			tkhd.Width = uint32(video.Width) << 16
			tkhd.Height = uint32(video.Height) << 16
		} else {
			tkhd.Volume = 0x0100
			tkhd.AlternateGroup = 1
		}
		if err := writeBox(mw, mp4.BoxTypeTkhd(), tkhd); err != nil {
			return err
		}

		if offsetMovie > 0 {
			err := withBox(mw, mp4.BoxTypeEdts(), func() error {
				return writeBox(mw, mp4.BoxTypeElst(), &mp4.Elst{
					EntryCount: 2,
					Entries: []mp4.ElstEntry{
						{SegmentDurationV0: uint32(offsetMovie), MediaTimeV0: -1, MediaRateInteger: 1},
						{SegmentDurationV0: uint32(mediaMovie), MediaTimeV0: 0, MediaRateInteger: 1},
					},
				})
			})
			if err != nil {
				return err
			}
		}

		return withBox(mw, mp4.BoxTypeMdia(), func() error {
			return writeMdia(mw, video, p)
		})
	})
}

func writeMdia(mw *mp4.Writer, video VideoSettings, p trackPlan) error {
	in := p.in
	err := writeBox(mw, mp4.BoxTypeMdhd(), &mp4.Mdhd{
		Timescale:  in.timescale,
		DurationV0: uint32(p.mediaTicks),
		Language:   [3]byte{'u' - 0x60, 'n' - 0x60, 'd' - 0x60},
	})
	if err != nil {
		return err
	}

	hdlr := &mp4.Hdlr{HandlerType: brand("vide"), Name: "VideoHandler"}
	if in.kind == KindAudio {
		hdlr = &mp4.Hdlr{HandlerType: brand("soun"), Name: "SoundHandler"}
	}
	if err := writeBox(mw, mp4.BoxTypeHdlr(), hdlr); err != nil {
		return err
	}

	return withBox(mw, mp4.BoxTypeMinf(), func() error {
		if in.kind == KindVideo {
			err = writeBox(mw, mp4.BoxTypeVmhd(), &mp4.Vmhd{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}})
		} else {
			err = writeBox(mw, mp4.BoxTypeSmhd(), &mp4.Smhd{})
		}
		if err != nil {
			return err
		}

		err = withBox(mw, mp4.BoxTypeDinf(), func() error {
			return withBox(mw, mp4.BoxTypeDref(), func() error {
				if _, err := mp4.Marshal(mw, &mp4.Dref{EntryCount: 1}, mp4.Context{}); err != nil {
					return err
				}
				return writeBox(mw, mp4.BoxTypeUrl(), &mp4.Url{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}})
			})
		})
		if err != nil {
			return err
		}

		return withBox(mw, mp4.BoxTypeStbl(), func() error {
			return writeStbl(mw, video, p)
		})
	})
}

func writeStbl(mw *mp4.Writer, video VideoSettings, p trackPlan) error {
	in := p.in

	err := withBox(mw, mp4.BoxTypeStsd(), func() error {
		if _, err := mp4.Marshal(mw, &mp4.Stsd{EntryCount: 1}, mp4.Context{}); err != nil {
			return err
		}
		if in.kind == KindVideo {
			return writeVisualEntry(mw, video, in.decoderConfig)
		}
		return writeAudioEntry(mw, in.audio, in.decoderConfig)
	})
	if err != nil {
		return err
	}

	stts := &mp4.Stts{}
	for _, d := range p.deltas {
		if n := len(stts.Entries); n > 0 && stts.Entries[n-1].SampleDelta == d {
			stts.Entries[n-1].SampleCount++
			continue
		}
		stts.Entries = append(stts.Entries, mp4.SttsEntry{SampleCount: 1, SampleDelta: d})
	}
	stts.EntryCount = uint32(len(stts.Entries))
	if err := writeBox(mw, mp4.BoxTypeStts(), stts); err != nil {
		return err
	}

	if in.kind == KindVideo && len(in.syncSamples) > 0 && len(in.syncSamples) < len(in.sizes) {
		err := writeBox(mw, mp4.BoxTypeStss(), &mp4.Stss{
			EntryCount:   uint32(len(in.syncSamples)),
			SampleNumber: in.syncSamples,
		})
		if err != nil {
			return err
		}
	}

	err = writeBox(mw, mp4.BoxTypeStsc(), &mp4.Stsc{
		EntryCount: 1,
		Entries:    []mp4.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionIndex: 1}},
	})
	if err != nil {
		return err
	}

	err = writeBox(mw, mp4.BoxTypeStsz(), &mp4.Stsz{
		SampleCount: uint32(len(in.sizes)),
		EntrySize:   in.sizes,
	})
	if err != nil {
		return err
	}

	return writeChunkOffsets(mw, in.offsets)
}

// writeChunkOffsets writes stco, or co64 once an offset no longer fits in
// 32 bits.
func writeChunkOffsets(mw *mp4.Writer, offsets []uint64) error {
	if len(offsets) > 0 && offsets[len(offsets)-1] > math.MaxUint32 {
		return writeBox(mw, mp4.BoxTypeCo64(), &mp4.Co64{
			EntryCount:  uint32(len(offsets)),
			ChunkOffset: offsets,
		})
	}
	short := make([]uint32, len(offsets))
	for i, off := range offsets {
		short[i] = uint32(off)
	}
	return writeBox(mw, mp4.BoxTypeStco(), &mp4.Stco{
		EntryCount:  uint32(len(short)),
		ChunkOffset: short,
	})
}

func writeVisualEntry(mw *mp4.Writer, video VideoSettings, decoderConfig []byte) error {
	return withBox(mw, mp4.BoxTypeAvc1(), func() error {
		entry := &mp4.VisualSampleEntry{
			SampleEntry: mp4.SampleEntry{
				AnyTypeBox:         mp4.AnyTypeBox{Type: mp4.BoxTypeAvc1()},
				DataReferenceIndex: 1,
			},
			Width:           uint16(video.Width),
			Height:          uint16(video.Height),
			Horizresolution: 0x00480000,
			Vertresolution:  0x00480000,
			FrameCount:      1,
			Depth:           0x0018,
			PreDefined3:     -1,
		}
		if _, err := mp4.Marshal(mw, entry, mp4.Context{}); err != nil {
			return err
		}
		if len(decoderConfig) == 0 {
			return nil
		}
		return writeRawBox(mw, mp4.BoxTypeAvcC(), decoderConfig)
	})
}

func writeAudioEntry(mw *mp4.Writer, audio AudioSettings, decoderConfig []byte) error {
	return withBox(mw, mp4.BoxTypeMp4a(), func() error {
		entry := &mp4.AudioSampleEntry{
			SampleEntry: mp4.SampleEntry{
				AnyTypeBox:         mp4.AnyTypeBox{Type: mp4.BoxTypeMp4a()},
				DataReferenceIndex: 1,
			},
			ChannelCount: uint16(audio.Channels),
			SampleSize:   16,
			SampleRate:   uint32(audio.SampleRate) << 16,
		}
		if _, err := mp4.Marshal(mw, entry, mp4.Context{}); err != nil {
			return err
		}
		if len(decoderConfig) == 0 {
			return nil
		}
		return writeRawBox(mw, mp4.BoxTypeEsds(), decoderConfig)
	})
}
