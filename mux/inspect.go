package mux

import (
	"fmt"
	"os"
	"time"

	"github.com/abema/go-mp4"
)

// TrackInfo describes one track read back from a container.
type TrackInfo struct {
	ID          uint32
	Kind        Kind
	Codec       string
	Timescale   uint32
	Duration    time.Duration
	StartOffset time.Duration
	SampleCount int
	// SampleTimes are presentation times relative to the movie start.
	SampleTimes []time.Duration
	// ChunkOffsets are file offsets from stco or co64.
	ChunkOffsets []uint64
}

// Info is the result of Inspect.
type Info struct {
	Duration time.Duration
	Tracks   []TrackInfo
}

// Count returns the number of tracks of kind k.
func (i *Info) Count(k Kind) int {
	n := 0
	for _, t := range i.Tracks {
		if t.Kind == k {
			n++
		}
	}
	return n
}

// Inspect reopens an MP4 file and reports its tracks and sample timing.
func Inspect(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mvhds, err := mp4.ExtractBoxWithPayload(f, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeMvhd()})
	if err != nil {
		return nil, fmt.Errorf("read mvhd: %w", err)
	}
	if len(mvhds) != 1 {
		return nil, fmt.Errorf("expected one mvhd, found %d", len(mvhds))
	}
	mvhd := mvhds[0].Payload.(*mp4.Mvhd)
	movieScale := mvhd.Timescale
	if movieScale == 0 {
		return nil, fmt.Errorf("mvhd has zero timescale")
	}

	info := &Info{Duration: scaled(uint64(mvhd.DurationV0), movieScale)}

	traks, err := mp4.ExtractBox(f, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak()})
	if err != nil {
		return nil, fmt.Errorf("read trak: %w", err)
	}
	for _, trak := range traks {
		t, err := inspectTrak(f, trak, movieScale)
		if err != nil {
			return nil, err
		}
		info.Tracks = append(info.Tracks, t)
	}
	return info, nil
}

func inspectTrak(f *os.File, trak *mp4.BoxInfo, movieScale uint32) (TrackInfo, error) {
	var t TrackInfo

	tkhd, err := extractOne(f, trak, mp4.BoxPath{mp4.BoxTypeTkhd()})
	if err != nil {
		return t, err
	}
	t.ID = tkhd.(*mp4.Tkhd).TrackID

	mdhd, err := extractOne(f, trak, mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeMdhd()})
	if err != nil {
		return t, err
	}
	t.Timescale = mdhd.(*mp4.Mdhd).Timescale
	if t.Timescale == 0 {
		return t, fmt.Errorf("track %d has zero timescale", t.ID)
	}
	t.Duration = scaled(uint64(mdhd.(*mp4.Mdhd).DurationV0), t.Timescale)

	hdlr, err := extractOne(f, trak, mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeHdlr()})
	if err != nil {
		return t, err
	}
	switch string(hdlr.(*mp4.Hdlr).HandlerType[:]) {
	case "vide":
		t.Kind = KindVideo
	case "soun":
		t.Kind = KindAudio
	}

	stsd := mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsd()}
	for _, codec := range []mp4.BoxType{mp4.BoxTypeAvc1(), mp4.BoxTypeMp4a()} {
		found, err := mp4.ExtractBox(f, trak, append(append(mp4.BoxPath{}, stsd...), codec))
		if err != nil {
			return t, err
		}
		if len(found) > 0 {
			t.Codec = codec.String()
		}
	}

	elsts, err := mp4.ExtractBoxWithPayload(f, trak, mp4.BoxPath{mp4.BoxTypeEdts(), mp4.BoxTypeElst()})
	if err != nil {
		return t, err
	}
	if len(elsts) > 0 {
		elst := elsts[0].Payload.(*mp4.Elst)
		if len(elst.Entries) > 0 && elst.Entries[0].MediaTimeV0 == -1 {
			t.StartOffset = scaled(uint64(elst.Entries[0].SegmentDurationV0), movieScale)
		}
	}

	stts, err := extractOne(f, trak, mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStts()})
	if err != nil {
		return t, err
	}
	var tick uint64
	for _, e := range stts.(*mp4.Stts).Entries {
		for i := uint32(0); i < e.SampleCount; i++ {
			t.SampleTimes = append(t.SampleTimes, t.StartOffset+scaled(tick, t.Timescale))
			tick += uint64(e.SampleDelta)
		}
	}
	t.SampleCount = len(t.SampleTimes)

	stbl := mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl()}
	offsets, err := mp4.ExtractBoxesWithPayload(f, trak, []mp4.BoxPath{
		append(append(mp4.BoxPath{}, stbl...), mp4.BoxTypeStco()),
		append(append(mp4.BoxPath{}, stbl...), mp4.BoxTypeCo64()),
	})
	if err != nil {
		return t, err
	}
	for _, box := range offsets {
		switch b := box.Payload.(type) {
		case *mp4.Stco:
			for _, off := range b.ChunkOffset {
				t.ChunkOffsets = append(t.ChunkOffsets, uint64(off))
			}
		case *mp4.Co64:
			t.ChunkOffsets = append(t.ChunkOffsets, b.ChunkOffset...)
		}
	}
	return t, nil
}

func extractOne(f *os.File, parent *mp4.BoxInfo, path mp4.BoxPath) (mp4.IBox, error) {
	boxes, err := mp4.ExtractBoxWithPayload(f, parent, path)
	if err != nil {
		return nil, err
	}
	if len(boxes) != 1 {
		return nil, fmt.Errorf("expected one %s box, found %d", path[len(path)-1], len(boxes))
	}
	return boxes[0].Payload, nil
}

func scaled(v uint64, timescale uint32) time.Duration {
	return time.Duration(v * uint64(time.Second) / uint64(timescale))
}
