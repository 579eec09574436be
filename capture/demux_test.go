package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{0x67, 0x64, 0x00, 0x1f, 0xac}
	testPPS = []byte{0x68, 0xee, 0x3c, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x21}
)

func annexB(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, 0, 0, 0, 1)
		b = append(b, n...)
	}
	return b
}

// adts wraps au in a 7-byte AAC-LC header, 44100 Hz, mono, no CRC.
func adts(au []byte) []byte {
	frameLen := 7 + len(au)
	h := []byte{
		0xff, 0xf1,
		1<<6 | 4<<2,
		1<<6 | byte(frameLen>>11),
		byte(frameLen >> 3),
		byte(frameLen&7)<<5 | 0x1f,
		0xfc,
	}
	return append(h, au...)
}

func TestH264KeyframeCarriesDecoderConfig(t *testing.T) {
	var s h264Stream
	samples, err := s.push(annexB([]byte{0x09, 0xf0}, testSPS, testPPS, testIDR), 2*time.Second)
	require.NoError(t, err)
	require.Len(t, samples, 1)

	got := samples[0]
	assert.Equal(t, SampleVideo, got.Type)
	assert.Equal(t, 2*time.Second, got.PTS)
	assert.True(t, got.Keyframe)
	assert.Equal(t, avcDecoderConfig(testSPS, testPPS), got.Config)

	want := []byte{0, 0, 0, 5}
	want = append(want, testSPS...)
	want = append(want, 0, 0, 0, 4)
	want = append(want, testPPS...)
	want = append(want, 0, 0, 0, 4)
	want = append(want, testIDR...)
	assert.Equal(t, want, got.Data, "access unit delimiter is stripped")
}

func TestH264DeltaFrame(t *testing.T) {
	var s h264Stream
	_, err := s.push(annexB(testSPS, testPPS, testIDR), 0)
	require.NoError(t, err)

	samples, err := s.push(annexB([]byte{0x41, 0x9a, 0x02}), 40*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.False(t, samples[0].Keyframe)
	assert.Nil(t, samples[0].Config)
	assert.Equal(t, []byte{0, 0, 0, 3, 0x41, 0x9a, 0x02}, samples[0].Data)
}

func TestAVCDecoderConfigLayout(t *testing.T) {
	cfg := avcDecoderConfig(testSPS, testPPS)
	require.Len(t, cfg, 11+len(testSPS)+len(testPPS))
	assert.Equal(t, []byte{1, 0x64, 0x00, 0x1f, 0xff, 0xe1, 0, byte(len(testSPS))}, cfg[:8])
	assert.Equal(t, byte(1), cfg[8+len(testSPS)])

	assert.Nil(t, avcDecoderConfig([]byte{0x67}, testPPS))
}

func TestAACFramesSplitFromOnePES(t *testing.T) {
	s := aacStream{tag: SampleAppAudio}
	pes := append(adts([]byte{1, 2, 3}), adts([]byte{4, 5})...)

	samples, err := s.push(pes, time.Second)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, SampleAppAudio, samples[0].Type)
	assert.Equal(t, []byte{1, 2, 3}, samples[0].Data)
	assert.Equal(t, []byte{4, 5}, samples[1].Data)
	assert.Equal(t, time.Second, samples[0].PTS)
	assert.Equal(t, time.Second+time.Duration(1024*int64(time.Second)/44100), samples[1].PTS)

	require.NotEmpty(t, samples[0].Config)
	assert.Nil(t, samples[1].Config)

	more, err := s.push(adts([]byte{6}), 2*time.Second)
	require.NoError(t, err)
	require.Len(t, more, 1)
	assert.Nil(t, more[0].Config, "config is sent once per stream")
}

func TestESDSPayloadLayout(t *testing.T) {
	asc := []byte{0x12, 0x08}
	b := esdsPayload(asc)

	require.Len(t, b, 31)
	assert.Equal(t, []byte{0, 0, 0, 0}, b[:4], "version and flags")
	assert.Equal(t, []byte{0x03, 25}, b[4:6])
	assert.Equal(t, []byte{0x04, 17, 0x40, 0x15}, b[9:13])
	assert.Equal(t, []byte{0x05, 2, 0x12, 0x08}, b[24:28])
	assert.Equal(t, []byte{0x06, 1, 0x02}, b[28:])
}

func TestPTSClockUnwraps(t *testing.T) {
	var c ptsClock
	first := c.unwrap(256, ptsWrap-ptsClockRate)
	second := c.unwrap(256, ptsClockRate)
	assert.Equal(t, 2*time.Second, second-first)

	assert.Equal(t, time.Second, c.unwrap(257, ptsClockRate), "clocks are per PID")
}
