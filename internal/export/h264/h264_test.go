package h264

import (
	"testing"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
	0x20,
}

var testPPS = []byte{0x68, 0xce, 0x38, 0x80}

var testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x10}

var testPFrame = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}

var testAUD = []byte{0x09, 0xf0}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

func TestAccessUnitSplitter(t *testing.T) {
	keyAU := annexB(testAUD, testSPS, testPPS, testIDR)
	deltaAU := annexB(testAUD, testPFrame)
	stream := append(append(append([]byte{}, keyAU...), deltaAU...), keyAU...)

	for _, chunkSize := range []int{1, 3, 7, len(stream)} {
		var s AccessUnitSplitter
		var got [][]byte
		for off := 0; off < len(stream); off += chunkSize {
			end := min(off+chunkSize, len(stream))
			got = append(got, s.Write(stream[off:end])...)
		}
		if last := s.Flush(); last != nil {
			got = append(got, last)
		}

		require.Len(t, got, 3, "chunk size %d", chunkSize)
		assert.Equal(t, keyAU, got[0])
		assert.Equal(t, deltaAU, got[1])
		assert.Equal(t, keyAU, got[2])
	}
}

func TestAccessUnitSplitterIgnoresLoneDelimiter(t *testing.T) {
	var s AccessUnitSplitter
	assert.Empty(t, s.Write(annexB(testAUD)))
	assert.Nil(t, s.Flush())
}

func TestToAVCC(t *testing.T) {
	au := annexB(testAUD, testSPS, testPPS, testIDR)

	avcc, err := ToAVCC(au)
	require.NoError(t, err)

	var want []byte
	for _, n := range [][]byte{testSPS, testPPS, testIDR} {
		want = append(want, 0x00, 0x00, 0x00, byte(len(n)))
		want = append(want, n...)
	}
	assert.Equal(t, want, avcc)

	_, err = ToAVCC(annexB(testAUD))
	assert.Error(t, err)
}

func TestParameterSetsAndRandomAccess(t *testing.T) {
	key := annexB(testAUD, testSPS, testPPS, testIDR)
	sps, pps := ParameterSets(key)
	assert.Equal(t, testSPS, sps)
	assert.Equal(t, testPPS, pps)
	assert.True(t, IsRandomAccess(key))

	delta := annexB(testAUD, testPFrame)
	sps, pps = ParameterSets(delta)
	assert.Nil(t, sps)
	assert.Nil(t, pps)
	assert.False(t, IsRandomAccess(delta))
}

func TestDecoderConfigLayout(t *testing.T) {
	avcc, err := DecoderConfig(testSPS, testPPS)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), avcc[0])
	assert.Equal(t, testSPS[1], avcc[1])

	assert.Equal(t, byte(0xE1), avcc[5])
	assert.Equal(t, testSPS, avcc[8:8+len(testSPS)])
	assert.Equal(t, testPPS, avcc[len(avcc)-len(testPPS):])

	_, err = DecoderConfig(nil, testPPS)
	assert.Error(t, err)
}

func TestPlaceholderParameterSets(t *testing.T) {
	for _, tc := range []struct {
		width, height int
	}{
		{1920, 1080},
		{1280, 720},
		{640, 360},
		{16, 16},
		{3840, 2160},
	} {
		sps, pps := PlaceholderParameterSets(tc.width, tc.height)
		assert.Equal(t, mch264.NALUTypeSPS, mch264.NALUType(sps[0]&0x1F))
		assert.Equal(t, mch264.NALUTypePPS, mch264.NALUType(pps[0]&0x1F))

		var parsed mch264.SPS
		require.NoError(t, parsed.Unmarshal(sps), "%dx%d", tc.width, tc.height)
		assert.Equal(t, tc.width, parsed.Width())
		assert.Equal(t, tc.height, parsed.Height())

		avcc, err := DecoderConfig(sps, pps)
		require.NoError(t, err)
		assert.Equal(t, byte(placeholderProfile), avcc[1])
	}
}
