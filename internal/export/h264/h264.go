// Package h264 holds the H.264 bitstream helpers the export pipeline needs:
// splitting an encoder's Annex-B byte stream into access units, converting
// access units to length-prefixed AVCC samples and extracting parameter sets.
package h264

import (
	"bytes"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
)

// audStartCode is an access unit delimiter NAL preceded by a 4-byte start code.
var audStartCode = []byte{0x00, 0x00, 0x00, 0x01, byte(mch264.NALUTypeAccessUnitDelimiter)}

// AccessUnitSplitter cuts a continuous Annex-B stream into access units.
// The encoder must emit an access unit delimiter before every access unit.
type AccessUnitSplitter struct {
	buf []byte
}

// Write appends stream bytes and returns every access unit completed by them.
func (s *AccessUnitSplitter) Write(p []byte) [][]byte {
	s.buf = append(s.buf, p...)

	var out [][]byte
	for {
		// search past the delimiter the buffer starts with
		next := bytes.Index(s.buf[min(len(s.buf), 1):], audStartCode)
		if next < 0 {
			return out
		}
		next++
		if next > 0 && hasPayload(s.buf[:next]) {
			au := make([]byte, next)
			copy(au, s.buf[:next])
			out = append(out, au)
		}
		s.buf = s.buf[next:]
	}
}

// Flush returns whatever is buffered as the final access unit.
func (s *AccessUnitSplitter) Flush() []byte {
	if !hasPayload(s.buf) {
		s.buf = nil
		return nil
	}
	au := s.buf
	s.buf = nil
	return au
}

// hasPayload reports whether data holds more than a lone delimiter.
func hasPayload(data []byte) bool {
	return len(data) > len(audStartCode)+1
}

// Split parses one Annex-B access unit into NAL units.
func Split(au []byte) ([][]byte, error) {
	var annexB mch264.AnnexB
	if err := annexB.Unmarshal(au); err != nil {
		return nil, errors.Wrap(err, "failed to parse Annex-B access unit")
	}
	return annexB, nil
}

// ToAVCC converts an Annex-B access unit into an MP4/Matroska sample with
// 4-byte length prefixes. Access unit delimiters are dropped.
func ToAVCC(au []byte) ([]byte, error) {
	nalus, err := Split(au)
	if err != nil {
		return nil, err
	}
	kept := make(mch264.AVCC, 0, len(nalus))
	for _, nalu := range nalus {
		if len(nalu) == 0 || naluType(nalu) == mch264.NALUTypeAccessUnitDelimiter {
			continue
		}
		kept = append(kept, nalu)
	}
	if len(kept) == 0 {
		return nil, errors.New("access unit holds no NAL units")
	}
	out, err := kept.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal AVCC sample")
	}
	return out, nil
}

// ParameterSets returns the first SPS and PPS found in an Annex-B access unit.
func ParameterSets(au []byte) (sps, pps []byte) {
	nalus, err := Split(au)
	if err != nil {
		return nil, nil
	}
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch naluType(nalu) {
		case mch264.NALUTypeSPS:
			if sps == nil {
				sps = append([]byte{}, nalu...)
			}
		case mch264.NALUTypePPS:
			if pps == nil {
				pps = append([]byte{}, nalu...)
			}
		}
	}
	return sps, pps
}

// IsRandomAccess reports whether the access unit contains an IDR slice.
func IsRandomAccess(au []byte) bool {
	nalus, err := Split(au)
	if err != nil {
		return false
	}
	for _, nalu := range nalus {
		if len(nalu) > 0 && naluType(nalu) == mch264.NALUTypeIDR {
			return true
		}
	}
	return false
}

func naluType(nalu []byte) mch264.NALUType {
	return mch264.NALUType(nalu[0] & 0x1F)
}
