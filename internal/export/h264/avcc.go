package h264

import "github.com/pkg/errors"

// DecoderConfig builds an AVCDecoderConfigurationRecord (the avcC payload used
// as Matroska CodecPrivate) from a single SPS and PPS.
func DecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, errors.New("SPS and PPS are required")
	}
	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out,
		0x01,   // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // reserved(6) + lengthSizeMinusOne = 3
		0xE1,   // reserved(3) + numOfSequenceParameterSets = 1
		byte(len(sps)>>8), byte(len(sps)),
	)
	out = append(out, sps...)
	out = append(out, 0x01, byte(len(pps)>>8), byte(len(pps)))
	out = append(out, pps...)
	return out, nil
}
