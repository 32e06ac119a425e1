package h264

import (
	mbits "math/bits"

	"github.com/bluenviron/mediacommon/v2/pkg/bits"
	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const (
	placeholderProfile = 100 // High
	placeholderLevel   = 51
)

// PlaceholderParameterSets returns a minimal 4:2:0 High profile SPS and PPS
// for a width x height picture. They describe a track that never carries a
// sample, so a stream with no frames can still declare its decoder
// configuration.
func PlaceholderParameterSets(width, height int) (sps, pps []byte) {
	mbW := (width + 15) / 16
	mbH := (height + 15) / 16
	cropRight := (mbW*16 - width) / 2
	cropBottom := (mbH*16 - height) / 2

	w := &rbspWriter{buf: make([]byte, 64)}
	w.bits(placeholderProfile, 8)
	w.bits(0, 8) // constraint flags
	w.bits(placeholderLevel, 8)
	w.ue(0) // seq_parameter_set_id
	w.ue(1) // chroma_format_idc 4:2:0
	w.ue(0) // bit_depth_luma_minus8
	w.ue(0) // bit_depth_chroma_minus8
	w.flag(false)
	w.flag(false) // no scaling matrix
	w.ue(0)       // log2_max_frame_num_minus4
	w.ue(2)       // pic_order_cnt_type
	w.ue(1)       // max_num_ref_frames
	w.flag(false)
	w.ue(uint32(mbW - 1))
	w.ue(uint32(mbH - 1))
	w.flag(true) // frame_mbs_only_flag
	w.flag(true) // direct_8x8_inference_flag
	if cropRight > 0 || cropBottom > 0 {
		w.flag(true)
		w.ue(0)
		w.ue(uint32(cropRight))
		w.ue(0)
		w.ue(uint32(cropBottom))
	} else {
		w.flag(false)
	}
	w.flag(false) // no VUI
	sps = w.nalu(mch264.NALUTypeSPS)

	w = &rbspWriter{buf: make([]byte, 16)}
	w.ue(0) // pic_parameter_set_id
	w.ue(0) // seq_parameter_set_id
	w.flag(false)
	w.flag(false)
	w.ue(0) // num_slice_groups_minus1
	w.ue(0) // num_ref_idx_l0_default_active_minus1
	w.ue(0) // num_ref_idx_l1_default_active_minus1
	w.flag(false)
	w.bits(0, 2)
	w.ue(0) // pic_init_qp_minus26, se(0)
	w.ue(0) // pic_init_qs_minus26, se(0)
	w.ue(0) // chroma_qp_index_offset, se(0)
	w.flag(true) // deblocking_filter_control_present_flag
	w.flag(false)
	w.flag(false)
	pps = w.nalu(mch264.NALUTypePPS)
	return sps, pps
}

type rbspWriter struct {
	buf []byte
	pos int
}

func (w *rbspWriter) bits(v uint64, n int) {
	bits.WriteBitsUnsafe(w.buf, &w.pos, v, n)
}

func (w *rbspWriter) flag(v bool) {
	bits.WriteFlagUnsafe(w.buf, &w.pos, v)
}

// ue writes an unsigned Exp-Golomb code.
func (w *rbspWriter) ue(v uint32) {
	x := uint64(v) + 1
	n := mbits.Len64(x)
	w.bits(0, n-1)
	w.bits(x, n)
}

// nalu terminates the RBSP and prepends a nal_ref_idc=3 header.
func (w *rbspWriter) nalu(typ mch264.NALUType) []byte {
	w.flag(true) // rbsp_stop_one_bit
	payload := w.buf[:(w.pos+7)/8]

	out := make([]byte, 0, len(payload)+4)
	out = append(out, 0x60|byte(typ))
	zeros := 0
	for _, b := range payload {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
