// Package media defines the access-unit type that flows from the ingest
// adapter to the recording and preview paths, plus the ownership and wire
// format helpers used at goroutine boundaries.
package media

import (
	"encoding/binary"
	"time"

	"github.com/zsiec/aircap/internal/demux"
)

// Codec identifies the video coding standard of a stream.
type Codec int

// Supported codecs.
const (
	CodecH264 Codec = iota
	CodecH265
)

// String returns the lowercase codec name.
func (c Codec) String() string {
	if c == CodecH265 {
		return "h265"
	}
	return "h264"
}

// AccessUnit is one coded picture: the ordered NAL units delivered together
// by the source, with the local capture timestamp. NALUs are owned by the
// AccessUnit (copied out of the delivery buffer) and carry no start codes,
// so the unit is safe to hand across goroutines.
type AccessUnit struct {
	CaptureTime time.Time
	Codec       Codec
	IsKeyframe  bool
	NALUs       [][]byte
}

// NewAccessUnit builds an owned AccessUnit from NAL units parsed out of a
// delivery buffer. The buffer backing the units must remain valid for the
// duration of the call; the result does not reference it.
func NewAccessUnit(units []demux.NALUnit, codec Codec, capture time.Time) *AccessUnit {
	au := &AccessUnit{
		CaptureTime: capture,
		Codec:       codec,
		NALUs:       CloneNALUs(units),
	}
	for _, u := range units {
		if codec == CodecH265 {
			if demux.IsHEVCKeyframe(u.Type) {
				au.IsKeyframe = true
			}
		} else if demux.IsKeyframe(u.Type) {
			au.IsKeyframe = true
		}
	}
	return au
}

// ConfigOnly reports whether the unit carries only parameter sets and no
// coded picture data. Senders deliver such units ahead of the first frame
// and on configuration changes.
func (au *AccessUnit) ConfigOnly() bool {
	if len(au.NALUs) == 0 {
		return false
	}
	for _, nalu := range au.NALUs {
		if len(nalu) == 0 {
			return false
		}
		if au.Codec == CodecH265 {
			if !demux.IsHEVCParameterSet(demux.HEVCNALType(nalu[0])) {
				return false
			}
		} else if !demux.IsParameterSet(nalu[0] & 0x1F) {
			return false
		}
	}
	return true
}

// CloneNALUs deep-copies parsed NAL units into freshly allocated slices.
// This is the mandatory step before a demuxed unit crosses an asynchronous
// boundary, since the parse results are views into the producer's buffer.
func CloneNALUs(units []demux.NALUnit) [][]byte {
	if len(units) == 0 {
		return nil
	}
	out := make([][]byte, len(units))
	for i, u := range units {
		c := make([]byte, len(u.Data))
		copy(c, u.Data)
		out[i] = c
	}
	return out
}

// LengthPrefixed serializes NAL units into the AVCC/HVCC sample form required
// by MP4 tracks: each unit preceded by a 4-byte big-endian length. Any
// residual Annex-B start code prefix is stripped first.
func LengthPrefixed(nalus [][]byte) []byte {
	var total int
	for _, nalu := range nalus {
		raw := stripStartCode(nalu)
		total += 4 + len(raw)
	}

	out := make([]byte, 0, total)
	for _, nalu := range nalus {
		raw := stripStartCode(nalu)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
		out = append(out, lenBuf[:]...)
		out = append(out, raw...)
	}
	return out
}

// stripStartCode removes a 3-byte or 4-byte Annex B start code prefix.
func stripStartCode(nalu []byte) []byte {
	if len(nalu) >= 4 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 0 && nalu[3] == 1 {
		return nalu[4:]
	}
	if len(nalu) >= 3 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 1 {
		return nalu[3:]
	}
	return nalu
}
