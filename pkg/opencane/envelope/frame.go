package envelope

import (
	"encoding/binary"
	"fmt"

	"github.com/iflabx/opencane/pkg/opencane/errs"
)

// FrameHeaderSize is the size in bytes of the framed_packet audio header.
const FrameHeaderSize = 16

// MaxPayloadLen is the largest payload_len a 24-bit-capped field can carry
// (2^24), matching the round-trip law in spec §8.
const MaxPayloadLen = 1 << 24

// Frame is the decoded form of a framed_packet audio packet: a fixed
// 16-byte header followed by the raw audio payload.
//
//	offset  size  field
//	0       1     magic
//	1       1     version
//	2       1     type      (reserved; 0 = audio)
//	3       1     flags     (reserved)
//	4       4     seq       (big-endian)
//	8       4     timestamp_ms (big-endian)
//	12      4     payload_len  (big-endian)
type Frame struct {
	Magic       byte
	Version     byte
	FrameType   byte
	Flags       byte
	Seq         uint32
	TimestampMs uint32
	Payload     []byte
}

// Encode serializes f into header+payload wire bytes.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("envelope: payload_len %d exceeds %d: %w", len(f.Payload), MaxPayloadLen, errs.ErrInvalidAudioFrame)
	}
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	buf[0] = f.Magic
	buf[1] = f.Version
	buf[2] = f.FrameType
	buf[3] = f.Flags
	binary.BigEndian.PutUint32(buf[4:8], f.Seq)
	binary.BigEndian.PutUint32(buf[8:12], f.TimestampMs)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(f.Payload)))
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf, nil
}

// DecodeFrame parses header+payload wire bytes into a Frame. expectMagic, if
// non-zero, rejects frames whose magic byte does not match (profile
// mismatch); pass 0 to skip the check.
func DecodeFrame(buf []byte, expectMagic byte) (Frame, error) {
	if len(buf) < FrameHeaderSize {
		return Frame{}, fmt.Errorf("envelope: frame shorter than header (%d bytes): %w", len(buf), errs.ErrInvalidAudioFrame)
	}
	f := Frame{
		Magic:       buf[0],
		Version:     buf[1],
		FrameType:   buf[2],
		Flags:       buf[3],
		Seq:         binary.BigEndian.Uint32(buf[4:8]),
		TimestampMs: binary.BigEndian.Uint32(buf[8:12]),
	}
	if expectMagic != 0 && f.Magic != expectMagic {
		return Frame{}, fmt.Errorf("envelope: magic byte %#x, want %#x: %w", f.Magic, expectMagic, errs.ErrInvalidAudioFrame)
	}
	payloadLen := binary.BigEndian.Uint32(buf[12:16])
	if int(FrameHeaderSize+payloadLen) > len(buf) {
		return Frame{}, fmt.Errorf("envelope: header+payload_len %d exceeds buffer %d: %w", FrameHeaderSize+payloadLen, len(buf), errs.ErrInvalidAudioFrame)
	}
	f.Payload = buf[FrameHeaderSize : FrameHeaderSize+payloadLen]
	return f, nil
}
