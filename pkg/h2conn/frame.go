package h2conn

import "encoding/binary"

// FrameType is the 8-bit type field of an HTTP/2 frame header (RFC 7540
// §4.1, §11.2).
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

// Flags used across frame types; not every flag is valid on every type.
const (
	FlagEndStream  uint8 = 0x1
	FlagAck        uint8 = 0x1 // SETTINGS, PING
	FlagEndHeaders uint8 = 0x4
	FlagPadded     uint8 = 0x8
	FlagPriority   uint8 = 0x20
)

const frameHeaderLen = 9

// clientPreface is the fixed 24-byte connection preface of RFC 7540 §3.5.
var clientPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// FrameHeader is the decoded 9-byte frame header.
type FrameHeader struct {
	Length   uint32 // 24 bits
	Type     FrameType
	Flags    uint8
	StreamID uint32 // 31 bits
}

// appendFrameHeader appends the 9-byte wire encoding of hdr to dst.
func appendFrameHeader(dst []byte, hdr FrameHeader) []byte {
	dst = append(dst,
		byte(hdr.Length>>16), byte(hdr.Length>>8), byte(hdr.Length),
		byte(hdr.Type),
		hdr.Flags,
		byte(hdr.StreamID>>24)&0x7f, byte(hdr.StreamID>>16), byte(hdr.StreamID>>8), byte(hdr.StreamID),
	)
	return dst
}

// encodeFrame appends a complete frame (header + payload) to dst, enforcing
// that payload does not exceed maxFrameSize (the remote peer's advertised
// SETTINGS_MAX_FRAME_SIZE) and that streamID fits in 31 bits.
func encodeFrame(dst []byte, typ FrameType, flags uint8, streamID uint32, payload []byte, maxFrameSize uint32) ([]byte, error) {
	if streamID > 0x7fffffff {
		return nil, ConnectionError{Code: ErrCodeProtocol}
	}
	if uint32(len(payload)) > maxFrameSize {
		return nil, ConnectionError{Code: ErrCodeFrameSize}
	}
	dst = appendFrameHeader(dst, FrameHeader{
		Length:   uint32(len(payload)),
		Type:     typ,
		Flags:    flags,
		StreamID: streamID,
	})
	return append(dst, payload...), nil
}

// parseFrameHeader decodes the 9-byte header at the start of buf. Callers
// must ensure len(buf) >= frameHeaderLen.
func parseFrameHeader(buf []byte) FrameHeader {
	length := uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
	return FrameHeader{
		Length:   length,
		Type:     FrameType(buf[3]),
		Flags:    buf[4],
		StreamID: binary.BigEndian.Uint32(buf[5:9]) & 0x7fffffff,
	}
}

// rawFrame is one complete frame split off the read buffer.
type rawFrame struct {
	Header  FrameHeader
	Payload []byte
}

// readFrames parses as many complete frames as are available at the front
// of buf, appending each to out and validating length against
// maxFrameSize and the per-type minimum sizes and stream-id constraints of
// spec §4.1. It returns the unconsumed tail of buf, to be prepended to the
// next read.
func readFrames(buf []byte, maxFrameSize uint32, out []rawFrame) ([]rawFrame, []byte, error) {
	for {
		if len(buf) < frameHeaderLen {
			return out, buf, nil
		}
		hdr := parseFrameHeader(buf)
		if hdr.Length > maxFrameSize {
			return out, buf, ConnectionError{Code: ErrCodeFrameSize}
		}
		total := frameHeaderLen + int(hdr.Length)
		if len(buf) < total {
			return out, buf, nil
		}
		if err := validateFrameHeader(hdr); err != nil {
			return out, buf, err
		}
		out = append(out, rawFrame{Header: hdr, Payload: buf[frameHeaderLen:total]})
		buf = buf[total:]
	}
}

// validateFrameHeader enforces type-specific stream-id constraints from
// spec §4.1: SETTINGS/PING/GOAWAY are connection-scoped (stream 0);
// DATA/HEADERS/PRIORITY/RST_STREAM/PUSH_PROMISE/CONTINUATION/WINDOW_UPDATE
// with a nonzero id are stream-scoped. WINDOW_UPDATE is legal on either.
// Unknown frame types are explicitly not an error and MUST be ignored.
func validateFrameHeader(hdr FrameHeader) error {
	switch hdr.Type {
	case FrameSettings, FramePing, FrameGoAway:
		if hdr.StreamID != 0 {
			return ConnectionError{Code: ErrCodeProtocol}
		}
	case FrameData, FrameHeaders, FramePriority, FrameRSTStream, FramePushPromise, FrameContinuation:
		if hdr.StreamID == 0 {
			return ConnectionError{Code: ErrCodeProtocol}
		}
	case FrameWindowUpdate:
		// stream_id 0 (connection) or nonzero (stream) both valid.
	default:
		// unknown frame type: ignored per RFC 7540 §4.1, not an error.
	}
	if hdr.Type == FrameSettings && hdr.Flags&FlagAck != 0 && hdr.Length != 0 {
		return ConnectionError{Code: ErrCodeFrameSize}
	}
	if hdr.Type == FrameSettings && hdr.Length%6 != 0 {
		return ConnectionError{Code: ErrCodeFrameSize}
	}
	if hdr.Type == FramePing && hdr.Length != 8 {
		return ConnectionError{Code: ErrCodeFrameSize}
	}
	if hdr.Type == FrameWindowUpdate && hdr.Length != 4 {
		return ConnectionError{Code: ErrCodeFrameSize}
	}
	return nil
}
