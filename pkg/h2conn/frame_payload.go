package h2conn

import (
	"encoding/binary"
	"errors"
)

// DataPayload is the parsed body of a DATA frame (spec §4.1).
type DataPayload struct {
	Data      []byte
	EndStream bool
}

func parseDataPayload(hdr FrameHeader, payload []byte) (DataPayload, error) {
	data := payload
	if hdr.Flags&FlagPadded != 0 {
		var err error
		data, err = stripPadding(payload)
		if err != nil {
			return DataPayload{}, StreamError{StreamID: hdr.StreamID, Code: ErrCodeProtocol}
		}
	}
	return DataPayload{Data: data, EndStream: hdr.Flags&FlagEndStream != 0}, nil
}

// HeadersPayload is the parsed body of a HEADERS frame; Priority fields are
// populated only when PRIORITY flag is set.
type HeadersPayload struct {
	HeaderBlockFragment []byte
	EndStream           bool
	EndHeaders          bool
	Exclusive           bool
	StreamDependency    uint32
	Weight              uint8
	HasPriority         bool
}

func parseHeadersPayload(hdr FrameHeader, payload []byte) (HeadersPayload, error) {
	body := payload
	if hdr.Flags&FlagPadded != 0 {
		var err error
		body, err = stripPadding(body)
		if err != nil {
			return HeadersPayload{}, StreamError{StreamID: hdr.StreamID, Code: ErrCodeProtocol}
		}
	}
	out := HeadersPayload{
		EndStream:  hdr.Flags&FlagEndStream != 0,
		EndHeaders: hdr.Flags&FlagEndHeaders != 0,
	}
	if hdr.Flags&FlagPriority != 0 {
		if len(body) < 5 {
			return HeadersPayload{}, StreamError{StreamID: hdr.StreamID, Code: ErrCodeFrameSize}
		}
		dep := binary.BigEndian.Uint32(body[0:4])
		out.HasPriority = true
		out.Exclusive = dep&0x80000000 != 0
		out.StreamDependency = dep & 0x7fffffff
		out.Weight = body[4]
		body = body[5:]
	}
	out.HeaderBlockFragment = body
	return out, nil
}

// ContinuationPayload carries the next fragment of a header block.
type ContinuationPayload struct {
	HeaderBlockFragment []byte
	EndHeaders          bool
}

func parseContinuationPayload(hdr FrameHeader, payload []byte) ContinuationPayload {
	return ContinuationPayload{
		HeaderBlockFragment: payload,
		EndHeaders:          hdr.Flags&FlagEndHeaders != 0,
	}
}

// RSTStreamPayload carries the reset error code.
type RSTStreamPayload struct{ Code ErrCode }

func parseRSTStreamPayload(hdr FrameHeader, payload []byte) (RSTStreamPayload, error) {
	if len(payload) != 4 {
		return RSTStreamPayload{}, ConnectionError{Code: ErrCodeFrameSize}
	}
	return RSTStreamPayload{Code: ErrCode(binary.BigEndian.Uint32(payload))}, nil
}

// SettingID identifies one SETTINGS parameter (RFC 7540 §6.5.2).
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

// Setting is one id/value pair from a SETTINGS frame.
type Setting struct {
	ID    SettingID
	Value uint32
}

func parseSettingsPayload(payload []byte) []Setting {
	out := make([]Setting, 0, len(payload)/6)
	for i := 0; i+6 <= len(payload); i += 6 {
		out = append(out, Setting{
			ID:    SettingID(binary.BigEndian.Uint16(payload[i : i+2])),
			Value: binary.BigEndian.Uint32(payload[i+2 : i+6]),
		})
	}
	return out
}

func appendSettingsPayload(dst []byte, settings []Setting) []byte {
	for _, s := range settings {
		var b [6]byte
		binary.BigEndian.PutUint16(b[0:2], uint16(s.ID))
		binary.BigEndian.PutUint32(b[2:6], s.Value)
		dst = append(dst, b[:]...)
	}
	return dst
}

// PingPayload carries the 8-byte opaque value echoed back on ACK.
type PingPayload struct{ Data [8]byte }

func parsePingPayload(payload []byte) (PingPayload, error) {
	if len(payload) != 8 {
		return PingPayload{}, ConnectionError{Code: ErrCodeFrameSize}
	}
	var p PingPayload
	copy(p.Data[:], payload)
	return p, nil
}

// GoAwayPayload carries the shutdown reason and highest processed stream.
type GoAwayPayload struct {
	LastStreamID uint32
	Code         ErrCode
	DebugData    []byte
}

func parseGoAwayPayload(payload []byte) (GoAwayPayload, error) {
	if len(payload) < 8 {
		return GoAwayPayload{}, ConnectionError{Code: ErrCodeFrameSize}
	}
	return GoAwayPayload{
		LastStreamID: binary.BigEndian.Uint32(payload[0:4]) & 0x7fffffff,
		Code:         ErrCode(binary.BigEndian.Uint32(payload[4:8])),
		DebugData:    payload[8:],
	}, nil
}

func appendGoAwayPayload(dst []byte, lastStreamID uint32, code ErrCode, debugData []byte) []byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], lastStreamID&0x7fffffff)
	binary.BigEndian.PutUint32(b[4:8], uint32(code))
	dst = append(dst, b[:]...)
	return append(dst, debugData...)
}

// WindowUpdatePayload carries a flow-control increment.
type WindowUpdatePayload struct{ Increment uint32 }

func parseWindowUpdatePayload(hdr FrameHeader, payload []byte) (WindowUpdatePayload, error) {
	v := binary.BigEndian.Uint32(payload) & 0x7fffffff
	if v == 0 {
		if hdr.StreamID == 0 {
			return WindowUpdatePayload{}, ConnectionError{Code: ErrCodeProtocol}
		}
		return WindowUpdatePayload{}, StreamError{StreamID: hdr.StreamID, Code: ErrCodeProtocol}
	}
	return WindowUpdatePayload{Increment: v}, nil
}

func appendWindowUpdatePayload(dst []byte, increment uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], increment&0x7fffffff)
	return append(dst, b[:]...)
}

// PushPromisePayload carries the promised stream id and its header block.
type PushPromisePayload struct {
	PromisedStreamID    uint32
	HeaderBlockFragment []byte
	EndHeaders          bool
}

func parsePushPromisePayload(hdr FrameHeader, payload []byte) (PushPromisePayload, error) {
	body := payload
	if hdr.Flags&FlagPadded != 0 {
		var err error
		body, err = stripPadding(body)
		if err != nil {
			return PushPromisePayload{}, StreamError{StreamID: hdr.StreamID, Code: ErrCodeProtocol}
		}
	}
	if len(body) < 4 {
		return PushPromisePayload{}, ConnectionError{Code: ErrCodeFrameSize}
	}
	return PushPromisePayload{
		PromisedStreamID:    binary.BigEndian.Uint32(body[0:4]) & 0x7fffffff,
		HeaderBlockFragment: body[4:],
		EndHeaders:          hdr.Flags&FlagEndHeaders != 0,
	}, nil
}

// stripPadding removes the PADDED flag's leading pad-length byte and
// trailing padding octets, per RFC 7540 §6.1/§6.2.
func stripPadding(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errPaddingUnderflow
	}
	padLen := int(payload[0])
	body := payload[1:]
	if padLen > len(body) {
		return nil, errPaddingUnderflow
	}
	return body[:len(body)-padLen], nil
}

var errPaddingUnderflow = errors.New("h2conn: pad length exceeds frame payload")
