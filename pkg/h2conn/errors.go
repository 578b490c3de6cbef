package h2conn

import "fmt"

// ErrCode is one of the RFC 7540 §7 error codes, carried on RST_STREAM and
// GOAWAY frames and used internally to classify failures by scope.
type ErrCode uint32

const (
	ErrCodeNo                 ErrCode = 0x0
	ErrCodeProtocol           ErrCode = 0x1
	ErrCodeInternal           ErrCode = 0x2
	ErrCodeFlowControl        ErrCode = 0x3
	ErrCodeSettingsTimeout    ErrCode = 0x4
	ErrCodeStreamClosed       ErrCode = 0x5
	ErrCodeFrameSize          ErrCode = 0x6
	ErrCodeRefusedStream      ErrCode = 0x7
	ErrCodeCancel             ErrCode = 0x8
	ErrCodeCompression        ErrCode = 0x9
	ErrCodeConnect            ErrCode = 0xa
	ErrCodeEnhanceYourCalm    ErrCode = 0xb
	ErrCodeInadequateSecurity ErrCode = 0xc
	ErrCodeHTTP11Required     ErrCode = 0xd
)

var errCodeNames = map[ErrCode]string{
	ErrCodeNo:                 "NO_ERROR",
	ErrCodeProtocol:           "PROTOCOL_ERROR",
	ErrCodeInternal:           "INTERNAL_ERROR",
	ErrCodeFlowControl:        "FLOW_CONTROL_ERROR",
	ErrCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrCodeStreamClosed:       "STREAM_CLOSED",
	ErrCodeFrameSize:          "FRAME_SIZE_ERROR",
	ErrCodeRefusedStream:      "REFUSED_STREAM",
	ErrCodeCancel:             "CANCEL",
	ErrCodeCompression:        "COMPRESSION_ERROR",
	ErrCodeConnect:            "CONNECT_ERROR",
	ErrCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (c ErrCode) String() string {
	if name, ok := errCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERR_CODE(%d)", uint32(c))
}

// StreamError affects exactly one stream: the stream is reset and closed,
// the connection otherwise proceeds.
type StreamError struct {
	StreamID uint32
	Code     ErrCode
}

func (e StreamError) Error() string {
	return fmt.Sprintf("stream %d: %s", e.StreamID, e.Code)
}

// ConnectionError is unrecoverable: the connection sends GOAWAY and
// closes. No further frames are processed once raised.
type ConnectionError struct {
	Code ErrCode
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s", e.Code)
}

// H2StreamResetError is the error surfaced to a caller when the peer reset
// a stream with RST_STREAM, carried over from the teacher's client for the
// same user-visible shape.
type H2StreamResetError struct {
	Code ErrCode
}

func (e H2StreamResetError) Error() string {
	return fmt.Sprintf("stream reset by peer: %s", e.Code)
}
