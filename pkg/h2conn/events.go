package h2conn

// Request is what a caller submits at the user boundary (spec §6): a set
// of pseudo-headers plus regular headers, an optional body, and a set of
// header names the caller wants encoded as HPACK "never indexed" literals.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Headers   []HeaderKV
	Body      []byte

	// SensitiveHeaders names headers (case-insensitive) that must be
	// encoded never-indexed regardless of the encoder's normal policy.
	SensitiveHeaders map[string]bool
}

// EventKind discriminates the union of events delivered on a StreamHandle
// or Connection's event channel.
type EventKind int

const (
	EventHeaders EventKind = iota
	EventData
	EventPushPromise
	EventStreamClosed
	EventConnectionClosed
	EventPingAck
)

// Event is a single user-boundary notification (spec §6). Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind

	StreamID uint32
	Headers  []HeaderKV
	Data     []byte
	EndStream bool

	ParentStreamID   uint32
	PromisedStreamID uint32

	Code ErrCode

	Reason string

	PingOpaque [8]byte
}

// StreamHandle is the opaque reference a caller uses to track a submitted
// request and receive its events, mirroring the teacher's H2StreamHandle
// but generalized to the full event set instead of a single response.
type StreamHandle struct {
	streamID uint32
	events   chan Event

	// pendingBody holds a PrepareRequest caller's body until ReleaseBody
	// sends it, the teacher's half-open pipelining pattern (spec §13).
	pendingBody []byte
}

// ID returns the allocated stream identifier, valid once Submit returns.
func (h *StreamHandle) ID() uint32 { return h.streamID }

// Events returns the channel on which this stream's events are delivered.
// It is closed after the terminal stream_closed event.
func (h *StreamHandle) Events() <-chan Event { return h.events }

// Response aggregates one stream's headers, body, and trailers, for
// callers that want the whole answer rather than a raw event stream (the
// half-open pipelining API's WaitResponse, spec §13).
type Response struct {
	Headers  []HeaderKV
	Body     []byte
	Trailers []HeaderKV
}

// submitResult is delivered to a queued pendingSubmit once it is admitted
// (or the connection dies while it was still waiting).
type submitResult struct {
	handle *StreamHandle
	err    error
}

// pendingSubmit is one request parked in Connection.pendingRequests while
// MAX_CONCURRENT_STREAMS is saturated.
type pendingSubmit struct {
	req      Request
	holdBody bool
	result   chan submitResult
}
