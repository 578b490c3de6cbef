package h2conn

import "bytes"

// StreamState is one state of the RFC 7540 §5.1 stream state machine.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamReservedLocal
	StreamReservedRemote
	StreamOpen
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamReservedLocal:
		return "reserved_local"
	case StreamReservedRemote:
		return "reserved_remote"
	case StreamOpen:
		return "open"
	case StreamHalfClosedLocal:
		return "half_closed_local"
	case StreamHalfClosedRemote:
		return "half_closed_remote"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is one HTTP/2 stream record (spec §3). It is a plain struct held
// in the connection's stream table, never a goroutine of its own — see
// DESIGN.md's stream.go entry.
type Stream struct {
	ID    uint32
	State StreamState

	window flowWindow

	headerBlockBuf  bytes.Buffer // accumulates HEADERS/CONTINUATION fragments
	decodingHeaders bool
	sawEndStream    bool

	// closeErr is non-nil once the stream has an associated error to
	// report in its stream_closed event; nil means NO_ERROR.
	closeErr error
}

// HeaderKV is one decoded header field delivered across the user boundary.
type HeaderKV struct {
	Name      string
	Value     string
	Sensitive bool
}

func newStream(id uint32, initialSendWindow, initialRecvWindow uint32) *Stream {
	return &Stream{
		ID: id,
		window: flowWindow{
			send: int64(initialSendWindow),
			recv: int64(initialRecvWindow),
		},
		State: StreamIdle,
	}
}

// streamTable maps stream id to Stream, per spec §4.4, and tracks the last
// ids seen in each direction so illegal reuse or going-backward can be
// detected.
type streamTable struct {
	streams map[uint32]*Stream

	nextLocalID     uint32 // next odd id this side will allocate
	lastLocalID     uint32
	lastRemoteID    uint32 // highest even/odd id seen from the peer
	openLocalCount  uint32
	openRemoteCount uint32
}

func newStreamTable() *streamTable {
	return &streamTable{
		streams:     make(map[uint32]*Stream),
		nextLocalID: 1,
	}
}

// allocate reserves the next client-initiated (odd) stream id. It returns
// an error once ids would overflow 31 bits, per spec §4.4: the connection
// is no longer usable for new streams.
func (t *streamTable) allocate(initialSendWindow, initialRecvWindow uint32) (*Stream, error) {
	if t.nextLocalID > 0x7fffffff {
		return nil, errStreamIDsExhausted
	}
	id := t.nextLocalID
	t.nextLocalID += 2
	t.lastLocalID = id
	s := newStream(id, initialSendWindow, initialRecvWindow)
	t.streams[id] = s
	t.openLocalCount++
	return s, nil
}

var errStreamIDsExhausted = ConnectionError{Code: ErrCodeProtocol}

func (t *streamTable) get(id uint32) (*Stream, bool) {
	s, ok := t.streams[id]
	return s, ok
}

// insertRemote records a stream the peer initiated or reserved (an ordinary
// request on an even id, or a PUSH_PROMISE's promised stream), keeping
// lastRemoteID and openRemoteCount consistent with allocate's bookkeeping
// for local streams.
func (t *streamTable) insertRemote(s *Stream) {
	t.streams[s.ID] = s
	if s.ID > t.lastRemoteID {
		t.lastRemoteID = s.ID
	}
	t.openRemoteCount++
}

// remove deletes a closed stream's record once all pending events for it
// have been delivered to the user boundary (spec §3 lifecycles).
func (t *streamTable) remove(id uint32) {
	if s, ok := t.streams[id]; ok {
		if s.State != StreamClosed {
			return
		}
		if id%2 == 1 && t.openLocalCount > 0 {
			t.openLocalCount--
		} else if id%2 == 0 && t.openRemoteCount > 0 {
			t.openRemoteCount--
		}
		delete(t.streams, id)
	}
}

// transitionSendHeaders advances state when this side sends HEADERS.
func (s *Stream) transitionSendHeaders(endStream bool) {
	if s.State == StreamIdle {
		s.State = StreamOpen
	}
	if endStream {
		s.closeHalfLocal()
	}
}

// transitionRecvHeaders advances state when HEADERS arrives from the peer.
func (s *Stream) transitionRecvHeaders(endStream bool) error {
	switch s.State {
	case StreamIdle:
		s.State = StreamOpen
	case StreamReservedRemote:
		s.State = StreamHalfClosedLocal
	case StreamOpen, StreamHalfClosedLocal:
		// trailers or continued response headers; state unchanged here.
	case StreamHalfClosedRemote, StreamClosed:
		return StreamError{StreamID: s.ID, Code: ErrCodeStreamClosed}
	default:
		return StreamError{StreamID: s.ID, Code: ErrCodeProtocol}
	}
	if endStream {
		s.closeHalfRemote()
	}
	return nil
}

// transitionRecvData advances state on a DATA frame from the peer.
func (s *Stream) transitionRecvData(endStream bool) error {
	switch s.State {
	case StreamOpen, StreamHalfClosedLocal:
	case StreamHalfClosedRemote, StreamClosed:
		return StreamError{StreamID: s.ID, Code: ErrCodeStreamClosed}
	default:
		return StreamError{StreamID: s.ID, Code: ErrCodeProtocol}
	}
	if endStream {
		s.closeHalfRemote()
	}
	return nil
}

// transitionSendData advances state when this side sends DATA.
func (s *Stream) transitionSendData(endStream bool) {
	if endStream {
		s.closeHalfLocal()
	}
}

func (s *Stream) closeHalfLocal() {
	switch s.State {
	case StreamOpen:
		s.State = StreamHalfClosedLocal
	case StreamHalfClosedRemote:
		s.State = StreamClosed
	}
}

func (s *Stream) closeHalfRemote() {
	s.sawEndStream = true
	switch s.State {
	case StreamOpen:
		s.State = StreamHalfClosedRemote
	case StreamHalfClosedLocal:
		s.State = StreamClosed
	}
}

// closeWithError forces the stream to closed, e.g. on RST_STREAM.
func (s *Stream) closeWithError(err error) {
	s.State = StreamClosed
	s.closeErr = err
}
