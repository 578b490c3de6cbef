// Package h2conn implements the core of an HTTP/2 client connection: a
// single-connection state machine that multiplexes concurrent streams over
// one transport, performs HPACK header compression, enforces flow control,
// and routes inbound frames to the right stream.
//
// A single goroutine (the engine's run loop) owns all mutable connection
// state — the stream table, both flow-control windows, and both HPACK
// contexts — so that HPACK's encoder/decoder state advances in exact frame
// order with the peer. Callers interact through Submit, Cancel, and Close;
// responses arrive as Events on a StreamHandle.
package h2conn

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/relaycore/h2conn/pkg/h2conn/hpack"
	"github.com/relaycore/h2conn/pkg/network"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/sync/errgroup"
)

// Connection is one HTTP/2 client connection: the frame pump, stream
// table, flow controller, settings store, and HPACK contexts bound
// together, per spec §2 and §4.5.
type Connection struct {
	conn   net.Conn
	cfg    *ClientConfig
	logger *zap.Logger

	// mu guards everything below; the run loop is the only long-lived
	// holder, callers touch these fields briefly from Submit/Cancel/Close.
	mu       sync.Mutex
	streams  *streamTable
	settings *settingsStore
	connWin  flowWindow
	overflow overflowQueue

	hpEncoder *hpack.Encoder
	hpDecoder *hpack.Decoder
	hpackBuf  bytes.Buffer

	writeCh chan writeRequest

	// handles maps a stream id to the StreamHandle its headers/data/closed
	// events are delivered to; entries are added by Submit/AcceptPush and
	// removed once the terminal stream_closed event has been sent.
	handles map[uint32]*StreamHandle

	// pendingRequests holds locally-initiated requests that arrived while
	// the peer's MAX_CONCURRENT_STREAMS was already saturated (spec §4.3,
	// §4.4: "additional requests go to pending_requests"). Drained in FIFO
	// order by drainPendingRequests whenever a stream closes or the peer
	// raises the limit.
	pendingRequests []*pendingSubmit

	pingAcks map[uint64]chan struct{}

	// headerBlockOwner is the stream id of an in-flight HEADERS/PUSH_PROMISE
	// header block that hasn't seen its END_HEADERS yet, or 0 when none is
	// open. Touched only by the read loop, so it needs no lock (spec §3:
	// no other frame may be interleaved before the terminating
	// CONTINUATION).
	headerBlockOwner uint32

	goAwaySent     bool
	goAwayReceived bool
	closed         bool

	// connEvents receives connection-scoped events (connection_closed);
	// stream-scoped events go to each StreamHandle's own channel.
	connEvents chan Event

	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
}

// Dial opens a TCP+TLS connection with ALPN "h2" negotiated and returns a
// Connection ready for Connect. It is a thin convenience over
// network.DialH2 for callers that don't already hold a net.Conn.
func Dial(ctx context.Context, addr string, cfg *ClientConfig, logger *zap.Logger) (*Connection, error) {
	if cfg == nil {
		cfg = NewClientConfig()
	}
	tlsConn, err := network.DialH2(ctx, addr, cfg.DialerConfig)
	if err != nil {
		return nil, fmt.Errorf("h2conn: dial %s: %w", addr, err)
	}
	return New(tlsConn, cfg, logger), nil
}

// New wraps an already-established transport (spec §6 transport boundary:
// a duplex byte stream with ALPN "h2" already negotiated) in a Connection.
// Call Connect to perform the preface/SETTINGS handshake and start the
// engine's background loops.
func New(conn net.Conn, cfg *ClientConfig, logger *zap.Logger) *Connection {
	if cfg == nil {
		cfg = NewClientConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Connection{
		conn:       conn,
		cfg:        cfg,
		logger:     logger.Named("h2conn").With(zap.String("remote", conn.RemoteAddr().String())),
		streams:    newStreamTable(),
		settings:   newSettingsStore(),
		writeCh:    make(chan writeRequest, 64),
		handles:    make(map[uint32]*StreamHandle),
		pingAcks:   make(map[uint64]chan struct{}),
		connEvents: make(chan Event, 16),
		done:       make(chan struct{}),
	}
	c.connWin = flowWindow{send: int64(c.settings.remote.InitialWindowSize), recv: int64(c.settings.local.InitialWindowSize)}
	c.hpEncoder = hpack.NewEncoder(&c.hpackBuf)
	c.hpDecoder = hpack.NewDecoder(c.settings.local.HeaderTableSize, nil)

	local := c.settings.local
	local.MaxConcurrentStreams = cfg.H2.MaxConcurrentStreams
	local.InitialWindowSize = cfg.H2.InitialWindowSize
	local.MaxFrameSize = cfg.H2.MaxFrameSize
	local.MaxHeaderListSize = cfg.H2.MaxHeaderListSize
	local.HeaderTableSize = cfg.H2.HeaderTableSize
	c.settings.local = local
	c.connWin.recv = int64(local.InitialWindowSize)

	return c
}

// Connect performs the preface + SETTINGS handshake (spec §4.5 Startup)
// and starts the read pump, write pump, and (if configured) ping loop
// under a shared errgroup bound to ctx.
func (c *Connection) Connect(ctx context.Context) error {
	if _, err := c.conn.Write(clientPreface); err != nil {
		return fmt.Errorf("h2conn: write preface: %w", err)
	}

	initial := appendSettingsPayload(nil, c.settings.localFrameSettings())
	frame, err := encodeFrame(nil, FrameSettings, 0, 0, initial, c.settings.local.MaxFrameSize)
	if err != nil {
		return fmt.Errorf("h2conn: encode initial SETTINGS: %w", err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("h2conn: write initial SETTINGS: %w", err)
	}
	c.settings.localACKPending = true

	runCtx, cancel := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(runCtx)
	c.cancel = cancel
	c.group = g

	g.Go(func() error { return c.readLoop(runCtx) })
	g.Go(func() error { return c.writeLoop(runCtx) })
	if c.cfg.H2.PingInterval > 0 {
		g.Go(func() error { return c.pingLoop(runCtx) })
	}
	if c.cfg.H2.SettingsTimeout > 0 {
		g.Go(func() error { return c.settingsTimeoutWatch(runCtx) })
	}

	c.logger.Debug("h2 connection established", zap.Duration("ping_interval", c.cfg.H2.PingInterval))
	return nil
}

// Wait blocks until every background loop has exited, returning the first
// non-nil error any of them produced (nil on a clean shutdown).
func (c *Connection) Wait() error {
	if c.group == nil {
		return nil
	}
	return c.group.Wait()
}

// Events returns the channel on which connection-scoped events
// (connection_closed, ping_ack, and unaccepted push_promise notifications)
// are delivered.
func (c *Connection) Events() <-chan Event { return c.connEvents }

// AcceptPush registers a StreamHandle for a promised stream previously
// announced on Events() as an EventPushPromise, so its subsequent
// headers/data/stream_closed events are routed the same way a locally
// submitted request's are. It fails if the promise was never made or the
// peer already reset it.
func (c *Connection) AcceptPush(promisedStreamID uint32) (*StreamHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stream, ok := c.streams.get(promisedStreamID)
	if !ok || stream.State != StreamReservedRemote {
		return nil, fmt.Errorf("h2conn: no pending push promise for stream %d", promisedStreamID)
	}
	if _, exists := c.handles[promisedStreamID]; exists {
		return nil, fmt.Errorf("h2conn: push promise for stream %d already accepted", promisedStreamID)
	}
	handle := &StreamHandle{streamID: promisedStreamID, events: make(chan Event, 16)}
	c.handles[promisedStreamID] = handle
	return handle, nil
}

// deliverStreamEvent routes a stream-scoped event to the handle registered
// for it via Submit or AcceptPush. Streams nobody is listening on (a push
// promise never accepted) silently drop the event.
func (c *Connection) deliverStreamEvent(streamID uint32, ev Event) {
	c.mu.Lock()
	h, ok := c.handles[streamID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case h.events <- ev:
	default:
	}
}

// Submit allocates a stream, admits or queues the request per the flow
// controller, and returns a handle for observing its events (spec §6
// submit(request)).
func (c *Connection) Submit(req Request) (*StreamHandle, error) {
	return c.openStream(req, false)
}

// PrepareRequest opens a stream and sends its HEADERS immediately but
// withholds the body until ReleaseBody is called, the half-open pipelining
// pattern carried over from the teacher's H2Client (spec §13). Like
// Submit, it queues behind pendingRequests if MAX_CONCURRENT_STREAMS is
// already saturated.
func (c *Connection) PrepareRequest(req Request) (*StreamHandle, error) {
	return c.openStream(req, true)
}

// openStream validates req, then either admits it immediately or parks it
// in pendingRequests until a stream slot frees up (spec §4.3, §4.4:
// "additional requests go to pending_requests").
func (c *Connection) openStream(req Request, holdBody bool) (*StreamHandle, error) {
	for _, h := range req.Headers {
		if !httpguts.ValidHeaderFieldName(h.Name) || !httpguts.ValidHeaderFieldValue(h.Value) {
			return nil, fmt.Errorf("h2conn: invalid header field %q", h.Name)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("h2conn: connection closed")
	}
	if c.goAwaySent || c.goAwayReceived {
		c.mu.Unlock()
		return nil, fmt.Errorf("h2conn: no new streams accepted (GOAWAY in progress)")
	}

	if !c.admissionLocked() {
		ps := &pendingSubmit{req: req, holdBody: holdBody, result: make(chan submitResult, 1)}
		c.pendingRequests = append(c.pendingRequests, ps)
		c.mu.Unlock()

		select {
		case res := <-ps.result:
			return res.handle, res.err
		case <-c.done:
			return nil, fmt.Errorf("h2conn: connection closed while queued at MAX_CONCURRENT_STREAMS")
		}
	}

	stream, handle, err := c.admitLocked(req, holdBody)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := c.sendHeadersAndBody(stream, handle, req, holdBody); err != nil {
		return nil, err
	}
	return handle, nil
}

// admitLocked allocates a stream and registers its StreamHandle. Caller
// must hold c.mu and must already have confirmed admissionLocked().
func (c *Connection) admitLocked(req Request, holdBody bool) (*Stream, *StreamHandle, error) {
	stream, err := c.streams.allocate(c.settings.remote.InitialWindowSize, c.settings.local.InitialWindowSize)
	if err != nil {
		return nil, nil, err
	}
	endStream := len(req.Body) == 0 && !holdBody
	stream.transitionSendHeaders(endStream)
	handle := &StreamHandle{streamID: stream.ID, events: make(chan Event, 16)}
	c.handles[stream.ID] = handle
	return stream, handle, nil
}

// sendHeadersAndBody HPACK-encodes req and queues its HEADERS frame, then
// either parks the body on handle for a later ReleaseBody or queues it
// immediately. Caller must not hold c.mu.
func (c *Connection) sendHeadersAndBody(stream *Stream, handle *StreamHandle, req Request, holdBody bool) error {
	block := c.encodeRequestHeaders(req)
	endStream := len(req.Body) == 0 && !holdBody

	wh := &writeHeadersReq{
		baseWriteRequest: newBaseWriteRequest(),
		streamID:         stream.ID,
		headerBlock:      block,
		endStream:        endStream,
	}
	if c.cfg.PaddingStrategy != nil {
		wh.padLength = c.cfg.PaddingStrategy.CalculatePadding(stream.ID, FrameHeaders, len(block))
	}
	select {
	case c.writeCh <- wh:
	case <-c.done:
		return fmt.Errorf("h2conn: connection closed while queuing HEADERS")
	}

	if holdBody {
		handle.pendingBody = req.Body
	} else if len(req.Body) > 0 {
		c.queueBody(stream.ID, req.Body)
	}
	return nil
}

// ReleaseBody sends the body withheld by a prior PrepareRequest.
func (c *Connection) ReleaseBody(handle *StreamHandle) error {
	body := handle.pendingBody
	handle.pendingBody = nil

	c.mu.Lock()
	_, exists := c.streams.get(handle.streamID)
	c.mu.Unlock()
	if !exists {
		return fmt.Errorf("h2conn: stream %d closed before its body could be released", handle.streamID)
	}
	if len(body) == 0 {
		return nil
	}
	c.queueBody(handle.streamID, body)
	return nil
}

// WaitResponse drains handle's events into a single aggregated Response,
// the teacher's WaitResponse pattern adapted to the event-channel model.
func (c *Connection) WaitResponse(ctx context.Context, handle *StreamHandle) (*Response, error) {
	var resp Response
	for {
		select {
		case ev, ok := <-handle.Events():
			if !ok {
				return &resp, nil
			}
			switch ev.Kind {
			case EventHeaders:
				if resp.Headers == nil {
					resp.Headers = ev.Headers
				} else {
					resp.Trailers = ev.Headers
				}
			case EventData:
				resp.Body = append(resp.Body, ev.Data...)
			case EventStreamClosed:
				if ev.Reason != "" {
					return &resp, fmt.Errorf("h2conn: stream %d closed: %s: %s", handle.streamID, ev.Code, ev.Reason)
				}
				return &resp, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// IsIdle reports whether the connection currently has no open streams.
func (c *Connection) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams.streams) == 0
}

// drainPendingRequests admits as many queued pendingSubmits as
// MAX_CONCURRENT_STREAMS now allows, in FIFO order, stopping as soon as
// admission is refused (spec §4.4 fairness). Caller must not hold c.mu.
func (c *Connection) drainPendingRequests() {
	for {
		c.mu.Lock()
		if c.closed || len(c.pendingRequests) == 0 || !c.admissionLocked() {
			c.mu.Unlock()
			return
		}
		ps := c.pendingRequests[0]
		c.pendingRequests = c.pendingRequests[1:]
		stream, handle, err := c.admitLocked(ps.req, ps.holdBody)
		c.mu.Unlock()

		if err != nil {
			ps.result <- submitResult{err: err}
			continue
		}
		if err := c.sendHeadersAndBody(stream, handle, ps.req, ps.holdBody); err != nil {
			ps.result <- submitResult{err: err}
			continue
		}
		ps.result <- submitResult{handle: handle}
	}
}

// admissionLocked reports whether a new locally-initiated stream may be
// opened right now under MAX_CONCURRENT_STREAMS (spec §4.4). Caller must
// hold c.mu.
func (c *Connection) admissionLocked() bool {
	if c.settings.remote.MaxConcurrentStreams == unboundedConcurrentStreams {
		return true
	}
	return c.streams.openLocalCount < c.settings.remote.MaxConcurrentStreams
}

// encodeRequestHeaders HPACK-encodes req's pseudo-headers (in the required
// order) followed by regular headers (spec §4.2).
func (c *Connection) encodeRequestHeaders(req Request) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hpackBuf.Reset()

	write := func(name, value string, sensitive bool) {
		c.hpEncoder.WriteField(hpack.HeaderField{Name: name, Value: value, Sensitive: sensitive})
	}
	write(":method", req.Method, false)
	write(":scheme", req.Scheme, false)
	write(":authority", req.Authority, false)
	write(":path", req.Path, false)
	for _, h := range req.Headers {
		sensitive := req.SensitiveHeaders[h.Name]
		for name, on := range req.SensitiveHeaders {
			if !sensitive && on && strings.EqualFold(name, h.Name) {
				sensitive = true
			}
		}
		write(h.Name, h.Value, sensitive)
	}

	out := make([]byte, c.hpackBuf.Len())
	copy(out, c.hpackBuf.Bytes())
	return out
}

// queueBody chunks body at min(remote MAX_FRAME_SIZE, available windows)
// and drives DATA frames through the flow controller and overflow FIFO
// (spec §4.3).
func (c *Connection) queueBody(streamID uint32, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stream, ok := c.streams.get(streamID)
	if !ok {
		return
	}
	c.admitOrParkLocked(stream, body)
}

// admitOrParkLocked sends as much of body as the current windows allow,
// parking the remainder in the overflow queue. Caller must hold c.mu.
func (c *Connection) admitOrParkLocked(stream *Stream, body []byte) {
	for len(body) > 0 {
		n := int64(len(body))
		if !canSend(c.connWin.send, stream.window.send, 1) {
			break
		}
		max := c.connWin.send
		if stream.window.send < max {
			max = stream.window.send
		}
		if int64(c.settings.remote.MaxFrameSize) < max {
			max = int64(c.settings.remote.MaxFrameSize)
		}
		if n > max {
			n = max
		}
		chunk := body[:n]
		body = body[n:]

		c.connWin.send -= n
		stream.window.send -= n

		endStream := len(body) == 0
		stream.transitionSendData(endStream)
		if stream.State == StreamClosed {
			// The remote side already half-closed while this body was
			// still draining; both halves are down now, so the record
			// deliverStreamClosed left behind can finally go.
			c.streams.remove(stream.ID)
		}

		wd := &writeDataReq{
			baseWriteRequest: newBaseWriteRequest(),
			streamID:         stream.ID,
			data:             chunk,
			endStream:        endStream,
		}
		select {
		case c.writeCh <- wd:
		case <-c.done:
			return
		}
	}
	if len(body) > 0 {
		c.overflow.push(&pendingSend{streamID: stream.ID, remaining: body, admitted: make(chan struct{})})
	}
}

// drainOverflowLocked re-examines the head of the overflow queue after a
// WINDOW_UPDATE, RST_STREAM, or stream closure may have freed capacity,
// stopping as soon as the head cannot be admitted (spec §4.3 fairness).
func (c *Connection) drainOverflowLocked() {
	for {
		p, ok := c.overflow.peek()
		if !ok {
			return
		}
		stream, exists := c.streams.get(p.streamID)
		if !exists {
			c.overflow.popFront()
			continue
		}
		if !canSend(c.connWin.send, stream.window.send, 1) {
			return
		}
		c.overflow.popFront()
		c.admitOrParkLocked(stream, p.remaining)
	}
}

// Cancel resets a stream with CANCEL (spec §6 cancel(stream_handle)).
func (c *Connection) Cancel(handle *StreamHandle) error {
	c.mu.Lock()
	stream, ok := c.streams.get(handle.streamID)
	if !ok || stream.State == StreamClosed {
		c.mu.Unlock()
		return nil
	}
	stream.closeWithError(fmt.Errorf("cancelled"))
	c.overflow.removeStream(handle.streamID)
	c.mu.Unlock()

	wr := &writeRSTStreamReq{baseWriteRequest: newBaseWriteRequest(), streamID: handle.streamID, code: ErrCodeCancel}
	select {
	case c.writeCh <- wr:
	case <-c.done:
	}
	c.deliverStreamClosed(handle.streamID, ErrCodeCancel)
	return nil
}

// Close performs local shutdown (spec §4.5, §6 close(graceful)). Graceful
// close sends GOAWAY(NO_ERROR) and lets in-flight streams finish; abrupt
// close tears the transport down immediately.
func (c *Connection) Close(graceful bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	lastSeen := c.streams.lastRemoteID
	c.goAwaySent = true
	openCount := len(c.streams.streams)
	c.mu.Unlock()

	wg := &writeGoAwayReq{baseWriteRequest: newBaseWriteRequest(), lastStreamID: lastSeen, code: ErrCodeNo}
	select {
	case c.writeCh <- wg:
	case <-c.done:
	}

	if graceful && openCount > 0 {
		return nil
	}
	return c.teardown(fmt.Errorf("local close"))
}

// teardown stops the background loops and closes the transport exactly
// once.
func (c *Connection) teardown(reason error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	orphaned := c.handles
	c.handles = make(map[uint32]*StreamHandle)
	queued := c.pendingRequests
	c.pendingRequests = nil
	c.mu.Unlock()

	close(c.done)
	if c.cancel != nil {
		c.cancel()
	}
	err := c.conn.Close()

	// Every stream still waiting on a handle loses it here: no further
	// per-stream events are coming once the transport is gone.
	for id, h := range orphaned {
		select {
		case h.events <- Event{Kind: EventStreamClosed, StreamID: id, Code: ErrCodeCancel, Reason: reason.Error()}:
		default:
		}
		close(h.events)
	}
	// Queued submitters are also woken via their own <-c.done case; this
	// just fails them immediately with the real reason instead of a
	// generic "connection closed" if they win the race.
	for _, ps := range queued {
		select {
		case ps.result <- submitResult{err: reason}:
		default:
		}
	}

	select {
	case c.connEvents <- Event{Kind: EventConnectionClosed, Reason: reason.Error()}:
	default:
	}
	return err
}

func (c *Connection) deliverStreamClosed(streamID uint32, code ErrCode) {
	c.mu.Lock()
	var reason string
	if s, ok := c.streams.get(streamID); ok && s.closeErr != nil {
		reason = s.closeErr.Error()
	}
	c.streams.remove(streamID)
	// The closed stream's overflow entry is gone, which may unblock the head.
	c.drainOverflowLocked()
	h, ok := c.handles[streamID]
	delete(c.handles, streamID)
	c.mu.Unlock()

	// A local stream just closed, so a slot under MAX_CONCURRENT_STREAMS
	// may have freed up for anything waiting in pendingRequests.
	c.drainPendingRequests()

	if !ok {
		return
	}
	select {
	case h.events <- Event{Kind: EventStreamClosed, StreamID: streamID, Code: code, Reason: reason}:
	default:
	}
	close(h.events)
}

// pingLoop periodically probes liveness, closing the connection with
// GOAWAY(NO_ERROR) if the peer fails to ACK within the configured timeout
// (spec §5 cancellation/timeouts).
func (c *Connection) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.H2.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-ticker.C:
			ack, err := c.sendPing()
			if err != nil {
				return nil
			}
			select {
			case <-ack:
			case <-time.After(c.cfg.H2.PingTimeout):
				c.logger.Warn("ping timeout, closing connection")
				c.Close(true)
				return nil
			case <-ctx.Done():
				return nil
			case <-c.done:
				return nil
			}
		}
	}
}

func (c *Connection) sendPing() (<-chan struct{}, error) {
	var payload [8]byte
	if _, err := rand.Read(payload[:]); err != nil {
		binary.BigEndian.PutUint64(payload[:], uint64(time.Now().UnixNano()))
	}
	key := binary.BigEndian.Uint64(payload[:])
	ack := make(chan struct{})

	c.mu.Lock()
	c.pingAcks[key] = ack
	c.mu.Unlock()

	wp := &writePingReq{baseWriteRequest: newBaseWriteRequest(), data: payload}
	select {
	case c.writeCh <- wp:
	case <-c.done:
		return nil, fmt.Errorf("h2conn: connection closed while queuing PING")
	}
	return ack, nil
}
