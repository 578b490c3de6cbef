package h2conn

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/relaycore/h2conn/pkg/h2conn/hpack"
	"go.uber.org/zap"
)

// processFrame routes one parsed frame by scope: stream_id 0 goes to the
// connection-scoped handler, otherwise to the stream table (spec §4.5).
func (c *Connection) processFrame(hdr FrameHeader, payload []byte) error {
	// spec §3: once a HEADERS or PUSH_PROMISE lacking END_HEADERS opens a
	// header block, only a CONTINUATION on that same stream may follow;
	// anything else — including another stream's frames or connection-level
	// frames — is a connection error.
	if c.headerBlockOwner != 0 && (hdr.Type != FrameContinuation || hdr.StreamID != c.headerBlockOwner) {
		return ConnectionError{Code: ErrCodeProtocol}
	}

	if hdr.StreamID == 0 {
		return c.processConnectionFrame(hdr, payload)
	}

	c.mu.Lock()
	if hdr.StreamID > c.streams.lastRemoteID && hdr.StreamID%2 == 0 {
		c.streams.lastRemoteID = hdr.StreamID
	}
	stream, exists := c.streams.get(hdr.StreamID)
	c.mu.Unlock()

	if !exists {
		return c.processFrameForUnknownStream(hdr, payload)
	}

	var streamErr error
	switch hdr.Type {
	case FrameHeaders:
		streamErr = c.processHeadersFrame(stream, hdr, payload)
	case FrameContinuation:
		streamErr = c.processContinuationFrame(stream, hdr, payload)
	case FrameData:
		streamErr = c.processDataFrame(stream, hdr, payload)
	case FrameRSTStream:
		streamErr = c.processRSTStreamFrame(stream, payload)
	case FrameWindowUpdate:
		streamErr = c.processStreamWindowUpdate(stream, hdr, payload)
	case FramePushPromise:
		streamErr = c.processPushPromiseFrame(stream, hdr, payload)
	case FramePriority:
		// RFC 9113 §5.3.2: priority scheme deprecated, frame is ignored.
	}

	if streamErr != nil {
		return c.finishStreamError(hdr.StreamID, streamErr)
	}
	return nil
}

// finishStreamError classifies err: a ConnectionError propagates to the
// caller (who tears the whole connection down); a StreamError resets just
// that stream and the connection proceeds (spec §7).
func (c *Connection) finishStreamError(streamID uint32, err error) error {
	var ce ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	code := ErrCodeInternal
	var se StreamError
	if errors.As(err, &se) {
		code = se.Code
	}
	c.logger.Warn("stream error", zap.Uint32("stream_id", streamID), zap.Error(err))

	c.mu.Lock()
	if s, ok := c.streams.get(streamID); ok {
		s.closeWithError(err)
	}
	c.mu.Unlock()

	wr := &writeRSTStreamReq{baseWriteRequest: newBaseWriteRequest(), streamID: streamID, code: code}
	select {
	case c.writeCh <- wr:
	case <-c.done:
	}
	c.deliverStreamClosed(streamID, code)
	return nil
}

// processFrameForUnknownStream handles frames referencing a stream id this
// connection never opened or has already forgotten. Idle-DATA on an
// unknown stream still needs its bytes credited back via connection-level
// WINDOW_UPDATE so the peer's connection window recovers.
func (c *Connection) processFrameForUnknownStream(hdr FrameHeader, payload []byte) error {
	if hdr.Type == FramePushPromise {
		return ConnectionError{Code: ErrCodeProtocol}
	}
	if hdr.Type == FrameData && len(payload) > 0 {
		wu := &writeWindowUpdateReq{baseWriteRequest: newBaseWriteRequest(), streamID: 0, increment: uint32(len(payload))}
		select {
		case c.writeCh <- wu:
		case <-c.done:
		}
	}
	return nil
}

func (c *Connection) processConnectionFrame(hdr FrameHeader, payload []byte) error {
	switch hdr.Type {
	case FrameSettings:
		return c.processSettingsFrame(hdr, payload)
	case FramePing:
		return c.processPingFrame(hdr, payload)
	case FrameWindowUpdate:
		return c.processConnectionWindowUpdate(payload)
	case FrameGoAway:
		return c.processGoAwayFrame(payload)
	default:
		return nil // unknown frame type at connection scope: ignored.
	}
}

func (c *Connection) processSettingsFrame(hdr FrameHeader, payload []byte) error {
	if hdr.Flags&FlagAck != 0 {
		c.mu.Lock()
		c.settings.localACKPending = false
		c.mu.Unlock()
		return nil
	}

	settings := parseSettingsPayload(payload)
	c.mu.Lock()
	windowDelta, err := c.settings.applyRemote(settings)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if windowDelta != 0 {
		for _, s := range c.streams.streams {
			s.window.send += windowDelta
			if s.window.send > maxWindowSize {
				c.mu.Unlock()
				return StreamError{StreamID: s.ID, Code: ErrCodeFlowControl}
			}
		}
	}
	c.hpEncoder.SetMaxDynamicTableSize(c.settings.remote.HeaderTableSize)
	c.drainOverflowLocked()
	c.mu.Unlock()

	// The peer may just have raised MAX_CONCURRENT_STREAMS, freeing room
	// for anything parked in pendingRequests.
	c.drainPendingRequests()

	ack := &writeSettingsReq{baseWriteRequest: newBaseWriteRequest(), isAck: true}
	select {
	case c.writeCh <- ack:
	case <-c.done:
	}
	return nil
}

func (c *Connection) processPingFrame(hdr FrameHeader, payload []byte) error {
	p, err := parsePingPayload(payload)
	if err != nil {
		return err
	}
	if hdr.Flags&FlagAck != 0 {
		key := binary.BigEndian.Uint64(p.Data[:])
		c.mu.Lock()
		ack, ok := c.pingAcks[key]
		delete(c.pingAcks, key)
		c.mu.Unlock()
		if ok {
			close(ack)
		}
		select {
		case c.connEvents <- Event{Kind: EventPingAck, PingOpaque: p.Data}:
		default:
		}
		return nil
	}
	wp := &writePingReq{baseWriteRequest: newBaseWriteRequest(), data: p.Data, ack: true}
	select {
	case c.writeCh <- wp:
	case <-c.done:
	}
	return nil
}

func (c *Connection) processConnectionWindowUpdate(payload []byte) error {
	wu, err := parseWindowUpdatePayload(FrameHeader{StreamID: 0}, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if err := c.connWin.applyWindowUpdate(wu.Increment); err != nil {
		c.mu.Unlock()
		return err
	}
	c.drainOverflowLocked()
	c.mu.Unlock()
	return nil
}

func (c *Connection) processGoAwayFrame(payload []byte) error {
	ga, err := parseGoAwayPayload(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.goAwayReceived = true
	var refused []uint32
	for id, s := range c.streams.streams {
		if id > ga.LastStreamID && id%2 == 1 {
			refused = append(refused, id)
			s.closeWithError(fmt.Errorf("refused by GOAWAY"))
		}
	}
	remaining := len(c.streams.streams) - len(refused)
	c.mu.Unlock()

	for _, id := range refused {
		c.deliverStreamClosed(id, ErrCodeRefusedStream)
	}
	select {
	case c.connEvents <- Event{Kind: EventConnectionClosed, Reason: "GOAWAY received", Code: ga.Code}:
	default:
	}
	if remaining == 0 {
		return errGoAwayComplete
	}
	return nil
}

var errGoAwayComplete = ConnectionError{Code: ErrCodeNo}

func (c *Connection) processHeadersFrame(stream *Stream, hdr FrameHeader, payload []byte) error {
	hp, err := parseHeadersPayload(hdr, payload)
	if err != nil {
		return err
	}
	if err := stream.transitionRecvHeaders(hp.EndStream); err != nil {
		return err
	}

	stream.headerBlockBuf.Reset()
	stream.headerBlockBuf.Write(hp.HeaderBlockFragment)
	stream.decodingHeaders = !hp.EndHeaders

	if hp.EndHeaders {
		return c.finishHeaderBlock(stream, hp.EndStream)
	}
	c.headerBlockOwner = hdr.StreamID
	return nil
}

func (c *Connection) processContinuationFrame(stream *Stream, hdr FrameHeader, payload []byte) error {
	if !stream.decodingHeaders {
		return ConnectionError{Code: ErrCodeProtocol}
	}
	cp := parseContinuationPayload(hdr, payload)
	stream.headerBlockBuf.Write(cp.HeaderBlockFragment)
	if cp.EndHeaders {
		stream.decodingHeaders = false
		c.headerBlockOwner = 0
		return c.finishHeaderBlock(stream, stream.sawEndStream && stream.State != StreamHalfClosedRemote && stream.State != StreamClosed)
	}
	return nil
}

// finishHeaderBlock HPACK-decodes the accumulated header block fragments
// and delivers a headers event, enforcing MAX_HEADER_LIST_SIZE (spec §5).
func (c *Connection) finishHeaderBlock(stream *Stream, endStream bool) error {
	var decoded []HeaderKV
	var totalSize uint32
	limit := c.settings.local.MaxHeaderListSize

	c.mu.Lock()
	c.hpDecoder.SetEmit(func(f hpack.HeaderField) {
		totalSize += uint32(len(f.Name)+len(f.Value)) + 32
		decoded = append(decoded, HeaderKV{Name: f.Name, Value: f.Value, Sensitive: f.Sensitive})
	})
	err := c.hpDecoder.Write(stream.headerBlockBuf.Bytes())
	c.mu.Unlock()

	if err != nil {
		return ConnectionError{Code: ErrCodeCompression}
	}
	if limit != unboundedHeaderListSize && totalSize > limit {
		return StreamError{StreamID: stream.ID, Code: ErrCodeEnhanceYourCalm}
	}

	c.deliverStreamEvent(stream.ID, Event{Kind: EventHeaders, StreamID: stream.ID, Headers: decoded, EndStream: endStream})
	if endStream {
		c.deliverStreamClosed(stream.ID, ErrCodeNo)
	}
	return nil
}

func (c *Connection) processDataFrame(stream *Stream, hdr FrameHeader, payload []byte) error {
	dp, err := parseDataPayload(hdr, payload)
	if err != nil {
		return err
	}
	if err := stream.transitionRecvData(dp.EndStream); err != nil {
		return err
	}

	n := int64(len(payload)) // flow control is accounted on the full frame payload including padding.
	c.mu.Lock()
	stream.window.recv -= n
	c.connWin.recv -= n

	var connIncrement, streamIncrement uint32
	if c.connWin.recv < replenishThreshold(c.settings.local.InitialWindowSize) {
		connIncrement = c.settings.local.InitialWindowSize - uint32(c.connWin.recv)
		c.connWin.recv = int64(c.settings.local.InitialWindowSize)
	}
	if stream.window.recv < int64(replenishThreshold(c.settings.local.InitialWindowSize)) {
		streamIncrement = c.settings.local.InitialWindowSize - uint32(stream.window.recv)
		stream.window.recv = int64(c.settings.local.InitialWindowSize)
	}
	c.mu.Unlock()

	if connIncrement > 0 {
		wu := &writeWindowUpdateReq{baseWriteRequest: newBaseWriteRequest(), streamID: 0, increment: connIncrement}
		select {
		case c.writeCh <- wu:
		case <-c.done:
		}
	}
	if streamIncrement > 0 {
		wu := &writeWindowUpdateReq{baseWriteRequest: newBaseWriteRequest(), streamID: stream.ID, increment: streamIncrement}
		select {
		case c.writeCh <- wu:
		case <-c.done:
		}
	}

	c.deliverStreamEvent(stream.ID, Event{Kind: EventData, StreamID: stream.ID, Data: dp.Data, EndStream: dp.EndStream})
	if dp.EndStream {
		c.deliverStreamClosed(stream.ID, ErrCodeNo)
	}
	return nil
}

func (c *Connection) processRSTStreamFrame(stream *Stream, payload []byte) error {
	rp, err := parseRSTStreamPayload(FrameHeader{StreamID: stream.ID}, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	stream.closeWithError(H2StreamResetError{Code: rp.Code})
	c.overflow.removeStream(stream.ID)
	c.mu.Unlock()
	c.deliverStreamClosed(stream.ID, rp.Code)
	return nil
}

func (c *Connection) processStreamWindowUpdate(stream *Stream, hdr FrameHeader, payload []byte) error {
	wu, err := parseWindowUpdatePayload(hdr, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if err := stream.window.applyWindowUpdate(wu.Increment); err != nil {
		c.mu.Unlock()
		return StreamError{StreamID: stream.ID, Code: ErrCodeFlowControl}
	}
	c.drainOverflowLocked()
	c.mu.Unlock()
	return nil
}

func (c *Connection) processPushPromiseFrame(stream *Stream, hdr FrameHeader, payload []byte) error {
	pp, err := parsePushPromisePayload(hdr, payload)
	if err != nil {
		return err
	}
	if !c.settings.local.EnablePush {
		return ConnectionError{Code: ErrCodeProtocol}
	}

	c.mu.Lock()
	promised := newStream(pp.PromisedStreamID, c.settings.remote.InitialWindowSize, c.settings.local.InitialWindowSize)
	promised.State = StreamReservedRemote
	c.streams.insertRemote(promised)
	promised.headerBlockBuf.Write(pp.HeaderBlockFragment)
	promised.decodingHeaders = !pp.EndHeaders
	c.mu.Unlock()

	if !pp.EndHeaders {
		c.headerBlockOwner = hdr.StreamID
	}

	if pp.EndHeaders {
		var decoded []HeaderKV
		c.mu.Lock()
		c.hpDecoder.SetEmit(func(f hpack.HeaderField) {
			decoded = append(decoded, HeaderKV{Name: f.Name, Value: f.Value, Sensitive: f.Sensitive})
		})
		decErr := c.hpDecoder.Write(promised.headerBlockBuf.Bytes())
		c.mu.Unlock()
		if decErr != nil {
			return ConnectionError{Code: ErrCodeCompression}
		}
		select {
		case c.connEvents <- Event{Kind: EventPushPromise, ParentStreamID: stream.ID, PromisedStreamID: pp.PromisedStreamID, Headers: decoded}:
		default:
		}
	}
	return nil
}
