package h2conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

const readBufSize = 64 * 1024

// writeLoop is the connection's single writer: every frame is serialized
// through writeCh so HPACK encoder state and wire order stay exact (spec
// §5 single-owner rule).
func (c *Connection) writeLoop(ctx context.Context) error {
	const writeTimeout = 15 * time.Second
	var buf []byte

	for {
		select {
		case <-ctx.Done():
			c.drainWriteQueue(ctx.Err())
			return nil
		case <-c.done:
			c.drainWriteQueue(fmt.Errorf("connection closed"))
			return nil
		case req := <-c.writeCh:
			c.mu.Lock()
			maxFrameSize := c.settings.remote.MaxFrameSize
			c.mu.Unlock()

			buf = buf[:0]
			var err error
			buf, err = req.appendTo(buf, maxFrameSize)
			if err == nil {
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_, err = c.conn.Write(buf)
				c.conn.SetWriteDeadline(time.Time{})
			}
			req.handleError(err)
			if err != nil {
				c.logger.Error("write error, closing connection", zap.Error(err))
				c.teardown(fmt.Errorf("write error: %w", err))
				return err
			}
		}
	}
}

// settingsTimeoutWatch enforces SETTINGS_TIMEOUT (spec §9 open question 4):
// if the peer never ACKs our initial SETTINGS within the configured
// window, the connection is unusable and must be torn down.
func (c *Connection) settingsTimeoutWatch(ctx context.Context) error {
	timer := time.NewTimer(c.cfg.H2.SettingsTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-c.done:
		return nil
	case <-timer.C:
		c.mu.Lock()
		pending := c.settings.localACKPending
		c.mu.Unlock()
		if pending {
			err := ConnectionError{Code: ErrCodeSettingsTimeout}
			c.handleConnectionError(err)
			return err
		}
		return nil
	}
}

func (c *Connection) drainWriteQueue(err error) {
	for {
		select {
		case req := <-c.writeCh:
			req.handleError(err)
		default:
			return
		}
	}
}

// readLoop pumps inbound bytes through the frame codec and dispatches
// each parsed frame (spec §4.5 main loop).
func (c *Connection) readLoop(ctx context.Context) error {
	buf := make([]byte, 0, readBufSize)
	tmp := make([]byte, readBufSize)
	var frames []rawFrame

	idleTimeout := c.cfg.IdleConnTimeout
	if idleTimeout == 0 {
		idleTimeout = 90 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := c.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				c.teardown(fmt.Errorf("peer closed connection"))
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.logger.Info("idle timeout, closing connection")
				c.Close(true)
				return nil
			}
			c.logger.Error("read error, closing connection", zap.Error(err))
			c.teardown(fmt.Errorf("read error: %w", err))
			return err
		}

		c.mu.Lock()
		maxFrameSize := c.settings.local.MaxFrameSize
		c.mu.Unlock()

		frames = frames[:0]
		frames, buf, err = readFrames(buf, maxFrameSize, frames)
		if err != nil {
			c.handleConnectionError(err)
			return err
		}
		for _, f := range frames {
			if err := c.processFrame(f.Header, f.Payload); err != nil {
				c.handleConnectionError(err)
				return err
			}
		}
	}
}

// handleConnectionError sends GOAWAY with the classified error code and
// tears the connection down (spec §7 connection error scope).
func (c *Connection) handleConnectionError(err error) {
	code := ErrCodeInternal
	var ce ConnectionError
	if errors.As(err, &ce) {
		code = ce.Code
	}
	c.logger.Error("connection error, sending GOAWAY", zap.Error(err), zap.Stringer("code", code))

	c.mu.Lock()
	lastSeen := c.streams.lastRemoteID
	c.mu.Unlock()

	wg := &writeGoAwayReq{baseWriteRequest: newBaseWriteRequest(), lastStreamID: lastSeen, code: code}
	select {
	case c.writeCh <- wg:
	case <-c.done:
	}
	c.teardown(err)
}
