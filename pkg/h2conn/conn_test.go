package h2conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaycore/h2conn/pkg/h2conn/hpack"
	"github.com/relaycore/h2conn/pkg/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

// testPair wires a Connection to a net.Pipe server end that a test drives by
// hand.
type testPair struct {
	t      *testing.T
	conn   *Connection
	server net.Conn
}

func newTestPair(t *testing.T) *testPair {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	cfg := NewClientConfig()
	cfg.H2.PingInterval = 0
	cfg.H2.SettingsTimeout = 0
	cfg.IdleConnTimeout = 5 * time.Second
	c := New(clientConn, cfg, zaptest.NewLogger(t))
	return &testPair{t: t, conn: c, server: serverConn}
}

// readPreface reads the 24-byte client preface off the server end.
func (p *testPair) readPreface() []byte {
	p.t.Helper()
	buf := make([]byte, len(clientPreface))
	_, err := readFull(p.server, buf)
	require.NoError(p.t, err)
	assert.Equal(p.t, clientPreface, buf)
	return buf
}

// readFrame reads one full frame (header+payload) off conn.
func readFrame(t *testing.T, conn net.Conn) rawFrame {
	t.Helper()
	hdrBuf := make([]byte, frameHeaderLen)
	_, err := readFull(conn, hdrBuf)
	require.NoError(t, err)
	hdr := parseFrameHeader(hdrBuf)
	payload := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		_, err = readFull(conn, payload)
		require.NoError(t, err)
	}
	return rawFrame{Header: hdr, Payload: payload}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeFrame(t *testing.T, conn net.Conn, typ FrameType, flags uint8, streamID uint32, payload []byte) {
	t.Helper()
	frame, err := encodeFrame(nil, typ, flags, streamID, payload, 1<<24-1)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

func encodeHeaderBlock(t *testing.T, fields []hpack.HeaderField) []byte {
	t.Helper()
	var buf writeBuffer
	enc := hpack.NewEncoder(&buf)
	for _, f := range fields {
		require.NoError(t, enc.WriteField(f))
	}
	return buf.b
}

type writeBuffer struct{ b []byte }

func (w *writeBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func TestConnect_SendsPrefaceAndInitialSettings(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := newTestPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		p.readPreface()
		f := readFrame(t, p.server)
		assert.Equal(t, FrameSettings, f.Header.Type)
		assert.Equal(t, uint32(0), f.Header.StreamID)
		// ACK it and send our own empty SETTINGS.
		writeFrame(t, p.server, FrameSettings, FlagAck, 0, nil)
		writeFrame(t, p.server, FrameSettings, 0, 0, nil)
	}()

	require.NoError(t, p.conn.Connect(ctx))
	time.Sleep(50 * time.Millisecond)
	p.conn.Close(false)
	p.conn.Wait()
}

func TestSubmit_HeadersAndDataRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := newTestPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		p.readPreface()
		readFrame(t, p.server) // client's initial SETTINGS
		writeFrame(t, p.server, FrameSettings, 0, 0, nil)
		writeFrame(t, p.server, FrameSettings, FlagAck, 0, nil)

		req := readFrame(t, p.server)
		assert.Equal(t, FrameHeaders, req.Header.Type)
		streamID := req.Header.StreamID

		respBlock := encodeHeaderBlock(t, []hpack.HeaderField{
			{Name: ":status", Value: "200"},
			{Name: "content-type", Value: "text/plain"},
		})
		writeFrame(t, p.server, FrameHeaders, FlagEndHeaders, streamID, respBlock)
		writeFrame(t, p.server, FrameData, FlagEndStream, streamID, []byte("hello"))
	}()

	require.NoError(t, p.conn.Connect(ctx))

	handle, err := p.conn.Submit(Request{
		Method: "GET", Scheme: "https", Authority: "example.com", Path: "/",
	})
	require.NoError(t, err)

	var gotHeaders, gotData bool
	timeout := time.After(2 * time.Second)
	for !gotHeaders || !gotData {
		select {
		case ev := <-handle.Events():
			switch ev.Kind {
			case EventHeaders:
				gotHeaders = true
				require.Len(t, ev.Headers, 2)
				assert.Equal(t, ":status", ev.Headers[0].Name)
			case EventData:
				gotData = true
				assert.Equal(t, "hello", string(ev.Data))
				assert.True(t, ev.EndStream)
			}
		case <-timeout:
			t.Fatal("timed out waiting for response events")
		}
	}

	<-serverDone
	p.conn.Close(false)
	p.conn.Wait()
}

func TestZeroWindowUpdateIncrementResetsStream(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := newTestPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		p.readPreface()
		readFrame(t, p.server)
		writeFrame(t, p.server, FrameSettings, 0, 0, nil)
		writeFrame(t, p.server, FrameSettings, FlagAck, 0, nil)

		// The client ACKs the SETTINGS above; that ACK may come before
		// the HEADERS or be queued ahead of the RST_STREAM.
		req := readFrame(t, p.server)
		for req.Header.Type == FrameSettings && req.Header.Flags&FlagAck != 0 {
			req = readFrame(t, p.server)
		}
		streamID := req.Header.StreamID
		// Malformed: zero-length increment on a stream-level WINDOW_UPDATE.
		writeFrame(t, p.server, FrameWindowUpdate, 0, streamID, []byte{0, 0, 0, 0})

		reset := readFrame(t, p.server)
		for reset.Header.Type == FrameSettings && reset.Header.Flags&FlagAck != 0 {
			reset = readFrame(t, p.server)
		}
		assert.Equal(t, FrameRSTStream, reset.Header.Type)
		assert.Equal(t, streamID, reset.Header.StreamID)
	}()

	require.NoError(t, p.conn.Connect(ctx))
	handle, err := p.conn.Submit(Request{Method: "GET", Scheme: "https", Authority: "example.com", Path: "/"})
	require.NoError(t, err)

	select {
	case ev := <-handle.Events():
		require.Equal(t, EventStreamClosed, ev.Kind)
		assert.Equal(t, ErrCodeProtocol, ev.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream_closed")
	}

	p.conn.Close(false)
	p.conn.Wait()
}

func TestDial_UsesNetworkDialer(t *testing.T) {
	// Dial with an address nothing listens on: exercises the network.DialH2
	// wiring and fails fast rather than hanging.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	cfg := NewClientConfig()
	cfg.DialerConfig = network.NewDialerConfig()
	_, err := Dial(ctx, "127.0.0.1:1", cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
