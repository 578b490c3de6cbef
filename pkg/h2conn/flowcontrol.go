package h2conn

// flowWindow is a signed flow-control counter per RFC 7540 §6.9. It is
// intentionally allowed to go negative (a SETTINGS_INITIAL_WINDOW_SIZE
// decrease can push an open stream's send window below zero) but must
// never be pushed above 2^31-1 by an inbound WINDOW_UPDATE.
type flowWindow struct {
	send int64
	recv int64
}

const maxWindowSize = 0x7fffffff

// applyWindowUpdate adds increment to send, returning a flow-control error
// if doing so would overflow past 2^31-1.
func (w *flowWindow) applyWindowUpdate(increment uint32) error {
	next := w.send + int64(increment)
	if next > maxWindowSize {
		return errFlowControlOverflow
	}
	w.send = next
	return nil
}

var errFlowControlOverflow = ConnectionError{Code: ErrCodeFlowControl}

// canSend reports whether n bytes of DATA may be admitted right now given
// both the connection and stream windows (spec §4.3 can_send).
func canSend(connWindow, streamWindow int64, n int64) bool {
	if connWindow < n || streamWindow < n {
		return false
	}
	return true
}

// replenishThreshold is the policy for when to emit a receive-side
// WINDOW_UPDATE: once the remaining window falls below half of the
// window's initial size (spec §4.3).
func replenishThreshold(initial uint32) int64 {
	return int64(initial) / 2
}

// pendingSend is one parked outbound request awaiting flow-control
// capacity, held in the connection's overflow FIFO (spec §4.3).
type pendingSend struct {
	streamID uint32
	// remaining is the body bytes not yet admitted for this stream.
	remaining []byte
	// admitted is created with each parked entry; no code closes or
	// waits on it.
	admitted chan struct{}
}

// overflowQueue is a FIFO of streams blocked on flow control, processed in
// submission order; processing stops as soon as the head cannot be
// admitted (spec §4.3 fairness rule).
type overflowQueue struct {
	items []*pendingSend
}

func (q *overflowQueue) push(p *pendingSend) {
	q.items = append(q.items, p)
}

func (q *overflowQueue) peek() (*pendingSend, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *overflowQueue) popFront() {
	if len(q.items) == 0 {
		return
	}
	q.items = q.items[1:]
}

func (q *overflowQueue) removeStream(streamID uint32) {
	out := q.items[:0]
	for _, it := range q.items {
		if it.streamID != streamID {
			out = append(out, it)
		}
	}
	q.items = out
}
