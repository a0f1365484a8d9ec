package node

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rfelsburg/merlin/wire"
)

// Send enqueues a frame's encoded bytes on the node's per-node send queue
// (spec §4.2 Send contract). It never blocks: if the socket isn't
// connected the event is dropped (lost by design); if the bounded queue is
// full it returns a *ResourceError and the caller disconnects the node
// (§5 Memory: "a slow peer must not back-pressure the IPC path").
func (n *Node) Send(f wire.Frame) error {
	if n.conn == nil || (n.State != StateNegotiating && n.State != StateConnected) {
		return ErrNoActiveSocket
	}

	raw, err := wire.Encode(f)
	if err != nil {
		return &ProtocolViolationError{Err: err}
	}

	if atomic.LoadInt64(&n.sendBytes)+int64(len(raw)) > n.sendBound {
		return &ResourceError{Err: ErrSendQueueOverflow}
	}

	select {
	case n.sendCh <- raw:
		atomic.AddInt64(&n.sendBytes, int64(len(raw)))
		n.Counters.PacketsSent++
		n.Counters.BytesSent += uint64(len(raw))
		if n.metrics != nil {
			n.metrics.PacketsSent.WithLabelValues(n.Spec.Name).Inc()
			n.metrics.BytesSent.WithLabelValues(n.Spec.Name).Add(float64(len(raw)))
		}
		return nil
	default:
		return &ResourceError{Err: ErrSendQueueOverflow}
	}
}

// SendQueue exposes the channel a per-connection writer goroutine should
// drain. Each write's byte length must be reported back via Acked so the
// bound in Send stays accurate.
func (n *Node) SendQueue() <-chan []byte {
	return n.sendCh
}

// Acked records that length bytes have left the send queue (written to the
// socket or dropped on disconnect), freeing that much of the bound.
func (n *Node) Acked(length int) {
	atomic.AddInt64(&n.sendBytes, -int64(length))
}

func (n *Node) drainSendQueue() {
	for {
		select {
		case raw := <-n.sendCh:
			atomic.AddInt64(&n.sendBytes, -int64(len(raw)))
		default:
			return
		}
	}
}

// Conn returns the node's currently chosen socket, or nil.
func (n *Node) Conn() net.Conn {
	return n.conn
}

// FeedRecv appends freshly-read bytes into the decode buffer and drains as
// many complete frames as are available. It updates LastRecv and the
// recv counters for every frame decoded. A ProtocolViolationError means
// the caller must disconnect the node.
func (n *Node) FeedRecv(now time.Time, b []byte, deliver func(wire.Frame)) error {
	n.decoder.Append(b)
	for {
		f, ok, err := n.decoder.Decode()
		if err != nil {
			if errors.Is(err, wire.ErrOversizedBody) || errors.Is(err, wire.ErrUnsupportedProtocol) {
				return &ProtocolViolationError{Err: err}
			}
			return err
		}
		if !ok {
			return nil
		}
		n.LastRecv = now
		n.Counters.PacketsRecv++
		n.Counters.BytesRecv += uint64(wire.HeaderSize + len(f.Body))
		if n.metrics != nil {
			n.metrics.PacketsRecv.WithLabelValues(n.Spec.Name).Inc()
			n.metrics.BytesRecv.WithLabelValues(n.Spec.Name).Add(float64(wire.HeaderSize + len(f.Body)))
		}
		deliver(f)
	}
}

// EOFOrReset classifies a read error from the socket per spec §7: it
// reports true (PeerReset: disconnect, rate-limited log) for io.EOF, for
// any *net.OpError, and for net.ErrClosed, and false for anything else,
// which the caller classifies further.
func EOFOrReset(err error) bool {
	return errors.Is(err, io.EOF) || isConnReset(err)
}

func isConnReset(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
