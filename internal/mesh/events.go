package mesh

import (
	"net"
	"strconv"
	"time"

	"github.com/rfelsburg/merlin/internal/node"
	"github.com/rfelsburg/merlin/wire"
)

// onTick drives the per-node connect sweep and the liveness check, reaps
// sync-arbiter children, and re-runs the partitioner when a liveness
// timeout disconnected a node (spec §4.3). It sends no heartbeat frames.
func (r *Reactor) onTick() {
	now := time.Now()
	changed := false

	for _, n := range r.table.Nodes {
		if n.ShouldTryConnect(now) {
			r.beginDial(n, now)
		}
		if n.CheckLiveness(now) {
			r.disconnectNode(n, "too long since last action")
			changed = true
		}
	}

	r.syncArb.Reap()

	if changed {
		r.rebalance()
	}
}

// beginDial marks the node PENDING immediately (so the tick loop never
// re-triggers a second dial for it) and performs the actual blocking
// connect() on its own goroutine, reporting the outcome back over dialCh.
// The dial itself must never run on the reactor goroutine, or one slow
// peer would stall every other node's tick (spec §5: "no handler may
// block").
func (r *Reactor) beginDial(n *node.Node, now time.Time) {
	n.BeginConnecting(now, nil)
	idx := n.Index
	addr := net.JoinHostPort(n.Spec.Address, strconv.Itoa(n.Spec.Port))
	r.invoker.Spawn(func() {
		d := &net.Dialer{Timeout: node.ConnectTimeout}
		conn, err := d.Dial("tcp", addr)
		r.dialCh <- dialOutcome{idx: idx, conn: conn, err: err}
	})
}

func (r *Reactor) onDialOutcome(d dialOutcome) {
	if d.idx < 0 || d.idx >= len(r.table.Nodes) {
		if d.conn != nil {
			d.conn.Close()
		}
		return
	}
	n := r.table.Nodes[d.idx]
	if d.err != nil {
		if shouldLog := n.FailOutboundConnect(time.Now()); shouldLog {
			r.log.Warnf("connect to %s failed: %v", n.Spec.Name, d.err)
		}
		return
	}
	res := n.CompleteOutboundConnect(d.conn)
	r.applyResult(n, res)
}

// onAccept resolves which configured node an inbound socket belongs to
// and runs the negotiation/tie-break rule. While the IPC channel to the
// monitoring engine is down, new mesh connections are refused outright
// (spec §4.4).
func (r *Reactor) onAccept(conn net.Conn) {
	if !r.ipc.Connected() {
		conn.Close()
		return
	}

	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		conn.Close()
		return
	}

	exact, fallback := r.table.FindForAccept(remote, r.cfg.ListenPort)
	n := exact
	if n == nil {
		n = fallback
		if n != nil {
			r.log.Warnf("inbound connection from %s matched %s by address only; source port does not match", remote, n.Spec.Name)
		}
	}
	if n == nil {
		r.log.Warnf("inbound connection from %s matches no configured node", remote)
		conn.Close()
		return
	}

	res := n.AcceptInbound(conn)
	r.applyResult(n, res)
}

// applyResult closes whatever sockets lost the tie-break and, when a
// socket was kept, starts that connection's read loop.
func (r *Reactor) applyResult(n *node.Node, res node.Result) {
	for _, c := range res.Closed {
		c.Close()
	}
	switch res.Outcome {
	case node.OutcomeAdopted, node.OutcomeTieBreak:
		r.startReadLoop(n, res.Kept)
	case node.OutcomeBothClosed:
		r.log.Warnf("tie-break for %s closed both candidate sockets", n.Spec.Name)
	}
}

func (r *Reactor) startReadLoop(n *node.Node, conn net.Conn) {
	idx := n.Index
	done := make(chan struct{})
	r.invoker.Spawn(func() {
		defer close(done)
		buf := make([]byte, 32*1024)
		for {
			count, err := conn.Read(buf)
			if count > 0 {
				cp := make([]byte, count)
				copy(cp, buf[:count])
				r.recvCh <- recvEvent{idx: idx, conn: conn, buf: cp}
			}
			if err != nil {
				r.recvCh <- recvEvent{idx: idx, conn: conn, err: err}
				return
			}
		}
	})
	r.invoker.Spawn(func() { r.writeLoop(n, conn, done) })
}

// writeLoop drains a node's bounded send queue onto its chosen socket.
// It exits once the read loop for the same socket has exited (done
// closed), so a reconnect never leaves a stale writer pinned forever on
// an empty send queue.
func (r *Reactor) writeLoop(n *node.Node, conn net.Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case raw := <-n.SendQueue():
			written, err := conn.Write(raw)
			n.Acked(len(raw))
			if err != nil || written < len(raw) {
				return
			}
		}
	}
}

func (r *Reactor) onRecv(ev recvEvent) {
	if ev.idx < 0 || ev.idx >= len(r.table.Nodes) {
		return
	}
	n := r.table.Nodes[ev.idx]

	if ev.err != nil {
		if node.EOFOrReset(ev.err) {
			r.disconnectNode(n, "peer reset")
		} else {
			r.disconnectNode(n, ev.err.Error())
		}
		return
	}

	now := time.Now()
	err := n.FeedRecv(now, ev.buf, func(f wire.Frame) {
		r.router.Dispatch(n, f)
		if f.Type == wire.TypeCtrl && f.Code == wire.CtrlActive {
			n.MarkNegotiated()
			r.syncArb.OnConnected(n)
			r.rebalance()
		}
	})
	if err != nil {
		r.disconnectNode(n, err.Error())
	}
}

func (r *Reactor) disconnectNode(n *node.Node, reason string) {
	for _, c := range n.Disconnect(reason) {
		c.Close()
	}
}

func (r *Reactor) rebalance() {
	r.partitioner.Rebalance(r.selfStart)
}
