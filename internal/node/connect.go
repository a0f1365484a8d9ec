package node

import (
	"net"
	"time"

	"github.com/rfelsburg/merlin/wire"
)

// ShouldTryConnect reports whether a fresh outbound connect attempt may be
// started right now (spec §4.2, TryConnect contract).
func (n *Node) ShouldTryConnect(now time.Time) bool {
	if !n.Spec.Connect {
		return false
	}
	switch n.State {
	case StatePending, StateConnected:
		return false
	case StateNegotiating:
		if n.pendingOut != nil {
			return false
		}
	}
	if !n.LastConnectAttempt.IsZero() && now.Sub(n.LastConnectAttempt) < ConnectInterval {
		return false
	}
	return true
}

// SourcePort computes the deterministic source port used when
// Spec.FixedSrcPort is set: listen_port + target_port.
func (n *Node) SourcePort(listenPort int) int {
	return listenPort + n.Spec.Port
}

// BeginConnecting marks the node PENDING and records the attempt time.
// The caller (the mesh reactor) is responsible for actually dialing on its
// own goroutine and reporting back via CompleteOutboundConnect or
// FailOutboundConnect.
func (n *Node) BeginConnecting(now time.Time, dialSocket net.Conn) {
	n.State = StatePending
	n.LastConnectAttempt = now
	n.pendingOut = dialSocket
}

// FailOutboundConnect handles a failed/timed-out dial. It rate-limits its
// own log line per spec §4.2 ("logs at most once per 30s") by letting the
// caller decide whether to log based on LastConnectErrorLog.
func (n *Node) FailOutboundConnect(now time.Time) (shouldLog bool) {
	n.pendingOut = nil
	n.State = StateNone
	if now.Sub(n.LastConnectErrorLog) >= ConnectErrLogWindow {
		n.LastConnectErrorLog = now
		return true
	}
	return false
}

// Outcome describes what happened when two candidate sockets met.
type Outcome int

const (
	OutcomeAdopted    Outcome = iota // the node now has exactly one chosen socket, negotiating
	OutcomeTieBreak                  // a tie-break ran; one socket was kept, the loser must be closed by the caller
	OutcomeBothClosed                // all four tie-break values were equal; both sockets must be closed, node is back to NONE
)

// Result is returned by CompleteOutboundConnect/AcceptInbound so the
// caller (mesh reactor) knows which socket(s) to actually close; Node
// itself never calls net.Conn.Close to keep I/O a plain, injectable
// dependency for tests.
type Result struct {
	Outcome Outcome
	Kept    net.Conn
	Closed  []net.Conn
}

// CompleteOutboundConnect is called once a connect() initiated by
// BeginConnecting finishes successfully (SO_ERROR == 0). If the node has
// no inbound socket yet, it simply adopts this one. If an inbound socket
// is already present, the tie-break rule decides the winner.
func (n *Node) CompleteOutboundConnect(conn net.Conn) Result {
	n.pendingOut = nil

	if n.conn == nil {
		n.conn = conn
		n.State = StateNegotiating
		return Result{Outcome: OutcomeAdopted, Kept: conn}
	}

	chosen, tie := chooseSocket(conn /* con */, n.conn /* lis */)
	if tie {
		closed := []net.Conn{conn, n.conn}
		n.conn = nil
		n.State = StateNone
		return Result{Outcome: OutcomeBothClosed, Closed: closed}
	}

	loser := conn
	if chosen == conn {
		loser = n.conn
	}
	n.conn = chosen
	n.State = StateNegotiating
	return Result{Outcome: OutcomeTieBreak, Kept: chosen, Closed: []net.Conn{loser}}
}

// AcceptInbound is called when a listener accept matched this node. If no
// socket exists yet, it adopts the new one directly; otherwise the
// tie-break rule decides.
func (n *Node) AcceptInbound(conn net.Conn) Result {
	if n.conn == nil {
		n.conn = conn
		n.State = StateNegotiating
		return Result{Outcome: OutcomeAdopted, Kept: conn}
	}

	chosen, tie := chooseSocket(n.conn /* con: the socket we already have */, conn /* lis: the newly accepted one */)
	if tie {
		closed := []net.Conn{conn, n.conn}
		n.conn = nil
		n.State = StateNone
		return Result{Outcome: OutcomeBothClosed, Closed: closed}
	}

	loser := conn
	if chosen == conn {
		loser = n.conn
	}
	n.conn = chosen
	n.State = StateNegotiating
	return Result{Outcome: OutcomeTieBreak, Kept: chosen, Closed: []net.Conn{loser}}
}

// chooseSocket implements the symmetric tie-break rule (spec §4.2): compare
// (local_bound_ip, local_bound_port) of the inbound-accepted socket "lis"
// against (remote_peer_ip, remote_peer_port) of the outbound socket "con".
// The pair with the numerically smaller IP wins; ties go to the smaller
// port; if all four values are equal (loopback races) both must be closed.
func chooseSocket(con, lis net.Conn) (chosen net.Conn, tie bool) {
	lisAddr, lisOK := lis.LocalAddr().(*net.TCPAddr)
	conAddr, conOK := con.RemoteAddr().(*net.TCPAddr)
	if !lisOK || !conOK {
		// Can't compare meaningfully; keep the outbound side rather
		// than guess, mirroring the source's "return con" fallback
		// when getsockname/getpeername fail.
		return con, false
	}

	lisIP := lisAddr.IP.To4()
	conIP := conAddr.IP.To4()
	if lisIP == nil {
		lisIP = lisAddr.IP
	}
	if conIP == nil {
		conIP = conAddr.IP
	}

	switch compareBytes(lisIP, conIP) {
	case 1: // lis has the bigger address, con is smaller: use con
		return con, false
	case -1: // con has the bigger address, lis is smaller: use lis
		return lis, false
	}

	if lisAddr.Port > conAddr.Port {
		return con, false
	}
	if conAddr.Port > lisAddr.Port {
		return lis, false
	}

	return nil, true
}

func compareBytes(a, b []byte) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	for i := range a {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// Disconnect closes the node's socket(s), drops the send queue and recv
// buffer, and resets state to NONE. It returns the socket(s) the caller
// must actually close. Events queued for this node are lost by design;
// re-sync happens via the next handshake.
func (n *Node) Disconnect(reason string) []net.Conn {
	var toClose []net.Conn
	if n.conn != nil {
		toClose = append(toClose, n.conn)
		n.conn = nil
	}
	if n.pendingOut != nil {
		toClose = append(toClose, n.pendingOut)
		n.pendingOut = nil
	}
	n.State = StateNone
	n.decoder = wire.NewDecoder()
	n.drainSendQueue()
	n.log.Warnf("disconnecting: %s", reason)
	if n.metrics != nil {
		n.metrics.Disconnects.WithLabelValues(n.Spec.Name, reason).Inc()
		n.metrics.NodeState.WithLabelValues(n.Spec.Name).Set(float64(StateNone))
	}
	return toClose
}

// MarkNegotiated transitions NEGOTIATING -> CONNECTED once the CTRL_ACTIVE
// handshake has been validated by the router (§4.5 rule 2).
func (n *Node) MarkNegotiated() {
	n.State = StateConnected
	if n.metrics != nil {
		n.metrics.NodeState.WithLabelValues(n.Spec.Name).Set(float64(StateConnected))
	}
}

// CheckLiveness applies the data-silence timeout (spec §4.2 Liveness): if
// CONNECTED and data_timeout is set (non-zero) and now-LastRecv exceeds it,
// the node must be disconnected.
func (n *Node) CheckLiveness(now time.Time) (shouldDisconnect bool) {
	if n.State != StateConnected {
		return false
	}
	if n.Spec.DataTimeout <= 0 {
		return false
	}
	if n.LastRecv.IsZero() {
		return false
	}
	return now.Sub(n.LastRecv) > n.Spec.DataTimeout
}
