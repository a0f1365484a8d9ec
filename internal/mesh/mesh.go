// Package mesh implements the reactor that owns the node table: the
// listening socket, the per-tick connect sweep, and the single goroutine
// that is the sole mutator of every Node it owns (spec §4.3, §5).
//
// I/O itself is goroutine-per-connection (an accept-loop goroutine and one
// read-loop goroutine per live socket), but every one of those goroutines
// only ever pushes a value onto a channel the reactor's own select loop
// reads from. The reactor goroutine is the only place that ever touches a
// Node's mutable fields, which keeps the "no locks, one mutator" property
// spec §5 requires even without a literal non-blocking-socket multiplexer.
package mesh

import (
	"context"
	"net"
	"time"

	"github.com/rfelsburg/merlin/internal/exec"
	"github.com/rfelsburg/merlin/internal/merlinlog"
	"github.com/rfelsburg/merlin/internal/metric"
	"github.com/rfelsburg/merlin/internal/node"
	"github.com/rfelsburg/merlin/wire"
)

// TickInterval bounds the reactor's periodic sweep (spec §4.3: "every tick
// (≤ 2s)").
const TickInterval = 2 * time.Second

// Router is the narrow collaborator the reactor hands every decoded frame
// to. internal/router implements it; tests can substitute a recording
// fake, the same way the teacher isolates Transport/Deliverable behind
// interfaces for its peer.
type Router interface {
	Dispatch(origin *node.Node, f wire.Frame)
}

// Partitioner re-runs the peer-group sort-and-assign phase after a
// connection-state change. internal/partition implements it; the group
// membership itself (which nodes belong to which group) is fixed at
// build time and does not need to be passed in again here.
type Partitioner interface {
	Rebalance(selfStart time.Time)
}

// IPCState reports whether the local monitoring engine is currently
// connected; the reactor consults it before accepting new mesh
// connections (spec §4.4: "while IPC is disconnected ... skip accepting
// new network connections").
type IPCState interface {
	Connected() bool
}

// SyncArbiter is notified whenever a node transitions into CONNECTED, so
// it can run the config-sync decision table (spec §4.7).
type SyncArbiter interface {
	OnConnected(n *node.Node)
	Reap()
}

// Config bundles the reactor's static knobs.
type Config struct {
	ListenAddr string // host:port to bind the mesh listener to
	ListenPort int     // numeric port, used for FixedSrcPort source-port math
}

// acceptedConn is what the accept-loop goroutine hands to the reactor.
type acceptedConn struct {
	conn net.Conn
}

// dialOutcome is what a per-node outbound dial goroutine hands back.
type dialOutcome struct {
	idx  int
	conn net.Conn
	err  error
}

// recvEvent is what a per-connection read-loop goroutine hands back. conn
// identifies which socket it came from, so the reactor can discard a
// straggling event from a socket that has since been replaced or closed.
type recvEvent struct {
	idx  int
	conn net.Conn
	buf  []byte
	err  error
}

// Reactor owns a node.Table and drives it to completion of the spec's
// component contract for C3.
type Reactor struct {
	cfg       Config
	table     *node.Table
	selfStart time.Time

	router      Router
	partitioner Partitioner
	ipc         IPCState
	syncArb     SyncArbiter

	log     merlinlog.Logger
	metrics *metric.Registry
	invoker exec.Invoker

	listener net.Listener

	acceptCh chan acceptedConn
	dialCh   chan dialOutcome
	recvCh   chan recvEvent

	ctx context.Context
}

// New builds a Reactor. It does not bind the listener or start any
// goroutine; call Run for that.
func New(cfg Config, table *node.Table, router Router, partitioner Partitioner, ipc IPCState, syncArb SyncArbiter, log merlinlog.Logger, metrics *metric.Registry) *Reactor {
	return &Reactor{
		cfg:         cfg,
		table:       table,
		selfStart:   time.Now(),
		router:      router,
		partitioner: partitioner,
		ipc:         ipc,
		syncArb:     syncArb,
		log:         log.WithField("component", "mesh"),
		metrics:     metrics,
		invoker:     exec.New(),
		acceptCh:    make(chan acceptedConn, 16),
		dialCh:      make(chan dialOutcome, 16),
		recvCh:      make(chan recvEvent, 64),
	}
}

// Run binds the listening socket and drives the reactor loop until ctx is
// cancelled. It blocks until shutdown is complete.
func (r *Reactor) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.ListenAddr)
	if err != nil {
		return err
	}
	r.listener = ln
	r.ctx = ctx
	r.log.Infof("listening on %s", r.cfg.ListenAddr)

	r.invoker.Spawn(func() { r.acceptLoop(ctx) })

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-ticker.C:
			r.onTick()
		case ac := <-r.acceptCh:
			r.onAccept(ac.conn)
		case d := <-r.dialCh:
			r.onDialOutcome(d)
		case ev := <-r.recvCh:
			r.onRecv(ev)
		}
	}
}

func (r *Reactor) shutdown() {
	r.listener.Close()
	for _, n := range r.table.Nodes {
		for _, c := range n.Disconnect("mesh reactor shutting down") {
			c.Close()
		}
	}
	r.invoker.Stop()
}

// acceptLoop repeatedly calls Accept until the listener is closed (spec
// §4.3: "repeatedly accept until EAGAIN" — Go's equivalent is "until
// Accept returns an error", since Listener.Accept already blocks instead
// of spinning on EAGAIN).
func (r *Reactor) acceptLoop(ctx context.Context) {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				r.log.Warnf("accept: %v", err)
				return
			}
		}
		select {
		case r.acceptCh <- acceptedConn{conn: conn}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}
