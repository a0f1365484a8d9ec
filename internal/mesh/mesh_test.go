package mesh

import (
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/rfelsburg/merlin/internal/merlinlog"
	"github.com/rfelsburg/merlin/internal/node"
	"github.com/rfelsburg/merlin/wire"
)

// TestMain verifies that no goroutine spawned by a reactor under test
// (accept loop, read loop, write loop, dial goroutines) outlives the test
// that started it.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{})                    {}
func (nopLogger) Infof(string, ...interface{})                     {}
func (nopLogger) Warnf(string, ...interface{})                     {}
func (nopLogger) Errorf(string, ...interface{})                    {}
func (nopLogger) Fatalf(string, ...interface{})                    {}
func (l nopLogger) WithField(string, interface{}) merlinlog.Logger { return l }

type fakeRouter struct {
	dispatched []wire.Frame
}

func (f *fakeRouter) Dispatch(origin *node.Node, fr wire.Frame) {
	f.dispatched = append(f.dispatched, fr)
}

type fakePartitioner struct {
	calls int
}

func (f *fakePartitioner) Rebalance(selfStart time.Time) { f.calls++ }

type fakeIPC struct {
	connected bool
}

func (f *fakeIPC) Connected() bool { return f.connected }

type fakeSyncArb struct {
	connectedNodes []*node.Node
	reapCalls      int
}

func (f *fakeSyncArb) OnConnected(n *node.Node) { f.connectedNodes = append(f.connectedNodes, n) }
func (f *fakeSyncArb) Reap()                    { f.reapCalls++ }

func newTestReactor(t *testing.T) (*Reactor, *fakeRouter, *fakePartitioner, *fakeIPC, *fakeSyncArb) {
	t.Helper()
	table := node.NewTable([]node.Spec{{Name: "b", Role: node.RolePeer, Address: "127.0.0.1", Port: 16000}},
		func(s node.Spec) *node.Node { return node.New(0, s, nopLogger{}, nil) })
	router := &fakeRouter{}
	part := &fakePartitioner{}
	ipc := &fakeIPC{connected: true}
	sync := &fakeSyncArb{}
	r := New(Config{ListenAddr: "127.0.0.1:0", ListenPort: 15551}, table, router, part, ipc, sync, nopLogger{}, nil)
	return r, router, part, ipc, sync
}

func tcpLoopback(t *testing.T) (clientSide, serverSide net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptedCh <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-acceptedCh
	return client, server
}

func TestReactor_OnAccept_RefusesWhenIPCDown(t *testing.T) {
	r, _, _, ipc, _ := newTestReactor(t)
	ipc.connected = false

	_, server := tcpLoopback(t)
	r.onAccept(server)

	if r.table.Nodes[0].Connected() {
		t.Fatalf("node must not be adopted while IPC is down")
	}
	// server should have been closed by onAccept; a subsequent read
	// should report an error.
	buf := make([]byte, 1)
	if _, err := server.Read(buf); err == nil {
		t.Fatalf("expected onAccept to close the rejected socket")
	}
}

func TestReactor_OnAccept_AddressOnlyMatchAdoptsViaFallback(t *testing.T) {
	r, _, _, _, _ := newTestReactor(t)
	// "b" is configured at 127.0.0.1:16000; the loopback client's
	// ephemeral source port does not equal listen_port+16000.
	client, server := tcpLoopback(t)
	defer client.Close()

	r.onAccept(server)
	// Table has one node at 127.0.0.1 with FixedSrcPort false, so this
	// loopback accept actually falls back to it (address matches), so
	// instead assert it DID get adopted via the fallback path.
	if !r.table.Nodes[0].Connected() && r.table.Nodes[0].Conn() == nil {
		t.Fatalf("expected fallback match to adopt the inbound socket")
	}
}

func TestReactor_OnRecv_DispatchesAndMarksNegotiated(t *testing.T) {
	r, router, part, _, sync := newTestReactor(t)
	client, server := tcpLoopback(t)
	defer client.Close()
	defer server.Close()

	n := r.table.Nodes[0]
	n.AcceptInbound(server)

	f := wire.Frame{Type: wire.TypeCtrl, Code: wire.CtrlActive}
	raw, err := wire.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	r.onRecv(recvEvent{idx: 0, conn: server, buf: raw})

	if len(router.dispatched) != 1 {
		t.Fatalf("expected exactly one dispatched frame, got %d", len(router.dispatched))
	}
	if !n.Connected() {
		t.Fatalf("expected CTRL_ACTIVE to mark the node negotiated/connected")
	}
	if len(sync.connectedNodes) != 1 {
		t.Fatalf("expected the sync arbiter to be notified once")
	}
	if part.calls != 1 {
		t.Fatalf("expected a rebalance after negotiation, got %d calls", part.calls)
	}
}

func TestReactor_OnRecv_ErrorDisconnects(t *testing.T) {
	r, _, _, _, _ := newTestReactor(t)
	client, server := tcpLoopback(t)
	defer client.Close()

	n := r.table.Nodes[0]
	n.AcceptInbound(server)

	r.onRecv(recvEvent{idx: 0, conn: server, err: net.ErrClosed})

	if n.State != node.StateNone {
		t.Fatalf("expected node reset to NONE after a recv error, got %v", n.State)
	}
}

func TestReactor_OnTick_SkipsConnectedAndPendingNodes(t *testing.T) {
	r, _, _, _, sync := newTestReactor(t)
	r.table.Nodes[0].Spec.Connect = false // avoid a real dial attempt in this unit test
	r.onTick()
	if sync.reapCalls != 1 {
		t.Fatalf("expected Reap to be called once per tick")
	}

	// A CONNECTED or PENDING node is never re-dialled, even when its
	// spec allows outbound connects.
	n := r.table.Nodes[0]
	n.Spec.Connect = true
	for _, st := range []node.State{node.StateConnected, node.StatePending} {
		n.State = st
		r.onTick()
		if n.State != st || !n.LastConnectAttempt.IsZero() {
			t.Fatalf("tick must not dial a node in state %v", st)
		}
	}
}

func TestReactor_CheckLiveness_DisconnectsViaTick(t *testing.T) {
	r, _, part, _, _ := newTestReactor(t)
	n := r.table.Nodes[0]
	n.Spec.Connect = false
	n.Spec.DataTimeout = time.Millisecond
	client, server := tcpLoopback(t)
	defer client.Close()
	defer server.Close()
	n.AcceptInbound(server)
	n.MarkNegotiated()
	n.LastRecv = time.Now().Add(-time.Hour)

	r.onTick()

	if n.State != node.StateNone {
		t.Fatalf("expected liveness timeout to disconnect the node, got %v", n.State)
	}
	if part.calls != 1 {
		t.Fatalf("expected a rebalance after a liveness-triggered disconnect")
	}
}
