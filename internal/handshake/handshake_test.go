package handshake

import (
	"net"
	"testing"

	"github.com/rfelsburg/merlin/internal/merlinlog"
	"github.com/rfelsburg/merlin/internal/node"
)

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{})                    {}
func (nopLogger) Infof(string, ...interface{})                     {}
func (nopLogger) Warnf(string, ...interface{})                     {}
func (nopLogger) Errorf(string, ...interface{})                    {}
func (nopLogger) Fatalf(string, ...interface{})                    {}
func (l nopLogger) WithField(string, interface{}) merlinlog.Logger { return l }

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var server net.Conn
	done := make(chan struct{})
	go func() {
		server, _ = ln.Accept()
		close(done)
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-done
	return client, server
}

func connectedPeer(t *testing.T, name string, info node.Info) *node.Node {
	t.Helper()
	n := node.New(0, node.Spec{Name: name, Role: node.RolePeer}, nopLogger{}, nil)
	_, server := tcpPair(t)
	n.CompleteOutboundConnect(server)
	n.MarkNegotiated()
	n.Info = info
	return n
}

func TestValidate_IdenticalInfo_OK(t *testing.T) {
	hash := [20]byte{1, 2, 3}
	local := node.Info{ActivePeers: 0b111, ConfigHash: hash, SoftwareVersion: "2.0.0"}
	peer := connectedPeer(t, "peer-a", node.Info{ActivePeers: 0b111, ConfigHash: hash, SoftwareVersion: "2.0.0"})

	v := New(func() node.Info { return local }, nopLogger{})
	ok, reason := v.Validate([]*node.Node{peer})
	if !ok {
		t.Fatalf("expected ok, got reason: %s", reason)
	}
}

func TestValidate_NodeSetMismatch_Fails(t *testing.T) {
	hash := [20]byte{1, 2, 3}
	local := node.Info{ActivePeers: 0b111, ConfigHash: hash}
	peer := connectedPeer(t, "peer-a", node.Info{ActivePeers: 0b011, ConfigHash: hash})

	v := New(func() node.Info { return local }, nopLogger{})
	ok, reason := v.Validate([]*node.Node{peer})
	if ok {
		t.Fatalf("expected node-set mismatch to fail validation")
	}
	if reason == "" {
		t.Fatalf("expected a reason string")
	}
}

func TestValidate_ConfigHashMismatch_Fails(t *testing.T) {
	local := node.Info{ActivePeers: 0b111, ConfigHash: [20]byte{1}}
	peer := connectedPeer(t, "peer-a", node.Info{ActivePeers: 0b111, ConfigHash: [20]byte{2}})

	v := New(func() node.Info { return local }, nopLogger{})
	ok, _ := v.Validate([]*node.Node{peer})
	if ok {
		t.Fatalf("expected configuration-time mismatch to fail validation")
	}
}

func TestValidate_DisconnectedPeerIgnored(t *testing.T) {
	local := node.Info{ActivePeers: 0b111}
	peer := node.New(0, node.Spec{Name: "peer-a", Role: node.RolePeer}, nopLogger{}, nil)
	// never connected: state is NONE

	v := New(func() node.Info { return local }, nopLogger{})
	ok, _ := v.Validate([]*node.Node{peer})
	if !ok {
		t.Fatalf("expected a disconnected peer to be skipped, not counted as a mismatch")
	}
}

func TestValidate_VersionSkewLogsButDoesNotFail(t *testing.T) {
	hash := [20]byte{9}
	local := node.Info{ActivePeers: 0b1, ConfigHash: hash, SoftwareVersion: "2.1.0"}
	peer := connectedPeer(t, "peer-a", node.Info{ActivePeers: 0b1, ConfigHash: hash, SoftwareVersion: "2.0.0"})

	v := New(func() node.Info { return local }, nopLogger{})
	ok, reason := v.Validate([]*node.Node{peer})
	if !ok {
		t.Fatalf("expected version skew alone not to fail validation, got reason: %s", reason)
	}
}
