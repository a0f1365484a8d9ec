// Package node implements the per-node connection state machine (§4.2 of
// the design): the dual-direction connect/accept race, the symmetric
// tie-break of duplicate sockets, liveness, and the per-node send queue.
//
// Every Node is mutated from exactly one goroutine: the mesh reactor that
// owns the node table. Per-connection read loops and the send-queue
// drainer only ever talk to the reactor through channels; they never touch
// Node fields directly. This keeps the "no locks, one mutator" property
// of §5 even though I/O itself runs goroutine-per-connection, which is the
// alternative design §5 explicitly sanctions.
package node

import (
	"net"
	"time"

	"github.com/rfelsburg/merlin/internal/merlinlog"
	"github.com/rfelsburg/merlin/internal/metric"
	"github.com/rfelsburg/merlin/wire"
)

// Role is what a configured remote participant is to us.
type Role int

const (
	RolePeer Role = iota
	RoleMaster
	RolePoller
)

func (r Role) String() string {
	switch r {
	case RolePeer:
		return "peer"
	case RoleMaster:
		return "noc"
	case RolePoller:
		return "poller"
	default:
		return "unknown"
	}
}

// State is the node connection state machine: NONE -> PENDING ->
// NEGOTIATING -> CONNECTED -> NONE. Inbound accepts jump straight from
// NONE to NEGOTIATING.
type State int

const (
	StateNone State = iota
	StatePending
	StateNegotiating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StatePending:
		return "pending"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Timing constants from spec §4.2/§5.
const (
	ConnectInterval     = 5 * time.Second
	ConnectTimeout      = 20 * time.Second
	ConnectErrLogWindow = 30 * time.Second
	DefaultSendBufBytes = 256 * 1024
)

// Workload is a {hosts, services} pair, used both for a peer group's
// assignment matrix cells and for a node's current/extra accounting.
type Workload struct {
	Hosts    uint32
	Services uint32
}

// Assigned holds what a node is currently responsible for (Current) and
// what it has picked up because a poller group went silent (Extra).
type Assigned struct {
	Current Workload
	Extra   Workload
}

// Info is the node-info block exchanged on handshake (spec §3).
type Info struct {
	ProtocolVersion      uint8
	SoftwareVersion      string
	Start                time.Time
	LastConfigChange     time.Time
	ConfigHash           [20]byte
	PeerID               int
	HostChecksHandled    uint32
	ServiceChecksHandled uint32
	ActivePeers          uint64 // bitmap of active peer ids, as reported by the remote
}

// Counters are the byte/packet counters from spec §3. Mutated only by the
// reactor goroutine; internal/metric is updated alongside so Prometheus
// scrapes never need to touch Node directly.
type Counters struct {
	BytesSent   uint64
	BytesRecv   uint64
	PacketsSent uint64
	PacketsRecv uint64
}

// Spec is the static, config-derived description of a node, used to build
// a Node at load time.
type Spec struct {
	Name              string
	Role              Role
	Address           string
	Port              int
	FixedSrcPort      bool
	HostGroupSelector string // pollers only
	Connect           bool   // whether we should ever initiate an outbound connect
	DataTimeout       time.Duration
	SendBufferBytes   int
	SyncPushCmd       string
	SyncFetchCmd      string
}

// Node is one configured remote participant and everything needed to
// maintain a single logical connection to it.
type Node struct {
	Index int // position in the owning Table's slice; stable for the node's lifetime
	Spec  Spec

	State State

	conn       net.Conn // the single active, chosen socket (nil if none)
	pendingOut net.Conn // outbound connect in progress

	decoder *wire.Decoder

	LastConnectAttempt  time.Time
	LastConnectErrorLog time.Time
	LastRecv            time.Time

	Counters Counters
	Info     Info
	Assigned Assigned

	// PeerID is this node's dense sort-index within its peer group,
	// recomputed by the partitioner on every membership change.
	PeerID int

	// PeerGroupID indexes into the partitioner's slice of groups. Kept
	// as a plain integer, not a pointer, per the arena+index ownership
	// model in spec §9 ("Cyclic ownership"): Node and Group live in
	// separate packages and refer to each other only by index.
	PeerGroupID int

	// Config-sync bookkeeping (§4.7).
	LastSyncAttempt time.Time
	SyncChildPID    int

	sendCh    chan []byte
	sendBytes int64 // atomic
	sendBound int64

	log     merlinlog.Logger
	metrics *metric.Registry
}

// New builds a Node in state NONE from a Spec. It does not connect.
func New(index int, spec Spec, log merlinlog.Logger, metrics *metric.Registry) *Node {
	bound := int64(spec.SendBufferBytes)
	if bound <= 0 {
		bound = DefaultSendBufBytes
	}
	return &Node{
		Index:       index,
		Spec:        spec,
		State:       StateNone,
		decoder:     wire.NewDecoder(),
		PeerGroupID: -1,
		sendCh:      make(chan []byte, 4096),
		sendBound:   bound,
		log:         log.WithField("node", spec.Name),
		metrics:     metrics,
	}
}

// Connected reports whether this node currently has a chosen, live socket.
func (n *Node) Connected() bool {
	return n.State == StateConnected
}
