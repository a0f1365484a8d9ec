// Package metric holds the daemon's own Prometheus metrics. A distribution
// daemon for a monitoring fabric is itself worth monitoring, so every
// component that crosses a socket or spawns a child process reports here.
package metric

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the daemon exposes. Components are handed
// a *Registry at construction time rather than reaching for package-level
// globals, so tests can use a throwaway registry per case.
type Registry struct {
	BytesSent     *prometheus.CounterVec
	BytesRecv     *prometheus.CounterVec
	PacketsSent   *prometheus.CounterVec
	PacketsRecv   *prometheus.CounterVec
	NodeState     *prometheus.GaugeVec
	Disconnects   *prometheus.CounterVec
	SyncAttempts  *prometheus.CounterVec
	SyncChildExit *prometheus.CounterVec
	PeerGroupSize *prometheus.GaugeVec
}

// NewRegistry creates and registers every metric against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merlin",
			Subsystem: "node",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to a node's socket.",
		}, []string{"node"}),
		BytesRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merlin",
			Subsystem: "node",
			Name:      "bytes_received_total",
			Help:      "Bytes read from a node's socket.",
		}, []string{"node"}),
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merlin",
			Subsystem: "node",
			Name:      "packets_sent_total",
			Help:      "Events written to a node's socket.",
		}, []string{"node"}),
		PacketsRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merlin",
			Subsystem: "node",
			Name:      "packets_received_total",
			Help:      "Events read from a node's socket.",
		}, []string{"node"}),
		NodeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "merlin",
			Subsystem: "node",
			Name:      "state",
			Help:      "Current node connection state (0=NONE,1=PENDING,2=NEGOTIATING,3=CONNECTED).",
		}, []string{"node"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merlin",
			Subsystem: "node",
			Name:      "disconnects_total",
			Help:      "Disconnections, labelled by reason.",
		}, []string{"node", "reason"}),
		SyncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merlin",
			Subsystem: "syncarb",
			Name:      "attempts_total",
			Help:      "Config-sync decisions, labelled by action.",
		}, []string{"node", "action"}),
		SyncChildExit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "merlin",
			Subsystem: "syncarb",
			Name:      "child_exits_total",
			Help:      "Config-sync child process exits, labelled by result.",
		}, []string{"node", "result"}),
		PeerGroupSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "merlin",
			Subsystem: "partition",
			Name:      "active_nodes",
			Help:      "Active node count per peer group.",
		}, []string{"group"}),
	}

	reg.MustRegister(
		r.BytesSent, r.BytesRecv, r.PacketsSent, r.PacketsRecv,
		r.NodeState, r.Disconnects, r.SyncAttempts, r.SyncChildExit,
		r.PeerGroupSize,
	)
	return r
}

// NewUnregistered is used by tests that want metrics without touching the
// default Prometheus registry.
func NewUnregistered() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
