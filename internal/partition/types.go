// Package partition implements the deterministic peer-group partitioner
// (spec §4.6), transliterated from original_source/pgroup.c: a build
// phase that claims hosts/services into the local group and any poller
// groups, and a sort-and-assign phase, re-run on every membership change,
// that decides which active node is responsible for which slice.
package partition

import (
	"time"

	"github.com/rfelsburg/merlin/internal/node"
)

// Host is one monitored object with its attached service checks. The
// object catalog itself is owned by the monitoring engine and handed to
// the partitioner at build time; interpreting the catalog's source format
// is out of scope here (spec §1 Non-goals: object config grammar).
type Host struct {
	ID         int
	ServiceIDs []int
}

// HostGroup names a set of host ids, the unit pollers claim work by.
type HostGroup struct {
	Name    string
	HostIDs []int
}

// Catalog is everything the build phase needs from the monitored object
// set.
type Catalog struct {
	Hosts      []Host
	HostGroups map[string]HostGroup
}

// Group is one peer group: the local group (self + all PEER nodes) or one
// poller group (all POLLER nodes sharing the same normalised host-group
// selector).
type Group struct {
	ID                int
	HostGroupSelector string // empty for the local group
	Nodes             []*node.Node

	hostClaimed    map[int]struct{}
	serviceClaimed map[int]struct{}

	// Assign[k][p] is the Workload assigned to peer_id p when k+1 nodes
	// are active. Row count is allocRows, not just this group's own
	// membership: a silent poller group is redistributed using the
	// *local* group's active count as the row index (spec §4.6), so
	// every group's matrix must have at least as many rows as the
	// local group can ever need.
	Assign [][]node.Workload

	AssignedHosts    uint32
	AssignedServices uint32
	Overlapping      int

	ActiveNodes int

	// isLocal marks the one group that includes self as an implicit
	// member (self has no *node.Node, so it is tracked alongside the
	// group rather than as a Nodes entry).
	isLocal      bool
	selfPeerID   int
	SelfCurrent  node.Workload
	SelfExtra    node.Workload
}

// ownSize is this group's own member count (including self for the local
// group).
func (g *Group) ownSize() int {
	n := len(g.Nodes)
	if g.isLocal {
		n++
	}
	return n
}

// allocRows is how many rows this group's Assign matrix has: the larger
// of its own membership and the local group's, so a silent poller group
// can always be redistributed using the local group's active count as a
// row index.
func (g *Group) allocRows() int {
	return len(g.Assign)
}
