package partition

import (
	"sort"
	"time"

	"github.com/rfelsburg/merlin/internal/node"
)

// peerEntry is one sortable member of a group: either a real configured
// node, or the self marker (node == nil) for the local group.
type peerEntry struct {
	n         *node.Node
	connected bool
	start     time.Time
}

// cmpPeer implements pgroup.c's cmp_peer: CONNECTED members sort first;
// among the rest, a non-zero start time sorts first; ties break by
// ascending start time.
func cmpPeer(a, b peerEntry) bool {
	if a.connected != b.connected {
		return a.connected
	}
	aHasStart := !a.start.IsZero()
	bHasStart := !b.start.IsZero()
	if aHasStart != bHasStart {
		return aHasStart
	}
	return a.start.Before(b.start)
}

// Rebalance re-runs the sort-and-assign phase (spec §4.6), to be called
// whenever node membership state changes (connect, disconnect,
// negotiation completing). selfStart is this daemon's own process start
// time, which is always non-zero and always counts self as active for
// the local group, matching the "plus self unconditionally" rule.
func (p *Partitioner) Rebalance(selfStart time.Time) {
	for _, g := range p.Groups {
		p.rebalanceGroup(g, selfStart)
	}
	p.redistributeSilentPollerGroups()
}

func (p *Partitioner) rebalanceGroup(g *Group, selfStart time.Time) {
	entries := make([]peerEntry, 0, len(g.Nodes)+1)
	if g.isLocal {
		entries = append(entries, peerEntry{n: nil, connected: true, start: selfStart})
	}
	for _, n := range g.Nodes {
		entries = append(entries, peerEntry{n: n, connected: n.Connected(), start: n.Info.Start})
	}

	sort.SliceStable(entries, func(i, j int) bool { return cmpPeer(entries[i], entries[j]) })

	active := 0
	for i, e := range entries {
		peerID := i
		if e.n == nil {
			g.selfPeerID = peerID
		} else {
			e.n.PeerID = peerID
			e.n.PeerGroupID = g.ID
		}
		if e.connected && !e.start.IsZero() {
			active++
		}
	}
	g.ActiveNodes = active

	if active == 0 {
		return
	}
	row := g.Assign[active-1]
	for _, e := range entries {
		w := node.Workload{}
		if e.n == nil {
			if g.selfPeerID < len(row) {
				w = row[g.selfPeerID]
			}
			g.SelfCurrent = w
			continue
		}
		if e.n.PeerID < len(row) {
			w = row[e.n.PeerID]
		}
		e.n.Assigned.Current = w
	}
}

// redistributeSilentPollerGroups implements the zero-active-poller-group
// rule: any poller group with no active members has its entire workload
// carried by the local group's currently active members, proportioned by
// the same id-mod-active mapping the local group already uses.
func (p *Partitioner) redistributeSilentPollerGroups() {
	for _, n := range p.Local.Nodes {
		n.Assigned.Extra = node.Workload{}
	}
	p.Local.SelfExtra = node.Workload{}

	localActive := p.Local.ActiveNodes
	if localActive == 0 {
		return
	}

	for _, g := range p.Groups {
		if g.isLocal || g.ActiveNodes != 0 {
			continue
		}
		if localActive > len(g.Assign) {
			// allocAssign sizes every group's matrix to at least the
			// local group's own size, so this should not happen; skip
			// rather than panic if it somehow does.
			continue
		}
		row := g.Assign[localActive-1]
		for _, n := range p.Local.Nodes {
			if !n.Connected() {
				continue
			}
			if n.PeerID < len(row) {
				w := row[n.PeerID]
				n.Assigned.Extra.Hosts += w.Hosts
				n.Assigned.Extra.Services += w.Services
			}
		}
		if p.Local.selfPeerID < len(row) {
			w := row[p.Local.selfPeerID]
			p.Local.SelfExtra.Hosts += w.Hosts
			p.Local.SelfExtra.Services += w.Services
		}
	}
}
