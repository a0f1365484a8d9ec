package partition

import (
	"sort"
	"strings"

	"github.com/rfelsburg/merlin/internal/merlinlog"
	"github.com/rfelsburg/merlin/internal/node"
)

// Partitioner owns every Group for one daemon instance: the local group
// plus one group per distinct normalised poller host-group selector.
type Partitioner struct {
	Local  *Group
	Groups []*Group // Local is always Groups[0]
	log    merlinlog.Logger

	pollerHandledHosts    map[int]struct{}
	pollerHandledServices map[int]struct{}
}

// normalizeSelector implements spec §4.6's selector normalisation: trim,
// split on comma, sort lexicographically, rejoin with single commas.
func normalizeSelector(raw string) string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// Build runs the build phase once, after config parse: it creates the
// local group and one group per distinct poller selector, then claims
// every host/service into exactly one group's assignment matrix.
func Build(catalog Catalog, peers []*node.Node, pollers []*node.Node, log merlinlog.Logger) (*Partitioner, error) {
	p := &Partitioner{
		log:                   log.WithField("component", "partition"),
		pollerHandledHosts:    make(map[int]struct{}),
		pollerHandledServices: make(map[int]struct{}),
	}

	local := &Group{ID: 0, Nodes: peers, isLocal: true, hostClaimed: map[int]struct{}{}, serviceClaimed: map[int]struct{}{}}
	p.Local = local
	p.Groups = append(p.Groups, local)
	localSize := local.ownSize()

	byKey := map[string]*Group{}
	for _, poller := range pollers {
		key := normalizeSelector(poller.Spec.HostGroupSelector)
		g, ok := byKey[key]
		if !ok {
			g = &Group{
				ID:                len(p.Groups),
				HostGroupSelector: key,
				hostClaimed:       map[int]struct{}{},
				serviceClaimed:    map[int]struct{}{},
			}
			byKey[key] = g
			p.Groups = append(p.Groups, g)
		}
		g.Nodes = append(g.Nodes, poller)
	}

	hostsByID := make(map[int]Host, len(catalog.Hosts))
	for _, h := range catalog.Hosts {
		hostsByID[h.ID] = h
	}

	for _, g := range p.Groups {
		if g.isLocal {
			continue
		}
		p.allocAssign(g, localSize)
		for _, hgName := range strings.Split(g.HostGroupSelector, ",") {
			hg, ok := catalog.HostGroups[hgName]
			if !ok {
				continue
			}
			dupes := p.mapHostGroup(g, hg, hostsByID)
			g.Overlapping += dupes
			if dupes > 0 {
				p.log.Warnf("hostgroup %q has %d hosts overlapping with another poller-group selector", hgName, dupes)
			}
		}
		g.AssignedHosts = uint32(len(g.hostClaimed))
		g.AssignedServices = uint32(len(g.serviceClaimed))
	}

	p.allocAssign(local, localSize)
	for _, h := range catalog.Hosts {
		if _, claimed := p.pollerHandledHosts[h.ID]; claimed {
			continue
		}
		for k := 0; k < local.allocRows(); k++ {
			peerID := h.ID % (k + 1)
			local.Assign[k][peerID].Hosts++
		}
		local.AssignedHosts++
		for _, sid := range h.ServiceIDs {
			for k := 0; k < local.allocRows(); k++ {
				peerID := sid % (k + 1)
				local.Assign[k][peerID].Services++
			}
			local.AssignedServices++
		}
	}

	return p, nil
}

// allocAssign sizes g's assignment matrix to the larger of g's own
// membership and localSize, the local group's membership (see Group.Assign's
// doc comment for why a poller group's matrix must be at least that big).
func (p *Partitioner) allocAssign(g *Group, localSize int) {
	rows := g.ownSize()
	if localSize > rows {
		rows = localSize
	}
	g.Assign = make([][]node.Workload, rows)
	for i := range g.Assign {
		g.Assign[i] = make([]node.Workload, i+1)
	}
}

// mapHostGroup claims every host (and its services) in hg into g's
// assignment matrix, skipping anything already claimed by this group. A
// host already claimed by a different poller group is skipped too and
// counted in the returned dupe count, so it stays with its first group.
func (p *Partitioner) mapHostGroup(g *Group, hg HostGroup, hostsByID map[int]Host) int {
	dupes := 0
	for _, id := range hg.HostIDs {
		if _, already := g.hostClaimed[id]; already {
			continue
		}
		if _, byOther := p.pollerHandledHosts[id]; byOther {
			dupes++
			continue
		}
		p.pollerHandledHosts[id] = struct{}{}
		g.hostClaimed[id] = struct{}{}

		for k := 0; k < g.allocRows(); k++ {
			g.Assign[k][id%(k+1)].Hosts++
		}

		h, ok := hostsByID[id]
		if !ok {
			continue
		}
		for _, sid := range h.ServiceIDs {
			g.serviceClaimed[sid] = struct{}{}
			p.pollerHandledServices[sid] = struct{}{}
			for k := 0; k < g.allocRows(); k++ {
				g.Assign[k][sid%(k+1)].Services++
			}
		}
	}
	return dupes
}
