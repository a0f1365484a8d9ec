package node

import "net"

// Table is the flat, index-addressed vector of configured nodes (spec §9
// "Cyclic ownership": one flat vector of nodes, back-references by index).
// It is owned and mutated exclusively by the mesh reactor goroutine.
type Table struct {
	Nodes []*Node
}

// NewTable builds a Table from specs, in listed order.
func NewTable(specs []Spec, log func(Spec) *Node) *Table {
	t := &Table{Nodes: make([]*Node, 0, len(specs))}
	for _, s := range specs {
		t.Nodes = append(t.Nodes, log(s))
	}
	return t
}

// ByName finds a node by its configured name.
func (t *Table) ByName(name string) *Node {
	for _, n := range t.Nodes {
		if n.Spec.Name == name {
			return n
		}
	}
	return nil
}

// Peers returns every node configured with Role == RolePeer.
func (t *Table) Peers() []*Node {
	var out []*Node
	for _, n := range t.Nodes {
		if n.Spec.Role == RolePeer {
			out = append(out, n)
		}
	}
	return out
}

// Pollers returns every node configured with Role == RolePoller.
func (t *Table) Pollers() []*Node {
	var out []*Node
	for _, n := range t.Nodes {
		if n.Spec.Role == RolePoller {
			out = append(out, n)
		}
	}
	return out
}

// FindForAccept resolves which configured node an inbound connection
// belongs to, given the remote address it connected from. It mirrors
// original_source/module/net.c's find_node: prefer an exact match on
// (address, source-port == listen_port+target_port); otherwise fall back
// to the first candidate with a matching address that does not use a
// fixed source port, logging the mismatch is the caller's job.
func (t *Table) FindForAccept(remote *net.TCPAddr, listenPort int) (exact *Node, fallback *Node) {
	for _, n := range t.Nodes {
		ip := net.ParseIP(n.Spec.Address)
		if ip == nil || !ip.Equal(remote.IP) {
			continue
		}
		if remote.Port == n.SourcePort(listenPort) {
			return n, nil
		}
		if fallback == nil && !n.Spec.FixedSrcPort {
			fallback = n
		}
	}
	return nil, fallback
}
