// Package router implements the event dispatch rules (spec §4.5): each
// decoded frame is routed exactly once, in a fixed rule order, to the
// mesh, the local monitoring engine, the DB updater, or the config
// importer, depending on its type, code, and origin.
package router

import (
	"bytes"
	"errors"
	"strings"

	"github.com/rfelsburg/merlin/internal/merlinlog"
	"github.com/rfelsburg/merlin/internal/node"
	"github.com/rfelsburg/merlin/wire"
)

// DBUpdater persists a non-control event. Implemented by an external
// collaborator (spec §1 Non-goals: "the DB importer subprocess's SQL
// schema" is out of scope here); the router only needs this narrow seam.
type DBUpdater interface {
	Update(f wire.Frame)
}

// ImporterLauncher runs the external config-import program against a set
// of file paths handed over via CTRL_PATHS.
type ImporterLauncher interface {
	Launch(paths []string)
}

// IPCSender is the subset of internal/ipcendpoint the router needs: push
// a frame to the local monitoring engine.
type IPCSender interface {
	Send(f wire.Frame) error
}

// HandshakeValidator checks whether a freshly received CTRL_ACTIVE info
// block is compatible with every currently connected peer (node-set and
// configuration-time match). Implemented by internal/handshake.
type HandshakeValidator interface {
	Validate(peers []*node.Node) (ok bool, reason string)
}

// Deps bundles every external collaborator the router dispatches into.
type Deps struct {
	Table              *node.Table
	IPC                IPCSender
	DB                 DBUpdater
	Importer           ImporterLauncher
	Handshake          HandshakeValidator
	PersistenceEnabled bool

	// MarkIPCConnected is called once an engine CTRL_ACTIVE passes
	// handshake validation (rule 2); ClearEngineInfo is called on an
	// engine CTRL_INACTIVE (rule 3). They are plain callbacks so the
	// router never imports ipcendpoint directly (it already imports
	// node and wire; keeping
	// the dependency graph one-directional matches the teacher's
	// habit of depending on narrow interfaces, not concrete packages,
	// for anything outside a component's own layer).
	MarkIPCConnected func()
	ClearEngineInfo  func()
}

// Router applies the five dispatch rules of spec §4.5 in order.
type Router struct {
	deps Deps
	log  merlinlog.Logger
}

// New builds a Router.
func New(deps Deps, log merlinlog.Logger) *Router {
	return &Router{deps: deps, log: log.WithField("component", "router")}
}

// Dispatch routes one decoded frame. origin is nil when the frame arrived
// from the local monitoring engine over IPC; it is the peer Node when the
// frame arrived over the mesh.
func (r *Router) Dispatch(origin *node.Node, f wire.Frame) {
	if origin == nil && f.Type == wire.TypeCtrl && f.Code == wire.CtrlPaths {
		r.handleCtrlPaths(f)
		return
	}

	if origin == nil && f.Type == wire.TypeCtrl && f.Code == wire.CtrlActive {
		r.handleCtrlActive(f)
		return
	}

	if origin == nil && f.Type == wire.TypeCtrl && f.Code == wire.CtrlInactive {
		if r.deps.ClearEngineInfo != nil {
			r.deps.ClearEngineInfo()
		}
		return
	}

	if f.Type != wire.TypeCtrl && f.Code != wire.MagicNoNet {
		if origin == nil {
			r.fanOutToMesh(f)
		}
		if r.deps.PersistenceEnabled && r.deps.DB != nil {
			r.deps.DB.Update(f)
		}
	}

	if origin != nil {
		if r.deps.IPC != nil {
			if err := r.deps.IPC.Send(f); err != nil {
				r.log.Warnf("failed delivering event from %s to engine: %v", origin.Spec.Name, err)
			}
		}
	}
}

// handleCtrlPaths implements rule 1: hand file paths to the importer.
func (r *Router) handleCtrlPaths(f wire.Frame) {
	if r.deps.Importer == nil {
		return
	}
	paths := splitPaths(f.Body)
	r.deps.Importer.Launch(paths)
}

// handleCtrlActive implements rule 2: validate the engine's handshake
// against every connected peer; disconnect all of them on mismatch,
// otherwise mark the IPC channel CONNECTED.
func (r *Router) handleCtrlActive(f wire.Frame) {
	peers := r.deps.Table.Peers()
	if r.deps.Handshake != nil {
		ok, reason := r.deps.Handshake.Validate(peers)
		if !ok {
			r.log.Warnf("engine handshake mismatch, disconnecting all peers: %s", reason)
			for _, p := range peers {
				for _, c := range p.Disconnect("configuration mismatch on engine handshake") {
					c.Close()
				}
			}
			return
		}
	}
	if r.deps.MarkIPCConnected != nil {
		r.deps.MarkIPCConnected()
	}
}

// fanOutToMesh implements the fan-out half of rule 4: send to every peer
// and master node, honoring the selection field for poller-destined
// events (events carrying a non-zero selection go only to pollers whose
// peer group hash matches it, not to every node). A node whose bounded
// send queue overflows is disconnected.
func (r *Router) fanOutToMesh(f wire.Frame) {
	for _, n := range r.deps.Table.Nodes {
		if f.Selection != 0 && n.Spec.Role != node.RolePoller {
			continue
		}
		if n.Spec.Role == node.RolePoller {
			if f.Selection == 0 || uint16(n.PeerGroupID) != f.Selection {
				continue
			}
		}
		if n.Spec.Role == node.RolePeer || n.Spec.Role == node.RoleMaster || n.Spec.Role == node.RolePoller {
			if err := n.Send(f); err != nil {
				r.log.Warnf("send to %s failed: %v", n.Spec.Name, err)
				var resErr *node.ResourceError
				if errors.As(err, &resErr) {
					for _, c := range n.Disconnect("send queue overflow") {
						c.Close()
					}
				}
			}
		}
	}
}

func splitPaths(body []byte) []string {
	raw := strings.Split(string(bytes.TrimSpace(body)), "\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
