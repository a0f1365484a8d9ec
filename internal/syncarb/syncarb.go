// Package syncarb implements the config-sync arbiter (spec §4.7): on
// every peer transition to CONNECTED, it decides whether to push, fetch,
// or do nothing, and runs the configured shell command for that decision.
//
// Grounded on original_source/daemon/daemon.c's csync_config_cmp and
// csync_node_active, generalised to the decision table spec §4.7 states
// literally rather than the source's stray disconnect-on-any-delta
// behaviour (see DESIGN.md "Open questions resolved").
package syncarb

import (
	"time"

	"github.com/rfelsburg/merlin/internal/exec"
	"github.com/rfelsburg/merlin/internal/merlinlog"
	"github.com/rfelsburg/merlin/internal/node"
)

// RateLimit is the minimum interval between two sync attempts for the
// same node (spec §4.7/§5).
const RateLimit = 30 * time.Second

// LocalInfo reports this daemon's own handshake info, as last reported by
// the connected monitoring engine. internal/ipcendpoint.Endpoint
// satisfies this directly.
type LocalInfo interface {
	Connected() bool
	Info() node.Info
}

// action is the outcome of the decision table for one node.
type action int

const (
	actionNone action = iota
	actionPush
	actionFetch
	actionAbstainUnresolved // logged conflict, requires human, node still disconnected
	actionAbstainNoLocal    // local engine not connected; cannot check
)

// Arbiter runs the decision table and manages at most one in-flight sync
// child per node.
type Arbiter struct {
	table   *node.Table
	local   LocalInfo
	invoker exec.Invoker
	runner  Runner
	log     merlinlog.Logger

	resultCh chan syncResult
}

type syncResult struct {
	idx  int
	name string
	kind string
	cmd  string
	pid  int
	err  error
}

// New builds an Arbiter. runner is the shell-command launcher; production
// callers pass NewShellRunner(), tests pass a fake.
func New(table *node.Table, local LocalInfo, runner Runner, log merlinlog.Logger) *Arbiter {
	return &Arbiter{
		table:    table,
		local:    local,
		invoker:  exec.New(),
		runner:   runner,
		log:      log.WithField("component", "syncarb"),
		resultCh: make(chan syncResult, 32),
	}
}

// decide implements the table in spec §4.7. cmp is remote - local
// last-config-change; hashEq is whether the 20-byte config hashes match.
func decide(role node.Role, cmp time.Duration, hashEq bool) action {
	switch role {
	case node.RolePeer:
		if hashEq {
			return actionNone
		}
		if cmp == 0 {
			return actionAbstainUnresolved
		}
		if cmp > 0 {
			return actionFetch
		}
		return actionPush
	case node.RoleMaster:
		if cmp > 0 {
			return actionFetch
		}
		return actionNone
	case node.RolePoller:
		if cmp != 0 {
			return actionPush
		}
		return actionNone
	default:
		return actionNone
	}
}

// OnConnected runs the decision table for n, which has just transitioned
// to CONNECTED. It is the SyncArbiter half of the mesh.SyncArbiter
// interface.
func (a *Arbiter) OnConnected(n *node.Node) {
	if !a.local.Connected() {
		a.log.Warnf("cannot check config sync for %s: local engine not connected", n.Spec.Name)
		return
	}
	localInfo := a.local.Info()

	if n.Spec.SyncPushCmd == "" && n.Spec.SyncFetchCmd == "" {
		a.log.Debugf("%s: no config sync configured", n.Spec.Name)
		for _, c := range n.Disconnect("config can't be synced") {
			c.Close()
		}
		return
	}

	cmp := n.Info.LastConfigChange.Sub(localInfo.LastConfigChange)
	hashEq := n.Info.ConfigHash == localInfo.ConfigHash

	act := decide(n.Spec.Role, cmp, hashEq)

	switch act {
	case actionNone:
		return
	case actionAbstainUnresolved:
		a.log.Errorf("%s: config hash mismatch but timestamps match; user intervention required", n.Spec.Name)
		for _, c := range n.Disconnect("config out of sync") {
			c.Close()
		}
		return
	}

	kind := "push"
	cmd := n.Spec.SyncPushCmd
	if act == actionFetch {
		kind = "fetch"
		cmd = n.Spec.SyncFetchCmd
	}
	if cmd == "" {
		a.log.Debugf("%s: should have %sed, but no %s command configured", n.Spec.Name, kind, kind)
		return
	}

	a.trigger(n, kind, cmd)
}

// trigger applies the rate limit and in-flight-child checks, then spawns
// the command asynchronously.
func (a *Arbiter) trigger(n *node.Node, kind, cmd string) {
	now := time.Now()
	if n.SyncChildPID != 0 {
		a.log.Debugf("%s: a sync child is already running, skipping", n.Spec.Name)
		return
	}
	if !n.LastSyncAttempt.IsZero() && now.Sub(n.LastSyncAttempt) < RateLimit {
		a.log.Debugf("%s: config sync attempted %s ago, waiting", n.Spec.Name, now.Sub(n.LastSyncAttempt))
		return
	}

	proc, err := a.runner.Start(cmd)
	if err != nil {
		a.log.Warnf("%s: failed to start %s command %q: %v", n.Spec.Name, kind, cmd, err)
		return
	}

	n.LastSyncAttempt = now
	n.SyncChildPID = proc.Pid()
	idx := n.Index
	name := n.Spec.Name
	a.log.Infof("%s: triggered config %s; command: %s", name, kind, cmd)

	a.invoker.Spawn(func() {
		err := proc.Wait()
		a.resultCh <- syncResult{idx: idx, name: name, kind: kind, cmd: cmd, pid: proc.Pid(), err: err}
	})
}

// Reap drains every sync child that has finished since the last call,
// logging its outcome and clearing the node's in-flight bookkeeping. It
// never blocks (spec §4.8: tick-driven, non-blocking reap).
func (a *Arbiter) Reap() {
	for {
		select {
		case res := <-a.resultCh:
			a.logResult(res)
			if res.idx >= 0 && res.idx < len(a.table.Nodes) {
				a.table.Nodes[res.idx].SyncChildPID = 0
			}
		default:
			return
		}
	}
}

func (a *Arbiter) logResult(res syncResult) {
	if res.err == nil {
		a.log.Infof("%s: config %s finished (pid %d)", res.name, res.kind, res.pid)
		return
	}
	a.log.Warnf("%s: config %s failed (pid %d): %v", res.name, res.kind, res.pid, res.err)
	if res.kind == "push" {
		a.log.Warnf("%s: retry the push manually with: %s", res.name, res.cmd)
	}
}
