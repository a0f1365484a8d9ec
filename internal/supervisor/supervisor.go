// Package supervisor implements process-level signal handling and
// shutdown sequencing (spec §4.8), grounded on
// original_source/daemon/daemon.c's merlind_sighandler / sigusr_handler /
// clean_exit split: a signal sets a flag (here, a channel send via
// os/signal) the main loop notices and acts on, rather than doing real
// work inside the OS signal handler itself.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rfelsburg/merlin/internal/merlinlog"
	"github.com/rfelsburg/merlin/internal/node"
)

// ChildReapInterval is how often the shutdown path polls for outstanding
// sync children to have finished.
const ChildReapInterval = 100 * time.Millisecond

// MaxShutdownWait bounds how long shutdown will wait for outstanding sync
// children before giving up and exiting anyway.
const MaxShutdownWait = 10 * time.Second

// ChildReaper drains completed sync-arbiter children. internal/syncarb's
// Arbiter implements it. Once the mesh reactor's tick loop has stopped
// (which happens as soon as cancel is called), nothing else will ever
// call Reap again, so the supervisor has to drive it directly while it
// waits for children to finish.
type ChildReaper interface {
	Reap()
}

// Supervisor owns the process's signal handling: SIGINT/SIGTERM trigger
// graceful shutdown, SIGUSR1 dumps a node-info snapshot, and SIGPIPE is
// ignored process-wide (spec §4.8).
type Supervisor struct {
	table    *node.Table
	localize func() node.Info
	reaper   ChildReaper
	dumpPath string
	log      merlinlog.Logger
}

// New builds a Supervisor. localize reports the local engine's current
// info block for the diagnostic dump; dumpPath is where SIGUSR1 writes
// its snapshot (original_source hard-codes /tmp/merlind.nodeinfo). reaper
// may be nil if the daemon has no sync-arbiter children to ever wait on.
func New(table *node.Table, localize func() node.Info, reaper ChildReaper, dumpPath string, log merlinlog.Logger) *Supervisor {
	return &Supervisor{
		table:    table,
		localize: localize,
		reaper:   reaper,
		dumpPath: dumpPath,
		log:      log.WithField("component", "supervisor"),
	}
}

// Run installs signal handlers and blocks until a graceful shutdown is
// triggered (by SIGINT, SIGTERM, or ctx being cancelled by some other
// part of the process). On SIGINT/SIGTERM, cancel is called once, to stop
// the mesh reactor, and Run then waits (up to MaxShutdownWait) for every
// outstanding sync-arbiter child to exit before returning. When ctx is
// cancelled elsewhere, Run returns at once without waiting for children.
func (s *Supervisor) Run(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	signal.Ignore(syscall.SIGPIPE)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if s.handleSignal(sig, cancel) {
				return
			}
		}
	}
}

// handleSignal applies one signal's policy. It returns true once the
// process should exit its main loop.
func (s *Supervisor) handleSignal(sig os.Signal, cancel context.CancelFunc) bool {
	switch sig {
	case syscall.SIGUSR1:
		s.dumpDiagnostics()
		return false
	case syscall.SIGINT, syscall.SIGTERM:
		s.log.Warnf("caught signal %v, shutting down", sig)
		cancel()
		s.waitForChildren()
		return true
	default:
		return false
	}
}

// waitForChildren blocks until every node's in-flight sync child has
// exited, up to MaxShutdownWait (spec §4.8: "outstanding children ...
// must reach zero before exit"). cancel has already stopped the mesh
// reactor's own tick-driven Reap, so this drives the reaper itself.
func (s *Supervisor) waitForChildren() {
	deadline := time.Now().Add(MaxShutdownWait)
	for s.outstandingChildren() > 0 {
		if s.reaper != nil {
			s.reaper.Reap()
		}
		if s.outstandingChildren() == 0 {
			return
		}
		if time.Now().After(deadline) {
			s.log.Warnf("giving up waiting for %d outstanding sync children after %s", s.outstandingChildren(), MaxShutdownWait)
			return
		}
		time.Sleep(ChildReapInterval)
	}
}

func (s *Supervisor) outstandingChildren() int {
	n := 0
	for _, nd := range s.table.Nodes {
		if nd.SyncChildPID != 0 {
			n++
		}
	}
	return n
}

// dumpDiagnostics writes a snapshot of every node's negotiated info to
// dumpPath (spec §4.8/§6: SIGUSR1 diagnostic dump).
func (s *Supervisor) dumpDiagnostics() {
	f, err := os.Create(s.dumpPath)
	if err != nil {
		s.log.Errorf("diagnostic dump: failed to open %s: %v", s.dumpPath, err)
		return
	}
	defer f.Close()

	if s.localize != nil {
		local := s.localize()
		fmt.Fprintf(f, "local: protocol=%d software=%s last_cfg_change=%s\n",
			local.ProtocolVersion, local.SoftwareVersion, local.LastConfigChange)
	}
	for _, nd := range s.table.Nodes {
		fmt.Fprintf(f, "%s: type=%s state=%s peer_id=%d peer_group=%d last_recv=%s current={hosts=%d services=%d} extra={hosts=%d services=%d}\n",
			nd.Spec.Name, nd.Spec.Role, nd.State, nd.PeerID, nd.PeerGroupID, nd.LastRecv,
			nd.Assigned.Current.Hosts, nd.Assigned.Current.Services,
			nd.Assigned.Extra.Hosts, nd.Assigned.Extra.Services)
	}
}
