package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rfelsburg/merlin/internal/merlinlog"
	"github.com/rfelsburg/merlin/internal/node"
)

type fakeReaper struct {
	reapFn func()
}

func (r fakeReaper) Reap() {
	if r.reapFn != nil {
		r.reapFn()
	}
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{})                    {}
func (nopLogger) Infof(string, ...interface{})                     {}
func (nopLogger) Warnf(string, ...interface{})                     {}
func (nopLogger) Errorf(string, ...interface{})                    {}
func (nopLogger) Fatalf(string, ...interface{})                    {}
func (l nopLogger) WithField(string, interface{}) merlinlog.Logger { return l }

func newTable(specs []node.Spec) *node.Table {
	return node.NewTable(specs, func(s node.Spec) *node.Node { return node.New(0, s, nopLogger{}, nil) })
}

func TestHandleSignal_SIGUSR1WritesDump(t *testing.T) {
	table := newTable([]node.Spec{{Name: "p1", Role: node.RolePeer}})
	path := filepath.Join(t.TempDir(), "nodeinfo")
	s := New(table, func() node.Info { return node.Info{SoftwareVersion: "1.2.3"} }, nil, path, nopLogger{})

	done := s.handleSignal(syscall.SIGUSR1, func() {})
	if done {
		t.Fatalf("SIGUSR1 must not terminate the supervisor loop")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected dump file to be written: %v", err)
	}
	if !strings.Contains(string(data), "p1") || !strings.Contains(string(data), "1.2.3") {
		t.Fatalf("expected dump to mention the node and local version, got: %s", data)
	}
}

func TestHandleSignal_SIGTERM_CancelsAndWaitsForChildren(t *testing.T) {
	table := newTable([]node.Spec{{Name: "p1", Role: node.RolePeer}})
	table.Nodes[0].SyncChildPID = 555
	path := filepath.Join(t.TempDir(), "nodeinfo")
	s := New(table, nil, fakeReaper{}, path, nopLogger{})

	cancelled := false
	cancel := func() { cancelled = true }

	go func() {
		time.Sleep(20 * time.Millisecond)
		table.Nodes[0].SyncChildPID = 0
	}()

	start := time.Now()
	done := s.handleSignal(syscall.SIGTERM, cancel)
	elapsed := time.Since(start)

	if !done {
		t.Fatalf("SIGTERM must terminate the supervisor loop")
	}
	if !cancelled {
		t.Fatalf("expected cancel to be called")
	}
	if elapsed < 15*time.Millisecond {
		t.Fatalf("expected handleSignal to wait for the outstanding child, returned after %s", elapsed)
	}
}

func TestOutstandingChildren(t *testing.T) {
	table := newTable([]node.Spec{{Name: "p1", Role: node.RolePeer}, {Name: "p2", Role: node.RolePeer}})
	s := New(table, nil, fakeReaper{}, filepath.Join(t.TempDir(), "nodeinfo"), nopLogger{})

	if got := s.outstandingChildren(); got != 0 {
		t.Fatalf("expected 0 outstanding children initially, got %d", got)
	}
	table.Nodes[0].SyncChildPID = 1
	table.Nodes[1].SyncChildPID = 2
	if got := s.outstandingChildren(); got != 2 {
		t.Fatalf("expected 2 outstanding children, got %d", got)
	}
}
