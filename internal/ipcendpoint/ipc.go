// Package ipcendpoint implements the local Unix-domain connection to the
// monitoring engine process (spec §4.4). It is the daemon's only
// collaborator that speaks the same wire framing as the mesh but never
// goes over TCP.
package ipcendpoint

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/rfelsburg/merlin/internal/merlinlog"
	"github.com/rfelsburg/merlin/internal/node"
	"github.com/rfelsburg/merlin/wire"
)

// ReacceptInterval is how often the endpoint retries accept() after the
// engine disconnects (spec §4.4: "every 5s").
const ReacceptInterval = 5 * time.Second

// Endpoint owns the Unix-domain listener the monitoring engine connects
// to, and the single live connection it serves at a time (the engine is
// always exactly one process per daemon instance).
type Endpoint struct {
	path string

	mu        sync.Mutex
	conn      net.Conn
	decoder   *wire.Decoder
	connected bool
	info      node.Info

	log merlinlog.Logger

	lastAcceptAttempt time.Time
	listener          net.Listener
}

// New builds an Endpoint bound to the given socket path. It does not
// listen yet; call Listen.
func New(path string, log merlinlog.Logger) *Endpoint {
	return &Endpoint{
		path:    path,
		decoder: wire.NewDecoder(),
		log:     log.WithField("component", "ipc"),
	}
}

// Listen binds the Unix-domain socket, removing any stale socket file
// left behind by a previous, uncleanly-terminated run.
func (e *Endpoint) Listen() error {
	_ = os.Remove(e.path)
	ln, err := net.Listen("unix", e.path)
	if err != nil {
		return err
	}
	e.listener = ln
	return nil
}

// Close releases the listener and any live connection.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.connected = false
	e.mu.Unlock()
	if e.listener != nil {
		return e.listener.Close()
	}
	return nil
}

// Connected reports whether the monitoring engine currently holds a live
// connection to us. Implements mesh.IPCState.
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Info returns the engine's last-advertised node-info block, used by
// internal/syncarb to compare config hashes.
func (e *Endpoint) Info() node.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

// SetInfo records a freshly received node-info block from the engine.
func (e *Endpoint) SetInfo(info node.Info) {
	e.mu.Lock()
	e.info = info
	e.mu.Unlock()
}

// ShouldTryAccept reports whether enough time has passed since the last
// accept attempt to retry, per the 5s re-accept interval.
func (e *Endpoint) ShouldTryAccept(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected {
		return false
	}
	return now.Sub(e.lastAcceptAttempt) >= ReacceptInterval
}

// Adopt records a freshly accepted engine connection, replacing and
// closing any previous one. The caller is expected to drive this from a
// dedicated accept-loop goroutine that blocks on Listener().Accept(), not
// poll it, mirroring internal/mesh's own accept loop.
func (e *Endpoint) Adopt(conn net.Conn, now time.Time) {
	e.mu.Lock()
	if e.conn != nil {
		e.conn.Close()
	}
	e.conn = conn
	e.connected = true
	e.decoder = wire.NewDecoder()
	e.lastAcceptAttempt = now
	e.mu.Unlock()
	e.log.Infof("monitoring engine connected")
}

// OnDisconnect transitions CONNECTED -> NONE and reports whether the
// transition actually happened (so the caller only broadcasts
// CTRL_INACTIVE once, per spec §4.4).
func (e *Endpoint) OnDisconnect(now time.Time) (transitioned bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	was := e.connected
	e.connected = false
	e.lastAcceptAttempt = now
	return was
}

// Send encodes and writes a frame directly to the engine connection. It
// is not bounded/queued the way internal/node's mesh sends are: the IPC
// path is local and the rest of the system is explicitly built to never
// let a slow peer back-pressure it (spec §5 "Memory").
func (e *Endpoint) Send(f wire.Frame) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	raw, err := wire.Encode(f)
	if err != nil {
		return err
	}
	_, err = conn.Write(raw)
	return err
}

// FeedRecv appends freshly read bytes and drains as many complete frames
// as are buffered, delivering each to deliver.
func (e *Endpoint) FeedRecv(b []byte, deliver func(wire.Frame)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decoder.Append(b)
	for {
		f, ok, err := e.decoder.Decode()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		deliver(f)
	}
}

// Conn returns the current live connection, or nil.
func (e *Endpoint) Conn() net.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// Listener exposes the bound listener so the caller can run its own
// accept loop goroutine (mirrors internal/mesh's accept-loop design).
func (e *Endpoint) Listener() net.Listener {
	return e.listener
}
