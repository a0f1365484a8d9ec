package ipcendpoint

import (
	"net"
	"testing"
	"time"

	"github.com/rfelsburg/merlin/internal/merlinlog"
	"github.com/rfelsburg/merlin/wire"
)

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{})                    {}
func (nopLogger) Infof(string, ...interface{})                     {}
func (nopLogger) Warnf(string, ...interface{})                     {}
func (nopLogger) Errorf(string, ...interface{})                    {}
func (nopLogger) Fatalf(string, ...interface{})                    {}
func (l nopLogger) WithField(string, interface{}) merlinlog.Logger { return l }

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptedCh <- c
		}
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return client, <-acceptedCh
}

func TestEndpoint_Send_NotConnected(t *testing.T) {
	e := New("/tmp/does-not-matter.sock", nopLogger{})
	if err := e.Send(wire.Frame{}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestEndpoint_AdoptAndDisconnectTransition(t *testing.T) {
	e := New("/tmp/does-not-matter.sock", nopLogger{})
	client, server := tcpPair(t)
	defer client.Close()

	e.Adopt(server, time.Now())
	if !e.Connected() {
		t.Fatalf("expected Connected() true after Adopt")
	}

	transitioned := e.OnDisconnect(time.Now())
	if !transitioned {
		t.Fatalf("expected the first OnDisconnect to report a transition")
	}
	if e.Connected() {
		t.Fatalf("expected Connected() false after OnDisconnect")
	}
	if again := e.OnDisconnect(time.Now()); again {
		t.Fatalf("second OnDisconnect must not report a transition")
	}
}

func TestEndpoint_ShouldTryAccept_RateLimited(t *testing.T) {
	e := New("/tmp/does-not-matter.sock", nopLogger{})
	now := time.Now()
	if !e.ShouldTryAccept(now) {
		t.Fatalf("fresh endpoint should allow an accept attempt")
	}
	client, server := tcpPair(t)
	defer client.Close()
	e.Adopt(server, now)
	if e.ShouldTryAccept(now) {
		t.Fatalf("connected endpoint must not retry accept")
	}
	e.OnDisconnect(now)
	if e.ShouldTryAccept(now.Add(time.Second)) {
		t.Fatalf("must respect the 5s re-accept interval")
	}
	if !e.ShouldTryAccept(now.Add(ReacceptInterval + time.Millisecond)) {
		t.Fatalf("must allow retry once the interval elapses")
	}
}

func TestEndpoint_SendAndFeedRecvRoundTrip(t *testing.T) {
	e := New("/tmp/does-not-matter.sock", nopLogger{})
	client, server := tcpPair(t)
	defer client.Close()
	e.Adopt(server, time.Now())

	f := wire.Frame{Type: wire.TypeHostCheck, Body: []byte("x")}
	if err := e.Send(f); err != nil {
		t.Fatalf("send: %v", err)
	}

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got []wire.Frame
	if err := e.FeedRecv(buf[:n], func(fr wire.Frame) { got = append(got, fr) }); err != nil {
		t.Fatalf("feedrecv: %v", err)
	}
	if len(got) != 1 || got[0].Type != f.Type || string(got[0].Body) != string(f.Body) {
		t.Fatalf("expected the sent frame back, got %+v", got)
	}
}
