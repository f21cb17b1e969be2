package netx_test

import (
	"net"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/netmeasure/flowbench/internal/netx"
)

// loopbackPair returns an established TCP connection pair.
func loopbackPair(t *testing.T) (*net.TCPConn, net.Conn) {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	rtx.Must(err, "failed to create listener")
	defer ln.Close()

	dialed := make(chan net.Conn, 1)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Errorf("unexpected failure to dial local conn: %v", err)
			return
		}
		dialed <- c
	}()
	accepted, err := ln.AcceptTCP()
	rtx.Must(err, "failed to accept local conn")
	peer := <-dialed
	t.Cleanup(func() { peer.Close() })
	return accepted, peer
}

func TestConn_ByteCounters(t *testing.T) {
	accepted, peer := loopbackPair(t)
	conn, err := netx.FromTCPConn(accepted)
	if err != nil {
		t.Fatalf("FromTCPConn() unexpected error = %v", err)
	}
	defer conn.Close()

	msg := []byte("hello over loopback")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("Write() unexpected error = %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := peer.Read(buf); err != nil {
		t.Fatalf("peer Read() unexpected error = %v", err)
	}
	if _, err := peer.Write(msg[:5]); err != nil {
		t.Fatalf("peer Write() unexpected error = %v", err)
	}
	if _, err := conn.Read(buf[:5]); err != nil {
		t.Fatalf("Read() unexpected error = %v", err)
	}

	read, written := conn.ByteCounters()
	if written != uint64(len(msg)) || read != 5 {
		t.Errorf("ByteCounters() = %d read, %d written, want 5 and %d",
			read, written, len(msg))
	}
}

func TestConn_OpenTime(t *testing.T) {
	accepted, _ := loopbackPair(t)
	conn, err := netx.FromTCPConn(accepted)
	if err != nil {
		t.Fatalf("FromTCPConn() unexpected error = %v", err)
	}
	defer conn.Close()
	if time.Since(conn.OpenTime()) > time.Minute {
		t.Error("OpenTime() not initialized")
	}
}

func TestConn_UUID(t *testing.T) {
	accepted, _ := loopbackPair(t)
	conn, err := netx.FromTCPConn(accepted)
	if err != nil {
		t.Fatalf("FromTCPConn() unexpected error = %v", err)
	}
	defer conn.Close()
	if conn.UUID() == "" {
		t.Error("UUID() returned an empty string")
	}
}
