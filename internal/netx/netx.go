// Package netx wraps the daemon's test sockets with a duplicate of the
// underlying file descriptor so kernel state can be read while the
// connection is in use.
package netx

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	guuid "github.com/google/uuid"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/ndt-server/tcpinfox"
	"github.com/m-lab/tcp-info/tcp"
	"github.com/m-lab/uuid"
)

// ErrNoSupport means the platform does not expose the requested socket
// state.
var ErrNoSupport = errors.New("operation not supported on this platform")

// Conn is an extended net.Conn holding its open time, a duplicate of the
// socket's file descriptor, and byte counters.
type Conn struct {
	net.Conn

	fp           *os.File
	openTime     time.Time
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// FromTCPConn wraps an established TCP connection.
func FromTCPConn(tcpConn *net.TCPConn) (*Conn, error) {
	return fromTCPConn(tcpConn)
}

// Read reads from the underlying net.Conn and updates the read counter.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.bytesRead.Add(uint64(n))
	return n, err
}

// Write writes to the underlying net.Conn and updates the written counter.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.bytesWritten.Add(uint64(n))
	return n, err
}

// ByteCounters returns the read and written byte counters, in this order.
func (c *Conn) ByteCounters() (uint64, uint64) {
	return c.bytesRead.Load(), c.bytesWritten.Load()
}

// OpenTime returns when the connection was wrapped.
func (c *Conn) OpenTime() time.Time {
	return c.openTime
}

// Close closes the connection and the duplicate file descriptor.
func (c *Conn) Close() error {
	return c.close()
}

// TCPInfo returns the kernel's TCP_INFO snapshot for the socket. Returns
// ErrNoSupport where the platform has none.
func (c *Conn) TCPInfo() (*tcp.LinuxTCPInfo, error) {
	if c.fp == nil {
		return nil, ErrNoSupport
	}
	return tcpinfox.GetTCPInfo(c.fp)
}

// SetCC sets the socket's congestion control algorithm.
func (c *Conn) SetCC(cc string) error {
	return c.setCC(cc)
}

// SetDSCP sets the DiffServ codepoint on outgoing packets.
func (c *Conn) SetDSCP(dscp int) error {
	return c.setDSCP(dscp)
}

// Buffers returns the socket's effective send and receive buffer sizes.
// Falls back to zero values where the platform cannot report them.
func (c *Conn) Buffers() (sndbuf, rcvbuf int) {
	return c.buffers()
}

// UUID returns a socket-cookie-derived UUID for the connection, falling
// back to a random UUID where SO_COOKIE is unsupported.
func (c *Conn) UUID() string {
	var id string
	err := ErrNoSupport
	if c.fp != nil {
		id, err = uuid.FromFile(c.fp)
	}
	if err != nil {
		gid, err := guuid.NewUUID()
		rtx.Must(err, "unable to fall back to a random uuid")
		id = gid.String()
	}
	return id
}
