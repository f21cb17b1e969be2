//go:build !linux
// +build !linux

package netx

import (
	"net"
	"time"
)

func fromTCPConn(tcpConn *net.TCPConn) (*Conn, error) {
	// Without TCP_INFO support the file pointer is not needed.
	return &Conn{
		Conn:     tcpConn,
		openTime: time.Now(),
	}, nil
}

func (c *Conn) close() error {
	return c.Conn.Close()
}

func (c *Conn) setCC(cc string) error {
	return ErrNoSupport
}

func (c *Conn) setDSCP(dscp int) error {
	return ErrNoSupport
}

func (c *Conn) buffers() (int, int) {
	return 0, 0
}

// OSRelease returns the kernel release string, empty where unavailable.
func OSRelease() string {
	return ""
}
