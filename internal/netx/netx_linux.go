package netx

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

func fromTCPConn(tcpConn *net.TCPConn) (*Conn, error) {
	// This can only fail when the file duplication fails.
	fp, err := tcpConn.File()
	if err != nil {
		return nil, err
	}
	return &Conn{
		Conn:     tcpConn,
		fp:       fp,
		openTime: time.Now(),
	}, nil
}

func (c *Conn) close() error {
	c.fp.Close()
	return c.Conn.Close()
}

func (c *Conn) setCC(cc string) error {
	return unix.SetsockoptString(int(c.fp.Fd()), unix.IPPROTO_TCP,
		unix.TCP_CONGESTION, cc)
}

func (c *Conn) setDSCP(dscp int) error {
	// The DSCP occupies the upper six bits of the TOS byte.
	return unix.SetsockoptInt(int(c.fp.Fd()), unix.IPPROTO_IP,
		unix.IP_TOS, dscp<<2)
}

func (c *Conn) buffers() (int, int) {
	fd := int(c.fp.Fd())
	sndbuf, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	rcvbuf, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	return sndbuf, rcvbuf
}

// OSRelease returns the kernel release string reported by uname.
func OSRelease() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return ""
	}
	return unix.ByteSliceToString(u.Release[:])
}
