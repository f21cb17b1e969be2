package daemon

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"net"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"github.com/netmeasure/flowbench/internal/fbmetrics"
	"github.com/netmeasure/flowbench/internal/settings"
)

// Every traffic block starts with a fixed header so the receiver can
// account for it and echo it back for RTT measurement:
//
//	kind (1) | seq (8) | sentAt unix nanos (8) | length (4)
//
// A block's on-wire length includes the header. Echoes are bare headers.
const (
	frameHeaderSize = 21

	frameBlock = byte(0)
	frameEcho  = byte(1)
)

func putHeader(b []byte, kind byte, seq uint64, sentAt int64, length uint32) {
	b[0] = kind
	binary.BigEndian.PutUint64(b[1:], seq)
	binary.BigEndian.PutUint64(b[9:], uint64(sentAt))
	binary.BigEndian.PutUint32(b[17:], length)
}

func parseHeader(b []byte) (kind byte, seq uint64, sentAt int64, length uint32) {
	return b[0], binary.BigEndian.Uint64(b[1:]),
		int64(binary.BigEndian.Uint64(b[9:])), binary.BigEndian.Uint32(b[17:])
}

// writeBlocks is the endpoint's sender loop: paced block writes until the
// configured duration elapses or the run is canceled.
func (s *session) writeBlocks(ctx context.Context) {
	set := s.req.Settings
	block := make([]byte, set.BlockSize)
	if set.ByteCounting {
		for i := frameHeaderSize; i < len(block); i++ {
			block[i] = byte(i - frameHeaderSize)
		}
	}

	// The flow's seed makes a stochastic traffic shape reproducible. Seed
	// zero means "don't care".
	seed := int64(s.req.RandomSeed)
	if seed == 0 {
		seed = time.Now().UnixMilli()
	}
	rnd := rand.New(rand.NewSource(seed))

	var interval time.Duration
	if set.Rate != nil {
		interval = time.Duration(float64(time.Second) / set.Rate.BlocksPerSecond(set.BlockSize))
	}

	deadline := time.Now().Add(set.Duration)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	var seq uint64
	for time.Now().Before(deadline) {
		if set.Rate != nil {
			wait := interval
			if set.Rate.Shape == settings.ShapePoisson {
				wait = time.Duration(rnd.ExpFloat64() * float64(interval))
			}
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		} else if !set.Pushy {
			// Yield between attempts instead of hammering the send queue.
			runtime.Gosched()
			select {
			case <-ctx.Done():
				return
			default:
			}
		}

		now := time.Now()
		putHeader(block, frameBlock, seq, now.UnixNano(), uint32(len(block)))

		err := s.writeBlock(block, deadline.Add(time.Second))
		if errors.Is(err, errPeerUnknown) {
			// A listening UDP endpoint learns its peer from the first block
			// it receives; there is nowhere to send to before that.
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("block write failed", "handle", s.handle, "err", err)
			}
			return
		}

		s.bytesWritten.Add(int64(len(block)))
		s.blocksWritten.Add(1)
		fbmetrics.DaemonBytesSent.Add(float64(len(block)))
		if set.CollectDepartures {
			s.departuresMu.Lock()
			s.departures = append(s.departures, now.Sub(s.startTime).Seconds())
			s.departuresMu.Unlock()
		}
		seq++
	}

	if set.Shutdown {
		if err := s.closeWrite(); err != nil {
			log.Warn("shutdown failed", "handle", s.handle, "err", err)
		}
	}
}

// errPeerUnknown reports that a listening UDP endpoint has not yet seen
// traffic from its peer and so has no destination address.
var errPeerUnknown = errors.New("peer address not yet known")

// writeBlock sends one frame on the endpoint's transport, whichever it is.
func (s *session) writeBlock(b []byte, deadline time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.pconn != nil {
		addr, ok := s.peer.Load().(net.Addr)
		if !ok {
			return errPeerUnknown
		}
		s.pconn.SetWriteDeadline(deadline)
		_, err := s.pconn.WriteTo(b, addr)
		return err
	}
	s.conn.SetWriteDeadline(deadline)
	_, err := s.conn.Write(b)
	return err
}

func (s *session) closeWrite() error {
	if tc, ok := s.nconnTCP(); ok {
		return tc.CloseWrite()
	}
	return errors.New("shutdown not supported on this transport")
}

func (s *session) nconnTCP() (*net.TCPConn, bool) {
	if s.nconn == nil {
		return nil, false
	}
	tc, ok := s.nconn.Conn.(*net.TCPConn)
	return tc, ok
}

// readStream is the receiver loop on a TCP data connection. It accounts
// incoming blocks and echoes their headers, and turns incoming echoes
// into RTT samples.
func (s *session) readStream(ctx context.Context) {
	hdr := make([]byte, frameHeaderSize)
	echo := make([]byte, frameHeaderSize)
	var lastBlock time.Time

	for {
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		_, err := io.ReadFull(s.conn, hdr)
		if err != nil {
			if timeout(err) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			return
		}
		kind, seq, sentAt, length := parseHeader(hdr)
		now := time.Now()

		switch kind {
		case frameEcho:
			s.recordEcho(now, sentAt)
		case frameBlock:
			if length > frameHeaderSize {
				s.conn.SetReadDeadline(time.Now().Add(time.Second))
				if _, err := io.CopyN(io.Discard, s.conn, int64(length-frameHeaderSize)); err != nil {
					return
				}
			}
			s.recordBlock(now, sentAt, int64(length), &lastBlock)
			putHeader(echo, frameEcho, seq, sentAt, frameHeaderSize)
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, err := s.conn.Write(echo)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		default:
			log.Warn("unknown frame kind, closing", "handle", s.handle, "kind", kind)
			return
		}
	}
}

// readDatagrams is the receiver loop of a connected UDP source: every
// datagram is either an echo or a whole block.
func (s *session) readDatagrams(ctx context.Context) {
	buf := make([]byte, 65536)
	var lastBlock time.Time
	for {
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := s.conn.Read(buf)
		if err != nil {
			if timeout(err) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			return
		}
		if n < frameHeaderSize {
			continue
		}
		kind, _, sentAt, length := parseHeader(buf)
		now := time.Now()
		if kind == frameEcho {
			s.recordEcho(now, sentAt)
		} else {
			s.recordBlock(now, sentAt, int64(length), &lastBlock)
		}
	}
}

// readPackets is the receiver loop of a UDP destination. Echoes go back
// to whatever address the block came from.
func (s *session) readPackets(ctx context.Context) {
	buf := make([]byte, 65536)
	echo := make([]byte, frameHeaderSize)
	var lastBlock time.Time
	for {
		s.pconn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.pconn.ReadFrom(buf)
		if err != nil {
			if timeout(err) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			return
		}
		if n < frameHeaderSize {
			continue
		}
		kind, seq, sentAt, length := parseHeader(buf)
		if kind != frameBlock {
			continue
		}
		now := time.Now()
		s.peer.Store(addr)
		s.recordBlock(now, sentAt, int64(length), &lastBlock)
		putHeader(echo, frameEcho, seq, sentAt, frameHeaderSize)
		s.pconn.WriteTo(echo, addr)
	}
}

func (s *session) recordEcho(now time.Time, sentAt int64) {
	rtt := now.Sub(time.Unix(0, sentAt)).Seconds()
	if rtt >= 0 {
		s.rtt.add(rtt)
		s.rttTot.add(rtt)
	}
	s.transactions.Add(1)
}

func (s *session) recordBlock(now time.Time, sentAt int64, length int64, lastBlock *time.Time) {
	if !lastBlock.IsZero() {
		iat := now.Sub(*lastBlock).Seconds()
		s.iat.add(iat)
		s.iatTot.add(iat)
	}
	*lastBlock = now
	// One-way delay is only meaningful with synchronized clocks; negative
	// samples are skew artifacts and dropped.
	if delay := now.Sub(time.Unix(0, sentAt)).Seconds(); delay >= 0 {
		s.delay.add(delay)
		s.delayTot.add(delay)
	}
	s.bytesRead.Add(length)
	s.blocksRead.Add(1)
}

func timeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
