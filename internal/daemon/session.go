package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/netmeasure/flowbench/internal/netx"
	"github.com/netmeasure/flowbench/pkg/model"
	"github.com/netmeasure/flowbench/pkg/rpc"
	"github.com/netmeasure/flowbench/pkg/spec"
)

// maxQueuedReports bounds the unread report queue of one session. When the
// controller stops polling, the oldest reports are dropped first.
const maxQueuedReports = 200

// session is one endpoint living on this daemon, from prepare to final
// report.
type session struct {
	handle string
	req    rpc.PrepareRequest

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc

	// TCP destination endpoints listen; the data connection arrives
	// asynchronously while the source endpoint prepares.
	listener  net.Listener
	connReady chan struct{}

	// conn is the established data connection. nconn is its kernel-info
	// view, nil for UDP.
	conn  net.Conn
	nconn *netx.Conn

	// pconn and peer serve UDP destination endpoints.
	pconn net.PacketConn
	peer  atomic.Value // net.Addr

	// writeMu serializes block writes and echo writes on conn.
	writeMu sync.Mutex

	dataAddress    string
	sndbuf, rcvbuf int

	startTime time.Time

	// Interval counters, read and rewound by the measurer.
	bytesWritten  atomic.Int64
	bytesRead     atomic.Int64
	blocksWritten atomic.Int64
	blocksRead    atomic.Int64
	transactions  atomic.Int64

	// Interval and whole-run latency accumulators.
	rtt, iat, delay          latAcc
	rttTot, iatTot, delayTot latAcc

	departuresMu sync.Mutex
	departures   []float64

	reportsMu sync.Mutex
	reports   []*model.IntervalReport

	finished atomic.Bool
	final    *model.FinalReport
}

func newSession(req *rpc.PrepareRequest) (*session, error) {
	if req.Settings.BlockSize < frameHeaderSize {
		return nil, fmt.Errorf("block size %d below minimum %d",
			req.Settings.BlockSize, frameHeaderSize)
	}
	s := &session{
		req:       *req,
		connReady: make(chan struct{}),
	}

	var err error
	switch {
	case req.Protocol == spec.ProtocolTCP && req.Endpoint == spec.Destination:
		err = s.listenTCP()
	case req.Protocol == spec.ProtocolTCP && req.Endpoint == spec.Source:
		if !req.Settings.LateConnect {
			err = s.connectTCP()
		}
	case req.Protocol == spec.ProtocolUDP && req.Endpoint == spec.Destination:
		err = s.listenUDP()
	case req.Protocol == spec.ProtocolUDP && req.Endpoint == spec.Source:
		if !req.Settings.LateConnect {
			err = s.connectUDP()
		}
	}
	if err != nil {
		return nil, err
	}
	// The handle is the data socket's kernel-cookie UUID when the
	// connection already exists, a random UUID otherwise.
	if s.nconn != nil {
		s.handle = s.nconn.UUID()
	} else {
		s.handle = uuid.NewString()
	}
	return s, nil
}

func (s *session) listenTCP() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.req.BindAddress, "0"))
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", s.req.BindAddress, err)
	}
	s.listener = ln
	s.dataAddress = ln.Addr().String()
	go s.acceptOne()
	return nil
}

// acceptOne waits for the peer endpoint's data connection.
func (s *session) acceptOne() {
	conn, err := s.listener.Accept()
	if err != nil {
		// Listener closed during teardown.
		return
	}
	if err := s.adoptTCP(conn.(*net.TCPConn)); err != nil {
		log.Warn("cannot adopt accepted connection", "handle", s.handle, "err", err)
		conn.Close()
		return
	}
	close(s.connReady)
}

func (s *session) connectTCP() error {
	conn, err := net.DialTimeout("tcp", s.req.ConnectAddress, spec.RPCTimeout)
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", s.req.ConnectAddress, err)
	}
	if err := s.adoptTCP(conn.(*net.TCPConn)); err != nil {
		conn.Close()
		return err
	}
	close(s.connReady)
	return nil
}

// adoptTCP applies the endpoint's socket configuration to an established
// connection and records the effective buffer sizes.
func (s *session) adoptTCP(tcpConn *net.TCPConn) error {
	set := s.req.Settings
	if set.RequestedSendBuffer > 0 {
		tcpConn.SetWriteBuffer(set.RequestedSendBuffer)
	}
	if set.RequestedReceiveBuffer > 0 {
		tcpConn.SetReadBuffer(set.RequestedReceiveBuffer)
	}
	nconn, err := netx.FromTCPConn(tcpConn)
	if err != nil {
		return err
	}
	if set.DSCP != 0 {
		if err := nconn.SetDSCP(set.DSCP); err != nil {
			log.Warn("cannot set DSCP", "handle", s.handle, "err", err)
		}
	}
	for _, so := range set.SockOpts {
		switch so.Name {
		case "TCP_NODELAY":
			tcpConn.SetNoDelay(true)
		case "TCP_CONGESTION":
			if err := nconn.SetCC(so.Value); err != nil {
				return fmt.Errorf("cannot set congestion control %q: %w", so.Value, err)
			}
		default:
			log.Warn("socket option not supported here, skipping",
				"handle", s.handle, "opt", so.Name)
		}
	}
	s.mu.Lock()
	s.conn = nconn
	s.nconn = nconn
	s.sndbuf, s.rcvbuf = nconn.Buffers()
	s.mu.Unlock()
	return nil
}

func (s *session) listenUDP() error {
	pconn, err := net.ListenPacket("udp", net.JoinHostPort(s.req.BindAddress, "0"))
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", s.req.BindAddress, err)
	}
	s.pconn = pconn
	s.dataAddress = pconn.LocalAddr().String()
	close(s.connReady)
	return nil
}

func (s *session) connectUDP() error {
	conn, err := net.Dial("udp", s.req.ConnectAddress)
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", s.req.ConnectAddress, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	close(s.connReady)
	return nil
}

// start schedules the endpoint's run. The start directive carries the
// controller's base time; the endpoint's own delay is added on top.
func (s *session) start(startTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("endpoint already started")
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx, startTime)
	return nil
}

// stop ends the endpoint's run early. Safe to call at any time.
func (s *session) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	} else {
		// Never started: finish immediately so the controller can collect
		// an (empty) final report.
		s.finish()
	}
}

func (s *session) run(ctx context.Context, base time.Time) {
	defer s.finish()

	wait := time.Until(base.Add(s.req.Settings.Delay))
	if wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	if s.req.Settings.LateConnect && s.conn == nil && s.pconn == nil {
		var err error
		if s.req.Protocol == spec.ProtocolTCP {
			err = s.connectTCP()
		} else {
			err = s.connectUDP()
		}
		if err != nil {
			log.Error("late connect failed", "handle", s.handle, "err", err)
			return
		}
	}

	// Wait for the data connection on listening endpoints.
	if s.pconn == nil {
		select {
		case <-ctx.Done():
			return
		case <-s.connReady:
		}
	}

	s.startTime = time.Now()
	mctx, mcancel := context.WithCancel(ctx)
	defer mcancel()
	go s.measure(mctx)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		switch {
		case s.pconn != nil:
			s.readPackets(ctx)
		case s.req.Protocol == spec.ProtocolUDP:
			s.readDatagrams(ctx)
		default:
			s.readStream(ctx)
		}
	}()

	if s.req.Settings.Duration > 0 {
		s.writeBlocks(ctx)
		// An active sender is done once its duration elapsed; late echoes
		// are not waited for.
		return
	}

	// Pure receiver: run until the peer closes or the controller stops us.
	select {
	case <-ctx.Done():
	case <-readerDone:
	}
}

// teardown releases session resources without producing reports. Used by
// cache eviction.
func (s *session) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if s.pconn != nil {
		s.pconn.Close()
	}
}

// poll returns the most recent unread interval report, if any, and whether
// the endpoint has finished. Older queued reports are dropped so a slow
// poller sees fresh data instead of working through a backlog.
func (s *session) poll() (*model.IntervalReport, bool) {
	s.reportsMu.Lock()
	defer s.reportsMu.Unlock()
	var report *model.IntervalReport
	if n := len(s.reports); n > 0 {
		report = s.reports[n-1]
		s.reports = s.reports[:0]
	}
	return report, s.finished.Load()
}

func (s *session) finalReport() (*model.FinalReport, error) {
	if !s.finished.Load() {
		return nil, errors.New("endpoint not finished")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final, nil
}

func (s *session) queueReport(r *model.IntervalReport) {
	s.reportsMu.Lock()
	defer s.reportsMu.Unlock()
	if len(s.reports) >= maxQueuedReports {
		s.reports = s.reports[1:]
	}
	s.reports = append(s.reports, r)
}
