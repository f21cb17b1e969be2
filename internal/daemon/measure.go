package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
	"github.com/netmeasure/flowbench/pkg/model"
	"github.com/netmeasure/flowbench/pkg/spec"
)

// latAcc accumulates min/avg/max for one latency metric. The interval
// accumulators are drained on every report; the whole-run ones never are.
type latAcc struct {
	mu  sync.Mutex
	min float64
	max float64
	sum float64
	n   int64
}

func (a *latAcc) add(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.n == 0 || v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
	a.sum += v
	a.n++
}

// take returns the accumulated stats and resets the accumulator. Returns
// nil when no samples arrived.
func (a *latAcc) take() *model.LatencyStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.n == 0 {
		return nil
	}
	s := &model.LatencyStats{Min: a.min, Avg: a.sum / float64(a.n), Max: a.max}
	a.min, a.max, a.sum, a.n = 0, 0, 0, 0
	return s
}

// snapshot returns the accumulated stats without resetting.
func (a *latAcc) snapshot() *model.LatencyStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.n == 0 {
		return nil
	}
	return &model.LatencyStats{Min: a.min, Avg: a.sum / float64(a.n), Max: a.max}
}

// measure snapshots the endpoint's counters on a jittered cadence and
// queues one interval report per snapshot until the run ends.
func (s *session) measure(ctx context.Context) {
	interval := s.req.Settings.ReportInterval
	if interval <= 0 {
		interval = spec.DefaultReportInterval
	}
	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      interval - interval/10,
		Expected: interval,
		Max:      interval + interval/10,
	})
	if err != nil {
		log.Error("cannot create measurer ticker", "handle", s.handle, "err", err)
		return
	}
	defer ticker.Stop()

	var prev counters
	prevEnd := 0.0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		end := time.Since(s.startTime).Seconds()
		cur := s.readCounters()
		r := &model.IntervalReport{
			Begin:         prevEnd,
			End:           end,
			BytesWritten:  cur.bytesWritten - prev.bytesWritten,
			BytesRead:     cur.bytesRead - prev.bytesRead,
			BlocksWritten: cur.blocksWritten - prev.blocksWritten,
			BlocksRead:    cur.blocksRead - prev.blocksRead,
			Transactions:  cur.transactions - prev.transactions,
			RTT:           s.rtt.take(),
			IAT:           s.iat.take(),
			Delay:         s.delay.take(),
			TCPInfo:       s.tcpInfo(),
		}
		s.queueReport(r)
		prev, prevEnd = cur, end

		if s.req.Settings.CavoidStop && r.TCPInfo != nil &&
			r.TCPInfo.CAState != model.CAOpen {
			log.Info("congestion avoidance entered, stopping flow",
				"handle", s.handle, "state", model.CAStateName(r.TCPInfo.CAState))
			s.stop()
			return
		}
	}
}

type counters struct {
	bytesWritten, bytesRead   int64
	blocksWritten, blocksRead int64
	transactions              int64
}

func (s *session) readCounters() counters {
	return counters{
		bytesWritten:  s.bytesWritten.Load(),
		bytesRead:     s.bytesRead.Load(),
		blocksWritten: s.blocksWritten.Load(),
		blocksRead:    s.blocksRead.Load(),
		transactions:  s.transactions.Load(),
	}
}

// tcpInfo snapshots the socket's kernel state, nil where there is none.
func (s *session) tcpInfo() *model.TCPInfo {
	if s.nconn == nil {
		return nil
	}
	info, err := s.nconn.TCPInfo()
	if err != nil {
		return nil
	}
	return &model.TCPInfo{
		LinuxTCPInfo: *info,
		ElapsedTime:  time.Since(s.nconn.OpenTime()).Microseconds(),
	}
}

// finish seals the endpoint: builds the final report and marks the session
// finished. Only the first call has any effect.
func (s *session) finish() {
	s.mu.Lock()
	if s.final != nil {
		s.mu.Unlock()
		return
	}
	end := 0.0
	if !s.startTime.IsZero() {
		end = time.Since(s.startTime).Seconds()
	}
	cur := s.readCounters()
	s.departuresMu.Lock()
	departures := s.departures
	s.departuresMu.Unlock()
	s.final = &model.FinalReport{
		IntervalReport: model.IntervalReport{
			Begin:         0,
			End:           end,
			BytesWritten:  cur.bytesWritten,
			BytesRead:     cur.bytesRead,
			BlocksWritten: cur.blocksWritten,
			BlocksRead:    cur.blocksRead,
			Transactions:  cur.transactions,
			RTT:           s.rttTot.snapshot(),
			IAT:           s.iatTot.snapshot(),
			Delay:         s.delayTot.snapshot(),
			TCPInfo:       s.tcpInfo(),
		},
		DepartureTimes: departures,
	}
	s.mu.Unlock()
	s.finished.Store(true)

	// Closing the data path lets the peer's reader observe the end of the
	// run instead of timing out.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if s.pconn != nil {
		s.pconn.Close()
	}
	// Wire-level counters include frame headers and echoes, so they differ
	// from the block accounting above.
	var wireRead, wireWritten uint64
	if s.nconn != nil {
		wireRead, wireWritten = s.nconn.ByteCounters()
	}
	log.Info("endpoint finished", "handle", s.handle,
		"bytesWritten", cur.bytesWritten, "bytesRead", cur.bytesRead,
		"wireRead", wireRead, "wireWritten", wireWritten)
}
