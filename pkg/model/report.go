// Package model contains the report structures exchanged between the
// flowbench daemon and controller. They are serialized as JSON text
// messages on the controller channel.
package model

import (
	"github.com/m-lab/tcp-info/tcp"
)

// LatencyStats aggregates one latency metric over a reporting interval.
// All values are in seconds.
type LatencyStats struct {
	Min float64
	Avg float64
	Max float64
}

// TCPInfo carries the kernel's TCP_INFO snapshot for the endpoint's socket
// at the end of the interval. Only present when the endpoint's stack
// exposes it (TCP flows on Linux).
type TCPInfo struct {
	tcp.LinuxTCPInfo
	// ElapsedTime is the time since the socket was opened, in microseconds.
	ElapsedTime int64
}

// TCP congestion-avoidance states, matching the kernel's tcpi_ca_state
// values.
const (
	CAOpen     = 0
	CADisorder = 1
	CACWR      = 2
	CARecovery = 3
	CALoss     = 4
)

// CAStateName returns the symbolic name of a congestion-avoidance state, or
// the empty string if the code is unknown.
func CAStateName(state uint8) string {
	switch state {
	case CAOpen:
		return "open"
	case CADisorder:
		return "disorder"
	case CACWR:
		return "cwr"
	case CARecovery:
		return "recovery"
	case CALoss:
		return "loss"
	default:
		return ""
	}
}

// IntervalReport is one endpoint's measurements for one reporting interval.
// Pointer fields distinguish "not measured" from zero: a UDP endpoint has
// no TCPInfo, and an interval without RTT samples has a nil RTT.
type IntervalReport struct {
	// Begin and End bound the interval, in seconds since the endpoint's
	// start timestamp.
	Begin float64
	End   float64

	// BytesWritten and BytesRead count application-level payload bytes.
	BytesWritten int64
	BytesRead    int64

	// BlocksWritten and BlocksRead count whole traffic blocks.
	BlocksWritten int64
	BlocksRead    int64

	// Transactions counts completed request/response exchanges.
	Transactions int64

	// RTT is the application-level round-trip time of request/response
	// exchanges completed within the interval.
	RTT *LatencyStats `json:",omitempty"`

	// IAT is the inter-arrival time between blocks received within the
	// interval.
	IAT *LatencyStats `json:",omitempty"`

	// Delay is the one-way delay of blocks received within the interval,
	// where sender and receiver clocks permit computing it.
	Delay *LatencyStats `json:",omitempty"`

	// TCPInfo is the kernel snapshot taken at the end of the interval.
	TCPInfo *TCPInfo `json:",omitempty"`
}

// FinalReport is the terminal summary an endpoint delivers exactly once,
// covering the whole run of that endpoint.
type FinalReport struct {
	IntervalReport

	// DepartureTimes are the send timestamps of every block written by the
	// endpoint, in seconds since the endpoint's start timestamp. Only
	// recorded when the controller requested them for post-hoc statistics.
	DepartureTimes []float64 `json:",omitempty"`
}
