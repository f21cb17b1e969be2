// Package settings resolves endpoint-tagged flow option directives into
// concrete per-flow, per-endpoint settings.
package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/netmeasure/flowbench/pkg/spec"
)

// knownSockOpts are the socket option names accepted by -O.
var knownSockOpts = map[string]bool{
	"TCP_NODELAY":     true,
	"TCP_CONGESTION":  true,
	"TCP_MAXSEG":      true,
	"SO_DEBUG":        true,
	"IP_MTU_DISCOVER": true,
	"ROUTE_RECORD":    true,
}

// SockOpt is one socket option request, e.g. TCP_CONGESTION=bbr or
// TCP_NODELAY with no value.
type SockOpt struct {
	Name  string
	Value string
}

// Settings is the fully resolved configuration of one flow endpoint. It is
// sent verbatim to the endpoint's daemon during prepare.
type Settings struct {
	// BlockSize is the size of a traffic block in bytes.
	BlockSize int

	// Duration is how long the endpoint writes traffic. Zero means the
	// endpoint only receives.
	Duration time.Duration

	// Delay postpones the endpoint's start after the start directive.
	Delay time.Duration

	// ReportInterval is the length of one reporting interval. The daemon
	// paces its measurer with it so reports match the controller's poll
	// cadence.
	ReportInterval time.Duration

	// Rate limits the endpoint's write rate. Nil means unlimited.
	Rate *Rate

	// RequestedSendBuffer and RequestedReceiveBuffer are the SO_SNDBUF /
	// SO_RCVBUF values to request. Zero leaves the kernel default. The
	// effective sizes come back in the prepare response.
	RequestedSendBuffer    int
	RequestedReceiveBuffer int

	// DSCP is the DiffServ codepoint for outgoing packets.
	DSCP int

	// SockOpts are additional socket options to set before connecting.
	SockOpts []SockOpt

	// LateConnect defers connection establishment to the scheduled start
	// time instead of the prepare phase.
	LateConnect bool

	// Shutdown issues a shutdown() on the write direction once the
	// endpoint's duration has elapsed.
	Shutdown bool

	// ByteCounting fills block payloads with an enumeration instead of
	// zeros.
	ByteCounting bool

	// CavoidStop stops the endpoint as soon as the kernel leaves the
	// congestion-avoidance open state.
	CavoidStop bool

	// Pushy keeps refilling the send queue instead of yielding between
	// write attempts.
	Pushy bool

	// CollectDepartures asks the daemon to record per-block departure
	// timestamps in the final report.
	CollectDepartures bool
}

// Default returns the hard default settings for an endpoint role: block
// size 8192, source duration 5s, destination duration 0.
func Default(e spec.Endpoint) Settings {
	d := time.Duration(spec.DefaultDestinationDuration)
	if e == spec.Source {
		d = spec.DefaultSourceDuration
	}
	return Settings{
		BlockSize:      spec.DefaultBlockSize,
		Duration:       d,
		ReportInterval: spec.DefaultReportInterval,
	}
}

func parseSockOpt(arg string) (SockOpt, error) {
	name, value, _ := strings.Cut(arg, "=")
	if !knownSockOpts[name] {
		return SockOpt{}, fmt.Errorf("unknown socket option %q", name)
	}
	return SockOpt{Name: name, Value: value}, nil
}
