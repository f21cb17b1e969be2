// Package rpc defines the control channel between the flowbench controller
// and its daemons: an abstract call surface, the JSON wire messages, and a
// WebSocket implementation of both.
package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/netmeasure/flowbench/internal/settings"
	"github.com/netmeasure/flowbench/pkg/model"
	"github.com/netmeasure/flowbench/pkg/spec"
)

// ProbeResult is the daemon's capability/version answer.
type ProbeResult struct {
	// APIVersion is the daemon's protocol version.
	APIVersion int
	// OSName and OSRelease describe the daemon's host system.
	OSName    string
	OSRelease string
}

// PrepareRequest carries one endpoint's resolved settings to its daemon.
type PrepareRequest struct {
	// FlowUUID groups the two endpoints of one flow.
	FlowUUID string

	Protocol spec.Protocol
	Endpoint spec.Endpoint

	// BindAddress is the local address for the endpoint's test socket.
	BindAddress string

	// ConnectAddress is the peer's data address. Empty for the destination,
	// which listens instead of connecting.
	ConnectAddress string

	// RandomSeed seeds the endpoint's stochastic traffic shape.
	RandomSeed uint32

	Settings settings.Settings
}

// PrepareResult is the daemon's answer to a prepare call.
type PrepareResult struct {
	// EndpointHandle identifies the endpoint in subsequent calls. Opaque to
	// the controller.
	EndpointHandle string

	// DataAddress is the address the peer endpoint should connect to. Only
	// meaningful for destination endpoints.
	DataAddress string

	// EffectiveSendBuffer and EffectiveReceiveBuffer are the buffer sizes
	// actually granted by the kernel. They may differ from the request.
	EffectiveSendBuffer    int
	EffectiveReceiveBuffer int
}

// Client is the abstract call surface of one daemon connection. All
// transport-level problems surface as *Failure regardless of cause.
type Client interface {
	// Probe returns the daemon's version and host information.
	Probe(ctx context.Context) (ProbeResult, error)

	// Prepare allocates an endpoint on the daemon and, unless late connect
	// is requested, establishes its transport connection.
	Prepare(ctx context.Context, req PrepareRequest) (PrepareResult, error)

	// Start begins traffic at the given time.
	Start(ctx context.Context, handle string, startTime time.Time) error

	// Stop ends the endpoint's traffic early.
	Stop(ctx context.Context, handle string) error

	// PollReport returns the most recent unread interval report, or nil if
	// none is available yet. The boolean reports whether the endpoint has
	// finished and its final report can be fetched without blocking.
	PollReport(ctx context.Context, handle string) (*model.IntervalReport, bool, error)

	// FinalReport blocks until the endpoint's final report is available.
	FinalReport(ctx context.Context, handle string) (*model.FinalReport, error)

	// Close tears down the daemon connection.
	Close() error
}

// Dialer opens daemon connections. It exists so tests can substitute fake
// daemons for the WebSocket implementation.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Client, error)
}

// Failure is the uniform transport failure condition: any RPC that could
// not complete, for whatever underlying reason, is reported as a *Failure.
type Failure struct {
	// Addr is the daemon address the call was directed at.
	Addr string
	// Op is the RPC method that failed.
	Op string
	// Err is the underlying cause.
	Err error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("rpc %s to %s failed: %v", f.Op, f.Addr, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }
