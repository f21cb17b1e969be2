// Package flowctrl owns the per-flow life-cycle state machine and issues
// the prepare/start/stop control calls that drive it.
package flowctrl

import (
	"time"

	"github.com/netmeasure/flowbench/internal/registry"
	"github.com/netmeasure/flowbench/internal/settings"
	"github.com/netmeasure/flowbench/pkg/model"
	"github.com/netmeasure/flowbench/pkg/spec"
)

// State is an endpoint's position in its life cycle.
type State int

const (
	// Unprepared means no resources have been allocated on the daemon yet.
	Unprepared = State(iota)
	// Prepared means the daemon has allocated the endpoint and, unless late
	// connect was requested, established its connection.
	Prepared
	// Running means the endpoint is generating or receiving traffic.
	Running
	// Finished means the endpoint completed and delivered its final report.
	Finished
	// Error means an RPC or daemon-local failure terminated the endpoint.
	// Reachable from any non-terminal state.
	Error
)

func (s State) String() string {
	switch s {
	case Unprepared:
		return "unprepared"
	case Prepared:
		return "prepared"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Error:
		return "error"
	default:
		return "invalid"
	}
}

// terminal reports whether no further transitions are possible.
func (s State) terminal() bool {
	return s == Finished || s == Error
}

// Endpoint is one side of a flow, bound to a daemon through the registry.
type Endpoint struct {
	Role spec.Endpoint
	Spec settings.EndpointSpec

	// Daemon is the registry record managing this endpoint. The registry
	// outlives all endpoints.
	Daemon *registry.Daemon

	// Handle is the daemon's opaque identifier for this endpoint, assigned
	// at prepare time.
	Handle string

	// DataAddress is where the peer connects, as reported by prepare.
	DataAddress string

	// EffectiveSendBuffer and EffectiveReceiveBuffer are the negotiated
	// buffer sizes, which may differ from the requested ones.
	EffectiveSendBuffer    int
	EffectiveReceiveBuffer int

	// StartTime is when the endpoint was told to begin.
	StartTime time.Time

	State State
	Err   error

	// MissedPolls counts consecutive failed report polls. Reset on every
	// successful poll.
	MissedPolls int

	// Final holds the endpoint's final report once received.
	Final *model.FinalReport
}

// Flow is one logical test between a source and a destination endpoint.
// The two endpoints run their state machines independently; the flow is
// complete only when both have finished.
type Flow struct {
	Index int

	// UUID groups the two endpoints on their daemons.
	UUID string

	Spec      settings.FlowSpec
	Endpoints [2]*Endpoint
}

// Source returns the flow's source endpoint.
func (f *Flow) Source() *Endpoint { return f.Endpoints[spec.Source] }

// Destination returns the flow's destination endpoint.
func (f *Flow) Destination() *Endpoint { return f.Endpoints[spec.Destination] }

// Complete reports whether both endpoints reached Finished.
func (f *Flow) Complete() bool {
	return f.Source().State == Finished && f.Destination().State == Finished
}

// Failed reports whether either endpoint terminated with an error.
func (f *Flow) Failed() bool {
	return f.Source().State == Error || f.Destination().State == Error
}

// Done reports whether both endpoints are in a terminal state.
func (f *Flow) Done() bool {
	return f.Source().State.terminal() && f.Destination().State.terminal()
}
