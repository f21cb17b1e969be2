// Package spec contains constants shared by the flowbench controller and
// daemon.
package spec

import "time"

const (
	// MinAPIVersion is the oldest daemon API version this controller can
	// drive.
	MinAPIVersion = 1

	// MaxAPIVersion is the newest daemon API version this controller can
	// drive.
	MaxAPIVersion = 1

	// DefaultRPCPort is the TCP port a daemon listens on for controller
	// connections unless the -H option names a different one.
	DefaultRPCPort = 5999

	// RPCPath selects the daemon's controller channel.
	RPCPath = "/flowbench/v1/rpc"

	// SecWebSocketProtocol is the value of the Sec-WebSocket-Protocol header
	// on the controller channel.
	SecWebSocketProtocol = "net.flowbench.v1"

	// DefaultBlockSize is the default size of a traffic block in bytes.
	DefaultBlockSize = 8192

	// DefaultSourceDuration is the default send duration of a flow's source
	// endpoint.
	DefaultSourceDuration = 5 * time.Second

	// DefaultDestinationDuration is the default send duration of a flow's
	// destination endpoint. Zero means the destination only receives.
	DefaultDestinationDuration = 0

	// DefaultReportInterval is the default length of a reporting interval.
	DefaultReportInterval = 50 * time.Millisecond

	// DefaultMaxMissedPolls is how many consecutive failed report polls are
	// tolerated before an endpoint is declared failed.
	DefaultMaxMissedPolls = 3

	// RPCTimeout bounds every single call on the controller channel.
	RPCTimeout = 10 * time.Second
)

// Protocol is a flow's transport protocol.
type Protocol string

const (
	// ProtocolTCP runs the flow over TCP.
	ProtocolTCP = Protocol("tcp")

	// ProtocolUDP runs the flow over UDP.
	ProtocolUDP = Protocol("udp")
)

// Endpoint distinguishes the two sides of a flow.
type Endpoint int

const (
	// Source is the endpoint originating the flow's request blocks.
	Source = Endpoint(0)

	// Destination is the endpoint receiving the flow's request blocks.
	Destination = Endpoint(1)
)

// String returns the endpoint's name.
func (e Endpoint) String() string {
	if e == Source {
		return "source"
	}
	return "destination"
}
