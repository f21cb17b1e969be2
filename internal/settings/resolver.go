package settings

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/netmeasure/flowbench/pkg/spec"
)

// EndpointSpec is the resolved configuration of one side of a flow.
type EndpointSpec struct {
	// Host is the address test traffic binds or connects to.
	Host string

	// RPCAddress is the daemon's controller channel address (host:port).
	RPCAddress string

	// ReplyAddress overrides the address the daemon uses to reach its peer
	// endpoint, when it differs from Host.
	ReplyAddress string

	Settings Settings
}

// FlowSpec is one fully resolved flow.
type FlowSpec struct {
	Index         int
	Protocol      spec.Protocol
	RandomSeed    uint32
	SummarizeOnly bool
	Endpoints     [2]EndpointSpec
}

// Resolve turns an ordered directive list into one FlowSpec per flow.
// Directives apply to the flows selected by the most recent -F filter (all
// flows when no filter was given yet) and to the endpoints named by their
// s=/d=/b= tags. Duplicate assignments are last-writer-wins in directive
// order. Any invalid directive fails the whole resolution.
func Resolve(numFlows int, directives []Directive) ([]FlowSpec, error) {
	if numFlows < 1 {
		return nil, errors.New("number of flows must be at least 1")
	}
	flows := make([]FlowSpec, numFlows)
	for i := range flows {
		flows[i] = FlowSpec{
			Index:    i,
			Protocol: spec.ProtocolTCP,
			Endpoints: [2]EndpointSpec{
				{Host: "localhost", RPCAddress: defaultRPCAddress("localhost"), Settings: Default(spec.Source)},
				{Host: "localhost", RPCAddress: defaultRPCAddress("localhost"), Settings: Default(spec.Destination)},
			},
		}
	}

	// The active filter. Directives before any -F apply to every flow.
	filter := make([]int, numFlows)
	for i := range filter {
		filter[i] = i
	}

	for _, d := range directives {
		if d.Option == OptFilter {
			indices, err := parseFilter(d.Arg, numFlows)
			if err != nil {
				return nil, &ResolutionError{Directive: d, Reason: err}
			}
			filter = indices
			continue
		}
		if err := apply(flows, filter, d); err != nil {
			return nil, &ResolutionError{Directive: d, Reason: err}
		}
	}
	return flows, nil
}

func defaultRPCAddress(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(spec.DefaultRPCPort))
}

func parseFilter(arg string, numFlows int) ([]int, error) {
	var indices []int
	for _, part := range strings.Split(arg, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("malformed flow index %q", part)
		}
		if i < 0 || i >= numFlows {
			return nil, fmt.Errorf("flow index %d out of range [0, %d)", i, numFlows)
		}
		indices = append(indices, i)
	}
	return indices, nil
}

// tagged is one endpoint-tagged value from a directive argument.
type tagged struct {
	endpoint spec.Endpoint
	value    string
}

// splitTagged parses "s=X,d=Y" style arguments. The b= tag expands into
// independent source and destination assignments. An untagged argument
// applies to both endpoints.
func splitTagged(arg string) ([]tagged, error) {
	if arg == "" {
		return []tagged{{spec.Source, ""}, {spec.Destination, ""}}, nil
	}
	var out []tagged
	for _, part := range strings.Split(arg, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			out = append(out, tagged{spec.Source, part}, tagged{spec.Destination, part})
			continue
		}
		switch key {
		case "s":
			out = append(out, tagged{spec.Source, value})
		case "d":
			out = append(out, tagged{spec.Destination, value})
		case "b":
			out = append(out, tagged{spec.Source, value}, tagged{spec.Destination, value})
		default:
			return nil, fmt.Errorf("unknown endpoint tag %q (want s, d or b)", key)
		}
	}
	return out, nil
}

func apply(flows []FlowSpec, filter []int, d Directive) error {
	// Flow-level options have no endpoint tag.
	switch d.Option {
	case OptSeed:
		seed, err := strconv.ParseUint(d.Arg, 10, 32)
		if err != nil {
			return fmt.Errorf("malformed random seed: %v", err)
		}
		for _, i := range filter {
			flows[i].RandomSeed = uint32(seed)
		}
		return nil
	case OptSummarizeOnly:
		for _, i := range filter {
			flows[i].SummarizeOnly = true
		}
		return nil
	case OptUDP:
		for _, i := range filter {
			flows[i].Protocol = spec.ProtocolUDP
		}
		return nil
	}

	values, err := splitTagged(d.Arg)
	if err != nil {
		return err
	}
	for _, i := range filter {
		for _, tv := range values {
			if err := applyEndpoint(&flows[i].Endpoints[tv.endpoint], d.Option, tv.value); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyEndpoint(ep *EndpointSpec, opt Option, value string) error {
	s := &ep.Settings
	switch opt {
	case OptHost:
		return applyHost(ep, value)
	case OptRate:
		rate, err := ParseRate(value)
		if err != nil {
			return err
		}
		s.Rate = rate
	case OptBlockSize:
		n, err := positiveInt(value)
		if err != nil {
			return fmt.Errorf("malformed block size: %v", err)
		}
		s.BlockSize = n
	case OptDuration:
		d, err := seconds(value)
		if err != nil {
			return fmt.Errorf("malformed duration: %v", err)
		}
		s.Duration = d
	case OptSendBuffer:
		n, err := positiveInt(value)
		if err != nil {
			return fmt.Errorf("malformed send buffer size: %v", err)
		}
		s.RequestedSendBuffer = n
	case OptReceiveBuffer:
		n, err := positiveInt(value)
		if err != nil {
			return fmt.Errorf("malformed receive buffer size: %v", err)
		}
		s.RequestedReceiveBuffer = n
	case OptDelay:
		d, err := seconds(value)
		if err != nil {
			return fmt.Errorf("malformed start delay: %v", err)
		}
		s.Delay = d
	case OptDSCP:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 63 {
			return fmt.Errorf("malformed DSCP value %q (want 0-63)", value)
		}
		s.DSCP = n
	case OptSockOpt:
		so, err := parseSockOpt(value)
		if err != nil {
			return err
		}
		s.SockOpts = append(s.SockOpts, so)
	case OptLateConnect:
		s.LateConnect = true
	case OptShutdown:
		s.Shutdown = true
	case OptByteCounting:
		s.ByteCounting = true
	case OptCavoidStop:
		s.CavoidStop = true
	case OptPushy:
		s.Pushy = true
	default:
		return fmt.Errorf("unknown flow option -%c", opt)
	}
	return nil
}

// applyHost parses HOST[/RPCADDR[:PORT][/REPLYADDR]].
func applyHost(ep *EndpointSpec, value string) error {
	if value == "" {
		return errors.New("empty host")
	}
	parts := strings.Split(value, "/")
	if len(parts) > 3 {
		return fmt.Errorf("malformed host spec %q", value)
	}
	ep.Host = parts[0]
	rpc := parts[0]
	if len(parts) > 1 && parts[1] != "" {
		rpc = parts[1]
	}
	if _, _, err := net.SplitHostPort(rpc); err != nil {
		rpc = defaultRPCAddress(rpc)
	}
	ep.RPCAddress = rpc
	if len(parts) > 2 {
		ep.ReplyAddress = parts[2]
	}
	return nil
}

func positiveInt(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%d is not positive", n)
	}
	return n, nil
}

func seconds(value string) (time.Duration, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("%v is negative", f)
	}
	return time.Duration(f * float64(time.Second)), nil
}
