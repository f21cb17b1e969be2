package settings

import (
	"flag"
	"fmt"
)

// Option identifies a flow option directive. The values match the CLI
// option letters.
type Option byte

const (
	// OptFilter restricts subsequent directives to listed flow indices (-F).
	OptFilter = Option('F')
	// OptHost binds an endpoint to a daemon address (-H).
	OptHost = Option('H')
	// OptRate sets a rate limit (-R).
	OptRate = Option('R')
	// OptBlockSize sets the traffic block size (-S).
	OptBlockSize = Option('S')
	// OptDuration sets the write duration (-T).
	OptDuration = Option('T')
	// OptSendBuffer requests a send buffer size (-B).
	OptSendBuffer = Option('B')
	// OptReceiveBuffer requests a receive buffer size (-W).
	OptReceiveBuffer = Option('W')
	// OptDelay sets a start delay (-Y).
	OptDelay = Option('Y')
	// OptDSCP sets the DiffServ codepoint (-D).
	OptDSCP = Option('D')
	// OptSockOpt adds a socket option (-O).
	OptSockOpt = Option('O')
	// OptLateConnect defers connecting until start (-L).
	OptLateConnect = Option('L')
	// OptShutdown shuts down the write direction at end (-N).
	OptShutdown = Option('N')
	// OptByteCounting enumerates payload bytes (-E).
	OptByteCounting = Option('E')
	// OptCavoidStop stops on leaving congestion avoidance (-C).
	OptCavoidStop = Option('C')
	// OptPushy keeps the send queue full (-P).
	OptPushy = Option('P')
	// OptSeed sets the flow's random seed (-J).
	OptSeed = Option('J')
	// OptSummarizeOnly suppresses interval rows for the flow (-Q).
	OptSummarizeOnly = Option('Q')
	// OptUDP switches the flow to UDP (-U).
	OptUDP = Option('U')
)

// Directive is one flow option occurrence, in CLI order.
type Directive struct {
	Option Option
	Arg    string
}

// DirectiveList collects Directives across multiple flags so their relative
// order survives flag parsing. Register one Flag per option letter on the
// same list.
type DirectiveList []Directive

// Flag returns a flag.Value that appends a Directive for opt on every Set.
func (l *DirectiveList) Flag(opt Option) flag.Value {
	return &directiveValue{opt: opt, list: l}
}

type directiveValue struct {
	opt  Option
	list *DirectiveList
}

func (v *directiveValue) Set(s string) error {
	*v.list = append(*v.list, Directive{Option: v.opt, Arg: s})
	return nil
}

func (v *directiveValue) String() string { return "" }

// ResolutionError reports a directive that failed validation. It aborts the
// whole resolution; no partial flow set is produced.
type ResolutionError struct {
	Directive Directive
	Reason    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("option -%c %q: %v", e.Directive.Option, e.Directive.Arg, e.Reason)
}

func (e *ResolutionError) Unwrap() error { return e.Reason }
