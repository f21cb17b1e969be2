package settings_test

import (
	"errors"
	"testing"
	"time"

	"github.com/netmeasure/flowbench/internal/settings"
	"github.com/netmeasure/flowbench/pkg/spec"
)

func TestResolve_Defaults(t *testing.T) {
	flows, err := settings.Resolve(2, nil)
	if err != nil {
		t.Fatalf("Resolve() unexpected error = %v", err)
	}
	if len(flows) != 2 {
		t.Fatalf("Resolve() returned %d flows, want 2", len(flows))
	}
	for _, f := range flows {
		if f.Protocol != spec.ProtocolTCP {
			t.Errorf("flow %d protocol = %v, want tcp", f.Index, f.Protocol)
		}
		src := f.Endpoints[spec.Source]
		if src.Settings.Duration != 5*time.Second {
			t.Errorf("flow %d source duration = %v, want 5s", f.Index, src.Settings.Duration)
		}
		if src.Settings.BlockSize != 8192 {
			t.Errorf("flow %d source block size = %d, want 8192", f.Index, src.Settings.BlockSize)
		}
		if src.Settings.ReportInterval != spec.DefaultReportInterval {
			t.Errorf("flow %d source report interval = %v, want %v",
				f.Index, src.Settings.ReportInterval, spec.DefaultReportInterval)
		}
		dst := f.Endpoints[spec.Destination]
		if dst.Settings.Duration != 0 {
			t.Errorf("flow %d destination duration = %v, want 0", f.Index, dst.Settings.Duration)
		}
		if src.RPCAddress != "localhost:5999" {
			t.Errorf("flow %d source rpc address = %q, want localhost:5999", f.Index, src.RPCAddress)
		}
	}
}

func TestResolve_EndpointTags(t *testing.T) {
	flows, err := settings.Resolve(1, []settings.Directive{
		{Option: settings.OptBlockSize, Arg: "s=1024,d=2048"},
		{Option: settings.OptSendBuffer, Arg: "b=65536"},
		{Option: settings.OptDuration, Arg: "12"},
	})
	if err != nil {
		t.Fatalf("Resolve() unexpected error = %v", err)
	}
	src := flows[0].Endpoints[spec.Source].Settings
	dst := flows[0].Endpoints[spec.Destination].Settings
	if src.BlockSize != 1024 || dst.BlockSize != 2048 {
		t.Errorf("block sizes = %d/%d, want 1024/2048", src.BlockSize, dst.BlockSize)
	}
	if src.RequestedSendBuffer != 65536 || dst.RequestedSendBuffer != 65536 {
		t.Errorf("b= tag did not reach both endpoints: %d/%d",
			src.RequestedSendBuffer, dst.RequestedSendBuffer)
	}
	// Untagged values apply to both endpoints.
	if src.Duration != 12*time.Second || dst.Duration != 12*time.Second {
		t.Errorf("durations = %v/%v, want 12s on both", src.Duration, dst.Duration)
	}
}

// Directives apply to the flows selected by the most recent filter, in
// directive order, with last-writer-wins on conflicts.
func TestResolve_FilterOrdering(t *testing.T) {
	flows, err := settings.Resolve(3, []settings.Directive{
		{Option: settings.OptBlockSize, Arg: "s=1000"},
		{Option: settings.OptFilter, Arg: "0,2"},
		{Option: settings.OptBlockSize, Arg: "s=2000"},
		{Option: settings.OptFilter, Arg: "2"},
		{Option: settings.OptBlockSize, Arg: "s=3000"},
	})
	if err != nil {
		t.Fatalf("Resolve() unexpected error = %v", err)
	}
	want := []int{2000, 1000, 3000}
	for i, f := range flows {
		if got := f.Endpoints[spec.Source].Settings.BlockSize; got != want[i] {
			t.Errorf("flow %d source block size = %d, want %d", i, got, want[i])
		}
	}
}

func TestResolve_FlowLevelOptions(t *testing.T) {
	flows, err := settings.Resolve(2, []settings.Directive{
		{Option: settings.OptFilter, Arg: "1"},
		{Option: settings.OptUDP, Arg: ""},
		{Option: settings.OptSeed, Arg: "42"},
		{Option: settings.OptSummarizeOnly, Arg: ""},
	})
	if err != nil {
		t.Fatalf("Resolve() unexpected error = %v", err)
	}
	if flows[0].Protocol != spec.ProtocolTCP || flows[1].Protocol != spec.ProtocolUDP {
		t.Errorf("protocols = %v/%v, want tcp/udp", flows[0].Protocol, flows[1].Protocol)
	}
	if flows[0].RandomSeed != 0 || flows[1].RandomSeed != 42 {
		t.Errorf("seeds = %d/%d, want 0/42", flows[0].RandomSeed, flows[1].RandomSeed)
	}
	if flows[0].SummarizeOnly || !flows[1].SummarizeOnly {
		t.Errorf("summarize-only = %v/%v, want false/true",
			flows[0].SummarizeOnly, flows[1].SummarizeOnly)
	}
}

func TestResolve_Host(t *testing.T) {
	tests := []struct {
		arg       string
		host      string
		rpc       string
		replyAddr string
	}{
		{"d=example.com", "example.com", "example.com:5999", ""},
		{"d=example.com/ctrl.example.com:6000", "example.com", "ctrl.example.com:6000", ""},
		{"d=10.0.0.1//192.168.0.1", "10.0.0.1", "10.0.0.1:5999", "192.168.0.1"},
	}
	for _, tt := range tests {
		flows, err := settings.Resolve(1, []settings.Directive{
			{Option: settings.OptHost, Arg: tt.arg},
		})
		if err != nil {
			t.Fatalf("Resolve(%q) unexpected error = %v", tt.arg, err)
		}
		dst := flows[0].Endpoints[spec.Destination]
		if dst.Host != tt.host || dst.RPCAddress != tt.rpc || dst.ReplyAddress != tt.replyAddr {
			t.Errorf("Resolve(%q) = %q/%q/%q, want %q/%q/%q", tt.arg,
				dst.Host, dst.RPCAddress, dst.ReplyAddress, tt.host, tt.rpc, tt.replyAddr)
		}
	}
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name string
		d    settings.Directive
	}{
		{"filter out of range", settings.Directive{Option: settings.OptFilter, Arg: "3"}},
		{"filter malformed", settings.Directive{Option: settings.OptFilter, Arg: "x"}},
		{"unknown tag", settings.Directive{Option: settings.OptBlockSize, Arg: "q=100"}},
		{"negative block size", settings.Directive{Option: settings.OptBlockSize, Arg: "-1"}},
		{"dscp out of range", settings.Directive{Option: settings.OptDSCP, Arg: "64"}},
		{"unknown sockopt", settings.Directive{Option: settings.OptSockOpt, Arg: "SO_BOGUS"}},
		{"negative delay", settings.Directive{Option: settings.OptDelay, Arg: "-0.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := settings.Resolve(2, []settings.Directive{tt.d})
			if err == nil {
				t.Fatalf("Resolve() expected error, got nil")
			}
			var rerr *settings.ResolutionError
			if !errors.As(err, &rerr) {
				t.Errorf("Resolve() error type = %T, want *ResolutionError", err)
			}
		})
	}
}

func TestResolve_NoFlows(t *testing.T) {
	if _, err := settings.Resolve(0, nil); err == nil {
		t.Fatal("Resolve(0) expected error, got nil")
	}
}

func TestDirectiveList_Order(t *testing.T) {
	var list settings.DirectiveList
	fa := list.Flag(settings.OptFilter)
	fb := list.Flag(settings.OptBlockSize)
	fa.Set("0")
	fb.Set("s=100")
	fa.Set("1")
	fb.Set("s=200")
	want := []settings.Directive{
		{Option: settings.OptFilter, Arg: "0"},
		{Option: settings.OptBlockSize, Arg: "s=100"},
		{Option: settings.OptFilter, Arg: "1"},
		{Option: settings.OptBlockSize, Arg: "s=200"},
	}
	if len(list) != len(want) {
		t.Fatalf("list has %d directives, want %d", len(list), len(want))
	}
	for i := range want {
		if list[i] != want[i] {
			t.Errorf("directive %d = %+v, want %+v", i, list[i], want[i])
		}
	}
}
