package collector_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/netmeasure/flowbench/internal/collector"
	"github.com/netmeasure/flowbench/internal/flowctrl"
	"github.com/netmeasure/flowbench/internal/registry"
	"github.com/netmeasure/flowbench/internal/render"
	"github.com/netmeasure/flowbench/internal/settings"
	"github.com/netmeasure/flowbench/pkg/model"
	"github.com/netmeasure/flowbench/pkg/rpc"
	"github.com/netmeasure/flowbench/pkg/spec"
)

// fakeClient serves scripted reports, keyed by endpoint handle. Handles are
// assigned round-robin in prepare order: destination first, then source.
type fakeClient struct {
	mu      sync.Mutex
	next    int
	scripts map[string]*script
	pollErr error
}

type script struct {
	endpoint spec.Endpoint
	reports  []*model.IntervalReport
	final    *model.FinalReport
}

func newFakeClient(scripts ...*script) *fakeClient {
	c := &fakeClient{scripts: map[string]*script{}}
	for i, s := range scripts {
		c.scripts[handleName(i)] = s
	}
	return c
}

func handleName(i int) string { return "h" + string(rune('0'+i)) }

func (c *fakeClient) Probe(ctx context.Context) (rpc.ProbeResult, error) {
	return rpc.ProbeResult{APIVersion: 1}, nil
}

func (c *fakeClient) Prepare(ctx context.Context, req rpc.PrepareRequest) (rpc.PrepareResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := c.next; i < len(c.scripts); i++ {
		if c.scripts[handleName(i)].endpoint == req.Endpoint {
			c.next = i + 1
			return rpc.PrepareResult{EndpointHandle: handleName(i)}, nil
		}
	}
	return rpc.PrepareResult{}, errors.New("no script for endpoint")
}

func (c *fakeClient) Start(ctx context.Context, handle string, startTime time.Time) error {
	return nil
}

func (c *fakeClient) Stop(ctx context.Context, handle string) error { return nil }

func (c *fakeClient) PollReport(ctx context.Context, handle string) (*model.IntervalReport, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollErr != nil {
		return nil, false, c.pollErr
	}
	s := c.scripts[handle]
	if len(s.reports) == 0 {
		return nil, true, nil
	}
	r := s.reports[0]
	s.reports = s.reports[1:]
	return r, len(s.reports) == 0, nil
}

func (c *fakeClient) FinalReport(ctx context.Context, handle string) (*model.FinalReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.scripts[handle]; s.final != nil {
		return s.final, nil
	}
	return nil, errors.New("no final report scripted")
}

func (c *fakeClient) Close() error { return nil }

type fakeDialer struct{ client *fakeClient }

func (d *fakeDialer) Dial(ctx context.Context, addr string) (rpc.Client, error) {
	return d.client, nil
}

func report(begin, end float64, bytesWritten int64) *model.IntervalReport {
	return &model.IntervalReport{Begin: begin, End: end, BytesWritten: bytesWritten}
}

func startedController(t *testing.T, client *fakeClient, directives ...settings.Directive) *flowctrl.Controller {
	t.Helper()
	flows, err := settings.Resolve(1, directives)
	if err != nil {
		t.Fatalf("Resolve() unexpected error = %v", err)
	}
	ctrl := flowctrl.New(registry.New(&fakeDialer{client: client}), flows)
	ctx := context.Background()
	if err := ctrl.ResolveDaemons(ctx); err != nil {
		t.Fatalf("ResolveDaemons() unexpected error = %v", err)
	}
	ctrl.PrepareAll(ctx)
	ctrl.StartAll(ctx, time.Now())
	return ctrl
}

func TestCollector_PairsAndFinishes(t *testing.T) {
	final := &model.FinalReport{
		IntervalReport: model.IntervalReport{Begin: 0, End: 0.1, BytesWritten: 8192},
	}
	client := newFakeClient(
		&script{endpoint: spec.Destination, reports: []*model.IntervalReport{report(0, 0.05, 0)}, final: final},
		&script{endpoint: spec.Source, reports: []*model.IntervalReport{report(0, 0.05, 8192)}, final: final},
	)
	ctrl := startedController(t, client)

	var buf bytes.Buffer
	coll := collector.New(ctrl, render.New(render.Options{}, &buf), collector.Config{})

	// First pass delivers the last queued report of each endpoint and learns
	// both have finished.
	coll.Collect(context.Background())
	if !ctrl.AllDone() {
		t.Fatal("AllDone() = false after both endpoints reported finished")
	}
	f := ctrl.Flows()[0]
	if f.Source().State != flowctrl.Finished || f.Destination().State != flowctrl.Finished {
		t.Fatalf("states = %v/%v, want Finished/Finished",
			f.Source().State, f.Destination().State)
	}
	if f.Source().Final != final {
		t.Error("source final report not recorded")
	}

	out := buf.String()
	// One interval row pair plus two summary lines, all tagged with the flow.
	if !strings.Contains(out, "S0") || !strings.Contains(out, "D0") {
		t.Errorf("output missing S0/D0 lines:\n%s", out)
	}
}

func TestCollector_MissedPollsTerminateEndpoint(t *testing.T) {
	client := newFakeClient(
		&script{endpoint: spec.Destination},
		&script{endpoint: spec.Source},
	)
	ctrl := startedController(t, client)
	client.pollErr = errors.New("daemon went away")

	var buf bytes.Buffer
	coll := collector.New(ctrl, render.New(render.Options{}, &buf),
		collector.Config{MaxMissedPolls: 3})

	for i := 0; i < 2; i++ {
		coll.Collect(context.Background())
	}
	f := ctrl.Flows()[0]
	if f.Source().State != flowctrl.Running {
		t.Fatalf("source state after 2 missed polls = %v, want Running", f.Source().State)
	}

	coll.Collect(context.Background())
	if f.Source().State != flowctrl.Error || f.Destination().State != flowctrl.Error {
		t.Fatalf("states after 3 missed polls = %v/%v, want Error/Error",
			f.Source().State, f.Destination().State)
	}
	if !ctrl.AllDone() {
		t.Fatal("AllDone() = false after both endpoints failed")
	}
}

func TestCollector_MissedPollCounterResets(t *testing.T) {
	client := newFakeClient(
		&script{endpoint: spec.Destination, reports: []*model.IntervalReport{
			report(0, 0.05, 0), report(0.05, 0.1, 0), report(0.1, 0.15, 0),
		}},
		&script{endpoint: spec.Source, reports: []*model.IntervalReport{
			report(0, 0.05, 0), report(0.05, 0.1, 0), report(0.1, 0.15, 0),
		}},
	)
	ctrl := startedController(t, client)

	var buf bytes.Buffer
	coll := collector.New(ctrl, render.New(render.Options{}, &buf),
		collector.Config{MaxMissedPolls: 3})
	ctx := context.Background()

	// Two misses, one success, two misses: never three in a row.
	client.pollErr = errors.New("transient")
	coll.Collect(ctx)
	coll.Collect(ctx)
	client.pollErr = nil
	coll.Collect(ctx)
	client.pollErr = errors.New("transient")
	coll.Collect(ctx)
	coll.Collect(ctx)

	f := ctrl.Flows()[0]
	if f.Source().State != flowctrl.Running {
		t.Fatalf("source state = %v, want Running after interleaved misses", f.Source().State)
	}
}

func TestCollector_SummarizeOnly(t *testing.T) {
	final := &model.FinalReport{
		IntervalReport: model.IntervalReport{End: 0.2, BytesWritten: 12345678},
	}
	client := newFakeClient(
		&script{endpoint: spec.Destination, reports: []*model.IntervalReport{report(0, 0.05, 0)}, final: final},
		&script{endpoint: spec.Source, reports: []*model.IntervalReport{report(0, 0.05, 999)}, final: final},
	)
	ctrl := startedController(t, client,
		settings.Directive{Option: settings.OptSummarizeOnly, Arg: ""})

	var buf bytes.Buffer
	coll := collector.New(ctrl, render.New(render.Options{}, &buf), collector.Config{})
	coll.Collect(context.Background())

	out := buf.String()
	// Summary rows still appear. The interval rows, recognizable by their
	// 0.050 end timestamp, must not.
	if !strings.Contains(out, "S0") {
		t.Errorf("summary row missing:\n%s", out)
	}
	if strings.Contains(out, "0.050") {
		t.Errorf("interval row rendered for summarize-only flow:\n%s", out)
	}
}
