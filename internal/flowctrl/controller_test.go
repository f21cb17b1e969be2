package flowctrl_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/netmeasure/flowbench/internal/flowctrl"
	"github.com/netmeasure/flowbench/internal/registry"
	"github.com/netmeasure/flowbench/internal/settings"
	"github.com/netmeasure/flowbench/pkg/model"
	"github.com/netmeasure/flowbench/pkg/rpc"
	"github.com/netmeasure/flowbench/pkg/spec"
)

// fakeClient scripts one daemon's RPC surface.
type fakeClient struct {
	mu       sync.Mutex
	prepares []rpc.PrepareRequest
	starts   []string

	prepareErr map[spec.Endpoint]error
	startErr   error
}

func (c *fakeClient) Probe(ctx context.Context) (rpc.ProbeResult, error) {
	return rpc.ProbeResult{APIVersion: 1, OSName: "linux"}, nil
}

func (c *fakeClient) Prepare(ctx context.Context, req rpc.PrepareRequest) (rpc.PrepareResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.prepareErr[req.Endpoint]; err != nil {
		return rpc.PrepareResult{}, err
	}
	c.prepares = append(c.prepares, req)
	res := rpc.PrepareResult{
		EndpointHandle:      "handle-" + req.FlowUUID + "-" + req.Endpoint.String(),
		EffectiveSendBuffer: 4096,
	}
	if req.Endpoint == spec.Destination {
		res.DataAddress = "127.0.0.1:9999"
	}
	return res, nil
}

func (c *fakeClient) Start(ctx context.Context, handle string, startTime time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.starts = append(c.starts, handle)
	return nil
}

func (c *fakeClient) Stop(ctx context.Context, handle string) error { return nil }

func (c *fakeClient) PollReport(ctx context.Context, handle string) (*model.IntervalReport, bool, error) {
	return nil, false, nil
}

func (c *fakeClient) FinalReport(ctx context.Context, handle string) (*model.FinalReport, error) {
	return &model.FinalReport{}, nil
}

func (c *fakeClient) Close() error { return nil }

// fakeDialer hands out the same fake client for every address.
type fakeDialer struct {
	client *fakeClient
	err    error
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (rpc.Client, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.client, nil
}

func newController(t *testing.T, numFlows int, client *fakeClient) *flowctrl.Controller {
	t.Helper()
	flows, err := settings.Resolve(numFlows, nil)
	if err != nil {
		t.Fatalf("Resolve() unexpected error = %v", err)
	}
	ctrl := flowctrl.New(registry.New(&fakeDialer{client: client}), flows)
	if err := ctrl.ResolveDaemons(context.Background()); err != nil {
		t.Fatalf("ResolveDaemons() unexpected error = %v", err)
	}
	return ctrl
}

func TestController_PrepareAll(t *testing.T) {
	client := &fakeClient{}
	ctrl := newController(t, 2, client)

	ctrl.PrepareAll(context.Background())
	for _, f := range ctrl.Flows() {
		for _, ep := range f.Endpoints {
			if ep.State != flowctrl.Prepared {
				t.Errorf("flow %d %s state = %v, want Prepared", f.Index, ep.Role, ep.State)
			}
			if ep.Handle == "" {
				t.Errorf("flow %d %s has no handle", f.Index, ep.Role)
			}
		}
	}

	// Within each flow the destination prepared first, and the source was
	// pointed at the destination's data address.
	for _, req := range client.prepares {
		if req.Endpoint == spec.Source && req.ConnectAddress != "127.0.0.1:9999" {
			t.Errorf("source connect address = %q, want destination data address", req.ConnectAddress)
		}
		if req.Endpoint == spec.Destination && req.ConnectAddress != "" {
			t.Errorf("destination connect address = %q, want empty", req.ConnectAddress)
		}
	}
}

func TestController_EndpointFailureIsIndependent(t *testing.T) {
	client := &fakeClient{prepareErr: map[spec.Endpoint]error{
		spec.Source: errors.New("no route"),
	}}
	ctrl := newController(t, 1, client)

	ctrl.PrepareAll(context.Background())
	f := ctrl.Flows()[0]
	if f.Source().State != flowctrl.Error {
		t.Errorf("source state = %v, want Error", f.Source().State)
	}
	if f.Destination().State != flowctrl.Prepared {
		t.Errorf("destination state = %v, want Prepared", f.Destination().State)
	}

	// Only the prepared endpoint starts.
	ctrl.StartAll(context.Background(), time.Now())
	if f.Source().State != flowctrl.Error {
		t.Errorf("source state after start = %v, want Error", f.Source().State)
	}
	if f.Destination().State != flowctrl.Running {
		t.Errorf("destination state after start = %v, want Running", f.Destination().State)
	}
	if len(ctrl.Running()) != 1 {
		t.Errorf("Running() has %d endpoints, want 1", len(ctrl.Running()))
	}
	if got := ctrl.FailedFlows(); len(got) != 1 || got[0] != 0 {
		t.Errorf("FailedFlows() = %v, want [0]", got)
	}
}

func TestController_StartSetsStartTime(t *testing.T) {
	client := &fakeClient{}
	ctrl := newController(t, 1, client)
	ctrl.PrepareAll(context.Background())

	base := time.Now()
	ctrl.StartAll(context.Background(), base)
	src := ctrl.Flows()[0].Source()
	if !src.StartTime.Equal(base.Add(src.Spec.Settings.Delay)) {
		t.Errorf("source start time = %v, want base + delay", src.StartTime)
	}
	// The destination's start directive went out before the source's.
	if len(client.starts) != 2 {
		t.Fatalf("recorded %d starts, want 2", len(client.starts))
	}
	if client.starts[0] != ctrl.Flows()[0].Destination().Handle {
		t.Errorf("first started handle = %q, want destination's", client.starts[0])
	}
}

func TestController_NotePoll(t *testing.T) {
	ctrl := newController(t, 1, &fakeClient{})
	ep := ctrl.Flows()[0].Source()
	if got := ctrl.NotePoll(ep, true); got != 1 {
		t.Errorf("NotePoll(missed) = %d, want 1", got)
	}
	if got := ctrl.NotePoll(ep, true); got != 2 {
		t.Errorf("NotePoll(missed) = %d, want 2", got)
	}
	if got := ctrl.NotePoll(ep, false); got != 0 {
		t.Errorf("NotePoll(success) = %d, want 0", got)
	}
}

func TestController_FinishAndDone(t *testing.T) {
	ctrl := newController(t, 1, &fakeClient{})
	ctrl.PrepareAll(context.Background())
	ctrl.StartAll(context.Background(), time.Now())
	if ctrl.AllDone() {
		t.Fatal("AllDone() = true with running endpoints")
	}

	f := ctrl.Flows()[0]
	final := &model.FinalReport{}
	ctrl.FinishEndpoint(f, f.Source(), final)
	ctrl.FinishEndpoint(f, f.Destination(), final)
	if !ctrl.AllDone() {
		t.Fatal("AllDone() = false after finishing both endpoints")
	}
	if !f.Complete() || f.Failed() {
		t.Errorf("flow complete = %v, failed = %v, want true/false", f.Complete(), f.Failed())
	}
	if f.Source().Final != final {
		t.Error("source final report not recorded")
	}

	// A terminal endpoint cannot regress to Error.
	ctrl.FailEndpoint(f, f.Source(), errors.New("late failure"))
	if f.Source().State != flowctrl.Finished {
		t.Errorf("source state = %v, want Finished", f.Source().State)
	}
}

func TestController_ResolveDaemonsFailsFast(t *testing.T) {
	flows, err := settings.Resolve(2, nil)
	if err != nil {
		t.Fatalf("Resolve() unexpected error = %v", err)
	}
	ctrl := flowctrl.New(registry.New(&fakeDialer{err: errors.New("connection refused")}), flows)
	if err := ctrl.ResolveDaemons(context.Background()); !errors.Is(err, registry.ErrUnreachable) {
		t.Fatalf("ResolveDaemons() error = %v, want ErrUnreachable", err)
	}
	for _, f := range ctrl.Flows() {
		for _, ep := range f.Endpoints {
			if ep.State != flowctrl.Unprepared {
				t.Errorf("flow %d %s state = %v, want Unprepared", f.Index, ep.Role, ep.State)
			}
		}
	}
}
