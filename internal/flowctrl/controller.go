package flowctrl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/netmeasure/flowbench/internal/fbmetrics"
	"github.com/netmeasure/flowbench/internal/registry"
	"github.com/netmeasure/flowbench/internal/settings"
	"github.com/netmeasure/flowbench/pkg/model"
	"github.com/netmeasure/flowbench/pkg/rpc"
	"github.com/netmeasure/flowbench/pkg/spec"
)

// Controller drives the life cycle of a set of flows against the daemons
// in a Registry. All flow and endpoint state is guarded by one coarse
// mutex: transitions and renders are rare compared to network latency.
type Controller struct {
	registry *registry.Registry
	flows    []*Flow
	mu       sync.Mutex
}

// New builds a Controller and its Flow table from resolved flow specs.
// Every endpoint starts Unprepared.
func New(reg *registry.Registry, specs []settings.FlowSpec) *Controller {
	c := &Controller{registry: reg}
	for _, fs := range specs {
		f := &Flow{
			Index: fs.Index,
			UUID:  uuid.NewString(),
			Spec:  fs,
		}
		for _, role := range []spec.Endpoint{spec.Source, spec.Destination} {
			f.Endpoints[role] = &Endpoint{
				Role: role,
				Spec: fs.Endpoints[role],
			}
		}
		c.flows = append(c.flows, f)
	}
	return c
}

// Flows returns the flow table. The slice is fixed at construction.
func (c *Controller) Flows() []*Flow { return c.flows }

// ResolveDaemons contacts every referenced daemon, in flow order, and
// binds each endpoint to its registry record. The first unreachable or
// incompatible daemon aborts the whole run before any flow is prepared.
func (c *Controller) ResolveDaemons(ctx context.Context) error {
	for _, f := range c.flows {
		for _, ep := range f.Endpoints {
			d, err := c.registry.Resolve(ctx, ep.Spec.RPCAddress)
			if err != nil {
				return err
			}
			ep.Daemon = d
		}
	}
	return nil
}

// PrepareAll drives every endpoint from Unprepared to Prepared. Flows are
// prepared concurrently; within a flow the destination goes first so the
// source learns its listening address. A failing endpoint moves to Error
// without disturbing its peer.
func (c *Controller) PrepareAll(ctx context.Context) {
	wg := &sync.WaitGroup{}
	for _, f := range c.flows {
		wg.Add(1)
		go func(f *Flow) {
			defer wg.Done()
			c.prepareFlow(ctx, f)
		}(f)
	}
	wg.Wait()
}

func (c *Controller) prepareFlow(ctx context.Context, f *Flow) {
	dst := f.Destination()
	c.prepareEndpoint(ctx, f, dst, "")

	connectAddr := dst.Spec.ReplyAddress
	if connectAddr == "" {
		connectAddr = dst.DataAddress
	}
	if connectAddr == "" {
		// The destination did not prepare; aim at its configured host so
		// the source's own failure is reported against a real address.
		connectAddr = dst.Spec.Host
	}
	c.prepareEndpoint(ctx, f, f.Source(), connectAddr)
}

func (c *Controller) prepareEndpoint(ctx context.Context, f *Flow, ep *Endpoint, connectAddr string) {
	req := rpc.PrepareRequest{
		FlowUUID:       f.UUID,
		Protocol:       f.Spec.Protocol,
		Endpoint:       ep.Role,
		BindAddress:    ep.Spec.Host,
		ConnectAddress: connectAddr,
		RandomSeed:     f.Spec.RandomSeed,
		Settings:       ep.Spec.Settings,
	}
	res, err := ep.Daemon.Client.Prepare(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failLocked(f, ep, fmt.Errorf("prepare failed: %w", err))
		return
	}
	ep.Handle = res.EndpointHandle
	ep.DataAddress = res.DataAddress
	ep.EffectiveSendBuffer = res.EffectiveSendBuffer
	ep.EffectiveReceiveBuffer = res.EffectiveReceiveBuffer
	ep.State = Prepared
	log.Debug("endpoint prepared", "flow", f.Index, "endpoint", ep.Role.String(),
		"handle", ep.Handle, "sndbuf", res.EffectiveSendBuffer,
		"rcvbuf", res.EffectiveReceiveBuffer)
}

// StartAll drives every Prepared endpoint to Running. It runs strictly
// after PrepareAll, so within each flow both endpoints have observed their
// prepare result before either side starts sending. The destination is
// started before the source.
func (c *Controller) StartAll(ctx context.Context, baseTime time.Time) {
	for _, f := range c.flows {
		for _, ep := range []*Endpoint{f.Destination(), f.Source()} {
			c.mu.Lock()
			state := ep.State
			c.mu.Unlock()
			if state != Prepared {
				continue
			}
			err := ep.Daemon.Client.Start(ctx, ep.Handle, baseTime)

			c.mu.Lock()
			if err != nil {
				c.failLocked(f, ep, fmt.Errorf("start failed: %w", err))
			} else {
				ep.State = Running
				ep.StartTime = baseTime.Add(ep.Spec.Settings.Delay)
			}
			c.mu.Unlock()
		}
	}
}

// StopAll sends a best-effort stop to every endpoint still non-terminal.
// Stop failures are logged, not retried, and never block exit.
func (c *Controller) StopAll(ctx context.Context) {
	c.mu.Lock()
	var pending []*Endpoint
	for _, f := range c.flows {
		for _, ep := range f.Endpoints {
			if ep.Handle != "" && !ep.State.terminal() {
				pending = append(pending, ep)
			}
		}
	}
	c.mu.Unlock()

	for _, ep := range pending {
		if err := ep.Daemon.Client.Stop(ctx, ep.Handle); err != nil {
			log.Warn("stop failed", "daemon", ep.Daemon.Address,
				"handle", ep.Handle, "err", err)
		}
	}
}

// Running returns the endpoints currently in the Running state, paired
// with their flows.
func (c *Controller) Running() []Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Target
	for _, f := range c.flows {
		for _, ep := range f.Endpoints {
			if ep.State == Running {
				out = append(out, Target{Flow: f, Endpoint: ep})
			}
		}
	}
	return out
}

// Target is one running endpoint and its flow.
type Target struct {
	Flow     *Flow
	Endpoint *Endpoint
}

// NotePoll records the outcome of one report poll and returns the number
// of consecutive misses so far. A successful poll resets the counter.
func (c *Controller) NotePoll(ep *Endpoint, missed bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if missed {
		ep.MissedPolls++
	} else {
		ep.MissedPolls = 0
	}
	return ep.MissedPolls
}

// FinishEndpoint moves a running endpoint to Finished with its final
// report.
func (c *Controller) FinishEndpoint(f *Flow, ep *Endpoint, final *model.FinalReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep.State.terminal() {
		return
	}
	ep.State = Finished
	ep.Final = final
	log.Debug("endpoint finished", "flow", f.Index, "endpoint", ep.Role.String())
}

// FailEndpoint moves an endpoint to Error. The peer endpoint is left in
// whatever state it is in.
func (c *Controller) FailEndpoint(f *Flow, ep *Endpoint, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(f, ep, err)
}

func (c *Controller) failLocked(f *Flow, ep *Endpoint, err error) {
	if ep.State.terminal() {
		return
	}
	ep.State = Error
	ep.Err = err
	fbmetrics.EndpointsFailed.Inc()
	log.Error("endpoint failed", "flow", f.Index, "endpoint", ep.Role.String(),
		"daemon", ep.Daemon.Address, "err", err)
}

// AllDone reports whether every endpoint of every flow is terminal.
func (c *Controller) AllDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.flows {
		if !f.Done() {
			return false
		}
	}
	return true
}

// FailedFlows returns the indices of flows with at least one errored
// endpoint.
func (c *Controller) FailedFlows() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for _, f := range c.flows {
		if f.Failed() {
			out = append(out, f.Index)
		}
	}
	return out
}
