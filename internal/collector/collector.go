// Package collector polls interval reports from running endpoints, pairs
// the two sides of each flow, and forwards merged rows to the renderer.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/m-lab/go/memoryless"
	"github.com/netmeasure/flowbench/internal/fbmetrics"
	"github.com/netmeasure/flowbench/internal/flowctrl"
	"github.com/netmeasure/flowbench/internal/render"
	"github.com/netmeasure/flowbench/pkg/model"
	"github.com/netmeasure/flowbench/pkg/spec"
)

// Config configures one collection run.
type Config struct {
	// Interval is the global reporting interval. Defaults to
	// spec.DefaultReportInterval.
	Interval time.Duration

	// MaxMissedPolls is how many consecutive failed polls terminate an
	// endpoint. Defaults to spec.DefaultMaxMissedPolls.
	MaxMissedPolls int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = spec.DefaultReportInterval
	}
	if c.MaxMissedPolls <= 0 {
		c.MaxMissedPolls = spec.DefaultMaxMissedPolls
	}
	return c
}

// Collector drives the reporting loop over a Controller's flows.
type Collector struct {
	ctrl     *flowctrl.Controller
	renderer *render.Renderer
	cfg      Config
}

// New returns a Collector reporting ctrl's flows through renderer.
func New(ctrl *flowctrl.Controller, renderer *render.Renderer, cfg Config) *Collector {
	return &Collector{ctrl: ctrl, renderer: renderer, cfg: cfg.withDefaults()}
}

// Run polls and renders until every endpoint is terminal or the context is
// canceled. The poll ticker jitters around the configured interval so
// several controllers sharing a daemon do not synchronize their polls.
func (c *Collector) Run(ctx context.Context) error {
	t, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      c.cfg.Interval * 9 / 10,
		Expected: c.cfg.Interval,
		Max:      c.cfg.Interval * 11 / 10,
	})
	if err != nil {
		return err
	}
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.Collect(ctx)
			if c.ctrl.AllDone() {
				return nil
			}
		}
	}
}

// Collect performs one collection pass: poll every running endpoint, pair
// reports per flow, and emit rows. Exported so tests can step the loop
// without the timer.
func (c *Collector) Collect(ctx context.Context) {
	flows := c.ctrl.Flows()
	reports := make([][2]*model.IntervalReport, len(flows))

	for _, target := range c.ctrl.Running() {
		f, ep := target.Flow, target.Endpoint
		rep, finished, err := ep.Daemon.Client.PollReport(ctx, ep.Handle)
		if err != nil {
			// A failed poll leaves this side's fields blank for the
			// interval. Enough consecutive failures terminate the endpoint;
			// its peer keeps running.
			fbmetrics.PollsMissed.Inc()
			if missed := c.ctrl.NotePoll(ep, true); missed >= c.cfg.MaxMissedPolls {
				c.ctrl.FailEndpoint(f, ep, fmt.Errorf("%d consecutive failed report polls: %w",
					missed, err))
			}
			continue
		}
		c.ctrl.NotePoll(ep, false)
		if rep != nil {
			fbmetrics.ReportsCollected.Inc()
			reports[f.Index][ep.Role] = rep
		}
		if finished {
			c.finish(ctx, f, ep)
		}
	}

	for _, f := range flows {
		if f.Spec.SummarizeOnly {
			continue
		}
		pair := reports[f.Index]
		if pair[spec.Source] == nil && pair[spec.Destination] == nil {
			continue
		}
		c.renderer.RenderRow([]render.Line{
			{ID: lineID(f, spec.Source), Report: pair[spec.Source]},
			{ID: lineID(f, spec.Destination), Report: pair[spec.Destination]},
		})
	}
}

// finish fetches the endpoint's final report and emits its summary row.
func (c *Collector) finish(ctx context.Context, f *flowctrl.Flow, ep *flowctrl.Endpoint) {
	final, err := ep.Daemon.Client.FinalReport(ctx, ep.Handle)
	if err != nil {
		c.ctrl.FailEndpoint(f, ep, fmt.Errorf("final report: %w", err))
		return
	}
	c.ctrl.FinishEndpoint(f, ep, final)
	c.renderer.RenderSummary(lineID(f, ep.Role), final)
}

func lineID(f *flowctrl.Flow, role spec.Endpoint) string {
	if role == spec.Source {
		return fmt.Sprintf("S%d", f.Index)
	}
	return fmt.Sprintf("D%d", f.Index)
}
