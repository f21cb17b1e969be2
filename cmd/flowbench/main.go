// The flowbench command is the measurement controller. It resolves flow
// option directives, schedules flows on remote daemons, collects their
// interval reports and renders the report table.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/netmeasure/flowbench/internal/collector"
	"github.com/netmeasure/flowbench/internal/flowctrl"
	"github.com/netmeasure/flowbench/internal/registry"
	"github.com/netmeasure/flowbench/internal/render"
	"github.com/netmeasure/flowbench/internal/settings"
	"github.com/netmeasure/flowbench/internal/stats"
	"github.com/netmeasure/flowbench/pkg/rpc"
	"github.com/netmeasure/flowbench/pkg/spec"
)

// startGrace is how far in the future the common start time is placed, so
// every start directive reaches its daemon before the flows begin.
const startGrace = 200 * time.Millisecond

var (
	flagNumFlows    = flag.Int("n", 1, "Number of test flows")
	flagInterval    = flag.Float64("i", spec.DefaultReportInterval.Seconds(), "Reporting interval in seconds")
	flagQuiet       = flag.Bool("q", false, "Suppress the report table on stdout")
	flagBinary      = flag.Bool("m", false, "Report throughput in 2**20 bytes/s instead of Mbit/s")
	flagNumericCA   = flag.Bool("p", false, "Report the TCP congestion-avoidance state numerically")
	flagColumns     = flag.String("c", "", "Toggle report column groups, e.g. +delay,-kernel")
	flagStats       = flag.String("b", "", "Goodness-of-fit test over a flow's inter-departure times: INDEX[,LOWER:UPPER,LOWER:UPPER,LOWER:UPPER]")
	flagWriteLog    = flag.Bool("w", false, "Duplicate the report table to a log file")
	flagLogName     = flag.String("l", "", "Log file name (implies -w)")
	flagLogPrefix   = flag.String("e", "", "Log file name prefix (implies -w)")
	flagClobber     = flag.Bool("o", false, "Overwrite an existing log file")
	flagMissedPolls = flag.Int("max-missed-polls", spec.DefaultMaxMissedPolls, "Consecutive failed report polls before an endpoint is declared failed")
	flagVerbose     = flag.Bool("v", false, "Enable debug logging")

	directives settings.DirectiveList
)

func init() {
	flag.Var(directives.Flag(settings.OptFilter), "F", "Apply subsequent flow options to these flow indices only, e.g. 0,2")
	flag.Var(directives.Flag(settings.OptHost), "H", "Endpoint daemon: x=HOST[/RPCADDR[:PORT][/REPLYADDR]] with x one of s, d, b")
	flag.Var(directives.Flag(settings.OptRate), "R", "Rate limit: x=#[z|k|M|G][b|B][p|P]")
	flag.Var(directives.Flag(settings.OptBlockSize), "S", "Block size in bytes: x=#")
	flag.Var(directives.Flag(settings.OptDuration), "T", "Write duration in seconds: x=#.#")
	flag.Var(directives.Flag(settings.OptSendBuffer), "B", "Requested send buffer in bytes: x=#")
	flag.Var(directives.Flag(settings.OptReceiveBuffer), "W", "Requested receive buffer in bytes: x=#")
	flag.Var(directives.Flag(settings.OptDelay), "Y", "Start delay in seconds: x=#.#")
	flag.Var(directives.Flag(settings.OptDSCP), "D", "DiffServ codepoint: x=# (0-63)")
	flag.Var(directives.Flag(settings.OptSockOpt), "O", "Socket option: x=NAME[=VALUE]")
	flag.Var(directives.Flag(settings.OptLateConnect), "L", "Connect at start time instead of during prepare")
	flag.Var(directives.Flag(settings.OptShutdown), "N", "Shut down the write direction when the duration elapses")
	flag.Var(directives.Flag(settings.OptByteCounting), "E", "Enumerate payload bytes instead of sending zeros")
	flag.Var(directives.Flag(settings.OptCavoidStop), "C", "Stop the flow when the kernel leaves congestion avoidance")
	flag.Var(directives.Flag(settings.OptPushy), "P", "Keep the send queue full instead of yielding between writes")
	flag.Var(directives.Flag(settings.OptSeed), "J", "Random seed for stochastic traffic shapes")
	flag.Var(directives.Flag(settings.OptSummarizeOnly), "Q", "Suppress interval rows for the flow, summary only")
	flag.Var(directives.Flag(settings.OptUDP), "U", "Use UDP instead of TCP for the flow")
}

func usageError(err error) {
	fmt.Fprintln(os.Stderr, "flowbench:", err)
	os.Exit(2)
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "failed to read args from env")

	log.SetReportTimestamp(true)
	if *flagVerbose {
		log.SetLevel(log.DebugLevel)
	}

	flows, err := settings.Resolve(*flagNumFlows, directives)
	if err != nil {
		usageError(err)
	}
	if *flagInterval <= 0 {
		usageError(fmt.Errorf("reporting interval must be positive, got %v", *flagInterval))
	}
	// Every endpoint measures on the controller's reporting interval.
	reportInterval := time.Duration(*flagInterval * float64(time.Second))
	for i := range flows {
		for e := range flows[i].Endpoints {
			flows[i].Endpoints[e].Settings.ReportInterval = reportInterval
		}
	}

	var statsCfg *stats.Config
	if *flagStats != "" {
		cfg, err := stats.ParseConfig(*flagStats)
		if err != nil {
			usageError(err)
		}
		if cfg.FlowIndex >= len(flows) {
			usageError(fmt.Errorf("flow %d designated for the goodness-of-fit test does not exist", cfg.FlowIndex))
		}
		flows[cfg.FlowIndex].Endpoints[spec.Source].Settings.CollectDepartures = true
		statsCfg = &cfg
	}

	var writers []io.Writer
	if !*flagQuiet {
		writers = append(writers, os.Stdout)
	}
	if *flagWriteLog || *flagLogName != "" || *flagLogPrefix != "" {
		name := *flagLogName
		if name == "" {
			name = render.LogFileName(*flagLogPrefix, time.Now())
		}
		fp, err := render.OpenLogFile(name, *flagClobber)
		if err != nil {
			log.Error("cannot open log file", "err", err)
			os.Exit(1)
		}
		defer fp.Close()
		log.Info("writing report table", "file", name)
		writers = append(writers, fp)
	}

	renderer := render.New(render.Options{
		BinaryUnits:    *flagBinary,
		NumericCAState: *flagNumericCA,
	}, writers...)
	if *flagColumns != "" {
		if err := renderer.ConfigureGroups(*flagColumns); err != nil {
			usageError(err)
		}
	}

	reg := registry.New(&rpc.WebsocketDialer{})
	defer reg.CloseAll()
	ctrl := flowctrl.New(reg, flows)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Warn("interrupted, stopping all flows")
		ctrl.StopAll(context.Background())
		cancel()
	}()

	if err := ctrl.ResolveDaemons(ctx); err != nil {
		log.Error("cannot resolve daemons", "err", err)
		os.Exit(1)
	}
	ctrl.PrepareAll(ctx)
	ctrl.StartAll(ctx, time.Now().Add(startGrace))

	coll := collector.New(ctrl, renderer, collector.Config{
		Interval:       reportInterval,
		MaxMissedPolls: *flagMissedPolls,
	})
	if err := coll.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("collection failed", "err", err)
		os.Exit(1)
	}

	if statsCfg != nil {
		runStats(ctrl, *statsCfg, writers)
	}

	if failed := ctrl.FailedFlows(); len(failed) > 0 {
		log.Error("run completed with failed flows", "flows", failed)
		os.Exit(3)
	}
}

// runStats evaluates the post-hoc goodness-of-fit test over the designated
// flow's source inter-departure times.
func runStats(ctrl *flowctrl.Controller, cfg stats.Config, writers []io.Writer) {
	src := ctrl.Flows()[cfg.FlowIndex].Source()
	if src.Final == nil {
		log.Warn("no final report for the flow under test, skipping goodness-of-fit test",
			"flow", cfg.FlowIndex)
		return
	}
	samples := stats.InterDepartures(src.Final.DepartureTimes)

	// With a rate-limited source the reference mean is known exactly;
	// otherwise it is estimated from the samples.
	mean := 0.0
	set := src.Spec.Settings
	if set.Rate != nil {
		mean = 1 / set.Rate.BlocksPerSecond(set.BlockSize)
	}
	verdict, err := stats.Evaluate(cfg, samples, mean)
	if err != nil {
		log.Warn("goodness-of-fit test not applicable", "flow", cfg.FlowIndex, "err", err)
		return
	}
	for _, w := range writers {
		fmt.Fprintf(w, "flow %d inter-departure times: %s\n", cfg.FlowIndex, verdict)
	}
}
