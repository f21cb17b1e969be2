// The flowbench-daemon command runs the measurement daemon. A controller
// connects over WebSocket, prepares flow endpoints on this host and polls
// their interval reports while test traffic runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/netmeasure/flowbench/internal/daemon"
	"github.com/netmeasure/flowbench/pkg/spec"
)

var (
	flagListen  = flag.String("addr", fmt.Sprintf(":%d", spec.DefaultRPCPort), "Listen address/port for controller connections")
	flagVerbose = flag.Bool("verbose", false, "Enable debug logging")

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "failed to read args from env")

	log.SetReportTimestamp(true)
	if *flagVerbose {
		log.SetReportCaller(true)
		log.SetLevel(log.DebugLevel)
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	mux := http.NewServeMux()
	mux.HandleFunc(spec.RPCPath, daemon.New().Handler)
	srv := &http.Server{
		Addr:    *flagListen,
		Handler: mux,
		// Bound how long a middlebox can hold an idle controller channel.
		ReadHeaderTimeout: time.Minute,
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	go func() {
		log.Info("About to listen for controller connections", "endpoint", *flagListen)
		err := srv.ListenAndServe()
		if err != http.ErrServerClosed {
			rtx.Must(err, "could not start daemon server")
		}
	}()

	<-ctx.Done()
	srv.Close()
}
