// Package fbmetrics defines the Prometheus metrics shared by the flowbench
// controller and daemon.
package fbmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCFailures counts failed calls on the controller channel, by method.
	RPCFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowbench_rpc_failures_total",
			Help: "Failed controller-channel RPCs.",
		},
		[]string{"method"},
	)

	// ReportsCollected counts interval reports received from endpoints.
	ReportsCollected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowbench_reports_collected_total",
			Help: "Interval reports received from endpoints.",
		},
	)

	// PollsMissed counts report polls that failed. A successful poll with
	// no queued report is not a miss.
	PollsMissed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowbench_polls_missed_total",
			Help: "Report polls that failed.",
		},
	)

	// EndpointsFailed counts endpoints that entered the error state.
	EndpointsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowbench_endpoints_failed_total",
			Help: "Endpoints terminated by an error.",
		},
	)

	// DaemonBytesSent counts payload bytes written by daemon endpoints.
	DaemonBytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowbench_daemon_bytes_sent_total",
			Help: "Payload bytes written by daemon endpoints.",
		},
	)
)
