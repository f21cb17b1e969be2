// Package daemon implements the measurement daemon: the remote half of
// the controller channel. It allocates flow endpoints, moves test
// traffic, snapshots kernel TCP state and queues interval reports for the
// controller to poll.
package daemon

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
	"github.com/netmeasure/flowbench/internal/netx"
	"github.com/netmeasure/flowbench/pkg/rpc"
	"github.com/netmeasure/flowbench/pkg/spec"
)

// sessionTTL bounds how long an abandoned endpoint survives without any
// controller activity before its resources are reclaimed.
const sessionTTL = time.Hour

// Daemon serves the controller channel and owns all endpoint sessions.
type Daemon struct {
	sessions *ttlcache.Cache[string, *session]
}

// New returns a Daemon with an empty session table.
func New() *Daemon {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *session](sessionTTL),
	)
	cache.OnEviction(func(ctx context.Context,
		er ttlcache.EvictionReason,
		i *ttlcache.Item[string, *session]) {
		log.Debug("evicting session", "handle", i.Key(), "reason", er)
		i.Value().teardown()
	})
	go cache.Start()
	return &Daemon{sessions: cache}
}

// Handler upgrades requests on the controller channel and serves RPCs on
// the resulting WebSocket until the controller disconnects.
func (d *Daemon) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := rpc.Upgrade(w, r)
	if err != nil {
		log.Info("websocket upgrade failed", "client", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()
	log.Info("controller connected", "client", r.RemoteAddr)

	for {
		var req rpc.Request
		if err := conn.ReadJSON(&req); err != nil {
			log.Info("controller disconnected", "client", r.RemoteAddr, "err", err)
			return
		}
		resp := d.dispatch(r.Context(), &req)
		resp.ID = req.ID
		if err := conn.WriteJSON(resp); err != nil {
			log.Info("write to controller failed", "client", r.RemoteAddr, "err", err)
			return
		}
	}
}

func (d *Daemon) dispatch(ctx context.Context, req *rpc.Request) *rpc.Response {
	switch req.Method {
	case rpc.MethodProbe:
		return &rpc.Response{Probe: &rpc.ProbeResult{
			APIVersion: spec.MaxAPIVersion,
			OSName:     runtime.GOOS,
			OSRelease:  netx.OSRelease(),
		}}
	case rpc.MethodPrepare:
		if req.Prepare == nil {
			return &rpc.Response{Error: "prepare request missing settings"}
		}
		return d.prepare(req.Prepare)
	}

	item := d.sessions.Get(req.Handle)
	if item == nil {
		return &rpc.Response{Error: "unknown endpoint handle " + req.Handle}
	}
	s := item.Value()

	switch req.Method {
	case rpc.MethodStart:
		if err := s.start(req.StartTime); err != nil {
			return &rpc.Response{Error: err.Error()}
		}
		return &rpc.Response{}
	case rpc.MethodStop:
		s.stop()
		return &rpc.Response{}
	case rpc.MethodPollReport:
		report, finished := s.poll()
		return &rpc.Response{Report: report, Finished: finished}
	case rpc.MethodFinalReport:
		final, err := s.finalReport()
		if err != nil {
			return &rpc.Response{Error: err.Error()}
		}
		return &rpc.Response{Final: final}
	default:
		return &rpc.Response{Error: "unknown method " + req.Method}
	}
}

func (d *Daemon) prepare(req *rpc.PrepareRequest) *rpc.Response {
	s, err := newSession(req)
	if err != nil {
		return &rpc.Response{Error: err.Error()}
	}
	d.sessions.Set(s.handle, s, ttlcache.DefaultTTL)
	log.Info("endpoint prepared", "handle", s.handle, "flow", req.FlowUUID,
		"endpoint", req.Endpoint.String(), "proto", req.Protocol)
	return &rpc.Response{Prepare: &rpc.PrepareResult{
		EndpointHandle:         s.handle,
		DataAddress:            s.dataAddress,
		EffectiveSendBuffer:    s.sndbuf,
		EffectiveReceiveBuffer: s.rcvbuf,
	}}
}
