// Package registry deduplicates and tracks remote flowbench daemons.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
	"github.com/netmeasure/flowbench/pkg/rpc"
	"github.com/netmeasure/flowbench/pkg/spec"
)

var (
	// ErrUnreachable means the daemon could not be contacted or probed.
	ErrUnreachable = errors.New("daemon unreachable")

	// ErrVersionIncompatible means the daemon's API version is outside the
	// controller's supported range.
	ErrVersionIncompatible = errors.New("daemon API version incompatible")
)

// Daemon is one remote measurement process. Its version and OS fields are
// filled in by the capability probe on first resolution and never mutated
// afterwards.
type Daemon struct {
	// Address is the normalized controller channel address (host:port).
	Address string

	// Hostname is the host part of Address.
	Hostname string

	// APIVersion is the protocol version negotiated with the daemon.
	APIVersion int

	// OSName and OSRelease are as reported by the daemon's probe response.
	OSName    string
	OSRelease string

	// Client is the daemon's open controller channel.
	Client rpc.Client
}

// Registry resolves daemon addresses to Daemon records. Repeat resolutions
// of the same address return the same record and do not re-probe.
type Registry struct {
	dialer  rpc.Dialer
	daemons *ttlcache.Cache[string, *Daemon]
	mu      sync.Mutex
}

// New returns an empty Registry that opens daemon connections with dialer.
func New(dialer rpc.Dialer) *Registry {
	return &Registry{
		dialer:  dialer,
		daemons: ttlcache.New[string, *Daemon](),
	}
}

// Normalize canonicalizes a daemon address: the host is lowercased and the
// default RPC port is appended when no port is given.
func Normalize(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, strconv.Itoa(spec.DefaultRPCPort)
	}
	return net.JoinHostPort(strings.ToLower(host), port)
}

// Resolve returns the Daemon for addr, contacting and probing it on first
// use. A probe or dial failure leaves no record behind, so the whole run
// can abort before any flow is scheduled.
func (r *Registry) Resolve(ctx context.Context, addr string) (*Daemon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr = Normalize(addr)
	if item := r.daemons.Get(addr); item != nil {
		return item.Value(), nil
	}

	client, err := r.dialer.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	probe, err := client.Probe(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	if probe.APIVersion < spec.MinAPIVersion || probe.APIVersion > spec.MaxAPIVersion {
		client.Close()
		return nil, fmt.Errorf("%w: %s speaks version %d, controller supports %d through %d",
			ErrVersionIncompatible, addr, probe.APIVersion,
			spec.MinAPIVersion, spec.MaxAPIVersion)
	}

	host, _, _ := net.SplitHostPort(addr)
	daemon := &Daemon{
		Address:    addr,
		Hostname:   host,
		APIVersion: probe.APIVersion,
		OSName:     probe.OSName,
		OSRelease:  probe.OSRelease,
		Client:     client,
	}
	log.Debug("resolved daemon", "addr", addr, "version", probe.APIVersion,
		"os", probe.OSName)
	r.daemons.Set(addr, daemon, ttlcache.NoTTL)
	return daemon, nil
}

// CloseAll closes every daemon connection. Called at controller exit.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.daemons.Items() {
		item.Value().Client.Close()
	}
	r.daemons.DeleteAll()
}
