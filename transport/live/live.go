// Package live is the default transport.ContextManager: it speaks real SSDP
// discovery and UPnP SOAP over the network (spec §1 "IGD transport
// library"). It is built on github.com/huin/goupnp for device description
// and action invocation, on the teacher package's own SSDP wire-format
// handling (adapted into ./ssdp), and on the teacher's default-gateway
// detection (package gateway) to gate discovery to hosts that actually have
// a route to the outside world.
package live

import (
	"context"
	"net"
	"time"

	denet "github.com/hlandau/degoutils/net"
	"github.com/hlandau/igd/gateway"
	"github.com/hlandau/igd/transport"
	"github.com/hlandau/igd/transport/live/ssdp"
)

// rescanBackoff governs how often the manager re-scans net.Interfaces() for
// newly usable interfaces: it backs off while nothing changes and resets the
// moment a new interface appears, the same retry/backoff shape the teacher
// package applies to its NAT-PMP/UPnP mapping loop (denet.RetryConfig,
// grounded on hlandau/degoutils/net). Interfaces are never "un-discovered" by
// this loop — once usable, a context stays live until the engine tears down
// (matching spec §4.2's "per usable interface" framing, which does not
// describe interfaces disappearing mid-run).
func newRescanBackoff() denet.RetryConfig {
	return denet.RetryConfig{
		InitialDelay:       2000,
		MaxDelay:           30000,
		MaxDelayAfterTries: 6,
	}
}

// Manager is the default transport.ContextManager.
type Manager struct{}

func NewManager() *Manager { return &Manager{} }

func (m *Manager) Contexts(ctx context.Context) <-chan transport.NetContext {
	out := make(chan transport.NetContext, 4)
	go m.loop(ctx, out)
	return out
}

func (m *Manager) loop(ctx context.Context, out chan<- transport.NetContext) {
	defer close(out)

	seen := map[string]bool{}
	backoff := newRescanBackoff()
	// emit reports whether it found at least one newly usable interface, and
	// whether the caller should keep looping.
	emit := func() (found, ok bool) {
		if _, err := gateway.GetIPs(); err != nil {
			// No default route at all: nothing is "usable" yet.
			return false, true
		}
		ifaces, err := net.Interfaces()
		if err != nil {
			return false, true
		}
		for _, iface := range ifaces {
			if seen[iface.Name] || !usable(iface) {
				continue
			}
			seen[iface.Name] = true
			found = true
			select {
			case out <- newNetContext(iface.Name):
			case <-ctx.Done():
				return found, false
			}
		}
		return found, true
	}

	for {
		found, ok := emit()
		if !ok {
			return
		}
		if found {
			backoff.Reset()
		}

		delay := time.Duration(backoff.GetStepDelay()) * time.Millisecond
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func usable(iface net.Interface) bool {
	if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
		return false
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLinkLocalUnicast() {
			return true
		}
	}
	return false
}

// netContext is the default transport.NetContext.
type netContext struct {
	name      string
	timeoutMs int64
}

func newNetContext(name string) *netContext {
	return &netContext{name: name, timeoutMs: 5000}
}

func (nc *netContext) Name() string { return nc.name }

func (nc *netContext) SetRequestTimeout(ms int64) { nc.timeoutMs = ms }

func (nc *netContext) NewControlPoint(urn string) transport.ControlPoint {
	return ssdp.NewControlPoint(urn, time.Duration(nc.timeoutMs)*time.Millisecond)
}
