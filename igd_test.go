package igd

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hlandau/igd/transport"
	"github.com/hlandau/igd/transport/faketransport"
)

// eventSink collects MappedEvent/MappingError notifications under a mutex,
// since handlers run on the engine's loop goroutine, not the test goroutine.
type eventSink struct {
	mu     sync.Mutex
	mapped []MappedEvent
	errs   []MappingError
}

func newEventSink(e *Engine) *eventSink {
	s := &eventSink{}
	e.OnMapped(func(ev MappedEvent) {
		s.mu.Lock()
		s.mapped = append(s.mapped, ev)
		s.mu.Unlock()
	})
	e.OnError(func(me MappingError) {
		s.mu.Lock()
		s.errs = append(s.errs, me)
		s.mu.Unlock()
	})
	return s
}

func (s *eventSink) mappedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mapped)
}

func (s *eventSink) errCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func (s *eventSink) mappedAt(i int) MappedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapped[i]
}

func (s *eventSink) errAt(i int) MappingError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[i]
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// controlPointFor waits for the engine to have created a control point for
// urn on nc, since that happens asynchronously on the loop goroutine.
func controlPointFor(t *testing.T, nc *faketransport.NetContext, urn string) *faketransport.ControlPoint {
	t.Helper()
	var cp *faketransport.ControlPoint
	require.Eventually(t, func() bool {
		cp = nc.ControlPoint(urn)
		return cp != nil
	}, waitFor, tick)
	return cp
}

// TestHappyPath covers spec §8 scenario 1: a single IGD with a working
// external address accepts one mapping and reports it mapped.
func TestHappyPath(t *testing.T) {
	mgr := faketransport.NewManager()
	e := New(WithTransport(mgr))
	defer e.Close()

	sink := newEventSink(e)

	nc := mgr.AddContext("eth0")
	cp := controlPointFor(t, nc, transport.URNWANIPConnection)

	proxy := faketransport.NewProxy("udn-1")
	proxy.SetExternalIP("203.0.113.9", nil)
	cp.AddProxy(proxy)

	require.NoError(t, e.AddPort(UDP, 6543, "192.168.4.22", 6543, 10*time.Second, "game server"))

	require.Eventually(t, func() bool { return sink.mappedCount() == 1 }, waitFor, tick)
	ev := sink.mappedAt(0)
	require.Equal(t, UDP, ev.Protocol)
	require.Equal(t, "203.0.113.9", ev.ExternalIP)
	require.Nil(t, ev.ReplacesExternalIP)
	require.Equal(t, uint16(6543), ev.ExternalPort)
	require.Equal(t, "192.168.4.22", ev.LocalIP)
	require.Equal(t, uint16(6543), ev.LocalPort)
	require.Equal(t, "game server", ev.Description)
}

// TestExternalIPChange covers spec §8 scenario 2: an evented address change
// re-reports every mapped installer with ReplacesExternalIP set.
func TestExternalIPChange(t *testing.T) {
	mgr := faketransport.NewManager()
	e := New(WithTransport(mgr))
	defer e.Close()

	sink := newEventSink(e)

	nc := mgr.AddContext("eth0")
	cp := controlPointFor(t, nc, transport.URNWANIPConnection)

	proxy := faketransport.NewProxy("udn-1")
	proxy.SetExternalIP("203.0.113.9", nil)
	cp.AddProxy(proxy)

	require.NoError(t, e.AddPort(TCP, 443, "192.168.4.22", 443, 0, ""))
	require.Eventually(t, func() bool { return sink.mappedCount() == 1 }, waitFor, tick)

	proxy.NotifyExternalIPChange("203.0.113.10")

	require.Eventually(t, func() bool { return sink.mappedCount() == 2 }, waitFor, tick)
	ev := sink.mappedAt(1)
	require.Equal(t, "203.0.113.10", ev.ExternalIP)
	require.NotNil(t, ev.ReplacesExternalIP)
	require.Equal(t, "203.0.113.9", *ev.ReplacesExternalIP)
}

// TestConflictRetry covers spec §8 scenario 3: an "any port" request that
// collides retries with a fresh random port instead of failing.
func TestConflictRetry(t *testing.T) {
	mgr := faketransport.NewManager()
	e := New(WithTransport(mgr))
	defer e.Close()

	sink := newEventSink(e)

	nc := mgr.AddContext("eth0")
	cp := controlPointFor(t, nc, transport.URNWANIPConnection)

	proxy := faketransport.NewProxy("udn-1")
	proxy.SetExternalIP("203.0.113.9", nil)

	var mu sync.Mutex
	attempts := 0
	proxy.AddPortMappingHook = func(args map[string]string) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return &transport.Error{Domain: transport.DomainTransport, Code: transport.ConflictInMappingEntry, Message: "ConflictInMappingEntry"}
		}
		return nil
	}
	cp.AddProxy(proxy)

	require.NoError(t, e.AddPort(UDP, 0, "192.168.4.22", 6543, 10*time.Second, ""))

	require.Eventually(t, func() bool { return sink.mappedCount() == 1 }, waitFor, tick)
	require.Equal(t, 0, sink.errCount())

	mu.Lock()
	finalAttempts := attempts
	mu.Unlock()
	require.GreaterOrEqual(t, finalAttempts, 2)

	ev := sink.mappedAt(0)
	require.GreaterOrEqual(t, ev.ExternalPort, uint16(1025))
}

// TestInvalidExternalIP covers spec §8 scenario 4: a router that returns an
// unparseable external address never reports a mapped-external-port event
// and instead reports an External-Address engine error.
func TestInvalidExternalIP(t *testing.T) {
	mgr := faketransport.NewManager()
	e := New(WithTransport(mgr))
	defer e.Close()

	sink := newEventSink(e)

	nc := mgr.AddContext("eth0")
	cp := controlPointFor(t, nc, transport.URNWANIPConnection)

	proxy := faketransport.NewProxy("udn-1")
	proxy.SetExternalIP("not-an-ip", nil)
	cp.AddProxy(proxy)

	// Wait for address discovery to fail before the mapping exists, so the
	// reconciler takes the synthetic-error path rather than racing an
	// AddPortMapping attempt against address failure. All reads of engine
	// state go through post, since e.endpoints is only safe to touch from
	// the loop goroutine.
	require.Eventually(t, func() bool {
		resultCh := make(chan bool, 1)
		e.post(func() {
			ep, ok := e.endpoints[endpointKey{cp: cp, udn: "udn-1"}]
			resultCh <- ok && ep.externalIPFailed
		})
		return <-resultCh
	}, waitFor, tick)

	require.NoError(t, e.AddPort(UDP, 5000, "192.168.4.22", 5000, 0, ""))

	require.Eventually(t, func() bool { return sink.errCount() == 1 }, waitFor, tick)
	require.Equal(t, 0, sink.mappedCount())

	me := sink.errAt(0)
	require.Equal(t, transport.ExternalAddress, me.Kind())
	require.NotEmpty(t, me.Error())
}

// TestDisposeRemoves covers spec §8 scenario 5: Close issues a best-effort
// delete for every mapped installer before returning.
func TestDisposeRemoves(t *testing.T) {
	mgr := faketransport.NewManager()
	e := New(WithTransport(mgr))

	sink := newEventSink(e)

	nc := mgr.AddContext("eth0")
	cp := controlPointFor(t, nc, transport.URNWANIPConnection)

	proxy := faketransport.NewProxy("udn-1")
	proxy.SetExternalIP("203.0.113.9", nil)
	cp.AddProxy(proxy)

	require.NoError(t, e.AddPort(UDP, 6543, "192.168.4.22", 6543, 0, ""))
	require.Eventually(t, func() bool { return sink.mappedCount() == 1 }, waitFor, tick)

	require.NoError(t, e.Close())

	var found bool
	for _, c := range proxy.Calls() {
		if c.Action == "DeletePortMapping" && c.Args["NewExternalPort"] == "6543" {
			found = true
		}
	}
	require.True(t, found, "expected a DeletePortMapping call for port 6543")
}

// TestTwoEndpointsInParallel covers spec §8 scenario 6: one mapping is
// programmed independently onto two live endpoints.
func TestTwoEndpointsInParallel(t *testing.T) {
	mgr := faketransport.NewManager()
	e := New(WithTransport(mgr))
	defer e.Close()

	sink := newEventSink(e)

	nc := mgr.AddContext("eth0")
	cp := controlPointFor(t, nc, transport.URNWANIPConnection)

	proxyA := faketransport.NewProxy("udn-a")
	proxyA.SetExternalIP("203.0.113.9", nil)
	proxyB := faketransport.NewProxy("udn-b")
	proxyB.SetExternalIP("203.0.113.10", nil)
	cp.AddProxy(proxyA)
	cp.AddProxy(proxyB)

	require.NoError(t, e.AddPort(TCP, 7000, "192.168.4.22", 7000, 0, ""))

	require.Eventually(t, func() bool { return sink.mappedCount() == 2 }, waitFor, tick)

	ips := map[string]bool{}
	for i := 0; i < 2; i++ {
		ips[sink.mappedAt(i).ExternalIP] = true
	}
	require.True(t, ips["203.0.113.9"])
	require.True(t, ips["203.0.113.10"])
}

// TestRemovePortLocal covers spec §8 scenario 7: removal keyed by
// (protocol, localIP, localPort) tears the installer down the same as
// RemovePort.
func TestRemovePortLocal(t *testing.T) {
	mgr := faketransport.NewManager()
	e := New(WithTransport(mgr))
	defer e.Close()

	sink := newEventSink(e)

	nc := mgr.AddContext("eth0")
	cp := controlPointFor(t, nc, transport.URNWANIPConnection)

	proxy := faketransport.NewProxy("udn-1")
	proxy.SetExternalIP("203.0.113.9", nil)
	cp.AddProxy(proxy)

	require.NoError(t, e.AddPort(UDP, 6543, "192.168.4.22", 6543, 0, ""))
	require.Eventually(t, func() bool { return sink.mappedCount() == 1 }, waitFor, tick)

	e.RemovePortLocal(UDP, "192.168.4.22", 6543)

	require.Eventually(t, func() bool {
		for _, c := range proxy.Calls() {
			if c.Action == "DeletePortMapping" {
				return true
			}
		}
		return false
	}, waitFor, tick)
}
