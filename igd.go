// Package igd maps ports on local UPnP-capable Internet Gateway Devices so
// that an application on a private LAN can receive unsolicited inbound
// connections from the public Internet.
//
// Call New to start an engine, then AddPort to request a mapping. The
// engine discovers every reachable IGD on every suitable network interface,
// installs the mapping on each, renews it before its lease expires, and
// reports success or per-router failure through OnMapped/OnError. Call
// Close to tear the engine down; Close blocks until every best-effort
// delete it issues has either completed or been abandoned.
//
// Discovery and SOAP transport are supplied by the transport package; the
// default, returned when no transport.ContextManager is supplied via
// WithTransport, is transport/live, which speaks real SSDP and UPnP SOAP.
// Tests drive the engine against transport/faketransport instead.
package igd

import (
	"context"
	"sync"
	"time"

	"github.com/hlandau/igd/transport"
	"github.com/hlandau/igd/transport/live"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("igd")

// DefaultRequestTimeout is the SOAP request timeout the engine sets on
// every discovered network context, per spec §6 ("5 s").
const DefaultRequestTimeout = 5 * time.Second

// Engine is the mapping lifecycle engine described by the package doc. All
// of its exported methods are safe to call from any goroutine; internally,
// every mutation is serialized onto a single loop goroutine (spec §5).
type Engine struct {
	registry  *registry
	endpoints map[endpointKey]*Endpoint

	mappedHandlers []MappedHandler
	errorHandlers  []ErrorHandler
	contextFilter  ContextFilter

	transportMgr   transport.ContextManager
	requestTimeout time.Duration

	controlPoints   []transport.ControlPoint
	cancelDiscovery context.CancelFunc

	deletingCount int
	tearingDown   bool
	finalized     bool

	loopChan  chan func()
	loopDone  chan struct{}
	closedCh  chan struct{}
	closeOnce sync.Once
}

// Option configures an Engine at construction time (spec §10.3: in-process
// configuration, not the file/env surface the spec's Non-goals exclude).
type Option func(*Engine)

// WithTransport overrides the transport.ContextManager used for discovery.
// Tests use this to wire in transport/faketransport.
func WithTransport(tm transport.ContextManager) Option {
	return func(e *Engine) { e.transportMgr = tm }
}

// WithRequestTimeout overrides the default 5s SOAP request timeout (spec
// §6).
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) { e.requestTimeout = d }
}

// WithContextFilter installs the "context-available" veto callback (spec
// §4.6): a true return means "ignore this context". It runs synchronously,
// on the loop goroutine, before any control point is created for that
// context.
func WithContextFilter(f ContextFilter) Option {
	return func(e *Engine) { e.contextFilter = f }
}

// New creates and starts an Engine. Discovery begins immediately in the
// background; AddPort may be called before any IGD has actually been
// found — the reconciler will program it onto endpoints as they appear.
func New(opts ...Option) *Engine {
	e := &Engine{
		registry:       &registry{},
		endpoints:      map[endpointKey]*Endpoint{},
		requestTimeout: DefaultRequestTimeout,
		loopChan:       make(chan func(), 64),
		loopDone:       make(chan struct{}),
		closedCh:       make(chan struct{}),
	}

	for _, o := range opts {
		o(e)
	}

	if e.transportMgr == nil {
		e.transportMgr = live.NewManager()
	}

	go e.run()
	e.post(func() { e.startDiscovery() })

	return e
}

// callAsync invokes a transport action on a dedicated goroutine (since
// proxy.CallAction may block on the network) and marshals its completion
// back onto the loop. The returned CancelFunc aborts the in-flight call;
// per spec §4.4/§5, a cancelled completion must never be reported as an
// error, and handleInstallResult/handleRenewResult/issueDelete's callbacks
// all special-case context.Canceled accordingly.
func (e *Engine) callAsync(proxy transport.ServiceProxy, name string, args map[string]string, cb func(map[string]string, error)) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		res, err := proxy.CallAction(ctx, name, args)
		e.post(func() { cb(res, err) })
	}()
	return cancel
}

// startDiscovery wires up component C2: it subscribes to the transport's
// context manager and, for every non-vetoed context, activates a control
// point for each of the two WAN connection service types (spec §4.2).
func (e *Engine) startDiscovery() {
	discCtx, cancel := context.WithCancel(context.Background())
	e.cancelDiscovery = cancel

	ch := e.transportMgr.Contexts(discCtx)
	go func() {
		for {
			select {
			case nc, ok := <-ch:
				if !ok {
					return
				}
				nc := nc
				e.post(func() { e.handleNetContext(nc) })
			case <-discCtx.Done():
				return
			}
		}
	}()
}

func (e *Engine) handleNetContext(nc transport.NetContext) {
	// The engine emits context-available upward first; a true return
	// vetoes the context (spec §4.2, §4.6).
	if e.contextFilter != nil && e.contextFilter(nc.Name()) {
		log.Debugf("igd: context %s vetoed by filter", nc.Name())
		return
	}

	nc.SetRequestTimeout(e.requestTimeout.Milliseconds())

	for _, urn := range []string{transport.URNWANIPConnection, transport.URNWANPPPConnection} {
		cp := nc.NewControlPoint(urn)
		e.controlPoints = append(e.controlPoints, cp)

		events := cp.Events()
		go func() {
			for ev := range events {
				ev := ev
				e.post(func() { e.handleProxyEvent(cp, nc, ev) })
			}
		}()

		if err := cp.Activate(); err != nil {
			log.Warnf("igd: failed to activate control point for %s on %s: %v", urn, nc.Name(), err)
		}
	}
}

func (e *Engine) handleProxyEvent(cp transport.ControlPoint, nc transport.NetContext, ev transport.ProxyEvent) {
	switch ev.Kind {
	case transport.ProxyAvailable:
		if e.registry.noNewMappings {
			return
		}
		ep := newEndpoint(cp, ev.Proxy, nc.Name())
		e.onEndpointAdded(ep)

	case transport.ProxyUnavailable:
		key := endpointKey{cp: cp, udn: ev.Proxy.UDN()}
		if ep, ok := e.endpoints[key]; ok {
			e.onEndpointRemoved(ep)
		}
	}
}

// AddPort requests a new port mapping (spec §4.1, §6). It validates its
// arguments and, on success, programs the mapping onto every currently
// live Endpoint; future Endpoints pick it up automatically via the
// reconciler (spec §4.5).
func (e *Engine) AddPort(protocol Protocol, externalPort uint16, localIP string, localPort uint16, leaseDuration time.Duration, description string) error {
	errCh := make(chan error, 1)
	if !e.post(func() {
		m, err := e.registry.addPort(protocol, externalPort, localIP, localPort, leaseDuration, description)
		if err == nil {
			e.onMappingAdded(m)
		}
		errCh <- err
	}) {
		return ErrClosed
	}
	return <-errCh
}

// RemovePort removes the first Mapping matching (protocol, externalPort);
// best-effort, a no-op if none match (spec §4.1, §6).
func (e *Engine) RemovePort(protocol Protocol, externalPort uint16) {
	done := make(chan struct{})
	if !e.post(func() {
		if m := e.registry.removePort(protocol, externalPort); m != nil {
			e.onMappingRemoved(m)
		}
		close(done)
	}) {
		return
	}
	<-done
}

// RemovePortLocal removes the first Mapping matching (protocol, localIP,
// localPort); best-effort, a no-op if none match (spec §4.1, §6).
func (e *Engine) RemovePortLocal(protocol Protocol, localIP string, localPort uint16) {
	done := make(chan struct{})
	if !e.post(func() {
		if m := e.registry.removePortLocal(protocol, localIP, localPort); m != nil {
			e.onMappingRemoved(m)
		}
		close(done)
	}) {
		return
	}
	<-done
}

// DeleteAllMappings sets the sticky no-new-mappings flag and removes every
// Mapping, returning true iff no deletion RPC was left outstanding as a
// result (spec §4.1, §6). It does not otherwise tear the engine down — use
// Close for that.
func (e *Engine) DeleteAllMappings() bool {
	resultCh := make(chan bool, 1)
	if !e.post(func() {
		removed := e.registry.deleteAll()
		for _, m := range removed {
			e.onMappingRemoved(m)
		}
		resultCh <- e.deletingCount == 0
	}) {
		return true
	}
	return <-resultCh
}
