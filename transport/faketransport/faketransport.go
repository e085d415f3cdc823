// Package faketransport implements transport.ContextManager et al. entirely
// in memory, replaying scripted responses instead of speaking SSDP/SOAP on
// the wire. It is the "fake IGD" the end-to-end scenarios in spec §8 are
// written against.
package faketransport

import (
	"context"
	"sync"

	"github.com/hlandau/igd/transport"
)

// Manager is a scriptable transport.ContextManager. Call AddContext to make
// a new NetContext available to the engine under test.
type Manager struct {
	mu       sync.Mutex
	ch       chan transport.NetContext
	contexts []*NetContext
}

func NewManager() *Manager {
	return &Manager{ch: make(chan transport.NetContext, 8)}
}

// Contexts returns the channel AddContext delivers on. The channel is never
// closed, not even when ctx is done.
func (m *Manager) Contexts(ctx context.Context) <-chan transport.NetContext {
	return m.ch
}

// AddContext synthesizes one new usable network context and delivers it to
// the engine's Contexts() channel.
func (m *Manager) AddContext(name string) *NetContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	nc := &NetContext{name: name, cps: map[string]*ControlPoint{}}
	m.contexts = append(m.contexts, nc)
	m.ch <- nc
	return nc
}

// NetContext is a fake transport.NetContext. Test code reaches into it via
// ControlPoint(urn) to push proxies onto a specific service URN.
type NetContext struct {
	name    string
	mu      sync.Mutex
	cps     map[string]*ControlPoint
	timeout int64
}

func (nc *NetContext) Name() string { return nc.name }

func (nc *NetContext) NewControlPoint(urn string) transport.ControlPoint {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	cp := &ControlPoint{urn: urn, ch: make(chan transport.ProxyEvent, 8)}
	nc.cps[urn] = cp
	return cp
}

func (nc *NetContext) SetRequestTimeout(d int64) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.timeout = d
}

// ControlPoint returns the control point previously created for urn (the
// engine always creates exactly one per NetContext per URN, per spec §4.2),
// so tests can push proxies onto it with AddProxy.
func (nc *NetContext) ControlPoint(urn string) *ControlPoint {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.cps[urn]
}

// ControlPoint is a fake transport.ControlPoint.
type ControlPoint struct {
	urn       string
	mu        sync.Mutex
	activated bool
	ch        chan transport.ProxyEvent
	closed    bool
}

func (cp *ControlPoint) Activate() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.activated = true
	return nil
}

func (cp *ControlPoint) Events() <-chan transport.ProxyEvent { return cp.ch }

func (cp *ControlPoint) Close() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if !cp.closed {
		cp.closed = true
		close(cp.ch)
	}
}

// AddProxy makes a new service proxy available on this control point.
func (cp *ControlPoint) AddProxy(p *Proxy) {
	cp.ch <- transport.ProxyEvent{Kind: transport.ProxyAvailable, Proxy: p}
}

// RemoveProxy signals that a previously available proxy has gone away.
func (cp *ControlPoint) RemoveProxy(p *Proxy) {
	cp.ch <- transport.ProxyEvent{Kind: transport.ProxyUnavailable, Proxy: p}
}

// Proxy is a fake transport.ServiceProxy whose behavior is entirely
// test-scripted.
type Proxy struct {
	mu  sync.Mutex
	udn string

	externalIP    string
	externalIPErr error

	// AddPortMappingHook is invoked for every AddPortMapping call; it may
	// inspect/mutate nothing but its return value decides success/failure.
	// Returning a *transport.Error with Code 718 triggers the engine's
	// conflict-retry path (spec §4.4).
	AddPortMappingHook    func(args map[string]string) error
	DeletePortMappingHook func(args map[string]string) error

	notifyMu sync.Mutex
	notifyCb func(string)

	calls []Call
}

// Call records one invocation for test assertions.
type Call struct {
	Action string
	Args   map[string]string
}

func NewProxy(udn string) *Proxy {
	return &Proxy{udn: udn}
}

// SetExternalIP scripts the response to GetExternalIPAddress. Pass err
// non-nil to simulate an address-discovery failure (spec §4.3).
func (p *Proxy) SetExternalIP(ip string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.externalIP = ip
	p.externalIPErr = err
}

// NotifyExternalIPChange simulates an evented ExternalIPAddress change
// (spec §4.3 "On evented change while Acquired").
func (p *Proxy) NotifyExternalIPChange(ip string) {
	p.notifyMu.Lock()
	cb := p.notifyCb
	p.notifyMu.Unlock()
	if cb != nil {
		cb(ip)
	}
}

func (p *Proxy) UDN() string { return p.udn }

func (p *Proxy) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *Proxy) CallAction(ctx context.Context, name string, args map[string]string) (map[string]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p.mu.Lock()
	p.calls = append(p.calls, Call{Action: name, Args: args})
	p.mu.Unlock()

	switch name {
	case "GetExternalIPAddress":
		p.mu.Lock()
		ip, err := p.externalIP, p.externalIPErr
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return map[string]string{"NewExternalIPAddress": ip}, nil

	case "AddPortMapping":
		if p.AddPortMappingHook != nil {
			if err := p.AddPortMappingHook(args); err != nil {
				return nil, err
			}
		}
		return map[string]string{}, nil

	case "DeletePortMapping":
		if p.DeletePortMappingHook != nil {
			if err := p.DeletePortMappingHook(args); err != nil {
				return nil, err
			}
		}
		return map[string]string{}, nil

	default:
		return map[string]string{}, nil
	}
}

func (p *Proxy) AddNotify(varName string, cb func(value string)) (func(), error) {
	p.notifyMu.Lock()
	p.notifyCb = cb
	p.notifyMu.Unlock()

	return func() {
		p.notifyMu.Lock()
		p.notifyCb = nil
		p.notifyMu.Unlock()
	}, nil
}

func (p *Proxy) SetSubscribed(subscribed bool) {}
