package igd

import (
	"context"
	"errors"
	"net"
)

// This file implements component C3: per-endpoint address discovery and
// tracking (spec §4.3).

func (e *Engine) startAddressTracking(ep *Endpoint) {
	ctx, cancel := context.WithCancel(context.Background())
	ep.ipFetchCancel = cancel
	go func() {
		res, err := ep.proxy.CallAction(ctx, "GetExternalIPAddress", nil)
		e.post(func() { e.handleGetExternalIPResult(ep, res, err) })
	}()

	cancelNotify, err := ep.proxy.AddNotify("ExternalIPAddress", func(v string) {
		e.post(func() { e.handleExternalIPEvented(ep, v) })
	})
	if err == nil {
		ep.proxy.SetSubscribed(true)
		ep.unsubscribe = func() {
			cancelNotify()
			ep.proxy.SetSubscribed(false)
		}
	}
}

func (e *Engine) handleGetExternalIPResult(ep *Endpoint, res map[string]string, err error) {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Cancellation during teardown must not be reported as an
			// error (spec §4.3).
			return
		}
		// Only a Pending endpoint can transition to Failed; if the
		// evented subscription already delivered an address, a later Get
		// failure doesn't retract it.
		if ep.externalIP == nil {
			e.failAddressDiscovery(ep)
		}
		return
	}

	e.acquireExternalIP(ep, res["NewExternalIPAddress"])
}

func (e *Engine) handleExternalIPEvented(ep *Endpoint, value string) {
	if net.ParseIP(value) == nil {
		// Ignore non-IP-literal strings (spec §4.3).
		return
	}

	if ep.externalIP != nil && *ep.externalIP == value {
		// Ignore unchanged (spec §4.3).
		return
	}

	e.acquireExternalIP(ep, value)
}

// acquireExternalIP applies ip as the endpoint's current external address,
// whether learned via the initial GetExternalIPAddress call or an evented
// change, and fans out the resulting mapped-external-port events (spec
// §4.3).
func (e *Engine) acquireExternalIP(ep *Endpoint, ip string) {
	if net.ParseIP(ip) == nil {
		if ep.externalIP == nil {
			e.failAddressDiscovery(ep)
		}
		return
	}

	if ep.externalIP == nil {
		// Pending -> Acquired: any installer that already succeeded
		// before the address was known now gets its mapped event (spec
		// §4.4 "Success").
		ipCopy := ip
		ep.externalIP = &ipCopy
		for _, inst := range ep.installers {
			if inst.mapped {
				e.emitMapped(inst, nil)
			}
		}
		return
	}

	if *ep.externalIP == ip {
		return
	}

	previous := *ep.externalIP
	ipCopy := ip
	ep.externalIP = &ipCopy
	for _, inst := range ep.installers {
		if inst.mapped {
			e.emitMapped(inst, &previous)
		}
	}
}

func (e *Engine) failAddressDiscovery(ep *Endpoint) {
	ep.externalIPFailed = true
	for _, inst := range ep.installers {
		e.emitExternalAddressError(inst.mapping, "endpoint failed to return a usable external address")
	}
}
