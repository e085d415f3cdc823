package igd

// This file implements component C5: fanning mappings out over endpoints
// whenever either set changes (spec §4.5). All of it runs on the loop
// goroutine.

// onEndpointAdded creates one installer per registered Mapping for a newly
// discovered Endpoint, and starts address tracking for it.
func (e *Engine) onEndpointAdded(ep *Endpoint) {
	if e.registry.noNewMappings {
		// Belt-and-braces: C2 already refuses to construct Endpoints once
		// the no-new-mappings flag is set (spec invariant 5), but the
		// reconciler restates the refusal per spec §4.5.
		return
	}

	e.endpoints[ep.key] = ep
	e.startAddressTracking(ep)

	for _, m := range e.registry.mappings {
		inst := newInstaller(e, ep, m)
		ep.installers[m] = inst
		inst.start()
	}
}

// onEndpointRemoved tears down every installer on ep and stops its address
// tracking.
func (e *Engine) onEndpointRemoved(ep *Endpoint) {
	delete(e.endpoints, ep.key)

	if ep.ipFetchCancel != nil {
		ep.ipFetchCancel()
	}
	if ep.unsubscribe != nil {
		ep.unsubscribe()
	}

	for _, inst := range ep.installers {
		inst.teardown()
	}
}

// onMappingAdded creates one installer per live Endpoint for a newly added
// Mapping, unless the endpoint's address discovery has already failed — in
// which case a synthetic error is emitted immediately instead (spec §4.5).
func (e *Engine) onMappingAdded(m *Mapping) {
	for _, ep := range e.endpoints {
		if ep.externalIPFailed {
			e.emitExternalAddressError(m, "endpoint external address previously failed")
			continue
		}

		inst := newInstaller(e, ep, m)
		ep.installers[m] = inst
		inst.start()
	}
}

// onMappingRemoved tears down every installer referencing m, across every
// live Endpoint.
func (e *Engine) onMappingRemoved(m *Mapping) {
	for _, ep := range e.endpoints {
		inst, ok := ep.installers[m]
		if !ok {
			continue
		}
		delete(ep.installers, m)
		inst.teardown()
	}
}
