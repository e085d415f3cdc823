package igd

// This file implements component C7: draining in-flight deletes before the
// engine may be destroyed (spec §4.7).
//
// Teardown is two phases, matching the spec's "later, more conservative"
// resolution of the Open Question in §9: quiesce tears every installer down
// (issuing best-effort deletes), and finalize only runs once every delete
// RPC issued during quiesce has completed. Because every public method in
// this package already marshals onto the loop and blocks on a channel for
// its result, there is no separate re-entrant-from-inside-the-loop code
// path to special-case: Close always posts and waits, which is exactly
// "return control to the loop and block the caller until it's done".

// beginTeardown is Quiesce (spec §4.7 step 1). It is idempotent.
func (e *Engine) beginTeardown() {
	if e.tearingDown {
		return
	}
	e.tearingDown = true
	e.registry.noNewMappings = true

	if e.cancelDiscovery != nil {
		e.cancelDiscovery()
	}

	for _, ep := range e.endpoints {
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

	for _, cp := range e.controlPoints {
		cp.Close()
	}

	e.maybeFinalize()
}

// maybeFinalize is Finalize (spec §4.7 step 2): it only runs once
// deletingCount has reached zero (invariant 6), and is safe to call
// repeatedly — every delete completion calls it speculatively.
func (e *Engine) maybeFinalize() {
	if !e.tearingDown || e.deletingCount > 0 || e.finalized {
		return
	}
	e.finalized = true
	close(e.loopDone)
	close(e.closedCh)
}

// Close tears the engine down: it stops accepting new mappings, cancels
// discovery, and issues a best-effort delete for every currently mapped
// installer, then blocks until every such delete has completed (or was
// skipped because the endpoint/proxy was already gone) before returning
// (spec §4.7, §6 "destruction drains pending deletes").
//
// Close is safe to call more than once and from any goroutine.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.post(func() { e.beginTeardown() }) {
			<-e.closedCh
		}
	})
	return nil
}
