package igd

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/hlandau/igd/transport"
)

// Randomized external port range used for conflict-retry fallback (spec
// §4.4); constants named for traceability against the original
// g_random_int_range(1025, 65536) call in gupnp-simple-igd.c.
const (
	conflictPortLow  = 1025
	conflictPortHigh = 65535
)

type installerState int

const (
	stateInit installerState = iota
	stateInstalling
	stateMapped
	stateRenewing
	stateFailed
	stateDeleting
	stateDone
)

// installer is component C4, the runtime state of one Mapping on one
// Endpoint (spec §3 "Installer (ProxyMapping)", §4.4).
type installer struct {
	e       *Engine
	ep      *Endpoint
	mapping *Mapping

	actualExternalPort uint16
	mapped             bool
	state              installerState

	cancel     context.CancelFunc
	renewTimer *time.Timer
}

func newInstaller(e *Engine, ep *Endpoint, m *Mapping) *installer {
	port := m.requestedExternalPort
	if port == 0 {
		port = m.localPort
	}
	return &installer{
		e:                  e,
		ep:                 ep,
		mapping:            m,
		actualExternalPort: port,
		state:              stateInit,
	}
}

func (inst *installer) start() {
	inst.state = stateInstalling
	inst.issueInstall()
}

func (inst *installer) installArgs() map[string]string {
	return map[string]string{
		"NewRemoteHost":             "",
		"NewExternalPort":           strconv.Itoa(int(inst.actualExternalPort)),
		"NewProtocol":               inst.mapping.protocol.String(),
		"NewInternalPort":           strconv.Itoa(int(inst.mapping.localPort)),
		"NewInternalClient":         inst.mapping.localIP,
		"NewEnabled":                "1",
		"NewPortMappingDescription": inst.mapping.description,
		"NewLeaseDuration":          strconv.FormatInt(int64(inst.mapping.leaseDuration/time.Second), 10),
	}
}

func (inst *installer) issueInstall() {
	inst.cancel = inst.e.callAsync(inst.ep.proxy, "AddPortMapping", inst.installArgs(), inst.handleInstallResult)
}

func (inst *installer) handleInstallResult(_ map[string]string, err error) {
	inst.cancel = nil

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// A cancelled completion is indistinguishable from no
			// completion (spec §4.4 "Cancellation").
			return
		}

		if transport.IsConflict(err) && inst.mapping.requestedExternalPort == 0 {
			inst.actualExternalPort = randomConflictPort()
			inst.issueInstall()
			return
		}

		inst.state = stateFailed
		inst.e.emitErrorFor(inst.mapping, err)
		return
	}

	inst.onInstallSuccess()
}

func (inst *installer) onInstallSuccess() {
	inst.mapped = true
	inst.state = stateMapped

	if inst.ep.externalIP != nil {
		inst.e.emitMapped(inst, nil)
	}
	// else: the pending address-acquired event will emit for it (spec
	// §4.4 "Success").

	if inst.mapping.leaseDuration > 0 {
		inst.scheduleRenewal()
	}
}

func (inst *installer) scheduleRenewal() {
	d := inst.mapping.leaseDuration / 2
	inst.renewTimer = time.AfterFunc(d, func() {
		inst.e.post(func() { inst.onRenewTimer() })
	})
}

func (inst *installer) onRenewTimer() {
	if inst.state == stateDone || inst.state == stateDeleting {
		return
	}

	// There should be no leftover RPC, but cancel defensively per spec
	// §4.4 "Renewal".
	if inst.cancel != nil {
		inst.cancel()
		inst.cancel = nil
	}

	inst.state = stateRenewing
	inst.cancel = inst.e.callAsync(inst.ep.proxy, "AddPortMapping", inst.installArgs(), inst.handleRenewResult)
}

func (inst *installer) handleRenewResult(_ map[string]string, err error) {
	inst.cancel = nil

	if inst.state == stateDone || inst.state == stateDeleting {
		return
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		// Renewal errors are surfaced but do not demote mapped (spec
		// §4.4 "Renewal").
		inst.e.emitErrorFor(inst.mapping, err)
	}

	inst.state = stateMapped
	inst.scheduleRenewal()
}

// teardown tears the installer down: cancels any in-flight RPC, stops the
// renewal timer, and — only if mapped was true — issues a best-effort
// delete (spec §4.4 "Deletion", §4.7).
func (inst *installer) teardown() {
	if inst.state == stateDone || inst.state == stateDeleting {
		return
	}

	if inst.cancel != nil {
		inst.cancel()
		inst.cancel = nil
	}
	if inst.renewTimer != nil {
		// Stop the timer before issuing the delete RPC, to avoid a
		// spurious renewal racing with deletion (spec §9 Design Notes).
		inst.renewTimer.Stop()
		inst.renewTimer = nil
	}

	if inst.mapped {
		inst.issueDelete()
	} else {
		inst.state = stateDone
	}
}

func (inst *installer) issueDelete() {
	inst.state = stateDeleting
	inst.e.deletingCount++

	args := map[string]string{
		"NewRemoteHost":   "",
		"NewExternalPort": strconv.Itoa(int(inst.actualExternalPort)),
		"NewProtocol":     inst.mapping.protocol.String(),
	}

	inst.e.callAsync(inst.ep.proxy, "DeletePortMapping", args, func(_ map[string]string, err error) {
		inst.e.deletingCount--
		if err != nil && !errors.Is(err, context.Canceled) {
			// Delete errors are logged, never surfaced as events (spec
			// §4.4 "Deletion", §7 "Propagation policy").
			log.Warnf("igd: delete port mapping failed for %s:%d: %v", inst.mapping.protocol, inst.actualExternalPort, err)
		}
		inst.state = stateDone
		inst.e.maybeFinalize()
	})
}

func randomConflictPort() uint16 {
	return uint16(conflictPortLow + rand.Intn(conflictPortHigh-conflictPortLow+1))
}
