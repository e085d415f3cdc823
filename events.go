package igd

import "github.com/hlandau/igd/transport"

// MappedEvent is emitted for mapped-external-port (spec §4.6). ReplacesExternalIP
// is nil when there was no previous external IP to report (the "null" case
// in the spec).
type MappedEvent struct {
	Protocol           Protocol
	ExternalIP         string
	ReplacesExternalIP *string
	ExternalPort       uint16
	LocalIP            string
	LocalPort          uint16
	Description        string
}

// MappingError is emitted for error-mapping-port (spec §4.6, §7). Err is
// either a *transport.Error (for both transport- and engine-domain errors)
// or, rarely, a plain error wrapping an unexpected local failure.
type MappingError struct {
	Err                   error
	Protocol              Protocol
	RequestedExternalPort uint16
	LocalIP               string
	LocalPort             uint16
	Description           string
}

func (me MappingError) Error() string { return me.Err.Error() }

// Kind returns the engine-domain discriminator of the underlying error, or
// "" for transport-domain errors (spec §7.1).
func (me MappingError) Kind() string {
	if te, ok := me.Err.(*transport.Error); ok {
		return te.Kind
	}
	return ""
}

// MappedHandler receives mapped-external-port notifications.
type MappedHandler func(MappedEvent)

// ErrorHandler receives error-mapping-port notifications.
type ErrorHandler func(MappingError)

// ContextFilter is the "context-available" veto callback (spec §4.6, §6):
// a true return means "ignore this context". It runs synchronously before
// any control point is created on that context.
type ContextFilter func(contextName string) bool

// OnMapped registers h to be called for every mapped-external-port event.
// Handlers run on the engine's loop goroutine, in the order their
// triggering completions arrive (spec §5 "Ordering").
func (e *Engine) OnMapped(h MappedHandler) {
	done := make(chan struct{})
	if !e.post(func() {
		e.mappedHandlers = append(e.mappedHandlers, h)
		close(done)
	}) {
		return
	}
	<-done
}

// OnError registers h to be called for every error-mapping-port event.
func (e *Engine) OnError(h ErrorHandler) {
	done := make(chan struct{})
	if !e.post(func() {
		e.errorHandlers = append(e.errorHandlers, h)
		close(done)
	}) {
		return
	}
	<-done
}

func (e *Engine) emitMapped(inst *installer, replaces *string) {
	ev := MappedEvent{
		Protocol:           inst.mapping.protocol,
		ExternalIP:         *inst.ep.externalIP,
		ReplacesExternalIP: replaces,
		ExternalPort:       inst.actualExternalPort,
		LocalIP:            inst.mapping.localIP,
		LocalPort:          inst.mapping.localPort,
		Description:        inst.mapping.description,
	}
	for _, h := range e.mappedHandlers {
		h(ev)
	}
}

func (e *Engine) emitErrorFor(m *Mapping, err error) {
	me := MappingError{
		Err:                   err,
		Protocol:              m.protocol,
		RequestedExternalPort: m.requestedExternalPort,
		LocalIP:               m.localIP,
		LocalPort:             m.localPort,
		Description:           m.description,
	}
	for _, h := range e.errorHandlers {
		h(me)
	}
}

func (e *Engine) emitExternalAddressError(m *Mapping, message string) {
	e.emitErrorFor(m, &transport.Error{
		Domain:  transport.DomainEngine,
		Kind:    transport.ExternalAddress,
		Message: message,
	})
}
