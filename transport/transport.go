// Package transport defines the contract the igd engine requires of an IGD
// discovery and control collaborator: SSDP/M-SEARCH discovery, XML device
// description fetch, and SOAP action invocation are all out of scope for the
// engine itself (see spec §1) and live entirely behind this interface.
//
// A concrete implementation is provided by transport/live (backed by
// huin/goupnp). Tests drive the engine against transport/faketransport
// instead, which replays scripted responses without touching the network.
package transport

import "context"

// WAN service URNs the engine cares about (spec §4.2).
const (
	URNWANIPConnection  = "urn:schemas-upnp-org:service:WANIPConnection:1"
	URNWANPPPConnection = "urn:schemas-upnp-org:service:WANPPPConnection:1"
)

// Domain distinguishes where a MappingError originated.
type Domain int

const (
	// DomainTransport marks errors returned by the remote IGD or the SOAP
	// transport itself (spec §7.2).
	DomainTransport Domain = iota
	// DomainEngine marks errors synthesized by the engine (spec §7.1).
	DomainEngine
)

// ConflictInMappingEntry is the UPnP control error code 718, "the external
// port requested is already mapped" (spec §4.4).
const ConflictInMappingEntry = 718

// ExternalAddress identifies the single engine-domain error kind the spec
// defines (spec §7.1).
const ExternalAddress = "External-Address"

// Error is the (domain, code, message) tuple the transport reports back for
// a failed action (spec §6 "Error surface"). Code is the UPnP control error
// code for DomainTransport errors (0 if none was parseable); Kind carries
// the engine-domain discriminator (e.g. ExternalAddress) for DomainEngine
// errors.
type Error struct {
	Domain  Domain
	Code    int
	Kind    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// IsConflict reports whether err is a transport error carrying UPnP error
// code 718 (ConflictInMappingEntry).
func IsConflict(err error) bool {
	te, ok := err.(*Error)
	return ok && te.Domain == DomainTransport && te.Code == ConflictInMappingEntry
}

// ContextManager is the collaborator that discovers usable network contexts
// — one per suitable local network interface — and emits them as they
// become available (spec §4.2). The channel is closed when ctx is done or
// discovery is stopped.
type ContextManager interface {
	Contexts(ctx context.Context) <-chan NetContext
}

// NetContext is one usable network interface. NewControlPoint creates a
// control point scoped to this context targeting the given service URN;
// callers must Activate it.
type NetContext interface {
	Name() string
	NewControlPoint(urn string) ControlPoint
	// SetRequestTimeout configures the HTTP timeout used for SOAP requests
	// issued on this context (spec §6, default 5s).
	SetRequestTimeout(d int64)
}

// ProxyEventKind distinguishes service-proxy-available from
// service-proxy-unavailable notifications (spec §4.2).
type ProxyEventKind int

const (
	ProxyAvailable ProxyEventKind = iota
	ProxyUnavailable
)

// ProxyEvent is one control-point notification.
type ProxyEvent struct {
	Kind  ProxyEventKind
	Proxy ServiceProxy
}

// ControlPoint discovers service proxies of one URN on one NetContext.
type ControlPoint interface {
	// Activate begins discovery; Events starts yielding ProxyAvailable /
	// ProxyUnavailable notifications. Activate may be called exactly once.
	Activate() error
	Events() <-chan ProxyEvent
	// Close stops discovery and closes the Events channel.
	Close()
}

// ServiceProxy is one live WANIPConnection/WANPPPConnection service on one
// control point (spec §4, Endpoint.transport handle).
type ServiceProxy interface {
	UDN() string

	// CallAction invokes a named SOAP action and blocks until it completes,
	// returning its results keyed by argument name. Callers that must not
	// block run it on their own goroutine. Cancelling ctx aborts the call; per
	// spec §4.4/§5, a cancelled call must never be reported as an error.
	CallAction(ctx context.Context, name string, args map[string]string) (map[string]string, error)

	// AddNotify subscribes to an evented state variable; cb is invoked with
	// the variable's new value each time it changes until the returned
	// cancel func is called (spec §4.3).
	AddNotify(varName string, cb func(value string)) (cancel func(), err error)

	// SetSubscribed toggles the underlying GENA subscription.
	SetSubscribed(subscribed bool)
}
