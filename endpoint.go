package igd

import (
	"context"

	"github.com/hlandau/igd/transport"
)

// endpointKey identifies an Endpoint by (control point, UDN), per spec §3
// ("Endpoints are identified by (control_point, UDN) for deduplication on
// removal").
type endpointKey struct {
	cp  transport.ControlPoint
	udn string
}

// Endpoint represents one live WANIPConnection/WANPPPConnection service
// proxy on one control point on one network context (spec §3, C2). It
// exclusively owns its installers.
type Endpoint struct {
	key         endpointKey
	proxy       transport.ServiceProxy
	cp          transport.ControlPoint
	contextName string

	externalIP       *string
	externalIPFailed bool

	installers map[*Mapping]*installer

	ipFetchCancel context.CancelFunc
	unsubscribe   func()
}

func newEndpoint(cp transport.ControlPoint, proxy transport.ServiceProxy, contextName string) *Endpoint {
	return &Endpoint{
		key:         endpointKey{cp: cp, udn: proxy.UDN()},
		proxy:       proxy,
		cp:          cp,
		contextName: contextName,
		installers:  map[*Mapping]*installer{},
	}
}

// ExternalIP returns the endpoint's last known external IP, or "" if it has
// not yet been determined.
func (ep *Endpoint) ExternalIP() string {
	if ep.externalIP == nil {
		return ""
	}
	return *ep.externalIP
}
