// Package upnpclient wraps github.com/huin/goupnp's generated
// WANIPConnection1/WANPPPConnection1 clients as a transport.ServiceProxy.
//
// Grounded on the two pack examples that use goupnp for exactly this
// purpose: other_examples' sprintframework natupnp_service.go (device
// description fetch + VisitServices + ServiceClient construction) and its
// tailscale upnp.go (the AddPortMapping/DeletePortMapping/
// GetExternalIPAddress argument shapes).
package upnpclient

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/soap"

	"github.com/hlandau/igd/transport"
)

// client is the subset of the generated WANIPConnection1 / WANPPPConnection1
// API the engine drives (spec §6 "Wire actions invoked").
type client interface {
	GetExternalIPAddress() (string, error)
	AddPortMapping(newRemoteHost string, newExternalPort uint16, newProtocol string, newInternalPort uint16, newInternalClient string, newEnabled bool, newPortMappingDescription string, newLeaseDuration uint32) error
	DeletePortMapping(newRemoteHost string, newExternalPort uint16, newProtocol string) error
}

// Proxy adapts one goupnp service client to transport.ServiceProxy.
type Proxy struct {
	udn     string
	c       client
	timeout time.Duration
}

// New fetches the device description at loc and builds a Proxy for the
// first service matching urn. timeout bounds the underlying SOAP client's
// HTTP requests (spec §6, default 5s).
func New(urn string, loc *url.URL, timeout time.Duration) (transport.ServiceProxy, error) {
	dev, err := goupnp.DeviceByURL(loc)
	if err != nil {
		return nil, err
	}

	var found client
	var visitErr error
	dev.Root.Device.VisitServices(func(svc *goupnp.Service) {
		if found != nil || visitErr != nil || svc.ServiceType != urn {
			return
		}

		sc := goupnp.ServiceClient{
			SOAPClient: svc.NewSOAPClient(),
			RootDevice: dev.Root,
			Location:   dev.Location,
			Service:    svc,
		}
		sc.SOAPClient.HTTPClient.Timeout = timeout

		switch urn {
		case transport.URNWANIPConnection:
			found = &internetgateway1.WANIPConnection1{ServiceClient: sc}
		case transport.URNWANPPPConnection:
			found = &internetgateway1.WANPPPConnection1{ServiceClient: sc}
		default:
			visitErr = fmt.Errorf("upnpclient: unsupported service urn %q", urn)
		}
	})
	if visitErr != nil {
		return nil, visitErr
	}
	if found == nil {
		return nil, fmt.Errorf("upnpclient: %s does not expose %s", loc, urn)
	}

	return &Proxy{udn: dev.Root.Device.UDN, c: found, timeout: timeout}, nil
}

func (p *Proxy) UDN() string { return p.udn }

type callResult struct {
	res map[string]string
	err error
}

// CallAction runs the named action on a dedicated goroutine, since goupnp's
// generated clients block synchronously on the network, and returns early
// if ctx is cancelled first. Per spec §4.4/§5 a cancelled call must never
// be surfaced as an error — the caller (package igd) treats ctx.Err() from
// a cancelled context specially and discards it.
func (p *Proxy) CallAction(ctx context.Context, name string, args map[string]string) (map[string]string, error) {
	resultCh := make(chan callResult, 1)

	go func() {
		switch name {
		case "GetExternalIPAddress":
			ip, err := p.c.GetExternalIPAddress()
			resultCh <- callResult{map[string]string{"NewExternalIPAddress": ip}, translateErr(err)}

		case "AddPortMapping":
			extPort, _ := strconv.Atoi(args["NewExternalPort"])
			intPort, _ := strconv.Atoi(args["NewInternalPort"])
			lease, _ := strconv.ParseUint(args["NewLeaseDuration"], 10, 32)
			err := p.c.AddPortMapping(args["NewRemoteHost"], uint16(extPort), args["NewProtocol"],
				uint16(intPort), args["NewInternalClient"], true, args["NewPortMappingDescription"], uint32(lease))
			resultCh <- callResult{map[string]string{}, translateErr(err)}

		case "DeletePortMapping":
			extPort, _ := strconv.Atoi(args["NewExternalPort"])
			err := p.c.DeletePortMapping(args["NewRemoteHost"], uint16(extPort), args["NewProtocol"])
			resultCh <- callResult{map[string]string{}, translateErr(err)}

		default:
			resultCh <- callResult{nil, fmt.Errorf("upnpclient: unsupported action %q", name)}
		}
	}()

	select {
	case r := <-resultCh:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AddNotify emulates an evented ExternalIPAddress subscription by polling.
// goupnp does not expose GENA eventing for the generated IGD clients, so
// this is a deliberate, documented simplification (see DESIGN.md) — it is
// the only variable the engine ever subscribes to (spec §4.3).
func (p *Proxy) AddNotify(varName string, cb func(value string)) (func(), error) {
	if varName != "ExternalIPAddress" {
		return func() {}, nil
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if ip, err := p.c.GetExternalIPAddress(); err == nil {
					cb(ip)
				}
			case <-stop:
				return
			}
		}
	}()

	return func() { close(stop) }, nil
}

func (p *Proxy) SetSubscribed(bool) {}

// translateErr converts a goupnp error into a *transport.Error. For SOAP
// faults it decodes the detail as the standard UPnP fault body (upnpError,
// spec §6 "Error surface": <UPnPError><errorCode>718</errorCode>...) so the
// control error code is preserved.
func translateErr(err error) error {
	if err == nil {
		return nil
	}

	if sf, ok := err.(soap.SOAPFaultError); ok {
		var body upnpError
		if xerr := xml.Unmarshal(sf.Detail.Raw, &body); xerr == nil && body.ErrorCode != 0 {
			return &transport.Error{Domain: transport.DomainTransport, Code: body.ErrorCode, Message: body.ErrorDescription}
		}
		return &transport.Error{Domain: transport.DomainTransport, Message: sf.FaultString}
	}

	return &transport.Error{Domain: transport.DomainTransport, Message: err.Error()}
}

type upnpError struct {
	XMLName          xml.Name `xml:"UPnPError"`
	ErrorCode        int      `xml:"errorCode"`
	ErrorDescription string   `xml:"errorDescription"`
}
