package gateway

import "net"

// Get the IPs of default gateways for this host.
//
// Only IPv4 gateways are returned; there may be more than one. IPv6 gateways
// are not reported.
func GetIPs() ([]net.IP, error) {
	return getGatewayAddrs()
}
