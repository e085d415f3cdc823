package igd_test

import (
	"fmt"
	"time"

	"github.com/hlandau/igd"
)

// The following example illustrates requesting a port mapping on every
// UPnP IGD reachable from the host and reacting to the result.
func Example() {
	e := igd.New()
	defer e.Close()

	e.OnMapped(func(ev igd.MappedEvent) {
		fmt.Printf("mapped %s %s:%d -> %d\n", ev.Protocol, ev.LocalIP, ev.LocalPort, ev.ExternalPort)
	})
	e.OnError(func(me igd.MappingError) {
		fmt.Printf("mapping failed: %v\n", me)
	})

	if err := e.AddPort(igd.TCP, 0, "192.168.1.5", 8080, time.Hour, "example web server"); err != nil {
		fmt.Println("add port:", err)
	}
}
