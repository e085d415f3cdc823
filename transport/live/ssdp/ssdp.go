// Package ssdp discovers UPnP services of one service type via SSDP
// M-SEARCH and exposes them as a transport.ControlPoint event stream.
//
// Adapted from the teacher package's ssdp/ssdpbase wire-format handling
// (UDP multicast M-SEARCH, HTTP response parsing via bufio+net/http): that
// package gave us a flat, polled registry (ssdp.GetServicesByType); this
// one generalizes it into a live event stream of ProxyAvailable /
// ProxyUnavailable notifications scoped to a single service URN, which is
// what transport.ControlPoint requires (spec §4.2, §6).
package ssdp

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hlandau/igd/transport"
	"github.com/hlandau/igd/transport/live/upnpclient"
)

// BroadcastInterval is the interval at which M-SEARCH beacons are sent, as
// in the teacher's ssdpbase package.
const BroadcastInterval = 60 * time.Second

const ssdpMulticastAddr = "239.255.255.250:1900"

// ControlPoint discovers transport.ServiceProxy instances of one service
// URN and reports them as they appear or go stale.
type ControlPoint struct {
	urn     string
	timeout time.Duration

	mu        sync.Mutex
	services  map[string]*serviceEntry // keyed by SSDP USN (Location URL if no USN)
	ch        chan transport.ProxyEvent
	stopCh    chan struct{}
	conn      *net.UDPConn
	closeOnce sync.Once
}

type serviceEntry struct {
	lastSeen time.Time
	proxy    transport.ServiceProxy
}

// NewControlPoint constructs a ControlPoint for the given service URN. The
// caller must call Activate to begin discovery.
func NewControlPoint(urn string, timeout time.Duration) *ControlPoint {
	return &ControlPoint{
		urn:      urn,
		timeout:  timeout,
		services: map[string]*serviceEntry{},
		ch:       make(chan transport.ProxyEvent, 8),
		stopCh:   make(chan struct{}),
	}
}

func (cp *ControlPoint) Events() <-chan transport.ProxyEvent { return cp.ch }

func (cp *ControlPoint) Activate() error {
	conng, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return err
	}
	cp.conn = conng.(*net.UDPConn)

	go cp.broadcastLoop()
	go cp.recvLoop()
	go cp.expireLoop()
	return nil
}

func (cp *ControlPoint) Close() {
	cp.closeOnce.Do(func() {
		close(cp.stopCh)
		if cp.conn != nil {
			cp.conn.Close()
		}
		close(cp.ch)
	})
}

func (cp *ControlPoint) broadcastLoop() {
	dst, err := net.ResolveUDPAddr("udp4", ssdpMulticastAddr)
	if err != nil {
		return
	}

	msg := []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"ST: " + cp.urn + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 2\r\n\r\n")

	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()
	for {
		cp.conn.WriteToUDP(msg, dst) // best-effort; errors ignored as in the teacher package
		select {
		case <-ticker.C:
		case <-cp.stopCh:
			return
		}
	}
}

func (cp *ControlPoint) recvLoop() {
	buf := make([]byte, 65536)
	for {
		n, _, err := cp.conn.ReadFrom(buf)
		if err != nil {
			return
		}

		rbio := bufio.NewReader(bytes.NewReader(buf[:n]))
		res, err := http.ReadResponse(rbio, nil)
		if err != nil {
			continue
		}
		cp.handleResponse(res)
	}
}

func (cp *ControlPoint) handleResponse(res *http.Response) {
	defer res.Body.Close()

	if res.StatusCode != 200 {
		return
	}
	if res.Header.Get("ST") != cp.urn {
		return
	}

	loc, err := res.Location()
	if err != nil {
		return
	}

	usn := res.Header.Get("USN")
	if usn == "" {
		usn = loc.String()
	}

	cp.noteService(usn, loc)
}

func (cp *ControlPoint) noteService(usn string, loc *url.URL) {
	cp.mu.Lock()
	entry, existed := cp.services[usn]
	if existed {
		entry.lastSeen = time.Now()
		cp.mu.Unlock()
		return
	}
	cp.mu.Unlock()

	proxy, err := upnpclient.New(cp.urn, loc, cp.timeout)
	if err != nil {
		// Not every device answering our M-SEARCH actually exposes the
		// service we asked about (multi-homed responders, stale
		// descriptions); silently skip it.
		return
	}

	cp.mu.Lock()
	if _, already := cp.services[usn]; already {
		cp.mu.Unlock()
		return
	}
	cp.services[usn] = &serviceEntry{lastSeen: time.Now(), proxy: proxy}
	cp.mu.Unlock()

	select {
	case cp.ch <- transport.ProxyEvent{Kind: transport.ProxyAvailable, Proxy: proxy}:
	case <-cp.stopCh:
	}
}

func (cp *ControlPoint) expireLoop() {
	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cp.reapExpired()
		case <-cp.stopCh:
			return
		}
	}
}

// reapExpired drops services which were last seen more than three
// broadcast intervals ago, matching the teacher's ssdp.GetServicesByType
// staleness window.
func (cp *ControlPoint) reapExpired() {
	limit := time.Now().Add(-3 * BroadcastInterval)

	cp.mu.Lock()
	var expired []*serviceEntry
	for usn, e := range cp.services {
		if e.lastSeen.Before(limit) {
			expired = append(expired, e)
			delete(cp.services, usn)
		}
	}
	cp.mu.Unlock()

	for _, e := range expired {
		select {
		case cp.ch <- transport.ProxyEvent{Kind: transport.ProxyUnavailable, Proxy: e.proxy}:
		case <-cp.stopCh:
			return
		}
	}
}
