package inet

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrBusy indicates the resource is held: the port is bound, the
	// resolver has a different query in flight, or the session slot
	// is taken.
	ErrBusy = errors.New("busy")
	// ErrNoFreeSocket indicates the socket table is full.
	ErrNoFreeSocket = errors.New("no free socket")
	// ErrResolving indicates the datagram was not sent because the
	// next hop is still being resolved. Retrying after the
	// retransmit interval normally finds the neighbor cached.
	ErrResolving = errors.New("resolution in progress")
	// ErrNoRoute indicates the stack cannot reach the destination:
	// link down, no address configured, or off-link with no gateway.
	ErrNoRoute = errors.New("no route")
	// ErrNoResolver indicates no DNS server is configured.
	ErrNoResolver = errors.New("no resolver configured")
	// ErrNameNotFound indicates the name does not resolve.
	ErrNameNotFound = errors.New("name not found")
	// ErrTimeout indicates the query went unanswered.
	ErrTimeout = errors.New("timed out")
	// ErrPayloadTooLarge indicates the datagram does not fit a frame.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Endpoint is a UDP address.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// String implements Stringer.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// IsZero reports an unset endpoint.
func (e Endpoint) IsZero() bool {
	return len(e.IP) == 0 && e.Port == 0
}

// Equal compares endpoints.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Port == o.Port && e.IP.Equal(o.IP)
}

// HostConfig is the network identity of the device. A zero IP enables
// the DHCP client; otherwise the static addresses are used as given.
type HostConfig struct {
	MAC      net.HardwareAddr
	Hostname string

	IP      net.IP
	Netmask net.IP
	Gateway net.IP
	DNS     net.IP

	// Seed fixes the transaction ID sequence, zero picks one.
	Seed int64
}

// DHCP reports whether addresses come from DHCP.
func (c HostConfig) DHCP() bool {
	return len(c.IP) == 0
}

var (
	broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	broadcastIP  = net.IPv4bcast.To4()
	unspecified  = net.IPv4zero.To4()
)
