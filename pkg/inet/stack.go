package inet

import (
	"math/rand"
	"net"
	"time"

	"github.com/golang/glog"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/motelabs/mote.go/pkg/metrics"
	"github.com/motelabs/mote.go/pkg/nic"
	"github.com/motelabs/mote.go/pkg/sched"
)

// udpOverhead is ethernet + IPv4 + UDP headers.
const udpOverhead = 14 + 20 + 8

// StackCounters is a snapshot of engine statistics.
type StackCounters struct {
	Pings       uint64
	Discards    uint64
	SocketDrops uint64
	TxNoRoute   uint64
	TxResolving uint64
}

// Stack is the poll-mode network engine. One instance serves the
// device; the network task drives Poll and every other task reaches
// the wire through socket operations during its own resume.
type Stack struct {
	cfg     HostConfig
	adapter *nic.Adapter
	pool    *nic.FramePool

	dec  *decoder
	sbuf gopacket.SerializeBuffer
	rand *rand.Rand

	ip        net.IP
	mask      net.IP
	gw        net.IP
	dnsServer net.IP
	ready     bool
	linkWas   bool

	sockets       [maxSockets]socket
	nextEphemeral uint16

	arp  arpTable
	dhcp dhcpClient
	dns  resolver

	cnt StackCounters
}

// NewStack creates the engine over an adapter. With a zero cfg.IP the
// DHCP client acquires the address once the link is up.
func NewStack(cfg HostConfig, adapter *nic.Adapter) *Stack {
	if len(cfg.MAC) != 6 {
		panic("inet: config needs a 6-byte MAC")
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Stack{
		cfg:           cfg,
		adapter:       adapter,
		pool:          adapter.Pool(),
		dec:           newDecoder(),
		sbuf:          gopacket.NewSerializeBuffer(),
		rand:          rand.New(rand.NewSource(seed)),
		nextEphemeral: ephemeralBase,
	}
	s.dns.port = s.allocEphemeral()
	if cfg.DHCP() {
		s.dhcp.phase = dhcpWaitLink
	} else {
		s.cfg.IP = cloneIP4(cfg.IP)
		s.cfg.Netmask = cloneIP4(cfg.Netmask)
		s.cfg.Gateway = cloneIP4(cfg.Gateway)
	}
	if len(cfg.DNS) != 0 {
		s.cfg.DNS = cloneIP4(cfg.DNS)
	}
	return s
}

// Ready reports whether the stack has a usable address.
func (s *Stack) Ready() bool { return s.ready }

// LocalIP returns the configured address, nil before that.
func (s *Stack) LocalIP() net.IP { return s.ip }

// Netmask returns the configured subnet mask, nil before that.
func (s *Stack) Netmask() net.IP { return s.mask }

// GatewayIP returns the default gateway, nil without one.
func (s *Stack) GatewayIP() net.IP { return s.gw }

// DNSServerIP returns the resolver address in use.
func (s *Stack) DNSServerIP() net.IP { return s.dnsServer }

// Hostname returns the configured host name.
func (s *Stack) Hostname() string { return s.cfg.Hostname }

// Counters returns a snapshot of engine statistics.
func (s *Stack) Counters() StackCounters { return s.cnt }

// Poll is the engine's only ingress path: it tracks link state,
// drains up to budget frames from the adapter and runs the protocol
// timers. The network task calls it every resume and re-arms its
// deadline from NextWake.
func (s *Stack) Poll(p *sched.Pass, budget int) {
	if up := s.adapter.LinkUp(); up != s.linkWas {
		s.linkWas = up
		s.linkChanged(p, up)
	}
	for i := 0; i < budget; i++ {
		rx, ok := s.adapter.Receive()
		if !ok {
			break
		}
		s.handleFrame(p, rx)
	}
	s.pollDHCP(p)
	s.pollDNS(p)
	s.pollARP(p)
}

// NextWake returns the earliest pending protocol deadline, zero when
// nothing is armed.
func (s *Stack) NextWake() time.Time {
	next := s.arp.nextWake()
	if s.dhcp.phase >= dhcpDiscover {
		if next.IsZero() || s.dhcp.next.Before(next) {
			next = s.dhcp.next
		}
	}
	if s.dns.phase == dnsWaiting {
		if next.IsZero() || s.dns.next.Before(next) {
			next = s.dns.next
		}
	}
	return next
}

func (s *Stack) linkChanged(p *sched.Pass, up bool) {
	if !up {
		glog.Warning("inet: link down")
		s.dropLease()
		if s.cfg.DHCP() {
			s.dhcp.phase = dhcpWaitLink
		}
		return
	}
	glog.V(1).Info("inet: link up")
	if s.cfg.DHCP() {
		s.startDiscover(p.Now)
		return
	}
	s.ip = cloneIP4(s.cfg.IP)
	s.mask = cloneIP4(s.cfg.Netmask)
	s.gw = cloneIP4(s.cfg.Gateway)
	s.dnsServer = cloneIP4(s.cfg.DNS)
	s.ready = true
	glog.Infof("inet: static %s/%s gw %s", s.ip, s.mask, s.gw)
	s.wakeAllOwners(p)
}

// wakeAllOwners nudges every task with a socket after a config change.
func (s *Stack) wakeAllOwners(p *sched.Pass) {
	var woken [maxSockets]bool
	for i := range s.sockets {
		sk := &s.sockets[i]
		if !sk.used {
			continue
		}
		dup := false
		for j := 0; j < i; j++ {
			if woken[j] && s.sockets[j].owner == sk.owner {
				dup = true
				break
			}
		}
		woken[i] = true
		if !dup {
			p.Wake(sk.owner)
		}
	}
}

func (s *Stack) handleFrame(p *sched.Pass, rx nic.RxFrame) {
	frame := s.pool.Bytes(rx.Ref)[:rx.Len]
	parked := false
	defer func() {
		if !parked {
			s.pool.Put(rx.Ref)
		}
	}()

	if _, err := s.dec.decode(frame); err != nil && !s.dec.has(layers.LayerTypeEthernet) {
		s.discard("bad-frame")
		return
	}
	eth := &s.dec.eth
	if !macFor(eth.DstMAC, s.cfg.MAC) {
		s.discard("other-mac")
		return
	}

	switch {
	case s.dec.has(layers.LayerTypeARP):
		s.handleARP(p)

	case s.dec.has(layers.LayerTypeIPv4):
		ip4 := &s.dec.ip4
		if ip4.Flags&layers.IPv4MoreFragments != 0 || ip4.FragOffset != 0 {
			s.discard("fragment")
			return
		}
		if !s.acceptIP(ip4.DstIP) {
			s.discard("other-ip")
			return
		}
		switch {
		case s.dec.has(layers.LayerTypeICMPv4):
			s.handleICMP(p)
		case s.dec.has(layers.LayerTypeUDP):
			parked = s.handleUDP(p, rx.Ref)
		default:
			s.discard("proto")
		}

	default:
		s.discard("proto")
	}
}

// macFor accepts our unicast address and broadcast.
func macFor(dst, own net.HardwareAddr) bool {
	if len(dst) != 6 {
		return false
	}
	if dst[0]&1 != 0 {
		return true
	}
	for i := range dst {
		if dst[i] != own[i] {
			return false
		}
	}
	return true
}

// acceptIP keeps datagrams for us. Without an address yet, broadcast
// still passes so DHCP replies get through.
func (s *Stack) acceptIP(dst net.IP) bool {
	if dst.Equal(broadcastIP) || s.isSubnetBroadcast(dst) {
		return true
	}
	if s.ready {
		return dst.Equal(s.ip)
	}
	// pre-config: servers may unicast the offered address
	return s.cfg.DHCP()
}

func (s *Stack) isSubnetBroadcast(dst net.IP) bool {
	if !s.ready || len(s.mask) != 4 {
		return false
	}
	d := dst.To4()
	if d == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if d[i] != s.ip[i]|^s.mask[i] {
			return false
		}
	}
	return true
}

func (s *Stack) handleARP(p *sched.Pass) {
	arp := &s.dec.arp
	if arp.Protocol != layers.EthernetTypeIPv4 || arp.ProtAddressSize != 4 {
		s.discard("bad-arp")
		return
	}
	sender := net.IP(arp.SourceProtAddress)
	switch arp.Operation {
	case layers.ARPRequest:
		if !s.ready || !net.IP(arp.DstProtAddress).Equal(s.ip) {
			return
		}
		s.arp.learn(p.Now, sender, net.HardwareAddr(arp.SourceHwAddress))
		if err := serializeARP(s.sbuf, layers.ARPReply, s.cfg.MAC, s.ip, net.HardwareAddr(arp.SourceHwAddress), sender); err != nil {
			glog.Errorf("inet: arp serialize: %v", err)
			return
		}
		s.adapter.Transmit(s.sbuf.Bytes())
	case layers.ARPReply:
		s.arp.learn(p.Now, sender, net.HardwareAddr(arp.SourceHwAddress))
	}
}

func (s *Stack) handleICMP(p *sched.Pass) {
	icmp := &s.dec.icmp4
	if icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest || !s.ready {
		s.discard("icmp")
		return
	}
	s.cnt.Pings++
	ip4 := &s.dec.ip4
	err := serializeICMPEcho(s.sbuf, s.cfg.MAC, s.dec.eth.SrcMAC,
		s.ip, ip4.SrcIP, icmp.Id, icmp.Seq, icmp.Payload)
	if err != nil {
		glog.Errorf("inet: icmp serialize: %v", err)
		return
	}
	s.adapter.Transmit(s.sbuf.Bytes())
	s.arp.learn(p.Now, ip4.SrcIP, s.dec.eth.SrcMAC)
}

// handleUDP demuxes one datagram and reports whether the frame was
// parked in a socket queue.
func (s *Stack) handleUDP(p *sched.Pass, ref nic.FrameRef) bool {
	udp := &s.dec.udp
	payload := udp.Payload
	switch uint16(udp.DstPort) {
	case dhcpClientPort:
		s.handleDHCP(p, payload)
		return false
	case s.dns.port:
		s.handleDNS(p, payload)
		return false
	}
	sk := s.socketByPort(uint16(udp.DstPort))
	if sk == nil {
		s.discard("no-socket")
		return false
	}
	d := rxDatagram{
		ref:     ref,
		payload: payload,
		src4:    ip4key(s.dec.ip4.SrcIP),
		srcPort: uint16(udp.SrcPort),
	}
	if !sk.push(d) {
		s.cnt.SocketDrops++
		s.discard("socket-full")
		return false
	}
	s.arp.learn(p.Now, s.dec.ip4.SrcIP, s.dec.eth.SrcMAC)
	p.Wake(sk.owner)
	return true
}

func (s *Stack) pollARP(p *sched.Pass) {
	for _, key := range s.arp.pollDue(p.Now) {
		s.transmitARPRequest(net.IP(key[:]))
	}
}

func (s *Stack) transmitARPRequest(ip net.IP) {
	if !s.ready {
		return
	}
	if err := serializeARP(s.sbuf, layers.ARPRequest, s.cfg.MAC, s.ip, broadcastMAC, ip); err != nil {
		glog.Errorf("inet: arp serialize: %v", err)
		return
	}
	s.adapter.Transmit(s.sbuf.Bytes())
}

// sendUDP is the socket egress path.
func (s *Stack) sendUDP(now time.Time, srcPort uint16, dst Endpoint, payload []byte) error {
	if !s.ready {
		s.cnt.TxNoRoute++
		return ErrNoRoute
	}
	return s.transmitUDP(now, s.ip, srcPort, dst, payload)
}

// transmitUDP routes, resolves and transmits one datagram. A miss in
// the neighbor cache starts resolution and reports ErrResolving; the
// datagram is not queued.
func (s *Stack) transmitUDP(now time.Time, srcIP net.IP, srcPort uint16, dst Endpoint, payload []byte) error {
	if !s.adapter.LinkUp() {
		s.cnt.TxNoRoute++
		return ErrNoRoute
	}
	if len(payload)+udpOverhead > s.pool.MTU() {
		return ErrPayloadTooLarge
	}
	dstIP := dst.IP.To4()
	if dstIP == nil {
		s.cnt.TxNoRoute++
		return ErrNoRoute
	}

	var dstMAC net.HardwareAddr
	if dstIP.Equal(broadcastIP) || s.isSubnetBroadcast(dstIP) {
		dstMAC = broadcastMAC
	} else {
		if !s.ready {
			s.cnt.TxNoRoute++
			return ErrNoRoute
		}
		nh := dstIP
		if !s.onLink(dstIP) {
			if len(s.gw) == 0 {
				s.cnt.TxNoRoute++
				return ErrNoRoute
			}
			nh = s.gw
		}
		mac, ok := s.arp.lookup(now, nh)
		if !ok {
			if s.arp.solicit(now, nh) {
				s.transmitARPRequest(nh)
			}
			s.cnt.TxResolving++
			return ErrResolving
		}
		dstMAC = mac
	}

	if err := serializeUDP(s.sbuf, s.cfg.MAC, dstMAC, srcIP, dstIP, srcPort, dst.Port, payload); err != nil {
		return err
	}
	return s.adapter.Transmit(s.sbuf.Bytes())
}

func (s *Stack) onLink(dst net.IP) bool {
	if len(s.mask) != 4 {
		return true
	}
	for i := 0; i < 4; i++ {
		if dst[i]&s.mask[i] != s.ip[i]&s.mask[i] {
			return false
		}
	}
	return true
}

func (s *Stack) discard(cause string) {
	s.cnt.Discards++
	metrics.NetPacketsDiscarded.WithLabelValues(cause).Inc()
	glog.V(4).Infof("inet: discard (%s)", cause)
}
