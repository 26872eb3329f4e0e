// Package sim is the far end of the link: one in-process peer that
// answers ARP and ping, hands out DHCP leases, resolves names, serves
// time and serves files, behind any nic.Device. Protocol clients are
// tested against it, and cmd/sim-net puts it behind a UDP or
// websocket tunnel for a live runtime.
//
// The peer is reactive: it never initiates traffic, so one goroutine
// reading frames and writing replies covers all services. Fault knobs
// are plain fields set before Run; given the same frames and clock
// they misbehave the same way every run.
package sim

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/motelabs/mote.go/pkg/nic"
	"github.com/motelabs/mote.go/pkg/sched"
)

// Config describes the peer and the services it runs.
type Config struct {
	MAC     net.HardwareAddr
	IP      net.IP
	Netmask net.IP

	// Names is the DNS zone; Hostname maps to IP automatically.
	Hostname string
	Names    map[string]net.IP

	// Files is the transfer store. Stored files land back in it.
	Files map[string][]byte

	// DHCP enables the lease service: addresses from PoolStart,
	// router and DNS pointing at the peer itself.
	DHCP      bool
	PoolStart net.IP
	PoolSize  int
	LeaseSecs uint32

	// TimeOffset skews the time service from the local clock.
	TimeOffset time.Duration
	Stratum    uint8
}

func (c *Config) defaults() {
	if c.MAC == nil {
		c.MAC = net.HardwareAddr{0x02, 0x73, 0x69, 0x6d, 0x00, 0x01}
	}
	if c.IP == nil {
		c.IP = net.IPv4(10, 0, 0, 1)
	}
	c.IP = c.IP.To4()
	if c.Netmask == nil {
		c.Netmask = net.IPv4(255, 255, 255, 0)
	}
	c.Netmask = c.Netmask.To4()
	if c.Hostname == "" {
		c.Hostname = "sim"
	}
	if c.PoolStart == nil {
		c.PoolStart = nextIP(c.IP, 100)
	}
	c.PoolStart = c.PoolStart.To4()
	if c.PoolSize == 0 {
		c.PoolSize = 16
	}
	if c.LeaseSecs == 0 {
		c.LeaseSecs = 3600
	}
	if c.Stratum == 0 {
		c.Stratum = 2
	}
}

// TimeFaults misbehave the time service.
type TimeFaults struct {
	Drop         int  // swallow this many requests first
	BogusStratum bool // answer as an unsynchronized stratum-0 source
	ZeroStamps   bool // zero the transmit timestamp
}

// TransferFaults misbehave the file service.
type TransferFaults struct {
	DropData int  // swallow this many outgoing data blocks
	DropAck  int  // swallow this many outgoing acknowledgments
	WrongTID bool // answer requests from a second port
}

// from identifies the frame sender a reply goes back to.
type from struct {
	mac  net.HardwareAddr
	ip   net.IP
	port uint16
}

// Peer serves all sim services on one device.
type Peer struct {
	cfg   Config
	dev   nic.Device
	nowFn func() time.Time

	Time     TimeFaults
	Transfer TransferFaults

	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	arp     layers.ARP
	ip4     layers.IPv4
	icmp4   layers.ICMPv4
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType

	names    map[string]net.IP
	files    map[string][]byte
	leases   map[string]net.IP
	nextIdx  int
	sess     *session
	nextPort uint16
}

// NewPeer builds a peer over dev.
func NewPeer(cfg Config, dev nic.Device) *Peer {
	cfg.defaults()
	p := &Peer{
		cfg:      cfg,
		dev:      dev,
		nowFn:    time.Now,
		names:    make(map[string]net.IP),
		files:    make(map[string][]byte),
		leases:   make(map[string]net.IP),
		nextPort: 49200,
	}
	p.names[strings.ToLower(cfg.Hostname)] = cfg.IP
	for name, ip := range cfg.Names {
		p.names[strings.ToLower(name)] = ip.To4()
	}
	for name, data := range cfg.Files {
		p.files[name] = append([]byte(nil), data...)
	}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&p.eth, &p.arp, &p.ip4, &p.icmp4, &p.udp, &p.payload)
	p.parser.IgnoreUnsupported = true
	return p
}

// SetNow replaces the clock, for tests.
func (p *Peer) SetNow(fn func() time.Time) { p.nowFn = fn }

// File returns a stored file. Only meaningful once Run has returned,
// or between handled frames in direct-call tests.
func (p *Peer) File(name string) ([]byte, bool) {
	data, ok := p.files[name]
	return data, ok
}

// Name implements sched.Named.
func (p *Peer) Name() string { return "sim-net" }

// Run implements sched.Runnable: read frames, write replies, until
// the context ends.
func (p *Peer) Run(ctx context.Context) error {
	return sched.RunWithContextCloser(ctx, p.dev, func() error {
		for {
			frame, err := p.dev.ReadFrame()
			if err != nil {
				return err
			}
			for _, reply := range p.Handle(frame, p.nowFn()) {
				if err := p.dev.WriteFrame(reply); err != nil {
					return err
				}
			}
		}
	})
}

// Handle processes one frame and returns the replies it provokes.
// Exposed so tests can drive the peer without goroutines.
func (p *Peer) Handle(frame []byte, now time.Time) [][]byte {
	if err := p.parser.DecodeLayers(frame, &p.decoded); err != nil {
		if len(p.decoded) == 0 {
			return nil
		}
	}
	if !p.has(layers.LayerTypeEthernet) {
		return nil
	}
	if p.has(layers.LayerTypeARP) {
		return p.handleARP()
	}
	if !p.has(layers.LayerTypeIPv4) {
		return nil
	}
	if p.has(layers.LayerTypeICMPv4) {
		return p.handleICMP()
	}
	if !p.has(layers.LayerTypeUDP) {
		return nil
	}

	src := from{
		mac:  append(net.HardwareAddr(nil), p.eth.SrcMAC...),
		ip:   append(net.IP(nil), p.ip4.SrcIP.To4()...),
		port: uint16(p.udp.SrcPort),
	}
	payload := p.udp.BaseLayer.Payload
	switch dst := uint16(p.udp.DstPort); {
	case dst == dhcpServerPort:
		return p.handleDHCP(src, payload)
	case dst == dnsPort:
		return p.handleDNS(src, payload)
	case dst == ntpPort:
		return p.handleNTP(src, payload, now)
	case dst == tftpPort || (p.sess != nil && dst == p.sess.port):
		return p.handleTFTP(src, dst, payload)
	default:
		glog.V(4).Infof("sim: no service on port %d", dst)
		return nil
	}
}

func (p *Peer) has(t gopacket.LayerType) bool {
	for _, d := range p.decoded {
		if d == t {
			return true
		}
	}
	return false
}

func (p *Peer) handleARP() [][]byte {
	if p.arp.Operation != layers.ARPRequest || p.arp.Protocol != layers.EthernetTypeIPv4 {
		return nil
	}
	if !net.IP(p.arp.DstProtAddress).Equal(p.cfg.IP) {
		return nil
	}
	eth := layers.Ethernet{
		SrcMAC:       p.cfg.MAC,
		DstMAC:       p.eth.SrcMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	reply := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   p.cfg.MAC,
		SourceProtAddress: p.cfg.IP,
		DstHwAddress:      p.arp.SourceHwAddress,
		DstProtAddress:    p.arp.SourceProtAddress,
	}
	return serialize(&eth, &reply)
}

func (p *Peer) handleICMP() [][]byte {
	if p.icmp4.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return nil
	}
	if !p.ip4.DstIP.To4().Equal(p.cfg.IP) {
		return nil
	}
	eth := layers.Ethernet{
		SrcMAC:       p.cfg.MAC,
		DstMAC:       p.eth.SrcMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    p.cfg.IP,
		DstIP:    p.ip4.SrcIP,
	}
	echo := layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       p.icmp4.Id,
		Seq:      p.icmp4.Seq,
	}
	return serialize(&eth, &ip, &echo, gopacket.Payload(p.icmp4.BaseLayer.Payload))
}

// udpReply builds one frame from the peer back to src.
func (p *Peer) udpReply(src from, srcPort uint16, payload []byte) []byte {
	eth := layers.Ethernet{
		SrcMAC:       p.cfg.MAC,
		DstMAC:       src.mac,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    p.cfg.IP,
		DstIP:    src.ip,
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(src.port),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil
	}
	frames := serialize(&eth, &ip, &udp, gopacket.Payload(payload))
	if frames == nil {
		return nil
	}
	return frames[0]
}

func serialize(ls ...gopacket.SerializableLayer) [][]byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		glog.Warningf("sim: serialize: %v", err)
		return nil
	}
	return [][]byte{append([]byte(nil), buf.Bytes()...)}
}

func nextIP(ip net.IP, add int) net.IP {
	out := append(net.IP(nil), ip.To4()...)
	v := uint32(out[0])<<24 | uint32(out[1])<<16 | uint32(out[2])<<8 | uint32(out[3])
	v += uint32(add)
	out[0], out[1], out[2], out[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	return out
}
