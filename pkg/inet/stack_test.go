package inet

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/motelabs/mote.go/pkg/nic"
	"github.com/motelabs/mote.go/pkg/sched"
)

var (
	testMAC    = net.HardwareAddr{0x02, 0x00, 0x00, 0xbe, 0xef, 0x01}
	peerMAC    = net.HardwareAddr{0x02, 0x00, 0x00, 0xbe, 0xef, 0x02}
	gatewayMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0xbe, 0xef, 0x03}
)

func ip4(s string) net.IP {
	return net.ParseIP(s).To4()
}

func staticConfig() HostConfig {
	return HostConfig{
		MAC:      testMAC,
		Hostname: "mote-test",
		IP:       ip4("10.1.0.9"),
		Netmask:  ip4("255.255.255.0"),
		Gateway:  ip4("10.1.0.1"),
		DNS:      ip4("10.1.0.1"),
		Seed:     7,
	}
}

// harness drives a stack deterministically: the executor is polled by
// the test, the far pipe end is the wire.
type harness struct {
	t       *testing.T
	exec    *sched.Executor
	far     *nic.PipeDevice
	adapter *nic.Adapter
	stack   *Stack

	netID, alpha, beta sched.TaskID
	scripts            map[sched.TaskID]func(*sched.Pass)

	now     time.Time
	arrived chan struct{}
	wire    chan []byte
}

func newHarness(t *testing.T, cfg HostConfig) *harness {
	nearDev, farDev := nic.Pipe(32)
	adapter := nic.New("test", nearDev, nic.NewFramePool(16, 1600), 16)
	h := &harness{
		t:       t,
		exec:    sched.New(),
		far:     farDev,
		adapter: adapter,
		scripts: map[sched.TaskID]func(*sched.Pass){},
		now:     time.Unix(1700000000, 0),
		arrived: make(chan struct{}, 1),
		wire:    make(chan []byte, 64),
	}
	h.netID = h.exec.Register(&sched.TaskFunc{TaskName: "net", Fn: func(p *sched.Pass) {
		h.stack.Poll(p, 16)
	}})
	h.alpha = h.registerScripted("alpha")
	h.beta = h.registerScripted("beta")
	h.stack = NewStack(cfg, adapter)
	adapter.Notify(func() {
		h.exec.Wake(h.netID)
		select {
		case h.arrived <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- adapter.Run(ctx) }()
	go func() {
		for {
			frame, err := farDev.ReadFrame()
			if err != nil {
				return
			}
			h.wire <- append([]byte(nil), frame...)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})

	// link-up notification
	h.waitWake()
	h.poll()
	return h
}

func (h *harness) registerScripted(name string) sched.TaskID {
	var id sched.TaskID
	id = h.exec.Register(&sched.TaskFunc{TaskName: name, Fn: func(p *sched.Pass) {
		if fn := h.scripts[id]; fn != nil {
			h.scripts[id] = nil
			fn(p)
		}
	}})
	return id
}

func (h *harness) poll() {
	h.exec.Poll(h.now)
}

func (h *harness) step(d time.Duration) {
	h.now = h.now.Add(d)
	h.exec.Wake(h.netID)
	h.poll()
}

// do runs fn as the given task within one pass.
func (h *harness) do(id sched.TaskID, fn func(*sched.Pass)) {
	h.scripts[id] = fn
	h.exec.Wake(id)
	h.poll()
}

func (h *harness) waitWake() {
	select {
	case <-h.arrived:
	case <-time.After(2 * time.Second):
		h.t.Fatal("no wire activity")
	}
}

// inject delivers one frame from the wire and polls the executor.
func (h *harness) inject(frame []byte) {
	require.NoError(h.t, h.far.WriteFrame(frame))
	h.waitWake()
	h.poll()
}

// wireExpect pops the next transmitted frame.
func (h *harness) wireExpect() gopacket.Packet {
	select {
	case frame := <-h.wire:
		return gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	case <-time.After(2 * time.Second):
		h.t.Fatal("expected a frame on the wire")
		return nil
	}
}

func udpFrame(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	buf := gopacket.NewSerializeBuffer()
	if err := serializeUDP(buf, srcMAC, dstMAC, srcIP, dstIP, srcPort, dstPort, payload); err != nil {
		panic(err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func arpReplyFrame(srcMAC net.HardwareAddr, srcIP net.IP, dstMAC net.HardwareAddr, dstIP net.IP) []byte {
	buf := gopacket.NewSerializeBuffer()
	if err := serializeARP(buf, layers.ARPReply, srcMAC, srcIP, dstMAC, dstIP); err != nil {
		panic(err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func TestStackStaticBringUp(t *testing.T) {
	h := newHarness(t, staticConfig())
	require.True(t, h.stack.Ready())
	require.Equal(t, ip4("10.1.0.9"), h.stack.LocalIP())
	require.Equal(t, ip4("10.1.0.1"), h.stack.GatewayIP())
}

func TestStackReceiveWakesOwner(t *testing.T) {
	h := newHarness(t, staticConfig())

	var sock SocketID
	h.do(h.alpha, func(p *sched.Pass) {
		var err error
		sock, err = h.stack.Bind(p, 7000)
		require.NoError(t, err)
	})

	h.inject(udpFrame(peerMAC, testMAC, ip4("10.1.0.7"), ip4("10.1.0.9"), 9000, 7000, []byte("ahoy")))

	received := false
	h.do(h.alpha, func(p *sched.Pass) {
		buf := make([]byte, 64)
		n, src, ok := h.stack.RecvFrom(p, sock, buf)
		require.True(t, ok)
		require.Equal(t, "ahoy", string(buf[:n]))
		require.Equal(t, ip4("10.1.0.7"), src.IP.To4())
		require.Equal(t, uint16(9000), src.Port)
		_, _, ok = h.stack.RecvFrom(p, sock, buf)
		require.False(t, ok)
		received = true
	})
	require.True(t, received)

	// frame went back to the pool after the read
	require.Equal(t, 16, h.adapter.Pool().Free())
}

func TestStackSocketQueueOverflow(t *testing.T) {
	h := newHarness(t, staticConfig())

	var sock SocketID
	h.do(h.alpha, func(p *sched.Pass) {
		var err error
		sock, err = h.stack.Bind(p, 7000)
		require.NoError(t, err)
	})

	for i := 0; i < socketQueueDepth+1; i++ {
		h.inject(udpFrame(peerMAC, testMAC, ip4("10.1.0.7"), ip4("10.1.0.9"), 9000, 7000, []byte{byte('a' + i)}))
	}
	require.Equal(t, uint64(1), h.stack.Counters().SocketDrops)

	h.do(h.alpha, func(p *sched.Pass) {
		buf := make([]byte, 8)
		for i := 0; i < socketQueueDepth; i++ {
			n, _, ok := h.stack.RecvFrom(p, sock, buf)
			require.True(t, ok)
			require.Equal(t, string(rune('a'+i)), string(buf[:n]))
		}
		_, _, ok := h.stack.RecvFrom(p, sock, buf)
		require.False(t, ok)
	})
	require.Equal(t, 16, h.adapter.Pool().Free())
}

func TestStackSendResolvesNeighbor(t *testing.T) {
	h := newHarness(t, staticConfig())

	var sock SocketID
	h.do(h.alpha, func(p *sched.Pass) {
		sock, _ = h.stack.Bind(p, 7000)
		err := h.stack.SendTo(p, sock, Endpoint{IP: ip4("10.1.0.7"), Port: 9000}, []byte("ping"))
		require.ErrorIs(t, err, ErrResolving)
	})

	// the miss goes out as an ARP request for the neighbor
	pkt := h.wireExpect()
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	require.NotNil(t, arpLayer)
	arp := arpLayer.(*layers.ARP)
	require.Equal(t, uint16(layers.ARPRequest), arp.Operation)
	require.Equal(t, ip4("10.1.0.7"), net.IP(arp.DstProtAddress))

	h.inject(arpReplyFrame(peerMAC, ip4("10.1.0.7"), testMAC, ip4("10.1.0.9")))

	h.do(h.alpha, func(p *sched.Pass) {
		err := h.stack.SendTo(p, sock, Endpoint{IP: ip4("10.1.0.7"), Port: 9000}, []byte("ping"))
		require.NoError(t, err)
	})

	pkt = h.wireExpect()
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	require.NotNil(t, udpLayer)
	udp := udpLayer.(*layers.UDP)
	require.Equal(t, layers.UDPPort(7000), udp.SrcPort)
	require.Equal(t, layers.UDPPort(9000), udp.DstPort)
	require.Equal(t, "ping", string(udp.Payload))
	require.Equal(t, peerMAC, pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet).DstMAC)
}

func TestStackOffLinkViaGateway(t *testing.T) {
	h := newHarness(t, staticConfig())
	h.inject(arpReplyFrame(gatewayMAC, ip4("10.1.0.1"), testMAC, ip4("10.1.0.9")))

	var sock SocketID
	h.do(h.alpha, func(p *sched.Pass) {
		sock, _ = h.stack.Bind(p, 0)
		err := h.stack.SendTo(p, sock, Endpoint{IP: ip4("192.0.2.50"), Port: 123}, []byte("x"))
		require.NoError(t, err)
	})

	pkt := h.wireExpect()
	eth := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.Equal(t, gatewayMAC, eth.DstMAC)
	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.Equal(t, ip4("192.0.2.50"), ip.DstIP.To4())
}

func TestStackEchoReply(t *testing.T) {
	h := newHarness(t, staticConfig())

	buf := gopacket.NewSerializeBuffer()
	eth := layers.Ethernet{SrcMAC: peerMAC, DstMAC: testMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: ip4("10.1.0.7"), DstIP: ip4("10.1.0.9")}
	icmp := layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 0x55, Seq: 9}
	require.NoError(t, gopacket.SerializeLayers(buf, serializeOpts, &eth, &ip, &icmp, gopacket.Payload("abc")))
	h.inject(append([]byte(nil), buf.Bytes()...))

	pkt := h.wireExpect()
	reply := pkt.Layer(layers.LayerTypeICMPv4)
	require.NotNil(t, reply)
	echo := reply.(*layers.ICMPv4)
	require.Equal(t, uint8(layers.ICMPv4TypeEchoReply), echo.TypeCode.Type())
	require.Equal(t, uint16(0x55), echo.Id)
	require.Equal(t, uint16(9), echo.Seq)
	require.Equal(t, "abc", string(echo.Payload))
	require.Equal(t, uint64(1), h.stack.Counters().Pings)
}

func TestStackDiscardsForeignTraffic(t *testing.T) {
	h := newHarness(t, staticConfig())
	before := h.stack.Counters().Discards

	// wrong MAC
	h.inject(udpFrame(peerMAC, peerMAC, ip4("10.1.0.7"), ip4("10.1.0.9"), 1, 2, []byte("x")))
	// wrong IP
	h.inject(udpFrame(peerMAC, testMAC, ip4("10.1.0.7"), ip4("10.1.0.66"), 1, 2, []byte("x")))
	// no socket on port
	h.inject(udpFrame(peerMAC, testMAC, ip4("10.1.0.7"), ip4("10.1.0.9"), 1, 2, []byte("x")))

	require.Equal(t, before+3, h.stack.Counters().Discards)
	require.Equal(t, 16, h.adapter.Pool().Free())
}

func dhcpReplyFrame(t *testing.T, msgType layers.DHCPMsgType, xid uint32, yours net.IP) []byte {
	reply := layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          xid,
		YourClientIP: yours,
		ClientIP:     unspecified,
		NextServerIP: unspecified,
		RelayAgentIP: unspecified,
		ClientHWAddr: testMAC,
	}
	lease := make([]byte, 4)
	binary.BigEndian.PutUint32(lease, 3600)
	reply.Options = []layers.DHCPOption{
		layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(msgType)}),
		layers.NewDHCPOption(layers.DHCPOptSubnetMask, ip4("255.255.255.0")),
		layers.NewDHCPOption(layers.DHCPOptRouter, ip4("10.2.0.1")),
		layers.NewDHCPOption(layers.DHCPOptDNS, ip4("10.2.0.1")),
		layers.NewDHCPOption(layers.DHCPOptServerID, ip4("10.2.0.1")),
		layers.NewDHCPOption(layers.DHCPOptLeaseTime, lease),
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, reply.SerializeTo(buf, serializeOpts))
	return udpFrame(gatewayMAC, testMAC, ip4("10.2.0.1"), broadcastIP, dhcpServerPort, dhcpClientPort, buf.Bytes())
}

func TestStackDHCPLease(t *testing.T) {
	h := newHarness(t, HostConfig{MAC: testMAC, Hostname: "mote-test", Seed: 7})
	require.False(t, h.stack.Ready())

	pkt := h.wireExpect()
	disc := pkt.Layer(layers.LayerTypeDHCPv4)
	require.NotNil(t, disc)
	xid := disc.(*layers.DHCPv4).Xid

	h.inject(dhcpReplyFrame(t, layers.DHCPMsgTypeOffer, xid, ip4("10.2.0.20")))

	pkt = h.wireExpect()
	reqLayer := pkt.Layer(layers.LayerTypeDHCPv4)
	require.NotNil(t, reqLayer)
	req := reqLayer.(*layers.DHCPv4)
	var reqMsgType layers.DHCPMsgType
	for _, o := range req.Options {
		if o.Type == layers.DHCPOptMessageType {
			reqMsgType = layers.DHCPMsgType(o.Data[0])
		}
	}
	require.Equal(t, layers.DHCPMsgTypeRequest, reqMsgType)

	h.inject(dhcpReplyFrame(t, layers.DHCPMsgTypeAck, xid, ip4("10.2.0.20")))
	require.True(t, h.stack.Ready())
	require.Equal(t, ip4("10.2.0.20"), h.stack.LocalIP())
	require.Equal(t, ip4("10.2.0.1"), h.stack.GatewayIP())
	require.Equal(t, ip4("10.2.0.1"), h.stack.DNSServerIP())
}

func TestStackDHCPRetransmitsDiscover(t *testing.T) {
	h := newHarness(t, HostConfig{MAC: testMAC, Seed: 7})
	pkt := h.wireExpect()
	require.NotNil(t, pkt.Layer(layers.LayerTypeDHCPv4))

	// nothing answers: the discover goes out again after the backoff
	h.step(dhcpBackoffMin)
	pkt = h.wireExpect()
	require.NotNil(t, pkt.Layer(layers.LayerTypeDHCPv4))
}

func dnsReplyFrame(id uint16, name string, addr net.IP, ttl uint32, srcIP net.IP, dstIP net.IP, dstPort uint16) []byte {
	reply := layers.DNS{
		ID:      id,
		QR:      true,
		OpCode:  layers.DNSOpCodeQuery,
		ANCount: 1,
		Questions: []layers.DNSQuestion{{
			Name:  []byte(name),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
		Answers: []layers.DNSResourceRecord{{
			Name:  []byte(name),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
			TTL:   ttl,
			IP:    addr,
		}},
	}
	buf := gopacket.NewSerializeBuffer()
	if err := reply.SerializeTo(buf, serializeOpts); err != nil {
		panic(err)
	}
	return udpFrame(gatewayMAC, testMAC, srcIP, dstIP, dnsServerPort, dstPort, buf.Bytes())
}

func TestStackLookup(t *testing.T) {
	h := newHarness(t, staticConfig())
	h.inject(arpReplyFrame(gatewayMAC, ip4("10.1.0.1"), testMAC, ip4("10.1.0.9")))

	h.do(h.alpha, func(p *sched.Pass) {
		_, err := h.stack.Lookup(p, "time.example.net")
		require.ErrorIs(t, err, ErrResolving)
	})

	pkt := h.wireExpect()
	q := pkt.Layer(layers.LayerTypeDNS)
	require.NotNil(t, q)
	query := q.(*layers.DNS)
	require.Equal(t, "time.example.net", string(query.Questions[0].Name))

	h.inject(dnsReplyFrame(query.ID, "time.example.net", ip4("192.0.2.123"), 300,
		ip4("10.1.0.1"), ip4("10.1.0.9"), h.stack.dns.port))

	// the waiter was woken; the answer is in the cache
	resolved := false
	h.do(h.alpha, func(p *sched.Pass) {
		ip, err := h.stack.Lookup(p, "time.example.net")
		require.NoError(t, err)
		require.Equal(t, ip4("192.0.2.123"), ip.To4())
		resolved = true
	})
	require.True(t, resolved)
}

func TestStackLookupArbitration(t *testing.T) {
	h := newHarness(t, staticConfig())
	h.inject(arpReplyFrame(gatewayMAC, ip4("10.1.0.1"), testMAC, ip4("10.1.0.9")))

	h.do(h.alpha, func(p *sched.Pass) {
		_, err := h.stack.Lookup(p, "one.example.net")
		require.ErrorIs(t, err, ErrResolving)
	})
	h.do(h.beta, func(p *sched.Pass) {
		// a different name while one is in flight is refused
		_, err := h.stack.Lookup(p, "two.example.net")
		require.ErrorIs(t, err, ErrBusy)
		// the same name joins the wait
		_, err = h.stack.Lookup(p, "one.example.net")
		require.ErrorIs(t, err, ErrResolving)
	})
}

func TestStackLookupLiteral(t *testing.T) {
	h := newHarness(t, staticConfig())
	h.do(h.alpha, func(p *sched.Pass) {
		ip, err := h.stack.Lookup(p, "192.0.2.7")
		require.NoError(t, err)
		require.Equal(t, ip4("192.0.2.7"), ip)
	})
}

func TestStackLookupTimeout(t *testing.T) {
	h := newHarness(t, staticConfig())
	h.inject(arpReplyFrame(gatewayMAC, ip4("10.1.0.1"), testMAC, ip4("10.1.0.9")))

	h.do(h.alpha, func(p *sched.Pass) {
		_, err := h.stack.Lookup(p, "gone.example.net")
		require.ErrorIs(t, err, ErrResolving)
	})
	for i := 0; i < dnsRetries; i++ {
		h.step(8 * time.Second)
	}
	h.do(h.alpha, func(p *sched.Pass) {
		_, err := h.stack.Lookup(p, "gone.example.net")
		require.ErrorIs(t, err, ErrTimeout)
	})
}
