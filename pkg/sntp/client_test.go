package sntp

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/motelabs/mote.go/pkg/inet"
	"github.com/motelabs/mote.go/pkg/nic"
	"github.com/motelabs/mote.go/pkg/sched"
)

var (
	devMAC    = net.HardwareAddr{0x02, 0x00, 0x00, 0xbe, 0xef, 0x01}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0xbe, 0xef, 0x05}
	devIP     = net.ParseIP("10.1.0.9").To4()
	serverIP  = net.ParseIP("10.1.0.5").To4()
)

type env struct {
	t       *testing.T
	exec    *sched.Executor
	far     *nic.PipeDevice
	stack   *inet.Stack
	client  *Client
	now      time.Time
	arrived  chan struct{}
	wire     chan []byte
	lastPort uint16
}

func newEnv(t *testing.T, cfg Config) *env {
	nearDev, farDev := nic.Pipe(32)
	adapter := nic.New("test", nearDev, nic.NewFramePool(16, 1600), 16)
	e := &env{
		t:       t,
		exec:    sched.New(),
		far:     farDev,
		now:     time.Unix(1700000000, 0),
		arrived: make(chan struct{}, 1),
		wire:    make(chan []byte, 64),
	}
	e.stack = inet.NewStack(inet.HostConfig{
		MAC:     devMAC,
		IP:      devIP,
		Netmask: net.ParseIP("255.255.255.0").To4(),
		Gateway: net.ParseIP("10.1.0.1").To4(),
		Seed:    7,
	}, adapter)
	netID := e.exec.Register(&sched.TaskFunc{TaskName: "net", Fn: func(p *sched.Pass) {
		e.stack.Poll(p, 16)
	}})
	if cfg.Server == "" {
		cfg.Server = serverIP.String()
	}
	e.client = New(cfg, e.stack)
	e.client.AddTo(e.exec)
	adapter.Notify(func() {
		e.exec.Wake(netID)
		select {
		case e.arrived <- struct{}{}:
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
			e.wire <- append([]byte(nil), frame...)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})

	select {
	case <-e.arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("link never came up")
	}
	e.poll()
	return e
}

func (e *env) poll() {
	for e.exec.Poll(e.now) > 0 {
	}
}

func (e *env) step(d time.Duration) {
	e.now = e.now.Add(d)
	e.poll()
}

func (e *env) inject(frame []byte) {
	require.NoError(e.t, e.far.WriteFrame(frame))
	select {
	case <-e.arrived:
	case <-time.After(2 * time.Second):
		e.t.Fatal("frame never delivered")
	}
	e.poll()
}

func (e *env) wireExpect() gopacket.Packet {
	select {
	case frame := <-e.wire:
		return gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	case <-time.After(2 * time.Second):
		e.t.Fatal("expected a frame on the wire")
		return nil
	}
}

// warmNeighbors answers the ARP request triggered by the first send.
func (e *env) warmNeighbors() {
	pkt := e.wireExpect()
	require.NotNil(e.t, pkt.Layer(layers.LayerTypeARP), "expected an ARP request first")

	buf := gopacket.NewSerializeBuffer()
	eth := layers.Ethernet{SrcMAC: serverMAC, DstMAC: devMAC, EthernetType: layers.EthernetTypeARP}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   serverMAC,
		SourceProtAddress: serverIP,
		DstHwAddress:      devMAC,
		DstProtAddress:    devIP,
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(e.t, gopacket.SerializeLayers(buf, opts, &eth, &arp))
	e.inject(append([]byte(nil), buf.Bytes()...))
}

// awaitRequest advances past the send timeout so the client
// retransmits with the neighbor cache warm, then returns the request.
func (e *env) awaitRequest(timeout time.Duration) []byte {
	e.step(timeout)
	pkt := e.wireExpect()
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	require.NotNil(e.t, udpLayer, "expected the time request")
	udp := udpLayer.(*layers.UDP)
	e.lastPort = uint16(udp.SrcPort)
	payload := udp.Payload
	require.Len(e.t, payload, packetSize)
	require.Equal(e.t, uint8(modeClient), payload[0]&0x7)
	return append([]byte(nil), payload...)
}

type replySpec struct {
	mode      uint8
	leap      uint8
	stratum   uint8
	originate ntpTime
	at        time.Time
	processed time.Duration
}

func ntpReply(spec replySpec) []byte {
	b := make([]byte, packetSize)
	b[0] = spec.leap<<6 | 4<<3 | spec.mode
	b[1] = spec.stratum
	binary.BigEndian.PutUint64(b[24:], uint64(spec.originate))
	binary.BigEndian.PutUint64(b[32:], uint64(toNTPTime(spec.at)))
	binary.BigEndian.PutUint64(b[40:], uint64(toNTPTime(spec.at.Add(spec.processed))))
	return b
}

func (e *env) injectReply(payload []byte, srcIP net.IP, srcPort uint16) {
	sock := e.clientPort()
	buf := gopacket.NewSerializeBuffer()
	eth := layers.Ethernet{SrcMAC: serverMAC, DstMAC: devMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: srcIP, DstIP: devIP}
	udp := layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(sock)}
	require.NoError(e.t, udp.SetNetworkLayerForChecksum(&ip))
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(e.t, gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, gopacket.Payload(payload)))
	e.inject(append([]byte(nil), buf.Bytes()...))
}

// clientPort digs the client's source port out of the last request;
// the socket port is stable for the client's lifetime.
func (e *env) clientPort() uint16 {
	return e.lastPort
}

func originateOf(req []byte) ntpTime {
	return ntpTime(binary.BigEndian.Uint64(req[40:]))
}

func TestClientSync(t *testing.T) {
	e := newEnv(t, Config{})
	e.warmNeighbors()
	req := e.awaitRequest(e.client.cfg.Timeout)

	// server 5s ahead, instant turnaround
	reply := ntpReply(replySpec{
		mode:      modeServer,
		stratum:   2,
		originate: originateOf(req),
		at:        e.now.Add(5 * time.Second),
	})
	e.injectReply(reply, serverIP, serverPort)

	offset, synced := e.client.Clock().Offset()
	require.True(t, synced)
	require.Equal(t, 5*time.Second, offset)
	require.Equal(t, e.now.Add(5*time.Second), e.client.Clock().Now(e.now))

	st := e.client.Status()
	require.True(t, st.Synced)
	require.Equal(t, uint64(1), st.Syncs)
	require.Equal(t, "idle", st.State)

	// a duplicate of the same reply is stale and changes nothing
	e.injectReply(reply, serverIP, serverPort)
	require.Equal(t, uint64(1), e.client.Status().Syncs)
}

func TestClientRejectsForgedAndImplausible(t *testing.T) {
	e := newEnv(t, Config{MaxOffset: time.Hour})
	e.warmNeighbors()
	req := e.awaitRequest(e.client.cfg.Timeout)

	bad := []struct {
		name string
		spec replySpec
	}{
		{"wrong originate", replySpec{mode: modeServer, stratum: 2, originate: 12345, at: e.now}},
		{"wrong mode", replySpec{mode: modeClient, stratum: 2, originate: originateOf(req), at: e.now}},
		{"stratum zero", replySpec{mode: modeServer, stratum: 0, originate: originateOf(req), at: e.now}},
		{"unsynchronized", replySpec{mode: modeServer, leap: leapUnsynchronized, stratum: 2, originate: originateOf(req), at: e.now}},
		{"out of range", replySpec{mode: modeServer, stratum: 2, originate: originateOf(req), at: e.now.Add(2 * time.Hour)}},
	}
	for _, tc := range bad {
		e.injectReply(ntpReply(tc.spec), serverIP, serverPort)
		_, synced := e.client.Clock().Offset()
		require.False(t, synced, tc.name)
	}
	require.Equal(t, uint64(len(bad)), e.client.Status().Rejects)

	// the round is still alive: a good reply after the garbage wins
	e.injectReply(ntpReply(replySpec{
		mode:      modeServer,
		stratum:   2,
		originate: originateOf(req),
		at:        e.now.Add(time.Minute),
	}), serverIP, serverPort)
	offset, synced := e.client.Clock().Offset()
	require.True(t, synced)
	require.Equal(t, time.Minute, offset)
}

func TestClientRejectsForeignSource(t *testing.T) {
	e := newEnv(t, Config{})
	e.warmNeighbors()
	req := e.awaitRequest(e.client.cfg.Timeout)

	good := ntpReply(replySpec{mode: modeServer, stratum: 2, originate: originateOf(req), at: e.now.Add(time.Second)})
	e.injectReply(good, net.ParseIP("10.1.0.66").To4(), serverPort)
	_, synced := e.client.Clock().Offset()
	require.False(t, synced)
	require.Equal(t, uint64(1), e.client.Status().Rejects)
}

func TestClientTimeoutBacksOff(t *testing.T) {
	e := newEnv(t, Config{Retries: 3})
	e.warmNeighbors()

	// nothing ever answers: every retry goes out, then the round dies
	e.awaitRequest(e.client.cfg.Timeout)
	e.awaitRequest(e.client.cfg.Timeout)
	e.step(e.client.cfg.Timeout)

	st := e.client.Status()
	require.False(t, st.Synced)
	require.Equal(t, "idle", st.State)

	// the next round starts only after the backoff
	e.step(8 * time.Second)
	pkt := e.wireExpect()
	require.NotNil(t, pkt.Layer(layers.LayerTypeUDP))
}

func TestClientRequestSyncNow(t *testing.T) {
	e := newEnv(t, Config{})
	e.warmNeighbors()
	req := e.awaitRequest(e.client.cfg.Timeout)
	e.injectReply(ntpReply(replySpec{
		mode: modeServer, stratum: 2, originate: originateOf(req), at: e.now.Add(time.Second),
	}), serverIP, serverPort)
	require.Equal(t, uint64(1), e.client.Status().Syncs)

	// an on-demand round fires without waiting out the interval
	e.client.RequestSync()
	e.poll()
	pkt := e.wireExpect()
	require.NotNil(t, pkt.Layer(layers.LayerTypeUDP))
}
