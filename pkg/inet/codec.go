package inet

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// decoder holds the reusable decode state for one stack. Decoded
// layers view into the frame buffer, nothing is copied here.
type decoder struct {
	parser *gopacket.DecodingLayerParser

	eth     layers.Ethernet
	arp     layers.ARP
	ip4     layers.IPv4
	icmp4   layers.ICMPv4
	udp     layers.UDP
	payload gopacket.Payload

	decoded []gopacket.LayerType
}

func newDecoder() *decoder {
	d := &decoder{}
	d.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&d.eth,
		&d.arp,
		&d.ip4,
		&d.icmp4,
		&d.udp,
		&d.payload,
	)
	d.parser.IgnoreUnsupported = true
	return d
}

// decode parses one frame and reports the layers found. Port-mapped
// payloads above UDP stop the parser early; the UDP payload view
// stays valid either way.
func (d *decoder) decode(frame []byte) ([]gopacket.LayerType, error) {
	d.decoded = d.decoded[:0]
	err := d.parser.DecodeLayers(frame, &d.decoded)
	return d.decoded, err
}

func (d *decoder) has(t gopacket.LayerType) bool {
	for _, dt := range d.decoded {
		if dt == t {
			return true
		}
	}
	return false
}

var serializeOpts = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// serializeUDP builds a complete frame around a UDP payload.
func serializeUDP(buf gopacket.SerializeBuffer, srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) error {
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip4 := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip4); err != nil {
		return err
	}
	return gopacket.SerializeLayers(buf, serializeOpts,
		&eth, &ip4, &udp, gopacket.Payload(payload))
}

// serializeARP builds an ARP request or reply.
func serializeARP(buf gopacket.SerializeBuffer, op uint16, srcMAC net.HardwareAddr, srcIP net.IP, dstMAC net.HardwareAddr, dstIP net.IP) error {
	ethDst := dstMAC
	targetMAC := dstMAC
	if op == layers.ARPRequest {
		ethDst = broadcastMAC
		targetMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}
	}
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       ethDst,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: srcIP.To4(),
		DstHwAddress:      targetMAC,
		DstProtAddress:    dstIP.To4(),
	}
	return gopacket.SerializeLayers(buf, serializeOpts, &eth, &arp)
}

// serializeICMPEcho builds an ICMP echo reply.
func serializeICMPEcho(buf gopacket.SerializeBuffer, srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, id, seq uint16, payload []byte) error {
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip4 := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	icmp := layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       id,
		Seq:      seq,
	}
	return gopacket.SerializeLayers(buf, serializeOpts,
		&eth, &ip4, &icmp, gopacket.Payload(payload))
}
