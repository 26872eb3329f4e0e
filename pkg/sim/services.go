package sim

import (
	"encoding/binary"
	"net"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	dhcpServerPort = 67
	dhcpClientPort = 68
	dnsPort        = 53
	ntpPort        = 123
	tftpPort       = 69
)

func one(frame []byte) [][]byte {
	if frame == nil {
		return nil
	}
	return [][]byte{frame}
}

func (p *Peer) handleDHCP(src from, payload []byte) [][]byte {
	if !p.cfg.DHCP {
		return nil
	}
	var req layers.DHCPv4
	if err := req.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return nil
	}
	if req.Operation != layers.DHCPOpRequest {
		return nil
	}
	var msgType layers.DHCPMsgType
	for _, opt := range req.Options {
		if opt.Type == layers.DHCPOptMessageType && len(opt.Data) > 0 {
			msgType = layers.DHCPMsgType(opt.Data[0])
		}
	}

	ip := p.lease(req.ClientHWAddr.String())
	var reply layers.DHCPMsgType
	switch msgType {
	case layers.DHCPMsgTypeDiscover:
		reply = layers.DHCPMsgTypeOffer
	case layers.DHCPMsgTypeRequest:
		reply = layers.DHCPMsgTypeAck
	default:
		return nil
	}
	glog.V(2).Infof("sim: dhcp %v from %s -> %v %s", msgType, req.ClientHWAddr, reply, ip)

	lease := make([]byte, 4)
	binary.BigEndian.PutUint32(lease, p.cfg.LeaseSecs)
	resp := layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          req.Xid,
		YourClientIP: ip,
		ClientHWAddr: req.ClientHWAddr,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(reply)}),
			layers.NewDHCPOption(layers.DHCPOptServerID, p.cfg.IP),
			layers.NewDHCPOption(layers.DHCPOptSubnetMask, p.cfg.Netmask),
			layers.NewDHCPOption(layers.DHCPOptRouter, p.cfg.IP),
			layers.NewDHCPOption(layers.DHCPOptDNS, p.cfg.IP),
			layers.NewDHCPOption(layers.DHCPOptLeaseTime, lease),
		},
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := resp.SerializeTo(buf, opts); err != nil {
		glog.Warningf("sim: dhcp serialize: %v", err)
		return nil
	}

	// A client without an address yet cannot be reached at its source
	// IP; address the reply to the lease instead.
	to := src
	to.port = dhcpClientPort
	if to.ip.IsUnspecified() {
		to.ip = ip
	}
	return one(p.udpReply(to, dhcpServerPort, buf.Bytes()))
}

// lease hands the same address back to the same client, next free
// pool slot to a new one.
func (p *Peer) lease(mac string) net.IP {
	if ip, ok := p.leases[mac]; ok {
		return ip
	}
	ip := nextIP(p.cfg.PoolStart, p.nextIdx%p.cfg.PoolSize)
	p.nextIdx++
	p.leases[mac] = ip
	return ip
}

func (p *Peer) handleDNS(src from, payload []byte) [][]byte {
	var q layers.DNS
	if err := q.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return nil
	}
	if q.QR || len(q.Questions) == 0 {
		return nil
	}
	question := q.Questions[0]
	resp := layers.DNS{
		ID:        q.ID,
		QR:        true,
		OpCode:    q.OpCode,
		RD:        q.RD,
		RA:        true,
		Questions: q.Questions,
	}
	ip, known := p.names[strings.ToLower(string(question.Name))]
	switch {
	case question.Type != layers.DNSTypeA || question.Class != layers.DNSClassIN:
		resp.ResponseCode = layers.DNSResponseCodeNotImp
	case known:
		resp.Answers = []layers.DNSResourceRecord{{
			Name:  question.Name,
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
			TTL:   60,
			IP:    ip,
		}}
	default:
		resp.ResponseCode = layers.DNSResponseCodeNXDomain
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := resp.SerializeTo(buf, opts); err != nil {
		glog.Warningf("sim: dns serialize: %v", err)
		return nil
	}
	return one(p.udpReply(src, dnsPort, buf.Bytes()))
}

const ntpEpochOffset = 2208988800

func ntpStamp(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return secs<<32 | frac
}

// handleNTP answers client-mode requests with the skewed clock, or
// misbehaves per the configured faults.
func (p *Peer) handleNTP(src from, payload []byte, now time.Time) [][]byte {
	if len(payload) < 48 || payload[0]&0x7 != 3 {
		return nil
	}
	if p.Time.Drop > 0 {
		p.Time.Drop--
		glog.V(2).Info("sim: ntp request dropped by fault")
		return nil
	}
	t := now.Add(p.cfg.TimeOffset)
	var b [48]byte
	leap, stratum := uint8(0), p.cfg.Stratum
	if p.Time.BogusStratum {
		leap, stratum = 3, 0
	}
	b[0] = leap<<6 | 4<<3 | 4 // server mode
	b[1] = stratum
	binary.BigEndian.PutUint64(b[16:], ntpStamp(t))
	copy(b[24:32], payload[40:48]) // echo the originate timestamp
	binary.BigEndian.PutUint64(b[32:], ntpStamp(t))
	if !p.Time.ZeroStamps {
		binary.BigEndian.PutUint64(b[40:], ntpStamp(t))
	}
	return one(p.udpReply(src, ntpPort, b[:]))
}
