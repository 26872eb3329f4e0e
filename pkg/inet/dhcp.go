package inet

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/golang/glog"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/motelabs/mote.go/pkg/sched"
)

const (
	dhcpClientPort = 68
	dhcpServerPort = 67

	dhcpBackoffMin  = 2 * time.Second
	dhcpBackoffMax  = 64 * time.Second
	dhcpRetriesMax  = 4
	dhcpRenewRetry  = 30 * time.Second
	dhcpLeaseGuess  = time.Hour
)

type dhcpPhase int

const (
	dhcpOff dhcpPhase = iota
	dhcpWaitLink
	dhcpDiscover
	dhcpRequest
	dhcpBound
	dhcpRenew
)

// dhcpClient acquires and renews the address lease. All transitions
// happen inside the stack poll; state is plain fields.
type dhcpClient struct {
	phase    dhcpPhase
	xid      uint32
	attempts int
	backoff  time.Duration
	next     time.Time

	offerIP  net.IP
	serverID net.IP
	lease    time.Duration
}

func cloneIP4(ip net.IP) net.IP {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}
	return append(net.IP(nil), ip4...)
}

func (s *Stack) startDiscover(now time.Time) {
	d := &s.dhcp
	d.phase = dhcpDiscover
	d.xid = s.rand.Uint32()
	d.attempts = 0
	d.backoff = dhcpBackoffMin
	d.offerIP = nil
	d.serverID = nil
	glog.V(1).Infof("inet: dhcp discover, xid %08x", d.xid)
	s.sendDHCP(now, layers.DHCPMsgTypeDiscover)
	d.next = now.Add(d.backoff)
}

// sendDHCP builds and transmits the message for the current phase.
func (s *Stack) sendDHCP(now time.Time, msgType layers.DHCPMsgType) {
	d := &s.dhcp
	pkt := layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          d.xid,
		ClientHWAddr: s.cfg.MAC,
		ClientIP:     unspecified,
		YourClientIP: unspecified,
		NextServerIP: unspecified,
		RelayAgentIP: unspecified,
	}
	opts := []layers.DHCPOption{
		layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(msgType)}),
		layers.NewDHCPOption(layers.DHCPOptParamsRequest, []byte{
			byte(layers.DHCPOptSubnetMask),
			byte(layers.DHCPOptRouter),
			byte(layers.DHCPOptDNS),
		}),
	}
	if s.cfg.Hostname != "" {
		opts = append(opts, layers.NewDHCPOption(layers.DHCPOptHostname, []byte(s.cfg.Hostname)))
	}
	srcIP := unspecified
	dst := Endpoint{IP: broadcastIP, Port: dhcpServerPort}
	switch msgType {
	case layers.DHCPMsgTypeRequest:
		if d.phase == dhcpRenew {
			// renewing unicasts to the server with the bound address
			pkt.ClientIP = s.ip
			srcIP = s.ip
			dst.IP = d.serverID
		} else {
			opts = append(opts,
				layers.NewDHCPOption(layers.DHCPOptRequestIP, d.offerIP.To4()),
				layers.NewDHCPOption(layers.DHCPOptServerID, d.serverID.To4()))
		}
	}
	pkt.Options = opts

	buf := gopacket.NewSerializeBuffer()
	if err := pkt.SerializeTo(buf, serializeOpts); err != nil {
		glog.Errorf("inet: dhcp serialize: %v", err)
		return
	}
	if err := s.transmitUDP(now, srcIP, dhcpClientPort, dst, buf.Bytes()); err != nil {
		glog.V(2).Infof("inet: dhcp send: %v", err)
	}
}

func (s *Stack) handleDHCP(p *sched.Pass, payload []byte) {
	d := &s.dhcp
	if d.phase != dhcpDiscover && d.phase != dhcpRequest && d.phase != dhcpRenew {
		return
	}
	var pkt layers.DHCPv4
	if err := pkt.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		s.discard("bad-dhcp")
		return
	}
	if pkt.Operation != layers.DHCPOpReply || pkt.Xid != d.xid {
		s.discard("dhcp-xid")
		return
	}

	var msgType layers.DHCPMsgType
	var mask, router, dns, server net.IP
	var lease time.Duration
	for _, o := range pkt.Options {
		switch o.Type {
		case layers.DHCPOptMessageType:
			if len(o.Data) == 1 {
				msgType = layers.DHCPMsgType(o.Data[0])
			}
		case layers.DHCPOptSubnetMask:
			mask = cloneIP4(net.IP(o.Data))
		case layers.DHCPOptRouter:
			router = cloneIP4(net.IP(o.Data))
		case layers.DHCPOptDNS:
			if len(o.Data) >= 4 {
				dns = cloneIP4(net.IP(o.Data[:4]))
			}
		case layers.DHCPOptServerID:
			server = cloneIP4(net.IP(o.Data))
		case layers.DHCPOptLeaseTime:
			if len(o.Data) == 4 {
				lease = time.Duration(binary.BigEndian.Uint32(o.Data)) * time.Second
			}
		}
	}

	now := p.Now
	switch {
	case msgType == layers.DHCPMsgTypeOffer && d.phase == dhcpDiscover:
		d.offerIP = cloneIP4(pkt.YourClientIP)
		d.serverID = server
		if d.offerIP == nil || d.serverID == nil {
			s.discard("dhcp-offer")
			return
		}
		d.phase = dhcpRequest
		d.attempts = 0
		d.backoff = dhcpBackoffMin
		glog.V(1).Infof("inet: dhcp offer %s from %s", d.offerIP, d.serverID)
		s.sendDHCP(now, layers.DHCPMsgTypeRequest)
		d.next = now.Add(d.backoff)

	case msgType == layers.DHCPMsgTypeAck && (d.phase == dhcpRequest || d.phase == dhcpRenew):
		addr := cloneIP4(pkt.YourClientIP)
		if addr == nil {
			s.discard("dhcp-ack")
			return
		}
		if lease <= 0 {
			lease = dhcpLeaseGuess
		}
		d.lease = lease
		s.ip = addr
		if mask != nil {
			s.mask = mask
		}
		if router != nil {
			s.gw = router
		}
		if dns != nil && len(s.cfg.DNS) == 0 {
			s.dnsServer = dns
		}
		s.ready = true
		d.phase = dhcpBound
		d.next = now.Add(lease / 2)
		glog.Infof("inet: dhcp bound %s/%s gw %s lease %s", s.ip, s.mask, s.gw, lease)
		s.wakeAllOwners(p)

	case msgType == layers.DHCPMsgTypeNak:
		glog.Warningf("inet: dhcp nak, restarting")
		s.dropLease()
		s.startDiscover(now)
	}
}

func (s *Stack) pollDHCP(p *sched.Pass) {
	d := &s.dhcp
	now := p.Now
	if d.phase == dhcpOff || d.phase == dhcpWaitLink || now.Before(d.next) {
		return
	}
	switch d.phase {
	case dhcpDiscover:
		s.sendDHCP(now, layers.DHCPMsgTypeDiscover)
		if d.backoff < dhcpBackoffMax {
			d.backoff *= 2
		}
		d.next = now.Add(d.backoff)

	case dhcpRequest:
		d.attempts++
		if d.attempts >= dhcpRetriesMax {
			s.startDiscover(now)
			return
		}
		s.sendDHCP(now, layers.DHCPMsgTypeRequest)
		if d.backoff < dhcpBackoffMax {
			d.backoff *= 2
		}
		d.next = now.Add(d.backoff)

	case dhcpBound:
		d.phase = dhcpRenew
		d.attempts = 0
		glog.V(1).Infof("inet: dhcp renewing %s", s.ip)
		s.sendDHCP(now, layers.DHCPMsgTypeRequest)
		d.next = now.Add(dhcpRenewRetry)

	case dhcpRenew:
		d.attempts++
		if d.attempts >= dhcpRetriesMax {
			// lease is gone, start over from scratch
			glog.Warningf("inet: dhcp renewal failed, restarting")
			s.dropLease()
			s.startDiscover(now)
			return
		}
		s.sendDHCP(now, layers.DHCPMsgTypeRequest)
		d.next = now.Add(dhcpRenewRetry)
	}
}

// dropLease forgets the configured address. Sockets stay bound: sends
// fail with ErrNoRoute until a new lease lands.
func (s *Stack) dropLease() {
	s.ready = false
	s.ip = nil
	s.mask = nil
	s.gw = nil
	if len(s.cfg.DNS) == 0 {
		s.dnsServer = nil
	}
	s.arp.reset()
}
