package inet

import (
	"net"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/motelabs/mote.go/pkg/sched"
)

const (
	dnsServerPort = 53
	dnsRetries    = 3
	dnsRetryBase  = time.Second
	dnsTTLMin     = 30 * time.Second
	dnsTTLMax     = time.Hour
	dnsNegTTL     = 5 * time.Second
	dnsTimeoutTTL = 2 * time.Second
)

type dnsPhase int

const (
	dnsIdle dnsPhase = iota
	dnsWaiting
)

// resolver answers A lookups with a single in-flight query and a
// one-entry cache. Tasks that hit ErrResolving are woken when the
// query settles and find the answer cached.
type resolver struct {
	port uint16

	phase    dnsPhase
	name     string
	id       uint16
	attempts int
	backoff  time.Duration
	next     time.Time

	waiters [4]sched.TaskID
	nwait   int

	cacheName string
	cacheIP   net.IP
	cacheExp  time.Time

	negName string
	negErr  error
	negExp  time.Time
}

// Lookup resolves name to an IPv4 address. Literal addresses resolve
// immediately. A fresh query reports ErrResolving and wakes the
// calling task when the answer (or failure) is in; a different name
// while one is in flight reports ErrBusy.
func (s *Stack) Lookup(p *sched.Pass, name string) (net.IP, error) {
	if ip := net.ParseIP(name); ip != nil {
		if ip4 := cloneIP4(ip); ip4 != nil {
			return ip4, nil
		}
		return nil, ErrNameNotFound
	}
	r := &s.dns
	now := p.Now
	if r.cacheName == name && now.Before(r.cacheExp) {
		return append(net.IP(nil), r.cacheIP...), nil
	}
	if r.negName == name && now.Before(r.negExp) {
		return nil, r.negErr
	}
	if len(s.dnsServer) == 0 {
		return nil, ErrNoResolver
	}
	if r.phase == dnsWaiting {
		if r.name != name {
			return nil, ErrBusy
		}
		r.addWaiter(p.Task())
		return nil, ErrResolving
	}

	r.phase = dnsWaiting
	r.name = name
	r.id = uint16(s.rand.Uint32())
	r.attempts = 1
	r.backoff = dnsRetryBase
	r.nwait = 0
	r.addWaiter(p.Task())
	glog.V(2).Infof("inet: dns query %q id %04x", name, r.id)
	s.sendDNS(now)
	r.next = now.Add(r.backoff)
	return nil, ErrResolving
}

func (r *resolver) addWaiter(id sched.TaskID) {
	for i := 0; i < r.nwait; i++ {
		if r.waiters[i] == id {
			return
		}
	}
	if r.nwait < len(r.waiters) {
		r.waiters[r.nwait] = id
		r.nwait++
	}
}

func (s *Stack) sendDNS(now time.Time) {
	r := &s.dns
	query := layers.DNS{
		ID:      r.id,
		RD:      true,
		OpCode:  layers.DNSOpCodeQuery,
		Questions: []layers.DNSQuestion{{
			Name:  []byte(r.name),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
	}
	buf := gopacket.NewSerializeBuffer()
	if err := query.SerializeTo(buf, serializeOpts); err != nil {
		glog.Errorf("inet: dns serialize: %v", err)
		return
	}
	dst := Endpoint{IP: s.dnsServer, Port: dnsServerPort}
	if err := s.transmitUDP(now, s.ip, r.port, dst, buf.Bytes()); err != nil {
		glog.V(2).Infof("inet: dns send: %v", err)
	}
}

func (s *Stack) handleDNS(p *sched.Pass, payload []byte) {
	r := &s.dns
	if r.phase != dnsWaiting {
		return
	}
	var reply layers.DNS
	if err := reply.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		s.discard("bad-dns")
		return
	}
	if !reply.QR || reply.ID != r.id {
		s.discard("dns-id")
		return
	}
	if len(reply.Questions) > 0 && !strings.EqualFold(string(reply.Questions[0].Name), r.name) {
		s.discard("dns-name")
		return
	}

	now := p.Now
	if reply.ResponseCode != layers.DNSResponseCodeNoErr {
		s.settleDNS(p, nil, ErrNameNotFound, dnsNegTTL)
		return
	}
	for _, ans := range reply.Answers {
		if ans.Type != layers.DNSTypeA || ans.IP == nil {
			continue
		}
		ttl := time.Duration(ans.TTL) * time.Second
		if ttl < dnsTTLMin {
			ttl = dnsTTLMin
		}
		if ttl > dnsTTLMax {
			ttl = dnsTTLMax
		}
		r.cacheName = r.name
		r.cacheIP = cloneIP4(ans.IP)
		r.cacheExp = now.Add(ttl)
		glog.V(1).Infof("inet: dns %q is %s (ttl %s)", r.name, r.cacheIP, ttl)
		s.settleDNS(p, r.cacheIP, nil, 0)
		return
	}
	s.settleDNS(p, nil, ErrNameNotFound, dnsNegTTL)
}

// settleDNS finishes the in-flight query and wakes the waiters, who
// re-ask and hit the cache or the negative entry.
func (s *Stack) settleDNS(p *sched.Pass, ip net.IP, err error, negTTL time.Duration) {
	r := &s.dns
	if err != nil {
		r.negName = r.name
		r.negErr = err
		r.negExp = p.Now.Add(negTTL)
		glog.V(1).Infof("inet: dns %q failed: %v", r.name, err)
	}
	r.phase = dnsIdle
	r.name = ""
	for i := 0; i < r.nwait; i++ {
		p.Wake(r.waiters[i])
	}
	r.nwait = 0
}

func (s *Stack) pollDNS(p *sched.Pass) {
	r := &s.dns
	if r.phase != dnsWaiting || p.Now.Before(r.next) {
		return
	}
	if r.attempts >= dnsRetries {
		s.settleDNS(p, nil, ErrTimeout, dnsTimeoutTTL)
		return
	}
	r.attempts++
	r.backoff *= 2
	s.sendDNS(p.Now)
	r.next = p.Now.Add(r.backoff)
}
