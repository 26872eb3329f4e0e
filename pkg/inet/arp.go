package inet

import (
	"net"
	"time"
)

const (
	arpCacheSize  = 8
	arpPendingMax = 4
	arpEntryTTL   = 60 * time.Second
	arpRetryEvery = time.Second
	arpRetries    = 4
)

// Cache entries copy addresses out of the frame: decoded fields view
// pool memory which is recycled long before the entry expires.
type arpEntry struct {
	used    bool
	ip      [4]byte
	mac     [6]byte
	expires time.Time
}

type arpPending struct {
	used     bool
	ip       [4]byte
	attempts int
	next     time.Time
}

// arpTable is the neighbor cache plus in-flight resolutions. Both
// sides are fixed arrays; running out of pending slots just delays
// resolution until a slot frees.
type arpTable struct {
	entries [arpCacheSize]arpEntry
	pending [arpPendingMax]arpPending
}

func ip4key(ip net.IP) (k [4]byte) {
	copy(k[:], ip.To4())
	return
}

func (t *arpTable) lookup(now time.Time, ip net.IP) (net.HardwareAddr, bool) {
	key := ip4key(ip)
	for i := range t.entries {
		e := &t.entries[i]
		if e.used && e.ip == key {
			if now.After(e.expires) {
				e.used = false
				return nil, false
			}
			return net.HardwareAddr(e.mac[:]), true
		}
	}
	return nil, false
}

func (t *arpTable) learn(now time.Time, ip net.IP, mac net.HardwareAddr) {
	if len(mac) != 6 {
		return
	}
	key := ip4key(ip)
	match, free := -1, -1
	for i := range t.entries {
		e := &t.entries[i]
		if e.used && e.ip == key {
			match = i
			break
		}
		if !e.used && free < 0 {
			free = i
		}
	}
	slot := match
	if slot < 0 {
		slot = free
	}
	if slot < 0 {
		// full table: evict the entry closest to expiry
		slot = 0
		for i := 1; i < len(t.entries); i++ {
			if t.entries[i].expires.Before(t.entries[slot].expires) {
				slot = i
			}
		}
	}
	e := &t.entries[slot]
	e.used = true
	e.ip = key
	copy(e.mac[:], mac)
	e.expires = now.Add(arpEntryTTL)
	t.cancel(key)
}

func (t *arpTable) cancel(key [4]byte) {
	for i := range t.pending {
		if t.pending[i].used && t.pending[i].ip == key {
			t.pending[i].used = false
		}
	}
}

// solicit registers interest in ip and reports whether a request
// should be transmitted now. Retries are paced by pollDue.
func (t *arpTable) solicit(now time.Time, ip net.IP) bool {
	key := ip4key(ip)
	free := -1
	for i := range t.pending {
		p := &t.pending[i]
		if p.used && p.ip == key {
			return false
		}
		if !p.used && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return false
	}
	p := &t.pending[free]
	p.used = true
	p.ip = key
	p.attempts = 1
	p.next = now.Add(arpRetryEvery)
	return true
}

// pollDue returns the addresses whose requests should be retransmitted
// now, dropping resolutions that ran out of attempts.
func (t *arpTable) pollDue(now time.Time) [][4]byte {
	var due [][4]byte
	for i := range t.pending {
		p := &t.pending[i]
		if !p.used || p.next.After(now) {
			continue
		}
		if p.attempts >= arpRetries {
			p.used = false
			continue
		}
		p.attempts++
		p.next = now.Add(arpRetryEvery)
		due = append(due, p.ip)
	}
	return due
}

func (t *arpTable) nextWake() time.Time {
	var next time.Time
	for i := range t.pending {
		p := &t.pending[i]
		if p.used && (next.IsZero() || p.next.Before(next)) {
			next = p.next
		}
	}
	return next
}

func (t *arpTable) reset() {
	for i := range t.entries {
		t.entries[i].used = false
	}
	for i := range t.pending {
		t.pending[i].used = false
	}
}
