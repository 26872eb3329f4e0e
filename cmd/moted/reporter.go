package main

import (
	"fmt"
	"time"

	"github.com/motelabs/mote.go/pkg/inet"
	"github.com/motelabs/mote.go/pkg/nic"
	"github.com/motelabs/mote.go/pkg/sched"
	"github.com/motelabs/mote.go/pkg/sntp"
)

// reporter turns link, lease and clock transitions into one-shot
// events. It ticks once a second over cheap snapshots, so transitions
// surface within a tick without any hook into the data path.
type reporter struct {
	link  *nic.Adapter
	stack *inet.Stack
	time  *sntp.Client
	emit  func(kind, text string)
	meta  func(ip string) // nil without an uplink

	linkUp bool
	ready  bool
	syncs  uint64
}

// Name implements sched.Task.
func (r *reporter) Name() string { return "reporter" }

// Resume implements sched.Task.
func (r *reporter) Resume(p *sched.Pass) {
	if up := r.link.LinkUp(); up != r.linkUp {
		r.linkUp = up
		if up {
			r.emit("link", "link up")
		} else {
			r.emit("link", "link down")
		}
	}
	if ready := r.stack.Ready(); ready != r.ready {
		r.ready = ready
		if ready {
			ip := r.stack.LocalIP().String()
			r.emit("net", fmt.Sprintf("address %s gw %s dns %s",
				ip, r.stack.GatewayIP(), r.stack.DNSServerIP()))
			if r.meta != nil {
				r.meta(ip)
			}
		} else {
			r.emit("net", "address lost")
		}
	}
	if st := r.time.Status(); st.Syncs > r.syncs {
		first := r.syncs == 0
		r.syncs = st.Syncs
		// only the first lock is an event, the resyncs every interval
		// are routine
		if first {
			r.emit("time", fmt.Sprintf("clock locked to %s, offset %v rtt %v",
				st.Server, st.Offset.Round(time.Millisecond), st.RTT.Round(time.Millisecond)))
		}
	}
	p.WakeAt(p.Now.Add(time.Second))
}
