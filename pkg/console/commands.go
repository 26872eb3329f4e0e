package console

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/motelabs/mote.go/pkg/inet"
	"github.com/motelabs/mote.go/pkg/metrics"
	"github.com/motelabs/mote.go/pkg/sched"
	"github.com/motelabs/mote.go/pkg/tftp"
)

type command struct {
	name     string
	args     string
	help     string
	min, max int
	run      func(c *Console, p *sched.Pass, r *request, args []string)
}

var commands []command

// Populated in init: cmdHelp walks the table, so a package-level
// literal would form an initialization cycle.
func init() {
	commands = []command{
		{"help", "", "list commands", 0, 0, cmdHelp},
		{"link", "", "link state and addresses", 0, 0, cmdLink},
		{"time", "", "wall clock and sync state", 0, 0, cmdTime},
		{"sync", "", "force a time sync round", 0, 0, cmdSync},
		{"fetch", "FILE [SERVER]", "download FILE into staging memory", 1, 2, cmdFetch},
		{"store", "FILE [SERVER]", "upload the staged bytes as FILE", 1, 2, cmdStore},
		{"cancel", "", "abort the transfer in flight", 0, 0, cmdCancel},
		{"stat", "", "runtime counters", 0, 0, cmdStat},
		{"memtest", "", "revalidate a spare memory stripe", 0, 0, cmdMemtest},
	}
}

func lookup(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

func (c *Console) dispatch(p *sched.Pass, r *request) {
	fields := strings.Fields(r.line)
	cmd := lookup(fields[0])
	if cmd == nil {
		metrics.ConsoleCommands.WithLabelValues("unknown").Inc()
		r.finish(false, fmt.Sprintf("unknown command %q, help lists them", fields[0]))
		return
	}
	metrics.ConsoleCommands.WithLabelValues(cmd.name).Inc()
	glog.V(1).Infof("console: %s", r.line)
	args := fields[1:]
	if len(args) < cmd.min || len(args) > cmd.max {
		r.finish(false, strings.TrimSpace("usage: "+cmd.name+" "+cmd.args))
		return
	}
	cmd.run(c, p, r, args)
}

func cmdHelp(_ *Console, _ *sched.Pass, r *request, _ []string) {
	var b strings.Builder
	for i, cmd := range commands {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%-20s %s", strings.TrimSpace(cmd.name+" "+cmd.args), cmd.help)
	}
	r.finish(true, b.String())
}

func cmdLink(c *Console, _ *sched.Pass, r *request, _ []string) {
	if c.env.Stack == nil || c.env.Link == nil {
		r.finish(false, "no network")
		return
	}
	var b strings.Builder
	state := "down"
	if c.env.Link.LinkUp() {
		state = "up"
	}
	cnt := c.env.Link.Counters()
	fmt.Fprintf(&b, "link %s rx %d tx %d rx-drops %d tx-drops %d\n",
		state, cnt.RxFrames, cnt.TxFrames, cnt.RxDrops, cnt.TxDrops)
	s := c.env.Stack
	if s.Ready() {
		fmt.Fprintf(&b, "addr %v/%v gw %v dns %v host %s",
			s.LocalIP(), s.Netmask(), s.GatewayIP(), s.DNSServerIP(), s.Hostname())
	} else {
		b.WriteString("addr none, waiting for lease")
	}
	r.finish(true, b.String())
}

func cmdTime(c *Console, p *sched.Pass, r *request, _ []string) {
	if c.env.Time == nil {
		r.finish(false, "no time client")
		return
	}
	st := c.env.Time.Status()
	clock := c.env.Time.Clock()
	var b strings.Builder
	if st.Synced {
		fmt.Fprintf(&b, "wall %s (offset %v)\n",
			clock.Now(p.Now).Format(time.RFC3339), st.Offset.Round(time.Millisecond))
		fmt.Fprintf(&b, "last sync %s rtt %v\n",
			clock.Now(st.LastSync).Format(time.RFC3339), st.RTT.Round(time.Millisecond))
	} else {
		fmt.Fprintf(&b, "wall %s (unsynced, local clock)\n", p.Now.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "server %s state %s syncs %d rejects %d",
		st.Server, st.State, st.Syncs, st.Rejects)
	r.finish(true, b.String())
}

func cmdSync(c *Console, _ *sched.Pass, r *request, _ []string) {
	if c.env.Time == nil {
		r.finish(false, "no time client")
		return
	}
	c.env.Time.RequestSync()
	r.finish(true, "sync requested")
}

func cmdFetch(c *Console, _ *sched.Pass, r *request, args []string) {
	c.startTransfer(r, tftp.OpRead, args)
}

func cmdStore(c *Console, _ *sched.Pass, r *request, args []string) {
	c.startTransfer(r, tftp.OpWrite, args)
}

func (c *Console) startTransfer(r *request, op tftp.Op, args []string) {
	if c.env.Transfer == nil || c.env.Staging == nil {
		r.finish(false, "transfers offline, no staging memory")
		return
	}
	file := args[0]
	server := c.env.Server
	if len(args) == 2 {
		server = args[1]
	}
	if server == "" {
		r.finish(false, "no server, name one: "+op.String()+" FILE SERVER")
		return
	}
	req := tftp.Request{Op: op, Server: server, File: file}
	switch op {
	case tftp.OpRead:
		c.staged.Store(0)
		req.Sink = c.env.Staging
	case tftp.OpWrite:
		n := c.staged.Load()
		if n == 0 {
			r.finish(false, "nothing staged, fetch first")
			return
		}
		req.Source = io.NewSectionReader(c.env.Staging, 0, n)
	}
	req.Done = c.transferDone
	if err := c.env.Transfer.TrySubmit(req); err != nil {
		r.finish(false, describe(err))
		return
	}
	r.finish(true, fmt.Sprintf("%s %s started (server %s)", op, file, server))
}

// transferDone runs on the transfer task once the session ends.
func (c *Console) transferDone(res tftp.Result) {
	if res.Err == nil && res.Op == tftp.OpRead {
		c.staged.Store(res.Bytes)
	}
	text := res.String()
	c.print(text)
	c.notifyEvent("transfer", text)
}

func cmdCancel(c *Console, _ *sched.Pass, r *request, _ []string) {
	if c.env.Transfer == nil {
		r.finish(false, "transfers offline")
		return
	}
	if !c.env.Transfer.Status().Active {
		r.finish(true, "no transfer in flight")
		return
	}
	c.env.Transfer.Cancel()
	r.finish(true, "cancel requested")
}

func cmdStat(c *Console, _ *sched.Pass, r *request, _ []string) {
	var b strings.Builder
	if c.env.Link != nil {
		cnt := c.env.Link.Counters()
		fmt.Fprintf(&b, "link: rx %d tx %d rx-drops %d tx-drops %d retries %d\n",
			cnt.RxFrames, cnt.TxFrames, cnt.RxDrops, cnt.TxDrops, cnt.TxRetries)
	}
	if c.env.Stack != nil {
		cnt := c.env.Stack.Counters()
		fmt.Fprintf(&b, "net: pings %d discards %d socket-drops %d no-route %d resolving %d\n",
			cnt.Pings, cnt.Discards, cnt.SocketDrops, cnt.TxNoRoute, cnt.TxResolving)
	}
	if c.env.Transfer != nil {
		st := c.env.Transfer.Status()
		if st.Active {
			fmt.Fprintf(&b, "transfer: %s %s block %d (%d bytes)\n",
				st.Op, st.File, st.Blocks, st.Bytes)
		} else {
			b.WriteString("transfer: idle\n")
		}
		fmt.Fprintf(&b, "transfer counters: retransmits %d duplicates %d\n",
			st.Retransmits, st.Duplicates)
		if st.HasLast {
			fmt.Fprintf(&b, "transfer last: %s\n", st.Last)
		}
	}
	if c.env.Time != nil {
		st := c.env.Time.Status()
		fmt.Fprintf(&b, "time: syncs %d rejects %d\n", st.Syncs, st.Rejects)
	}
	fmt.Fprintf(&b, "console: dropped %d\n", c.Dropped())
	fmt.Fprintf(&b, "staged: %d bytes", c.staged.Load())
	r.finish(true, b.String())
}

func cmdMemtest(c *Console, _ *sched.Pass, r *request, _ []string) {
	if c.env.Memtest == nil {
		r.finish(false, "external memory offline")
		return
	}
	if err := c.env.Memtest(); err != nil {
		c.notifyEvent("mem", "memtest failed: "+err.Error())
		r.finish(false, "memtest failed: "+err.Error())
		return
	}
	r.finish(true, "memtest ok")
}

// describe turns component errors into operator replies.
func describe(err error) string {
	if errors.Is(err, inet.ErrBusy) {
		return "transfer slot busy, try again later"
	}
	return err.Error()
}
