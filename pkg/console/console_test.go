package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/motelabs/mote.go/pkg/extmem"
	"github.com/motelabs/mote.go/pkg/inet"
	"github.com/motelabs/mote.go/pkg/nic"
	"github.com/motelabs/mote.go/pkg/sched"
	"github.com/motelabs/mote.go/pkg/sim"
	"github.com/motelabs/mote.go/pkg/sntp"
	"github.com/motelabs/mote.go/pkg/tftp"
)

var (
	devMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0xc0, 0x01, 0x09}
	devIP  = net.ParseIP("10.1.0.9").To4()
	peerIP = net.ParseIP("10.1.0.5").To4()
)

func fileBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

type testEvent struct {
	kind, text string
}

// env runs the whole runtime behind the console: executor, stack,
// time and transfer clients, a validated memory bank, and the sim
// peer as the far end of the pipe. The peer is driven by direct
// Handle calls so the clock stays synthetic.
type env struct {
	t       *testing.T
	exec    *sched.Executor
	far     *nic.PipeDevice
	stack   *inet.Stack
	peer    *sim.Peer
	con     *Console
	out     *bytes.Buffer
	now     time.Time
	arrived chan struct{}
	wire    chan []byte
	events  chan testEvent
}

func newEnv(t *testing.T) *env {
	nearDev, farDev := nic.Pipe(32)
	adapter := nic.New("test", nearDev, nic.NewFramePool(16, 1600), 16)
	e := &env{
		t:       t,
		exec:    sched.New(),
		far:     farDev,
		out:     &bytes.Buffer{},
		now:     time.Unix(1700000000, 0),
		arrived: make(chan struct{}, 1),
		wire:    make(chan []byte, 64),
		events:  make(chan testEvent, 16),
	}
	e.stack = inet.NewStack(inet.HostConfig{
		MAC:      devMAC,
		IP:       devIP,
		Netmask:  net.ParseIP("255.255.255.0").To4(),
		Gateway:  net.ParseIP("10.1.0.1").To4(),
		DNS:      peerIP,
		Hostname: "mote",
		Seed:     7,
	}, adapter)
	netID := e.exec.Register(&sched.TaskFunc{TaskName: "net", Fn: func(p *sched.Pass) {
		e.stack.Poll(p, 16)
	}})
	timec := sntp.New(sntp.Config{Server: peerIP.String(), Timeout: time.Second}, e.stack)
	timec.AddTo(e.exec)
	transfer := tftp.New(tftp.Config{Timeout: time.Second}, e.stack)
	transfer.AddTo(e.exec)

	ctrl := extmem.NewSim(extmem.Region{Base: 0x60000000, Words: 4096})
	bank, err := extmem.BringUp(ctrl)
	require.NoError(t, err)
	staging, err := bank.Window(0, 8192)
	require.NoError(t, err)

	e.con = New(Config{Out: e.out, Depth: 4}, Env{
		Link:     adapter,
		Stack:    e.stack,
		Time:     timec,
		Transfer: transfer,
		Staging:  staging,
		Memtest:  func() error { return bank.Selftest(8192, 8192) },
		Server:   peerIP.String(),
	})
	e.con.Notify = func(kind, text string) {
		select {
		case e.events <- testEvent{kind: kind, text: text}:
		default:
		}
	}
	e.con.AddTo(e.exec)

	e.peer = sim.NewPeer(sim.Config{
		IP:         peerIP,
		Netmask:    net.ParseIP("255.255.255.0").To4(),
		Files:      map[string][]byte{"boot.bin": fileBytes(700)},
		TimeOffset: 10 * time.Second,
	}, farDev)

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

	// let the startup time sync finish: ARP exchange, then the
	// retransmitted request once the neighbor is known
	e.settle()
	e.step(1100 * time.Millisecond)
	e.settle()
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

// settle feeds outgoing frames through the peer until the wire goes
// quiet.
func (e *env) settle() {
	for i := 0; i < 200; i++ {
		select {
		case frame := <-e.wire:
			for _, reply := range e.peer.Handle(frame, e.now) {
				e.inject(reply)
			}
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
	e.t.Fatal("wire never settled")
}

// command runs one line and returns the local response.
func (e *env) command(line string) string {
	e.out.Reset()
	e.con.Submit(line, nil)
	e.poll()
	return strings.TrimRight(e.out.String(), "\n")
}

// awaitEvent drives the exchange until the console reports kind.
func (e *env) awaitEvent(kind string, d time.Duration) string {
	for i := 0; i < 20; i++ {
		e.settle()
		select {
		case ev := <-e.events:
			if ev.kind == kind {
				return ev.text
			}
		default:
		}
		e.step(d)
	}
	e.t.Fatalf("no %q event", kind)
	return ""
}

func TestConsoleFetchStore(t *testing.T) {
	e := newEnv(t)

	resp := e.command("fetch boot.bin")
	require.Contains(t, resp, "fetch boot.bin started")

	text := e.awaitEvent("transfer", 1100*time.Millisecond)
	require.Contains(t, text, "fetch boot.bin: 700 bytes in 2 blocks")

	stat := e.command("stat")
	require.Contains(t, stat, "transfer: idle")
	require.Contains(t, stat, "staged: 700 bytes")
	require.Contains(t, stat, "transfer last: fetch boot.bin")

	require.Equal(t, "memtest ok", e.command("memtest"),
		"spare stripe must not touch the staging window")

	resp = e.command("store copy.bin")
	require.Contains(t, resp, "store copy.bin started")
	text = e.awaitEvent("transfer", 1100*time.Millisecond)
	require.Contains(t, text, "store copy.bin: 700 bytes in 2 blocks")

	data, ok := e.peer.File("copy.bin")
	require.True(t, ok, "stored file must land on the peer")
	require.Equal(t, fileBytes(700), data)
}

func TestConsoleStoreNeedsStagedBytes(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, "error: nothing staged, fetch first", e.command("store out.bin"))
}

func TestConsoleTimeReport(t *testing.T) {
	e := newEnv(t)

	resp := e.command("time")
	require.Contains(t, resp, "offset 10s", "peer skews its clock by 10s")
	require.Contains(t, resp, "state idle")
	require.Contains(t, resp, "syncs 1")

	require.Equal(t, "sync requested", e.command("sync"))
	e.settle()
	e.step(100 * time.Millisecond)
	e.settle()
	resp = e.command("time")
	require.Contains(t, resp, "syncs 2")
}

func TestConsoleLinkReport(t *testing.T) {
	e := newEnv(t)
	resp := e.command("link")
	require.Contains(t, resp, "link up")
	require.Contains(t, resp, "addr 10.1.0.9/255.255.255.0")
	require.Contains(t, resp, "dns 10.1.0.5")
	require.Contains(t, resp, "host mote")
}

func TestConsoleCancelIdle(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, "no transfer in flight", e.command("cancel"))
}

func newBareConsole(t *testing.T, depth int, env Env) (*Console, *bytes.Buffer, func(string) string) {
	t.Helper()
	out := &bytes.Buffer{}
	exec := sched.New()
	con := New(Config{Out: out, Depth: depth}, env)
	con.AddTo(exec)
	now := time.Unix(1700000000, 0)
	command := func(line string) string {
		out.Reset()
		con.Submit(line, nil)
		for exec.Poll(now) > 0 {
		}
		return strings.TrimRight(out.String(), "\n")
	}
	return con, out, command
}

func TestConsoleOfflineReplies(t *testing.T) {
	_, _, command := newBareConsole(t, 4, Env{})

	require.Equal(t, "error: no network", command("link"))
	require.Equal(t, "error: no time client", command("time"))
	require.Equal(t, "error: no time client", command("sync"))
	require.Equal(t, "error: transfers offline, no staging memory", command("fetch boot.bin"))
	require.Equal(t, "error: transfers offline", command("cancel"))
	require.Equal(t, "error: external memory offline", command("memtest"))
	require.Equal(t, "error: usage: fetch FILE [SERVER]", command("fetch"))
	require.Contains(t, command("bogus"), `unknown command "bogus"`)

	help := command("help")
	require.Contains(t, help, "fetch FILE [SERVER]")
	require.Contains(t, help, "memtest")

	stat := command("stat")
	require.Contains(t, stat, "console: dropped 0")
	require.Contains(t, stat, "staged: 0 bytes")
}

func TestConsoleMemtestFailure(t *testing.T) {
	con, _, command := newBareConsole(t, 4, Env{
		Memtest: func() error { return errors.New("stuck bit at 0x60000400") },
	})
	var events []testEvent
	con.Notify = func(kind, text string) { events = append(events, testEvent{kind, text}) }

	require.Equal(t, "error: memtest failed: stuck bit at 0x60000400", command("memtest"))
	require.Equal(t, []testEvent{{"mem", "memtest failed: stuck bit at 0x60000400"}}, events)
}

func TestConsoleRingOverflow(t *testing.T) {
	con, _, _ := newBareConsole(t, 2, Env{})

	var replies []string
	rep := func(ok bool, text string) {
		replies = append(replies, fmt.Sprintf("%v:%s", ok, text))
	}
	con.Submit("help", rep)
	con.Submit("help", rep)
	con.Submit("help", rep)

	require.Len(t, replies, 1, "third line bounces before any dispatch")
	require.Equal(t, "false:console busy, try again later", replies[0])
	require.EqualValues(t, 1, con.Dropped())
}

func TestConsoleReaderFeedsRing(t *testing.T) {
	out := &bytes.Buffer{}
	r, w := io.Pipe()
	exec := sched.New()
	con := New(Config{In: r, Out: out, Depth: 4}, Env{})
	con.AddTo(exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- con.Run(ctx) }()

	_, err := w.Write([]byte("bogus\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for exec.Poll(time.Now()) > 0 {
		}
		return strings.Contains(out.String(), "unknown command")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
