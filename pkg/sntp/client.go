// Package sntp implements the time synchronization client. It speaks
// the 48-byte unicast mode of RFC 4330 over a stack socket and
// publishes the measured clock offset for any goroutine to read.
package sntp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/motelabs/mote.go/pkg/inet"
	"github.com/motelabs/mote.go/pkg/metrics"
	"github.com/motelabs/mote.go/pkg/sched"
)

const serverPort = 123

// Config tunes the client. Zero fields pick the defaults.
type Config struct {
	// Server is the time server, a host name or literal address.
	Server string
	// Interval paces successful rounds, default 64s.
	Interval time.Duration
	// Timeout bounds one request, default 2s.
	Timeout time.Duration
	// Retries per round before backing off, default 3.
	Retries int
	// MaxOffset rejects implausible server time, default 24h.
	MaxOffset time.Duration
	// BackoffMax caps the failure backoff, default 5m.
	BackoffMax time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 64 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.MaxOffset <= 0 {
		c.MaxOffset = 24 * time.Hour
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
}

// Clock is the synchronized wall clock: the local clock plus the last
// accepted offset. The client is its only writer; any goroutine may
// read it.
type Clock struct {
	offset atomic.Int64
	synced atomic.Bool
}

// Now converts a local instant to wall time.
func (c *Clock) Now(local time.Time) time.Time {
	return local.Add(time.Duration(c.offset.Load()))
}

// Offset returns the current offset and whether a sync happened yet.
func (c *Clock) Offset() (time.Duration, bool) {
	return time.Duration(c.offset.Load()), c.synced.Load()
}

func (c *Clock) set(offset time.Duration) {
	c.offset.Store(int64(offset))
	c.synced.Store(true)
}

// Status is a snapshot for the console and telemetry.
type Status struct {
	State    string
	Server   string
	ServerIP net.IP
	Synced   bool
	Offset   time.Duration
	RTT      time.Duration
	LastSync time.Time
	Syncs    uint64
	Rejects  uint64
}

type phase int

const (
	phaseIdle phase = iota
	phaseResolving
	phaseAwaiting
)

func (p phase) String() string {
	switch p {
	case phaseResolving:
		return "resolving"
	case phaseAwaiting:
		return "awaiting"
	default:
		return "idle"
	}
}

// Client is the time-sync task. All fields below the mutex line are
// owned by the task; the clock and the request flag are the shared
// edges.
type Client struct {
	cfg   Config
	stack *inet.Stack
	clock Clock

	exec *sched.Executor
	id   sched.TaskID

	syncReq atomic.Bool

	bound    bool
	sock     inet.SocketID
	phase    phase
	serverIP net.IP
	attempts int
	backoff  time.Duration
	next     time.Time
	reqTx    ntpTime
	reqSent  time.Time
	rbuf     [packetSize + 16]byte

	mu   sync.Mutex
	stat Status
}

// New creates the client over a stack.
func New(cfg Config, stack *inet.Stack) *Client {
	cfg.defaults()
	c := &Client{cfg: cfg, stack: stack, backoff: 8 * time.Second}
	c.stat.State = phaseIdle.String()
	c.stat.Server = cfg.Server
	return c
}

// AddTo registers the client with the executor and self-wakes for the
// first round.
func (c *Client) AddTo(exec *sched.Executor) sched.TaskID {
	c.exec = exec
	c.id = exec.Register(c)
	exec.Wake(c.id)
	return c.id
}

// Clock returns the published wall clock.
func (c *Client) Clock() *Clock {
	return &c.clock
}

// Status returns a consistent snapshot.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stat
}

// RequestSync asks for an immediate round. Safe from any goroutine.
func (c *Client) RequestSync() {
	c.syncReq.Store(true)
	c.exec.Wake(c.id)
}

// Name implements Task.
func (c *Client) Name() string { return "sntp" }

// Resume implements Task.
func (c *Client) Resume(p *sched.Pass) {
	now := p.Now
	if !c.bound {
		sock, err := c.stack.Bind(p, 0)
		if err != nil {
			// static socket budget is sized at startup
			panic("sntp: no socket: " + err.Error())
		}
		c.sock = sock
		c.bound = true
		c.next = now
	}
	if c.syncReq.Swap(false) && c.phase == phaseIdle {
		c.next = now
	}

	c.drain(p)

	switch c.phase {
	case phaseIdle, phaseResolving:
		if c.phase == phaseIdle && now.Before(c.next) {
			break
		}
		c.startRound(p)
	case phaseAwaiting:
		if !now.Before(c.next) {
			c.attempts++
			if c.attempts >= c.cfg.Retries {
				c.failRound(now, "timeout")
				break
			}
			c.sendRequest(p)
		}
	}

	p.WakeAt(c.next)
	c.publish()
}

// startRound resolves the server and fires the first request.
func (c *Client) startRound(p *sched.Pass) {
	if !c.stack.Ready() {
		// woken again when the stack comes up; recheck slowly anyway
		c.phase = phaseIdle
		c.next = p.Now.Add(time.Second)
		return
	}
	ip, err := c.stack.Lookup(p, c.cfg.Server)
	switch err {
	case nil:
		c.serverIP = ip.To4()
		c.phase = phaseAwaiting
		c.attempts = 0
		c.sendRequest(p)
	case inet.ErrResolving:
		c.phase = phaseResolving
		// resolver wakes us; the deadline is just a guard
		c.next = p.Now.Add(5 * time.Second)
	case inet.ErrBusy:
		c.phase = phaseIdle
		c.next = p.Now.Add(time.Second)
	default:
		c.reject("resolve")
		glog.Warningf("sntp: resolve %s: %v", c.cfg.Server, err)
		c.failRound(p.Now, "resolve")
	}
}

func (c *Client) sendRequest(p *sched.Pass) {
	c.reqTx = toNTPTime(p.Now)
	c.reqSent = p.Now
	req := encodeRequest(c.rbuf[:], c.reqTx)
	err := c.stack.SendTo(p, c.sock, inet.Endpoint{IP: c.serverIP, Port: serverPort}, req)
	if err != nil {
		glog.V(2).Infof("sntp: send: %v", err)
	}
	c.next = p.Now.Add(c.cfg.Timeout)
	glog.V(2).Infof("sntp: request to %s (attempt %d)", c.serverIP, c.attempts+1)
}

// drain consumes every queued datagram; replies only count while a
// round is in flight.
func (c *Client) drain(p *sched.Pass) {
	if !c.bound {
		return
	}
	for {
		n, src, ok := c.stack.RecvFrom(p, c.sock, c.rbuf[:])
		if !ok {
			return
		}
		if c.phase != phaseAwaiting {
			glog.V(4).Info("sntp: stale datagram dropped")
			continue
		}
		c.handleReply(p, c.rbuf[:n], src)
	}
}

func (c *Client) handleReply(p *sched.Pass, b []byte, src inet.Endpoint) {
	if !src.IP.Equal(c.serverIP) || src.Port != serverPort {
		c.reject("source")
		return
	}
	pkt, ok := decodePacket(b)
	if !ok {
		c.reject("short")
		return
	}
	switch {
	case pkt.Mode != modeServer:
		c.reject("mode")
		return
	case pkt.Leap == leapUnsynchronized:
		c.reject("unsync")
		return
	case pkt.Stratum < 1 || pkt.Stratum > 15:
		c.reject("stratum")
		return
	case pkt.Transmit.IsZero():
		c.reject("zero-ts")
		return
	case pkt.Originate != c.reqTx:
		c.reject("origin")
		return
	}

	// offset = ((t2-t1) + (t3-t4)) / 2, delay = (t4-t1) - (t3-t2)
	t1 := c.reqSent
	t2 := pkt.Receive.Time()
	t3 := pkt.Transmit.Time()
	t4 := p.Now
	offset := (t2.Sub(t1) + t3.Sub(t4)) / 2
	rtt := t4.Sub(t1) - t3.Sub(t2)

	if offset > c.cfg.MaxOffset || offset < -c.cfg.MaxOffset {
		c.reject("range")
		glog.Warningf("sntp: implausible offset %s from %s", offset, c.serverIP)
		return
	}

	c.clock.set(offset)
	metrics.TimeSyncs.Inc()
	c.phase = phaseIdle
	c.attempts = 0
	c.backoff = 8 * time.Second
	c.next = t4.Add(c.cfg.Interval)

	c.mu.Lock()
	c.stat.Synced = true
	c.stat.Offset = offset
	c.stat.RTT = rtt
	c.stat.LastSync = c.clock.Now(t4)
	c.stat.ServerIP = c.serverIP
	c.stat.Syncs++
	c.mu.Unlock()
	glog.V(1).Infof("sntp: synced to %s, offset %s, rtt %s", c.serverIP, offset, rtt)
}

func (c *Client) reject(cause string) {
	metrics.TimeRejects.WithLabelValues(cause).Inc()
	c.mu.Lock()
	c.stat.Rejects++
	c.mu.Unlock()
	glog.V(2).Infof("sntp: reply rejected (%s)", cause)
}

// failRound gives up on the round and backs off.
func (c *Client) failRound(now time.Time, cause string) {
	c.phase = phaseIdle
	c.attempts = 0
	c.next = now.Add(c.backoff)
	glog.Warningf("sntp: round failed (%s), next try in %s", cause, c.backoff)
	if c.backoff < c.cfg.BackoffMax {
		c.backoff *= 2
		if c.backoff > c.cfg.BackoffMax {
			c.backoff = c.cfg.BackoffMax
		}
	}
}

func (c *Client) publish() {
	c.mu.Lock()
	c.stat.State = c.phase.String()
	c.mu.Unlock()
}
