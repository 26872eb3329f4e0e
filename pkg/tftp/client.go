// Package tftp moves files to and from a server over the poll-mode
// network engine, one 512-byte block per round trip.
//
// The client is a scheduler task holding a single transfer slot.
// Other tasks submit work with TrySubmit and get told "busy" while a
// transfer runs; completion is delivered through the request's Done
// callback, which runs on the transfer task. Each transfer binds a
// fresh ephemeral socket so the local port doubles as the transfer
// identifier, and the peer's identifier is locked from the first
// packet it sends back.
package tftp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/motelabs/mote.go/pkg/inet"
	"github.com/motelabs/mote.go/pkg/metrics"
	"github.com/motelabs/mote.go/pkg/sched"
)

const serverPort = 69

var (
	// ErrAborted reports a transfer cancelled from the console.
	ErrAborted = errors.New("transfer aborted")
	// ErrTimedOut reports a transfer that ran out of retries.
	ErrTimedOut = errors.New("transfer timed out")
)

// Op selects the transfer direction.
type Op int

const (
	// OpRead fetches a file from the server into a Sink.
	OpRead Op = iota
	// OpWrite stores a Source on the server.
	OpWrite
)

// String implements fmt.Stringer.
func (o Op) String() string {
	if o == OpWrite {
		return "store"
	}
	return "fetch"
}

// Sink receives fetched file data. Offsets are byte positions from
// the start of the file.
type Sink interface {
	io.WriterAt
}

// Source provides file data to store. Size bounds the transfer.
type Source interface {
	io.ReaderAt
	Size() int64
}

// Request describes one transfer.
type Request struct {
	Op     Op
	Server string // hostname or address, port 69 implied
	File   string
	Sink   Sink   // OpRead
	Source Source // OpWrite

	// Done, when set, is called once with the outcome. It runs on
	// the transfer task, so it must not block.
	Done func(Result)
}

// Result is the outcome of a finished transfer.
type Result struct {
	Op       Op
	File     string
	Err      error
	Bytes    int64
	Blocks   int
	Duration time.Duration
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s %s: %v", r.Op, r.File, r.Err)
	}
	return fmt.Sprintf("%s %s: %d bytes in %d blocks (%v)",
		r.Op, r.File, r.Bytes, r.Blocks, r.Duration.Round(time.Millisecond))
}

// Status is a point-in-time snapshot for the console.
type Status struct {
	Active      bool
	Op          Op
	File        string
	Server      string
	Blocks      int
	Bytes       int64
	Total       int64 // stores only; fetch size is unknown up front
	Retransmits uint64
	Duplicates  uint64
	Last        Result
	HasLast     bool
}

// Config carries transfer tuning knobs.
type Config struct {
	// Timeout is the wait per block before retransmitting.
	Timeout time.Duration
	// Retries bounds retransmissions of any one packet.
	Retries int
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 5
	}
}

type phase int

const (
	phaseIdle phase = iota
	phaseResolving
	phaseAwaitData // read: waiting for DATA block
	phaseAwaitAck  // write: waiting for ACK of sent block
)

func (p phase) String() string {
	switch p {
	case phaseResolving:
		return "resolving"
	case phaseAwaitData:
		return "receiving"
	case phaseAwaitAck:
		return "sending"
	default:
		return "idle"
	}
}

// Client runs transfers against a server, one at a time.
type Client struct {
	cfg   Config
	stack *inet.Stack
	exec  *sched.Executor
	id    sched.TaskID

	mu      sync.Mutex
	pending *Request // submitted, not yet picked up
	cancel  bool
	stat    Status

	// session state, touched only from Resume
	req      *Request
	phase    phase
	sock     inet.SocketID
	serverIP net.IP
	peerPort uint16 // zero until the peer's transfer identifier locks
	block    uint16 // read: next expected; write: outstanding
	offset   int64
	blocks   int
	started  time.Time
	attempts int
	next     time.Time
	lastSent [4 + blockSize]byte
	lastLen  int
	rbuf     [4 + blockSize + 64]byte
	chunk    [blockSize]byte
}

// New builds a transfer client on stack. Call AddTo before Run.
func New(cfg Config, stack *inet.Stack) *Client {
	cfg.defaults()
	return &Client{cfg: cfg, stack: stack, sock: inet.NoSocket}
}

// AddTo registers the client with exec.
func (c *Client) AddTo(exec *sched.Executor) {
	c.exec = exec
	c.id = exec.Register(c)
}

// Name implements sched.Task.
func (c *Client) Name() string { return "tftp" }

// TrySubmit hands a transfer to the client. It returns inet.ErrBusy
// while another transfer is pending or running; the single slot is
// never queued behind.
func (c *Client) TrySubmit(req Request) error {
	if req.Op == OpRead && req.Sink == nil {
		return errors.New("tftp: fetch without sink")
	}
	if req.Op == OpWrite && req.Source == nil {
		return errors.New("tftp: store without source")
	}
	c.mu.Lock()
	if c.pending != nil || c.stat.Active {
		c.mu.Unlock()
		return inet.ErrBusy
	}
	c.pending = &req
	c.stat.Active = true
	c.stat.Op = req.Op
	c.stat.File = req.File
	c.stat.Server = req.Server
	c.stat.Blocks = 0
	c.stat.Bytes = 0
	c.stat.Total = 0
	if req.Op == OpWrite {
		c.stat.Total = req.Source.Size()
	}
	c.mu.Unlock()
	c.exec.Wake(c.id)
	return nil
}

// Cancel aborts the transfer in flight, if any. The outcome arrives
// through the request's Done callback as ErrAborted.
func (c *Client) Cancel() {
	c.mu.Lock()
	c.cancel = true
	c.mu.Unlock()
	c.exec.Wake(c.id)
}

// Status reports transfer progress.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stat
}

// Resume implements sched.Task.
func (c *Client) Resume(p *sched.Pass) {
	c.pickup(p)

	if c.req != nil && c.takeCancel() {
		c.sendErrorPacket(p, 0, "cancelled")
		c.finish(p, ErrAborted)
	}

	if c.req != nil {
		c.drain(p)
	} else {
		c.drainIdle(p)
	}

	if c.req != nil && c.phase == phaseResolving {
		c.resolve(p)
	}

	if c.req != nil && !c.next.IsZero() && !p.Now.Before(c.next) {
		c.expire(p)
	}

	if c.req != nil && !c.next.IsZero() {
		p.WakeAt(c.next)
	}
}

// pickup moves a submitted request into the session slot.
func (c *Client) pickup(p *sched.Pass) {
	c.mu.Lock()
	req := c.pending
	c.pending = nil
	c.mu.Unlock()
	if req == nil || c.req != nil {
		return
	}
	c.req = req
	c.phase = phaseResolving
	c.peerPort = 0
	c.offset = 0
	c.blocks = 0
	c.attempts = 0
	c.started = p.Now
	c.next = time.Time{}
	glog.V(1).Infof("tftp: %s %q from %s", req.Op, req.File, req.Server)
	c.resolve(p)
}

func (c *Client) takeCancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.cancel
	c.cancel = false
	return v
}

// resolve turns the server name into an address, then opens the
// session. Resolution in flight parks the task until the resolver
// wakes it.
func (c *Client) resolve(p *sched.Pass) {
	ip, err := c.stack.Lookup(p, c.req.Server)
	switch {
	case err == nil:
		c.serverIP = ip
		c.open(p)
	case errors.Is(err, inet.ErrResolving):
		c.next = p.Now.Add(c.cfg.Timeout)
	case errors.Is(err, inet.ErrBusy):
		c.next = p.Now.Add(time.Second)
	default:
		c.finish(p, fmt.Errorf("resolve %s: %w", c.req.Server, err))
	}
}

// open binds the session socket and sends the initial request.
func (c *Client) open(p *sched.Pass) {
	sock, err := c.stack.Bind(p, 0)
	if err != nil {
		c.finish(p, fmt.Errorf("bind: %w", err))
		return
	}
	c.sock = sock
	c.attempts = 0
	if c.req.Op == OpRead {
		c.phase = phaseAwaitData
		c.block = 1
		c.lastLen = len(appendRequest(c.lastSent[:0], opRRQ, c.req.File))
	} else {
		c.phase = phaseAwaitAck
		c.block = 0
		c.lastLen = len(appendRequest(c.lastSent[:0], opWRQ, c.req.File))
	}
	c.transmit(p)
}

// transmit sends the retransmission buffer and arms the block timer.
// Send errors are left to the timer: the network layer drops while a
// neighbor resolves, and the retry recovers once it has.
func (c *Client) transmit(p *sched.Pass) {
	port := c.peerPort
	if port == 0 {
		port = serverPort
	}
	dst := inet.Endpoint{IP: c.serverIP, Port: port}
	if err := c.stack.SendTo(p, c.sock, dst, c.lastSent[:c.lastLen]); err != nil {
		glog.V(2).Infof("tftp: send to %s: %v", dst, err)
	}
	c.next = p.Now.Add(c.cfg.Timeout)
}

// expire retransmits the outstanding packet or gives up.
func (c *Client) expire(p *sched.Pass) {
	c.attempts++
	if c.attempts >= c.cfg.Retries {
		c.sendErrorPacket(p, 0, "timed out")
		c.finish(p, ErrTimedOut)
		return
	}
	metrics.TransferRetransmits.Inc()
	c.mu.Lock()
	c.stat.Retransmits++
	c.mu.Unlock()
	glog.V(2).Infof("tftp: retransmit (attempt %d)", c.attempts)
	c.transmit(p)
}

// drain processes datagrams queued on the session socket.
func (c *Client) drain(p *sched.Pass) {
	for c.req != nil {
		n, src, ok := c.stack.RecvFrom(p, c.sock, c.rbuf[:])
		if !ok {
			return
		}
		c.handle(p, c.rbuf[:n], src)
	}
}

// drainIdle discards late arrivals on a socket whose transfer already
// ended but whose close has not happened yet.
func (c *Client) drainIdle(p *sched.Pass) {
	if c.sock == inet.NoSocket {
		return
	}
	for {
		if _, _, ok := c.stack.RecvFrom(p, c.sock, c.rbuf[:]); !ok {
			return
		}
	}
}

func (c *Client) handle(p *sched.Pass, b []byte, src inet.Endpoint) {
	if !src.IP.Equal(c.serverIP) {
		glog.V(4).Info("tftp: datagram from foreign host dropped")
		return
	}
	pk, ok := parsePacket(b)
	if !ok {
		glog.V(4).Info("tftp: malformed packet dropped")
		return
	}
	// The first reply fixes the peer's transfer identifier; anything
	// from another port afterwards belongs to a different session.
	if c.peerPort != 0 && src.Port != c.peerPort {
		c.rejectTID(p, src)
		return
	}

	switch pk.op {
	case opERROR:
		if c.peerPort == 0 {
			c.peerPort = src.Port
		}
		c.finish(p, &RemoteError{Code: pk.errCode, Msg: pk.errMsg})
	case opDATA:
		if c.phase != phaseAwaitData {
			return
		}
		if c.peerPort == 0 {
			c.peerPort = src.Port
		}
		c.handleData(p, pk)
	case opACK:
		if c.phase != phaseAwaitAck {
			return
		}
		if c.peerPort == 0 {
			c.peerPort = src.Port
		}
		c.handleAck(p, pk)
	}
}

// rejectTID answers a mid-transfer packet from the wrong source port
// without touching the session.
func (c *Client) rejectTID(p *sched.Pass, src inet.Endpoint) {
	glog.V(4).Infof("tftp: packet from unexpected port %d", src.Port)
	var buf [48]byte
	pkt := appendError(buf[:0], errUnknownTID, "unknown transfer id")
	if err := c.stack.SendTo(p, c.sock, src, pkt); err != nil {
		glog.V(4).Infof("tftp: tid reject: %v", err)
	}
}

func (c *Client) handleData(p *sched.Pass, pk packet) {
	switch pk.block {
	case c.block:
		if _, err := c.req.Sink.WriteAt(pk.data, c.offset); err != nil {
			c.sendErrorPacket(p, 0, "write failed")
			c.finish(p, fmt.Errorf("sink: %w", err))
			return
		}
		c.offset += int64(len(pk.data))
		c.blocks++
		c.attempts = 0
		metrics.TransferBlocks.Inc()
		c.mu.Lock()
		c.stat.Blocks = c.blocks
		c.stat.Bytes = c.offset
		c.mu.Unlock()
		c.lastLen = len(appendAck(c.lastSent[:0], pk.block))
		c.transmit(p)
		if len(pk.data) < blockSize {
			c.finish(p, nil)
			return
		}
		c.block++ // wraps to 0 past 65535, like the wire field
	case c.block - 1:
		// Our previous ACK was lost; repeat it so the peer moves on.
		// The stored block is not written again.
		c.mu.Lock()
		c.stat.Duplicates++
		c.mu.Unlock()
		c.lastLen = len(appendAck(c.lastSent[:0], pk.block))
		c.transmit(p)
	default:
		glog.V(4).Infof("tftp: data block %d outside window", pk.block)
	}
}

func (c *Client) handleAck(p *sched.Pass, pk packet) {
	if pk.block != c.block {
		// Duplicate or stray ACK. Resending data here would race our
		// own timer and snowball; the timer alone retransmits.
		if pk.block == c.block-1 {
			c.mu.Lock()
			c.stat.Duplicates++
			c.mu.Unlock()
		}
		return
	}
	if c.block > 0 {
		c.blocks++
		c.attempts = 0
		metrics.TransferBlocks.Inc()
		c.mu.Lock()
		c.stat.Blocks = c.blocks
		c.stat.Bytes = c.offset
		c.mu.Unlock()
	}
	if c.block > 0 && c.lastLen < 4+blockSize {
		// The short block is acknowledged; transfer complete.
		c.finish(p, nil)
		return
	}
	c.sendNextData(p)
}

// sendNextData reads the next chunk from the source and ships it. A
// source whose size is an exact multiple of the block size ends with
// an empty block, so the peer still sees a short one.
func (c *Client) sendNextData(p *sched.Pass) {
	n, err := c.req.Source.ReadAt(c.chunk[:], c.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		c.sendErrorPacket(p, 0, "read failed")
		c.finish(p, fmt.Errorf("source: %w", err))
		return
	}
	c.offset += int64(n)
	c.block++ // wraps to 0 past 65535, like the wire field
	c.attempts = 0
	c.lastLen = len(appendData(c.lastSent[:0], c.block, c.chunk[:n]))
	c.transmit(p)
}

// sendErrorPacket tells the peer the session is over, best effort.
func (c *Client) sendErrorPacket(p *sched.Pass, code uint16, msg string) {
	if c.sock == inet.NoSocket || c.peerPort == 0 {
		return
	}
	var buf [48]byte
	pkt := appendError(buf[:0], code, msg)
	dst := inet.Endpoint{IP: c.serverIP, Port: c.peerPort}
	if err := c.stack.SendTo(p, c.sock, dst, pkt); err != nil {
		glog.V(4).Infof("tftp: error packet: %v", err)
	}
}

// finish closes the session, frees the slot and reports the outcome.
func (c *Client) finish(p *sched.Pass, err error) {
	req := c.req
	res := Result{
		Op:       req.Op,
		File:     req.File,
		Err:      err,
		Bytes:    c.offset,
		Blocks:   c.blocks,
		Duration: p.Now.Sub(c.started),
	}
	if c.sock != inet.NoSocket {
		c.stack.CloseSocket(p, c.sock)
		c.sock = inet.NoSocket
	}
	c.req = nil
	c.phase = phaseIdle
	c.next = time.Time{}

	outcome := "ok"
	switch {
	case errors.Is(err, ErrAborted):
		outcome = "aborted"
	case errors.Is(err, ErrTimedOut):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	metrics.TransferOutcomes.WithLabelValues(outcome).Inc()

	c.mu.Lock()
	c.stat.Active = false
	c.stat.Blocks = res.Blocks
	c.stat.Bytes = res.Bytes
	c.stat.Last = res
	c.stat.HasLast = true
	c.mu.Unlock()

	if err != nil {
		glog.Warningf("tftp: %v", res)
	} else {
		glog.V(1).Infof("tftp: %v", res)
	}
	if req.Done != nil {
		req.Done(res)
	}
}
