// Package console is the device's command surface. A reader goroutine
// feeds complete lines into a bounded ring; the console task drains
// the ring, dispatches and replies. Remote commands arrive through
// Submit with their own reply path, so the line console and the
// telemetry command topic share one dispatcher.
//
// Commands that start network work return immediately; completion is
// printed and reported through Notify when the task that owns the
// work finishes it.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/golang/glog"

	"github.com/motelabs/mote.go/pkg/inet"
	"github.com/motelabs/mote.go/pkg/nic"
	"github.com/motelabs/mote.go/pkg/sched"
	"github.com/motelabs/mote.go/pkg/sntp"
	"github.com/motelabs/mote.go/pkg/tftp"
)

// defaultDepth bounds lines waiting for the console task.
const defaultDepth = 8

// Staging is the memory region transfers stage through. The external
// memory bank's window fits; anything with sized random access does.
type Staging interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
}

// Env hands the console its reach into the runtime. Nil fields switch
// the commands that need them into an offline reply, which is how a
// degraded bring-up presents itself.
type Env struct {
	Link     *nic.Adapter
	Stack    *inet.Stack
	Time     *sntp.Client
	Transfer *tftp.Client
	Staging  Staging
	// Memtest revalidates a spare memory stripe.
	Memtest func() error
	// Server is the transfer server used when a command names none.
	Server string
}

// Config tunes the console itself.
type Config struct {
	// In feeds the line reader; nil runs the console remote-only.
	In io.ReadCloser
	// Out receives local responses. Defaults to stdout.
	Out io.Writer
	// Depth bounds the line ring. Zero means the default.
	Depth int
}

type request struct {
	line  string
	reply func(ok bool, text string)
}

func (r *request) finish(ok bool, text string) {
	r.reply(ok, text)
}

// Console owns command dispatch. It is a scheduler task for the
// dispatch side and a Runnable for the reader side.
type Console struct {
	cfg  Config
	env  Env
	exec *sched.Executor
	id   sched.TaskID

	// Notify reports asynchronous completions to telemetry. Optional;
	// runs on whatever task finished the work, so it must not block.
	Notify func(kind, text string)

	mu      sync.Mutex
	ring    *queue.Queue
	dropped uint64

	staged atomic.Int64
}

// New creates the console. AddTo must run before Submit or Run.
func New(cfg Config, env Env) *Console {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Depth <= 0 {
		cfg.Depth = defaultDepth
	}
	return &Console{cfg: cfg, env: env, ring: queue.New()}
}

// AddTo registers the dispatch task.
func (c *Console) AddTo(exec *sched.Executor) sched.TaskID {
	c.exec = exec
	c.id = exec.Register(c)
	return c.id
}

// Name implements Task and Named.
func (c *Console) Name() string { return "console" }

// Submit queues one command line. reply receives the response exactly
// once; nil prints to the console output. Safe from any goroutine.
func (c *Console) Submit(line string, reply func(ok bool, text string)) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if reply == nil {
		reply = c.printReply
	}
	c.mu.Lock()
	full := c.ring.Length() >= c.cfg.Depth
	if !full {
		c.ring.Add(&request{line: line, reply: reply})
	} else {
		c.dropped++
	}
	c.mu.Unlock()
	if full {
		glog.Warningf("console: line dropped, ring full")
		reply(false, "console busy, try again later")
		return
	}
	c.exec.Wake(c.id)
}

// Dropped returns the number of lines refused on a full ring.
func (c *Console) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Resume implements Task: drain the ring, dispatch each line.
func (c *Console) Resume(p *sched.Pass) {
	for {
		c.mu.Lock()
		if c.ring.Length() == 0 {
			c.mu.Unlock()
			return
		}
		r := c.ring.Remove().(*request)
		c.mu.Unlock()
		c.dispatch(p, r)
	}
}

// Run implements Runnable with the line reader. Closing In (or the
// context) stops it.
func (c *Console) Run(ctx context.Context) error {
	if c.cfg.In == nil {
		<-ctx.Done()
		return nil
	}
	return sched.RunWithContextCloser(ctx, c.cfg.In, func() error {
		sc := bufio.NewScanner(c.cfg.In)
		for sc.Scan() {
			c.Submit(sc.Text(), nil)
		}
		return sc.Err()
	})
}

func (c *Console) print(s string) {
	fmt.Fprintln(c.cfg.Out, s)
}

func (c *Console) printReply(ok bool, text string) {
	if !ok {
		text = "error: " + text
	}
	c.print(text)
}

func (c *Console) notifyEvent(kind, text string) {
	if fn := c.Notify; fn != nil {
		fn(kind, text)
	}
}
