package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/golang/glog"

	"github.com/motelabs/mote.go/pkg/metrics"
)

// Topic suffixes under <prefix><name>/.
const (
	metaTopic   = "meta"
	eventTopic  = "event"
	cmdTopic    = "cmd"
	resultTopic = "result"
)

// defaultOutbox bounds the event backlog while the broker is away.
const defaultOutbox = 64

// Meta is the retained device document. The broker clears it through
// the last-will when the device drops off.
type Meta struct {
	Name    string `json:"name"`
	MAC     string `json:"mac,omitempty"`
	Version string `json:"version,omitempty"`
	Started string `json:"started,omitempty"`
	IP      string `json:"ip,omitempty"`
}

// Event is one device report on the event topic.
type Event struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	Text string    `json:"text"`
}

// Command arrives on the command topic.
type Command struct {
	ID   string `json:"id"`
	Line string `json:"line"`
}

// Result answers a Command on the result topic.
type Result struct {
	ID   string `json:"id"`
	OK   bool   `json:"ok"`
	Text string `json:"text,omitempty"`
}

// UplinkConfig configures the device uplink.
type UplinkConfig struct {
	// BrokerURL locates the broker, e.g. mqtt://host:1883/mote/.
	BrokerURL string
	// Name is the device name; it scopes every topic.
	Name string
	// Meta is published retained on every connect.
	Meta Meta
	// Outbox bounds the number of events held while disconnected.
	// Zero means the default.
	Outbox int
	// Now stamps events; nil means time.Now. Wire the synced clock
	// here so event times survive a cold boot.
	Now func() time.Time
}

// Uplink owns the device's presence on the broker: the retained meta
// document, the event stream and the command/result exchange. It runs
// as its own service, decoupled from the cooperative tasks; Emit never
// blocks.
type Uplink struct {
	cfg   UplinkConfig
	q     *Queue
	nowFn func() time.Time

	// OnCommand handles remote commands. It runs on the uplink's
	// goroutine and must not block; hand the line to the console
	// dispatcher and report through Respond when it finishes.
	OnCommand func(Command)

	mu      sync.Mutex
	outbox  *queue.Queue
	meta    Meta
	dropped uint64

	kick chan struct{}
}

// NewUplink creates the uplink. Connection happens in Run.
func NewUplink(cfg UplinkConfig) (*Uplink, error) {
	opts, prefix, err := ClientOptionsFromURL(cfg.BrokerURL)
	if err != nil {
		return nil, err
	}
	if cfg.Outbox <= 0 {
		cfg.Outbox = defaultOutbox
	}
	u := &Uplink{
		cfg:    cfg,
		nowFn:  cfg.Now,
		outbox: queue.New(),
		meta:   cfg.Meta,
		kick:   make(chan struct{}, 1),
	}
	if u.nowFn == nil {
		u.nowFn = time.Now
	}
	u.meta.Name = cfg.Name
	opts.SetClientID("mote:" + cfg.Name)
	opts.SetBinaryWill(prefix+cfg.Name+"/"+metaTopic, nil, 1, true)
	u.q = NewQueue(opts, prefix)
	u.q.OnConnect = u.onConnect
	return u, nil
}

// Name implements Named.
func (u *Uplink) Name() string {
	return "uplink/" + u.cfg.Name
}

// Run implements Runnable. It connects, flushes the outbox whenever
// kicked, and clears the retained meta on the way out.
func (u *Uplink) Run(ctx context.Context) error {
	if token := u.q.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	u.q.Sub(u.cfg.Name+"/"+cmdTopic, u.onCommand)
	defer func() {
		u.q.PubWith(u.cfg.Name+"/"+metaTopic, nil, 1, true).Wait()
		u.q.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-u.kick:
			u.flush()
		}
	}
}

// Emit queues an event for publication. When the outbox is full the
// oldest event gives way; operators want the fresh ones.
func (u *Uplink) Emit(kind, text string) {
	ev := Event{At: u.nowFn(), Kind: kind, Text: text}
	u.mu.Lock()
	if u.outbox.Length() >= u.cfg.Outbox {
		u.outbox.Remove()
		u.dropped++
		metrics.EventDrops.Inc()
	}
	u.outbox.Add(ev)
	u.mu.Unlock()
	u.wake()
}

// Dropped returns the number of events pushed out of the outbox.
func (u *Uplink) Dropped() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dropped
}

// SetMeta updates the retained meta document. Called after the lease
// arrives so the document carries the device address.
func (u *Uplink) SetMeta(update func(*Meta)) {
	u.mu.Lock()
	update(&u.meta)
	u.meta.Name = u.cfg.Name
	u.mu.Unlock()
	if u.q.Client.IsConnected() {
		u.publishMeta()
	}
}

// Respond publishes a command result.
func (u *Uplink) Respond(res Result) {
	payload, err := json.Marshal(&res)
	if err != nil {
		glog.Errorf("%s: encode result: %v", u.Name(), err)
		return
	}
	u.q.Pub(u.cfg.Name+"/"+resultTopic, payload)
}

func (u *Uplink) wake() {
	select {
	case u.kick <- struct{}{}:
	default:
	}
}

func (u *Uplink) onConnect(*Queue) {
	u.publishMeta()
	u.wake()
}

func (u *Uplink) publishMeta() {
	u.mu.Lock()
	payload, err := json.Marshal(&u.meta)
	u.mu.Unlock()
	if err != nil {
		glog.Errorf("%s: encode meta: %v", u.Name(), err)
		return
	}
	u.q.PubWith(u.cfg.Name+"/"+metaTopic, payload, 1, true)
}

// flush publishes queued events. Events stay queued while the broker
// is away and go out in arrival order on reconnect.
func (u *Uplink) flush() {
	if !u.q.Client.IsConnected() {
		return
	}
	for {
		u.mu.Lock()
		if u.outbox.Length() == 0 {
			u.mu.Unlock()
			return
		}
		ev := u.outbox.Remove().(Event)
		u.mu.Unlock()
		payload, err := json.Marshal(&ev)
		if err != nil {
			glog.Errorf("%s: encode event: %v", u.Name(), err)
			continue
		}
		u.q.Pub(u.cfg.Name+"/"+eventTopic, payload)
	}
}

func (u *Uplink) onCommand(_ string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		glog.Warningf("%s: bad command: %v", u.Name(), err)
		return
	}
	if cmd.Line == "" {
		return
	}
	glog.V(1).Infof("%s: command %q", u.Name(), cmd.Line)
	if h := u.OnCommand; h != nil {
		h(cmd)
	}
}
