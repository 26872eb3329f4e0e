// Package sh is the interactive shell behind motecli. It reaches
// running devices over the telemetry broker: retained meta documents
// announce who is out there, command lines go to a device's command
// topic, and results come back matched by request ID.
package sh

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/motelabs/mote.go/pkg/telemetry"
)

const (
	shellKey          = "$shell"
	unconnectedPrompt = "[none] > "

	// resultWait bounds one command round trip. Devices answer
	// immediately, so this only covers the broker hops.
	resultWait = 3 * time.Second
)

var (
	// flags

	brokerURL  = "mqtt://localhost:1883/mote/"
	remoteName string
	evalOnly   bool
	outputJSON bool

	// commands

	commands = []*ishell.Cmd{
		&DiscoverCmd,
		&ConnectCmd,
		&DisconnectCmd,
	}
)

// SetupFlags registers shell flags. MOTE_MQTT_URL overrides the
// broker default before flags apply.
func SetupFlags() {
	if v := os.Getenv("MOTE_MQTT_URL"); v != "" {
		brokerURL = v
	}
	flag.StringVar(&brokerURL, "mqtt", brokerURL, "MQTT broker URL.")
	flag.StringVar(&remoteName, "remote", remoteName, "Device name to connect on start.")
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// Shell provides ishell backed interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool

	Shell *ishell.Shell
	Queue *telemetry.Queue

	mu      sync.Mutex
	devices map[string]telemetry.Meta
	session string
	pending map[string]chan telemetry.Result
	seq     int
}

// New creates a new shell against the broker at brokerURL.
func New(brokerURL string) (*Shell, error) {
	opts, prefix, err := telemetry.ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	if opts.ClientID == "" {
		opts.SetClientID(fmt.Sprintf("motecli:%d", os.Getpid()))
	}
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,

		Shell:   ishell.New(),
		Queue:   telemetry.NewQueue(opts, prefix),
		devices: make(map[string]telemetry.Meta),
		pending: make(map[string]chan telemetry.Result),
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(unconnectedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s, nil
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// MustBeConnected wraps command func requires a connected device.
func MustBeConnected(fn func(c *ishell.Context)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		if ShellFrom(c).Session() == "" {
			c.Err(fmt.Errorf("not connected"))
			return
		}
		fn(c)
	}
}

// Open connects the broker and subscribes the device directory and
// the result stream.
func (s *Shell) Open() error {
	if token := s.Queue.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	s.Queue.Sub("+/meta", s.onMeta)
	s.Queue.Sub("+/result", s.onResult)
	return nil
}

func (s *Shell) onMeta(topic string, payload []byte) {
	name := strings.SplitN(topic, "/", 2)[0]
	s.mu.Lock()
	defer s.mu.Unlock()
	// an empty retained payload is the broker clearing the document:
	// the device is gone
	if len(payload) == 0 {
		delete(s.devices, name)
		return
	}
	var meta telemetry.Meta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return
	}
	s.devices[name] = meta
}

func (s *Shell) onResult(_ string, payload []byte) {
	var res telemetry.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return
	}
	s.mu.Lock()
	ch := s.pending[res.ID]
	delete(s.pending, res.ID)
	s.mu.Unlock()
	if ch != nil {
		ch <- res
	}
}

// Session returns the connected device name, empty when none.
func (s *Shell) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Devices snapshots the device directory. Retained meta documents
// arrive right after subscribing, so an empty directory gets one
// short grace period.
func (s *Shell) Devices() []telemetry.Meta {
	list := s.snapshot()
	if len(list) == 0 {
		time.Sleep(500 * time.Millisecond)
		list = s.snapshot()
	}
	return list
}

func (s *Shell) snapshot() []telemetry.Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.devices))
	for name := range s.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	list := make([]telemetry.Meta, 0, len(names))
	for _, name := range names {
		list = append(list, s.devices[name])
	}
	return list
}

// Connect targets commands at the named device.
func (s *Shell) Connect(name string) {
	s.mu.Lock()
	s.session = name
	s.mu.Unlock()
	s.Shell.SetPrompt(fmt.Sprintf("%s > ", name))
}

// Disconnect releases the current device.
func (s *Shell) Disconnect() {
	s.mu.Lock()
	s.session = ""
	s.mu.Unlock()
	s.Shell.SetPrompt(unconnectedPrompt)
}

// Do sends one command line to the connected device and waits for the
// matching result.
func (s *Shell) Do(line string) (telemetry.Result, error) {
	s.mu.Lock()
	dev := s.session
	if dev == "" {
		s.mu.Unlock()
		return telemetry.Result{}, fmt.Errorf("not connected")
	}
	s.seq++
	id := fmt.Sprintf("%d.%d", os.Getpid(), s.seq)
	ch := make(chan telemetry.Result, 1)
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	payload, err := json.Marshal(telemetry.Command{ID: id, Line: line})
	if err != nil {
		return telemetry.Result{}, err
	}
	if token := s.Queue.Pub(dev+"/cmd", payload); token.Wait() && token.Error() != nil {
		return telemetry.Result{}, token.Error()
	}
	select {
	case res := <-ch:
		return res, nil
	case <-time.After(resultWait):
		return telemetry.Result{}, fmt.Errorf("no answer from %s", dev)
	}
}

// DoCommand runs a device command and prints the result.
func DoCommand(c *ishell.Context, name string, args ...string) error {
	s := ShellFrom(c)
	line := name
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	res, err := s.Do(line)
	if err != nil {
		c.Err(err)
		return err
	}
	if s.OutputJSON {
		out, err := json.Marshal(res)
		if err != nil {
			c.Err(err)
			return err
		}
		c.Println(string(out))
		return nil
	}
	if !res.OK {
		err = fmt.Errorf("%s", res.Text)
		c.Err(err)
		return err
	}
	if res.Text == "" {
		c.Println("OK")
		return nil
	}
	c.Println(res.Text)
	return nil
}

// FormatMeta prints a device meta document into friendly string for
// display.
func FormatMeta(m telemetry.Meta) string {
	var w bytes.Buffer
	fmt.Fprintf(&w, "%s", m.Name)
	if m.Version != "" {
		fmt.Fprintf(&w, " %s", m.Version)
	}
	if m.IP != "" {
		fmt.Fprintf(&w, " at %s", m.IP)
	}
	if m.Started != "" {
		fmt.Fprintf(&w, " up since %s", m.Started)
	}
	return w.String()
}

// SelectDevice discovers devices and asks for a choice.
func (s *Shell) SelectDevice() (*telemetry.Meta, error) {
	list := s.Devices()
	if len(list) == 0 {
		return nil, nil
	}
	var index int
	if len(list) > 1 {
		if !s.Interactive {
			return nil, fmt.Errorf("more than 1 devices discovered in non-interactive mode")
		}
		items := make([]string, len(list))
		for n, m := range list {
			items[n] = FormatMeta(m)
		}
		index = s.Shell.MultiChoice(items, "Which one to connect?")
	}
	return &list[index], nil
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	if err := s.Open(); err != nil {
		log.Fatalf("broker %s: %v", brokerURL, err)
	}
	defer s.Queue.Close()

	if remoteName != "" {
		if s.Interactive {
			s.Shell.Printf("Connecting %s ...\n", remoteName)
		}
		s.Connect(remoteName)
	}

	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

var (
	// DiscoverCmd lists announced devices.
	DiscoverCmd = ishell.Cmd{
		Name:    "discover",
		Aliases: []string{"list", "l"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			list := s.Devices()
			if s.OutputJSON {
				out, err := json.Marshal(list)
				if err != nil {
					c.Err(err)
					return
				}
				c.Println(string(out))
				return
			}
			if len(list) == 0 {
				c.Println("No devices found")
				return
			}
			for _, m := range list {
				c.Println(FormatMeta(m))
			}
		},
	}

	// ConnectCmd connects a device.
	ConnectCmd = ishell.Cmd{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "[NAME]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			if len(c.Args) >= 1 {
				s.Connect(c.Args[0])
				return
			}
			meta, err := s.SelectDevice()
			if err != nil {
				c.Err(err)
				return
			}
			if meta == nil {
				c.Err(fmt.Errorf("no device discovered"))
				return
			}
			s.Connect(meta.Name)
		},
	}

	// DisconnectCmd disconnects the current device.
	DisconnectCmd = ishell.Cmd{
		Name:    "disconnect",
		Aliases: []string{"d"},
		Help:    "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).Disconnect()
		},
	}
)

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	s, err := New(brokerURL)
	if err != nil {
		log.Fatalln(err)
	}
	s.Run(flag.Args()...)
}
