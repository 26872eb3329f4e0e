package main

//go-build: CGO_ENABLED=0

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"

	"github.com/motelabs/mote.go/pkg/config"
	"github.com/motelabs/mote.go/pkg/console"
	"github.com/motelabs/mote.go/pkg/extmem"
	"github.com/motelabs/mote.go/pkg/inet"
	"github.com/motelabs/mote.go/pkg/metrics"
	"github.com/motelabs/mote.go/pkg/nic"
	"github.com/motelabs/mote.go/pkg/sched"
	"github.com/motelabs/mote.go/pkg/sntp"
	"github.com/motelabs/mote.go/pkg/telemetry"
	"github.com/motelabs/mote.go/pkg/tftp"
)

// version is overridden by the release build.
var version = "dev"

// framesPerPass bounds network work per executor pass so a packet
// flood cannot starve the other tasks.
const framesPerPass = 16

var configPath string

func init() {
	flag.StringVar(&configPath, "c", "", "config file path")
	config.SetupFlags(flag.CommandLine)
}

func openDevice(cfg *config.Config) (nic.Device, error) {
	if cfg.Link.Tunnel == "ws" {
		return nic.DialWS(cfg.Link.Connect, "")
	}
	return nic.DialUDP("", cfg.Link.Connect)
}

// setupMemory brings up the external bank and carves it into the
// transfer staging area and a spare memtest stripe. Under the degrade
// policy a failed bring-up leaves the console fields nil and transfers
// answer offline.
func setupMemory(cfg *config.Config, env *console.Env) string {
	ctrl := extmem.NewSim(cfg.MemoryRegion())
	ctrl.FailInit = cfg.Memory.Faults.Init
	ctrl.StuckAddr = cfg.Memory.Faults.StuckAddr
	ctrl.StuckMask = cfg.Memory.Faults.StuckMask
	ctrl.AliasMask = cfg.Memory.Faults.AliasMask

	bank, err := extmem.BringUp(ctrl)
	if err != nil {
		if cfg.Policy() == extmem.PolicyHalt {
			glog.Exitf("memory bring-up: %v", err)
		}
		glog.Errorf("memory bring-up: %v, transfers stay offline", err)
		return fmt.Sprintf("bring-up failed, transfers offline: %v", err)
	}
	stripe := (bank.Size() / 8) &^ 3
	staging, err := bank.Window(0, bank.Size()-stripe)
	if err != nil {
		glog.Exit(err)
	}
	env.Staging = staging
	env.Memtest = func() error {
		return bank.Selftest(bank.Size()-stripe, stripe)
	}
	return fmt.Sprintf("%d KiB staging, %d KiB memtest stripe",
		staging.Size()/1024, stripe/1024)
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		glog.Exit(err)
	}
	config.ApplyFlags(flag.CommandLine, cfg)
	if err := cfg.Validate(); err != nil {
		glog.Exit(err)
	}

	dev, err := openDevice(cfg)
	if err != nil {
		glog.Exitf("open %s link: %v", cfg.Link.Tunnel, err)
	}
	adapter := nic.New(cfg.Link.Tunnel, dev, nic.NewFramePool(32, 1600), 32)

	exec := sched.New()
	stack := inet.NewStack(cfg.HostConfig(), adapter)
	netID := exec.Register(&sched.TaskFunc{TaskName: "net", Fn: func(p *sched.Pass) {
		stack.Poll(p, framesPerPass)
		p.WakeAt(stack.NextWake())
	}})
	adapter.Notify(func() { exec.Wake(netID) })

	timec := sntp.New(sntp.Config{
		Server:   cfg.Time.Server,
		Interval: cfg.TimeInterval(),
		Timeout:  cfg.TimeTimeout(),
		Retries:  cfg.Time.Retries,
	}, stack)
	timec.AddTo(exec)

	transfer := tftp.New(tftp.Config{
		Timeout: cfg.TransferTimeout(),
		Retries: cfg.Transfer.Retries,
	}, stack)
	transfer.AddTo(exec)

	env := console.Env{
		Link:     adapter,
		Stack:    stack,
		Time:     timec,
		Transfer: transfer,
		Server:   cfg.Transfer.Server,
	}
	memReport := setupMemory(cfg, &env)

	con := console.New(console.Config{In: os.Stdin}, env)
	con.AddTo(exec)

	var up *telemetry.Uplink
	if cfg.MQTTEnabled() {
		up, err = telemetry.NewUplink(telemetry.UplinkConfig{
			BrokerURL: cfg.MQTT.URL,
			Name:      cfg.Name,
			Meta: telemetry.Meta{
				MAC:     cfg.MAC().String(),
				Version: version,
				Started: time.Now().UTC().Format(time.RFC3339),
			},
			// event times ride the synced clock once it locks
			Now: func() time.Time { return timec.Clock().Now(time.Now()) },
		})
		if err != nil {
			glog.Exitf("telemetry: %v", err)
		}
		up.OnCommand = func(cmd telemetry.Command) {
			con.Submit(cmd.Line, func(ok bool, text string) {
				up.Respond(telemetry.Result{ID: cmd.ID, OK: ok, Text: text})
			})
		}
	}

	emit := func(kind, text string) {
		glog.Infof("%s: %s", kind, text)
		if up != nil {
			up.Emit(kind, text)
		}
	}
	con.Notify = emit
	emit("mem", memReport)

	rep := &reporter{link: adapter, stack: stack, time: timec, emit: emit}
	if up != nil {
		rep.meta = func(ip string) {
			up.SetMeta(func(m *telemetry.Meta) { m.IP = ip })
		}
	}
	exec.Wake(exec.Register(rep))

	runner := sched.NewRunner().HandleSignals()
	runner.Go(sched.NamedRun("exec", exec), adapter, con)
	if up != nil {
		runner.Go(up)
	}
	if cfg.Metrics.Listen != "" {
		runner.Go(metrics.NewServer(cfg.Metrics.Listen, ""))
	}

	glog.Infof("mote %s (%s) on %s %s", cfg.Name, version, cfg.Link.Tunnel, cfg.Link.Connect)
	if err := runner.Wait(); err != nil {
		glog.Exit(err)
	}
}
