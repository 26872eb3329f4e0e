package device

import (
	"fmt"

	"github.com/abiosoft/ishell"

	"github.com/motelabs/mote.go/pkg/cli/sh"
)

// The device owns its command table; these forward the line and print
// the reply, so argument checking happens in exactly one place.

var (
	// LinkCmd exposes the link report.
	LinkCmd = ishell.Cmd{
		Name: "link",
		Help: "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.DoCommand(c, "link", c.Args...)
		}),
	}

	// TimeCmd exposes the wall clock report.
	TimeCmd = ishell.Cmd{
		Name: "time",
		Help: "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.DoCommand(c, "time", c.Args...)
		}),
	}

	// SyncCmd forces a time sync round.
	SyncCmd = ishell.Cmd{
		Name: "sync",
		Help: "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.DoCommand(c, "sync", c.Args...)
		}),
	}

	// FetchCmd starts a fetch transfer.
	FetchCmd = ishell.Cmd{
		Name: "fetch",
		Help: "FILE [SERVER]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.DoCommand(c, "fetch", c.Args...)
		}),
	}

	// StoreCmd starts a store transfer.
	StoreCmd = ishell.Cmd{
		Name: "store",
		Help: "FILE [SERVER]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.DoCommand(c, "store", c.Args...)
		}),
	}

	// CancelCmd aborts the transfer in flight.
	CancelCmd = ishell.Cmd{
		Name: "cancel",
		Help: "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.DoCommand(c, "cancel", c.Args...)
		}),
	}

	// StatCmd exposes the runtime counters.
	StatCmd = ishell.Cmd{
		Name:    "stat",
		Aliases: []string{"st"},
		Help:    "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.DoCommand(c, "stat", c.Args...)
		}),
	}

	// MemtestCmd revalidates the spare memory stripe.
	MemtestCmd = ishell.Cmd{
		Name: "memtest",
		Help: "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.DoCommand(c, "memtest", c.Args...)
		}),
	}

	// DoCmd forwards a raw command line, for commands newer than this
	// shell.
	DoCmd = ishell.Cmd{
		Name: "do",
		Help: "COMMAND [ARGS...]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Err(fmt.Errorf("COMMAND required"))
				return
			}
			sh.DoCommand(c, c.Args[0], c.Args[1:]...)
		}),
	}
)

func init() {
	sh.AddCmds(
		&LinkCmd,
		&TimeCmd,
		&SyncCmd,
		&FetchCmd,
		&StoreCmd,
		&CancelCmd,
		&StatCmd,
		&MemtestCmd,
		&DoCmd,
	)
}
