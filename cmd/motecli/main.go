package main

import (
	"github.com/motelabs/mote.go/pkg/cli/sh"

	_ "github.com/motelabs/mote.go/pkg/cli/cmds/device"
)

//go-build: CGO_ENABLED=0

func init() {
	sh.SetupFlags()
}

func main() {
	sh.Main()
}
