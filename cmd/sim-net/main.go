package main

//go-build: CGO_ENABLED=0

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/websocket"

	"github.com/motelabs/mote.go/pkg/nic"
	"github.com/motelabs/mote.go/pkg/sched"
	"github.com/motelabs/mote.go/pkg/sim"
)

var (
	listenUDP  = "127.0.0.1:7777"
	listenWS   = ""
	peerIP     = "10.0.0.1"
	hostname   = "sim"
	dhcp       = true
	timeOffset time.Duration
	fileDir    = ""
)

func init() {
	flag.StringVar(&listenUDP, "listen", listenUDP, "UDP tunnel listen address.")
	flag.StringVar(&listenWS, "ws", listenWS, "Websocket tunnel listen address, overrides -listen.")
	flag.StringVar(&peerIP, "ip", peerIP, "Peer address.")
	flag.StringVar(&hostname, "hostname", hostname, "Peer hostname in the zone.")
	flag.BoolVar(&dhcp, "dhcp", dhcp, "Hand out leases.")
	flag.DurationVar(&timeOffset, "time-offset", timeOffset, "Skew of the time service.")
	flag.StringVar(&fileDir, "dir", fileDir, "Directory preloaded into the file store.")
}

func loadFiles(dir string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	if dir == "" {
		return files, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		files[e.Name()] = data
	}
	return files, nil
}

func peerConfig(files map[string][]byte) sim.Config {
	return sim.Config{
		IP:         net.ParseIP(peerIP),
		Hostname:   hostname,
		Files:      files,
		DHCP:       dhcp,
		TimeOffset: timeOffset,
	}
}

// serveWS runs one peer per websocket connection; every runtime gets
// its own copy of the file store.
func serveWS(files map[string][]byte) {
	handler := websocket.Handler(func(conn *websocket.Conn) {
		addr := conn.Request().RemoteAddr
		glog.Infof("sim-net: %s connected", addr)
		peer := sim.NewPeer(peerConfig(files), nic.NewWS(conn))
		if err := peer.Run(context.Background()); err != nil && err != io.EOF {
			glog.Warningf("sim-net: %s: %v", addr, err)
		}
		glog.Infof("sim-net: %s gone", addr)
	})
	glog.Infof("sim-net on ws %s", listenWS)
	if err := http.ListenAndServe(listenWS, handler); err != nil {
		glog.Exit(err)
	}
}

func main() {
	flag.Parse()

	files, err := loadFiles(fileDir)
	if err != nil {
		glog.Exit(err)
	}

	if listenWS != "" {
		serveWS(files)
		return
	}

	dev, err := nic.ListenUDP(listenUDP)
	if err != nil {
		glog.Exit(err)
	}
	glog.Infof("sim-net on udp %s", listenUDP)
	peer := sim.NewPeer(peerConfig(files), dev)
	if err := sched.NewRunner().HandleSignals().Go(peer).Wait(); err != nil {
		glog.Exit(err)
	}
}
