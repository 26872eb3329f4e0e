package nic

import (
	"errors"
	"net"
	"sync"
)

// udpBufSize leaves room for the largest tunneled frame.
const udpBufSize = 4096

// UDPDevice tunnels frames over UDP, one datagram per frame.
type UDPDevice struct {
	conn *net.UDPConn
	rbuf []byte

	// peer is latched from the first sender on a listening device.
	mu   sync.Mutex
	peer *net.UDPAddr

	listening bool
}

// ErrNoPeer is reported when a listening device transmits before any
// peer has sent a frame.
var ErrNoPeer = errors.New("no peer attached")

// DialUDP creates a device bound to local (may be empty) and
// connected to remote.
func DialUDP(local, remote string) (*UDPDevice, error) {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, err
	}
	var laddr *net.UDPAddr
	if local != "" {
		if laddr, err = net.ResolveUDPAddr("udp", local); err != nil {
			return nil, err
		}
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, err
	}
	return &UDPDevice{conn: conn, rbuf: make([]byte, udpBufSize)}, nil
}

// ListenUDP creates a device bound to local which latches its peer
// from the first frame received. The network simulator listens; the
// device dials.
func ListenUDP(local string) (*UDPDevice, error) {
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &UDPDevice{conn: conn, rbuf: make([]byte, udpBufSize), listening: true}, nil
}

// LocalAddr returns the bound address.
func (d *UDPDevice) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// ReadFrame implements Device.
func (d *UDPDevice) ReadFrame() ([]byte, error) {
	if !d.listening {
		n, err := d.conn.Read(d.rbuf)
		if err != nil {
			return nil, mapClosed(err)
		}
		return d.rbuf[:n], nil
	}
	n, addr, err := d.conn.ReadFromUDP(d.rbuf)
	if err != nil {
		return nil, mapClosed(err)
	}
	d.mu.Lock()
	d.peer = addr
	d.mu.Unlock()
	return d.rbuf[:n], nil
}

// WriteFrame implements Device.
func (d *UDPDevice) WriteFrame(frame []byte) error {
	if !d.listening {
		_, err := d.conn.Write(frame)
		return err
	}
	d.mu.Lock()
	peer := d.peer
	d.mu.Unlock()
	if peer == nil {
		return ErrNoPeer
	}
	_, err := d.conn.WriteToUDP(frame, peer)
	return err
}

// Close implements Device.
func (d *UDPDevice) Close() error {
	return d.conn.Close()
}

func mapClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}
