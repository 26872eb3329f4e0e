package inet

import (
	"net"

	"github.com/golang/glog"

	"github.com/motelabs/mote.go/pkg/nic"
	"github.com/motelabs/mote.go/pkg/sched"
)

const (
	maxSockets       = 8
	socketQueueDepth = 4
	ephemeralBase    = 49152
)

// SocketID is an index handle into the stack's socket table.
type SocketID int

// NoSocket is the zero handle returned with errors.
const NoSocket SocketID = -1

// rxDatagram parks a received payload in a socket queue. payload views
// the pool frame held by ref; src is copied out of the frame.
type rxDatagram struct {
	ref     nic.FrameRef
	payload []byte
	src4    [4]byte
	srcPort uint16
}

type socket struct {
	used  bool
	owner sched.TaskID
	port  uint16

	queue       [socketQueueDepth]rxDatagram
	head, count int
}

func (sk *socket) push(d rxDatagram) bool {
	if sk.count == len(sk.queue) {
		return false
	}
	sk.queue[(sk.head+sk.count)%len(sk.queue)] = d
	sk.count++
	return true
}

func (sk *socket) pop() (rxDatagram, bool) {
	if sk.count == 0 {
		return rxDatagram{ref: nic.NoFrame}, false
	}
	d := sk.queue[sk.head]
	sk.queue[sk.head] = rxDatagram{ref: nic.NoFrame}
	sk.head = (sk.head + 1) % len(sk.queue)
	sk.count--
	return d, true
}

// Bind claims a local UDP port for the calling task and returns its
// socket handle. Port zero picks an ephemeral port. A port already
// bound reports ErrBusy; a full table reports ErrNoFreeSocket.
func (s *Stack) Bind(p *sched.Pass, port uint16) (SocketID, error) {
	if port != 0 && s.portTaken(port) {
		return NoSocket, ErrBusy
	}
	free := -1
	for i := range s.sockets {
		if !s.sockets[i].used {
			free = i
			break
		}
	}
	if free < 0 {
		return NoSocket, ErrNoFreeSocket
	}
	if port == 0 {
		port = s.allocEphemeral()
	}
	sk := &s.sockets[free]
	*sk = socket{used: true, owner: p.Task(), port: port}
	glog.V(2).Infof("inet: socket %d bound to :%d by task %d", free, port, p.Task())
	return SocketID(free), nil
}

// CloseSocket releases the handle and returns queued frames to the
// pool. The handle is dead afterwards.
func (s *Stack) CloseSocket(p *sched.Pass, id SocketID) {
	sk := s.socketFor(p, id)
	for {
		d, ok := sk.pop()
		if !ok {
			break
		}
		s.pool.Put(d.ref)
	}
	sk.used = false
}

// RecvFrom pops one datagram into buf. ok is false when the queue is
// empty. Truncation to len(buf) is silent, as datagram sockets do.
func (s *Stack) RecvFrom(p *sched.Pass, id SocketID, buf []byte) (n int, src Endpoint, ok bool) {
	sk := s.socketFor(p, id)
	d, ok := sk.pop()
	if !ok {
		return 0, Endpoint{}, false
	}
	n = copy(buf, d.payload)
	src = Endpoint{IP: net.IP(append([]byte(nil), d.src4[:]...)), Port: d.srcPort}
	s.pool.Put(d.ref)
	return n, src, true
}

// SendTo transmits one datagram from the socket's port.
func (s *Stack) SendTo(p *sched.Pass, id SocketID, dst Endpoint, payload []byte) error {
	sk := s.socketFor(p, id)
	return s.sendUDP(p.Now, sk.port, dst, payload)
}

// LocalPort returns the port the socket is bound to.
func (s *Stack) LocalPort(p *sched.Pass, id SocketID) uint16 {
	return s.socketFor(p, id).port
}

// socketFor checks the handle and its ownership. Handles are static
// and task-bound: using a closed handle or another task's handle is a
// defect in the caller, not a recoverable condition.
func (s *Stack) socketFor(p *sched.Pass, id SocketID) *socket {
	if id < 0 || int(id) >= len(s.sockets) {
		panic("inet: socket handle outside table")
	}
	sk := &s.sockets[id]
	if !sk.used {
		panic("inet: use of closed socket handle")
	}
	if sk.owner != p.Task() {
		panic("inet: socket handle used by foreign task")
	}
	return sk
}

func (s *Stack) portTaken(port uint16) bool {
	if port == dhcpClientPort || port == s.dns.port {
		return true
	}
	for i := range s.sockets {
		if s.sockets[i].used && s.sockets[i].port == port {
			return true
		}
	}
	return false
}

func (s *Stack) allocEphemeral() uint16 {
	for {
		port := s.nextEphemeral
		s.nextEphemeral++
		if s.nextEphemeral == 0 {
			s.nextEphemeral = ephemeralBase
		}
		if port >= ephemeralBase && !s.portTaken(port) {
			return port
		}
	}
}

// socketByPort finds the bound socket for an ingress datagram.
func (s *Stack) socketByPort(port uint16) *socket {
	for i := range s.sockets {
		if s.sockets[i].used && s.sockets[i].port == port {
			return &s.sockets[i]
		}
	}
	return nil
}
