package sim

import (
	"bytes"
	"encoding/binary"

	"github.com/golang/glog"
)

const tftpBlockSize = 512

// session is one transfer in progress. The server is reactive: a
// duplicate request or acknowledgment provokes a resend, so a client
// driven by its own timers recovers from any dropped reply.
type session struct {
	client from
	port   uint16 // our transfer identifier
	file   string
	write  bool
	data   []byte
	block  uint16 // read: last block sent; write: last block stored
}

func (p *Peer) handleTFTP(src from, dst uint16, payload []byte) [][]byte {
	if len(payload) < 4 {
		return nil
	}
	op := binary.BigEndian.Uint16(payload)

	if dst == tftpPort {
		return p.tftpRequest(src, op, payload[2:])
	}
	s := p.sess
	if s == nil || !sameClient(s.client, src) {
		return nil
	}
	switch op {
	case 4: // ACK
		return p.tftpAck(s, binary.BigEndian.Uint16(payload[2:]))
	case 3: // DATA
		return p.tftpData(s, binary.BigEndian.Uint16(payload[2:]), payload[4:])
	case 5: // ERROR
		glog.V(2).Infof("sim: tftp client error: %q", payload[4:])
		p.sess = nil
	}
	return nil
}

func (p *Peer) tftpRequest(src from, op uint16, rest []byte) [][]byte {
	if op != 1 && op != 2 {
		return nil
	}
	parts := bytes.SplitN(rest, []byte{0}, 3)
	if len(parts) < 2 {
		return nil
	}
	file := string(parts[0])
	if !bytes.EqualFold(parts[1], []byte("octet")) {
		return one(p.tftpError(src, tftpPort, 0, "unsupported mode"))
	}

	if s := p.sess; s != nil {
		// duplicate of the request that opened this session: our
		// first reply was lost, repeat it
		if sameClient(s.client, src) && s.file == file {
			if s.write {
				return p.emitAck(s, 0)
			}
			return p.emitData(s, s.block)
		}
		// a new port from the same host means the old session is
		// dead on the client side; reclaim the slot
		if s.client.ip.Equal(src.ip) {
			glog.V(2).Infof("sim: tftp session %q abandoned", s.file)
			p.sess = nil
		} else {
			return one(p.tftpError(src, tftpPort, 0, "busy"))
		}
	}

	switch op {
	case 1: // read request
		data, ok := p.files[file]
		if !ok {
			return one(p.tftpError(src, tftpPort, 1, "file not found"))
		}
		p.sess = &session{client: src, port: p.allocPort(), file: file, data: data}
		glog.V(1).Infof("sim: tftp read %q (%d bytes)", file, len(data))
		return p.emitData(p.sess, 1)
	default: // write request
		p.sess = &session{client: src, port: p.allocPort(), file: file, write: true}
		glog.V(1).Infof("sim: tftp write %q", file)
		return p.emitAck(p.sess, 0)
	}
}

func (p *Peer) tftpAck(s *session, block uint16) [][]byte {
	if s.write {
		return nil
	}
	switch block {
	case s.block:
		if block == s.lastBlock() {
			glog.V(1).Infof("sim: tftp read %q complete", s.file)
			p.sess = nil
			return nil
		}
		return p.emitData(s, block+1)
	case s.block - 1:
		// our last block was lost; send it again
		return p.emitData(s, s.block)
	}
	return nil
}

func (p *Peer) tftpData(s *session, block uint16, data []byte) [][]byte {
	if !s.write || len(data) > tftpBlockSize {
		return nil
	}
	switch block {
	case s.block + 1:
		s.data = append(s.data, data...)
		s.block = block
		out := p.emitAck(s, block)
		if len(data) < tftpBlockSize {
			p.files[s.file] = s.data
			glog.V(1).Infof("sim: tftp write %q complete (%d bytes)", s.file, len(s.data))
			p.sess = nil
		}
		return out
	case s.block:
		// our acknowledgment was lost; repeat it
		return p.emitAck(s, block)
	}
	return nil
}

// lastBlock is the number of the short block ending the file.
func (s *session) lastBlock() uint16 {
	return uint16(len(s.data)/tftpBlockSize) + 1
}

// emitData sends block n, honoring the drop and wrong-TID faults.
// The session records the block as sent either way, so a dropped one
// is recovered through the client's retransmitted acknowledgment.
func (p *Peer) emitData(s *session, n uint16) [][]byte {
	s.block = n
	start := (int(n) - 1) * tftpBlockSize
	end := start + tftpBlockSize
	if end > len(s.data) {
		end = len(s.data)
	}
	if start > len(s.data) {
		start = len(s.data)
	}
	if p.Transfer.DropData > 0 {
		p.Transfer.DropData--
		glog.V(2).Infof("sim: tftp data %d dropped by fault", n)
		return nil
	}
	pkt := make([]byte, 0, 4+end-start)
	pkt = binary.BigEndian.AppendUint16(pkt, 3)
	pkt = binary.BigEndian.AppendUint16(pkt, n)
	pkt = append(pkt, s.data[start:end]...)
	out := one(p.udpReply(s.client, s.port, pkt))
	if p.Transfer.WrongTID {
		// a confused extra sender: same block from another port
		if twin := p.udpReply(s.client, s.port+1, pkt); twin != nil {
			out = append(out, twin)
		}
	}
	return out
}

func (p *Peer) emitAck(s *session, n uint16) [][]byte {
	if p.Transfer.DropAck > 0 {
		p.Transfer.DropAck--
		glog.V(2).Infof("sim: tftp ack %d dropped by fault", n)
		return nil
	}
	var pkt [4]byte
	binary.BigEndian.PutUint16(pkt[:], 4)
	binary.BigEndian.PutUint16(pkt[2:], n)
	return one(p.udpReply(s.client, s.port, pkt[:]))
}

func (p *Peer) tftpError(to from, srcPort uint16, code uint16, msg string) []byte {
	pkt := make([]byte, 0, 5+len(msg))
	pkt = binary.BigEndian.AppendUint16(pkt, 5)
	pkt = binary.BigEndian.AppendUint16(pkt, code)
	pkt = append(pkt, msg...)
	pkt = append(pkt, 0)
	return p.udpReply(to, srcPort, pkt)
}

func (p *Peer) allocPort() uint16 {
	port := p.nextPort
	p.nextPort += 2 // leave room for the wrong-TID twin
	return port
}

func sameClient(a, b from) bool {
	return a.port == b.port && a.ip.Equal(b.ip)
}
