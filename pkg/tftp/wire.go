package tftp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Packets follow RFC 1350: a 2-byte opcode, then opcode-specific
// fields. Transfers move in 512-byte blocks; a shorter block ends the
// transfer. Block numbers wrap modulo 65536 on long files.
const (
	opRRQ   = 1
	opWRQ   = 2
	opDATA  = 3
	opACK   = 4
	opERROR = 5

	blockSize = 512

	errUnknownTID = 5
)

const transferMode = "octet"

// RemoteError is an ERROR packet from the peer.
type RemoteError struct {
	Code uint16
	Msg  string
}

// Error implements error.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Msg)
}

type packet struct {
	op    uint16
	block uint16
	data  []byte

	errCode uint16
	errMsg  string
}

func appendRequest(b []byte, op uint16, filename string) []byte {
	b = binary.BigEndian.AppendUint16(b, op)
	b = append(b, filename...)
	b = append(b, 0)
	b = append(b, transferMode...)
	return append(b, 0)
}

func appendAck(b []byte, block uint16) []byte {
	b = binary.BigEndian.AppendUint16(b, opACK)
	return binary.BigEndian.AppendUint16(b, block)
}

func appendData(b []byte, block uint16, payload []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, opDATA)
	b = binary.BigEndian.AppendUint16(b, block)
	return append(b, payload...)
}

func appendError(b []byte, code uint16, msg string) []byte {
	b = binary.BigEndian.AppendUint16(b, opERROR)
	b = binary.BigEndian.AppendUint16(b, code)
	b = append(b, msg...)
	return append(b, 0)
}

// parsePacket decodes one datagram. Malformed packets are the
// caller's discard case.
func parsePacket(b []byte) (packet, bool) {
	if len(b) < 4 {
		return packet{}, false
	}
	p := packet{op: binary.BigEndian.Uint16(b)}
	switch p.op {
	case opDATA:
		p.block = binary.BigEndian.Uint16(b[2:])
		p.data = b[4:]
		if len(p.data) > blockSize {
			return packet{}, false
		}
	case opACK:
		p.block = binary.BigEndian.Uint16(b[2:])
	case opERROR:
		p.errCode = binary.BigEndian.Uint16(b[2:])
		msg := b[4:]
		if i := bytes.IndexByte(msg, 0); i >= 0 {
			msg = msg[:i]
		}
		p.errMsg = string(msg)
	case opRRQ, opWRQ:
		// servers parse these; the client never expects one
	default:
		return packet{}, false
	}
	return p, true
}
