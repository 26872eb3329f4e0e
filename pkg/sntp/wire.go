package sntp

import (
	"encoding/binary"
	"time"
)

// Packets are the fixed 48-byte layout of RFC 4330: flags, stratum,
// poll, precision, three 32-bit root fields, then four 64-bit
// timestamps in 32.32 fixed point seconds since 1900.
const packetSize = 48

// seconds between the NTP epoch (1900) and the Unix epoch (1970)
const ntpEpochOffset = 2208988800

const (
	modeClient = 3
	modeServer = 4

	leapUnsynchronized = 3
)

type ntpTime uint64

func toNTPTime(t time.Time) ntpTime {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return ntpTime(secs<<32 | frac)
}

func (ts ntpTime) Time() time.Time {
	secs := int64(ts>>32) - ntpEpochOffset
	nanos := int64((uint64(ts) & 0xffffffff) * uint64(time.Second) >> 32)
	return time.Unix(secs, nanos)
}

func (ts ntpTime) IsZero() bool { return ts == 0 }

// packet is the decoded form of one SNTP message.
type packet struct {
	Leap      uint8
	Version   uint8
	Mode      uint8
	Stratum   uint8
	Originate ntpTime
	Receive   ntpTime
	Transmit  ntpTime
}

// encodeRequest fills a client request with our transmit timestamp.
func encodeRequest(buf []byte, transmit ntpTime) []byte {
	b := buf[:packetSize]
	for i := range b {
		b[i] = 0
	}
	b[0] = 4<<3 | modeClient
	binary.BigEndian.PutUint64(b[40:], uint64(transmit))
	return b
}

// decodePacket parses a server reply. Short datagrams are the
// caller's reject case.
func decodePacket(b []byte) (packet, bool) {
	if len(b) < packetSize {
		return packet{}, false
	}
	return packet{
		Leap:      b[0] >> 6,
		Version:   b[0] >> 3 & 0x7,
		Mode:      b[0] & 0x7,
		Stratum:   b[1],
		Originate: ntpTime(binary.BigEndian.Uint64(b[24:])),
		Receive:   ntpTime(binary.BigEndian.Uint64(b[32:])),
		Transmit:  ntpTime(binary.BigEndian.Uint64(b[40:])),
	}, true
}
