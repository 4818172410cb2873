package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Datagram layout (big endian):
//
//	magic "FLOP" | version | run id (16) | seq (4) | sent nanos (8) | id len (1) | node id
//
// Relays echo the payload verbatim, so everything needed to match a reply to
// its probe travels inside the packet.
const (
	wireVersion  = 1
	headerLen    = 4 + 1 + 16 + 4 + 8 + 1
	maxNodeIDLen = 255
)

var wireMagic = [4]byte{'F', 'L', 'O', 'P'}

var (
	errShortPacket = errors.New("probe packet too short")
	errBadMagic    = errors.New("probe packet magic mismatch")
	errBadVersion  = errors.New("probe packet version mismatch")
)

// packet is the decoded form of a probe datagram.
type packet struct {
	RunID  uuid.UUID
	Seq    uint32
	SentAt time.Duration // offset from the transport epoch
	NodeID string
}

func encodePacket(p packet) ([]byte, error) {
	if len(p.NodeID) == 0 {
		return nil, fmt.Errorf("empty node id")
	}
	if len(p.NodeID) > maxNodeIDLen {
		return nil, fmt.Errorf("node id %q longer than %d bytes", p.NodeID, maxNodeIDLen)
	}

	buf := make([]byte, headerLen+len(p.NodeID))
	copy(buf[0:4], wireMagic[:])
	buf[4] = wireVersion
	copy(buf[5:21], p.RunID[:])
	binary.BigEndian.PutUint32(buf[21:25], p.Seq)
	binary.BigEndian.PutUint64(buf[25:33], uint64(p.SentAt))
	buf[33] = byte(len(p.NodeID))
	copy(buf[headerLen:], p.NodeID)
	return buf, nil
}

func decodePacket(buf []byte) (packet, error) {
	if len(buf) < headerLen {
		return packet{}, errShortPacket
	}
	if [4]byte(buf[0:4]) != wireMagic {
		return packet{}, errBadMagic
	}
	if buf[4] != wireVersion {
		return packet{}, errBadVersion
	}

	idLen := int(buf[33])
	if len(buf) < headerLen+idLen {
		return packet{}, errShortPacket
	}

	var p packet
	copy(p.RunID[:], buf[5:21])
	p.Seq = binary.BigEndian.Uint32(buf[21:25])
	p.SentAt = time.Duration(binary.BigEndian.Uint64(buf[25:33]))
	p.NodeID = string(buf[headerLen : headerLen+idLen])
	return p, nil
}

// isProbePacket reports whether buf starts with the probe magic.
func isProbePacket(buf []byte) bool {
	return len(buf) >= 4 && [4]byte(buf[0:4]) == wireMagic
}
