package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// preambleLen is the size of the inter-site tunnel frame header: 4
// bytes source IPv4, 2 bytes source UDP port, 2 bytes destination
// protocol port. This is the current, 8-byte format; an older 6-byte
// format (no destination port field, implicit RAAT) is not
// interoperable with it and is not supported here.
const preambleLen = 8

// minTunnelFrame is the smallest frame accepted: the preamble plus at
// least one payload byte.
const minTunnelFrame = preambleLen + 1

// ErrTunnelFrameTooShort indicates a frame shorter than minTunnelFrame.
var ErrTunnelFrameTooShort = errors.New("tunnel frame shorter than preamble plus payload")

// TunnelFrame is a decoded inter-site tunnel frame: an original sender
// (preserved across the tunnel hop), the destination protocol port at
// the receiving site, and the discovery payload itself.
type TunnelFrame struct {
	SrcIP   net.IP
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// EncodeTunnelFrame builds the 8-byte preamble plus payload sent to the
// peer relay: bytes 0-3 source IPv4 in network order, bytes 4-5 source
// UDP port big-endian, bytes 6-7 destination protocol port big-endian,
// remaining bytes the payload.
func EncodeTunnelFrame(srcIP net.IP, srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	ip4 := srcIP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("encode tunnel frame: %s is not an IPv4 address", srcIP)
	}

	frame := make([]byte, preambleLen+len(payload))
	copy(frame[0:4], ip4)
	binary.BigEndian.PutUint16(frame[4:6], srcPort)
	binary.BigEndian.PutUint16(frame[6:8], dstPort)
	copy(frame[preambleLen:], payload)

	return frame, nil
}

// DecodeTunnelFrame parses a frame received on the tunnel socket. It
// returns ErrTunnelFrameTooShort for any frame under 9 bytes; the
// caller is responsible for looking up DstPort against the enabled
// protocol set and dropping frames that name an unknown port.
func DecodeTunnelFrame(frame []byte) (TunnelFrame, error) {
	if len(frame) < minTunnelFrame {
		return TunnelFrame{}, fmt.Errorf("tunnel frame of %d bytes: %w", len(frame), ErrTunnelFrameTooShort)
	}

	payload := make([]byte, len(frame)-preambleLen)
	copy(payload, frame[preambleLen:])

	return TunnelFrame{
		SrcIP:   net.IPv4(frame[0], frame[1], frame[2], frame[3]),
		SrcPort: binary.BigEndian.Uint16(frame[4:6]),
		DstPort: binary.BigEndian.Uint16(frame[6:8]),
		Payload: payload,
	}, nil
}
