// Package iptcputil builds and parses the 20-byte, option-free TCP
// segment header used on the wire, and computes its RFC 793 checksum over
// the IPv4 pseudo-header + header + payload. It wraps
// github.com/google/netstack/tcpip/header for the wire layout.
package iptcputil

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

// HeaderLen is the fixed, option-free TCP header length in bytes.
const HeaderLen = header.TCPMinimumSize // 20

// Flag aliases so callers never need to import the netstack header
// package directly just for flag bits.
const (
	FlagFin = header.TCPFlagFin
	FlagSyn = header.TCPFlagSyn
	FlagRst = header.TCPFlagRst
	FlagPsh = header.TCPFlagPsh
	FlagAck = header.TCPFlagAck
	FlagUrg = header.TCPFlagUrg
)

// ErrMalformed is returned by Parse for a wire-level malformation: short
// buffer, bad data offset, or nonzero option bytes. A checksum mismatch is
// reported separately by VerifyChecksum. These are dropped with a log
// line, never surfaced to an application.
var ErrMalformed = errors.New("malformed tcp segment")

// Segment is the parsed TCP header plus its payload (aliasing the input
// buffer).
type Segment struct {
	Fields  header.TCPFields
	Payload []byte
}

// Build encodes fields and payload into a wire buffer with DataOffset and
// Checksum filled in. src/dst are the IPv4 addresses of the pseudo-header.
// A DataOffset above HeaderLen reserves that many header bytes, with the
// option bytes past HeaderLen left zero.
func Build(fields header.TCPFields, src, dst netip.Addr, payload []byte) ([]byte, error) {
	if fields.DataOffset == 0 {
		fields.DataOffset = HeaderLen
	}
	fields.Checksum = 0
	hdrLen := HeaderLen
	if int(fields.DataOffset) > hdrLen {
		hdrLen = int(fields.DataOffset)
	}

	buf := make(header.TCP, hdrLen)
	buf.Encode(&fields)
	wire := append(buf, payload...)

	fields.Checksum = Checksum(wire, src, dst)
	buf.Encode(&fields)
	// buf and wire share the header prefix; rebuild to be explicit.
	out := make([]byte, hdrLen+len(payload))
	copy(out, buf)
	copy(out[hdrLen:], payload)
	return out, nil
}

// Parse validates and decodes the TCP segment in buf. Returns ErrMalformed
// if buf is short, has a bad data offset, or carries nonzero TCP options.
// Parse does not check the checksum; callers use VerifyChecksum for that.
func Parse(buf []byte) (Segment, error) {
	if len(buf) < HeaderLen {
		return Segment{}, errors.Wrap(ErrMalformed, "short buffer")
	}
	tcp := header.TCP(buf)
	dataOffset := int(tcp.DataOffset())
	if dataOffset < HeaderLen {
		return Segment{}, errors.Wrapf(ErrMalformed, "bad data offset %d", dataOffset)
	}
	if dataOffset > len(buf) {
		return Segment{}, errors.Wrap(ErrMalformed, "data offset exceeds buffer")
	}
	if dataOffset > HeaderLen {
		// Any bytes between the fixed header and DataOffset are options.
		for _, b := range buf[HeaderLen:dataOffset] {
			if b != 0 {
				return Segment{}, errors.Wrap(ErrMalformed, "nonzero tcp options")
			}
		}
	}

	fields := header.TCPFields{
		SrcPort:       tcp.SourcePort(),
		DstPort:       tcp.DestinationPort(),
		SeqNum:        tcp.SequenceNumber(),
		AckNum:        tcp.AckNumber(),
		DataOffset:    uint8(dataOffset),
		Flags:         tcp.Flags(),
		WindowSize:    tcp.WindowSize(),
		Checksum:      tcp.Checksum(),
		UrgentPointer: binary.BigEndian.Uint16(buf[header.TCPUrgentPtrOffset:]),
	}
	return Segment{Fields: fields, Payload: buf[dataOffset:]}, nil
}

// VerifyChecksum recomputes the checksum of a received segment's raw wire
// bytes against the declared IPv4 src/dst and reports whether it matches.
func VerifyChecksum(buf []byte, src, dst netip.Addr) bool {
	if len(buf) < HeaderLen {
		return false
	}
	got := header.TCP(buf).Checksum()
	cleared := make([]byte, len(buf))
	copy(cleared, buf)
	header.TCP(cleared).SetChecksum(0)
	want := Checksum(cleared, src, dst)
	return got == want
}

// Checksum computes the RFC 793 checksum over the 12-byte IPv4
// pseudo-header followed by segment (header + payload, with the
// checksum field expected to be zero in segment).
func Checksum(segment []byte, src, dst netip.Addr) uint16 {
	pseudo := make([]byte, 12)
	srcB := src.As4()
	dstB := dst.As4()
	copy(pseudo[0:4], srcB[:])
	copy(pseudo[4:8], dstB[:])
	pseudo[8] = 0
	pseudo[9] = uint8(header.TCPProtocolNumber)
	pseudo[10] = byte(len(segment) >> 8)
	pseudo[11] = byte(len(segment))

	return onesComplementSum(pseudo, segment)
}

func onesComplementSum(bufs ...[]byte) uint16 {
	var sum uint32
	carry := byte(0)
	hasCarry := false
	for _, buf := range bufs {
		n := len(buf)
		i := 0
		if hasCarry && n > 0 {
			sum += uint32(carry)<<8 | uint32(buf[0])
			i = 1
			hasCarry = false
		}
		for ; i+1 < n; i += 2 {
			sum += uint32(buf[i])<<8 | uint32(buf[i+1])
		}
		if i < n {
			carry = buf[i]
			hasCarry = true
		}
	}
	if hasCarry {
		sum += uint32(carry) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
