// Package ipv4header implements the 20-byte IPv4 header used on the wire:
// no options, no fragmentation. Checksum is RFC 791's 16-bit one's
// complement sum over the header with the checksum field zeroed.
package ipv4header

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

const (
	// HeaderLen is the fixed, option-free IPv4 header length in bytes.
	HeaderLen = 20

	// MaxPacketSize bounds the emulated link's MTU: datagrams are at most 1400 bytes.
	MaxPacketSize = 1400

	// MaxPayloadSize is MaxPacketSize minus the fixed header.
	MaxPayloadSize = MaxPacketSize - HeaderLen

	ipVersion = 4
	ipIHL     = 5 // 5 * 4 = 20 bytes, no options
)

// ErrMalformed is returned by Parse for any wire-level malformation: short
// buffer, bad version/IHL, or checksum mismatch. Callers drop silently and
// log it — this error never reaches an application.
var ErrMalformed = errors.New("malformed ipv4 header")

// Header is the parsed, option-free IPv4 header.
type Header struct {
	TTL      uint8
	Protocol uint8
	Src      netip.Addr
	Dst      netip.Addr
	TotalLen int // 20 + len(payload)
}

// Marshal encodes hdr followed by payload into a single wire buffer,
// computing and inserting the header checksum.
func Marshal(hdr Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, errors.Errorf("ipv4: payload %d exceeds max %d", len(payload), MaxPayloadSize)
	}
	if !hdr.Src.Is4() || !hdr.Dst.Is4() {
		return nil, errors.New("ipv4: addresses must be IPv4")
	}

	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = ipVersion<<4 | ipIHL
	buf[1] = 0 // TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(HeaderLen+len(payload)))
	binary.BigEndian.PutUint16(buf[4:6], 0) // identification
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags/frag offset
	buf[8] = hdr.TTL
	buf[9] = hdr.Protocol
	binary.BigEndian.PutUint16(buf[10:12], 0) // checksum placeholder
	srcB := hdr.Src.As4()
	dstB := hdr.Dst.As4()
	copy(buf[12:16], srcB[:])
	copy(buf[16:20], dstB[:])

	sum := Checksum(buf[:HeaderLen])
	binary.BigEndian.PutUint16(buf[10:12], sum)

	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// Parse validates and decodes the IPv4 header prefix of buf, returning the
// header and the payload slice (aliasing buf). Returns ErrMalformed for any
// wire-level defect including checksum mismatch.
func Parse(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderLen {
		return Header{}, nil, errors.Wrap(ErrMalformed, "short buffer")
	}
	versionIHL := buf[0]
	version := versionIHL >> 4
	ihl := versionIHL & 0x0f
	if version != ipVersion || ihl != ipIHL {
		return Header{}, nil, errors.Wrapf(ErrMalformed, "version=%d ihl=%d", version, ihl)
	}

	totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if totalLen < HeaderLen || totalLen > len(buf) {
		return Header{}, nil, errors.Wrapf(ErrMalformed, "bad total length %d", totalLen)
	}

	gotSum := binary.BigEndian.Uint16(buf[10:12])
	checkBuf := make([]byte, HeaderLen)
	copy(checkBuf, buf[:HeaderLen])
	binary.BigEndian.PutUint16(checkBuf[10:12], 0)
	wantSum := Checksum(checkBuf)
	if gotSum != wantSum {
		return Header{}, nil, errors.Wrapf(ErrMalformed, "checksum mismatch: got %x want %x", gotSum, wantSum)
	}

	src, ok := netip.AddrFromSlice(buf[12:16])
	if !ok {
		return Header{}, nil, errors.Wrap(ErrMalformed, "bad src address")
	}
	dst, ok := netip.AddrFromSlice(buf[16:20])
	if !ok {
		return Header{}, nil, errors.Wrap(ErrMalformed, "bad dst address")
	}

	hdr := Header{
		TTL:      buf[8],
		Protocol: buf[9],
		Src:      src,
		Dst:      dst,
		TotalLen: totalLen,
	}
	return hdr, buf[HeaderLen:totalLen], nil
}

// Checksum computes the RFC 791 16-bit one's-complement checksum of data.
// Callers must zero the checksum field in data before calling.
func Checksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
