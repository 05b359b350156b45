package ipv4header

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestMarshalParseRoundTrip(t *testing.T) {
	hdr := Header{
		TTL:      16,
		Protocol: 6,
		Src:      netip.MustParseAddr("10.0.0.1"),
		Dst:      netip.MustParseAddr("10.0.0.2"),
	}
	payload := []byte("hello, virtual internet")

	wire, err := Marshal(hdr, payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	gotHdr, gotPayload, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if gotHdr.TTL != hdr.TTL || gotHdr.Protocol != hdr.Protocol {
		t.Fatalf("header mismatch: %+v", gotHdr)
	}
	if gotHdr.Src != hdr.Src || gotHdr.Dst != hdr.Dst {
		t.Fatalf("address mismatch: %+v", gotHdr)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch: %q", gotPayload)
	}

	wire2, err := Marshal(gotHdr, gotPayload)
	if err != nil {
		t.Fatalf("re-Marshal: %v", err)
	}
	if !bytes.Equal(wire, wire2) {
		t.Fatalf("build->parse->build not idempotent:\n%x\n%x", wire, wire2)
	}
}

func TestParseRejectsBadChecksum(t *testing.T) {
	hdr := Header{TTL: 16, Protocol: 6, Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2")}
	wire, err := Marshal(hdr, nil)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	wire[11] ^= 0xff // corrupt checksum byte
	if _, _, err := Parse(wire); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestParseRejectsShortBuffer(t *testing.T) {
	if _, _, err := Parse(make([]byte, 10)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}
