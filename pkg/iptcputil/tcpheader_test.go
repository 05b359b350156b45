package iptcputil

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/google/netstack/tcpip/header"
)

func TestBuildParseRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	fields := header.TCPFields{
		SrcPort:    5555,
		DstPort:    6666,
		SeqNum:     1000,
		AckNum:     2000,
		Flags:      FlagAck,
		WindowSize: 65535,
	}
	payload := []byte("payload bytes")

	wire, err := Build(fields, src, dst, payload)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !VerifyChecksum(wire, src, dst) {
		t.Fatal("checksum should verify")
	}

	seg, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if seg.Fields.SrcPort != fields.SrcPort || seg.Fields.DstPort != fields.DstPort {
		t.Fatalf("port mismatch: %+v", seg.Fields)
	}
	if seg.Fields.SeqNum != fields.SeqNum || seg.Fields.AckNum != fields.AckNum {
		t.Fatalf("seq/ack mismatch: %+v", seg.Fields)
	}
	if !bytes.Equal(seg.Payload, payload) {
		t.Fatalf("payload mismatch: %q", seg.Payload)
	}

	wire2, err := Build(seg.Fields, src, dst, seg.Payload)
	if err != nil {
		t.Fatalf("re-Build: %v", err)
	}
	if !bytes.Equal(wire, wire2) {
		t.Fatalf("build->parse->build not idempotent:\n%x\n%x", wire, wire2)
	}
}

func TestVerifyChecksumRejectsCorruption(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	fields := header.TCPFields{SrcPort: 1, DstPort: 2, Flags: FlagSyn, WindowSize: 1024}
	wire, err := Build(fields, src, dst, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	wire[0] ^= 0xff
	if VerifyChecksum(wire, src, dst) {
		t.Fatal("corrupted segment should fail checksum")
	}
}

func TestParseRejectsNonzeroOptions(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	fields := header.TCPFields{SrcPort: 1, DstPort: 2, Flags: FlagSyn, WindowSize: 1024, DataOffset: HeaderLen + 4}
	wire, err := Build(fields, src, dst, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	wire[HeaderLen] = 0x01 // nonzero option byte
	if _, err := Parse(wire); err == nil {
		t.Fatal("expected rejection of nonzero option bytes")
	}
}
