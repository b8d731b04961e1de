package main

import (
	"testing"

	"github.com/miekg/dns"
)

func TestRRLengthWalksWholeSegment(t *testing.T) {
	chain := &zoneIXFR{}
	if !commitDelta(t, chain, testBudget(), 10, 11,
		[]dns.RR{testA("a.example.com", "192.0.2.1"), testTXT("t.example.com", "hello")},
		[]dns.RR{testA("b.example.com", "192.0.2.2")}) {
		t.Fatal("commitDelta failed")
	}
	d := chain.find(10)
	if d == nil {
		t.Fatal("delta not found")
	}

	for _, segment := range [][]byte{d.newSOA, d.oldSOA, d.del, d.add} {
		pos := 0
		for pos < len(segment) {
			rrlen := rrLength(segment, pos)
			if rrlen == 0 {
				t.Fatalf("rrLength stuck at offset %d of %d", pos, len(segment))
			}
			pos += rrlen
		}
		if pos != len(segment) {
			t.Fatalf("walk ended at %d, want %d", pos, len(segment))
		}
	}
}

func TestRRLengthRejectsCompressionPointer(t *testing.T) {
	// owner name with a compression pointer
	buf := []byte{0x01, 'a', 0xc0, 0x0c, 0, 1, 0, 1, 0, 0, 0, 30, 0, 4, 192, 0, 2, 1}
	if got := rrLength(buf, 0); got != 0 {
		t.Fatalf("rrLength = %d, want 0 for compressed name", got)
	}
}

func TestRRLengthRejectsTruncation(t *testing.T) {
	wire, ok := packRRStored(testA("a.example.com", "192.0.2.1"))
	if !ok {
		t.Fatal("packRRStored failed")
	}
	for cut := 1; cut < len(wire); cut++ {
		if got := rrLength(wire[:len(wire)-cut], 0); got != 0 {
			t.Fatalf("rrLength = %d on %d-byte truncation, want 0", got, cut)
		}
	}
	if got := rrLength(wire, 0); got != len(wire) {
		t.Fatalf("rrLength = %d, want %d", got, len(wire))
	}
}

func TestBuildSOAParseSOARoundTrip(t *testing.T) {
	in := soaRdata{
		MName:   "ns1.example.com.",
		RName:   "hostmaster.example.com.",
		Serial:  1234,
		Refresh: 30,
		Retry:   31,
		Expire:  300,
		Minimum: 60,
	}
	wire, ok := buildSOA("example.com.", 60, in)
	if !ok {
		t.Fatal("buildSOA failed")
	}
	if got := rrLength(wire, 0); got != len(wire) {
		t.Fatalf("rrLength = %d, want %d", got, len(wire))
	}

	// rdata starts after owner, type, class, ttl, rdlength
	rdataOff := skipNameStored(wire, 0) + 10
	out, ok := parseSOARdata(wire[rdataOff:])
	if !ok {
		t.Fatal("parseSOARdata failed")
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestParseQserial(t *testing.T) {
	req := ixfrRequest(42)
	raw, err := req.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	serial, snip, ok := parseQserial(raw)
	if !ok {
		t.Fatal("parseQserial failed")
	}
	if serial != 42 {
		t.Fatalf("serial = %d, want 42", serial)
	}
	wantSnip := skipNameWire(raw, headerSize) + 4
	if snip != wantSnip {
		t.Fatalf("snip = %d, want %d", snip, wantSnip)
	}
}

func TestParseQserialRejectsMissingAuthority(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion(testZoneName, dns.TypeIXFR)
	raw, err := req.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if _, _, ok := parseQserial(raw); ok {
		t.Fatal("expected failure without authority SOA")
	}
}

func TestPackRRStoredIsUncompressed(t *testing.T) {
	wire, ok := packRRStored(testSOA(7))
	if !ok {
		t.Fatal("packRRStored failed")
	}
	if got := rrLength(wire, 0); got != len(wire) {
		t.Fatalf("rrLength = %d, want %d; stored form must be pointer-free", got, len(wire))
	}
}
