package main

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
)

const testZoneName = "example.com."

func newTestServer(t *testing.T) *server {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "dns-test.db")
	p, err := newPersistence(dbPath)
	if err != nil {
		t.Fatalf("newPersistence: %v", err)
	}

	s := &server{
		cfg: config{
			NodeID:      "test-node",
			APIToken:    "token",
			DefaultTTL:  20,
			DefaultZone: testZoneName,
			DefaultNS:   []string{"ns1.example.com."},
			IXFRDir:     t.TempDir(),
			StoreIXFR:   true,
			IXFRNumber:  5,
			IXFRSize:    1 << 20,
		},
		data:    newStore(),
		persist: p,
		ixfr:    newIXFRSet(),
		start:   time.Now().Add(-time.Second),
	}

	return s
}

func testZoneConfig(t *testing.T, serial uint32) zoneConfig {
	t.Helper()
	return zoneConfig{
		Zone:       testZoneName,
		NS:         []string{"ns1.example.com."},
		SOATTL:     60,
		Serial:     serial,
		UpdatedAt:  time.Now().UTC(),
		ZoneFile:   filepath.Join(t.TempDir(), "example.com"),
		StoreIXFR:  true,
		IXFRNumber: 5,
		IXFRSize:   1 << 20,
	}
}

func testSOA(serial uint32) *dns.SOA {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: testZoneName, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 60},
		Ns:      "ns1.example.com.",
		Mbox:    "hostmaster.example.com.",
		Serial:  serial,
		Refresh: 30,
		Retry:   30,
		Expire:  300,
		Minttl:  60,
	}
}

func testA(name, ip string) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 30},
		A:   net.ParseIP(ip).To4(),
	}
}

func testTXT(name, text string) dns.RR {
	return &dns.TXT{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 30},
		Txt: []string{text},
	}
}

// commitDelta pushes one delta through the builder into the chain the way
// the ingestion path does.
func commitDelta(t *testing.T, chain *zoneIXFR, budget ixfrBudget, oldSerial, newSerial uint32, del, add []dns.RR) bool {
	t.Helper()

	st := newIXFRStore(testZoneName, budget, chain, oldSerial, newSerial)
	st.addNewSOA(testSOA(newSerial))
	st.addOldSOA(testSOA(oldSerial))
	for _, rr := range del {
		st.delRR(rr)
	}
	for _, rr := range add {
		st.addRR(rr)
	}
	return st.finish("test transfer")
}

func testBudget() ixfrBudget {
	return ixfrBudget{number: 5, size: 1 << 20}
}

func ixfrRequest(serial uint32) *dns.Msg {
	m := new(dns.Msg)
	m.SetIxfr(testZoneName, serial, "ns1.example.com.", "hostmaster.example.com.")
	return m
}

// collectIXFR drives the streamer to completion and unpacks every emitted
// packet.
func collectIXFR(t *testing.T, s *server, req *dns.Msg, tcp bool) ([]*dns.Msg, *ixfrQuery) {
	t.Helper()

	raw, err := req.Pack()
	if err != nil {
		t.Fatalf("pack request: %v", err)
	}
	q := newIXFRQuery(req, raw, tcp)
	if len(req.Question) == 1 && req.Question[0].Qtype == dns.TypeAXFR {
		q.axfr = true
	}

	var out []*dns.Msg
	for i := 0; i < 1000; i++ {
		state := s.queryIXFR(q)
		if len(q.packet) > 0 {
			m := new(dns.Msg)
			if err := m.Unpack(q.packet); err != nil {
				t.Fatalf("unpack packet %d: %v", len(out), err)
			}
			out = append(out, m)
		}
		if state == queryProcessed {
			return out, q
		}
		if !tcp {
			return out, q
		}
	}
	t.Fatal("stream did not finish")
	return nil, nil
}

// answerTrace flattens the answer RRs of a packet sequence into a trace:
// SOA records by serial, other records by name and type.
func answerTrace(msgs []*dns.Msg) []any {
	var out []any
	for _, m := range msgs {
		for _, rr := range m.Answer {
			if soa, ok := rr.(*dns.SOA); ok {
				out = append(out, soa.Serial)
				continue
			}
			out = append(out, rr.Header().Name+"/"+dns.TypeToString[rr.Header().Rrtype])
		}
	}
	return out
}
