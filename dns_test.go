package main

import (
	"testing"

	"github.com/miekg/dns"
)

func TestResolveARecord(t *testing.T) {
	s := newTestServer(t)
	s.data.upsertZone(testZoneConfig(t, 5))
	s.data.setRecord(aRecord{Name: "app.example.com", Type: "A", Zone: "example.com", IP: "192.0.2.7", TTL: 30, Version: 1})

	req := new(dns.Msg)
	req.SetQuestion("app.example.com.", dns.TypeA)
	resp := s.resolveDNS(req)

	if !resp.Authoritative {
		t.Fatal("authoritative answer expected")
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("got %d answers, want 1", len(resp.Answer))
	}
	a, ok := resp.Answer[0].(*dns.A)
	if !ok || a.A.String() != "192.0.2.7" {
		t.Fatalf("unexpected answer %v", resp.Answer[0])
	}
}

func TestResolveCNAMEFallback(t *testing.T) {
	s := newTestServer(t)
	s.data.upsertZone(testZoneConfig(t, 5))
	s.data.setRecord(aRecord{Name: "alias.example.com", Type: "CNAME", Zone: "example.com", Target: "app.example.com", TTL: 30, Version: 1})

	req := new(dns.Msg)
	req.SetQuestion("alias.example.com.", dns.TypeA)
	resp := s.resolveDNS(req)

	if len(resp.Answer) != 1 {
		t.Fatalf("got %d answers, want the CNAME", len(resp.Answer))
	}
	if _, ok := resp.Answer[0].(*dns.CNAME); !ok {
		t.Fatalf("answer is %T, want CNAME", resp.Answer[0])
	}
}

func TestResolveSOA(t *testing.T) {
	s := newTestServer(t)
	s.data.upsertZone(testZoneConfig(t, 9))

	req := new(dns.Msg)
	req.SetQuestion(testZoneName, dns.TypeSOA)
	resp := s.resolveDNS(req)

	if len(resp.Answer) != 1 {
		t.Fatalf("got %d answers, want 1", len(resp.Answer))
	}
	soa, ok := resp.Answer[0].(*dns.SOA)
	if !ok || soa.Serial != 9 {
		t.Fatalf("unexpected SOA answer %v", resp.Answer[0])
	}
}

func TestResolveNXDomainCarriesSOA(t *testing.T) {
	s := newTestServer(t)
	s.data.upsertZone(testZoneConfig(t, 9))

	req := new(dns.Msg)
	req.SetQuestion("missing.example.com.", dns.TypeA)
	resp := s.resolveDNS(req)

	if resp.Rcode != dns.RcodeNameError {
		t.Fatalf("rcode = %d, want NXDOMAIN", resp.Rcode)
	}
	if len(resp.Ns) != 1 {
		t.Fatal("authority section must carry the SOA")
	}
}

func TestResolveOutsideZonesRefused(t *testing.T) {
	s := newTestServer(t)
	s.data.upsertZone(testZoneConfig(t, 9))

	req := new(dns.Msg)
	req.SetQuestion("nowhere.test.", dns.TypeA)
	resp := s.resolveDNS(req)

	if resp.Rcode != dns.RcodeRefused {
		t.Fatalf("rcode = %d, want REFUSED", resp.Rcode)
	}
}
