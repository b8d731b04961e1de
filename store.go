package main

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

func newStore() *store {
	return &store{
		records: make(map[string]aRecord),
		zones:   make(map[string]zoneConfig),
	}
}

func recordKey(rec aRecord) string {
	val := ""
	switch rec.Type {
	case "A", "AAAA":
		val = strings.ToLower(strings.TrimSpace(rec.IP))
	case "TXT":
		val = rec.Text
	case "CNAME", "NS":
		val = normalizeName(rec.Target)
	case "MX":
		val = fmt.Sprintf("%d|%s", rec.Priority, normalizeName(rec.Target))
	}
	return rec.Name + "|" + rec.Type + "|" + val
}

func (s *store) setRecord(rec aRecord) bool {
	rec.Name = normalizeName(rec.Name)
	rec.Type = normalizeRecordType(rec.Type)
	rec.Zone = normalizeName(rec.Zone)
	key := recordKey(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, prev := range s.records {
		if prev.Name != rec.Name || prev.Type != rec.Type {
			continue
		}
		if prev.Version > rec.Version {
			return false
		}
		delete(s.records, k)
	}

	s.records[key] = rec
	return true
}

func (s *store) deleteRecordByType(name, recordType string, version int64) []aRecord {
	name = normalizeName(name)
	recordType = strings.ToUpper(strings.TrimSpace(recordType))

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted []aRecord
	for key, prev := range s.records {
		if prev.Name != name {
			continue
		}
		if recordType != "" && prev.Type != recordType {
			continue
		}
		if prev.Version > version {
			continue
		}
		delete(s.records, key)
		deleted = append(deleted, prev)
	}

	return deleted
}

func (s *store) getRecords(name string, qtype uint16) []aRecord {
	name = normalizeName(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]aRecord, 0, 2)
	for _, rec := range s.records {
		if rec.Name != name {
			continue
		}
		if qtype == dns.TypeANY || rec.Type == dns.TypeToString[qtype] {
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type == out[j].Type {
			return out[i].Name < out[j].Name
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func (s *store) hasName(name string) bool {
	name = normalizeName(name)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.Name == name {
			return true
		}
	}
	return false
}

func (s *store) listRecords() []aRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]aRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *store) upsertZone(z zoneConfig) bool {
	z.Zone = normalizeName(z.Zone)
	z.NS = normalizeNames(z.NS)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.zones[z.Zone]
	if ok && serialCompare(prev.Serial, z.Serial) > 0 {
		return false
	}

	s.zones[z.Zone] = z
	return true
}

func (s *store) getZone(zone string) (zoneConfig, bool) {
	key := normalizeName(zone)

	s.mu.RLock()
	defer s.mu.RUnlock()

	z, ok := s.zones[key]
	return z, ok
}

func (s *store) listZones() []zoneConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]zoneConfig, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, z)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Zone < out[j].Zone })
	return out
}

func (s *store) bestZone(name string) (zoneConfig, bool) {
	q := normalizeName(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best       zoneConfig
		found      bool
		bestLabels int
	)

	for zone, cfg := range s.zones {
		if !dns.IsSubDomain(zone, q) {
			continue
		}
		labels := dns.CountLabel(zone)
		if !found || labels > bestLabels {
			best = cfg
			bestLabels = labels
			found = true
		}
	}

	return best, found
}

// recordRR renders one stored record as a resource record, or nil when the
// stored data cannot be rendered.
func recordRR(rec aRecord) dns.RR {
	name := normalizeName(rec.Name)
	switch rec.Type {
	case "A":
		ip := net.ParseIP(rec.IP)
		if ip == nil || ip.To4() == nil {
			return nil
		}
		return &dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: rec.TTL},
			A:   ip.To4(),
		}
	case "AAAA":
		ip := net.ParseIP(rec.IP)
		if ip == nil || ip.To4() != nil {
			return nil
		}
		return &dns.AAAA{
			Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: rec.TTL},
			AAAA: ip,
		}
	case "TXT":
		return &dns.TXT{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: rec.TTL},
			Txt: chunkTXT(rec.Text),
		}
	case "CNAME":
		return &dns.CNAME{
			Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: rec.TTL},
			Target: normalizeName(rec.Target),
		}
	case "MX":
		return &dns.MX{
			Hdr:        dns.RR_Header{Name: name, Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: rec.TTL},
			Mx:         normalizeName(rec.Target),
			Preference: rec.Priority,
		}
	case "NS":
		return &dns.NS{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: rec.TTL},
			Ns:  normalizeName(rec.Target),
		}
	}
	return nil
}

// zoneRecords renders every record under the zone apex, apex NS set first,
// in a stable order. The SOA is not included; transfer callers place it
// themselves.
func (s *store) zoneRecords(z zoneConfig) []dns.RR {
	apex := normalizeName(z.Zone)

	out := make([]dns.RR, 0, 16)
	for _, ns := range z.NS {
		out = append(out, &dns.NS{
			Hdr: dns.RR_Header{Name: apex, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: z.SOATTL},
			Ns:  normalizeName(ns),
		})
	}

	s.mu.RLock()
	recs := make([]aRecord, 0, len(s.records))
	for _, rec := range s.records {
		if normalizeName(rec.Zone) == apex || dns.IsSubDomain(apex, rec.Name) {
			recs = append(recs, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Name == recs[j].Name {
			return recs[i].Type < recs[j].Type
		}
		return recs[i].Name < recs[j].Name
	})
	for _, rec := range recs {
		if rr := recordRR(rec); rr != nil {
			out = append(out, rr)
		}
	}
	return out
}

func soaForZone(z zoneConfig) *dns.SOA {
	if z.Zone == "" {
		return nil
	}
	mname := z.Zone
	if len(z.NS) > 0 {
		mname = z.NS[0]
	}

	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: normalizeName(z.Zone), Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: z.SOATTL},
		Ns:      normalizeName(mname),
		Mbox:    normalizeName("hostmaster." + z.Zone),
		Serial:  z.Serial,
		Refresh: 30,
		Retry:   30,
		Expire:  300,
		Minttl:  z.SOATTL,
	}
}
