package main

import (
	"context"
	"fmt"
	"log"
	mrand "math/rand"
	"time"

	"github.com/miekg/dns"
)

func (s *server) runDNS(ctx context.Context, network string) error {
	addr := s.cfg.DNSUDPListen
	if network == "tcp" {
		addr = s.cfg.DNSTCPListen
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNS)

	dnsServer := &dns.Server{Addr: addr, Net: network, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = dnsServer.ShutdownContext(context.Background())
	}()

	if err := dnsServer.ListenAndServe(); err != nil {
		return fmt.Errorf("dns/%s listen: %w", network, err)
	}
	return nil
}

func (s *server) handleDNS(w dns.ResponseWriter, req *dns.Msg) {
	if len(req.Question) == 1 {
		switch req.Question[0].Qtype {
		case dns.TypeIXFR, dns.TypeAXFR:
			s.handleXFR(w, req)
			return
		}
	}
	resp := s.resolveDNS(req)
	_ = w.WriteMsg(resp)
}

// handleXFR drives a transfer request to completion, writing each packet
// the streamer produces. The streamer owns the per-request state; the loop
// here is the outer event loop of the stream.
func (s *server) handleXFR(w dns.ResponseWriter, req *dns.Msg) {
	raw, err := req.Pack()
	if err != nil {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
		return
	}

	tcp := w.RemoteAddr() != nil && w.RemoteAddr().Network() == "tcp"
	q := newIXFRQuery(req, raw, tcp)
	if req.Question[0].Qtype == dns.TypeAXFR {
		q.axfr = true
	}

	// The whole stream serves one snapshot of the delta chain; ingestion
	// waits until the stream is finished.
	s.ixfr.mu.RLock()
	defer s.ixfr.mu.RUnlock()

	for {
		state := s.queryIXFR(q)
		if len(q.packet) > 0 {
			if _, err := w.Write(q.packet); err != nil {
				log.Printf("xfr %s: write: %v", q.qname, err)
				return
			}
		}
		if state == queryProcessed {
			return
		}
	}
}

func (s *server) resolveDNS(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true

	for _, question := range req.Question {
		name := normalizeName(question.Name)

		switch question.Qtype {
		case dns.TypeNS:
			if zone, ok := s.data.getZone(name); ok {
				for _, ns := range zone.NS {
					resp.Answer = append(resp.Answer, &dns.NS{
						Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: zone.SOATTL},
						Ns:  normalizeName(ns),
					})
				}
			}
		case dns.TypeSOA:
			if zone, ok := s.data.bestZone(name); ok {
				resp.Answer = append(resp.Answer, soaForZone(zone))
			}
		default:
			resp.Answer = append(resp.Answer, s.answerRecords(name, question.Qtype)...)
		}
	}

	if len(resp.Answer) == 0 {
		firstQ := "."
		firstType := dns.TypeNone
		if len(req.Question) > 0 {
			firstQ = normalizeName(req.Question[0].Name)
			firstType = req.Question[0].Qtype
		}

		if zone, ok := s.data.bestZone(firstQ); ok {
			if s.data.hasName(firstQ) || firstType == dns.TypeSOA || firstType == dns.TypeNS {
				resp.Rcode = dns.RcodeSuccess
			} else {
				resp.Rcode = dns.RcodeNameError
			}
			resp.Ns = append(resp.Ns, soaForZone(zone))
		} else {
			resp.Rcode = dns.RcodeRefused
		}
	}

	return resp
}

// answerRecords renders the records matching one question, falling back
// to a CNAME at the name when the asked-for type has no direct answer.
func (s *server) answerRecords(name string, qtype uint16) []dns.RR {
	out := make([]dns.RR, 0, 4)
	for _, rec := range s.data.getRecords(name, qtype) {
		if rr := recordRR(rec); rr != nil {
			out = append(out, rr)
		}
	}
	if qtype == dns.TypeA || qtype == dns.TypeAAAA {
		shuffleRR(out)
	}
	if len(out) == 0 && qtype != dns.TypeCNAME && qtype != dns.TypeANY {
		for _, rec := range s.data.getRecords(name, dns.TypeCNAME) {
			if rr := recordRR(rec); rr != nil {
				out = append(out, rr)
			}
		}
	}
	return out
}

func shuffleRR(records []dns.RR) {
	if len(records) < 2 {
		return
	}
	r := mrand.New(mrand.NewSource(time.Now().UnixNano()))
	r.Shuffle(len(records), func(i, j int) { records[i], records[j] = records[j], records[i] })
}
