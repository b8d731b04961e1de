package main

import (
	"log"

	"github.com/miekg/dns"
)

// queryAXFR streams the whole zone: SOA, every record, SOA again. It backs
// QTYPE=AXFR requests and is the fallback when no delta chain can bridge
// an IXFR request.
func (s *server) queryAXFR(q *ixfrQuery) queryState {
	if q.done {
		q.packet = nil
		return queryProcessed
	}
	if q.maxlen > ixfrMaxMessageLen {
		q.maxlen = ixfrMaxMessageLen
	}

	q.prepareIt = false
	q.updateIt = true
	if q.signIt {
		q.prepareIt = true
		q.signIt = false
	}

	if !q.axfrStarted {
		zone, found := s.data.getZone(q.qname)
		if !found {
			m := new(dns.Msg)
			m.SetRcode(q.msg, dns.RcodeNotAuth)
			return q.packReply(m)
		}
		soa := soaForZone(zone)
		if soa == nil {
			m := new(dns.Msg)
			m.SetRcode(q.msg, dns.RcodeServerFailure)
			return q.packReply(m)
		}
		records := make([]dns.RR, 0, 16)
		records = append(records, soa)
		records = append(records, s.data.zoneRecords(zone)...)
		records = append(records, soa)
		q.axfr = true
		q.axfrStarted = true
		q.axfrRecs = records
		if q.tsigActive {
			q.signIt = true
		}
		q.packet = q.firstPacket()
	} else {
		q.packet = q.nextPacket()
	}

	buf := make([]byte, q.maxlen)
	copy(buf, q.packet)
	off := len(q.packet)
	added := 0
	for q.axfrPos < len(q.axfrRecs) {
		next, err := dns.PackRR(q.axfrRecs[q.axfrPos], buf, off, nil, false)
		if err != nil {
			break
		}
		off = next
		q.axfrPos++
		added++
	}
	q.packet = buf[:off]

	if q.axfrPos >= len(q.axfrRecs) {
		q.signIt = true
		q.done = true
	}
	if added == 0 && !q.done && q.tcp {
		// A record that does not fit an empty packet cannot be
		// streamed at all.
		log.Printf("axfr %s: record exceeds packet size", q.qname)
		m := new(dns.Msg)
		m.SetRcode(q.msg, dns.RcodeServerFailure)
		return q.packReply(m)
	}

	setAA(q.packet)
	setANCount(q.packet, uint16(added))
	setNSCount(q.packet, 0)
	setARCount(q.packet, 0)

	if !q.tcp && !q.done {
		setTC(q.packet)
		q.done = true
	}

	if q.tsigActive && tsigSignEveryNth == 0 {
		q.signIt = true
	}
	return queryInIXFR
}
