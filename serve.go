package main

import (
	"log"

	"github.com/miekg/dns"
)

type queryState int

const (
	// queryProcessed means the response (if any) is complete.
	queryProcessed queryState = iota
	// queryInIXFR means a packet was produced and the caller should call
	// again for the next one.
	queryInIXFR
)

// ixfrQuery carries one transfer request and its cross-packet streaming
// state. It lives for the duration of the response stream and is dropped
// once done.
type ixfrQuery struct {
	msg    *dns.Msg
	raw    []byte
	qname  string
	tcp    bool
	maxlen int

	// packet is the response produced by the last queryIXFR call, nil
	// when the stream is finished.
	packet []byte

	chain    *zoneIXFR
	delta    *ixfrDelta
	endDelta *ixfrDelta

	countNewSOA int
	countOldSOA int
	countDel    int
	countAdd    int
	posOfNewSOA int
	done        bool

	// TSIG intents for the outer layer; produced, never consumed here.
	tsigActive bool
	signIt     bool
	prepareIt  bool
	updateIt   bool

	// AXFR fallback state.
	axfr        bool
	axfrStarted bool
	axfrRecs    []dns.RR
	axfrPos     int
}

func newIXFRQuery(req *dns.Msg, raw []byte, tcp bool) *ixfrQuery {
	maxlen := dns.MinMsgSize
	if opt := req.IsEdns0(); opt != nil {
		if size := int(opt.UDPSize()); size > maxlen {
			maxlen = size
		}
	}
	if tcp {
		maxlen = ixfrMaxMessageLen
	}
	q := &ixfrQuery{
		msg:    req,
		raw:    raw,
		tcp:    tcp,
		maxlen: maxlen,
	}
	if len(req.Question) == 1 {
		q.qname = normalizeName(req.Question[0].Name)
	}
	return q
}

// packReply finalizes a miekg-built message as the single response packet.
func (q *ixfrQuery) packReply(m *dns.Msg) queryState {
	wire, err := m.Pack()
	if err != nil {
		log.Printf("ixfr: cannot pack reply for %s: %v", q.qname, err)
		wire = nil
	}
	q.packet = wire
	q.done = true
	return queryProcessed
}

// queryIXFR produces the next response packet for an IXFR request. The
// first call admits the request: it answers up-to-date requesters with a
// single SOA, falls back to AXFR when the delta chain cannot bridge the
// requested serial, and otherwise starts streaming the spliced deltas.
func (s *server) queryIXFR(q *ixfrQuery) queryState {
	if q.axfr {
		return s.queryAXFR(q)
	}
	if q.done {
		q.packet = nil
		return queryProcessed
	}
	if q.maxlen > ixfrMaxMessageLen {
		q.maxlen = ixfrMaxMessageLen
	}

	// Only keep running TSIG values for most packets.
	q.prepareIt = false
	q.updateIt = true
	if q.signIt {
		q.prepareIt = true
		q.signIt = false
	}

	if q.delta == nil {
		qserial, _, ok := parseQserial(q.raw)
		if !ok {
			m := new(dns.Msg)
			m.SetRcode(q.msg, dns.RcodeFormatError)
			return q.packReply(m)
		}
		if s.cfg.DebugLog {
			log.Printf("ixfr query %s serial=%d", q.qname, qserial)
		}

		zone, found := s.data.getZone(q.qname)
		if !found {
			m := new(dns.Msg)
			m.SetRcode(q.msg, dns.RcodeNotAuth)
			return q.packReply(m)
		}

		current := zone.Serial
		if serialCompare(qserial, current) >= 0 {
			// The requester is current or ahead; answer with just
			// our SOA, compressed the regular way.
			soa := soaForZone(zone)
			if soa == nil {
				m := new(dns.Msg)
				m.SetRcode(q.msg, dns.RcodeServerFailure)
				return q.packReply(m)
			}
			m := new(dns.Msg)
			m.SetReply(q.msg)
			m.Authoritative = true
			m.Answer = []dns.RR{soa}
			return q.packReply(m)
		}

		chain := s.ixfr.chain(q.qname)
		if chain == nil {
			q.axfr = true
			return s.queryAXFR(q)
		}
		delta := chain.find(qserial)
		if delta == nil {
			q.axfr = true
			return s.queryAXFR(q)
		}
		connected, endSerial := chain.connected(delta)
		if !connected || endSerial != current {
			q.axfr = true
			return s.queryAXFR(q)
		}

		q.chain = chain
		q.delta = delta
		q.endDelta = chain.last()
		q.countNewSOA = 0
		q.countOldSOA = 0
		q.countDel = 0
		q.countAdd = 0
		q.posOfNewSOA = 0
		if q.tsigActive {
			q.signIt = true
		}
		q.packet = q.firstPacket()
	} else {
		q.packet = q.nextPacket()
	}

	total := q.copyRRsIntoPacket()

	for q.countAdd >= len(q.delta.add) {
		if q.delta == q.endDelta {
			// The stream ends at the snapshot taken at admission,
			// even if the chain grew since.
			q.signIt = true
			q.done = true
			break
		}
		next := q.chain.next(q.delta)
		if next == nil {
			q.signIt = true
			q.done = true
			break
		}
		// The SOAs between stitched deltas are not re-emitted.
		q.delta = next
		q.countOldSOA = len(next.oldSOA)
		q.countDel = 0
		q.countAdd = 0
		total += q.copyRRsIntoPacket()
	}

	setAA(q.packet)
	setANCount(q.packet, uint16(total))
	setNSCount(q.packet, 0)
	setARCount(q.packet, 0)

	if !q.tcp && !q.done {
		// RFC 1995: a UDP response that does not fit is just the
		// latest SOA with TC set.
		setTC(q.packet)
		if q.posOfNewSOA > 0 {
			q.packet = q.packet[:q.posOfNewSOA]
			setANCount(q.packet, 1)
		}
		q.done = true
	}

	if q.tsigActive && tsigSignEveryNth == 0 {
		q.signIt = true
	}
	return queryInIXFR
}

// firstPacket keeps the request header and question; later packets carry
// the header alone.
func (q *ixfrQuery) firstPacket() []byte {
	end := skipNameWire(q.raw, headerSize)
	if end < 0 || end+4 > len(q.raw) {
		end = headerSize - 4
	}
	end += 4
	pkt := make([]byte, 0, q.maxlen)
	pkt = append(pkt, q.raw[:end]...)
	setQR(pkt)
	setRcode(pkt, dns.RcodeSuccess)
	setQDCount(pkt, 1)
	setANCount(pkt, 0)
	setNSCount(pkt, 0)
	setARCount(pkt, 0)
	return pkt
}

func (q *ixfrQuery) nextPacket() []byte {
	pkt := make([]byte, 0, q.maxlen)
	pkt = append(pkt, q.raw[:headerSize]...)
	setQR(pkt)
	setRcode(pkt, dns.RcodeSuccess)
	setQDCount(pkt, 0)
	setANCount(pkt, 0)
	setNSCount(pkt, 0)
	setARCount(pkt, 0)
	return pkt
}

// copyRRsIntoPacket copies records until the packet is full, one whole
// record at a time, and returns how many were added.
func (q *ixfrQuery) copyRRsIntoPacket() int {
	added := 0

	// The final SOA of the whole response comes first and is taken from
	// the end delta.
	if q.countNewSOA < len(q.endDelta.newSOA) {
		if len(q.packet)+len(q.endDelta.newSOA) <= q.maxlen {
			q.packet = append(q.packet, q.endDelta.newSOA...)
			q.countNewSOA = len(q.endDelta.newSOA)
			q.posOfNewSOA = len(q.packet)
			added++
		} else {
			return added
		}
	}

	if q.countOldSOA < len(q.delta.oldSOA) {
		if len(q.packet)+len(q.delta.oldSOA) <= q.maxlen {
			q.packet = append(q.packet, q.delta.oldSOA...)
			q.countOldSOA = len(q.delta.oldSOA)
			added++
		} else {
			return added
		}
	}

	for q.countDel < len(q.delta.del) {
		rrlen := rrLength(q.delta.del, q.countDel)
		if rrlen == 0 || len(q.packet)+rrlen > q.maxlen {
			return added
		}
		q.packet = append(q.packet, q.delta.del[q.countDel:q.countDel+rrlen]...)
		q.countDel += rrlen
		added++
	}

	for q.countAdd < len(q.delta.add) {
		rrlen := rrLength(q.delta.add, q.countAdd)
		if rrlen == 0 || len(q.packet)+rrlen > q.maxlen {
			return added
		}
		q.packet = append(q.packet, q.delta.add[q.countAdd:q.countAdd+rrlen]...)
		q.countAdd += rrlen
		added++
	}

	return added
}
