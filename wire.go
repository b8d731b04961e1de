package main

import (
	"encoding/binary"

	"github.com/miekg/dns"
)

const (
	headerSize = 12

	// Response packets stay below the maximum name compression offset so
	// upper layers keep compression headroom, even though the stored
	// segments themselves are never compressed.
	ixfrMaxMessageLen = 16384

	// Sign every packet of a TSIG stream when 0, every Nth otherwise.
	tsigSignEveryNth = 0
)

func be16(buf []byte, off int) uint16 {
	return binary.BigEndian.Uint16(buf[off:])
}

func be32(buf []byte, off int) uint32 {
	return binary.BigEndian.Uint32(buf[off:])
}

func putBE16(buf []byte, off int, v uint16) {
	binary.BigEndian.PutUint16(buf[off:], v)
}

func putBE32(buf []byte, off int, v uint32) {
	binary.BigEndian.PutUint32(buf[off:], v)
}

// Header count words.
func qdCount(msg []byte) uint16 { return be16(msg, 4) }
func anCount(msg []byte) uint16 { return be16(msg, 6) }
func nsCount(msg []byte) uint16 { return be16(msg, 8) }

func setQDCount(msg []byte, v uint16) { putBE16(msg, 4, v) }
func setANCount(msg []byte, v uint16) { putBE16(msg, 6, v) }
func setNSCount(msg []byte, v uint16) { putBE16(msg, 8, v) }
func setARCount(msg []byte, v uint16) { putBE16(msg, 10, v) }

// Header flag bits.
func setQR(msg []byte) { msg[2] |= 0x80 }
func setAA(msg []byte) { msg[2] |= 0x04 }
func setTC(msg []byte) { msg[2] |= 0x02 }

func setRcode(msg []byte, rc int) { msg[3] = (msg[3] &^ 0x0f) | byte(rc&0x0f) }

// skipNameStored walks an uncompressed owner or rdata name inside a stored
// segment. Compression pointers are a protocol violation there and reject
// the whole segment. Returns the offset just past the terminating zero
// label, or -1.
func skipNameStored(buf []byte, off int) int {
	for {
		if off >= len(buf) {
			return -1
		}
		labelSize := int(buf[off])
		off++
		if labelSize == 0 {
			return off
		}
		if labelSize&0xc0 != 0 {
			return -1
		}
		if off+labelSize > len(buf) {
			return -1
		}
		off += labelSize
	}
}

// skipNameWire walks a name in a received packet, where compression
// pointers are legal; a pointer terminates the name. Returns the offset
// past the name, or -1.
func skipNameWire(buf []byte, off int) int {
	for {
		if off >= len(buf) {
			return -1
		}
		labelSize := int(buf[off])
		switch {
		case labelSize == 0:
			return off + 1
		case labelSize&0xc0 == 0xc0:
			if off+2 > len(buf) {
				return -1
			}
			return off + 2
		case labelSize&0xc0 != 0:
			return -1
		default:
			off++
			if off+labelSize > len(buf) {
				return -1
			}
			off += labelSize
		}
	}
}

// rrLength returns the byte span of the record starting at start inside a
// stored segment, or 0 when the segment is truncated or holds a
// compression pointer.
func rrLength(buf []byte, start int) int {
	i := skipNameStored(buf, start)
	if i < 0 {
		return 0
	}
	// type, class, ttl, rdlength
	if i+10 > len(buf) {
		return 0
	}
	rdlen := int(be16(buf, i+8))
	i += 10
	if i+rdlen > len(buf) {
		return 0
	}
	return i + rdlen - start
}

type soaRdata struct {
	MName   string
	RName   string
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32
}

// parseSOARdata reads the uncompressed rdata of a stored SOA record.
func parseSOARdata(rdata []byte) (soaRdata, bool) {
	var rd soaRdata

	mname, off, err := dns.UnpackDomainName(rdata, 0)
	if err != nil || skipNameStored(rdata, 0) < 0 {
		return rd, false
	}
	rname, off2, err := dns.UnpackDomainName(rdata, off)
	if err != nil || skipNameStored(rdata, off) < 0 {
		return rd, false
	}
	if off2+20 > len(rdata) {
		return rd, false
	}
	rd.MName = mname
	rd.RName = rname
	rd.Serial = be32(rdata, off2)
	rd.Refresh = be32(rdata, off2+4)
	rd.Retry = be32(rdata, off2+8)
	rd.Expire = be32(rdata, off2+12)
	rd.Minimum = be32(rdata, off2+16)
	return rd, true
}

// buildSOA serializes one SOA record in the stored form: uncompressed owner
// and rdata names, big-endian integers.
func buildSOA(apex string, ttl uint32, rd soaRdata) ([]byte, bool) {
	buf := make([]byte, 0, 256)

	owner := make([]byte, 255)
	n, err := dns.PackDomainName(dns.Fqdn(apex), owner, 0, nil, false)
	if err != nil {
		return nil, false
	}
	buf = append(buf, owner[:n]...)

	hdr := make([]byte, 10)
	putBE16(hdr, 0, dns.TypeSOA)
	putBE16(hdr, 2, dns.ClassINET)
	putBE32(hdr, 4, ttl)

	mname := make([]byte, 255)
	mn, err := dns.PackDomainName(dns.Fqdn(rd.MName), mname, 0, nil, false)
	if err != nil {
		return nil, false
	}
	rname := make([]byte, 255)
	rn, err := dns.PackDomainName(dns.Fqdn(rd.RName), rname, 0, nil, false)
	if err != nil {
		return nil, false
	}

	putBE16(hdr, 8, uint16(mn+rn+20))
	buf = append(buf, hdr...)
	buf = append(buf, mname[:mn]...)
	buf = append(buf, rname[:rn]...)

	ints := make([]byte, 20)
	putBE32(ints, 0, rd.Serial)
	putBE32(ints, 4, rd.Refresh)
	putBE32(ints, 8, rd.Retry)
	putBE32(ints, 12, rd.Expire)
	putBE32(ints, 16, rd.Minimum)
	buf = append(buf, ints...)
	return buf, true
}

// parseQserial extracts the requester's serial from an IXFR query: one
// question, at least one authority record, and the first SOA found in the
// authority section carries the serial. snip is the offset where the
// authority section starts; the response is built from there.
func parseQserial(msg []byte) (qserial uint32, snip int, ok bool) {
	if len(msg) < headerSize {
		return 0, 0, false
	}
	if qdCount(msg) != 1 || nsCount(msg) == 0 {
		return 0, 0, false
	}

	// skip the question
	pos := skipNameWire(msg, headerSize)
	if pos < 0 || pos+4 > len(msg) {
		return 0, 0, false
	}
	pos += 4

	// answer section should be empty in an IXFR query, but walk whatever
	// is declared so the authority section is found where the counts say
	for i := 0; i < int(anCount(msg)); i++ {
		pos = skipRRWire(msg, pos)
		if pos < 0 {
			return 0, 0, false
		}
	}

	snip = pos
	for i := 0; i < int(nsCount(msg)); i++ {
		if pos = skipNameWire(msg, pos); pos < 0 {
			return 0, 0, false
		}
		if pos+10 > len(msg) {
			return 0, 0, false
		}
		rrtype := be16(msg, pos)
		rdlen := int(be16(msg, pos+8))
		pos += 10
		if pos+rdlen > len(msg) {
			return 0, 0, false
		}
		if rrtype == dns.TypeSOA {
			// skip mname and rname, then the serial
			p := skipNameWire(msg, pos)
			if p < 0 {
				return 0, 0, false
			}
			if p = skipNameWire(msg, p); p < 0 {
				return 0, 0, false
			}
			if p+4 > len(msg) {
				return 0, 0, false
			}
			return be32(msg, p), snip, true
		}
		pos += rdlen
	}
	return 0, 0, false
}

// skipRRWire passes one complete record in a received packet.
func skipRRWire(msg []byte, off int) int {
	off = skipNameWire(msg, off)
	if off < 0 || off+10 > len(msg) {
		return -1
	}
	rdlen := int(be16(msg, off+8))
	off += 10
	if off+rdlen > len(msg) {
		return -1
	}
	return off + rdlen
}

// packRRStored serializes a record in the stored form, owner and any rdata
// names uncompressed.
func packRRStored(rr dns.RR) ([]byte, bool) {
	buf := make([]byte, dns.Len(rr)+1)
	off, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return nil, false
	}
	return buf[:off], true
}
