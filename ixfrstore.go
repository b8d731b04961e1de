package main

import (
	"log"

	"github.com/miekg/dns"
)

// Initial allocation for the del and add segments; doubled on overflow and
// trimmed back to exact length at commit.
const ixfrStoreInitialSize = 4096

type ixfrBudget struct {
	number uint32
	size   uint64
}

func (z zoneConfig) ixfrBudget() ixfrBudget {
	return ixfrBudget{number: z.IXFRNumber, size: z.IXFRSize}
}

// ixfrStore accumulates one delta during ingestion of a zone update. All
// mutators are no-ops once the store is cancelled, so the ingestion driver
// never needs to special-case a failed store; finish then discards.
type ixfrStore struct {
	apex      string
	budget    ixfrBudget
	chain     *zoneIXFR
	data      *ixfrDelta
	cancelled bool
}

func newIXFRStore(apex string, budget ixfrBudget, chain *zoneIXFR, oldSerial, newSerial uint32) *ixfrStore {
	return &ixfrStore{
		apex:   normalizeName(apex),
		budget: budget,
		chain:  chain,
		data: &ixfrDelta{
			oldSerial: oldSerial,
			newSerial: newSerial,
		},
	}
}

func (st *ixfrStore) cancel() {
	st.cancelled = true
	st.data = nil
}

// makeSpace evicts older deltas until the candidate fits the per-zone
// count and size budgets, cancelling when it cannot fit at all.
func (st *ixfrStore) makeSpace() {
	if st.cancelled || st.chain == nil {
		return
	}
	if st.budget.number == 0 {
		st.cancel()
		return
	}
	for uint32(st.chain.count()) >= st.budget.number {
		st.chain.removeOldest()
	}
	if st.budget.size == 0 {
		return
	}
	addSize := st.data.size()
	for st.chain.count() > 0 && st.chain.totalSize+addSize > st.budget.size {
		st.chain.removeOldest()
	}
	if st.chain.count() == 0 && st.chain.totalSize+addSize > st.budget.size {
		st.cancel()
	}
}

func (st *ixfrStore) storeSOA(soa *dns.SOA) []byte {
	rd := soaRdata{
		MName:   soa.Ns,
		RName:   soa.Mbox,
		Serial:  soa.Serial,
		Refresh: soa.Refresh,
		Retry:   soa.Retry,
		Expire:  soa.Expire,
		Minimum: soa.Minttl,
	}
	buf, ok := buildSOA(st.apex, soa.Hdr.Ttl, rd)
	if !ok {
		log.Printf("ixfr store %s: cannot serialize SOA", st.apex)
		st.cancel()
		return nil
	}
	return buf
}

// addNewSOA records the SOA that bounds the new zone version, replacing
// any earlier one.
func (st *ixfrStore) addNewSOA(soa *dns.SOA) {
	if st.cancelled {
		return
	}
	st.data.newSOA = st.storeSOA(soa)
}

// addOldSOA records the pre-version SOA. Seeing it is the signal that the
// transfer really is incremental, so the budget check runs here.
func (st *ixfrStore) addOldSOA(soa *dns.SOA) {
	if st.cancelled {
		return
	}
	st.makeSpace()
	if st.cancelled {
		return
	}
	st.data.oldSOA = st.storeSOA(soa)
}

func (st *ixfrStore) putRR(rr dns.RR, segment *[]byte) {
	if st.cancelled {
		return
	}
	// SOAs are managed through addNewSOA/addOldSOA only and appended at
	// finish; one arriving through the record path is dropped.
	if rr.Header().Rrtype == dns.TypeSOA {
		return
	}
	st.makeSpace()
	if st.cancelled {
		return
	}
	wire, ok := packRRStored(rr)
	if !ok {
		log.Printf("ixfr store %s: cannot serialize record", st.apex)
		st.cancel()
		return
	}
	*segment = growSegment(*segment, len(wire))
	*segment = append(*segment, wire...)
}

func (st *ixfrStore) delRR(rr dns.RR) {
	if st.cancelled {
		return
	}
	st.putRR(rr, &st.data.del)
}

func (st *ixfrStore) addRR(rr dns.RR) {
	if st.cancelled {
		return
	}
	st.putRR(rr, &st.data.add)
}

// finish closes both sections with the new SOA, trims the segments to
// exact size and publishes the delta into the chain. Returns false when
// the store was cancelled and nothing was published.
func (st *ixfrStore) finish(logStr string) bool {
	if st.cancelled {
		return false
	}

	st.data.del = growSegment(st.data.del, len(st.data.newSOA))
	st.data.del = append(st.data.del, st.data.newSOA...)
	st.data.add = growSegment(st.data.add, len(st.data.newSOA))
	st.data.add = append(st.data.add, st.data.newSOA...)

	st.data.del = trimSegment(st.data.del)
	st.data.add = trimSegment(st.data.add)

	if logStr != "" {
		st.data.logStr = logStr
	}

	st.makeSpace()
	if st.cancelled {
		return false
	}
	st.chain.add(st.data)
	st.data = nil
	return true
}

func growSegment(buf []byte, added int) []byte {
	if buf == nil {
		size := ixfrStoreInitialSize
		if added > size {
			size = added
		}
		return make([]byte, 0, size)
	}
	if len(buf)+added <= cap(buf) {
		return buf
	}
	size := cap(buf) * 2
	if len(buf)+added > size {
		size = len(buf) + added
	}
	grown := make([]byte, len(buf), size)
	copy(grown, buf)
	return grown
}

func trimSegment(buf []byte) []byte {
	if buf == nil || cap(buf) == len(buf) {
		return buf
	}
	exact := make([]byte, len(buf))
	copy(exact, buf)
	return exact
}
