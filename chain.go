package main

import "sync"

// zoneIXFR is the ordered collection of deltas for one zone, ascending by
// oldSerial under RFC 1982 comparison relative to the oldest member. In a
// served chain each delta's newSerial equals the next delta's oldSerial.
type zoneIXFR struct {
	deltas    []*ixfrDelta
	totalSize uint64
	numFiles  int
}

func (ix *zoneIXFR) count() int {
	return len(ix.deltas)
}

// find looks a delta up by the serial the requester still has. Equality
// only; a wrapped serial must never match through ordering.
func (ix *zoneIXFR) find(oldSerial uint32) *ixfrDelta {
	for _, d := range ix.deltas {
		if d.oldSerial == oldSerial {
			return d
		}
	}
	return nil
}

func (ix *zoneIXFR) add(d *ixfrDelta) {
	i := len(ix.deltas)
	for i > 0 && serialCompare(ix.deltas[i-1].oldSerial, d.oldSerial) > 0 {
		i--
	}
	ix.deltas = append(ix.deltas, nil)
	copy(ix.deltas[i+1:], ix.deltas[i:])
	ix.deltas[i] = d
	ix.totalSize += d.size()
}

func (ix *zoneIXFR) remove(d *ixfrDelta) {
	for i, e := range ix.deltas {
		if e == d {
			ix.deltas = append(ix.deltas[:i], ix.deltas[i+1:]...)
			ix.totalSize -= d.size()
			return
		}
	}
}

func (ix *zoneIXFR) removeOldest() {
	if len(ix.deltas) > 0 {
		ix.remove(ix.deltas[0])
	}
}

func (ix *zoneIXFR) clear() {
	ix.deltas = nil
	ix.totalSize = 0
}

func (ix *zoneIXFR) first() *ixfrDelta {
	if len(ix.deltas) == 0 {
		return nil
	}
	return ix.deltas[0]
}

func (ix *zoneIXFR) last() *ixfrDelta {
	if len(ix.deltas) == 0 {
		return nil
	}
	return ix.deltas[len(ix.deltas)-1]
}

func (ix *zoneIXFR) indexOf(d *ixfrDelta) int {
	for i, e := range ix.deltas {
		if e == d {
			return i
		}
	}
	return -1
}

func (ix *zoneIXFR) next(d *ixfrDelta) *ixfrDelta {
	i := ix.indexOf(d)
	if i < 0 || i+1 >= len(ix.deltas) {
		return nil
	}
	return ix.deltas[i+1]
}

func (ix *zoneIXFR) previous(d *ixfrDelta) *ixfrDelta {
	i := ix.indexOf(d)
	if i <= 0 {
		return nil
	}
	return ix.deltas[i-1]
}

// connected walks forward from start checking that each delta hands over to
// the next one, and reports the serial the chain ends at. A chain that is
// not connected cannot be served; deltas in the middle may already have
// been evicted.
func (ix *zoneIXFR) connected(start *ixfrDelta) (bool, uint32) {
	i := ix.indexOf(start)
	if i < 0 {
		return false, 0
	}
	for ; i < len(ix.deltas)-1; i++ {
		if ix.deltas[i].newSerial != ix.deltas[i+1].oldSerial {
			return false, 0
		}
	}
	return true, ix.deltas[len(ix.deltas)-1].newSerial
}

// ixfrSet holds the version chains of all zones. The lock is taken by the
// callers, not the methods: a serving stream holds the read lock for its
// whole lifetime so the snapshot it pinned stays valid, ingestion and
// journal writing hold the write lock.
type ixfrSet struct {
	mu     sync.RWMutex
	chains map[string]*zoneIXFR
}

func newIXFRSet() *ixfrSet {
	return &ixfrSet{chains: make(map[string]*zoneIXFR)}
}

func (s *ixfrSet) chain(zone string) *zoneIXFR {
	return s.chains[normalizeName(zone)]
}

func (s *ixfrSet) getOrCreate(zone string) *zoneIXFR {
	key := normalizeName(zone)
	ix, ok := s.chains[key]
	if !ok {
		ix = &zoneIXFR{}
		s.chains[key] = ix
	}
	return ix
}
