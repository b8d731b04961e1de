package main

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/miekg/dns"
)

func chainWithDeltas(t *testing.T, zone zoneConfig, pairs ...[2]uint32) *zoneIXFR {
	t.Helper()
	chain := &zoneIXFR{}
	for i, pair := range pairs {
		del := []dns.RR{testA("old.example.com", "192.0.2.1")}
		add := []dns.RR{
			testA("new.example.com", "192.0.2.2"),
			testTXT("note.example.com", "change number "+strings.Repeat("x", i+1)),
		}
		if !commitDelta(t, chain, zone.ixfrBudget(), pair[0], pair[1], del, add) {
			t.Fatalf("commitDelta %d->%d failed", pair[0], pair[1])
		}
	}
	return chain
}

func slotSerials(t *testing.T, zone zoneConfig, num int) (from, to uint32) {
	t.Helper()
	data, err := os.ReadFile(ixfrFileName(zone.ZoneFile, num))
	if err != nil {
		t.Fatalf("read slot %d: %v", num, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "; from_serial "); ok {
			from = uint32(mustAtoi(t, v))
		}
		if v, ok := strings.CutPrefix(line, "; to_serial "); ok {
			to = uint32(mustAtoi(t, v))
		}
	}
	return from, to
}

func mustAtoi(t *testing.T, v string) uint64 {
	t.Helper()
	var n uint64
	for _, c := range strings.TrimSpace(v) {
		if c < '0' || c > '9' {
			t.Fatalf("bad number %q", v)
		}
		n = n*10 + uint64(c-'0')
	}
	return n
}

func TestJournalRoundTrip(t *testing.T) {
	zone := testZoneConfig(t, 12)
	chain := chainWithDeltas(t, zone, [2]uint32{10, 11}, [2]uint32{11, 12})

	ixfrWriteToFile(chain, zone)
	if chain.numFiles != 2 {
		t.Fatalf("numFiles = %d, want 2", chain.numFiles)
	}

	want := make([]*ixfrDelta, len(chain.deltas))
	copy(want, chain.deltas)

	loaded := &zoneIXFR{}
	ixfrReadFromFile(loaded, zone)

	if loaded.count() != 2 {
		t.Fatalf("loaded %d deltas, want 2", loaded.count())
	}
	for i, wd := range want {
		ld := loaded.deltas[i]
		if ld.oldSerial != wd.oldSerial || ld.newSerial != wd.newSerial {
			t.Fatalf("delta %d serials %d->%d, want %d->%d", i,
				ld.oldSerial, ld.newSerial, wd.oldSerial, wd.newSerial)
		}
		if !bytes.Equal(ld.newSOA, wd.newSOA) || !bytes.Equal(ld.oldSOA, wd.oldSOA) {
			t.Fatalf("delta %d SOA bytes differ after reload", i)
		}
		if !bytes.Equal(ld.del, wd.del) {
			t.Fatalf("delta %d del bytes differ after reload", i)
		}
		if !bytes.Equal(ld.add, wd.add) {
			t.Fatalf("delta %d add bytes differ after reload", i)
		}
	}
	ok, end := loaded.connected(loaded.first())
	if !ok || end != 12 {
		t.Fatalf("loaded chain connected = %v end = %d", ok, end)
	}
}

func TestWriteRenamesOlderSlots(t *testing.T) {
	zone := testZoneConfig(t, 12)
	chain := chainWithDeltas(t, zone, [2]uint32{10, 11}, [2]uint32{11, 12})

	ixfrWriteToFile(chain, zone)
	if from, to := slotSerials(t, zone, 1); from != 11 || to != 12 {
		t.Fatalf("slot 1 is %d->%d, want 11->12", from, to)
	}
	if from, to := slotSerials(t, zone, 2); from != 10 || to != 11 {
		t.Fatalf("slot 2 is %d->%d, want 10->11", from, to)
	}

	// Commit 12->13 and write again: everything shifts one slot up.
	if !commitDelta(t, chain, zone.ixfrBudget(), 12, 13,
		[]dns.RR{testA("old.example.com", "192.0.2.1")},
		[]dns.RR{testA("new.example.com", "192.0.2.9")}) {
		t.Fatal("commitDelta 12->13 failed")
	}
	zone.Serial = 13
	ixfrWriteToFile(chain, zone)

	if from, to := slotSerials(t, zone, 1); from != 12 || to != 13 {
		t.Fatalf("slot 1 is %d->%d, want 12->13", from, to)
	}
	if from, to := slotSerials(t, zone, 2); from != 11 || to != 12 {
		t.Fatalf("slot 2 is %d->%d, want 11->12", from, to)
	}
	if from, to := slotSerials(t, zone, 3); from != 10 || to != 11 {
		t.Fatalf("slot 3 is %d->%d, want 10->11", from, to)
	}
	if ixfrFileExists(zone.ZoneFile, 4) {
		t.Fatal("slot 4 must not exist")
	}
}

func TestWriteDropsSuperfluousSlots(t *testing.T) {
	zone := testZoneConfig(t, 13)
	zone.IXFRNumber = 2
	chain := chainWithDeltas(t, zone, [2]uint32{10, 11}, [2]uint32{11, 12}, [2]uint32{12, 13})

	// The budget already held the chain to two deltas.
	if chain.count() != 2 {
		t.Fatalf("chain count = %d, want 2", chain.count())
	}
	ixfrWriteToFile(chain, zone)

	if !ixfrFileExists(zone.ZoneFile, 1) || !ixfrFileExists(zone.ZoneFile, 2) {
		t.Fatal("slots 1 and 2 must exist")
	}
	if ixfrFileExists(zone.ZoneFile, 3) {
		t.Fatal("slot 3 exceeds the budget")
	}
	if from, to := slotSerials(t, zone, 1); from != 12 || to != 13 {
		t.Fatalf("slot 1 is %d->%d, want the newest delta", from, to)
	}
}

func TestWriteEvictsMemoryBeyondTarget(t *testing.T) {
	zone := testZoneConfig(t, 13)
	chain := chainWithDeltas(t, zone, [2]uint32{10, 11}, [2]uint32{11, 12}, [2]uint32{12, 13})

	// Tighten the budget after the fact; writing enforces it.
	zone.IXFRNumber = 2
	ixfrWriteToFile(chain, zone)

	if chain.count() != 2 {
		t.Fatalf("chain count = %d after write, want 2", chain.count())
	}
	if chain.find(10) != nil {
		t.Fatal("oldest delta should have been evicted")
	}
}

func TestReadStopsAtBrokenSlot(t *testing.T) {
	zone := testZoneConfig(t, 12)
	chain := chainWithDeltas(t, zone, [2]uint32{10, 11}, [2]uint32{11, 12})
	ixfrWriteToFile(chain, zone)

	// Corrupt the older slot; the newer one must still load.
	if err := os.WriteFile(ixfrFileName(zone.ZoneFile, 2), []byte("; broken\ngarbage\n"), 0o644); err != nil {
		t.Fatalf("corrupt slot 2: %v", err)
	}

	loaded := &zoneIXFR{}
	ixfrReadFromFile(loaded, zone)
	if loaded.count() != 1 {
		t.Fatalf("loaded %d deltas, want 1", loaded.count())
	}
	if loaded.first().oldSerial != 11 || loaded.first().newSerial != 12 {
		t.Fatal("the newest delta should be the one that loaded")
	}
}

func TestReadRejectsWrongTerminalSerial(t *testing.T) {
	zone := testZoneConfig(t, 12)
	chain := chainWithDeltas(t, zone, [2]uint32{10, 11}, [2]uint32{11, 12})
	ixfrWriteToFile(chain, zone)

	// The zone moved on without journaling; the stale journal must not
	// load at all.
	zone.Serial = 20
	loaded := &zoneIXFR{}
	ixfrReadFromFile(loaded, zone)
	if loaded.count() != 0 {
		t.Fatalf("loaded %d deltas, want 0 for a stale journal", loaded.count())
	}
}

func TestReadHonorsSizeBudget(t *testing.T) {
	zone := testZoneConfig(t, 12)
	chain := chainWithDeltas(t, zone, [2]uint32{10, 11}, [2]uint32{11, 12})
	ixfrWriteToFile(chain, zone)

	zone.IXFRSize = chain.deltas[1].size() + ixfrDeltaOverhead/2
	loaded := &zoneIXFR{}
	ixfrReadFromFile(loaded, zone)
	if loaded.count() != 1 {
		t.Fatalf("loaded %d deltas, want 1 under the size budget", loaded.count())
	}
	if loaded.first().oldSerial != 11 {
		t.Fatal("the newest delta loads first and must be the one kept")
	}
}
