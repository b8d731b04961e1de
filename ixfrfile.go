package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/dchest/safefile"
	"github.com/miekg/dns"
)

// Journal files sit next to the zone file: slot 1 is the newest delta,
// higher slots are older.
func ixfrFileName(zfile string, num int) string {
	if num == 1 {
		return zfile + ".ixfr"
	}
	return fmt.Sprintf("%s.ixfr.%d", zfile, num)
}

func ixfrFileExists(zfile string, num int) bool {
	_, err := os.Stat(ixfrFileName(zfile, num))
	return err == nil
}

func ixfrUnlink(zone, zfile string, num int, ignoreMissing bool) bool {
	name := ixfrFileName(zfile, num)
	if err := os.Remove(name); err != nil {
		if ignoreMissing && os.IsNotExist(err) {
			return false
		}
		log.Printf("zone %s: cannot delete IXFR file %s: %v", zone, name, err)
		return false
	}
	return true
}

// ixfrDeleteRestFiles unlinks the files of the given delta and everything
// older; without the newer files they cannot be used anyway.
func ixfrDeleteRestFiles(chain *zoneIXFR, from *ixfrDelta, zone, zfile string) {
	for d := from; d != nil; d = chain.previous(d) {
		if d.fileNum != 0 {
			ixfrUnlink(zone, zfile, d.fileNum, false)
			d.fileNum = 0
		}
	}
}

// ixfrDeleteSuperfluousFiles removes on-disk slots beyond the target,
// probing upward until the first gap.
func ixfrDeleteSuperfluousFiles(zone, zfile string, target int) {
	num := target + 1
	if !ixfrFileExists(zfile, num) {
		return
	}
	for ixfrUnlink(zone, zfile, num, true) {
		num++
	}
}

// ixfrRenameFiles moves already-written deltas into their destination
// slots: the oldest ends at the target slot, the newest written one at the
// lowest. On a rename failure the files renamed so far are orphaned and
// removed.
func ixfrRenameFiles(chain *zoneIXFR, zone, zfile string, target int) bool {
	destNum := target
	for d := chain.first(); d != nil && d.fileNum != 0; d = chain.next(d) {
		if d.fileNum == destNum {
			// Every older delta already sits in its slot too.
			return true
		}
		if ixfrFileExists(zfile, destNum) {
			ixfrUnlink(zone, zfile, destNum, false)
		}
		oldName := ixfrFileName(zfile, d.fileNum)
		newName := ixfrFileName(zfile, destNum)
		if err := os.Rename(oldName, newName); err != nil {
			log.Printf("zone %s: cannot rename IXFR file %s to %s: %v", zone, oldName, newName, err)
			if prev := chain.previous(d); prev != nil {
				ixfrDeleteRestFiles(chain, prev, zone, zfile)
			}
			return false
		}
		d.fileNum = destNum

		destNum--
		if destNum == 0 {
			return true
		}
	}
	return true
}

func writeSegmentRRs(w *bufio.Writer, segment []byte) error {
	cur := 0
	for cur < len(segment) {
		rrlen := rrLength(segment, cur)
		if rrlen == 0 {
			return fmt.Errorf("malformed record at offset %d", cur)
		}
		rr, _, err := dns.UnpackRR(segment[cur:cur+rrlen], 0)
		if err != nil {
			return fmt.Errorf("unpack record at offset %d: %w", cur, err)
		}
		if _, err := fmt.Fprintln(w, rr.String()); err != nil {
			return err
		}
		cur += rrlen
	}
	return nil
}

// ixfrWriteFile writes one delta into the given slot, atomically: the data
// lands under a temporary name and is committed by rename.
func ixfrWriteFile(d *ixfrDelta, zone, zfile string, num int) bool {
	name := ixfrFileName(zfile, num)
	f, err := safefile.Create(name, 0o644)
	if err != nil {
		log.Printf("zone %s: cannot create IXFR file %s: %v", zone, name, err)
		return false
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "; IXFR data file\n")
	fmt.Fprintf(w, "; zone %s\n", zone)
	fmt.Fprintf(w, "; from_serial %d\n", d.oldSerial)
	fmt.Fprintf(w, "; to_serial %d\n", d.newSerial)
	if d.logStr != "" {
		fmt.Fprintf(w, "; %s\n", d.logStr)
	}

	for _, segment := range [][]byte{d.newSOA, d.oldSOA, d.del, d.add} {
		if err := writeSegmentRRs(w, segment); err != nil {
			log.Printf("zone %s: cannot write IXFR file %s: %v", zone, name, err)
			return false
		}
	}
	if err := w.Flush(); err != nil {
		log.Printf("zone %s: cannot write IXFR file %s: %v", zone, name, err)
		return false
	}
	if err := f.Commit(); err != nil {
		log.Printf("zone %s: cannot commit IXFR file %s: %v", zone, name, err)
		return false
	}
	d.fileNum = num
	return true
}

// ixfrWriteFiles writes the deltas that have no file yet, newest first
// into the lowest free slots. On failure the unwritten tail loses its
// already-present older files so the on-disk set stays a usable prefix.
func ixfrWriteFiles(chain *zoneIXFR, zone, zfile string) {
	num := 1
	for d := chain.last(); d != nil && d.fileNum == 0; d = chain.previous(d) {
		if !ixfrWriteFile(d, zone, zfile, num) {
			ixfrDeleteRestFiles(chain, d, zone, zfile)
			return
		}
		num++
	}
}

// ixfrWriteToFile persists a zone's delta chain next to its zone file
// after the zone data itself was written. The on-disk set afterwards is
// slots 1..target with slot 1 the newest delta.
func ixfrWriteToFile(chain *zoneIXFR, z zoneConfig) {
	if chain == nil || !z.StoreIXFR || z.ZoneFile == "" {
		return
	}
	target := int(z.IXFRNumber)
	if chain.count() < target {
		target = chain.count()
	}

	ixfrDeleteSuperfluousFiles(z.Zone, z.ZoneFile, target)

	for chain.count() > target {
		chain.removeOldest()
	}

	if !ixfrRenameFiles(chain, z.Zone, z.ZoneFile, target) {
		return
	}

	ixfrWriteFiles(chain, z.Zone, z.ZoneFile)

	written := 0
	for _, d := range chain.deltas {
		if d.fileNum != 0 {
			written++
		}
	}
	chain.numFiles = written
}

// ixfrNextRR reads the next record line, skipping comments and blanks.
func ixfrNextRR(sc *bufio.Scanner) (dns.RR, error) {
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		rr, err := dns.NewRR(line)
		if err != nil {
			return nil, fmt.Errorf("parse record %q: %w", line, err)
		}
		if rr == nil {
			continue
		}
		return rr, nil
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("unexpected end of file")
}

func appendStoredRR(segment []byte, rr dns.RR) ([]byte, bool) {
	wire, ok := packRRStored(rr)
	if !ok {
		return segment, false
	}
	segment = growSegment(segment, len(wire))
	return append(segment, wire...), true
}

// ixfrReadSection collects records until the closing SOA that carries
// endSerial; the SOA itself is part of the section.
func ixfrReadSection(sc *bufio.Scanner, endSerial uint32) ([]byte, error) {
	var segment []byte
	for {
		rr, err := ixfrNextRR(sc)
		if err != nil {
			return nil, err
		}
		var ok bool
		if segment, ok = appendStoredRR(segment, rr); !ok {
			return nil, fmt.Errorf("cannot serialize record")
		}
		if soa, isSOA := rr.(*dns.SOA); isSOA && soa.Serial == endSerial {
			return trimSegment(segment), nil
		}
	}
}

// ixfrReadOneFile loads one journal slot into a delta. destSerial is the
// serial the file's new SOA must carry for the chain to stay connected;
// on success it moves back to the delta's old serial.
func ixfrReadOneFile(chain *zoneIXFR, z zoneConfig, fileNum int, destSerial *uint32, budget ixfrBudget) bool {
	if uint32(chain.count()) >= budget.number {
		return false
	}

	name := ixfrFileName(z.ZoneFile, fileNum)
	f, err := os.Open(name)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("zone %s: cannot read IXFR file %s: %v", z.Zone, name, err)
		}
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	apex := normalizeName(z.Zone)
	d := &ixfrDelta{fileNum: fileNum}

	newSOA, err := ixfrNextRR(sc)
	if err != nil {
		log.Printf("zone %s: IXFR file %s: %v", z.Zone, name, err)
		return false
	}
	soa, ok := newSOA.(*dns.SOA)
	if !ok || soa.Hdr.Class != dns.ClassINET || normalizeName(soa.Hdr.Name) != apex {
		log.Printf("zone %s: IXFR file %s does not start with the zone's SOA", z.Zone, name)
		return false
	}
	if soa.Serial != *destSerial {
		log.Printf("zone %s: IXFR file %s has serial %d, want %d", z.Zone, name, soa.Serial, *destSerial)
		return false
	}
	d.newSerial = soa.Serial
	if d.newSOA, ok = appendStoredRR(nil, newSOA); !ok {
		return false
	}
	d.newSOA = trimSegment(d.newSOA)

	oldSOA, err := ixfrNextRR(sc)
	if err != nil {
		log.Printf("zone %s: IXFR file %s: %v", z.Zone, name, err)
		return false
	}
	soa, ok = oldSOA.(*dns.SOA)
	if !ok || soa.Hdr.Class != dns.ClassINET || normalizeName(soa.Hdr.Name) != apex {
		log.Printf("zone %s: IXFR file %s second record is not the zone's SOA", z.Zone, name)
		return false
	}
	d.oldSerial = soa.Serial
	if d.oldSOA, ok = appendStoredRR(nil, oldSOA); !ok {
		return false
	}
	d.oldSOA = trimSegment(d.oldSOA)

	if d.del, err = ixfrReadSection(sc, d.newSerial); err != nil {
		log.Printf("zone %s: IXFR file %s del section: %v", z.Zone, name, err)
		return false
	}
	if d.add, err = ixfrReadSection(sc, d.newSerial); err != nil {
		log.Printf("zone %s: IXFR file %s add section: %v", z.Zone, name, err)
		return false
	}

	if budget.size != 0 && chain.totalSize+d.size() > budget.size {
		log.Printf("zone %s: skipping IXFR file %s, size budget %d exceeded", z.Zone, name, budget.size)
		return false
	}

	chain.add(d)
	*destSerial = d.oldSerial
	return true
}

// ixfrReadFromFile rebuilds a zone's delta chain from disk at startup. The
// chain must be a contiguous prefix from slot 1 that terminates at the
// zone's current serial; reading stops at the first missing or broken
// slot.
func ixfrReadFromFile(chain *zoneIXFR, z zoneConfig) {
	chain.clear()
	if z.ZoneFile == "" {
		return
	}

	destSerial := z.Serial
	budget := z.ixfrBudget()
	numFiles := 0
	for ixfrReadOneFile(chain, z, numFiles+1, &destSerial, budget) {
		numFiles++
	}
	if numFiles > 0 {
		chain.numFiles = numFiles
		log.Printf("zone %s: loaded %d IXFR transfers from disk", z.Zone, numFiles)
	}
}
