package main

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/miekg/dns"
)

var errNoZone = errors.New("no zone matches the record name; set DEFAULT_ZONE or create the zone first")

func (s *server) runHTTP(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.HTTPListen,
		Handler:           s.newRouter(),
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	return httpServer.ListenAndServe()
}

func (s *server) newRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/dns-query", s.handleDoH)
	r.Post("/dns-query", s.handleDoH)

	r.Group(func(r chi.Router) {
		r.Use(s.apiAuthMiddleware)
		r.Get("/v1/records", s.handleRecords)
		r.Put("/v1/records/{name}", s.handleRecordUpsert)
		r.Delete("/v1/records/{name}", s.handleRecordDelete)
		r.Get("/v1/zones", s.handleZones)
		r.Put("/v1/zones/{zone}", s.handleZoneUpsert)
		r.Get("/v1/zones/{zone}/ixfr", s.handleZoneIXFRStatus)
		r.Post("/v1/zones/{zone}/ixfr/flush", s.handleZoneIXFRFlush)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"node_id":    s.cfg.NodeID,
		"uptime_sec": int(time.Since(s.start).Seconds()),
	})
}

func (s *server) handleDoH(w http.ResponseWriter, r *http.Request) {
	var payload []byte

	switch r.Method {
	case http.MethodGet:
		q := strings.TrimSpace(r.URL.Query().Get("dns"))
		if q == "" {
			http.Error(w, "missing dns query parameter", http.StatusBadRequest)
			return
		}

		decoded, err := base64.RawURLEncoding.DecodeString(q)
		if err != nil {
			http.Error(w, "invalid base64url dns parameter", http.StatusBadRequest)
			return
		}
		payload = decoded
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if len(body) == 0 {
			http.Error(w, "empty request body", http.StatusBadRequest)
			return
		}
		payload = body
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req dns.Msg
	if err := req.Unpack(payload); err != nil {
		http.Error(w, "invalid dns message", http.StatusBadRequest)
		return
	}

	resp := s.resolveDNS(&req)
	wire, err := resp.Pack()
	if err != nil {
		http.Error(w, "failed to encode dns response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/dns-message")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wire)
}

func (s *server) handleRecords(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"records": s.data.listRecords()})
}

func (s *server) handleZones(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"zones": s.data.listZones()})
}

// zoneForRecord resolves which zone a record mutation belongs to, creating
// the default zone on first use.
func (s *server) zoneForRecord(name, explicitZone string) (zoneConfig, error) {
	if explicitZone != "" {
		zoneName := normalizeName(explicitZone)
		if z, ok := s.data.getZone(zoneName); ok {
			return z, nil
		}
		return s.createZone(zoneName), nil
	}
	if z, ok := s.data.bestZone(name); ok {
		return z, nil
	}
	if s.cfg.DefaultZone != "" && dns.IsSubDomain(s.cfg.DefaultZone, name) {
		return s.createZone(s.cfg.DefaultZone), nil
	}
	return zoneConfig{}, errNoZone
}

func (s *server) createZone(zoneName string) zoneConfig {
	now := time.Now().UTC()
	z := zoneConfig{
		Zone:       zoneName,
		NS:         s.cfg.defaultNSForZone(zoneName),
		SOATTL:     s.cfg.DefaultTTL,
		Serial:     uint32(now.Unix()),
		UpdatedAt:  now,
		ZoneFile:   filepath.Join(s.cfg.IXFRDir, strings.TrimSuffix(zoneName, ".")),
		StoreIXFR:  s.cfg.StoreIXFR,
		IXFRNumber: s.cfg.IXFRNumber,
		IXFRSize:   s.cfg.IXFRSize,
	}
	s.data.upsertZone(z)
	if err := s.persist.upsertZone(z); err != nil {
		log.Printf("persist zone %s: %v", z.Zone, err)
	}
	return z
}

// commitZoneUpdate is the ingestion path: it turns one zone mutation into
// a delta, publishes the delta into the zone's chain, bumps the serial and
// rewrites the journal files.
func (s *server) commitZoneUpdate(oldZone, newZone zoneConfig, del, add []aRecord, logStr string, now time.Time) zoneConfig {
	newZone.Serial = oldZone.Serial + 1
	newZone.UpdatedAt = now

	s.ixfr.mu.Lock()
	defer s.ixfr.mu.Unlock()

	chain := s.ixfr.getOrCreate(newZone.Zone)
	if !newZone.StoreIXFR {
		chain.clear()
	} else {
		st := newIXFRStore(newZone.Zone, newZone.ixfrBudget(), chain, oldZone.Serial, newZone.Serial)
		st.addNewSOA(soaForZone(newZone))
		st.addOldSOA(soaForZone(oldZone))
		for _, rec := range del {
			if rr := recordRR(rec); rr != nil {
				st.delRR(rr)
			}
		}
		for _, rec := range add {
			if rr := recordRR(rec); rr != nil {
				st.addRR(rr)
			}
		}
		if !st.finish(logStr) {
			log.Printf("zone %s: update %d -> %d not kept as IXFR", newZone.Zone, oldZone.Serial, newZone.Serial)
		}
	}

	s.data.upsertZone(newZone)
	if err := s.persist.upsertZone(newZone); err != nil {
		log.Printf("persist zone %s: %v", newZone.Zone, err)
	}
	ixfrWriteToFile(chain, newZone)
	return newZone
}

func (s *server) handleRecordUpsert(w http.ResponseWriter, r *http.Request) {
	name := normalizeName(chi.URLParam(r, "name"))

	var req upsertRecordRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	zone, err := s.zoneForRecord(name, req.Zone)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if !dns.IsSubDomain(zone.Zone, name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "record name is outside the zone"})
		return
	}

	now := time.Now().UTC()
	rec := aRecord{
		Name:      name,
		Type:      normalizeRecordType(req.Type),
		IP:        strings.TrimSpace(req.IP),
		Text:      req.Text,
		Target:    strings.TrimSpace(req.Target),
		Priority:  req.Priority,
		TTL:       req.TTL,
		Zone:      zone.Zone,
		UpdatedAt: now,
		Version:   now.UnixNano(),
		Source:    s.cfg.NodeID,
	}
	if rec.TTL == 0 {
		rec.TTL = s.cfg.DefaultTTL
	}
	if recordRR(rec) == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "record data is not valid for its type"})
		return
	}

	// Whatever setRecord replaces is the del section of the delta.
	del := s.data.getRecords(name, dns.StringToType[rec.Type])
	if !s.data.setRecord(rec) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a newer version of the record exists"})
		return
	}
	if err := s.persist.upsertRecord(rec); err != nil {
		log.Printf("persist record %s: %v", rec.Name, err)
	}

	logStr := "record upsert " + rec.Type + " " + name + " by " + s.cfg.NodeID
	zone = s.commitZoneUpdate(zone, zone, del, []aRecord{rec}, logStr, now)

	writeJSON(w, http.StatusOK, map[string]any{"record": rec, "serial": zone.Serial})
}

func (s *server) handleRecordDelete(w http.ResponseWriter, r *http.Request) {
	name := normalizeName(chi.URLParam(r, "name"))
	recordType := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("type")))

	zone, ok := s.data.bestZone(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no zone for record"})
		return
	}

	now := time.Now().UTC()
	deleted := s.data.deleteRecordByType(name, recordType, now.UnixNano())
	if len(deleted) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
		return
	}
	if err := s.persist.deleteRecord(name, recordType, now.UnixNano()); err != nil {
		log.Printf("delete record %s: %v", name, err)
	}

	logStr := "record delete " + name + " by " + s.cfg.NodeID
	zone = s.commitZoneUpdate(zone, zone, deleted, nil, logStr, now)

	writeJSON(w, http.StatusOK, map[string]any{"deleted": len(deleted), "serial": zone.Serial})
}

func (s *server) handleZoneUpsert(w http.ResponseWriter, r *http.Request) {
	zoneName := normalizeName(chi.URLParam(r, "zone"))

	var req upsertZoneRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	oldZone, existed := s.data.getZone(zoneName)
	if !existed {
		oldZone = s.createZone(zoneName)
	}

	newZone := oldZone
	if len(req.NS) > 0 {
		newZone.NS = normalizeNames(req.NS)
	}
	if req.SOATTL > 0 {
		newZone.SOATTL = req.SOATTL
	}
	if req.StoreIXFR != nil {
		newZone.StoreIXFR = *req.StoreIXFR
	}
	if req.IXFRNumber != nil {
		newZone.IXFRNumber = *req.IXFRNumber
	}
	if req.IXFRSize != nil {
		newZone.IXFRSize = *req.IXFRSize
	}

	// An NS set change is zone data changing, so it goes through the
	// delta path like any record mutation.
	var del, add []aRecord
	if strings.Join(newZone.NS, ",") != strings.Join(oldZone.NS, ",") {
		for _, ns := range oldZone.NS {
			del = append(del, nsRecord(oldZone, ns, now))
		}
		for _, ns := range newZone.NS {
			add = append(add, nsRecord(newZone, ns, now))
		}
	}

	logStr := "zone update " + zoneName + " by " + s.cfg.NodeID
	newZone = s.commitZoneUpdate(oldZone, newZone, del, add, logStr, now)

	writeJSON(w, http.StatusOK, map[string]any{"zone": newZone})
}

func nsRecord(z zoneConfig, target string, now time.Time) aRecord {
	return aRecord{
		Name:      z.Zone,
		Type:      "NS",
		Target:    target,
		TTL:       z.SOATTL,
		Zone:      z.Zone,
		UpdatedAt: now,
		Version:   now.UnixNano(),
	}
}

type ixfrDeltaStatus struct {
	FromSerial uint32 `json:"from_serial"`
	ToSerial   uint32 `json:"to_serial"`
	DelBytes   int    `json:"del_bytes"`
	AddBytes   int    `json:"add_bytes"`
	FileNum    int    `json:"file_num"`
	Log        string `json:"log,omitempty"`
}

func (s *server) handleZoneIXFRStatus(w http.ResponseWriter, r *http.Request) {
	zoneName := normalizeName(chi.URLParam(r, "zone"))
	zone, ok := s.data.getZone(zoneName)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "zone not found"})
		return
	}

	s.ixfr.mu.RLock()
	defer s.ixfr.mu.RUnlock()

	chain := s.ixfr.chain(zoneName)
	status := map[string]any{
		"zone":        zone.Zone,
		"serial":      zone.Serial,
		"store_ixfr":  zone.StoreIXFR,
		"ixfr_number": zone.IXFRNumber,
		"ixfr_size":   zone.IXFRSize,
	}
	if chain != nil {
		deltas := make([]ixfrDeltaStatus, 0, chain.count())
		for _, d := range chain.deltas {
			deltas = append(deltas, ixfrDeltaStatus{
				FromSerial: d.oldSerial,
				ToSerial:   d.newSerial,
				DelBytes:   len(d.del),
				AddBytes:   len(d.add),
				FileNum:    d.fileNum,
				Log:        d.logStr,
			})
		}
		status["deltas"] = deltas
		status["total_size"] = chain.totalSize
		status["num_files"] = chain.numFiles
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleZoneIXFRFlush(w http.ResponseWriter, r *http.Request) {
	zoneName := normalizeName(chi.URLParam(r, "zone"))
	zone, ok := s.data.getZone(zoneName)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "zone not found"})
		return
	}

	s.ixfr.mu.Lock()
	defer s.ixfr.mu.Unlock()

	chain := s.ixfr.chain(zoneName)
	if chain == nil {
		writeJSON(w, http.StatusOK, map[string]any{"flushed": 0})
		return
	}
	ixfrWriteToFile(chain, zone)
	writeJSON(w, http.StatusOK, map[string]any{"flushed": chain.numFiles})
}

func (s *server) apiAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken != "" && !validToken(r, s.cfg.APIToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
