package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.IXFRDir, 0o755); err != nil {
		log.Fatalf("create ixfr dir %s: %v", cfg.IXFRDir, err)
	}

	persist, err := newPersistence(cfg.DBPath)
	if err != nil {
		log.Fatalf("open persistence: %v", err)
	}

	st := newStore()
	if err := persist.loadIntoStore(st); err != nil {
		log.Fatalf("load store: %v", err)
	}

	srv := &server{
		cfg:     cfg,
		data:    st,
		persist: persist,
		ixfr:    newIXFRSet(),
		start:   time.Now().UTC(),
	}

	if cfg.DefaultZone != "" {
		if _, ok := st.getZone(cfg.DefaultZone); !ok {
			srv.createZone(cfg.DefaultZone)
		}
	}

	// Rebuild the delta chains from the journal files next to the zone
	// files; anything unreadable just shortens the history.
	for _, zone := range st.listZones() {
		if !zone.StoreIXFR {
			continue
		}
		chain := srv.ixfr.getOrCreate(zone.Zone)
		ixfrReadFromFile(chain, zone)
	}

	errCh := make(chan error, 3)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() { errCh <- srv.runHTTP(ctx) }()
	go func() { errCh <- srv.runDNS(ctx, "udp") }()
	go func() { errCh <- srv.runDNS(ctx, "tcp") }()

	select {
	case <-ctx.Done():
		log.Printf("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("fatal server error: %v", err)
		}
	}
}
