package main

import (
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

func loadConfig() config {
	nodeID := strings.TrimSpace(os.Getenv("NODE_ID"))
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = host
	}

	defaultZone := normalizeName(strings.TrimSpace(os.Getenv("DEFAULT_ZONE")))
	if defaultZone == "." {
		defaultZone = ""
	}

	defaultNS := normalizeNames(splitCSV(os.Getenv("DEFAULT_NS")))

	apiToken := strings.TrimSpace(os.Getenv("API_TOKEN"))
	if apiToken == "" {
		log.Printf("warning: API_TOKEN is empty, control API is open")
	}

	return config{
		NodeID:       nodeID,
		HTTPListen:   envOrDefault("HTTP_LISTEN", ":8080"),
		DNSUDPListen: envOrDefault("DNS_UDP_LISTEN", ":53"),
		DNSTCPListen: envOrDefault("DNS_TCP_LISTEN", ":53"),
		DBPath:       envOrDefault("DB_PATH", "dns.db"),
		IXFRDir:      envOrDefault("IXFR_DIR", "zones"),
		DebugLog:     envOrDefaultBool("DEBUG_LOG", false),
		LogFile:      strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogMaxSizeMB: int(envOrDefaultUint32("LOG_MAX_SIZE_MB", 10)),
		APIToken:     apiToken,
		DefaultTTL:   envOrDefaultUint32("DEFAULT_TTL", 20),
		DefaultZone:  defaultZone,
		DefaultNS:    defaultNS,
		StoreIXFR:    envOrDefaultBool("STORE_IXFR", true),
		IXFRNumber:   envOrDefaultUint32("IXFR_NUMBER", 5),
		IXFRSize:     uint64(envOrDefaultUint32("IXFR_SIZE", 1048576)),
	}
}

// setupLogging routes the standard logger into a rotating file when LOG_FILE
// is set, otherwise logging stays on stderr.
func setupLogging(cfg config) {
	if cfg.LogFile == "" {
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: 3,
		LocalTime:  true,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
}

func (c config) defaultNSForZone(_ string) []string {
	if len(c.DefaultNS) > 0 {
		return append([]string(nil), c.DefaultNS...)
	}
	return nil
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envOrDefaultUint32(key string, fallback uint32) uint32 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fallback
	}

	return uint32(n)
}

func envOrDefaultBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}

	return b
}
