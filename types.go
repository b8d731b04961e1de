package main

import (
	"sync"
	"time"

	"gorm.io/gorm"
)

type config struct {
	NodeID       string
	HTTPListen   string
	DNSUDPListen string
	DNSTCPListen string
	DBPath       string
	IXFRDir      string
	DebugLog     bool
	LogFile      string
	LogMaxSizeMB int
	APIToken     string
	DefaultTTL   uint32
	DefaultZone  string
	DefaultNS    []string

	// Per-zone IXFR journal defaults, overridable per zone over the API.
	StoreIXFR  bool
	IXFRNumber uint32
	IXFRSize   uint64
}

type zoneConfig struct {
	Zone      string    `json:"zone"`
	NS        []string  `json:"ns"`
	SOATTL    uint32    `json:"soa_ttl"`
	Serial    uint32    `json:"serial"`
	UpdatedAt time.Time `json:"updated_at"`

	// ZoneFile is the base path the IXFR journal files sit next to:
	// <ZoneFile>.ixfr, <ZoneFile>.ixfr.2 and so on.
	ZoneFile   string `json:"zone_file,omitempty"`
	StoreIXFR  bool   `json:"store_ixfr"`
	IXFRNumber uint32 `json:"ixfr_number"`
	IXFRSize   uint64 `json:"ixfr_size"`
}

type aRecord struct {
	ID        uint64    `json:"id,omitempty"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	IP        string    `json:"ip,omitempty"`
	Text      string    `json:"text,omitempty"`
	Target    string    `json:"target,omitempty"`
	Priority  uint16    `json:"priority,omitempty"`
	TTL       uint32    `json:"ttl"`
	Zone      string    `json:"zone"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
	Source    string    `json:"source"`
}

type upsertRecordRequest struct {
	IP       string `json:"ip,omitempty"`
	Type     string `json:"type,omitempty"`
	Text     string `json:"text,omitempty"`
	Target   string `json:"target,omitempty"`
	Priority uint16 `json:"priority,omitempty"`
	TTL      uint32 `json:"ttl"`
	Zone     string `json:"zone"`
}

type upsertZoneRequest struct {
	NS         []string `json:"ns"`
	SOATTL     uint32   `json:"soa_ttl"`
	StoreIXFR  *bool    `json:"store_ixfr,omitempty"`
	IXFRNumber *uint32  `json:"ixfr_number,omitempty"`
	IXFRSize   *uint64  `json:"ixfr_size,omitempty"`
}

type store struct {
	mu      sync.RWMutex
	records map[string]aRecord
	zones   map[string]zoneConfig
}

type recordModel struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Name      string    `gorm:"size:255;index:idx_records_name_type,priority:1"`
	Type      string    `gorm:"size:10;index:idx_records_name_type,priority:2"`
	IP        string    `gorm:"size:45"`
	Text      string    `gorm:"type:text"`
	Target    string    `gorm:"size:255"`
	Priority  uint16    `gorm:"not null;default:0"`
	TTL       uint32    `gorm:"not null"`
	Zone      string    `gorm:"size:255;not null"`
	UpdatedAt time.Time `gorm:"not null"`
	Version   int64     `gorm:"not null;index"`
	Source    string    `gorm:"size:128;not null"`
}

type zoneModel struct {
	Zone       string    `gorm:"primaryKey;size:255"`
	NSJSON     string    `gorm:"column:ns_json;type:text;not null"`
	SOATTL     uint32    `gorm:"not null"`
	Serial     uint32    `gorm:"not null;index"`
	ZoneFile   string    `gorm:"size:1024"`
	StoreIXFR  bool      `gorm:"not null"`
	IXFRNumber uint32    `gorm:"not null"`
	IXFRSize   uint64    `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (recordModel) TableName() string {
	return "records"
}

func (zoneModel) TableName() string {
	return "zones"
}

type persistence struct {
	db *gorm.DB
}

type server struct {
	cfg     config
	data    *store
	persist *persistence
	ixfr    *ixfrSet
	start   time.Time
}
