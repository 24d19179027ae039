// Package config holds axtermd's on-disk configuration: station
// identity, TNC transport settings, and the DGP/transfer/adaptive
// tunables, loaded from YAML the same way the teacher's deviceid
// loader reads tocalls.yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/minorsecond/axterm/internal/dgp"
)

// Station describes the local station's identity and the channel it
// operates on.
type Station struct {
	Callsign string `yaml:"callsign"`
	SSID     int    `yaml:"ssid"`
	Channel  int    `yaml:"channel"`
}

// TNC describes how to reach the KISS TNC and how to initialize it.
type TNC struct {
	Device        string `yaml:"device"`
	BaudRate      int    `yaml:"baud_rate"`
	TXDelay       int    `yaml:"tx_delay"`
	Persistence   int    `yaml:"persistence"`
	SlotTime      int    `yaml:"slot_time"`
	TXTail        int    `yaml:"tx_tail"`
	FullDuplex    bool   `yaml:"full_duplex"`
}

// Transfer describes file-transfer behavior.
type Transfer struct {
	SaveDir      string `yaml:"save_dir"`
	ChunkSize    uint32 `yaml:"chunk_size"`
	Compressible bool   `yaml:"compressible"`
}

// Capability describes DGP negotiation behavior and the local feature
// bitmap advertised to peers.
type Capability struct {
	Enabled       bool `yaml:"enabled"`
	AutoNegotiate bool `yaml:"auto_negotiate"`
	Chat          bool `yaml:"chat"`
	Compression   bool `yaml:"compression"`
	SACK          bool `yaml:"sack"`
}

// Adaptive describes the per-route parameter learning cache.
type Adaptive struct {
	RouteTTL time.Duration `yaml:"route_ttl"`
}

// Logging describes how axtermd logs.
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json, logfmt
	File   string `yaml:"file"`   // empty means stderr
}

// Config is axtermd's full on-disk configuration.
type Config struct {
	Station    Station    `yaml:"station"`
	TNC        TNC        `yaml:"tnc"`
	Transfer   Transfer   `yaml:"transfer"`
	Capability Capability `yaml:"capability"`
	Adaptive   Adaptive   `yaml:"adaptive"`
	Logging    Logging    `yaml:"logging"`
}

// Default returns the configuration axtermd starts from before a file
// or flags are applied.
func Default() Config {
	return Config{
		Station: Station{Channel: 0},
		TNC: TNC{
			Device:      "/dev/ttyUSB0",
			BaudRate:    9600,
			TXDelay:     30,
			Persistence: 63,
			SlotTime:    10,
			TXTail:      5,
			FullDuplex:  false,
		},
		Transfer: Transfer{
			SaveDir:      "./received",
			ChunkSize:    128,
			Compressible: true,
		},
		Capability: Capability{
			Enabled:       true,
			AutoNegotiate: true,
			Chat:          true,
			Compression:   true,
			SACK:          true,
		},
		Adaptive: Adaptive{RouteTTL: 30 * time.Minute},
		Logging:  Logging{Level: "info", Format: "text"},
	}
}

// SearchPaths are the locations Load checks, in order, when path is
// empty -- the same "current directory, then well-known system
// locations" shape as the teacher's tocalls.yaml search list.
var SearchPaths = []string{
	"axtermd.yaml",
	"./config/axtermd.yaml",
	"/etc/axtermd/axtermd.yaml",
}

// Load reads path (or, if empty, the first existing entry in
// SearchPaths) and merges it over Default(). A missing file anywhere
// in the search list is not an error; Load just returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	candidates := []string{path}
	if path == "" {
		candidates = SearchPaths
	}

	var data []byte
	var found string
	for _, c := range candidates {
		if c == "" {
			continue
		}
		b, err := os.ReadFile(c)
		if err == nil {
			data, found = b, c
			break
		}
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: reading %s: %w", c, err)
		}
	}
	if found == "" {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", found, err)
	}
	return cfg, nil
}

// Validate checks the fields the rest of the engine assumes are
// already sane (ax25.Config and kiss.Config apply their own, tighter
// validation on top of this).
func (c Config) Validate() error {
	if c.Station.Callsign == "" {
		return fmt.Errorf("config: station.callsign is required")
	}
	if c.Station.SSID < 0 || c.Station.SSID > 15 {
		return fmt.Errorf("config: station.ssid %d out of range 0-15", c.Station.SSID)
	}
	if c.TNC.Device == "" {
		return fmt.Errorf("config: tnc.device is required")
	}
	if c.Transfer.ChunkSize == 0 {
		return fmt.Errorf("config: transfer.chunk_size must be > 0")
	}
	return nil
}

// DGPProtocolVersion is the highest AXT1 version this build speaks.
const DGPProtocolVersion = 1

// LocalCapabilities translates the config's capability flags into the
// dgp.Capabilities bitmap advertised during negotiation.
func (c Config) LocalCapabilities() dgp.Capabilities {
	caps := dgp.Capabilities{MaxVersion: DGPProtocolVersion}
	if c.Capability.Chat {
		caps.Features |= dgp.FeatureChat
	}
	if c.Capability.Compression {
		caps.Features |= dgp.FeatureCompression
	}
	if c.Capability.SACK {
		caps.Features |= dgp.FeatureSack
	}
	return caps
}
