package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fh/btpair/pkg/pairing"
	log "github.com/sirupsen/logrus"
)

// Backends
const (
	BackendBlueZ = "bluez"
	BackendHCI   = "hci"
	BackendBtctl = "btctl"
)

// Enable policies: what to answer when the adapter is off
const (
	EnableAsk    = "ask"
	EnableAlways = "always"
	EnableNever  = "never"
)

// Choosers: who picks among discovered devices
const (
	ChooserConsole = "console"
	ChooserAuto    = "auto"
	ChooserAPI     = "api"
)

// AdapterEnv is consulted when no adapter is given
const AdapterEnv = "BTPAIR_ADAPTER"

// DefaultAdapter is used when neither the flag nor AdapterEnv is set
const DefaultAdapter = "hci0"

// Config holds the pairing tool configuration
type Config struct {
	// Bluetooth stack
	Backend    string // "bluez", "hci" or "btctl"
	AdapterID  string
	BtctlPath  string
	Controller string // btctl only: controller address for `select`

	// Discovery
	NamePattern  string
	ServiceUUID  string
	SingleDevice bool
	ScanWindow   time.Duration

	// User interaction
	EnablePolicy string // "ask", "always" or "never"
	Chooser      string // "console", "auto" or "api"
	AutoAddress  string

	// API server; empty disables it unless the api chooser needs it
	APIAddr string

	// Logging configuration
	LogLevel string
}

// New validates raw and fills in defaults
func New(raw Config) (*Config, error) {
	c := raw

	// Check for environment variable if adapter not provided
	if c.AdapterID == "" {
		c.AdapterID = os.Getenv(AdapterEnv)
	}
	if c.AdapterID == "" {
		c.AdapterID = DefaultAdapter
	}

	c.Backend = strings.ToLower(c.Backend)
	switch c.Backend {
	case "":
		c.Backend = BackendBlueZ
	case BackendBlueZ, BackendHCI, BackendBtctl:
	default:
		return nil, fmt.Errorf("invalid backend: %s (must be 'bluez', 'hci' or 'btctl')", raw.Backend)
	}
	if c.Backend == BackendBtctl && c.BtctlPath == "" {
		c.BtctlPath = "bluetoothctl"
	}

	if c.ScanWindow < 0 {
		return nil, fmt.Errorf("invalid scan window: %s (must be positive)", c.ScanWindow)
	}
	if c.ScanWindow == 0 {
		c.ScanWindow = 10 * time.Second
	}

	if _, err := pairing.NewDiscoveryFilter(c.NamePattern, c.ServiceUUID); err != nil {
		return nil, err
	}

	c.EnablePolicy = strings.ToLower(c.EnablePolicy)
	switch c.EnablePolicy {
	case "":
		c.EnablePolicy = EnableAsk
	case EnableAsk, EnableAlways, EnableNever:
	default:
		return nil, fmt.Errorf("invalid enable policy: %s (must be 'ask', 'always' or 'never')", raw.EnablePolicy)
	}

	c.Chooser = strings.ToLower(c.Chooser)
	switch c.Chooser {
	case "":
		c.Chooser = ChooserConsole
	case ChooserConsole, ChooserAuto, ChooserAPI:
	default:
		return nil, fmt.Errorf("invalid chooser: %s (must be 'console', 'auto' or 'api')", raw.Chooser)
	}

	if c.AutoAddress != "" {
		if c.Chooser != ChooserAuto {
			return nil, fmt.Errorf("auto-pick address requires the auto chooser")
		}
		c.AutoAddress = pairing.NormalizeAddress(c.AutoAddress)
		if !isAddress(c.AutoAddress) {
			return nil, fmt.Errorf("invalid auto-pick address: %s", raw.AutoAddress)
		}
	}

	if c.Chooser == ChooserAPI && c.APIAddr == "" {
		return nil, fmt.Errorf("the api chooser requires an API listen address (use -api flag)")
	}

	if c.LogLevel != "" {
		if _, err := log.ParseLevel(c.LogLevel); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	return &c, nil
}

// Filter builds the discovery filter
func (c *Config) Filter() *pairing.DiscoveryFilter {
	f, err := pairing.NewDiscoveryFilter(c.NamePattern, c.ServiceUUID)
	if err != nil {
		// validated in New
		return pairing.MatchAll()
	}
	return f
}

// isAddress reports whether s is AA:BB:CC:DD:EE:FF
func isAddress(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 || strings.Trim(p, "0123456789ABCDEF") != "" {
			return false
		}
	}
	return true
}
