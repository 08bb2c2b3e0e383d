package config

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	FileName   = "peerguard.conf"
	EnvPrefix  = "PEERGUARD_"
	DefaultDir = "/etc/peerguard"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Host      netip.Addr    // protected host, never evaluated
	Threshold time.Duration // grace period before a pending source is blocked
	Interval  time.Duration // poll cadence

	TrustFile string
	LogFile   string
	LogLevel  string
	Interface string // descriptive only

	Proto      string // "udp" | "tcp"
	FlowSource string // "conntrack" | "netlink"
	Backend    string // "nft" | "netlink"
	Chain      string // "forward" | "input"

	StatusEvery int // cycles between status summaries
	TrustHosts  []string
	GeoIPDir    string
	MetricsAddr string
}

func Default() *Config {
	return &Config{
		Threshold:   30 * time.Second,
		Interval:    time.Second,
		TrustFile:   filepath.Join(DefaultDir, "trusted.json"),
		LogLevel:    "info",
		Interface:   "br-lan",
		Proto:       "udp",
		FlowSource:  "conntrack",
		Backend:     "nft",
		Chain:       "forward",
		StatusEvery: 30,
	}
}

// Parse reads KEY = "value" lines on top of Default(). Unknown keys are ignored.
func Parse(r io.Reader) (*Config, error) {
	kv, err := godotenv.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg := Default()
	for k, v := range kv {
		if err := cfg.set(k, v); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Load parses the file at path. A missing file yields Default().
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// ApplyEnv overrides values from PEERGUARD_<KEY> variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, key := range keys {
		if v, ok := lookup(EnvPrefix + key); ok {
			if err := c.set(key, v); err != nil {
				return err
			}
		}
	}
	return nil
}

var keys = []string{
	"HOST", "THRESHOLD", "INTERVAL", "TRUST_FILE", "LOG_FILE", "LOG_LEVEL",
	"INTERFACE", "PROTO", "FLOW_SOURCE", "BACKEND", "CHAIN", "STATUS_EVERY",
	"TRUST_HOSTS", "GEOIP_DIR", "METRICS_ADDR",
}

func (c *Config) set(key, val string) error {
	val = strings.TrimSpace(val)
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "HOST", "PS5_IP":
		if val == "" {
			c.Host = netip.Addr{}
			return nil
		}
		a, err := netip.ParseAddr(val)
		if err != nil {
			return fmt.Errorf("%w: HOST %q", ErrInvalid, val)
		}
		c.Host = a.Unmap()
	case "THRESHOLD":
		d, err := parseSeconds(val)
		if err != nil {
			return fmt.Errorf("%w: THRESHOLD %q", ErrInvalid, val)
		}
		c.Threshold = d
	case "INTERVAL":
		d, err := parseSeconds(val)
		if err != nil {
			return fmt.Errorf("%w: INTERVAL %q", ErrInvalid, val)
		}
		c.Interval = d
	case "TRUST_FILE":
		c.TrustFile = val
	case "LOG_FILE":
		c.LogFile = val
	case "LOG_LEVEL":
		c.LogLevel = strings.ToLower(val)
	case "INTERFACE":
		c.Interface = val
	case "PROTO":
		c.Proto = strings.ToLower(val)
	case "FLOW_SOURCE":
		c.FlowSource = strings.ToLower(val)
	case "BACKEND":
		c.Backend = strings.ToLower(val)
	case "CHAIN":
		c.Chain = strings.ToLower(val)
	case "STATUS_EVERY":
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: STATUS_EVERY %q", ErrInvalid, val)
		}
		c.StatusEvery = n
	case "TRUST_HOSTS":
		c.TrustHosts = nil
		for _, h := range strings.Split(val, ",") {
			if h = strings.TrimSpace(h); h != "" {
				c.TrustHosts = append(c.TrustHosts, h)
			}
		}
	case "GEOIP_DIR":
		c.GeoIPDir = val
	case "METRICS_ADDR":
		c.MetricsAddr = val
	default:
		// future keys
	}
	return nil
}

// parseSeconds accepts a bare number of seconds ("30") or a Go duration ("1m").
func parseSeconds(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func (c *Config) Validate() error {
	if !c.Host.IsValid() {
		return fmt.Errorf("%w: HOST is required", ErrInvalid)
	}
	if c.Threshold <= 0 {
		return fmt.Errorf("%w: THRESHOLD must be positive", ErrInvalid)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: INTERVAL must be positive", ErrInvalid)
	}
	if c.TrustFile == "" {
		return fmt.Errorf("%w: TRUST_FILE is required", ErrInvalid)
	}
	if err := oneOf("PROTO", c.Proto, "udp", "tcp"); err != nil {
		return err
	}
	if err := oneOf("FLOW_SOURCE", c.FlowSource, "conntrack", "netlink"); err != nil {
		return err
	}
	if err := oneOf("BACKEND", c.Backend, "nft", "netlink"); err != nil {
		return err
	}
	if err := oneOf("CHAIN", c.Chain, "forward", "input"); err != nil {
		return err
	}
	return oneOf("LOG_LEVEL", c.LogLevel, "debug", "info", "warn", "error")
}

func oneOf(key, val string, allowed ...string) error {
	for _, a := range allowed {
		if val == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %q (want one of %s)", ErrInvalid, key, val, strings.Join(allowed, ", "))
}

// ResolveFile finds the config file: explicit dir, PEERGUARD_CONFIG, /etc/peerguard,
// then the nearest ./configs directory (handy in a dev checkout).
func ResolveFile(explicit string) (string, bool) {
	if explicit != "" {
		return fileIn(explicit)
	}
	if env := strings.TrimSpace(os.Getenv("PEERGUARD_CONFIG")); env != "" {
		if fileExists(env) {
			return env, true
		}
		return fileIn(env)
	}
	if p, ok := fileIn(DefaultDir); ok {
		return p, true
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for d := cwd; ; {
		if p, ok := fileIn(filepath.Join(d, "configs")); ok {
			return p, true
		}
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
		d = parent
	}
	return "", false
}

func fileIn(dir string) (string, bool) {
	p := filepath.Join(dir, FileName)
	return p, fileExists(p)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}
