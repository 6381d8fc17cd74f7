// Package config holds the YAML configuration for the control plane server
// and its backend connections.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edgesec-org/trustplane/enrollment"
	"github.com/edgesec-org/trustplane/ipam"
)

type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	IPAM       IPAMConfig       `yaml:"ipam"`
	Backends   BackendsConfig   `yaml:"backends"`
	Retry      RetryConfig      `yaml:"retry"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Records    RecordsConfig    `yaml:"records"`
	Enrollment EnrollmentConfig `yaml:"enrollment"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ListenConfig struct {
	Addr          string `yaml:"addr"`
	MetricsAddr   string `yaml:"metrics_addr"`
	DrainSeconds  int    `yaml:"drain_seconds"`
	EnablePprof   bool   `yaml:"enable_pprof"`
	GracefulStopS int    `yaml:"graceful_stop_s"`
}

type IPAMConfig struct {
	// DefaultParentRange is the CIDR scopes draw from when their site has
	// no explicit entry.
	DefaultParentRange string `yaml:"default_parent_range"`
	// ParentRanges maps site names to their parent CIDR.
	ParentRanges map[string]string `yaml:"parent_ranges"`
	// Sizing maps purposes to required host counts.
	Sizing       map[string]int `yaml:"sizing"`
	DefaultHosts int            `yaml:"default_hosts"`
}

type BackendsConfig struct {
	// ResolverAddr is the DNS server consulted for srv:// endpoints. Empty
	// uses the local stub resolver.
	ResolverAddr string `yaml:"resolver_addr"`

	Vault    VaultConfig    `yaml:"vault"`
	Identity EndpointConfig `yaml:"identity"`
	CA       CAConfig       `yaml:"ca"`
	NAC      EndpointConfig `yaml:"nac"`
	NetBox   NetBoxConfig   `yaml:"netbox"`

	RequestTimeoutS int `yaml:"request_timeout_s"`
}

type VaultConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	MountPath string `yaml:"mount_path"`
}

type EndpointConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

type CAConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Token     string `yaml:"token"`
	LifetimeH int    `yaml:"lifetime_h"`
}

type NetBoxConfig struct {
	Enable   bool   `yaml:"enable"`
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

type RetryConfig struct {
	InitialMs   int `yaml:"initial_ms"`
	MaxMs       int `yaml:"max_ms"`
	MaxAttempts int `yaml:"max_attempts"`
}

type LedgerConfig struct {
	// Driver selects the ledger backing store: "memory" or "postgres".
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	RetentionH int    `yaml:"retention_h"`
}

type RecordsConfig struct {
	// Stores lists record store location URIs (file://, s3://, vault://).
	// More than one entry yields a multi-store with read fallback.
	Stores []string `yaml:"stores"`
}

type EnrollmentConfig struct {
	StepTimeoutS         int `yaml:"step_timeout_s"`
	CompensationTimeoutS int `yaml:"compensation_timeout_s"`
}

type LoggingConfig struct {
	JSON  bool `yaml:"json"`
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr:          "127.0.0.1:8080",
			MetricsAddr:   "127.0.0.1:8090",
			DrainSeconds:  5,
			GracefulStopS: 30,
		},
		IPAM: IPAMConfig{
			DefaultParentRange: ipam.DefaultParentRange.String(),
		},
		Backends: BackendsConfig{
			Vault:           VaultConfig{MountPath: "secret"},
			CA:              CAConfig{LifetimeH: 24},
			RequestTimeoutS: 15,
		},
		Retry: RetryConfig{
			InitialMs:   500,
			MaxMs:       8000,
			MaxAttempts: 4,
		},
		Ledger: LedgerConfig{
			Driver:     "memory",
			RetentionH: 24,
		},
		Records: RecordsConfig{
			Stores: []string{"file:///var/lib/trustplane/records"},
		},
		Enrollment: EnrollmentConfig{
			StepTimeoutS:         30,
			CompensationTimeoutS: 30,
		},
	}
}

// Load reads the config file at path over the defaults. A missing file
// yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and normalizes out-of-range
// values back to their defaults.
func (c *Config) Validate() error {
	// The allocator carves IPv4 space only.
	def, err := netip.ParsePrefix(c.IPAM.DefaultParentRange)
	if err != nil {
		return fmt.Errorf("ipam.default_parent_range: %w", err)
	}
	if !def.Addr().Is4() {
		return fmt.Errorf("ipam.default_parent_range: %s is not an IPv4 prefix", c.IPAM.DefaultParentRange)
	}
	for site, cidr := range c.IPAM.ParentRanges {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return fmt.Errorf("ipam.parent_ranges[%s]: %w", site, err)
		}
		if !prefix.Addr().Is4() {
			return fmt.Errorf("ipam.parent_ranges[%s]: %s is not an IPv4 prefix", site, cidr)
		}
	}
	for purpose, hosts := range c.IPAM.Sizing {
		if hosts <= 0 {
			return fmt.Errorf("ipam.sizing[%s]: host count must be positive", purpose)
		}
	}

	switch c.Ledger.Driver {
	case "memory":
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("ledger.driver must be memory or postgres, got %q", c.Ledger.Driver)
	}

	if len(c.Records.Stores) == 0 {
		return fmt.Errorf("records.stores must name at least one location")
	}

	if c.Retry.InitialMs <= 0 {
		c.Retry.InitialMs = 500
	}
	if c.Retry.MaxMs < c.Retry.InitialMs {
		c.Retry.MaxMs = c.Retry.InitialMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 4
	}
	if c.Backends.RequestTimeoutS <= 0 {
		c.Backends.RequestTimeoutS = 15
	}
	if c.Enrollment.StepTimeoutS <= 0 {
		c.Enrollment.StepTimeoutS = 30
	}
	if c.Enrollment.CompensationTimeoutS <= 0 {
		c.Enrollment.CompensationTimeoutS = 30
	}
	return nil
}

// ParentRanges builds the IPAM parent range resolver. Validate must have
// passed first.
func (c *Config) ParentRanges() *ipam.ParentRanges {
	def, _ := netip.ParsePrefix(c.IPAM.DefaultParentRange)
	bySite := make(map[string]netip.Prefix, len(c.IPAM.ParentRanges))
	for site, cidr := range c.IPAM.ParentRanges {
		prefix, _ := netip.ParsePrefix(cidr)
		bySite[site] = prefix
	}
	return ipam.NewParentRanges(def, bySite)
}

// SizingPolicy builds the IPAM sizing policy.
func (c *Config) SizingPolicy() *ipam.SizingPolicy {
	return ipam.NewSizingPolicy(c.IPAM.Sizing, c.IPAM.DefaultHosts)
}

// RetryPolicy builds the backend retry budget.
func (c *Config) RetryPolicy() enrollment.RetryPolicy {
	return enrollment.RetryPolicy{
		Initial:     time.Duration(c.Retry.InitialMs) * time.Millisecond,
		Max:         time.Duration(c.Retry.MaxMs) * time.Millisecond,
		MaxAttempts: c.Retry.MaxAttempts,
	}
}

// RequestTimeout returns the per-request backend HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Backends.RequestTimeoutS) * time.Second
}

// LedgerRetention returns how long idempotency entries are kept.
func (c *Config) LedgerRetention() time.Duration {
	if c.Ledger.RetentionH <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Ledger.RetentionH) * time.Hour
}
