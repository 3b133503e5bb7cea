// Package config defines the daemon configuration record and its YAML
// loader. Defaults mirror flight-tested values; Load overlays a YAML file
// onto DefaultConfig and validates the result before boot.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kestrelworks/dtnd/pkg/eid"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration record.
type Config struct {
	LocalEID string `yaml:"local_eid"`
	DataDir  string `yaml:"data_dir"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	// HTTPAddr serves prometheus metrics and health; empty disables it.
	HTTPAddr string `yaml:"http_addr"`

	// Daemon policy flags.
	EarlyDeletion                      bool `yaml:"early_deletion"`
	SuppressDuplicates                 bool `yaml:"suppress_duplicates"`
	AcceptCustody                      bool `yaml:"accept_custody"`
	ReactiveFragEnabled                bool `yaml:"reactive_frag_enabled"`
	RetryReliableUnacked               bool `yaml:"retry_reliable_unacked"`
	PersistentLinks                    bool `yaml:"persistent_links"`
	RecreateLinksOnRestart             bool `yaml:"recreate_links_on_restart"`
	AnnounceIPN                        bool `yaml:"announce_ipn"`
	ClearBundlesWhenOppLinkUnavailable bool `yaml:"clear_bundles_when_opp_link_unavailable"`

	IPNEchoServiceNumber   uint64 `yaml:"ipn_echo_service_number"`
	IPNEchoMaxReturnLength uint64 `yaml:"ipn_echo_max_return_length"`

	ACS     ACSConfig     `yaml:"acs"`
	LTP     LTPConfig     `yaml:"ltp"`
	Restage RestageConfig `yaml:"restage"`
}

// ACSConfig tunes aggregate custody signalling.
type ACSConfig struct {
	Enabled bool `yaml:"enabled"`
	// Size is the max ACS payload length before a flush (0 = unlimited).
	Size uint64 `yaml:"size"`
	// Delay is the accumulation window before a flush.
	Delay time.Duration `yaml:"delay"`
}

// LTPConfig tunes the LTP engine. Zero values take the engine defaults.
type LTPConfig struct {
	MaxSessions        uint32        `yaml:"max_sessions"`
	AggSize            uint64        `yaml:"agg_size"`
	AggTime            time.Duration `yaml:"agg_time"`
	SegSize            uint32        `yaml:"seg_size"`
	CCSDSCompatible    bool          `yaml:"ccsds_compatible"`
	RetranIntvl        time.Duration `yaml:"retran_intvl"`
	RetranRetries      uint32        `yaml:"retran_retries"`
	InactivityIntvl    time.Duration `yaml:"inactivity_intvl"`
	BytesPerCheckpoint uint64        `yaml:"bytes_per_checkpoint"`
	QueuedBytesQuota   uint64        `yaml:"queued_bytes_quota"`
	UseFilesXmit       bool          `yaml:"use_files_xmit"`
	UseFilesRecv       bool          `yaml:"use_files_recv"`
	DirPath            string        `yaml:"dir_path"`
	Rate               uint64        `yaml:"rate"`
	BucketType         string        `yaml:"bucket_type"`
	BucketDepth        uint64        `yaml:"bucket_depth"`
}

// RestageConfig tunes the restage convergence layer and BARD.
type RestageConfig struct {
	MountPoint         bool          `yaml:"mount_point"`
	DaysRetention      uint32        `yaml:"days_retention"`
	ExpireBundles      bool          `yaml:"expire_bundles"`
	TTLOverride        uint64        `yaml:"ttl_override"`
	AutoReloadInterval time.Duration `yaml:"auto_reload_interval"`
	DiskQuota          uint64        `yaml:"disk_quota"`
	// MinDiskSpace is the volume free space needed to declare the store
	// ONLINE vs FULL; MinQuotaAvail is the quota headroom needed to return
	// ONLINE after a FULL state. The two thresholds keep a store sitting
	// near the quota boundary from flapping.
	MinDiskSpace      uint64   `yaml:"min_disk_space"`
	MinQuotaAvail     uint64   `yaml:"min_quota_avail"`
	PartOfPool        bool     `yaml:"part_of_pool"`
	EmailEnabled      bool     `yaml:"email_enabled"`
	FromEmail         string   `yaml:"from_email"`
	NotifyEmails      []string `yaml:"notify_emails"`
	SMTPAddr          string   `yaml:"smtp_addr"`
	FieldSeparator    string   `yaml:"field_separator"`
	EIDFieldSeparator string   `yaml:"eid_field_separator"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		LocalEID: "ipn:1.0",
		DataDir:  "/var/lib/dtnd",
		HTTPAddr: ":9653",
	}
	cfg.Log.Level = "info"

	cfg.AcceptCustody = true
	cfg.RecreateLinksOnRestart = true

	cfg.IPNEchoServiceNumber = 2047
	cfg.IPNEchoMaxReturnLength = 1024

	cfg.ACS = ACSConfig{
		Enabled: false,
		Size:    1000,
		Delay:   10 * time.Second,
	}
	cfg.LTP = LTPConfig{
		MaxSessions:      100,
		AggSize:          1000000,
		AggTime:          500 * time.Millisecond,
		SegSize:          1400,
		RetranIntvl:      7 * time.Second,
		RetranRetries:    3,
		InactivityIntvl:  30 * time.Second,
		QueuedBytesQuota: 4 * 1024 * 1024 * 1024,
		BucketType:       "standard",
	}
	cfg.Restage = RestageConfig{
		DaysRetention:      7,
		ExpireBundles:      true,
		AutoReloadInterval: time.Hour,
		MinDiskSpace:       100 * 1024 * 1024,
		MinQuotaAvail:      1024 * 1024,
		FieldSeparator:     "_",
		EIDFieldSeparator:  "-",
	}
	return cfg
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if _, err := eid.Parse(c.LocalEID); err != nil {
		return fmt.Errorf("config: local_eid: %w", err)
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must be set")
	}
	if c.LTP.SegSize == 0 {
		return fmt.Errorf("config: ltp.seg_size must be nonzero")
	}
	if len(c.Restage.FieldSeparator) != 1 || len(c.Restage.EIDFieldSeparator) != 1 {
		return fmt.Errorf("config: restage separators must be single characters")
	}
	if c.Restage.FieldSeparator == c.Restage.EIDFieldSeparator {
		return fmt.Errorf("config: restage field and eid separators must differ")
	}
	if c.Restage.EmailEnabled && c.Restage.FromEmail == "" {
		return fmt.Errorf("config: restage.from_email required when email is enabled")
	}
	return nil
}
