package storage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/veilchat/backend/internal/core"
)

// SchemaVersion is the only storage configuration version this build
// understands. A mismatch is fatal at load.
const SchemaVersion = 1

// Config is the versioned storage configuration document the facade is built
// from. Each binding maps one or more namespaces to a named adapter.
type Config struct {
	SchemaVersion  int               `yaml:"schemaVersion"`
	BlobAdapters   []AdapterBinding  `yaml:"blobAdapters"`
	RecordAdapters []AdapterBinding  `yaml:"recordAdapters"`
	StreamAdapters []AdapterBinding  `yaml:"streamAdapters"`
	Cache          CacheConfig       `yaml:"cache"`
	Consistency    ConsistencyConfig `yaml:"consistency"`
	Observability  map[string]string `yaml:"observability"`
	FeatureFlags   map[string]bool   `yaml:"featureFlags"`
}

// AdapterBinding attaches namespaces to an adapter. Exactly one of Adapter
// (a registered adapter name) or Factory (a registered factory name plus its
// options) must be set.
type AdapterBinding struct {
	Namespaces StringList             `yaml:"namespaces"`
	Adapter    string                 `yaml:"adapter,omitempty"`
	Factory    string                 `yaml:"factory,omitempty"`
	Options    map[string]interface{} `yaml:"options,omitempty"`
}

// CacheConfig controls the read-through cache in front of blob and record
// reads.
type CacheConfig struct {
	Enabled        bool                   `yaml:"enabled"`
	MaxItems       int                    `yaml:"maxItems,omitempty"`
	MaxBytes       int64                  `yaml:"maxBytes,omitempty"`
	TTLSeconds     int                    `yaml:"ttlSeconds,omitempty"`
	Provider       string                 `yaml:"provider,omitempty"`
	ProviderConfig map[string]interface{} `yaml:"providerConfig,omitempty"`
}

// ConsistencyConfig holds the process-wide staleness budget default.
type ConsistencyConfig struct {
	StalenessBudgetMs int `yaml:"stalenessBudgetMs"`
}

// StringList accepts either a yaml scalar or a sequence, so bindings can say
// `namespaces: messages` or `namespaces: [messages, attachments]`.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var one string
	if err := unmarshal(&one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := unmarshal(&many); err != nil {
		return err
	}
	*s = many
	return nil
}

// LoadConfig reads and validates a storage configuration file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open storage config: %w", err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode storage config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseConfig validates a document already in memory, for tests and embedded
// defaults.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode storage config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the schema version and the adapter/factory exclusivity
// rule on every binding.
func (c *Config) Validate() error {
	if c.SchemaVersion != SchemaVersion {
		return core.Ef(core.KindValidationFailed,
			"unsupported storage config schemaVersion %d (want %d)", c.SchemaVersion, SchemaVersion)
	}

	check := func(kind AdapterKind, bindings []AdapterBinding) error {
		for i, b := range bindings {
			if len(b.Namespaces) == 0 {
				return core.Ef(core.KindValidationFailed,
					"%sAdapters[%d]: namespaces is required", kind, i)
			}
			hasAdapter := b.Adapter != ""
			hasFactory := b.Factory != ""
			if hasAdapter == hasFactory {
				return core.Ef(core.KindValidationFailed,
					"%sAdapters[%d]: exactly one of adapter or factory must be set", kind, i)
			}
		}
		return nil
	}

	if err := check(AdapterBlob, c.BlobAdapters); err != nil {
		return err
	}
	if err := check(AdapterRecord, c.RecordAdapters); err != nil {
		return err
	}
	if err := check(AdapterStream, c.StreamAdapters); err != nil {
		return err
	}

	if c.Consistency.StalenessBudgetMs < 0 {
		return core.E(core.KindValidationFailed, "consistency.stalenessBudgetMs must be >= 0")
	}
	return nil
}

// StalenessBudgetMs returns the configured budget or the 100ms default.
func (c *Config) StalenessBudgetMs() int {
	if c.Consistency.StalenessBudgetMs > 0 {
		return c.Consistency.StalenessBudgetMs
	}
	return 100
}
