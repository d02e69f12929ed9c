// Package config loads engine tunables and per-table merge policies from an
// optional YAML file with OFFLINE_SYNC_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/cmw1990/offline_sync/internal/conflict"
	syncengine "github.com/cmw1990/offline_sync/internal/sync"
)

// EnvPrefix prefixes every environment override, e.g. OFFLINE_SYNC_SYNC_MAX_RETRIES.
const EnvPrefix = "OFFLINE_SYNC"

// Settings is the file-backed configuration.
type Settings struct {
	Sync   syncengine.Config `mapstructure:"sync"`
	Tables []TableConfig     `mapstructure:"tables"`
}

// TableConfig describes the merge policy of one table.
type TableConfig struct {
	Name             string   `mapstructure:"name"`
	UserEnteredField string   `mapstructure:"user_entered_field"`
	UserFields       []string `mapstructure:"user_fields"`
	UnionFields      []string `mapstructure:"union_fields"`
	MaxFields        []string `mapstructure:"max_fields"`
}

// Policy returns the merge policy of the table.
func (t TableConfig) Policy() conflict.FieldPolicy {
	p := conflict.FieldPolicy{
		UserEnteredField: t.UserEnteredField,
		UserFields:       t.UserFields,
		UnionFields:      t.UnionFields,
		MaxFields:        t.MaxFields,
	}
	if p.UserEnteredField == "" {
		p.UserEnteredField = conflict.DefaultPolicy().UserEnteredField
	}
	return p
}

func setDefaults(v *viper.Viper) {
	d := syncengine.DefaultConfig()
	v.SetDefault("sync.cache_ttl", d.CacheTTL)
	v.SetDefault("sync.max_retries", d.MaxRetries)
	v.SetDefault("sync.prune_age", d.PruneAge)
	v.SetDefault("sync.sync_interval", d.SyncInterval)
	v.SetDefault("sync.stabilization_delay", d.StabilizationDelay)
	v.SetDefault("sync.probe_interval", d.ProbeInterval)
	v.SetDefault("sync.retry_backoff", d.RetryBackoff)
	v.SetDefault("sync.retry_backoff_max", d.RetryBackoffMax)
	v.SetDefault("sync.request_timeout", d.RequestTimeout)
	v.SetDefault("sync.sync_on_enqueue", d.SyncOnEnqueue)
	v.SetDefault("sync.manual", d.Manual)
}

// Load reads path when set and applies environment overrides.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		logrus.WithField("file", v.ConfigFileUsed()).Info("Loaded configuration file")
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) validate() error {
	if s.Sync.MaxRetries < 0 {
		return errors.New("sync.max_retries must not be negative")
	}
	seen := make(map[string]struct{}, len(s.Tables))
	for i, t := range s.Tables {
		if t.Name == "" {
			return fmt.Errorf("tables[%d]: name is required", i)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("tables[%d]: duplicate table %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// Resolver builds a conflict resolver with the configured table policies.
func (s *Settings) Resolver() *conflict.Resolver {
	r := conflict.NewResolver(nil)
	for _, t := range s.Tables {
		r.Register(t.Name, t.Policy())
		logrus.WithField("table", t.Name).Debug("Registered merge policy")
	}
	return r
}
