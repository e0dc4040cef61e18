// Package config loads node configuration from file, environment, and
// flags, in increasing priority. The config file is optional; a node can
// run entirely from CUSTODY_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is everything a node needs before its first ceremony step.
type Config struct {
	NodeID    string `mapstructure:"node_id"`
	Threshold int    `mapstructure:"threshold"`
	Total     int    `mapstructure:"total"`

	// OperationMode is production or demo; it controls secret
	// extractability module-wide.
	OperationMode string `mapstructure:"operation_mode"`

	TransportEndpoint string `mapstructure:"transport_endpoint"`
	DataDir           string `mapstructure:"data_dir"`

	// SecretModulePIN authenticates to the secret module. It is never
	// logged and never written back to the config file.
	SecretModulePIN string `mapstructure:"secret_module_pin"`

	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	SecretModuleBackend string `mapstructure:"secret_module_backend"`
	PKCS11ModulePath    string `mapstructure:"pkcs11_module_path"`
	PKCS11TokenLabel    string `mapstructure:"pkcs11_token_label"`
	VaultAddr           string `mapstructure:"vault_addr"`
	VaultMount          string `mapstructure:"vault_mount"`

	BoardBackend string `mapstructure:"board_backend"`
	BoltPath     string `mapstructure:"bolt_path"`
}

// Load reads $data_dir/config.yaml if present, then applies CUSTODY_*
// environment variables on top. Flag values already bound into v win over
// both.
func Load(v *viper.Viper, dataDir string) (*Config, error) {
	v.SetDefault("operation_mode", "production")
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret_module_backend", "memory")
	v.SetDefault("board_backend", "bolt")
	v.SetDefault("vault_mount", "secret")
	v.SetDefault("pkcs11_token_label", "custody")

	v.SetEnvPrefix("CUSTODY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if dataDir != "" {
		path := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	// transport_endpoint is the opaque URI handed to the board transport; for
	// the embedded bolt backend it is the database path.
	if cfg.BoltPath == "" {
		cfg.BoltPath = cfg.TransportEndpoint
	}
	if cfg.BoltPath == "" {
		cfg.BoltPath = filepath.Join(cfg.DataDir, "board.db")
	}
	return &cfg, nil
}

// Validate rejects configurations no ceremony operation should run under.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if c.Threshold < 1 {
		return fmt.Errorf("config: threshold must be at least 1, got %d", c.Threshold)
	}
	if c.Total < c.Threshold {
		return fmt.Errorf("config: total %d is below threshold %d", c.Total, c.Threshold)
	}
	if c.SecretModulePIN == "" {
		return fmt.Errorf("config: secret_module_pin is required")
	}
	switch c.OperationMode {
	case "production", "demo":
	default:
		return fmt.Errorf("config: operation_mode must be production or demo, got %q", c.OperationMode)
	}
	return nil
}
