package config

// Package config provides a reusable loader for meshnet node configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"meshnet/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a meshnet node. It mirrors
// the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		AdvertiseAddr  string   `mapstructure:"advertise_addr" json:"advertise_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		EnableNAT      bool     `mapstructure:"enable_nat" json:"enable_nat"`
		EnableMDNS     bool     `mapstructure:"enable_mdns" json:"enable_mdns"`
	} `mapstructure:"network" json:"network"`

	DHT struct {
		Alpha          int    `mapstructure:"alpha" json:"alpha"`
		NumWorkers     int    `mapstructure:"num_workers" json:"num_workers"`
		BucketSize     int    `mapstructure:"bucket_size" json:"bucket_size"`
		ReplicateEvery string `mapstructure:"replicate_every" json:"replicate_every"`
		RecordTTL      string `mapstructure:"record_ttl" json:"record_ttl"`
	} `mapstructure:"dht" json:"dht"`

	Auth struct {
		ClockSkewSeconds int    `mapstructure:"clock_skew_seconds" json:"clock_skew_seconds"`
		NonceWindow      string `mapstructure:"nonce_window" json:"nonce_window"`
		RequireStake     bool   `mapstructure:"require_stake" json:"require_stake"`
	} `mapstructure:"auth" json:"auth"`

	Consensus struct {
		SubnetID      uint32 `mapstructure:"subnet_id" json:"subnet_id"`
		SubnetNodeID  uint32 `mapstructure:"subnet_node_id" json:"subnet_node_id"`
		MaxErrors     int    `mapstructure:"max_errors" json:"max_errors"`
		ChainEndpoint string `mapstructure:"chain_endpoint" json:"chain_endpoint"`
	} `mapstructure:"consensus" json:"consensus"`

	Heartbeat struct {
		Period     string  `mapstructure:"period" json:"period"`
		MaxPinged  int     `mapstructure:"max_pinged" json:"max_pinged"`
		Throughput float64 `mapstructure:"throughput" json:"throughput"`
	} `mapstructure:"heartbeat" json:"heartbeat"`

	Metrics struct {
		Enabled        bool   `mapstructure:"enabled" json:"enabled"`
		ListenAddr     string `mapstructure:"listen_addr" json:"listen_addr"`
		RecordInterval string `mapstructure:"record_interval" json:"record_interval"`
	} `mapstructure:"metrics" json:"metrics"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // env vars named like the upper-cased config key override it; no prefix is set

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the MESHNET_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("MESHNET_ENV", ""))
}
