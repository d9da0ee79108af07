package config

// Package config provides a reusable loader for meshcore configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"meshcore/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a meshcore node. It
// mirrors the structure of the YAML files Load looks for under cmd/config
// or config.
type Config struct {
	Network struct {
		ID             string   `mapstructure:"id" json:"id"`
		ChainID        int      `mapstructure:"chain_id" json:"chain_id"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		GenesisFile    string   `mapstructure:"genesis_file" json:"genesis_file"`
		RPCEnabled     bool     `mapstructure:"rpc_enabled" json:"rpc_enabled"`
		P2PPort        int      `mapstructure:"p2p_port" json:"p2p_port"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	// Messaging configures session rotation and reorder-buffer behavior
	// (C1-C3).
	Messaging struct {
		RatchetRotationMessages int `mapstructure:"ratchet_rotation_messages" json:"ratchet_rotation_messages"`
		RatchetRotationSeconds  int `mapstructure:"ratchet_rotation_seconds" json:"ratchet_rotation_seconds"`
		ReorderWindowDepth      int `mapstructure:"reorder_window_depth" json:"reorder_window_depth"`
		ReorderWindowSeconds    int `mapstructure:"reorder_window_seconds" json:"reorder_window_seconds"`
	} `mapstructure:"messaging" json:"messaging"`

	// Relay configures the store-and-forward queue a node offers to peers
	// that are currently offline (C4).
	Relay struct {
		MaxRetentionHours int            `mapstructure:"max_retention_hours" json:"max_retention_hours"`
		Capacity          int            `mapstructure:"capacity" json:"capacity"`
		TTLSweepSeconds   int            `mapstructure:"ttl_sweep_seconds" json:"ttl_sweep_seconds"`
		ClassWeights      map[string]int `mapstructure:"class_weights" json:"class_weights"`
	} `mapstructure:"relay" json:"relay"`

	// Overlay configures the libp2p transport, gossip mesh, and DHT (C5).
	Overlay struct {
		MeshDegree        int      `mapstructure:"mesh_degree" json:"mesh_degree"`
		MeshDegreeMin     int      `mapstructure:"mesh_degree_min" json:"mesh_degree_min"`
		MeshDegreeMax     int      `mapstructure:"mesh_degree_max" json:"mesh_degree_max"`
		MaxOriginShare    float64  `mapstructure:"max_origin_share" json:"max_origin_share"`
		DHTRefreshMinutes int      `mapstructure:"dht_refresh_minutes" json:"dht_refresh_minutes"`
		DrainTimeoutSecs  int      `mapstructure:"drain_timeout_seconds" json:"drain_timeout_seconds"`
		MDNSEnabled       bool     `mapstructure:"mdns_enabled" json:"mdns_enabled"`
		BootstrapPeers    []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"overlay" json:"overlay"`

	// Consensus configures the dual-ledger BFT ordering engine (C6).
	Consensus struct {
		Type                  string `mapstructure:"type" json:"type"`
		BlockTimeMS           int    `mapstructure:"block_time_ms" json:"block_time_ms"`
		ValidatorsRequired    int    `mapstructure:"validators_required" json:"validators_required"`
		EpochBlocks           int    `mapstructure:"epoch_blocks" json:"epoch_blocks"`
		InitialRoundTimeoutMS int    `mapstructure:"initial_round_timeout_ms" json:"initial_round_timeout_ms"`
		MaxRoundTimeoutMS     int    `mapstructure:"max_round_timeout_ms" json:"max_round_timeout_ms"`
	} `mapstructure:"consensus" json:"consensus"`

	// Cross configures the two-phase cross-ledger coordinator (C7).
	Cross struct {
		ConfirmationDepth int `mapstructure:"confirmation_depth" json:"confirmation_depth"`
		TimeoutSeconds    int `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	} `mapstructure:"cross" json:"cross"`

	// Rate configures the per-peer token-bucket governor (C8).
	Rate struct {
		BucketCapacityBase float64 `mapstructure:"bucket_capacity_base" json:"bucket_capacity_base"`
		RefillBaseRPS      float64 `mapstructure:"refill_base_rps" json:"refill_base_rps"`
	} `mapstructure:"rate" json:"rate"`

	VM struct {
		MaxGasPerBlock int  `mapstructure:"max_gas_per_block" json:"max_gas_per_block"`
		OpcodeDebug    bool `mapstructure:"opcode_debug" json:"opcode_debug"`
	} `mapstructure:"vm" json:"vm"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
		Prune  bool   `mapstructure:"prune" json:"prune"`
	} `mapstructure:"storage" json:"storage"`

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
// files. If env is empty, only the default configuration is loaded. When no
// default config file is found, the built-in defaults alone are used.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	setDefaults()
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the MESHCORE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("MESHCORE_ENV", ""))
}

// setDefaults seeds viper with the protocol's built-in defaults so a node
// with no config file still starts with sane values; a default.yaml or
// environment override always wins.
func setDefaults() {
	viper.SetDefault("messaging.ratchet_rotation_messages", 100)
	viper.SetDefault("messaging.ratchet_rotation_seconds", 3600)
	viper.SetDefault("messaging.reorder_window_depth", 256)
	viper.SetDefault("messaging.reorder_window_seconds", 30)

	viper.SetDefault("relay.max_retention_hours", 24)
	viper.SetDefault("relay.capacity", 4096)
	viper.SetDefault("relay.ttl_sweep_seconds", 60)
	viper.SetDefault("relay.class_weights", map[string]int{
		"system": 8, "direct": 4, "channel": 2, "bulk": 1,
	})

	viper.SetDefault("overlay.mesh_degree", 6)
	viper.SetDefault("overlay.mesh_degree_min", 4)
	viper.SetDefault("overlay.mesh_degree_max", 12)
	viper.SetDefault("overlay.max_origin_share", 0.30)
	viper.SetDefault("overlay.dht_refresh_minutes", 15)
	viper.SetDefault("overlay.drain_timeout_seconds", 5)
	viper.SetDefault("overlay.mdns_enabled", true)

	viper.SetDefault("consensus.type", "bft")
	viper.SetDefault("consensus.block_time_ms", 2000)
	viper.SetDefault("consensus.epoch_blocks", 1000)
	viper.SetDefault("consensus.initial_round_timeout_ms", 2000)
	viper.SetDefault("consensus.max_round_timeout_ms", 30000)

	viper.SetDefault("cross.confirmation_depth", 6)
	viper.SetDefault("cross.timeout_seconds", 120)

	viper.SetDefault("rate.bucket_capacity_base", 64.0)
	viper.SetDefault("rate.refill_base_rps", 8.0)
}
