package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// MasterConfig holds configuration for master nodes
type MasterConfig struct {
	NodeID      string
	BindAddr    string
	RaftPort    int
	AdminPort   int
	DataDir     string
	Peers       []string
	LogLevel    string
	MetricsPort int

	// Balance holds the Balanced Shards Allocator's dynamic knobs.
	Balance BalanceConfig

	// ReconcileInterval is how often the leader runs an unprompted
	// allocate pass in addition to the on-demand passes triggered by
	// index/node state changes.
	ReconcileInterval time.Duration
}

// BalanceConfig holds the three dynamic weight-function knobs from spec §6.
type BalanceConfig struct {
	ShardBalance float64
	IndexBalance float64
	Threshold    float64
}

// LoadMasterConfig loads master node configuration from file, environment,
// and (if supplied) explicitly-set command-line flags, in that increasing
// order of precedence. flags may be nil.
func LoadMasterConfig(cfgFile string, flags *pflag.FlagSet) (*MasterConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("node_id", getHostname())
	v.SetDefault("bind_addr", "0.0.0.0")
	v.SetDefault("raft_port", 9300)
	v.SetDefault("admin_port", 9301)
	v.SetDefault("data_dir", "/var/lib/quidditch/master")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_port", 9400)
	v.SetDefault("reconcile_interval", "30s")
	v.SetDefault("balance.shard", 0.45)
	v.SetDefault("balance.index", 0.55)
	v.SetDefault("balance.threshold", 1.0)

	// Load config file
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("master")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/quidditch/")
		v.AddConfigPath("$HOME/.quidditch/")
		v.AddConfigPath(".")
	}

	// Read environment variables
	v.SetEnvPrefix("QUIDDITCH")
	v.AutomaticEnv()

	if flags != nil {
		bindings := map[string]string{
			"balance-shard":      "balance.shard",
			"balance-index":      "balance.index",
			"balance-threshold":  "balance.threshold",
			"reconcile-interval": "reconcile_interval",
			"admin-port":         "admin_port",
		}
		for flagName, key := range bindings {
			if f := flags.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", flagName, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &MasterConfig{
		NodeID:            v.GetString("node_id"),
		BindAddr:          v.GetString("bind_addr"),
		RaftPort:          v.GetInt("raft_port"),
		AdminPort:         v.GetInt("admin_port"),
		DataDir:           v.GetString("data_dir"),
		Peers:             v.GetStringSlice("peers"),
		LogLevel:          v.GetString("log_level"),
		MetricsPort:       v.GetInt("metrics_port"),
		ReconcileInterval: v.GetDuration("reconcile_interval"),
		Balance: BalanceConfig{
			ShardBalance: v.GetFloat64("balance.shard"),
			IndexBalance: v.GetFloat64("balance.index"),
			Threshold:    v.GetFloat64("balance.threshold"),
		},
	}

	return cfg, nil
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
