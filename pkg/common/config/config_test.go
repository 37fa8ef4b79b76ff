package config

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadMasterConfigDefaults(t *testing.T) {
	cfg, err := LoadMasterConfig("", nil)
	if err != nil {
		t.Fatalf("LoadMasterConfig: %v", err)
	}
	if cfg.AdminPort != 9301 {
		t.Errorf("AdminPort = %d, want 9301", cfg.AdminPort)
	}
	if cfg.Balance.ShardBalance != 0.45 || cfg.Balance.IndexBalance != 0.55 {
		t.Errorf("unexpected default balance factors: %+v", cfg.Balance)
	}
	if cfg.ReconcileInterval.Seconds() != 30 {
		t.Errorf("ReconcileInterval = %v, want 30s", cfg.ReconcileInterval)
	}
}

func TestLoadMasterConfigFlagOverride(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Float64("balance-shard", 0.45, "")
	flags.Float64("balance-index", 0.55, "")
	flags.Float64("balance-threshold", 1.0, "")
	flags.Int("admin-port", 9301, "")
	if err := flags.Parse([]string{"--balance-shard=0.9", "--admin-port=9999"}); err != nil {
		t.Fatalf("flags.Parse: %v", err)
	}

	cfg, err := LoadMasterConfig("", flags)
	if err != nil {
		t.Fatalf("LoadMasterConfig: %v", err)
	}
	if cfg.Balance.ShardBalance != 0.9 {
		t.Errorf("ShardBalance = %v, want 0.9 (flag override)", cfg.Balance.ShardBalance)
	}
	if cfg.AdminPort != 9999 {
		t.Errorf("AdminPort = %d, want 9999 (flag override)", cfg.AdminPort)
	}
	// Flags left at their zero-change default must not clobber the config
	// default for a knob the user never touched.
	if cfg.Balance.IndexBalance != 0.55 {
		t.Errorf("IndexBalance = %v, want unchanged default 0.55", cfg.Balance.IndexBalance)
	}
}
