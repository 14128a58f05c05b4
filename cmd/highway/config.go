package main

import (
	"fmt"
	"os"

	"github.com/naoina/toml"

	"github.com/tos-network/go-highway/params"
)

// Config is the top-level TOML configuration file layout.
type Config struct {
	// ChainName seeds the proposer's storage key.
	ChainName string

	Highway params.HighwayConfig
	Deploys params.DeployConfig

	// DataDir holds the node databases and the unit file.
	DataDir string
	// UnitFile overrides where the latest own unit hash is persisted.
	// Defaults to <DataDir>/unit.hash.
	UnitFile string
}

func defaultConfig() Config {
	return Config{
		ChainName: "highway-devnet",
		Highway:   params.DefaultHighwayConfig,
		Deploys:   params.DefaultDeployConfig,
		DataDir:   "highway-data",
	}
}

// loadConfig reads a TOML file over the defaults.
func loadConfig(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return nil
}
