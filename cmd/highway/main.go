// highway is the operator shell for the Highway consensus node: it
// loads the configuration, opens the node database and reports the
// resolved era parameters. Transport and lifecycle wiring live with
// the embedding node.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/tos-network/go-highway/db"
	"github.com/tos-network/go-highway/proposer"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "data directory for databases and the unit file",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "logging verbosity (0=silent, 5=trace)",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:   "highway",
		Usage:  "Highway consensus node shell",
		Flags:  []cli.Flag{configFlag, dataDirFlag, verbosityFlag},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "dump-config",
				Usage:  "print the resolved configuration and exit",
				Flags:  []cli.Flag{configFlag},
				Action: dumpConfig,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfig(ctx *cli.Context) (Config, error) {
	cfg := defaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		if err := loadConfig(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if dir := ctx.String(dataDirFlag.Name); dir != "" {
		cfg.DataDir = dir
	}
	if cfg.UnitFile == "" {
		cfg.UnitFile = filepath.Join(cfg.DataDir, "unit.hash")
	}
	return cfg, nil
}

func run(ctx *cli.Context) error {
	glogger := log.NewGlogHandler(log.StreamHandler(os.Stderr, log.TerminalFormat(true)))
	glogger.Verbosity(log.Lvl(ctx.Int(verbosityFlag.Name)))
	log.Root().SetHandler(glogger)

	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}

	store, err := db.NewLevelDB(filepath.Join(cfg.DataDir, "proposer"))
	if err != nil {
		return fmt.Errorf("cannot open proposer database: %w", err)
	}
	defer store.Close()

	stateKey := proposer.CreateStorageKey(cfg.ChainName)
	log.Info("highway shell ready",
		"chain", cfg.ChainName,
		"dataDir", cfg.DataDir,
		"unitFile", cfg.UnitFile,
		"stateKey", fmt.Sprintf("%x", stateKey[:8]),
		"minRoundExp", cfg.Highway.MinRoundExponent,
		"maxRoundExp", cfg.Highway.MaxRoundExponent,
		"eraDuration", cfg.Highway.EraDuration,
	)
	log.Info("attach this shell to a reactor to participate in consensus")
	return nil
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%+v\n", cfg)
	return nil
}
