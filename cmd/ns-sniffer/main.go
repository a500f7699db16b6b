package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"Go2NetGraph/internal/config"
	"Go2NetGraph/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "ns-sniffer",
		Short:         "Capture traffic, rebuild flows and graph the entities they touch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "configs/config.yaml", "config file path")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newReplayCmd(&cfgPath))
	root.AddCommand(newWatchCmd(&cfgPath))
	root.AddCommand(newDemoCmd())
	return root
}

// setup loads the configuration and builds the logger. A missing config
// file falls back to the defaults.
func setup(cfgPath string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
