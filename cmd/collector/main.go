// collector receives event batches over HTTP, and optionally from Redpanda,
// and stores them in ClickHouse or in memory.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/leshachaplin/tracker/app"
	"github.com/leshachaplin/tracker/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "collector: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		logLevel   string
		addr       string
		storage    string
		appKeys    []string
	)

	flagSet := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	flagSet.StringVar(&logLevel, "log-level", "", "TRACE, DEBUG, INFO, WARN, ERROR or PANIC")
	flagSet.StringVar(&addr, "addr", "", "listen address")
	flagSet.StringVar(&storage, "storage", "", "memory or clickhouse")
	flagSet.StringSliceVar(&appKeys, "app-key", nil, "accepted app keys, empty accepts any")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	a, err := app.New(func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		if flagSet.Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if flagSet.Changed("addr") {
			cfg.Collector.Addr = addr
		}
		if flagSet.Changed("storage") {
			cfg.Collector.Storage = storage
		}
		if flagSet.Changed("app-key") {
			cfg.Collector.AppKeys = appKeys
		}
		return cfg, cfg.ValidateCollector()
	})
	if err != nil {
		return err
	}

	return a.StartCollector()
}
