// trackerd is the local tracking agent. Applications post events to its
// loopback API; trackerd queues them on disk and delivers them in batches.
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
		fmt.Fprintf(os.Stderr, "trackerd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		logLevel   string
		addr       string
		endpoint   string
		queuePath  string
		optOut     bool
	)

	flagSet := pflag.NewFlagSet("trackerd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	flagSet.StringVar(&logLevel, "log-level", "", "TRACE, DEBUG, INFO, WARN, ERROR or PANIC")
	flagSet.StringVar(&addr, "addr", "", "loopback address of the agent API")
	flagSet.StringVar(&endpoint, "endpoint", "", "collector URL or Redpanda topic")
	flagSet.StringVar(&queuePath, "queue", "", "path to the queue database")
	flagSet.BoolVar(&optOut, "opt-out", false, "start opted out when no choice is persisted")

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
			cfg.Agent.Addr = addr
		}
		if flagSet.Changed("endpoint") {
			cfg.Tracker.Dispatcher.Endpoint = endpoint
		}
		if flagSet.Changed("queue") {
			cfg.Tracker.Queue.Path = queuePath
		}
		if flagSet.Changed("opt-out") {
			cfg.Tracker.OptOut = optOut
		}
		return cfg, cfg.ValidateAgent()
	})
	if err != nil {
		return err
	}

	return a.StartAgent()
}
