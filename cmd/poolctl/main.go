package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"mini-pool/config"
	"mini-pool/logging"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "poolctl",
		Usage: "exercise a connection pool against a target",
		Description: `poolctl builds a pooling connection manager from a YAML config and
drives echo exchanges through it, reporting how connections were created,
reused and released.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config",
				EnvVars: []string{"MINIPOOL_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override logging.level",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "override logging.format (text, json)",
			},
		},
		Commands: []*cli.Command{
			probeCommand(),
			serveCommand(),
			configCommand(),
		},
	}
}

// setup loads the config and builds the logger from it, with command line
// overrides applied on top.
func setup(cctx *cli.Context) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if v := cctx.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := cctx.String("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
