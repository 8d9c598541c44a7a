package main

import (
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "print the effective configuration",
		Description: `Prints the configuration after defaults, the config file and MINIPOOL_*
environment overrides are merged, and checks that it is valid.`,
		Action: func(ctx *cli.Context) error {
			cfg, _, err := setup(ctx)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(ctx.App.Writer)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
