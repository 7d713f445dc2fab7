package server

import "github.com/urfave/cli/v2"

func Command() *cli.Command {
	return &cli.Command{
		Name:        "server",
		Usage:       "veilbreak headless host",
		Description: "Runs the dedicated headless host.",
		Action:      server,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the directory containing the server config file",
				EnvVars: []string{"VEILBREAK_CONFIG"},
				Value:   "./",
			},
		},
	}
}
