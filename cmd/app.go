package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/veilbreak/headless/cmd/eventlog"
	"github.com/veilbreak/headless/cmd/server"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Printf("veilbreak error: %v\n", err)
	}
}

func app() *cli.App {
	app := cli.NewApp()
	app.Name = "veilbreak"
	app.Usage = "Veilbreak dedicated headless host"

	serverCommand := server.Command()
	app.Commands = []*cli.Command{
		serverCommand,
		eventlog.Command(),
	}
	// Running the binary with no subcommand starts the host.
	app.Flags = serverCommand.Flags
	app.Action = serverCommand.Action

	return app
}
