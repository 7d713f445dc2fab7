// The server command is the main entrypoint for running the headless host.
// It loads the configuration, starts the controller, and runs the operator
// console until the process is told to shut down.
package server

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/veilbreak/headless/internal"
	"github.com/veilbreak/headless/internal/core"
)

func server(cc *cli.Context) error {
	configPath := cc.String("config")
	config := core.LoadConfig(configPath)
	fmt.Println("using configuration file in:", configPath)

	// Change to the config directory so that any relative paths in the
	// config file resolve against it.
	if err := os.Chdir(configPath); err != nil {
		return fmt.Errorf("error changing to config directory: %w", err)
	}

	// Bind the Controller to one top-level context so that we can shut
	// down cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Register a SIGTERM handler so that Ctrl-C will shut the host down gracefully.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c)

	controller := internal.NewController(config)
	go operatorConsole(controller, cancel)

	controller.Start(ctx)
	fmt.Println("shut down")
	return nil
}

func exitHandler(cancel context.CancelFunc, c chan os.Signal) {
	<-c
	fmt.Println("waiting to shut down gracefully...")
	cancel()

	// A second signal means we're being told to die right now.
	<-c
	fmt.Println("hard exiting (killed)")
	os.Exit(1)
}

// operatorConsole reads single-letter commands from stdin. The host is fully
// automatic; these exist for an operator poking at a live process.
func operatorConsole(controller *internal.Controller, cancel context.CancelFunc) {
	fmt.Println("operator commands: c=connect as client, h=start hosting, s=status, q=quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line[0] {
		case 'c':
			controller.ConnectAsClient()
		case 'h':
			controller.StartHosting()
		case 's':
			fmt.Print(controller.Status())
		case 'q':
			cancel()
			return
		default:
			fmt.Printf("unknown command %q\n", line)
		}
	}
}
