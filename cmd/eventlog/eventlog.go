// The events command is a small offline tool for inspecting the sqlite
// event mirror written by a running host, so an operator can review history
// without tailing the JSONL log.
package eventlog

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/veilbreak/headless/internal/events"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:        "events",
		Usage:       "query the event mirror database",
		Description: "Prints recent events from a host's sqlite event mirror.",
		Action:      run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database",
				Aliases:  []string{"d"},
				Usage:    "Path to the sqlite event mirror database",
				EnvVars:  []string{"VEILBREAK_EVENTS_DATABASE_PATH"},
				Required: true,
			},
			&cli.StringFlag{
				Name:  "type",
				Usage: "Only show events of this type (e.g. player_connect)",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of events to show",
				Value: 50,
			},
		},
	}
}

func run(cc *cli.Context) error {
	records, err := events.QueryRecent(cc.String("database"), cc.String("type"), cc.Int("limit"))
	if err != nil {
		return err
	}

	for _, record := range records {
		fmt.Printf("%s  %-20s %s", record.Timestamp.Format(time.RFC3339), record.Type, record.Message)
		if record.Fields != "" && record.Fields != "null" && record.Fields != "{}" {
			fmt.Printf("  %s", record.Fields)
		}
		fmt.Println()
	}
	return nil
}
