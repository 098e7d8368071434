package main

import (
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/dargueta/walb/device"
)

// Version information, set with -ldflags at build time.
var version = "dev"

var volumeArgs = "LOG_VOLUME DATA_VOLUME"

func main() {
	app := &cli.App{
		Name:    "walbctl",
		Usage:   "Manage walb log and data volumes",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML file with device settings",
				EnvVars: []string{"WALB_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				EnvVars: []string{"WALB_LOG_LEVEL"},
			},
		},
		Before: func(cliCtx *cli.Context) error {
			return log.SetLevel(cliCtx.String("log-level"))
		},
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Write a fresh superblock and snapshot area to a log volume",
				ArgsUsage: volumeArgs,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Device name stored in the superblock"},
				},
				Action: formatVolumes,
			},
			{
				Name:      "info",
				Usage:     "Print the superblock of a log volume as YAML",
				ArgsUsage: "LOG_VOLUME",
				Action:    printSuperblock,
			},
			{
				Name:      "status",
				Usage:     "Print the LSIDs and state of a device as CSV",
				ArgsUsage: volumeArgs,
				Action:    printStatus,
			},
			{
				Name:      "checkpoint",
				Usage:     "Write the current written LSID to the superblock",
				ArgsUsage: volumeArgs,
				Action:    takeCheckpoint,
			},
			{
				Name:      "set-oldest",
				Usage:     "Reclaim log up to an LSID",
				ArgsUsage: volumeArgs + " LSID",
				Action:    setOldest,
			},
			{
				Name:      "resize",
				Usage:     "Grow the device, to the whole data volume if SIZE is omitted",
				ArgsUsage: volumeArgs + " [SIZE]",
				Action:    resizeDevice,
			},
			{
				Name:      "clear-log",
				Usage:     "Discard all log and snapshots and assign a new UUID",
				ArgsUsage: volumeArgs,
				Action:    clearLog,
			},
			{
				Name:  "snapshot",
				Usage: "Manage snapshots",
				Subcommands: []*cli.Command{
					{
						Name:      "list",
						Usage:     "Print snapshots as CSV",
						ArgsUsage: volumeArgs,
						Flags: []cli.Flag{
							&cli.Uint64Flag{Name: "from", Usage: "Lowest LSID to list"},
							&cli.Uint64Flag{Name: "to", Usage: "List LSIDs below this one", Value: maxListLSID},
						},
						Action: listSnapshots,
					},
					{
						Name:      "create",
						Usage:     "Add a snapshot",
						ArgsUsage: volumeArgs + " NAME",
						Flags: []cli.Flag{
							&cli.Uint64Flag{
								Name:  "lsid",
								Usage: "LSID of the snapshot, the completed LSID if omitted",
								Value: unsetLSID,
							},
						},
						Action: createSnapshot,
					},
					{
						Name:      "delete",
						Usage:     "Delete a snapshot by name",
						ArgsUsage: volumeArgs + " NAME",
						Action:    deleteSnapshot,
					},
					{
						Name:      "delete-range",
						Usage:     "Delete every snapshot with FROM <= lsid < TO",
						ArgsUsage: volumeArgs + " FROM TO",
						Action:    deleteSnapshotRange,
					},
					{
						Name:      "get",
						Usage:     "Print one snapshot as CSV",
						ArgsUsage: volumeArgs + " NAME",
						Action:    getSnapshot,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig returns the config named by --config, or the defaults.
func loadConfig(cliCtx *cli.Context) (*device.Config, error) {
	path := cliCtx.String("config")
	if path == "" {
		return device.DefaultConfig(), nil
	}
	return device.LoadConfig(path)
}
