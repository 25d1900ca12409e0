package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ufi/internal/backend"
)

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the devices visible to the selected backend",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			drv, err := backend.Open(backendName, backend.Options{Devices: max(devices, 1), Arch: emuArch})
			if err != nil {
				return err
			}
			n, err := drv.DeviceCount()
			if err != nil {
				return fmt.Errorf("device count: %w", err)
			}

			fmt.Printf("backend: %s (available: %s)\n", drv.Name(), backend.Available())
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ORDINAL\tCOMPUTE")
			for i := range n {
				major, minor, err := drv.ComputeCapability(i)
				if err != nil {
					return fmt.Errorf("device %d: %w", i, err)
				}
				_, _ = fmt.Fprintf(tw, "%d\tsm_%d%d\n", i, major, minor)
			}
			return tw.Flush()
		},
	}
}
