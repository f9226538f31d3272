// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/rs/zerolog/log"

	"github.com/asch/vblock/internal/config"
	"github.com/asch/vblock/internal/ublk"
)

// List implements subcommands.Command for the "list" command.
type List struct{}

// Name implements subcommands.Command.Name.
func (*List) Name() string {
	return "list"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*List) Synopsis() string {
	return "list devices served by vblock"
}

// Usage implements subcommands.Command.Usage.
func (*List) Usage() string {
	return "list - list served devices and their state.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*List) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*List) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	descs, err := ublk.ReadDescriptors(config.Cfg.RunDir)
	if err != nil {
		return failure(err)
	}

	// Without the driver the descriptors are still worth printing.
	ctrl, err := ublk.OpenControl()
	if err != nil {
		log.Warn().Err(err).Msg("Device states unavailable")
	} else {
		defer ctrl.Close()
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tDEVICE\tSTATE\tPID\tQUEUES\tDEPTH\tSECTORS\tBACKEND")
	for _, d := range descs {
		state := "unknown"
		if ctrl != nil {
			if info, err := ctrl.Info(d.ID); err == nil {
				state = ublk.StateName(info.State)
			} else {
				log.Debug().Err(err).Send()
			}
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n", d.ID, d.BlockDevice, state, d.PID, d.Queues, d.Depth, d.Sectors, backendName(d))
	}

	if err := w.Flush(); err != nil {
		return failure(err)
	}

	return subcommands.ExitSuccess
}

func backendName(d ublk.Descriptor) string {
	switch {
	case d.Target == "":
		return "null"
	case d.VBlock != nil:
		return fmt.Sprintf("%s vblock %d", d.Target, *d.VBlock)
	}

	return d.Target
}
