// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"context"
	"errors"
	"flag"

	"github.com/google/subcommands"
	"github.com/rs/zerolog/log"

	"github.com/asch/vblock/internal/config"
	"github.com/asch/vblock/internal/ublk"
)

// Del implements subcommands.Command for the "del" command.
type Del struct {
	number int
}

// Name implements subcommands.Command.Name.
func (*Del) Name() string {
	return "del"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Del) Synopsis() string {
	return "stop and delete a block device"
}

// Usage implements subcommands.Command.Usage.
func (*Del) Usage() string {
	return "del -number N - stop and delete device N.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Del) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.number, "number", config.Cfg.Device, "device number")
}

// Execute implements subcommands.Command.Execute.
func (d *Del) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	if d.number < 0 {
		return failure(errors.New("device number required"))
	}
	id := uint32(d.number)

	ctrl, err := ublk.OpenControl()
	if err != nil {
		return failure(err)
	}
	defer ctrl.Close()

	// A device which is not started cannot be stopped, it can still be
	// deleted.
	if err := ctrl.Stop(id); err != nil {
		log.Debug().Err(err).Send()
	}

	if err := ctrl.Delete(id); err != nil {
		return failure(err)
	}

	if err := ublk.RemoveDescriptor(config.Cfg.RunDir, id); err != nil {
		log.Warn().Err(err).Send()
	}

	log.Info().Msgf("Deleted ublk%d", id)

	return subcommands.ExitSuccess
}
