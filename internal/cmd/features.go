// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/google/subcommands"

	"github.com/asch/vblock/internal/ublk"
)

// Features implements subcommands.Command for the "features" command.
type Features struct{}

// Name implements subcommands.Command.Name.
func (*Features) Name() string {
	return "features"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Features) Synopsis() string {
	return "print features supported by the ublk driver"
}

// Usage implements subcommands.Command.Usage.
func (*Features) Usage() string {
	return "features - print feature bitmask of the driver.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Features) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Features) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	ctrl, err := ublk.OpenControl()
	if err != nil {
		return failure(err)
	}
	defer ctrl.Close()

	features, err := ctrl.Features()
	if err != nil {
		return failure(err)
	}

	fmt.Fprintf(out, "%#x %s\n", features, strings.Join(ublk.FeatureNames(features), " "))

	return subcommands.ExitSuccess
}
