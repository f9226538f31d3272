// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"context"
	"flag"

	"github.com/google/subcommands"

	"github.com/asch/vblock/internal/config"
)

// Env implements subcommands.Command for the "env" command.
type Env struct{}

// Name implements subcommands.Command.Name.
func (*Env) Name() string {
	return "env"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Env) Synopsis() string {
	return "print configuration options and their environment variables"
}

// Usage implements subcommands.Command.Usage.
func (*Env) Usage() string {
	return "env - print configuration reference.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Env) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Env) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	config.Usage(out)
	return subcommands.ExitSuccess
}
