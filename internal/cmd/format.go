// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/asch/vblock/internal/vblock"
)

// Format implements subcommands.Command for the "format" command.
type Format struct {
	target string
	force  bool
}

// Name implements subcommands.Command.Name.
func (*Format) Name() string {
	return "format"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Format) Synopsis() string {
	return "write an empty master block to a target"
}

// Usage implements subcommands.Command.Usage.
func (*Format) Usage() string {
	return `format -target PATH [-force] - initialize the target for vblocks.

An existing master block is kept unless -force is given.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Format) SetFlags(f *flag.FlagSet) {
	targetFlag(f, &c.target)
	f.BoolVar(&c.force, "force", false, "overwrite an existing master block")
}

// Execute implements subcommands.Command.Execute.
func (c *Format) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	if c.target == "" {
		return failure(errors.New("no target given"))
	}

	o, err := volumeOptions()
	if err != nil {
		return failure(err)
	}

	v, err := vblock.Format(c.target, o, c.force)
	if err != nil {
		return failure(err)
	}
	defer v.Close()

	size, reserved, _ := v.Usage()
	fmt.Fprintf(out, "%s: %d clusters of %d bytes, %d reserved\n", c.target, size, o.Geometry.ClusterBytes(), reserved)

	return subcommands.ExitSuccess
}
