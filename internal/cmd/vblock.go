// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"context"
	"flag"
	"fmt"
	"math"

	"github.com/google/subcommands"
	"github.com/rs/zerolog/log"

	"github.com/asch/vblock/internal/vblock/master"
)

// VCreate implements subcommands.Command for the "vcreate" command.
type VCreate struct {
	target   string
	clusters uint
}

// Name implements subcommands.Command.Name.
func (*VCreate) Name() string {
	return "vcreate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*VCreate) Synopsis() string {
	return "create a vblock"
}

// Usage implements subcommands.Command.Usage.
func (*VCreate) Usage() string {
	return "vcreate -target PATH -clusters N - allocate a vblock of N clusters.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *VCreate) SetFlags(f *flag.FlagSet) {
	targetFlag(f, &c.target)
	f.UintVar(&c.clusters, "clusters", 0, "size of the vblock in clusters")
}

// Execute implements subcommands.Command.Execute.
func (c *VCreate) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	if c.clusters > math.MaxUint32 {
		return failure(fmt.Errorf("%w: %d clusters", master.ErrInvalidSize, c.clusters))
	}

	v, err := openVolume(c.target)
	if err != nil {
		return failure(err)
	}
	defer v.Close()

	meta, err := v.Create(uint32(c.clusters))
	if err != nil {
		return failure(err)
	}

	log.Info().Uint32("vblock", meta.ID).Int("extents", len(meta.Extents)).Msg("Created")
	fmt.Fprintln(out, meta.ID)

	return subcommands.ExitSuccess
}

// VDelete implements subcommands.Command for the "vdelete" command.
type VDelete struct {
	target string
	id     uint
}

// Name implements subcommands.Command.Name.
func (*VDelete) Name() string {
	return "vdelete"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*VDelete) Synopsis() string {
	return "delete a vblock"
}

// Usage implements subcommands.Command.Usage.
func (*VDelete) Usage() string {
	return "vdelete -target PATH -id ID - release all clusters of vblock ID.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *VDelete) SetFlags(f *flag.FlagSet) {
	targetFlag(f, &c.target)
	f.UintVar(&c.id, "id", 0, "vblock id")
}

// Execute implements subcommands.Command.Execute.
func (c *VDelete) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	if c.id > math.MaxUint32 {
		return failure(fmt.Errorf("%w: vblock %d", master.ErrNotFound, c.id))
	}

	v, err := openVolume(c.target)
	if err != nil {
		return failure(err)
	}
	defer v.Close()

	if err := v.Delete(uint32(c.id)); err != nil {
		return failure(err)
	}

	log.Info().Uint("vblock", c.id).Msg("Deleted")

	return subcommands.ExitSuccess
}

// VList implements subcommands.Command for the "vlist" command.
type VList struct {
	target string
}

// Name implements subcommands.Command.Name.
func (*VList) Name() string {
	return "vlist"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*VList) Synopsis() string {
	return "list vblocks of a target"
}

// Usage implements subcommands.Command.Usage.
func (*VList) Usage() string {
	return "vlist -target PATH - print all vblocks and the free space.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *VList) SetFlags(f *flag.FlagSet) {
	targetFlag(f, &c.target)
}

// Execute implements subcommands.Command.Execute.
func (c *VList) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	v, err := openVolume(c.target)
	if err != nil {
		return failure(err)
	}
	defer v.Close()

	w := newTable()
	fmt.Fprintln(w, "ID\tCLUSTERS\tEXTENTS")
	for _, meta := range v.List() {
		fmt.Fprintf(w, "%d\t%d\t%s\n", meta.ID, meta.Size, extents(meta.Extents))
	}

	size, reserved, allocated := v.Usage()
	fmt.Fprintf(w, "free\t%d\t\n", size-reserved-allocated)

	if err := w.Flush(); err != nil {
		return failure(err)
	}

	return subcommands.ExitSuccess
}

func extents(es []master.Extent) string {
	s := ""
	for i, e := range es {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d+%d", e.Start, e.Length)
	}

	return s
}
