// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package cmd holds implementations of the vblock subcommands.
package cmd

import (
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/rs/zerolog/log"

	"github.com/asch/vblock/internal/config"
	"github.com/asch/vblock/internal/vblock"
	"github.com/asch/vblock/internal/vblock/checkpoint"
	"github.com/asch/vblock/internal/vblock/checkpoint/s3"
	"github.com/asch/vblock/internal/vblock/master"
)

// Output of the listing commands.
var out io.Writer = os.Stdout

// Register registers all commands of this package to the default commander.
func Register() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")

	const device = "device"
	subcommands.Register(new(Add), device)
	subcommands.Register(new(Del), device)
	subcommands.Register(new(List), device)
	subcommands.Register(new(Features), device)

	const volume = "vblock"
	subcommands.Register(new(Format), volume)
	subcommands.Register(new(VCreate), volume)
	subcommands.Register(new(VDelete), volume)
	subcommands.Register(new(VList), volume)

	subcommands.Register(new(Env), "")
}

// Logs the error and returns failure status.
func failure(err error) subcommands.ExitStatus {
	log.Error().Err(err).Send()
	return subcommands.ExitFailure
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
}

// Flag of the backing target shared by vblock management commands.
func targetFlag(f *flag.FlagSet, target *string) {
	f.StringVar(target, "target", config.Cfg.Target, "backing file or block device")
}

func geometry() master.Geometry {
	return master.Geometry{
		BlockSize:     uint32(config.Cfg.Cluster.BlockSize),
		ClusterBlocks: uint32(config.Cfg.Cluster.Blocks),
	}
}

// Returns options for opening a volume according to the configuration. The
// S3 mirror is created only when enabled.
func volumeOptions() (vblock.Options, error) {
	o := vblock.Options{
		Geometry:   geometry(),
		Reserved:   uint32(config.Cfg.Cluster.Reserved),
		MirrorName: config.Cfg.S3.Name,
	}

	if !config.Cfg.S3.Enabled {
		return o, nil
	}

	mirror, err := newMirror()
	if err != nil {
		return o, fmt.Errorf("connecting to the mirror: %w", err)
	}
	o.Mirror = mirror

	return o, nil
}

func newMirror() (checkpoint.Store, error) {
	return s3.New(s3.Options{
		Remote:    config.Cfg.S3.Remote,
		Region:    config.Cfg.S3.Region,
		Bucket:    config.Cfg.S3.Bucket,
		AccessKey: config.Cfg.S3.AccessKey,
		SecretKey: config.Cfg.S3.SecretKey,
	})
}

func openVolume(target string) (*vblock.Volume, error) {
	if target == "" {
		return nil, fmt.Errorf("no target given")
	}

	o, err := volumeOptions()
	if err != nil {
		return nil, err
	}

	return vblock.Open(target, o)
}
