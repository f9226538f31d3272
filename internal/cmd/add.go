// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/rs/zerolog/log"

	"github.com/asch/vblock/internal/config"
	"github.com/asch/vblock/internal/layout"
	"github.com/asch/vblock/internal/null"
	"github.com/asch/vblock/internal/ublk"
	"github.com/asch/vblock/internal/vblock"
	"github.com/asch/vblock/internal/vblock/master"
	"github.com/asch/vblock/internal/vblock/sectormap"
)

// Layout of the null device.
var nullLayout = layout.Layout{
	LogicalBlockSize:  512,
	PhysicalBlockSize: 4096,
	MinimumIOSize:     512,
}

// Add implements subcommands.Command for the "add" command.
type Add struct {
	number int
	queues int
	depth  int
	target string
	vblock int64
	null   bool
}

// Name implements subcommands.Command.Name.
func (*Add) Name() string {
	return "add"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Add) Synopsis() string {
	return "create a block device and serve it until interrupted"
}

// Usage implements subcommands.Command.Usage.
func (*Add) Usage() string {
	return `add [-number N] [-queues Q] [-depth D] [-target PATH] [-vblock ID] [-null]

Without -vblock the whole target is exposed. Without a target the device
acknowledges all requests without storing anything.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Add) SetFlags(f *flag.FlagSet) {
	f.IntVar(&a.number, "number", config.Cfg.Device, "device number, -1 lets the driver pick one")
	f.IntVar(&a.queues, "queues", config.Cfg.Queues, "number of hardware queues")
	f.IntVar(&a.depth, "depth", config.Cfg.QueueDepth, "depth of every queue")
	f.StringVar(&a.target, "target", config.Cfg.Target, "backing file or block device")
	f.Int64Var(&a.vblock, "vblock", config.Cfg.VBlock, "served vblock, -1 exposes the whole target")
	f.BoolVar(&a.null, "null", config.Cfg.Null, "acknowledge requests without a target")
}

// Backend of the device. Close releases the target.
type backend struct {
	options ublk.Options
	layout  layout.Layout
	sectors uint64
	chunk   uint32
	close   func() error
}

// Prepares the backend of the device before the driver is touched, so that
// unsupported targets leave no device behind.
func (a *Add) backend() (*backend, error) {
	if a.null || a.target == "" {
		sectors := uint64(config.Cfg.NullSize) / sectormap.SectorUnit
		log.Info().Uint64("sectors", sectors).Msg("Serving null device")

		return &backend{
			options: ublk.Options{Wrap: null.Wrap, Mapper: sectormap.Linear(0, sectors, sectormap.SectorUnit)},
			layout:  nullLayout,
			sectors: sectors,
			close:   func() error { return nil },
		}, nil
	}

	if a.vblock < 0 {
		t, err := vblock.OpenTarget(a.target)
		if err != nil {
			return nil, err
		}

		m := t.Linear()

		return &backend{
			options: ublk.Options{Backing: t.File(), Mapper: m, Target: a.target},
			layout:  t.Layout(),
			sectors: m.Sectors(),
			close:   t.Close,
		}, nil
	}

	if a.vblock > math.MaxUint32 {
		return nil, fmt.Errorf("%w: vblock %d", master.ErrNotFound, a.vblock)
	}

	v, err := openVolume(a.target)
	if err != nil {
		return nil, err
	}

	id := uint32(a.vblock)
	m, err := v.Map(id)
	if err != nil {
		v.Close()
		return nil, err
	}

	return &backend{
		options: ublk.Options{Backing: v.File(), Mapper: m, Target: a.target, VBlock: &id},
		layout:  v.Layout(),
		sectors: m.Sectors(),
		chunk:   uint32(geometry().ClusterBytes() / sectormap.SectorUnit),
		close:   v.Close,
	}, nil
}

// Execute implements subcommands.Command.Execute.
func (a *Add) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if a.queues < 1 || a.depth < 1 {
		return failure(errors.New("queues and depth have to be positive"))
	}

	b, err := a.backend()
	if err != nil {
		return failure(err)
	}
	defer b.close()

	o := b.options
	o.ID = ublk.AutoID
	if a.number >= 0 {
		o.ID = uint32(a.number)
	}
	o.Queues = uint16(a.queues)
	o.Depth = uint16(a.depth)
	o.MaxIOSize = uint32(config.Cfg.MaxIOSize)
	o.Attempts = config.Cfg.Attempts
	o.RunDir = config.Cfg.RunDir

	o.Params, err = ublk.NewParams(b.layout, b.sectors, o.MaxIOSize, b.chunk)
	if err != nil {
		return failure(err)
	}

	ctrl, err := ublk.OpenControl()
	if err != nil {
		return failure(err)
	}
	defer ctrl.Close()

	dev, err := ublk.Add(ctrl, o)
	if err != nil {
		return failure(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	registerSigHandlers(dev.ID(), cancel)

	serveErr := dev.Serve(ctx)

	log.Info().Msgf("Removing ublk%d", dev.ID())
	if err := dev.Close(); err != nil {
		return failure(err)
	}

	if serveErr != nil {
		return failure(serveErr)
	}

	return subcommands.ExitSuccess
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(id uint32, cancel context.CancelFunc) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msgf("Received interrupt, stopping ublk%d device!", id)
		cancel()
	}()
}
