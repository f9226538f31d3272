// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// vblock is a userspace daemon using ublk for creating block devices backed
// by a file or a block device. The backing target can be split into vblocks,
// virtual block devices with eagerly allocated clusters, which are served
// independently.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/cmd contains the subcommands.
//
// - internal/ublk talks to the ublk driver and serves the device queues,
// internal/uring is the io_uring used for it and internal/dispatch is the
// per queue request state machine.
//
// - internal/vblock contains all packages related to the vblock management.
// See the package descriptions in the source code for more details.
//
// - internal/null contains trivial implementation of block device which does
// nothing but correctly. It can be used for benchmarking underlying ublk
// driver. The null implementation is part of vblock because it shares
// configuration and makes benchmarking easier and without code duplication.
//
// - internal/config contains configuration package which is common for all
// commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/google/subcommands"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/vblock/internal/cmd"
	"github.com/asch/vblock/internal/config"
)

// Parse configuration from file and environment variables and run the
// requested subcommand.
func main() {
	configPath := flag.String("c", config.DefaultConfig, "Path to configuration file")
	flag.Usage = cleanenv.FUsage(flag.CommandLine.Output(), &config.Cfg, nil, func() {
		subcommands.DefaultCommander.Explain(flag.CommandLine.Output())
	})
	cmd.Register()
	flag.Parse()

	err := config.Configure(*configPath)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
