// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"fmt"
	"io"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	DefaultConfig = "/etc/vblock/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Device     int    `toml:"device" env:"VBLOCK_DEVICE" env-default:"-1" env-description:"Device number. Decimal part of /dev/ublkb%d, -1 lets the driver pick one."`
	Queues     int    `toml:"queues" env:"VBLOCK_QUEUES" env-default:"1" env-description:"Number of hardware queues, each served by its own thread."`
	QueueDepth int    `toml:"queue_depth" env:"VBLOCK_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`
	MaxIOSize  int    `toml:"max_io_size" env:"VBLOCK_MAXIOSIZE" env-default:"512" env-description:"Max size of one request in KB."`
	Attempts   int    `toml:"attempts" env:"VBLOCK_ATTEMPTS" env-default:"4" env-description:"Submissions of a backing IO returning EAGAIN before the error is reported."`
	Target     string `toml:"target" env:"VBLOCK_TARGET" env-default:"" env-description:"Backing file or block device."`
	VBlock     int64  `toml:"vblock" env:"VBLOCK_VBLOCK" env-default:"-1" env-description:"Served vblock id, -1 exposes the whole target."`
	Null       bool   `toml:"null" env:"VBLOCK_NULL" env-default:"false" env-description:"Use null backend, i.e. immediate acknowledge to read or write. For testing ublk raw performance."`
	NullSize   int64  `toml:"null_size" env:"VBLOCK_NULLSIZE" env-default:"8" env-description:"Size of the null device in GB."`
	RunDir     string `toml:"run_dir" env:"VBLOCK_RUNDIR" env-default:"/run/vblock" env-description:"Directory with descriptors of served devices."`

	Cluster struct {
		BlockSize int `toml:"block_size" env:"VBLOCK_CLUSTER_BLOCKSIZE" env-default:"4096" env-description:"Block size."`
		Blocks    int `toml:"blocks" env:"VBLOCK_CLUSTER_BLOCKS" env-default:"256" env-description:"Blocks per cluster."`
		Reserved  int `toml:"reserved" env:"VBLOCK_CLUSTER_RESERVED" env-default:"1" env-description:"Clusters reserved for the master block."`
	} `toml:"cluster"`

	S3 struct {
		Enabled   bool   `toml:"enabled" env:"VBLOCK_S3_ENABLED" env-description:"Mirror master blocks to S3." env-default:"false"`
		Bucket    string `toml:"bucket" env:"VBLOCK_S3_BUCKET" env-description:"S3 Bucket name." env-default:"vblock"`
		Remote    string `toml:"remote" env:"VBLOCK_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"VBLOCK_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"VBLOCK_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"VBLOCK_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Name      string `toml:"name" env:"VBLOCK_S3_NAME" env-description:"Name of the target in the bucket. Base name of the target when empty." env-default:""`
	} `toml:"s3"`

	Log struct {
		Level  int  `toml:"level" env:"VBLOCK_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"VBLOCK_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"VBLOCK_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"VBLOCK_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads the configuration file at path and the environment
// variables. The configuration file has the lower priotiry and the
// environment variables have the highest priority. It is perfetcly to fine
// to use just one of these or to combine them.
func Configure(path string) error {
	Cfg = Config{ConfigPath: path}
	if err := parse(&Cfg); err != nil {
		return err
	}

	return Cfg.validate()
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing.
func parse(cfg *Config) error {
	if err := cleanenv.ReadConfig(cfg.ConfigPath, cfg); err != nil {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return err
		}
	}

	cfg.MaxIOSize *= 1024
	cfg.NullSize *= 1024 * 1024 * 1024

	if cfg.Cluster.BlockSize != 512 {
		cfg.Cluster.BlockSize = 4096
	}

	return nil
}

func (c *Config) validate() error {
	switch {
	case c.Queues < 1 || c.Queues > 4096:
		return fmt.Errorf("invalid number of queues %d", c.Queues)
	case c.QueueDepth < 1 || c.QueueDepth > 4096:
		return fmt.Errorf("invalid queue depth %d", c.QueueDepth)
	case c.Attempts < 1 || c.Attempts > 255:
		return fmt.Errorf("invalid number of attempts %d", c.Attempts)
	case c.Cluster.Blocks < 1 || c.Cluster.Reserved < 1:
		return fmt.Errorf("invalid cluster geometry %d blocks, %d reserved", c.Cluster.Blocks, c.Cluster.Reserved)
	}

	return nil
}

// Usage writes the description of all configuration options to w.
func Usage(w io.Writer) {
	var cfg Config
	cleanenv.FUsage(w, &cfg, nil, func() {
		fmt.Fprintf(w, "Configuration file %s, overriden by environment variables.\n", DefaultConfig)
	})()
}
