// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require.NoError(t, Configure(filepath.Join(t.TempDir(), "missing.toml")))

	assert.Equal(t, -1, Cfg.Device)
	assert.Equal(t, 1, Cfg.Queues)
	assert.Equal(t, 128, Cfg.QueueDepth)
	assert.Equal(t, 512*1024, Cfg.MaxIOSize)
	assert.Equal(t, 4, Cfg.Attempts)
	assert.Equal(t, int64(-1), Cfg.VBlock)
	assert.Equal(t, 4096, Cfg.Cluster.BlockSize)
	assert.Equal(t, 256, Cfg.Cluster.Blocks)
	assert.Equal(t, 1, Cfg.Cluster.Reserved)
	assert.Equal(t, int64(8<<30), Cfg.NullSize)
	assert.False(t, Cfg.S3.Enabled)
}

func TestFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
queues = 4
target = "/dev/sdb"

[cluster]
block_size = 512
blocks = 64
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("VBLOCK_QUEUES", "2")
	t.Setenv("VBLOCK_S3_BUCKET", "images")

	require.NoError(t, Configure(path))

	assert.Equal(t, 2, Cfg.Queues)
	assert.Equal(t, "/dev/sdb", Cfg.Target)
	assert.Equal(t, 512, Cfg.Cluster.BlockSize)
	assert.Equal(t, 64, Cfg.Cluster.Blocks)
	assert.Equal(t, "images", Cfg.S3.Bucket)
}

func TestInvalid(t *testing.T) {
	t.Setenv("VBLOCK_ATTEMPTS", "0")
	assert.Error(t, Configure(filepath.Join(t.TempDir(), "missing.toml")))
}

func TestUsage(t *testing.T) {
	var b bytes.Buffer
	Usage(&b)

	assert.Contains(t, b.String(), "VBLOCK_QUEUEDEPTH")
	assert.Contains(t, b.String(), "VBLOCK_S3_BUCKET")
}
