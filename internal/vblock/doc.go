// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// vblock manages virtual block devices carved out of one backing target. The
// target is split into clusters, the first clusters hold the master block
// which records every vblock and its extents. vblocks are allocated eagerly,
// i.e. all clusters are assigned at creation time and never move.
//
// The package ties the parts together. master keeps the directory and the
// free space, mapproxy serializes mutations of it, sectormap translates
// sectors of a vblock to the backing target and checkpoint mirrors the
// master block to an object store.
package vblock
