// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package null

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/asch/vblock/internal/dispatch"
	"github.com/asch/vblock/internal/vblock/sectormap"
)

// Host side ring which hands out a fixed number of requests per tag and
// aborts the tag afterwards.
type hostRing struct {
	left    int
	req     dispatch.Descriptor
	ops     []dispatch.Op
	commits []int32
	pending []dispatch.Completion
}

func (h *hostRing) Submit(op dispatch.Op) error {
	h.ops = append(h.ops, op)
	if op.Token.Op == dispatch.OpCommitAndFetch {
		h.commits = append(h.commits, op.Result)
	}

	res := int32(0)
	if h.left == 0 {
		res = -int32(unix.ENODEV)
	} else {
		h.left--
	}

	h.pending = append(h.pending, dispatch.Completion{UserData: op.Token.Encode(), Res: res})

	return nil
}

func (h *hostRing) Wait() ([]dispatch.Completion, error) {
	p := h.pending
	h.pending = nil
	return p, nil
}

func (h *hostRing) Descriptor(uint16) dispatch.Descriptor { return h.req }
func (h *hostRing) Buffer(uint16) uint64                  { return 0 }

func TestNullCompletesRequests(t *testing.T) {
	for _, req := range []dispatch.Descriptor{
		{OpFlags: uint32(dispatch.OpRead), StartSector: 8, NrSectors: 8},
		{OpFlags: uint32(dispatch.OpWrite), NrSectors: 1},
		{OpFlags: uint32(dispatch.OpFlush)},
	} {
		host := &hostRing{left: 3, req: req}
		q := dispatch.NewQueue(dispatch.Options{
			Depth:  1,
			Ring:   Wrap(host),
			Host:   host,
			Mapper: sectormap.Linear(0, 64, 512),
		})

		require.NoError(t, q.Prime())
		require.NoError(t, q.Run())

		want := int32(req.NrSectors * 512)
		assert.Equal(t, []int32{want, want, want}, host.commits)

		// Only host commands reached the wrapped ring.
		for _, op := range host.ops {
			assert.Contains(t, []uint8{dispatch.OpFetch, dispatch.OpCommitAndFetch}, op.Token.Op)
		}
	}
}

func TestNullOutOfRange(t *testing.T) {
	host := &hostRing{left: 1, req: dispatch.Descriptor{OpFlags: uint32(dispatch.OpRead), StartSector: 64, NrSectors: 1}}
	q := dispatch.NewQueue(dispatch.Options{Depth: 1, Ring: Wrap(host), Host: host, Mapper: sectormap.Linear(0, 64, 512)})

	require.NoError(t, q.Prime())
	require.NoError(t, q.Run())

	assert.Equal(t, []int32{-int32(unix.EINVAL)}, host.commits)
}
