// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dispatch

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/asch/vblock/internal/vblock/sectormap"
)

const (
	eagain = -int32(unix.EAGAIN)
	einval = -int32(unix.EINVAL)
	eio    = -int32(unix.EIO)
	enodev = -int32(unix.ENODEV)
)

// Host with a script of requests per tag. A fetch of a tag without
// remaining requests is aborted.
type fakeHost struct {
	script  map[uint16][]Descriptor
	current map[uint16]Descriptor
}

func newFakeHost(script map[uint16][]Descriptor) *fakeHost {
	return &fakeHost{script: script, current: map[uint16]Descriptor{}}
}

func (h *fakeHost) Descriptor(tag uint16) Descriptor {
	return h.current[tag]
}

func (h *fakeHost) Buffer(tag uint16) uint64 {
	return 0x10000 * (uint64(tag) + 1)
}

type commit struct {
	Tag    uint16
	Result int32
}

// Ring completing every submission at the next Wait. Backing I/O results
// come from the backing function.
type fakeRing struct {
	host      *fakeHost
	backing   func(op Op) int32
	pending   []Completion
	submitted []Op
	commits   []commit
}

func (r *fakeRing) Submit(op Op) error {
	r.submitted = append(r.submitted, op)

	res := int32(0)

	switch op.Token.Op {
	case OpCommitAndFetch:
		r.commits = append(r.commits, commit{op.Token.Tag, op.Result})
		fallthrough
	case OpFetch:
		reqs := r.host.script[op.Token.Tag]
		if len(reqs) == 0 {
			res = enodev
			break
		}
		r.host.current[op.Token.Tag] = reqs[0]
		r.host.script[op.Token.Tag] = reqs[1:]
	default:
		res = r.backing(op)
	}

	r.pending = append(r.pending, Completion{UserData: op.Token.Encode(), Res: res})

	return nil
}

func (r *fakeRing) Wait() ([]Completion, error) {
	if len(r.pending) == 0 {
		return nil, errors.New("nothing in flight")
	}

	c := r.pending
	r.pending = nil

	return c, nil
}

// Backing I/O submissions of the given opcode.
func (r *fakeRing) ios(op uint8) []Op {
	var ops []Op
	for _, o := range r.submitted {
		if o.Token.Op == op {
			ops = append(ops, o)
		}
	}
	return ops
}

func read(sector uint64, sectors uint32) Descriptor {
	return Descriptor{OpFlags: uint32(OpRead), StartSector: sector, NrSectors: sectors}
}

func succeed(op Op) int32 {
	return int32(op.Len)
}

func runQueue(t *testing.T, depth uint16, script map[uint16][]Descriptor, backing func(Op) int32) (*Queue, *fakeRing) {
	t.Helper()

	ring := &fakeRing{host: newFakeHost(script), backing: backing}
	q := NewQueue(Options{
		ID:     0,
		Depth:  depth,
		Ring:   ring,
		Host:   ring.host,
		Mapper: sectormap.Linear(1<<20, 1024, 512),
	})

	require.NoError(t, q.Prime())
	require.NoError(t, q.Run())

	for tag := uint16(0); tag < depth; tag++ {
		assert.Equal(t, Stopped, q.State(tag))
	}

	return q, ring
}

func TestTokenEncoding(t *testing.T) {
	tok := Token{Tag: 0x1234, Op: OpCommitAndFetch, Attempt: 3}

	assert.Equal(t, uint64(0x03211234), tok.Encode())
	assert.Equal(t, tok, DecodeToken(tok.Encode()))
	assert.Equal(t, tok, DecodeToken(tok.Encode()|0xffff_0000_0000_0000))
}

func TestReadCommitsByteCount(t *testing.T) {
	_, ring := runQueue(t, 1, map[uint16][]Descriptor{0: {read(8, 8)}}, succeed)

	reads := ring.ios(OpRead)
	require.Len(t, reads, 1)
	assert.Equal(t, uint64(1<<20+8*512), reads[0].Offset)
	assert.Equal(t, uint32(8*512), reads[0].Len)
	assert.Equal(t, uint64(0x10000), reads[0].Addr)

	assert.Equal(t, []commit{{0, 4096}}, ring.commits)
}

func TestEagainRetryBound(t *testing.T) {
	script := map[uint16][]Descriptor{0: {
		read(0, 8),
		{OpFlags: uint32(OpFlush)},
	}}

	_, ring := runQueue(t, 1, script, func(op Op) int32 {
		if op.Token.Op == OpRead {
			return eagain
		}
		return 0
	})

	reads := ring.ios(OpRead)
	require.Len(t, reads, DefaultAttempts)
	for i, r := range reads {
		assert.Equal(t, uint8(i), r.Token.Attempt)
		assert.Equal(t, reads[0].Offset, r.Offset)
	}

	// After exhaustion the tag goes on with its next request.
	assert.Len(t, ring.ios(OpFlush), 1)
	assert.Equal(t, []commit{{0, eagain}, {0, 0}}, ring.commits)
}

func TestEagainRecovers(t *testing.T) {
	failures := 2

	_, ring := runQueue(t, 1, map[uint16][]Descriptor{0: {read(0, 1)}}, func(op Op) int32 {
		if failures > 0 {
			failures--
			return eagain
		}
		return succeed(op)
	})

	assert.Len(t, ring.ios(OpRead), 3)
	assert.Equal(t, []commit{{0, 512}}, ring.commits)
}

func TestConfiguredAttempts(t *testing.T) {
	ring := &fakeRing{
		host:    newFakeHost(map[uint16][]Descriptor{0: {read(0, 1)}}),
		backing: func(Op) int32 { return eagain },
	}
	q := NewQueue(Options{Depth: 1, Attempts: 2, Ring: ring, Host: ring.host, Mapper: sectormap.Linear(0, 16, 512)})

	require.NoError(t, q.Prime())
	require.NoError(t, q.Run())

	assert.Len(t, ring.ios(OpRead), 2)
	assert.Equal(t, []commit{{0, eagain}}, ring.commits)
}

func TestAttemptsAreClamped(t *testing.T) {
	ring := &fakeRing{
		host:    newFakeHost(map[uint16][]Descriptor{0: {read(0, 1)}}),
		backing: func(Op) int32 { return eagain },
	}
	q := NewQueue(Options{Depth: 1, Attempts: 1000, Ring: ring, Host: ring.host, Mapper: sectormap.Linear(0, 16, 512)})

	require.NoError(t, q.Prime())
	require.NoError(t, q.Run())

	reads := ring.ios(OpRead)
	require.Len(t, reads, MaxAttempts)
	assert.Equal(t, uint8(MaxAttempts-1), reads[len(reads)-1].Token.Attempt)
	assert.Equal(t, []commit{{0, eagain}}, ring.commits)
}

func TestOtherErrorsAreNotRetried(t *testing.T) {
	_, ring := runQueue(t, 1, map[uint16][]Descriptor{0: {read(0, 1)}}, func(Op) int32 { return eio })

	assert.Len(t, ring.ios(OpRead), 1)
	assert.Equal(t, []commit{{0, eio}}, ring.commits)
}

func TestUnsupportedOpcode(t *testing.T) {
	called := 0
	_, ring := runQueue(t, 1, map[uint16][]Descriptor{0: {{OpFlags: 5}}}, func(Op) int32 {
		called++
		return 0
	})

	assert.Zero(t, called)
	assert.Equal(t, []commit{{0, einval}}, ring.commits)
}

func TestOutOfRange(t *testing.T) {
	called := 0
	script := map[uint16][]Descriptor{0: {
		read(1024, 1),
		{OpFlags: uint32(OpWrite), StartSector: 1020, NrSectors: 8},
	}}

	_, ring := runQueue(t, 1, script, func(Op) int32 {
		called++
		return 0
	})

	assert.Zero(t, called)
	assert.Equal(t, []commit{{0, einval}, {0, einval}}, ring.commits)
}

func TestFlushIsNotTranslated(t *testing.T) {
	_, ring := runQueue(t, 1, map[uint16][]Descriptor{0: {{OpFlags: uint32(OpFlush), StartSector: 1 << 40}}}, func(Op) int32 { return 0 })

	assert.Len(t, ring.ios(OpFlush), 1)
	assert.Equal(t, []commit{{0, 0}}, ring.commits)
}

func TestAbortStopsTags(t *testing.T) {
	q, ring := runQueue(t, 4, map[uint16][]Descriptor{}, succeed)

	assert.Len(t, ring.ios(OpFetch), 4)
	assert.Empty(t, ring.commits)
	assert.Equal(t, "stopped", q.State(3).String())
}

func TestTagsAreSequencedIndependently(t *testing.T) {
	script := map[uint16][]Descriptor{
		0: {read(0, 1), read(1, 1), read(2, 1)},
		1: {read(10, 2)},
		3: {{OpFlags: uint32(OpWrite), StartSector: 20, NrSectors: 4}, {OpFlags: 9}},
	}

	_, ring := runQueue(t, 4, script, succeed)

	perTag := map[uint16][]int32{}
	for _, c := range ring.commits {
		perTag[c.Tag] = append(perTag[c.Tag], c.Result)
	}

	want := map[uint16][]int32{
		0: {512, 512, 512},
		1: {1024},
		3: {2048, einval},
	}
	if diff := cmp.Diff(want, perTag); diff != "" {
		t.Errorf("commits per tag mismatch (-want +got):\n%s", diff)
	}
}

// Ring which first delivers a completion nobody waits for.
type staleRing struct {
	*fakeRing
	delivered bool
}

func (r *staleRing) Wait() ([]Completion, error) {
	c, err := r.fakeRing.Wait()
	if !r.delivered {
		r.delivered = true
		stale := Token{Tag: 0, Op: OpRead, Attempt: 7}
		bogus := Token{Tag: 99, Op: OpFetch}
		c = append([]Completion{{UserData: stale.Encode()}, {UserData: bogus.Encode()}}, c...)
	}
	return c, err
}

func TestStaleCompletionsAreIgnored(t *testing.T) {
	inner := &fakeRing{host: newFakeHost(map[uint16][]Descriptor{0: {read(0, 1)}}), backing: succeed}
	ring := &staleRing{fakeRing: inner}
	q := NewQueue(Options{Depth: 1, Ring: ring, Host: inner.host, Mapper: sectormap.Linear(0, 16, 512)})

	require.NoError(t, q.Prime())
	require.NoError(t, q.Run())

	assert.Equal(t, []commit{{0, 512}}, inner.commits)
}

func TestRunRequiresPrime(t *testing.T) {
	q := NewQueue(Options{Depth: 1})
	assert.True(t, errors.Is(q.Run(), ErrNotPrimed))
	assert.Equal(t, Idle, q.State(0))
}
