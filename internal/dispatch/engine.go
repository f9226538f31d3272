// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package dispatch drives the requests of one host queue. Every tag of the
// queue is a small state machine which fetches a request from the host,
// translates it, submits the backing I/O to the ring, retries it on EAGAIN
// and commits the result back together with the fetch of the next request.
// All tags of a queue are driven by one go routine calling Run.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// DefaultAttempts is the number of submissions of one backing I/O before
// EAGAIN is reported to the host.
const DefaultAttempts = 4

// MaxAttempts is the number of submissions the attempt counter of a token
// can distinguish. Larger values are clamped.
const MaxAttempts = 1 << 8

// Host requests are always addressed in 512 byte sectors.
const sectorUnit = 512

var ErrNotPrimed = errors.New("queue not primed")

// State of one tag.
type State int

const (
	// No command of the tag is known to the host.
	Idle State = iota
	// FETCH or COMMIT_AND_FETCH is in flight, the host owns the tag.
	Submitted
	// Backing I/O of the current request is in flight.
	AwaitingCompletion
	// Result of the current request is known and waits for the commit.
	Committing
	// The host aborted the tag. Terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitted:
		return "submitted"
	case AwaitingCompletion:
		return "awaiting_completion"
	case Committing:
		return "committing"
	case Stopped:
		return "stopped"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// Descriptor of one host request as the host publishes it for a tag.
type Descriptor struct {
	OpFlags     uint32
	NrSectors   uint32
	StartSector uint64
	Addr        uint64
}

// Op returns the request opcode stored in the low byte of OpFlags.
func (d Descriptor) Op() uint8 {
	return uint8(d.OpFlags & 0xff)
}

// Op is one submission to the ring. The kind of the operation is in
// Token.Op. Offset and Len address the backing file for reads and writes,
// Addr is the tag buffer and Result is the value committed to the host.
type Op struct {
	Token  Token
	Offset uint64
	Addr   uint64
	Len    uint32
	Result int32
}

// Completion is one harvested ring completion.
type Completion struct {
	UserData uint64
	Res      int32
}

// Ring accepts operations and returns their completions. Submit only queues
// the operation, Wait pushes everything queued to the kernel and blocks
// until at least one completion is available.
type Ring interface {
	Submit(op Op) error
	Wait() ([]Completion, error)
}

// Host exposes the per-tag descriptors and buffers of the queue.
type Host interface {
	Descriptor(tag uint16) Descriptor
	Buffer(tag uint16) uint64
}

// Mapper translates a request of count sectors to the byte offset in the
// backing file.
type Mapper interface {
	TranslateRange(sector uint64, count uint32) (uint64, error)
}

// Options to use in NewQueue() function due to high number of parameters.
type Options struct {
	ID       uint16
	Depth    uint16
	Attempts int
	Ring     Ring
	Host     Host
	Mapper   Mapper
}

type tag struct {
	state State
	// Op of the backing I/O in flight, resubmitted on EAGAIN.
	io Op
	// Opcode of the command in flight while Submitted.
	cmd uint8
}

// Queue of tags served by one go routine.
type Queue struct {
	id       uint16
	attempts int
	ring     Ring
	host     Host
	mapper   Mapper
	tags     []tag
	stopped  int
	primed   bool
	log      zerolog.Logger
}

// NewQueue returns queue with all tags Idle.
func NewQueue(o Options) *Queue {
	attempts := o.Attempts
	switch {
	case attempts <= 0:
		attempts = DefaultAttempts
	case attempts > MaxAttempts:
		attempts = MaxAttempts
	}

	return &Queue{
		id:       o.ID,
		attempts: attempts,
		ring:     o.Ring,
		host:     o.Host,
		mapper:   o.Mapper,
		tags:     make([]tag, o.Depth),
		log:      log.With().Uint16("queue", o.ID).Logger(),
	}
}

// State returns the state of tag t.
func (q *Queue) State(t uint16) State {
	return q.tags[t].state
}

// Prime queues FETCH for every tag. The commands reach the kernel with the
// first Wait of the ring, so the caller can prime all queues before the
// device is started.
func (q *Queue) Prime() error {
	for t := range q.tags {
		if err := q.fetch(uint16(t), OpFetch, 0); err != nil {
			return err
		}
	}

	q.primed = true

	return nil
}

// Run serves requests until all tags are stopped by the host. Per request
// errors are reported to the host, only ring failures end the loop early.
func (q *Queue) Run() error {
	if !q.primed {
		return ErrNotPrimed
	}

	for q.stopped < len(q.tags) {
		completions, err := q.ring.Wait()
		if err != nil {
			return fmt.Errorf("queue %d: waiting for completions: %w", q.id, err)
		}

		for _, c := range completions {
			if err := q.complete(c); err != nil {
				return fmt.Errorf("queue %d: %w", q.id, err)
			}
		}
	}

	q.log.Debug().Msg("All tags stopped")

	return nil
}

// Dispatches the completion to the state machine of its tag.
func (q *Queue) complete(c Completion) error {
	tok := DecodeToken(c.UserData)

	if int(tok.Tag) >= len(q.tags) || !q.expects(tok) {
		q.log.Warn().Uint64("user_data", c.UserData).Int32("res", c.Res).Msg("Ignoring stale completion")
		return nil
	}

	if isCommand(tok.Op) {
		return q.fetched(tok.Tag, c.Res)
	}

	return q.ioDone(tok.Tag, c.Res)
}

// Whether tok is the operation the tag is waiting for.
func (q *Queue) expects(tok Token) bool {
	t := &q.tags[tok.Tag]

	switch t.state {
	case Submitted:
		return tok.Op == t.cmd && tok.Attempt == 0
	case AwaitingCompletion:
		return tok == t.io.Token
	}

	return false
}

// Result of FETCH or COMMIT_AND_FETCH. Zero means a new request is in the
// descriptor, anything else means the host does not want the tag anymore.
func (q *Queue) fetched(t uint16, res int32) error {
	if res != 0 {
		q.tags[t].state = Stopped
		q.stopped++

		if res == -int32(unix.ENODEV) {
			q.log.Debug().Uint16("tag", t).Msg("Tag aborted")
		} else {
			q.log.Warn().Uint16("tag", t).Int32("res", res).Msg("Tag stopped by unexpected fetch result")
		}

		return nil
	}

	return q.handle(t, q.host.Descriptor(t))
}

// Validates and translates the request in the descriptor and submits its
// backing I/O.
func (q *Queue) handle(t uint16, d Descriptor) error {
	op := d.Op()

	q.log.Trace().Uint16("tag", t).Str("op", opName(op)).Uint64("sector", d.StartSector).Uint32("sectors", d.NrSectors).Msg("Request")

	io := Op{Token: Token{Tag: t, Op: op}}

	switch op {
	case OpFlush:
	case OpRead, OpWrite:
		off, err := q.mapper.TranslateRange(d.StartSector, d.NrSectors)
		if err != nil {
			q.log.Debug().Uint16("tag", t).Err(err).Msg("Request out of range")
			return q.commit(t, -int32(unix.EINVAL))
		}
		io.Offset = off
		io.Len = d.NrSectors * sectorUnit
		io.Addr = q.host.Buffer(t)
	default:
		q.log.Debug().Uint16("tag", t).Uint8("op", op).Msg("Unsupported opcode")
		return q.commit(t, -int32(unix.EINVAL))
	}

	q.tags[t].state = AwaitingCompletion

	return q.submitIO(t, io)
}

// Result of the backing I/O. EAGAIN is retried until the attempts run out,
// everything else goes to the host verbatim.
func (q *Queue) ioDone(t uint16, res int32) error {
	tg := &q.tags[t]

	if res == -int32(unix.EAGAIN) && int(tg.io.Token.Attempt)+1 < q.attempts {
		io := tg.io
		io.Token.Attempt++
		q.log.Debug().Uint16("tag", t).Uint8("attempt", io.Token.Attempt).Msg("Retrying backing I/O")
		return q.submitIO(t, io)
	}

	q.log.Trace().Uint16("tag", t).Int32("res", res).Msg("Backing I/O done")

	return q.commit(t, res)
}

func (q *Queue) submitIO(t uint16, io Op) error {
	q.tags[t].io = io

	if err := q.ring.Submit(io); err != nil {
		return fmt.Errorf("submitting %s of tag %d: %w", opName(io.Token.Op), t, err)
	}

	return nil
}

// Passes the result to the host together with the fetch of the next request.
func (q *Queue) commit(t uint16, res int32) error {
	q.tags[t].state = Committing

	return q.fetch(t, OpCommitAndFetch, res)
}

func (q *Queue) fetch(t uint16, cmd uint8, res int32) error {
	tg := &q.tags[t]

	err := q.ring.Submit(Op{
		Token:  Token{Tag: t, Op: cmd},
		Addr:   q.host.Buffer(t),
		Result: res,
	})
	if err != nil {
		return fmt.Errorf("submitting %s of tag %d: %w", opName(cmd), t, err)
	}

	tg.state = Submitted
	tg.cmd = cmd

	return nil
}
