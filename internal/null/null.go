// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"github.com/asch/vblock/internal/dispatch"
)

// Null implementation of dispatch.Ring. Usefull for measuring performance of
// underlying ublk driver and the dispatch engine. Otherwise useless. Host
// commands are passed to the wrapped ring, reads, writes and flushes
// succeed immediately without touching any data.
type null struct {
	ring dispatch.Ring
	done []dispatch.Completion
}

// Wrap returns ring which serves requests itself and passes only host
// commands to ring.
func Wrap(ring dispatch.Ring) dispatch.Ring {
	return &null{ring: ring}
}

func (n *null) Submit(op dispatch.Op) error {
	switch op.Token.Op {
	case dispatch.OpFetch, dispatch.OpCommitAndFetch:
		return n.ring.Submit(op)
	}

	n.done = append(n.done, dispatch.Completion{
		UserData: op.Token.Encode(),
		Res:      int32(op.Len),
	})

	return nil
}

// Wait returns the immediate completions first. Host commands queued
// meanwhile reach the wrapped ring with its next Wait.
func (n *null) Wait() ([]dispatch.Completion, error) {
	if len(n.done) > 0 {
		done := n.done
		n.done = nil
		return done, nil
	}

	return n.ring.Wait()
}
