// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Mapproxy package is a proxy for the master block allocator. It serializes
// all requests coming to the allocator through one go routine, which is the
// only place where the vblock directory and the free space are mutated.
// Callers on any go routine get copies of the allocator state.
package mapproxy

import (
	"errors"

	"github.com/asch/vblock/internal/vblock/master"
)

var ErrClosed = errors.New("allocator proxy closed")

// Allocator is the interface of the master block served by the proxy.
type Allocator interface {
	CreateVBlock(clusters uint32) (master.VBlockMeta, error)
	DeleteVBlock(id uint32) error
	Lookup(id uint32) (master.VBlockMeta, error)
	List() []master.VBlockMeta
	Encode() ([]byte, error)
}

// Proxy to the Allocator. Requests are served strictly in the order in which
// they arrive.
type Proxy struct {
	// Channels for internal communication specific to one type of request.
	createChan chan createRequest
	deleteChan chan deleteRequest
	lookupChan chan lookupRequest
	listChan   chan listRequest
	encodeChan chan encodeRequest

	// Closed when the worker should finish.
	done chan struct{}

	// Closed by the worker when it finished.
	exited chan struct{}
}

// Internal request structures just for wrapping the function calls into the
// channel communication.

type createRequest struct {
	clusters uint32
	reply    chan metaReply
}

type metaReply struct {
	meta master.VBlockMeta
	err  error
}

type deleteRequest struct {
	id    uint32
	reply chan error
}

type lookupRequest struct {
	id    uint32
	reply chan metaReply
}

type listRequest struct {
	reply chan []master.VBlockMeta
}

type encodeRequest struct {
	reply chan encodeReply
}

type encodeReply struct {
	image []byte
	err   error
}

// Returns proxy which can be directly used. It spawns one worker which
// handles all serialized requests until Close is called.
func New(instance Allocator) *Proxy {
	p := &Proxy{
		createChan: make(chan createRequest),
		deleteChan: make(chan deleteRequest),
		lookupChan: make(chan lookupRequest),
		listChan:   make(chan listRequest),
		encodeChan: make(chan encodeRequest),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}

	go p.worker(instance)

	return p
}

// Create a vblock of clusters capacity.
func (p *Proxy) Create(clusters uint32) (master.VBlockMeta, error) {
	reply := make(chan metaReply, 1)
	select {
	case p.createChan <- createRequest{clusters, reply}:
	case <-p.done:
		return master.VBlockMeta{}, ErrClosed
	}

	r := <-reply
	return r.meta, r.err
}

// Delete the vblock id and release its clusters.
func (p *Proxy) Delete(id uint32) error {
	reply := make(chan error, 1)
	select {
	case p.deleteChan <- deleteRequest{id, reply}:
	case <-p.done:
		return ErrClosed
	}

	return <-reply
}

// Lookup returns the metadata of the vblock id.
func (p *Proxy) Lookup(id uint32) (master.VBlockMeta, error) {
	reply := make(chan metaReply, 1)
	select {
	case p.lookupChan <- lookupRequest{id, reply}:
	case <-p.done:
		return master.VBlockMeta{}, ErrClosed
	}

	r := <-reply
	return r.meta, r.err
}

// List returns all vblocks ordered by id.
func (p *Proxy) List() []master.VBlockMeta {
	reply := make(chan []master.VBlockMeta, 1)
	select {
	case p.listChan <- listRequest{reply}:
	case <-p.done:
		return nil
	}

	return <-reply
}

// Encode returns the metadata image of the allocator state at the moment
// the request is served.
func (p *Proxy) Encode() ([]byte, error) {
	reply := make(chan encodeReply, 1)
	select {
	case p.encodeChan <- encodeRequest{reply}:
	case <-p.done:
		return nil, ErrClosed
	}

	r := <-reply
	return r.image, r.err
}

// Close stops the worker and waits until it finishes. Requests issued
// afterwards fail with ErrClosed. It must not be called concurrently with
// itself.
func (p *Proxy) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}

	<-p.exited
}

// Worker is doing the serialization of the requests.
func (p *Proxy) worker(a Allocator) {
	defer close(p.exited)

	for {
		select {
		case r := <-p.createChan:
			meta, err := a.CreateVBlock(r.clusters)
			r.reply <- metaReply{meta, err}

		case r := <-p.deleteChan:
			r.reply <- a.DeleteVBlock(r.id)

		case r := <-p.lookupChan:
			meta, err := a.Lookup(r.id)
			r.reply <- metaReply{meta, err}

		case r := <-p.listChan:
			r.reply <- a.List()

		case r := <-p.encodeChan:
			image, err := a.Encode()
			r.reply <- encodeReply{image, err}

		case <-p.done:
			return
		}
	}
}
