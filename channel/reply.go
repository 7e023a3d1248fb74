package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"kernel/defs"
)

var nextReplyID atomic.Uint64

// replyRegistry stands in for the receiver's capability space inserting
// the in-band-transferred reply capability and handing it back out by
// id; capspace.CapMap's InsertMultiple performs the equivalent
// invisible-insert/make-visible publish for a batch of capabilities.
// Channel keeps its own tiny registry here rather than depending on
// capspace directly, to avoid a channel->capspace->channel import cycle;
// ksyscall wires the two together for real multi-process delivery.
var replyRegistry = newReplyRegistry()

type replyRegistryT struct {
	mu sync.Mutex
	m  map[uint64]*Reply
}

func newReplyRegistry() *replyRegistryT {
	return &replyRegistryT{m: make(map[uint64]*Reply)}
}

func (r *replyRegistryT) put(reply *Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[reply.capID] = reply
}

// take removes and returns the reply registered under id, or nil if it
// was never registered or has already been taken (a reply capability may
// only be consumed once).
func (r *replyRegistryT) take(id uint64) *Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	reply := r.m[id]
	delete(r.m, id)
	return reply
}

// Reply is the single-use capability a SyncCall produces: exactly one
// reply may ever be sent through it, after which it is spent and any
// further attempt fails. It is inserted invisibly into the caller's
// capability space and made visible only once the call's send half has
// fully committed.
type Reply struct {
	capID   uint64
	mu      sync.Mutex
	spent   bool
	replyCh chan Message
}

// NewReply allocates a fresh, unspent Reply and registers it so a remote
// callee can look it up by the id transferred in-band in the call
// message.
func NewReply() *Reply {
	r := &Reply{
		capID:   nextReplyID.Add(1),
		replyCh: make(chan Message, 1),
	}
	replyRegistry.put(r)
	return r
}

// CapID returns the identifier transferred in-band to the callee so it
// can address this reply capability when it calls Send.
func (r *Reply) CapID() uint64 { return r.capID }

// TakeReply looks up and removes the Reply registered under id, the
// hook a receiver's capability space uses to resolve the reply id it
// found in an inbound call message into the capability it can actually
// Send through. Returns nil if id is unknown or has already been taken.
func TakeReply(id uint64) *Reply {
	return replyRegistry.take(id)
}

// Send delivers the one and only reply this capability will ever carry.
// A second Send, or a Send after Wait has already given up, fails with
// EINVLOP: a spent reply capability is a programming error in the
// callee, not a transient condition.
func (r *Reply) Send(msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spent {
		return defs.WrapErr("channel.Reply.Send", defs.EINVLOP)
	}
	r.spent = true
	r.replyCh <- msg
	return nil
}

// Wait blocks for the reply or ctx cancellation.
func (r *Reply) Wait(ctx context.Context) (Message, error) {
	select {
	case msg := <-r.replyCh:
		return msg, nil
	case <-ctx.Done():
		r.mu.Lock()
		r.spent = true
		r.mu.Unlock()
		return Message{}, defs.WrapErr("channel.Reply.Wait", defs.OKTIMEOUT)
	}
}

// CapType identifies this payload type to the capability system.
func (r *Reply) CapType() defs.CapType { return defs.CapReply }
