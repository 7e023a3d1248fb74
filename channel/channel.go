// Package channel implements the synchronous+asynchronous channel/reply
// IPC core: try_send/try_recv/sync_send/sync_recv/sync_call over a pair
// of sender/receiver queues and a single-use Reply capability, expressed
// with native Go channels for the blocking rendezvous instead of
// manually parking and requeuing thread references -- a goroutine blocks
// on its own "done" channel until a counterpart hands it a message.
package channel

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"kernel/defs"
	"kernel/klog"
)

var log = klog.For("channel")

// Message is the payload exchanged over a Channel: raw bytes plus the
// capability ids being transferred in-band -- the message copy engine
// moves the capabilities named here between capability spaces as part
// of delivering the message.
type Message struct {
	Data []byte
	Caps []uint64
}

// rendezvous is a one-shot handoff point: the sender delivers exactly one
// Message and the receiver takes exactly one, whichever arrives second
// performing the handoff.
type rendezvous struct {
	msg  Message
	done chan struct{}
}

func newRendezvous() *rendezvous {
	return &rendezvous{done: make(chan struct{})}
}

// Channel is the rendezvous core: independent FIFO queues of blocked
// senders and receivers, matched either immediately (try_* / sync_* when
// a counterpart is already waiting) or by blocking until one arrives. id
// is never part of the wire format or the addressing scheme -- CapId
// remains the only value a caller ever names a channel by -- it exists
// purely so log lines from a sender goroutine and a receiver goroutine
// can be correlated back to the same rendezvous.
type Channel struct {
	mu        sync.Mutex
	senders   []*rendezvous
	receivers []*rendezvous
	id        uuid.UUID
}

// New creates an empty channel.
func New() *Channel {
	return &Channel{id: uuid.New()}
}

// TrySend succeeds only if a receiver is already waiting, otherwise
// fails immediately with OKUNREACH (a soft "would block" condition, not
// a hard error).
func (c *Channel) TrySend(msg Message) error {
	c.mu.Lock()
	if len(c.receivers) == 0 {
		c.mu.Unlock()
		return defs.WrapErr("channel.TrySend", defs.OKUNREACH)
	}
	r := c.receivers[0]
	c.receivers = c.receivers[1:]
	c.mu.Unlock()

	r.msg = msg
	close(r.done)
	return nil
}

// TryRecv satisfies try_recv: succeeds only if a sender is already
// waiting.
func (c *Channel) TryRecv() (Message, error) {
	c.mu.Lock()
	if len(c.senders) == 0 {
		c.mu.Unlock()
		return Message{}, defs.WrapErr("channel.TryRecv", defs.OKUNREACH)
	}
	s := c.senders[0]
	c.senders = c.senders[1:]
	c.mu.Unlock()

	msg := s.msg
	close(s.done)
	return msg, nil
}

// SyncSend satisfies sync_send: if a receiver is waiting the handoff
// happens immediately, otherwise the caller blocks (observing ctx
// cancellation) until one arrives.
func (c *Channel) SyncSend(ctx context.Context, msg Message) error {
	c.mu.Lock()
	if len(c.receivers) > 0 {
		r := c.receivers[0]
		c.receivers = c.receivers[1:]
		c.mu.Unlock()
		r.msg = msg
		close(r.done)
		return nil
	}
	r := newRendezvous()
	r.msg = msg
	c.senders = append(c.senders, r)
	c.mu.Unlock()

	log.WithField("channel", c.id).Debug("sync_send blocking for a receiver")
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		c.removeSender(r)
		return defs.WrapErr("channel.SyncSend", defs.OKTIMEOUT)
	}
}

// SyncRecv satisfies sync_recv: the mirror of SyncSend.
func (c *Channel) SyncRecv(ctx context.Context) (Message, error) {
	c.mu.Lock()
	if len(c.senders) > 0 {
		s := c.senders[0]
		c.senders = c.senders[1:]
		c.mu.Unlock()
		msg := s.msg
		close(s.done)
		return msg, nil
	}
	r := newRendezvous()
	c.receivers = append(c.receivers, r)
	c.mu.Unlock()

	log.WithField("channel", c.id).Debug("sync_recv blocking for a sender")
	select {
	case <-r.done:
		return r.msg, nil
	case <-ctx.Done():
		c.removeReceiver(r)
		return Message{}, defs.WrapErr("channel.SyncRecv", defs.OKTIMEOUT)
	}
}

func (c *Channel) removeSender(target *rendezvous) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.senders {
		if r == target {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			return
		}
	}
}

func (c *Channel) removeReceiver(target *rendezvous) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.receivers {
		if r == target {
			c.receivers = append(c.receivers[:i], c.receivers[i+1:]...)
			return
		}
	}
}

// AsyncSend enqueues msg for the next receiver without blocking the
// caller, relying on the same sender queue SyncSend would use; the
// caller supplies a listener to be notified of completion rather than
// blocking in place. notify is called once the message is actually
// handed off.
func (c *Channel) AsyncSend(msg Message, notify func()) {
	c.mu.Lock()
	if len(c.receivers) > 0 {
		r := c.receivers[0]
		c.receivers = c.receivers[1:]
		c.mu.Unlock()
		r.msg = msg
		close(r.done)
		if notify != nil {
			notify()
		}
		return
	}
	r := newRendezvous()
	r.msg = msg
	c.senders = append(c.senders, r)
	c.mu.Unlock()

	if notify != nil {
		go func() {
			<-r.done
			notify()
		}()
	}
}

// AsyncRecv is the receive-side mirror of AsyncSend.
func (c *Channel) AsyncRecv(notify func(Message)) {
	c.mu.Lock()
	if len(c.senders) > 0 {
		s := c.senders[0]
		c.senders = c.senders[1:]
		c.mu.Unlock()
		msg := s.msg
		close(s.done)
		if notify != nil {
			notify(msg)
		}
		return
	}
	r := newRendezvous()
	c.receivers = append(c.receivers, r)
	c.mu.Unlock()

	if notify != nil {
		go func() {
			<-r.done
			notify(r.msg)
		}()
	}
}

// SyncCall sends msg, then blocks for a single reply delivered through a
// fresh, single-use Reply capability. The reply capability is inserted
// into the receiver's capability space invisibly and only made visible
// once the send itself has fully completed, so a receiver can never
// observe a Reply capability whose corresponding call has not actually
// landed.
func (c *Channel) SyncCall(ctx context.Context, msg Message) (Message, error) {
	reply := NewReply()
	msg.Caps = append(append([]uint64{}, msg.Caps...), reply.capID)

	log.WithField("channel", c.id).WithField("reply_cap", reply.capID).Debug("sync_call")
	if err := c.SyncSend(ctx, msg); err != nil {
		return Message{}, err
	}
	return reply.Wait(ctx)
}

// CapType identifies this payload type to the capability system.
func (c *Channel) CapType() defs.CapType { return defs.CapChannel }
