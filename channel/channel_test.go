package channel

import (
	"context"
	"testing"
	"time"
)

func TestTrySendFailsWithoutReceiver(t *testing.T) {
	c := New()
	if err := c.TrySend(Message{Data: []byte("hi")}); err == nil {
		t.Fatal("expected try_send to fail with no waiting receiver")
	}
}

func TestTryRecvFailsWithoutSender(t *testing.T) {
	c := New()
	if _, err := c.TryRecv(); err == nil {
		t.Fatal("expected try_recv to fail with no waiting sender")
	}
}

func TestSyncSendRecvRendezvous(t *testing.T) {
	c := New()
	ctx := context.Background()
	done := make(chan Message, 1)
	go func() {
		msg, err := c.SyncRecv(ctx)
		if err != nil {
			t.Error(err)
		}
		done <- msg
	}()

	time.Sleep(10 * time.Millisecond)
	if err := c.SyncSend(ctx, Message{Data: []byte("payload")}); err != nil {
		t.Fatal(err)
	}
	got := <-done
	if string(got.Data) != "payload" {
		t.Fatalf("expected payload, got %q", got.Data)
	}
}

func TestSyncSendBlocksUntilReceiver(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.SyncSend(ctx, Message{Data: []byte("x")}); err == nil {
		t.Fatal("expected sync_send to time out with no receiver ever arriving")
	}
}

func TestConservationNoMessageDuplicatedOrLost(t *testing.T) {
	c := New()
	ctx := context.Background()
	const n = 50
	results := make(chan int, n)

	for i := 0; i < n; i++ {
		go func() {
			msg, err := c.SyncRecv(ctx)
			if err != nil {
				results <- -1
				return
			}
			results <- int(msg.Data[0])
		}()
	}
	for i := 0; i < n; i++ {
		go func(i int) {
			_ = c.SyncSend(ctx, Message{Data: []byte{byte(i)}})
		}(i)
	}

	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		v := <-results
		if v < 0 {
			t.Fatal("unexpected receive error")
		}
		if seen[v] {
			t.Fatalf("value %d delivered more than once", v)
		}
		seen[v] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct values delivered, got %d", n, len(seen))
	}
}

func TestSyncCallReplyUniqueness(t *testing.T) {
	ctx := context.Background()
	reply := NewReply()

	if err := reply.Send(Message{Data: []byte("ok")}); err != nil {
		t.Fatal(err)
	}
	if err := reply.Send(Message{Data: []byte("again")}); err == nil {
		t.Fatal("expected second reply send to fail: a reply is single-use")
	}

	msg, err := reply.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Data) != "ok" {
		t.Fatalf("expected first reply's payload, got %q", msg.Data)
	}
}

func TestSyncCallRoundTrip(t *testing.T) {
	c := New()
	ctx := context.Background()

	go func() {
		msg, err := c.SyncRecv(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		if len(msg.Caps) != 1 {
			t.Errorf("expected a reply capability id attached, got %d caps", len(msg.Caps))
			return
		}
		reply := replyRegistry.take(msg.Caps[0])
		if reply == nil {
			t.Error("expected to find the reply capability by id")
			return
		}
		_ = reply.Send(Message{Data: []byte("response")})
	}()

	resp, err := c.SyncCall(ctx, Message{Data: []byte("request")})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Data) != "response" {
		t.Fatalf("expected response payload, got %q", resp.Data)
	}
}

func TestTakeReplyResolvesCapIDAndIsSingleUse(t *testing.T) {
	reply := NewReply()
	id := reply.CapID()

	got := TakeReply(id)
	if got == nil {
		t.Fatal("TakeReply should resolve a capability id issued by NewReply")
	}
	if got != reply {
		t.Fatal("TakeReply returned a different Reply than the one registered")
	}

	if TakeReply(id) != nil {
		t.Fatal("a second TakeReply against the same id should find nothing")
	}
}

func TestTakeReplyUnknownID(t *testing.T) {
	if TakeReply(0xffffffff) != nil {
		t.Fatal("TakeReply on an id that was never registered should return nil")
	}
}
