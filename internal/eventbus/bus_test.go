package eventbus

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	return Event{}
}

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeStreamNew, Data: StreamNew{StreamID: "goodgame:1", ChatIDs: []int64{1}}})

	for _, ch := range []<-chan Event{a, c} {
		e := recv(t, ch)
		if e.Type != TypeStreamNew || e.Time.IsZero() {
			t.Fatalf("unexpected event: %+v", e)
		}
		if p, ok := e.Data.(StreamNew); !ok || p.StreamID != "goodgame:1" {
			t.Fatalf("unexpected payload: %#v", e.Data)
		}
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, TypeChatRemoved, TypeChatMigrated)
	defer unsub()

	b.Publish(Event{Type: TypeStreamNew})
	b.Publish(Event{Type: TypeChatMigrated, Data: ChatMigrated{From: 1, To: 2}})

	if e := recv(t, ch); e.Type != TypeChatMigrated {
		t.Fatalf("got %q, want %q", e.Type, TypeChatMigrated)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
	if b.Dropped() != 0 {
		t.Fatalf("filtered events must not count as dropped")
	}
}

func TestPublishNeverBlocksAndCountsDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: TypeChatRemoved})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if got := b.Dropped(); got != 9 {
		t.Fatalf("dropped = %d, want 9", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open")
	}
	b.Publish(Event{Type: TypeChatMigrated})
}
