package eventbus

import "testing"

func TestPublishFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	cycles, unsubCycles := b.Subscribe(4, TypeCycleFinished)
	defer unsubCycles()

	b.Publish(Event{Type: TypeConfigApplied})
	b.Publish(Event{Type: TypeCycleFinished, Data: "t1"})

	if len(all) != 2 {
		t.Fatalf("all subscriber got %d events, want 2", len(all))
	}
	if len(cycles) != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", len(cycles))
	}
	ev := <-cycles
	if ev.Data != "t1" || ev.Time.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "x"})
	}
	if len(ch) != 1 {
		t.Fatalf("buffered = %d", len(ch))
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "x"})
	if _, ok := <-ch; !ok {
		return
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}
