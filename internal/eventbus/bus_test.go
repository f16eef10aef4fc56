package eventbus

import (
	"sync"
	"testing"
)

func TestFanOutAndDrop(t *testing.T) {
	t.Parallel()
	b := New()
	fast, unsubFast := b.Subscribe(4)
	defer unsubFast()
	slow, unsubSlow := b.Subscribe(1)
	defer unsubSlow()

	Emit(b, TypeFeedRegenerate, FeedRegenerate{ShowID: 1})
	Emit(b, TypeFeedRegenerate, FeedRegenerate{ShowID: 2})

	if len(fast) != 2 {
		t.Fatalf("fast subscriber got %d events, want 2", len(fast))
	}
	if len(slow) != 1 {
		t.Fatalf("slow subscriber got %d events, want 1", len(slow))
	}
	if got := Dropped(b); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
	ev := <-fast
	if ev.Time.IsZero() || ev.Data.(FeedRegenerate).ShowID != 1 {
		t.Fatalf("first event = %+v", ev)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	// publishing after unsubscribe must not panic
	Emit(b, TypeCaptureFailed, CaptureFailed{ShowID: 1})
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		ch, unsub := b.Subscribe(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Emit(b, TypeSweepFinished, SweepFinished{Deleted: j})
			}
		}()
		go func() {
			defer wg.Done()
			<-ch
			unsub()
		}()
	}
	wg.Wait()
}

func TestEmitNilBus(t *testing.T) {
	t.Parallel()
	Emit(nil, TypeStationHealth, StationHealth{})
	if Dropped(nil) != 0 {
		t.Fatalf("Dropped(nil) != 0")
	}
}
