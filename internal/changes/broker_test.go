package changes

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/seantiz/stowage/internal/model"
)

func put(backend, id string) model.ChangeEvent {
	return model.ChangeEvent{Op: model.OpPut, ID: id, Rev: 1, Backend: backend}
}

func collect(ch <-chan model.ChangeEvent) []model.ChangeEvent {
	var out []model.ChangeEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestBrokerSingleSubscriber(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("memory")
	defer unsub()

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		b.Publish(put("memory", id))
	}
	b.Close("memory")

	got := collect(ch)
	if len(got) != len(ids) {
		t.Fatalf("got %d events, want %d", len(got), len(ids))
	}
	for i, ev := range got {
		if ev.ID != ids[i] {
			t.Errorf("event[%d].ID = %q, want %q", i, ev.ID, ids[i])
		}
		if ev.Seq != int64(i+1) {
			t.Errorf("event[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
		if ev.At.IsZero() {
			t.Errorf("event[%d].At is zero", i)
		}
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := NewBroker()
	ch1, unsub1 := b.Subscribe("memory")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("memory")
	defer unsub2()

	b.Publish(put("memory", "hello"))
	b.Close("memory")

	got1, got2 := collect(ch1), collect(ch2)
	if len(got1) != 1 || got1[0].ID != "hello" {
		t.Errorf("subscriber 1 got %v, want [hello]", got1)
	}
	if len(got2) != 1 || got2[0].ID != "hello" {
		t.Errorf("subscriber 2 got %v, want [hello]", got2)
	}
}

func TestBrokerTopicsAreIsolated(t *testing.T) {
	b := NewBroker()
	mem, unsubMem := b.Subscribe("memory")
	defer unsubMem()
	sq, unsubSQ := b.Subscribe("sqlite")
	defer unsubSQ()

	b.Publish(put("sqlite", "x"))
	b.Close("memory")
	b.Close("sqlite")

	if n := len(collect(mem)); n != 0 {
		t.Errorf("memory subscriber got %d events, want 0", n)
	}
	if n := len(collect(sq)); n != 1 {
		t.Errorf("sqlite subscriber got %d events, want 1", n)
	}
}

func TestBrokerPublishWithoutSubscribers(t *testing.T) {
	b := NewBroker()
	first := b.Publish(put("memory", "a"))
	second := b.Publish(put("memory", "b"))
	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("Seq = %d, %d, want 1, 2", first.Seq, second.Seq)
	}
}

func TestBrokerSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("memory")
	defer unsub()

	before := testutil.ToFloat64(eventsDropped)
	for range 100 {
		b.Publish(put("memory", "x"))
	}
	b.Close("memory")

	if got := len(collect(ch)); got != subscriberBufferSize {
		t.Errorf("buffered events = %d, want %d", got, subscriberBufferSize)
	}
	if delta := testutil.ToFloat64(eventsDropped) - before; delta != 100-subscriberBufferSize {
		t.Errorf("dropped delta = %v, want %d", delta, 100-subscriberBufferSize)
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	before := testutil.ToFloat64(subscribersActive)
	ch, unsub := b.Subscribe("memory")
	unsub()
	unsub()

	b.Publish(put("memory", "after"))
	select {
	case ev := <-ch:
		t.Errorf("received %+v after unsubscribe", ev)
	default:
	}
	if got := testutil.ToFloat64(subscribersActive); got != before {
		t.Errorf("subscribers gauge = %v, want %v", got, before)
	}
}

func TestBrokerResubscribeAfterClose(t *testing.T) {
	b := NewBroker()
	_, unsub := b.Subscribe("memory")
	b.Close("memory")
	unsub()

	ch, unsub2 := b.Subscribe("memory")
	defer unsub2()
	b.Publish(put("memory", "again"))

	select {
	case ev := <-ch:
		if ev.ID != "again" {
			t.Errorf("ID = %q, want again", ev.ID)
		}
	default:
		t.Error("no event after resubscribing")
	}
}

func TestBrokerConcurrentPublish(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("memory")
	defer unsub()

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for range 10 {
				b.Publish(put("memory", "x"))
			}
		})
	}
	wg.Wait()
	b.Close("memory")

	seen := map[int64]bool{}
	for _, ev := range collect(ch) {
		if seen[ev.Seq] {
			t.Errorf("duplicate Seq %d", ev.Seq)
		}
		seen[ev.Seq] = true
	}
	if len(seen) != 40 {
		t.Errorf("got %d distinct events, want 40", len(seen))
	}
}
