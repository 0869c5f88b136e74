package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindStateChange})
	b.Emit(SourceRunner, KindWake, nil)
	b.Unsubscribe(nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublish_FanOut(t *testing.T) {
	b := New()
	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i] = b.Subscribe(4)
	}
	defer func() {
		for _, s := range subs {
			b.Unsubscribe(s)
		}
	}()

	b.Emit(SourceHeartbeat, KindWakeRequest, map[string]any{"reason": "funds"})

	for i, s := range subs {
		select {
		case got := <-s.C:
			if got.Source != SourceHeartbeat || got.Kind != KindWakeRequest || got.Data["reason"] != "funds" {
				t.Errorf("subscriber %d got %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestSubscribe_KindFilter(t *testing.T) {
	b := New()
	states := b.Subscribe(8, KindStateChange)
	all := b.Subscribe(8)
	defer b.Unsubscribe(states)
	defer b.Unsubscribe(all)

	b.Emit(SourceAgent, KindTurnComplete, nil)
	b.Emit(SourceAgent, KindStateChange, map[string]any{"state": "sleeping"})
	b.Emit(SourceRunner, KindSleep, nil)

	if len(states.C) != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", len(states.C))
	}
	if e := <-states.C; e.Kind != KindStateChange {
		t.Errorf("filtered event kind = %q", e.Kind)
	}
	if len(all.C) != 3 {
		t.Errorf("unfiltered subscriber got %d events, want 3", len(all.C))
	}
}

func TestPublish_DropsWhenFull(t *testing.T) {
	b := New()
	s := b.Subscribe(1)
	defer b.Unsubscribe(s)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})
	b.Publish(Event{Kind: "third"})

	if got := (<-s.C).Kind; got != "first" {
		t.Errorf("kind = %q, want first", got)
	}
	select {
	case e := <-s.C:
		t.Errorf("expected empty channel, got %+v", e)
	default:
	}
	if got := s.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	b.Unsubscribe(s1)
	if _, ok := <-s1.C; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	b.Unsubscribe(s1)
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}

	b.Unsubscribe(s2)
	b.Emit(SourceHeartbeat, KindHeartbeatRun, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}

func TestEmitStampsTime(t *testing.T) {
	b := New()
	s := b.Subscribe(1)
	defer b.Unsubscribe(s)

	before := time.Now()
	b.Emit(SourceRunner, KindWake, map[string]any{"reason": "inbox"})

	if got := <-s.C; got.Timestamp.Before(before) {
		t.Errorf("Timestamp %v before publish time %v", got.Timestamp, before)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	s := b.Subscribe(64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range s.C {
		}
	}()

	var pubs sync.WaitGroup
	for i := range 8 {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for j := range 100 {
				b.Emit(SourceAgent, KindTurnComplete, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}
	// Subscribers come and go while publishing.
	for range 20 {
		b.Unsubscribe(b.Subscribe(1))
	}

	pubs.Wait()
	b.Unsubscribe(s)
	wg.Wait()
}
