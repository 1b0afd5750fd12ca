package progress

import (
	"testing"
	"time"
)

func TestChannel_DrainCoalescesEntityProgress(t *testing.T) {
	c := NewChannel()
	c.Publish(Event{Kind: EntityProgress, Entity: "account", Processed: 10, Total: 100})
	c.Publish(Event{Kind: EntityProgress, Entity: "account", Processed: 20, Total: 100})
	c.Publish(Event{Kind: EntityProgress, Entity: "contact", Processed: 5, Total: 50})

	evs := c.Drain()
	if len(evs) != 2 {
		t.Fatalf("expected 2 coalesced events (one per entity), got %d", len(evs))
	}
	for _, ev := range evs {
		if ev.Entity == "account" && ev.Processed != 20 {
			t.Errorf("expected latest account reading (20), got %d", ev.Processed)
		}
	}
}

func TestChannel_NeverDropsTerminalEvents(t *testing.T) {
	c := NewChannel()
	for i := 0; i < 5; i++ {
		c.Publish(Event{Kind: Warning, Message: "warn"})
	}
	c.Publish(Event{Kind: Complete, Success: true})

	evs := c.Drain()
	if len(evs) != 6 {
		t.Fatalf("expected all 6 terminal/error events preserved, got %d", len(evs))
	}
}

func TestChannel_PublishNeverBlocks(t *testing.T) {
	c := NewChannel()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			c.Publish(Event{Kind: EntityProgress, Entity: "x", Processed: int64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked under sustained load")
	}
}

func TestChannel_DrainEmptyAfterClose(t *testing.T) {
	c := NewChannel()
	c.Publish(Event{Kind: Warning, Message: "before close"})
	c.Drain()
	c.Close()
	c.Publish(Event{Kind: Warning, Message: "after close"})
	if evs := c.Drain(); len(evs) != 0 {
		t.Errorf("expected no events published after Close, got %d", len(evs))
	}
}

func TestChannel_RunDrainsOnStopForFinalEvents(t *testing.T) {
	c := NewChannel()
	stop := make(chan struct{})
	var collected []Event
	doneRun := make(chan struct{})

	go func() {
		c.Run(stop, 10*time.Millisecond, func(evs []Event) {
			collected = append(collected, evs...)
		})
		close(doneRun)
	}()

	c.Publish(Event{Kind: Complete, Success: true})
	close(stop)

	select {
	case <-doneRun:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not exit after stop closed")
	}

	found := false
	for _, ev := range collected {
		if ev.Kind == Complete {
			found = true
		}
	}
	if !found {
		t.Errorf("expected Complete event to be collected before Run exited")
	}
}
