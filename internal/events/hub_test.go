package events

import (
	"sync"
	"testing"
	"time"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(10, EventRuleCreated)

	hub.EmitRule(EventRuleCreated, RuleEventData{OpID: "op-1", Op: "create", RuleID: 3, Parameter: "fbclid"})

	select {
	case e := <-ch:
		if e.Type != EventRuleCreated {
			t.Errorf("expected EventRuleCreated, got %s", e.Type)
		}
		data, ok := e.Data.(RuleEventData)
		if !ok {
			t.Fatal("expected RuleEventData")
		}
		if data.RuleID != 3 || data.Parameter != "fbclid" {
			t.Errorf("unexpected payload %+v", data)
		}
		if e.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestHub_TypeFiltering(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(10, EventRuleDeleted)

	hub.Publish(Event{Type: EventRuleCreated})

	select {
	case e := <-ch:
		t.Errorf("should not receive %s", e.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_GlobalSubscription(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(10)

	hub.Publish(Event{Type: EventRuleCreated})
	hub.Publish(Event{Type: EventRuleFailed})
	hub.Publish(Event{Type: EventRulesSeeded})

	received := 0
	for i := 0; i < 3; i++ {
		select {
		case <-ch:
			received++
		case <-time.After(100 * time.Millisecond):
		}
	}
	if received != 3 {
		t.Errorf("expected 3 events, got %d", received)
	}
}

func TestHub_DropsWhenFull(t *testing.T) {
	hub := NewHub()
	hub.Subscribe(1)

	hub.Publish(Event{Type: EventRuleCreated})
	hub.Publish(Event{Type: EventRuleCreated})

	published, dropped := hub.Stats()
	if published != 2 || dropped != 1 {
		t.Errorf("expected 2 published / 1 dropped, got %d / %d", published, dropped)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(10, EventRuleCreated)
	hub.Unsubscribe(ch)

	hub.Publish(Event{Type: EventRuleCreated})

	select {
	case <-ch:
		t.Error("received after unsubscribe")
	default:
	}
}

func TestHub_NilIsNoop(t *testing.T) {
	var hub *Hub
	hub.EmitRule(EventRuleFailed, RuleEventData{})
}

func TestHub_ConcurrentPublish(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Publish(Event{Type: EventRuleToggled})
			}
		}()
	}
	wg.Wait()

	if len(ch) != 500 {
		t.Errorf("expected 500 buffered events, got %d", len(ch))
	}
}

func TestHub_SequenceAndBulk(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(4, EventRulesSeeded)

	hub.EmitRule(EventRuleCreated, RuleEventData{Op: "create"})
	hub.EmitBulk(EventRulesSeeded, BulkEventData{Op: "seed", Added: 2})

	e := <-ch
	if e.Seq != 2 {
		t.Errorf("Seq = %d, want 2 after one earlier publish", e.Seq)
	}
	if e.Source != "rulesync" {
		t.Errorf("Source = %q", e.Source)
	}
	if data, ok := e.Data.(BulkEventData); !ok || data.Added != 2 {
		t.Errorf("Data = %#v", e.Data)
	}
}
