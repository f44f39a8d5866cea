package events

import (
	"sync"
	"testing"
	"time"

	"github.com/finteca/cobraflow/internal/models"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	b := NewBus()
	var wg sync.WaitGroup
	wg.Add(2)

	var mu sync.Mutex
	var got []string
	handler := func(evt models.Event) {
		mu.Lock()
		got = append(got, evt.ChatID)
		mu.Unlock()
		wg.Done()
	}
	b.Subscribe(models.EventChatAssigned, handler)
	b.Subscribe(models.EventChatAssigned, handler)

	b.Publish(models.Event{Name: models.EventChatAssigned, ChatID: "chat-1", Time: time.Now()})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handlers not invoked within 1s")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Errorf("delivered to %d handlers, want 2", len(got))
	}
}

func TestBusIgnoresUnsubscribedEvents(t *testing.T) {
	b := NewBus()
	called := make(chan struct{}, 1)
	b.Subscribe(models.EventDebtorLinked, func(evt models.Event) { called <- struct{}{} })

	b.Publish(models.Event{Name: models.EventChatAssigned, ChatID: "chat-1"})

	select {
	case <-called:
		t.Error("handler for a different event name was invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusContainsHandlerPanics(t *testing.T) {
	b := NewBus()
	done := make(chan struct{})
	b.Subscribe(models.EventChatAssigned, func(evt models.Event) { panic("boom") })
	b.Subscribe(models.EventChatAssigned, func(evt models.Event) { close(done) })

	b.Publish(models.Event{Name: models.EventChatAssigned, ChatID: "chat-1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking sibling handler blocked delivery")
	}
}
