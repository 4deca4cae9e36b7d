package events

import (
	"testing"

	"github.com/cwygoda/tubequeue/internal/domain"
)

func TestHub_FanOut(t *testing.T) {
	h := NewHub(nil)
	a := h.Subscribe(4)
	b := h.Subscribe(4)

	if a.ID == b.ID {
		t.Fatal("subscription IDs must be unique")
	}
	if h.Len() != 2 {
		t.Errorf("Len() = %d, want 2", h.Len())
	}

	h.Notify(domain.Event{Name: domain.EventJobRemoved, JobID: 7})

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.Events:
			if ev.Name != domain.EventJobRemoved || ev.JobID != 7 {
				t.Errorf("got %+v", ev)
			}
		default:
			t.Errorf("subscriber %s got no event", sub.ID)
		}
	}
}

func TestHub_NotifyDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	sub := h.Subscribe(1)

	// the second and third events do not fit and are dropped
	for i := int64(1); i <= 3; i++ {
		h.Notify(domain.Event{Name: domain.EventJobRemoved, JobID: i})
	}

	ev := <-sub.Events
	if ev.JobID != 1 {
		t.Errorf("JobID = %d, want 1", ev.JobID)
	}
	select {
	case ev := <-sub.Events:
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub(nil)
	sub := h.Subscribe(0)

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)

	if _, ok := <-sub.Events; ok {
		t.Error("channel should be closed")
	}
	if h.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.Len())
	}

	// no subscribers left, must not panic on closed channel
	h.Notify(domain.Event{Name: domain.EventToast})
}
