package notify_test

import (
	"context"
	"testing"
	"time"

	"ctfrange/internal/machine"
	"ctfrange/internal/notify"
)

func recv(t *testing.T, ch <-chan machine.Event) machine.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return machine.Event{}
	}
}

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	hub := notify.NewHub()
	ch := hub.Subscribe(t.Context(), "ctf2026")

	for i := 0; i < 3; i++ {
		hub.Publish(machine.Event{Type: machine.EventStatus, Contest: "ctf2026"})
	}

	var last uint64
	for i := 0; i < 3; i++ {
		ev := recv(t, ch)
		if ev.Seq <= last {
			t.Fatalf("seq %d not greater than %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestSubscribeFiltersByContest(t *testing.T) {
	hub := notify.NewHub()
	ch := hub.Subscribe(t.Context(), "ctf2026")

	hub.Publish(machine.Event{Type: machine.EventStarted, Contest: "other-ctf"})
	hub.Publish(machine.Event{Type: machine.EventStarted, Contest: "ctf2026"})

	ev := recv(t, ch)
	if ev.Contest != "ctf2026" {
		t.Fatalf("received event for contest %q", ev.Contest)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event %+v", extra)
	default:
	}
}

func TestFirehoseSeesAllContests(t *testing.T) {
	hub := notify.NewHub()
	all := hub.Subscribe(t.Context(), "")

	hub.Publish(machine.Event{Type: machine.EventStarted, Contest: "a"})
	hub.Publish(machine.Event{Type: machine.EventStopped, Contest: "b"})

	first := recv(t, all)
	second := recv(t, all)
	if first.Contest != "a" || second.Contest != "b" {
		t.Fatalf("firehose order: %q then %q", first.Contest, second.Contest)
	}
}

func TestPublishStampsEmittedAt(t *testing.T) {
	hub := notify.NewHub()
	ch := hub.Subscribe(t.Context(), "ctf2026")

	hub.Publish(machine.Event{Type: machine.EventStatus, Contest: "ctf2026"})
	if ev := recv(t, ch); ev.EmittedAt.IsZero() {
		t.Fatal("EmittedAt not stamped")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := notify.NewHub()
	_ = hub.Subscribe(t.Context(), "ctf2026")

	done := make(chan struct{})
	go func() {
		// Far more events than the subscriber buffer holds; nobody reads.
		for i := 0; i < 1000; i++ {
			hub.Publish(machine.Event{Type: machine.EventStatus, Contest: "ctf2026"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	hub := notify.NewHub()
	ctx, cancel := context.WithCancel(t.Context())
	ch := hub.Subscribe(ctx, "ctf2026")
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after context cancellation")
		}
	}
}
