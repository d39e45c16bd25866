// Package notify fans machine lifecycle events out to subscribers. It is
// the in-process edge of the broadcast pipeline; delivery transports live
// outside this subsystem.
package notify

import (
	"context"
	"sync"
	"time"

	"ctfrange/internal/machine"
)

// Hub distributes events per contest. Every published event gets a
// hub-global monotonically increasing sequence number so consumers can
// order and dedup. Slow subscribers drop events rather than block
// publishers.
type Hub struct {
	mu     sync.Mutex
	seq    uint64
	nextID int
	subs   map[string]map[int]chan machine.Event
}

var _ machine.Notifier = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan machine.Event)}
}

// Publish stamps the event and delivers it to subscribers of the event's
// contest and to firehose subscribers (empty contest).
func (h *Hub) Publish(ev machine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev.Seq = h.seq
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}

	for _, ch := range h.subs[ev.Contest] {
		select {
		case ch <- ev:
		default:
		}
	}
	if ev.Contest != "" {
		for _, ch := range h.subs[""] {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Subscribe returns a channel of events for one contest, or for all
// contests when contest is empty. The subscription ends with ctx; the
// channel is closed on cancellation.
func (h *Hub) Subscribe(ctx context.Context, contest string) <-chan machine.Event {
	ch := make(chan machine.Event, 128)

	h.mu.Lock()
	if h.subs[contest] == nil {
		h.subs[contest] = make(map[int]chan machine.Event)
	}
	id := h.nextID
	h.nextID++
	h.subs[contest][id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		if m := h.subs[contest]; m != nil {
			if sub, ok := m[id]; ok {
				delete(m, id)
				close(sub)
			}
			if len(m) == 0 {
				delete(h.subs, contest)
			}
		}
		h.mu.Unlock()
	}()

	return ch
}
