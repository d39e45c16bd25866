package fake

import (
	"sync"

	"ctfrange/internal/machine"
)

var _ machine.Notifier = (*Notifier)(nil)

// Notifier collects published events for assertion.
type Notifier struct {
	mu     sync.Mutex
	events []machine.Event
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Publish(ev machine.Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

// Events returns events of the given type, or all events if typ is "".
func (n *Notifier) Events(typ string) []machine.Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []machine.Event
	for _, ev := range n.events {
		if typ == "" || ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
