package broadcast

import "Go2NetGraph/internal/model"

// Multi delivers each event to every broadcaster in order.
type Multi []model.Broadcaster

func (m Multi) Broadcast(ev model.Event) {
	for _, b := range m {
		b.Broadcast(ev)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Broadcast(model.Event) {}
