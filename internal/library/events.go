package library

import "sync"

// ExportEvent is a progress or status change on an export, delivered to
// websocket subscribers and the tray.
type ExportEvent struct {
	ExportID    string `json:"export_id"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	CompletedMs int64  `json:"completed_ms,omitempty"`
	TotalMs     int64  `json:"total_ms,omitempty"`
	Error       string `json:"error,omitempty"`
}

// EventBus fans export events out to subscribers. Slow subscribers drop
// intermediate events rather than stalling the export; the terminal
// event is retried by the runner's status row, which subscribers can
// re-read.
type EventBus struct {
	mu   sync.Mutex
	subs map[chan ExportEvent]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan ExportEvent]struct{})}
}

// Subscribe registers a new subscriber. The returned cancel func must
// be called exactly once; after it returns the channel is closed.
func (b *EventBus) Subscribe() (<-chan ExportEvent, func()) {
	ch := make(chan ExportEvent, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *EventBus) Publish(ev ExportEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
