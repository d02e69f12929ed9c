// Package status fans sync events out to registered listeners.
package status

import (
	"sync"

	"github.com/cmw1990/offline_sync/internal/log"
)

// Event is delivered to listeners. It is one of OfflineStatusChanged,
// SyncProgress or SyncCompleted.
type Event interface {
	event()
}

// OfflineStatusChanged is published when connectivity changes and replayed to
// every new listener.
type OfflineStatusChanged struct {
	Online bool `json:"online"`
}

// SyncProgress is published after every processed queue item.
type SyncProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// SyncCompleted is published when a sync session ends.
type SyncCompleted struct {
	Success bool `json:"success"`
}

func (OfflineStatusChanged) event() {}
func (SyncProgress) event()         {}
func (SyncCompleted) event()        {}

// Listener receives events.
type Listener func(Event)

// ListenerID identifies a registered listener.
type ListenerID uint64

type registration struct {
	id ListenerID
	fn Listener
}

// Publisher is a listener registry. Delivery iterates a snapshot, so
// listeners may add or remove listeners while being notified.
type Publisher struct {
	mu        sync.Mutex
	listeners []registration
	nextID    ListenerID
	online    bool
}

// NewPublisher creates a publisher with the given initial online status.
func NewPublisher(online bool) *Publisher {
	return &Publisher{online: online}
}

// AddListener registers l and immediately calls it with the current online status.
func (p *Publisher) AddListener(l Listener) ListenerID {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners = append(p.listeners, registration{id: id, fn: l})
	online := p.online
	p.mu.Unlock()

	p.deliver(l, OfflineStatusChanged{Online: online})
	return id
}

// RemoveListener unregisters a listener. Unknown ids are ignored.
func (p *Publisher) RemoveListener(id ListenerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.listeners {
		if r.id == id {
			p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
			return
		}
	}
}

// Online returns the last published online status.
func (p *Publisher) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// SetOnline records the online status and publishes it if it changed.
func (p *Publisher) SetOnline(online bool) {
	p.mu.Lock()
	changed := p.online != online
	p.online = online
	p.mu.Unlock()
	if changed {
		p.Publish(OfflineStatusChanged{Online: online})
	}
}

// Publish delivers e to a snapshot of the current listeners.
func (p *Publisher) Publish(e Event) {
	p.mu.Lock()
	snapshot := make([]registration, len(p.listeners))
	copy(snapshot, p.listeners)
	p.mu.Unlock()

	for _, r := range snapshot {
		p.deliver(r.fn, e)
	}
}

func (p *Publisher) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("status").WithField("panic", r).Error("Listener panicked")
		}
	}()
	l(e)
}
