package client

import (
	"sync"
	"time"
)

// EventType names a milestone hosts can observe independently of the call
// that triggered it.
type EventType string

const (
	EventApplicationRegistered    EventType = "application.registered"
	EventDeviceRegistered         EventType = "device.registered"
	EventDeviceRenewed            EventType = "device.renewed"
	EventDeviceDeregistered       EventType = "device.deregistered"
	EventCertificateRenewalFailed EventType = "device.renewal_failed"
	EventUserAuthenticated        EventType = "user.authenticated"
	EventTokenRefreshed           EventType = "token.refreshed"
	EventUserLoggedOut            EventType = "user.logged_out"
	EventSessionLocked            EventType = "session.locked"
	EventSessionUnlocked          EventType = "session.unlocked"
	EventSessionReset             EventType = "session.reset"
	EventStepUpRequired           EventType = "stepup.required"
	EventLifecycle                EventType = "lifecycle"
	EventConfigurationReloaded    EventType = "configuration.reloaded"
)

// Event is delivered to every subscriber.
type Event struct {
	Type  EventType
	Time  time.Time
	Attrs map[string]string
	Err   error
}

// Notifier fans events out to subscribers. Subscribers are called
// synchronously, in subscription order, and must not block.
type Notifier struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
	ids  []int
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier) Subscribe(fn func(Event)) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.ids = append(n.ids, id)
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
		for i, v := range n.ids {
			if v == id {
				n.ids = append(n.ids[:i], n.ids[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers e to all subscribers. A zero Time is set to now.
func (n *Notifier) Publish(e Event) {
	if n == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	n.mu.RLock()
	fns := make([]func(Event), 0, len(n.ids))
	for _, id := range n.ids {
		fns = append(fns, n.subs[id])
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
}
