// Package testutil provides common test utilities.
package testutil

import (
	"sync"
	"time"

	"github.com/apify/mcpc/internal/events"
)

// EventCollector is a thread-safe event collector for test assertions.
// Subscribe it to an event bus and then query collected events.
type EventCollector struct {
	mu            sync.Mutex
	events        []events.Event
	statuses      map[string][]string // session name -> status transitions
	notifications map[string][]string // session name -> notification methods
	cond          *sync.Cond
}

// NewEventCollector creates a new EventCollector.
func NewEventCollector() *EventCollector {
	ec := &EventCollector{
		events:        make([]events.Event, 0),
		statuses:      make(map[string][]string),
		notifications: make(map[string][]string),
	}
	ec.cond = sync.NewCond(&ec.mu)
	return ec
}

// Handler records an event; the method value c.Handler is suitable for
// bus.Subscribe().
func (c *EventCollector) Handler(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, e)

	switch evt := e.(type) {
	case events.StatusChangedEvent:
		c.statuses[evt.SessionName()] = append(c.statuses[evt.SessionName()], evt.NewStatus)
	case events.NotificationEvent:
		c.notifications[evt.SessionName()] = append(c.notifications[evt.SessionName()], evt.Method)
	}

	c.cond.Broadcast()
}

// Events returns all collected events.
func (c *EventCollector) Events() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]events.Event, len(c.events))
	copy(result, c.events)
	return result
}

// StatusesFor returns the status transitions observed for a session.
func (c *EventCollector) StatusesFor(sessionName string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]string, len(c.statuses[sessionName]))
	copy(result, c.statuses[sessionName])
	return result
}

// NotificationsFor returns the notification methods observed for a
// session, in arrival order.
func (c *EventCollector) NotificationsFor(sessionName string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]string, len(c.notifications[sessionName]))
	copy(result, c.notifications[sessionName])
	return result
}

// WaitForNotification blocks until the session has observed the given
// notification method or the timeout expires. Returns true if observed.
func (c *EventCollector) WaitForNotification(sessionName, method string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		for _, m := range c.notifications[sessionName] {
			if m == method {
				return true
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		// Wake the cond at the deadline so the wait can't hang past it.
		timer := time.AfterFunc(remaining, c.cond.Broadcast)
		c.cond.Wait()
		timer.Stop()
	}
}

// WaitForStatus blocks until the session has observed the given status
// transition or the timeout expires. Returns true if observed.
func (c *EventCollector) WaitForStatus(sessionName, status string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		for _, s := range c.statuses[sessionName] {
			if s == status {
				return true
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		timer := time.AfterFunc(remaining, c.cond.Broadcast)
		c.cond.Wait()
		timer.Stop()
	}
}

// Clear resets the collector's state.
func (c *EventCollector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = make([]events.Event, 0)
	c.statuses = make(map[string][]string)
	c.notifications = make(map[string][]string)
}
