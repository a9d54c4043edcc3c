package feedback

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of event
type EventType string

const (
	// Observer events surfaced by voice connections
	EventDebug      EventType = "debug"
	EventWarn       EventType = "warn"
	EventError      EventType = "error"
	EventRawWS      EventType = "rawWS"
	EventDisconnect EventType = "wsDisconnect"

	// Lifecycle and telemetry events
	EventClose       EventType = "wsClose"
	EventReady       EventType = "ready"
	EventPing        EventType = "ping"
	EventStateChange EventType = "stateChange"
)

// Event represents a voice event
type Event struct {
	Type      EventType
	Timestamp time.Time
	GuildID   string
	Data      interface{}
}

// Message returns the text carried by debug and warn events.
func (e Event) Message() string {
	if s, ok := e.Data.(string); ok {
		return s
	}
	return ""
}

// Err returns the error carried by error events.
func (e Event) Err() error {
	if err, ok := e.Data.(error); ok {
		return err
	}
	return nil
}

// DisconnectData is carried by wsDisconnect and wsClose events
type DisconnectData struct {
	SocketID string
	Code     int
	Reason   string
	WasClean bool
}

// RawData is carried by rawWS events
type RawData struct {
	SocketID string
	Op       int
	D        json.RawMessage
}

// ReadyData is carried by ready events. SocketID identifies the gateway
// socket that completed the handshake; later socket events carry the same id.
type ReadyData struct {
	SocketID string
	SSRC     uint32
	IP       string
	Port     int
	Modes    []string
}

// PingData is carried by ping events
type PingData struct {
	SocketID string
	Ping     time.Duration
	Paired   bool
}

// StateChangeData is carried by stateChange events
type StateChangeData struct {
	From string
	To   string
}

// EventHandler is a function that handles events
type EventHandler func(event Event)

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus fans events out to subscribers from a single goroutine, so every
// subscriber sees events in publish order.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]subscription
	allHandlers []subscription
	nextID      uint64

	buffer   chan Event
	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	wg       sync.WaitGroup

	metricsMu sync.Mutex
	metrics   *EventMetrics
}

// EventMetrics tracks event statistics
type EventMetrics struct {
	EventsPublished map[EventType]int64
	EventsDelivered int64
	EventsDropped   int64
}

// NewEventBus creates a new event bus
func NewEventBus(bufferSize int) *EventBus {
	eb := &EventBus{
		handlers: make(map[EventType][]subscription),
		buffer:   make(chan Event, bufferSize),
		stopCh:   make(chan struct{}),
		metrics: &EventMetrics{
			EventsPublished: make(map[EventType]int64),
		},
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe registers a handler for one event type and returns its unsubscribe function
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextID++
	id := eb.nextID
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.handlers[eventType] = without(eb.handlers[eventType], id)
	}
}

// SubscribeAll registers a handler for all events
func (eb *EventBus) SubscribeAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextID++
	id := eb.nextID
	eb.allHandlers = append(eb.allHandlers, subscription{id: id, handler: handler})

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.allHandlers = without(eb.allHandlers, id)
	}
}

func without(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish queues an event for delivery. It never blocks: when the buffer is
// full the event is dropped and counted.
func (eb *EventBus) Publish(event Event) {
	if eb.stopped.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.metricsMu.Lock()
	eb.metrics.EventsPublished[event.Type]++
	eb.metricsMu.Unlock()

	select {
	case eb.buffer <- event:
	default:
		eb.metricsMu.Lock()
		eb.metrics.EventsDropped++
		eb.metricsMu.Unlock()

		logrus.WithFields(logrus.Fields{
			"event_type": event.Type,
			"guild_id":   event.GuildID,
		}).Warn("Event dropped, buffer full")
	}
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for {
		select {
		case event := <-eb.buffer:
			eb.deliverEvent(event)

		case <-eb.stopCh:
			for {
				select {
				case event := <-eb.buffer:
					eb.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (eb *EventBus) deliverEvent(event Event) {
	eb.mu.RLock()
	targets := make([]subscription, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	targets = append(targets, eb.handlers[event.Type]...)
	targets = append(targets, eb.allHandlers...)
	eb.mu.RUnlock()

	for _, sub := range targets {
		eb.call(sub.handler, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"event_type": event.Type,
				"panic":      r,
			}).Error("Event handler panic")
		}
	}()

	h(event)

	eb.metricsMu.Lock()
	eb.metrics.EventsDelivered++
	eb.metricsMu.Unlock()
}

// Stop delivers what is already queued and shuts the bus down. Later
// publishes are ignored.
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		eb.stopped.Store(true)
		close(eb.stopCh)
		eb.wg.Wait()
	})
}

// GetMetrics returns event bus metrics
func (eb *EventBus) GetMetrics() EventMetrics {
	eb.metricsMu.Lock()
	defer eb.metricsMu.Unlock()

	metrics := EventMetrics{
		EventsPublished: make(map[EventType]int64),
		EventsDelivered: eb.metrics.EventsDelivered,
		EventsDropped:   eb.metrics.EventsDropped,
	}

	for k, v := range eb.metrics.EventsPublished {
		metrics.EventsPublished[k] = v
	}

	return metrics
}
