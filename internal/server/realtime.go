package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/cart"
)

const (
	RealtimeEventCartChanged = "cart-changed"
	realtimeEventHeartbeat   = "heartbeat"
	realtimeSourceBackend    = "storefront-backend"
)

type RealtimeMessage struct {
	ScopeID   string
	EventType string
	Cart      cart.Snapshot
	Timestamp time.Time
}

// RealtimeDispatcher fans cart changes out to the event streams of a scope.
// Slow subscribers drop messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, scopeID string) (<-chan RealtimeMessage, func()) {
	if scopeID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(scopeID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(scopeID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.ScopeID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.ScopeID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// PublishCartChange announces a committed cart of scopeID.
func (d *RealtimeDispatcher) PublishCartChange(scopeID string, snapshot cart.Snapshot) {
	d.Publish(RealtimeMessage{
		ScopeID:   scopeID,
		EventType: RealtimeEventCartChanged,
		Cart:      snapshot,
		Timestamp: time.Now().UTC(),
	})
}

// SubscriberCount reports the open streams of scopeID.
func (d *RealtimeDispatcher) SubscriberCount(scopeID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[scopeID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(scopeID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[scopeID]; !ok {
		d.subscribers[scopeID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[scopeID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(scopeID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[scopeID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, scopeID)
		}
	}
	d.mu.Unlock()
}
