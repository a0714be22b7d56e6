package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/placement"
)

const (
	realtimeEventReady     = "ready"
	realtimeEventHeartbeat = "heartbeat"
	realtimeBufferSize     = 16
)

// RealtimeMessage is one event queued for a board subscriber.
type RealtimeMessage struct {
	BoardID   string
	EventType string
	Event     placement.Event
	Timestamp time.Time
}

// RealtimeDispatcher fans board events out to stream subscribers. Slow
// subscribers miss events rather than block publishers; clients recover by
// re-reading the board.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers a subscriber for boardID until ctx ends or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, boardID string) (<-chan RealtimeMessage, func()) {
	if boardID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(boardID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(boardID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements placement.Publisher.
func (d *RealtimeDispatcher) Publish(boardID string, event placement.Event) {
	if boardID == "" || event.Type == "" {
		return
	}
	message := RealtimeMessage{
		BoardID:   boardID,
		EventType: event.Type,
		Event:     event,
		Timestamp: d.clock().UTC(),
	}
	d.mu.RLock()
	subscribers := d.subscribers[boardID]
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

// SubscriberCount reports the number of live subscribers of a board.
func (d *RealtimeDispatcher) SubscriberCount(boardID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[boardID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(boardID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[boardID]; !ok {
		d.subscribers[boardID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[boardID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(boardID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[boardID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, boardID)
		}
	}
	d.mu.Unlock()
}
