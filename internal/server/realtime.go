package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/panels/internal/session"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "panels-api"
	realtimeBufferSize     = 16
)

// RealtimeMessage is one event delivered to a user's stream subscribers.
type RealtimeMessage struct {
	UserID     string
	EventType  string
	SeriesSlug string
	ChapterID  string
	IsRead     bool
	LastPage   int
	Timestamp  time.Time
}

type realtimeEventPayload struct {
	SeriesSlug string `json:"seriesSlug,omitempty"`
	ChapterID  string `json:"chapterId,omitempty"`
	IsRead     bool   `json:"isRead"`
	LastPage   int    `json:"lastPage"`
	Source     string `json:"source"`
	Timestamp  int64  `json:"timestamp"`
}

func (m RealtimeMessage) payload() realtimeEventPayload {
	return realtimeEventPayload{
		SeriesSlug: m.SeriesSlug,
		ChapterID:  m.ChapterID,
		IsRead:     m.IsRead,
		LastPage:   m.LastPage,
		Source:     realtimeSourceBackend,
		Timestamp:  m.Timestamp.UnixMilli(),
	}
}

// RealtimeDispatcher fans messages out to per-user subscribers. A subscriber
// whose buffer is full misses the message rather than blocking publishers.
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

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for userID until ctx ends or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to the subscribers of message.UserID.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
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

// Notify publishes a session notification.
func (d *RealtimeDispatcher) Notify(notification session.Notification) {
	d.Publish(RealtimeMessage{
		UserID:     notification.UserID,
		EventType:  notification.Type,
		SeriesSlug: notification.SeriesSlug,
		ChapterID:  notification.ChapterID,
		IsRead:     notification.IsRead,
		LastPage:   notification.LastPage,
		Timestamp:  d.clock().UTC(),
	})
}

// Subscribers reports how many streams userID has open.
func (d *RealtimeDispatcher) Subscribers(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
