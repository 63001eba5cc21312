package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/badger/internal/badges"
)

const (
	AwardEventType      = "award"
	awardEventHeartbeat = "heartbeat"
	awardBufferSize     = 16
)

// AwardEvent announces a newly created badge instance.
type AwardEvent struct {
	UserID         string    `json:"user"`
	InstanceID     string    `json:"instance"`
	BadgeID        string    `json:"badge_id"`
	BadgeShortname string    `json:"badge"`
	IssuedAt       time.Time `json:"issued_at"`
}

func newAwardEvent(instance badges.BadgeInstance) AwardEvent {
	return AwardEvent{
		UserID:         instance.UserID,
		InstanceID:     instance.ID,
		BadgeID:        instance.BadgeID,
		BadgeShortname: instance.BadgeShortname,
		IssuedAt:       instance.IssuedAt,
	}
}

// AwardDispatcher fans award events out to in-process subscribers keyed by user.
// Slow subscribers drop events rather than block the award path.
type AwardDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*awardSubscriber
	nextID      int64
	bufferSize  int
}

type awardSubscriber struct {
	id     int64
	stream chan AwardEvent
}

func NewAwardDispatcher() *AwardDispatcher {
	return &AwardDispatcher{
		subscribers: make(map[string]map[int64]*awardSubscriber),
		bufferSize:  awardBufferSize,
	}
}

// NotifyAward satisfies badges.AwardNotifier for single-replica deployments.
func (d *AwardDispatcher) NotifyAward(instance badges.BadgeInstance) {
	d.Publish(newAwardEvent(instance))
}

func (d *AwardDispatcher) Subscribe(ctx context.Context, userID string) (<-chan AwardEvent, func()) {
	if userID == "" {
		ch := make(chan AwardEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &awardSubscriber{
		id:     d.nextSequence(),
		stream: make(chan AwardEvent, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(userID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *AwardDispatcher) Publish(event AwardEvent) {
	if event.UserID == "" || event.InstanceID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*awardSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *AwardDispatcher) subscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *AwardDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *AwardDispatcher) registerSubscriber(userID string, subscriber *awardSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*awardSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *AwardDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
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
