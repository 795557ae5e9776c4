package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

const (
	EventInitiativeUpdate = "initiative:update"
	EventPurchaseUpdate   = "purchase:update"
	EventNotificationNew  = "notification:new"
)

const DefaultSubscriberBuffer = 16

var (
	ErrHubUnavailable = errors.New("hub_unavailable")
	ErrInvalidTopic   = errors.New("invalid_topic")
)

func InitiativeTopic(id string) string { return "initiative:" + id }

func UserTopic(id string) string { return "user:" + id }

type Event struct {
	Topic     string          `json:"topic"`
	Name      string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// Publisher fans an event out to a topic. Delivery is at-most-once.
type Publisher interface {
	Publish(ctx context.Context, topic, name string, payload any) error
}

// Hub delivers events to in-process subscribers. A subscriber whose buffer
// is full misses the event.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	subscriberBuffer int
	onDrop           func(topic string)
	now              func() time.Time
}

type stream struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
}

type membership struct {
	topic string
	id    uint64
}

type Subscription struct {
	hub     *Hub
	members []membership
	ch      chan Event
	once    sync.Once
}

type HubOption func(*Hub)

func WithDropHandler(fn func(topic string)) HubOption {
	return func(h *Hub) { h.onDrop = fn }
}

func WithSubscriberBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.subscriberBuffer = size
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		streams:          make(map[string]*stream),
		subscriberBuffer: DefaultSubscriberBuffer,
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Publish(ctx context.Context, topic, name string, payload any) error {
	if h == nil {
		return ErrHubUnavailable
	}
	event, err := h.newEvent(topic, name, payload)
	if err != nil {
		return err
	}
	h.Deliver(event)
	return nil
}

func (h *Hub) newEvent(topic, name string, payload any) (Event, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Event{}, ErrInvalidTopic
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Topic: topic, Name: name, Payload: data, EmittedAt: h.now()}, nil
}

// Deliver hands event to current subscribers of its topic and returns how
// many received it.
func (h *Hub) Deliver(event Event) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	stream := h.streams[event.Topic]
	h.mu.RUnlock()
	if stream == nil {
		return 0
	}

	stream.mu.Lock()
	subs := make([]chan Event, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	delivered := 0
	for _, ch := range subs {
		select {
		case ch <- event:
			delivered++
		default:
			if h.onDrop != nil {
				h.onDrop(event.Topic)
			}
		}
	}
	return delivered
}

// Subscribe joins every topic with one shared channel. Close leaves them all.
func (h *Hub) Subscribe(topics ...string) (*Subscription, error) {
	if h == nil {
		return nil, ErrHubUnavailable
	}
	cleaned := make([]string, 0, len(topics))
	seen := map[string]struct{}{}
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		cleaned = append(cleaned, topic)
	}
	if len(cleaned) == 0 {
		return nil, ErrInvalidTopic
	}

	sub := &Subscription{hub: h, ch: make(chan Event, h.subscriberBuffer)}
	for _, topic := range cleaned {
		id := h.join(topic, sub.ch)
		sub.members = append(sub.members, membership{topic: topic, id: id})
	}
	return sub, nil
}

// Subscribers reports how many subscriptions are joined to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	stream := h.streams[topic]
	h.mu.RUnlock()
	if stream == nil {
		return 0
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return len(stream.subs)
}

// join adds ch to topic while holding h.mu so unsubscribe cannot drop the
// stream between lookup and insert.
func (h *Hub) join(topic string, ch chan Event) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	current := h.streams[topic]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan Event)}
		h.streams[topic] = current
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	id := current.nextID
	current.nextID++
	current.subs[id] = ch
	return id
}

func (h *Hub) unsubscribe(topic string, id uint64) {
	h.mu.RLock()
	stream := h.streams[topic]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	remaining := len(stream.subs)
	stream.mu.Unlock()
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	current := h.streams[topic]
	if current != stream {
		h.mu.Unlock()
		return
	}
	stream.mu.Lock()
	empty := len(stream.subs) == 0
	stream.mu.Unlock()
	if empty {
		delete(h.streams, topic)
	}
	h.mu.Unlock()
}

func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Topics() []string {
	out := make([]string, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m.topic)
	}
	return out
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		for _, m := range s.members {
			s.hub.unsubscribe(m.topic, m.id)
		}
	})
}
