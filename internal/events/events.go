// Package events carries lottery lifecycle notifications to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/google/logger"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	EventQueueSize      = 20
	AsyncQueueSize      = 1000
	// One worker delivers queued events in publication order.
	AsyncWorkerPoolSize = 1
)

type EventType string

const (
	LotteryConfigured   EventType = "lottery.configured"
	LotteryOpened       EventType = "lottery.opened"
	TicketPurchased     EventType = "lottery.ticket_purchased"
	RandomnessCommitted EventType = "lottery.randomness_committed"
	WinnerRevealed      EventType = "lottery.winner_revealed"
	WinningsClaimed     EventType = "lottery.winnings_claimed"
)

// AllTypes lists every lifecycle event type.
var AllTypes = []EventType{
	LotteryConfigured,
	LotteryOpened,
	TicketPurchased,
	RandomnessCommitted,
	WinnerRevealed,
	WinningsClaimed,
}

type SubscriberId int

type Event struct {
	Type      EventType `json:"type"`
	LotteryID string    `json:"lotteryId"`
	Slot      uint64    `json:"slot"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

func NewEvent(eventType EventType, lotteryID string, slot uint64, data any) Event {
	return Event{
		Type:      eventType,
		LotteryID: lotteryID,
		Slot:      slot,
		Timestamp: time.Now(),
		Data:      data,
	}
}

type subscriber struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

// deliver never blocks: a subscriber that cannot keep up loses the event.
func (s *subscriber) deliver(evt Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType]map[SubscriberId]*subscriber
	lastSubId   SubscriberId
	metrics     *busMetrics

	asyncQueue chan Event
	asyncWg    sync.WaitGroup
	stopOnce   sync.Once
	stopCh     chan struct{}
}

type busMetrics struct {
	eventsTotal *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	subscribers *prometheus.GaugeVec
}

// NewEventBus creates an EventBus and starts its async workers. promRegistry
// may be nil.
func NewEventBus(promRegistry prometheus.Registerer) *EventBus {
	e := &EventBus{
		subscribers: make(map[EventType]map[SubscriberId]*subscriber),
		asyncQueue:  make(chan Event, AsyncQueueSize),
		stopCh:      make(chan struct{}),
	}
	if promRegistry != nil {
		e.initMetrics(promRegistry)
	}
	for range AsyncWorkerPoolSize {
		e.asyncWg.Add(1)
		go e.asyncWorker()
	}
	return e
}

func (e *EventBus) initMetrics(promRegistry prometheus.Registerer) {
	e.metrics = &busMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenlottery_events_total",
			Help: "Lifecycle events published, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenlottery_events_dropped_total",
			Help: "Lifecycle events not delivered, by type and reason.",
		}, []string{"type", "reason"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tokenlottery_event_subscribers",
			Help: "Current subscribers, by type.",
		}, []string{"type"}),
	}
	promRegistry.MustRegister(e.metrics.eventsTotal, e.metrics.dropped, e.metrics.subscribers)
}

func (e *EventBus) asyncWorker() {
	defer e.asyncWg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case evt := <-e.asyncQueue:
			e.Publish(evt)
		}
	}
}

// Subscribe returns a channel receiving events of the given type.
func (e *EventBus) Subscribe(eventType EventType) (SubscriberId, <-chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub := &subscriber{ch: make(chan Event, EventQueueSize)}
	e.lastSubId++
	subId := e.lastSubId
	if _, ok := e.subscribers[eventType]; !ok {
		e.subscribers[eventType] = make(map[SubscriberId]*subscriber)
	}
	e.subscribers[eventType][subId] = sub
	if e.metrics != nil {
		e.metrics.subscribers.WithLabelValues(string(eventType)).Inc()
	}
	return subId, sub.ch
}

// SubscribeFunc calls handlerFunc for every event of the given type.
func (e *EventBus) SubscribeFunc(eventType EventType, handlerFunc func(Event)) SubscriberId {
	subId, evtCh := e.Subscribe(eventType)
	go func() {
		for evt := range evtCh {
			handlerFunc(evt)
		}
	}()
	return subId
}

// Unsubscribe stops delivery to a subscriber and closes its channel.
func (e *EventBus) Unsubscribe(eventType EventType, subId SubscriberId) {
	e.mu.Lock()
	var sub *subscriber
	if subs, ok := e.subscribers[eventType]; ok {
		sub = subs[subId]
		delete(subs, subId)
		if len(subs) == 0 {
			delete(e.subscribers, eventType)
		}
	}
	e.mu.Unlock()
	if sub == nil {
		return
	}
	if e.metrics != nil {
		e.metrics.subscribers.WithLabelValues(string(eventType)).Dec()
	}
	sub.close()
}

// Publish delivers evt to every current subscriber of its type.
func (e *EventBus) Publish(evt Event) {
	e.mu.RLock()
	subs := make([]*subscriber, 0, len(e.subscribers[evt.Type]))
	for _, sub := range e.subscribers[evt.Type] {
		subs = append(subs, sub)
	}
	e.mu.RUnlock()

	for _, sub := range subs {
		if !sub.deliver(evt) {
			logger.Warningf("events: subscriber queue full, dropping %s for lottery %s", evt.Type, evt.LotteryID)
			if e.metrics != nil {
				e.metrics.dropped.WithLabelValues(string(evt.Type), "subscriber-full").Inc()
			}
		}
	}
	if e.metrics != nil {
		e.metrics.eventsTotal.WithLabelValues(string(evt.Type)).Inc()
	}
}

// PublishAsync queues evt for delivery by the worker pool. It returns false
// if the bus is stopped or the queue is full.
func (e *EventBus) PublishAsync(evt Event) bool {
	select {
	case <-e.stopCh:
		return false
	default:
	}
	select {
	case e.asyncQueue <- evt:
		return true
	default:
		logger.Warningf("events: async queue full, dropping %s for lottery %s", evt.Type, evt.LotteryID)
		if e.metrics != nil {
			e.metrics.dropped.WithLabelValues(string(evt.Type), "async-full").Inc()
		}
		return false
	}
}

// Stop halts the workers and closes every subscriber channel.
func (e *EventBus) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.asyncWg.Wait()

		e.mu.Lock()
		subs := e.subscribers
		e.subscribers = make(map[EventType]map[SubscriberId]*subscriber)
		e.mu.Unlock()

		for _, typeSubs := range subs {
			for _, sub := range typeSubs {
				sub.close()
			}
		}
		if e.metrics != nil {
			e.metrics.subscribers.Reset()
		}
	})
}
