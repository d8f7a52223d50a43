// Package broadcast fans exchange and strategy events out to subscribed
// gateway clients over named channels.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Channel names.
const (
	ChannelTicker  = "ticker"
	ChannelCandle  = "candle"
	ChannelOrder   = "order"
	ChannelBalance = "balance"
	ChannelBot     = "bot"
)

// Priority tiers delivery. High bypasses batching entirely.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Envelope is the outbound message shape shared by every broadcast.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewEnvelope stamps an envelope with the current time.
func NewEnvelope(msgType string, data any) Envelope {
	return Envelope{Type: msgType, Data: data, Timestamp: time.Now().UnixMilli()}
}

// Sender is a downstream client connection. Send must be safe for
// concurrent use and must not block; a returned error means the connection
// is dead and the subscriber will be dropped.
type Sender interface {
	ID() string
	Send(payload []byte) error
}

type subscriber struct {
	sender  Sender
	symbols map[string]struct{} // empty means no filter
}

func (s *subscriber) matches(symbol string) bool {
	if symbol == "" || len(s.symbols) == 0 {
		return true
	}
	_, ok := s.symbols[symbol]
	return ok
}

type queuedItem struct {
	channel string
	symbol  string
	payload []byte
	prio    Priority
}

// Hub is the broadcast fan-out manager.
type Hub struct {
	log        *zap.Logger
	flushEvery time.Duration
	maxQueue   int

	mu       sync.RWMutex
	channels map[string]map[string]*subscriber

	qmu   sync.Mutex
	queue []queuedItem
}

// NewHub builds a hub; Run must be started for normal/low priority delivery.
func NewHub(log *zap.Logger, maxQueue int, flushEvery time.Duration) *Hub {
	if maxQueue <= 0 {
		maxQueue = 1024
	}
	if flushEvery <= 0 {
		flushEvery = 250 * time.Millisecond
	}
	return &Hub{
		log:        log,
		flushEvery: flushEvery,
		maxQueue:   maxQueue,
		channels:   make(map[string]map[string]*subscriber),
	}
}

// Subscribe adds a sender to a channel with an optional symbol allow-list.
// Resubscribing replaces the filter.
func (h *Hub) Subscribe(channel string, s Sender, symbols []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[string]*subscriber)
		h.channels[channel] = subs
	}
	subs[s.ID()] = &subscriber{sender: s, symbols: toSet(symbols)}
}

// SetFilter replaces the symbol filter of an existing subscription. A client
// that is not subscribed is ignored.
func (h *Hub) SetFilter(channel, clientID string, symbols []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.channels[channel][clientID]; ok {
		sub.symbols = toSet(symbols)
	}
}

// Unsubscribe removes a client from one channel. Idempotent.
func (h *Hub) Unsubscribe(channel, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels[channel], clientID)
}

// RemoveClient purges a client from every channel. Idempotent and safe to
// call multiple times for the same client.
func (h *Hub) RemoveClient(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.channels {
		delete(subs, clientID)
	}
}

// Subscribed reports whether a client currently holds any subscription on a
// channel.
func (h *Hub) Subscribed(channel, clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][clientID]
	return ok
}

// Broadcast delivers an envelope on a channel. symbol narrows delivery to
// subscribers whose filter contains it; empty matches everyone. High
// priority bypasses the queue, normal/low are batched by the flush loop.
func (h *Hub) Broadcast(channel, symbol string, env Envelope, prio Priority) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.log.Error("broadcast marshal failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	item := queuedItem{channel: channel, symbol: symbol, payload: payload, prio: prio}
	if prio == PriorityHigh {
		h.dispatch(item)
		return
	}
	h.enqueue(item)
}

// Run flushes the batched queue until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.flush()
		}
	}
}

func (h *Hub) enqueue(item queuedItem) {
	h.qmu.Lock()
	defer h.qmu.Unlock()

	if len(h.queue) >= h.maxQueue {
		// Evict the oldest low-priority item first, then the oldest
		// normal. High priority work never sits in this queue.
		if !h.evictOldest(PriorityLow) && !h.evictOldest(PriorityNormal) {
			h.log.Warn("broadcast queue full, dropping incoming message",
				zap.String("channel", item.channel))
			return
		}
	}
	h.queue = append(h.queue, item)
}

// evictOldest removes the first queued item of the given priority. The
// caller must hold qmu.
func (h *Hub) evictOldest(prio Priority) bool {
	for i, it := range h.queue {
		if it.prio == prio {
			h.queue = append(h.queue[:i], h.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (h *Hub) flush() {
	h.qmu.Lock()
	pending := h.queue
	h.queue = nil
	h.qmu.Unlock()

	if len(pending) == 0 {
		return
	}

	// Priority order: normal before low, FIFO within a tier.
	for _, prio := range []Priority{PriorityNormal, PriorityLow} {
		for _, item := range pending {
			if item.prio == prio {
				h.dispatch(item)
			}
		}
	}
}

// dispatch sends to every matching subscriber. Sends are non-blocking
// enqueues into each client's write pump, so a plain loop is behaviorally
// equivalent to parallel fan-out while keeping per-subscriber order.
func (h *Hub) dispatch(item queuedItem) {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.channels[item.channel]))
	for _, sub := range h.channels[item.channel] {
		if sub.matches(item.symbol) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.sender.Send(item.payload); err != nil {
			h.log.Debug("broadcast send failed, dropping subscriber",
				zap.String("channel", item.channel),
				zap.String("client", sub.sender.ID()),
				zap.Error(err))
			h.Unsubscribe(item.channel, sub.sender.ID())
		}
	}
}

func toSet(symbols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}
