// Package events is the in-process publish/subscribe bus shared by the wallet components.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
)

// Topic names an event stream.
type Topic string

// Page-script visible topics.
const (
	AccountsChanged Topic = "accountsChanged"
	ChainChanged    Topic = "chainChanged"
	Connect         Topic = "connect"
	Disconnect      Topic = "disconnect"
)

// Internal topics, consumed by the UI layer and by other components.
const (
	WalletLocked          Topic = "walletLocked"
	WalletUnlocked        Topic = "walletUnlocked"
	AccountAdded          Topic = "accountAdded"
	AccountRemoved        Topic = "accountRemoved"
	CurrentAccountChanged Topic = "currentAccountChanged"
	NetworkChanged        Topic = "networkChanged"
	TransactionAdded      Topic = "transactionAdded"
	TransactionUpdated    Topic = "transactionUpdated"
	ApprovalRequested     Topic = "approvalRequested"
	ApprovalResolved      Topic = "approvalResolved"
	BalancesUpdated       Topic = "balancesUpdated"
)

// Public reports whether page scripts may subscribe to the topic.
func (t Topic) Public() bool {
	switch t {
	case AccountsChanged, ChainChanged, Connect, Disconnect:
		return true
	}
	return false
}

// Event is one published notification.
type Event struct {
	Topic   Topic
	Payload any
	Time    time.Time
}

// Handler receives events for a subscribed topic.
type Handler func(Event)

// Bus is the typed publish/subscribe surface handed to every component.
type Bus interface {
	Publish(topic Topic, payload any)
	Subscribe(topic Topic, h Handler) (unsubscribe func())
}

// subscriptionBuffer bounds how far a slow handler may lag before Publish blocks.
const subscriptionBuffer = 128

// FeedBus implements Bus with one go-ethereum event.Feed per topic.
// Each subscription is drained by its own goroutine, so handlers see events
// of a topic in publish order and never run on the publisher's goroutine.
type FeedBus struct {
	mu     sync.Mutex
	feeds  map[Topic]*event.Feed
	scope  event.SubscriptionScope
	logger *slog.Logger
}

// NewBus returns an empty bus.
func NewBus() *FeedBus {
	return &FeedBus{
		feeds:  make(map[Topic]*event.Feed),
		logger: slog.Default().With("component", "event_bus"),
	}
}

func (b *FeedBus) feed(topic Topic) *event.Feed {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.feeds[topic]
	if !ok {
		f = new(event.Feed)
		b.feeds[topic] = f
	}
	return f
}

// Publish delivers payload to every current subscriber of topic.
func (b *FeedBus) Publish(topic Topic, payload any) {
	n := b.feed(topic).Send(Event{Topic: topic, Payload: payload, Time: time.Now()})
	b.logger.Debug("published", "topic", topic, "subscribers", n)
}

// Subscribe registers h for topic. The returned function detaches it and is safe to call more than once.
func (b *FeedBus) Subscribe(topic Topic, h Handler) func() {
	ch := make(chan Event, subscriptionBuffer)
	sub := b.scope.Track(b.feed(topic).Subscribe(ch))

	go func() {
		for {
			select {
			case ev := <-ch:
				h(ev)
			case <-sub.Err():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(sub.Unsubscribe)
	}
}

// Close detaches every subscription.
func (b *FeedBus) Close() {
	b.scope.Close()
}
