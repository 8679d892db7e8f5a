package eventbus

import (
	"sync"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/platform/metrics"
)

// Broker fans incremental status deltas out to subscribers. One broker per
// process, injected into whoever publishes or serves streams; there is no
// ambient global. Delivery is at-most-once per subscription and per-topic
// FIFO. A slow subscriber loses events rather than blocking the publisher;
// subscribers recover by refetching the aggregate on reconnect.
type Broker struct {
	mu      sync.Mutex
	topics  map[string]*topic
	buffer  int
	collect *metrics.Collector
}

type topic struct {
	seq  int64
	subs map[*Subscription]struct{}
}

// Subscription is one subscriber's ordered event feed. C is closed by Close.
type Subscription struct {
	C <-chan Event

	broker *Broker
	topic  string
	ch     chan Event
	closed bool
}

func NewBroker(buffer int, collect *metrics.Collector) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{
		topics:  make(map[string]*topic),
		buffer:  buffer,
		collect: collect,
	}
}

func (b *Broker) Subscribe(name string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[name]
	if t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[name] = t
	}

	sub := &Subscription{
		broker: b,
		topic:  name,
		ch:     make(chan Event, b.buffer),
	}
	sub.C = sub.ch
	t.subs[sub] = struct{}{}
	if b.collect != nil {
		b.collect.Subscribers.Inc()
	}
	return sub
}

func (s *Subscription) Close() {
	if s == nil || s.broker == nil {
		return
	}
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	if t := b.topics[s.topic]; t != nil {
		delete(t.subs, s)
		if len(t.subs) == 0 {
			delete(b.topics, s.topic)
		}
	}
	close(s.ch)
	if b.collect != nil {
		b.collect.Subscribers.Dec()
	}
}

// Publish delivers event to every subscriber of name. Publishing to a topic
// with no subscribers is a no-op; the pull surface remains the source of
// truth.
func (b *Broker) Publish(name string, event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[name]
	if t != nil {
		t.seq++
		event.Seq = t.seq
	}
	if b.collect != nil {
		b.collect.EventsPublished.WithLabelValues(event.Type).Inc()
	}
	if t == nil {
		return
	}

	for sub := range t.subs {
		select {
		case sub.ch <- event:
		default:
			if b.collect != nil {
				b.collect.EventsDropped.Inc()
			}
		}
	}
}

// VersionTopic is the per-version topic key.
func VersionTopic(versionID string) string {
	return "version:" + versionID
}

// DatasetTopic is the per-dataset topic key.
func DatasetTopic(datasetID string) string {
	return "dataset:" + datasetID
}
