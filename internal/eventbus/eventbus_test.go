package eventbus

import "testing"

func TestPublish_FIFOPerTopic(t *testing.T) {
	broker := NewBroker(8, nil)
	sub := broker.Subscribe("version:v1")
	defer sub.Close()

	for i := 0; i < 3; i++ {
		broker.Publish("version:v1", Event{Type: TypeEnrichmentUpdate})
	}

	var last int64
	for i := 0; i < 3; i++ {
		event := <-sub.C
		if event.Seq <= last {
			t.Fatalf("seq %d after %d, want strictly increasing", event.Seq, last)
		}
		last = event.Seq
	}
}

func TestPublish_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	broker := NewBroker(2, nil)
	sub := broker.Subscribe("version:v1")
	defer sub.Close()

	// Nothing drains; the third publish must not block.
	for i := 0; i < 3; i++ {
		broker.Publish("version:v1", Event{Type: TypeScanUpdate})
	}

	if got := len(sub.C); got != 2 {
		t.Fatalf("buffered %d events, want 2", got)
	}
}

func TestPublish_TopicsAreIsolated(t *testing.T) {
	broker := NewBroker(8, nil)
	v1 := broker.Subscribe(VersionTopic("v1"))
	defer v1.Close()
	v2 := broker.Subscribe(VersionTopic("v2"))
	defer v2.Close()

	broker.Publish(VersionTopic("v1"), Event{Type: TypeScanUpdate})

	if len(v2.C) != 0 {
		t.Fatalf("event leaked to the wrong topic")
	}
	if len(v1.C) != 1 {
		t.Fatalf("event missing from its own topic")
	}
}

func TestClose_ReleasesSubscriber(t *testing.T) {
	broker := NewBroker(8, nil)
	sub := broker.Subscribe("dataset:ds-1")
	sub.Close()
	sub.Close() // idempotent

	if _, open := <-sub.C; open {
		t.Fatalf("channel still open after close")
	}

	// Publishing to the emptied topic is a no-op.
	broker.Publish("dataset:ds-1", Event{Type: TypeScanUpdate})
}
