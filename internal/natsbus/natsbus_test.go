package natsbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/devstack/phaserun/internal/config"
	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) (*Bus, *Client) {
	t.Helper()
	bus, err := New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return bus, client
}

func TestBusStartStop(t *testing.T) {
	bus, err := New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
}

func TestPubSub(t *testing.T) {
	_, client := newTestBus(t)

	received := make(chan string, 1)
	_, err := client.Subscribe("test.topic", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish("test.topic", []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublisher(t *testing.T) {
	bus, client := newTestBus(t)

	// Separate connection so the subscription is established independently.
	sub, err := NewClientFromURL(bus.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sub.Close()

	received := make(chan *nats.Msg, 4)
	if _, err := sub.Subscribe(TopicEventsAll, func(msg *nats.Msg) {
		received <- msg
	}); err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	sub.Flush()

	pub := NewPublisher(client)
	pub.PublishEvent("run-42", "agent_completed", map[string]any{"agent": "lint"})
	pub.PublishEvent("", "schedule_executed", nil)
	client.Flush()

	for _, want := range []struct{ topic, typ string }{
		{"events.run.run-42", "agent_completed"},
		{TopicEventsSchedule, "schedule_executed"},
	} {
		select {
		case msg := <-received:
			if msg.Subject != want.topic {
				t.Fatalf("expected topic %s, got %s", want.topic, msg.Subject)
			}
			var ev Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ev.Type != want.typ {
				t.Fatalf("expected type %s, got %s", want.typ, ev.Type)
			}
			if ev.Timestamp == 0 {
				t.Fatal("expected timestamp")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s", want.typ)
		}
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicEventsRun("abc"); got != "events.run.abc" {
		t.Errorf("expected events.run.abc, got %s", got)
	}
}

func TestTopicEventsRunSanitizes(t *testing.T) {
	if got := TopicEventsRun("nightly.build >"); got != "events.run.nightly_build__" {
		t.Errorf("unexpected topic %s", got)
	}
}
