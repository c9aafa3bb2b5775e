package natsbus

import (
	"log/slog"
	"time"
)

// Event is the envelope published for every engine and scheduler event.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Publisher forwards events onto the bus. It satisfies engine.Events.
type Publisher struct {
	client *Client
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) PublishEvent(runID, eventType string, data map[string]any) {
	topic := TopicEventsSchedule
	if runID != "" {
		topic = TopicEventsRun(runID)
	}
	ev := Event{
		Type:      eventType,
		RunID:     runID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := p.client.PublishJSON(topic, ev); err != nil {
		slog.Warn("publish event failed", "type", eventType, "run", runID, "error", err)
	}
}
