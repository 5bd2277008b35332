package broadcast

import (
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestEncodePublishing(t *testing.T) {
	t.Parallel()

	d := delta("s-1", 2, 3)
	ev := Event{Kind: EventDelta, SessionID: "s-1", Stamp: 42, Timestamp: d.Timestamp, Delta: &d}

	msg, err := encodePublishing(ev)
	if err != nil {
		t.Fatalf("encodePublishing returned error: %v", err)
	}
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" {
		t.Fatalf("expected persistent json, got %+v", msg)
	}
	if msg.Type != string(EventDelta) || msg.MessageId != "42" {
		t.Fatalf("unexpected metadata %+v", msg)
	}
	if msg.Headers["session_id"] != "s-1" || msg.Headers["to_version"] != int64(3) {
		t.Fatalf("unexpected headers %v", msg.Headers)
	}

	var decoded Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("body is not json: %v", err)
	}
	if decoded.Delta == nil || decoded.Delta.FromVersion != 2 {
		t.Fatalf("unexpected body %s", msg.Body)
	}
}
