package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/rs/zerolog"
)

func TestTopic(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"plant", "plant/count/c1"},
		{"plant/", "plant/count/c1"},
		{"", "plant/count/c1"},
		{"site/north", "site/north/count/c1"},
	}
	for _, tt := range tests {
		p := NewPublisher(Config{TopicPrefix: tt.prefix}, zerolog.Nop(), nil)
		if got := p.Topic(domain.RecordCount, "c1"); got != tt.want {
			t.Errorf("prefix %q: expected %q, got %q", tt.prefix, tt.want, got)
		}
	}
}

func TestRecordSaved_QueuesEnvelope(t *testing.T) {
	p := NewPublisher(Config{BufferSize: 4}, zerolog.Nop(), nil)
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	p.RecordSaved(domain.RecordDuration, "a1", &domain.DurationRecord{DeviceID: "a1", Line: "L1", Duration: 12, Class: domain.DurationOnTime})

	if p.BufferSize() != 1 {
		t.Fatalf("expected 1 buffered message, got %d", p.BufferSize())
	}
	msg := <-p.messageBuffer
	if msg.Topic != "plant/duration/a1" {
		t.Errorf("unexpected topic %q", msg.Topic)
	}

	var env struct {
		Kind     string                `json:"kind"`
		DeviceID string                `json:"device_id"`
		Record   domain.DurationRecord `json:"record"`
	}
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		t.Fatalf("expected JSON payload, got %v", err)
	}
	if env.Kind != "duration" || env.DeviceID != "a1" || env.Record.Duration != 12 || env.Record.Class != domain.DurationOnTime {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestRecordSaved_DropsOldestWhenFull(t *testing.T) {
	p := NewPublisher(Config{BufferSize: 2}, zerolog.Nop(), nil)

	for _, id := range []string{"d1", "d2", "d3"} {
		p.RecordSaved(domain.RecordCount, id, &domain.CountRecord{DeviceID: id})
	}

	if p.BufferSize() != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", p.BufferSize())
	}
	if got := p.Stats().MessagesDropped; got != 1 {
		t.Errorf("expected 1 dropped, got %d", got)
	}
	first := <-p.messageBuffer
	if first.Topic != "plant/count/d2" {
		t.Errorf("expected oldest dropped, next topic %q", first.Topic)
	}
}

func TestNotConnected(t *testing.T) {
	p := NewPublisher(DefaultConfig(), zerolog.Nop(), nil)
	if p.IsConnected() {
		t.Error("expected disconnected publisher")
	}
	if err := p.HealthCheck(context.Background()); !errors.Is(err, domain.ErrMQTTNotConnected) {
		t.Errorf("expected ErrMQTTNotConnected, got %v", err)
	}
	if err := p.publishRaw(context.Background(), "x", nil); !errors.Is(err, domain.ErrMQTTNotConnected) {
		t.Errorf("expected ErrMQTTNotConnected without client, got %v", err)
	}
	// Disconnect before Connect must not block or panic.
	p.Disconnect()
}
