package publish

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neilo40/vds1022_remote/internal/config"
)

func TestEncode(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &Message{
		Seq:       4,
		Timestamp: ts,
		Timebase:  0x190,
		Channels: []ChannelData{
			{Channel: 1, Voltage: "1V", Coupling: "dc", Min: -2, Max: 1.5, Mean: -0.25, Transitions: 3, Samples: []float64{-2, 1.5}},
			{Channel: 2, Voltage: "5V", Coupling: "ac"},
		},
	}

	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["seq"] != float64(4) || doc["timed_out"] != false || doc["timebase"] != float64(0x190) {
		t.Errorf("header fields = %v", doc)
	}
	if doc["timestamp"] != "2024-03-01T12:00:00Z" {
		t.Errorf("timestamp = %v", doc["timestamp"])
	}
	chs := doc["channels"].([]any)
	if len(chs) != 2 {
		t.Fatalf("channels = %v", chs)
	}
	ch1 := chs[0].(map[string]any)
	if ch1["voltage"] != "1V" || ch1["transitions"] != float64(3) || len(ch1["samples"].([]any)) != 2 {
		t.Errorf("channel 1 = %v", ch1)
	}
	if _, ok := chs[1].(map[string]any)["samples"]; ok {
		t.Error("empty samples should be omitted")
	}
}

func TestEncode_NaN(t *testing.T) {
	m := &Message{Seq: 9, Channels: []ChannelData{{Mean: math.NaN()}}}
	if _, err := Encode(m); err == nil {
		t.Error("Encode() accepted NaN")
	}
}

// TestPublisher_Redis runs against a live server named by VDS_REDIS_ADDR.
func TestPublisher_Redis(t *testing.T) {
	addr := os.Getenv("VDS_REDIS_ADDR")
	if addr == "" {
		t.Skip("VDS_REDIS_ADDR not set")
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := config.GetDefaultConfig().Redis
	cfg.Addr = addr
	cfg.ListKey = "vds1022:test:captures"
	cfg.ListLen = 2
	p, err := NewPublisher(ctx, cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	p.client.Del(ctx, cfg.ListKey)

	sub := p.client.Subscribe(ctx, cfg.Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		if err := p.Publish(ctx, &Message{Seq: seq}); err != nil {
			t.Fatalf("Publish(%d) error = %v", seq, err)
		}
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got Message
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil || got.Seq != 1 {
		t.Errorf("first message = %q (%v)", msg.Payload, err)
	}
	if n := p.client.LLen(ctx, cfg.ListKey).Val(); n != 2 {
		t.Errorf("list length = %d, want 2", n)
	}

	if err := p.PublishBatch(ctx, []*Message{{Seq: 4}, {Seq: 5}, {Seq: 6}}); err != nil {
		t.Fatalf("PublishBatch() error = %v", err)
	}
	if n := p.client.LLen(ctx, cfg.ListKey).Val(); n != 2 {
		t.Errorf("list length after batch = %d, want 2", n)
	}
	head, err := p.client.LIndex(ctx, cfg.ListKey, 0).Result()
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(head), &got); err != nil || got.Seq != 6 {
		t.Errorf("newest stored capture = %q (%v)", head, err)
	}
}
