// Package publish forwards decoded captures to Redis: every capture is
// broadcast on a pub/sub channel and kept in a capped list.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/neilo40/vds1022_remote/internal/config"
)

// Message is the JSON document published for one capture.
type Message struct {
	Seq       uint64        `json:"seq"`
	Timestamp time.Time     `json:"timestamp"`
	TimedOut  bool          `json:"timed_out"`
	Timebase  uint32        `json:"timebase"`
	Channels  []ChannelData `json:"channels"`
}

// ChannelData is one decoded input.
type ChannelData struct {
	Channel     int       `json:"channel"`
	Voltage     string    `json:"voltage"`
	Coupling    string    `json:"coupling"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Mean        float64   `json:"mean"`
	Transitions int       `json:"transitions"`
	Samples     []float64 `json:"samples,omitempty"`
}

// Encode returns the wire form of m.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode capture %d: %w", m.Seq, err)
	}
	return data, nil
}

type Publisher struct {
	client  *redis.Client
	channel string
	listKey string
	listLen int64
	log     *logrus.Entry
}

// NewPublisher connects to the server in cfg and checks it answers.
func NewPublisher(ctx context.Context, cfg config.RedisConfig, log *logrus.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	p := &Publisher{
		client:  client,
		channel: cfg.Channel,
		listKey: cfg.ListKey,
		listLen: cfg.ListLen,
		log:     log.WithField("component", "publish"),
	}
	p.log.Infof("connected to redis at %s", cfg.Addr)
	return p, nil
}

// Publish broadcasts m and appends it to the capture list. Failing to store
// in the list is logged, not returned.
func (p *Publisher) Publish(ctx context.Context, m *Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish capture %d: %w", m.Seq, err)
	}

	if p.listKey == "" {
		return nil
	}
	if err := p.client.LPush(ctx, p.listKey, data).Err(); err != nil {
		p.log.Warnf("store capture %d: %v", m.Seq, err)
		return nil
	}
	if p.listLen > 0 {
		p.client.LTrim(ctx, p.listKey, 0, p.listLen-1)
	}
	return nil
}

// PublishBatch broadcasts and stores several messages in one round trip.
// A message that cannot be encoded is logged and left out.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []*Message) error {
	pipe := p.client.Pipeline()

	for _, m := range msgs {
		data, err := Encode(m)
		if err != nil {
			p.log.Errorf("%v", err)
			continue
		}
		pipe.Publish(ctx, p.channel, data)
		if p.listKey != "" {
			pipe.LPush(ctx, p.listKey, data)
		}
	}
	if p.listKey != "" && p.listLen > 0 {
		pipe.LTrim(ctx, p.listKey, 0, p.listLen-1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %d captures: %w", len(msgs), err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
