// Package kafkatarget implements a Kafka export target: it publishes
// every upstream payload change as a spec §6.2 JSON document to a topic,
// one record per publication, built the same way the consumer side of
// this module constructs its franz-go client.
package kafkatarget

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/comms"
	"github.com/route-beacon/rtr-proxy/internal/payload"
)

// Config describes one Kafka target.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

func (c Config) Normalize() Config {
	if c.ClientID == "" {
		c.ClientID = "rtr-proxy"
	}
	return c
}

// Target republishes every change on its subscribed source to a Kafka
// topic.
type Target struct {
	cfg    Config
	source *comms.Link
	logger *zap.Logger
	client *kgo.Client
}

// New builds a target and its underlying Kafka producer client.
func New(cfg Config, source *comms.Link, logger *zap.Logger) (*Target, error) {
	cfg = cfg.Normalize()
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, err
	}
	return &Target{cfg: cfg, source: source, logger: logger, client: client}, nil
}

// Run publishes the subscribed source's payload to the configured topic
// on every change until ctx is cancelled.
func (t *Target) Run(ctx context.Context) {
	defer t.client.Close()

	for {
		state, err := t.source.Updated(ctx)
		if err != nil {
			return
		}
		if state.Health != comms.Healthy {
			continue
		}

		body, err := payload.EncodeJSON(state.Payload)
		if err != nil {
			t.logger.Error("kafka target: encoding payload", zap.Error(err))
			continue
		}

		record := &kgo.Record{Topic: t.cfg.Topic, Value: body}
		result := t.client.ProduceSync(ctx, record)
		if err := result.FirstErr(); err != nil {
			t.logger.Error("kafka target: produce failed", zap.Error(err))
		}
	}
}
