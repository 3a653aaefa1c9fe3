// Package kafkaunit implements a Kafka-sourced unit: it consumes
// payload snapshots (spec §6.2 JSON, one document per record) from a
// topic and republishes the latest one, the way the teacher's state
// consumer folds a partition's records into downstream state.
package kafkaunit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/comms"
	"github.com/route-beacon/rtr-proxy/internal/metrics"
	"github.com/route-beacon/rtr-proxy/internal/payload"
)

const metricsLabel = "kafkaunit"

// Config describes one Kafka-sourced unit.
type Config struct {
	Brokers       []string
	Topic         string
	GroupID       string
	ClientID      string
	FetchMaxBytes int32
	TLS           bool
}

func (c Config) Normalize() Config {
	if c.FetchMaxBytes == 0 {
		c.FetchMaxBytes = 1 << 20
	}
	if c.ClientID == "" {
		c.ClientID = "rtr-proxy"
	}
	return c
}

// Unit consumes payload snapshots from a Kafka topic.
type Unit struct {
	cfg    Config
	gate   *comms.Gate
	logger *zap.Logger
	client *kgo.Client
	joined atomic.Bool
}

// New builds a unit and its underlying Kafka client. The client connects
// lazily; construction only validates options.
func New(cfg Config, logger *zap.Logger) (*Unit, error) {
	cfg = cfg.Normalize()
	u := &Unit{cfg: cfg, gate: comms.NewGate(), logger: logger}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ClientID(cfg.ClientID),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			u.joined.Store(true)
			logger.Info("kafka unit: partitions assigned", zap.String("topic", cfg.Topic))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			u.joined.Store(false)
			logger.Info("kafka unit: partitions revoked", zap.String("topic", cfg.Topic))
		}),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	u.client = client
	return u, nil
}

// Gate returns the unit's publication point.
func (u *Unit) Gate() *comms.Gate { return u.gate }

// IsJoined reports whether the consumer group currently holds any
// partition assignment, for readiness checks.
func (u *Unit) IsJoined() bool { return u.joined.Load() }

// Run polls the topic until ctx is cancelled, decoding each record's
// value as a payload snapshot and republishing the latest successfully
// decoded one. A record that fails to decode is logged and skipped
// rather than torn down, since one bad publish on the topic shouldn't
// stall every downstream subscriber.
func (u *Unit) Run(ctx context.Context) {
	defer u.gate.Close()
	defer u.client.Close()

	for {
		fetches := u.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				u.logger.Error("kafka unit: fetch error",
					zap.String("topic", e.Topic), zap.Int32("partition", e.Partition), zap.Error(e.Err))
			}
			u.gate.SetStalled()
			metrics.GateHealthy.WithLabelValues(metricsLabel).Set(0)
		}

		var batch []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) { batch = append(batch, r) })

		latest, haveLatest, lastRecord := selectLatestSnapshot(batch, u.logger)
		if haveLatest {
			u.gate.Publish(latest)
			metrics.GatePublishTotal.WithLabelValues(metricsLabel).Inc()
			metrics.GateHealthy.WithLabelValues(metricsLabel).Set(1)
			u.client.MarkCommitRecords(lastRecord)
			commitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := u.client.CommitMarkedOffsets(commitCtx); err != nil {
				u.logger.Error("kafka unit: commit offsets failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// selectLatestSnapshot decodes each record as a payload snapshot in
// offset order and returns the last one that decoded successfully, along
// with the record to commit through. A record that fails to decode is
// logged and skipped rather than aborting the whole batch, since one bad
// publish on the topic shouldn't stall every downstream subscriber.
func selectLatestSnapshot(batch []*kgo.Record, logger *zap.Logger) (payload.Payload, bool, *kgo.Record) {
	var latest payload.Payload
	haveLatest := false
	var lastRecord *kgo.Record
	for _, r := range batch {
		p, err := payload.DecodeJSON(r.Value)
		if err != nil {
			logger.Warn("kafka unit: discarding malformed record",
				zap.Int64("offset", r.Offset), zap.Error(err))
			continue
		}
		latest = p
		haveLatest = true
		lastRecord = r
	}
	return latest, haveLatest, lastRecord
}
