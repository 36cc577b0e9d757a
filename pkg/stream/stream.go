// Package stream implements a durable, acknowledged, consumer-grouped
// queue for ConsensusMessages backed by Redis streams (XADD/XREADGROUP/
// XACK), with a goroutine-driven consumer loop that tracks per-consumer
// delivery stats. A handler failure leaves the message pending for
// redelivery rather than always acking.
package stream

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/pkg/consensus/messages"
	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
	"github.com/teamTripCode/tc-validator-node/pkg/storage/kv"
	"github.com/teamTripCode/tc-validator-node/pkg/utils"
)

// maxMessageSize bounds a single encoded ConsensusMessage before it is
// admitted onto the stream, guarding against an oversized Block (e.g. a
// pathological PRE_PREPARE) from bloating the durable log.
const maxMessageSize = 4 << 20

var wireSerializer = utils.NewSerializer(&utils.SerializerConfig{MaxSize: maxMessageSize})

// StreamName and GroupName identify the shared Redis stream and
// consumer group.
const (
	StreamName = "consensus_messages"
	GroupName  = "consensus_processors"
)

// Read-loop batching and polling parameters.
const (
	BatchSize    = 50
	BlockMs      = 100 * time.Millisecond
	PollInterval = 50 * time.Millisecond
)

// Handler is Replica.ProcessQueued: the post-queue entrypoint.
type Handler func(ctx context.Context, m *ctypes.ConsensusMessage) error

// Stats are the per-consumer delivery counters.
type Stats struct {
	Delivered uint64
	Acked     uint64
	Failed    uint64
}

// Consumer runs the consumer-group read loop for one replica process.
type Consumer struct {
	client       kv.Client
	codec        *messages.Codec
	handler      Handler
	consumerName string
	log          *utils.Logger

	stats Stats

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Consumer with a stable, process-unique consumer name.
func New(client kv.Client, codec *messages.Codec, handler Handler, log *utils.Logger) *Consumer {
	return &Consumer{
		client:       client,
		codec:        codec,
		handler:      handler,
		consumerName: "consumer-" + uuid.NewString(),
		log:          log,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Enqueue appends m to the stream, returning the server-assigned id
//. Returns only after the durable write completes.
func (c *Consumer) Enqueue(ctx context.Context, m *ctypes.ConsensusMessage) (string, error) {
	data, err := c.codec.Encode(m)
	if err != nil {
		return "", fmt.Errorf("stream: encode: %w", err)
	}
	if err := wireSerializer.CheckSize(data); err != nil {
		return "", fmt.Errorf("stream: message too large: %w", err)
	}
	return c.client.StreamAppend(ctx, StreamName, map[string]interface{}{
		"data": base64.StdEncoding.EncodeToString(data),
	})
}

// EnsureGroup idempotently creates the consumer group.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	return c.client.StreamCreateGroup(ctx, StreamName, GroupName)
}

// Start runs the blocking read/dispatch/ack loop until ctx is cancelled or
// Stop is called. At most one batch is ever in flight: the next read only
// begins after every message in the previous batch has been handled
//.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("stream: ensure group: %w", err)
	}
	go c.loop(ctx)
	return nil
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.doneCh)
	readFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		msgs, err := c.client.StreamReadGroup(ctx, StreamName, GroupName, c.consumerName, BatchSize, BlockMs)
		if err != nil {
			c.log.WarnContext(ctx, "stream read failed", zap.Error(err))
			delay := utils.ExponentialBackoff(readFailures, PollInterval, 5*time.Second, 0.2)
			readFailures++
			if sleepErr := utils.SleepWithContext(ctx, delay); sleepErr != nil {
				return
			}
			continue
		}
		readFailures = 0
		if len(msgs) == 0 {
			if sleepErr := utils.SleepWithContext(ctx, PollInterval); sleepErr != nil {
				return
			}
			continue
		}

		for _, sm := range msgs {
			atomic.AddUint64(&c.stats.Delivered, 1)
			raw, ok := sm.Fields["data"]
			if !ok {
				atomic.AddUint64(&c.stats.Failed, 1)
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				atomic.AddUint64(&c.stats.Failed, 1)
				continue
			}
			m, err := c.codec.Decode(decoded)
			if err != nil {
				atomic.AddUint64(&c.stats.Failed, 1)
				continue
			}
			if err := c.handler(ctx, m); err != nil {
				atomic.AddUint64(&c.stats.Failed, 1)
				c.log.WarnContext(ctx, "handler failed, leaving message pending", zap.String("id", sm.ID), zap.Error(err))
				continue // do NOT ack on handler failure
			}
			if err := c.client.StreamAck(ctx, StreamName, GroupName, sm.ID); err != nil {
				c.log.WarnContext(ctx, "ack failed", zap.String("id", sm.ID), zap.Error(err))
				continue
			}
			atomic.AddUint64(&c.stats.Acked, 1)
		}
	}
}

// Stop signals the loop to exit and waits for it to finish.
func (c *Consumer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// Snapshot returns a copy of the current stats.
func (c *Consumer) Snapshot() Stats {
	return Stats{
		Delivered: atomic.LoadUint64(&c.stats.Delivered),
		Acked:     atomic.LoadUint64(&c.stats.Acked),
		Failed:    atomic.LoadUint64(&c.stats.Failed),
	}
}
