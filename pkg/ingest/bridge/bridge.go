// Package bridge implements an optional secondary evidence ingestion
// path: an external Kafka-fed topic of anomaly/evidence records is
// consumed and re-surfaced as audit events, without being treated as
// consensus input (the node's only consensus input is the Redis-backed
// message stream). Uses the sarama consumer-group idiom:
// ConsumerGroup + ConsumerGroupHandler with Setup/Cleanup/ConsumeClaim,
// session-driven rebalance.
package bridge

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"

	"github.com/teamTripCode/tc-validator-node/pkg/utils"
)

// EvidenceRecord is the external evidence payload shape. Fields beyond
// these are ignored; this bridge does not interpret evidence semantics,
// it only surfaces them to the audit trail for operator review.
type EvidenceRecord struct {
	Source    string                 `json:"source"`
	Subject   string                 `json:"subject"`
	Severity  string                 `json:"severity"`
	Detail    map[string]interface{} `json:"detail"`
}

// Config configures the Kafka connection.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Bridge consumes EvidenceRecord messages from Kafka and writes them into
// the audit trail. It has no consensus-facing effect.
type Bridge struct {
	cfg   Config
	group sarama.ConsumerGroup
	audit *utils.AuditLogger
	log   *utils.Logger
}

// New constructs a Bridge and dials the configured Kafka brokers.
func New(cfg Config, audit *utils.AuditLogger, log *utils.Logger) (*Bridge, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_8_0_0
	saramaCfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, err
	}
	return &Bridge{cfg: cfg, group: group, audit: audit, log: log}, nil
}

// Run drives the consumer group loop until ctx is cancelled. Rebalances
// are handled by re-entering Consume, as sarama's ConsumerGroup requires.
func (b *Bridge) Run(ctx context.Context) error {
	go func() {
		for err := range b.group.Errors() {
			b.log.WarnContext(ctx, "bridge consumer group error", utils.ZapError(err))
		}
	}()

	handler := &consumerHandler{b: b}
	for {
		if err := b.group.Consume(ctx, []string{b.cfg.Topic}, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close releases the underlying Kafka client.
func (b *Bridge) Close() error {
	return b.group.Close()
}

type consumerHandler struct {
	b *Bridge
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var rec EvidenceRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			h.b.log.WarnContext(sess.Context(), "bridge: malformed evidence record", utils.ZapError(err))
			sess.MarkMessage(msg, "")
			continue
		}
		h.b.audit.Security("external_evidence_received", map[string]interface{}{
			"source":   rec.Source,
			"subject":  rec.Subject,
			"severity": rec.Severity,
			"detail":   rec.Detail,
		})
		sess.MarkMessage(msg, "")
	}
	return nil
}
