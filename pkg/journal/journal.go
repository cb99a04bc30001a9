// Package journal mirrors the events a session applied to an external log.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mahaj/groupsync/pkg/model"
)

// Entry is one applied event.
type Entry struct {
	GroupID   string          `json:"group_id"`
	Type      model.EventType `json:"type"`
	MessageID model.ID        `json:"message_id"`
	MemberID  string          `json:"member_id,omitempty"`
	Delta     int             `json:"delta,omitempty"`
	// Local is set for the client's own sends and deletes.
	Local     bool      `json:"local,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

type Sink interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) error { return nil }
func (Discard) Close() error                        { return nil }

// Kafka writes entries to a topic keyed by group id, so one group's entries
// stay ordered within a partition.
type Kafka struct {
	w   *kafka.Writer
	log *zap.Logger
}

func NewKafka(brokers []string, topic string, log *zap.Logger) *Kafka {
	if log == nil {
		log = zap.NewNop()
	}
	k := &Kafka{log: log}
	k.w = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion:   k.completed,
	}
	return k
}

func (k *Kafka) Record(ctx context.Context, e Entry) error {
	msg, err := encode(e)
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, msg)
}

func (k *Kafka) completed(msgs []kafka.Message, err error) {
	if err != nil {
		k.log.Warn("journal_write_failed", zap.Int("count", len(msgs)), zap.Error(err))
	}
}

func (k *Kafka) Close() error { return k.w.Close() }

func encode(e Entry) (kafka.Message, error) {
	if e.AppliedAt.IsZero() {
		e.AppliedAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(e.GroupID), Value: b, Time: e.AppliedAt}, nil
}
