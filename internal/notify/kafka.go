package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"beerbot/internal/model"
)

const EventOrderCreated = "order.created"

type OrderEvent struct {
	Type  string      `json:"type"`
	At    time.Time   `json:"at"`
	Order model.Order `json:"order"`
}

// kafkaMessageWriter is the part of kafka.Writer the notifier uses.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes order events keyed by order number.
type KafkaNotifier struct {
	writer kafkaMessageWriter
	now    func() time.Time
}

// NewKafkaNotifier takes a comma-separated broker list.
func NewKafkaNotifier(brokers, topic string) *KafkaNotifier {
	var addrs []string
	for _, a := range strings.Split(brokers, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return newKafkaNotifier(&kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	})
}

func newKafkaNotifier(w kafkaMessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: w, now: time.Now}
}

func (k *KafkaNotifier) NotifyNewOrder(ctx context.Context, order model.Order) error {
	b, err := json.Marshal(OrderEvent{Type: EventOrderCreated, At: k.now().UTC(), Order: order})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(order.OrderNumber), Value: b}); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
