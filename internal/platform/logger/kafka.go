package logger

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"caepi/pkg/platform/circuit"
)

// Producer is the subset of *kgo.Client used by the Kafka sink.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaWriter ships each JSON log line as one Kafka record. Produce is
// asynchronous; delivery failures feed a circuit breaker, and while it is
// open lines are dropped instead of queued.
type KafkaWriter struct {
	producer Producer
	topic    string
	breaker  *circuit.Breaker
}

// NewKafkaWriter wraps producer. A nil breaker gets the package defaults.
func NewKafkaWriter(producer Producer, topic string, breaker *circuit.Breaker) *KafkaWriter {
	if breaker == nil {
		breaker = circuit.New("log-kafka", circuit.WithFailureThreshold(5), circuit.WithCooldown(30*time.Second))
	}
	return &KafkaWriter{producer: producer, topic: topic, breaker: breaker}
}

// Write never blocks on the broker and never fails; slog.JSONHandler calls it
// once per record.
func (w *KafkaWriter) Write(p []byte) (int, error) {
	if !w.breaker.Allow() {
		return len(p), nil
	}
	value := make([]byte, len(p))
	copy(value, p)
	if n := len(value); n > 0 && value[n-1] == '\n' {
		value = value[:n-1]
	}
	w.producer.Produce(context.Background(), &kgo.Record{Topic: w.topic, Value: value}, func(_ *kgo.Record, err error) {
		if err != nil {
			w.breaker.RecordFailure()
			return
		}
		w.breaker.RecordSuccess()
	})
	return len(p), nil
}

// Close flushes buffered records for up to five seconds and closes the client.
func (w *KafkaWriter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.producer.Flush(ctx)
	w.producer.Close()
	return err
}

func newKafkaClient(brokers []string, topic string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(50*time.Millisecond),
		kgo.RecordDeliveryTimeout(10*time.Second),
		kgo.AllowAutoTopicCreation(),
	)
}
