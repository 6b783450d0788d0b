package auditspool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

// Emitter delivers one audit record to the collector named destination.
// Emitters own their timeouts. A nil error means the collector accepted the
// record; any error leaves the spool file in place for a later attempt.
type Emitter interface {
	Emit(ctx context.Context, destination string, rec *AuditRecord) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, destination string, rec *AuditRecord) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, destination string, rec *AuditRecord) error {
	return f(ctx, destination, rec)
}

// Router sends records to the emitter registered for their destination.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Emitter
	fallback Emitter
}

// NewRouter creates a router that uses fallback for unregistered
// destinations. fallback may be nil.
func NewRouter(fallback Emitter) *Router {
	return &Router{routes: make(map[string]Emitter), fallback: fallback}
}

// Handle registers e for destination.
func (r *Router) Handle(destination string, e Emitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[destination] = e
}

// Emit implements Emitter.
func (r *Router) Emit(ctx context.Context, destination string, rec *AuditRecord) error {
	r.mu.RLock()
	e, ok := r.routes[destination]
	r.mu.RUnlock()
	if !ok {
		e = r.fallback
	}
	if e == nil {
		return fmt.Errorf("%w: no emitter for %q", ErrUnknownDestination, destination)
	}
	return e.Emit(ctx, destination, rec)
}

// KafkaEmitter implements Emitter using Kafka.
type KafkaEmitter struct {
	producer   sarama.SyncProducer
	topic      string
	topics     map[string]string
	maxRetries int
	retryDelay time.Duration
}

// KafkaOption configures KafkaEmitter.
type KafkaOption func(*KafkaEmitter)

// WithKafkaRetries sets the number of retries.
func WithKafkaRetries(n int) KafkaOption {
	return func(e *KafkaEmitter) { e.maxRetries = n }
}

// WithKafkaRetryDelay sets the initial retry delay.
func WithKafkaRetryDelay(d time.Duration) KafkaOption {
	return func(e *KafkaEmitter) { e.retryDelay = d }
}

// WithKafkaDestinationTopic sends records for destination to topic instead
// of the default topic.
func WithKafkaDestinationTopic(destination, topic string) KafkaOption {
	return func(e *KafkaEmitter) { e.topics[destination] = topic }
}

// NewKafkaEmitter creates a Kafka emitter.
func NewKafkaEmitter(brokers []string, topic string, opts ...KafkaOption) (*KafkaEmitter, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewKafkaEmitterWithProducer(producer, topic, opts...), nil
}

// NewKafkaEmitterWithProducer wraps an existing producer.
func NewKafkaEmitterWithProducer(producer sarama.SyncProducer, topic string, opts ...KafkaOption) *KafkaEmitter {
	e := &KafkaEmitter{
		producer:   producer,
		topic:      topic,
		topics:     make(map[string]string),
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit sends a record to Kafka with retry logic. The record ID is the
// message key so that redeliveries land in the same partition.
func (e *KafkaEmitter) Emit(ctx context.Context, destination string, rec *AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	topic := e.topic
	if t, ok := e.topics[destination]; ok {
		topic = t
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(rec.ID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("destination"), Value: []byte(destination)},
			{Key: []byte("event_code"), Value: []byte(rec.EventCode)},
		},
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryDelay
	b.MaxElapsedTime = 0
	retries := e.maxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
	return backoff.Retry(func() error {
		_, _, err := e.producer.SendMessage(msg)
		return err
	}, policy)
}

// Close shuts down the producer.
func (e *KafkaEmitter) Close() error {
	return e.producer.Close()
}
