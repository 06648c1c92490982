// internal/control/plane.go
package control

import (
	"context"
	"encoding/json"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"

	"github.com/servitorhq/servitor/pkg/config"
	errs "github.com/servitorhq/servitor/pkg/errors"
	"github.com/servitorhq/servitor/pkg/lifecycle"
	"github.com/servitorhq/servitor/pkg/logging"
	"github.com/servitorhq/servitor/pkg/service"
)

const (
	readTimeout    = 100 * time.Millisecond
	flushTimeoutMs = 15 * 1000
)

// messageReader is the slice of kafka.Consumer the plane uses. Tests fake it.
type messageReader interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

// messageWriter is the slice of kafka.Producer the plane uses.
type messageWriter interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Plane consumes lifecycle commands from the command topic, dispatches them
// against the registry, and produces a result per command on the result
// topic, keyed by command id.
type Plane struct {
	cfg        config.KafkaConfig
	consumer   messageReader
	producer   messageWriter
	dispatcher *Dispatcher
	logger     *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPlane connects the Kafka consumer and producer for the configured
// brokers and topics.
func NewPlane(cfg config.KafkaConfig, registry *service.Registry, logger *logging.Logger) (*Plane, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"group.id":          cfg.ConsumerGroup,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, errs.ControlWrapWithCode(err, errs.OpConsume, errs.ControlErrConsumer,
			"creating kafka consumer")
	}

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
	})
	if err != nil {
		return nil, errs.ControlWrapWithCode(err, errs.OpPublish, errs.ControlErrPublish,
			"creating kafka producer")
	}

	return newPlane(cfg, consumer, producer, registry, logger), nil
}

// newPlane wires arbitrary reader/writer implementations, for tests.
func newPlane(cfg config.KafkaConfig, consumer messageReader, producer messageWriter, registry *service.Registry, logger *logging.Logger) *Plane {
	return &Plane{
		cfg:        cfg,
		consumer:   consumer,
		producer:   producer,
		dispatcher: NewDispatcher(registry, logger),
		logger:     logger.WithField("component", "control"),
	}
}

// Service wraps the plane in a lifecycle manager so the registry can
// supervise it.
func (p *Plane) Service(cfg *config.ServiceConfig, logger *logging.Logger, opts ...lifecycle.Option) *lifecycle.Manager {
	opts = append(opts,
		lifecycle.WithStartHook(p.start),
		lifecycle.WithStopHook(p.stop),
	)
	return lifecycle.New(cfg, logger, opts...)
}

func (p *Plane) start(ctx context.Context) error {
	if err := p.consumer.SubscribeTopics([]string{p.cfg.CommandTopic}, nil); err != nil {
		return errs.ControlWrapWithCode(err, errs.OpConsume, errs.ControlErrConsumer,
			"subscribing to command topic")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx)
	return nil
}

func (p *Plane) stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the consume loop. It polls with a short timeout so cancellation is
// observed promptly, and drains the producer before closing.
func (p *Plane) run(ctx context.Context) {
	defer close(p.done)

	p.logger.Info("control plane started",
		"command_topic", p.cfg.CommandTopic, "result_topic", p.cfg.ResultTopic)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("control plane shutting down")
			if err := p.consumer.Close(); err != nil {
				p.logger.WithError(err).Error("error closing consumer")
			}
			p.producer.Flush(flushTimeoutMs)
			p.producer.Close()
			return

		default:
			msg, err := p.consumer.ReadMessage(readTimeout)
			if err != nil {
				if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				p.logger.WithError(err).Error("error reading message")
				continue
			}
			p.handleMessage(ctx, msg)
		}
	}
}

// handleMessage decodes and dispatches one command. Decode failures and
// unknown services produce failure results; the loop always continues.
func (p *Plane) handleMessage(ctx context.Context, msg *kafka.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		p.logger.WithError(err).Error("failed to decode command")
		p.publishResult(Result{
			ID: uuid.New().String(),
			Error: errs.ControlWrapWithCode(err, errs.OpDispatch, errs.ControlErrDecode,
				"decoding command").Error(),
		})
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}

	p.publishResult(p.dispatcher.Dispatch(ctx, cmd))
}

// publishResult produces one result on the result topic, keyed by the
// command id.
func (p *Plane) publishResult(result Result) {
	payload, err := json.Marshal(result)
	if err != nil {
		p.logger.WithError(err).Error("failed to encode result", "command_id", result.ID)
		return
	}

	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &p.cfg.ResultTopic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(result.ID),
		Value: payload,
	}, nil)
	if err != nil {
		p.logger.WithError(err).Error("failed to publish result", "command_id", result.ID)
	}
}
