// Package kafka implements the es stream port on Kafka topics. Each stream
// is one topic; subscriptions are consumer groups.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/segmentio/kafka-go"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/internal/wire"
)

const (
	headerEventType   = "x-event-type"
	headerContentType = "content-type"

	nameAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

var validStream = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,200}$`)

type Stream struct {
	cfg    Config
	log    *slog.Logger
	events *wire.EventCodec
	writer *kafka.Writer
	closed atomic.Bool

	topics sync.Map // topic -> struct{}

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewStream(cfg Config) (*Stream, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	events, err := wire.NewEventCodec(cfg.Codec...)
	if err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}
	return &Stream{
		cfg:    cfg,
		log:    cfg.Log.With(slog.String("stream_adapter", "kafka")),
		events: events,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			BatchTimeout: cfg.BatchTimeout,
			RequiredAcks: kafka.RequireAll,
		},
		subs: map[*subscriber]struct{}{},
	}, nil
}

func (s *Stream) dialer() *kafka.Dialer {
	return &kafka.Dialer{Timeout: s.cfg.DialTimeout, DualStack: true}
}

// Init checks that a broker is reachable.
func (s *Stream) Init(ctx context.Context) error {
	if s.closed.Load() {
		return es.ErrStreamClosed
	}
	conn, err := s.dialer().DialContext(ctx, "tcp", s.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial %s: %w", s.cfg.Brokers[0], err)
	}
	defer conn.Close()
	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("kafka: list brokers: %w", err)
	}
	return nil
}

func (s *Stream) topic(stream string) string { return s.cfg.TopicPrefix + stream }

func validStreamName(name string) error {
	if !validStream.MatchString(name) {
		return fmt.Errorf("%w: invalid stream name %q", es.ErrInvalidArgument, name)
	}
	return nil
}

// ensureTopic creates topic on the controller unless this Stream already
// did so.
func (s *Stream) ensureTopic(ctx context.Context, topic string) error {
	if _, ok := s.topics.Load(topic); ok {
		return nil
	}

	conn, err := s.dialer().DialContext(ctx, "tcp", s.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	ctrl, err := s.dialer().DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer ctrl.Close()

	err = ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     s.cfg.Partitions,
		ReplicationFactor: s.cfg.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	s.topics.Store(topic, struct{}{})
	s.log.Debug("topic ensured", slog.String("topic", topic))
	return nil
}

// SendEvents writes all batches in one call. Messages are keyed by
// aggregate id so one aggregate's events stay ordered within a partition.
func (s *Stream) SendEvents(ctx context.Context, batches []es.StreamBatch) error {
	if s.closed.Load() {
		return es.ErrStreamClosed
	}

	var msgs []kafka.Message
	for _, b := range batches {
		if err := validStreamName(b.Stream); err != nil {
			return err
		}
		topic := s.topic(b.Stream)
		if err := s.ensureTopic(ctx, topic); err != nil {
			return err
		}
		for _, ev := range b.Events {
			data, err := s.events.Encode(ev)
			if err != nil {
				return fmt.Errorf("encode event %s: %w", ev.ID, err)
			}
			msgs = append(msgs, kafka.Message{
				Topic: topic,
				Key:   []byte(ev.Aggregate.ID.String()),
				Value: data,
				Time:  ev.Timestamp,
				Headers: []kafka.Header{
					{Key: headerEventType, Value: []byte(strconv.Itoa(int(ev.Type)))},
					{Key: headerContentType, Value: []byte(wire.ContentType)},
				},
			})
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka: write messages: %w", err)
	}
	return nil
}

// Subscribe joins the consumer group of the subscription. Without a group
// a unique group is generated, so the subscriber sees every event.
func (s *Stream) Subscribe(ctx context.Context, stream string, handler es.StreamHandler, opts ...es.SubscribeOption) (es.Subscriber, error) {
	if s.closed.Load() {
		return nil, es.ErrStreamClosed
	}
	if err := validStreamName(stream); err != nil {
		return nil, err
	}
	topic := s.topic(stream)
	if err := s.ensureTopic(ctx, topic); err != nil {
		return nil, err
	}

	options := es.NewSubscribeOpts(opts...)
	group := options.Group()
	if group == "" {
		suffix, err := gonanoid.Generate(nameAlphabet, 16)
		if err != nil {
			return nil, err
		}
		group = "arque-" + stream + "-" + suffix
	}
	startOffset := kafka.LastOffset
	if options.DeliverPolicy() == es.DeliverAllPolicy {
		startOffset = kafka.FirstOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.cfg.Brokers,
		Topic:       topic,
		GroupID:     group,
		StartOffset: startOffset,
		MaxWait:     s.cfg.MaxWait,
		Dialer:      s.dialer(),
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	fetchCtx, cancelFetch := context.WithCancel(handlerCtx)
	sub := &subscriber{
		parent:         s,
		reader:         reader,
		backoff:        s.cfg.FetchRetry.NewBackOff(),
		cancelFetch:    cancelFetch,
		cancelHandlers: cancelHandlers,
		done:           make(chan struct{}),
		log: options.Log().With(
			slog.String("stream_adapter", "kafka"),
			slog.String("stream", stream),
			slog.String("group", group),
		),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.run(fetchCtx, handlerCtx, stream, handler, options)
	context.AfterFunc(ctx, func() { _ = sub.Stop(context.Background()) })
	sub.log.Debug("subscribed", slog.String("deliver", string(options.DeliverPolicy())))
	return sub, nil
}

func (s *Stream) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.Stop(ctx))
	}
	errs = append(errs, s.writer.Close())
	return errors.Join(errs...)
}

// messageReader is the part of *kafka.Reader a subscriber uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type subscriber struct {
	parent         *Stream
	reader         messageReader
	backoff        backoff.BackOff
	log            *slog.Logger
	cancelFetch    context.CancelFunc
	cancelHandlers context.CancelFunc
	done           chan struct{}
	once           sync.Once
	err            error
}

func (sub *subscriber) run(fetchCtx, ctx context.Context, stream string, handler es.StreamHandler, opts es.SubscribeOpts) {
	defer close(sub.done)
	for {
		msg, err := sub.reader.FetchMessage(fetchCtx)
		if err != nil {
			if fetchCtx.Err() != nil {
				return
			}
			wait := sub.backoff.NextBackOff()
			sub.log.Error("failed to fetch message", slog.Any("error", err), slog.Duration("retry_in", wait))
			select {
			case <-fetchCtx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		sub.backoff.Reset()

		ev, err := sub.parent.events.Decode(msg.Value)
		if err != nil {
			sub.log.Error(
				"failed to decode message, skipping it",
				slog.Int64("offset", msg.Offset),
				slog.Any("error", err),
			)
		} else {
			opts.Deliver(ctx, stream, handler, ev)
		}

		if err := sub.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			sub.log.Warn("failed to commit offset", slog.Int64("offset", msg.Offset), slog.Any("error", err))
		}
	}
}

// Stop leaves the consumer group after the in-flight handler call.
func (sub *subscriber) Stop(ctx context.Context) error {
	sub.once.Do(func() {
		sub.cancelFetch()
		select {
		case <-sub.done:
		case <-ctx.Done():
			sub.cancelHandlers()
			sub.err = ctx.Err()
			return
		}
		sub.cancelHandlers()
		sub.parent.mu.Lock()
		delete(sub.parent.subs, sub)
		sub.parent.mu.Unlock()
		sub.err = sub.reader.Close()
		sub.log.Debug("unsubscribed")
	})
	return sub.err
}

var _ es.StreamAdapter = (*Stream)(nil)
