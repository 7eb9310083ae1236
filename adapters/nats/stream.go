// Package nats provides JetStream backed implementations of the es stream
// port and the kv port.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/arque-go/core/codec"
	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/internal/wire"
)

const (
	defaultStreamName    = "ARQUE"
	defaultSubjectPrefix = "arque.stream"
	defaultMaxAge        = 7 * 24 * time.Hour
	defaultAckWait       = 30 * time.Second

	headerEventType   = "x-event-type"
	headerAggregateID = "x-aggregate-id"
	headerContentType = "content-type"

	nameAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// RetentionPolicy defines how messages are retained in the stream.
type RetentionPolicy string

const (
	// RetentionLimits keeps messages until MaxAge, MaxBytes or MaxMsgs is
	// reached.
	RetentionLimits RetentionPolicy = "limits"
	// RetentionInterest keeps messages while consumers have not
	// acknowledged them.
	RetentionInterest RetentionPolicy = "interest"
)

func (r RetentionPolicy) toJetStream() jetstream.RetentionPolicy {
	if r == RetentionInterest {
		return jetstream.InterestPolicy
	}
	return jetstream.LimitsPolicy
}

type StreamConfig struct {
	// Connect creates the NATS connection. When nil, URL is used, then
	// ConnectDefault.
	Connect Connector    `yaml:"-"`
	Log     *slog.Logger `yaml:"-"`
	// Codec entries extend the default value codec of the wire format.
	Codec []codec.Entry `yaml:"-"`

	URL string `yaml:"url" env:"URL"`
	// StreamName is the JetStream stream holding every es stream.
	StreamName string `yaml:"stream_name" env:"STREAM_NAME" envDefault:"ARQUE"`
	// SubjectPrefix is followed by the es stream name: <prefix>.<stream>.
	SubjectPrefix string          `yaml:"subject_prefix" env:"SUBJECT_PREFIX" envDefault:"arque.stream"`
	Retention     RetentionPolicy `yaml:"retention" env:"RETENTION" envDefault:"limits"`
	MaxAge        time.Duration   `yaml:"max_age" env:"MAX_AGE" envDefault:"168h"`
	MaxBytes      int64           `yaml:"max_bytes" env:"MAX_BYTES"`
	MaxMsgs       int64           `yaml:"max_msgs" env:"MAX_MSGS"`
	AckWait       time.Duration   `yaml:"ack_wait" env:"ACK_WAIT" envDefault:"30s"`
}

// Stream is an es.StreamAdapter on JetStream. Every es stream is a subject
// of one JetStream stream; subscriptions are pull consumers filtered on
// that subject. Consumer groups map to durable consumers.
type Stream struct {
	cfg    StreamConfig
	log    *slog.Logger
	events *wire.EventCodec
	closed atomic.Bool

	initOnce sync.Once
	initErr  error
	nc       *natsgo.Conn
	closeNc  closeFunc
	js       jetstream.JetStream
	stream   jetstream.Stream

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.StreamName == "" {
		cfg.StreamName = defaultStreamName
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultSubjectPrefix
	}
	if cfg.MaxAge == 0 && cfg.MaxBytes == 0 && cfg.MaxMsgs == 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}
	if cfg.Connect == nil {
		if cfg.URL != "" {
			cfg.Connect = ConnectURL(cfg.URL)
		} else {
			cfg.Connect = ConnectDefault()
		}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	events, err := wire.NewEventCodec(cfg.Codec...)
	if err != nil {
		return nil, fmt.Errorf("nats: %w", err)
	}

	return &Stream{
		cfg: cfg,
		log: cfg.Log.With(
			slog.String("stream_adapter", "nats"),
			slog.String("js_stream", strings.ToUpper(cfg.StreamName)),
		),
		events: events,
		subs:   map[*subscriber]struct{}{},
	}, nil
}

// Init connects and ensures the JetStream stream exists.
func (s *Stream) Init(ctx context.Context) error {
	if s.closed.Load() {
		return es.ErrStreamClosed
	}
	s.initOnce.Do(func() { s.initErr = s.connect(ctx) })
	return s.initErr
}

func (s *Stream) connect(ctx context.Context) error {
	nc, closeNc, err := s.cfg.Connect()
	if err != nil {
		return fmt.Errorf("nats: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return fmt.Errorf("nats: jetstream: %w", err)
	}

	maxBytes, maxMsgs := s.cfg.MaxBytes, s.cfg.MaxMsgs
	if maxBytes == 0 {
		maxBytes = -1
	}
	if maxMsgs == 0 {
		maxMsgs = -1
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      strings.ToUpper(s.cfg.StreamName),
		Subjects:  []string{s.cfg.SubjectPrefix + ".>"},
		Retention: s.cfg.Retention.toJetStream(),
		Storage:   jetstream.FileStorage,
		MaxAge:    s.cfg.MaxAge,
		MaxBytes:  maxBytes,
		MaxMsgs:   maxMsgs,
	})
	if err != nil {
		closeNc()
		return fmt.Errorf("nats: ensure stream: %w", err)
	}

	s.nc, s.closeNc, s.js, s.stream = nc, closeNc, js, stream
	s.log.Debug("stream adapter initialized")
	return nil
}

func (s *Stream) ready(ctx context.Context) error {
	if s.closed.Load() {
		return es.ErrStreamClosed
	}
	return s.Init(ctx)
}

func validStreamName(name string) error {
	if name == "" || strings.ContainsAny(name, ".*> \t\n") {
		return fmt.Errorf("%w: invalid stream name %q", es.ErrInvalidArgument, name)
	}
	return nil
}

func (s *Stream) subject(stream string) string { return s.cfg.SubjectPrefix + "." + stream }

// SendEvents publishes all batches and waits for every acknowledgement.
func (s *Stream) SendEvents(ctx context.Context, batches []es.StreamBatch) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	var futures []jetstream.PubAckFuture
	for _, b := range batches {
		if err := validStreamName(b.Stream); err != nil {
			return err
		}
		for _, ev := range b.Events {
			msg, err := s.message(b.Stream, ev)
			if err != nil {
				return err
			}
			f, err := s.js.PublishMsgAsync(msg, jetstream.WithMsgID(ev.ID.String()+"."+b.Stream))
			if err != nil {
				return fmt.Errorf("publish to %s: %w", msg.Subject, err)
			}
			futures = append(futures, f)
		}
	}

	var errs []error
	for _, f := range futures {
		select {
		case <-f.Ok():
		case err := <-f.Err():
			errs = append(errs, fmt.Errorf("publish to %s: %w", f.Msg().Subject, err))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

func (s *Stream) message(stream string, ev es.Event) (*natsgo.Msg, error) {
	data, err := s.events.Encode(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	msg := natsgo.NewMsg(s.subject(stream))
	msg.Header.Set(headerEventType, fmt.Sprint(int32(ev.Type)))
	msg.Header.Set(headerAggregateID, ev.Aggregate.ID.String())
	msg.Header.Set(headerContentType, wire.ContentType)
	msg.Data = data
	return msg, nil
}

// consumerName derives a durable name from stream and group.
func consumerName(stream, group string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, stream+"_"+group)
}

func (s *Stream) Subscribe(ctx context.Context, stream string, handler es.StreamHandler, opts ...es.SubscribeOption) (es.Subscriber, error) {
	if err := validStreamName(stream); err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	options := es.NewSubscribeOpts(opts...)

	cfg := jetstream.ConsumerConfig{
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.cfg.AckWait,
		FilterSubject: s.subject(stream),
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if options.DeliverPolicy() == es.DeliverAllPolicy {
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}

	durable := options.Group() != ""
	if durable {
		cfg.Durable = consumerName(stream, options.Group())
	} else {
		name, err := gonanoid.Generate(nameAlphabet, 16)
		if err != nil {
			return nil, err
		}
		cfg.Name = consumerName(stream, name)
		cfg.InactiveThreshold = 5 * time.Minute
	}

	consumer, err := s.stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", stream, err)
	}

	log := options.Log().With(
		slog.String("stream_adapter", "nats"),
		slog.String("stream", stream),
		slog.String("consumer", consumer.CachedInfo().Name),
	)
	sub := &subscriber{parent: s, name: consumer.CachedInfo().Name, durable: durable, log: log}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub.cancel = cancel
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ev, err := s.events.Decode(msg.Data())
		if err != nil {
			log.Error("failed to decode message, terminating it", slog.Any("error", err))
			_ = msg.Term()
			return
		}
		options.Deliver(runCtx, stream, handler, ev)
		if err := msg.Ack(); err != nil {
			log.Warn("failed to ack message", ev.SlogAttr(), slog.Any("error", err))
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("consume %s: %w", stream, err)
	}
	sub.cc = cc

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	context.AfterFunc(ctx, func() { _ = sub.Stop(context.Background()) })
	log.Debug("subscribed", slog.String("deliver", string(options.DeliverPolicy())))
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
	if s.nc != nil {
		s.js.CleanupPublisher()
		s.closeNc()
	}
	s.log.Debug("stream adapter closed")
	return errors.Join(errs...)
}

type subscriber struct {
	parent  *Stream
	name    string
	durable bool
	log     *slog.Logger
	cc      jetstream.ConsumeContext
	cancel  context.CancelFunc
	once    sync.Once
}

// Stop stops consuming and waits for the in-flight handler call. Ephemeral
// consumers are deleted; durable consumers keep their position.
func (sub *subscriber) Stop(ctx context.Context) error {
	var err error
	sub.once.Do(func() {
		sub.cc.Stop()
		select {
		case <-sub.cc.Closed():
		case <-ctx.Done():
			err = ctx.Err()
		}
		sub.cancel()

		sub.parent.mu.Lock()
		delete(sub.parent.subs, sub)
		sub.parent.mu.Unlock()

		if !sub.durable && !sub.parent.nc.IsClosed() {
			delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), natsgo.DefaultTimeout)
			defer cancel()
			if delErr := sub.parent.stream.DeleteConsumer(delCtx, sub.name); delErr != nil && !errors.Is(delErr, jetstream.ErrConsumerNotFound) {
				sub.log.Warn("failed to delete consumer", slog.Any("error", delErr))
			}
		}
		sub.log.Debug("unsubscribed")
	})
	return err
}

var _ es.StreamAdapter = (*Stream)(nil)
