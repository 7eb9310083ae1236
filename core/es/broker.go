package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrBrokerRunning = errors.New("broker already running")

type (
	brokerOpts struct {
		log     *slog.Logger
		source  string
		group   string
		retry   *RetryPolicy
		deliver DeliverPolicy
	}
	BrokerOption interface{ applyToBroker(*brokerOpts) }
)

func (o LogOption) applyToBroker(b *brokerOpts)           { b.log = o.v }
func (o StreamOption) applyToBroker(b *brokerOpts)        { b.source = o.v }
func (o ConsumerGroupOption) applyToBroker(b *brokerOpts) { b.group = o.v }
func (o HandlerRetryOption) applyToBroker(b *brokerOpts)  { p := o.v; b.retry = &p }
func (o DeliverPolicyOption) applyToBroker(b *brokerOpts) { b.deliver = o.v }

// Broker fans events out of the main stream into every stream configured
// for their type.
type Broker struct {
	config ConfigAdapter
	stream StreamAdapter
	opts   brokerOpts
	log    *slog.Logger

	mu  sync.Mutex
	sub Subscriber
}

func NewBroker(config ConfigAdapter, stream StreamAdapter, opts ...BrokerOption) *Broker {
	options := brokerOpts{
		log:     slog.Default(),
		source:  MainStream,
		group:   "broker",
		deliver: DeliverNewPolicy,
	}
	for _, opt := range opts {
		opt.applyToBroker(&options)
	}
	return &Broker{
		config: config,
		stream: stream,
		opts:   options,
		log:    options.log.With(slog.String("component", "broker")),
	}
}

func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return ErrBrokerRunning
	}

	subOpts := []SubscribeOption{
		WithLog(b.log),
		WithConsumerGroup(b.opts.group),
		WithDeliverPolicy(b.opts.deliver),
	}
	if b.opts.retry != nil {
		subOpts = append(subOpts, WithHandlerRetry(*b.opts.retry))
	}

	sub, err := b.stream.Subscribe(ctx, b.opts.source, b.relay, subOpts...)
	if err != nil {
		return fmt.Errorf("subscribe to %q: %w", b.opts.source, err)
	}
	b.sub = sub
	b.log.Info("broker started", slog.String("source", b.opts.source))
	return nil
}

func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Stop(ctx)
}

func (b *Broker) relay(ctx context.Context, ev Event) error {
	streams, err := b.config.FindStreams(ctx, ev.Type)
	if err != nil {
		return fmt.Errorf("find streams: %w", err)
	}
	if len(streams) == 0 {
		b.log.Warn("no streams configured for event type", ev.SlogAttr())
		return nil
	}

	batches := make([]StreamBatch, len(streams))
	for i, s := range streams {
		batches[i] = StreamBatch{Stream: s, Events: []Event{ev}}
	}
	return b.stream.SendEvents(ctx, batches)
}
