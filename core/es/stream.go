package es

import (
	"context"
	"log/slog"
	"time"
)

type (
	// StreamBatch is a group of events published to one stream.
	StreamBatch struct {
		Stream string
		Events []Event
	}

	// StreamHandler consumes one delivered event. A returned error is
	// retried according to the subscription retry policy, then logged.
	StreamHandler func(ctx context.Context, ev Event) error

	Subscriber interface {
		// Stop ends delivery and waits for the in-flight handler call.
		Stop(ctx context.Context) error
	}

	// StreamAdapter publishes events to named streams and delivers them to
	// subscribers.
	StreamAdapter interface {
		Init(ctx context.Context) error
		SendEvents(ctx context.Context, batches []StreamBatch) error
		Subscribe(ctx context.Context, stream string, handler StreamHandler, opts ...SubscribeOption) (Subscriber, error)
		Close(ctx context.Context) error
	}
)

type DeliverPolicy string

const (
	DeliverAllPolicy DeliverPolicy = "all"
	DeliverNewPolicy DeliverPolicy = "new"
)

type (
	SubscribeOpts struct {
		log           *slog.Logger
		retry         *RetryPolicy
		group         string
		deliverPolicy DeliverPolicy
	}
	SubscribeOption interface{ applyToSubscribe(*SubscribeOpts) }

	HandlerRetryOption  valueOption[RetryPolicy]
	ConsumerGroupOption valueOption[string]
	DeliverPolicyOption valueOption[DeliverPolicy]
)

// WithHandlerRetry retries failed handler calls with p before giving up on
// the event.
func WithHandlerRetry(p RetryPolicy) HandlerRetryOption { return HandlerRetryOption{v: p} }

// WithConsumerGroup makes subscribers with the same group share the
// stream, each event going to one of them. Adapters without group support
// ignore it.
func WithConsumerGroup(name string) ConsumerGroupOption { return ConsumerGroupOption{v: name} }

func WithDeliverPolicy(p DeliverPolicy) DeliverPolicyOption { return DeliverPolicyOption{v: p} }

func (o HandlerRetryOption) applyToSubscribe(s *SubscribeOpts)  { p := o.v; s.retry = &p }
func (o ConsumerGroupOption) applyToSubscribe(s *SubscribeOpts) { s.group = o.v }
func (o DeliverPolicyOption) applyToSubscribe(s *SubscribeOpts) { s.deliverPolicy = o.v }
func (o LogOption) applyToSubscribe(s *SubscribeOpts)           { s.log = o.v }

func NewSubscribeOpts(opts ...SubscribeOption) SubscribeOpts {
	options := SubscribeOpts{
		log:           slog.Default(),
		deliverPolicy: DeliverNewPolicy,
	}
	for _, opt := range opts {
		opt.applyToSubscribe(&options)
	}
	return options
}

func (o SubscribeOpts) Group() string                { return o.group }
func (o SubscribeOpts) DeliverPolicy() DeliverPolicy { return o.deliverPolicy }
func (o SubscribeOpts) Log() *slog.Logger            { return o.log }

// Deliver calls handler for ev, retrying per the options. It reports
// whether the handler eventually succeeded; the final failure is logged.
func (o SubscribeOpts) Deliver(ctx context.Context, stream string, handler StreamHandler, ev Event) bool {
	var err error
	if o.retry == nil {
		err = handler(ctx, ev)
	} else {
		err = Retry(ctx, *o.retry, RetryAll, func(ctx context.Context) error {
			return handler(ctx, ev)
		}, func(attempt int, _ string, err error, next time.Duration) {
			o.log.Debug(
				"retrying stream handler",
				slog.String("stream", stream),
				ev.SlogAttr(),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		})
	}
	if err != nil {
		o.log.Error(
			"stream handler failed",
			slog.String("stream", stream),
			ev.SlogAttr(),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// NopStream drops everything sent to it.
type NopStream struct{}

func (NopStream) Init(context.Context) error                      { return nil }
func (NopStream) SendEvents(context.Context, []StreamBatch) error { return nil }
func (NopStream) Close(context.Context) error                     { return nil }
func (NopStream) Subscribe(context.Context, string, StreamHandler, ...SubscribeOption) (Subscriber, error) {
	return nopSubscriber{}, nil
}

type nopSubscriber struct{}

func (nopSubscriber) Stop(context.Context) error { return nil }

var _ StreamAdapter = NopStream{}
