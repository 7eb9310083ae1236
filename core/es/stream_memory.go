package es

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

type (
	memoryStreamOpts struct {
		log    *slog.Logger
		buffer int
	}
	InMemoryStreamOption interface{ applyToMemoryStream(*memoryStreamOpts) }
	StreamBufferOption   valueOption[int]
)

// WithStreamBuffer sets the per subscriber delivery buffer.
func WithStreamBuffer(n int) StreamBufferOption { return StreamBufferOption{v: n} }

func (o StreamBufferOption) applyToMemoryStream(s *memoryStreamOpts) { s.buffer = o.v }
func (o LogOption) applyToMemoryStream(s *memoryStreamOpts)          { s.log = o.v }

// InMemoryStream delivers events between components of one process. It
// keeps every sent event so subscribers can ask for DeliverAllPolicy.
// Subscribers sharing a consumer group receive events round robin.
type InMemoryStream struct {
	log    *slog.Logger
	buffer int

	mu      sync.Mutex
	history map[string][]Event
	subs    map[string][]*memorySubscriber
	cursor  map[string]int
	closed  bool
}

func NewInMemoryStream(opts ...InMemoryStreamOption) *InMemoryStream {
	options := memoryStreamOpts{log: slog.Default(), buffer: 64}
	for _, opt := range opts {
		opt.applyToMemoryStream(&options)
	}
	return &InMemoryStream{
		log:     options.log.With(slog.String("stream_adapter", "memory")),
		buffer:  max(options.buffer, 1),
		history: map[string][]Event{},
		subs:    map[string][]*memorySubscriber{},
		cursor:  map[string]int{},
	}
}

func (s *InMemoryStream) Init(context.Context) error { return nil }

func (s *InMemoryStream) SendEvents(ctx context.Context, batches []StreamBatch) error {
	type delivery struct {
		sub *memorySubscriber
		ev  Event
	}
	var out []delivery

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	for _, b := range batches {
		s.history[b.Stream] = append(s.history[b.Stream], b.Events...)
		for _, ev := range b.Events {
			for _, sub := range s.targetsLocked(b.Stream) {
				out = append(out, delivery{sub: sub, ev: ev})
			}
		}
	}
	s.mu.Unlock()

	for _, d := range out {
		select {
		case d.sub.ch <- d.ev:
		case <-d.sub.stop:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// targetsLocked picks the subscribers of stream that receive the next
// event: every subscriber without a group and one member per group.
func (s *InMemoryStream) targetsLocked(stream string) []*memorySubscriber {
	var (
		out    []*memorySubscriber
		groups = map[string][]*memorySubscriber{}
		order  []string
	)
	for _, sub := range s.subs[stream] {
		if sub.group == "" {
			out = append(out, sub)
			continue
		}
		if _, ok := groups[sub.group]; !ok {
			order = append(order, sub.group)
		}
		groups[sub.group] = append(groups[sub.group], sub)
	}
	for _, g := range order {
		members := groups[g]
		key := stream + "\x00" + g
		out = append(out, members[s.cursor[key]%len(members)])
		s.cursor[key]++
	}
	return out
}

func (s *InMemoryStream) Subscribe(
	_ context.Context,
	stream string,
	handler StreamHandler,
	opts ...SubscribeOption,
) (Subscriber, error) {
	options := NewSubscribeOpts(append([]SubscribeOption{WithLog(s.log)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscriber{
		owner:  s,
		stream: stream,
		group:  options.Group(),
		ch:     make(chan Event, s.buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrStreamClosed
	}
	var backlog []Event
	if options.DeliverPolicy() == DeliverAllPolicy {
		backlog = slices.Clone(s.history[stream])
	}
	s.subs[stream] = append(s.subs[stream], sub)
	s.mu.Unlock()

	go sub.run(ctx, handler, options, backlog)

	s.log.Debug("subscribed", slog.String("stream", stream), slog.String("group", sub.group))
	return sub, nil
}

func (s *InMemoryStream) remove(sub *memorySubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.stream] = slices.DeleteFunc(s.subs[sub.stream], func(x *memorySubscriber) bool {
		return x == sub
	})
}

func (s *InMemoryStream) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var all []*memorySubscriber
	for _, subs := range s.subs {
		all = append(all, subs...)
	}
	s.mu.Unlock()

	for _, sub := range all {
		if err := sub.Stop(ctx); err != nil {
			return err
		}
	}
	return nil
}

type memorySubscriber struct {
	owner  *InMemoryStream
	stream string
	group  string
	ch     chan Event
	stop   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func (m *memorySubscriber) run(ctx context.Context, handler StreamHandler, opts SubscribeOpts, backlog []Event) {
	defer close(m.done)

	for _, ev := range backlog {
		select {
		case <-m.stop:
			return
		default:
		}
		opts.Deliver(ctx, m.stream, handler, ev)
	}

	for {
		select {
		case <-m.stop:
			return
		case ev := <-m.ch:
			opts.Deliver(ctx, m.stream, handler, ev)
		}
	}
}

func (m *memorySubscriber) Stop(ctx context.Context) error {
	m.once.Do(func() {
		close(m.stop)
		m.cancel()
		m.owner.remove(m)
	})
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ StreamAdapter = (*InMemoryStream)(nil)
