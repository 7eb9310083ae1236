package es

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/codewandler/arque-go/core/perkey"
)

const (
	DefaultSnapshotInterval Version = 100
	MainStream                      = "main"
)

type (
	aggregateOpts struct {
		log              *slog.Logger
		metrics          ESMetrics
		retry            RetryPolicy
		snapshotInterval Version
		snapshotPolicy   func(ref AggregateRef, state any) bool
		serializeState   func(state any) (any, error)
		deserializeState func(raw any) (any, error)
		initialState     any
		initialVersion   Version
		scheduler        *perkey.Scheduler[string]
		stream           string
		now              func() time.Time
	}

	AggregateOption interface{ applyToAggregate(*aggregateOpts) }

	SnapshotIntervalOption valueOption[Version]
	SnapshotPolicyOption   valueOption[func(AggregateRef, any) bool]
	StateCodecOption       struct {
		serialize   func(any) (any, error)
		deserialize func(any) (any, error)
	}
	InitialStateOption struct {
		state   any
		version Version
	}
	SchedulerOption valueOption[*perkey.Scheduler[string]]
	StreamOption    valueOption[string]
	ClockOption     valueOption[func() time.Time]
)

// WithSnapshotInterval takes a snapshot whenever the aggregate version
// reaches a multiple of n. Zero disables interval snapshots.
func WithSnapshotInterval(n Version) SnapshotIntervalOption { return SnapshotIntervalOption{v: n} }

// WithSnapshotPolicy replaces the interval policy. It is evaluated after
// every successful dispatch.
func WithSnapshotPolicy[S any](policy func(HandlerCtx[S]) bool) SnapshotPolicyOption {
	return SnapshotPolicyOption{v: func(ref AggregateRef, state any) bool {
		s, _ := state.(S)
		return policy(HandlerCtx[S]{Aggregate: ref, State: s})
	}}
}

// WithStateCodec sets how state is written into and read back from
// snapshots.
func WithStateCodec[S any](serialize func(S) (any, error), deserialize func(any) (S, error)) StateCodecOption {
	return StateCodecOption{
		serialize: func(state any) (any, error) {
			s, ok := state.(S)
			if !ok {
				return nil, fmt.Errorf("%w: state type %T", ErrInvalidArgument, state)
			}
			return serialize(s)
		},
		deserialize: func(raw any) (any, error) { return deserialize(raw) },
	}
}

// WithInitialState sets the state and version the aggregate starts from
// before anything is loaded.
func WithInitialState[S any](state S, version Version) InitialStateOption {
	return InitialStateOption{state: state, version: version}
}

// WithScheduler makes the aggregate serialize its work on a shared
// scheduler instead of a private one.
func WithScheduler(s *perkey.Scheduler[string]) SchedulerOption { return SchedulerOption{v: s} }

// WithStream sets the stream events are published to. Defaults to "main".
func WithStream(name string) StreamOption { return StreamOption{v: name} }

func WithClock(now func() time.Time) ClockOption { return ClockOption{v: now} }

func (o SnapshotIntervalOption) applyToAggregate(a *aggregateOpts) { a.snapshotInterval = o.v }
func (o SnapshotPolicyOption) applyToAggregate(a *aggregateOpts)   { a.snapshotPolicy = o.v }
func (o StateCodecOption) applyToAggregate(a *aggregateOpts) {
	a.serializeState = o.serialize
	a.deserializeState = o.deserialize
}
func (o InitialStateOption) applyToAggregate(a *aggregateOpts) {
	a.initialState = o.state
	a.initialVersion = o.version
}
func (o SchedulerOption) applyToAggregate(a *aggregateOpts) { a.scheduler = o.v }
func (o StreamOption) applyToAggregate(a *aggregateOpts)    { a.stream = o.v }
func (o ClockOption) applyToAggregate(a *aggregateOpts)     { a.now = o.v }
func (o LogOption) applyToAggregate(a *aggregateOpts)       { a.log = o.v }
func (o ESMetricsOption) applyToAggregate(a *aggregateOpts) { a.metrics = o.v }
func (o RetryOption) applyToAggregate(a *aggregateOpts)     { a.retry = o.v }

type (
	processOpts struct {
		noReload   bool
		maxRetries int
		ctx        []byte
	}
	ProcessOption interface{ applyToProcess(*processOpts) }

	noReloadOption       struct{}
	maxRetriesOption     valueOption[int]
	commandContextOption valueOption[[]byte]
)

// NoReload skips the reload before the first attempt. Use it when the
// caller knows the aggregate is current.
func NoReload() ProcessOption { return noReloadOption{} }

// WithMaxRetries bounds the attempts made for a command.
func WithMaxRetries(n int) ProcessOption { return maxRetriesOption{v: n} }

// WithCommandContext attaches an opaque blob to the meta of every event
// the command produces, under MetaContextKey.
func WithCommandContext(ctx []byte) ProcessOption { return commandContextOption{v: ctx} }

func (noReloadOption) applyToProcess(p *processOpts)         { p.noReload = true }
func (o maxRetriesOption) applyToProcess(p *processOpts)     { p.maxRetries = o.v }
func (o commandContextOption) applyToProcess(p *processOpts) { p.ctx = o.v }

// jsonSerializeState converts state to plain JSON values.
func jsonSerializeState(state any) (any, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func jsonDeserializeState[S any](raw any) (any, error) {
	if s, ok := raw.(S); ok {
		return s, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var s S
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s, nil
}
