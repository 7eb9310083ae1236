package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/arque-go/ports/kv"
)

const (
	defaultBucket        = "arque_config"
	defaultUpdateRetries = 16
)

var ErrTTLUnsupported = errors.New("nats kv: per key ttl is not supported")

type KVConfig struct {
	Connect Connector    `yaml:"-"`
	Log     *slog.Logger `yaml:"-"`

	URL    string `yaml:"url" env:"URL"`
	Bucket string `yaml:"bucket" env:"BUCKET" envDefault:"arque_config"`
	// MaxBytes limits the bucket size, -1 for unlimited.
	MaxBytes int64 `yaml:"max_bytes" env:"MAX_BYTES" envDefault:"1048576"`
	// UpdateRetries bounds the compare-and-set attempts of Update.
	UpdateRetries int `yaml:"update_retries" env:"UPDATE_RETRIES" envDefault:"16"`
}

// KV implements kv.Store on a JetStream key-value bucket. Update is a
// compare-and-set loop on the entry revision.
type KV struct {
	cfg KVConfig
	log *slog.Logger

	initOnce sync.Once
	initErr  error
	closeNc  closeFunc
	kv       jetstream.KeyValue
}

// envelope is the stored value; kv.Entry meta travels next to the data.
type envelope struct {
	Data []byte         `json:"data"`
	Meta map[string]any `json:"meta,omitempty"`
}

func NewKV(cfg KVConfig) *KV {
	if cfg.Bucket == "" {
		cfg.Bucket = defaultBucket
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 1024 * 1024
	}
	if cfg.UpdateRetries <= 0 {
		cfg.UpdateRetries = defaultUpdateRetries
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
	return &KV{cfg: cfg, log: cfg.Log.With(slog.String("kv", "nats"), slog.String("bucket", cfg.Bucket))}
}

// Init connects and ensures the bucket exists. The other methods call it
// on first use.
func (k *KV) Init(ctx context.Context) error {
	k.initOnce.Do(func() { k.initErr = k.connect(ctx) })
	return k.initErr
}

func (k *KV) connect(ctx context.Context) error {
	nc, closeNc, err := k.cfg.Connect()
	if err != nil {
		return fmt.Errorf("nats kv: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return fmt.Errorf("nats kv: jetstream: %w", err)
	}
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   k.cfg.Bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: k.cfg.MaxBytes,
	})
	if err != nil {
		closeNc()
		return fmt.Errorf("nats kv: ensure bucket: %w", err)
	}
	k.kv, k.closeNc = bucket, closeNc
	return nil
}

func (k *KV) Close() {
	if k.closeNc != nil {
		k.closeNc()
	}
}

func encodeEntry(e kv.Entry) ([]byte, error) {
	return json.Marshal(envelope{Data: e.Data, Meta: e.Meta})
}

func decodeEntry(raw []byte) (kv.Entry, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return kv.Entry{}, fmt.Errorf("nats kv: decode entry: %w", err)
	}
	return kv.Entry{Data: env.Data, Meta: env.Meta}, nil
}

func (k *KV) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	if opts.TTL > 0 {
		return ErrTTLUnsupported
	}
	if err := k.Init(ctx); err != nil {
		return err
	}
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if _, err := k.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("nats kv: put %s: %w", key, err)
	}
	return nil
}

func (k *KV) Get(ctx context.Context, key string) (kv.Entry, error) {
	if err := k.Init(ctx); err != nil {
		return kv.Entry{}, err
	}
	v, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("nats kv: get %s: %w", key, err)
	}
	return decodeEntry(v.Value())
}

func (k *KV) Delete(ctx context.Context, key string) error {
	if err := k.Init(ctx); err != nil {
		return err
	}
	if err := k.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("nats kv: delete %s: %w", key, err)
	}
	return nil
}

func (k *KV) Update(ctx context.Context, key string, fn kv.UpdateFunc) error {
	if err := k.Init(ctx); err != nil {
		return err
	}

	for attempt := 1; attempt <= k.cfg.UpdateRetries; attempt++ {
		var (
			cur      kv.Entry
			revision uint64
			exists   bool
		)
		v, err := k.kv.Get(ctx, key)
		switch {
		case err == nil:
			if cur, err = decodeEntry(v.Value()); err != nil {
				return err
			}
			revision, exists = v.Revision(), true
		case errors.Is(err, jetstream.ErrKeyNotFound):
			// deleted keys keep a revision; Create accepts them
		default:
			return fmt.Errorf("nats kv: get %s: %w", key, err)
		}

		next, err := fn(cur, exists)
		if err != nil {
			return err
		}
		data, err := encodeEntry(next)
		if err != nil {
			return err
		}

		if exists {
			_, err = k.kv.Update(ctx, key, data, revision)
		} else {
			_, err = k.kv.Create(ctx, key, data)
		}
		if err == nil {
			return nil
		}
		if !isRevisionMismatch(err) {
			return fmt.Errorf("nats kv: update %s: %w", key, err)
		}
		k.log.Debug("kv update lost race", slog.String("key", key), slog.Int("attempt", attempt))
	}
	return fmt.Errorf("nats kv: update %s: %w", key, kv.ErrConflict)
}

func isRevisionMismatch(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

var _ kv.Store = (*KV)(nil)
