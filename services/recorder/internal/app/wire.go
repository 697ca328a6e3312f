package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"recapai/internal/ratelimit"
	"recapai/internal/servicetoken"
	"recapai/pkg/audit"
	"recapai/pkg/contentcrypt"
	"recapai/pkg/jobclient"
	"recapai/pkg/notify"
	"recapai/pkg/queue"
	"recapai/pkg/quota"
	"recapai/pkg/storage"
	"recapai/pkg/store"
)

// Config holds runtime configuration for the recorder core.
type Config struct {
	DatabaseURL   string
	Store         store.Store
	RedisAddr     string
	RedisPassword string

	EncryptionKey  string
	StorageBackend string
	StorageDir     string
	StagingDir     string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	ProcessorURL      string
	ProcessorAPIKey   string
	ProcessorSigner   *servicetoken.Signer
	ProcessorAudience string
	SubmitTimeout     time.Duration
	CallTimeout       time.Duration

	PollStream      string
	PollInterval    time.Duration
	PollConcurrency int
	PollMaxFailures int

	NotifyChannel          string
	AMQPURL                string
	AMQPExchange           string
	UploadRateLimitPerHour int

	RetentionInterval time.Duration
	RetentionLockPath string

	Options
}

// Runtime is the core plus the background machinery it needs in a server
// process: poll consumers, the notification relay, the audit publisher and
// the retention loop.
type Runtime struct {
	App       *App
	Hub       *notify.Hub
	Retention *Retention
	Audit     audit.Sink

	cfg     Config
	fs      *storage.FSBackend
	queue   *queue.RedisPollQueue
	relay   *notify.RedisRelay
	amqp    *audit.AMQPSink
	closers []func() error
}

// New constructs the core with Postgres metadata, Redis-backed quota, polling
// and notification, and the configured blob backend.
func New(cfg Config) (*Runtime, error) {
	rt := &Runtime{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	key, err := contentcrypt.ParseKey(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	cipher, err := contentcrypt.New(key)
	if err != nil {
		return nil, err
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		rt.closers = append(rt.closers, gs.Close)
		dataStore = gs
	}

	stagingDir := strings.TrimSpace(cfg.StagingDir)
	if stagingDir == "" {
		if cfg.StorageDir != "" {
			stagingDir = filepath.Join(cfg.StorageDir, ".staging")
		} else {
			stagingDir = filepath.Join(os.TempDir(), "recapai-staging")
		}
	}
	staging, err := storage.NewStaging(stagingDir)
	if err != nil {
		return nil, err
	}
	var backend storage.Backend
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case "", "fs":
		fs, err := storage.NewFSBackend(cfg.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("init fs storage: %w", err)
		}
		rt.fs = fs
		backend = fs
	case "minio":
		mb, err := storage.NewMinioBackend(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL, staging)
		if err != nil {
			return nil, fmt.Errorf("init minio storage: %w", err)
		}
		backend = mb
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	if cfg.RedisAddr == "" {
		return nil, errors.New("redis addr required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	rt.closers = append(rt.closers, rdb.Close)
	ledger := quota.NewRedisLedgerWithClient(rdb, "", quota.DefaultReservationTTL)

	var credential jobclient.Credential
	switch {
	case cfg.ProcessorSigner != nil:
		credential = jobclient.ServiceToken{Signer: cfg.ProcessorSigner, Audience: cfg.ProcessorAudience}
	case cfg.ProcessorAPIKey != "":
		credential = jobclient.APIKey(cfg.ProcessorAPIKey)
	}
	jobs, err := jobclient.New(jobclient.Options{
		BaseURL:       cfg.ProcessorURL,
		Credential:    credential,
		SubmitTimeout: cfg.SubmitTimeout,
		CallTimeout:   cfg.CallTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init processor client: %w", err)
	}

	pollQueue, err := queue.NewRedisPollQueue(queue.RedisQueueConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		Stream:      firstNonEmpty(cfg.PollStream, "recapai:poll"),
		Group:       "recorder-pollers",
		Interval:    cfg.PollInterval,
		MaxFailures: cfg.PollMaxFailures,
		MaxAge:      cfg.Stale.PollDeadline(),
	})
	if err != nil {
		return nil, fmt.Errorf("init poll queue: %w", err)
	}
	rt.queue = pollQueue
	rt.closers = append(rt.closers, pollQueue.Close)

	rt.Hub = notify.NewHub(notify.DefaultBuffer)
	relay, err := notify.NewRedisRelay(rdb, cfg.NotifyChannel, rt.Hub)
	if err != nil {
		return nil, err
	}
	rt.relay = relay

	sinks := audit.Multi{audit.LogSink{}}
	if cfg.AMQPURL != "" {
		sink, err := audit.NewAMQPSink(audit.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange})
		if err != nil {
			return nil, fmt.Errorf("init audit sink: %w", err)
		}
		rt.amqp = sink
		sinks = append(sinks, sink)
	}

	var limiter ratelimit.Limiter
	if cfg.UploadRateLimitPerHour > 0 {
		l, err := ratelimit.NewRedisFixedWindowLimiterWithClient(rdb, "", cfg.UploadRateLimitPerHour, time.Hour)
		if err != nil {
			return nil, fmt.Errorf("init upload limiter: %w", err)
		}
		limiter = l
	}

	core, err := NewWithDeps(Deps{
		Store:    dataStore,
		Blobs:    storage.NewBlobStore(backend, cipher),
		Staging:  staging,
		Ledger:   ledger,
		Jobs:     jobs,
		Cipher:   cipher,
		Poller:   pollQueue,
		Notifier: relay,
		Audit:    sinks,
		Limiter:  limiter,
	}, cfg.Options)
	if err != nil {
		return nil, err
	}
	rt.App = core
	rt.Audit = sinks
	rt.Retention = NewRetention(core, cfg.RetentionLockPath)
	ok = true
	return rt, nil
}

// SweepLeftovers removes staging and partial object files older than minAge.
func (rt *Runtime) SweepLeftovers(minAge time.Duration) {
	rt.App.SweepStaging(minAge)
	if rt.fs == nil {
		return
	}
	if n, err := rt.fs.SweepTemp(minAge); err != nil {
		slog.Warn("storage temp sweep failed", "err", err)
	} else if n > 0 {
		slog.Info("storage temp sweep removed leftovers", "count", n)
	}
}

// Run drives the background work until ctx is done or a component fails.
func (rt *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	rt.queue.Start(gctx, rt.cfg.PollConcurrency, rt.App.HandlePoll)
	g.Go(func() error {
		// Local delivery keeps working while Redis is away; resubscribe
		// until shutdown.
		for gctx.Err() == nil {
			if err := rt.relay.Run(gctx, nil); err != nil && gctx.Err() == nil {
				slog.Warn("notification relay stopped; resubscribing", "err", err)
			}
			select {
			case <-gctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
		return nil
	})
	if rt.amqp != nil {
		g.Go(func() error {
			rt.amqp.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return rt.Retention.Run(gctx, rt.cfg.RetentionInterval)
	})
	return g.Wait()
}

// Close releases connections in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
