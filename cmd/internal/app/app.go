// Package app wires the chemchat server runtime: config, logging, storage,
// the outbox dispatcher, and the realtime gateway.
//
// Every piece of infrastructure degrades to an in-process stand-in when its
// URL is unset, so a single binary with no environment runs the full
// pipeline for local development.
package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"chemchat/cmd/internal/broker"
	"chemchat/cmd/internal/chat"
	"chemchat/cmd/internal/dedup"
	"chemchat/cmd/internal/directory"
	"chemchat/cmd/internal/outbox"
	"chemchat/cmd/internal/realtime"
	"chemchat/cmd/internal/search"
	"chemchat/cmd/internal/sequence"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// App is the chemchat server runtime: it owns the HTTP server, the outbox
// dispatcher and sweeper, and the resources they are built on.
type App struct {
	cfg Config
	log Logger

	store     chat.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	redis    *redis.Client
	producer broker.Producer

	dispatcher *outbox.Dispatcher
	sweeper    *outbox.Sweeper

	gateway   *realtime.Gateway
	searchIdx *search.Index
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log}
	if err := a.wire(context.Background()); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	var obStore outbox.Store
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		mem := chat.NewMemoryStore(nil)
		a.store = mem
		obStore = mem.Outbox()
	} else {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return err
		}
		a.dbPool = pool
		a.dbEnabled = true

		st, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		a.store = st

		ob, err := outbox.NewPostgresStore(pool, outbox.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		obStore = ob
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	}

	var seq sequence.Sequencer
	var ded dedup.Store
	if cfg.RedisURL == "" {
		log.Info("redis.disabled.inmemory_atomics")
		seq = sequence.NewMemorySequencer()
		ded = dedup.NewMemoryStore()
	} else {
		client, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return err
		}
		a.redis = client

		rs, err := sequence.NewRedisSequencer(client)
		if err != nil {
			return err
		}
		seq = rs

		rd, err := dedup.NewRedisStore(client, dedup.WithTTL(cfg.DedupTTL))
		if err != nil {
			return err
		}
		ded = rd
		log.Info("redis.enabled.shared_atomics")
	}

	if cfg.AMQPURL == "" {
		log.Info("amqp.disabled.inmemory_broker")
		mem := broker.NewMemoryBroker()
		a.producer = mem

		// Without a broker there is no external projector process either,
		// so the search projector runs in-process against the memory broker.
		if err := a.wireInProcessSearch(mem); err != nil {
			return err
		}
	} else {
		p, err := broker.NewAMQPProducer(log, cfg.AMQPURL)
		if err != nil {
			return err
		}
		a.producer = p
	}

	dispatcher, err := outbox.NewDispatcher(log, obStore, a.producer,
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxRetries(cfg.OutboxMaxRetries),
		outbox.WithPublishConcurrency(cfg.OutboxPublishConcurrency),
	)
	if err != nil {
		return err
	}
	a.dispatcher = dispatcher

	sweeper, err := outbox.NewSweeper(log, obStore,
		outbox.WithRetentionCron(cfg.RetentionCron),
		outbox.WithRetentionWindow(cfg.RetentionWindow),
	)
	if err != nil {
		return err
	}
	a.sweeper = sweeper

	rooms := realtime.NewRooms(log)
	sessions := realtime.NewSessions()

	svc, err := chat.NewService(a.store, seq, ded,
		chat.WithBroadcaster(rooms),
		chat.WithLogger(log),
		chat.WithEditWindow(cfg.EditWindow),
	)
	if err != nil {
		return err
	}

	auth := realtime.NewStaticAuthenticator()
	grants := parseDevTokens(cfg.DevTokens)
	if len(grants) == 0 {
		log.Warn("auth.dev_tokens.empty")
	}
	for token, id := range grants {
		auth.Grant(token, id)
	}

	gw, err := realtime.NewGateway(log, rooms, sessions, svc, auth)
	if err != nil {
		return err
	}
	a.gateway = gw

	return nil
}

func (a *App) wireInProcessSearch(mem *broker.MemoryBroker) error {
	var idx *search.Index
	var err error
	if a.cfg.SearchIndexPath == "" {
		idx, err = search.NewMemIndex()
	} else {
		idx, err = search.NewIndex(a.cfg.SearchIndexPath)
	}
	if err != nil {
		return err
	}
	a.searchIdx = idx

	titles, err := search.NewStoreTitles(a.store)
	if err != nil {
		return err
	}
	opts := []search.ProjectorOption{
		search.WithProjectorLogger(a.log),
		search.WithTitles(titles),
	}
	if a.dbEnabled {
		dir, err := directory.NewPostgresResolver(a.dbPool, directory.WithResolverSchema(a.cfg.DBSchema))
		if err != nil {
			return err
		}
		opts = append(opts, search.WithDirectory(dir))
	}

	proj, err := search.NewProjector(idx, opts...)
	if err != nil {
		return err
	}

	reg := broker.NewRegistry(a.log)
	proj.Register(reg)
	mem.Subscribe(broker.TopicMessageEvents, reg)
	return nil
}

// Run starts the HTTP server and the background loops, blocking until
// context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gateway)

	handler := WithRequestLogging(WithCORS(WithSecurityHeaders(mux), a.cfg, a.log), a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("server.fail", "err", err)
	} else {
		err = nil
		a.log.Info("server.stop", "reason", "context_done")
	}

	a.closeResources()
	a.log.Info("server.stopped")
	return err
}

// closeResources releases everything wire acquired. It tolerates partial
// construction so New can call it on any failure path.
func (a *App) closeResources() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.Error("producer.close.fail", "err", err)
		}
	}
	if a.searchIdx != nil {
		if err := a.searchIdx.Close(); err != nil {
			a.log.Error("search.close.fail", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// parseDevTokens parses comma-separated token:tenant:user[:device] grants.
// Malformed entries are skipped.
func parseDevTokens(s string) map[string]realtime.Identity {
	out := make(map[string]realtime.Identity)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			continue
		}
		id := realtime.Identity{TenantID: parts[1], UserID: parts[2]}
		if len(parts) > 3 {
			id.DeviceID = parts[3]
		}
		out[parts[0]] = id
	}
	return out
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
