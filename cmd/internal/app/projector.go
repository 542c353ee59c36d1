package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"chemchat/cmd/internal/broker"
	"chemchat/cmd/internal/chat"
	"chemchat/cmd/internal/directory"
	"chemchat/cmd/internal/search"
)

// RunProjector is the CLI entrypoint used by cmd/chemchat-projector.
// It consumes message events from the broker and maintains the search
// index, optionally rebuilding the index from the message store first.
func RunProjector() error {
	_ = godotenv.Load()

	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	if cfg.AMQPURL == "" {
		return errors.New("app: projector requires CHEMCHAT_AMQP_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var idx *search.Index
	var err error
	if cfg.SearchIndexPath == "" {
		// Usable, but the index is rebuilt from scratch on every restart.
		log.Warn("search.index.inmemory")
		idx, err = search.NewMemIndex()
	} else {
		idx, err = search.NewIndex(cfg.SearchIndexPath)
	}
	if err != nil {
		return err
	}
	defer func() { _ = idx.Close() }()

	// The store of record feeds sender/title enrichment and reindexing; both
	// degrade to raw ids and empty titles when no database is configured.
	var (
		dir    directory.Resolver
		titles search.TitleResolver
	)
	if cfg.DatabaseURL == "" {
		if cfg.ReindexOnStart {
			return errors.New("app: reindex requires CHEMCHAT_DATABASE_URL")
		}
		log.Warn("projector.enrichment.disabled", "reason", "no database url")
	} else {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		store, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}

		pg, err := directory.NewPostgresResolver(pool, directory.WithResolverSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		dir = pg

		st, err := search.NewStoreTitles(store)
		if err != nil {
			return err
		}
		titles = st

		if cfg.ReindexOnStart {
			ri, err := search.NewReindexer(idx, store,
				search.WithReindexLogger(log),
				search.WithReindexDirectory(dir),
				search.WithReindexTitles(titles),
			)
			if err != nil {
				return err
			}
			n, err := ri.Run(ctx)
			if err != nil {
				return err
			}
			log.Info("projector.reindex.done", "docs", n)
		}
	}

	producer, err := broker.NewAMQPProducer(log, cfg.AMQPURL)
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	opts := []search.ProjectorOption{search.WithProjectorLogger(log)}
	if dir != nil {
		opts = append(opts, search.WithDirectory(dir))
	}
	if titles != nil {
		opts = append(opts, search.WithTitles(titles))
	}
	proj, err := search.NewProjector(idx, opts...)
	if err != nil {
		return err
	}

	reg := broker.NewRegistry(log)
	proj.Register(reg)

	consumer, err := broker.NewAMQPConsumer(log, cfg.AMQPURL, broker.TopicMessageEvents, reg, producer,
		broker.WithConcurrency(cfg.ConsumerConcurrency),
		broker.WithHandlerRetries(cfg.HandlerRetries),
	)
	if err != nil {
		return err
	}

	log.Info("projector.start", "topic", broker.TopicMessageEvents)
	return consumer.Run(ctx)
}
