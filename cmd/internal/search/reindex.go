package search

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chemchat/cmd/internal/chat"
	"chemchat/cmd/internal/directory"
)

// Scanner pages through every message in the store of record in
// (conversation, seq) order.
type Scanner interface {
	Scan(ctx context.Context, cursor chat.ScanCursor, limit int) (chat.ScanResult, error)
}

// Reindexer rebuilds the index from the store of record. Used after index
// loss or a mapping change.
type Reindexer struct {
	idx       *Index
	store     Scanner
	dir       directory.Resolver
	titles    TitleResolver
	log       *slog.Logger
	batchSize int
}

// ReindexOption configures the Reindexer.
type ReindexOption func(*Reindexer) error

// WithReindexBatchSize sets the scan page size (default 500).
func WithReindexBatchSize(n int) ReindexOption {
	return func(r *Reindexer) error {
		if n <= 0 {
			return errors.New("search: non-positive batch size")
		}
		r.batchSize = n
		return nil
	}
}

// WithReindexDirectory attaches a display-name resolver.
func WithReindexDirectory(dir directory.Resolver) ReindexOption {
	return func(r *Reindexer) error {
		r.dir = dir
		return nil
	}
}

// WithReindexTitles attaches a conversation-title resolver.
func WithReindexTitles(titles TitleResolver) ReindexOption {
	return func(r *Reindexer) error {
		r.titles = titles
		return nil
	}
}

// WithReindexLogger sets the reindexer logger.
func WithReindexLogger(log *slog.Logger) ReindexOption {
	return func(r *Reindexer) error {
		if log == nil {
			return errors.New("search: nil logger")
		}
		r.log = log
		return nil
	}
}

// NewReindexer constructs a reindexer reading from store into idx.
func NewReindexer(idx *Index, store Scanner, opts ...ReindexOption) (*Reindexer, error) {
	if idx == nil {
		return nil, errors.New("search: nil index")
	}
	if store == nil {
		return nil, errors.New("search: nil store")
	}
	r := &Reindexer{
		idx:       idx,
		store:     store,
		log:       slog.Default(),
		batchSize: 500,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Run drops the index and replays every message from the store of record.
// Returns the number of documents written.
func (r *Reindexer) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	if err := r.idx.Recreate(); err != nil {
		return 0, err
	}

	var (
		cursor chat.ScanCursor
		total  int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		page, err := r.store.Scan(ctx, cursor, r.batchSize)
		if err != nil {
			return total, err
		}

		for _, m := range page.Messages {
			if err := r.idx.Upsert(r.document(ctx, m)); err != nil {
				return total, err
			}
			total++
			reindexedTotal.Inc()
		}

		if !page.HasMore {
			break
		}
		cursor = page.Next
	}

	r.log.Info("search.reindex.done",
		"documents", total,
		"elapsed", time.Since(start).String())
	return total, nil
}

func (r *Reindexer) document(ctx context.Context, m chat.Message) Document {
	d := Document{
		MessageID:      m.ID,
		TenantID:       m.TenantID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Seq:            m.Seq,
		Kind:           string(m.Type),
		Text:           m.Content.Text,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
	}
	if r.dir != nil && m.SenderID != "" {
		if name, ok, err := r.dir.DisplayName(ctx, m.TenantID, m.SenderID); err == nil && ok {
			d.SenderName = name
		} else {
			d.SenderName = m.SenderID
		}
	} else {
		d.SenderName = m.SenderID
	}
	if r.titles != nil {
		if title, ok, err := r.titles.Title(ctx, m.ConversationID); err == nil && ok {
			d.ConversationTitle = title
		}
	}
	if m.Deleted() {
		return d.Tombstone(*m.DeletedAt)
	}
	return d
}
