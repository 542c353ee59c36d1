package search

import (
	"context"
	"errors"
	"log/slog"

	"chemchat/cmd/internal/broker"
	"chemchat/cmd/internal/directory"
	"chemchat/cmd/internal/event"
)

// Projector applies message lifecycle events to the index. Handlers are
// idempotent: replaying an event converges on the same document, so at-least-
// once delivery from the broker is safe.
type Projector struct {
	idx    *Index
	dir    directory.Resolver
	titles TitleResolver
	log    *slog.Logger
}

// ProjectorOption configures the Projector.
type ProjectorOption func(*Projector) error

// WithDirectory attaches a display-name resolver for sender enrichment.
func WithDirectory(dir directory.Resolver) ProjectorOption {
	return func(p *Projector) error {
		p.dir = dir
		return nil
	}
}

// WithTitles attaches a conversation-title resolver for denormalization.
func WithTitles(titles TitleResolver) ProjectorOption {
	return func(p *Projector) error {
		p.titles = titles
		return nil
	}
}

// WithProjectorLogger sets the projector logger (default: slog.Default).
func WithProjectorLogger(log *slog.Logger) ProjectorOption {
	return func(p *Projector) error {
		if log == nil {
			return errors.New("search: nil logger")
		}
		p.log = log
		return nil
	}
}

// NewProjector constructs a projector writing into idx.
func NewProjector(idx *Index, opts ...ProjectorOption) (*Projector, error) {
	if idx == nil {
		return nil, errors.New("search: nil index")
	}
	p := &Projector{idx: idx, log: slog.Default()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Register subscribes the projector's handlers to the event registry.
func (p *Projector) Register(r *broker.Registry) {
	r.Register(event.TypeMessageCreated, p.handleCreated)
	r.Register(event.TypeMessageEdited, p.handleEdited)
	r.Register(event.TypeMessageDeleted, p.handleDeleted)
}

func (p *Projector) handleCreated(ctx context.Context, env broker.Envelope) error {
	decoded, err := event.Decode(env.Metadata.EventType, env.Data)
	if err != nil {
		return err
	}
	ev, ok := decoded.(event.MessageCreated)
	if !ok {
		return errors.New("search: unexpected payload for " + env.Metadata.EventType)
	}

	d := Document{
		MessageID:         ev.MessageID,
		TenantID:          ev.TenantID,
		ConversationID:    ev.ConversationID,
		ConversationTitle: p.conversationTitle(ctx, ev.ConversationID),
		SenderID:          ev.SenderID,
		SenderName:        p.senderName(ctx, ev.TenantID, ev.SenderID),
		Seq:               ev.Seq,
		Kind:              ev.Kind,
		Text:              ev.Text,
		CreatedAt:         ev.CreatedAt,
	}

	// A replayed created event must not undo a later edit or delete that
	// already reached the index.
	existing, err := p.idx.Fetch(ctx, ev.TenantID, ev.MessageID)
	switch {
	case err == nil:
		if existing.Deleted {
			projectedTotal.WithLabelValues(env.Metadata.EventType, "skipped").Inc()
			return nil
		}
		if existing.EditedAt != nil {
			d.Text = existing.Text
			d.EditedAt = existing.EditedAt
		}
	case !errors.Is(err, ErrDocNotFound):
		projectedTotal.WithLabelValues(env.Metadata.EventType, "fail").Inc()
		return err
	}

	if err := p.idx.Upsert(d); err != nil {
		projectedTotal.WithLabelValues(env.Metadata.EventType, "fail").Inc()
		return err
	}
	projectedTotal.WithLabelValues(env.Metadata.EventType, "ok").Inc()
	return nil
}

func (p *Projector) handleEdited(ctx context.Context, env broker.Envelope) error {
	decoded, err := event.Decode(env.Metadata.EventType, env.Data)
	if err != nil {
		return err
	}
	ev, ok := decoded.(event.MessageEdited)
	if !ok {
		return errors.New("search: unexpected payload for " + env.Metadata.EventType)
	}

	d, err := p.idx.Fetch(ctx, ev.TenantID, ev.MessageID)
	switch {
	case errors.Is(err, ErrDocNotFound):
		// Out-of-order delivery: the created event has not landed yet.
		// Index what the edit carries; a later created replay fills the rest.
		d = Document{
			MessageID:         ev.MessageID,
			TenantID:          ev.TenantID,
			ConversationID:    ev.ConversationID,
			ConversationTitle: p.conversationTitle(ctx, ev.ConversationID),
			SenderID:          ev.SenderID,
			SenderName:        p.senderName(ctx, ev.TenantID, ev.SenderID),
			Seq:               ev.Seq,
			CreatedAt:         ev.EditedAt,
		}
	case err != nil:
		projectedTotal.WithLabelValues(env.Metadata.EventType, "fail").Inc()
		return err
	}

	if d.Deleted {
		// Delete wins over a late edit.
		projectedTotal.WithLabelValues(env.Metadata.EventType, "skipped").Inc()
		return nil
	}

	d.Text = ev.Text
	at := ev.EditedAt.UTC()
	d.EditedAt = &at

	if err := p.idx.Upsert(d); err != nil {
		projectedTotal.WithLabelValues(env.Metadata.EventType, "fail").Inc()
		return err
	}
	projectedTotal.WithLabelValues(env.Metadata.EventType, "ok").Inc()
	return nil
}

func (p *Projector) handleDeleted(ctx context.Context, env broker.Envelope) error {
	decoded, err := event.Decode(env.Metadata.EventType, env.Data)
	if err != nil {
		return err
	}
	ev, ok := decoded.(event.MessageDeleted)
	if !ok {
		return errors.New("search: unexpected payload for " + env.Metadata.EventType)
	}

	err = p.idx.MarkDeleted(ctx, ev.TenantID, ev.MessageID, ev.DeletedAt)
	if errors.Is(err, ErrDocNotFound) {
		// Tombstone straight from the event so a late created replay cannot
		// resurrect searchable content.
		d := Document{
			MessageID:      ev.MessageID,
			TenantID:       ev.TenantID,
			ConversationID: ev.ConversationID,
			SenderID:       ev.SenderID,
			Seq:            ev.Seq,
			CreatedAt:      ev.DeletedAt,
		}
		err = p.idx.Upsert(d.Tombstone(ev.DeletedAt))
	}
	if err != nil {
		projectedTotal.WithLabelValues(env.Metadata.EventType, "fail").Inc()
		return err
	}
	projectedTotal.WithLabelValues(env.Metadata.EventType, "ok").Inc()
	return nil
}

func (p *Projector) senderName(ctx context.Context, tenantID, senderID string) string {
	if p.dir == nil || senderID == "" {
		return senderID
	}
	name, ok, err := p.dir.DisplayName(ctx, tenantID, senderID)
	if err != nil {
		p.log.Warn("search.directory.resolve.fail", "user_id", senderID, "err", err)
		return senderID
	}
	if !ok {
		return senderID
	}
	return name
}

func (p *Projector) conversationTitle(ctx context.Context, conversationID string) string {
	if p.titles == nil || conversationID == "" {
		return ""
	}
	title, ok, err := p.titles.Title(ctx, conversationID)
	if err != nil {
		p.log.Warn("search.title.resolve.fail", "conversation_id", conversationID, "err", err)
		return ""
	}
	if !ok {
		return ""
	}
	return title
}
