package chat

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chemchat/cmd/internal/outbox"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Transaction model:
// - CreateMessage/UpdateMessage/CreateConversation write the domain row and
//   the outbox entry in one transaction via outbox.AppendTx.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chemchat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed chat Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chemchat",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `id, tenant_id, conversation_id, sender_id, submission_id, seq, kind,
	text, attachments, metadata, reply_to_id, created_at, edited_at, deleted_at`

// CreateMessage inserts the message and its outbox entry atomically.
func (s *PostgresStore) CreateMessage(ctx context.Context, m Message, e outbox.Entry) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	attachments, metadata, err := marshalContent(m.Content)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, nullable(m.TenantID), m.ConversationID, nullable(m.SenderID), nullable(m.SubmissionID),
		int64(m.Seq), string(m.Type), m.Content.Text, attachments, metadata,
		nullable(m.ReplyToID), m.CreatedAt.UTC(), m.EditedAt, m.DeletedAt,
	); err != nil {
		return err
	}

	if err := outbox.AppendTx(ctx, tx, s.schema, e); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// UpdateMessage replaces the stored snapshot and appends the outbox entry
// atomically.
func (s *PostgresStore) UpdateMessage(ctx context.Context, m Message, e outbox.Entry) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")
	tag, err := tx.Exec(ctx,
		`UPDATE `+messages+`
		    SET text = $2, edited_at = $3, deleted_at = $4
		  WHERE id = $1`,
		m.ID, m.Content.Text, m.EditedAt, m.DeletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &OpError{Op: "chat.update", Kind: ErrNotFound, Msg: "message " + m.ID}
	}

	if err := outbox.AppendTx(ctx, tx, s.schema, e); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetMessage returns the current snapshot by id.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}

	messages := pgIdent(s.schema, "messages")
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE id = $1`, id)

	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, &OpError{Op: "chat.get", Kind: ErrNotFound, Msg: "message " + id}
	}
	return m, err
}

// GetBySubmissionID returns the message created for a client submission.
func (s *PostgresStore) GetBySubmissionID(ctx context.Context, conversationID, submissionID string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}

	messages := pgIdent(s.schema, "messages")
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+`
		  WHERE conversation_id = $1 AND submission_id = $2`,
		conversationID, submissionID)

	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, &OpError{Op: "chat.get_by_submission", Kind: ErrNotFound, Msg: "submission " + submissionID}
	}
	return m, err
}

// History returns messages ordered by seq ASC, with optional paging by
// AfterSeq.
func (s *PostgresStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if s == nil || s.pool == nil {
		return HistoryResult{}, errors.New("chat: nil store")
	}
	if in.ConversationID == "" {
		return HistoryResult{}, &OpError{Op: "chat.history", Kind: ErrValidation, Msg: "missing conversation_id"}
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.AfterSeq == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY seq ASC
			  LIMIT $2`,
			in.ConversationID, fetch)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+messages+`
			  WHERE conversation_id = $1 AND seq > $2
			  ORDER BY seq ASC
			  LIMIT $3`,
			in.ConversationID, int64(*in.AfterSeq), fetch)
	}
	if err != nil {
		return HistoryResult{}, err
	}
	defer rows.Close()

	msgs, err := collectMessages(rows, fetch)
	if err != nil {
		return HistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return HistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// Scan pages through all messages ordered by (conversation_id, seq).
func (s *PostgresStore) Scan(ctx context.Context, cursor ScanCursor, limit int) (ScanResult, error) {
	if s == nil || s.pool == nil {
		return ScanResult{}, errors.New("chat: nil store")
	}
	if limit <= 0 {
		limit = 500
	}
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+messages+`
		  WHERE (conversation_id, seq) > ($1, $2)
		  ORDER BY conversation_id ASC, seq ASC
		  LIMIT $3`,
		cursor.ConversationID, int64(cursor.Seq), fetch)
	if err != nil {
		return ScanResult{}, err
	}
	defer rows.Close()

	msgs, err := collectMessages(rows, fetch)
	if err != nil {
		return ScanResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	out := ScanResult{Messages: msgs, HasMore: hasMore}
	if n := len(msgs); n > 0 {
		out.Next = ScanCursor{ConversationID: msgs[n-1].ConversationID, Seq: msgs[n-1].Seq}
	}
	return out, nil
}

// CreateConversation inserts the conversation, its members, and the outbox
// entry atomically.
func (s *PostgresStore) CreateConversation(ctx context.Context, c Conversation, e outbox.Entry) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := c.ValidateShape(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	members := pgIdent(s.schema, "conversation_members")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, tenant_id, kind, name, owner_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, nullable(c.TenantID), string(c.Type), nullable(c.Name), nullable(c.OwnerID), c.CreatedAt.UTC(),
	); err != nil {
		return err
	}

	for _, m := range c.Members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+members+` (conversation_id, user_id, role, last_read_seq, joined_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			c.ID, m.UserID, string(m.Role), int64(m.LastReadSeq), m.JoinedAt.UTC(),
		); err != nil {
			return err
		}
	}

	if err := outbox.AppendTx(ctx, tx, s.schema, e); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetConversation returns a conversation with its member list.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}

	conversations := pgIdent(s.schema, "conversations")
	var (
		c       Conversation
		tenant  *string
		name    *string
		ownerID *string
		kind    string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, kind, name, owner_id, created_at
		   FROM `+conversations+` WHERE id = $1`, id,
	).Scan(&c.ID, &tenant, &kind, &name, &ownerID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, &OpError{Op: "chat.get_conversation", Kind: ErrNotFound, Msg: "conversation " + id}
	}
	if err != nil {
		return Conversation{}, err
	}
	c.Type = ConversationType(kind)
	if tenant != nil {
		c.TenantID = *tenant
	}
	if name != nil {
		c.Name = *name
	}
	if ownerID != nil {
		c.OwnerID = *ownerID
	}

	members := pgIdent(s.schema, "conversation_members")
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, role, last_read_seq, joined_at
		   FROM `+members+` WHERE conversation_id = $1
		  ORDER BY joined_at ASC`, id)
	if err != nil {
		return Conversation{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m    Member
			role string
			seq  int64
		)
		if err := rows.Scan(&m.UserID, &role, &seq, &m.JoinedAt); err != nil {
			return Conversation{}, err
		}
		m.Role = Role(role)
		m.LastReadSeq = uint64(seq)
		c.Members = append(c.Members, m)
	}
	return c, rows.Err()
}

// IsMember checks membership via the conversation_members table.
func (s *PostgresStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("chat: nil store")
	}
	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if conversationID == "" || userID == "" {
		return false, nil
	}

	members := pgIdent(s.schema, "conversation_members")
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ---- row helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m           Message
		tenant      *string
		sender      *string
		submission  *string
		replyTo     *string
		seq         int64
		kind        string
		attachments []byte
		metadata    []byte
	)
	err := row.Scan(
		&m.ID, &tenant, &m.ConversationID, &sender, &submission, &seq, &kind,
		&m.Content.Text, &attachments, &metadata, &replyTo, &m.CreatedAt, &m.EditedAt, &m.DeletedAt,
	)
	if err != nil {
		return Message{}, err
	}

	m.Seq = uint64(seq)
	m.Type = MessageType(kind)
	if tenant != nil {
		m.TenantID = *tenant
	}
	if sender != nil {
		m.SenderID = *sender
	}
	if submission != nil {
		m.SubmissionID = *submission
	}
	if replyTo != nil {
		m.ReplyToID = *replyTo
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Content.Attachments); err != nil {
			return Message{}, err
		}
	}
	if len(metadata) > 0 {
		m.Content.Metadata = json.RawMessage(metadata)
	}
	return m, nil
}

func collectMessages(rows pgx.Rows, capacity int) ([]Message, error) {
	msgs := make([]Message, 0, capacity)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func marshalContent(c Content) (attachments, metadata []byte, err error) {
	if len(c.Attachments) > 0 {
		attachments, err = json.Marshal(c.Attachments)
		if err != nil {
			return nil, nil, err
		}
	}
	if len(c.Metadata) > 0 {
		metadata = []byte(c.Metadata)
	}
	return attachments, metadata, nil
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
