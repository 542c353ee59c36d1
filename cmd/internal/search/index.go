package search

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Sort selects the result ordering of a Query.
type Sort string

const (
	// SortRelevance orders by score descending, seq ascending as tie-break.
	SortRelevance Sort = "relevance"
	// SortDate orders newest first, seq ascending as tie-break.
	SortDate Sort = "date"
	// SortSeq orders by conversation position ascending.
	SortSeq Sort = "seq"
)

const (
	defaultQueryLimit = 20
	maxQueryLimit     = 100
)

// ErrDocNotFound is returned when a document id is absent from the index.
var ErrDocNotFound = errors.New("search: document not found")

// Index is the bleve-backed message index. All methods are safe for
// concurrent use; Recreate swaps the underlying index atomically.
type Index struct {
	mu   sync.RWMutex
	idx  bleve.Index
	path string // empty for memory-only
}

// NewIndex opens (or creates) a persistent index at path.
func NewIndex(path string) (*Index, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewMemIndex()
	}

	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, err
	}
	return &Index{idx: idx, path: path}, nil
}

// NewMemIndex creates a memory-only index (tests, dev mode).
func NewMemIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, err
	}
	return &Index{idx: idx}, nil
}

func buildMapping() mapping.IndexMapping {
	kw := bleve.NewTextFieldMapping()
	kw.Analyzer = keyword.Name
	kw.Store = true

	text := bleve.NewTextFieldMapping()
	text.Store = true

	num := bleve.NewNumericFieldMapping()
	num.Store = true

	dt := bleve.NewDateTimeFieldMapping()
	dt.Store = true

	flag := bleve.NewBooleanFieldMapping()
	flag.Store = true

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("message_id", kw)
	doc.AddFieldMappingsAt("tenant_id", kw)
	doc.AddFieldMappingsAt("conversation_id", kw)
	doc.AddFieldMappingsAt("sender_id", kw)
	doc.AddFieldMappingsAt("kind", kw)
	doc.AddFieldMappingsAt("sender_name", text)
	doc.AddFieldMappingsAt("conversation_title", text)
	doc.AddFieldMappingsAt("text", text)
	doc.AddFieldMappingsAt("seq", num)
	doc.AddFieldMappingsAt("created_at", dt)
	doc.AddFieldMappingsAt("edited_at", dt)
	doc.AddFieldMappingsAt("deleted_at", dt)
	doc.AddFieldMappingsAt("deleted", flag)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Upsert indexes a document, replacing any previous version under the same
// id. Replays converge to the same state.
func (i *Index) Upsert(d Document) error {
	if i == nil {
		return errors.New("search: nil index")
	}
	if d.MessageID == "" {
		return errors.New("search: missing message id")
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.idx.Index(DocID(d.TenantID, d.MessageID), d)
}

// Fetch returns the stored document for (tenantID, messageID).
func (i *Index) Fetch(ctx context.Context, tenantID, messageID string) (Document, error) {
	if i == nil {
		return Document{}, errors.New("search: nil index")
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	req := bleve.NewSearchRequest(query.NewDocIDQuery([]string{DocID(tenantID, messageID)}))
	req.Fields = []string{"*"}
	req.Size = 1

	res, err := i.idx.SearchInContext(ctx, req)
	if err != nil {
		return Document{}, err
	}
	if len(res.Hits) == 0 {
		return Document{}, ErrDocNotFound
	}
	return docFromFields(res.Hits[0].Fields)
}

// MarkDeleted flips the deleted flag on the stored document, keeping its
// position metadata. Returns ErrDocNotFound when the document is absent.
func (i *Index) MarkDeleted(ctx context.Context, tenantID, messageID string, at time.Time) error {
	d, err := i.Fetch(ctx, tenantID, messageID)
	if err != nil {
		return err
	}
	if d.Deleted {
		return nil
	}
	return i.Upsert(d.Tombstone(at))
}

// Query describes one tenant-scoped search.
type Query struct {
	TenantID       string    // scope; applied whenever non-empty
	Text           string    // full-text over message text, sender name, conversation title
	ConversationID string    // optional filter
	SenderID       string    // optional filter
	Kind           string    // optional filter (message kind)
	CreatedAfter   time.Time // optional lower bound; zero means unbounded
	CreatedBefore  time.Time // optional upper bound; zero means unbounded
	IncludeDeleted bool      // tombstones are excluded by default
	Sort           Sort      // default SortRelevance
	Limit          int
	Offset         int
}

// Hit is one query result.
type Hit struct {
	Document
	Score float64
}

// Result is a query response page.
type Result struct {
	Hits  []Hit
	Total uint64
}

// Search runs a query against the index.
func (i *Index) Search(ctx context.Context, q Query) (Result, error) {
	if i == nil {
		return Result{}, errors.New("search: nil index")
	}

	conj := query.NewConjunctionQuery(nil)

	// Single-tenant deployments carry no tenant id; the scope filter only
	// applies when one is present.
	if q.TenantID != "" {
		tenant := query.NewTermQuery(q.TenantID)
		tenant.SetField("tenant_id")
		conj.AddQuery(tenant)
	}

	if q.ConversationID != "" {
		tq := query.NewTermQuery(q.ConversationID)
		tq.SetField("conversation_id")
		conj.AddQuery(tq)
	}
	if q.SenderID != "" {
		tq := query.NewTermQuery(q.SenderID)
		tq.SetField("sender_id")
		conj.AddQuery(tq)
	}
	if q.Kind != "" {
		tq := query.NewTermQuery(q.Kind)
		tq.SetField("kind")
		conj.AddQuery(tq)
	}
	if !q.CreatedAfter.IsZero() || !q.CreatedBefore.IsZero() {
		dr := query.NewDateRangeQuery(q.CreatedAfter, q.CreatedBefore)
		dr.SetField("created_at")
		conj.AddQuery(dr)
	}
	if !q.IncludeDeleted {
		bq := query.NewBoolFieldQuery(false)
		bq.SetField("deleted")
		conj.AddQuery(bq)
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		body := query.NewMatchQuery(text)
		body.SetField("text")
		name := query.NewMatchQuery(text)
		name.SetField("sender_name")
		title := query.NewMatchQuery(text)
		title.SetField("conversation_title")
		conj.AddQuery(query.NewDisjunctionQuery([]query.Query{body, name, title}))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	req := bleve.NewSearchRequestOptions(conj, limit, q.Offset, false)
	req.Fields = []string{"*"}
	switch q.Sort {
	case SortDate:
		req.SortBy([]string{"-created_at", "seq"})
	case SortSeq:
		req.SortBy([]string{"conversation_id", "seq"})
	default:
		req.SortBy([]string{"-_score", "seq"})
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	res, err := i.idx.SearchInContext(ctx, req)
	if err != nil {
		return Result{}, err
	}

	out := Result{Total: res.Total, Hits: make([]Hit, 0, len(res.Hits))}
	for _, h := range res.Hits {
		d, err := docFromFields(h.Fields)
		if err != nil {
			return Result{}, err
		}
		out.Hits = append(out.Hits, Hit{Document: d, Score: h.Score})
	}
	return out, nil
}

// Recreate drops all documents and starts from an empty index. Used by the
// reindexer before replaying the store of record.
func (i *Index) Recreate() error {
	if i == nil {
		return errors.New("search: nil index")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.idx.Close(); err != nil {
		return err
	}

	var (
		fresh bleve.Index
		err   error
	)
	if i.path == "" {
		fresh, err = bleve.NewMemOnly(buildMapping())
	} else {
		if err := os.RemoveAll(i.path); err != nil {
			return err
		}
		fresh, err = bleve.New(i.path, buildMapping())
	}
	if err != nil {
		return err
	}
	i.idx = fresh
	return nil
}

// Count returns the number of indexed documents.
func (i *Index) Count() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.idx.DocCount()
}

func (i *Index) Close() error {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.idx.Close()
}

// docFromFields rebuilds a Document from bleve stored fields. Numbers come
// back as float64 and datetimes as RFC3339 strings.
func docFromFields(fields map[string]any) (Document, error) {
	d := Document{
		MessageID:         fieldString(fields, "message_id"),
		TenantID:          fieldString(fields, "tenant_id"),
		ConversationID:    fieldString(fields, "conversation_id"),
		ConversationTitle: fieldString(fields, "conversation_title"),
		SenderID:          fieldString(fields, "sender_id"),
		SenderName:        fieldString(fields, "sender_name"),
		Kind:              fieldString(fields, "kind"),
		Text:              fieldString(fields, "text"),
	}
	if v, ok := fields["seq"].(float64); ok {
		d.Seq = uint64(v)
	}
	if v, ok := fields["deleted"].(bool); ok {
		d.Deleted = v
	}

	var err error
	if d.CreatedAt, err = fieldTime(fields, "created_at"); err != nil {
		return Document{}, err
	}
	if t, err := fieldTime(fields, "edited_at"); err != nil {
		return Document{}, err
	} else if !t.IsZero() {
		d.EditedAt = &t
	}
	if t, err := fieldTime(fields, "deleted_at"); err != nil {
		return Document{}, err
	} else if !t.IsZero() {
		d.DeletedAt = &t
	}
	return d, nil
}

func fieldString(fields map[string]any, name string) string {
	s, _ := fields[name].(string)
	return s
}

func fieldTime(fields map[string]any, name string) (time.Time, error) {
	s, ok := fields[name].(string)
	if !ok || s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
