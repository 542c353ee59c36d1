// Package search maintains the full-text message index: the projector keeps
// it in sync with broker events, the reindexer rebuilds it from the store of
// record, and Query serves tenant-scoped lookups.
//
// The index is a derived view. It is never the store of record and losing it
// is recoverable via a reindex.
package search

import "time"

// Document is the indexed representation of one message.
//
// Deleted messages keep their document (position metadata survives) but drop
// their searchable text: a tombstone, not a removal.
type Document struct {
	MessageID      string `json:"message_id"`
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`

	// ConversationTitle is denormalized from the conversation at projection
	// time; direct conversations are usually untitled and leave it empty.
	ConversationTitle string `json:"conversation_title"`

	SenderID   string     `json:"sender_id"`
	SenderName string     `json:"sender_name"`
	Seq        uint64     `json:"seq"`
	Kind       string     `json:"kind"`
	Text       string     `json:"text"`
	CreatedAt  time.Time  `json:"created_at"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	Deleted    bool       `json:"deleted"`
}

// DocID is the index key: tenant-qualified so one index serves all tenants
// without cross-tenant collisions.
func DocID(tenantID, messageID string) string {
	return tenantID + "/" + messageID
}

// Tombstone strips searchable content while keeping position metadata.
func (d Document) Tombstone(at time.Time) Document {
	out := d
	out.Text = ""
	out.Deleted = true
	at = at.UTC()
	out.DeletedAt = &at
	return out
}
