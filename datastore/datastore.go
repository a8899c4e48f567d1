// Package datastore holds the storage contracts consumed by the catalog
// engine.
//
// Implementations live in subpackages; the engine and servers only see
// these interfaces.
package datastore

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/musync/musync"
)

// Record is a stored update: the decoded model plus its raw metadata XML.
type Record struct {
	Update *musync.Update
	XML    []byte
}

// MetadataStore stores update records and sync state.
//
// Writers must be atomic per record: a reader never observes a payload
// without its XML. Identity uniqueness holds; putting an already-present
// (id, revision) is a no-op.
type MetadataStore interface {
	// PutUpdate stores a record keyed by its identity.
	PutUpdate(ctx context.Context, r *Record) error
	// GetUpdate returns the decoded update for an identity.
	GetUpdate(ctx context.Context, id musync.Identity) (*musync.Update, error)
	// GetXML returns the raw metadata XML for an identity.
	GetXML(ctx context.Context, id musync.Identity) ([]byte, error)
	// Identities lists every stored identity.
	Identities(ctx context.Context) ([]musync.Identity, error)
	// ListUpdates returns the decoded updates matching the filter, without
	// closure expansion.
	ListUpdates(ctx context.Context, f Filter) ([]*musync.Update, error)

	// SaveAnchor records the anchor for a key, replacing any previous one.
	SaveAnchor(ctx context.Context, k musync.AnchorKey, a musync.Anchor) error
	// GetAnchor returns the recorded anchor for a key, or the empty anchor.
	GetAnchor(ctx context.Context, k musync.AnchorKey) (musync.Anchor, error)

	// Truncate removes every stored record and anchor.
	Truncate(ctx context.Context) error
}

// Filter selects a subset of the stored catalog.
//
// Zero-value fields do not constrain. Products and Classifications are
// resolved against each update's category prerequisites; HardwareIDs match
// driver metadata entries.
type Filter struct {
	Products        []uuid.UUID `json:"products,omitempty"`
	Classifications []uuid.UUID `json:"classifications,omitempty"`
	IDs             []uuid.UUID `json:"ids,omitempty"`
	TitleContains   string      `json:"title_contains,omitempty"`
	KBArticle       string      `json:"kb_article,omitempty"`
	HardwareIDs     []string    `json:"hardware_ids,omitempty"`
	// First truncates the result after this many records when positive.
	First int `json:"first,omitempty"`
}

// AnchorKey derives the persistent anchor key for the filter.
func (f Filter) AnchorKey() (musync.AnchorKey, error) {
	return musync.UpdatesAnchorKey(f)
}

// ContentStore stores content files addressed by their strongest digest.
type ContentStore interface {
	// Open returns a reader over a stored, verified file. The caller closes
	// it.
	Open(ctx context.Context, d musync.Digest) (File, error)
	// Write stores content bytes for a file, verifying them against the
	// digest before the completion marker is placed.
	Write(ctx context.Context, f *musync.File, r io.Reader) error
	// Exists reports whether verified content is present for the digest.
	Exists(ctx context.Context, d musync.Digest) (bool, error)
}

// File is an open content file.
type File interface {
	io.ReadSeeker
	io.Closer
	// Size reports the file size in bytes.
	Size() int64
	// Name reports the stored file name.
	Name() string
}
