// Package sqlite is the persistent MetadataStore.
//
// Decoded payloads and sync anchors live in a SQLite database under the
// store root; raw metadata XML lives beside it as plain files so the
// catalog can be inspected and rebuilt without the database. Derived
// indices are never persisted, they are rebuilt by graph.Load.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/sqlite3" // register the dialect
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/musync/musync"
	"github.com/musync/musync/datastore"
)

var _ datastore.MetadataStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS updates (
	id         TEXT    NOT NULL,
	revision   INTEGER NOT NULL,
	type       TEXT    NOT NULL,
	title      TEXT    NOT NULL DEFAULT '',
	kb_article TEXT    NOT NULL DEFAULT '',
	payload    BLOB    NOT NULL,
	PRIMARY KEY (id, revision)
);
CREATE INDEX IF NOT EXISTS updates_kb_idx ON updates (kb_article) WHERE kb_article <> '';
CREATE TABLE IF NOT EXISTS anchors (
	kind        TEXT NOT NULL,
	filter_hash TEXT NOT NULL,
	anchor      TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (kind, filter_hash)
);`

// Store is a SQLite-and-files MetadataStore rooted at a directory.
//
// The returned Store must have its Close method called, or the process may
// panic.
type Store struct {
	db   *sql.DB
	root string
}

// Open opens (creating as needed) the store rooted at dir.
func Open(ctx context.Context, dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "xml-data"), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: creating store root: %w", err)
	}
	u := url.URL{
		Scheme: `file`,
		Opaque: filepath.Join(dir, "metadata.db"),
		RawQuery: url.Values{
			"_pragma": {
				"foreign_keys(1)",
				"busy_timeout(5000)",
			},
		}.Encode(),
	}
	db, err := sql.Open(`sqlite`, u.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	s := Store{db: db, root: dir}
	_, file, line, _ := runtime.Caller(1)
	runtime.SetFinalizer(&s, func(s *Store) {
		panic(fmt.Sprintf("%s:%d: store not closed", file, line))
	})
	return &s, nil
}

// Close releases held resources.
func (s *Store) Close() error {
	runtime.SetFinalizer(s, nil)
	return s.db.Close()
}

// xmlPath is "<root>/xml-data/<last-byte-of-id-hex>/<id>-<rev>.xml".
func (s *Store) xmlPath(id musync.Identity) string {
	return filepath.Join(s.root, "xml-data",
		fmt.Sprintf("%02x", id.ID[15]),
		fmt.Sprintf("%s-%d.xml", id.ID, id.Revision))
}

// PutUpdate implements datastore.MetadataStore.
//
// The XML is staged and renamed into place before the database row lands,
// so a reader that can see the row can always read the XML. Re-putting an
// existing (id, revision) is a no-op.
func (s *Store) PutUpdate(ctx context.Context, r *datastore.Record) error {
	id := r.Update.Identity
	payload, err := json.Marshal(r.Update)
	if err != nil {
		return &musync.Error{Op: "sqlite.PutUpdate", Kind: musync.ErrInternal, Inner: err}
	}
	dst := s.xmlPath(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &musync.Error{Op: "sqlite.PutUpdate", Kind: musync.ErrInternal, Inner: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".staging-*")
	if err != nil {
		return &musync.Error{Op: "sqlite.PutUpdate", Kind: musync.ErrInternal, Inner: err}
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(r.XML); err != nil {
		tmp.Close()
		return &musync.Error{Op: "sqlite.PutUpdate", Kind: musync.ErrInternal, Inner: err}
	}
	if err := tmp.Close(); err != nil {
		return &musync.Error{Op: "sqlite.PutUpdate", Kind: musync.ErrInternal, Inner: err}
	}
	if err := os.Rename(name, dst); err != nil {
		return &musync.Error{Op: "sqlite.PutUpdate", Kind: musync.ErrInternal, Inner: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO updates (id, revision, type, title, kb_article, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		id.ID.String(), id.Revision, string(r.Update.Type), r.Update.Title, r.Update.KBArticle, payload)
	if err != nil {
		return &musync.Error{Op: "sqlite.PutUpdate", Kind: musync.ErrInternal, Inner: err}
	}
	return nil
}

// GetUpdate implements datastore.MetadataStore.
func (s *Store) GetUpdate(ctx context.Context, id musync.Identity) (*musync.Update, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM updates WHERE id = ? AND revision = ?`,
		id.ID.String(), id.Revision).Scan(&payload)
	switch {
	case err == sql.ErrNoRows:
		return nil, &musync.Error{Op: "sqlite.GetUpdate", Kind: musync.ErrNotFound, Message: id.String()}
	case err != nil:
		return nil, &musync.Error{Op: "sqlite.GetUpdate", Kind: musync.ErrInternal, Inner: err}
	}
	var u musync.Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, &musync.Error{Op: "sqlite.GetUpdate", Kind: musync.ErrIntegrity, Inner: err}
	}
	return &u, nil
}

// GetXML implements datastore.MetadataStore.
func (s *Store) GetXML(ctx context.Context, id musync.Identity) ([]byte, error) {
	b, err := os.ReadFile(s.xmlPath(id))
	switch {
	case os.IsNotExist(err):
		return nil, &musync.Error{Op: "sqlite.GetXML", Kind: musync.ErrNotFound, Message: id.String()}
	case err != nil:
		return nil, &musync.Error{Op: "sqlite.GetXML", Kind: musync.ErrInternal, Inner: err}
	}
	return b, nil
}

// Identities implements datastore.MetadataStore.
func (s *Store) Identities(ctx context.Context) ([]musync.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, revision FROM updates ORDER BY id, revision`)
	if err != nil {
		return nil, &musync.Error{Op: "sqlite.Identities", Kind: musync.ErrInternal, Inner: err}
	}
	defer rows.Close()
	var out []musync.Identity
	for rows.Next() {
		var raw string
		var rev uint32
		if err := rows.Scan(&raw, &rev); err != nil {
			return nil, &musync.Error{Op: "sqlite.Identities", Kind: musync.ErrInternal, Inner: err}
		}
		g, err := uuid.Parse(raw)
		if err != nil {
			return nil, &musync.Error{Op: "sqlite.Identities", Kind: musync.ErrIntegrity, Inner: err}
		}
		out = append(out, musync.Identity{ID: g, Revision: rev})
	}
	if err := rows.Err(); err != nil {
		return nil, &musync.Error{Op: "sqlite.Identities", Kind: musync.ErrInternal, Inner: err}
	}
	return out, nil
}

// ListUpdates implements datastore.MetadataStore.
//
// The indexable filter fields are pushed into SQL; category and hardware
// constraints need the decoded payload and are applied while scanning.
func (s *Store) ListUpdates(ctx context.Context, f datastore.Filter) ([]*musync.Update, error) {
	q := goqu.Dialect("sqlite3").
		From("updates").
		Select("payload").
		Order(goqu.I("id").Asc(), goqu.I("revision").Asc())
	var exps []goqu.Expression
	if f.KBArticle != "" {
		exps = append(exps, goqu.Ex{"kb_article": f.KBArticle})
	}
	if f.TitleContains != "" {
		// instr avoids LIKE metacharacter games in user input.
		exps = append(exps, goqu.L(`instr(lower(title), lower(?)) > 0`, f.TitleContains))
	}
	if len(f.IDs) != 0 {
		ids := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			ids[i] = id.String()
		}
		exps = append(exps, goqu.Ex{"id": ids})
	}
	if len(exps) != 0 {
		q = q.Where(exps...)
	}
	query, args, err := q.ToSQL()
	if err != nil {
		return nil, &musync.Error{Op: "sqlite.ListUpdates", Kind: musync.ErrInternal, Inner: err}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &musync.Error{Op: "sqlite.ListUpdates", Kind: musync.ErrInternal, Inner: err}
	}
	defer rows.Close()
	var all []*musync.Update
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, &musync.Error{Op: "sqlite.ListUpdates", Kind: musync.ErrInternal, Inner: err}
		}
		var u musync.Update
		if err := json.Unmarshal(payload, &u); err != nil {
			return nil, &musync.Error{Op: "sqlite.ListUpdates", Kind: musync.ErrIntegrity, Inner: err}
		}
		all = append(all, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, &musync.Error{Op: "sqlite.ListUpdates", Kind: musync.ErrInternal, Inner: err}
	}
	cats := datastore.CollectCategories(all)
	var out []*musync.Update
	for _, u := range all {
		if !f.Match(u, cats) {
			continue
		}
		out = append(out, u)
		if f.First > 0 && len(out) == f.First {
			break
		}
	}
	return out, nil
}

// SaveAnchor implements datastore.MetadataStore.
func (s *Store) SaveAnchor(ctx context.Context, k musync.AnchorKey, a musync.Anchor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anchors (kind, filter_hash, anchor, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (kind, filter_hash) DO UPDATE SET anchor = excluded.anchor, updated_at = excluded.updated_at`,
		k.Kind, k.FilterHash, string(a), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return &musync.Error{Op: "sqlite.SaveAnchor", Kind: musync.ErrInternal, Inner: err}
	}
	return nil
}

// GetAnchor implements datastore.MetadataStore.
func (s *Store) GetAnchor(ctx context.Context, k musync.AnchorKey) (musync.Anchor, error) {
	var a string
	err := s.db.QueryRowContext(ctx,
		`SELECT anchor FROM anchors WHERE kind = ? AND filter_hash = ?`,
		k.Kind, k.FilterHash).Scan(&a)
	switch {
	case err == sql.ErrNoRows:
		return "", nil
	case err != nil:
		return "", &musync.Error{Op: "sqlite.GetAnchor", Kind: musync.ErrInternal, Inner: err}
	}
	return musync.Anchor(a), nil
}

// Truncate implements datastore.MetadataStore.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM updates`); err != nil {
		return &musync.Error{Op: "sqlite.Truncate", Kind: musync.ErrInternal, Inner: err}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM anchors`); err != nil {
		return &musync.Error{Op: "sqlite.Truncate", Kind: musync.ErrInternal, Inner: err}
	}
	if err := os.RemoveAll(filepath.Join(s.root, "xml-data")); err != nil {
		return &musync.Error{Op: "sqlite.Truncate", Kind: musync.ErrInternal, Inner: err}
	}
	if err := os.MkdirAll(filepath.Join(s.root, "xml-data"), 0o755); err != nil {
		return &musync.Error{Op: "sqlite.Truncate", Kind: musync.ErrInternal, Inner: err}
	}
	return nil
}
