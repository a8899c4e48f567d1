// Package memstore is an in-memory MetadataStore.
//
// It backs tests and the offline import path; the persistent
// implementation lives in the sibling sqlite package.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/musync/musync"
	"github.com/musync/musync/datastore"
)

var _ datastore.MetadataStore = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	s := Store{}
	s.recs = make(map[musync.Identity]*datastore.Record)
	s.anchors = make(map[musync.AnchorKey]musync.Anchor)
	return &s
}

// A Store buffers update records in memory.
type Store struct {
	sync.RWMutex
	recs    map[musync.Identity]*datastore.Record
	anchors map[musync.AnchorKey]musync.Anchor
}

// PutUpdate implements datastore.MetadataStore.
func (s *Store) PutUpdate(_ context.Context, r *datastore.Record) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.recs[r.Update.Identity]; ok {
		// At most one payload per (id, revision).
		return nil
	}
	s.recs[r.Update.Identity] = r
	return nil
}

// GetUpdate implements datastore.MetadataStore.
func (s *Store) GetUpdate(_ context.Context, id musync.Identity) (*musync.Update, error) {
	s.RLock()
	defer s.RUnlock()
	r, ok := s.recs[id]
	if !ok {
		return nil, &musync.Error{Op: "memstore.GetUpdate", Kind: musync.ErrNotFound, Message: id.String()}
	}
	return r.Update, nil
}

// GetXML implements datastore.MetadataStore.
func (s *Store) GetXML(_ context.Context, id musync.Identity) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()
	r, ok := s.recs[id]
	if !ok {
		return nil, &musync.Error{Op: "memstore.GetXML", Kind: musync.ErrNotFound, Message: id.String()}
	}
	return r.XML, nil
}

// Identities implements datastore.MetadataStore.
func (s *Store) Identities(_ context.Context) ([]musync.Identity, error) {
	s.RLock()
	defer s.RUnlock()
	out := make([]musync.Identity, 0, len(s.recs))
	for id := range s.recs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

// ListUpdates implements datastore.MetadataStore.
func (s *Store) ListUpdates(_ context.Context, f datastore.Filter) ([]*musync.Update, error) {
	s.RLock()
	defer s.RUnlock()
	all := make([]*musync.Update, 0, len(s.recs))
	for _, r := range s.recs {
		all = append(all, r.Update)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Identity.Compare(all[j].Identity) < 0 })
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
func (s *Store) SaveAnchor(_ context.Context, k musync.AnchorKey, a musync.Anchor) error {
	s.Lock()
	defer s.Unlock()
	s.anchors[k] = a
	return nil
}

// GetAnchor implements datastore.MetadataStore.
func (s *Store) GetAnchor(_ context.Context, k musync.AnchorKey) (musync.Anchor, error) {
	s.RLock()
	defer s.RUnlock()
	return s.anchors[k], nil
}

// Truncate implements datastore.MetadataStore.
func (s *Store) Truncate(context.Context) error {
	s.Lock()
	defer s.Unlock()
	s.recs = make(map[musync.Identity]*datastore.Record)
	s.anchors = make(map[musync.AnchorKey]musync.Anchor)
	return nil
}
