// Package graph builds the in-memory indexed view of a metadata store.
//
// A Graph is immutable once loaded and is a pure function of the stored
// payloads; reloading after an ingest produces an equivalent graph. Relations
// reference identities, never object pointers, so cycles in the input cannot
// produce unbounded traversals: every closure here is iterative.
package graph

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/musync/musync"
	"github.com/musync/musync/datastore"
)

// Graph is the loaded catalog view.
type Graph struct {
	updates map[musync.Identity]*musync.Update
	latest  map[uuid.UUID]musync.Identity

	categories datastore.Categories
	detectoids map[uuid.UUID]struct{}

	supersededBy  map[uuid.UUID][]musync.Identity
	supersedes    map[uuid.UUID][]musync.Identity
	bundleMembers map[musync.Identity][]musync.Identity
	memberBundles map[uuid.UUID][]musync.Identity
	dependents    map[uuid.UUID][]musync.Identity
	byHardwareID  map[string][]musync.Identity
	files         map[string]*musync.File
	byKB          map[string][]musync.Identity

	roots     []musync.Identity
	nonLeaves []musync.Identity
	leaves    []musync.Identity
}

// Load reads every record from the store and builds all derived indices.
func Load(ctx context.Context, store datastore.MetadataStore) (*Graph, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "graph/Load")
	ids, err := store.Identities(ctx)
	if err != nil {
		return nil, err
	}
	g := &Graph{
		updates:       make(map[musync.Identity]*musync.Update, len(ids)),
		latest:        make(map[uuid.UUID]musync.Identity),
		detectoids:    make(map[uuid.UUID]struct{}),
		supersededBy:  make(map[uuid.UUID][]musync.Identity),
		supersedes:    make(map[uuid.UUID][]musync.Identity),
		bundleMembers: make(map[musync.Identity][]musync.Identity),
		memberBundles: make(map[uuid.UUID][]musync.Identity),
		dependents:    make(map[uuid.UUID][]musync.Identity),
		byHardwareID:  make(map[string][]musync.Identity),
		files:         make(map[string]*musync.File),
		byKB:          make(map[string][]musync.Identity),
	}
	g.categories = datastore.Categories{
		Products:        make(map[uuid.UUID]struct{}),
		Classifications: make(map[uuid.UUID]struct{}),
	}
	for _, id := range ids {
		u, err := store.GetUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		g.updates[id] = u
		if cur, ok := g.latest[id.ID]; !ok || id.Revision > cur.Revision {
			g.latest[id.ID] = id
		}
	}
	for _, id := range g.latest {
		g.index(g.updates[id])
	}
	g.partition()
	zlog.Debug(ctx).
		Int("revisions", len(g.updates)).
		Int("identities", len(g.latest)).
		Msg("graph loaded")
	return g, nil
}

func (g *Graph) index(u *musync.Update) {
	id := u.Identity
	switch u.Type {
	case musync.TypeProduct, musync.TypeProductFamily:
		g.categories.Products[id.ID] = struct{}{}
	case musync.TypeClassification:
		g.categories.Classifications[id.ID] = struct{}{}
	case musync.TypeDetectoid:
		g.detectoids[id.ID] = struct{}{}
	}
	for _, old := range u.Superseded {
		g.supersededBy[old.ID] = append(g.supersededBy[old.ID], id)
		g.supersedes[id.ID] = append(g.supersedes[id.ID], old)
	}
	if len(u.Bundled) != 0 {
		g.bundleMembers[id] = append([]musync.Identity(nil), u.Bundled...)
		for _, m := range u.Bundled {
			g.memberBundles[m.ID] = append(g.memberBundles[m.ID], id)
		}
	}
	for _, p := range u.Prerequisites {
		switch v := p.(type) {
		case musync.Simple:
			g.dependents[v.UpdateID] = append(g.dependents[v.UpdateID], id)
		case musync.AtLeastOne:
			for _, s := range v.Simple {
				g.dependents[s.UpdateID] = append(g.dependents[s.UpdateID], id)
			}
		}
	}
	for i := range u.Drivers {
		m := &u.Drivers[i]
		key := strings.ToLower(m.HardwareID)
		g.byHardwareID[key] = append(g.byHardwareID[key], id)
		if m.CompatibleID != "" {
			key = strings.ToLower(m.CompatibleID)
			g.byHardwareID[key] = append(g.byHardwareID[key], id)
		}
	}
	for i := range u.Files {
		f := &u.Files[i]
		if d, ok := f.StrongestDigest(); ok {
			g.files[d.Hex()] = f
		}
	}
	if u.KBArticle != "" {
		g.byKB[u.KBArticle] = append(g.byKB[u.KBArticle], id)
	}
}

// partition computes the root / non-leaf / leaf sets over the latest
// revisions.
func (g *Graph) partition() {
	for gid, id := range g.latest {
		u := g.updates[id]
		hasDeps := len(g.dependents[gid]) != 0
		switch {
		case !u.HasPrerequisites():
			g.roots = append(g.roots, id)
			if hasDeps {
				g.nonLeaves = append(g.nonLeaves, id)
			}
		case hasDeps:
			g.nonLeaves = append(g.nonLeaves, id)
		default:
			g.leaves = append(g.leaves, id)
		}
	}
	byID := func(s []musync.Identity) {
		sort.Slice(s, func(i, j int) bool { return s[i].Compare(s[j]) < 0 })
	}
	byID(g.roots)
	byID(g.nonLeaves)
	byID(g.leaves)
}

// Update returns the update stored under the exact identity.
func (g *Graph) Update(id musync.Identity) (*musync.Update, bool) {
	u, ok := g.updates[id]
	return u, ok
}

// Latest returns the newest stored revision of an update ID.
func (g *Graph) Latest(id uuid.UUID) (*musync.Update, bool) {
	ident, ok := g.latest[id]
	if !ok {
		return nil, false
	}
	return g.updates[ident], true
}

// Len reports the number of stored revisions.
func (g *Graph) Len() int { return len(g.updates) }

// Roots returns the updates with no prerequisites.
func (g *Graph) Roots() []musync.Identity { return g.roots }

// NonLeaves returns the updates that are prerequisites of other updates.
func (g *Graph) NonLeaves() []musync.Identity { return g.nonLeaves }

// Leaves returns the updates with prerequisites and no dependents.
func (g *Graph) Leaves() []musync.Identity { return g.leaves }

// Categories returns the known product/classification sets.
func (g *Graph) Categories() datastore.Categories { return g.categories }

// IsDetectoid reports whether the GUID names a known detectoid.
func (g *Graph) IsDetectoid(id uuid.UUID) bool {
	_, ok := g.detectoids[id]
	return ok
}

// ResolveCategories resolves the update's products and classifications
// against the graph's category sets.
func (g *Graph) ResolveCategories(u *musync.Update) (products, classifications []uuid.UUID) {
	return datastore.ResolveCategories(u, g.categories)
}

// IsSupersededBy returns the identities that supersede the given update ID.
func (g *Graph) IsSupersededBy(id uuid.UUID) []musync.Identity {
	return g.supersededBy[id]
}

// Supersedes returns the identities the given update ID obsoletes.
func (g *Graph) Supersedes(id uuid.UUID) []musync.Identity {
	return g.supersedes[id]
}

// BundleMembers returns the member identities of a bundle.
func (g *Graph) BundleMembers(id musync.Identity) []musync.Identity {
	return g.bundleMembers[id]
}

// BundlesOf returns the bundles that list the given update ID as a member.
func (g *Graph) BundlesOf(id uuid.UUID) []musync.Identity {
	return g.memberBundles[id]
}

// Dependents returns the identities that name the given update ID as a
// prerequisite.
func (g *Graph) Dependents(id uuid.UUID) []musync.Identity {
	return g.dependents[id]
}

// DriverCandidates returns the driver updates whose metadata mentions any
// of the hardware IDs. Matching is case-insensitive.
func (g *Graph) DriverCandidates(hardwareIDs []string) []*musync.Update {
	seen := make(map[musync.Identity]struct{})
	var out []*musync.Update
	for _, hw := range hardwareIDs {
		for _, id := range g.byHardwareID[strings.ToLower(hw)] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, g.updates[id])
		}
	}
	return out
}

// FileByDigest returns the file metadata stored under the hex digest.
func (g *Graph) FileByDigest(hex string) (*musync.File, bool) {
	f, ok := g.files[strings.ToLower(hex)]
	return f, ok
}

// ByKB returns the updates referencing a KB article.
func (g *Graph) ByKB(article string) []musync.Identity {
	return g.byKB[article]
}
