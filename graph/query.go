package graph

import (
	"github.com/musync/musync"
	"github.com/musync/musync/datastore"
)

// Query returns the latest-revision updates matching the filter, in
// identity order. First is applied before closure expansion.
func (g *Graph) Query(f datastore.Filter) []*musync.Update {
	var out []*musync.Update
	for _, set := range [][]musync.Identity{g.roots, g.nonLeaves, g.leaves} {
		for _, id := range set {
			u := g.updates[id]
			if !f.Match(u, g.categories) {
				continue
			}
			out = append(out, u)
			if f.First > 0 && len(out) == f.First {
				return out
			}
		}
	}
	return out
}

// ExpandBundles adds every bundled member of the selected updates until a
// fixed point, members ordered before their parents. Members absent from
// the graph are skipped; the export pass enforces closure over what is
// actually stored.
func (g *Graph) ExpandBundles(selected []*musync.Update) []*musync.Update {
	var out []*musync.Update
	emitted := make(map[musync.Identity]struct{})
	visiting := make(map[musync.Identity]struct{})
	// Iterative post-order over the bundle relation. Cycles are impossible
	// by protocol, but a corrupt input must not hang the loader, so a visit
	// guard cuts repeated expansion.
	type frame struct {
		u        *musync.Update
		expanded bool
	}
	var stack []frame
	for i := len(selected) - 1; i >= 0; i-- {
		stack = append(stack, frame{u: selected[i]})
	}
	for len(stack) != 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := emitted[f.u.Identity]; ok {
			continue
		}
		members := g.bundleMembers[f.u.Identity]
		_, seen := visiting[f.u.Identity]
		if f.expanded || len(members) == 0 || seen {
			emitted[f.u.Identity] = struct{}{}
			out = append(out, f.u)
			continue
		}
		visiting[f.u.Identity] = struct{}{}
		stack = append(stack, frame{u: f.u, expanded: true})
		for i := len(members) - 1; i >= 0; i-- {
			if m, ok := g.updates[members[i]]; ok {
				stack = append(stack, frame{u: m})
			}
		}
	}
	return out
}
