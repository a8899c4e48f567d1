// Package export writes and reads offline catalog exchange archives.
//
// An archive is a zip holding exactly two entries, both zstd-compressed:
// "metadata.txt" with one line per exported revision, and "package.xml"
// describing the package, its languages, content files and update
// references. The selected updates' bundle closures are included, members
// ordered before their parents, and every category record rides along so
// the importing side can rebuild its indices without a separate category
// sync.
package export

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/musync/musync"
	"github.com/musync/musync/datastore"
	"github.com/musync/musync/graph"
	"github.com/musync/musync/internal/xmlutil"
)

// Package format constants.
const (
	FormatVersion   = "1.0"
	ProtocolVersion = "1.20"
)

// Options configures one export.
type Options struct {
	// Filter selects the software updates to export. Categories are
	// always included regardless of the filter.
	Filter datastore.Filter
	// Languages recorded in package.xml.
	Languages []string
}

// Write exports the selected catalog subset to out.
func Write(ctx context.Context, out io.Writer, store datastore.MetadataStore, opts Options) error {
	ctx = zlog.ContextWithValues(ctx, "component", "export/Write")
	g, err := graph.Load(ctx, store)
	if err != nil {
		return err
	}

	categories, err := allCategories(ctx, store, g)
	if err != nil {
		return err
	}
	closure := g.ExpandBundles(g.Query(opts.Filter))

	// Categories first, then the closure in member-before-parent order.
	ordered := make([]*musync.Update, 0, len(categories)+len(closure))
	seen := make(map[musync.Identity]struct{}, cap(ordered))
	for _, u := range append(categories, closure...) {
		if _, ok := seen[u.Identity]; ok {
			continue
		}
		seen[u.Identity] = struct{}{}
		ordered = append(ordered, u)
	}

	w, err := newArchiveWriter(out)
	if err != nil {
		return err
	}
	if err := writeMetadata(ctx, w, store, ordered); err != nil {
		return err
	}
	if err := writeManifest(w, g, ordered, opts.Languages); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	zlog.Info(ctx).
		Int("categories", len(categories)).
		Int("updates", len(ordered)-len(categories)).
		Msg("export written")
	return nil
}

// allCategories returns every category record at its latest revision, in
// identity order.
func allCategories(ctx context.Context, store datastore.MetadataStore, g *graph.Graph) ([]*musync.Update, error) {
	all, err := store.ListUpdates(ctx, datastore.Filter{})
	if err != nil {
		return nil, err
	}
	var out []*musync.Update
	for _, u := range all {
		if !u.IsCategory() {
			continue
		}
		if l, ok := g.Latest(u.Identity.ID); !ok || l.Identity != u.Identity {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Compare(out[j].Identity) < 0 })
	return out, nil
}

// writeMetadata emits the metadata.txt entry: per revision the GUID, the
// revision and XML size as fixed-width hex, and the document itself.
func writeMetadata(ctx context.Context, w *archiveWriter, store datastore.MetadataStore, ordered []*musync.Update) error {
	e, err := w.Create(metadataName)
	if err != nil {
		return err
	}
	for _, u := range ordered {
		xml, err := store.GetXML(ctx, u.Identity)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(e, "%s,%08x,%08x,%s\r\n", u.Identity.ID, u.Identity.Revision, len(xml), xml); err != nil {
			return err
		}
	}
	return nil
}

// writeManifest emits the package.xml entry.
func writeManifest(w *archiveWriter, g *graph.Graph, ordered []*musync.Update, languages []string) error {
	root := &xmlutil.Node{
		Name: "ExportPackage",
		Attrs: []xmlutil.Attr{
			{Name: "ServerID", Value: uuid.New().String()},
			{Name: "CreationTime", Value: time.Now().UTC().Format(time.RFC3339)},
			{Name: "FormatVersion", Value: FormatVersion},
			{Name: "ProtocolVersion", Value: ProtocolVersion},
		},
	}

	langs := &xmlutil.Node{Name: "Languages"}
	for _, l := range languages {
		langs.Children = append(langs.Children, &xmlutil.Node{
			Name:  "Language",
			Attrs: []xmlutil.Attr{{Name: "Name", Value: l}},
		})
	}
	root.Children = append(root.Children, langs)

	files := &xmlutil.Node{Name: "Files"}
	seen := make(map[string]struct{})
	for _, u := range ordered {
		for _, f := range u.Files {
			d, ok := f.StrongestDigest()
			if !ok {
				continue
			}
			if _, dup := seen[d.String()]; dup {
				continue
			}
			seen[d.String()] = struct{}{}
			files.Children = append(files.Children, &xmlutil.Node{
				Name: "File",
				Attrs: []xmlutil.Attr{
					{Name: "Digest", Value: d.String()},
					{Name: "FileName", Value: f.Name},
					{Name: "Size", Value: fmt.Sprintf("%d", f.Size)},
					{Name: "SourceUrl", Value: f.SourceURL},
				},
			})
		}
	}
	root.Children = append(root.Children, files)

	updates := &xmlutil.Node{Name: "Updates"}
	for _, u := range ordered {
		n := &xmlutil.Node{
			Name: "Update",
			Attrs: []xmlutil.Attr{
				{Name: "UpdateID", Value: u.Identity.ID.String()},
				{Name: "RevisionNumber", Value: fmt.Sprintf("%d", u.Identity.Revision)},
				{Name: "IsCategory", Value: fmt.Sprintf("%t", u.IsCategory())},
			},
		}
		products, classifications := g.ResolveCategories(u)
		if len(u.ProductIDs) != 0 {
			products = u.ProductIDs
		}
		if len(u.ClassificationIDs) != 0 {
			classifications = u.ClassificationIDs
		}
		appendRefs(n, "Categories", "Category", "CategoryID", products)
		appendRefs(n, "Classifications", "Classification", "ClassificationID", classifications)
		if u.HasFiles() {
			fs := &xmlutil.Node{Name: "Files"}
			for _, f := range u.Files {
				if d, ok := f.StrongestDigest(); ok {
					fs.Children = append(fs.Children, &xmlutil.Node{
						Name:  "File",
						Attrs: []xmlutil.Attr{{Name: "Digest", Value: d.String()}},
					})
				}
			}
			n.Children = append(n.Children, fs)
		}
		updates.Children = append(updates.Children, n)
	}
	root.Children = append(root.Children, updates)

	e, err := w.Create(manifestName)
	if err != nil {
		return err
	}
	return root.WriteTo(e)
}

func appendRefs(n *xmlutil.Node, group, element, attr string, ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	g := &xmlutil.Node{Name: group}
	for _, id := range ids {
		g.Children = append(g.Children, &xmlutil.Node{
			Name:  element,
			Attrs: []xmlutil.Attr{{Name: attr, Value: id.String()}},
		})
	}
	n.Children = append(n.Children, g)
}
