package export

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/musync/musync"
	"github.com/musync/musync/datastore"
	"github.com/musync/musync/datastore/memstore"
	"github.com/musync/musync/internal/xmlutil"
)

var (
	productP = uuid.MustParse("e0000000-0000-4000-8000-0000000000aa")
	classC   = uuid.MustParse("e0000000-0000-4000-8000-0000000000bb")
	bundleB  = uuid.MustParse("a0000000-0000-4000-8000-000000000001")
	memberM  = uuid.MustParse("a0000000-0000-4000-8000-00000000000f")
)

func softwareID(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("a0000000-0000-4000-8000-%012x", n))
}

func categoryXML(id uuid.UUID, kind string) string {
	return fmt.Sprintf(`<Update xmlns="http://schemas.microsoft.com/msus/2002/12/Update">`+
		`<UpdateIdentity UpdateID="%s" RevisionNumber="1"/>`+
		`<Properties UpdateType="Category"/>`+
		`<LocalizedProperties><Language>en</Language><Title>%s %s</Title></LocalizedProperties>`+
		`<HandlerSpecificData><CategoryInformation CategoryType="%s"/></HandlerSpecificData></Update>`,
		id, kind, id, kind)
}

type docSpec struct {
	id      uuid.UUID
	inScope bool
	bundled []uuid.UUID
	file    string // file content; empty means no payload file
}

func fileDigest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func softwareXML(d docSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<Update xmlns="http://schemas.microsoft.com/msus/2002/12/Update">`+
		`<UpdateIdentity UpdateID="%s" RevisionNumber="1"/>`+
		`<Properties UpdateType="Software"/>`+
		`<LocalizedProperties><Language>en</Language><Title>Update %s</Title></LocalizedProperties>`,
		d.id, d.id)
	b.WriteString("<Relationships>")
	if d.inScope {
		fmt.Fprintf(&b, `<Prerequisites>`+
			`<AtLeastOne IsCategory="true"><UpdateIdentity UpdateID="%s"/></AtLeastOne>`+
			`<AtLeastOne IsCategory="true"><UpdateIdentity UpdateID="%s"/></AtLeastOne>`+
			`</Prerequisites>`, productP, classC)
	}
	if len(d.bundled) != 0 {
		b.WriteString("<BundledUpdates>")
		for _, m := range d.bundled {
			fmt.Fprintf(&b, `<UpdateIdentity UpdateID="%s" RevisionNumber="1"/>`, m)
		}
		b.WriteString("</BundledUpdates>")
	}
	b.WriteString("</Relationships>")
	if d.file != "" {
		fmt.Fprintf(&b, `<Files><File FileName="payload.cab" Size="%d" Digest="%s" DigestAlgorithm="SHA256" SourceUrl="http://upstream/%s"/></Files>`,
			len(d.file), fileDigest(d.file), d.id)
	}
	b.WriteString("</Update>")
	return b.String()
}

func put(t *testing.T, ctx context.Context, store datastore.MetadataStore, xml string) {
	t.Helper()
	rec, err := datastore.RecordFromXML([]byte(xml))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.PutUpdate(ctx, rec); err != nil {
		t.Fatal(err)
	}
}

// seed populates a store with two categories, twelve in-scope software
// updates, and a bundle whose member is out of scope on its own.
func seed(t *testing.T, ctx context.Context) *memstore.Store {
	t.Helper()
	store := memstore.New()
	put(t, ctx, store, categoryXML(productP, "Product"))
	put(t, ctx, store, categoryXML(classC, "UpdateClassification"))
	put(t, ctx, store, softwareXML(docSpec{id: bundleB, inScope: true, bundled: []uuid.UUID{memberM}}))
	put(t, ctx, store, softwareXML(docSpec{id: memberM, file: "member payload"}))
	for n := 2; n <= 0xc; n++ {
		d := docSpec{id: softwareID(n), inScope: true, file: fmt.Sprintf("payload %d", n)}
		if n == 3 {
			// Shares update 2's file byte for byte.
			d.file = "payload 2"
		}
		put(t, ctx, store, softwareXML(d))
	}
	return store
}

func export(t *testing.T, ctx context.Context, store datastore.MetadataStore, opts Options) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(ctx, &buf, store, opts); err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(buf.Bytes())
}

func readEntry(t *testing.T, z *zip.Reader, name string) []byte {
	t.Helper()
	f, err := z.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestWriteMetadata(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	store := seed(t, ctx)
	in := export(t, ctx, store, Options{
		Filter: datastore.Filter{
			Products:        []uuid.UUID{productP},
			Classifications: []uuid.UUID{classC},
			First:           10,
		},
		Languages: []string{"en"},
	})
	z, err := zip.NewReader(in, in.Size())
	if err != nil {
		t.Fatal(err)
	}

	raw := readEntry(t, z, metadataName)
	var ids []musync.Identity
	for len(raw) != 0 {
		id, xml, rest, err := parseLine(raw)
		if err != nil {
			t.Fatal(err)
		}
		if want, _ := store.GetXML(ctx, id); !bytes.Equal(xml, want) {
			t.Errorf("%v: document does not match store", id)
		}
		ids = append(ids, id)
		raw = rest
	}

	// Both categories lead, then the ten selected software updates plus the
	// bundle member pulled in by closure.
	if len(ids) != 13 {
		t.Fatalf("got %d lines, want 13", len(ids))
	}
	if ids[0].ID != classC && ids[1].ID != classC {
		t.Error("classification category missing from the leading lines")
	}
	if ids[0].ID != productP && ids[1].ID != productP {
		t.Error("product category missing from the leading lines")
	}
	pos := make(map[uuid.UUID]int, len(ids))
	for i, id := range ids {
		pos[id.ID] = i
	}
	if _, ok := pos[softwareID(0xb)]; ok {
		t.Error("truncation did not drop the eleventh match")
	}
	mi, ok := pos[memberM]
	if !ok {
		t.Fatal("bundle member missing from closure")
	}
	if bi := pos[bundleB]; mi > bi {
		t.Errorf("member at line %d after its bundle at line %d", mi, bi)
	}
}

func TestWriteManifest(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	store := seed(t, ctx)
	in := export(t, ctx, store, Options{Languages: []string{"en", "de"}})
	z, err := zip.NewReader(in, in.Size())
	if err != nil {
		t.Fatal(err)
	}

	root, err := xmlutil.Parse(bytes.NewReader(readEntry(t, z, manifestName)), nil)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := root.Attr("FormatVersion"); v != FormatVersion {
		t.Errorf("FormatVersion = %q", v)
	}
	if v, _ := root.Attr("ProtocolVersion"); v != ProtocolVersion {
		t.Errorf("ProtocolVersion = %q", v)
	}
	if v, _ := root.Attr("ServerID"); uuid.Validate(v) != nil {
		t.Errorf("ServerID = %q", v)
	}
	if got := len(root.Child("Languages").ChildrenNamed("Language")); got != 2 {
		t.Errorf("got %d languages", got)
	}

	// Updates 2 and 3 share a payload; the file table lists the digest once.
	files := root.Child("Files").ChildrenNamed("File")
	seen := make(map[string]int)
	for _, f := range files {
		d, _ := f.Attr("Digest")
		seen[d]++
	}
	for d, n := range seen {
		if n != 1 {
			t.Errorf("digest %s listed %d times", d, n)
		}
	}
	// 11 distinct payloads: the member plus updates 2..c minus the shared one.
	if len(files) != 11 {
		t.Errorf("got %d file entries, want 11", len(files))
	}

	var checked int
	for _, u := range root.Child("Updates").ChildrenNamed("Update") {
		id, _ := u.Attr("UpdateID")
		isCat, _ := u.Attr("IsCategory")
		switch uuid.MustParse(id) {
		case productP, classC:
			if isCat != "true" {
				t.Errorf("category %s not flagged", id)
			}
		case bundleB:
			if isCat != "false" {
				t.Errorf("bundle flagged as category")
			}
			cats := u.Find("Categories")
			if cats == nil {
				t.Fatal("bundle entry has no category references")
			}
			if v, _ := cats.Child("Category").Attr("CategoryID"); v != productP.String() {
				t.Errorf("bundle product reference = %q", v)
			}
			if v, _ := u.Find("Classifications", "Classification").Attr("ClassificationID"); v != classC.String() {
				t.Errorf("bundle classification reference = %q", v)
			}
		default:
			continue
		}
		checked++
	}
	if checked != 3 {
		t.Errorf("checked %d manifest entries, want 3", checked)
	}
}

func TestImportRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	store := seed(t, ctx)
	in := export(t, ctx, store, Options{Languages: []string{"en"}})

	dst := memstore.New()
	n, err := Import(ctx, in, dst)
	if err != nil {
		t.Fatal(err)
	}
	want, err := store.Identities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(want) {
		t.Errorf("imported %d revisions, want %d", n, len(want))
	}
	got, err := dst.Identities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("store holds %d identities, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("identity %d: got %v, want %v", i, got[i], want[i])
		}
	}
	u, err := dst.GetUpdate(ctx, musync.Identity{ID: bundleB, Revision: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(u.Bundled) != 1 || u.Bundled[0].ID != memberM {
		t.Errorf("bundle relation lost on import: %v", u.Bundled)
	}

	// Importing the same archive again is a no-op.
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	n, err = Import(ctx, in, dst)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("re-import stored %d revisions", n)
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	if _, err := Import(ctx, bytes.NewReader([]byte("not a zip")), memstore.New()); err == nil {
		t.Error("garbage accepted")
	} else if !strings.Contains(err.Error(), "Import") {
		t.Errorf("unexpected error: %v", err)
	}

	// A zip without a metadata entry is rejected too.
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	if _, err := w.Create("unrelated.txt"); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := Import(ctx, bytes.NewReader(buf.Bytes()), memstore.New()); err == nil {
		t.Error("empty archive accepted")
	}
}
