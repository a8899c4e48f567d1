package clientsync

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/musync/musync"
	"github.com/musync/musync/datastore"
	"github.com/musync/musync/datastore/memstore"
)

var (
	detectoidX = uuid.MustParse("20000000-0000-4000-8000-000000000001")
	productP   = uuid.MustParse("20000000-0000-4000-8000-000000000002")
	classC     = uuid.MustParse("20000000-0000-4000-8000-000000000003")
	frameworkF = uuid.MustParse("20000000-0000-4000-8000-000000000004")
	leafL      = uuid.MustParse("20000000-0000-4000-8000-000000000005")
	bundleB    = uuid.MustParse("20000000-0000-4000-8000-000000000006")
	memberM    = uuid.MustParse("20000000-0000-4000-8000-000000000007")
	driverD    = uuid.MustParse("20000000-0000-4000-8000-000000000008")
)

const updateNS = `xmlns="http://schemas.microsoft.com/msus/2002/12/Update"`

func categoryDoc(id uuid.UUID, kind string) string {
	typ, extra := kind, ""
	if kind != "Detectoid" {
		typ = "Category"
		extra = fmt.Sprintf(`<HandlerSpecificData><CategoryInformation CategoryType="%s"/></HandlerSpecificData>`, kind)
	}
	return fmt.Sprintf(`<Update %s><UpdateIdentity UpdateID="%s" RevisionNumber="1"/>`+
		`<Properties UpdateType="%s"/>`+
		`<LocalizedProperties><Language>en</Language><Title>%s</Title></LocalizedProperties>%s</Update>`,
		updateNS, id, typ, kind, extra)
}

type docSpec struct {
	id      musync.Identity
	typ     string // Software or Driver
	simple  []uuid.UUID
	cats    []uuid.UUID
	bundled []musync.Identity
	file    bool
	driver  string // hardware id, Driver only
}

func buildDoc(spec docSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<Update %s><UpdateIdentity UpdateID="%s" RevisionNumber="%d"/>`,
		updateNS, spec.id.ID, spec.id.Revision)
	fmt.Fprintf(&b, `<Properties UpdateType="%s" PublicationState="Published" EulaID="e-1"/>`, spec.typ)
	fmt.Fprintf(&b, `<LocalizedProperties><Language>en</Language><Title>Update %s</Title></LocalizedProperties>`, spec.id.ID)
	fmt.Fprintf(&b, `<LocalizedProperties><Language>de</Language><Title>Aktualisierung %s</Title></LocalizedProperties>`, spec.id.ID)
	b.WriteString(`<Relationships><Prerequisites>`)
	for _, p := range spec.simple {
		fmt.Fprintf(&b, `<UpdateIdentity UpdateID="%s"/>`, p)
	}
	for _, c := range spec.cats {
		fmt.Fprintf(&b, `<AtLeastOne IsCategory="true"><UpdateIdentity UpdateID="%s"/></AtLeastOne>`, c)
	}
	b.WriteString(`</Prerequisites>`)
	if len(spec.bundled) != 0 {
		b.WriteString(`<BundledUpdates>`)
		for _, m := range spec.bundled {
			fmt.Fprintf(&b, `<UpdateIdentity UpdateID="%s" RevisionNumber="%d"/>`, m.ID, m.Revision)
		}
		b.WriteString(`</BundledUpdates>`)
	}
	b.WriteString(`</Relationships>`)
	if spec.file {
		sum := sha256.Sum256([]byte(spec.id.ID.String()))
		fmt.Fprintf(&b, `<Files><File FileName="payload.cab" Size="1024" Digest="%s" DigestAlgorithm="SHA256" SourceUrl="http://dl.example.test/%s.cab"/></Files>`,
			base64.StdEncoding.EncodeToString(sum[:]), spec.id.ID)
	}
	if spec.typ == "Driver" {
		var hw strings.Builder
		xml.EscapeText(&hw, []byte(spec.driver))
		fmt.Fprintf(&b, `<HandlerSpecificData xmlns:d="http://schemas.microsoft.com/msus/2002/12/UpdateHandlers/WindowsDriver">`+
			`<d:WindowsDriverMetaData HardwareID="%s" DriverVerDate="2021-03-01" DriverVerVersion="1.0.0.0"/></HandlerSpecificData>`,
			hw.String())
	}
	b.WriteString(`</Update>`)
	return b.String()
}

func recordFromXML(id musync.Identity, xml string) (*datastore.Record, error) {
	rec, err := datastore.RecordFromXML([]byte(xml))
	if err != nil {
		return nil, err
	}
	rec.Update.Identity = id
	return rec, nil
}

func seed(t *testing.T, ctx context.Context, store datastore.MetadataStore) {
	t.Helper()
	docs := map[musync.Identity]string{
		{ID: detectoidX, Revision: 1}: categoryDoc(detectoidX, "Detectoid"),
		{ID: productP, Revision: 1}:   categoryDoc(productP, "Product"),
		{ID: classC, Revision: 1}:     categoryDoc(classC, "UpdateClassification"),
		{ID: frameworkF, Revision: 1}: buildDoc(docSpec{
			id: musync.Identity{ID: frameworkF, Revision: 1}, typ: "Software",
			simple: []uuid.UUID{detectoidX}, cats: []uuid.UUID{productP, classC},
		}),
		{ID: leafL, Revision: 1}: buildDoc(docSpec{
			id: musync.Identity{ID: leafL, Revision: 1}, typ: "Software",
			simple: []uuid.UUID{frameworkF}, cats: []uuid.UUID{productP, classC},
			file: true,
		}),
		{ID: bundleB, Revision: 1}: buildDoc(docSpec{
			id: musync.Identity{ID: bundleB, Revision: 1}, typ: "Software",
			simple: []uuid.UUID{detectoidX}, cats: []uuid.UUID{productP, classC},
			bundled: []musync.Identity{{ID: memberM, Revision: 1}},
		}),
		{ID: memberM, Revision: 1}: buildDoc(docSpec{
			id: musync.Identity{ID: memberM, Revision: 1}, typ: "Software",
			simple: []uuid.UUID{detectoidX},
		}),
		{ID: driverD, Revision: 1}: buildDoc(docSpec{
			id: musync.Identity{ID: driverD, Revision: 1}, typ: "Driver",
			simple: []uuid.UUID{detectoidX},
			driver: `PCI\VEN_1&DEV_2`,
		}),
	}
	for id, xml := range docs {
		rec, err := recordFromXML(id, xml)
		if err != nil {
			t.Fatalf("%v: %v", id, err)
		}
		if err := store.PutUpdate(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
}

func newService(t *testing.T, opts Options) (*Service, datastore.MetadataStore) {
	t.Helper()
	ctx := zlog.Test(context.Background(), t)
	store := memstore.New()
	seed(t, ctx, store)
	opts.Store = store
	if len(opts.Config.SupportedLanguages) == 0 {
		opts.Config.SupportedLanguages = []string{"en", "de"}
	}
	s, err := New(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	return s, store
}

func cookie(t *testing.T, s *Service) *ClientCookie {
	t.Helper()
	c, err := s.GetCookie(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func offered(res *SyncResult) map[uuid.UUID]OfferedUpdate {
	m := make(map[uuid.UUID]OfferedUpdate, len(res.Updates))
	for _, u := range res.Updates {
		m[u.ID.ID] = u
	}
	return m
}

func TestLayeredProgression(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	s, _ := newService(t, Options{})
	c := cookie(t, s)

	// Round 1: only the detectoid is installed; the remaining roots come
	// back for evaluation.
	res, err := s.SyncUpdates(ctx, &SyncRequest{
		Cookie:           c,
		InstalledNonLeaf: []uuid.UUID{detectoidX},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := offered(res)
	if len(got) != 2 {
		t.Fatalf("round 1: got %d updates: %v", len(got), got)
	}
	for _, want := range []uuid.UUID{productP, classC} {
		u, ok := got[want]
		if !ok {
			t.Fatalf("round 1 missing root %v", want)
		}
		if u.Action != ActionEvaluate || u.IsLeaf {
			t.Errorf("root %v: action=%v leaf=%v", want, u.Action, u.IsLeaf)
		}
		if u.XML == "" || strings.Contains(u.XML, "xmlns") {
			t.Errorf("root %v: bad core fragment %q", want, u.XML)
		}
	}

	// Round 2: all roots installed; the non-leaf framework appears.
	installed := []uuid.UUID{detectoidX, productP, classC}
	res, err = s.SyncUpdates(ctx, &SyncRequest{Cookie: res.Cookie, InstalledNonLeaf: installed})
	if err != nil {
		t.Fatal(err)
	}
	got = offered(res)
	if len(got) != 1 {
		t.Fatalf("round 2: got %v", got)
	}
	if u := got[frameworkF]; u.Action != ActionEvaluate || u.IsLeaf {
		t.Errorf("framework: %+v", u)
	}

	// Round 3: non-leaves done; the bundle layer comes first among leaves.
	installed = append(installed, frameworkF)
	res, err = s.SyncUpdates(ctx, &SyncRequest{Cookie: res.Cookie, InstalledNonLeaf: installed})
	if err != nil {
		t.Fatal(err)
	}
	got = offered(res)
	if len(got) != 1 {
		t.Fatalf("round 3: got %v", got)
	}
	if u := got[bundleB]; u.Action != ActionInstall || !u.IsLeaf {
		t.Errorf("bundle: %+v", u)
	}

	// Round 4: bundle cached; plain leaves arrive, members as Bundle.
	res, err = s.SyncUpdates(ctx, &SyncRequest{
		Cookie:           res.Cookie,
		InstalledNonLeaf: installed,
		OtherCached:      []uuid.UUID{bundleB},
	})
	if err != nil {
		t.Fatal(err)
	}
	got = offered(res)
	if u := got[leafL]; u.Action != ActionInstall || !u.IsLeaf {
		t.Errorf("leaf: %+v", u)
	}
	if u := got[memberM]; u.Action != ActionBundle {
		t.Errorf("member: %+v", u)
	}
	if res.Truncated {
		t.Error("unexpected truncation")
	}
}

func TestRevisionIndexStable(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	s, _ := newService(t, Options{})
	c := cookie(t, s)
	req := &SyncRequest{Cookie: c, InstalledNonLeaf: []uuid.UUID{detectoidX}}
	a, err := s.SyncUpdates(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.SyncUpdates(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	am, bm := offered(a), offered(b)
	for id, u := range am {
		if bm[id].RevisionIndex != u.RevisionIndex {
			t.Errorf("%v: index changed %d -> %d", id, u.RevisionIndex, bm[id].RevisionIndex)
		}
		if u.RevisionIndex == 0 {
			t.Errorf("%v: zero revision index", id)
		}
	}
}

func TestTruncation(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	store := memstore.New()
	for i := 0; i < MaxUpdatesPerResponse+10; i++ {
		id := uuid.MustParse(fmt.Sprintf("21000000-0000-4000-8000-%012d", i))
		rec, err := recordFromXML(musync.Identity{ID: id, Revision: 1}, categoryDoc(id, "Product"))
		if err != nil {
			t.Fatal(err)
		}
		if err := store.PutUpdate(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	s, err := New(ctx, Options{Store: store, Config: Config{SupportedLanguages: []string{"en"}}})
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.SyncUpdates(ctx, &SyncRequest{Cookie: cookie(t, s)})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Updates) != MaxUpdatesPerResponse {
		t.Errorf("got %d updates, want %d", len(res.Updates), MaxUpdatesPerResponse)
	}
	if !res.Truncated {
		t.Error("response not marked truncated")
	}
}

func TestDriverPath(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	s, _ := newService(t, Options{})
	res, err := s.SyncUpdates(ctx, &SyncRequest{
		Cookie:           cookie(t, s),
		SkipSoftwareSync: true,
		InstalledNonLeaf: []uuid.UUID{detectoidX},
		Devices:          []Device{{HardwareIDs: []string{`PCI\VEN_1&DEV_2`}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := offered(res)
	u, ok := got[driverD]
	if !ok || len(got) != 1 {
		t.Fatalf("got %v", got)
	}
	if u.Action != ActionInstall || !u.IsLeaf {
		t.Errorf("driver offer: %+v", u)
	}

	// A cached driver is not offered again.
	res, err = s.SyncUpdates(ctx, &SyncRequest{
		Cookie:           cookie(t, s),
		SkipSoftwareSync: true,
		InstalledNonLeaf: []uuid.UUID{detectoidX},
		Devices:          []Device{{HardwareIDs: []string{`PCI\VEN_1&DEV_2`}}},
		CachedDriverIDs:  []uuid.UUID{driverD},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Updates) != 0 {
		t.Errorf("cached driver reoffered: %v", res.Updates)
	}
}

type denyList map[uuid.UUID]bool

func (d denyList) IsApproved(id musync.Identity) bool { return !d[id.ID] }

func TestApprovalsAndAudit(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	var audited []musync.Identity
	s, _ := newService(t, Options{
		Approvals: denyList{productP: true},
		Audit:     func(id musync.Identity) { audited = append(audited, id) },
	})
	res, err := s.SyncUpdates(ctx, &SyncRequest{
		Cookie:           cookie(t, s),
		InstalledNonLeaf: []uuid.UUID{detectoidX},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := offered(res)[productP]; ok {
		t.Error("unapproved update offered")
	}
	if len(audited) != 1 || audited[0].ID != productP {
		t.Errorf("audit: got %v", audited)
	}
}

func TestCookieValidation(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	s, _ := newService(t, Options{})
	_, err := s.SyncUpdates(ctx, &SyncRequest{})
	f, ok := err.(*Fault)
	if !ok || f.Code != FaultInvalidCookie {
		t.Errorf("no cookie: got %v", err)
	}
	_, err = s.SyncUpdates(ctx, &SyncRequest{Cookie: &ClientCookie{EncryptedData: []byte("garbage!")}})
	f, ok = err.(*Fault)
	if !ok || f.Code != FaultInvalidCookie {
		t.Errorf("garbage cookie: got %v", err)
	}
}

func TestGetExtendedUpdateInfo(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	s, _ := newService(t, Options{Config: Config{
		SupportedLanguages: []string{"en", "de"},
		ContentRoot:        "http://wsus.example.test/Content",
	}})
	c := cookie(t, s)
	installed := []uuid.UUID{detectoidX, productP, classC, frameworkF}
	res, err := s.SyncUpdates(ctx, &SyncRequest{
		Cookie:           c,
		InstalledNonLeaf: installed,
		OtherCached:      []uuid.UUID{bundleB},
	})
	if err != nil {
		t.Fatal(err)
	}
	leafOffer, ok := offered(res)[leafL]
	if !ok {
		t.Fatal("leaf not offered")
	}

	ext, err := s.GetExtendedUpdateInfo(ctx, &ExtendedRequest{
		Cookie:          res.Cookie,
		RevisionIndexes: []int{leafOffer.RevisionIndex},
		Languages:       []string{"de-DE"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ext.Updates) != 1 {
		t.Fatalf("got %d extended records", len(ext.Updates))
	}
	info := ext.Updates[0]
	if !strings.Contains(info.ExtendedXML, "ExtendedProperties") {
		t.Errorf("extended fragment: %q", info.ExtendedXML)
	}
	if !strings.Contains(info.LocalizedXML, "Aktualisierung") {
		t.Errorf("localized fragment not German: %q", info.LocalizedXML)
	}
	if len(ext.FileLocations) != 1 {
		t.Fatalf("got %d file locations", len(ext.FileLocations))
	}
	loc := ext.FileLocations[0]
	if !strings.HasPrefix(loc.URL, "http://wsus.example.test/Content/") {
		t.Errorf("url: %q", loc.URL)
	}
	if !strings.HasSuffix(loc.URL, loc.Digest.Hex()) {
		t.Errorf("url does not end in digest: %q", loc.URL)
	}

	// Unknown revision indexes fault.
	_, err = s.GetExtendedUpdateInfo(ctx, &ExtendedRequest{Cookie: res.Cookie, RevisionIndexes: []int{9999}})
	f, ok := err.(*Fault)
	if !ok || f.Code != FaultInvalidParameters {
		t.Errorf("unknown index: got %v", err)
	}
}

func TestSourceURLWithoutContentRoot(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	s, _ := newService(t, Options{})
	res, err := s.SyncUpdates(ctx, &SyncRequest{
		Cookie:           cookie(t, s),
		InstalledNonLeaf: []uuid.UUID{detectoidX, productP, classC, frameworkF},
		OtherCached:      []uuid.UUID{bundleB},
	})
	if err != nil {
		t.Fatal(err)
	}
	idx := offered(res)[leafL].RevisionIndex
	ext, err := s.GetExtendedUpdateInfo(ctx, &ExtendedRequest{Cookie: res.Cookie, RevisionIndexes: []int{idx}})
	if err != nil {
		t.Fatal(err)
	}
	if len(ext.FileLocations) != 1 || !strings.HasPrefix(ext.FileLocations[0].URL, "http://dl.example.test/") {
		t.Errorf("got %v", ext.FileLocations)
	}
}
