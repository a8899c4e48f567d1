package wuxml

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/musync/musync"
	"github.com/musync/musync/internal/xmlutil"
)

// Decode produces the typed model from the document.
//
// The update type tag is read from Properties/@UpdateType; "Category"
// records are discriminated further by
// HandlerSpecificData/CategoryInformation/@CategoryType. Title and
// description come from the English localized properties.
func (d *Document) Decode() (*musync.Update, error) {
	u := musync.Update{}

	ident := d.root.Child("UpdateIdentity")
	if ident == nil {
		return nil, &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Message: "missing UpdateIdentity"}
	}
	var err error
	u.Identity, err = decodeIdentity(ident)
	if err != nil {
		return nil, &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Inner: err}
	}

	props := d.root.Child("Properties")
	if props == nil {
		return nil, &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Message: "missing Properties"}
	}
	typ, _ := props.Attr("UpdateType")
	switch typ {
	case "Software":
		u.Type = musync.TypeSoftware
	case "Driver":
		u.Type = musync.TypeDriver
	case "Detectoid":
		u.Type = musync.TypeDetectoid
	case "Category":
		ct, _ := d.categoryType()
		switch ct {
		case "Product":
			u.Type = musync.TypeProduct
		case "ProductFamily":
			u.Type = musync.TypeProductFamily
		case "UpdateClassification":
			u.Type = musync.TypeClassification
		default:
			return nil, &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Message: fmt.Sprintf("unknown category type %q", ct)}
		}
	default:
		return nil, &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Message: fmt.Sprintf("unknown update type %q", typ)}
	}
	if v, ok := props.Attr("OSUpgrade"); ok {
		u.OSUpgrade, _ = strconv.ParseBool(v)
	}
	if kb := props.Child("KBArticleID"); kb != nil {
		u.KBArticle = strings.TrimSpace(kb.Text)
	}
	if su := props.Child("SupportUrl"); su != nil {
		u.SupportURL = strings.TrimSpace(su.Text)
	}

	u.Title, u.Description = d.title("en")

	if err := d.decodeRelationships(&u); err != nil {
		return nil, err
	}
	if err := d.decodeFiles(&u); err != nil {
		return nil, err
	}
	if u.Type == musync.TypeDriver {
		if err := d.decodeDrivers(&u); err != nil {
			return nil, err
		}
	}
	return &u, nil
}

func (d *Document) categoryType() (string, bool) {
	for _, hsd := range d.root.ChildrenNamed("HandlerSpecificData") {
		if ci := hsd.Child("CategoryInformation"); ci != nil {
			return ci.Attr("CategoryType")
		}
	}
	return "", false
}

// title returns the title and description for the given language.
func (d *Document) title(lang string) (title, desc string) {
	for _, lp := range d.root.ChildrenNamed("LocalizedProperties") {
		l := lp.Child("Language")
		if l == nil || !strings.EqualFold(strings.TrimSpace(l.Text), lang) {
			continue
		}
		if t := lp.Child("Title"); t != nil {
			title = strings.TrimSpace(t.Text)
		}
		if t := lp.Child("Description"); t != nil {
			desc = strings.TrimSpace(t.Text)
		}
		return title, desc
	}
	return "", ""
}

func decodeIdentity(n *xmlutil.Node) (musync.Identity, error) {
	var id musync.Identity
	v, ok := n.Attr("UpdateID")
	if !ok {
		return id, fmt.Errorf("missing UpdateID")
	}
	g, err := uuid.Parse(v)
	if err != nil {
		return id, fmt.Errorf("bad UpdateID: %w", err)
	}
	id.ID = g
	if v, ok := n.Attr("RevisionNumber"); ok {
		r, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return id, fmt.Errorf("bad RevisionNumber: %w", err)
		}
		id.Revision = uint32(r)
	}
	return id, nil
}

func (d *Document) decodeRelationships(u *musync.Update) error {
	rel := d.root.Child("Relationships")
	if rel == nil {
		return nil
	}
	if pre := rel.Child("Prerequisites"); pre != nil {
		for _, c := range pre.Children {
			switch c.Name {
			case "UpdateIdentity":
				id, err := decodeIdentity(c)
				if err != nil {
					return &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Inner: err}
				}
				u.Prerequisites = append(u.Prerequisites, musync.Simple{UpdateID: id.ID})
			case "AtLeastOne":
				group := musync.AtLeastOne{}
				if v, ok := c.Attr("IsCategory"); ok {
					group.IsCategory, _ = strconv.ParseBool(v)
				}
				for _, m := range c.ChildrenNamed("UpdateIdentity") {
					id, err := decodeIdentity(m)
					if err != nil {
						return &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Inner: err}
					}
					group.Simple = append(group.Simple, musync.Simple{UpdateID: id.ID})
				}
				u.Prerequisites = append(u.Prerequisites, group)
			}
		}
	}
	var err error
	if u.Bundled, err = identityList(rel.Child("BundledUpdates")); err != nil {
		return &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Inner: err}
	}
	if u.Superseded, err = identityList(rel.Child("SupersededUpdates")); err != nil {
		return &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Inner: err}
	}
	return nil
}

func identityList(n *xmlutil.Node) ([]musync.Identity, error) {
	if n == nil {
		return nil, nil
	}
	var out []musync.Identity
	for _, c := range n.ChildrenNamed("UpdateIdentity") {
		id, err := decodeIdentity(c)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (d *Document) decodeFiles(u *musync.Update) error {
	files := d.root.Child("Files")
	if files == nil {
		return nil
	}
	for _, fn := range files.ChildrenNamed("File") {
		f := musync.File{}
		f.Name, _ = fn.Attr("FileName")
		if v, ok := fn.Attr("Size"); ok {
			sz, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Message: "bad file size", Inner: err}
			}
			f.Size = sz
		}
		f.SourceURL, _ = fn.Attr("SourceUrl")
		if v, ok := fn.Attr("Digest"); ok {
			algo, _ := fn.Attr("DigestAlgorithm")
			dg, err := decodeDigest(algo, v)
			if err != nil {
				return &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Inner: err}
			}
			f.Digests = append(f.Digests, dg)
		}
		for _, ad := range fn.ChildrenNamed("AdditionalDigest") {
			algo, _ := ad.Attr("Algorithm")
			dg, err := decodeDigest(algo, strings.TrimSpace(ad.Text))
			if err != nil {
				return &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Inner: err}
			}
			f.Digests = append(f.Digests, dg)
		}
		u.Files = append(u.Files, f)
	}
	return nil
}

// decodeDigest decodes a base64 digest value as it appears in file
// metadata.
func decodeDigest(algo, b64 string) (musync.Digest, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return musync.Digest{}, fmt.Errorf("bad digest %q: %w", b64, err)
	}
	switch strings.ToUpper(algo) {
	case "SHA1":
		return musync.NewDigest(musync.SHA1, raw), nil
	case "SHA256":
		return musync.NewDigest(musync.SHA256, raw), nil
	}
	return musync.Digest{}, fmt.Errorf("unknown digest algorithm %q", algo)
}

func (d *Document) decodeDrivers(u *musync.Update) error {
	for _, hsd := range d.root.ChildrenNamed("HandlerSpecificData") {
		for _, md := range hsd.ChildrenNamed("d.WindowsDriverMetaData") {
			m := musync.DriverMetadata{}
			m.HardwareID, _ = md.Attr("HardwareID")
			m.CompatibleID, _ = md.Attr("CompatibleID")
			m.ComputerHardwareID, _ = md.Attr("ComputerHardwareID")
			m.Class, _ = md.Attr("Class")
			m.Provider, _ = md.Attr("Provider")
			if v, ok := md.Attr("DriverVerVersion"); ok {
				ver, err := musync.ParseDriverVersion(v)
				if err != nil {
					return &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Inner: err}
				}
				m.Version = ver
			}
			if v, ok := md.Attr("DriverVerDate"); ok {
				t, err := time.Parse("2006-01-02", v)
				if err != nil {
					return &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Message: "bad driver date", Inner: err}
				}
				m.Date = t
			}
			for _, fs := range md.ChildrenNamed("d.FeatureScore") {
				score := musync.FeatureScore{}
				score.OperatingSystem, _ = fs.Attr("OperatingSystem")
				if v, ok := fs.Attr("FeatureScore"); ok {
					// The score is the GG byte of the 0xSSGGTHHH rank word,
					// recorded as a bare hex byte.
					n, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 8)
					if err != nil {
						return &musync.Error{Op: "wuxml.Decode", Kind: musync.ErrInvalid, Message: "bad feature score", Inner: err}
					}
					score.Score = uint8(n)
				}
				m.FeatureScores = append(m.FeatureScores, score)
			}
			u.Drivers = append(u.Drivers, m)
		}
	}
	return nil
}
