package wuxml

import (
	"strings"

	"github.com/musync/musync/internal/xmlutil"
)

// coreProperties is the attribute allowlist for the Properties element in
// the core fragment.
var coreProperties = map[string]bool{
	"UpdateType":           true,
	"AutoSelectOnWebSites": true,
	"EulaID":               true,
	"ExplicitlyDeployable": true,
	"OSUpgrade":            true,
}

// extendedDenied is the attribute denylist for the ExtendedProperties
// element in the extended fragment.
var extendedDenied = map[string]bool{
	"UpdateType":           true,
	"ExplicitlyDeployable": true,
	"AutoSelectOnWebSites": true,
	"EulaID":               true,
	"PublicationState":     true,
	"PublisherID":          true,
	"CreationDate":         true,
	"IsPublic":             true,
	"LegacyName":           true,
	"DetectoidType":        true,
	"OSUpgrade":            true,
	"PerUser":              true,
}

// Core returns the core fragment: UpdateIdentity, the allowlisted
// Properties, Relationships, and ApplicabilityRules with every
// d.WindowsDriverMetaData element emptied. Serialization adds no
// whitespace, so repeated calls are byte-identical.
func (d *Document) Core() string {
	var b strings.Builder
	if n := d.root.Child("UpdateIdentity"); n != nil {
		n.WriteTo(&b)
	}
	if n := d.root.Child("Properties"); n != nil {
		c := n.Clone()
		c.FilterAttrs(func(name string) bool { return coreProperties[name] })
		c.Children = nil
		c.Text = ""
		c.WriteTo(&b)
	}
	if n := d.root.Child("Relationships"); n != nil {
		n.WriteTo(&b)
	}
	if n := d.root.Child("ApplicabilityRules"); n != nil {
		c := n.Clone()
		c.Walk(func(w *xmlutil.Node) {
			if w.Name == "d.WindowsDriverMetaData" {
				w.Children = nil
				w.Text = ""
			}
		})
		c.WriteTo(&b)
	}
	return b.String()
}

// Extended returns the extended fragment: Properties renamed to
// ExtendedProperties with the denylisted attributes removed, followed by
// Files and HandlerSpecificData.
func (d *Document) Extended() string {
	var b strings.Builder
	if n := d.root.Child("Properties"); n != nil {
		c := n.Clone()
		c.Name = "ExtendedProperties"
		c.FilterAttrs(func(name string) bool { return !extendedDenied[name] })
		c.WriteTo(&b)
	}
	if n := d.root.Child("Files"); n != nil {
		n.WriteTo(&b)
	}
	for _, n := range d.root.ChildrenNamed("HandlerSpecificData") {
		n.WriteTo(&b)
	}
	return b.String()
}

// Localized returns the first LocalizedProperties element whose Language
// value is in the requested set, or the empty string.
func (d *Document) Localized(langs []string) string {
	want := make(map[string]bool, len(langs))
	for _, l := range langs {
		want[strings.ToLower(l)] = true
	}
	for _, lp := range d.root.ChildrenNamed("LocalizedProperties") {
		l := lp.Child("Language")
		if l == nil {
			continue
		}
		if want[strings.ToLower(strings.TrimSpace(l.Text))] {
			return lp.String()
		}
	}
	return ""
}
