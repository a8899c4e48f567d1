// Package wuxml reads and slices canonical update metadata XML.
//
// A metadata document is parsed once into a [Document]; the typed model and
// the protocol's three fragment forms are all produced from that parse.
package wuxml

import (
	"bytes"

	"github.com/musync/musync/internal/xmlutil"
)

// Namespace URIs appearing in metadata documents.
const (
	nsUpdate     = `http://schemas.microsoft.com/msus/2002/12/Update`
	nsBaseRules  = `http://schemas.microsoft.com/msus/2002/12/BaseApplicabilityRules`
	nsMsiRules   = `http://schemas.microsoft.com/msus/2002/12/MsiApplicabilityRules`
	nsWinDriver  = `http://schemas.microsoft.com/msus/2002/12/UpdateHandlers/WindowsDriver`
)

// namespaces is the rewrite table: known namespaces gain a short prefix, the
// update root namespace maps to bare local names, anything unlisted also
// collapses to its local name.
var namespaces = map[string]string{
	nsUpdate:    "",
	nsBaseRules: "b",
	nsMsiRules:  "m",
	nsWinDriver: "d",
}

// Document is a parsed metadata document.
type Document struct {
	root *xmlutil.Node
}

// ParseDocument parses a full metadata document.
func ParseDocument(b []byte) (*Document, error) {
	root, err := xmlutil.Parse(bytes.NewReader(b), namespaces)
	if err != nil {
		return nil, err
	}
	return &Document{root: root}, nil
}
