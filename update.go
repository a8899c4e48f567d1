package musync

import (
	"github.com/google/uuid"
)

// UpdateType discriminates the variants of an update record.
type UpdateType string

// Known update types. The decoder reads the tag from the metadata XML
// (Properties/@UpdateType, refined by CategoryInformation/@CategoryType).
const (
	TypeDetectoid      = UpdateType(`Detectoid`)
	TypeClassification = UpdateType(`Classification`)
	TypeProduct        = UpdateType(`Product`)
	TypeProductFamily  = UpdateType(`ProductFamily`)
	TypeSoftware       = UpdateType(`Software`)
	TypeDriver         = UpdateType(`Driver`)
)

// Update is a single revision of a catalog record.
//
// All variants share the identity, type tag, and title; the remaining fields
// are populated according to the variant, checked through the capability
// predicates rather than type switches. The raw metadata XML is not carried
// here; it is stored by identity and retrieved separately.
type Update struct {
	Identity    Identity   `json:"identity"`
	Type        UpdateType `json:"type"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`

	KBArticle  string `json:"kb_article,omitempty"`
	SupportURL string `json:"support_url,omitempty"`
	OSUpgrade  bool   `json:"os_upgrade,omitempty"`

	Files         []File           `json:"files,omitempty"`
	Prerequisites Prerequisites    `json:"prerequisites,omitempty"`
	Bundled       []Identity       `json:"bundled,omitempty"`
	Superseded    []Identity       `json:"superseded,omitempty"`
	Drivers       []DriverMetadata `json:"drivers,omitempty"`

	ProductIDs        []uuid.UUID `json:"product_ids,omitempty"`
	ClassificationIDs []uuid.UUID `json:"classification_ids,omitempty"`
}

// IsCategory reports whether the update acts as a category label
// (product, product family, classification, or detectoid).
func (u *Update) IsCategory() bool {
	switch u.Type {
	case TypeDetectoid, TypeClassification, TypeProduct, TypeProductFamily:
		return true
	}
	return false
}

// HasFiles reports whether the variant can carry payload files.
func (u *Update) HasFiles() bool {
	return u.Type == TypeSoftware || u.Type == TypeDriver
}

// HasPrerequisites reports whether the variant participates in the
// prerequisite graph as a dependent.
func (u *Update) HasPrerequisites() bool {
	return len(u.Prerequisites) != 0
}

// HasClassification reports whether the variant carries classification IDs.
func (u *Update) HasClassification() bool {
	return u.Type == TypeSoftware || u.Type == TypeDriver
}

// HasProduct reports whether the variant carries product IDs.
func (u *Update) HasProduct() bool {
	return u.Type == TypeSoftware || u.Type == TypeDriver
}

// HasBundles reports whether the variant can bundle other updates.
func (u *Update) HasBundles() bool {
	return u.Type == TypeSoftware
}

// IsBundle reports whether the update actually bundles members.
func (u *Update) IsBundle() bool {
	return u.HasBundles() && len(u.Bundled) != 0
}

// HasSupersedence reports whether the variant can supersede other updates.
func (u *Update) HasSupersedence() bool {
	return u.Type == TypeSoftware || u.Type == TypeDriver
}

// HasDrivers reports whether the variant carries driver metadata.
func (u *Update) HasDrivers() bool {
	return u.Type == TypeDriver
}

// Applicable reports whether every prerequisite is satisfied by the
// installed set: every Simple present, every AtLeastOne intersected.
func (u *Update) Applicable(installed map[uuid.UUID]struct{}) bool {
	for _, p := range u.Prerequisites {
		if !p.Satisfied(installed) {
			return false
		}
	}
	return true
}
