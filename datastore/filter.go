package datastore

import (
	"strings"

	"github.com/google/uuid"

	"github.com/musync/musync"
)

// Categories carries the known category GUID sets used to resolve an
// update's products and classifications from its prerequisites.
type Categories struct {
	Products        map[uuid.UUID]struct{}
	Classifications map[uuid.UUID]struct{}
}

// CollectCategories builds the category sets from a list of updates.
// Product families count as products.
func CollectCategories(us []*musync.Update) Categories {
	c := Categories{
		Products:        make(map[uuid.UUID]struct{}),
		Classifications: make(map[uuid.UUID]struct{}),
	}
	for _, u := range us {
		switch u.Type {
		case musync.TypeProduct, musync.TypeProductFamily:
			c.Products[u.Identity.ID] = struct{}{}
		case musync.TypeClassification:
			c.Classifications[u.Identity.ID] = struct{}{}
		}
	}
	return c
}

// ResolveCategories scans the update's IsCategory prerequisite groups and
// returns the members found in the known product and classification sets.
// Either list may be empty.
func ResolveCategories(u *musync.Update, c Categories) (products, classifications []uuid.UUID) {
	for _, p := range u.Prerequisites {
		alo, ok := p.(musync.AtLeastOne)
		if !ok || !alo.IsCategory {
			continue
		}
		for _, s := range alo.Simple {
			if _, ok := c.Products[s.UpdateID]; ok {
				products = append(products, s.UpdateID)
			}
			if _, ok := c.Classifications[s.UpdateID]; ok {
				classifications = append(classifications, s.UpdateID)
			}
		}
	}
	return products, classifications
}

// Match reports whether the update satisfies every populated filter field.
// The First field is not applied here; truncation is the caller's concern.
func (f Filter) Match(u *musync.Update, c Categories) bool {
	if len(f.IDs) != 0 && !containsUUID(f.IDs, u.Identity.ID) {
		return false
	}
	if f.TitleContains != "" && !strings.Contains(strings.ToLower(u.Title), strings.ToLower(f.TitleContains)) {
		return false
	}
	if f.KBArticle != "" && u.KBArticle != f.KBArticle {
		return false
	}
	if len(f.Products) != 0 || len(f.Classifications) != 0 {
		products, classifications := ResolveCategories(u, c)
		if len(u.ProductIDs) != 0 {
			products = u.ProductIDs
		}
		if len(u.ClassificationIDs) != 0 {
			classifications = u.ClassificationIDs
		}
		if len(f.Products) != 0 && !intersects(f.Products, products) {
			return false
		}
		if len(f.Classifications) != 0 && !intersects(f.Classifications, classifications) {
			return false
		}
	}
	if len(f.HardwareIDs) != 0 {
		if !u.HasDrivers() {
			return false
		}
		found := false
	scan:
		for _, m := range u.Drivers {
			for _, hw := range f.HardwareIDs {
				if strings.EqualFold(m.HardwareID, hw) || strings.EqualFold(m.CompatibleID, hw) {
					found = true
					break scan
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsUUID(haystack []uuid.UUID, needle uuid.UUID) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func intersects(a, b []uuid.UUID) bool {
	for _, x := range a {
		if containsUUID(b, x) {
			return true
		}
	}
	return false
}
