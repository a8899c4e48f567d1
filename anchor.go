package musync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Anchor is an opaque server-issued token representing the upstream
// catalog state at the time of a query. Supplying it on the next query
// restricts the result to revisions changed since.
type Anchor string

// Anchor kinds.
const (
	AnchorCategories = `categories`
	AnchorUpdates    = `updates`
)

// AnchorKey locates a persisted anchor: the query kind plus a hash of the
// filter the query ran under. Category queries run unfiltered and use an
// empty filter hash.
type AnchorKey struct {
	Kind       string
	FilterHash string
}

// CategoriesAnchorKey is the key for the category catalog anchor.
func CategoriesAnchorKey() AnchorKey {
	return AnchorKey{Kind: AnchorCategories}
}

// UpdatesAnchorKey derives the anchor key for an update query filter. The
// hash is the hex SHA-256 of the filter's canonical JSON encoding, so a
// given filter always maps to the same key.
func UpdatesAnchorKey(filter any) (AnchorKey, error) {
	b, err := json.Marshal(filter)
	if err != nil {
		return AnchorKey{}, err
	}
	sum := sha256.Sum256(b)
	return AnchorKey{
		Kind:       AnchorUpdates,
		FilterHash: hex.EncodeToString(sum[:]),
	}, nil
}
