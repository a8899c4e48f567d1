package musync

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Identity names a single revision of an update in the catalog.
//
// The ID half is stable across the life of an update; every metadata change
// bumps the Revision. Two Identities are equal only when both halves match,
// so a revised update is a distinct record from its predecessor.
type Identity struct {
	ID       uuid.UUID
	Revision uint32
}

// Assert the marshaling interfaces are implemented.
var (
	_ interface{ MarshalText() ([]byte, error) } = Identity{}
	_ interface{ UnmarshalText([]byte) error }   = (*Identity)(nil)
)

// Compare orders identities lexicographically on (high 64 bits, low 64 bits,
// revision). It reports -1, 0, or 1 in the manner of [strings.Compare].
func (i Identity) Compare(o Identity) int {
	ih, oh := binary.BigEndian.Uint64(i.ID[:8]), binary.BigEndian.Uint64(o.ID[:8])
	switch {
	case ih < oh:
		return -1
	case ih > oh:
		return 1
	}
	il, ol := binary.BigEndian.Uint64(i.ID[8:]), binary.BigEndian.Uint64(o.ID[8:])
	switch {
	case il < ol:
		return -1
	case il > ol:
		return 1
	}
	switch {
	case i.Revision < o.Revision:
		return -1
	case i.Revision > o.Revision:
		return 1
	}
	return 0
}

// Hash64 returns a stable hash mixing all 96 significant bits.
//
// The hash is stable across process restarts. Equal hashes do not imply equal
// identities; callers must compare the identities themselves.
func (i Identity) Hash64() uint64 {
	var b [20]byte
	copy(b[:16], i.ID[:])
	binary.BigEndian.PutUint32(b[16:], i.Revision)
	h := fnv.New64a()
	h.Write(b[:])
	return h.Sum64()
}

// OpenID returns the opaque store key for the identity within the named
// partition: the hex SHA-512 of "<partition>-<id>-<rev>".
func (i Identity) OpenID(partition string) string {
	h := sha512.New()
	fmt.Fprintf(h, "%s-%s-%d", partition, i.ID, i.Revision)
	return hex.EncodeToString(h.Sum(nil))
}

// String returns the "<uuid>/<revision>" form.
func (i Identity) String() string {
	b, _ := i.MarshalText()
	return string(b)
}

// MarshalText implements encoding.TextMarshaler.
func (i Identity) MarshalText() ([]byte, error) {
	return []byte(i.ID.String() + "/" + strconv.FormatUint(uint64(i.Revision), 10)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Identity) UnmarshalText(t []byte) error {
	id, rev, ok := strings.Cut(string(t), "/")
	if !ok {
		return fmt.Errorf("invalid identity format: %q", t)
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid identity format: %w", err)
	}
	r, err := strconv.ParseUint(rev, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid identity format: %w", err)
	}
	i.ID, i.Revision = u, uint32(r)
	return nil
}

// ParseIdentity parses the "<uuid>/<revision>" form.
func ParseIdentity(s string) (Identity, error) {
	i := Identity{}
	return i, i.UnmarshalText([]byte(s))
}
