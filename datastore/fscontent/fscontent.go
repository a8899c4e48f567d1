// Package fscontent is the content-addressed filesystem ContentStore.
//
// A file lives at
// "<root>/content/<last-byte-of-digest-hex>/<base64 digest, '/'→'_'>/<name>"
// with a "<name>.done" marker placed only after the bytes verified against
// the digest. A file without its marker is an aborted download and is
// treated as absent.
package fscontent

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/quay/zlog"

	"github.com/musync/musync"
	"github.com/musync/musync/datastore"
)

var _ datastore.ContentStore = (*Store)(nil)

// Store serves and verifies content files under a root directory.
type Store struct {
	root string
}

// New returns a store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "content"), 0o755); err != nil {
		return nil, fmt.Errorf("fscontent: creating root: %w", err)
	}
	return &Store{root: dir}, nil
}

// dir returns the directory holding content for a digest.
func (s *Store) dir(d musync.Digest) string {
	sum := d.Checksum()
	return filepath.Join(s.root, "content",
		fmt.Sprintf("%02x", sum[len(sum)-1]),
		d.Base64())
}

// find locates the single content file in the digest directory, reporting
// whether its completion marker exists.
func (s *Store) find(d musync.Digest) (path string, done bool, err error) {
	dir := s.dir(d)
	ents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	for _, e := range ents {
		if e.IsDir() || filepath.Ext(e.Name()) == ".done" {
			continue
		}
		p := filepath.Join(dir, e.Name())
		_, err := os.Stat(p + ".done")
		return p, err == nil, nil
	}
	return "", false, nil
}

// Exists implements datastore.ContentStore.
func (s *Store) Exists(_ context.Context, d musync.Digest) (bool, error) {
	_, done, err := s.find(d)
	return done, err
}

// Open implements datastore.ContentStore.
func (s *Store) Open(_ context.Context, d musync.Digest) (datastore.File, error) {
	p, done, err := s.find(d)
	if err != nil {
		return nil, &musync.Error{Op: "fscontent.Open", Kind: musync.ErrInternal, Inner: err}
	}
	if p == "" || !done {
		return nil, &musync.Error{Op: "fscontent.Open", Kind: musync.ErrNotFound, Message: d.String()}
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, &musync.Error{Op: "fscontent.Open", Kind: musync.ErrInternal, Inner: err}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &musync.Error{Op: "fscontent.Open", Kind: musync.ErrInternal, Inner: err}
	}
	return &file{File: f, size: fi.Size()}, nil
}

type file struct {
	*os.File
	size int64
}

func (f *file) Size() int64 { return f.size }

func (f *file) Name() string { return filepath.Base(f.File.Name()) }

// Write implements datastore.ContentStore.
//
// Bytes are streamed through the digest; the completion marker appears
// only when the checksum matches, so a crashed or corrupt transfer never
// looks like stored content.
func (s *Store) Write(ctx context.Context, meta *musync.File, r io.Reader) error {
	ctx = zlog.ContextWithValues(ctx, "component", "fscontent/Store.Write")
	d, ok := meta.StrongestDigest()
	if !ok {
		return &musync.Error{Op: "fscontent.Write", Kind: musync.ErrInvalid, Message: "file has no digest"}
	}
	var h hash.Hash
	switch d.Algorithm() {
	case musync.SHA1:
		h = sha1.New()
	case musync.SHA256:
		h = sha256.New()
	default:
		return &musync.Error{Op: "fscontent.Write", Kind: musync.ErrInvalid, Message: "unsupported digest algorithm"}
	}
	dir := s.dir(d)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &musync.Error{Op: "fscontent.Write", Kind: musync.ErrInternal, Inner: err}
	}
	dst := filepath.Join(dir, meta.Name)
	tmp, err := os.CreateTemp(dir, ".staging-*")
	if err != nil {
		return &musync.Error{Op: "fscontent.Write", Kind: musync.ErrInternal, Inner: err}
	}
	name := tmp.Name()
	defer os.Remove(name)
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &musync.Error{Op: "fscontent.Write", Kind: musync.ErrInternal, Inner: err}
	}
	if sum := h.Sum(nil); !hashEqual(sum, d.Checksum()) {
		return &musync.Error{Op: "fscontent.Write", Kind: musync.ErrIntegrity, Message: fmt.Sprintf("digest mismatch for %q", meta.Name)}
	}
	if err := os.Rename(name, dst); err != nil {
		return &musync.Error{Op: "fscontent.Write", Kind: musync.ErrInternal, Inner: err}
	}
	marker, err := os.Create(dst + ".done")
	if err != nil {
		return &musync.Error{Op: "fscontent.Write", Kind: musync.ErrInternal, Inner: err}
	}
	if err := marker.Close(); err != nil {
		return &musync.Error{Op: "fscontent.Write", Kind: musync.ErrInternal, Inner: err}
	}
	zlog.Debug(ctx).
		Str("file", meta.Name).
		Int64("size", n).
		Msg("content stored")
	return nil
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
