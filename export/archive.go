package export

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/quay/zlog"

	"github.com/musync/musync"
	"github.com/musync/musync/datastore"
)

// Archive entry names.
const (
	metadataName = "metadata.txt"
	manifestName = "package.xml"
)

const zstdCompression = 93 // zstd, according to PKWARE spec

func init() {
	zip.RegisterCompressor(zstdCompression, newZstdCompressor)
	zip.RegisterDecompressor(zstdCompression, newZstdDecompressor)
}

func newZstdCompressor(w io.Writer) (io.WriteCloser, error) {
	c, err := zstd.NewWriter(w)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newZstdDecompressor(r io.Reader) io.ReadCloser {
	c, err := zstd.NewReader(r)
	if err != nil {
		panic(err)
	}
	return &cmpWrapper{c}
}

type cmpWrapper struct {
	*zstd.Decoder
}

func (w *cmpWrapper) Close() error {
	w.Decoder.Close()
	return nil
}

// archiveWriter wraps a zip writer so every entry lands zstd-compressed.
type archiveWriter struct {
	z *zip.Writer
}

func newArchiveWriter(out io.Writer) (*archiveWriter, error) {
	return &archiveWriter{z: zip.NewWriter(out)}, nil
}

func (w *archiveWriter) Create(name string) (io.Writer, error) {
	return w.z.CreateHeader(&zip.FileHeader{
		Name:   name,
		Method: zstdCompression,
	})
}

func (w *archiveWriter) Close() error {
	return w.z.Close()
}

// openArchive opens the zip at in, sizing the reader however it can.
func openArchive(in io.ReaderAt) (*zip.Reader, error) {
	var sz int64
	switch v := in.(type) {
	case sizer:
		sz = v.Size()
	case fileStat:
		fi, err := v.Stat()
		if err != nil {
			return nil, err
		}
		sz = fi.Size()
	case io.Seeker:
		cur, err := v.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
		sz, err = v.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, err
		}
		if _, err := v.Seek(cur, io.SeekStart); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("export: unable to determine size of archive")
	}
	return zip.NewReader(in, sz)
}

type (
	fileStat interface{ Stat() (fs.FileInfo, error) }
	sizer    interface{ Size() int64 }
)

// Import reads an archive produced by Write and stores every revision it
// carries. Revisions already present are left alone, so re-importing an
// archive is a no-op.
func Import(ctx context.Context, in io.ReaderAt, store datastore.MetadataStore) (int, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "export/Import")
	z, err := openArchive(in)
	if err != nil {
		return 0, &musync.Error{Op: "Import", Kind: musync.ErrInvalid, Inner: err}
	}
	f, err := z.Open(metadataName)
	if err != nil {
		return 0, &musync.Error{
			Op:      "Import",
			Kind:    musync.ErrInvalid,
			Message: "archive has no metadata entry",
			Inner:   err,
		}
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return 0, err
	}

	existing, err := store.Identities(ctx)
	if err != nil {
		return 0, err
	}
	have := make(map[musync.Identity]struct{}, len(existing))
	for _, id := range existing {
		have[id] = struct{}{}
	}

	var n int
	for line := 1; len(raw) != 0; line++ {
		id, xml, rest, err := parseLine(raw)
		if err != nil {
			return n, &musync.Error{
				Op:      "Import",
				Kind:    musync.ErrInvalid,
				Message: fmt.Sprintf("metadata line %d", line),
				Inner:   err,
			}
		}
		raw = rest
		if _, ok := have[id]; ok {
			continue
		}
		rec, err := datastore.RecordFromXML(xml)
		if err != nil {
			return n, err
		}
		// The line's identity is authoritative, as on the wire.
		rec.Update.Identity = id
		if err := store.PutUpdate(ctx, rec); err != nil {
			return n, err
		}
		have[id] = struct{}{}
		n++
	}
	zlog.Info(ctx).Int("imported", n).Msg("archive imported")
	return n, nil
}

// parseLine consumes one metadata line. The XML field's length is declared
// up front, so embedded commas and newlines in the document never confuse
// the framing.
func parseLine(raw []byte) (musync.Identity, []byte, []byte, error) {
	var id musync.Identity
	fields := bytes.SplitN(raw, []byte{','}, 4)
	if len(fields) != 4 {
		return id, nil, nil, errors.New("short line")
	}
	guid, err := uuid.Parse(string(fields[0]))
	if err != nil {
		return id, nil, nil, err
	}
	rev, err := strconv.ParseUint(string(fields[1]), 16, 32)
	if err != nil {
		return id, nil, nil, fmt.Errorf("revision field: %w", err)
	}
	size, err := strconv.ParseInt(string(fields[2]), 16, 32)
	if err != nil {
		return id, nil, nil, fmt.Errorf("size field: %w", err)
	}
	rest := fields[3]
	if int64(len(rest)) < size+2 {
		return id, nil, nil, errors.New("truncated document")
	}
	xml := rest[:size]
	if !bytes.HasPrefix(rest[size:], []byte("\r\n")) {
		return id, nil, nil, errors.New("missing line terminator")
	}
	id = musync.Identity{ID: guid, Revision: uint32(rev)}
	return id, xml, rest[size+2:], nil
}
