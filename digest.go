package musync

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Digest is an algorithm name and the bytes of a checksum.
type Digest struct {
	algo     string
	checksum []byte
}

// Well-known algorithm names, as they appear in update metadata.
const (
	SHA1   = `sha1`
	SHA256 = `sha256`
)

func (d Digest) Checksum() []byte { return d.checksum }

func (d Digest) Algorithm() string { return d.algo }

// Strength orders digest algorithms; a larger value is a stronger digest.
func (d Digest) Strength() int {
	switch d.algo {
	case SHA256:
		return 2
	case SHA1:
		return 1
	}
	return 0
}

func (d Digest) String() string {
	b, _ := d.MarshalText()
	return string(b)
}

// Hex returns the bare hex encoding of the checksum, without the algorithm
// prefix. This is the form used in content URLs.
func (d Digest) Hex() string {
	return hex.EncodeToString(d.checksum)
}

// Base64 returns the standard base64 encoding of the checksum with '/'
// replaced by '_', the form used in content store paths.
func (d Digest) Base64() string {
	b := []byte(base64.StdEncoding.EncodeToString(d.checksum))
	for i, c := range b {
		if c == '/' {
			b[i] = '_'
		}
	}
	return string(b)
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	el := hex.EncodedLen(len(d.checksum))
	hl := len(d.algo) + 1
	b := make([]byte, hl+el)
	copy(b, d.algo)
	b[len(d.algo)] = ':'
	hex.Encode(b[hl:], d.checksum)
	return b, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(t []byte) error {
	i := bytes.IndexByte(t, ':')
	if i == -1 {
		return fmt.Errorf("invalid digest format")
	}
	d.algo = string(t[:i])
	t = t[i+1:]
	d.checksum = make([]byte, hex.DecodedLen(len(t)))
	if _, err := hex.Decode(d.checksum, t); err != nil {
		return fmt.Errorf("invalid digest format")
	}
	return nil
}

func NewDigest(algo string, sum []byte) Digest {
	return Digest{
		algo:     algo,
		checksum: sum,
	}
}

// ParseDigest parses the "<algo>:<hex>" form.
func ParseDigest(digest string) (Digest, error) {
	d := Digest{}
	return d, d.UnmarshalText([]byte(digest))
}

// ParseHexDigest interprets a bare hex string as a digest, inferring the
// algorithm from the decoded length: 20 bytes is SHA-1, 32 bytes is SHA-256.
func ParseHexDigest(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid digest format")
	}
	switch len(b) {
	case 20:
		return Digest{algo: SHA1, checksum: b}, nil
	case 32:
		return Digest{algo: SHA256, checksum: b}, nil
	}
	return Digest{}, fmt.Errorf("invalid digest length: %d", len(b))
}
