package musync

// File is a payload file referenced by an update.
type File struct {
	Name      string   `json:"name"`
	Size      int64    `json:"size"`
	SourceURL string   `json:"source_url,omitempty"`
	Digests   []Digest `json:"digests"`
}

// StrongestDigest returns the strongest digest recorded for the file.
//
// The strongest digest is the file's identifier; SHA-256 beats SHA-1.
// The second return is false when the file carries no usable digest.
func (f *File) StrongestDigest() (Digest, bool) {
	var best Digest
	for _, d := range f.Digests {
		if d.Strength() > best.Strength() {
			best = d
		}
	}
	return best, best.Strength() > 0
}
