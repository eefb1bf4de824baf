package metadata

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Digest is one file-digest entry; multiple algorithms may be present on
// the same File.
type Digest struct {
	Algorithm string
	Base64    string
}

// Canonical renders d as an opencontainers/go-digest value
// ("algorithm:hex"), the form the content and metadata stores use as an
// addressing key. The wire form carries the raw hash bytes base64-encoded
// under an upper-case algorithm name; Canonical lower-cases the algorithm
// and hex-encodes the bytes to match the digest package's conventions.
func (d Digest) Canonical() (digest.Digest, error) {
	raw, err := base64.StdEncoding.DecodeString(d.Base64)
	if err != nil {
		return "", fmt.Errorf("metadata: decoding digest %s: %w", d.Algorithm, err)
	}
	alg := digest.Algorithm(strings.ToLower(d.Algorithm))
	canonical := digest.NewDigestFromEncoded(alg, hex.EncodeToString(raw))
	if err := canonical.Validate(); err != nil {
		return "", fmt.Errorf("metadata: digest %s is not valid for algorithm %s: %w", d.Base64, d.Algorithm, err)
	}
	return canonical, nil
}

// ContentURL pairs the Microsoft Update and upstream-server-sync URLs for
// a file; both are preserved unchanged through parsing and storage, and
// rewritten only at serve time by the downstream server handler.
type ContentURL struct {
	MuURL  string
	UssURL string
}

// File describes one piece of update content.
type File struct {
	FileName     string
	Size         int64
	Digests      []Digest
	URLs         []ContentURL
	PatchingType string
}

// PrimaryDigest returns the canonical key used by the content store and
// the store's byDigest index: the first digest entry. Parse guarantees at
// least one digest is present for every parsed File.
func (f File) PrimaryDigest() Digest {
	return f.Digests[0]
}
