package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/operator-framework/wssync/pkg/metadata"
)

const indexesFileName = "indexes.json"
const indexFormatVersion = 1

// digestIndexEntry is the byDigest index value: which package and filename
// a given content digest belongs to.
type digestIndexEntry struct {
	Package  string `json:"package"`
	FileName string `json:"fileName"`
}

// indexSet is the full collection of named indexes maintained by a store,
// persisted as one JSON blob and reloaded lazily. Every index is keyed by
// the package's OpenID string unless noted otherwise.
type indexSet struct {
	Definition struct {
		Name      string `json:"name"`
		Partition string `json:"partition"`
		Version   int    `json:"version"`
		Tag       string `json:"tag"`
	} `json:"definition"`

	Titles         map[string]string              `json:"titles"`
	Descriptions   map[string]string              `json:"descriptions"`
	CreationDates  map[string]time.Time            `json:"creationDates"`
	KBArticle      map[string]string              `json:"kbArticle"`
	IsSupersededBy map[string][]string            `json:"isSupersededBy"` // uuid -> superseder openIds
	IsSuperseding  map[string][]string            `json:"isSuperseding"`  // openId -> superseded uuids
	IsBundle       map[string][]string            `json:"isBundle"`       // openId -> bundled openIds
	BundledWith    map[string][]string            `json:"bundledWith"`    // uuid -> parent bundle openIds
	ByDigest       map[string]digestIndexEntry     `json:"byDigest"`
}

func newIndexSet() *indexSet {
	return &indexSet{
		Titles:         make(map[string]string),
		Descriptions:   make(map[string]string),
		CreationDates:  make(map[string]time.Time),
		KBArticle:      make(map[string]string),
		IsSupersededBy: make(map[string][]string),
		IsSuperseding:  make(map[string][]string),
		IsBundle:       make(map[string][]string),
		BundledWith:    make(map[string][]string),
		ByDigest:       make(map[string]digestIndexEntry),
	}
}

func loadIndexSet(dir string) (*indexSet, error) {
	raw, err := os.ReadFile(filepath.Join(dir, indexesFileName))
	if os.IsNotExist(err) {
		return newIndexSet(), nil
	}
	if err != nil {
		return nil, err
	}
	idx := newIndexSet()
	if err := json.Unmarshal(raw, idx); err != nil {
		return nil, err
	}
	return idx, nil
}

func saveIndexSet(dir string, idx *indexSet) error {
	idx.Definition.Name = "wssync-store-index"
	idx.Definition.Version = indexFormatVersion
	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".indexes-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, indexesFileName))
}

// indexPackage folds pkg's derivable entries into idx. Reverse edges
// (isSupersededBy, bundledWith) are appended to, never overwritten, since
// multiple packages may reference the same target.
func indexPackage(idx *indexSet, pkg metadata.Package) {
	c := pkg.Common()
	openID := c.ID.OpenID()

	idx.Titles[openID] = c.Title
	idx.Descriptions[openID] = c.Description
	idx.CreationDates[openID] = c.CreationDate

	for _, f := range c.Files {
		key, err := digestKey(f.PrimaryDigest())
		if err != nil {
			continue
		}
		idx.ByDigest[key] = digestIndexEntry{Package: openID, FileName: f.FileName}
	}

	su, ok := pkg.(*metadata.SoftwareUpdate)
	if !ok {
		return
	}
	idx.KBArticle[openID] = su.KBArticle

	supersededOpenIDs := make([]string, 0, len(su.SupersededUpdates))
	for _, id := range su.SupersededUpdates {
		supersededOpenIDs = append(supersededOpenIDs, id.UUID.String())
		idx.IsSupersededBy[id.UUID.String()] = appendUnique(idx.IsSupersededBy[id.UUID.String()], openID)
	}
	idx.IsSuperseding[openID] = supersededOpenIDs

	bundledOpenIDs := make([]string, 0, len(su.BundledUpdates))
	for _, id := range su.BundledUpdates {
		bundledOpenIDs = append(bundledOpenIDs, id.OpenID())
		idx.BundledWith[id.UUID.String()] = appendUnique(idx.BundledWith[id.UUID.String()], openID)
	}
	idx.IsBundle[openID] = bundledOpenIDs
}

func appendUnique(s []string, v string) []string {
	for _, e := range s {
		if e == v {
			return s
		}
	}
	return append(s, v)
}

func digestKey(d metadata.Digest) (string, error) {
	canonical, err := d.Canonical()
	if err != nil {
		return "", err
	}
	return canonical.String(), nil
}
