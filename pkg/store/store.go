// Package store implements the append-only, indexed package store: a
// single-writer, multi-reader archive directory with optional baseline
// chaining, modeled on a local content-addressed cache with a
// temp-file-then-rename commit discipline and singleflight-guarded lazy
// index loading.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/singleflight"

	"github.com/operator-framework/wssync/internal/wssyncerrs"
	"github.com/operator-framework/wssync/pkg/identity"
	"github.com/operator-framework/wssync/pkg/metadata"
)

// ProgressEvent reports incremental progress of a long-running store
// operation (currently Reindex).
type ProgressEvent struct {
	Kind    string
	Current int
	Total   int
}

// ProgressFunc receives ProgressEvent notifications; nil is a valid no-op.
type ProgressFunc func(ProgressEvent)

func report(fn ProgressFunc, ev ProgressEvent) {
	if fn != nil {
		fn(ev)
	}
}

// Store is an append-only, indexed collection of packages. It may chain to
// a baseline store, in which case queries see the union of both layers
// with the higher revision winning per uuid.
type Store struct {
	dir      string
	baseline *Store
	lock     *fileLock

	mu        sync.RWMutex
	committed []identity.ID // identities committed in this layer
	pending   []metadata.Package

	idxMu sync.RWMutex
	idx   *indexSet
	sf    singleflight.Group
}

// Open loads an existing store directory, including its baseline chain.
// Every baseline referenced by a manifest must resolve to an existing
// archive; a broken chain is fatal. Open takes an exclusive, non-blocking
// advisory lock on dir (and, recursively, on every baseline directory in
// the chain) for the lifetime of the returned *Store, so at most one
// process can have a given store directory open at a time; call Close to
// release it.
func Open(dir string) (*Store, error) {
	lock, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	manifest, err := loadManifest(dir)
	if err != nil {
		lock.release()
		return nil, fmt.Errorf("store: loading manifest at %s: %w", dir, err)
	}

	var baseline *Store
	if manifest.BaselinePath != "" {
		resolved := manifest.BaselinePath
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(dir, resolved)
		}
		if _, statErr := os.Stat(filepath.Join(resolved, manifestFileName)); statErr != nil {
			lock.release()
			return nil, &wssyncerrs.BaselineMissing{Path: resolved}
		}
		baseline, err = Open(resolved)
		if err != nil {
			lock.release()
			return nil, err
		}
	}

	committed, err := loadCommitted(dir)
	if err != nil {
		if baseline != nil {
			baseline.Close()
		}
		lock.release()
		return nil, fmt.Errorf("store: loading committed set at %s: %w", dir, err)
	}

	return &Store{dir: dir, baseline: baseline, committed: committed, lock: lock}, nil
}

// OpenOrCreate opens dir if it already contains a manifest, or initializes
// an empty store there otherwise. Either way the returned *Store holds
// dir's advisory lock; see Open.
func OpenOrCreate(dir string) (*Store, error) {
	if _, err := os.Stat(filepath.Join(dir, manifestFileName)); err == nil {
		return Open(dir)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lock, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "metadata"), 0o755); err != nil {
		lock.release()
		return nil, err
	}
	if err := saveManifest(dir, Manifest{FormatVersion: formatVersion}); err != nil {
		lock.release()
		return nil, err
	}
	if err := saveCommitted(dir, nil); err != nil {
		lock.release()
		return nil, err
	}
	return &Store{dir: dir, lock: lock}, nil
}

// Close releases dir's advisory lock (and, recursively, every baseline's)
// so another process may open the store. Safe to call once after any
// successful Open/OpenOrCreate.
func (s *Store) Close() error {
	var baselineErr error
	if s.baseline != nil {
		baselineErr = s.baseline.Close()
	}
	if err := s.lock.release(); err != nil {
		return err
	}
	return baselineErr
}

// Erase removes every file belonging to the store at dir. The baseline, if
// any, is left untouched. The caller must not hold dir open via an
// existing *Store when calling Erase.
func Erase(dir string) error {
	return os.RemoveAll(dir)
}

// Add stages pkg pending the next Commit. Staging a (uuid, revision) pair
// already present in the chain is a no-op; a strictly greater revision
// supersedes the previously staged or committed one.
func (s *Store) Add(pkg metadata.Package) {
	s.AddMany([]metadata.Package{pkg})
}

// AddMany stages pkgs; see Add.
func (s *Store) AddMany(pkgs []metadata.Package) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pkg := range pkgs {
		id := pkg.Identity()
		if existing, ok := s.highestKnownRevision(id.UUID); ok && existing >= id.Revision {
			continue
		}
		s.pending = append(s.pending, pkg)
	}
}

// highestKnownRevision returns the highest revision known for uuid across
// committed state (this layer and baseline) and already-staged pending
// packages. Caller must hold s.mu.
func (s *Store) highestKnownRevision(u uuid.UUID) (int64, bool) {
	found := false
	var max int64
	consider := func(rev int64) {
		if !found || rev > max {
			max, found = rev, true
		}
	}
	for _, id := range s.committed {
		if id.UUID == u {
			consider(id.Revision)
		}
	}
	for _, pkg := range s.pending {
		if id := pkg.Identity(); id.UUID == u {
			consider(id.Revision)
		}
	}
	if s.baseline != nil {
		if rev, ok := s.baseline.highestCommittedRevision(u); ok {
			consider(rev)
		}
	}
	return max, found
}

func (s *Store) highestCommittedRevision(u uuid.UUID) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := false
	var max int64
	for _, id := range s.committed {
		if id.UUID == u && (!found || id.Revision > max) {
			max, found = id.Revision, true
		}
	}
	if !found && s.baseline != nil {
		return s.baseline.highestCommittedRevision(u)
	}
	return max, found
}

// Commit atomically makes every staged package visible and updates
// indexes. On failure the pending set and on-disk state are left exactly
// as they were; no partial commit is observable.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}

	for _, pkg := range s.pending {
		id := pkg.Identity()
		if existing, ok := s.highestCommittedRevisionLocked(id.UUID); ok && id.Revision < existing {
			return &wssyncerrs.RevisionRegression{UUID: id.UUID.String(), OldRev: existing, NewRev: id.Revision}
		}
	}

	for _, pkg := range s.pending {
		if err := s.writeRawMetadata(pkg); err != nil {
			return fmt.Errorf("store: committing %s: %w", pkg.Identity(), err)
		}
	}

	idx, err := s.loadIndexLocked()
	if err != nil {
		return err
	}
	committed := append([]identity.ID(nil), s.committed...)
	for _, pkg := range s.pending {
		indexPackage(idx, pkg)
		committed = append(committed, pkg.Identity())
	}

	if err := saveIndexSet(s.dir, idx); err != nil {
		return fmt.Errorf("store: saving indexes: %w", err)
	}
	if err := saveCommitted(s.dir, committed); err != nil {
		return fmt.Errorf("store: saving committed set: %w", err)
	}
	s.committed = committed

	s.idxMu.Lock()
	s.idx = idx
	s.idxMu.Unlock()
	s.pending = nil
	return nil
}

func (s *Store) highestCommittedRevisionLocked(u uuid.UUID) (int64, bool) {
	found := false
	var max int64
	for _, id := range s.committed {
		if id.UUID == u && (!found || id.Revision > max) {
			max, found = id.Revision, true
		}
	}
	if !found && s.baseline != nil {
		return s.baseline.highestCommittedRevision(u)
	}
	return max, found
}

func (s *Store) rawMetadataPath(id identity.ID) string {
	return filepath.Join(s.dir, "metadata", id.UUID.String()+"_"+strconv.FormatInt(id.Revision, 10)+".xml.gz")
}

// writeRawMetadata persists the exact XML fragment a package was parsed
// from, gzip-compressed on disk: update metadata accumulates across many
// revisions per product line and compresses well, being repetitive
// namespaced XML.
func (s *Store) writeRawMetadata(pkg metadata.Package) error {
	raw := pkg.Common().Raw
	path := s.rawMetadataPath(pkg.Identity())
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metadata-*.xml.gz")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	if _, err := gz.Write(raw); err != nil {
		gz.Close()
		tmp.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Contains reports whether id is resolvable anywhere in the chain.
func (s *Store) Contains(id identity.ID) bool {
	_, ok := s.Get(id)
	return ok
}

// Get resolves id to its exact revision, searching this layer then the
// baseline chain.
func (s *Store) Get(id identity.ID) (metadata.Package, bool) {
	s.mu.RLock()
	local := containsID(s.committed, id)
	s.mu.RUnlock()

	if local {
		pkg, err := s.readRawMetadata(id)
		if err == nil {
			return pkg, true
		}
	}
	if s.baseline != nil {
		return s.baseline.Get(id)
	}
	return nil, false
}

func containsID(ids []identity.ID, target identity.ID) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func (s *Store) readRawMetadata(id identity.ID) (metadata.Package, error) {
	raw, err := s.GetRawMetadata(id)
	if err != nil {
		return nil, err
	}
	return metadata.Parse(raw)
}

// GetRawMetadata returns the exact XML fragment stored for id, without
// reparsing it into a typed Package. The on-disk gzip framing is
// transparent to callers.
func (s *Store) GetRawMetadata(id identity.ID) ([]byte, error) {
	s.mu.RLock()
	local := containsID(s.committed, id)
	s.mu.RUnlock()
	if local {
		return s.readCompressedMetadata(id)
	}
	if s.baseline != nil {
		return s.baseline.GetRawMetadata(id)
	}
	return nil, fmt.Errorf("store: %s not found", id)
}

func (s *Store) readCompressedMetadata(id identity.ID) ([]byte, error) {
	f, err := os.Open(s.rawMetadataPath(id))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("store: decompressing metadata for %s: %w", id, err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// GetFiles returns the file descriptors declared by id's metadata.
func (s *Store) GetFiles(id identity.ID) ([]metadata.File, error) {
	pkg, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("store: %s not found", id)
	}
	return pkg.Common().Files, nil
}

// latestView returns, for every uuid reachable in the chain, the identity
// of its highest-revision package: later revisions shadow earlier ones
// regardless of which layer holds them.
func (s *Store) latestView() map[uuid.UUID]identity.ID {
	view := make(map[uuid.UUID]identity.ID)
	if s.baseline != nil {
		for u, id := range s.baseline.latestView() {
			view[u] = id
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.committed {
		if existing, ok := view[id.UUID]; !ok || id.Revision > existing.Revision {
			view[id.UUID] = id
		}
	}
	return view
}

// Iter returns every package visible through the chain, latest revision
// per uuid, sorted by identity.Compare.
func (s *Store) Iter() ([]metadata.Package, error) {
	view := s.latestView()
	ids := make([]identity.ID, 0, len(view))
	for _, id := range view {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return identity.Compare(ids[i], ids[j]) < 0 })

	out := make([]metadata.Package, 0, len(ids))
	for _, id := range ids {
		pkg, ok := s.Get(id)
		if !ok {
			return nil, fmt.Errorf("store: indexed identity %s missing from chain", id)
		}
		out = append(out, pkg)
	}
	return out, nil
}

// IterVariant is Iter filtered to a single Variant.
func (s *Store) IterVariant(v metadata.Variant) ([]metadata.Package, error) {
	all, err := s.Iter()
	if err != nil {
		return nil, err
	}
	out := make([]metadata.Package, 0, len(all))
	for _, pkg := range all {
		if pkg.Variant() == v {
			out = append(out, pkg)
		}
	}
	return out, nil
}

func (s *Store) loadIndexLocked() (*indexSet, error) {
	s.idxMu.RLock()
	if s.idx != nil {
		defer s.idxMu.RUnlock()
		return s.idx, nil
	}
	s.idxMu.RUnlock()

	v, err, _ := s.sf.Do("indexes", func() (any, error) {
		return loadIndexSet(s.dir)
	})
	if err != nil {
		return nil, err
	}
	idx := v.(*indexSet)
	s.idxMu.Lock()
	s.idx = idx
	s.idxMu.Unlock()
	return idx, nil
}

// Reindex rebuilds every index from raw committed metadata, reporting
// progress as it walks the committed set.
func (s *Store) Reindex(progress ProgressFunc) error {
	s.mu.RLock()
	ids := append([]identity.ID(nil), s.committed...)
	s.mu.RUnlock()

	idx := newIndexSet()
	for i, id := range ids {
		pkg, err := s.readRawMetadata(id)
		if err != nil {
			return fmt.Errorf("store: reindexing %s: %w", id, err)
		}
		indexPackage(idx, pkg)
		report(progress, ProgressEvent{Kind: "reindex", Current: i + 1, Total: len(ids)})
	}

	if err := saveIndexSet(s.dir, idx); err != nil {
		return err
	}
	s.idxMu.Lock()
	s.idx = idx
	s.idxMu.Unlock()
	return nil
}

// CommittedOrder returns every identity in the chain in commit order:
// the baseline's full commit order first, then this layer's own. The same
// uuid may appear more than once if it was committed at several revisions;
// this is intentional — the downstream server handlers use commit order,
// not latest-view order, as the logical clock anchors index into.
func (s *Store) CommittedOrder() []identity.ID {
	var out []identity.ID
	if s.baseline != nil {
		out = append(out, s.baseline.CommittedOrder()...)
	}
	s.mu.RLock()
	out = append(out, s.committed...)
	s.mu.RUnlock()
	return out
}

// Sink receives packages and their file descriptors during CopyTo.
type Sink interface {
	PutPackage(pkg metadata.Package) error
}

// CopyTo streams every package in the chain for which filter returns true
// (or every package, if filter is nil) into sink, in identity order.
// Cancellation is checked between packages.
func (s *Store) CopyTo(sink Sink, filter func(metadata.Package) bool, cancel <-chan struct{}) error {
	all, err := s.Iter()
	if err != nil {
		return err
	}
	for _, pkg := range all {
		select {
		case <-cancel:
			return &wssyncerrs.Cancelled{Operation: "copyTo"}
		default:
		}
		if filter != nil && !filter(pkg) {
			continue
		}
		if err := sink.PutPackage(pkg); err != nil {
			return err
		}
	}
	return nil
}
