// Package sync implements the two sync-protocol entry points that pull
// category and update metadata from an upstream MS-WSUSSS server into a
// local metadata sink: a sequential batch coordinator that fans parse work
// out to a bounded worker pool over a shared cancellation context.
package sync

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/operator-framework/wssync/internal/soapclient"
	"github.com/operator-framework/wssync/internal/wssyncerrs"
	"github.com/operator-framework/wssync/pkg/auth"
	"github.com/operator-framework/wssync/pkg/graph"
	"github.com/operator-framework/wssync/pkg/identity"
	"github.com/operator-framework/wssync/pkg/metadata"
)

// ParseWorkers bounds the parse worker pool. XML parse time dominates a
// batch, so this is the coordinator's only real concurrency knob; protocol
// calls themselves are issued sequentially.
const ParseWorkers = 4

// SourceFilter selects the update/driver packages a GetUpdates call wants.
// Each leaf product requires an explicit entry; the server does not expand
// child products automatically.
type SourceFilter struct {
	ProductIDs        []uuid.UUID
	ClassificationIDs []uuid.UUID
}

// ServiceConfig is the session-cached result of GetConfigData.
type ServiceConfig struct {
	MaxNumberOfUpdatesPerRequest int
}

// ProgressEvent reports batch-level sync progress.
type ProgressEvent struct {
	Kind    string
	Current int
	Total   int
}

// ProgressFunc receives ProgressEvent notifications; nil is a valid no-op.
type ProgressFunc func(ProgressEvent)

func report(progress ProgressFunc, kind string, current, total int) {
	if progress != nil {
		progress(ProgressEvent{Kind: kind, Current: current, Total: total})
	}
}

// Sink is the subset of *store.Store the sync engine needs: staged ingest,
// transactional commit, and lookup for cross-linking categories.
type Sink interface {
	AddMany(pkgs []metadata.Package)
	Commit() error
	Get(id identity.ID) (metadata.Package, bool)
}

// Engine drives both sync entry points against a single upstream server and
// a single backing Sink.
type Engine struct {
	Transport     *soapclient.Client
	Authenticator *auth.Authenticator
	Sink          Sink
	Log           logr.Logger

	// mu enforces at-most-one-sync-per-store: the store's own lock protects
	// its on-disk state, but the protocol loop (token, anchor, batches) is
	// serialized here too so two concurrent Sync calls against the same
	// Engine don't interleave batches.
	mu sync.Mutex

	token  *auth.Token
	config *ServiceConfig
}

// New returns an Engine wired to transport, authenticator and sink.
func New(transport *soapclient.Client, authenticator *auth.Authenticator, sink Sink, log logr.Logger) *Engine {
	return &Engine{Transport: transport, Authenticator: authenticator, Sink: sink, Log: log}
}

func (e *Engine) ensureToken(ctx context.Context) error {
	tok, err := e.Authenticator.Authenticate(ctx, e.token)
	if err != nil {
		return err
	}
	e.token = &tok
	return nil
}

func (e *Engine) ensureConfig(ctx context.Context) (*ServiceConfig, error) {
	if e.config != nil {
		return e.config, nil
	}
	cfg, err := e.getConfigData(ctx)
	if err != nil {
		return nil, err
	}
	e.config = cfg
	return cfg, nil
}

// GetCategories pulls every classification, product and detectoid package
// changed since baselineAnchor, committing as each batch parses, and
// returns the newly ingested packages plus the anchor to persist.
func (e *Engine) GetCategories(ctx context.Context, baselineAnchor string, progress ProgressFunc, cancel <-chan struct{}) ([]metadata.Package, string, error) {
	return e.run(ctx, wireFilter{}, baselineAnchor, progress, cancel)
}

// GetUpdates pulls software and driver packages matching sourceFilter,
// changed since baselineAnchor, and additionally fetches file/URL data via
// a second GetExtendedUpdateInfo pass.
func (e *Engine) GetUpdates(ctx context.Context, sourceFilter SourceFilter, baselineAnchor string, progress ProgressFunc, cancel <-chan struct{}) ([]metadata.Package, string, error) {
	return e.run(ctx, newWireFilter(sourceFilter), baselineAnchor, progress, cancel)
}

func (e *Engine) run(ctx context.Context, filter wireFilter, anchor string, progress ProgressFunc, cancel <-chan struct{}) ([]metadata.Package, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureToken(ctx); err != nil {
		return nil, anchor, err
	}
	cfg, err := e.ensureConfig(ctx)
	if err != nil {
		return nil, anchor, err
	}

	entries, newAnchor, err := e.getRevisionIdList(ctx, filter, anchor)
	if err != nil {
		return nil, anchor, err
	}
	if len(entries) == 0 {
		return nil, newAnchor, nil
	}

	batches := batchEntries(entries, cfg.MaxNumberOfUpdatesPerRequest)
	total := len(entries)
	current := 0
	var all []metadata.Package

	for _, batch := range batches {
		select {
		case <-cancel:
			return all, anchor, &wssyncerrs.Cancelled{Operation: "sync"}
		default:
		}

		packages, err := e.fetchAndParse(ctx, batch)
		if err != nil {
			return all, anchor, err
		}

		if !filter.isEmpty() {
			if err := e.attachExtendedFiles(ctx, packages); err != nil {
				return all, anchor, err
			}
		}

		known := make([]metadata.Package, 0, len(all)+len(packages))
		known = append(known, all...)
		known = append(known, packages...)
		linkCategories(e.Sink, known, packages)

		e.Sink.AddMany(packages)
		if err := e.Sink.Commit(); err != nil {
			return all, anchor, err
		}

		all = append(all, packages...)
		current += len(batch)
		report(progress, "sync", current, total)
	}

	return all, newAnchor, nil
}

// linkCategories resolves each new package's category membership against
// known (already-ingested plus in-flight) packages, per the cross-linking
// step: every AtLeastOne group is a category candidate, resolved by
// identity rather than gated on a flag (see the prerequisite graph's
// ResolveCategories doc).
func linkCategories(sink Sink, known []metadata.Package, fresh []metadata.Package) {
	byID := make(map[uuid.UUID]metadata.Package, len(known))
	for _, pkg := range known {
		byID[pkg.Identity().UUID] = pkg
	}
	isCategory := graph.CategoryIdentifier(func(id identity.ID) bool {
		if pkg, ok := byID[id.UUID]; ok {
			return pkg.Variant().IsCategory()
		}
		if pkg, ok := sink.Get(id); ok {
			return pkg.Variant().IsCategory()
		}
		return false
	})
	for _, pkg := range fresh {
		pkg.Common().Categories = graph.ResolveCategories(pkg, isCategory)
	}
}

func (e *Engine) fetchAndParse(ctx context.Context, batch []identity.ID) ([]metadata.Package, error) {
	fragments, err := e.getUpdateData(ctx, batch)
	if err != nil {
		return nil, err
	}

	packages := make([]metadata.Package, len(fragments))
	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(ParseWorkers)
	for i, raw := range fragments {
		i, raw := i, raw
		eg.Go(func() error {
			pkg, err := metadata.Parse(raw)
			if err != nil {
				return fmt.Errorf("sync: parsing update %d of batch: %w", i, err)
			}
			packages[i] = pkg
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return packages, nil
}

func (e *Engine) attachExtendedFiles(ctx context.Context, packages []metadata.Package) error {
	var ids []identity.ID
	for _, pkg := range packages {
		ids = append(ids, pkg.Identity())
	}
	files, err := e.getExtendedUpdateInfo(ctx, ids)
	if err != nil {
		return err
	}
	for _, pkg := range packages {
		if f, ok := files[pkg.Identity().UUID]; ok {
			pkg.Common().Files = f
		}
	}
	return nil
}

func batchEntries(entries []identity.ID, size int) [][]identity.ID {
	if size <= 0 {
		size = len(entries)
	}
	var batches [][]identity.ID
	for start := 0; start < len(entries); start += size {
		end := start + size
		if end > len(entries) {
			end = len(entries)
		}
		batches = append(batches, entries[start:end])
	}
	return batches
}

// --- wire calls ---------------------------------------------------------

type wireFilter struct {
	ProductIDs        []string
	ClassificationIDs []string
}

func newWireFilter(f SourceFilter) wireFilter {
	w := wireFilter{
		ProductIDs:        make([]string, 0, len(f.ProductIDs)),
		ClassificationIDs: make([]string, 0, len(f.ClassificationIDs)),
	}
	for _, id := range f.ProductIDs {
		w.ProductIDs = append(w.ProductIDs, id.String())
	}
	for _, id := range f.ClassificationIDs {
		w.ClassificationIDs = append(w.ClassificationIDs, id.String())
	}
	return w
}

func (w wireFilter) isEmpty() bool {
	return len(w.ProductIDs) == 0 && len(w.ClassificationIDs) == 0
}

type getConfigDataRequest struct {
	XMLName         xml.Name `xml:"GetConfigData"`
	ProtocolVersion string   `xml:"protocolVersion"`
}

type getConfigDataResponse struct {
	XMLName                      xml.Name `xml:"GetConfigDataResponse"`
	MaxNumberOfUpdatesPerRequest int      `xml:"GetConfigDataResult>ServerSyncConfigData>MaxNumberOfUpdatesPerRequest"`
}

func (e *Engine) getConfigData(ctx context.Context) (*ServiceConfig, error) {
	req, err := xml.Marshal(getConfigDataRequest{ProtocolVersion: auth.ProtocolVersion})
	if err != nil {
		return nil, err
	}
	var resp getConfigDataResponse
	if err := e.Transport.Call(ctx, "GetConfigData", req, &resp); err != nil {
		return nil, err
	}
	if resp.MaxNumberOfUpdatesPerRequest <= 0 {
		resp.MaxNumberOfUpdatesPerRequest = 1
	}
	return &ServiceConfig{MaxNumberOfUpdatesPerRequest: resp.MaxNumberOfUpdatesPerRequest}, nil
}

type getRevisionIdListRequest struct {
	XMLName xml.Name `xml:"GetRevisionIdList"`
	Filter  struct {
		ProductIDs        []string `xml:"ProductIds>Id,omitempty"`
		ClassificationIDs []string `xml:"ClassificationIds>Id,omitempty"`
	} `xml:"filter"`
	Anchor string `xml:"cookie>currentAnchor,omitempty"`
}

type getRevisionIdListResponse struct {
	XMLName xml.Name `xml:"GetRevisionIdListResponse"`
	Anchor  string    `xml:"GetRevisionIdListResult>Anchor"`
	Entries []struct {
		UpdateID       string `xml:"UpdateID,attr"`
		RevisionNumber int64  `xml:"RevisionNumber,attr"`
	} `xml:"GetRevisionIdListResult>NewUpdates>UpdateIdentity"`
}

func (e *Engine) getRevisionIdList(ctx context.Context, filter wireFilter, anchor string) ([]identity.ID, string, error) {
	var req getRevisionIdListRequest
	req.Filter.ProductIDs = filter.ProductIDs
	req.Filter.ClassificationIDs = filter.ClassificationIDs
	req.Anchor = anchor

	body, err := xml.Marshal(req)
	if err != nil {
		return nil, anchor, err
	}
	var resp getRevisionIdListResponse
	if err := e.Transport.Call(ctx, "GetRevisionIdList", body, &resp); err != nil {
		return nil, anchor, err
	}

	out := make([]identity.ID, 0, len(resp.Entries))
	for _, entry := range resp.Entries {
		u, err := uuid.Parse(entry.UpdateID)
		if err != nil {
			return nil, anchor, fmt.Errorf("sync: GetRevisionIdList returned malformed UpdateID %q: %w", entry.UpdateID, err)
		}
		id, err := identity.New(u, entry.RevisionNumber)
		if err != nil {
			return nil, anchor, err
		}
		out = append(out, id)
	}
	newAnchor := resp.Anchor
	if newAnchor == "" {
		newAnchor = anchor
	}
	return out, newAnchor, nil
}

type getUpdateDataRequest struct {
	XMLName   xml.Name            `xml:"GetUpdateData"`
	UpdateIDs []updateIdentityWire `xml:"updateIds>UpdateIdentity"`
}

type updateIdentityWire struct {
	UpdateID       string `xml:"UpdateID,attr"`
	RevisionNumber int64  `xml:"RevisionNumber,attr"`
}

type getUpdateDataResponse struct {
	XMLName xml.Name  `xml:"GetUpdateDataResponse"`
	Blobs   []rawBlob `xml:"GetUpdateDataResult>updates>XmlUpdateBlob"`
}

type rawBlob struct {
	InnerXML []byte `xml:",innerxml"`
}

func (e *Engine) getUpdateData(ctx context.Context, ids []identity.ID) ([][]byte, error) {
	req := getUpdateDataRequest{UpdateIDs: toWireIdentities(ids)}
	body, err := xml.Marshal(req)
	if err != nil {
		return nil, err
	}
	var resp getUpdateDataResponse
	if err := e.Transport.Call(ctx, "GetUpdateData", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Blobs) != len(ids) {
		return nil, fmt.Errorf("sync: GetUpdateData returned %d fragments for %d requested identities", len(resp.Blobs), len(ids))
	}
	out := make([][]byte, len(resp.Blobs))
	for i, blob := range resp.Blobs {
		out[i] = blob.InnerXML
	}
	return out, nil
}

type getExtendedUpdateInfoRequest struct {
	XMLName   xml.Name             `xml:"GetExtendedUpdateInfo"`
	UpdateIDs []updateIdentityWire `xml:"updateIds>UpdateIdentity"`
}

type getExtendedUpdateInfoResponse struct {
	XMLName xml.Name `xml:"GetExtendedUpdateInfoResponse"`
	Entries []struct {
		UpdateID string   `xml:"UpdateID,attr"`
		Files    rawBlob  `xml:"Files"`
	} `xml:"GetExtendedUpdateInfoResult>updates>XmlUpdateFragment"`
}

func (e *Engine) getExtendedUpdateInfo(ctx context.Context, ids []identity.ID) (map[uuid.UUID][]metadata.File, error) {
	req := getExtendedUpdateInfoRequest{UpdateIDs: toWireIdentities(ids)}
	body, err := xml.Marshal(req)
	if err != nil {
		return nil, err
	}
	var resp getExtendedUpdateInfoResponse
	if err := e.Transport.Call(ctx, "GetExtendedUpdateInfo", body, &resp); err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID][]metadata.File, len(resp.Entries))
	for _, entry := range resp.Entries {
		u, err := uuid.Parse(entry.UpdateID)
		if err != nil {
			return nil, fmt.Errorf("sync: GetExtendedUpdateInfo returned malformed UpdateID %q: %w", entry.UpdateID, err)
		}
		files, err := metadata.ParseExtendedFiles(entry.Files.InnerXML)
		if err != nil {
			return nil, err
		}
		out[u] = files
	}
	return out, nil
}

func toWireIdentities(ids []identity.ID) []updateIdentityWire {
	out := make([]updateIdentityWire, len(ids))
	for i, id := range ids {
		out[i] = updateIdentityWire{UpdateID: id.UUID.String(), RevisionNumber: id.Revision}
	}
	return out
}
