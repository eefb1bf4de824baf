// Package server implements the downstream protocol-level request
// handlers: pure functions over a metadata store, wire-compatible with the
// upstream subset wssync itself consumes from pkg/sync. Host integration
// (the actual SOAP listener) is out of scope here. The handlers read the
// store either as a full dump (GetUpdateData) or through a filtered,
// anchor-indexed query (GetRevisionIdList).
package server

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/operator-framework/wssync/pkg/filter"
	"github.com/operator-framework/wssync/pkg/identity"
	"github.com/operator-framework/wssync/pkg/metadata"
	"github.com/operator-framework/wssync/pkg/store"
)

// defaultCookieLifetime is used when Config.CookieLifetime is zero.
const defaultCookieLifetime = 8 * time.Hour

// AuthPlugin is one entry in the GetAuthConfig response.
type AuthPlugin struct {
	ServiceURL string
	PluginID   string
}

// Cookie is the opaque access cookie issued by GetCookie.
type Cookie struct {
	EncryptedCookie string
	Expiration      time.Time
}

// Config configures the server's own identity as an upstream peer.
type Config struct {
	AuthPlugins    []AuthPlugin
	CookieLifetime time.Duration
	// ContentRoot, if non-empty, replaces the host and path of every file
	// URL served by GetExtendedUpdateInfo with ContentRoot + filename.
	ContentRoot string
}

// Server answers downstream protocol requests over a single Store.
type Server struct {
	Store  *store.Store
	Config Config
	Log    logr.Logger

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// New returns a Server bound to s.
func New(s *store.Store, cfg Config, log logr.Logger) *Server {
	if cfg.CookieLifetime <= 0 {
		cfg.CookieLifetime = defaultCookieLifetime
	}
	return &Server{Store: s, Config: cfg, Log: log, Now: time.Now}
}

func (srv *Server) now() time.Time {
	if srv.Now != nil {
		return srv.Now()
	}
	return time.Now()
}

// GetAuthConfig returns this server's own authentication plug-ins.
func (srv *Server) GetAuthConfig() []AuthPlugin {
	return srv.Config.AuthPlugins
}

// GetCookie issues a fresh opaque cookie with the configured lifetime. The
// core does not validate the caller's submitted auth cookies itself; that
// is host-adapter policy.
func (srv *Server) GetCookie() Cookie {
	return Cookie{
		EncryptedCookie: uuid.NewString(),
		Expiration:      srv.now().Add(srv.Config.CookieLifetime),
	}
}

// GetRevisionIdList enumerates identities committed since anchor that
// match f, and returns the anchor to persist for the next call. Anchors
// are opaque decimal offsets into the store's commit order; a malformed
// anchor is a client error, not silently clamped to zero.
func (srv *Server) GetRevisionIdList(f filter.MetadataFilter, anchor string) ([]identity.ID, string, error) {
	offset, err := parseAnchor(anchor)
	if err != nil {
		return nil, anchor, err
	}

	order := srv.Store.CommittedOrder()
	if offset > len(order) {
		offset = len(order)
	}

	predicate := f.Predicate()
	var out []identity.ID
	for _, id := range order[offset:] {
		pkg, ok := srv.Store.Get(id)
		if !ok {
			continue
		}
		if predicate(pkg) {
			out = append(out, id)
		}
	}
	return out, strconv.Itoa(len(order)), nil
}

// GetUpdateData returns the exact raw metadata fragment stored for each id,
// in the order requested.
func (srv *Server) GetUpdateData(ids []identity.ID) ([][]byte, error) {
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		raw, err := srv.Store.GetRawMetadata(id)
		if err != nil {
			return nil, fmt.Errorf("server: GetUpdateData: %w", err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// GetExtendedUpdateInfo returns each id's file descriptors with URLs
// rewritten to the configured content root.
func (srv *Server) GetExtendedUpdateInfo(ids []identity.ID) (map[uuid.UUID][]metadata.File, error) {
	out := make(map[uuid.UUID][]metadata.File, len(ids))
	for _, id := range ids {
		files, err := srv.Store.GetFiles(id)
		if err != nil {
			return nil, fmt.Errorf("server: GetExtendedUpdateInfo: %w", err)
		}
		out[id.UUID] = rewriteContentRoot(files, srv.Config.ContentRoot)
	}
	return out, nil
}

// BestDriverForHardwareID resolves id to a DriverUpdate and returns the
// driver block with the highest version among those matching
// hardwareID, for clients that narrowed GetRevisionIdList with
// hardwareIdFilter and now need the single applicable block rather than
// the whole DriverUpdate.
func (srv *Server) BestDriverForHardwareID(id identity.ID, hardwareID string) (metadata.DriverMetadata, bool, error) {
	pkg, ok := srv.Store.Get(id)
	if !ok {
		return metadata.DriverMetadata{}, false, fmt.Errorf("server: BestDriverForHardwareID: unknown id %s", id)
	}
	du, ok := pkg.(*metadata.DriverUpdate)
	if !ok {
		return metadata.DriverMetadata{}, false, nil
	}
	best, ok := metadata.BestDriverMatch(du.Drivers, hardwareID)
	return best, ok, nil
}

func parseAnchor(anchor string) (int, error) {
	if anchor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(anchor)
	if err != nil {
		return 0, fmt.Errorf("server: malformed anchor %q: %w", anchor, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("server: anchor %q must be non-negative", anchor)
	}
	return n, nil
}

func rewriteContentRoot(files []metadata.File, root string) []metadata.File {
	if root == "" {
		return files
	}
	out := make([]metadata.File, len(files))
	for i, f := range files {
		rewritten := f
		rewritten.URLs = make([]metadata.ContentURL, len(f.URLs))
		for j, u := range f.URLs {
			rewritten.URLs[j] = metadata.ContentURL{
				MuURL:  rewriteURL(u.MuURL, root),
				UssURL: rewriteURL(u.UssURL, root),
			}
		}
		out[i] = rewritten
	}
	return out
}

func rewriteURL(raw, root string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	name := path.Base(parsed.Path)
	return strings.TrimRight(root, "/") + "/" + name
}
