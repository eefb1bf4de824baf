// Package config translates a flat string-keyed map into the typed
// Config wssyncd needs to construct a Store, content Store and Engine,
// keeping the core host-agnostic: any host (CLI flags, a Kubernetes
// ConfigMap, an environment-variable reader) can produce the flat map
// this package consumes.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config is the fully typed, validated configuration for one wssyncd
// instance.
type Config struct {
	// MetadataPath is the directory backing the local metadata store.
	MetadataPath string
	// ContentPath is the directory backing the local content store.
	ContentPath string
	// UpstreamEndpoint is the upstream MS-WSUSSS SOAP endpoint to sync
	// from.
	UpstreamEndpoint string
	// SourceProductIDs and SourceClassificationIDs restrict GetUpdates to
	// the named products/classifications; each leaf product needs an
	// explicit entry.
	SourceProductIDs        []uuid.UUID
	SourceClassificationIDs []uuid.UUID
	// SyncInterval is how often to run an incremental sync against
	// UpstreamEndpoint. Zero means sync once and exit.
	SyncInterval time.Duration
	// ContentParallelism overrides the content store's download worker
	// count. Zero keeps the store's own default.
	ContentParallelism int
	// ContentHTTPRoot is the URL prefix under which a downstream-facing
	// host serves content (pkg/server.Config.ContentRoot). Empty lets the
	// host fall back to its own default.
	ContentHTTPRoot string
}

// keys for the flat map form.
const (
	KeyMetadataPath            = "metadata-path"
	KeyContentPath             = "content-path"
	KeyUpstreamEndpoint        = "upstream-endpoint"
	KeySourceProductIDs        = "source-product-ids"
	KeySourceClassificationIDs = "source-classification-ids"
	KeySyncInterval            = "sync-interval"
	KeyContentParallelism      = "content-parallelism"
	KeyContentHTTPRoot         = "content-http-root"
)

// FromMap builds a Config from a flat string map, validating required
// fields and parsing the embedded list/duration/int values.
func FromMap(m map[string]string) (Config, error) {
	cfg := Config{
		MetadataPath:     m[KeyMetadataPath],
		ContentPath:      m[KeyContentPath],
		UpstreamEndpoint: m[KeyUpstreamEndpoint],
	}

	if cfg.MetadataPath == "" {
		return Config{}, fmt.Errorf("config: %s is required", KeyMetadataPath)
	}
	if cfg.ContentPath == "" {
		return Config{}, fmt.Errorf("config: %s is required", KeyContentPath)
	}
	if cfg.UpstreamEndpoint == "" {
		return Config{}, fmt.Errorf("config: %s is required", KeyUpstreamEndpoint)
	}

	var err error
	if cfg.SourceProductIDs, err = parseUUIDList(m[KeySourceProductIDs]); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", KeySourceProductIDs, err)
	}
	if cfg.SourceClassificationIDs, err = parseUUIDList(m[KeySourceClassificationIDs]); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", KeySourceClassificationIDs, err)
	}

	if raw, ok := m[KeySyncInterval]; ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", KeySyncInterval, err)
		}
		cfg.SyncInterval = d
	}

	if raw, ok := m[KeyContentParallelism]; ok && raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", KeyContentParallelism, err)
		}
		cfg.ContentParallelism = n
	}

	cfg.ContentHTTPRoot = m[KeyContentHTTPRoot]

	return cfg, nil
}

func parseUUIDList(raw string) ([]uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]uuid.UUID, 0, len(parts))
	for _, p := range parts {
		id, err := uuid.Parse(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
