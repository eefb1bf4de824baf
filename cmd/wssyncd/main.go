package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/operator-framework/wssync/internal/config"
	"github.com/operator-framework/wssync/internal/logging"
	"github.com/operator-framework/wssync/internal/soapclient"
	"github.com/operator-framework/wssync/pkg/auth"
	"github.com/operator-framework/wssync/pkg/cartridge"
	"github.com/operator-framework/wssync/pkg/content"
	"github.com/operator-framework/wssync/pkg/filter"
	"github.com/operator-framework/wssync/pkg/metadata"
	"github.com/operator-framework/wssync/pkg/store"
	"github.com/operator-framework/wssync/pkg/sync"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "export" {
		if err := runExport(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := runDaemon(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// anchorState is the small piece of durable cursor state the daemon keeps
// between runs: the last-seen anchors for the category and update sync
// loops, so an incremental sync picks up where the previous run left off.
type anchorState struct {
	CategoryAnchor string `json:"categoryAnchor"`
	UpdateAnchor   string `json:"updateAnchor"`
}

func anchorStatePath(metadataPath string) string {
	return filepath.Join(metadataPath, "anchors.json")
}

func loadAnchorState(metadataPath string) anchorState {
	raw, err := os.ReadFile(anchorStatePath(metadataPath))
	if err != nil {
		return anchorState{}
	}
	var st anchorState
	if err := json.Unmarshal(raw, &st); err != nil {
		return anchorState{}
	}
	return st
}

func saveAnchorState(metadataPath string, st anchorState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(anchorStatePath(metadataPath), raw, 0o644)
}

func runDaemon(args []string) error {
	flags := pflag.NewFlagSet("wssyncd", pflag.ContinueOnError)
	metadataPath := flags.String(config.KeyMetadataPath, "", "Directory for the local metadata store.")
	contentPath := flags.String(config.KeyContentPath, "", "Directory for the local content store.")
	upstreamEndpoint := flags.String(config.KeyUpstreamEndpoint, "", "Upstream MS-WSUSSS SOAP endpoint to sync from.")
	sourceProductIDs := flags.String(config.KeySourceProductIDs, "", "Comma-separated product ids to request from GetUpdates.")
	sourceClassificationIDs := flags.String(config.KeySourceClassificationIDs, "", "Comma-separated classification ids to request from GetUpdates.")
	syncInterval := flags.Duration(config.KeySyncInterval, 0, "Interval between incremental syncs; 0 syncs once and exits.")
	contentParallelism := flags.Int(config.KeyContentParallelism, 0, "Concurrent content download workers; 0 keeps the store default.")
	dev := flags.Bool("dev", false, "Enable human-readable development logging.")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.FromMap(map[string]string{
		config.KeyMetadataPath:            *metadataPath,
		config.KeyContentPath:             *contentPath,
		config.KeyUpstreamEndpoint:        *upstreamEndpoint,
		config.KeySourceProductIDs:        *sourceProductIDs,
		config.KeySourceClassificationIDs: *sourceClassificationIDs,
		config.KeySyncInterval:            syncInterval.String(),
		config.KeyContentParallelism:      strconv.Itoa(*contentParallelism),
	})
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Options{Development: *dev})
	if err != nil {
		return err
	}
	log.Info("starting wssyncd", "metadataPath", cfg.MetadataPath, "contentPath", cfg.ContentPath)

	metaStore, err := store.OpenOrCreate(cfg.MetadataPath)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer metaStore.Close()

	contentStore := content.New(cfg.ContentPath, nil)
	if cfg.ContentParallelism > 0 {
		contentStore.SetParallelism(cfg.ContentParallelism)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := soapclient.New(cfg.UpstreamEndpoint, http.DefaultClient, log)
	authenticator := auth.New(transport)
	engine := sync.New(transport, authenticator, metaStore, log)

	progress := func(ev sync.ProgressEvent) {
		log.V(1).Info("sync progress", "kind", ev.Kind, "current", ev.Current, "total", ev.Total)
	}
	downloadProgress := func(ev content.ProgressEvent) {
		if ev.Done {
			log.V(1).Info("content downloaded", "file", ev.FileName, "bytes", ev.TotalBytes)
		}
	}

	sourceFilter := sync.SourceFilter{
		ProductIDs:        cfg.SourceProductIDs,
		ClassificationIDs: cfg.SourceClassificationIDs,
	}

	runOnce := func() error {
		state := loadAnchorState(cfg.MetadataPath)

		categories, newCategoryAnchor, err := engine.GetCategories(ctx, state.CategoryAnchor, progress, ctx.Done())
		if err != nil {
			return fmt.Errorf("GetCategories: %w", err)
		}
		log.Info("synced categories", "count", len(categories), "anchor", newCategoryAnchor)

		updates, newUpdateAnchor, err := engine.GetUpdates(ctx, sourceFilter, state.UpdateAnchor, progress, ctx.Done())
		if err != nil {
			return fmt.Errorf("GetUpdates: %w", err)
		}
		log.Info("synced updates", "count", len(updates), "anchor", newUpdateAnchor)

		if err := downloadContent(ctx, contentStore, updates, downloadProgress, ctx.Done()); err != nil {
			return fmt.Errorf("downloading content: %w", err)
		}

		return saveAnchorState(cfg.MetadataPath, anchorState{
			CategoryAnchor: newCategoryAnchor,
			UpdateAnchor:   newUpdateAnchor,
		})
	}

	if cfg.SyncInterval <= 0 {
		return runOnce()
	}

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()
	for {
		if err := runOnce(); err != nil {
			log.Error(err, "sync iteration failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func downloadContent(ctx context.Context, cs *content.Store, packages []metadata.Package, progress content.ProgressFunc, cancel <-chan struct{}) error {
	var files []metadata.File
	for _, pkg := range packages {
		files = append(files, pkg.Common().Files...)
	}
	if len(files) == 0 {
		return nil
	}
	return cs.Download(ctx, files, progress, cancel)
}

func runExport(args []string) error {
	flags := pflag.NewFlagSet("wssyncd export", pflag.ContinueOnError)
	metadataPath := flags.String(config.KeyMetadataPath, "", "Directory for the local metadata store.")
	contentPath := flags.String(config.KeyContentPath, "", "Directory for the local content store.")
	out := flags.String("out", "", "Output path for the cartridge file.")
	filterJSON := flags.String("filter-json", "{}", "JSON-encoded filter.MetadataFilter selecting what to export.")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*metadataPath) == "" || strings.TrimSpace(*contentPath) == "" || strings.TrimSpace(*out) == "" {
		return fmt.Errorf("export requires --%s, --%s and --out", config.KeyMetadataPath, config.KeyContentPath)
	}

	var f filter.MetadataFilter
	if err := json.Unmarshal([]byte(*filterJSON), &f); err != nil {
		return fmt.Errorf("parsing --filter-json: %w", err)
	}

	metaStore, err := store.Open(*metadataPath)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer metaStore.Close()
	contentStore := content.New(*contentPath, nil)

	outFile, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("creating %s: %w", *out, err)
	}
	defer outFile.Close()

	exporter := cartridge.New(metaStore, contentStore)
	if err := exporter.Export(outFile, f); err != nil {
		return fmt.Errorf("exporting cartridge: %w", err)
	}
	return nil
}
