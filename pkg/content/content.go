// Package content implements the digest-addressed content store: files are
// named by their primary digest, downloaded through a bounded worker pool
// with resumable byte ranges, and verified by hashing the finished staged
// file before it is renamed into place; the hash is not computed while the
// bytes are being written.
package content

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/operator-framework/wssync/internal/wssyncerrs"
	"github.com/operator-framework/wssync/pkg/metadata"
)

// DefaultParallelism is the default number of concurrent downloads.
const DefaultParallelism = 4

// maxHashMismatchRetries bounds how many times a single file is re-fetched
// from zero after a digest mismatch before giving up.
const maxHashMismatchRetries = 3

// ProgressEvent reports incremental download progress for one file.
type ProgressEvent struct {
	Digest       digest.Digest
	FileName     string
	BytesWritten int64
	TotalBytes   int64
	Done         bool
}

// ProgressFunc receives ProgressEvent notifications; nil is a valid no-op.
type ProgressFunc func(ProgressEvent)

// Store is a digest-addressed store of downloaded content files, rooted at
// a single directory.
type Store struct {
	dir         string
	httpClient  *http.Client
	parallelism int

	queuedSize     atomic.Int64
	downloadedSize atomic.Int64
	queuedCount    atomic.Int64

	queuedSizeGauge     prometheus.Gauge
	downloadedSizeTotal prometheus.Counter
	queuedCountGauge    prometheus.Gauge
}

// New returns a Store rooted at dir, using httpClient for downloads (or
// http.DefaultClient if nil) with DefaultParallelism concurrent workers.
func New(dir string, httpClient *http.Client) *Store {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	s := &Store{dir: dir, httpClient: httpClient, parallelism: DefaultParallelism}
	s.queuedSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wssync", Subsystem: "content", Name: "queued_bytes",
		Help: "Total bytes queued for download.",
	})
	s.downloadedSizeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wssync", Subsystem: "content", Name: "downloaded_bytes_total",
		Help: "Total bytes successfully downloaded and verified.",
	})
	s.queuedCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wssync", Subsystem: "content", Name: "queued_files",
		Help: "Number of files currently queued for download.",
	})
	return s
}

// SetParallelism overrides the worker pool size; must be called before the
// first Download.
func (s *Store) SetParallelism(n int) {
	if n > 0 {
		s.parallelism = n
	}
}

// Collectors returns s's prometheus collectors for registration.
func (s *Store) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.queuedSizeGauge, s.downloadedSizeTotal, s.queuedCountGauge}
}

func (s *Store) path(d digest.Digest) string {
	return filepath.Join(s.dir, string(d.Algorithm()), d.Encoded())
}

func (s *Store) stagingPath(d digest.Digest) string {
	return filepath.Join(s.dir, ".staging-"+d.Encoded())
}

// Contains reports whether d is already present and fully downloaded.
func (s *Store) Contains(d digest.Digest) bool {
	info, err := os.Stat(s.path(d))
	return err == nil && info.Mode().IsRegular()
}

// Get opens the stored content for d. Callers must Close the result.
func (s *Store) Get(d digest.Digest) (io.ReadCloser, error) {
	return os.Open(s.path(d))
}

// QueuedSize, DownloadedSize and QueuedCount are the live counters backing
// the prometheus collectors, usable directly by callers that don't scrape.
func (s *Store) QueuedSize() int64     { return s.queuedSize.Load() }
func (s *Store) DownloadedSize() int64 { return s.downloadedSize.Load() }
func (s *Store) QueuedCount() int64    { return s.queuedCount.Load() }

// Download fetches every file in files not already Contains-ed, using a
// bounded worker pool. Cancellation is observed both via ctx and cancel.
func (s *Store) Download(ctx context.Context, files []metadata.File, progress ProgressFunc, cancel <-chan struct{}) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	type job struct {
		file   metadata.File
		digest digest.Digest
	}
	var jobs []job
	for _, f := range files {
		d, err := f.PrimaryDigest().Canonical()
		if err != nil {
			return fmt.Errorf("content: %s has no usable digest: %w", f.FileName, err)
		}
		if s.Contains(d) {
			continue
		}
		jobs = append(jobs, job{file: f, digest: d})
		s.queuedSize.Add(f.Size)
		s.queuedCount.Add(1)
		s.queuedSizeGauge.Add(float64(f.Size))
		s.queuedCountGauge.Inc()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.parallelism)
	for _, j := range jobs {
		j := j
		eg.Go(func() error {
			select {
			case <-cancel:
				return &wssyncerrs.Cancelled{Operation: "download"}
			default:
			}
			err := s.downloadOne(egCtx, j.file, j.digest, progress)
			s.queuedSize.Add(-j.file.Size)
			s.queuedCount.Add(-1)
			s.queuedSizeGauge.Add(-float64(j.file.Size))
			s.queuedCountGauge.Dec()
			return err
		})
	}
	return eg.Wait()
}

func (s *Store) downloadOne(ctx context.Context, file metadata.File, want digest.Digest, progress ProgressFunc) error {
	var lastErr error
	for attempt := 0; attempt <= maxHashMismatchRetries; attempt++ {
		staging := s.stagingPath(want)
		n, err := s.fetchToStaging(ctx, file, staging, progress)
		if err != nil {
			lastErr = err
			continue
		}
		got, err := digestFile(staging, want.Algorithm())
		if err != nil {
			os.Remove(staging)
			lastErr = err
			continue
		}
		if got != want {
			os.Remove(staging)
			lastErr = &wssyncerrs.ContentCorrupt{Digest: file.FileName, Expected: want.String(), Actual: got.String()}
			continue
		}
		final := s.path(want)
		if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
			return err
		}
		if err := os.Rename(staging, final); err != nil {
			return err
		}
		s.downloadedSize.Add(n)
		s.downloadedSizeTotal.Add(float64(n))
		if progress != nil {
			progress(ProgressEvent{Digest: want, FileName: file.FileName, BytesWritten: n, TotalBytes: file.Size, Done: true})
		}
		return nil
	}
	return lastErr
}

// fetchToStaging downloads file into staging, resuming from staging's
// current size via a byte-range request when the server honors it, and
// restarting from zero otherwise.
func (s *Store) fetchToStaging(ctx context.Context, file metadata.File, staging string, progress ProgressFunc) (int64, error) {
	url := firstURL(file)
	if url == "" {
		return 0, fmt.Errorf("content: %s has no content URL", file.FileName)
	}

	var offset int64
	if info, err := os.Stat(staging); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, &wssyncerrs.EndpointNotFound{Endpoint: url, Cause: err}
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, &wssyncerrs.UpstreamServerError{Code: fmt.Sprintf("http-%d", resp.StatusCode), Fault: url}
	}

	out, err := os.OpenFile(staging, flags, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	written, err := io.Copy(out, countingReader{r: resp.Body, fileName: file.FileName, base: offset, total: file.Size, progress: progress})
	if err != nil {
		return 0, err
	}
	return offset + written, nil
}

type countingReader struct {
	r        io.Reader
	fileName string
	base     int64
	total    int64
	progress ProgressFunc
	read     int64
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.progress != nil {
		c.progress(ProgressEvent{FileName: c.fileName, BytesWritten: c.base + int64(n), TotalBytes: c.total})
	}
	return n, err
}

func firstURL(file metadata.File) string {
	for _, u := range file.URLs {
		if u.MuURL != "" {
			return u.MuURL
		}
		if u.UssURL != "" {
			return u.UssURL
		}
	}
	return ""
}

func digestFile(path string, alg digest.Algorithm) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var h hash.Hash
	switch strings.ToLower(string(alg)) {
	case "sha256":
		h = sha256.New()
	default:
		h = alg.Hash().New()
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return digest.NewDigest(alg, h), nil
}
