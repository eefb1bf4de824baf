package content

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operator-framework/wssync/pkg/metadata"
)

func digestOf(data []byte) metadata.Digest {
	sum := sha256.Sum256(data)
	return metadata.Digest{Algorithm: "SHA256", Base64: base64.StdEncoding.EncodeToString(sum[:])}
}

func fileFor(server *httptest.Server, name string, data []byte) metadata.File {
	return metadata.File{
		FileName: name,
		Size:     int64(len(data)),
		Digests:  []metadata.Digest{digestOf(data)},
		URLs:     []metadata.ContentURL{{MuURL: server.URL + "/" + name}},
	}
}

func TestDownloadStoresContentUnderItsDigest(t *testing.T) {
	payload := []byte("driver package contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	s := New(t.TempDir(), srv.Client())
	file := fileFor(srv, "driver.bin", payload)

	err := s.Download(context.Background(), []metadata.File{file}, nil, nil)
	require.NoError(t, err)

	want, err := file.PrimaryDigest().Canonical()
	require.NoError(t, err)
	assert.True(t, s.Contains(want))

	rc, err := s.Get(want)
	require.NoError(t, err)
	defer rc.Close()
	var buf strings.Builder
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	assert.Equal(t, string(payload), buf.String())
}

func TestDownloadSkipsAlreadyPresentContent(t *testing.T) {
	payload := []byte("already have this")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(payload)
	}))
	defer srv.Close()

	s := New(t.TempDir(), srv.Client())
	file := fileFor(srv, "present.bin", payload)

	require.NoError(t, s.Download(context.Background(), []metadata.File{file}, nil, nil))
	require.EqualValues(t, 1, hits.Load())

	require.NoError(t, s.Download(context.Background(), []metadata.File{file}, nil, nil))
	assert.EqualValues(t, 1, hits.Load(), "second download should not refetch already-stored content")
}

func TestDownloadDetectsHashMismatchAndRetries(t *testing.T) {
	good := []byte("correct bytes")
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.Write([]byte("wrong bytes"))
			return
		}
		w.Write(good)
	}))
	defer srv.Close()

	s := New(t.TempDir(), srv.Client())
	file := fileFor(srv, "flaky.bin", good)

	err := s.Download(context.Background(), []metadata.File{file}, nil, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))

	want, err := file.PrimaryDigest().Canonical()
	require.NoError(t, err)
	assert.True(t, s.Contains(want))
}

func TestDownloadGivesUpAfterRepeatedMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("always wrong"))
	}))
	defer srv.Close()

	s := New(t.TempDir(), srv.Client())
	file := fileFor(srv, "bad.bin", []byte("expected content"))

	err := s.Download(context.Background(), []metadata.File{file}, nil, nil)
	require.Error(t, err)
}

func TestDownloadReportsProgress(t *testing.T) {
	payload := []byte(strings.Repeat("x", 4096))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	s := New(t.TempDir(), srv.Client())
	file := fileFor(srv, "progress.bin", payload)

	var events []ProgressEvent
	err := s.Download(context.Background(), []metadata.File{file}, func(ev ProgressEvent) {
		events = append(events, ev)
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.True(t, events[len(events)-1].Done)
}

func TestDownloadHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	s := New(t.TempDir(), srv.Client())
	var files []metadata.File
	for i := 0; i < 3; i++ {
		files = append(files, fileFor(srv, fmt.Sprintf("f%d.bin", i), []byte(fmt.Sprintf("data-%d", i))))
	}

	cancel := make(chan struct{})
	close(cancel)
	err := s.Download(context.Background(), files, nil, cancel)
	require.Error(t, err)
}
