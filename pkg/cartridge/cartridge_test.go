package cartridge

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operator-framework/wssync/pkg/content"
	"github.com/operator-framework/wssync/pkg/filter"
	"github.com/operator-framework/wssync/pkg/metadata"
	"github.com/operator-framework/wssync/pkg/store"
)

func leafXML(id uuid.UUID, fileURL, title, kb string) string {
	return fmt.Sprintf(`<Update>
  <UpdateIdentity UpdateID="%s" RevisionNumber="1"/>
  <Properties KBArticleID="%s"><Title>%s</Title></Properties>
  <Files><File FileName="payload.cab" Size="4" PatchingType="full"><FileDigest Algorithm="SHA256">Om6weQ85rIfJTzhWst0sXREOaBFgImGpqSPTuyOtyLc=</FileDigest><Urls><Url MUUrl="%s"/></Urls></File></Files>
</Update>`, id.String(), kb, title, fileURL)
}

func dependentXML(id, prereq uuid.UUID, title, kb string) string {
	return fmt.Sprintf(`<Update>
  <UpdateIdentity UpdateID="%s" RevisionNumber="1"/>
  <Properties KBArticleID="%s"><Title>%s</Title></Properties>
  <Prerequisites><UpdateIdentity UpdateID="%s" RevisionNumber="1"/></Prerequisites>
</Update>`, id.String(), kb, title, prereq.String())
}

func mustParse(t *testing.T, xml string) metadata.Package {
	t.Helper()
	pkg, err := metadata.Parse([]byte(xml))
	require.NoError(t, err)
	return pkg
}

// seedContent downloads f into cs from an in-process HTTP server, so the
// content store holds the bytes the real download path would have fetched.
func seedContent(t *testing.T, cs *content.Store, f metadata.File, body string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	f.URLs = []metadata.ContentURL{{MuURL: srv.URL + "/payload.cab"}}
	require.NoError(t, cs.Download(context.Background(), []metadata.File{f}, nil, nil))
}

func TestExportProducesClosedSetAcrossPrerequisites(t *testing.T) {
	s, err := store.OpenOrCreate(t.TempDir())
	require.NoError(t, err)

	leafID := uuid.New()
	depID := uuid.New()

	leaf := mustParse(t, leafXML(leafID, "https://mu.example.com/payload.cab", "Leaf Update", "KB1000"))
	dep := mustParse(t, dependentXML(depID, leafID, "Dependent Update", "KB2000"))

	s.Add(leaf)
	s.Add(dep)
	require.NoError(t, s.Commit())

	cs := content.New(t.TempDir(), nil)
	seedContent(t, cs, leaf.Common().Files[0], "data")

	exp := New(s, cs)

	var buf bytes.Buffer
	// Filter matches only the dependent; the leaf must still be pulled in
	// by the prerequisite closure.
	require.NoError(t, exp.Export(&buf, filter.MetadataFilter{KBArticleFilter: "KB2000"}))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	digest, err := leaf.Common().Files[0].PrimaryDigest().Canonical()
	require.NoError(t, err)

	assert.Contains(t, names, fmt.Sprintf("updates/%s_1.xml", leafID))
	assert.Contains(t, names, fmt.Sprintf("updates/%s_1.xml", depID))
	assert.Contains(t, names, "content/"+digest.Encoded())
	assert.Contains(t, names, "manifest.xml")
}

func TestExportFailsWhenContentIsMissing(t *testing.T) {
	s, err := store.OpenOrCreate(t.TempDir())
	require.NoError(t, err)

	leaf := mustParse(t, leafXML(uuid.New(), "https://mu.example.com/payload.cab", "Leaf Update", "KB1000"))
	s.Add(leaf)
	require.NoError(t, s.Commit())

	cs := content.New(t.TempDir(), nil)
	exp := New(s, cs)

	var buf bytes.Buffer
	err = exp.Export(&buf, filter.MetadataFilter{})
	require.Error(t, err)
}

func TestExportRejectsEmptyMatchSet(t *testing.T) {
	s, err := store.OpenOrCreate(t.TempDir())
	require.NoError(t, err)
	s.Add(mustParse(t, leafXML(uuid.New(), "https://mu.example.com/payload.cab", "Leaf Update", "KB1000")))
	require.NoError(t, s.Commit())

	cs := content.New(t.TempDir(), nil)
	exp := New(s, cs)

	var buf bytes.Buffer
	err = exp.Export(&buf, filter.MetadataFilter{KBArticleFilter: "KBNONE"})
	require.Error(t, err)
}
