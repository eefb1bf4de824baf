package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operator-framework/wssync/internal/soapclient"
	"github.com/operator-framework/wssync/internal/wssyncerrs"
	"github.com/operator-framework/wssync/pkg/auth"
	"github.com/operator-framework/wssync/pkg/identity"
	"github.com/operator-framework/wssync/pkg/metadata"
)

func soapOK(body string) string {
	return `<Envelope xmlns="http://www.w3.org/2003/05/soap-envelope"><Body>` + body + `</Body></Envelope>`
}

// fakeSink is a minimal in-memory Sink, enough to exercise the engine
// without pulling in pkg/store.
type fakeSink struct {
	committed []metadata.Package
	pending   []metadata.Package
}

func (f *fakeSink) AddMany(pkgs []metadata.Package) { f.pending = append(f.pending, pkgs...) }

func (f *fakeSink) Commit() error {
	f.committed = append(f.committed, f.pending...)
	f.pending = nil
	return nil
}

func (f *fakeSink) Get(id identity.ID) (metadata.Package, bool) {
	for _, pkg := range f.committed {
		if pkg.Identity() == id {
			return pkg, true
		}
	}
	return nil, false
}

func newTestEngine(t *testing.T, sink Sink, handler http.HandlerFunc) *Engine {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("SOAPAction") {
		case "GetAuthConfig":
			_, _ = w.Write([]byte(soapOK(`<GetAuthConfigResponse><AuthPlugInConfig><AuthPlugInInfo><ServiceUrl></ServiceUrl><Id>plugin-1</Id></AuthPlugInInfo></AuthPlugInConfig></GetAuthConfigResponse>`)))
		case "GetAuthorizationCookie":
			_, _ = w.Write([]byte(soapOK(`<GetAuthorizationCookieResponse><AuthorizationCookie><CookieData>authcookie</CookieData></AuthorizationCookie></GetAuthorizationCookieResponse>`)))
		case "GetCookie":
			_, _ = w.Write([]byte(soapOK(`<GetCookieResponse><Cookie><CookieData>accesscookie</CookieData><Expiration>2030-01-01T00:00:00Z</Expiration></Cookie></GetCookieResponse>`)))
		default:
			handler(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	transport := soapclient.New(srv.URL, srv.Client(), logr.Discard())
	authenticator := auth.New(transport)
	return New(transport, authenticator, sink, logr.Discard())
}

func updateXML(id uuid.UUID, title string) string {
	return fmt.Sprintf(`<Update><UpdateIdentity UpdateID="%s" RevisionNumber="1"/><Properties><Title>%s</Title></Properties></Update>`, id.String(), title)
}

func TestGetCategoriesIngestsAndReturnsAnchor(t *testing.T) {
	u1, u2 := uuid.New(), uuid.New()
	sink := &fakeSink{}

	e := newTestEngine(t, sink, func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("SOAPAction") {
		case "GetConfigData":
			_, _ = w.Write([]byte(soapOK(`<GetConfigDataResponse><GetConfigDataResult><ServerSyncConfigData><MaxNumberOfUpdatesPerRequest>10</MaxNumberOfUpdatesPerRequest></ServerSyncConfigData></GetConfigDataResult></GetConfigDataResponse>`)))
		case "GetRevisionIdList":
			_, _ = w.Write([]byte(soapOK(fmt.Sprintf(`<GetRevisionIdListResponse><GetRevisionIdListResult><Anchor>anchor-2</Anchor><NewUpdates><UpdateIdentity UpdateID="%s" RevisionNumber="1"/><UpdateIdentity UpdateID="%s" RevisionNumber="1"/></NewUpdates></GetRevisionIdListResult></GetRevisionIdListResponse>`, u1, u2))))
		case "GetUpdateData":
			_, _ = w.Write([]byte(soapOK(fmt.Sprintf(`<GetUpdateDataResponse><GetUpdateDataResult><updates><XmlUpdateBlob>%s</XmlUpdateBlob><XmlUpdateBlob>%s</XmlUpdateBlob></updates></GetUpdateDataResult></GetUpdateDataResponse>`, updateXML(u1, "Cat One"), updateXML(u2, "Cat Two")))))
		default:
			t.Fatalf("unexpected SOAPAction %q", r.Header.Get("SOAPAction"))
		}
	})

	packages, anchor, err := e.GetCategories(context.Background(), "anchor-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "anchor-2", anchor)
	require.Len(t, packages, 2)
	assert.Len(t, sink.committed, 2)
}

func TestGetUpdatesFetchesExtendedFileInfo(t *testing.T) {
	u1 := uuid.New()
	sink := &fakeSink{}

	e := newTestEngine(t, sink, func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("SOAPAction") {
		case "GetConfigData":
			_, _ = w.Write([]byte(soapOK(`<GetConfigDataResponse><GetConfigDataResult><ServerSyncConfigData><MaxNumberOfUpdatesPerRequest>10</MaxNumberOfUpdatesPerRequest></ServerSyncConfigData></GetConfigDataResult></GetConfigDataResponse>`)))
		case "GetRevisionIdList":
			_, _ = w.Write([]byte(soapOK(fmt.Sprintf(`<GetRevisionIdListResponse><GetRevisionIdListResult><Anchor>anchor-2</Anchor><NewUpdates><UpdateIdentity UpdateID="%s" RevisionNumber="1"/></NewUpdates></GetRevisionIdListResult></GetRevisionIdListResponse>`, u1))))
		case "GetUpdateData":
			_, _ = w.Write([]byte(soapOK(fmt.Sprintf(`<GetUpdateDataResponse><GetUpdateDataResult><updates><XmlUpdateBlob>%s</XmlUpdateBlob></updates></GetUpdateDataResult></GetUpdateDataResponse>`, updateXML(u1, "Driver One")))))
		case "GetExtendedUpdateInfo":
			_, _ = w.Write([]byte(soapOK(fmt.Sprintf(`<GetExtendedUpdateInfoResponse><GetExtendedUpdateInfoResult><updates><XmlUpdateFragment UpdateID="%s"><Files><File FileName="a.cab" Size="10" PatchingType="full"><FileDigest Algorithm="SHA256">AAAA</FileDigest></File></Files></XmlUpdateFragment></updates></GetExtendedUpdateInfoResult></GetExtendedUpdateInfoResponse>`, u1))))
		default:
			t.Fatalf("unexpected SOAPAction %q", r.Header.Get("SOAPAction"))
		}
	})

	packages, _, err := e.GetUpdates(context.Background(), SourceFilter{ProductIDs: []uuid.UUID{uuid.New()}}, "anchor-1", nil, nil)
	require.NoError(t, err)
	require.Len(t, packages, 1)
	require.Len(t, packages[0].Common().Files, 1)
	assert.Equal(t, "a.cab", packages[0].Common().Files[0].FileName)
}

func TestRunReturnsEndpointNotFoundOnBadURL(t *testing.T) {
	sink := &fakeSink{}

	// Connecting to port 1 on localhost is refused immediately; a
	// zero-wait backoff with one retry keeps the test from spinning through the
	// transport's normal 1s..30s retry schedule.
	transport := soapclient.New("http://127.0.0.1:1", nil, logr.Discard())
	transport.NewBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 1)
	}
	e := New(transport, auth.New(transport), sink, logr.Discard())

	_, _, err := e.GetCategories(context.Background(), "", nil, nil)
	require.Error(t, err)
	var enf *wssyncerrs.EndpointNotFound
	require.ErrorAs(t, err, &enf)
}

func TestGetCategoriesHonorsCancellationBetweenBatches(t *testing.T) {
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()
	sink := &fakeSink{}

	e := newTestEngine(t, sink, func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("SOAPAction") {
		case "GetConfigData":
			_, _ = w.Write([]byte(soapOK(`<GetConfigDataResponse><GetConfigDataResult><ServerSyncConfigData><MaxNumberOfUpdatesPerRequest>1</MaxNumberOfUpdatesPerRequest></ServerSyncConfigData></GetConfigDataResult></GetConfigDataResponse>`)))
		case "GetRevisionIdList":
			_, _ = w.Write([]byte(soapOK(fmt.Sprintf(`<GetRevisionIdListResponse><GetRevisionIdListResult><Anchor>anchor-2</Anchor><NewUpdates><UpdateIdentity UpdateID="%s" RevisionNumber="1"/><UpdateIdentity UpdateID="%s" RevisionNumber="1"/><UpdateIdentity UpdateID="%s" RevisionNumber="1"/></NewUpdates></GetRevisionIdListResult></GetRevisionIdListResponse>`, u1, u2, u3))))
		case "GetUpdateData":
			_, _ = w.Write([]byte(soapOK(fmt.Sprintf(`<GetUpdateDataResponse><GetUpdateDataResult><updates><XmlUpdateBlob>%s</XmlUpdateBlob></updates></GetUpdateDataResult></GetUpdateDataResponse>`, updateXML(u1, "First")))))
		default:
			t.Fatalf("unexpected SOAPAction %q", r.Header.Get("SOAPAction"))
		}
	})

	cancel := make(chan struct{})
	close(cancel)
	_, _, err := e.GetCategories(context.Background(), "anchor-1", nil, cancel)
	require.Error(t, err)
	var c *wssyncerrs.Cancelled
	require.ErrorAs(t, err, &c)
	assert.Empty(t, sink.committed, "cancellation before the first batch must leave the sink untouched")
}
