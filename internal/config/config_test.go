package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMapRequiresStorePaths(t *testing.T) {
	_, err := FromMap(map[string]string{})
	require.Error(t, err)

	_, err = FromMap(map[string]string{KeyMetadataPath: "/meta"})
	require.Error(t, err)
}

func TestFromMapRequiresUpstreamEndpoint(t *testing.T) {
	_, err := FromMap(map[string]string{
		KeyMetadataPath: "/meta",
		KeyContentPath:  "/content",
	})
	require.Error(t, err)
}

func TestFromMapParsesOptionalFields(t *testing.T) {
	productID := uuid.New()
	classID := uuid.New()

	cfg, err := FromMap(map[string]string{
		KeyMetadataPath:            "/meta",
		KeyContentPath:             "/content",
		KeyUpstreamEndpoint:        "https://upstream.example.com/ServerSyncWebService/ServerSyncWebService.asmx",
		KeySourceProductIDs:        productID.String(),
		KeySourceClassificationIDs: fmt.Sprintf(" %s , %s", classID, classID),
		KeySyncInterval:            "15m",
		KeyContentParallelism:      "8",
		KeyContentHTTPRoot:         "/microsoftupdate/content",
	})
	require.NoError(t, err)

	assert.Equal(t, "/meta", cfg.MetadataPath)
	require.Len(t, cfg.SourceProductIDs, 1)
	assert.Equal(t, productID, cfg.SourceProductIDs[0])
	require.Len(t, cfg.SourceClassificationIDs, 2)
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 8, cfg.ContentParallelism)
	assert.Equal(t, "/microsoftupdate/content", cfg.ContentHTTPRoot)
}

func TestFromMapContentHTTPRootDefaultsEmpty(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		KeyMetadataPath:     "/meta",
		KeyContentPath:      "/content",
		KeyUpstreamEndpoint: "https://upstream.example.com/svc",
	})
	require.NoError(t, err)
	assert.Empty(t, cfg.ContentHTTPRoot)
}

func TestFromMapRejectsMalformedUUIDList(t *testing.T) {
	_, err := FromMap(map[string]string{
		KeyMetadataPath:     "/meta",
		KeyContentPath:      "/content",
		KeyUpstreamEndpoint: "https://upstream.example.com/svc",
		KeySourceProductIDs: "not-a-uuid",
	})
	require.Error(t, err)
}

func TestFromMapRejectsMalformedDuration(t *testing.T) {
	_, err := FromMap(map[string]string{
		KeyMetadataPath:     "/meta",
		KeyContentPath:      "/content",
		KeyUpstreamEndpoint: "https://upstream.example.com/svc",
		KeySyncInterval:     "not-a-duration",
	})
	require.Error(t, err)
}
