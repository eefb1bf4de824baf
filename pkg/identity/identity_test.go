package identity_test

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operator-framework/wssync/pkg/identity"
)

func mustID(t *testing.T, s string, rev int64) identity.ID {
	t.Helper()
	id, err := identity.New(uuid.MustParse(s), rev)
	require.NoError(t, err)
	return id
}

func TestOpenIDRoundTrip(t *testing.T) {
	id := mustID(t, "11111111-1111-1111-1111-111111111111", 7)
	parsed, err := identity.ParseOpenID(id.OpenID())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestOpenIDJSONRoundTrip(t *testing.T) {
	id := mustID(t, "11111111-1111-1111-1111-111111111111", 7)
	b, err := json.Marshal(id)
	require.NoError(t, err)

	var out identity.ID
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, id, out)
}

func TestCompareOrdersUUIDAscRevisionDesc(t *testing.T) {
	a := mustID(t, "11111111-1111-1111-1111-111111111111", 1)
	b := mustID(t, "11111111-1111-1111-1111-111111111111", 2)
	c := mustID(t, "22222222-2222-2222-2222-222222222222", 1)

	ids := []identity.ID{c, a, b}
	sort.Slice(ids, func(i, j int) bool { return identity.Compare(ids[i], ids[j]) < 0 })

	assert.Equal(t, []identity.ID{b, a, c}, ids, "same uuid sorts with highest revision first; lower uuid group sorts before higher")
}

func TestNewRejectsNegativeRevision(t *testing.T) {
	_, err := identity.New(uuid.New(), -1)
	assert.Error(t, err)
}

func TestParseOpenIDRejectsMalformed(t *testing.T) {
	_, err := identity.ParseOpenID("not-an-openid")
	assert.Error(t, err)
}
