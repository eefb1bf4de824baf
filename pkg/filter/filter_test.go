package filter

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operator-framework/wssync/pkg/metadata"
)

func mustParse(t *testing.T, xml string) metadata.Package {
	t.Helper()
	pkg, err := metadata.Parse([]byte(xml))
	require.NoError(t, err)
	return pkg
}

func updateXML(title, kb string) string {
	return fmt.Sprintf(`<Update>
  <UpdateIdentity UpdateID="%s" RevisionNumber="1"/>
  <Properties KBArticleID="%s"><Title>%s</Title></Properties>
</Update>`, uuid.New().String(), kb, title)
}

func driverUpdateXML(hardwareID, version string) string {
	return fmt.Sprintf(`<Update>
  <UpdateIdentity UpdateID="%s" RevisionNumber="1"/>
  <Properties><Title>Example Driver</Title></Properties>
  <DriverMetaData><HardwareID>%s</HardwareID><Version>%s</Version></DriverMetaData>
</Update>`, uuid.New().String(), hardwareID, version)
}

func TestFilterJSONRoundTrip(t *testing.T) {
	f := MetadataFilter{
		TitleFilter:     "Surface firmware",
		FirstX:          5,
		SkipSuperseded:  true,
		KBArticleFilter: "KB123",
	}
	raw, err := json.Marshal(f)
	require.NoError(t, err)

	var round MetadataFilter
	require.NoError(t, json.Unmarshal(raw, &round))
	assert.Equal(t, f, round)

	raw2, err := json.Marshal(round)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(raw2))
}

func TestTitleFilterRequiresAllTokensCaseInsensitive(t *testing.T) {
	packages := []metadata.Package{
		mustParse(t, updateXML("Surface Firmware Update", "")),
		mustParse(t, updateXML("Surface Firmware Driver", "")),
		mustParse(t, updateXML("Unrelated Update", "")),
	}

	f := MetadataFilter{TitleFilter: "Surface firmware"}
	got := Apply(f, packages)
	require.Len(t, got, 2)
	for _, pkg := range got {
		assert.Contains(t, pkg.Common().Title, "Surface")
	}
}

func TestFirstXCapsResultSet(t *testing.T) {
	var packages []metadata.Package
	for i := 0; i < 10; i++ {
		packages = append(packages, mustParse(t, updateXML("Surface firmware build", "")))
	}
	f := MetadataFilter{TitleFilter: "Surface firmware", FirstX: 5}
	got := Apply(f, packages)
	assert.LessOrEqual(t, len(got), 5)
}

func TestKBArticleFilterForcesSoftwareUpdateType(t *testing.T) {
	packages := []metadata.Package{
		mustParse(t, updateXML("Update A", "KB111")),
		mustParse(t, updateXML("Update B", "KB222")),
	}
	f := MetadataFilter{KBArticleFilter: "KB111"}
	got := Apply(f, packages)
	require.Len(t, got, 1)
	su, ok := got[0].(*metadata.SoftwareUpdate)
	require.True(t, ok)
	assert.Equal(t, "KB111", su.KBArticle)
}

func TestHardwareIDFilterMatchesCaseInsensitivelyAndIgnoresOtherHardware(t *testing.T) {
	packages := []metadata.Package{
		mustParse(t, driverUpdateXML(`PCI\VEN_1234`, "1.0.0")),
		mustParse(t, driverUpdateXML(`PCI\VEN_5678`, "1.0.0")),
		mustParse(t, updateXML("Not a driver", "KB1")),
	}
	got := Apply(MetadataFilter{HardwareIDFilter: `pci\ven_1234`}, packages)
	require.Len(t, got, 1)
	du, ok := got[0].(*metadata.DriverUpdate)
	require.True(t, ok)
	assert.Equal(t, `PCI\VEN_1234`, du.Drivers[0].HardwareID)
}

// TestAddingConstraintsNeverGrowsResultSet is the monotonicity property:
// narrowing a filter (adding a further constraint) never admits a package
// the looser filter excluded.
func TestAddingConstraintsNeverGrowsResultSet(t *testing.T) {
	packages := []metadata.Package{
		mustParse(t, updateXML("Surface Firmware Update", "KB1")),
		mustParse(t, updateXML("Surface Firmware Driver", "KB2")),
		mustParse(t, updateXML("Other Update", "KB1")),
	}

	loose := Apply(MetadataFilter{TitleFilter: "Surface"}, packages)
	strict := Apply(MetadataFilter{TitleFilter: "Surface", KBArticleFilter: "KB1"}, packages)

	assert.LessOrEqual(t, len(strict), len(loose))
	looseIDs := make(map[string]bool, len(loose))
	for _, pkg := range loose {
		looseIDs[pkg.Identity().String()] = true
	}
	for _, pkg := range strict {
		assert.True(t, looseIDs[pkg.Identity().String()], "strict result not present in loose result")
	}
}
