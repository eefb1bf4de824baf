package metadata

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"
)

// HandlerType enumerates the supported HandlerSpecificData xsi:type
// values. The set is closed: UnknownHandlerType is fatal at parse time so
// unsupported updates are never silently mishandled.
type HandlerType string

const (
	HandlerCommandLineInstallation HandlerType = "CommandLineInstallation"
	HandlerCbs                     HandlerType = "Cbs"
	HandlerCategory                HandlerType = "Category"
	HandlerWindowsInstallerApp     HandlerType = "WindowsInstallerApp"
	HandlerWindowsInstaller        HandlerType = "WindowsInstaller"
	HandlerOSInstallerMetadata     HandlerType = "OSInstallerMetadata"
	HandlerWindowsPatch            HandlerType = "WindowsPatch"
	// HandlerWindowsSetup backs wsi:WindowsSetup. The upstream source
	// stores HandlerType = WindowsPatch for this xsi:type, which reads as
	// a copy-paste bug; wssync uses the distinct value the xsi:type name
	// actually implies.
	HandlerWindowsSetup HandlerType = "WindowsSetup"
)

// xsiTypeHandlers maps the HandlerSpecificData/@xsi:type local-name form
// (prefix stripped) to the HandlerType it parses to. Dynamic dispatch by
// xsi:type is implemented as this static registry rather than reflection
// or an open plugin mechanism, keeping the variant set closed.
var xsiTypeHandlers = map[string]HandlerType{
	"CommandLineInstallation": HandlerCommandLineInstallation,
	"Cbs":                     HandlerCbs,
	"Category":                HandlerCategory,
	"WindowsInstallerApp":     HandlerWindowsInstallerApp,
	"WindowsInstaller":        HandlerWindowsInstaller,
	"OSInstallerMetadata":     HandlerOSInstallerMetadata,
	"WindowsPatch":            HandlerWindowsPatch,
	"WindowsSetup":            HandlerWindowsSetup,
}

// Handler carries the discriminated HandlerSpecificData payload. Raw
// holds the opaque sub-tree exactly as received; wssync neither evaluates
// nor normalizes it beyond indexing referenced update IDs where present.
type Handler struct {
	Type HandlerType
	Raw  []byte
}

// ApplicabilityRule is an opaque applicability sub-tree (IsInstalled,
// IsInstallable, or one of the handler-specific metadata rules). wssync
// indexes the kind and any referenced update IDs but does not evaluate
// the rule.
type ApplicabilityRule struct {
	Kind          string
	Raw           []byte
	ReferencedIDs []string // update IDs named inside the rule, if any
}

// DriverMetadata is one DriverMetaData block. HardwareID is mandatory;
// every other field is optional.
type DriverMetadata struct {
	HardwareID                      string
	FeatureScores                   map[string]int
	TargetComputerHardwareIDs       []string
	DistributionComputerHardwareIDs []string
	Version                         string
	Date                            string
}

// ParsedVersion normalizes Version into a semver.Version so driver
// blocks for the same hardware ID can be ordered. Driver versions use
// Windows' four-part dotted form (major.minor.build.revision) rather
// than strict semver; the first three numeric components become
// major/minor/patch and any remaining components are folded into build
// metadata so two releases differing only past the third component
// still compare distinctly via String(), even though Compare() ignores
// build metadata per semver's own ordering rules.
func (d DriverMetadata) ParsedVersion() (semver.Version, error) {
	parts := strings.Split(d.Version, ".")
	if len(parts) < 3 {
		return semver.Version{}, fmt.Errorf("metadata: driver version %q has fewer than 3 components", d.Version)
	}
	v, err := semver.Parse(strings.Join(parts[:3], "."))
	if err != nil {
		return semver.Version{}, fmt.Errorf("metadata: parsing driver version %q: %w", d.Version, err)
	}
	if len(parts) > 3 {
		v.Build = parts[3:]
	}
	return v, nil
}

// BestDriverMatch returns the driver block among drivers whose
// HardwareID case-insensitively equals hardwareID with the highest
// parsed Version, preferring it over any with an unparsable or missing
// version. Versions equal under Compare are ordered by their remaining
// numeric components (the fourth part onward). It reports false if no
// block matches hardwareID at all.
func BestDriverMatch(drivers []DriverMetadata, hardwareID string) (DriverMetadata, bool) {
	want := strings.ToLower(hardwareID)
	var (
		best    DriverMetadata
		bestVer semver.Version
		found   bool
	)
	for _, d := range drivers {
		if strings.ToLower(d.HardwareID) != want {
			continue
		}
		if !found {
			best, found = d, true
			bestVer, _ = d.ParsedVersion()
			continue
		}
		ver, err := d.ParsedVersion()
		if err != nil {
			continue
		}
		c := ver.Compare(bestVer)
		for i := 0; c == 0 && i < len(ver.Build) && i < len(bestVer.Build); i++ {
			a, errA := strconv.ParseUint(ver.Build[i], 10, 64)
			b, errB := strconv.ParseUint(bestVer.Build[i], 10, 64)
			if errA != nil || errB != nil {
				break
			}
			c = cmp.Compare(a, b)
		}
		if c > 0 {
			best, bestVer = d, ver
		}
	}
	return best, found
}
