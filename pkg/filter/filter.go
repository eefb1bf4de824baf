// Package filter implements the declarative MetadataFilter applied over a
// metadata store, built on the same generic Predicate/And/Or/Not
// combinator shape used for catalog bundle filtering.
package filter

import (
	"strings"

	"github.com/google/uuid"

	"github.com/operator-framework/wssync/pkg/identity"
	"github.com/operator-framework/wssync/pkg/metadata"
)

// Predicate returns true if pkg should be kept.
type Predicate func(pkg metadata.Package) bool

// And is satisfied when every predicate is satisfied.
func And(predicates ...Predicate) Predicate {
	return func(pkg metadata.Package) bool {
		for _, p := range predicates {
			if !p(pkg) {
				return false
			}
		}
		return true
	}
}

// Or is satisfied when any predicate is satisfied.
func Or(predicates ...Predicate) Predicate {
	return func(pkg metadata.Package) bool {
		for _, p := range predicates {
			if p(pkg) {
				return true
			}
		}
		return false
	}
}

// Not negates predicate.
func Not(predicate Predicate) Predicate {
	return func(pkg metadata.Package) bool { return !predicate(pkg) }
}

// MetadataFilter is a declarative, JSON-serializable filter specification.
// A zero-value MetadataFilter matches everything.
type MetadataFilter struct {
	IDFilter                 []uuid.UUID `json:"idFilter,omitempty"`
	CategoryFilter           []uuid.UUID `json:"categoryFilter,omitempty"`
	TitleFilter              string      `json:"titleFilter,omitempty"`
	KBArticleFilter          string      `json:"kbArticleFilter,omitempty"`
	HardwareIDFilter         string      `json:"hardwareIdFilter,omitempty"`
	ComputerHardwareIDFilter string      `json:"computerHardwareIdFilter,omitempty"`
	SkipSuperseded           bool        `json:"skipSuperseded,omitempty"`
	FirstX                   int         `json:"firstX,omitempty"`
}

// Predicate compiles f into a single Predicate. Individual clauses are
// ordered by selectivity: type-narrowing and id predicates first, so
// expensive string/token matches run over the smallest candidate set.
func (f MetadataFilter) Predicate() Predicate {
	var clauses []Predicate

	if len(f.IDFilter) > 0 {
		set := toSet(f.IDFilter)
		clauses = append(clauses, func(pkg metadata.Package) bool {
			_, ok := set[pkg.Identity().UUID]
			return ok
		})
	}

	if f.KBArticleFilter != "" {
		clauses = append(clauses, func(pkg metadata.Package) bool {
			su, ok := pkg.(*metadata.SoftwareUpdate)
			return ok && su.KBArticle == f.KBArticleFilter
		})
	}

	if f.HardwareIDFilter != "" {
		want := f.HardwareIDFilter
		clauses = append(clauses, func(pkg metadata.Package) bool {
			du, ok := pkg.(*metadata.DriverUpdate)
			if !ok {
				return false
			}
			_, ok = metadata.BestDriverMatch(du.Drivers, want)
			return ok
		})
	}

	if f.ComputerHardwareIDFilter != "" {
		clauses = append(clauses, func(pkg metadata.Package) bool {
			du, ok := pkg.(*metadata.DriverUpdate)
			if !ok {
				return false
			}
			for _, d := range du.Drivers {
				for _, id := range d.DistributionComputerHardwareIDs {
					if strings.EqualFold(id, f.ComputerHardwareIDFilter) {
						return true
					}
				}
			}
			return false
		})
	}

	if len(f.CategoryFilter) > 0 {
		set := toSet(f.CategoryFilter)
		clauses = append(clauses, func(pkg metadata.Package) bool {
			for _, prereq := range pkg.Common().Prerequisites {
				group, ok := prereq.(metadata.AtLeastOne)
				if !ok {
					continue
				}
				for _, s := range group.Simples {
					if _, hit := set[s.UUID.UUID]; hit {
						return true
					}
				}
			}
			return false
		})
	}

	if f.TitleFilter != "" {
		tokens := strings.Fields(strings.ToLower(f.TitleFilter))
		clauses = append(clauses, func(pkg metadata.Package) bool {
			title := strings.ToLower(pkg.Common().Title)
			for _, tok := range tokens {
				if !strings.Contains(title, tok) {
					return false
				}
			}
			return true
		})
	}

	// SkipSuperseded needs the store's isSupersededBy index, which a pure
	// per-package predicate cannot see; it is applied by ApplyIndexed
	// instead of folded in here.

	return And(clauses...)
}

func toSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Apply runs f's compiled predicate over packages and returns the matches,
// honoring FirstX as a result-size cap (0 means unlimited).
func Apply(f MetadataFilter, packages []metadata.Package) []metadata.Package {
	predicate := f.Predicate()
	var out []metadata.Package
	for _, pkg := range packages {
		if !predicate(pkg) {
			continue
		}
		out = append(out, pkg)
		if f.FirstX > 0 && len(out) >= f.FirstX {
			break
		}
	}
	return out
}

// ApplyIndexed is identical to Apply but additionally consults
// isSupersededBy so SkipSuperseded can be evaluated without scanning the
// whole chain for supersedence edges per candidate.
func ApplyIndexed(f MetadataFilter, packages []metadata.Package, isSupersededBy func(identity.ID) bool) []metadata.Package {
	predicate := f.Predicate()
	var out []metadata.Package
	for _, pkg := range packages {
		if !predicate(pkg) {
			continue
		}
		if f.SkipSuperseded && isSupersededBy != nil && isSupersededBy(pkg.Identity()) {
			continue
		}
		out = append(out, pkg)
		if f.FirstX > 0 && len(out) >= f.FirstX {
			break
		}
	}
	return out
}
