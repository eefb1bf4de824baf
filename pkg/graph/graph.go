// Package graph derives the prerequisite DAG and category membership from
// parsed update metadata, in the style of a successor/predicate graph built
// over a flat, already-fetched metadata set.
package graph

import (
	"github.com/google/uuid"

	"github.com/operator-framework/wssync/pkg/identity"
	"github.com/operator-framework/wssync/pkg/metadata"
)

// Lookup resolves a package by identity; implementations are typically
// backed by a metadata store.
type Lookup interface {
	Get(id identity.ID) (metadata.Package, bool)
}

// Graph is the prerequisite DAG over a fixed set of packages. An edge from
// u to v means u requires v. Category AtLeastOne groups never contribute
// edges; they are resolved separately via ResolveCategories.
type Graph struct {
	lookup Lookup
	// requires[u] is the set of v such that u -> v.
	requires map[uuid.UUID]map[uuid.UUID]struct{}
	// requiredBy is the transpose of requires.
	requiredBy map[uuid.UUID]map[uuid.UUID]struct{}
	nodes      map[uuid.UUID]identity.ID
}

// Build walks every package's Prerequisites and constructs the DAG. Only
// non-category Simple entries and the Simples inside non-category
// AtLeastOne groups contribute edges; use ResolveCategories for category
// membership.
func Build(lookup Lookup, packages []metadata.Package) *Graph {
	g := &Graph{
		lookup:     lookup,
		requires:   make(map[uuid.UUID]map[uuid.UUID]struct{}),
		requiredBy: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		nodes:      make(map[uuid.UUID]identity.ID),
	}
	for _, pkg := range packages {
		id := pkg.Identity()
		g.nodes[id.UUID] = id
		for _, prereq := range pkg.Common().Prerequisites {
			if group, ok := prereq.(metadata.AtLeastOne); ok && group.LooksLikeCategory() {
				continue
			}
			for _, simple := range metadata.Flatten(prereq) {
				g.addEdge(id.UUID, simple.UUID.UUID)
			}
		}
	}
	return g
}

func (g *Graph) addEdge(from, to uuid.UUID) {
	if g.requires[from] == nil {
		g.requires[from] = make(map[uuid.UUID]struct{})
	}
	g.requires[from][to] = struct{}{}
	if g.requiredBy[to] == nil {
		g.requiredBy[to] = make(map[uuid.UUID]struct{})
	}
	g.requiredBy[to][from] = struct{}{}
}

// Roots returns the foundational packages: those with no prerequisites of
// their own.
func (g *Graph) Roots() []identity.ID {
	var out []identity.ID
	for u, id := range g.nodes {
		if len(g.requires[u]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Leaves returns packages nothing else requires: the top of the
// dependency chain.
func (g *Graph) Leaves() []identity.ID {
	var out []identity.ID
	for u, id := range g.nodes {
		if len(g.requiredBy[u]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Inner returns packages that both require something and are required by
// something.
func (g *Graph) Inner() []identity.ID {
	var out []identity.ID
	for u, id := range g.nodes {
		if len(g.requires[u]) > 0 && len(g.requiredBy[u]) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// Ancestors returns every package that transitively requires id.
func (g *Graph) Ancestors(id uuid.UUID) []identity.ID {
	return g.walk(id, g.requiredBy)
}

// Descendants returns every package transitively required by id.
func (g *Graph) Descendants(id uuid.UUID) []identity.ID {
	return g.walk(id, g.requires)
}

func (g *Graph) walk(start uuid.UUID, edges map[uuid.UUID]map[uuid.UUID]struct{}) []identity.ID {
	seen := map[uuid.UUID]struct{}{start: {}}
	queue := []uuid.UUID{start}
	var out []identity.ID
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for v := range edges[u] {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			if id, ok := g.nodes[v]; ok {
				out = append(out, id)
			}
			queue = append(queue, v)
		}
	}
	return out
}

// Installed is the set of identities considered present on the target
// machine, keyed by uuid with the highest installed revision.
type Installed map[uuid.UUID]int64

// Satisfies reports whether id is covered by the installed set: the same
// uuid present at a revision at least as high as id.Revision.
func (in Installed) Satisfies(id identity.ID) bool {
	rev, ok := in[id.UUID]
	return ok && rev >= id.Revision
}

// IsApplicable evaluates pkg's Prerequisites against installed: plain
// Simple entries and non-category AtLeastOne groups are conjoined; within
// an AtLeastOne group, satisfaction of any one Simple satisfies the group.
// Category groups never gate applicability.
func IsApplicable(pkg metadata.Package, installed Installed) bool {
	for _, prereq := range pkg.Common().Prerequisites {
		if group, ok := prereq.(metadata.AtLeastOne); ok && group.LooksLikeCategory() {
			continue
		}
		if !groupSatisfied(prereq, installed) {
			return false
		}
	}
	return true
}

func groupSatisfied(prereq metadata.Prerequisite, installed Installed) bool {
	simples := metadata.Flatten(prereq)
	if len(simples) == 0 {
		return true
	}
	switch prereq.(type) {
	case metadata.Simple:
		return installed.Satisfies(simples[0].UUID)
	default:
		for _, s := range simples {
			if installed.Satisfies(s.UUID) {
				return true
			}
		}
		return false
	}
}

// CategoryIdentifier reports whether id names a known category package
// (Classification, Product or Detectoid), typically backed by a metadata
// store's variant index.
type CategoryIdentifier func(id identity.ID) bool

// ResolveCategories returns the category identities pkg belongs to. Every
// AtLeastOne group is treated as a candidate category group regardless of
// its IsCategory flag or the positional empty-uuid convention: membership
// is decided by whether a referenced Simple actually resolves to a known
// category package, which is a strictly more reliable signal than the
// flag alone.
func ResolveCategories(pkg metadata.Package, isCategory CategoryIdentifier) []identity.ID {
	var out []identity.ID
	seen := make(map[uuid.UUID]struct{})
	for _, prereq := range pkg.Common().Prerequisites {
		group, ok := prereq.(metadata.AtLeastOne)
		if !ok {
			continue
		}
		for _, simple := range group.Simples {
			if _, dup := seen[simple.UUID.UUID]; dup {
				continue
			}
			if isCategory(simple.UUID) {
				seen[simple.UUID.UUID] = struct{}{}
				out = append(out, simple.UUID)
			}
		}
	}
	return out
}
