// Package cartridge writes cabinet-compatible export bundles: a root
// manifest, one raw metadata blob per exported update, and the content
// files those updates reference, consumable by WsusUtil.exe import. The
// physical container is a zip archive rather than a true Microsoft
// Cabinet; see DESIGN.md for why.
package cartridge

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"

	"github.com/operator-framework/wssync/pkg/content"
	"github.com/operator-framework/wssync/pkg/filter"
	"github.com/operator-framework/wssync/pkg/graph"
	"github.com/operator-framework/wssync/pkg/identity"
	"github.com/operator-framework/wssync/pkg/metadata"
	"github.com/operator-framework/wssync/pkg/store"
)

// containerFormat is recorded in the manifest so the divergence from a
// true .cab is documented in the artifact itself, not just in source.
const containerFormat = "zip (flate); not a Microsoft Cabinet container"

type manifestEntry struct {
	UUID     string `xml:"uuid,attr"`
	Revision int64  `xml:"revision,attr"`
	Variant  string `xml:"variant,attr"`
}

type manifestXML struct {
	XMLName         xml.Name        `xml:"CartridgeManifest"`
	ContainerFormat string          `xml:"containerFormat,attr"`
	Updates         []manifestEntry `xml:"Updates>Update"`
}

// Exporter writes export bundles sourced from a metadata store and a
// content store.
type Exporter struct {
	Metadata *store.Store
	Content  *content.Store
}

// New returns an Exporter reading from metaStore and contentStore.
func New(metaStore *store.Store, contentStore *content.Store) *Exporter {
	return &Exporter{Metadata: metaStore, Content: contentStore}
}

// Export writes a closed-set bundle to w: every package matching f, plus
// every package it transitively requires, every category it belongs to,
// and every update it bundles or supersedes — so no package in the export
// references an id outside the export.
func (e *Exporter) Export(w io.Writer, f filter.MetadataFilter) error {
	all, err := e.Metadata.Iter()
	if err != nil {
		return fmt.Errorf("cartridge: listing store contents: %w", err)
	}

	matched := filter.Apply(f, all)
	if len(matched) == 0 {
		return fmt.Errorf("cartridge: filter matched no packages")
	}

	closed := closure(e.Metadata, all, matched)

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	manifest := manifestXML{ContainerFormat: containerFormat}
	seenFiles := make(map[string]bool)

	for _, pkg := range closed {
		id := pkg.Identity()
		manifest.Updates = append(manifest.Updates, manifestEntry{
			UUID: id.UUID.String(), Revision: id.Revision, Variant: string(pkg.Variant()),
		})

		entry, err := zw.Create(fmt.Sprintf("updates/%s_%d.xml", id.UUID, id.Revision))
		if err != nil {
			return err
		}
		if _, err := entry.Write(pkg.Common().Raw); err != nil {
			return err
		}

		if err := e.writeFiles(zw, pkg, seenFiles); err != nil {
			return err
		}
	}

	manifestEntryWriter, err := zw.Create("manifest.xml")
	if err != nil {
		return err
	}
	body, err := xml.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if _, err := manifestEntryWriter.Write(body); err != nil {
		return err
	}

	return zw.Close()
}

func (e *Exporter) writeFiles(zw *zip.Writer, pkg metadata.Package, seen map[string]bool) error {
	for _, file := range pkg.Common().Files {
		digest, err := file.PrimaryDigest().Canonical()
		if err != nil {
			return fmt.Errorf("cartridge: %s: %w", file.FileName, err)
		}
		key := digest.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		if e.Content == nil || !e.Content.Contains(digest) {
			return fmt.Errorf("cartridge: content for %s (%s) is not present in the content store", file.FileName, digest)
		}
		rc, err := e.Content.Get(digest)
		if err != nil {
			return err
		}
		contentEntry, err := zw.Create("content/" + digest.Encoded())
		if err != nil {
			rc.Close()
			return err
		}
		if _, err := io.Copy(contentEntry, rc); err != nil {
			rc.Close()
			return err
		}
		rc.Close()
	}
	return nil
}

// closure expands matched to a self-contained set: every package it
// transitively requires (via the prerequisite graph), every category it
// belongs to, and every update it bundles or supersedes. References to ids
// absent from the store entirely are left unresolved — the export cannot
// manufacture content it was never given — but everything the store does
// hold for a referenced id is included.
func closure(lookup graph.Lookup, all, matched []metadata.Package) []metadata.Package {
	g := graph.Build(lookup, all)
	byUUID := make(map[uuid.UUID]metadata.Package, len(all))
	for _, pkg := range all {
		byUUID[pkg.Identity().UUID] = pkg
	}

	included := make(map[uuid.UUID]metadata.Package, len(matched))
	var queue []uuid.UUID
	for _, pkg := range matched {
		u := pkg.Identity().UUID
		if _, ok := included[u]; !ok {
			included[u] = pkg
			queue = append(queue, u)
		}
	}

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		pkg, ok := byUUID[u]
		if !ok {
			continue
		}

		var refs []identity.ID
		refs = append(refs, g.Descendants(u)...)
		refs = append(refs, pkg.Common().Categories...)
		if su, ok := pkg.(*metadata.SoftwareUpdate); ok {
			refs = append(refs, su.BundledUpdates...)
			refs = append(refs, su.SupersededUpdates...)
		}

		for _, ref := range refs {
			if _, ok := included[ref.UUID]; ok {
				continue
			}
			refPkg, ok := byUUID[ref.UUID]
			if !ok {
				continue
			}
			included[ref.UUID] = refPkg
			queue = append(queue, ref.UUID)
		}
	}

	out := make([]metadata.Package, 0, len(included))
	for _, pkg := range included {
		out = append(out, pkg)
	}
	sort.Slice(out, func(i, j int) bool {
		return identity.Compare(out[i].Identity(), out[j].Identity()) < 0
	})
	return out
}
