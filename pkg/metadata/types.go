// Package metadata parses MS-WSUSSS update XML fragments into typed
// records and exposes the polymorphic package variants the rest of
// wssync operates on.
package metadata

import (
	"time"

	"github.com/operator-framework/wssync/pkg/identity"
)

// Variant discriminates the package sum type: a tagged variant over a
// fixed set of concrete structs, no inheritance.
type Variant string

const (
	VariantClassification Variant = "Classification"
	VariantProduct        Variant = "Product"
	VariantDetectoid      Variant = "Detectoid"
	VariantSoftware       Variant = "Software"
	VariantDriver         Variant = "Driver"
)

// Package is implemented by every package variant. Cross-references
// (bundling, supersedence, categories) are identity values looked up
// through a store, never embedded pointers, so the object graph has no
// ownership cycles.
type Package interface {
	Identity() identity.ID
	Variant() Variant
	Common() *Common
}

// Common holds the fields shared by every package variant.
type Common struct {
	ID                 identity.ID
	Title              string
	Description        string
	CreationDate       time.Time
	Prerequisites      []Prerequisite
	Handler            *Handler
	Files              []File
	Categories         []identity.ID // derived by pkg/graph, not parsed
	ApplicabilityRules []ApplicabilityRule

	// Raw is the exact XML fragment Parse was given. Stores persist this
	// verbatim as the package's raw metadata blob rather than
	// re-serializing the typed record, so getRawMetadata returns bytes
	// identical to what the upstream server sent.
	Raw []byte
}

func (c *Common) Identity() identity.ID { return c.ID }

// ClassificationCategory, ProductCategory and DetectoidCategory are purely
// descriptive category packages; never a true update.
type ClassificationCategory struct{ Common }

func (p *ClassificationCategory) Variant() Variant { return VariantClassification }
func (p *ClassificationCategory) Common() *Common  { return &p.Common }

type ProductCategory struct{ Common }

func (p *ProductCategory) Variant() Variant { return VariantProduct }
func (p *ProductCategory) Common() *Common  { return &p.Common }

type DetectoidCategory struct{ Common }

func (p *DetectoidCategory) Variant() Variant { return VariantDetectoid }
func (p *DetectoidCategory) Common() *Common  { return &p.Common }

// SoftwareUpdate is a software update package: KB article, support URL,
// OS-upgrade flag, supersedence and bundling relations.
type SoftwareUpdate struct {
	Common
	KBArticle         string
	SupportURL        string
	IsOSUpgrade       bool
	SupersededUpdates []identity.ID // declared one-way; reverse edge lives in the store index
	BundledUpdates    []identity.ID // declared children; reverse edge (bundledWith) is derived
}

func (p *SoftwareUpdate) Variant() Variant { return VariantSoftware }
func (p *SoftwareUpdate) Common() *Common  { return &p.Common }

// DriverUpdate carries one or more driver metadata blocks.
type DriverUpdate struct {
	Common
	Drivers []DriverMetadata
}

func (p *DriverUpdate) Variant() Variant { return VariantDriver }
func (p *DriverUpdate) Common() *Common  { return &p.Common }

// IsCategory reports whether v denotes a category package (never a true
// update), per the glossary definition.
func (v Variant) IsCategory() bool {
	switch v {
	case VariantClassification, VariantProduct, VariantDetectoid:
		return true
	default:
		return false
	}
}
