package metadata

import "github.com/operator-framework/wssync/pkg/identity"

// Prerequisite is the sum type over Simple and AtLeastOne.
type Prerequisite interface {
	isPrerequisite()
}

// Simple requires that a single identity be installed/evaluated true.
type Simple struct {
	UUID identity.ID
}

func (Simple) isPrerequisite() {}

// AtLeastOne is a group disjunction: at least one of Simples must hold.
// When IsCategory is set the group encodes the update's (product,
// classification) membership rather than a true install-time
// prerequisite. IsCategory is a pointer so an explicit IsCategory="false"
// on the wire can be told apart from the attribute being absent
// altogether; nil means absent.
type AtLeastOne struct {
	Simples    []Simple
	IsCategory *bool
}

func (AtLeastOne) isPrerequisite() {}

// LooksLikeCategory applies the wire format's positional convention: a
// group whose last inner id is the empty UUID is treated as a category by
// convention. An explicit IsCategory attribute overrides that convention
// in either direction, true or false; only its absence falls through to
// the positional check.
func (a AtLeastOne) LooksLikeCategory() bool {
	if a.IsCategory != nil {
		return *a.IsCategory
	}
	if len(a.Simples) == 0 {
		return false
	}
	return a.Simples[len(a.Simples)-1].UUID.UUID == identity.Empty
}

// Flatten returns every Simple referenced by p: p itself if it is Simple,
// or every entry of the group if it is AtLeastOne.
func Flatten(p Prerequisite) []Simple {
	switch v := p.(type) {
	case Simple:
		return []Simple{v}
	case AtLeastOne:
		return v.Simples
	default:
		return nil
	}
}
