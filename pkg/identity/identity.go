// Package identity implements the stable package identity used throughout
// wssync: a (uuid, revision) pair with a total order and a compact wire form.
package identity

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ID identifies a single revision of a package. uuid is stable across
// revisions of the same logical update; revision is a monotonically
// increasing integer advertised by the source.
type ID struct {
	UUID     uuid.UUID
	Revision int64
}

// New returns an ID, validating that revision is non-negative.
func New(id uuid.UUID, revision int64) (ID, error) {
	if revision < 0 {
		return ID{}, fmt.Errorf("identity: revision %d must be non-negative", revision)
	}
	return ID{UUID: id, Revision: revision}, nil
}

// Empty is the zero-value UUID used by the positional AtLeastOne/category
// convention.
var Empty uuid.UUID

// OpenID returns the compact wire handle "uuid|revision".
func (id ID) OpenID() string {
	return id.UUID.String() + "|" + strconv.FormatInt(id.Revision, 10)
}

func (id ID) String() string {
	return id.OpenID()
}

// ParseOpenID parses the "uuid|revision" wire handle produced by OpenID.
func ParseOpenID(s string) (ID, error) {
	uuidPart, revPart, ok := strings.Cut(s, "|")
	if !ok {
		return ID{}, fmt.Errorf("identity: malformed openId %q: missing '|' separator", s)
	}
	u, err := uuid.Parse(uuidPart)
	if err != nil {
		return ID{}, fmt.Errorf("identity: malformed openId %q: %w", s, err)
	}
	rev, err := strconv.ParseInt(revPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("identity: malformed openId %q: %w", s, err)
	}
	return New(u, rev)
}

// Compare orders IDs by uuid ascending, then by revision descending, so
// that the latest revision of a given uuid sorts first within its uuid
// group ("latest revision for this id" is a uuid-prefix lookup).
func Compare(a, b ID) int {
	if c := strings.Compare(a.UUID.String(), b.UUID.String()); c != 0 {
		return c
	}
	return cmp.Compare(b.Revision, a.Revision)
}

// SameUUID reports whether a and b identify revisions of the same logical
// update.
func SameUUID(a, b ID) bool {
	return a.UUID == b.UUID
}

// MarshalJSON implements json.Marshaler using the OpenID wire form.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(id.OpenID())), nil
}

// UnmarshalJSON implements json.Unmarshaler using the OpenID wire form.
func (id *ID) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	parsed, err := ParseOpenID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
