// Package wssyncerrs collects the typed error kinds shared across wssync's
// components so callers can classify failures with errors.As instead of
// string matching.
package wssyncerrs

import "fmt"

// EndpointNotFound is returned when the configured service endpoint cannot
// be reached at all (DNS failure, connection refused, TLS handshake
// failure) as opposed to a SOAP fault from a reachable server.
type EndpointNotFound struct {
	Endpoint string
	Cause    error
}

func (e *EndpointNotFound) Error() string {
	return fmt.Sprintf("wssync: endpoint %q not found: %v", e.Endpoint, e.Cause)
}

func (e *EndpointNotFound) Unwrap() error { return e.Cause }

// AuthExpired is returned when a cached authentication token has passed
// its freshness window and must be renewed before the call can proceed.
type AuthExpired struct {
	ExpiredAt string
}

func (e *AuthExpired) Error() string {
	return fmt.Sprintf("wssync: authentication expired at %s", e.ExpiredAt)
}

// InvalidAuthorizationCookie signals that the upstream server rejected the
// authorization cookie outright; the caller must restart the three-step
// token flow from GetAuthConfig rather than retry the current step.
type InvalidAuthorizationCookie struct {
	Fault string
}

func (e *InvalidAuthorizationCookie) Error() string {
	return fmt.Sprintf("wssync: invalid authorization cookie: %s", e.Fault)
}

// UpstreamServerError wraps any other SOAP fault returned by the upstream
// server, preserving its fault code and message.
type UpstreamServerError struct {
	Code  string
	Fault string
}

func (e *UpstreamServerError) Error() string {
	return fmt.Sprintf("wssync: upstream server error %s: %s", e.Code, e.Fault)
}

// BaselineMissing is returned when a metadata store baseline chain
// references a predecessor archive that cannot be located.
type BaselineMissing struct {
	Path string
}

func (e *BaselineMissing) Error() string {
	return fmt.Sprintf("wssync: baseline archive missing: %s", e.Path)
}

// RevisionRegression is returned when committing a package would lower the
// stored revision for its uuid.
type RevisionRegression struct {
	UUID    string
	OldRev  int64
	NewRev  int64
}

func (e *RevisionRegression) Error() string {
	return fmt.Sprintf("wssync: revision regression for %s: stored %d, got %d", e.UUID, e.OldRev, e.NewRev)
}

// ContentCorrupt is returned when downloaded content's computed digest
// does not match the digest declared in metadata.
type ContentCorrupt struct {
	Digest   string
	Expected string
	Actual   string
}

func (e *ContentCorrupt) Error() string {
	return fmt.Sprintf("wssync: content %s corrupt: expected digest %s, got %s", e.Digest, e.Expected, e.Actual)
}

// Cancelled is returned when a long-running operation observes context
// cancellation and unwinds cleanly.
type Cancelled struct {
	Operation string
}

func (e *Cancelled) Error() string {
	return fmt.Sprintf("wssync: %s cancelled", e.Operation)
}
