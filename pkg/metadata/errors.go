package metadata

import "fmt"

// ParseError is fatal for the current sync: upstream is assumed
// consistent, so silently skipping a malformed update would corrupt
// derived indexes.
type ParseError struct {
	XPath  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("metadata: parse error at %s: %s", e.XPath, e.Reason)
}

// UnknownHandlerType is a fatal parse error raised for any
// HandlerSpecificData/@xsi:type not in the closed registry.
type UnknownHandlerType struct {
	Type string
}

func (e *UnknownHandlerType) Error() string {
	return fmt.Sprintf("metadata: unknown handler type %q", e.Type)
}
