// Package templates expands {{namespace.field}} tokens in sequence step text.
package templates

import "github.com/homelistingai/followup/internal/models"

// Token is a single {{namespace.field}} occurrence in a template.
type Token struct {
	Raw       string
	Namespace string
	Field     string
}

// Path returns the dotted token path, e.g. "lead.name".
func (t Token) Path() string {
	return t.Namespace + "." + t.Field
}

// WarningKind classifies a token that did not render to a value.
type WarningKind string

const (
	// WarningUnknownNamespace means the token was left verbatim.
	WarningUnknownNamespace WarningKind = "unknown_namespace"
	// WarningMissingValue means the token rendered as the empty string.
	WarningMissingValue WarningKind = "missing_value"
)

// Warning reports a token that degraded during rendering.
type Warning struct {
	Token Token
	Kind  WarningKind
}

// knownNamespaces are the namespaces substituted by Render. Tokens in any
// other namespace are left untouched.
var knownNamespaces = map[string]struct{}{
	models.NamespaceLead:     {},
	models.NamespaceProperty: {},
	models.NamespaceAgent:    {},
}

// IsKnownNamespace reports whether ns is substituted by Render.
func IsKnownNamespace(ns string) bool {
	_, ok := knownNamespaces[ns]
	return ok
}
