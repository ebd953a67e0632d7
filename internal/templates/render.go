package templates

import (
	"regexp"
	"strings"

	"github.com/homelistingai/followup/internal/models"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render substitutes every {{lead.*}}, {{property.*}} and {{agent.*}} token
// in text. Missing values render as "". Tokens in other namespaces, and
// anything not shaped like namespace.field, are left verbatim.
func Render(text string, ctx models.RenderContext) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return tokenPattern.ReplaceAllStringFunc(text, func(raw string) string {
		match := tokenPattern.FindStringSubmatch(raw)
		ns, field := match[1], match[2]
		if !IsKnownNamespace(ns) {
			return raw
		}
		return ctx[ns][field]
	})
}

// Tokens returns every well-formed token in text, in order of appearance.
func Tokens(text string) []Token {
	matches := tokenPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	tokens := make([]Token, 0, len(matches))
	for _, match := range matches {
		tokens = append(tokens, Token{Raw: match[0], Namespace: match[1], Field: match[2]})
	}
	return tokens
}

// Warnings lists the tokens in text that would not render to a value
// against ctx. A nil ctx reports only unknown namespaces.
func Warnings(text string, ctx models.RenderContext) []Warning {
	var warnings []Warning
	for _, token := range Tokens(text) {
		switch {
		case !IsKnownNamespace(token.Namespace):
			warnings = append(warnings, Warning{Token: token, Kind: WarningUnknownNamespace})
		case ctx != nil && ctx[token.Namespace][token.Field] == "":
			warnings = append(warnings, Warning{Token: token, Kind: WarningMissingValue})
		}
	}
	return warnings
}
