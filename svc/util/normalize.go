package util

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeSearchText canonicalizes text before it reaches the full-text
// index or a match query, so "Straße"/"STRASSE" and composed/decomposed
// accents find each other. A Caser is stateful, so one is built per call.
func NormalizeSearchText(s string) string {
	return norm.NFC.String(cases.Fold().String(s))
}
