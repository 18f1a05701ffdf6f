// Package sanitize cleans free text coming from agents and external forms
// before it is stored on a lead.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	tagRe    = regexp.MustCompile(`<[^>]*>`)
	entities = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&", "&quot;", `"`, "&#39;", "'")
)

// StripHTML removes markup. Tags are stripped again after entity decoding so
// encoded tags do not survive.
func StripHTML(s string) string {
	s = tagRe.ReplaceAllString(s, "")
	s = entities.Replace(s)
	return tagRe.ReplaceAllString(s, "")
}

// Text strips markup and collapses runs of whitespace into single spaces.
func Text(s string) string {
	return strings.Join(strings.Fields(StripHTML(s)), " ")
}

// TextPtr applies Text to an optional field.
func TextPtr(s *string) *string {
	if s == nil {
		return nil
	}
	out := Text(*s)
	return &out
}
