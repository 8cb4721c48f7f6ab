package tools

import (
	"regexp"
	"strings"
)

var (
	htmlTagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	htmlSpacesRe = regexp.MustCompile(`[ \t]+`)
	htmlBlankRe  = regexp.MustCompile(`\n{3,}`)
)

// stripHTMLTags removes all tags and collapses the resulting whitespace,
// mirroring the simple html_to_text conversion used throughout the
// reference implementation's email channel.
func stripHTMLTags(s string) string {
	s = htmlTagRe.ReplaceAllString(s, "")
	s = strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	).Replace(s)
	s = htmlSpacesRe.ReplaceAllString(s, " ")
	s = htmlBlankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
