package companies

import (
	"regexp"
	"strings"
)

const maxSlugLen = 64

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL- and path-safe slug from a company name. The same
// name always yields the same slug; uniqueness is resolved at insert time by
// appending a numeric suffix.
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugStrip.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = strings.Trim(s[:maxSlugLen], "-")
	}
	if s == "" {
		return "company"
	}
	return s
}
