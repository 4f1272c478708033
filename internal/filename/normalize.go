package filename

import (
	"regexp"
	"strings"
)

// storeSuffixes are stripped from lowercased store names in this order.
var storeSuffixes = []*regexp.Regexp{
	regexp.MustCompile(`\s+supermercado$`),
	regexp.MustCompile(`\s+mercado$`),
	regexp.MustCompile(`\s+hipermercado$`),
	regexp.MustCompile(`\s+mini-mercado$`),
	regexp.MustCompile(`\s+lda[\.\s]*$`),
	regexp.MustCompile(`\s+s\.a\.[\s]*$`),
	regexp.MustCompile(`\s+s\.a$`),
	regexp.MustCompile(`\s+unipessoal[\s,]+lda\.$`),
}

var (
	disallowedChars = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedHyphens = regexp.MustCompile(`--+`)
)

// Category normalizes a category token, falling back to "other"
func Category(s string) string {
	return normalize(s, categoryPlaceholder, false)
}

// Store normalizes a store name, dropping trailing legal and commercial
// suffixes first. Falls back to "loja".
func Store(s string) string {
	return normalize(s, storePlaceholder, true)
}

func normalize(s, placeholder string, isStore bool) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}

	s = strings.ToLower(s)

	if isStore {
		for _, re := range storeSuffixes {
			s = re.ReplaceAllString(s, "")
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return placeholder
		}
	}

	s = strings.ReplaceAll(s, " ", "-")
	s = disallowedChars.ReplaceAllString(s, "")
	s = repeatedHyphens.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")

	if s == "" {
		return placeholder
	}
	return s
}
