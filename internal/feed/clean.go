package feed

import (
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	maxTextLen        = 500
	maxDescriptionLen = 5000
	maxExternalIDLen  = 100
)

var (
	tagPattern       = regexp.MustCompile(`<[^>]*>`)
	externalIDUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

	entityReplacer = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
)

// CleanText collapses whitespace and bounds a short text field.
func CleanText(s string) string {
	return truncate(collapseSpace(s), maxTextLen)
}

// CleanHTML strips tags, decodes the common entities and bounds the result.
func CleanHTML(s string) string {
	if s == "" {
		return ""
	}
	s = tagPattern.ReplaceAllString(s, " ")
	s = entityReplacer.Replace(s)
	return truncate(collapseSpace(s), maxDescriptionLen)
}

// SanitizeExternalID maps an identifier onto [A-Za-z0-9_-], at most 100 chars.
func SanitizeExternalID(id string) string {
	return truncate(externalIDUnsafe.ReplaceAllString(id, "-"), maxExternalIDLen)
}

// ClassifyJobType maps free text onto the known job types; unknown text is
// full-time.
func ClassifyJobType(s string) string {
	s = strings.ToLower(s)
	for _, kw := range jobTypeKeywords {
		if strings.Contains(s, kw.keyword) {
			return kw.jobType
		}
	}
	return jobTypeKeywords[0].jobType
}

func sourceHash(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return strconv.FormatUint(uint64(h.Sum32()), 36)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
