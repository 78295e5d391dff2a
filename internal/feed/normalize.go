// Package feed fetches RSS/Atom job feeds and normalizes their items into
// canonical jobs.
package feed

import (
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"feed-job-importer/internal/models"
)

// ErrParse marks malformed feed documents.
var ErrParse = errors.New("feed parse error")

// extractor pulls one candidate value for a field out of an item. Fields are
// resolved by trying their extractors in order until one yields text.
type extractor func(item *node) string

func text(path ...string) extractor {
	return func(item *node) string {
		if n := item.path(path...); n != nil {
			return n.text
		}
		return ""
	}
}

// idAttr yields the first attribute of the named child that can serve as an
// identifier. Flags such as isPermaLink="false" are skipped.
func idAttr(name string) extractor {
	return func(item *node) string {
		for _, a := range item.child(name).attrs() {
			if a.name == "isPermaLink" || isFlag(a.text) {
				continue
			}
			return a.text
		}
		return ""
	}
}

func isFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "true", "false", "yes", "no", "0", "1":
		return true
	}
	return false
}

func joined(name, sep string) extractor {
	return func(item *node) string {
		var parts []string
		for _, n := range item.all(name) {
			if n.text != "" {
				parts = append(parts, n.text)
			}
		}
		return strings.Join(parts, sep)
	}
}

func first(item *node, extractors []extractor) string {
	for _, ex := range extractors {
		if v := ex(item); v != "" {
			return v
		}
	}
	return ""
}

var (
	externalIDFields  = []extractor{text("guid"), idAttr("guid"), text("id")}
	titleFields       = []extractor{text("title")}
	companyFields     = []extractor{text("company"), text("job_listing:company"), text("dc:creator"), text("author", "name"), text("author")}
	locationFields    = []extractor{text("location"), text("job:location"), text("job_listing:location"), text("region")}
	descriptionFields = []extractor{text("description"), text("content:encoded"), text("summary"), text("content")}
	jobTypeFields     = []extractor{text("jobType"), text("job:type"), text("job_listing:job_type"), text("type"), text("job_type")}
	categoryFields    = []extractor{joined("category", ", "), text("job:category"), text("job_category")}
	urlFields         = []extractor{text("link", "href"), text("link"), text("url"), text("guid")}
	salaryFields      = []extractor{text("salary"), text("job:salary"), text("job_listing:salary")}
	dateFields        = []extractor{text("pubDate"), text("published"), text("date"), text("dc:date"), text("updated")}
)

var jobTypeKeywords = []struct {
	keyword string
	jobType string
}{
	{"full", models.JobTypeFullTime},
	{"part", models.JobTypePartTime},
	{"contract", models.JobTypeContract},
	{"freelance", models.JobTypeFreelance},
	{"intern", models.JobTypeInternship},
}

// itemLocators find the item collection; the first non-empty match wins.
var itemLocators = []func(doc *node) []*node{
	func(doc *node) []*node { return doc.path("rss", "channel").all("item") },
	func(doc *node) []*node { return doc.child("feed").all("entry") },
	func(doc *node) []*node { return doc.root().child("channel").all("item") },
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Feed is a parsed document ready to be normalized.
type Feed struct {
	sourceURL string
	items     []*node
	now       func() time.Time
}

// Parse builds a Feed from raw XML. sourceURL seeds fallback identifiers.
func Parse(data []byte, sourceURL string) (*Feed, error) {
	doc, err := parseTree(data)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parse feed %s", sourceURL), ErrParse)
	}
	var items []*node
	for _, locate := range itemLocators {
		if items = locate(doc); len(items) > 0 {
			break
		}
	}
	return &Feed{sourceURL: sourceURL, items: items, now: time.Now}, nil
}

// Len reports how many items the feed holds.
func (f *Feed) Len() int {
	return len(f.items)
}

// Jobs yields one canonical job per item. Each range over the sequence
// normalizes the items again from the parsed tree.
func (f *Feed) Jobs() iter.Seq[models.Job] {
	return func(yield func(models.Job) bool) {
		for i, item := range f.items {
			if !yield(f.normalize(item, i)) {
				return
			}
		}
	}
}

func (f *Feed) normalize(item *node, index int) models.Job {
	externalID := first(item, externalIDFields)
	if externalID == "" {
		externalID = sourceHash(f.sourceURL) + "-" + strconv.Itoa(index)
	}

	return models.Job{
		ExternalID:  SanitizeExternalID(externalID),
		Title:       orDefault(CleanText(first(item, titleFields)), models.UntitledPosition),
		Company:     orDefault(CleanText(first(item, companyFields)), models.UnknownCompany),
		Location:    orDefault(CleanText(first(item, locationFields)), models.DefaultLocation),
		Description: CleanHTML(first(item, descriptionFields)),
		JobType:     ClassifyJobType(first(item, jobTypeFields)),
		Category:    CleanText(first(item, categoryFields)),
		URL:         first(item, urlFields),
		Salary:      CleanText(first(item, salaryFields)),
		SourceURL:   f.sourceURL,
		PostedDate:  f.postedDate(item),
		IsActive:    true,
	}
}

func (f *Feed) postedDate(item *node) time.Time {
	for _, ex := range dateFields {
		if t, ok := parseDate(ex(item)); ok {
			return t
		}
	}
	return f.now()
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
