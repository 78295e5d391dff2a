package feed

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"feed-job-importer/internal/models"
)

func TestParseMinimalRSSItem(t *testing.T) {
	doc := `<rss><channel><item><guid>abc</guid><title>Engineer</title><company>Acme</company></item></channel></rss>`
	f, err := Parse([]byte(doc), "https://example.com/feed")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	jobs := slices.Collect(f.Jobs())
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	j := jobs[0]
	if j.ExternalID != "abc" || j.Title != "Engineer" || j.Company != "Acme" {
		t.Fatalf("unexpected job %+v", j)
	}
	if j.Location != "Remote" {
		t.Fatalf("expected Remote location, got %q", j.Location)
	}
	if j.JobType != models.JobTypeFullTime {
		t.Fatalf("expected full-time, got %q", j.JobType)
	}
	if j.SourceURL != "https://example.com/feed" {
		t.Fatalf("unexpected source %q", j.SourceURL)
	}
}

func TestParseRSSWithNamespacesAndHTML(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:content="http://purl.org/rss/1.0/modules/content/" xmlns:job_listing="https://jobicy.com">
  <channel>
    <title>Jobs</title>
    <item>
      <title>  Senior
         Designer </title>
      <link>https://jobs.example/1</link>
      <guid isPermaLink="false">https://jobs.example/?p=1</guid>
      <dc:creator><![CDATA[Globex]]></dc:creator>
      <job_listing:location>Berlin</job_listing:location>
      <job_listing:job_type>Part-Time</job_listing:job_type>
      <category>Design</category>
      <category>Remote</category>
      <pubDate>Tue, 03 Jun 2025 10:00:00 +0000</pubDate>
      <content:encoded><![CDATA[<p>Build &amp; ship</p>]]></content:encoded>
    </item>
    <item>
      <title>Intern</title>
      <company>Initech</company>
      <type>Internship</type>
      <description>&lt;b&gt;Learn&lt;/b&gt; fast</description>
    </item>
  </channel>
</rss>`
	f, err := Parse([]byte(doc), "https://jobicy.com/feed")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Len() != 2 {
		t.Fatalf("expected 2 items, got %d", f.Len())
	}
	jobs := slices.Collect(f.Jobs())

	first := jobs[0]
	if first.Title != "Senior Designer" {
		t.Fatalf("whitespace not collapsed: %q", first.Title)
	}
	if first.ExternalID != "https---jobs-example--p-1" {
		t.Fatalf("unexpected external id %q", first.ExternalID)
	}
	if first.Company != "Globex" {
		t.Fatalf("expected dc:creator company, got %q", first.Company)
	}
	if first.Location != "Berlin" {
		t.Fatalf("unexpected location %q", first.Location)
	}
	if first.JobType != models.JobTypePartTime {
		t.Fatalf("unexpected job type %q", first.JobType)
	}
	if first.Category != "Design, Remote" {
		t.Fatalf("unexpected category %q", first.Category)
	}
	if first.URL != "https://jobs.example/1" {
		t.Fatalf("unexpected url %q", first.URL)
	}
	if first.Description != "Build & ship" {
		t.Fatalf("unexpected description %q", first.Description)
	}
	want := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	if !first.PostedDate.Equal(want) {
		t.Fatalf("unexpected posted date %s", first.PostedDate)
	}

	second := jobs[1]
	if second.JobType != models.JobTypeInternship {
		t.Fatalf("unexpected job type %q", second.JobType)
	}
	if second.Description != "Learn fast" {
		t.Fatalf("unexpected description %q", second.Description)
	}
	if !strings.HasPrefix(second.ExternalID, sourceHash("https://jobicy.com/feed")+"-1") {
		t.Fatalf("expected hash fallback id, got %q", second.ExternalID)
	}
}

func TestParseAtomFeed(t *testing.T) {
	doc := `<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>urn:uuid:42</id>
    <title>Contract Go Developer</title>
    <author><name>Hooli</name></author>
    <link rel="alternate" href="https://hooli.example/jobs/42"/>
    <summary>Write Go</summary>
    <updated>2024-01-02T03:04:05Z</updated>
    <type>Contract</type>
  </entry>
</feed>`
	f, err := Parse([]byte(doc), "https://hooli.example/atom")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	jobs := slices.Collect(f.Jobs())
	if len(jobs) != 1 {
		t.Fatalf("expected single entry as one-element list, got %d", len(jobs))
	}
	j := jobs[0]
	if j.ExternalID != "urn-uuid-42" {
		t.Fatalf("unexpected id %q", j.ExternalID)
	}
	if j.Company != "Hooli" {
		t.Fatalf("unexpected company %q", j.Company)
	}
	if j.URL != "https://hooli.example/jobs/42" {
		t.Fatalf("unexpected url %q", j.URL)
	}
	if j.JobType != models.JobTypeContract {
		t.Fatalf("unexpected type %q", j.JobType)
	}
	if j.Description != "Write Go" {
		t.Fatalf("unexpected description %q", j.Description)
	}
}

func TestParseBareChannel(t *testing.T) {
	doc := `<rdf><channel><item><title>Ops</title></item></channel></rdf>`
	f, err := Parse([]byte(doc), "src")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Len() != 1 {
		t.Fatalf("expected 1 item, got %d", f.Len())
	}
}

func TestParseDefaultsMissingFields(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f, err := Parse([]byte(`<rss><channel><item><pubDate>not a date</pubDate></item></channel></rss>`), "src")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f.now = func() time.Time { return now }
	jobs := slices.Collect(f.Jobs())
	j := jobs[0]
	if j.Title != models.UntitledPosition || j.Company != models.UnknownCompany {
		t.Fatalf("expected placeholders, got %+v", j)
	}
	if !j.PostedDate.Equal(now) {
		t.Fatalf("expected fallback date, got %s", j.PostedDate)
	}
}

func TestParseEmptyFeed(t *testing.T) {
	f, err := Parse([]byte(`<rss><channel><title>nothing</title></channel></rss>`), "src")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if jobs := slices.Collect(f.Jobs()); len(jobs) != 0 {
		t.Fatalf("expected no jobs, got %d", len(jobs))
	}
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte(`this is not xml`), "src")
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestJobsSequenceIsRestartable(t *testing.T) {
	doc := `<rss><channel><item><guid>1</guid></item><item><guid>2</guid></item><item><guid>3</guid></item></channel></rss>`
	f, err := Parse([]byte(doc), "src")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var firstPass []string
	for j := range f.Jobs() {
		firstPass = append(firstPass, j.ExternalID)
		if len(firstPass) == 2 {
			break
		}
	}
	all := slices.Collect(f.Jobs())
	if len(firstPass) != 2 || len(all) != 3 || all[2].ExternalID != "3" {
		t.Fatalf("unexpected passes %v / %v", firstPass, all)
	}
}

func TestParseGuidFlagAttributeIsNotAnIdentifier(t *testing.T) {
	doc := `<rss><channel>
  <item><guid isPermaLink="false"></guid><title>A</title></item>
  <item><guid isPermaLink="false"></guid><title>B</title></item>
  <item><guid ref="job-77"></guid><title>C</title></item>
</channel></rss>`
	f, err := Parse([]byte(doc), "https://feed.test/rss")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	jobs := slices.Collect(f.Jobs())
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	prefix := sourceHash("https://feed.test/rss")
	if jobs[0].ExternalID != prefix+"-0" || jobs[1].ExternalID != prefix+"-1" {
		t.Fatalf("expected hash fallback ids, got %q and %q", jobs[0].ExternalID, jobs[1].ExternalID)
	}
	if jobs[2].ExternalID != "job-77" {
		t.Fatalf("expected attribute id, got %q", jobs[2].ExternalID)
	}
}

func TestParseKeepsTextOfInlineMarkup(t *testing.T) {
	doc := `<rss><channel><item>
  <title>Senior <b>Go</b> Engineer</title>
  <company>Acme</company>
  <description><p>Ship <em>fast</em></p><p>Learn</p></description>
</item></channel></rss>`
	f, err := Parse([]byte(doc), "src")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	j := slices.Collect(f.Jobs())[0]
	if j.Title != "Senior Go Engineer" {
		t.Fatalf("unexpected title %q", j.Title)
	}
	if j.Description != "Ship fast Learn" {
		t.Fatalf("unexpected description %q", j.Description)
	}
}
