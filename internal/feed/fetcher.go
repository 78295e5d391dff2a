package feed

import (
	"context"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"feed-job-importer/internal/models"
	"feed-job-importer/internal/telemetry"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "Mozilla/5.0 (compatible; JobImporterBot/1.0)"
	defaultMaxBytes  = 20 * 1024 * 1024
	acceptXML        = "application/xml, text/xml, */*"
)

// ErrFetch marks network, timeout and HTTP status failures.
var ErrFetch = errors.New("feed fetch error")

// Archiver keeps a copy of every raw feed body that was fetched.
type Archiver interface {
	Store(ctx context.Context, sourceURL string, body []byte) (string, error)
}

// FetcherOptions configures a Fetcher. Zero values fall back to defaults.
type FetcherOptions struct {
	Timeout   time.Duration
	UserAgent string
	MaxBytes  int64
	Archive   Archiver
	Logger    *zap.SugaredLogger
}

// Fetcher downloads a feed and normalizes it. It never retries.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	archive   Archiver
	log       *zap.SugaredLogger
}

// NewFetcher builds a Fetcher with its own bounded-timeout HTTP client.
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Fetcher{
		client:    &http.Client{Timeout: opts.Timeout},
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
		archive:   opts.Archive,
		log:       opts.Logger.Named("fetcher"),
	}
}

// Fetch retrieves sourceURL and returns its canonical jobs.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) ([]models.Job, error) {
	f.log.Infow("fetching feed", "source", sourceURL)

	body, err := f.download(ctx, sourceURL)
	if err != nil {
		telemetry.FeedFetches.WithLabelValues("error").Inc()
		f.log.Errorw("fetch failed", "source", sourceURL, "err", err)
		return nil, err
	}

	if f.archive != nil {
		if key, err := f.archive.Store(ctx, sourceURL, body); err != nil {
			f.log.Warnw("archive feed failed", "source", sourceURL, "err", err)
		} else {
			f.log.Debugw("feed archived", "source", sourceURL, "key", key)
		}
	}

	parsed, err := Parse(body, sourceURL)
	if err != nil {
		telemetry.FeedFetches.WithLabelValues("parse_error").Inc()
		f.log.Errorw("parse failed", "source", sourceURL, "err", err)
		return nil, err
	}

	jobs := slices.Collect(parsed.Jobs())
	telemetry.FeedFetches.WithLabelValues("ok").Inc()
	f.log.Infow("fetched feed", "source", sourceURL, "jobs", len(jobs))
	return jobs, nil
}

func (f *Fetcher) download(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "build request"), ErrFetch)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", acceptXML)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "get %s", sourceURL), ErrFetch)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Mark(errors.Newf("get %s: status %d", sourceURL, resp.StatusCode), ErrFetch)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "read %s", sourceURL), ErrFetch)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, errors.Mark(errors.Newf("feed %s too large (>%d bytes)", sourceURL, f.maxBytes), ErrFetch)
	}
	return body, nil
}
