// Package scrape turns page fetchers into worker sessions: it paces requests,
// promotes challenge pages to a browser and parses questions out of the HTML.
package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/extract"
	"github.com/JakeFAU/stackharvest/internal/metrics"
)

// Waiter paces requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Detector decides whether a fetched page needs a browser.
type Detector interface {
	ShouldPromote(statusCode int, body []byte) bool
}

// StatusError reports a page served with a non-200 status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// Session implements crawler.Session over a primary fetcher and an optional
// lazily started browser used for promotion.
type Session struct {
	workerID   string
	primary    crawler.PageFetcher
	newBrowser func() (crawler.PageFetcher, error)
	detector   Detector
	limiter    Waiter
	logger     *zap.Logger

	mu      sync.Mutex
	browser crawler.PageFetcher
}

// ScrapePage fetches one listing page and returns its question summaries.
func (s *Session) ScrapePage(ctx context.Context, pageURL string) ([]crawler.Question, error) {
	page, err := s.fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	questions, err := extract.ParseListing(bytes.NewReader(page.Body), page.URL)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		s.logger.Warn("listing page had no questions",
			zap.String("worker_id", s.workerID),
			zap.String("url", pageURL),
			zap.Bool("rendered", page.Rendered),
		)
	}
	return questions, nil
}

// ScrapeDetail fetches the question page and merges its body, code and top answer into q.
func (s *Session) ScrapeDetail(ctx context.Context, q crawler.Question) (crawler.Question, error) {
	if q.Link == "" {
		return q, fmt.Errorf("question %s has no link", q.QuestionID)
	}
	page, err := s.fetch(ctx, q.Link)
	if err != nil {
		return q, err
	}
	detail, err := extract.ParseDetail(bytes.NewReader(page.Body))
	if err != nil {
		return q, err
	}
	return detail.Apply(q), nil
}

// Close releases the fetchers owned by the session.
func (s *Session) Close() error {
	s.mu.Lock()
	browser := s.browser
	s.browser = nil
	s.mu.Unlock()

	var errs []error
	if err := s.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close fetcher: %w", err))
	}
	if browser != nil && browser != s.primary {
		if err := browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) fetch(ctx context.Context, pageURL string) (crawler.Page, error) {
	if err := s.limiter.Wait(ctx, pageURL); err != nil {
		return crawler.Page{}, err
	}
	page, err := s.primary.Fetch(ctx, pageURL)
	if err != nil {
		return crawler.Page{}, err
	}
	if s.newBrowser != nil && !page.Rendered && s.detector.ShouldPromote(page.StatusCode, page.Body) {
		page, err = s.promote(ctx, pageURL, page.StatusCode)
		if err != nil {
			return crawler.Page{}, err
		}
	}
	if page.StatusCode != 200 {
		return crawler.Page{}, &StatusError{URL: pageURL, StatusCode: page.StatusCode}
	}
	return page, nil
}

func (s *Session) promote(ctx context.Context, pageURL string, status int) (crawler.Page, error) {
	browser, err := s.browserFetcher()
	if err != nil {
		return crawler.Page{}, err
	}
	s.logger.Info("promoting page to browser",
		zap.String("worker_id", s.workerID),
		zap.String("url", pageURL),
		zap.Int("status", status),
	)
	metrics.ObservePage("promoted")
	page, err := browser.Fetch(ctx, pageURL)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("browser fetch: %w", err)
	}
	return page, nil
}

func (s *Session) browserFetcher() (crawler.PageFetcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		return s.browser, nil
	}
	browser, err := s.newBrowser()
	if err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	s.browser = browser
	return browser, nil
}
