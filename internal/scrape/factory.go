package scrape

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/config"
	"github.com/JakeFAU/stackharvest/internal/crawler"
	collyfetcher "github.com/JakeFAU/stackharvest/internal/fetcher/colly"
	"github.com/JakeFAU/stackharvest/internal/fetcher/headless"
	"github.com/JakeFAU/stackharvest/internal/headless/detector"
)

// Session modes.
const (
	ModeHTTP    = "http"
	ModeBrowser = "browser"
	ModeAuto    = "auto"
)

// Factory implements crawler.SessionFactory for the configured mode.
type Factory struct {
	mode     string
	limiter  Waiter
	detector Detector
	logger   *zap.Logger

	newHTTP    func() (crawler.PageFetcher, error)
	newBrowser func() (crawler.PageFetcher, error)
}

// NewFactory builds a session factory. HTTP sessions share one pooled transport.
func NewFactory(cfg config.ScraperConfig, limiter Waiter, logger *zap.Logger) (*Factory, error) {
	if limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Mode {
	case ModeHTTP, ModeBrowser, ModeAuto:
	default:
		return nil, fmt.Errorf("unknown scraper mode %q", cfg.Mode)
	}

	transport := collyfetcher.NewTransport()
	return &Factory{
		mode:     cfg.Mode,
		limiter:  limiter,
		detector: detector.NewHeuristic(0),
		logger:   logger,
		newHTTP: func() (crawler.PageFetcher, error) {
			return httpFetcher(cfg, transport), nil
		},
		newBrowser: func() (crawler.PageFetcher, error) {
			return browserFetcher(cfg)
		},
	}, nil
}

// Mode reports the configured session mode.
func (f *Factory) Mode() string {
	return f.mode
}

// NewSession creates the fetchers for one worker slot.
func (f *Factory) NewSession(workerID string) (crawler.Session, error) {
	s := &Session{
		workerID: workerID,
		detector: f.detector,
		limiter:  f.limiter,
		logger:   f.logger.With(zap.String("mode", f.mode)),
	}
	var err error
	switch f.mode {
	case ModeBrowser:
		s.primary, err = f.newBrowser()
	case ModeAuto:
		s.primary, err = f.newHTTP()
		s.newBrowser = f.newBrowser
	default:
		s.primary, err = f.newHTTP()
	}
	if err != nil {
		return nil, fmt.Errorf("new %s session: %w", f.mode, err)
	}
	return s, nil
}

func httpFetcher(cfg config.ScraperConfig, transport http.RoundTripper) crawler.PageFetcher {
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.UserAgent,
		RespectRobots: cfg.RespectRobots,
		Timeout:       cfg.Timeout,
	}, transport)
}

func browserFetcher(cfg config.ScraperConfig) (crawler.PageFetcher, error) {
	timeout := cfg.Timeout
	if timeout > 0 && timeout < 10*time.Second {
		timeout = 10 * time.Second
	}
	return headless.NewChromedp(headless.Config{
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: timeout,
		ExecPath:          cfg.BrowserPath,
	})
}
