package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	opts    *Options
	logger  *slog.Logger
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	TimezoneID     string
	Locale         string
	ProxyServer    string
	ExtraHeaders   map[string]string

	// Latitude and Longitude are granted to the site so it picks the
	// nearest store.
	Latitude  float64
	Longitude float64

	// Requests of these resource types, or whose URL contains one of the
	// patterns, are aborted.
	BlockedResourceTypes []string
	BlockedURLPatterns   []string

	NavigationRetries int
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		TimezoneID:     "Pacific/Auckland",
		Locale:         "en-NZ",
		ExtraHeaders: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"Accept-Language": "en-NZ,en;q=0.9",
		},
		Latitude:             -41.21,
		Longitude:            174.91,
		BlockedResourceTypes: []string{"image", "stylesheet", "media", "font", "other"},
		BlockedURLPatterns: []string{
			"googleoptimize.com",
			"gtm.js",
			"visitoridentification.js",
			"js-agent.newrelic.com",
			"challenge-platform",
		},
		NavigationRetries: 3,
	}
}

// ShouldBlock reports whether a request is excluded from page loads.
func (o *Options) ShouldBlock(resourceType, url string) bool {
	for _, t := range o.BlockedResourceTypes {
		if resourceType == t {
			return true
		}
	}
	for _, p := range o.BlockedURLPatterns {
		if strings.Contains(url, p) {
			return true
		}
	}
	return false
}

func New(opts *Options, logger *slog.Logger) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
		},
	}

	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{
			Server: opts.ProxyServer,
		}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         &opts.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &opts.Locale,
		TimezoneId:        &opts.TimezoneID,
		Geolocation: &playwright.Geolocation{
			Latitude:  opts.Latitude,
			Longitude: opts.Longitude,
		},
		Permissions: []string{"geolocation"},
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: opts.ExtraHeaders,
	}

	context, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Browser{
		pw:      pw,
		browser: browser,
		context: context,
		opts:    opts,
		logger:  logger.With("component", "browser"),
	}, nil
}

// NewPage opens a tab with the request exclusions installed.
func (b *Browser) NewPage() (playwright.Page, error) {
	page, err := b.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	page.SetDefaultTimeout(float64(b.opts.Timeout.Milliseconds()))

	if err := b.RouteExclusions(page); err != nil {
		page.Close()
		return nil, err
	}

	return page, nil
}

// RouteExclusions aborts requests the scraper never needs.
func (b *Browser) RouteExclusions(page playwright.Page) error {
	err := page.Route("**/*", func(route playwright.Route) {
		req := route.Request()
		if b.opts.ShouldBlock(req.ResourceType(), req.URL()) {
			if err := route.Abort(); err != nil {
				b.logger.Debug("failed to abort request", "url", req.URL(), "error", err)
			}
			return
		}
		if err := route.Continue(); err != nil {
			b.logger.Debug("failed to continue request", "url", req.URL(), "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to install request routing: %w", err)
	}
	return nil
}

func (b *Browser) Close() error {
	var errs []error

	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}

func (b *Browser) NavigateWithRetry(ctx context.Context, page playwright.Page, url string, maxRetries int) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			b.logger.Info("retrying navigation", "attempt", i+1, "url", url)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * time.Second):
			}
		}

		_, err := page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(b.opts.Timeout.Milliseconds())),
		})
		if err == nil {
			return nil
		}

		lastErr = err
		b.logger.Warn("navigation failed", "error", err, "attempt", i+1, "url", url)
	}

	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// WaitForSelector waits until the first match of selector is attached.
func (b *Browser) WaitForSelector(page playwright.Page, selector string) error {
	err := page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: playwright.Float(float64(b.opts.Timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("selector %q did not appear: %w", selector, err)
	}
	return nil
}

// Session is a single tab used for a whole scrape run.
type Session struct {
	browser *Browser
	page    playwright.Page
}

func (b *Browser) OpenSession() (*Session, error) {
	page, err := b.NewPage()
	if err != nil {
		return nil, err
	}
	return &Session{browser: b, page: page}, nil
}

// SelectStore opens locationURL so the site resolves the store from the
// granted geolocation, and returns the selected store name.
func (s *Session) SelectStore(ctx context.Context, locationURL, storeSelector string) (string, error) {
	if err := s.browser.NavigateWithRetry(ctx, s.page, locationURL, s.browser.opts.NavigationRetries); err != nil {
		return "", err
	}
	if err := s.browser.WaitForSelector(s.page, storeSelector); err != nil {
		return "", err
	}

	name, err := s.page.Locator(storeSelector).First().TextContent()
	if err != nil {
		return "", fmt.Errorf("failed to read store name: %w", err)
	}
	return strings.TrimSpace(name), nil
}

// Load navigates to url, waits for waitSelector and returns the rendered HTML.
func (s *Session) Load(ctx context.Context, url, waitSelector string) (string, error) {
	if err := s.browser.NavigateWithRetry(ctx, s.page, url, s.browser.opts.NavigationRetries); err != nil {
		return "", err
	}

	if waitSelector != "" {
		if err := s.browser.WaitForSelector(s.page, waitSelector); err != nil {
			return "", err
		}
	}

	html, err := s.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to get page content: %w", err)
	}
	return html, nil
}

func (s *Session) Close() error {
	return s.page.Close()
}
