// Package solver drives a browser page through a single page fetch: acquire
// a page from the pool (or a dedicated proxied browser), navigate, and
// collect the resulting HTML, cookies, status code, and optional screenshot.
package solver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	neturl "net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/browserpoolgo/flaresolverr-go/internal/browser"
	"github.com/browserpoolgo/flaresolverr-go/internal/security"
	"github.com/browserpoolgo/flaresolverr-go/internal/types"
)

// Response bodies and cookie jars are capped to keep a single page fetch from
// exhausting memory on a pathological target.
const (
	maxResponseSize     = 10 * 1024 * 1024 // 10MB
	maxExtractedCookies = 200
	maxCookieValueSize  = 64 * 1024
)

// SolveOptions describes a single page fetch.
type SolveOptions struct {
	URL        string
	Timeout    time.Duration
	Cookies    []types.RequestCookie
	Proxy      *types.Proxy
	PostData   string
	IsPost     bool
	Screenshot bool
}

// Result is the outcome of a page fetch.
type Result struct {
	StatusCode int
	HTML       string
	Cookies    []types.Cookie
	UserAgent  string
	URL        string
	Screenshot string // base64-encoded PNG, present only if requested
}

// Solver drives page fetches through a browser.Pool.
type Solver struct {
	pool      *browser.Pool
	userAgent string
	log       zerolog.Logger
}

// New creates a Solver backed by pool. userAgent, if non-empty, is applied
// to every page before navigation.
func New(pool *browser.Pool, userAgent string) *Solver {
	return &Solver{pool: pool, userAgent: userAgent, log: log.Logger}
}

// Solve acquires a page and fetches opts.URL. When opts.Proxy is set, a
// dedicated (non-pooled) browser is spawned with that proxy and torn down
// afterward instead of reusing a pooled instance.
func (s *Solver) Solve(ctx context.Context, opts SolveOptions) (*Result, error) {
	if err := security.ValidateURL(opts.URL); err != nil {
		return nil, fmt.Errorf("validate url: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if opts.Proxy != nil && opts.Proxy.URL != "" {
		if err := security.ValidateProxyURL(opts.Proxy.URL, true); err != nil {
			return nil, fmt.Errorf("validate proxy url: %w", err)
		}

		s.log.Info().Str("proxy_url", security.RedactProxyURL(opts.Proxy.URL)).Msg("spawning dedicated browser for per-request proxy")
		browserInstance, err := s.pool.SpawnWithProxy(ctx, opts.Proxy.URL)
		if err != nil {
			return nil, fmt.Errorf("spawn browser with proxy: %w", err)
		}
		defer func() {
			if closeErr := browserInstance.Close(); closeErr != nil {
				s.log.Warn().Err(closeErr).Msg("failed to close dedicated browser")
			}
		}()

		page, err := stealth.Page(browserInstance)
		if err != nil {
			return nil, fmt.Errorf("create stealth page: %w", err)
		}
		defer page.Close()

		return s.SolveWithPage(ctx, page, opts)
	}

	page, err := s.pool.NewPage(ctx)
	if err != nil {
		return nil, types.NewPoolAcquireError("failed to acquire page", err)
	}
	defer page.Close()

	return s.SolveWithPage(ctx, page, opts)
}

// SolveWithPage drives an already-acquired page through navigation and
// result collection. Exposed separately from Solve so callers that manage
// their own page lifetime (e.g. sessions) can reuse a single page across
// requests.
func (s *Solver) SolveWithPage(ctx context.Context, page *rod.Page, opts SolveOptions) (*Result, error) {
	page = page.Context(ctx)

	if s.userAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{UserAgent: s.userAgent}).Call(page); err != nil {
			s.log.Warn().Err(err).Msg("failed to set user agent")
		}
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{Width: 1920, Height: 1080, DeviceScaleFactor: 1}); err != nil {
		s.log.Warn().Err(err).Msg("failed to set viewport")
	}

	if len(opts.Cookies) > 0 {
		if err := s.setCookies(page, opts.Cookies, opts.URL); err != nil {
			s.log.Warn().Err(err).Msg("failed to set cookies")
		}
	}

	var response proto.NetworkResponseReceived
	waitResponse := page.WaitEvent(&response)

	if opts.IsPost && opts.PostData != "" {
		if err := s.navigatePost(ctx, page, opts.URL, opts.PostData); err != nil {
			return nil, fmt.Errorf("post to %s: %w", opts.URL, err)
		}
	} else {
		if err := page.Navigate(opts.URL); err != nil {
			return nil, fmt.Errorf("navigate to %s: %w", opts.URL, err)
		}
	}

	waitResponse()

	if err := page.WaitLoad(); err != nil {
		s.log.Warn().Err(err).Msg("wait load failed, continuing anyway")
	}

	statusCode := 200
	if response.Response != nil && response.Response.Status > 0 {
		statusCode = response.Response.Status
	}

	return s.buildResult(page, opts.URL, opts.Screenshot, statusCode)
}

// setCookies applies cookies to the page before navigation, sanitizing each
// cookie's domain against the target host to prevent supercookie attacks.
func (s *Solver) setCookies(page *rod.Page, cookies []types.RequestCookie, targetURL string) error {
	parsed, err := neturl.Parse(targetURL)
	if err != nil {
		return fmt.Errorf("parse cookie url: %w", err)
	}
	domain := parsed.Hostname()

	cdpCookies := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		cookieDomain := security.SanitizeCookieDomain(c.Domain, domain)
		path := c.Path
		if path == "" {
			path = "/"
		}
		cdpCookies = append(cdpCookies, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   cookieDomain,
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}

	return page.SetCookies(cdpCookies)
}

// navigatePost performs a POST by injecting and submitting a hidden form,
// since CDP's Page.navigate has no native method override.
func (s *Solver) navigatePost(ctx context.Context, page *rod.Page, targetURL, postData string) error {
	parsed, err := neturl.Parse(targetURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	baseURL := fmt.Sprintf("%s://%s/", parsed.Scheme, parsed.Host)
	if err := page.Navigate(baseURL); err != nil {
		return fmt.Errorf("navigate to base url: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		s.log.Debug().Err(err).Msg("wait load on base url failed")
	}

	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}

	fieldsJS, err := buildFormFieldsJS(postData)
	if err != nil {
		return fmt.Errorf("build form fields: %w", err)
	}

	targetURLJSON, err := json.Marshal(targetURL)
	if err != nil {
		return fmt.Errorf("encode target url: %w", err)
	}

	evalResult, err := proto.RuntimeEvaluate{
		Expression: fmt.Sprintf(`(function() {
			var form = document.createElement('form');
			form.method = 'POST';
			form.action = %s;
			form.style.display = 'none';
			%s
			document.body.appendChild(form);
			form.submit();
			return 'submitted';
		})()`, targetURLJSON, fieldsJS),
		ReturnByValue: true,
	}.Call(page)
	if err != nil {
		return fmt.Errorf("submit form: %w", err)
	}
	if evalResult.ExceptionDetails != nil {
		return fmt.Errorf("submit form: %s", evalResult.ExceptionDetails.Text)
	}

	if err := page.WaitLoad(); err != nil {
		s.log.Warn().Err(err).Msg("wait load after post failed, continuing anyway")
	}

	return nil
}

// buildFormFieldsJS renders postData's "key=value&..." pairs as JavaScript
// that appends hidden inputs to a form, JSON-encoding each value so it can't
// break out of the generated script.
func buildFormFieldsJS(postData string) (string, error) {
	if postData == "" {
		return "", nil
	}

	var b strings.Builder
	for i, pair := range strings.Split(postData, "&") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, err := neturl.QueryUnescape(parts[0])
		if err != nil {
			return "", fmt.Errorf("decode form key %q: %w", parts[0], err)
		}
		value, err := neturl.QueryUnescape(parts[1])
		if err != nil {
			return "", fmt.Errorf("decode form value for key %q: %w", key, err)
		}
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return "", fmt.Errorf("encode form key %q: %w", key, err)
		}
		valueJSON, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("encode form value for key %q: %w", key, err)
		}
		fmt.Fprintf(&b, `
			var input%d = document.createElement('input');
			input%d.type = 'hidden';
			input%d.name = %s;
			input%d.value = %s;
			form.appendChild(input%d);`, i, i, i, keyJSON, i, valueJSON, i)
	}
	return b.String(), nil
}

// buildResult collects HTML, cookies, and (optionally) a screenshot from
// page into a Result.
func (s *Solver) buildResult(page *rod.Page, requestedURL string, captureScreenshot bool, statusCode int) (*Result, error) {
	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("extract html: %w", err)
	}
	if len(html) > maxResponseSize {
		s.log.Warn().Int("size", len(html)).Msg("response html truncated due to size limit")
		html = html[:maxResponseSize]
	}

	cookies, err := s.collectCookies(page)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to collect cookies")
	}

	currentURL := requestedURL
	if info, err := page.Info(); err == nil && info.URL != "" {
		currentURL = info.URL
	}

	var screenshot string
	if captureScreenshot {
		data, err := page.Screenshot(true, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to capture screenshot")
		} else {
			screenshot = base64.StdEncoding.EncodeToString(data)
		}
	}

	return &Result{
		StatusCode: statusCode,
		HTML:       html,
		Cookies:    cookies,
		UserAgent:  s.userAgent,
		URL:        currentURL,
		Screenshot: screenshot,
	}, nil
}

// collectCookies reads every cookie visible to the page via
// Network.getAllCookies, the same call Selenium's driver.get_cookies() uses
// under the hood, so results match what a real browser session would see
// regardless of the navigated domain.
func (s *Solver) collectCookies(page *rod.Page) ([]types.Cookie, error) {
	result, err := proto.NetworkGetAllCookies{}.Call(page)
	if err != nil {
		return nil, err
	}

	cdpCookies := result.Cookies
	if len(cdpCookies) > maxExtractedCookies {
		s.log.Warn().Int("count", len(cdpCookies)).Msg("cookie count exceeds limit, truncating")
		cdpCookies = cdpCookies[:maxExtractedCookies]
	}

	cookies := make([]types.Cookie, 0, len(cdpCookies))
	for _, c := range cdpCookies {
		value := c.Value
		if len(value) > maxCookieValueSize {
			value = value[:maxCookieValueSize]
		}
		cookies = append(cookies, types.Cookie{
			Name:     c.Name,
			Value:    value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			Size:     int(c.Size),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
			SameSite: string(c.SameSite),
		})
	}
	return cookies, nil
}
