package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Fetcher pulls evidence text out of a URL. A failed fetch degrades to "no
// content" at the caller; retries are the workflow loop's business, which
// retries by re-querying, never by re-fetching the same URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
	// FetchBatch fetches every URL independently. Failed URLs are simply
	// absent from the result map.
	FetchBatch(ctx context.Context, urls []string) map[string]string
}

// HTTPError represents an HTTP error with status code.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

const (
	fetchUserAgent    = "Mozilla/5.0 (compatible; caseline/1.0)"
	batchFetchWorkers = 2
)

func NewFetcher(cfg Config) (Fetcher, error) {
	switch cfg.FetchMode {
	case "browser":
		return newBrowserFetcher(cfg.FetchTimeout())
	default:
		return newHTTPFetcher(externalHTTPClient), nil
	}
}

// htmlToEvidence prunes chrome elements out of a page and converts the rest
// to markdown-ish text.
func htmlToEvidence(rawHTML string, conv *md.Converter) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("parsing HTML: %w", err)
	}
	doc.Find("script, style, noscript, nav, header, footer, iframe, svg, form").Remove()

	body, err := doc.Find("body").Html()
	if err != nil || strings.TrimSpace(body) == "" {
		body = rawHTML
	}

	text, err := conv.ConvertString(body)
	if err != nil {
		return "", fmt.Errorf("converting HTML to markdown: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("no readable content")
	}
	return text, nil
}

// runBatch fans out over the URLs with a small concurrency cap. One bad URL
// never aborts its siblings.
func runBatch(ctx context.Context, urls []string, fetch func(context.Context, string) (string, error)) map[string]string {
	results := make(map[string]string, len(urls))
	var mu sync.Mutex
	var wg sync.WaitGroup
	slots := make(chan struct{}, batchFetchWorkers)

	for _, u := range urls {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			slots <- struct{}{}
			defer func() { <-slots }()

			content, err := fetch(ctx, u)
			if err != nil {
				log.Printf("fetch failed url=%s err=%v", u, err)
				return
			}
			if strings.TrimSpace(content) == "" {
				return
			}
			mu.Lock()
			results[u] = content
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// --- Plain HTTP fetcher ---

type httpFetcher struct {
	client    *http.Client
	converter *md.Converter
}

func newHTTPFetcher(client *http.Client) *httpFetcher {
	return &httpFetcher{
		client:    client,
		converter: md.NewConverter("", true, nil),
	}
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &HTTPError{StatusCode: resp.StatusCode, URL: url}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.Contains(contentType, "text/plain") {
		return "", fmt.Errorf("unsupported content type %q for %s", contentType, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}
	if strings.Contains(contentType, "text/plain") {
		return strings.TrimSpace(string(body)), nil
	}
	return htmlToEvidence(string(body), f.converter)
}

func (f *httpFetcher) FetchBatch(ctx context.Context, urls []string) map[string]string {
	return runBatch(ctx, urls, f.Fetch)
}

// --- Browser fetcher ---

// browserFetcher renders pages in headless Chromium before conversion, for
// docket sites that only exist after JavaScript runs. The browser is the
// scarce resource the job semaphore exists to protect.
type browserFetcher struct {
	browser   *rod.Browser
	timeout   time.Duration
	converter *md.Converter
}

func newBrowserFetcher(timeout time.Duration) (*browserFetcher, error) {
	controlURL, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	return &browserFetcher{
		browser:   browser,
		timeout:   timeout,
		converter: md.NewConverter("", true, nil),
	}, nil
}

func (f *browserFetcher) Fetch(ctx context.Context, url string) (string, error) {
	page, err := f.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return "", fmt.Errorf("opening page %s: %w", url, err)
	}
	defer page.Close()

	page = page.Context(ctx).Timeout(f.timeout)
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("loading %s: %w", url, err)
	}
	rawHTML, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("reading page %s: %w", url, err)
	}
	return htmlToEvidence(rawHTML, f.converter)
}

func (f *browserFetcher) FetchBatch(ctx context.Context, urls []string) map[string]string {
	return runBatch(ctx, urls, f.Fetch)
}

func (f *browserFetcher) Close() error {
	return f.browser.Close()
}
