package tool

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Web tools: single-page fetch and a bounded same-domain crawl.

const (
	fetchMaxBytes     = 2 * 1024 * 1024
	fetchTimeout      = 30 * time.Second
	crawlMaxPages     = 20
	crawlWallClock    = 60 * time.Second
	crawlResultBudget = 4000 // chars of extracted text kept per page
	userAgent         = "hydragate-bot/1.0"
)

func (e *Executor) execFetchWebpage(ctx context.Context, input map[string]interface{}) (string, bool) {
	rawURL, ok := stringArg(input, "url")
	if !ok {
		return "Missing required parameter: url", true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Sprintf("Invalid URL: %s", rawURL), true
	}

	body, err := e.fetchPage(ctx, rawURL)
	if err != nil {
		return err.Error(), true
	}

	text := htmlToText(body)
	if text == "" {
		return "Page fetched but no text content extracted", false
	}
	maxChars := intArg(input, "max_chars", 20000)
	if len(text) > maxChars {
		text = text[:maxChars] + "\n\n[... truncated]"
	}
	return text, false
}

// execCrawlWebsite walks same-domain links breadth-first with a page cap, a
// wall clock, and content-hash dedup. Robots and sitemaps are out of scope
// for the local crawl — the page budget keeps it polite.
func (e *Executor) execCrawlWebsite(ctx context.Context, input map[string]interface{}) (string, bool) {
	rawURL, ok := stringArg(input, "url")
	if !ok {
		return "Missing required parameter: url", true
	}
	start, err := url.Parse(rawURL)
	if err != nil || (start.Scheme != "http" && start.Scheme != "https") {
		return fmt.Sprintf("Invalid URL: %s", rawURL), true
	}

	maxPages := intArg(input, "max_pages", crawlMaxPages)
	if maxPages > crawlMaxPages {
		maxPages = crawlMaxPages
	}

	deadline := time.Now().Add(crawlWallClock)
	queue := []string{start.String()}
	visited := map[string]bool{}
	contentSeen := map[[32]byte]bool{}

	var sections []string
	for len(queue) > 0 && len(sections) < maxPages && time.Now().Before(deadline) {
		pageURL := queue[0]
		queue = queue[1:]
		if visited[pageURL] {
			continue
		}
		visited[pageURL] = true

		body, err := e.fetchPage(ctx, pageURL)
		if err != nil {
			continue
		}

		hash := sha256.Sum256(body)
		if contentSeen[hash] {
			continue
		}
		contentSeen[hash] = true

		text := htmlToText(body)
		if len(text) > crawlResultBudget {
			text = text[:crawlResultBudget] + " [...]"
		}
		if text != "" {
			sections = append(sections, fmt.Sprintf("## %s\n\n%s", pageURL, text))
		}

		for _, link := range extractLinks(body, start) {
			if !visited[link] {
				queue = append(queue, link)
			}
		}
	}

	if len(sections) == 0 {
		return "Crawl produced no readable pages", true
	}
	return strings.Join(sections, "\n\n"), false
}

func (e *Executor) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot build request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
}

// htmlToText strips tags and collapses whitespace. Script and style
// subtrees are dropped entirely.
func htmlToText(body []byte) string {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return ""
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				b.WriteString(text)
				b.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "tr":
				b.WriteString("\n")
			}
		}
	}
	walk(doc)

	lines := strings.Split(b.String(), "\n")
	var cleaned []string
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}

// extractLinks returns absolute same-domain links found in the document.
func extractLinks(body []byte, base *url.URL) []string {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}

	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(attr.Val)
				if err != nil {
					continue
				}
				resolved := base.ResolveReference(ref)
				resolved.Fragment = ""
				if resolved.Host == base.Host && (resolved.Scheme == "http" || resolved.Scheme == "https") {
					links = append(links, resolved.String())
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}
