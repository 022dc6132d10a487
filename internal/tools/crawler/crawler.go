package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/foundryworks/capiforge/internal/platform/apierr"
	"github.com/foundryworks/capiforge/internal/platform/envutil"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

/*
Crawler performs the bounded breadth-first site crawl the research stage
needs (spec §4.3.1, §4.4's `crawl(url, max_pages, max_depth) → [page]`).
It respects robots.txt, extracts main textual content per page, and
deduplicates by normalized URL. The homepage alone must be enough to
proceed: a failure to fetch it is a network error that aborts the calling
stage, but failures on any other queued page are logged and skipped so a
handful of broken links never sink an otherwise-successful crawl.
*/

// Page is one crawled, deduplicated URL's extracted identity.
type Page struct {
	URL   string
	Title string
	Text  string
	Depth int
}

type Crawler struct {
	log        *logger.Logger
	httpClient *http.Client
	maxPages   int
	maxDepth   int
}

// NewCrawler reads the default page/depth caps from V2_MAX_PAGES/V2_MAX_DEPTH
// (spec §6.5), defaulting to 30/2 per §4.3.1.
func NewCrawler(log *logger.Logger) *Crawler {
	return &Crawler{
		log:        log.With("component", "crawler"),
		httpClient: &http.Client{Timeout: 20 * time.Second},
		maxPages:   envutil.Int("V2_MAX_PAGES", 30),
		maxDepth:   envutil.Int("V2_MAX_DEPTH", 2),
	}
}

type frontierEntry struct {
	url   string
	depth int
}

// Crawl runs the bounded BFS starting at rawURL using the crawler's
// configured page/depth caps.
func (c *Crawler) Crawl(ctx context.Context, rawURL string) ([]Page, error) {
	root, err := url.Parse(rawURL)
	if err != nil || (root.Scheme != "http" && root.Scheme != "https") {
		return nil, apierr.Newf(apierr.KindInput, "research", "invalid customer url: %s", rawURL)
	}

	origin := root.Scheme + "://" + root.Host
	policy := fetchRobotsPolicy(ctx, c.httpClient, origin)

	visited := map[string]bool{}
	queue := []frontierEntry{{url: root.String(), depth: 0}}
	var pages []Page

	for len(queue) > 0 && len(pages) < c.maxPages {
		entry := queue[0]
		queue = queue[1:]

		norm := normalizeURL(entry.url)
		if visited[norm] {
			continue
		}
		visited[norm] = true

		if entry.depth > c.maxDepth {
			continue
		}

		pageURL, err := url.Parse(entry.url)
		if err != nil {
			continue
		}
		if !policy.allows(pageURL.Path) {
			continue
		}

		page, links, err := c.fetchAndExtract(ctx, pageURL)
		if err != nil {
			if len(pages) == 0 && entry.depth == 0 {
				return nil, apierr.Wrap(apierr.KindUpstream, "research", fmt.Errorf("fetch homepage: %w", err))
			}
			c.log.Warn("crawl: skipping page after fetch/extract failure", "url", entry.url, "error", err)
			continue
		}
		page.Depth = entry.depth
		pages = append(pages, page)

		if entry.depth < c.maxDepth {
			for _, link := range links {
				if !visited[normalizeURL(link)] {
					queue = append(queue, frontierEntry{url: link, depth: entry.depth + 1})
				}
			}
		}
	}

	if len(pages) == 0 {
		return nil, apierr.Newf(apierr.KindUpstream, "research", "crawl yielded zero usable pages")
	}
	return pages, nil
}

func (c *Crawler) fetchAndExtract(ctx context.Context, pageURL *url.URL) (Page, []string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return Page{}, nil, err
	}
	req.Header.Set("User-Agent", "CAPIForgeBot/1.0 (+provisioning research crawler)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Page{}, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, nil, fmt.Errorf("http %d for %s", resp.StatusCode, pageURL.String())
	}

	ext, err := extractPage(pageURL, resp.Body)
	if err != nil {
		return Page{}, nil, fmt.Errorf("extract %s: %w", pageURL.String(), err)
	}
	return Page{URL: pageURL.String(), Title: ext.title, Text: ext.text}, ext.links, nil
}
