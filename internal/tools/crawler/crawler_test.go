package crawler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryworks/capiforge/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func TestCrawler_CrawlsLinkedPagesWithinCaps(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Acme Home</title></head><body><p>Acme builds widgets.</p><a href="/about">About</a><a href="/private">Private</a></body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>About Acme</title></head><body><p>We are a widget company.</p></body></html>`)
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("robots-disallowed path must never be fetched")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	t.Setenv("V2_MAX_PAGES", "10")
	t.Setenv("V2_MAX_DEPTH", "2")
	c := NewCrawler(testLogger(t))

	pages, err := c.Crawl(t.Context(), srv.URL)
	require.NoError(t, err)
	require.Len(t, pages, 2)

	byURL := map[string]Page{}
	for _, p := range pages {
		byURL[p.URL] = p
	}
	home, ok := byURL[srv.URL]
	require.True(t, ok)
	assert.Equal(t, "Acme Home", home.Title)
	assert.Contains(t, home.Text, "Acme builds widgets")

	about, ok := byURL[srv.URL+"/about"]
	require.True(t, ok)
	assert.Equal(t, "About Acme", about.Title)
}

func TestCrawler_FailsWhenHomepageUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewCrawler(testLogger(t))
	_, err := c.Crawl(t.Context(), srv.URL)
	require.Error(t, err)
}

func TestCrawler_RespectsPageCap(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	for i := 0; i < 10; i++ {
		i := i
		mux.HandleFunc(fmt.Sprintf("/page%d", i), func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `<html><body><a href="/page%d">next</a></body></html>`, (i+1)%10)
		})
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/page0">p0</a><a href="/page1">p1</a><a href="/page2">p2</a><a href="/page3">p3</a><a href="/page4">p4</a></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	t.Setenv("V2_MAX_PAGES", "3")
	t.Setenv("V2_MAX_DEPTH", "2")
	c := NewCrawler(testLogger(t))

	pages, err := c.Crawl(t.Context(), srv.URL)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(pages), 3)
}

func TestParseRobots_OnlyAppliesWildcardGroupDisallows(t *testing.T) {
	body := "User-agent: GoogleBot\nDisallow: /google-only\n\nUser-agent: *\nDisallow: /private\nDisallow: /admin\n"
	p := parseRobots(strings.NewReader(body))
	assert.True(t, p.allows("/google-only"))
	assert.False(t, p.allows("/private"))
	assert.False(t, p.allows("/admin/settings"))
	assert.True(t, p.allows("/public"))
}
