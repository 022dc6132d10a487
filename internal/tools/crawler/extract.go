package crawler

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// extracted is a single page's extracted identity: visible body text (main
// content, scripts/styles/nav/footer stripped), title, and same-origin links
// discovered on the page for BFS expansion.
type extracted struct {
	title string
	text  string
	links []string
}

var skippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "nav": true,
	"footer": true, "header": true, "svg": true, "iframe": true,
}

func extractPage(base *url.URL, body io.Reader) (extracted, error) {
	tokenizer := html.NewTokenizer(body)
	var out extracted
	var textBuf strings.Builder
	skipDepth := 0
	inTitle := false

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := tokenizer.Token()
			name := strings.ToLower(tok.Data)
			if skippedTags[name] && tt == html.StartTagToken {
				skipDepth++
			}
			if name == "title" {
				inTitle = true
			}
			if name == "a" {
				for _, attr := range tok.Attr {
					if attr.Key != "href" {
						continue
					}
					if resolved := resolveLink(base, attr.Val); resolved != "" {
						out.links = append(out.links, resolved)
					}
				}
			}
		case html.EndTagToken:
			tok := tokenizer.Token()
			name := strings.ToLower(tok.Data)
			if skippedTags[name] && skipDepth > 0 {
				skipDepth--
			}
			if name == "title" {
				inTitle = false
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.TrimSpace(string(tokenizer.Text()))
			if text == "" {
				continue
			}
			if inTitle {
				out.title = text
				continue
			}
			textBuf.WriteString(text)
			textBuf.WriteString(" ")
		}
	}

	out.text = collapseWhitespace(textBuf.String())
	return out, nil
}

func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	u, err := base.Parse(href)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if !strings.EqualFold(u.Host, base.Host) {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)
	path := strings.TrimSuffix(u.Path, "/")
	u.Path = path
	return u.String()
}
