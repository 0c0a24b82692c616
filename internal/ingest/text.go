package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	readability "github.com/go-shiori/go-readability"

	"github.com/localcontainers/containerd/internal/ingest/fetch"
)

// extractWeb fetches src.URI, extracts the main article content with
// Readability, and converts it to chunkable markdown. robots.txt is honored
// before the fetch is attempted.
func (p *Pipeline) extractWeb(ctx context.Context, src Source) (extracted, error) {
	if src.URI == "" {
		return extracted{}, fmt.Errorf("web source requires a uri")
	}
	if allowed, err := fetch.CheckRobotsTxt(ctx, p.HTTP, src.URI); err == nil && !allowed {
		return extracted{}, fmt.Errorf("scraping disallowed by robots.txt for %s", src.URI)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URI, nil)
	if err != nil {
		return extracted{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "containerd-ingest/1.0")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return extracted{}, fmt.Errorf("fetch %s: %w", src.URI, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return extracted{}, fmt.Errorf("fetch %s: status %d", src.URI, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return extracted{}, fmt.Errorf("read body: %w", err)
	}

	base, _ := url.Parse(resp.Request.URL.String())
	articleHTML := string(raw)
	title := src.Title
	if art, rerr := readability.FromReader(strings.NewReader(articleHTML), base); rerr == nil && strings.TrimSpace(art.Content) != "" {
		articleHTML = art.Content
		if title == "" {
			title = strings.TrimSpace(art.Title)
		}
	}

	md, err := htmltomarkdown.ConvertString(articleHTML, converter.WithDomain(baseOriginOf(base)))
	if err != nil {
		return extracted{}, fmt.Errorf("html to markdown: %w", err)
	}
	md = strings.TrimSpace(md)
	if title != "" && !strings.HasPrefix(md, "# ") {
		md = "# " + title + "\n\n" + md
	}

	return extracted{rawBytes: raw, mime: "text/html", text: md}, nil
}

func baseOriginOf(u *url.URL) string {
	if u == nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
