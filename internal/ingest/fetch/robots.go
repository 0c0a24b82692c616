// Package fetch holds the small HTTP fetch helpers shared by the ingestion
// pipeline's text/web extractor, kept separate from the extractor itself so
// it can be unit tested against an httptest server without pulling in the
// rest of the pipeline.
package fetch

import (
	"bufio"
	"context"
	"net/http"
	"net/url"
	"strings"
)

// CheckRobotsTxt reports whether u's host allows fetching according to its
// robots.txt. A robots.txt that cannot be fetched, or that returns a non-200
// status, is treated as permissive — absence is not a denial.
func CheckRobotsTxt(ctx context.Context, client *http.Client, u string) (bool, error) {
	base, err := url.Parse(u)
	if err != nil {
		return false, err
	}
	robotsURL := url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/robots.txt"}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		// Unreachable robots.txt does not block ingestion.
		return true, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return true, nil
	}
	return !disallowsAll(resp), nil
}

// disallowsAll does a minimal parse for a blanket "Disallow: /" under a
// wildcard User-agent; finer-grained per-path rules are intentionally not
// evaluated here.
func disallowsAll(resp *http.Response) bool {
	scanner := bufio.NewScanner(resp.Body)
	inWildcardGroup := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		switch key {
		case "user-agent":
			inWildcardGroup = val == "*"
		case "disallow":
			if inWildcardGroup && val == "/" {
				return true
			}
		}
	}
	return false
}
