// Package github implements hosting.Provider for github.com pull requests.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/randalmurphal/apex/internal/hosting"
)

// Compile-time interface check.
var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.Register("github.com", New)
}

// Provider implements hosting.Provider using the go-github library.
type Provider struct {
	client *gogithub.Client
}

// New creates a Provider authenticated from GITHUB_TOKEN or GH_TOKEN.
func New() (hosting.Provider, error) {
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		token = os.Getenv("GH_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("no GitHub token in GITHUB_TOKEN or GH_TOKEN")
	}

	httpClient := &http.Client{Transport: &tokenTransport{token: token}}
	return &Provider{client: gogithub.NewClient(httpClient)}, nil
}

// tokenTransport adds an Authorization header to every request.
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// Name returns "github".
func (p *Provider) Name() string {
	return "github"
}

// IsMerged reports whether the pull request behind the URL was merged.
func (p *Provider) IsMerged(ctx context.Context, prURL string) (bool, error) {
	owner, repo, number, err := ParsePRURL(prURL)
	if err != nil {
		return false, err
	}

	pr, _, err := p.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return false, fmt.Errorf("get pull request %s: %w", prURL, err)
	}
	return pr.GetMerged(), nil
}

// ParsePRURL extracts (owner, repo, number) from a GitHub PR URL like
// https://github.com/owner/repo/pull/123.
func ParsePRURL(prURL string) (owner, repo string, number int, err error) {
	u, err := url.Parse(prURL)
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed PR URL %q", prURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || parts[2] != "pull" {
		return "", "", 0, fmt.Errorf("not a GitHub PR URL: %q", prURL)
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("bad PR number in %q", prURL)
	}
	return parts[0], parts[1], n, nil
}
