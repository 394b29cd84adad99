// Package hosting detects merged pull/merge requests on code hosts.
package hosting

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Provider answers questions about a hosted pull/merge request.
type Provider interface {
	// Name identifies the provider ("github", "gitlab").
	Name() string
	// IsMerged reports whether the PR/MR behind the URL has been merged.
	IsMerged(ctx context.Context, prURL string) (bool, error)
}

// Factory builds a provider from a parsed PR URL host.
type Factory func() (Provider, error)

var factories = map[string]Factory{}

// Register installs a provider factory for a host suffix. Called from
// provider subpackage init functions.
func Register(hostSuffix string, f Factory) {
	factories[hostSuffix] = f
}

// ForURL resolves a provider for the PR URL's host. Unknown hosts and
// malformed URLs return an error; callers are expected to degrade to a
// warning, not fail.
func ForURL(prURL string) (Provider, error) {
	u, err := url.Parse(prURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("malformed PR URL %q", prURL)
	}
	for suffix, f := range factories {
		if u.Host == suffix || strings.HasSuffix(u.Host, "."+suffix) {
			return f()
		}
	}
	return nil, fmt.Errorf("no hosting provider for %s", u.Host)
}
