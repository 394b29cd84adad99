// Package gitlab implements hosting.Provider for gitlab.com merge requests.
package gitlab

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	gitlabapi "gitlab.com/gitlab-org/api/client-go"

	"github.com/randalmurphal/apex/internal/hosting"
)

// Compile-time interface check.
var _ hosting.Provider = (*Provider)(nil)

func init() {
	hosting.Register("gitlab.com", New)
}

// Provider implements hosting.Provider using the GitLab API client.
type Provider struct {
	client *gitlabapi.Client
}

// New creates a Provider authenticated from GITLAB_TOKEN.
func New() (hosting.Provider, error) {
	token := os.Getenv("GITLAB_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("no GitLab token in GITLAB_TOKEN")
	}

	client, err := gitlabapi.NewClient(token)
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name returns "gitlab".
func (p *Provider) Name() string {
	return "gitlab"
}

// IsMerged reports whether the merge request behind the URL was merged.
func (p *Provider) IsMerged(ctx context.Context, mrURL string) (bool, error) {
	project, iid, err := ParseMRURL(mrURL)
	if err != nil {
		return false, err
	}

	mr, _, err := p.client.MergeRequests.GetMergeRequest(project, int64(iid), nil, gitlabapi.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("get merge request %s: %w", mrURL, err)
	}
	return mr.State == "merged", nil
}

// ParseMRURL extracts (project path, MR iid) from a GitLab MR URL like
// https://gitlab.com/group/project/-/merge_requests/42.
func ParseMRURL(mrURL string) (project string, iid int, err error) {
	u, err := url.Parse(mrURL)
	if err != nil {
		return "", 0, fmt.Errorf("malformed MR URL %q", mrURL)
	}
	path := strings.Trim(u.Path, "/")
	idx := strings.Index(path, "/-/merge_requests/")
	if idx < 0 {
		return "", 0, fmt.Errorf("not a GitLab MR URL: %q", mrURL)
	}
	project = path[:idx]
	rest := path[idx+len("/-/merge_requests/"):]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return "", 0, fmt.Errorf("bad MR number in %q", mrURL)
	}
	return project, n, nil
}
