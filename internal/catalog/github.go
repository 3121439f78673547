package catalog

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// RepoMetadata is the subset of GitHub repository info the catalog records.
type RepoMetadata struct {
	DisplayName   string
	Description   string
	DefaultBranch string
}

// MetadataResolver looks up repository metadata at registration time.
type MetadataResolver interface {
	Resolve(ctx context.Context, normalizedURL string) (*RepoMetadata, error)
}

// GitHubResolver resolves metadata for github.com repositories via the REST
// API. Non-GitHub URLs resolve to nil without error.
type GitHubResolver struct {
	client *github.Client
}

// NewGitHubResolver builds a resolver. An empty token yields an
// unauthenticated client, good for public repositories within rate limits.
func NewGitHubResolver(token string) *GitHubResolver {
	var hc *http.Client
	if token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(context.Background(), src)
	}
	return &GitHubResolver{client: github.NewClient(hc)}
}

// Resolve fetches owner/name metadata for a github.com URL.
func (r *GitHubResolver) Resolve(ctx context.Context, normalizedURL string) (*RepoMetadata, error) {
	owner, name, ok := splitGitHubURL(normalizedURL)
	if !ok {
		return nil, nil
	}
	repo, _, err := r.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("catalog: resolve %s/%s: %w", owner, name, err)
	}
	return &RepoMetadata{
		DisplayName:   repo.GetFullName(),
		Description:   repo.GetDescription(),
		DefaultBranch: repo.GetDefaultBranch(),
	}, nil
}

// splitGitHubURL extracts owner and repo name from a normalized
// https://github.com/owner/repo URL.
func splitGitHubURL(normalizedURL string) (owner, name string, ok bool) {
	rest, found := strings.CutPrefix(normalizedURL, "https://github.com/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
