package wordmap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// LoadOptions configures remote table sources.
type LoadOptions struct {
	HTTPClient  *http.Client
	GitHubToken string
	// GitHubBaseURL overrides the API endpoint (tests, GitHub Enterprise).
	GitHubBaseURL string
}

// Load reads a table from source:
//
//	/path/to/map.json
//	https://example.com/map.json
//	github://owner/repo/path/to/map.json[@ref]
func Load(ctx context.Context, source string, opts LoadOptions) (Table, error) {
	switch {
	case strings.HasPrefix(source, "github://"):
		return loadGitHub(ctx, strings.TrimPrefix(source, "github://"), opts)
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return loadHTTP(ctx, source, opts)
	default:
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("wordmap: open %s: %w", source, err)
		}
		defer f.Close()
		return Parse(f)
	}
}

func loadHTTP(ctx context.Context, source string, opts LoadOptions) (Table, error) {
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("wordmap: build request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wordmap: fetch %s: %w", source, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wordmap: fetch %s: status %d", source, resp.StatusCode)
	}
	return Parse(resp.Body)
}

// GitHubSource is a parsed github:// reference.
type GitHubSource struct {
	Owner string
	Repo  string
	Path  string
	Ref   string
}

// ParseGitHubSource parses "owner/repo/path[@ref]".
func ParseGitHubSource(s string) (GitHubSource, error) {
	var gs GitHubSource
	if i := strings.LastIndex(s, "@"); i >= 0 {
		gs.Ref = s[i+1:]
		s = s[:i]
	}
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return gs, fmt.Errorf("wordmap: github source %q must be owner/repo/path[@ref]", s)
	}
	gs.Owner, gs.Repo, gs.Path = parts[0], parts[1], parts[2]
	return gs, nil
}

func loadGitHub(ctx context.Context, ref string, opts LoadOptions) (Table, error) {
	gs, err := ParseGitHubSource(ref)
	if err != nil {
		return nil, err
	}

	hc := opts.HTTPClient
	if opts.GitHubToken != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.GitHubToken})
		if hc != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
		}
		hc = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(hc)
	if opts.GitHubBaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(opts.GitHubBaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("wordmap: github base url: %w", err)
		}
		client.BaseURL = u
	}

	var getOpts *github.RepositoryContentGetOptions
	if gs.Ref != "" {
		getOpts = &github.RepositoryContentGetOptions{Ref: gs.Ref}
	}
	rc, _, err := client.Repositories.DownloadContents(ctx, gs.Owner, gs.Repo, gs.Path, getOpts)
	if err != nil {
		return nil, fmt.Errorf("wordmap: download %s/%s/%s: %w", gs.Owner, gs.Repo, gs.Path, err)
	}
	defer rc.Close()
	return Parse(io.LimitReader(rc, 32<<20))
}
