package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/bt-bridge/reporecon/shared"
)

// Registered tool names.
const (
	ToolScoutIssues  = "scout_github_issues"
	ToolAnalyzeIssue = "analyze_issue_code"
)

const (
	// DefaultAPIBaseURL is the public GitHub REST API.
	DefaultAPIBaseURL = "https://api.github.com"

	defaultRequestTimeout = 10 * time.Second
)

// GitHubClient backs the repository reconnaissance tools. Results are phrased
// for the model to speak, so lookup failures come back as result text rather
// than errors.
type GitHubClient struct {
	logger  shared.LoggerAdapter
	baseUrl string
	token   string
	timeout time.Duration
}

// NewGitHubClient creates a client for the issues API. The token is optional;
// without one, requests run against the unauthenticated rate limit.
func NewGitHubClient(logger shared.LoggerAdapter, baseUrl, token string, timeout time.Duration) (*GitHubClient, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if baseUrl == "" {
		baseUrl = DefaultAPIBaseURL
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &GitHubClient{
		logger:  logger,
		baseUrl: strings.TrimSuffix(baseUrl, "/"),
		token:   token,
		timeout: timeout,
	}, nil
}

// Register adds the reconnaissance tools to the registry.
func (c *GitHubClient) Register(registry *Registry) error {
	if registry == nil {
		return shared.ErrNoRegistry
	}

	err := registry.Register(Tool{
		Name:        ToolScoutIssues,
		Description: "Fetches the latest open issues from a GitHub repository. Call this when the user asks to scan a repo for bugs, targets, or issues.",
		Parameters: map[string]any{
			"type": "OBJECT",
			"properties": map[string]any{
				"repo_name": map[string]any{
					"type":        "STRING",
					"description": "The full name of the repository on GitHub, for example owner/repo.",
				},
			},
			"required": []any{"repo_name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			repo, err := stringArg(args, "repo_name")
			if err != nil {
				return "", err
			}
			return c.ScoutIssues(ctx, repo), nil
		},
	})
	if err != nil {
		return err
	}

	return registry.Register(Tool{
		Name:        ToolAnalyzeIssue,
		Description: "Fetch the specific details of a GitHub issue and provide a plan of attack.",
		Parameters: map[string]any{
			"type": "OBJECT",
			"properties": map[string]any{
				"repo_name": map[string]any{
					"type":        "STRING",
					"description": "The full name of the repository on GitHub.",
				},
				"issue_number": map[string]any{
					"type":        "INTEGER",
					"description": "The number of the issue to analyze.",
				},
			},
			"required": []any{"repo_name", "issue_number"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			repo, err := stringArg(args, "repo_name")
			if err != nil {
				return "", err
			}
			number, err := intArg(args, "issue_number")
			if err != nil {
				return "", err
			}
			return c.AnalyzeIssue(repo, number), nil
		},
	})
}

// ScoutIssues summarizes the three most recent open issues of a repository.
// The summary is always a speakable string; lookup failures are reported in
// it instead of an error so the model can relay them.
func (c *GitHubClient) ScoutIssues(ctx context.Context, repo string) string {
	c.logger.Info("scouting repository issues", zap.String("repo", repo))

	issues, err := c.fetchOpenIssues(ctx, repo)
	if err != nil {
		c.logger.Warn("issue scan failed", zap.String("repo", repo), zap.Error(err))
		return fmt.Sprintf("Recon failed. I could not access %s. Error details: %s", repo, err)
	}

	lines := []string{fmt.Sprintf("Tactical scan complete for %s. Here are the top 3 open targets:", repo)}
	count := 0
	for _, issue := range issues {
		// The issues endpoint also lists pull requests.
		if issue.PullRequest != nil {
			continue
		}
		count++
		lines = append(lines, fmt.Sprintf("Target %d: Issue #%d - %s", count, issue.Number, issue.Title))
		if count >= 3 {
			break
		}
	}
	if count == 0 {
		return fmt.Sprintf("No open issues found in %s.", repo)
	}

	c.logger.Info("issue scan complete", zap.String("repo", repo), zap.Int("count", count))
	return strings.Join(lines, "\n")
}

// AnalyzeIssue returns a canned plan of attack for an issue. Issue content is
// not fetched; the analysis is a placeholder.
func (c *GitHubClient) AnalyzeIssue(repo string, number int) string {
	c.logger.Info("analyzing issue", zap.String("repo", repo), zap.Int("issue", number))
	return fmt.Sprintf("Fetched issue details for %s #%d. The bug appears to be in the routing module. Here is a mocked plan of attack...", repo, number)
}

type githubIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	// Present on pull requests only.
	PullRequest *struct{} `json:"pull_request"`
}

func (c *GitHubClient) fetchOpenIssues(ctx context.Context, repo string) ([]githubIssue, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	req.SetRequestURI(fmt.Sprintf("%s/repos/%s/issues?state=open&sort=created&direction=desc", c.baseUrl, repo))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	type httpResult struct {
		status int
		body   []byte
		err    error
	}
	// The goroutine owns req and resp until the request finishes, so a
	// cancelled context never races their release.
	resC := make(chan httpResult, 1)
	go func() {
		err := fasthttp.DoTimeout(req, resp, c.timeout)
		res := httpResult{err: err}
		if err == nil {
			res.status = resp.StatusCode()
			res.body = append([]byte(nil), resp.Body()...)
		}
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
		resC <- res
	}()

	var res httpResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-resC:
	}
	if res.err != nil {
		return nil, fmt.Errorf("performing HTTP request: %w", res.err)
	}
	if res.status != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", res.status, string(res.body))
	}

	var issues []githubIssue
	if err := sonic.Unmarshal(res.body, &issues); err != nil {
		return nil, fmt.Errorf("decoding issues: %w", err)
	}
	return issues, nil
}
