package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GitHub tools call the REST API with a token resolved from the encrypted
// service-token table. The token only ever travels in the request header —
// never in result text.

const githubAPIBase = "https://api.github.com"

func (e *Executor) githubGet(ctx context.Context, path string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, githubAPIBase+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent)
	if e.serviceToken != nil {
		if token := e.serviceToken(ctx, "github"); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned %d", resp.StatusCode)
	}
	return body, nil
}

func repoPathArgs(input map[string]interface{}) (owner, repo string, ok bool) {
	owner, okOwner := stringArg(input, "owner")
	repo, okRepo := stringArg(input, "repo")
	return owner, repo, okOwner && okRepo
}

func (e *Executor) execGithubRepoInfo(ctx context.Context, input map[string]interface{}) (string, bool) {
	owner, repo, ok := repoPathArgs(input)
	if !ok {
		return "Missing required parameters: owner, repo", true
	}

	body, err := e.githubGet(ctx, fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(repo)))
	if err != nil {
		return fmt.Sprintf("GitHub request failed: %v", err), true
	}

	var info struct {
		FullName        string `json:"full_name"`
		Description     string `json:"description"`
		DefaultBranch   string `json:"default_branch"`
		Language        string `json:"language"`
		StargazersCount int    `json:"stargazers_count"`
		OpenIssuesCount int    `json:"open_issues_count"`
		Private         bool   `json:"private"`
		HTMLURL         string `json:"html_url"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Sprintf("Cannot parse GitHub response: %v", err), true
	}

	return fmt.Sprintf(
		"%s (%s)\n%s\nDefault branch: %s | Language: %s | Stars: %d | Open issues: %d | Private: %v",
		info.FullName, info.HTMLURL, info.Description,
		info.DefaultBranch, info.Language, info.StargazersCount, info.OpenIssuesCount, info.Private,
	), false
}

func (e *Executor) execGithubListIssues(ctx context.Context, input map[string]interface{}) (string, bool) {
	owner, repo, ok := repoPathArgs(input)
	if !ok {
		return "Missing required parameters: owner, repo", true
	}

	state, _ := stringArg(input, "state")
	if state == "" {
		state = "open"
	}
	limit := intArg(input, "limit", 20)
	if limit > 50 {
		limit = 50
	}

	body, err := e.githubGet(ctx, fmt.Sprintf("/repos/%s/%s/issues?state=%s&per_page=%d",
		url.PathEscape(owner), url.PathEscape(repo), url.QueryEscape(state), limit))
	if err != nil {
		return fmt.Sprintf("GitHub request failed: %v", err), true
	}

	var issues []struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		State  string `json:"state"`
		User   struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if err := json.Unmarshal(body, &issues); err != nil {
		return fmt.Sprintf("Cannot parse GitHub response: %v", err), true
	}
	if len(issues) == 0 {
		return fmt.Sprintf("No %s issues in %s/%s", state, owner, repo), false
	}

	var lines []string
	for _, issue := range issues {
		lines = append(lines, fmt.Sprintf("#%d [%s] %s (@%s)", issue.Number, issue.State, issue.Title, issue.User.Login))
	}
	return strings.Join(lines, "\n"), false
}
