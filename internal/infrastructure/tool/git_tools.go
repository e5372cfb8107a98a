package tool

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git tools shell out to the git binary. Only read operations and commit are
// exposed; push, reset, and rebase are deliberately absent.

func runGit(ctx context.Context, repoPath string, args ...string) (string, bool) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", repoPath}, args...)...)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))

	if err != nil {
		if output == "" {
			output = err.Error()
		}
		return fmt.Sprintf("git %s failed: %s", args[0], output), true
	}
	if output == "" {
		output = "(no output)"
	}
	if len(output) > 16000 {
		output = output[:16000] + "\n... (truncated)"
	}
	return output, false
}

func execGitStatus(ctx context.Context, input map[string]interface{}) (string, bool) {
	repo := repoArg(input)
	return runGit(ctx, repo, "status", "--short", "--branch")
}

func execGitLog(ctx context.Context, input map[string]interface{}) (string, bool) {
	repo := repoArg(input)
	count := intArg(input, "count", 20)
	if count > 50 {
		count = 50
	}
	return runGit(ctx, repo, "log", "--oneline", "--no-decorate", "-n", fmt.Sprintf("%d", count))
}

func execGitDiff(ctx context.Context, input map[string]interface{}) (string, bool) {
	repo := repoArg(input)
	target, _ := stringArg(input, "target")

	switch target {
	case "":
		return runGit(ctx, repo, "diff", "--stat")
	case "staged":
		return runGit(ctx, repo, "diff", "--staged")
	default:
		return runGit(ctx, repo, "diff", target)
	}
}

func execGitCommit(ctx context.Context, input map[string]interface{}) (string, bool) {
	repo := repoArg(input)
	message, ok := stringArg(input, "message")
	if !ok {
		return "Missing required parameter: message", true
	}

	if files, hasFiles := stringArg(input, "files"); hasFiles {
		if files == "all" {
			if out, isErr := runGit(ctx, repo, "add", "-A"); isErr {
				return out, true
			}
		} else {
			addArgs := append([]string{"add", "--"}, splitCommaList(files)...)
			if out, isErr := runGit(ctx, repo, addArgs...); isErr {
				return out, true
			}
		}
	}

	return runGit(ctx, repo, "commit", "-m", message)
}

func repoArg(input map[string]interface{}) string {
	if repo, ok := stringArg(input, "repo_path"); ok {
		return repo
	}
	return "."
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
