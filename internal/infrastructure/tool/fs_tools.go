package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Filesystem tools. Every entry returns (result_text, is_error) — errors
// are data for the model, never Go errors.

func execReadFile(input map[string]interface{}, allowedDirs []string) (string, bool) {
	raw, ok := stringArg(input, "path")
	if !ok {
		return "Missing required parameter: path", true
	}

	path, err := ValidatePath(raw, allowedDirs)
	if err != nil {
		return err.Error(), true
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Sprintf("Cannot read metadata: %v", err), true
	}
	if !info.Mode().IsRegular() {
		return fmt.Sprintf("Not a file: %s", path), true
	}
	if info.Size() > maxReadBytes {
		return fmt.Sprintf("File too large: %d bytes (max %d MB)", info.Size(), maxReadBytes/(1024*1024)), true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("Cannot read file: %v", err), true
	}
	if IsBinary(data) {
		return fmt.Sprintf("Binary file detected: %s (%d bytes)", path, len(data)), true
	}

	maxLines := intArg(input, "max_lines", defaultMaxLines)
	content := string(data)
	lines := strings.Split(content, "\n")
	if len(lines) <= maxLines {
		return content, false
	}
	truncated := strings.Join(lines[:maxLines], "\n")
	return fmt.Sprintf("%s\n\n[... truncated: showing %d/%d lines]", truncated, maxLines, len(lines)), false
}

func execListDirectory(input map[string]interface{}, allowedDirs []string) (string, bool) {
	raw, ok := stringArg(input, "path")
	if !ok {
		return "Missing required parameter: path", true
	}

	path, err := ValidatePath(raw, allowedDirs)
	if err != nil {
		return err.Error(), true
	}

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Sprintf("Not a directory: %s", path), true
	}

	recursive := boolArg(input, "recursive")
	maxDepth := intArg(input, "max_depth", defaultMaxDepth)

	var entries []string
	listDirRecursive(path, path, recursive, maxDepth, 0, &entries)

	if len(entries) == 0 {
		return "Directory is empty", false
	}
	return strings.Join(entries, "\n"), false
}

func listDirRecursive(base, dir string, recursive bool, maxDepth, depth int, out *[]string) {
	items, err := os.ReadDir(dir)
	if err != nil {
		*out = append(*out, fmt.Sprintf("[error reading %s: %v]", dir, err))
		return
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Name() < items[j].Name() })

	for _, item := range items {
		full := filepath.Join(dir, item.Name())
		rel, err := filepath.Rel(base, full)
		if err != nil {
			rel = full
		}

		if item.IsDir() {
			*out = append(*out, fmt.Sprintf("[DIR]  %s/", rel))
			if recursive && depth < maxDepth {
				listDirRecursive(base, full, true, maxDepth, depth+1, out)
			}
		} else {
			var size int64
			if info, err := item.Info(); err == nil {
				size = info.Size()
			}
			*out = append(*out, fmt.Sprintf("[FILE] %s (%s)", rel, humanSize(size)))
		}
	}
}

func execWriteFile(input map[string]interface{}, allowedDirs []string) (string, bool) {
	raw, ok := stringArg(input, "path")
	if !ok {
		return "Missing required parameter: path", true
	}
	content, ok := stringArg(input, "content")
	if !ok {
		return "Missing required parameter: content", true
	}

	if len(content) > maxWriteBytes {
		return fmt.Sprintf("Content too large: %d bytes (max %d MB)", len(content), maxWriteBytes/(1024*1024)), true
	}

	// create_dirs must run before validation — the canonical check needs an
	// existing parent.
	if boolArg(input, "create_dirs") {
		abs := raw
		if !filepath.IsAbs(abs) && len(allowedDirs) > 0 {
			abs = filepath.Join(allowedDirs[0], abs)
		}
		if parent := filepath.Dir(abs); parent != "" {
			if _, err := os.Stat(parent); os.IsNotExist(err) {
				if err := os.MkdirAll(parent, 0o755); err != nil {
					return fmt.Sprintf("Failed to create directories: %v", err), true
				}
			}
		}
	}

	path, err := ValidatePath(raw, allowedDirs)
	if err != nil {
		return err.Error(), true
	}

	if IsBlockedForWrite(path) {
		return fmt.Sprintf("Write blocked: cannot write to %q (restricted path)", path), true
	}

	// Side-by-side backup when overwriting.
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		if ext == "" {
			ext = "txt"
		}
		bak := strings.TrimSuffix(path, filepath.Ext(path)) + "." + ext + ".bak"
		if data, err := os.ReadFile(path); err == nil {
			// Best-effort backup; the write proceeds either way.
			_ = os.WriteFile(bak, data, 0o644)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("Failed to write file: %v", err), true
	}
	return fmt.Sprintf("Written %d bytes to %s", len(content), path), false
}

func execSearchInFiles(input map[string]interface{}, allowedDirs []string) (string, bool) {
	raw, ok := stringArg(input, "path")
	if !ok {
		return "Missing required parameter: path", true
	}
	pattern, ok := stringArg(input, "pattern")
	if !ok {
		return "Missing required parameter: pattern", true
	}

	path, err := ValidatePath(raw, allowedDirs)
	if err != nil {
		return err.Error(), true
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Sprintf("Not a directory: %s", path), true
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Sprintf("Invalid regex pattern: %v", err), true
	}

	fileGlob, _ := stringArg(input, "file_glob")
	maxResults := intArg(input, "max_results", defaultMaxResults)

	var results []string
	totalMatches := 0

	filepath.WalkDir(path, func(full string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(path, full)
		if err != nil {
			rel = full
		}
		if !matchGlob(fileGlob, rel) {
			return nil
		}

		fileInfo, err := d.Info()
		if err != nil || fileInfo.Size() > maxReadBytes {
			return nil
		}
		data, err := os.ReadFile(full)
		if err != nil || IsBinary(data) {
			return nil
		}

		for lineNum, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				totalMatches++
				if len(results) < maxResults {
					results = append(results, fmt.Sprintf("%s:%d: %s", rel, lineNum+1, strings.TrimSpace(line)))
				}
			}
		}
		return nil
	})

	if len(results) == 0 {
		return fmt.Sprintf("No matches found for pattern %q in %s", pattern, path), false
	}

	output := strings.Join(results, "\n")
	if totalMatches > maxResults {
		output += fmt.Sprintf("\n\n[... showing %d/%d matches]", maxResults, totalMatches)
	}
	return output, false
}

// matchGlob filters relative paths by the file_glob argument. An empty glob,
// "**" or "**/*" matches everything, and a leading "**/" is dropped; the
// pattern then applies to the base name ("*.go") or the whole relative path
// when it contains a separator.
func matchGlob(glob, rel string) bool {
	if glob == "" || glob == "**/*" || glob == "**" {
		return true
	}
	if strings.HasPrefix(glob, "**/") {
		glob = strings.TrimPrefix(glob, "**/")
	}
	target := rel
	if !strings.ContainsRune(glob, filepath.Separator) {
		target = filepath.Base(rel)
	}
	matched, err := filepath.Match(glob, target)
	return err == nil && matched
}

// ── argument helpers ──

func stringArg(input map[string]interface{}, key string) (string, bool) {
	v, ok := input[key].(string)
	return v, ok && v != ""
}

func intArg(input map[string]interface{}, key string, fallback int) int {
	if v, ok := input[key].(float64); ok && v > 0 {
		return int(v)
	}
	return fallback
}

func boolArg(input map[string]interface{}, key string) bool {
	v, _ := input[key].(bool)
	return v
}
